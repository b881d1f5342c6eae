package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Station-Manager/dmaserial"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	device := flag.String("device", "", "serial device path (overrides config)")
	baud := flag.Int("baud", 0, "baud rate (overrides config)")
	parity := flag.String("parity", "", "parity N,O,E,M,S (overrides config)")
	loopback := flag.Bool("loopback", false, "self-test: transmitted lines are received back, no hardware")
	logFile := flag.String("log-file", "", "also write logs to this rotated file")
	verbose := flag.Bool("v", false, "debug logging")
	listPorts := flag.Bool("list", false, "list serial ports and exit")

	flag.Parse()

	if *listPorts {
		ports, err := dmaserial.AvailablePorts()
		if err != nil {
			log.Fatalf("list ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg := dmaserial.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = dmaserial.LoadConfig(*configPath); err != nil {
			log.Fatalf("config load failed: %v", err)
		}
	}
	if *device != "" {
		cfg.Port.PortName = *device
	}
	if *baud != 0 {
		cfg.Port.BaudRate = *baud
	}
	if *parity != "" {
		p, ok := dmaserial.ParseParity(strings.ToUpper(*parity))
		if !ok {
			log.Fatalf("unsupported parity %q (use N,O,E,M,S)", *parity)
		}
		cfg.Port.Parity = int(p)
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	validate := dmaserial.ValidateConfig
	if *loopback {
		validate = dmaserial.ValidateLoopbackConfig
	}
	if err := validate(&cfg); err != nil {
		log.Fatalf("config validation failed: %v", err)
	}

	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *loopback, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("uartmon stopped")
	}
}

func newLogger(cfg dmaserial.LogConfig) zerolog.Logger {
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if cfg.File != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		})
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

type boundEndpoint interface {
	dmaserial.Endpoint
	Bind(dmaserial.Interrupts)
}

func run(ctx context.Context, cfg dmaserial.Config, loopback bool, logger zerolog.Logger) error {
	var ep boundEndpoint
	if loopback {
		ep = dmaserial.NewLoopbackEndpoint()
	} else {
		host, err := dmaserial.OpenHost(cfg.Port)
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		defer func() {
			_ = host.Close()
			stats := host.PoolStats()
			logger.Debug().
				Int64("gets", stats.Gets).
				Int64("creates", stats.Creates).
				Float64("hit_ratio", stats.HitRatio()).
				Msg("read buffer pool")
		}()
		ep = host.WithLogger(logger)
	}

	driver := dmaserial.NewDriver(ep, cfg.Buffers).WithLogger(logger)
	if driver.Fatal() {
		return dmaserial.ErrDriverFatal
	}
	ep.Bind(driver)

	runner := dmaserial.NewRunner(driver, dmaserial.HandleLineFunc(func(_ context.Context, line []byte) {
		fmt.Println(string(line))
	}), cfg.Timing).WithLogger(logger)

	if cfg.Timing.MetricsInterval > 0 {
		mb := driver.StartMetricsBroadcasting(cfg.Timing.MetricsInterval, cfg.Timing.MetricsChannelSize)
		defer mb.Stop()
		go func() {
			for s := range mb.Channel() {
				logger.Info().
					Str("health", string(s.HealthStatus)).
					Float64("score", s.HealthScore).
					Int64("rx_bytes", s.BytesReceived).
					Int64("tx_bytes", s.BytesTransmitted).
					Int64("lines", s.LinesAssembled).
					Str("flags", s.ActiveFlags).
					Msg("metrics")
			}
		}()
	}

	go forwardStdin(ctx, runner, cfg.Buffers.Terminator, logger)

	port := cfg.Port.PortName
	if loopback {
		port = "loopback"
	}
	logger.Info().
		Str("port", port).
		Int("baud", cfg.Port.BaudRate).
		Bool("loopback", loopback).
		Msg("uartmon running, type lines to send, Ctrl+C to exit")
	return runner.Run(ctx)
}

// forwardStdin sends each stdin line, terminated, through the runner.
func forwardStdin(ctx context.Context, runner *dmaserial.Runner, terminator byte, logger zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		if _, err := runner.Write(ctx, append([]byte(line), terminator)); err != nil {
			if errors.Is(err, dmaserial.ErrClosed) || ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("write failed")
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error().Err(err).Msg("stdin error")
	}
}
