package dmaserial

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for one serial endpoint and its driver.
type Config struct {
	Port    PortConfig   `yaml:"port"`
	Buffers BufferConfig `yaml:"buffers"`
	Timing  TimingConfig `yaml:"timing"`
	Log     LogConfig    `yaml:"log"`
}

// PortConfig holds what is needed to open a host serial port.
type PortConfig struct {
	// PortName is the path to the serial device, e.g. /dev/ttyUSB0.
	PortName string `yaml:"port_name" validate:"required"`

	BaudRate int     `yaml:"baud_rate"`
	DataBits int     `yaml:"data_bits" validate:"min=5,max=8"`
	Parity   int     `yaml:"parity" validate:"min=0,max=4"`
	StopBits float64 `yaml:"stop_bits"`

	// ReadTimeout bounds each port read so the receive goroutine notices Close.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	DTR bool `yaml:"dtr"`
	RTS bool `yaml:"rts"`
}

// BufferConfig sizes the driver's buffers. Sizes are fixed for the driver's lifetime.
type BufferConfig struct {
	RxRingSize  int `yaml:"rx_ring_size" validate:"min=1,max=1048576"`
	RxDMASize   int `yaml:"rx_dma_size" validate:"min=2,max=1048576"`
	LineSize    int `yaml:"line_size" validate:"min=1,max=1048576"`
	TxRingSize  int `yaml:"tx_ring_size" validate:"min=1,max=1048576"`
	TxChunkSize int `yaml:"tx_chunk_size" validate:"min=1,max=1048576"`

	// Terminator is the byte that ends a message.
	Terminator byte `yaml:"terminator"`

	// ReportToPort also writes ReportError diagnostics to the outgoing buffer.
	ReportToPort bool `yaml:"report_to_port"`
}

// TimingConfig drives the foreground scheduler.
type TimingConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	ReportInterval     time.Duration `yaml:"report_interval"`
	MetricsInterval    time.Duration `yaml:"metrics_interval"`
	MetricsChannelSize int           `yaml:"metrics_channel_size" validate:"min=0,max=10000"`
}

// LogConfig selects log level and optional rotated file output.
type LogConfig struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"min=0"`
	MaxBackups int    `yaml:"max_backups" validate:"min=0"`
}

const (
	DefaultRxRingSize  = 100
	DefaultRxDMASize   = 100
	DefaultLineSize    = 250
	DefaultTxRingSize  = 600
	DefaultTxChunkSize = 500

	DefaultPollInterval = time.Millisecond
)

// DefaultBufferConfig returns the standard buffer geometry.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		RxRingSize:  DefaultRxRingSize,
		RxDMASize:   DefaultRxDMASize,
		LineSize:    DefaultLineSize,
		TxRingSize:  DefaultTxRingSize,
		TxChunkSize: DefaultTxChunkSize,
		Terminator:  DefaultTerminator,
	}
}

// DefaultConfig returns a configuration with every default applied and no port name.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads a YAML config file and fills in defaults. It does not validate.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port.BaudRate == 0 {
		c.Port.BaudRate = Baud115200.Int()
	}
	if c.Port.DataBits == 0 {
		c.Port.DataBits = DataBits8.Int()
	}
	if c.Port.StopBits == 0 {
		c.Port.StopBits = 1
	}
	if c.Port.ReadTimeout == 0 {
		c.Port.ReadTimeout = 10 * time.Millisecond
	}
	c.Buffers.applyDefaults()
	if c.Timing.PollInterval == 0 {
		c.Timing.PollInterval = DefaultPollInterval
	}
	if c.Timing.MetricsChannelSize == 0 {
		c.Timing.MetricsChannelSize = 50
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (b *BufferConfig) applyDefaults() {
	def := DefaultBufferConfig()
	if b.RxRingSize == 0 {
		b.RxRingSize = def.RxRingSize
	}
	if b.RxDMASize == 0 {
		b.RxDMASize = def.RxDMASize
	}
	if b.LineSize == 0 {
		b.LineSize = def.LineSize
	}
	if b.TxRingSize == 0 {
		b.TxRingSize = def.TxRingSize
	}
	if b.TxChunkSize == 0 {
		b.TxChunkSize = def.TxChunkSize
	}
	if b.Terminator == 0 {
		b.Terminator = def.Terminator
	}
}
