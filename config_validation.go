package dmaserial

import (
	"errors"
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"
)

var (
	validate = validator.New(validator.WithRequiredStructEnabled())

	validBaudRates = []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}
)

// ValidateConfig validates serial port, buffer and timing configuration.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	if err := validateStruct(&cfg.Port); err != nil {
		return err
	}
	if err := ValidatePortConfig(&cfg.Port); err != nil {
		return err
	}
	return validateDriverConfig(cfg)
}

// ValidateLoopbackConfig validates everything but the port section, which a
// loopback endpoint never opens.
func ValidateLoopbackConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	return validateDriverConfig(cfg)
}

func validateDriverConfig(cfg *Config) error {
	for _, section := range []any{&cfg.Buffers, &cfg.Timing, &cfg.Log} {
		if err := validateStruct(section); err != nil {
			return err
		}
	}

	// Timing
	if cfg.Timing.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive: %v", cfg.Timing.PollInterval)
	}
	if cfg.Timing.ReportInterval < 0 {
		return fmt.Errorf("report interval cannot be negative: %v", cfg.Timing.ReportInterval)
	}
	if cfg.Timing.MetricsInterval < 0 {
		return fmt.Errorf("metrics interval cannot be negative: %v", cfg.Timing.MetricsInterval)
	}

	return nil
}

// validateStruct runs the struct tags and reports the first failure.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("invalid %s: failed '%s' check (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
	}
	return err
}

// ValidatePortConfig checks the host port settings.
func ValidatePortConfig(cfg *PortConfig) error {
	// Validate port name
	if cfg.PortName == "" {
		return fmt.Errorf("port name cannot be empty")
	}

	// Validate baud rate
	if !slices.Contains(validBaudRates, cfg.BaudRate) {
		return fmt.Errorf("invalid baud rate %d, must be one of: %v", cfg.BaudRate, validBaudRates)
	}

	// Validate data bits
	if cfg.DataBits < 5 || cfg.DataBits > 8 {
		return fmt.Errorf("data bits must be 5-8, got: %d", cfg.DataBits)
	}

	// Validate parity
	validParity := []Parity{ParityNone, ParityOdd, ParityEven, ParityMark, ParitySpace}
	if !slices.Contains(validParity, Parity(cfg.Parity)) {
		return fmt.Errorf("invalid parity value: %d", cfg.Parity)
	}

	// Validate stop bits
	if _, ok := stopBitsFromFloat(cfg.StopBits); !ok {
		return fmt.Errorf("stop bits must be 1, 1.5, or 2, got: %.1f", cfg.StopBits)
	}

	if cfg.ReadTimeout < 0 {
		return fmt.Errorf("read timeout cannot be negative: %v", cfg.ReadTimeout)
	}

	return nil
}
