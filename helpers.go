package dmaserial

import (
	"fmt"
	"slices"
	"strings"
)

// serialPrefixes are the device paths OpenHost accepts on Unix-like hosts.
var serialPrefixes = []string{"/dev/tty", "/dev/cu"}

// isPortAvailable rejects names that cannot be a serial device, then checks the
// host's port list.
func isPortAvailable(portName string) (bool, error) {
	if err := checkPortName(portName); err != nil {
		return false, err
	}
	ports, err := AvailablePorts()
	if err != nil {
		return false, err
	}
	return slices.Contains(ports, portName), nil
}

func checkPortName(name string) error {
	if strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q climbs out of the device directory", ErrInvalidPortName, name)
	}
	if !isValidPortPattern(name) {
		return fmt.Errorf("%w: %q is not a device path or COM port", ErrInvalidPortName, name)
	}
	return nil
}

func isValidPortPattern(name string) bool {
	// COM1 to COM999
	if n := len(name); strings.HasPrefix(name, "COM") && n >= 4 && n <= 6 {
		return true
	}
	return slices.ContainsFunc(serialPrefixes, func(p string) bool {
		return strings.HasPrefix(name, p)
	})
}
