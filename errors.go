package dmaserial

import (
	"errors"
	"strings"
)

var (
	ErrClosed          = errors.New("dmaserial: port closed")
	ErrNotBound        = errors.New("dmaserial: endpoint has no interrupt sink bound")
	ErrTransmitBusy    = errors.New("dmaserial: transmission already in flight")
	ErrOutputOverrun   = errors.New("dmaserial: outgoing buffer full")
	ErrInvalidPortName = errors.New("dmaserial: invalid port name")
	ErrDriverFatal     = errors.New("dmaserial: driver buffers failed to allocate")
	ErrArmFailed       = errors.New("dmaserial: arming receive failed")
	ErrRunnerStarted   = errors.New("dmaserial: runner already started")
)

// ErrorFlags is the driver's latched error bitmask. Several bits may be set at once.
type ErrorFlags uint32

const (
	FlagInputOverrun    ErrorFlags = 1 << 0
	FlagOutputOverrun   ErrorFlags = 1 << 1
	FlagTransport       ErrorFlags = 1 << 2
	FlagTxDMA           ErrorFlags = 1 << 3
	FlagRxDMA           ErrorFlags = 1 << 4
	FlagMessageTooLarge ErrorFlags = 1 << 5
	FlagOther           ErrorFlags = 1 << 6

	// FlagAll selects every flag for ClearError and TestError.
	FlagAll ErrorFlags = 0xFF
)

var flagNames = []struct {
	flag ErrorFlags
	name string
}{
	{FlagInputOverrun, "INPUT_OVERRUN"},
	{FlagOutputOverrun, "OUTPUT_OVERRUN"},
	{FlagTransport, "TRANSPORT_ERROR"},
	{FlagTxDMA, "TX_DMA_ERROR"},
	{FlagRxDMA, "RX_DMA_ERROR"},
	{FlagMessageTooLarge, "MESSAGE_TOO_LARGE"},
	{FlagOther, "OTHER"},
}

// Has reports whether any bit of mask is set in f.
func (f ErrorFlags) Has(mask ErrorFlags) bool {
	return f&mask != 0
}

func (f ErrorFlags) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "unknown"
	}
	return strings.Join(names, "|")
}

// RingErrors is the small error latch kept by every Ring.
type RingErrors uint32

const (
	// RingAllocFailed is fatal: the ring has no storage and every operation fails.
	RingAllocFailed RingErrors = 1 << 0
	RingOverflow    RingErrors = 1 << 1
)
