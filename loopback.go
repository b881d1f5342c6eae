package dmaserial

import (
	"go.uber.org/atomic"
)

// LoopbackEndpoint is an in-memory Endpoint whose transmitted bytes arrive back on
// its receive side. Everything runs on the foreground goroutine: Transmit delivers
// as much as the receiver has room for and the rest follows on later PollTx calls,
// made by DrainIfIdle. OnTxComplete is raised once the last byte has landed.
type LoopbackEndpoint struct {
	irq   Interrupts
	rxBuf []byte
	rxPos int

	// pending is the undelivered tail of the transmission in flight.
	pending  []byte
	inFlight bool

	transmissions atomic.Int64
	bytes         atomic.Int64
}

func NewLoopbackEndpoint() *LoopbackEndpoint {
	return &LoopbackEndpoint{}
}

// Bind sets the interrupt sink. When it also implements RxSpace, deliveries are
// paced to the space it reports.
func (l *LoopbackEndpoint) Bind(irq Interrupts) {
	l.irq = irq
}

// StartReceive implements Endpoint.
func (l *LoopbackEndpoint) StartReceive(buf []byte) error {
	if l.irq == nil {
		return ErrNotBound
	}
	if l.rxBuf != nil {
		return nil
	}
	l.rxBuf = buf
	l.rxPos = 0
	return nil
}

// ReceivePosition implements Endpoint.
func (l *LoopbackEndpoint) ReceivePosition() int { return l.rxPos }

// Transmit implements Endpoint. Without an armed receiver the bytes are discarded
// and the transmission completes at once.
func (l *LoopbackEndpoint) Transmit(p []byte) error {
	if l.irq == nil {
		return ErrNotBound
	}
	if l.inFlight {
		return ErrTransmitBusy
	}
	l.transmissions.Inc()
	l.bytes.Add(int64(len(p)))

	if len(l.rxBuf) < 2 {
		l.irq.OnTxComplete()
		return nil
	}
	l.pending = p
	l.inFlight = true
	l.PollTx()
	return nil
}

// PollTx implements TxPoller. It delivers pending bytes in pieces one short of
// the receive buffer, so no piece laps the driver, and never more than the
// receiver has room for.
func (l *LoopbackEndpoint) PollTx() {
	if !l.inFlight {
		return
	}
	size := len(l.rxBuf)
	for len(l.pending) > 0 {
		n := min(len(l.pending), size-1)
		if space, ok := l.irq.(RxSpace); ok {
			n = min(n, space.RxFree())
		}
		if n <= 0 {
			return
		}
		for _, c := range l.pending[:n] {
			l.rxBuf[l.rxPos] = c
			if l.rxPos++; l.rxPos == size {
				l.rxPos = 0
			}
		}
		l.pending = l.pending[n:]
		l.irq.OnRxInterrupt()
	}
	l.pending = nil
	l.inFlight = false
	l.irq.OnTxComplete()
}

// Transmissions returns how many transmissions were started.
func (l *LoopbackEndpoint) Transmissions() int64 { return l.transmissions.Load() }

// BytesSent returns the total bytes transmitted.
func (l *LoopbackEndpoint) BytesSent() int64 { return l.bytes.Load() }
