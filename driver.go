package dmaserial

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Driver moves bytes between one Endpoint and foreground code.
//
// Two contexts use a Driver. The interrupt context (the endpoint) calls
// OnRxInterrupt, OnTxComplete and OnTransportError. The foreground context calls
// everything else from a single goroutine, normally a Runner ticking every
// millisecond. Nothing blocks and nothing takes a lock: the receive ring has the
// interrupt side as its only producer and the foreground as its only consumer,
// the outgoing ring is produced and consumed by the foreground, and the interrupt
// side only ever clears the busy flag or sets error bits.
type Driver struct {
	ep  Endpoint
	cfg BufferConfig
	log zerolog.Logger

	// Tx ring: outgoing bytes. Rx ring: received bytes. Tx staging: the buffer
	// handed to DMA transmit. Rx staging: the line buffer.
	buffers *DualRing[byte]
	line    *lineAssembler

	dmaRx []byte
	rxPos int // next unread index in dmaRx; interrupt context only

	armed   atomic.Bool
	busy    atomic.Bool
	errors  atomic.Uint32
	history atomic.Uint32
	fatal   bool

	metrics Metrics
}

// NewDriver binds a driver to ep. Zero sizes in cfg take the defaults. If any
// buffer cannot be allocated the driver is latched fatal: Fatal reports true and
// every operation fails without touching the endpoint.
func NewDriver(ep Endpoint, cfg BufferConfig) *Driver {
	cfg.applyDefaults()
	d := &Driver{
		ep:      ep,
		cfg:     cfg,
		log:     zerolog.Nop(),
		buffers: NewDualRing[byte](cfg.TxRingSize, cfg.RxRingSize, cfg.TxChunkSize, cfg.LineSize),
	}
	if ep == nil || d.buffers.Failed() || !validSize(cfg.RxDMASize) {
		d.fatal = true
		return d
	}
	d.dmaRx = make([]byte, cfg.RxDMASize)
	d.line = newLineAssembler(d.buffers.RxStaging(), cfg.Terminator)
	return d
}

// WithLogger sets the logger and returns d.
func (d *Driver) WithLogger(l zerolog.Logger) *Driver {
	d.log = l.With().Str("component", "driver").Logger()
	return d
}

// Fatal reports whether the driver's buffers failed to allocate.
func (d *Driver) Fatal() bool { return d.fatal }

// StartRx arms circular receive on the endpoint. Call it once the hardware is
// initialised. Calling it again while armed does nothing and returns true.
func (d *Driver) StartRx() bool {
	if d.fatal {
		return false
	}
	if !d.armed.CompareAndSwap(false, true) {
		return true
	}
	d.rxPos = 0
	if err := d.ep.StartReceive(d.dmaRx); err != nil {
		d.armed.Store(false)
		d.SetError(FlagRxDMA)
		d.log.Error().Err(err).Msg("arming receive failed")
		return false
	}
	d.metrics.StartTime.Store(time.Now().UnixNano())
	d.log.Debug().Int("dma_size", len(d.dmaRx)).Msg("receive armed")
	return true
}

// Armed reports whether StartRx has succeeded.
func (d *Driver) Armed() bool { return d.armed.Load() }

// OnRxInterrupt moves the bytes that landed in the DMA buffer since the previous
// call onto the receive ring. Interrupt context: bounded by the DMA buffer size.
func (d *Driver) OnRxInterrupt() {
	if d.fatal || !d.armed.Load() {
		return
	}
	d.metrics.RxInterrupts.Add(1)

	size := len(d.dmaRx)
	pos := d.ep.ReceivePosition()
	if pos == size {
		pos = 0
	}
	if pos < 0 || pos > size {
		d.SetError(FlagRxDMA)
		return
	}

	var received, dropped int64
	for d.rxPos != pos {
		if d.buffers.PutFromPort(d.dmaRx[d.rxPos]) {
			received++
		} else {
			dropped++
		}
		if d.rxPos++; d.rxPos == size {
			d.rxPos = 0
		}
	}
	d.metrics.BytesReceived.Add(received)
	if dropped > 0 {
		d.metrics.BytesDropped.Add(dropped)
		d.SetError(FlagInputOverrun)
	}
}

// PollForMessage drains received bytes into the line buffer until a terminator
// completes a line or the receive ring runs dry. Escape sequences are stripped.
// A line that outgrows the line buffer sets FlagMessageTooLarge and is dropped
// whole.
//
// The returned slice aliases the line buffer and is only valid until the next call.
func (d *Driver) PollForMessage() ([]byte, bool) {
	if d.fatal {
		return nil, false
	}
	rx := d.buffers.Rx()
	for {
		c, ok := rx.Get()
		if !ok {
			return nil, false
		}
		action, n := d.line.feed(c)
		switch action {
		case lineComplete:
			d.metrics.LinesAssembled.Add(1)
			return d.line.buf[:n], true
		case lineTooLarge:
			d.metrics.LinesDiscarded.Add(1)
			d.SetError(FlagMessageTooLarge)
			d.log.Debug().Int("limit", len(d.line.buf)).Msg("line too large, discarded")
		case lineEscapeDone:
			d.metrics.EscapeSequences.Add(1)
		}
	}
}

// Write queues p for transmission. When the outgoing ring fills part way, the
// bytes already queued stay queued and will be sent, the remainder is rejected,
// FlagOutputOverrun is set and ErrOutputOverrun returned with n < len(p).
func (d *Driver) Write(p []byte) (int, error) {
	if d.fatal {
		return 0, ErrDriverFatal
	}
	tx := d.buffers.Tx()
	before := tx.OnBuff()
	ok := d.buffers.Write(p)
	// the foreground is also the ring's only consumer, so the delta is exact
	n := tx.OnBuff() - before
	d.metrics.BytesQueued.Add(int64(n))
	if !ok {
		d.metrics.BytesRejected.Add(int64(len(p) - n))
		d.SetError(FlagOutputOverrun)
		return n, ErrOutputOverrun
	}
	return n, nil
}

// WriteString is Write for strings.
func (d *Driver) WriteString(s string) (int, error) {
	return d.Write([]byte(s))
}

// DrainIfIdle starts one DMA transmission of up to TxChunkSize queued bytes when
// no transmission is in flight. It reports whether one was started. While one is
// in flight, an endpoint implementing TxPoller is given a chance to advance it.
func (d *Driver) DrainIfIdle() bool {
	if d.fatal {
		return false
	}
	if d.busy.Load() {
		if p, ok := d.ep.(TxPoller); ok {
			p.PollTx()
		}
	}
	if d.buffers.Tx().Empty() {
		return false
	}
	// busy is set before Transmit: completion may be raised before Transmit returns.
	if !d.busy.CompareAndSwap(false, true) {
		return false
	}
	staging := d.buffers.TxStaging()
	n, _ := d.buffers.ReadForPort(staging)
	if n == 0 {
		d.busy.Store(false)
		return false
	}

	if err := d.ep.Transmit(staging[:n]); err != nil {
		d.busy.Store(false)
		d.metrics.TransmitErrors.Add(1)
		d.SetError(FlagTxDMA)
		d.log.Error().Err(err).Int("bytes", n).Msg("transmit refused, chunk dropped")
		return false
	}
	d.metrics.Transmissions.Add(1)
	d.metrics.BytesTransmitted.Add(int64(n))
	d.metrics.updateMaxTransmit(int64(n))
	return true
}

// SetBusy sets the transmit busy flag. The transmit-complete interrupt calls
// SetBusy(false); that is the only thing that lets DrainIfIdle start again.
func (d *Driver) SetBusy(busy bool) { d.busy.Store(busy) }

// IsBusy reports whether a DMA transmission is in flight.
func (d *Driver) IsBusy() bool { return d.busy.Load() }

// OnTxComplete implements Interrupts.
func (d *Driver) OnTxComplete() { d.SetBusy(false) }

// OnTransportError implements Interrupts.
func (d *Driver) OnTransportError(flags ErrorFlags) {
	d.metrics.TransportErrors.Add(1)
	d.SetError(flags)
}

// SetError latches flag into the live mask and the history mask.
func (d *Driver) SetError(flag ErrorFlags) {
	f := uint32(flag & FlagAll)
	if f == 0 {
		return
	}
	orInto(&d.errors, f)
	orInto(&d.history, f)
	d.metrics.LastErrorTime.Store(time.Now().Unix())
}

// ClearError clears flag, or every flag for FlagAll, and returns the live mask
// that remains.
func (d *Driver) ClearError(flag ErrorFlags) ErrorFlags {
	for {
		old := d.errors.Load()
		next := old &^ uint32(flag&FlagAll)
		if d.errors.CompareAndSwap(old, next) {
			return ErrorFlags(next)
		}
	}
}

// TestError reports whether any bit of mask is currently set.
func (d *Driver) TestError(mask ErrorFlags) bool {
	return ErrorFlags(d.errors.Load()).Has(mask)
}

// ErrorHistory returns every flag set since the driver was created.
func (d *Driver) ErrorHistory() ErrorFlags {
	return ErrorFlags(d.history.Load())
}

// ReportError logs the live flags and clears them in one step. It returns the
// diagnostic text, or "" when no flag was set. With ReportToPort the text is also
// queued on the outgoing buffer.
func (d *Driver) ReportError() string {
	flags := ErrorFlags(d.errors.Swap(0))
	if flags == 0 {
		return ""
	}
	d.metrics.ErrorReports.Add(1)
	msg := fmt.Sprintf("serial error 0x%02X: %s", uint32(flags), flags)
	d.log.Warn().
		Str("flags", flags.String()).
		Str("history", d.ErrorHistory().String()).
		Msg("serial error report")
	if d.cfg.ReportToPort {
		// an overrun here sets FlagOutputOverrun again for the next report
		_, _ = d.WriteString(msg + "\r\n")
	}
	return msg
}

// RingErrors returns the buffers' latches: receive ring in bits 0-7, outgoing
// ring in bits 8-15.
func (d *Driver) RingErrors() uint32 {
	return d.buffers.Errors()
}

// Pending returns the number of outgoing bytes not yet handed to DMA.
func (d *Driver) Pending() int { return d.buffers.Tx().OnBuff() }

// Buffered returns the number of received bytes not yet polled.
func (d *Driver) Buffered() int { return d.buffers.Rx().OnBuff() }

// RxFree implements RxSpace.
func (d *Driver) RxFree() int {
	if d.fatal {
		return 0
	}
	return d.buffers.Rx().Free()
}

// Loopback moves queued outgoing bytes straight onto the receive ring, as a
// self-test that bypasses the hardware. It refuses while the receiver is armed,
// since the interrupt side then owns the receive ring's producer end.
func (d *Driver) Loopback() int {
	if d.fatal || d.armed.Load() {
		return 0
	}
	return d.buffers.Loopback()
}

func orInto(v *atomic.Uint32, bits uint32) {
	for {
		old := v.Load()
		if old&bits == bits || v.CompareAndSwap(old, old|bits) {
			return
		}
	}
}
