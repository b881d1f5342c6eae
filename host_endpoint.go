package dmaserial

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// HostEndpoint is an Endpoint over a host serial port (go.bug.st/serial).
//
// A receive goroutine stands in for receive DMA and its interrupt: it copies each
// port read into the circular receive buffer and raises OnRxInterrupt. Each
// Transmit runs on its own goroutine and raises OnTxComplete when the port write
// returns.
type HostEndpoint struct {
	cfg  PortConfig
	port portHandle
	log  zerolog.Logger
	irq  Interrupts

	rxBuf     []byte
	rxPos     atomic.Int64
	pool      *BufferPool
	receiving atomic.Bool
	txBusy    atomic.Bool

	mu        sync.Mutex
	closed    bool
	closeCh   chan struct{}
	rxDone    chan struct{}
	txWG      sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// OpenHost validates cfg, checks the port exists and opens it.
func OpenHost(cfg PortConfig) (*HostEndpoint, error) {
	if err := ValidatePortConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid serial port configuration: %w", err)
	}

	ok, err := isPortAvailable(cfg.PortName)
	if err != nil {
		return nil, fmt.Errorf("listing ports: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s not present", ErrInvalidPortName, cfg.PortName)
	}

	port, err := openPort(cfg.PortName, cfg.Mode())
	if err != nil {
		return nil, fmt.Errorf("opening serial port: %w", err)
	}

	if err = port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		return nil, handleOpenError(port, err)
	}
	// Explicitly set control lines to configured values
	if err = port.SetDTR(cfg.DTR); err != nil {
		return nil, handleOpenError(port, err)
	}
	if err = port.SetRTS(cfg.RTS); err != nil {
		return nil, handleOpenError(port, err)
	}

	return newHostEndpoint(port, cfg), nil
}

// handleOpenError closes the port and joins any error from closing with err.
func handleOpenError(port portHandle, err error) error {
	if e := port.Close(); e != nil {
		err = errors.Join(err, e)
	}
	return err
}

func newHostEndpoint(port portHandle, cfg PortConfig) *HostEndpoint {
	return &HostEndpoint{
		cfg:     cfg,
		port:    port,
		log:     zerolog.Nop(),
		closeCh: make(chan struct{}),
		rxDone:  make(chan struct{}),
	}
}

// WithLogger sets the logger and returns h.
func (h *HostEndpoint) WithLogger(l zerolog.Logger) *HostEndpoint {
	h.log = l.With().Str("component", "endpoint").Str("port", h.cfg.PortName).Logger()
	return h
}

// Bind sets the interrupt sink, normally the Driver. It must be called before
// StartReceive or Transmit.
func (h *HostEndpoint) Bind(irq Interrupts) {
	h.irq = irq
}

// StartReceive implements Endpoint. It starts the receive goroutine once; later
// calls are no-ops.
func (h *HostEndpoint) StartReceive(buf []byte) error {
	if h.irq == nil {
		return ErrNotBound
	}
	if len(buf) < 2 {
		return fmt.Errorf("receive buffer too small: %d", len(buf))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if !h.receiving.CompareAndSwap(false, true) {
		return nil
	}
	h.rxBuf = buf
	h.rxPos.Store(0)
	h.pool = readPoolFor(len(buf) - 1)
	go h.receiveLoop()
	return nil
}

// ReceivePosition implements Endpoint.
func (h *HostEndpoint) ReceivePosition() int {
	return int(h.rxPos.Load())
}

// receiveLoop plays receive DMA plus its interrupt. Reads are capped one short of
// the buffer size so a single interrupt never laps the driver's read position.
func (h *HostEndpoint) receiveLoop() {
	defer close(h.rxDone)

	size := len(h.rxBuf)
	pos := 0
	for {
		select {
		case <-h.closeCh:
			return
		default:
		}

		n, err := h.readInto(size, &pos)
		if err != nil {
			if h.isClosed() {
				return
			}
			h.log.Error().Err(err).Msg("port read failed, receive stopped")
			h.irq.OnTransportError(FlagTransport)
			return
		}
		if n == 0 {
			// read timeout
			continue
		}
		h.rxPos.Store(int64(pos))
		h.irq.OnRxInterrupt()
	}
}

// readInto performs one port read through a pooled scratch buffer and copies
// what arrived into the circular receive buffer at *pos.
func (h *HostEndpoint) readInto(size int, pos *int) (int, error) {
	scratch := h.pool.Get()
	defer h.pool.Put(scratch)

	n, err := h.port.Read(scratch)
	if err != nil {
		return 0, err
	}
	for _, c := range scratch[:n] {
		h.rxBuf[*pos] = c
		if *pos++; *pos == size {
			*pos = 0
		}
	}
	return n, nil
}

// PoolStats reports how well read scratch buffers are being reused. The pool is
// shared by endpoints with the same receive buffer size; stats are zero until
// StartReceive has run.
func (h *HostEndpoint) PoolStats() PoolStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pool == nil {
		return PoolStats{}
	}
	return h.pool.Stats()
}

// Transmit implements Endpoint. Only one transmission may be in flight.
func (h *HostEndpoint) Transmit(p []byte) error {
	if h.irq == nil {
		return ErrNotBound
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if !h.txBusy.CompareAndSwap(false, true) {
		return ErrTransmitBusy
	}

	h.txWG.Add(1)
	go h.transmit(p)
	return nil
}

func (h *HostEndpoint) transmit(p []byte) {
	defer h.txWG.Done()

	const maxRetries = 3
	var written int
	var err error
	for retries := 0; written < len(p) && retries < maxRetries; retries++ {
		n, werr := h.port.Write(p[written:])
		if werr != nil {
			err = werr
			break
		}
		written += n
		if n == 0 {
			// Prevent infinite loop if Write returns 0
			break
		}
	}
	if written < len(p) && err == nil {
		err = errors.New("partial write: not all bytes written")
	}

	h.txBusy.Store(false)
	if err != nil && !h.isClosed() {
		h.log.Error().Err(err).Int("written", written).Int("bytes", len(p)).Msg("transmit failed")
		h.irq.OnTransportError(FlagTxDMA)
	}
	h.irq.OnTxComplete()
}

func (h *HostEndpoint) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close closes the port and waits for the receive and transmit goroutines. It is
// safe to call more than once.
func (h *HostEndpoint) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.closeCh)
		h.mu.Unlock()

		// Close the port first to unblock any in-flight Read or Write.
		h.closeErr = h.port.Close()

		if h.receiving.Load() {
			<-h.rxDone
		}
		h.txWG.Wait()
	})
	return h.closeErr
}
