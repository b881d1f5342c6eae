package dmaserial

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeEndpoint plays DMA by hand: tests write into the receive buffer with
// inject and raise the interrupt themselves.
type fakeEndpoint struct {
	rxBuf  []byte
	pos    int
	starts int

	startErr error
	txErr    error
	sent     [][]byte
}

func (f *fakeEndpoint) StartReceive(buf []byte) error {
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.rxBuf = buf
	f.pos = 0
	return nil
}

func (f *fakeEndpoint) ReceivePosition() int { return f.pos }

func (f *fakeEndpoint) Transmit(p []byte) error {
	if f.txErr != nil {
		return f.txErr
	}
	f.sent = append(f.sent, append([]byte(nil), p...))
	return nil
}

// inject lands data in the receive buffer and raises the interrupt, in pieces
// that never lap the driver.
func (f *fakeEndpoint) inject(d *Driver, data string) {
	size := len(f.rxBuf)
	for len(data) > 0 {
		n := min(len(data), size-1)
		for i := 0; i < n; i++ {
			f.rxBuf[f.pos] = data[i]
			f.pos = (f.pos + 1) % size
		}
		data = data[n:]
		d.OnRxInterrupt()
	}
}

func newTestDriver(t *testing.T, cfg BufferConfig) (*Driver, *fakeEndpoint) {
	t.Helper()
	ep := &fakeEndpoint{}
	d := NewDriver(ep, cfg)
	require.False(t, d.Fatal())
	require.True(t, d.StartRx())
	return d, ep
}

func pollAll(d *Driver) []string {
	var lines []string
	for {
		line, ok := d.PollForMessage()
		if !ok {
			return lines
		}
		lines = append(lines, string(line))
	}
}

// feedAndPoll injects data in small pieces, polling after each so the receive
// ring never overflows.
func feedAndPoll(d *Driver, ep *fakeEndpoint, data string, piece int) []string {
	var lines []string
	for len(data) > 0 {
		n := min(len(data), piece)
		ep.inject(d, data[:n])
		data = data[n:]
		lines = append(lines, pollAll(d)...)
	}
	return lines
}

func TestDriver_PollForMessage(t *testing.T) {
	d, ep := newTestDriver(t, BufferConfig{})

	ep.inject(d, "AT")
	_, ok := d.PollForMessage()
	require.False(t, ok, "no terminator yet")

	ep.inject(d, "\r")
	line, ok := d.PollForMessage()
	require.True(t, ok)
	require.Equal(t, "AT", string(line))

	_, ok = d.PollForMessage()
	require.False(t, ok)
	require.Zero(t, d.Buffered())
	require.Equal(t, int64(1), d.Metrics().LinesAssembled.Load())
}

func TestDriver_StripsEscapeSequences(t *testing.T) {
	d, ep := newTestDriver(t, BufferConfig{})

	ep.inject(d, "\x1b[31mhi\r")
	require.Equal(t, []string{"hi"}, pollAll(d))
	require.Equal(t, int64(1), d.Metrics().EscapeSequences.Load())
	require.False(t, d.TestError(FlagAll))
}

func TestDriver_MessageTooLarge(t *testing.T) {
	d, ep := newTestDriver(t, BufferConfig{})

	lines := feedAndPoll(d, ep, strings.Repeat("x", DefaultLineSize+1)+"\r", 50)
	require.Empty(t, lines)
	require.True(t, d.TestError(FlagMessageTooLarge))
	require.Equal(t, int64(1), d.Metrics().LinesDiscarded.Load())

	// the line buffer is usable again straight away
	require.Equal(t, []string{"OK"}, feedAndPoll(d, ep, "OK\r", 50))
}

func TestDriver_LineAtCapacity(t *testing.T) {
	d, ep := newTestDriver(t, BufferConfig{})

	full := strings.Repeat("y", DefaultLineSize)
	require.Equal(t, []string{full}, feedAndPoll(d, ep, full+"\r", 60))
	require.False(t, d.TestError(FlagMessageTooLarge))
}

func TestDriver_InputOverrun(t *testing.T) {
	d, ep := newTestDriver(t, BufferConfig{RxRingSize: 4, RxDMASize: 16})

	ep.inject(d, "abcdef")
	require.True(t, d.TestError(FlagInputOverrun))
	require.Equal(t, int64(4), d.Metrics().BytesReceived.Load())
	require.Equal(t, int64(2), d.Metrics().BytesDropped.Load())

	// the oldest bytes survive
	require.Equal(t, 4, d.Buffered())
	c, ok := d.buffers.Rx().Get()
	require.True(t, ok)
	require.Equal(t, byte('a'), c)
}

func TestDriver_RxInterruptWraps(t *testing.T) {
	d, ep := newTestDriver(t, BufferConfig{RxDMASize: 8})

	ep.inject(d, "ab\r")
	require.Equal(t, []string{"ab"}, pollAll(d))

	// crosses the end of the 8-byte DMA buffer
	ep.inject(d, "cdefg\r")
	require.Equal(t, []string{"cdefg"}, pollAll(d))
	require.Equal(t, 1, ep.pos)
}

func TestDriver_RxPositionAtEndMeansZero(t *testing.T) {
	d, ep := newTestDriver(t, BufferConfig{RxDMASize: 8})

	ep.inject(d, "abc")
	copy(ep.rxBuf[3:], "de\ryz")
	ep.pos = len(ep.rxBuf)
	d.OnRxInterrupt()

	line, ok := d.PollForMessage()
	require.True(t, ok)
	require.Equal(t, "abcde", string(line))
	require.Equal(t, 2, d.Buffered(), "y and z are still queued")
	require.False(t, d.TestError(FlagRxDMA))
}

func TestDriver_RxPositionOutOfRange(t *testing.T) {
	d, ep := newTestDriver(t, BufferConfig{RxDMASize: 8})

	ep.pos = 9
	d.OnRxInterrupt()
	require.True(t, d.TestError(FlagRxDMA))
	require.Zero(t, d.Buffered())
}

func TestDriver_StartRx(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		d, ep := newTestDriver(t, BufferConfig{})
		require.True(t, d.StartRx())
		require.Equal(t, 1, ep.starts)
		require.True(t, d.Armed())
	})

	t.Run("endpoint error", func(t *testing.T) {
		ep := &fakeEndpoint{startErr: errors.New("no dma channel")}
		d := NewDriver(ep, BufferConfig{})
		require.False(t, d.StartRx())
		require.False(t, d.Armed())
		require.True(t, d.TestError(FlagRxDMA))
	})

	t.Run("interrupt before arming is ignored", func(t *testing.T) {
		ep := &fakeEndpoint{rxBuf: make([]byte, 8), pos: 3}
		d := NewDriver(ep, BufferConfig{})
		d.OnRxInterrupt()
		require.Zero(t, d.Buffered())
	})
}

func TestDriver_WriteRejectsRemainder(t *testing.T) {
	d, _ := newTestDriver(t, BufferConfig{TxRingSize: 5})

	n, err := d.Write([]byte("abcdefg"))
	require.ErrorIs(t, err, ErrOutputOverrun)
	require.Equal(t, 5, n)
	require.Equal(t, 5, d.Pending())
	require.True(t, d.TestError(FlagOutputOverrun))
	require.Equal(t, int64(5), d.Metrics().BytesQueued.Load())
	require.Equal(t, int64(2), d.Metrics().BytesRejected.Load())

	n, err = d.Write([]byte("h"))
	require.ErrorIs(t, err, ErrOutputOverrun)
	require.Zero(t, n)
}

func TestDriver_DrainIfIdle(t *testing.T) {
	d, ep := newTestDriver(t, BufferConfig{TxChunkSize: 4})

	require.False(t, d.DrainIfIdle(), "nothing queued")

	n, err := d.WriteString("abcdef")
	require.NoError(t, err)
	require.Equal(t, 6, n)

	require.True(t, d.DrainIfIdle())
	require.True(t, d.IsBusy())
	require.Equal(t, "abcd", string(ep.sent[0]))

	require.False(t, d.DrainIfIdle(), "one transmission at a time")
	require.Len(t, ep.sent, 1)

	d.OnTxComplete()
	require.False(t, d.IsBusy())
	require.True(t, d.DrainIfIdle())
	require.Equal(t, "ef", string(ep.sent[1]))

	d.SetBusy(false)
	require.False(t, d.DrainIfIdle())
	require.Zero(t, d.Pending())
	require.Equal(t, int64(6), d.Metrics().BytesTransmitted.Load())
	require.Equal(t, int64(4), d.Metrics().MaxTransmitLength.Load())
}

func TestDriver_TransmitError(t *testing.T) {
	d, ep := newTestDriver(t, BufferConfig{})
	ep.txErr = errors.New("dma busy")

	_, err := d.WriteString("hello")
	require.NoError(t, err)
	require.False(t, d.DrainIfIdle())
	require.True(t, d.TestError(FlagTxDMA))
	require.False(t, d.IsBusy())
	require.Zero(t, d.Pending(), "the refused chunk is dropped")
	require.Equal(t, int64(1), d.Metrics().TransmitErrors.Load())
}

func TestDriver_ErrorFlags(t *testing.T) {
	d, _ := newTestDriver(t, BufferConfig{})

	d.SetError(FlagInputOverrun | FlagMessageTooLarge)
	require.True(t, d.TestError(FlagInputOverrun))
	require.True(t, d.TestError(FlagMessageTooLarge|FlagTxDMA))
	require.False(t, d.TestError(FlagTxDMA))

	require.Equal(t, FlagMessageTooLarge, d.ClearError(FlagInputOverrun))

	msg := d.ReportError()
	require.Equal(t, "serial error 0x20: MESSAGE_TOO_LARGE", msg)
	require.False(t, d.TestError(FlagAll))
	require.Empty(t, d.ReportError(), "nothing left to report")

	require.Equal(t, FlagInputOverrun|FlagMessageTooLarge, d.ErrorHistory())
}

func TestDriver_ClearAll(t *testing.T) {
	d, _ := newTestDriver(t, BufferConfig{})
	d.SetError(FlagOther | FlagTransport)
	require.Zero(t, d.ClearError(FlagAll))
}

func TestDriver_ReportErrorLogs(t *testing.T) {
	var buf bytes.Buffer
	d, _ := newTestDriver(t, BufferConfig{})
	d.WithLogger(zerolog.New(&buf))

	d.SetError(FlagTxDMA)
	d.ReportError()
	out := buf.String()
	require.Contains(t, out, `"level":"warn"`)
	require.Contains(t, out, "TX_DMA_ERROR")
	require.Equal(t, int64(1), d.Metrics().ErrorReports.Load())
}

func TestDriver_ReportToPort(t *testing.T) {
	d, ep := newTestDriver(t, BufferConfig{ReportToPort: true})

	d.SetError(FlagOther)
	msg := d.ReportError()
	require.Equal(t, len(msg)+2, d.Pending())

	require.True(t, d.DrainIfIdle())
	require.Equal(t, msg+"\r\n", string(ep.sent[0]))
}

func TestDriver_TransportErrorFromEndpoint(t *testing.T) {
	d, _ := newTestDriver(t, BufferConfig{})
	d.OnTransportError(FlagTransport)
	require.True(t, d.TestError(FlagTransport))
	require.Equal(t, int64(1), d.Metrics().TransportErrors.Load())
}

func TestDriver_Fatal(t *testing.T) {
	tests := []struct {
		name string
		ep   Endpoint
		cfg  BufferConfig
	}{
		{"nil endpoint", nil, BufferConfig{}},
		{"oversized ring", &fakeEndpoint{}, BufferConfig{TxRingSize: AbsoluteMaxBufferSize + 1}},
		{"negative line", &fakeEndpoint{}, BufferConfig{LineSize: -1}},
		{"oversized dma", &fakeEndpoint{}, BufferConfig{RxDMASize: AbsoluteMaxBufferSize + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDriver(tt.ep, tt.cfg)
			require.True(t, d.Fatal())
			require.False(t, d.StartRx())
			_, ok := d.PollForMessage()
			require.False(t, ok)
			_, err := d.Write([]byte("x"))
			require.ErrorIs(t, err, ErrDriverFatal)
			require.False(t, d.DrainIfIdle())
			require.Zero(t, d.Loopback())
			d.OnRxInterrupt()
		})
	}
}

func TestDriver_LoopbackSelfTest(t *testing.T) {
	d := NewDriver(&fakeEndpoint{}, BufferConfig{})

	_, err := d.WriteString("PING\r")
	require.NoError(t, err)
	require.Equal(t, 5, d.Loopback())
	require.Equal(t, []string{"PING"}, pollAll(d))

	require.True(t, d.StartRx())
	_, _ = d.WriteString("X")
	require.Zero(t, d.Loopback(), "refused while armed")
}

func TestDriver_RoundTripOverLoopbackEndpoint(t *testing.T) {
	ep := NewLoopbackEndpoint()
	d := NewDriver(ep, BufferConfig{})
	ep.Bind(d)
	require.True(t, d.StartRx())

	_, err := d.WriteString("\x1b[1mPING\x1b[0m\rPONG\r")
	require.NoError(t, err)
	require.True(t, d.DrainIfIdle())
	require.False(t, d.IsBusy(), "loopback completes synchronously")

	require.Equal(t, []string{"PING", "PONG"}, pollAll(d))
	require.Equal(t, int64(1), ep.Transmissions())
	require.False(t, d.TestError(FlagAll))
}

// Arbitrary byte sequences, terminators and escapes included, must reach the
// endpoint unchanged and in order, whatever the chunking.
func TestDriver_TransmitPreservesAnySequence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 40; round++ {
		cfg := BufferConfig{
			TxRingSize:  1 + rng.Intn(DefaultTxRingSize),
			TxChunkSize: 1 + rng.Intn(DefaultTxChunkSize),
		}
		d, ep := newTestDriver(t, cfg)

		data := make([]byte, rng.Intn(3*DefaultTxChunkSize))
		rng.Read(data)

		rest := data
		for len(rest) > 0 || d.Pending() > 0 {
			if len(rest) > 0 {
				n, err := d.Write(rest[:min(len(rest), d.buffers.Tx().Free())])
				require.NoError(t, err)
				rest = rest[n:]
			}
			if d.DrainIfIdle() {
				d.OnTxComplete()
			}
		}

		var got []byte
		for _, chunk := range ep.sent {
			require.LessOrEqual(t, len(chunk), cfg.TxChunkSize)
			got = append(got, chunk...)
		}
		require.Equal(t, data, got, "round %d (ring %d, chunk %d)", round, cfg.TxRingSize, cfg.TxChunkSize)
		require.False(t, d.TestError(FlagAll))
		require.Equal(t, int64(len(data)), d.Metrics().BytesTransmitted.Load())
	}
}
