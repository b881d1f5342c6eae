package dmaserial

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// LineHandler is called for every line the driver assembles. The line is only
// valid for the duration of the call.
type LineHandler interface {
	HandleLine(ctx context.Context, line []byte)
}

// HandleLineFunc is func type of LineHandler.
type HandleLineFunc func(ctx context.Context, line []byte)

// HandleLine implements LineHandler.
func (f HandleLineFunc) HandleLine(ctx context.Context, line []byte) {
	f(ctx, line)
}

// writeOperation represents a queued write operation
type writeOperation struct {
	data     []byte
	ctx      context.Context
	resultCh chan writeResult
}

// writeResult holds the result of a write operation
type writeResult struct {
	n   int
	err error
}

// Runner is the foreground context of a Driver. On every tick it starts a
// transmission if the link is idle and drains assembled lines to its handler.
// Writes from other goroutines are queued and applied on the Runner's goroutine,
// which keeps the outgoing ring single-producer.
type Runner struct {
	driver  *Driver
	handler LineHandler
	timing  TimingConfig
	log     zerolog.Logger

	writeQueue chan *writeOperation
	running    atomic.Bool
	done       chan struct{}
}

// NewRunner builds a runner for d. A nil handler discards lines.
func NewRunner(d *Driver, h LineHandler, timing TimingConfig) *Runner {
	if timing.PollInterval <= 0 {
		timing.PollInterval = DefaultPollInterval
	}
	if h == nil {
		h = HandleLineFunc(func(context.Context, []byte) {})
	}
	return &Runner{
		driver:     d,
		handler:    h,
		timing:     timing,
		log:        zerolog.Nop(),
		writeQueue: make(chan *writeOperation, 50),
		done:       make(chan struct{}),
	}
}

// WithLogger sets the logger and returns r.
func (r *Runner) WithLogger(l zerolog.Logger) *Runner {
	r.log = l.With().Str("component", "runner").Logger()
	return r
}

// Run arms the receiver and services the driver until ctx is done. A Runner runs
// once; queued writes still pending when Run returns fail with ErrClosed.
func (r *Runner) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrRunnerStarted
	}
	defer func() {
		close(r.done)
		r.drainPendingOperations()
	}()

	if r.driver.Fatal() {
		return ErrDriverFatal
	}
	if !r.driver.StartRx() {
		return ErrArmFailed
	}

	ticker := time.NewTicker(r.timing.PollInterval)
	defer ticker.Stop()

	var reportC <-chan time.Time
	if r.timing.ReportInterval > 0 {
		reportTicker := time.NewTicker(r.timing.ReportInterval)
		defer reportTicker.Stop()
		reportC = reportTicker.C
	}

	r.log.Debug().Dur("interval", r.timing.PollInterval).Msg("runner started")
	for {
		select {
		case <-ctx.Done():
			r.log.Debug().Msg("runner stopped")
			return ctx.Err()
		case op := <-r.writeQueue:
			r.executeWrite(op)
		case <-ticker.C:
			r.tick(ctx)
		case <-reportC:
			r.driver.ReportError()
		}
	}
}

// tick is one pass of the periodic foreground work.
func (r *Runner) tick(ctx context.Context) {
	r.driver.DrainIfIdle()
	for {
		line, ok := r.driver.PollForMessage()
		if !ok {
			return
		}
		r.handler.HandleLine(ctx, line)
	}
}

// Write queues p on the driver from any goroutine and waits until the runner has
// applied it. It has the same partial-write semantics as Driver.Write.
func (r *Runner) Write(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := make([]byte, len(p))
	copy(data, p)
	op := &writeOperation{
		data:     data,
		ctx:      ctx,
		resultCh: make(chan writeResult, 1),
	}

	select {
	case r.writeQueue <- op:
	case <-r.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case res := <-op.resultCh:
		return res.n, res.err
	case <-r.done:
		select {
		case res := <-op.resultCh:
			return res.n, res.err
		default:
			return 0, ErrClosed
		}
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// executeWrite performs the actual write operation
func (r *Runner) executeWrite(op *writeOperation) {
	if err := op.ctx.Err(); err != nil {
		op.resultCh <- writeResult{0, err}
		return
	}
	n, err := r.driver.Write(op.data)
	op.resultCh <- writeResult{n, err}
}

// drainPendingOperations fails every queued write with ErrClosed.
func (r *Runner) drainPendingOperations() {
	for {
		select {
		case op := <-r.writeQueue:
			op.resultCh <- writeResult{0, ErrClosed}
		default:
			return
		}
	}
}
