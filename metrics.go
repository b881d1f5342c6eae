package dmaserial

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks driver traffic and error statistics. Counters are updated from
// both the interrupt and the foreground side, so every field is atomic.
type Metrics struct {
	// Receive path
	BytesReceived   atomic.Int64 // Bytes pushed onto the receive ring
	BytesDropped    atomic.Int64 // Bytes lost to a full receive ring
	RxInterrupts    atomic.Int64 // OnRxInterrupt invocations
	LinesAssembled  atomic.Int64 // Lines returned by PollForMessage
	LinesDiscarded  atomic.Int64 // Lines dropped for being too large
	EscapeSequences atomic.Int64 // Escape sequences stripped

	// Transmit path
	BytesQueued       atomic.Int64 // Bytes accepted by Write
	BytesRejected     atomic.Int64 // Bytes Write could not queue
	Transmissions     atomic.Int64 // DMA transmissions started
	BytesTransmitted  atomic.Int64 // Bytes handed to DMA transmit
	TransmitErrors    atomic.Int64 // Transmissions the endpoint refused
	MaxTransmitLength atomic.Int64 // Largest single transmission

	// Errors
	TransportErrors atomic.Int64 // Errors raised by the endpoint
	ErrorReports    atomic.Int64 // ReportError calls that found flags set
	LastErrorTime   atomic.Int64 // Unix timestamp of last flag set

	StartTime atomic.Int64 // When the receiver was armed (ns)
}

// MetricsSnapshot is a point-in-time view of Metrics plus derived rates.
type MetricsSnapshot struct {
	Timestamp time.Time

	Armed bool
	Busy  bool
	Fatal bool

	BytesReceived    int64
	BytesDropped     int64
	LinesAssembled   int64
	LinesDiscarded   int64
	EscapeSequences  int64
	BytesQueued      int64
	BytesRejected    int64
	Transmissions    int64
	BytesTransmitted int64
	TransmitErrors   int64
	TransportErrors  int64

	RxRingLevel float64
	TxRingLevel float64

	DropRate       float64 // percent of received bytes lost
	RejectRate     float64 // percent of written bytes rejected
	AverageChunk   float64 // bytes per transmission
	BytesPerSecond float64
	UptimeSeconds  float64
	ActiveFlags    string
	HistoryFlags   string
	HealthStatus   HealthStatus
	HealthScore    float64
}

// HealthStatus represents the overall health of the serial link
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDown      HealthStatus = "down"
)

// MetricsBroadcaster handles channel-based metrics broadcasting
type MetricsBroadcaster struct {
	metricsChannel   chan MetricsSnapshot
	enabled          atomic.Bool
	stopCh           chan struct{}
	emissionInterval time.Duration
	stopOnce         sync.Once
}

// NewMetricsBroadcaster creates a new metrics broadcaster with channel-based distribution
func NewMetricsBroadcaster(channelSize int, interval time.Duration) *MetricsBroadcaster {
	return &MetricsBroadcaster{
		metricsChannel:   make(chan MetricsSnapshot, channelSize),
		stopCh:           make(chan struct{}),
		emissionInterval: interval,
	}
}

// Start begins broadcasting snapshots of d to the channel
func (mb *MetricsBroadcaster) Start(d *Driver) {
	if !mb.enabled.CompareAndSwap(false, true) {
		return
	}

	ticker := time.NewTicker(mb.emissionInterval)
	go func() {
		defer close(mb.metricsChannel)
		defer ticker.Stop()
		for {
			select {
			case <-mb.stopCh:
				return
			case <-ticker.C:
				mb.broadcast(d)
			}
		}
	}()
}

// Stop stops broadcasting. The channel is closed once the emitting goroutine
// has exited, so a consumer ranging over it terminates.
func (mb *MetricsBroadcaster) Stop() {
	if mb.enabled.CompareAndSwap(true, false) {
		mb.stopOnce.Do(func() {
			close(mb.stopCh)
		})
	}
}

// Channel returns the read-only snapshot channel
func (mb *MetricsBroadcaster) Channel() <-chan MetricsSnapshot {
	return mb.metricsChannel
}

func (mb *MetricsBroadcaster) broadcast(d *Driver) {
	if !mb.enabled.Load() {
		return
	}
	// Non-blocking: a slow consumer skips snapshots rather than stalling the ticker.
	select {
	case mb.metricsChannel <- d.MetricsSnapshot():
	default:
	}
}

func (m *Metrics) dropRate() float64 {
	total := m.BytesReceived.Load() + m.BytesDropped.Load()
	if total == 0 {
		return 0.0
	}
	return float64(m.BytesDropped.Load()) / float64(total) * 100
}

func (m *Metrics) rejectRate() float64 {
	total := m.BytesQueued.Load() + m.BytesRejected.Load()
	if total == 0 {
		return 0.0
	}
	return float64(m.BytesRejected.Load()) / float64(total) * 100
}

func (m *Metrics) averageChunk() float64 {
	n := m.Transmissions.Load()
	if n == 0 {
		return 0.0
	}
	return float64(m.BytesTransmitted.Load()) / float64(n)
}

func (m *Metrics) uptime(now time.Time) float64 {
	start := m.StartTime.Load()
	if start == 0 {
		return 0.0
	}
	d := now.UnixNano() - start
	if d <= 0 {
		return 0.0
	}
	return float64(d) / float64(time.Second)
}

func (m *Metrics) throughput(now time.Time) float64 {
	secs := m.uptime(now)
	if secs == 0 {
		return 0.0
	}
	return float64(m.BytesReceived.Load()+m.BytesTransmitted.Load()) / secs
}

func (m *Metrics) updateMaxTransmit(n int64) {
	for {
		current := m.MaxTransmitLength.Load()
		if n <= current {
			return
		}
		if m.MaxTransmitLength.CompareAndSwap(current, n) {
			return
		}
	}
}

func assessHealthStatus(s *MetricsSnapshot) HealthStatus {
	if s.Fatal || !s.Armed {
		return HealthStatusDown
	}
	if s.DropRate > 10.0 || s.TransportErrors > 5 {
		return HealthStatusUnhealthy
	}
	if s.DropRate > 0 || s.RejectRate > 5.0 || s.TransmitErrors > 0 || s.LinesDiscarded > 0 {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

func calculateHealthScore(s *MetricsSnapshot) float64 {
	if s.Fatal || !s.Armed {
		return 0.0
	}
	score := 100.0
	score -= s.DropRate * 2
	score -= s.RejectRate
	score -= float64(s.TransmitErrors+s.TransportErrors) * 10
	score -= float64(s.LinesDiscarded) * 5
	if score < 0 {
		score = 0
	}
	return score
}
