package dmaserial

import (
	"time"
)

// Metrics returns the driver's live counters.
func (d *Driver) Metrics() *Metrics {
	return &d.metrics
}

// MetricsSnapshot creates a point-in-time view with rates and a health assessment.
func (d *Driver) MetricsSnapshot() MetricsSnapshot {
	now := time.Now()
	m := &d.metrics

	s := MetricsSnapshot{
		Timestamp: now,
		Armed:     d.Armed(),
		Busy:      d.IsBusy(),
		Fatal:     d.fatal,
	}
	if d.fatal {
		s.HealthStatus = HealthStatusDown
		return s
	}

	s.BytesReceived = m.BytesReceived.Load()
	s.BytesDropped = m.BytesDropped.Load()
	s.LinesAssembled = m.LinesAssembled.Load()
	s.LinesDiscarded = m.LinesDiscarded.Load()
	s.EscapeSequences = m.EscapeSequences.Load()
	s.BytesQueued = m.BytesQueued.Load()
	s.BytesRejected = m.BytesRejected.Load()
	s.Transmissions = m.Transmissions.Load()
	s.BytesTransmitted = m.BytesTransmitted.Load()
	s.TransmitErrors = m.TransmitErrors.Load()
	s.TransportErrors = m.TransportErrors.Load()

	s.RxRingLevel = d.buffers.Rx().Level()
	s.TxRingLevel = d.buffers.Tx().Level()

	s.DropRate = m.dropRate()
	s.RejectRate = m.rejectRate()
	s.AverageChunk = m.averageChunk()
	s.BytesPerSecond = m.throughput(now)
	s.UptimeSeconds = m.uptime(now)
	s.ActiveFlags = ErrorFlags(d.errors.Load()).String()
	s.HistoryFlags = d.ErrorHistory().String()

	s.HealthStatus = assessHealthStatus(&s)
	s.HealthScore = calculateHealthScore(&s)
	return s
}

// StartMetricsBroadcasting emits a snapshot every interval on the returned
// broadcaster's channel until Stop is called.
func (d *Driver) StartMetricsBroadcasting(interval time.Duration, channelSize int) *MetricsBroadcaster {
	if interval <= 0 {
		interval = time.Second
	}
	if channelSize <= 0 {
		channelSize = 50
	} else if channelSize > 10000 {
		channelSize = 10000
	}
	mb := NewMetricsBroadcaster(channelSize, interval)
	mb.Start(d)
	return mb
}
