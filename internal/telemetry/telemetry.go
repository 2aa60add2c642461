// Package telemetry builds the process logger and bridges the
// orchestrator's on-demand metrics aggregate into Prometheus gauges.
package telemetry

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/torteous44/sttrelay/internal/sttservice"
)

// NewLogger builds the process-wide zerolog.Logger at the level string from
// config (info if the string does not parse). It always writes structured
// JSON to stdout; there is no console-pretty output mode.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

// Collector implements prometheus.Collector by polling Service.Metrics() on
// each scrape. Computing the aggregate on demand trades a small read-side
// cost for simpler invariants than maintaining running counters in parallel.
type Collector struct {
	svc *sttservice.Service

	activeSessions     *prometheus.Desc
	chunksForwarded    *prometheus.Desc
	transcriptsTotal   *prometheus.Desc
	errorsTotal        *prometheus.Desc
	reconnectionsTotal *prometheus.Desc
	peakSessions       *prometheus.Desc
	sessionsCreated    *prometheus.Desc
	sessionsCleaned    *prometheus.Desc
	avgDurationMs      *prometheus.Desc
	memoryUsageMB      *prometheus.Desc
}

// NewCollector builds a Collector for svc.
func NewCollector(svc *sttservice.Service) *Collector {
	return &Collector{
		svc:                svc,
		activeSessions:     prometheus.NewDesc("sttrelay_active_sessions", "Number of currently active sessions.", nil, nil),
		chunksForwarded:    prometheus.NewDesc("sttrelay_chunks_forwarded_total", "Total audio chunks forwarded upstream.", nil, nil),
		transcriptsTotal:   prometheus.NewDesc("sttrelay_transcripts_received_total", "Total transcript fragments received.", nil, nil),
		errorsTotal:        prometheus.NewDesc("sttrelay_errors_total", "Total errors observed across sessions.", nil, nil),
		reconnectionsTotal: prometheus.NewDesc("sttrelay_reconnections_total", "Total upstream reconnection attempts.", nil, nil),
		peakSessions:       prometheus.NewDesc("sttrelay_peak_concurrent_sessions", "High-water mark of concurrent sessions.", nil, nil),
		sessionsCreated:    prometheus.NewDesc("sttrelay_sessions_created_total", "Total sessions created.", nil, nil),
		sessionsCleaned:    prometheus.NewDesc("sttrelay_sessions_cleaned_total", "Total sessions torn down.", nil, nil),
		avgDurationMs:      prometheus.NewDesc("sttrelay_average_session_duration_ms", "Mean session duration in milliseconds.", nil, nil),
		memoryUsageMB:      prometheus.NewDesc("sttrelay_memory_usage_estimate_mb", "Estimated in-memory transcript and buffer usage.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessions
	ch <- c.chunksForwarded
	ch <- c.transcriptsTotal
	ch <- c.errorsTotal
	ch <- c.reconnectionsTotal
	ch <- c.peakSessions
	ch <- c.sessionsCreated
	ch <- c.sessionsCleaned
	ch <- c.avgDurationMs
	ch <- c.memoryUsageMB
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.svc.Metrics()
	ch <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, float64(m.ActiveSessions))
	ch <- prometheus.MustNewConstMetric(c.chunksForwarded, prometheus.CounterValue, float64(m.TotalChunksForwarded))
	ch <- prometheus.MustNewConstMetric(c.transcriptsTotal, prometheus.CounterValue, float64(m.TotalTranscriptsReceived))
	ch <- prometheus.MustNewConstMetric(c.errorsTotal, prometheus.CounterValue, float64(m.TotalErrors))
	ch <- prometheus.MustNewConstMetric(c.reconnectionsTotal, prometheus.CounterValue, float64(m.TotalReconnections))
	ch <- prometheus.MustNewConstMetric(c.peakSessions, prometheus.GaugeValue, float64(m.PeakConcurrentSessions))
	ch <- prometheus.MustNewConstMetric(c.sessionsCreated, prometheus.CounterValue, float64(m.TotalSessionsCreated))
	ch <- prometheus.MustNewConstMetric(c.sessionsCleaned, prometheus.CounterValue, float64(m.TotalSessionsCleaned))
	ch <- prometheus.MustNewConstMetric(c.avgDurationMs, prometheus.GaugeValue, float64(m.AverageSessionDurationMs))
	ch <- prometheus.MustNewConstMetric(c.memoryUsageMB, prometheus.GaugeValue, m.MemoryUsageEstimateMB)
}
