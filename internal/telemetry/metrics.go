package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"nexus3/internal/llm/core"
)

// MetricsSink exports stream health as Prometheus metrics.
//
// Metrics:
//   - nexus3_streams_total{dialect,outcome}
//   - nexus3_stream_events_total{dialect}
//   - nexus3_stream_duration_seconds{dialect}
//   - nexus3_cache_tokens_total{dialect,kind}
//   - nexus3_malformed_frames_total{dialect}
type MetricsSink struct {
	Streams         *prometheus.CounterVec
	Events          *prometheus.CounterVec
	Duration        *prometheus.HistogramVec
	CacheTokens     *prometheus.CounterVec
	MalformedFrames *prometheus.CounterVec
}

// Stream outcomes used as the outcome label.
const (
	OutcomeOK         = "ok"
	OutcomeEmpty      = "empty"
	OutcomeNoTerminal = "missing_terminal"
	OutcomeAborted    = "aborted"
)

// NewMetricsSink creates the collectors and registers them with reg when it
// is non-nil.
func NewMetricsSink(reg prometheus.Registerer) *MetricsSink {
	s := &MetricsSink{
		Streams: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus3_streams_total",
				Help: "Completed provider streams by dialect and outcome",
			},
			[]string{"dialect", "outcome"},
		),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus3_stream_events_total",
				Help: "Parsed wire events by dialect",
			},
			[]string{"dialect"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus3_stream_duration_seconds",
				Help:    "Wall-clock duration of provider streams",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"dialect"},
		),
		CacheTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus3_cache_tokens_total",
				Help: "Prompt cache tokens by dialect and kind (read|creation)",
			},
			[]string{"dialect", "kind"},
		),
		MalformedFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus3_malformed_frames_total",
				Help: "Wire frames skipped because they could not be parsed",
			},
			[]string{"dialect"},
		),
	}
	if reg != nil {
		reg.MustRegister(s.Streams, s.Events, s.Duration, s.CacheTokens, s.MalformedFrames)
	}
	return s
}

func (s *MetricsSink) OnChunk(core.RawChunk) error { return nil }

func (s *MetricsSink) OnStreamComplete(summary core.StreamSummary) error {
	dialect := summary.Dialect
	s.Streams.WithLabelValues(dialect, Outcome(summary)).Inc()
	s.Events.WithLabelValues(dialect).Add(float64(summary.EventCount))
	s.Duration.WithLabelValues(dialect).Observe(summary.Duration.Seconds())
	if summary.CacheReadTokens > 0 {
		s.CacheTokens.WithLabelValues(dialect, "read").Add(float64(summary.CacheReadTokens))
	}
	if summary.CacheCreationTokens > 0 {
		s.CacheTokens.WithLabelValues(dialect, "creation").Add(float64(summary.CacheCreationTokens))
	}
	if summary.MalformedFrames > 0 {
		s.MalformedFrames.WithLabelValues(dialect).Add(float64(summary.MalformedFrames))
	}
	return nil
}

// Outcome classifies a summary. Aborted wins over empty, and empty wins over
// a missing terminal marker.
func Outcome(summary core.StreamSummary) string {
	switch {
	case summary.Aborted:
		return OutcomeAborted
	case summary.Empty():
		return OutcomeEmpty
	case !summary.ReceivedTerminal:
		return OutcomeNoTerminal
	default:
		return OutcomeOK
	}
}
