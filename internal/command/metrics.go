package command

import (
	"time"

	"blazekv/internal/metrics"
)

// MetricsMiddleware feeds request counters and latency histograms from the
// dispatch chain.
type MetricsMiddleware struct {
	m *metrics.Metrics
}

// NewMetricsMiddleware wraps the given collectors.
func NewMetricsMiddleware(m *metrics.Metrics) *MetricsMiddleware {
	return &MetricsMiddleware{m: m}
}

func (mw *MetricsMiddleware) BeforeExecute(cmd Command) *Response {
	return nil
}

func (mw *MetricsMiddleware) AfterExecute(cmd Command, resp *Response, elapsed time.Duration) {
	mw.m.RequestsTotal.WithLabelValues(cmd.Name()).Inc()
	mw.m.RequestDuration.WithLabelValues(cmd.Name()).Observe(elapsed.Seconds())
}
