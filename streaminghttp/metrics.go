package streaminghttp

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Resume reasons recorded on the resumes counter.
const (
	resumeReply   = "reply"
	resumeTimeout = "timeout"
	resumeEmpty   = "empty"
	resumeFailed  = "failed"
)

type metrics struct {
	requests      *prometheus.CounterVec
	frames        prometheus.Counter
	resumes       *prometheus.CounterVec
	activeStreams prometheus.Gauge
}

// newMetrics builds the transport collectors and registers them on reg when
// reg is non-nil. Unregistered collectors still count, they are just never
// exported.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpstream",
			Name:      "http_requests_total",
			Help:      "HTTP requests handled by the streaming transport, by verb and status code",
		}, []string{"method", "code"}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpstream",
			Name:      "sse_frames_total",
			Help:      "SSE message frames written",
		}),
		resumes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpstream",
			Name:      "unit_resumes_total",
			Help:      "Suspension unit resumes performed by the SSE driver, by reason",
		}, []string{"reason"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpstream",
			Name:      "active_streams",
			Help:      "SSE driver loops currently running",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.frames, m.resumes, m.activeStreams)
	}
	return m
}

func (m *metrics) observeRequest(method string, status int) {
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}
