package gateway

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Richardson2512/testlattice-backend-sub001/presence"
)

// Metrics holds the gateway's Prometheus collectors on a private
// registry so tests can instantiate servers without collector name
// collisions.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	framesTotal     *prometheus.CounterVec
	malformedFrames prometheus.Counter
}

// NewMetrics builds the collector set. The open-connections gauge
// reads straight from the presence registry.
func NewMetrics(reg *presence.Registry) *Metrics {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: r,
		httpRequests: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_http_requests_total",
			Help: "HTTP requests handled, by method and status code.",
		}, []string{"method", "code"}),
		framesTotal: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_ws_frames_total",
			Help: "Inbound WebSocket frames, by frame type.",
		}, []string{"type"}),
		malformedFrames: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "lattice_ws_malformed_frames_total",
			Help: "Inbound WebSocket frames rejected as malformed.",
		}),
	}

	promauto.With(r).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "lattice_open_connections",
		Help: "Viewer WebSocket connections held by this instance.",
	}, func() float64 { return float64(reg.LocalCount()) })

	return m
}

// Registry returns the private Prometheus registry for /metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Frame counts one inbound frame.
func (m *Metrics) Frame(frameType string) {
	m.framesTotal.WithLabelValues(frameType).Inc()
}

// MalformedFrame counts one rejected frame.
func (m *Metrics) MalformedFrame() {
	m.malformedFrames.Inc()
}

// Middleware counts HTTP requests by method and status.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		m.httpRequests.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
	})
}
