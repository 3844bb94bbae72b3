// Package metrics provides Prometheus instrumentation for the signcast player.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only signcast metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds all Prometheus collectors used by the signcast player.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	GRPCRequestsTotal       *prometheus.CounterVec
	GRPCRequestDuration     *prometheus.HistogramVec
	ActiveStreams           *prometheus.GaugeVec
	UpstreamRequestsTotal   *prometheus.CounterVec
	UpstreamRequestDuration *prometheus.HistogramVec
	BreakerState            *prometheus.GaugeVec
	BreakerTransitions      *prometheus.CounterVec
	PollsTotal              *prometheus.CounterVec
	StaleResultsTotal       *prometheus.CounterVec
	ImageSwapsTotal         *prometheus.CounterVec
	SlideAdvancesTotal      prometheus.Counter
	PlayerMode              *prometheus.GaugeVec
	MediaLookupsTotal       *prometheus.CounterVec
	MediaInvalidations      prometheus.Counter
	PlaysRecordedTotal      *prometheus.CounterVec
	AuthFailuresTotal       prometheus.Counter
}

var playerModes = []string{"initializing", "store", "city"}

// New creates and registers all signcast metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signcast_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signcast_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signcast_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signcast_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signcast_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),

		UpstreamRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signcast_upstream_requests_total",
			Help: "Total number of requests to the rule service.",
		}, []string{"endpoint", "result"}),

		UpstreamRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signcast_upstream_request_duration_seconds",
			Help:    "Rule service request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signcast_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),

		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signcast_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions.",
		}, []string{"name", "from", "to"}),

		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signcast_polls_total",
			Help: "Total number of completed polls by source and result.",
		}, []string{"source", "result"}),

		StaleResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signcast_stale_results_total",
			Help: "Total number of fetch results discarded because a newer request superseded them.",
		}, []string{"source"}),

		ImageSwapsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signcast_image_swaps_total",
			Help: "Total number of displayed image changes.",
		}, []string{"mode"}),

		SlideAdvancesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signcast_slide_advances_total",
			Help: "Total number of city-mode slide rotations.",
		}),

		PlayerMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signcast_player_mode",
			Help: "Current player mode (1 for the active mode, 0 otherwise).",
		}, []string{"mode"}),

		MediaLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signcast_media_lookups_total",
			Help: "Total number of media URL resolutions by source.",
		}, []string{"source"}),

		MediaInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signcast_media_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered media cache invalidations.",
		}),

		PlaysRecordedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signcast_plays_recorded_total",
			Help: "Total number of play log writes by result.",
		}, []string{"result"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signcast_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.ActiveStreams,
		m.UpstreamRequestsTotal,
		m.UpstreamRequestDuration,
		m.BreakerState,
		m.BreakerTransitions,
		m.PollsTotal,
		m.StaleResultsTotal,
		m.ImageSwapsTotal,
		m.SlideAdvancesTotal,
		m.PlayerMode,
		m.MediaLookupsTotal,
		m.MediaInvalidations,
		m.PlaysRecordedTotal,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next so each request is counted and timed under
// route, which should be the mux pattern rather than the raw path.
func (m *Metrics) InstrumentHandler(route string, next http.Handler) http.Handler {
	labels := prometheus.Labels{"route": route}
	return promhttp.InstrumentHandlerDuration(
		m.HTTPRequestDuration.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(m.HTTPRequestsTotal.MustCurryWith(labels), next),
	)
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.observeGRPC(info.FullMethod, err, start)
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count, latency, and active stream gauge.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.ActiveStreams.WithLabelValues("grpc").Inc()
		defer m.ActiveStreams.WithLabelValues("grpc").Dec()
		start := time.Now()
		err := handler(srv, ss)
		m.observeGRPC(info.FullMethod, err, start)
		return err
	}
}

func (m *Metrics) observeGRPC(fullMethod string, err error, start time.Time) {
	method := path.Base(fullMethod)
	st, _ := status.FromError(err)
	code := st.Code().String()
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
}

// ObserveUpstream records one rule service request. Its signature matches
// the client's Observe hook.
func (m *Metrics) ObserveUpstream(endpoint string, elapsed time.Duration, err error) {
	m.UpstreamRequestsTotal.WithLabelValues(endpoint, resultLabel(err)).Inc()
	m.UpstreamRequestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// SetBreakerState records a circuit breaker transition. Its signature matches
// the client's OnStateChange hook.
func (m *Metrics) SetBreakerState(name, from, to string) {
	m.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
	m.BreakerTransitions.WithLabelValues(name, from, to).Inc()
}

// RecordPoll counts a finished poll for source.
func (m *Metrics) RecordPoll(source string, err error) {
	m.PollsTotal.WithLabelValues(source, resultLabel(err)).Inc()
}

// IncStaleResults counts a discarded out-of-order fetch result.
func (m *Metrics) IncStaleResults(source string) {
	m.StaleResultsTotal.WithLabelValues(source).Inc()
}

// IncImageSwaps counts an image change in the given mode.
func (m *Metrics) IncImageSwaps(mode string) {
	m.ImageSwapsTotal.WithLabelValues(mode).Inc()
}

// IncSlideAdvances counts a slide rotation.
func (m *Metrics) IncSlideAdvances() {
	m.SlideAdvancesTotal.Inc()
}

// SetPlayerMode marks mode as the active player mode.
func (m *Metrics) SetPlayerMode(mode string) {
	for _, candidate := range playerModes {
		value := 0.0
		if candidate == mode {
			value = 1
		}
		m.PlayerMode.WithLabelValues(candidate).Set(value)
	}
}

// IncMediaLookups counts a media resolution served from source.
func (m *Metrics) IncMediaLookups(source string) {
	m.MediaLookupsTotal.WithLabelValues(source).Inc()
}

// IncMediaInvalidations counts a NOTIFY-triggered media cache invalidation.
func (m *Metrics) IncMediaInvalidations() {
	m.MediaInvalidations.Inc()
}

// RecordPlayWrite counts a play log write.
func (m *Metrics) RecordPlayWrite(err error) {
	m.PlaysRecordedTotal.WithLabelValues(resultLabel(err)).Inc()
}

// IncAuthFailures counts a rejected control request.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func breakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
