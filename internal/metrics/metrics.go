// Package metrics provides Prometheus instrumentation for the gatez server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only gatez metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds all Prometheus collectors used by the gatez server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal        *prometheus.CounterVec
	HTTPRequestDuration      *prometheus.HistogramVec
	GRPCRequestsTotal        *prometheus.CounterVec
	GRPCRequestDuration      *prometheus.HistogramVec
	EvaluationsTotal         *prometheus.CounterVec
	AdapterOperationsTotal   *prometheus.CounterVec
	AdapterOperationDuration *prometheus.HistogramVec
	CacheRequestsTotal       *prometheus.CounterVec
	SeedReloadsTotal         *prometheus.CounterVec
	AuthFailuresTotal        prometheus.Counter
}

// New creates and registers all gatez metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatez_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatez_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatez_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatez_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatez_feature_evaluations_total",
			Help: "Total number of feature evaluations by deciding gate.",
		}, []string{"gate", "result"}),

		AdapterOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatez_adapter_operations_total",
			Help: "Total number of storage adapter calls.",
		}, []string{"adapter", "operation", "result"}),

		AdapterOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatez_adapter_operation_duration_seconds",
			Help:    "Storage adapter call latency in seconds.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"adapter", "operation"}),

		CacheRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatez_cache_requests_total",
			Help: "Total number of cached adapter lookups.",
		}, []string{"result"}),

		SeedReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatez_seed_reloads_total",
			Help: "Total number of seed file reloads.",
		}, []string{"result"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatez_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.EvaluationsTotal,
		m.AdapterOperationsTotal,
		m.AdapterOperationDuration,
		m.CacheRequestsTotal,
		m.SeedReloadsTotal,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records one served HTTP request. route is the matched
// mux pattern, not the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTPRequest(method, route string, statusCode int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	code := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// RecordEvaluation counts one decision. gate is the deciding gate or "none".
func (m *Metrics) RecordEvaluation(gate string, enabled bool) {
	m.EvaluationsTotal.WithLabelValues(gate, strconv.FormatBool(enabled)).Inc()
}

// ObserveAdapter records one storage adapter call.
func (m *Metrics) ObserveAdapter(adapter, operation string, err error, elapsed time.Duration) {
	m.AdapterOperationsTotal.WithLabelValues(adapter, operation, resultLabel(err)).Inc()
	m.AdapterOperationDuration.WithLabelValues(adapter, operation).Observe(elapsed.Seconds())
}

// ObserveCache counts a cache hit or miss.
func (m *Metrics) ObserveCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequestsTotal.WithLabelValues(result).Inc()
}

// RecordSeedReload counts a seed file reload attempt.
func (m *Metrics) RecordSeedReload(err error) {
	m.SeedReloadsTotal.WithLabelValues(resultLabel(err)).Inc()
}

// IncAuthFailures increments the failed authentication counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
