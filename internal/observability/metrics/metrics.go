// Package metrics exposes Prometheus collectors for query execution, tool
// latency, final-answer composition and the HTTP surface.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "toolrelay"

// NoTool labels queries that did not select a tool.
const NoTool = "none"

// Recorder owns a private registry so that several instances (for example in
// tests) never collide on metric names. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	queries          *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	composerFailures prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewRecorder creates the collectors and registers them together with the
// Go runtime and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Total number of processed queries by tool and final status.",
		}, []string{"tool", "status"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool handler execution time in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"tool"}),
		composerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "composer_failures_total",
			Help:      "Final-answer compositions that failed or returned an unusable reply.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	r.registry.MustRegister(
		r.queries,
		r.toolDuration,
		r.composerFailures,
		r.httpRequests,
		r.httpErrors,
		r.httpLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveQuery counts a finished query.
func (r *Recorder) ObserveQuery(tool, status string) {
	if r == nil {
		return
	}
	if tool == "" {
		tool = NoTool
	}
	r.queries.WithLabelValues(tool, status).Inc()
}

// ObserveToolDuration records how long a tool handler ran.
func (r *Recorder) ObserveToolDuration(tool string, duration time.Duration) {
	if r == nil {
		return
	}
	r.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveComposerFailure counts a failed final-answer composition.
func (r *Recorder) ObserveComposerFailure() {
	if r == nil {
		return
	}
	r.composerFailures.Inc()
}

// ConnectorCounter reports how many protocol connectors are cached.
type ConnectorCounter interface {
	Len() int
}

// TrackConnectors exposes the connector cache size as a gauge.
func (r *Recorder) TrackConnectors(counter ConnectorCounter) error {
	if r == nil || counter == nil {
		return nil
	}
	return r.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connectors_cached",
		Help:      "Number of protocol connectors currently held by the cache.",
	}, func() float64 { return float64(counter.Len()) }))
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Recorder) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		r.httpErrors.WithLabelValues(handler, method).Inc()
	}
	r.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string, handler http.Handler) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
