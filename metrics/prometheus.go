package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"thumbgen/db"
	"thumbgen/dispatch"
)

// Prometheus holds the exported collectors on a private registry.
type Prometheus struct {
	registry *prometheus.Registry

	Runs          *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	UnitsCharged  *prometheus.CounterVec
	CacheHits     *prometheus.CounterVec
	Evictions     prometheus.Counter
	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
	RateLimited   *prometheus.CounterVec
	EventsDropped prometheus.Counter
}

// NewPrometheus creates and registers the collectors, plus the go and
// process collectors.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),

		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "thumbgen",
			Name:      "generation_runs_total",
			Help:      "Settled generation batches by kind and status.",
		}, []string{"kind", "status"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "thumbgen",
			Name:      "generation_duration_seconds",
			Help:      "Time from dispatch to settle for generated batches.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"kind", "status"}),

		UnitsCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "thumbgen",
			Name:      "units_charged_total",
			Help:      "Quota units consumed by committed batches.",
		}, []string{"kind"}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "thumbgen",
			Name:      "cache_hits_total",
			Help:      "Batches served from the result cache.",
		}, []string{"kind"}),

		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "thumbgen",
			Name:      "cache_evictions_total",
			Help:      "Commits that evicted older cache entries.",
		}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "thumbgen",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),

		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "thumbgen",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "thumbgen",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-user rate limiter.",
		}, []string{"route"}),

		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "thumbgen",
			Name:      "ws_events_dropped_total",
			Help:      "Websocket events dropped for slow clients.",
		}),
	}
	p.registry.MustRegister(
		p.Runs, p.RunDuration, p.UnitsCharged, p.CacheHits, p.Evictions,
		p.HTTPRequests, p.HTTPDuration, p.RateLimited, p.EventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Registry returns the registry the collectors are registered on.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Sink returns a dispatch.CommitSink updating the run collectors.
func (p *Prometheus) Sink() dispatch.CommitSink {
	return dispatch.CommitSinkFunc(func(_ context.Context, rec dispatch.CommitRecord) {
		kind := string(rec.Kind)
		p.Runs.WithLabelValues(kind, rec.Status).Inc()
		switch rec.Status {
		case db.RunStatusCached:
			p.CacheHits.WithLabelValues(kind).Inc()
		case db.RunStatusSucceeded:
			p.UnitsCharged.WithLabelValues(kind).Add(float64(rec.Units))
			p.RunDuration.WithLabelValues(kind, rec.Status).Observe(rec.Duration.Seconds())
		default:
			p.RunDuration.WithLabelValues(kind, rec.Status).Observe(rec.Duration.Seconds())
		}
		if rec.Evicted {
			p.Evictions.Inc()
		}
	})
}
