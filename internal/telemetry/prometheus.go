package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"breathofnow/internal/types"
)

const promNamespace = "breathofnow"

// PrometheusRecorder registers its collectors on a private registry so tests
// can build as many as they like.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rejections      *prometheus.CounterVec
	conflicts       prometheus.Counter
	pricingResolved *prometheus.CounterVec
	externalFailure *prometheus.CounterVec
	geoCache        *prometheus.CounterVec
	webhookEvents   *prometheus.CounterVec
}

var _ Recorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder creates a recorder with Go runtime and process
// collectors attached.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,

		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total HTTP requests by method, route and status.",
		}, []string{"method", "endpoint", "status"}),

		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),

		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "entitlement",
			Name:      "rejections_total",
			Help:      "Entitlement mutations rejected by reason.",
		}, []string{"reason"}),

		conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "entitlement",
			Name:      "write_conflicts_total",
			Help:      "Entitlement writes that lost a version race and were retried.",
		}),

		pricingResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "pricing",
			Name:      "resolved_total",
			Help:      "Price sheets served by pricing tier.",
		}, []string{"tier"}),

		externalFailure: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "external",
			Name:      "failures_total",
			Help:      "Failed calls to upstream providers.",
		}, []string{"provider"}),

		geoCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "geo",
			Name:      "cache_lookups_total",
			Help:      "GeoIP cache lookups by result.",
		}, []string{"result"}),

		webhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Stripe webhook events by type and outcome.",
		}, []string{"event_type", "result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Registry exposes the underlying registry.
func (p *PrometheusRecorder) Registry() *prometheus.Registry { return p.registry }

func (p *PrometheusRecorder) RecordRequest(method, endpoint, status string, duration time.Duration) {
	p.requestsTotal.WithLabelValues(method, endpoint, status).Inc()
	p.requestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) RecordEntitlementRejection(_ context.Context, code types.ErrorCode) {
	p.rejections.WithLabelValues(string(code)).Inc()
}

func (p *PrometheusRecorder) RecordEntitlementConflict(context.Context) {
	p.conflicts.Inc()
}

func (p *PrometheusRecorder) RecordPricingResolved(_ context.Context, tierID string) {
	p.pricingResolved.WithLabelValues(tierID).Inc()
}

func (p *PrometheusRecorder) RecordExternalFailure(_ context.Context, provider string) {
	p.externalFailure.WithLabelValues(provider).Inc()
}

func (p *PrometheusRecorder) RecordGeoCacheHit(_ context.Context, hit bool) {
	p.geoCache.WithLabelValues(hitLabel(hit)).Inc()
}

func (p *PrometheusRecorder) RecordWebhookEvent(_ context.Context, eventType, result string) {
	p.webhookEvents.WithLabelValues(eventType, result).Inc()
}
