// Package telemetry records API and domain metrics to Prometheus or
// CloudWatch.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"breathofnow/internal/types"
)

// Recorder is the full set of metrics the API emits. It satisfies
// core.MetricsCollector and entitlement.Recorder.
type Recorder interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
	RecordEntitlementRejection(ctx context.Context, code types.ErrorCode)
	RecordEntitlementConflict(ctx context.Context)
	RecordPricingResolved(ctx context.Context, tierID string)
	RecordExternalFailure(ctx context.Context, provider string)
	RecordGeoCacheHit(ctx context.Context, hit bool)
	RecordWebhookEvent(ctx context.Context, eventType, result string)
}

// Nop discards everything.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) RecordRequest(_, _, _ string, _ time.Duration)               {}
func (Nop) RecordEntitlementRejection(context.Context, types.ErrorCode) {}
func (Nop) RecordEntitlementConflict(context.Context)                   {}
func (Nop) RecordPricingResolved(context.Context, string)               {}
func (Nop) RecordExternalFailure(context.Context, string)               {}
func (Nop) RecordGeoCacheHit(context.Context, bool)                     {}
func (Nop) RecordWebhookEvent(context.Context, string, string)          {}

// Backend names accepted by New.
const (
	BackendPrometheus = "prometheus"
	BackendCloudWatch = "cloudwatch"
	BackendNone       = "none"
)

// Handler exposes a scrape endpoint. Only the Prometheus recorder has one;
// for the others it returns nil.
func Handler(r Recorder) http.Handler {
	if p, ok := r.(*PrometheusRecorder); ok {
		return p.Handler()
	}
	return nil
}

func hitLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
