package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"breathofnow/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

const (
	// cwBatchSize stays well under the per-request datum limit.
	cwBatchSize = 500

	// cwMaxBuffered bounds memory when CloudWatch is unreachable; the oldest
	// datums are dropped first.
	cwMaxBuffered = 10000

	cwFlushTimeout = 5 * time.Second
)

// CloudWatchRecorder buffers datums in memory and ships them from Run, so
// request handling never waits on a PutMetricData call.
//
// Metrics emitted:
//   - APIRequest / APILatency: Dims {Endpoint}
//   - EntitlementRejected: Dims {Reason}
//   - EntitlementConflict: no dims
//   - PricingResolved: Dims {Tier}
//   - ExternalAPIFailure: Dims {Provider}
//   - GeoCacheHit: value 1 for a hit, 0 for a miss
//   - StripeWebhook: Dims {EventType, Reason}
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	buf     []cwtypes.MetricDatum
	dropped int
}

var _ Recorder = (*CloudWatchRecorder)(nil)

// NewCloudWatchRecorder creates a recorder for namespace. An empty namespace
// falls back to types.MetricNamespace.
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRecorder {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchRecorder{
		client:    client,
		namespace: namespace,
		logger:    logger,
		now:       time.Now,
	}
}

func (c *CloudWatchRecorder) add(name string, value float64, unit cwtypes.StandardUnit, dims ...string) {
	d := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Timestamp:  aws.Time(c.now()),
	}
	for i := 0; i+1 < len(dims); i += 2 {
		d.Dimensions = append(d.Dimensions, cwtypes.Dimension{
			Name:  aws.String(dims[i]),
			Value: aws.String(dims[i+1]),
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) >= cwMaxBuffered {
		c.buf = c.buf[1:]
		c.dropped++
	}
	c.buf = append(c.buf, d)
}

func (c *CloudWatchRecorder) RecordRequest(_, endpoint, _ string, duration time.Duration) {
	c.add(types.MetricAPIRequest, 1, cwtypes.StandardUnitCount, types.DimEndpoint, endpoint)
	c.add(types.MetricAPILatency, float64(duration.Milliseconds()), cwtypes.StandardUnitMilliseconds, types.DimEndpoint, endpoint)
}

func (c *CloudWatchRecorder) RecordEntitlementRejection(_ context.Context, code types.ErrorCode) {
	c.add(types.MetricEntitlementRejected, 1, cwtypes.StandardUnitCount, types.DimReason, string(code))
}

func (c *CloudWatchRecorder) RecordEntitlementConflict(context.Context) {
	c.add(types.MetricEntitlementConflict, 1, cwtypes.StandardUnitCount)
}

func (c *CloudWatchRecorder) RecordPricingResolved(_ context.Context, tierID string) {
	c.add(types.MetricPricingResolved, 1, cwtypes.StandardUnitCount, types.DimTier, tierID)
}

func (c *CloudWatchRecorder) RecordExternalFailure(_ context.Context, provider string) {
	c.add(types.MetricExternalAPIFailure, 1, cwtypes.StandardUnitCount, types.DimProvider, provider)
}

func (c *CloudWatchRecorder) RecordGeoCacheHit(_ context.Context, hit bool) {
	v := 0.0
	if hit {
		v = 1
	}
	c.add(types.MetricGeoCacheHit, v, cwtypes.StandardUnitCount)
}

func (c *CloudWatchRecorder) RecordWebhookEvent(_ context.Context, eventType, result string) {
	c.add(types.MetricStripeWebhook, 1, cwtypes.StandardUnitCount, types.DimEventType, eventType, types.DimReason, result)
}

// Run flushes every interval until ctx is cancelled, then performs a final
// flush bounded by cwFlushTimeout.
func (c *CloudWatchRecorder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Flush(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cwFlushTimeout)
			c.Flush(flushCtx)
			cancel()
			return
		}
	}
}

// Flush ships the buffered datums. A failed batch is logged and discarded.
func (c *CloudWatchRecorder) Flush(ctx context.Context) {
	c.mu.Lock()
	pending := c.buf
	dropped := c.dropped
	c.buf = nil
	c.dropped = 0
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Warn("metric buffer overflowed", "dropped", dropped)
	}

	for start := 0; start < len(pending); start += cwBatchSize {
		end := min(start+cwBatchSize, len(pending))
		_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(c.namespace),
			MetricData: pending[start:end],
		})
		if err != nil {
			c.logger.Error("failed to publish metrics",
				"error", err.Error(),
				"datums", end-start,
			)
		}
	}
}

// Buffered reports the number of datums waiting for the next flush.
func (c *CloudWatchRecorder) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}
