package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"breathofnow/internal/types"
)

func TestPrometheusRecorder_Counts(t *testing.T) {
	p := NewPrometheusRecorder()
	ctx := context.Background()

	p.RecordRequest("GET", "/v1/pricing", "200", 12*time.Millisecond)
	p.RecordRequest("GET", "/v1/pricing", "200", 30*time.Millisecond)
	p.RecordEntitlementRejection(ctx, types.ErrCodeLimitCooldown)
	p.RecordEntitlementConflict(ctx)
	p.RecordPricingResolved(ctx, "tier-5")
	p.RecordExternalFailure(ctx, "stripe")
	p.RecordGeoCacheHit(ctx, true)
	p.RecordGeoCacheHit(ctx, false)
	p.RecordGeoCacheHit(ctx, false)
	p.RecordWebhookEvent(ctx, "checkout.session.completed", "applied")

	assert.Equal(t, 2.0, testutil.ToFloat64(p.requestsTotal.WithLabelValues("GET", "/v1/pricing", "200")))
	assert.Equal(t, 1, testutil.CollectAndCount(p.requestDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.rejections.WithLabelValues("limit_cooldown_active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.conflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.pricingResolved.WithLabelValues("tier-5")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.externalFailure.WithLabelValues("stripe")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.geoCache.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.geoCache.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.webhookEvents.WithLabelValues("checkout.session.completed", "applied")))
}

func TestPrometheusRecorder_IndependentRegistries(t *testing.T) {
	a := NewPrometheusRecorder()
	b := NewPrometheusRecorder()
	a.RecordEntitlementConflict(context.Background())

	assert.Equal(t, 1.0, testutil.ToFloat64(a.conflicts))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.conflicts))
}

func TestHandler_ServesPrometheusExposition(t *testing.T) {
	p := NewPrometheusRecorder()
	p.RecordPricingResolved(context.Background(), "tier-1")

	h := Handler(p)
	require.NotNil(t, h)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `breathofnow_pricing_resolved_total{tier="tier-1"} 1`)

	assert.Nil(t, Handler(Nop{}))
	assert.Nil(t, Handler(NewCloudWatchRecorder(&mockCloudWatchClient{}, "", nil)))
}

// mockCloudWatchClient records PutMetricData calls for verification.
type mockCloudWatchClient struct {
	mu        sync.Mutex
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (m *mockCloudWatchClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dimension(d cwtypes.MetricDatum, name string) string {
	for _, dim := range d.Dimensions {
		if *dim.Name == name {
			return *dim.Value
		}
	}
	return ""
}

func TestCloudWatchRecorder_BuffersUntilFlush(t *testing.T) {
	cw := &mockCloudWatchClient{}
	rec := NewCloudWatchRecorder(cw, "", quietLogger())
	ctx := context.Background()

	rec.RecordRequest("POST", "/v1/entitlements/apps", "409", 40*time.Millisecond)
	rec.RecordEntitlementRejection(ctx, types.ErrCodeLimitNoSlots)
	rec.RecordGeoCacheHit(ctx, false)

	assert.Zero(t, cw.callCount())
	assert.Equal(t, 4, rec.Buffered())

	rec.Flush(ctx)
	require.Equal(t, 1, cw.callCount())
	assert.Zero(t, rec.Buffered())

	input := cw.calls[0]
	assert.Equal(t, types.MetricNamespace, *input.Namespace)
	require.Len(t, input.MetricData, 4)

	req := input.MetricData[0]
	assert.Equal(t, types.MetricAPIRequest, *req.MetricName)
	assert.Equal(t, "/v1/entitlements/apps", dimension(req, types.DimEndpoint))

	latency := input.MetricData[1]
	assert.Equal(t, 40.0, *latency.Value)
	assert.Equal(t, cwtypes.StandardUnitMilliseconds, latency.Unit)

	assert.Equal(t, "limit_no_slots_available", dimension(input.MetricData[2], types.DimReason))
	assert.Equal(t, 0.0, *input.MetricData[3].Value)
}

func TestCloudWatchRecorder_FlushSplitsBatches(t *testing.T) {
	cw := &mockCloudWatchClient{}
	rec := NewCloudWatchRecorder(cw, "Test", quietLogger())

	for range cwBatchSize + 7 {
		rec.RecordEntitlementConflict(context.Background())
	}
	rec.Flush(context.Background())

	require.Equal(t, 2, cw.callCount())
	assert.Len(t, cw.calls[0].MetricData, cwBatchSize)
	assert.Len(t, cw.calls[1].MetricData, 7)
	assert.Equal(t, "Test", *cw.calls[1].Namespace)
}

func TestCloudWatchRecorder_FailureDiscardsBatch(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: errors.New("throttled")}
	rec := NewCloudWatchRecorder(cw, "", quietLogger())

	rec.RecordExternalFailure(context.Background(), "geoip")
	rec.Flush(context.Background())

	assert.Equal(t, 1, cw.callCount())
	assert.Zero(t, rec.Buffered())
}

func TestCloudWatchRecorder_DropsOldestWhenFull(t *testing.T) {
	rec := NewCloudWatchRecorder(&mockCloudWatchClient{}, "", quietLogger())
	for range cwMaxBuffered + 3 {
		rec.RecordEntitlementConflict(context.Background())
	}
	assert.Equal(t, cwMaxBuffered, rec.Buffered())
	assert.Equal(t, 3, rec.dropped)
}

func TestCloudWatchRecorder_RunFlushesOnShutdown(t *testing.T) {
	cw := &mockCloudWatchClient{}
	rec := NewCloudWatchRecorder(cw, "", quietLogger())
	rec.RecordPricingResolved(context.Background(), "tier-2")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx, time.Hour)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Equal(t, 1, cw.callCount())
	assert.Equal(t, "tier-2", dimension(cw.calls[0].MetricData[0], types.DimTier))
}
