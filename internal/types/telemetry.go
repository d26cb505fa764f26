package types

// Telemetry metric names.
// All components MUST use these constants.
const (
	// Metric Names
	MetricAPILatency          = "APILatency"
	MetricAPIRequest          = "APIRequest"
	MetricEntitlementRejected = "EntitlementRejected"
	MetricEntitlementConflict = "EntitlementConflict"
	MetricPricingResolved     = "PricingResolved"
	MetricExternalAPIFailure  = "ExternalAPIFailure"
	MetricGeoCacheHit         = "GeoCacheHit"
	MetricStripeWebhook       = "StripeWebhook"

	// Dimension Keys
	DimEndpoint  = "Endpoint"
	DimProvider  = "Provider"
	DimEventType = "EventType"
	DimReason    = "Reason"
	DimTier      = "Tier"

	// Metric Namespace
	MetricNamespace = "BreathOfNow"
)
