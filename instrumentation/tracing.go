package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// Never put actual credential values (access tokens, refresh tokens,
// authorization codes, client secrets) into trace attributes. Traces are
// persisted and replicated far more widely than the stores that hold the
// credentials. Record metadata only.
const (
	// Authorization flow attributes
	AttrClientID   = "auth.client_id"
	AttrScope      = "auth.scope"
	AttrGrantType  = "auth.grant_type"
	AttrPKCEMethod = "auth.pkce.method"
	AttrCodeReuse  = "auth.code.reuse"
	AttrTokenReuse = "auth.token.reuse" //nolint:gosec // boolean flag, not a credential
	AttrError      = "auth.error"

	// Storage attributes
	AttrStoreOperation = "store.operation"
	AttrStoreResult    = "store.result"

	// Rate limit attributes
	AttrRateLimitAllowed    = "ratelimit.allowed"
	AttrRateLimitRemaining  = "ratelimit.remaining"
	AttrRateLimiterBackend  = "ratelimit.backend"
	AttrRateLimiterFailMode = "ratelimit.fail_mode"

	// Gateway dispatch attributes
	AttrTool     = "gateway.tool"
	AttrCacheHit = "gateway.cache_hit"
	AttrOutcome  = "gateway.outcome"

	// HTTP attributes beyond the standard semantic conventions
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with an error status (nil-safe).
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe).
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe).
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common authorization flow attributes to a span
// (nil-safe). Empty values are skipped.
func AddFlowAttributes(span trace.Span, clientID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddDispatchAttributes adds gateway dispatch attributes to a span (nil-safe).
func AddDispatchAttributes(span trace.Span, tool string, cacheHit bool) {
	SetSpanAttributes(span,
		attribute.String(AttrTool, tool),
		attribute.Bool(AttrCacheHit, cacheHit),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe).
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}
