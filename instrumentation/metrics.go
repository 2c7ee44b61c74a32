package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the issuer
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grant and Token Metrics
	GrantsIssued   metric.Int64Counter
	CodesExchanged metric.Int64Counter
	TokensRotated  metric.Int64Counter
	TokensRevoked  metric.Int64Counter
	GrantFailures  metric.Int64Counter

	// Security Metrics
	RateLimitExceeded     metric.Int64Counter
	PKCEValidationFailed  metric.Int64Counter
	CodeReplayDetected    metric.Int64Counter
	RefreshReplayDetected metric.Int64Counter
	AuditEventsTotal      metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageGrantMarkers      metric.Int64ObservableGauge
	StorageLineages          metric.Int64ObservableGauge
}

type counterSpec struct {
	target      *metric.Int64Counter
	meter       metric.Meter
	name        string
	description string
	unit        string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.GrantsIssued, serverMeter, "oauth.grant.issued", "Number of authorization codes issued", "{grant}"},
		{&m.CodesExchanged, serverMeter, "oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}"},
		{&m.TokensRotated, serverMeter, "oauth.token.rotated", "Number of refresh token rotations", "{rotation}"},
		{&m.TokensRevoked, serverMeter, "oauth.token.revoked", "Number of tokens revoked", "{revocation}"},
		{&m.GrantFailures, serverMeter, "oauth.request.failed", "Number of protocol requests rejected, by error code", "{failure}"},
		{&m.RateLimitExceeded, securityMeter, "oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}"},
		{&m.PKCEValidationFailed, securityMeter, "oauth.pkce.validation_failed", "Number of PKCE validation failures", "{failure}"},
		{&m.CodeReplayDetected, securityMeter, "oauth.code.replay_detected", "Number of authorization code replay attempts", "{attempt}"},
		{&m.RefreshReplayDetected, securityMeter, "oauth.refresh.replay_detected", "Number of superseded refresh tokens presented", "{attempt}"},
		{&m.AuditEventsTotal, securityMeter, "oauth.audit.events.total", "Total number of audit events", "{event}"},
		{&m.StorageOperationTotal, storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}"},
	}

	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	var err error
	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageGrantMarkers, err = storageMeter.Int64ObservableGauge(
		"storage.grant_markers.count",
		metric.WithDescription("Number of live authorization code revocation markers"),
		metric.WithUnit("{marker}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.grant_markers.count gauge: %w", err)
	}

	m.StorageLineages, err = storageMeter.Int64ObservableGauge(
		"storage.lineages.count",
		metric.WithDescription("Number of tracked refresh token lineages"),
		metric.WithUnit("{lineage}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.lineages.count gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordGrantIssued records an issued authorization code
func (m *Metrics) RecordGrantIssued(ctx context.Context, clientID, pkceMethod string) {
	m.GrantsIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordCodeExchange records a successful code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	m.CodesExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokenRotation records a refresh token rotation
func (m *Metrics) RecordTokenRotation(ctx context.Context, clientID string) {
	m.TokensRotated.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID, kind string) {
	m.TokensRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("kind", kind),
	))
}

// RecordRequestFailure records a rejected protocol request
func (m *Metrics) RecordRequestFailure(ctx context.Context, operation, errorCode string) {
	m.GrantFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("error", errorCode),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("limiter_type", limiterType)))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordCodeReplayDetected records an attempt to redeem a spent code
func (m *Metrics) RecordCodeReplayDetected(ctx context.Context) {
	m.CodeReplayDetected.Add(ctx, 1)
}

// RecordRefreshReplayDetected records a superseded refresh token being presented
func (m *Metrics) RecordRefreshReplayDetected(ctx context.Context) {
	m.RefreshReplayDetected.Add(ctx, 1)
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordStorageOperation records a storage operation with its duration
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("operation", operation)))
}
