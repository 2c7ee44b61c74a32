package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Audit event types.
const (
	EventGrantIssued           = "grant_issued"
	EventCodeExchanged         = "code_exchanged"
	EventTokenRotated          = "token_rotated"
	EventTokenRevoked          = "token_revoked"
	EventCodeReplayDetected    = "code_replay_detected"
	EventRefreshReplayDetected = "refresh_replay_detected"
	EventLineageRetired        = "lineage_retired"
	EventRequestFailed         = "request_failed"
	EventRateLimitExceeded     = "rate_limit_exceeded"
)

// EventRecorder counts audit events, typically as a metric.
type EventRecorder interface {
	RecordAuditEvent(ctx context.Context, eventType string)
}

// Auditor writes security events to a dedicated log stream. User ids are
// hashed before they are logged.
type Auditor struct {
	logger   *slog.Logger
	enabled  bool
	recorder EventRecorder
	now      func() time.Time
}

// NewAuditor creates an auditor. A nil logger falls back to slog.Default().
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger.With("component", "audit"),
		enabled: enabled,
		now:     time.Now,
	}
}

// SetRecorder attaches a counter that is bumped for every logged event.
func (a *Auditor) SetRecorder(r EventRecorder) {
	if a != nil {
		a.recorder = r
	}
}

// Event is a single audit record.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
}

// LogEvent records an event. It is a no-op on a nil or disabled auditor.
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if a == nil || !a.enabled {
		return
	}

	attrs := []any{
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"timestamp", a.now().UTC(),
	}
	if event.IPAddress != "" {
		attrs = append(attrs, "ip_address", event.IPAddress)
	}
	if id := GetRequestID(ctx); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, "details", event.Details)
	}

	a.logger.InfoContext(ctx, "security_audit", attrs...)

	if a.recorder != nil {
		a.recorder.RecordAuditEvent(ctx, event.Type)
	}
}

// LogGrantIssued records a newly minted authorization code.
func (a *Auditor) LogGrantIssued(ctx context.Context, userID, clientID, ip, scope, pkceMethod string) {
	a.LogEvent(ctx, Event{
		Type:      EventGrantIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ip,
		Details:   map[string]any{"scope": scope, "pkce_method": pkceMethod},
	})
}

// LogCodeExchanged records a successful authorization_code exchange.
func (a *Auditor) LogCodeExchanged(ctx context.Context, userID, clientID, ip, scope string) {
	a.LogEvent(ctx, Event{
		Type:      EventCodeExchanged,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ip,
		Details:   map[string]any{"scope": scope},
	})
}

// LogTokenRotated records a refresh. lineage is the refresh token base id,
// never the token itself.
func (a *Auditor) LogTokenRotated(ctx context.Context, userID, clientID, ip, lineage string, counter int64) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenRotated,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ip,
		Details:   map[string]any{"lineage": lineage, "counter": counter},
	})
}

// LogTokenRevoked records an explicit revocation request.
func (a *Auditor) LogTokenRevoked(ctx context.Context, userID, clientID, ip, tokenKind string) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenRevoked,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ip,
		Details:   map[string]any{"token_type": tokenKind},
	})
}

// LogCodeReplay records an attempt to redeem an already used code.
func (a *Auditor) LogCodeReplay(ctx context.Context, userID, clientID, ip string) {
	a.LogEvent(ctx, Event{
		Type:      EventCodeReplayDetected,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ip,
	})
}

// LogRefreshReplay records presentation of a superseded refresh token.
func (a *Auditor) LogRefreshReplay(ctx context.Context, userID, clientID, ip, lineage string, lineageRetired bool) {
	a.LogEvent(ctx, Event{
		Type:      EventRefreshReplayDetected,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ip,
		Details:   map[string]any{"lineage": lineage, "lineage_retired": lineageRetired},
	})
}

// LogLineageRetired records a refresh lineage being retired by revocation.
func (a *Auditor) LogLineageRetired(ctx context.Context, userID, clientID, ip, lineage string) {
	a.LogEvent(ctx, Event{
		Type:      EventLineageRetired,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ip,
		Details:   map[string]any{"lineage": lineage},
	})
}

// LogRequestFailure records a rejected authorize, token or revoke request.
func (a *Auditor) LogRequestFailure(ctx context.Context, operation, clientID, ip, code string) {
	a.LogEvent(ctx, Event{
		Type:      EventRequestFailed,
		ClientID:  clientID,
		IPAddress: ip,
		Details:   map[string]any{"operation": operation, "error": code},
	})
}

// LogRateLimitExceeded records a throttled request.
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, ip string) {
	a.LogEvent(ctx, Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ip,
	})
}

func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
