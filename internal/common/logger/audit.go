package logger

import (
	"time"

	"go.uber.org/zap"
)

// Session audit event types
const (
	EventLoginSucceeded    = "session.login.success"
	EventLoginFailed       = "session.login.failure"
	EventLogout            = "session.logout"
	EventBackchannelLogout = "session.backchannel_logout"
	EventSessionRejected   = "session.rejected"
)

// AuditEvent represents a session lifecycle audit event
type AuditEvent struct {
	EventType string                 `json:"event_type"`
	Subject   string                 `json:"subject,omitempty"`
	SessionID string                 `json:"session_id,omitempty"` // IdP sid, never the session key
	Status    string                 `json:"status"`               // success, failure, denied
	Reason    string                 `json:"reason,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// AuditLogger writes session audit events to a dedicated logger
type AuditLogger struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLogger{
		logger: logger.With(zap.String("log_type", "audit")),
		now:    time.Now,
	}
}

// Log logs an audit event
func (a *AuditLogger) Log(event *AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}

	fields := []zap.Field{
		zap.String("event_type", event.EventType),
		zap.String("status", event.Status),
		zap.Time("timestamp", event.Timestamp),
	}

	if event.Subject != "" {
		fields = append(fields, zap.String("subject", event.Subject))
	}

	if event.SessionID != "" {
		fields = append(fields, zap.String("session_id", event.SessionID))
	}

	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}

	if event.IPAddress != "" {
		fields = append(fields, zap.String("ip_address", event.IPAddress))
	}

	if event.UserAgent != "" {
		fields = append(fields, zap.String("user_agent", event.UserAgent))
	}

	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}

	// Log at appropriate level based on status
	switch event.Status {
	case "failure", "error":
		a.logger.Error("Audit event", fields...)
	case "denied":
		a.logger.Warn("Audit event", fields...)
	default:
		a.logger.Info("Audit event", fields...)
	}
}

// LogLoginSuccess logs a completed login
func (a *AuditLogger) LogLoginSuccess(subject, sid, ipAddress, userAgent string) {
	a.Log(&AuditEvent{
		EventType: EventLoginSucceeded,
		Subject:   subject,
		SessionID: sid,
		Status:    "success",
		IPAddress: ipAddress,
		UserAgent: userAgent,
	})
}

// LogLoginFailure logs a failed login callback
func (a *AuditLogger) LogLoginFailure(ipAddress, userAgent, reason string) {
	a.Log(&AuditEvent{
		EventType: EventLoginFailed,
		Status:    "failure",
		Reason:    reason,
		IPAddress: ipAddress,
		UserAgent: userAgent,
	})
}

// LogLogout logs a browser-initiated logout
func (a *AuditLogger) LogLogout(subject, sid, ipAddress string) {
	a.Log(&AuditEvent{
		EventType: EventLogout,
		Subject:   subject,
		SessionID: sid,
		Status:    "success",
		IPAddress: ipAddress,
	})
}

// LogBackchannelLogout logs a provider-initiated revocation
func (a *AuditLogger) LogBackchannelLogout(status string, deleted int, reason string) {
	a.Log(&AuditEvent{
		EventType: EventBackchannelLogout,
		Status:    status,
		Reason:    reason,
		Metadata:  map[string]interface{}{"deleted": deleted},
	})
}

// LogSessionRejected logs a request denied for lack of a usable session
func (a *AuditLogger) LogSessionRejected(subject, reason, ipAddress string) {
	a.Log(&AuditEvent{
		EventType: EventSessionRejected,
		Subject:   subject,
		Status:    "denied",
		Reason:    reason,
		IPAddress: ipAddress,
	})
}
