// Package audit writes the persistent audit trail and raises alerts for
// security-relevant events. Every detail map passes through sanitization
// before it is logged or stored, so raw license keys and machine identifiers
// never land anywhere durable.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"keymint/internal/infrastructure"
	"keymint/internal/notify"
	"keymint/internal/security"
	"keymint/internal/store"
)

// Event categories
const (
	CategoryLicense  = "license"
	CategorySecurity = "security"
	CategoryWebhook  = "webhook"
	CategoryAdmin    = "admin"
)

// Severities, in descending order of urgency
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// securitySeverity classifies security event types. Unlisted types default
// to medium.
var securitySeverity = map[string]string{
	"signature_invalid":  SeverityCritical,
	"webhook_replay":     SeverityHigh,
	"activation_limit":   SeverityHigh,
	"revoked_key_used":   SeverityHigh,
	"rate_limited":       SeverityMedium,
	"invalid_key_format": SeverityMedium,
	"expired_key_used":   SeverityLow,
	"suspended_key_used": SeverityMedium,
}

// Alerts fire for these severities
var alertSeverities = map[string]bool{
	SeverityCritical: true,
	SeverityHigh:     true,
}

// Logger records audit events. Persistence failures degrade to structured
// logging; an audit write never fails the operation that produced it.
type Logger struct {
	store    *store.Store
	notifier *notify.Notifier
	metrics  *infrastructure.BusinessMetrics
	logger   *slog.Logger
}

// NewLogger creates an audit logger. notifier and metrics may be nil.
func NewLogger(st *store.Store, notifier *notify.Notifier, metrics *infrastructure.BusinessMetrics, logger *slog.Logger) *Logger {
	return &Logger{
		store:    st,
		notifier: notifier,
		metrics:  metrics,
		logger:   infrastructure.WithComponent(logger, "audit"),
	}
}

// Event records one audit entry under a category
func (l *Logger) Event(ctx context.Context, category, eventType string, details map[string]any) {
	l.record(ctx, category, eventType, "", details)
}

// Security records a security incident, classifying its severity and raising
// an alert for critical and high events.
func (l *Logger) Security(ctx context.Context, eventType string, details map[string]any) {
	severity, ok := securitySeverity[eventType]
	if !ok {
		severity = SeverityMedium
	}
	l.record(ctx, CategorySecurity, eventType, severity, details)

	if l.metrics != nil {
		l.metrics.SecurityIncidents.Add(ctx, 1)
	}
	if l.notifier != nil && alertSeverities[severity] {
		fields := make(map[string]string, len(details))
		for k, v := range Sanitize(details) {
			if s, ok := v.(string); ok {
				fields[k] = s
			}
		}
		l.notifier.Alert(ctx, severity, "security event: "+eventType, fields)
	}
}

func (l *Logger) record(ctx context.Context, category, eventType, severity string, details map[string]any) {
	clean := Sanitize(details)

	attrs := []any{
		slog.String("category", category),
		slog.String("event_type", eventType),
	}
	if severity != "" {
		attrs = append(attrs, slog.String("severity", severity))
	}
	for k, v := range clean {
		attrs = append(attrs, slog.Any(k, v))
	}

	switch severity {
	case SeverityCritical:
		l.logger.ErrorContext(ctx, "audit event", attrs...)
	case SeverityHigh, SeverityMedium:
		l.logger.WarnContext(ctx, "audit event", attrs...)
	default:
		l.logger.InfoContext(ctx, "audit event", attrs...)
	}

	payload, err := json.Marshal(clean)
	if err != nil {
		payload = []byte("{}")
	}
	if err := l.store.InsertAuditEvent(ctx, category, eventType, severity, string(payload)); err != nil {
		l.logger.WarnContext(ctx, "audit persistence failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}

// Sanitize returns a copy of details with sensitive values masked or hashed.
// The input map is never modified.
func Sanitize(details map[string]any) map[string]any {
	if details == nil {
		return map[string]any{}
	}
	clean := make(map[string]any, len(details))
	for k, v := range details {
		key := strings.ToLower(k)
		s, isString := v.(string)
		switch {
		case key == "license_key" && isString:
			clean[k] = security.MaskLicenseKey(s)
			clean["license_key_hash"] = security.HashLicenseKeyForAudit(s)
		case (key == "machine_fingerprint" || key == "machine_id") && isString:
			clean[k] = security.MaskMachineData(s)
		case key == "email" || key == "customer_email":
			if isString {
				clean[k] = maskEmail(s)
			}
		case strings.HasPrefix(key, "card") || strings.Contains(key, "password") || strings.Contains(key, "secret") || strings.Contains(key, "token"):
			clean[k] = "[REDACTED]"
		default:
			clean[k] = v
		}
	}
	return clean
}

func maskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***@" + email[at+1:]
}
