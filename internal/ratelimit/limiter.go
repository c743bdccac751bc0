// Package ratelimit implements fixed-window request limiting backed by the
// store, so limits hold across restarts and are shared by every endpoint.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"keymint/internal/infrastructure"
	"keymint/internal/store"
)

// Subject types recognized by the limiter
const (
	SubjectIP  = "ip"
	SubjectKey = "key"
)

// Result is the outcome of one limit check
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per (subject, endpoint) in fixed windows. Denied
// requests are counted too, so hammering a limited endpoint never shortens
// the wait.
type Limiter struct {
	store   *store.Store
	logger  *slog.Logger
	window  time.Duration
	enabled bool

	// now is swappable for window-boundary tests
	now func() time.Time
}

// NewLimiter creates a limiter with the given window size
func NewLimiter(st *store.Store, logger *slog.Logger, window time.Duration, enabled bool) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		store:   st,
		logger:  infrastructure.WithComponent(logger, "ratelimit"),
		window:  window,
		enabled: enabled,
		now:     time.Now,
	}
}

// Check records one request against a limit and reports whether it is
// allowed. A storage failure fails open: the request proceeds and the error
// is logged, so a degraded database never blocks license validation.
func (l *Limiter) Check(ctx context.Context, subjectType, subjectValue, endpoint string, max int) Result {
	now := l.now().UTC()
	windowStart := now.Truncate(l.window)
	resetAt := windowStart.Add(l.window)

	if !l.enabled || max <= 0 {
		return Result{Allowed: true, Limit: max, Remaining: max, ResetAt: resetAt}
	}

	subject := fmt.Sprintf("%s:%s", subjectType, subjectValue)
	count, err := l.store.IncrementWindow(ctx, subject, endpoint, windowStart)
	if err != nil {
		l.logger.WarnContext(ctx, "rate limit check failed, allowing request",
			slog.String("endpoint", endpoint),
			slog.String("subject_type", subjectType),
			slog.String("error", err.Error()))
		return Result{Allowed: true, Limit: max, Remaining: max, ResetAt: resetAt}
	}

	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= max,
		Limit:     max,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// RetryAfter returns the seconds until the window resets, minimum one
func (r Result) RetryAfter(now time.Time) int {
	secs := int(r.ResetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
