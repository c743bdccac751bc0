package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"keymint/internal/audit"
	"keymint/internal/config"
	apperrors "keymint/internal/errors"
	"keymint/internal/infrastructure"
	"keymint/internal/license"
	"keymint/internal/ratelimit"
	"keymint/internal/security"
	"keymint/internal/store"
	"keymint/pkg/contracts/domain"
)

// defaultTokenTTL bounds how long a validation token stays presentable
// when no TTL is configured.
const defaultTokenTTL = 5 * time.Minute

// LicenseService runs the request pipeline for every license operation
type LicenseService struct {
	manager   *license.Manager
	limiter   *ratelimit.Limiter
	audit     *audit.Logger
	metrics   *infrastructure.BusinessMetrics
	limits    config.RateLimitConfig
	licensing config.LicensingConfig
	jwtSecret []byte
	logger    *slog.Logger
}

// NewLicenseService wires the license pipeline
func NewLicenseService(
	manager *license.Manager,
	limiter *ratelimit.Limiter,
	auditLog *audit.Logger,
	metrics *infrastructure.BusinessMetrics,
	limits config.RateLimitConfig,
	licensing config.LicensingConfig,
	jwtSecret string,
	logger *slog.Logger,
) *LicenseService {
	if licensing.TokenTTL <= 0 {
		licensing.TokenTTL = defaultTokenTTL
	}
	return &LicenseService{
		manager:   manager,
		limiter:   limiter,
		audit:     auditLog,
		metrics:   metrics,
		limits:    limits,
		licensing: licensing,
		jwtSecret: []byte(jwtSecret),
		logger:    infrastructure.WithComponent(logger, "license_service"),
	}
}

// checkLimits runs the per-IP check and then the stricter per-key check.
// The returned result reflects whichever check a caller should surface in
// rate headers: the key result when both pass, the failing one otherwise.
func (s *LicenseService) checkLimits(ctx context.Context, ip, key, endpoint string, perIP int) (ratelimit.Result, error) {
	ipRes := s.limiter.Check(ctx, ratelimit.SubjectIP, ip, endpoint, perIP)
	if !ipRes.Allowed {
		s.recordDenial(ctx, endpoint, ratelimit.SubjectIP)
		return ipRes, apperrors.ErrRateLimited
	}

	perKey := perIP / s.limits.PerKeyDivisor
	if perKey < 1 {
		perKey = 1
	}
	keyRes := s.limiter.Check(ctx, ratelimit.SubjectKey, security.HashLicenseKeyForAudit(key), endpoint, perKey)
	if !keyRes.Allowed {
		s.recordDenial(ctx, endpoint, ratelimit.SubjectKey)
		return keyRes, apperrors.ErrRateLimited
	}
	return keyRes, nil
}

func (s *LicenseService) recordDenial(ctx context.Context, endpoint, subjectType string) {
	if s.metrics != nil {
		s.metrics.RateLimitDenials.Add(ctx, 1)
	}
	s.audit.Security(ctx, "rate_limited", map[string]any{
		"endpoint":     endpoint,
		"subject_type": subjectType,
	})
}

// auditLifecycleError records security-relevant validation failures
func (s *LicenseService) auditLifecycleError(ctx context.Context, key string, err error) {
	details := map[string]any{"license_key": key}
	switch {
	case errors.Is(err, apperrors.ErrLicenseRevoked):
		s.audit.Security(ctx, "revoked_key_used", details)
	case errors.Is(err, apperrors.ErrLicenseSuspended):
		s.audit.Security(ctx, "suspended_key_used", details)
	case errors.Is(err, apperrors.ErrLicenseExpired):
		s.audit.Security(ctx, "expired_key_used", details)
	case errors.Is(err, apperrors.ErrInvalidLicenseFormat):
		s.audit.Security(ctx, "invalid_key_format", details)
	case errors.Is(err, apperrors.ErrActivationLimitExceeded):
		s.audit.Security(ctx, "activation_limit", details)
	}
}

func validateResponse(lic *store.License) *domain.ValidateResponse {
	now := time.Now().UTC()
	resp := &domain.ValidateResponse{
		Valid:      true,
		Status:     license.EffectiveStatus(lic, now),
		ProductRef: lic.ProductRef,
		CheckedAt:  now,
	}
	if lic.ExpiresAt != nil {
		resp.ExpiresAt = lic.ExpiresAt
		days := int(time.Until(*lic.ExpiresAt).Hours() / 24)
		if days < 0 {
			days = 0
		}
		resp.DaysLeft = &days
	}
	return resp
}

// Validate checks a license key. A supplied machine fingerprint narrows the
// check to that machine: the key is only reported valid when the machine
// holds an active activation.
func (s *LicenseService) Validate(ctx context.Context, ip, key, fingerprint, machineID string) (*domain.ValidateResponse, ratelimit.Result, error) {
	rl, err := s.checkLimits(ctx, ip, key, "validate", s.limits.ValidatePerIP)
	if err != nil {
		return nil, rl, err
	}

	lic, err := s.manager.Validate(ctx, key, fingerprint, machineID)
	if err != nil {
		s.auditLifecycleError(ctx, key, err)
		if s.metrics != nil {
			s.metrics.Validations.Add(ctx, 1, infrastructure.OperationOutcome("rejected"))
		}
		return nil, rl, err
	}

	if s.metrics != nil {
		s.metrics.Validations.Add(ctx, 1, infrastructure.OperationOutcome("valid"))
	}
	s.audit.Event(ctx, audit.CategoryLicense, "validated", map[string]any{
		"license_key":   key,
		"machine_bound": fingerprint != "" || machineID != "",
	})
	return validateResponse(lic), rl, nil
}

// IssueToken validates a key and returns a short-lived signed token the
// client can present instead of revalidating on every call.
func (s *LicenseService) IssueToken(ctx context.Context, ip, key, fingerprint, machineID string) (*domain.TokenResponse, ratelimit.Result, error) {
	rl, err := s.checkLimits(ctx, ip, key, "validate", s.limits.ValidatePerIP)
	if err != nil {
		return nil, rl, err
	}

	lic, err := s.manager.Validate(ctx, key, fingerprint, machineID)
	if err != nil {
		s.auditLifecycleError(ctx, key, err)
		return nil, rl, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(s.licensing.TokenTTL)
	status := license.EffectiveStatus(lic, now)

	claims := jwt.MapClaims{
		"sub":    security.HashLicenseKeyForAudit(lic.Key),
		"status": status,
		"iat":    now.Unix(),
		"exp":    expiresAt.Unix(),
		"jti":    uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, rl, apperrors.ErrTokenSigning
	}

	return &domain.TokenResponse{
		Token:     signed,
		ExpiresAt: expiresAt,
		Status:    status,
	}, rl, nil
}

// VerifyToken parses and verifies a validation token, returning its claims
func (s *LicenseService) VerifyToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.ErrTokenInvalid
		}
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, apperrors.ErrTokenInvalid
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apperrors.ErrTokenInvalid
	}
	return claims, nil
}

// Activate binds a machine to a license
func (s *LicenseService) Activate(ctx context.Context, ip string, req *domain.ActivateRequest) (*domain.ActivateResponse, ratelimit.Result, error) {
	rl, err := s.checkLimits(ctx, ip, req.LicenseKey, "activate", s.limits.ActivatePerIP)
	if err != nil {
		return nil, rl, err
	}

	lic, res, err := s.manager.Activate(ctx, req.LicenseKey, req.MachineFingerprint, req.MachineID, ip)
	if err != nil {
		s.auditLifecycleError(ctx, req.LicenseKey, err)
		if s.metrics != nil {
			s.metrics.Activations.Add(ctx, 1, infrastructure.OperationOutcome("rejected"))
		}
		return nil, rl, err
	}

	if s.metrics != nil {
		s.metrics.Activations.Add(ctx, 1, infrastructure.OperationOutcome("activated"))
	}
	s.audit.Event(ctx, audit.CategoryLicense, "activated", map[string]any{
		"license_key":         req.LicenseKey,
		"machine_fingerprint": req.MachineFingerprint,
		"already_active":      res.AlreadyActive,
		"active_count":        res.ActiveCount,
	})

	return &domain.ActivateResponse{
		Activated:       true,
		AlreadyActive:   res.AlreadyActive,
		ActivationCount: res.ActiveCount,
		MaxActivations:  lic.MaxActivations,
		ActivatedAt:     time.Now().UTC(),
	}, rl, nil
}

// Deactivate releases a machine binding
func (s *LicenseService) Deactivate(ctx context.Context, ip string, req *domain.DeactivateRequest) (*domain.DeactivateResponse, ratelimit.Result, error) {
	rl, err := s.checkLimits(ctx, ip, req.LicenseKey, "deactivate", s.limits.DeactivatePerIP)
	if err != nil {
		return nil, rl, err
	}

	lic, err := s.manager.Deactivate(ctx, req.LicenseKey, req.MachineFingerprint, req.MachineID)
	if err != nil {
		s.auditLifecycleError(ctx, req.LicenseKey, err)
		if s.metrics != nil {
			s.metrics.Deactivations.Add(ctx, 1, infrastructure.OperationOutcome("rejected"))
		}
		return nil, rl, err
	}

	count, err := s.manager.ActivationCount(ctx, lic.ID)
	if err != nil {
		count = 0
	}
	if s.metrics != nil {
		s.metrics.Deactivations.Add(ctx, 1, infrastructure.OperationOutcome("deactivated"))
	}
	s.audit.Event(ctx, audit.CategoryLicense, "deactivated", map[string]any{
		"license_key":         req.LicenseKey,
		"machine_fingerprint": req.MachineFingerprint,
		"active_count":        count,
	})

	return &domain.DeactivateResponse{
		Deactivated:     true,
		ActivationCount: count,
		MaxActivations:  lic.MaxActivations,
	}, rl, nil
}

// Status summarizes a license without consuming an activation
func (s *LicenseService) Status(ctx context.Context, ip, key string) (*license.Status, ratelimit.Result, error) {
	rl, err := s.checkLimits(ctx, ip, key, "status", s.limits.StatusPerIP)
	if err != nil {
		return nil, rl, err
	}

	st, err := s.manager.Status(ctx, key)
	if err != nil {
		s.auditLifecycleError(ctx, key, err)
		return nil, rl, err
	}
	return st, rl, nil
}

// History returns the recent activation history with machine data masked
func (s *LicenseService) History(ctx context.Context, ip, key string, limit int) (*domain.ActivationHistoryResponse, ratelimit.Result, error) {
	rl, err := s.checkLimits(ctx, ip, key, "status", s.limits.StatusPerIP)
	if err != nil {
		return nil, rl, err
	}

	if histCap := s.licensing.ActivationHistoryCap; histCap > 0 && (limit <= 0 || limit > histCap) {
		limit = histCap
	}
	acts, err := s.manager.Activations(ctx, key, limit)
	if err != nil {
		s.auditLifecycleError(ctx, key, err)
		return nil, rl, err
	}

	resp := &domain.ActivationHistoryResponse{
		LicenseKey:  security.MaskLicenseKey(key),
		Activations: make([]domain.ActivationRecord, 0, len(acts)),
	}
	for _, a := range acts {
		resp.Activations = append(resp.Activations, domain.ActivationRecord{
			MachineFingerprint: security.MaskMachineData(a.FingerprintHash),
			Active:             a.Active,
			Revoked:            a.Revoked,
			ActivatedAt:        a.ActivatedAt,
			DeactivatedAt:      a.DeactivatedAt,
		})
	}
	resp.Count = len(resp.Activations)
	return resp, rl, nil
}
