package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"keymint/internal/audit"
	apperrors "keymint/internal/errors"
	"keymint/internal/ratelimit"
	"keymint/internal/security"
	"keymint/pkg/contracts/domain"
)

// Batch executes up to domain.BatchMaxOperations license operations in one
// call. Size bounds are checked before anything runs; individual operations
// are independent and a failure never aborts the rest. Result keys are
// masked.
func (s *LicenseService) Batch(ctx context.Context, ip string, req *domain.BatchRequest) (*domain.BatchResponse, ratelimit.Result, error) {
	rl := s.limiter.Check(ctx, ratelimit.SubjectIP, ip, "batch", s.limits.BatchPerIP)
	if !rl.Allowed {
		s.recordDenial(ctx, "batch", ratelimit.SubjectIP)
		return nil, rl, apperrors.ErrRateLimited
	}

	n := len(req.Operations)
	if n < domain.BatchMinOperations || n > domain.BatchMaxOperations {
		return nil, rl, apperrors.InvalidRequestWithError(
			fmt.Errorf("batch must contain between %d and %d operations, got %d",
				domain.BatchMinOperations, domain.BatchMaxOperations, n))
	}

	resp := &domain.BatchResponse{
		BatchID:         uuid.NewString(),
		OperationsCount: n,
		Results:         make([]domain.BatchResult, 0, n),
	}

	for _, op := range req.Operations {
		result := s.runBatchOp(ctx, ip, op)
		if result.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
		resp.Results = append(resp.Results, result)
	}
	resp.Success = resp.Failed == 0

	s.audit.Event(ctx, audit.CategoryLicense, "batch_executed", map[string]any{
		"batch_id":  resp.BatchID,
		"size":      n,
		"succeeded": resp.Succeeded,
		"failed":    resp.Failed,
	})
	s.logger.InfoContext(ctx, "batch executed",
		slog.String("batch_id", resp.BatchID),
		slog.Int("size", n),
		slog.Int("succeeded", resp.Succeeded),
		slog.Int("failed", resp.Failed))
	return resp, rl, nil
}

func (s *LicenseService) runBatchOp(ctx context.Context, ip string, op domain.BatchOperation) domain.BatchResult {
	result := domain.BatchResult{
		Op:         op.Op,
		LicenseKey: security.MaskLicenseKey(op.LicenseKey),
	}

	var err error
	switch op.Op {
	case domain.BatchOpValidate:
		var resp *domain.ValidateResponse
		resp, _, err = s.Validate(ctx, ip, op.LicenseKey, op.MachineFingerprint, op.MachineID)
		if err == nil {
			result.Status = resp.Status
		}
	case domain.BatchOpActivate:
		if op.MachineFingerprint == "" {
			err = apperrors.InvalidRequestWithError(fmt.Errorf("machine_fingerprint is required for activate"))
			break
		}
		_, _, err = s.Activate(ctx, ip, &domain.ActivateRequest{
			LicenseKey:         op.LicenseKey,
			MachineFingerprint: op.MachineFingerprint,
			MachineID:          op.MachineID,
		})
	case domain.BatchOpDeactivate:
		if op.MachineFingerprint == "" {
			err = apperrors.InvalidRequestWithError(fmt.Errorf("machine_fingerprint is required for deactivate"))
			break
		}
		_, _, err = s.Deactivate(ctx, ip, &domain.DeactivateRequest{
			LicenseKey:         op.LicenseKey,
			MachineFingerprint: op.MachineFingerprint,
			MachineID:          op.MachineID,
		})
	default:
		err = apperrors.InvalidRequestWithError(fmt.Errorf("unknown batch operation %q", op.Op))
	}

	if err != nil {
		result.Success = false
		pd := apperrors.MapLicenseError(err, "", "")
		result.Error = pd.Title
		result.ErrorCode = pd.Type
		return result
	}
	result.Success = true
	return result
}
