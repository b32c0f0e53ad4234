package api

import (
	"context"

	"pix-settlement-go/internal/models"

	"go.uber.org/zap"
)

func (s *PaymentService) ListUnreconciled(ctx context.Context, includeResolved bool) ([]models.UnreconciledPayment, error) {
	return s.store.ListUnreconciled(ctx, includeResolved)
}

// SettleManually credits a payer by hand, optionally closing an
// unreconciled payment.
func (s *PaymentService) SettleManually(ctx context.Context, req models.ManualSettlement) (*models.SettlementResult, error) {
	result, err := s.engine.SettleManually(ctx, req)
	if err != nil {
		if IsBusinessError(err) {
			zap.L().Info("Manual settlement rejected",
				zap.String("operator", req.Operator),
				zap.String("user_id", req.PayerId),
				zap.String("reason", err.Error()))
			return &models.SettlementResult{
				Success:        false,
				UserId:         req.PayerId,
				UnreconciledId: req.UnreconciledId,
				Error:          err.Error(),
			}, nil
		}
		return result, err
	}
	return result, nil
}

// SweepRegistry expires stale expectations now instead of waiting for the
// background sweep.
func (s *PaymentService) SweepRegistry(ctx context.Context) (int, error) {
	return s.registry.Sweep(ctx)
}

func (s *PaymentService) AuditTrail(ctx context.Context, notificationId string) ([]models.AuditRecord, error) {
	return s.store.ListAuditRecords(ctx, notificationId)
}
