package api

import (
	"context"
	"errors"

	"pix-settlement-go/internal/models"
	"pix-settlement-go/internal/provider"
	"pix-settlement-go/internal/store"

	"go.uber.org/zap"
)

// CreatePurchase registers a payment expectation and asks the provider chain
// for a charge the payer can scan.
func (s *PaymentService) CreatePurchase(ctx context.Context, userId string, amountMinor int64) (*models.PurchaseResult, error) {
	if userId == "" || amountMinor <= 0 || (s.maxAmountMinor > 0 && amountMinor > s.maxAmountMinor) {
		return &models.PurchaseResult{
			Success: false,
			Error:   models.ErrInvalidAmount.Error(),
		}, nil
	}

	user, err := s.store.GetUser(ctx, userId)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return &models.PurchaseResult{Success: false, Error: err.Error()}, nil
		}
		return nil, err
	}

	expectation, err := s.registry.Register(ctx, user.Id, user.Email, amountMinor)
	if err != nil {
		zap.L().Error("Failed to register payment expectation",
			zap.String("user_id", userId),
			zap.Int64("amount_minor", amountMinor),
			zap.Error(err))
		return nil, err
	}

	result := &models.PurchaseResult{
		ExpectationId: expectation.Id,
		Reference:     expectation.Reference,
		AmountMinor:   expectation.AmountMinor,
		TokensOwed:    expectation.TokensOwed,
		ExpiresAt:     expectation.CreatedAt.Add(s.expiryWindow),
	}

	charge, err := s.providers.CreateCharge(ctx, provider.ChargeRequest{
		Expectation: *expectation,
		PayerEmail:  user.Email,
	})
	if err != nil {
		// The expectation stays registered and expires on its own.
		zap.L().Error("No provider could create a charge",
			zap.String("expectation_id", expectation.Id),
			zap.Error(err))
		result.Error = err.Error()
		return result, nil
	}

	result.Success = true
	result.Provider = charge.Charge.Provider
	result.PixCode = charge.Charge.PixCode
	result.QRCodePNG = charge.Charge.QRCodePNG
	result.Status = models.PurchaseStatusAwaitingConfirmation

	zap.L().Info("Purchase started",
		zap.String("user_id", userId),
		zap.String("expectation_id", expectation.Id),
		zap.String("provider", result.Provider),
		zap.Int("provider_attempts", len(charge.Attempts)),
		zap.Int64("amount_minor", amountMinor),
		zap.Int64("tokens_owed", expectation.TokensOwed))

	return result, nil
}

// HandleNotification settles an inbound rail notification.
func (s *PaymentService) HandleNotification(ctx context.Context, n models.Notification) (*models.SettlementResult, error) {
	return s.engine.Process(ctx, n)
}

// EnqueueProviderPayment defers verification of a provider webhook to the
// background verifier. Returns false when verification is unavailable or
// the queue is full.
func (s *PaymentService) EnqueueProviderPayment(paymentId string) bool {
	if s.verifier == nil || paymentId == "" {
		return false
	}
	return s.verifier.Enqueue(paymentId)
}
