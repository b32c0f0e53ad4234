/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package api

import (
	"context"

	"pix-settlement-go/internal/models"

	"go.uber.org/zap"
)

// RequestPayout withdraws accumulated credit during an open window
func (s *PaymentService) RequestPayout(ctx context.Context, userId string, amount int64) (*models.PayoutResult, error) {
	if userId == "" {
		return &models.PayoutResult{
			Success: false,
			Error:   "user_id is required",
		}, nil
	}

	result, err := s.scheduler.RequestPayout(ctx, userId, amount)
	if err != nil {
		if IsBusinessError(err) {
			zap.L().Info("Payout rejected",
				zap.String("user_id", userId),
				zap.Int64("amount", amount),
				zap.String("reason", err.Error()))
			if result == nil {
				result = &models.PayoutResult{UserId: userId, Amount: amount, Error: err.Error()}
			}
			return result, nil
		}

		zap.L().Error("Payout processing failed",
			zap.String("user_id", userId),
			zap.Int64("amount", amount),
			zap.Error(err))
		return nil, err
	}

	zap.L().Info("Payout processed successfully",
		zap.String("user_id", userId),
		zap.String("payout_id", result.PayoutId),
		zap.Int64("amount", amount),
		zap.Int64("remaining_entitlement", result.Remaining))

	return result, nil
}

// CurrentWindow returns the withdrawal window in effect now
func (s *PaymentService) CurrentWindow(ctx context.Context) (models.WithdrawalWindow, error) {
	return s.scheduler.CurrentWindow(ctx)
}

// ForceOpenWindow opens an emergency withdrawal window
func (s *PaymentService) ForceOpenWindow(ctx context.Context, operator string) (models.WithdrawalWindow, []models.TransitionReport, error) {
	if operator == "" {
		operator = "admin"
	}
	return s.scheduler.ForceOpen(ctx, operator)
}
