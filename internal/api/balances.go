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
	"fmt"

	"pix-settlement-go/internal/models"

	"go.uber.org/zap"
)

// GetWallet returns the ledger counters for a user
func (s *PaymentService) GetWallet(ctx context.Context, userId string) (*models.WalletView, error) {
	if userId == "" {
		return nil, fmt.Errorf("%w: user_id is required", models.ErrInvalidRequest)
	}

	user, err := s.store.GetUser(ctx, userId)
	if err != nil {
		if !IsBusinessError(err) {
			zap.L().Error("Failed to get user wallet", zap.String("user_id", userId), zap.Error(err))
		}
		return nil, err
	}

	return &models.WalletView{
		UserId:              user.Id,
		Plan:                user.Plan,
		TokensFromPlan:      user.TokensFromPlan,
		TokensPurchased:     user.TokensPurchased,
		TokensEarned:        user.TokensEarned,
		TokensSpent:         user.TokensSpent,
		TotalBalance:        user.TotalBalance(),
		AccumulatedCredit:   user.AccumulatedCredit,
		WithdrawnCredit:     user.WithdrawnCredit,
		AvailableToWithdraw: user.AvailableToWithdraw,
	}, nil
}

// ListNotifications returns the most recent in-app messages for a user
func (s *PaymentService) ListNotifications(ctx context.Context, userId string, limit int) ([]models.UserNotification, error) {
	if userId == "" {
		return nil, fmt.Errorf("%w: user_id is required", models.ErrInvalidRequest)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	notifications, err := s.store.ListNotifications(ctx, userId, limit)
	if err != nil {
		zap.L().Error("Failed to list notifications", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve notifications")
	}
	return notifications, nil
}
