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

package common

import (
	"context"
	"fmt"

	"pix-settlement-go/internal/models"
	"pix-settlement-go/internal/store"

	"go.uber.org/zap"
)

// ResolveUsers retrieves users based on an optional id filter.
// If userFilter is provided, returns that single user.
// If userFilter is empty, returns all users.
func ResolveUsers(ctx context.Context, users store.UserStore, userFilter string) ([]models.User, error) {
	if userFilter != "" {
		zap.L().Info("Looking up user", zap.String("user_id", userFilter))
		user, err := users.GetUser(ctx, userFilter)
		if err != nil {
			return nil, fmt.Errorf("user not found: %w", err)
		}
		return []models.User{*user}, nil
	}

	allUsers, err := users.GetUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}

	zap.L().Info("Retrieved users", zap.Int("count", len(allUsers)))
	return allUsers, nil
}
