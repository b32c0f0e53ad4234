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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pix-settlement-go/internal/models"
	"pix-settlement-go/internal/store"

	"go.uber.org/zap"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	err := row.Scan(
		&user.Id, &user.Name, &user.Email, &user.Plan,
		&user.TokensFromPlan, &user.TokensPurchased, &user.TokensEarned, &user.TokensSpent,
		&user.TokenBalance, &user.AccumulatedCredit, &user.WithdrawnCredit, &user.AvailableToWithdraw,
		&user.Version, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Service) queryUsers(ctx context.Context, query string, args ...interface{}) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		zap.L().Error("Failed to query users", zap.Error(err))
		return nil, fmt.Errorf("unable to query users: %w", err)
	}
	defer closeRows(rows)

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			zap.L().Error("Failed to scan user row", zap.Error(err))
			return nil, fmt.Errorf("unable to scan user row: %w", err)
		}
		users = append(users, *user)
	}

	if err := rows.Err(); err != nil {
		zap.L().Error("Error during user row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}

	return users, nil
}

func (s *Service) GetUsers(ctx context.Context) ([]models.User, error) {
	zap.L().Debug("Querying active users")

	users, err := s.queryUsers(ctx, queryGetActiveUsers)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Retrieved users", zap.Int("count", len(users)))
	return users, nil
}

// ListPaidPlanUsers returns the active users whose plan differs from defaultPlan.
func (s *Service) ListPaidPlanUsers(ctx context.Context, defaultPlan string) ([]models.User, error) {
	return s.queryUsers(ctx, queryGetPaidPlanUsers, defaultPlan)
}

func (s *Service) GetUser(ctx context.Context, userId string) (*models.User, error) {
	return s.getUser(ctx, s.db, userId)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Service) getUser(ctx context.Context, q queryer, userId string) (*models.User, error) {
	user, err := scanUser(q.QueryRowContext(ctx, queryGetUserById, userId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrUserNotFound, userId)
		}
		zap.L().Error("Failed to query user by ID", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("unable to query user by ID: %w", err)
	}
	return user, nil
}

func (s *Service) CreateUser(ctx context.Context, userId, name, email, plan string) (*models.User, error) {
	zap.L().Info("Creating user",
		zap.String("user_id", userId),
		zap.String("name", name),
		zap.String("email", email),
		zap.String("plan", plan))

	now := s.timestamp()
	if _, err := s.db.ExecContext(ctx, queryInsertUser, userId, name, email, plan, now, now); err != nil {
		return nil, fmt.Errorf("unable to create user: %w", err)
	}

	return s.GetUser(ctx, userId)
}

// UpdateUser applies a partial update guarded by the row version.
func (s *Service) UpdateUser(ctx context.Context, userId string, update models.UserUpdate) (*models.User, error) {
	user, err := s.GetUser(ctx, userId)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		user.Name = *update.Name
	}
	if update.Plan != nil {
		user.Plan = *update.Plan
	}
	if update.TokensFromPlan != nil {
		user.TokensFromPlan = *update.TokensFromPlan
	}
	if update.TokensEarned != nil {
		user.TokensEarned = *update.TokensEarned
	}
	if update.TokensSpent != nil {
		user.TokensSpent = *update.TokensSpent
	}
	if update.AccumulatedCredit != nil {
		user.AccumulatedCredit = *update.AccumulatedCredit
	}
	if update.AvailableToWithdraw != nil {
		user.AvailableToWithdraw = *update.AvailableToWithdraw
	}
	user.TokenBalance = user.TotalBalance()

	result, err := s.db.ExecContext(ctx, queryUpdateUser,
		user.Name, user.Plan, user.TokensFromPlan, user.TokensEarned, user.TokensSpent,
		user.TokenBalance, user.AccumulatedCredit, user.AvailableToWithdraw,
		s.timestamp(), userId, user.Version)
	if err != nil {
		return nil, fmt.Errorf("unable to update user: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("unable to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: user %s", store.ErrConcurrentModification, userId)
	}

	return s.GetUser(ctx, userId)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// creditPurchase adds purchased tokens and mirrors them into the aggregate
// balance in a single statement.
func (s *Service) creditPurchase(ctx context.Context, x execer, userId string, tokens int64) error {
	if tokens <= 0 {
		return fmt.Errorf("credit must be positive, got %d", tokens)
	}

	result, err := x.ExecContext(ctx, queryCreditPurchase, tokens, tokens, s.timestamp(), userId)
	if err != nil {
		return fmt.Errorf("unable to credit purchase: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("unable to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", store.ErrUserNotFound, userId)
	}
	return nil
}
