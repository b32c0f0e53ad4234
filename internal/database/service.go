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
	"time"

	"pix-settlement-go/internal/models"
	"pix-settlement-go/internal/store"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.Storage.
var _ store.Storage = (*Service)(nil)

type Service struct {
	db  *sql.DB
	now func() time.Time
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		closeQuietly(db)
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := &Service{db: db, now: time.Now}
	if err := service.initSchema(ctx, cfg.CreateDummyUsers); err != nil {
		closeQuietly(db)
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

func closeQuietly(db *sql.DB) {
	if err := db.Close(); err != nil {
		zap.L().Warn("Failed to close database after init error", zap.Error(err))
	}
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC()
}

func (s *Service) initSchema(ctx context.Context, createDummyUsers bool) error {
	schema := `
	-- Users carry the token ledger counters
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		plan TEXT NOT NULL DEFAULT 'free',
		tokens_from_plan INTEGER NOT NULL DEFAULT 0,
		tokens_purchased INTEGER NOT NULL DEFAULT 0,
		tokens_earned INTEGER NOT NULL DEFAULT 0,
		tokens_spent INTEGER NOT NULL DEFAULT 0,
		token_balance INTEGER NOT NULL DEFAULT 0,
		accumulated_credit INTEGER NOT NULL DEFAULT 0,
		withdrawn_credit INTEGER NOT NULL DEFAULT 0,
		available_to_withdraw INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
	CREATE INDEX IF NOT EXISTS idx_users_plan ON users(plan, active);

	-- Expectations registered when a purchase starts
	CREATE TABLE IF NOT EXISTS payment_expectations (
		id TEXT PRIMARY KEY,
		payer_id TEXT NOT NULL,
		payer_contact TEXT NOT NULL DEFAULT '',
		amount_minor INTEGER NOT NULL,
		tokens_owed INTEGER NOT NULL,
		reference TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL,
		settled_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_expectations_status ON payment_expectations(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_expectations_payer ON payment_expectations(payer_id);

	CREATE TABLE IF NOT EXISTS processed_notifications (
		notification_id TEXT PRIMARY KEY,
		expectation_id TEXT NOT NULL,
		payer_id TEXT NOT NULL,
		tokens INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		notification_id TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		payer_id TEXT NOT NULL DEFAULT '',
		expectation_id TEXT NOT NULL DEFAULT '',
		amount_minor INTEGER NOT NULL DEFAULT 0,
		tokens INTEGER NOT NULL DEFAULT 0,
		strategy TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_notification ON audit_records(notification_id);
	CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_records(created_at);

	CREATE TABLE IF NOT EXISTS user_notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_user_notifications_user ON user_notifications(user_id, created_at);

	-- Payments no strategy could attribute, waiting for an operator
	CREATE TABLE IF NOT EXISTS unreconciled_payments (
		id TEXT PRIMARY KEY,
		notification_id TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL DEFAULT '',
		amount_minor INTEGER NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		reported_at TIMESTAMP,
		reason TEXT NOT NULL,
		resolved BOOLEAN NOT NULL DEFAULT 0,
		resolved_by TEXT NOT NULL DEFAULT '',
		resolved_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_unreconciled_resolved ON unreconciled_payments(resolved, created_at);

	-- Entitlement frozen at window open, one row per window and user
	CREATE TABLE IF NOT EXISTS entitlement_snapshots (
		window_key TEXT NOT NULL,
		user_id TEXT NOT NULL,
		accumulated_credit INTEGER NOT NULL,
		entitlement INTEGER NOT NULL,
		claimed INTEGER NOT NULL DEFAULT 0,
		closed BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP,
		PRIMARY KEY (window_key, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_closed ON entitlement_snapshots(closed);

	CREATE TABLE IF NOT EXISTS payouts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		window_key TEXT NOT NULL,
		amount INTEGER NOT NULL,
		credit_after INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payouts_user ON payouts(user_id, created_at);

	CREATE TABLE IF NOT EXISTS window_overrides (
		window_key TEXT PRIMARY KEY,
		opens_at TIMESTAMP NOT NULL,
		closes_at TIMESTAMP NOT NULL,
		operator TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	if !createDummyUsers {
		zap.L().Info("Skipping dummy user creation (CREATE_DUMMY_USERS=false)")
		return nil
	}

	users := []struct {
		name   string
		email  string
		plan   string
		credit int64
	}{
		{"Ana Souza", "ana.souza@example.com", "free", 0},
		{"Bruno Lima", "bruno.lima@example.com", "pro", 125000},
		{"Carla Reis", "carla.reis@example.com", "premium", 480000},
	}

	now := s.timestamp()
	for _, user := range users {
		id := uuid.New().String()
		result, err := s.db.ExecContext(ctx, queryInsertDummyUser, id, user.name, user.email, user.plan, user.credit, now, now)
		if err != nil {
			zap.L().Error("Failed to insert dummy user", zap.String("name", user.name), zap.Error(err))
			continue
		}
		// the email is unique, so a restart leaves the first seeded row in place
		if n, err := result.RowsAffected(); err != nil || n == 0 {
			zap.L().Debug("Dummy user already present", zap.String("email", user.email))
			continue
		}
		zap.L().Info("Dummy user created",
			zap.String("id", id),
			zap.String("name", user.name),
			zap.String("plan", user.plan))
	}

	return nil
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		zap.L().Warn("Failed to close rows", zap.Error(err))
	}
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		zap.L().Warn("Failed to rollback transaction", zap.Error(err))
	}
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
