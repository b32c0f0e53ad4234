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
	"errors"
	"fmt"
	"time"

	"pix-settlement-go/internal/models"
	"pix-settlement-go/internal/provider"
	"pix-settlement-go/internal/registry"
	"pix-settlement-go/internal/settlement"
	"pix-settlement-go/internal/store"
	"pix-settlement-go/internal/withdrawal"
)

// PaymentServiceConfig contains configuration for PaymentService
type PaymentServiceConfig struct {
	Store          store.Storage
	Registry       *registry.Registry
	Engine         *settlement.Engine
	Scheduler      *withdrawal.Scheduler
	Providers      *provider.Chain
	Verifier       *settlement.Verifier
	MaxAmountMinor int64
	ExpiryWindow   time.Duration
}

// PaymentService is the single entry point used by the HTTP handlers and the
// admin CLI. Business rejections come back inside result types; a returned
// error means infrastructure failed.
type PaymentService struct {
	store          store.Storage
	registry       *registry.Registry
	engine         *settlement.Engine
	scheduler      *withdrawal.Scheduler
	providers      *provider.Chain
	verifier       *settlement.Verifier
	maxAmountMinor int64
	expiryWindow   time.Duration
}

func NewPaymentService(cfg PaymentServiceConfig) *PaymentService {
	return &PaymentService{
		store:          cfg.Store,
		registry:       cfg.Registry,
		engine:         cfg.Engine,
		scheduler:      cfg.Scheduler,
		providers:      cfg.Providers,
		verifier:       cfg.Verifier,
		maxAmountMinor: cfg.MaxAmountMinor,
		expiryWindow:   cfg.ExpiryWindow,
	}
}

func (s *PaymentService) HealthCheck(ctx context.Context) error {
	_, err := s.store.GetUsers(ctx)
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

var businessErrors = []error{
	models.ErrInvalidAmount,
	models.ErrInvalidRequest,
	models.ErrAlreadySettled,
	models.ErrWindowClosed,
	models.ErrInsufficientEntitlement,
	models.ErrBelowMinimum,
	store.ErrUserNotFound,
	store.ErrUnreconciledNotFound,
}

// IsBusinessError reports whether err is a rejection the caller caused.
func IsBusinessError(err error) bool {
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
