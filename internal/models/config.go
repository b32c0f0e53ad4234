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

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config represents the application configuration
type Config struct {
	Database   DatabaseConfig
	Merchant   MerchantConfig
	Plans      []PlanConfig
	Registry   RegistryConfig
	Settlement SettlementConfig
	Withdrawal WithdrawalConfig
	Server     ServerConfig
	Provider   ProviderConfig
	Formance   FormanceConfig
	Tracing    TracingConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path             string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	ConnMaxIdleTime  time.Duration
	PingTimeout      time.Duration
	CreateDummyUsers bool
}

// MerchantConfig is the static identity embedded in every payment payload
type MerchantConfig struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
	City string `yaml:"city"`
}

// PlanConfig is a subscription plan and the tokens it grants
type PlanConfig struct {
	Name   string `yaml:"name"`
	Tokens int64  `yaml:"tokens"`
}

// RegistryConfig holds pending expectation timing
type RegistryConfig struct {
	MatchingWindow time.Duration
	ExpiryWindow   time.Duration
	SweepInterval  time.Duration
}

// SettlementConfig holds crediting and verification settings
type SettlementConfig struct {
	TokensPerBRL       int64
	ReferenceNamespace string
	MaxAmountMinor     int64
	VerifyWorkers      int
	VerifyMaxAttempts  int
	VerifyInitialDelay time.Duration
	ProcessTimeout     time.Duration
	AdminNotifyUserId  string
}

// WithdrawalConfig holds the monthly payout window rules
type WithdrawalConfig struct {
	DayOfMonth    int
	Timezone      string
	PayoutRate    decimal.Decimal
	MinimumPayout int64
	DefaultPlan   string
	TickInterval  time.Duration
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port           string
	AllowedOrigins []string
	MaxBodySize    int64
	RateLimit      int
	RateWindow     time.Duration
	RequestTimeout time.Duration
}

// ProviderConfig holds external payment provider settings
type ProviderConfig struct {
	MercadoPagoToken   string
	MercadoPagoBaseURL string
	NotificationURL    string
	Timeout            time.Duration
}

// FormanceConfig holds the optional journal mirror connection
type FormanceConfig struct {
	StackURL     string
	ClientID     string
	ClientSecret string
	LedgerName   string
}

// Enabled reports whether enough settings are present to reach a stack.
func (c FormanceConfig) Enabled() bool {
	return c.StackURL != "" && c.ClientID != "" && c.ClientSecret != ""
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	Environment string
}
