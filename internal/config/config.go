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

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"pix-settlement-go/internal/models"

	"github.com/shopspring/decimal"
)

func Load() (*models.Config, error) {
	var connMaxLifetime, connMaxIdleTime, pingTimeout time.Duration
	var matchingWindow, expiryWindow, sweepInterval time.Duration
	var verifyDelay, processTimeout, tickInterval time.Duration
	var rateWindow, requestTimeout, providerTimeout time.Duration

	defaults := []struct {
		key   string
		value time.Duration
		dest  *time.Duration
	}{
		{"DB_CONN_MAX_LIFETIME", 5 * time.Minute, &connMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", 30 * time.Second, &connMaxIdleTime},
		{"DB_PING_TIMEOUT", 5 * time.Second, &pingTimeout},
		{"REGISTRY_MATCHING_WINDOW", 15 * time.Minute, &matchingWindow},
		{"REGISTRY_EXPIRY_WINDOW", 30 * time.Minute, &expiryWindow},
		{"REGISTRY_SWEEP_INTERVAL", time.Minute, &sweepInterval},
		{"SETTLEMENT_VERIFY_INITIAL_DELAY", 5 * time.Second, &verifyDelay},
		{"SETTLEMENT_PROCESS_TIMEOUT", 10 * time.Second, &processTimeout},
		{"WITHDRAWAL_TICK_INTERVAL", time.Minute, &tickInterval},
		{"SERVER_RATE_WINDOW", time.Minute, &rateWindow},
		{"SERVER_REQUEST_TIMEOUT", 15 * time.Second, &requestTimeout},
		{"MERCADOPAGO_TIMEOUT", 10 * time.Second, &providerTimeout},
	}
	for _, d := range defaults {
		value, err := getEnvDuration(d.key, d.value)
		if err != nil {
			return nil, err
		}
		*d.dest = value
	}

	if expiryWindow <= matchingWindow {
		return nil, fmt.Errorf("REGISTRY_EXPIRY_WINDOW (%v) must be longer than REGISTRY_MATCHING_WINDOW (%v)", expiryWindow, matchingWindow)
	}

	payoutRate, err := getEnvDecimal("WITHDRAWAL_PAYOUT_RATE", decimal.RequireFromString("0.087"))
	if err != nil {
		return nil, err
	}

	dayOfMonth := getEnvInt("WITHDRAWAL_DAY_OF_MONTH", 1)
	if dayOfMonth < 1 || dayOfMonth > 31 {
		return nil, fmt.Errorf("WITHDRAWAL_DAY_OF_MONTH must be between 1 and 31, got %d", dayOfMonth)
	}

	var merchant models.MerchantConfig
	var plans []models.PlanConfig
	if merchantFile := getEnvString("MERCHANT_FILE", ""); merchantFile != "" {
		loaded, err := LoadMerchantFile(merchantFile)
		if err != nil {
			return nil, err
		}
		merchant = loaded.Merchant
		plans = loaded.Plans
	}
	merchant.Key = getEnvString("PIX_MERCHANT_KEY", merchant.Key)
	merchant.Name = getEnvString("PIX_MERCHANT_NAME", merchant.Name)
	merchant.City = getEnvString("PIX_MERCHANT_CITY", merchant.City)

	return &models.Config{
		Database: models.DatabaseConfig{
			Path:             getEnvString("DATABASE_PATH", "pix.db"),
			MaxOpenConns:     getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  connMaxLifetime,
			ConnMaxIdleTime:  connMaxIdleTime,
			PingTimeout:      pingTimeout,
			CreateDummyUsers: getEnvBool("CREATE_DUMMY_USERS", false),
		},
		Merchant: merchant,
		Plans:    plans,
		Registry: models.RegistryConfig{
			MatchingWindow: matchingWindow,
			ExpiryWindow:   expiryWindow,
			SweepInterval:  sweepInterval,
		},
		Settlement: models.SettlementConfig{
			TokensPerBRL:       getEnvInt64("SETTLEMENT_TOKENS_PER_BRL", 720),
			ReferenceNamespace: getEnvString("SETTLEMENT_REFERENCE_NAMESPACE", "pix"),
			MaxAmountMinor:     getEnvInt64("SETTLEMENT_MAX_AMOUNT_MINOR", 1000000),
			VerifyWorkers:      getEnvInt("SETTLEMENT_VERIFY_WORKERS", 4),
			VerifyMaxAttempts:  getEnvInt("SETTLEMENT_VERIFY_MAX_ATTEMPTS", 5),
			VerifyInitialDelay: verifyDelay,
			ProcessTimeout:     processTimeout,
			AdminNotifyUserId:  getEnvString("SETTLEMENT_ADMIN_USER_ID", "admin"),
		},
		Withdrawal: models.WithdrawalConfig{
			DayOfMonth:    dayOfMonth,
			Timezone:      getEnvString("WITHDRAWAL_TIMEZONE", "America/Sao_Paulo"),
			PayoutRate:    payoutRate,
			MinimumPayout: getEnvInt64("WITHDRAWAL_MINIMUM_PAYOUT", 1000),
			DefaultPlan:   getEnvString("WITHDRAWAL_DEFAULT_PLAN", "free"),
			TickInterval:  tickInterval,
		},
		Server: models.ServerConfig{
			Port:           getEnvString("PORT", "8080"),
			AllowedOrigins: getEnvList("SERVER_ALLOWED_ORIGINS", []string{"*"}),
			MaxBodySize:    getEnvInt64("SERVER_MAX_BODY_SIZE", 1<<20),
			RateLimit:      getEnvInt("SERVER_RATE_LIMIT", 120),
			RateWindow:     rateWindow,
			RequestTimeout: requestTimeout,
		},
		Provider: models.ProviderConfig{
			MercadoPagoToken:   getEnvString("MERCADOPAGO_ACCESS_TOKEN", ""),
			MercadoPagoBaseURL: getEnvString("MERCADOPAGO_BASE_URL", "https://api.mercadopago.com"),
			NotificationURL:    getEnvString("MERCADOPAGO_NOTIFICATION_URL", ""),
			Timeout:            providerTimeout,
		},
		Formance: models.FormanceConfig{
			StackURL:     getEnvString("FORMANCE_STACK_URL", ""),
			ClientID:     getEnvString("FORMANCE_CLIENT_ID", ""),
			ClientSecret: getEnvString("FORMANCE_CLIENT_SECRET", ""),
			LedgerName:   getEnvString("FORMANCE_LEDGER_NAME", "pix-settlement"),
		},
		Tracing: models.TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			ServiceName: getEnvString("TRACING_SERVICE_NAME", "pix-settlement"),
			Environment: getEnvString("ENVIRONMENT", "development"),
		},
	}, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	if value := os.Getenv(key); value != "" {
		d, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid decimal for %s: %q (%w)", key, value, err)
		}
		return d, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
