package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Registry.MatchingWindow != 15*time.Minute {
		t.Errorf("Expected 15m matching window, got %v", cfg.Registry.MatchingWindow)
	}
	if cfg.Registry.ExpiryWindow != 30*time.Minute {
		t.Errorf("Expected 30m expiry window, got %v", cfg.Registry.ExpiryWindow)
	}
	if cfg.Settlement.TokensPerBRL != 720 {
		t.Errorf("Expected 720 tokens per BRL, got %d", cfg.Settlement.TokensPerBRL)
	}
	if cfg.Withdrawal.PayoutRate.String() != "0.087" {
		t.Errorf("Expected payout rate 0.087, got %s", cfg.Withdrawal.PayoutRate)
	}
	if cfg.Withdrawal.Timezone != "America/Sao_Paulo" {
		t.Errorf("Expected America/Sao_Paulo, got %s", cfg.Withdrawal.Timezone)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("REGISTRY_MATCHING_WINDOW", "10m")
	t.Setenv("WITHDRAWAL_DAY_OF_MONTH", "15")
	t.Setenv("SERVER_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Registry.MatchingWindow != 10*time.Minute {
		t.Errorf("Expected 10m matching window, got %v", cfg.Registry.MatchingWindow)
	}
	if cfg.Withdrawal.DayOfMonth != 15 {
		t.Errorf("Expected day 15, got %d", cfg.Withdrawal.DayOfMonth)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("Unexpected origins: %v", cfg.Server.AllowedOrigins)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad duration", "REGISTRY_SWEEP_INTERVAL", "soon"},
		{"expiry not longer than matching", "REGISTRY_EXPIRY_WINDOW", "15m"},
		{"bad payout rate", "WITHDRAWAL_PAYOUT_RATE", "eight"},
		{"day out of range", "WITHDRAWAL_DAY_OF_MONTH", "32"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestLoadMerchantFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merchant.yaml")
	content := `merchant:
  key: "pix@example.com"
  name: "Loja Exemplo"
  city: "Sao Paulo"
plans:
  - name: free
    tokens: 0
  - name: pro
    tokens: 5000
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write merchant file: %v", err)
	}

	t.Setenv("MERCHANT_FILE", path)
	t.Setenv("PIX_MERCHANT_CITY", "Campinas")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Merchant.Key != "pix@example.com" {
		t.Errorf("Expected key from file, got %s", cfg.Merchant.Key)
	}
	if cfg.Merchant.City != "Campinas" {
		t.Errorf("Expected env to win for city, got %s", cfg.Merchant.City)
	}

	tokens, ok := PlanTokens(cfg.Plans, "pro")
	if !ok || tokens != 5000 {
		t.Errorf("Expected pro plan with 5000 tokens, got %d (found=%v)", tokens, ok)
	}
}
