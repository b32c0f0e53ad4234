package formance

import (
	"context"
	"math/big"
	"testing"

	"pix-settlement-go/internal/models"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
)

// ---------- Unit tests for pure helpers (no Formance stack needed) ----------

func TestFormanceAsset(t *testing.T) {
	tests := []struct {
		symbol string
		want   string
	}{
		{"BRL", "BRL/2"},
		{"TKN", "TKN/0"},
		{"UNKNOWN", "UNKNOWN/2"}, // default precision
	}
	for _, tt := range tests {
		if got := formanceAsset(tt.symbol); got != tt.want {
			t.Errorf("formanceAsset(%q) = %q, want %q", tt.symbol, got, tt.want)
		}
	}
}

func TestMonetary(t *testing.T) {
	if got := monetary("BRL", 300); got != "BRL/2 300" {
		t.Errorf("monetary(BRL, 300) = %q", got)
	}
	if got := monetary("TKN", 2160); got != "TKN/0 2160" {
		t.Errorf("monetary(TKN, 2160) = %q", got)
	}
}

func TestAccountSegment(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"3f2b-11aa", "3f2b-11aa"},
		{"user@example.com", "user_example_com"},
		{"2026-03-override-20", "2026-03-override-20"},
	}
	for _, tt := range tests {
		if got := accountSegment(tt.input); got != tt.want {
			t.Errorf("accountSegment(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestVolumeBalance(t *testing.T) {
	vols := map[string]shared.V2Volume{
		"TKN/0": {Input: big.NewInt(5000), Output: big.NewInt(1200)},
		"BRL/2": {Balance: big.NewInt(300)},
	}

	if got := volumeBalance(vols, "TKN/0"); got == nil || got.Int64() != 3800 {
		t.Errorf("Expected 3800 from input-output, got %v", got)
	}
	if got := volumeBalance(vols, "BRL/2"); got == nil || got.Int64() != 300 {
		t.Errorf("Expected explicit balance 300, got %v", got)
	}
	if got := volumeBalance(vols, "USD/2"); got != nil {
		t.Errorf("Expected nil for missing asset, got %v", got)
	}
}

func TestNewService_RequiresConfig(t *testing.T) {
	if _, err := NewService(context.Background(), models.FormanceConfig{StackURL: "http://localhost"}); err == nil {
		t.Error("Expected error for incomplete config")
	}
}
