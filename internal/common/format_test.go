package common

import "testing"

func TestFormatBRL(t *testing.T) {
	tests := []struct {
		amountMinor int64
		want        string
	}{
		{0, "R$ 0,00"},
		{5, "R$ 0,05"},
		{300, "R$ 3,00"},
		{123456, "R$ 1234,56"},
		{-250, "R$ -2,50"},
	}

	for _, tt := range tests {
		if got := FormatBRL(tt.amountMinor); got != tt.want {
			t.Errorf("FormatBRL(%d) = %q, want %q", tt.amountMinor, got, tt.want)
		}
	}
}

func TestBoxPrefix(t *testing.T) {
	if BoxPrefix(true) == BoxPrefix(false) {
		t.Error("Expected distinct prefixes for last and inner items")
	}
	if BoxDetailPrefix(true) != "   " {
		t.Errorf("Unexpected detail prefix %q", BoxDetailPrefix(true))
	}
}
