package pix

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"pix-settlement-go/internal/models"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()

	b, err := NewBuilder(models.MerchantConfig{
		Key:  "pix@example.com",
		Name: "Loja Exemplo",
		City: "São Paulo",
	}, 1000000)
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}
	return b
}

func TestCRC16_KnownVector(t *testing.T) {
	if got := CRC16("123456789"); got != "29B1" {
		t.Errorf("CRC16(123456789) = %s, want 29B1", got)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	b := newTestBuilder(t)

	first, err := b.Build(300, "pix_user_abc_1700000000000")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	second, err := b.Build(300, "pix_user_abc_1700000000000")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if first.Code != second.Code {
		t.Errorf("Expected identical payloads:\n%s\n%s", first.Code, second.Code)
	}
}

func TestBuild_FieldLayout(t *testing.T) {
	b := newTestBuilder(t)

	p, err := b.Build(300, "ref1")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	wantPrefix := "000201" + "010211" + "2637" + "0014br.gov.bcb.pix" + "0115pix@example.com"
	if !strings.HasPrefix(p.Code, wantPrefix) {
		t.Errorf("Unexpected prefix: %s", p.Code)
	}

	for _, fragment := range []string{"52040000", "5303986", "54043.00", "5802BR", "5912LOJA EXEMPLO", "6009SAO PAULO", "62080504ref1"} {
		if !strings.Contains(p.Code, fragment) {
			t.Errorf("Expected payload to contain %q: %s", fragment, p.Code)
		}
	}

	trailer := p.Code[len(p.Code)-8:]
	if !strings.HasPrefix(trailer, "6304") {
		t.Errorf("Expected checksum field at the end, got %s", trailer)
	}
	if got := CRC16(p.Code[:len(p.Code)-4]); got != p.Code[len(p.Code)-4:] {
		t.Errorf("Checksum %s does not match computed %s", p.Code[len(p.Code)-4:], got)
	}
}

func TestBuild_RejectsInvalidAmounts(t *testing.T) {
	b := newTestBuilder(t)

	for _, amount := range []int64{0, -100, 1000001} {
		if _, err := b.Build(amount, "ref"); !errors.Is(err, models.ErrInvalidAmount) {
			t.Errorf("Build(%d) expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestSanitizeReference(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "***"},
		{"only symbols", "__--", "***"},
		{"strips separators", "a-b_c", "abc"},
		{"keeps last 25", "pix_user_abc123_1700000000000", "ixuserabc1231700000000000"},
		{"drops non ascii", "ação1", "ao1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeReference(tt.in); got != tt.want {
				t.Errorf("SanitizeReference(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParse_RoundTrip(t *testing.T) {
	b := newTestBuilder(t)

	tests := []struct {
		amount    int64
		reference string
	}{
		{1, "a"},
		{300, "pix_user_u1_1700000000000"},
		{12345, "ORDER42"},
		{999999, ""},
		{1000000, strings.Repeat("x", 40)},
	}

	for _, tt := range tests {
		p, err := b.Build(tt.amount, tt.reference)
		if err != nil {
			t.Fatalf("Build(%d) failed: %v", tt.amount, err)
		}

		parsed, err := Parse(p.Code)
		if err != nil {
			t.Fatalf("Parse failed for %s: %v", p.Code, err)
		}

		if parsed.AmountMinor != tt.amount {
			t.Errorf("Round trip amount: got %d, want %d", parsed.AmountMinor, tt.amount)
		}
		if parsed.Reference != p.Reference {
			t.Errorf("Round trip reference: got %q, want %q", parsed.Reference, p.Reference)
		}
		if parsed.Merchant != b.Merchant() {
			t.Errorf("Round trip merchant: got %+v, want %+v", parsed.Merchant, b.Merchant())
		}
	}
}

func TestParse_DetectsTampering(t *testing.T) {
	b := newTestBuilder(t)

	p, err := b.Build(300, "ref1")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	tampered := strings.Replace(p.Code, "54043.00", "54049.00", 1)
	if _, err := Parse(tampered); !errors.Is(err, ErrChecksum) {
		t.Errorf("Expected ErrChecksum, got %v", err)
	}

	if _, err := Parse("0002"); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed, got %v", err)
	}
}

func TestNewBuilder_NormalisesMerchant(t *testing.T) {
	b, err := NewBuilder(models.MerchantConfig{
		Key:  " key-123 ",
		Name: "São José Padaria e Confeitaria Ltda",
		City: "São Paulo",
	}, 100)
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}

	m := b.Merchant()
	if m.Key != "key-123" {
		t.Errorf("Expected trimmed key, got %q", m.Key)
	}
	if m.Name != "SAO JOSE PADARIA E CONFEI" {
		t.Errorf("Unexpected name %q", m.Name)
	}
	if m.City != "SAO PAULO" {
		t.Errorf("Unexpected city %q", m.City)
	}

	if _, err := NewBuilder(models.MerchantConfig{Name: "x", City: "y"}, 100); !errors.Is(err, ErrInvalidMerchant) {
		t.Errorf("Expected ErrInvalidMerchant for missing key, got %v", err)
	}
}

func TestQRCodePNG(t *testing.T) {
	b := newTestBuilder(t)

	p, err := b.Build(300, "ref1")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	png, err := p.QRCodePNG(256)
	if err != nil {
		t.Fatalf("QRCodePNG failed: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Error("Expected PNG signature")
	}
}
