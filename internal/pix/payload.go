package pix

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"pix-settlement-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
	"github.com/snksoft/crc"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// BR Code field ids
const (
	idFormatIndicator   = "00"
	idPointOfInitiation = "01"
	idMerchantAccount   = "26"
	idMerchantCategory  = "52"
	idCurrency          = "53"
	idAmount            = "54"
	idCountry           = "58"
	idMerchantName      = "59"
	idMerchantCity      = "60"
	idAdditionalData    = "62"
	idCRC               = "63"

	idAccountGUI  = "00"
	idAccountKey  = "01"
	idReferenceTx = "05"

	pixGUI        = "br.gov.bcb.pix"
	currencyBRL   = "986"
	countryBR     = "BR"
	emptyTxID     = "***"
	maxNameLen    = 25
	maxCityLen    = 15
	maxKeyLen     = 77
	maxTxIDLen    = 25
	maxAmountLen  = 13
	crcFieldLabel = idCRC + "04"
)

var (
	ErrInvalidMerchant = errors.New("invalid merchant identity")
	ErrMalformed       = errors.New("malformed pix payload")
	ErrChecksum        = errors.New("pix payload checksum mismatch")
)

// Payload is a complete static BR Code and the values it encodes.
type Payload struct {
	Code        string
	AmountMinor int64
	Reference   string
	Merchant    models.MerchantConfig
}

// Builder serializes payment requests for a fixed merchant.
type Builder struct {
	merchant       models.MerchantConfig
	maxAmountMinor int64
}

func NewBuilder(merchant models.MerchantConfig, maxAmountMinor int64) (*Builder, error) {
	key := strings.TrimSpace(merchant.Key)
	if key == "" || len(key) > maxKeyLen {
		return nil, fmt.Errorf("%w: key must be 1-%d characters", ErrInvalidMerchant, maxKeyLen)
	}

	name := truncate(normalizeText(merchant.Name), maxNameLen)
	city := truncate(normalizeText(merchant.City), maxCityLen)
	if name == "" || city == "" {
		return nil, fmt.Errorf("%w: name and city are required", ErrInvalidMerchant)
	}

	if maxAmountMinor <= 0 {
		return nil, fmt.Errorf("max amount must be positive, got %d", maxAmountMinor)
	}

	return &Builder{
		merchant:       models.MerchantConfig{Key: key, Name: name, City: city},
		maxAmountMinor: maxAmountMinor,
	}, nil
}

// Merchant returns the normalised merchant identity embedded in every payload.
func (b *Builder) Merchant() models.MerchantConfig {
	return b.merchant
}

// Build returns the payload for amountMinor and referenceId. Output is
// deterministic for identical inputs.
func (b *Builder) Build(amountMinor int64, referenceId string) (*Payload, error) {
	if amountMinor <= 0 || amountMinor > b.maxAmountMinor {
		return nil, fmt.Errorf("%w: %d must be between 1 and %d", models.ErrInvalidAmount, amountMinor, b.maxAmountMinor)
	}

	amount := formatAmount(amountMinor)
	if len(amount) > maxAmountLen {
		return nil, fmt.Errorf("%w: %s exceeds field length", models.ErrInvalidAmount, amount)
	}

	txid := SanitizeReference(referenceId)

	var sb strings.Builder
	sb.WriteString(field(idFormatIndicator, "01"))
	sb.WriteString(field(idPointOfInitiation, "11"))
	sb.WriteString(field(idMerchantAccount, field(idAccountGUI, pixGUI)+field(idAccountKey, b.merchant.Key)))
	sb.WriteString(field(idMerchantCategory, "0000"))
	sb.WriteString(field(idCurrency, currencyBRL))
	sb.WriteString(field(idAmount, amount))
	sb.WriteString(field(idCountry, countryBR))
	sb.WriteString(field(idMerchantName, b.merchant.Name))
	sb.WriteString(field(idMerchantCity, b.merchant.City))
	sb.WriteString(field(idAdditionalData, field(idReferenceTx, txid)))
	sb.WriteString(crcFieldLabel)

	body := sb.String()
	code := body + CRC16(body)

	reference := txid
	if reference == emptyTxID {
		reference = ""
	}

	return &Payload{
		Code:        code,
		AmountMinor: amountMinor,
		Reference:   reference,
		Merchant:    b.merchant,
	}, nil
}

// QRCodePNG renders the payload as a PNG image of size x size pixels.
func (p *Payload) QRCodePNG(size int) ([]byte, error) {
	png, err := qrcode.Encode(p.Code, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("unable to render qr code: %w", err)
	}
	return png, nil
}

// CRC16 returns the CRC-16/CCITT-FALSE of s as 4 upper-case hex digits.
func CRC16(s string) string {
	return fmt.Sprintf("%04X", crc.CalculateCRC(crc.CCITT, []byte(s)))
}

// SanitizeReference keeps the alphanumeric characters of ref and the last 25
// of them when longer. An empty result becomes "***".
func SanitizeReference(ref string) string {
	clean := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return -1
	}, ref)

	if clean == "" {
		return emptyTxID
	}
	if len(clean) > maxTxIDLen {
		clean = clean[len(clean)-maxTxIDLen:]
	}
	return clean
}

// Parse decodes a BR Code, verifying its checksum.
func Parse(code string) (*Payload, error) {
	if len(code) < len(crcFieldLabel)+4 {
		return nil, fmt.Errorf("%w: too short", ErrMalformed)
	}

	body := code[:len(code)-4]
	if !strings.HasSuffix(body, crcFieldLabel) {
		return nil, fmt.Errorf("%w: missing checksum field", ErrMalformed)
	}
	if want, got := CRC16(body), strings.ToUpper(code[len(code)-4:]); want != got {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrChecksum, want, got)
	}

	fields, err := parseFields(body[:len(body)-len(crcFieldLabel)])
	if err != nil {
		return nil, err
	}

	p := &Payload{Code: code}

	account, err := parseFields(fields[idMerchantAccount])
	if err != nil {
		return nil, err
	}
	if account[idAccountGUI] != pixGUI {
		return nil, fmt.Errorf("%w: unexpected merchant account gui %q", ErrMalformed, account[idAccountGUI])
	}
	p.Merchant = models.MerchantConfig{
		Key:  account[idAccountKey],
		Name: fields[idMerchantName],
		City: fields[idMerchantCity],
	}

	if raw := fields[idAmount]; raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: amount %q", ErrMalformed, raw)
		}
		p.AmountMinor = amount.Shift(2).IntPart()
	}

	additional, err := parseFields(fields[idAdditionalData])
	if err != nil {
		return nil, err
	}
	if ref := additional[idReferenceTx]; ref != emptyTxID {
		p.Reference = ref
	}

	return p, nil
}

func parseFields(s string) (map[string]string, error) {
	fields := make(map[string]string)
	for i := 0; i < len(s); {
		if i+4 > len(s) {
			return nil, fmt.Errorf("%w: truncated field header at %d", ErrMalformed, i)
		}
		id := s[i : i+2]
		n, err := strconv.Atoi(s[i+2 : i+4])
		if err != nil {
			return nil, fmt.Errorf("%w: bad length for field %s", ErrMalformed, id)
		}
		if i+4+n > len(s) {
			return nil, fmt.Errorf("%w: field %s overruns payload", ErrMalformed, id)
		}
		fields[id] = s[i+4 : i+4+n]
		i += 4 + n
	}
	return fields, nil
}

func field(id, value string) string {
	return fmt.Sprintf("%s%02d%s", id, len(value), value)
}

func formatAmount(amountMinor int64) string {
	return decimal.New(amountMinor, -2).StringFixed(2)
}

// normalizeText strips accents and keeps printable ASCII in upper case.
func normalizeText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}

	ascii := strings.Map(func(r rune) rune {
		if r >= 0x20 && r < 0x7F {
			return r
		}
		return -1
	}, stripped)
	return strings.ToUpper(strings.TrimSpace(ascii))
}

func truncate(s string, n int) string {
	if len(s) > n {
		return strings.TrimSpace(s[:n])
	}
	return s
}
