package formance

import (
	"context"
	"errors"
	"fmt"

	"pix-settlement-go/internal/models"
	"pix-settlement-go/internal/store"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/sdkerrors"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"go.uber.org/zap"
)

var _ store.Journal = (*Service)(nil)

// Service mirrors settlements and payouts into a Formance Stack ledger.
// BRL amounts are posted in centavos and tokens as whole units.
type Service struct {
	client *v3.Formance
	ledger string
}

// NewService builds an authenticated client and opens the configured ledger,
// creating it on first use.
func NewService(ctx context.Context, cfg models.FormanceConfig) (*Service, error) {
	if !cfg.Enabled() {
		return nil, errors.New("journal mirror needs FORMANCE_STACK_URL, FORMANCE_CLIENT_ID and FORMANCE_CLIENT_SECRET")
	}
	ledger := cfg.LedgerName
	if ledger == "" {
		ledger = "pix-settlement"
	}

	svc := &Service{
		client: v3.New(
			v3.WithServerURL(cfg.StackURL),
			v3.WithSecurity(shared.Security{
				ClientID:     v3.Pointer(cfg.ClientID),
				ClientSecret: v3.Pointer(cfg.ClientSecret),
			}),
		),
		ledger: ledger,
	}

	if err := svc.openLedger(ctx); err != nil {
		return nil, fmt.Errorf("unable to open journal ledger %s: %w", ledger, err)
	}

	zap.L().Info("Journal mirror ready",
		zap.String("stack_url", cfg.StackURL),
		zap.String("ledger", ledger))
	return svc, nil
}

func (s *Service) openLedger(ctx context.Context) error {
	_, err := s.client.Ledger.V2.CreateLedger(ctx, operations.V2CreateLedgerRequest{
		Ledger: s.ledger,
		V2CreateLedgerRequest: shared.V2CreateLedgerRequest{
			Metadata: map[string]string{
				"application": "pix-settlement",
				"currency":    "BRL",
			},
		},
	})
	if code, ok := errorCode(err); ok && code == shared.V2ErrorsEnumLedgerAlreadyExists {
		return nil
	}
	if err != nil {
		return err
	}
	zap.L().Info("Journal ledger created", zap.String("ledger", s.ledger))
	return nil
}

// formanceAsset returns the asset in UMN notation, e.g. "BRL/2".
func formanceAsset(symbol string) string {
	precision := 2
	if symbol == "TKN" {
		precision = 0
	}
	return fmt.Sprintf("%s/%d", symbol, precision)
}

func errorCode(err error) (shared.V2ErrorsEnum, bool) {
	var apiErr *sdkerrors.V2ErrorResponse
	if err == nil || !errors.As(err, &apiErr) {
		return "", false
	}
	return apiErr.ErrorCode, true
}

// isConflictError reports a reference the ledger has already seen.
func isConflictError(err error) bool {
	code, ok := errorCode(err)
	return ok && code == shared.V2ErrorsEnumConflict
}

func strPtr(s string) *string { return &s }
