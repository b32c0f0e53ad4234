package formance

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"pix-settlement-go/internal/models"
	"pix-settlement-go/internal/store"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"go.uber.org/zap"
)

// Numscript templates. Metadata is set inside the script so each
// transaction is self-describing.

const numscriptSettlement = `vars {
  monetary $received
  monetary $tokens
  account $user_id
  string $expectation_id
  string $strategy
}

send $received (
  source = @world
  destination = @merchant:pix:receipts
)

send $tokens (
  source = @world
  destination = @users:$user_id:tokens
)

set_tx_meta("event_type", "pix_settlement")
set_tx_meta("expectation_id", $expectation_id)
set_tx_meta("strategy", $strategy)
`

const numscriptPayout = `vars {
  monetary $amount
  account $user_id
  account $window_key
}

send $amount (
  source = @users:$user_id:credit allowing unbounded overdraft
  destination = @payouts:$window_key
)

set_tx_meta("event_type", "withdrawal_payout")
`

// RecordSettlement posts the received BRL and the minted tokens for one settlement.
func (s *Service) RecordSettlement(ctx context.Context, entry store.SettlementEntry) error {
	postTx := shared.V2PostTransaction{
		Reference: strPtr("settlement-" + entry.Reference),
		Script: &shared.V2PostTransactionScript{
			Plain: numscriptSettlement,
			Vars: map[string]string{
				"received":       monetary("BRL", entry.AmountMinor),
				"tokens":         monetary("TKN", entry.Tokens),
				"user_id":        accountSegment(entry.UserId),
				"expectation_id": entry.ExpectationId,
				"strategy":       entry.Strategy,
			},
		},
	}
	if !entry.SettledAt.IsZero() {
		ts := entry.SettledAt
		postTx.Timestamp = &ts
	}

	if err := s.post(ctx, postTx); err != nil {
		return fmt.Errorf("error recording settlement: %w", err)
	}

	zap.L().Info("Settlement mirrored in Formance",
		zap.String("user_id", entry.UserId),
		zap.String("expectation_id", entry.ExpectationId),
		zap.Int64("tokens", entry.Tokens))
	return nil
}

// RecordPayout posts a withdrawal from the user's credit account.
func (s *Service) RecordPayout(ctx context.Context, payout models.Payout) error {
	postTx := shared.V2PostTransaction{
		Reference: strPtr("payout-" + payout.Id),
		Script: &shared.V2PostTransactionScript{
			Plain: numscriptPayout,
			Vars: map[string]string{
				"amount":     monetary("BRL", payout.Amount),
				"user_id":    accountSegment(payout.UserId),
				"window_key": accountSegment(payout.WindowKey),
			},
		},
	}
	if !payout.CreatedAt.IsZero() {
		ts := payout.CreatedAt
		postTx.Timestamp = &ts
	}

	if err := s.post(ctx, postTx); err != nil {
		return fmt.Errorf("error recording payout: %w", err)
	}

	zap.L().Info("Payout mirrored in Formance",
		zap.String("payout_id", payout.Id),
		zap.String("user_id", payout.UserId),
		zap.Int64("amount", payout.Amount))
	return nil
}

func (s *Service) post(ctx context.Context, postTx shared.V2PostTransaction) error {
	_, err := s.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger:            s.ledger,
		V2PostTransaction: postTx,
	})
	if err != nil {
		if isConflictError(err) {
			zap.L().Debug("Journal entry already recorded", zap.Stringp("reference", postTx.Reference))
			return nil
		}
		return err
	}
	return nil
}

// monetary renders a Numscript monetary literal in smallest units, e.g. "BRL/2 300".
func monetary(symbol string, amount int64) string {
	return formanceAsset(symbol) + " " + strconv.FormatInt(amount, 10)
}

// accountSegment maps an identifier onto the characters allowed in an account address.
func accountSegment(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}
