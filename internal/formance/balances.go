package formance

import (
	"context"
	"math/big"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"go.uber.org/zap"
)

// MirroredTokens returns the token balance the journal holds for a user.
// Used to reconcile the mirror against the SQLite ledger.
func (s *Service) MirroredTokens(ctx context.Context, userId string) (int64, error) {
	resp, err := s.client.Ledger.V2.GetAccount(ctx, operations.V2GetAccountRequest{
		Ledger:  s.ledger,
		Address: "users:" + accountSegment(userId) + ":tokens",
		Expand:  v3.Pointer("volumes"),
	})
	if err != nil {
		zap.L().Warn("Failed to get account volumes", zap.String("user_id", userId), zap.Error(err))
		return 0, err
	}

	balance := volumeBalance(resp.V2AccountResponse.Data.Volumes, formanceAsset("TKN"))
	if balance == nil {
		return 0, nil
	}
	return balance.Int64(), nil
}

// volumeBalance extracts the balance for a specific asset from volumes.
func volumeBalance(vols map[string]shared.V2Volume, fAsset string) *big.Int {
	vol, ok := vols[fAsset]
	if !ok {
		return nil
	}
	if vol.Balance != nil {
		return vol.Balance
	}
	if vol.Input == nil {
		return nil
	}
	result := new(big.Int).Set(vol.Input)
	if vol.Output != nil {
		result.Sub(result, vol.Output)
	}
	return result
}
