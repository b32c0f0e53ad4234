package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pix-settlement-go/internal/models"
	"pix-settlement-go/internal/store"

	"go.uber.org/zap"
)

func scanSnapshot(row rowScanner) (*models.EntitlementSnapshot, error) {
	var snap models.EntitlementSnapshot
	var closedAt sql.NullTime
	if err := row.Scan(&snap.WindowKey, &snap.UserId, &snap.AccumulatedCredit, &snap.Entitlement,
		&snap.Claimed, &snap.Closed, &snap.CreatedAt, &closedAt); err != nil {
		return nil, err
	}
	snap.ClosedAt = timePtr(closedAt)
	return &snap, nil
}

// InsertSnapshotIfAbsent freezes a user's entitlement for a window. The
// existing snapshot wins on restart so entitlement is never recomputed.
func (s *Service) InsertSnapshotIfAbsent(ctx context.Context, snapshot *models.EntitlementSnapshot) (bool, error) {
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = s.timestamp()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer rollback(tx)

	result, err := tx.ExecContext(ctx, queryInsertSnapshot,
		snapshot.WindowKey, snapshot.UserId, snapshot.AccumulatedCredit, snapshot.Entitlement,
		snapshot.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("unable to insert entitlement snapshot: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("unable to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	result, err = tx.ExecContext(ctx, querySetAvailableToWithdraw, snapshot.Entitlement, s.timestamp(), snapshot.UserId)
	if err != nil {
		return false, fmt.Errorf("unable to set available to withdraw: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return false, fmt.Errorf("unable to check rows affected: %w", err)
	} else if n == 0 {
		return false, fmt.Errorf("%w: %s", store.ErrUserNotFound, snapshot.UserId)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("unable to commit snapshot: %w", err)
	}
	return true, nil
}

func (s *Service) GetSnapshot(ctx context.Context, windowKey, userId string) (*models.EntitlementSnapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, queryGetSnapshot, windowKey, userId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("unable to query entitlement snapshot: %w", err)
	}
	return snap, nil
}

func (s *Service) ListUnclosedSnapshots(ctx context.Context) ([]models.EntitlementSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, queryGetUnclosedSnapshots)
	if err != nil {
		return nil, fmt.Errorf("unable to query open snapshots: %w", err)
	}
	defer closeRows(rows)

	var snapshots []models.EntitlementSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan snapshot row: %w", err)
		}
		snapshots = append(snapshots, *snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot rows: %w", err)
	}
	return snapshots, nil
}

// CloseSnapshot marks the snapshot closed and returns any unclaimed
// entitlement to the pool by zeroing available_to_withdraw.
func (s *Service) CloseSnapshot(ctx context.Context, windowKey, userId string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer rollback(tx)

	result, err := tx.ExecContext(ctx, queryCloseSnapshot, at.UTC(), windowKey, userId)
	if err != nil {
		return false, fmt.Errorf("unable to close snapshot: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("unable to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, querySetAvailableToWithdraw, 0, s.timestamp(), userId); err != nil {
		return false, fmt.Errorf("unable to zero available to withdraw: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("unable to commit snapshot close: %w", err)
	}
	return true, nil
}

// ApplyPayout claims entitlement from the open snapshot and debits the ledger
// in one transaction. Both updates are conditional so neither counter can go
// negative under concurrent requests.
func (s *Service) ApplyPayout(ctx context.Context, payout *models.Payout) (*models.User, error) {
	if payout.Amount <= 0 {
		return nil, fmt.Errorf("payout must be positive, got %d", payout.Amount)
	}
	if payout.CreatedAt.IsZero() {
		payout.CreatedAt = s.timestamp()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer rollback(tx)

	result, err := tx.ExecContext(ctx, queryClaimEntitlement, payout.Amount, payout.WindowKey, payout.UserId, payout.Amount)
	if err != nil {
		return nil, fmt.Errorf("unable to claim entitlement: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("unable to check rows affected: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("%w: entitlement for user %s in window %s", store.ErrInsufficientFunds, payout.UserId, payout.WindowKey)
	}

	result, err = tx.ExecContext(ctx, queryDebitCredit,
		payout.Amount, payout.Amount, payout.Amount, s.timestamp(),
		payout.UserId, payout.Amount, payout.Amount)
	if err != nil {
		return nil, fmt.Errorf("unable to debit accumulated credit: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("unable to check rows affected: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("%w: accumulated credit for user %s", store.ErrInsufficientFunds, payout.UserId)
	}

	user, err := s.getUser(ctx, tx, payout.UserId)
	if err != nil {
		return nil, err
	}
	payout.CreditAfter = user.AccumulatedCredit

	if _, err := tx.ExecContext(ctx, queryInsertPayout,
		payout.Id, payout.UserId, payout.WindowKey, payout.Amount, payout.CreditAfter, payout.CreatedAt.UTC()); err != nil {
		return nil, fmt.Errorf("unable to record payout: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("unable to commit payout: %w", err)
	}

	zap.L().Info("Payout applied",
		zap.String("payout_id", payout.Id),
		zap.String("user_id", payout.UserId),
		zap.String("window_key", payout.WindowKey),
		zap.Int64("amount", payout.Amount),
		zap.Int64("credit_after", payout.CreditAfter))

	return user, nil
}

func (s *Service) ListPayouts(ctx context.Context, userId string) ([]models.Payout, error) {
	rows, err := s.db.QueryContext(ctx, queryGetPayouts, userId)
	if err != nil {
		return nil, fmt.Errorf("unable to query payouts: %w", err)
	}
	defer closeRows(rows)

	var payouts []models.Payout
	for rows.Next() {
		var p models.Payout
		if err := rows.Scan(&p.Id, &p.UserId, &p.WindowKey, &p.Amount, &p.CreditAfter, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("unable to scan payout row: %w", err)
		}
		payouts = append(payouts, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payout rows: %w", err)
	}
	return payouts, nil
}

func (s *Service) SaveOverride(ctx context.Context, override store.WindowOverride) error {
	_, err := s.db.ExecContext(ctx, queryUpsertOverride,
		override.WindowKey, override.OpensAt.UTC(), override.ClosesAt.UTC(), override.Operator)
	if err != nil {
		return fmt.Errorf("unable to save window override: %w", err)
	}
	return nil
}

// GetActiveOverride returns the override covering at, or nil when none does.
func (s *Service) GetActiveOverride(ctx context.Context, at time.Time) (*store.WindowOverride, error) {
	rows, err := s.db.QueryContext(ctx, queryGetOverrides)
	if err != nil {
		return nil, fmt.Errorf("unable to query window overrides: %w", err)
	}
	defer closeRows(rows)

	for rows.Next() {
		var o store.WindowOverride
		if err := rows.Scan(&o.WindowKey, &o.OpensAt, &o.ClosesAt, &o.Operator); err != nil {
			return nil, fmt.Errorf("unable to scan override row: %w", err)
		}
		if !at.Before(o.OpensAt) && at.Before(o.ClosesAt) {
			return &o, nil
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating override rows: %w", err)
	}
	return nil, nil
}
