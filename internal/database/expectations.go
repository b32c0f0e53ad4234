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

func scanExpectation(row rowScanner) (*models.PaymentExpectation, error) {
	var e models.PaymentExpectation
	var status string
	var settledAt sql.NullTime
	if err := row.Scan(&e.Id, &e.PayerId, &e.PayerContact, &e.AmountMinor, &e.TokensOwed,
		&e.Reference, &status, &e.CreatedAt, &settledAt); err != nil {
		return nil, err
	}
	e.Status = models.ExpectationStatus(status)
	e.CreatedAt = e.CreatedAt.UTC()
	e.SettledAt = timePtr(settledAt)
	return &e, nil
}

func (s *Service) InsertExpectation(ctx context.Context, expectation *models.PaymentExpectation) error {
	_, err := s.db.ExecContext(ctx, queryInsertExpectation,
		expectation.Id,
		expectation.PayerId,
		expectation.PayerContact,
		expectation.AmountMinor,
		expectation.TokensOwed,
		expectation.Reference,
		string(expectation.Status),
		expectation.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("unable to insert expectation: %w", err)
	}
	return nil
}

func (s *Service) GetExpectation(ctx context.Context, id string) (*models.PaymentExpectation, error) {
	e, err := scanExpectation(s.db.QueryRowContext(ctx, queryGetExpectation, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrExpectationNotFound, id)
		}
		return nil, fmt.Errorf("unable to query expectation: %w", err)
	}
	return e, nil
}

func (s *Service) GetExpectationByReference(ctx context.Context, reference string) (*models.PaymentExpectation, error) {
	e, err := scanExpectation(s.db.QueryRowContext(ctx, queryGetExpectationByReference, reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: reference %s", store.ErrExpectationNotFound, reference)
		}
		return nil, fmt.Errorf("unable to query expectation by reference: %w", err)
	}
	return e, nil
}

func (s *Service) ListPendingExpectations(ctx context.Context) ([]models.PaymentExpectation, error) {
	rows, err := s.db.QueryContext(ctx, queryGetPendingExpectations)
	if err != nil {
		return nil, fmt.Errorf("unable to query pending expectations: %w", err)
	}
	defer closeRows(rows)

	var expectations []models.PaymentExpectation
	for rows.Next() {
		e, err := scanExpectation(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan expectation row: %w", err)
		}
		expectations = append(expectations, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expectation rows: %w", err)
	}
	return expectations, nil
}

// TransitionExpectation moves a pending expectation to a terminal status.
// Only the pending row is updated so a second transition never succeeds.
func (s *Service) TransitionExpectation(ctx context.Context, id string, status models.ExpectationStatus, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("invalid target status %q", status)
	}

	var settledAt interface{}
	if status == models.ExpectationSettled {
		settledAt = at.UTC()
	}

	result, err := s.db.ExecContext(ctx, queryTransitionExpectation, string(status), settledAt, id)
	if err != nil {
		return fmt.Errorf("unable to transition expectation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("unable to check rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return nil
	}

	current, err := s.GetExpectation(ctx, id)
	if err != nil {
		return err
	}

	zap.L().Warn("Expectation already left pending",
		zap.String("expectation_id", id),
		zap.String("status", string(current.Status)),
		zap.String("requested", string(status)))
	return fmt.Errorf("%w: expectation %s is %s", store.ErrConcurrentModification, id, current.Status)
}
