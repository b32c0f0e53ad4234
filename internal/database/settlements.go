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

func (s *Service) GetProcessedNotification(ctx context.Context, notificationId string) (*models.ProcessedNotification, error) {
	var p models.ProcessedNotification
	err := s.db.QueryRowContext(ctx, queryGetProcessedNotification, notificationId).Scan(
		&p.NotificationId, &p.ExpectationId, &p.PayerId, &p.Tokens, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("unable to query processed notification: %w", err)
	}
	return &p, nil
}

// SettleExpectation commits one settlement: the pending expectation moves to
// settled, the notification is marked processed and the payer is credited.
// Any failure rolls back all three writes, leaving the expectation pending.
func (s *Service) SettleExpectation(ctx context.Context, processed *models.ProcessedNotification) (*models.User, error) {
	now := s.timestamp()
	if processed.CreatedAt.IsZero() {
		processed.CreatedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer rollback(tx)

	result, err := tx.ExecContext(ctx, queryTransitionExpectation,
		string(models.ExpectationSettled), now, processed.ExpectationId)
	if err != nil {
		return nil, fmt.Errorf("unable to settle expectation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("unable to check rows affected: %w", err)
	}
	if rowsAffected != 1 {
		current, err := scanExpectation(tx.QueryRowContext(ctx, queryGetExpectation, processed.ExpectationId))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: %s", store.ErrExpectationNotFound, processed.ExpectationId)
			}
			return nil, fmt.Errorf("unable to query expectation: %w", err)
		}
		return nil, fmt.Errorf("%w: expectation %s is %s",
			store.ErrConcurrentModification, processed.ExpectationId, current.Status)
	}

	result, err = tx.ExecContext(ctx, queryInsertProcessedNotification,
		processed.NotificationId, processed.ExpectationId, processed.PayerId, processed.Tokens, processed.CreatedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("unable to record processed notification: %w", err)
	}
	rowsAffected, err = result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("unable to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrDuplicateNotification, processed.NotificationId)
	}

	if err := s.creditPurchase(ctx, tx, processed.PayerId, processed.Tokens); err != nil {
		return nil, err
	}

	user, err := s.getUser(ctx, tx, processed.PayerId)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("unable to commit settlement: %w", err)
	}

	zap.L().Debug("Settlement committed",
		zap.String("notification_id", processed.NotificationId),
		zap.String("expectation_id", processed.ExpectationId),
		zap.String("user_id", processed.PayerId),
		zap.Int64("tokens", processed.Tokens),
		zap.Int64("tokens_purchased", user.TokensPurchased))

	return user, nil
}

func (s *Service) CreateAuditRecord(ctx context.Context, record *models.AuditRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.timestamp()
	}

	_, err := s.db.ExecContext(ctx, queryInsertAuditRecord,
		record.Id, record.NotificationId, record.Source, record.PayerId, record.ExpectationId,
		record.AmountMinor, record.Tokens, record.Strategy, record.Outcome, record.Detail,
		record.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("unable to create audit record: %w", err)
	}
	return nil
}

func (s *Service) ListAuditRecords(ctx context.Context, notificationId string) ([]models.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, queryGetAuditRecords, notificationId)
	if err != nil {
		return nil, fmt.Errorf("unable to query audit records: %w", err)
	}
	defer closeRows(rows)

	var records []models.AuditRecord
	for rows.Next() {
		var r models.AuditRecord
		if err := rows.Scan(&r.Id, &r.NotificationId, &r.Source, &r.PayerId, &r.ExpectationId,
			&r.AmountMinor, &r.Tokens, &r.Strategy, &r.Outcome, &r.Detail, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("unable to scan audit row: %w", err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit rows: %w", err)
	}
	return records, nil
}

func (s *Service) CreateNotification(ctx context.Context, notification *models.UserNotification) error {
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = s.timestamp()
	}

	_, err := s.db.ExecContext(ctx, queryInsertNotification,
		notification.Id, notification.UserId, notification.Kind, notification.Title, notification.Message,
		notification.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("unable to create notification: %w", err)
	}
	return nil
}

func (s *Service) ListNotifications(ctx context.Context, userId string, limit int) ([]models.UserNotification, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, queryGetNotifications, userId, limit)
	if err != nil {
		return nil, fmt.Errorf("unable to query notifications: %w", err)
	}
	defer closeRows(rows)

	var notifications []models.UserNotification
	for rows.Next() {
		var n models.UserNotification
		if err := rows.Scan(&n.Id, &n.UserId, &n.Kind, &n.Title, &n.Message, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("unable to scan notification row: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notification rows: %w", err)
	}
	return notifications, nil
}

func scanUnreconciled(row rowScanner) (*models.UnreconciledPayment, error) {
	var u models.UnreconciledPayment
	var reportedAt, resolvedAt sql.NullTime
	if err := row.Scan(&u.Id, &u.NotificationId, &u.Source, &u.AmountMinor, &u.Reference, &u.Description,
		&reportedAt, &u.Reason, &u.Resolved, &u.ResolvedBy, &resolvedAt, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.ReportedAt = timePtr(reportedAt)
	u.ResolvedAt = timePtr(resolvedAt)
	return &u, nil
}

func (s *Service) CreateUnreconciled(ctx context.Context, payment *models.UnreconciledPayment) error {
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = s.timestamp()
	}

	result, err := s.db.ExecContext(ctx, queryInsertUnreconciled,
		payment.Id, payment.NotificationId, payment.Source, payment.AmountMinor, payment.Reference,
		payment.Description, nullTime(payment.ReportedAt), payment.Reason, payment.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("unable to queue unreconciled payment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("unable to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", store.ErrDuplicateNotification, payment.NotificationId)
	}
	return nil
}

func (s *Service) getUnreconciled(ctx context.Context, query, key string) (*models.UnreconciledPayment, error) {
	u, err := scanUnreconciled(s.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrUnreconciledNotFound, key)
		}
		return nil, fmt.Errorf("unable to query unreconciled payment: %w", err)
	}
	return u, nil
}

func (s *Service) GetUnreconciled(ctx context.Context, id string) (*models.UnreconciledPayment, error) {
	return s.getUnreconciled(ctx, queryGetUnreconciled, id)
}

func (s *Service) GetUnreconciledByNotification(ctx context.Context, notificationId string) (*models.UnreconciledPayment, error) {
	return s.getUnreconciled(ctx, queryGetUnreconciledByNotification, notificationId)
}

func (s *Service) ListUnreconciled(ctx context.Context, includeResolved bool) ([]models.UnreconciledPayment, error) {
	rows, err := s.db.QueryContext(ctx, queryListUnreconciled, includeResolved)
	if err != nil {
		return nil, fmt.Errorf("unable to query unreconciled payments: %w", err)
	}
	defer closeRows(rows)

	var payments []models.UnreconciledPayment
	for rows.Next() {
		u, err := scanUnreconciled(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan unreconciled row: %w", err)
		}
		payments = append(payments, *u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unreconciled rows: %w", err)
	}
	return payments, nil
}

func (s *Service) ResolveUnreconciled(ctx context.Context, id, resolvedBy string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, queryResolveUnreconciled, resolvedBy, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("unable to resolve unreconciled payment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("unable to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetUnreconciled(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: unreconciled payment %s already resolved", store.ErrConcurrentModification, id)
	}
	return nil
}
