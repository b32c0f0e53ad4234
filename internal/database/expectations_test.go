package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"pix-settlement-go/internal/models"
	"pix-settlement-go/internal/store"
)

func insertTestExpectation(t *testing.T, svc *Service, id string, createdAt time.Time) *models.PaymentExpectation {
	t.Helper()

	e := &models.PaymentExpectation{
		Id:          id,
		PayerId:     "user1",
		AmountMinor: 300,
		TokensOwed:  2160,
		Reference:   "pix_user_user1_" + id,
		Status:      models.ExpectationPending,
		CreatedAt:   createdAt,
	}
	if err := svc.InsertExpectation(context.Background(), e); err != nil {
		t.Fatalf("InsertExpectation failed: %v", err)
	}
	return e
}

func TestExpectationLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	insertTestExpectation(t, svc, "exp2", base.Add(time.Minute))
	insertTestExpectation(t, svc, "exp1", base)

	pending, err := svc.ListPendingExpectations(ctx)
	if err != nil {
		t.Fatalf("ListPendingExpectations failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Expected 2 pending, got %d", len(pending))
	}
	if pending[0].Id != "exp1" {
		t.Errorf("Expected oldest first, got %s", pending[0].Id)
	}
	if !pending[0].CreatedAt.Equal(base) {
		t.Errorf("Expected created_at %v, got %v", base, pending[0].CreatedAt)
	}

	settledAt := base.Add(5 * time.Minute)
	if err := svc.TransitionExpectation(ctx, "exp1", models.ExpectationSettled, settledAt); err != nil {
		t.Fatalf("TransitionExpectation failed: %v", err)
	}

	got, err := svc.GetExpectation(ctx, "exp1")
	if err != nil {
		t.Fatalf("GetExpectation failed: %v", err)
	}
	if got.Status != models.ExpectationSettled {
		t.Errorf("Expected settled, got %s", got.Status)
	}
	if got.SettledAt == nil || !got.SettledAt.Equal(settledAt) {
		t.Errorf("Expected settled_at %v, got %v", settledAt, got.SettledAt)
	}

	err = svc.TransitionExpectation(ctx, "exp1", models.ExpectationExpired, settledAt)
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Errorf("Expected ErrConcurrentModification on second transition, got %v", err)
	}

	pending, err = svc.ListPendingExpectations(ctx)
	if err != nil {
		t.Fatalf("ListPendingExpectations failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Id != "exp2" {
		t.Errorf("Expected only exp2 pending, got %+v", pending)
	}
}

func TestTransitionExpectation_Errors(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	err := svc.TransitionExpectation(ctx, "missing", models.ExpectationSettled, time.Now())
	if !errors.Is(err, store.ErrExpectationNotFound) {
		t.Errorf("Expected ErrExpectationNotFound, got %v", err)
	}

	insertTestExpectation(t, svc, "exp1", time.Now())
	if err := svc.TransitionExpectation(ctx, "exp1", models.ExpectationPending, time.Now()); err == nil {
		t.Error("Expected error for non-terminal target status")
	}
}

func TestGetExpectationByReference(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	inserted := insertTestExpectation(t, svc, "exp1", time.Now())

	got, err := svc.GetExpectationByReference(ctx, inserted.Reference)
	if err != nil {
		t.Fatalf("GetExpectationByReference failed: %v", err)
	}
	if got.Id != "exp1" || got.Status != models.ExpectationPending {
		t.Errorf("Unexpected expectation: %+v", got)
	}

	_, err = svc.GetExpectationByReference(ctx, "pix_user_user1_0")
	if !errors.Is(err, store.ErrExpectationNotFound) {
		t.Errorf("Expected ErrExpectationNotFound, got %v", err)
	}
}

func TestSettleExpectation_RecordsNotification(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	createTestUser(t, svc, "user1", "free")
	insertTestExpectation(t, svc, "exp1", time.Now())

	got, err := svc.GetProcessedNotification(ctx, "mp-1")
	if err != nil {
		t.Fatalf("GetProcessedNotification failed: %v", err)
	}
	if got != nil {
		t.Fatalf("Expected nil for unknown notification, got %+v", got)
	}

	processed := &models.ProcessedNotification{NotificationId: "mp-1", ExpectationId: "exp1", PayerId: "user1", Tokens: 2160}
	if _, err := svc.SettleExpectation(ctx, processed); err != nil {
		t.Fatalf("SettleExpectation failed: %v", err)
	}

	got, err = svc.GetProcessedNotification(ctx, "mp-1")
	if err != nil {
		t.Fatalf("GetProcessedNotification failed: %v", err)
	}
	if got.ExpectationId != "exp1" || got.Tokens != 2160 {
		t.Errorf("Unexpected processed notification: %+v", got)
	}

	stored, err := svc.GetExpectation(ctx, "exp1")
	if err != nil {
		t.Fatalf("GetExpectation failed: %v", err)
	}
	if stored.Status != models.ExpectationSettled || stored.SettledAt == nil {
		t.Errorf("Expected settled with settled_at, got %+v", stored)
	}
}

func TestSettleExpectation_RollsBack(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(t *testing.T, svc *Service)
		processed models.ProcessedNotification
		wantErr   error
		status    models.ExpectationStatus
	}{
		{
			name: "notification already recorded",
			setup: func(t *testing.T, svc *Service) {
				insertTestExpectation(t, svc, "exp0", time.Now())
				if _, err := svc.SettleExpectation(context.Background(), &models.ProcessedNotification{
					NotificationId: "mp-1", ExpectationId: "exp0", PayerId: "user1", Tokens: 2160,
				}); err != nil {
					t.Fatalf("SettleExpectation failed: %v", err)
				}
			},
			processed: models.ProcessedNotification{NotificationId: "mp-1", ExpectationId: "exp1", PayerId: "user1", Tokens: 2160},
			wantErr:   store.ErrDuplicateNotification,
			status:    models.ExpectationPending,
		},
		{
			name: "expectation no longer pending",
			setup: func(t *testing.T, svc *Service) {
				if err := svc.TransitionExpectation(context.Background(), "exp1", models.ExpectationExpired, time.Now()); err != nil {
					t.Fatalf("TransitionExpectation failed: %v", err)
				}
			},
			processed: models.ProcessedNotification{NotificationId: "mp-2", ExpectationId: "exp1", PayerId: "user1", Tokens: 2160},
			wantErr:   store.ErrConcurrentModification,
			status:    models.ExpectationExpired,
		},
		{
			name:      "unknown payer",
			processed: models.ProcessedNotification{NotificationId: "mp-3", ExpectationId: "exp1", PayerId: "ghost", Tokens: 2160},
			wantErr:   store.ErrUserNotFound,
			status:    models.ExpectationPending,
		},
		{
			name:      "non-positive tokens",
			processed: models.ProcessedNotification{NotificationId: "mp-4", ExpectationId: "exp1", PayerId: "user1", Tokens: 0},
			status:    models.ExpectationPending,
		},
		{
			name:      "unknown expectation",
			processed: models.ProcessedNotification{NotificationId: "mp-5", ExpectationId: "missing", PayerId: "user1", Tokens: 2160},
			wantErr:   store.ErrExpectationNotFound,
			status:    models.ExpectationPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t)
			ctx := context.Background()
			createTestUser(t, svc, "user1", "free")
			insertTestExpectation(t, svc, "exp1", time.Now())
			if tt.setup != nil {
				tt.setup(t, svc)
			}
			before, err := svc.GetUser(ctx, "user1")
			if err != nil {
				t.Fatalf("GetUser failed: %v", err)
			}

			processed := tt.processed
			_, err = svc.SettleExpectation(ctx, &processed)
			if err == nil {
				t.Fatal("Expected SettleExpectation to fail")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}

			after, err := svc.GetUser(ctx, "user1")
			if err != nil {
				t.Fatalf("GetUser failed: %v", err)
			}
			if after.TokensPurchased != before.TokensPurchased || after.TokenBalance != before.TokenBalance {
				t.Errorf("Expected no credit, got purchased %d->%d balance %d->%d",
					before.TokensPurchased, after.TokensPurchased, before.TokenBalance, after.TokenBalance)
			}

			stored, err := svc.GetExpectation(ctx, "exp1")
			if err != nil {
				t.Fatalf("GetExpectation failed: %v", err)
			}
			if stored.Status != tt.status {
				t.Errorf("Expected exp1 %s, got %s", tt.status, stored.Status)
			}

			marker, err := svc.GetProcessedNotification(ctx, processed.NotificationId)
			if err != nil {
				t.Fatalf("GetProcessedNotification failed: %v", err)
			}
			if tt.wantErr != store.ErrDuplicateNotification && marker != nil {
				t.Errorf("Expected no processed marker, got %+v", marker)
			}
			if marker != nil && marker.ExpectationId != "exp0" {
				t.Errorf("Expected the original marker to survive, got %+v", marker)
			}
		})
	}
}

func TestUnreconciledQueue(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	payment := &models.UnreconciledPayment{
		Id:             "u1",
		NotificationId: "fp-abc",
		Source:         "pix",
		AmountMinor:    777,
		Reference:      "garbage",
		Reason:         "no strategy resolved the payer",
	}
	if err := svc.CreateUnreconciled(ctx, payment); err != nil {
		t.Fatalf("CreateUnreconciled failed: %v", err)
	}

	dup := *payment
	dup.Id = "u2"
	if err := svc.CreateUnreconciled(ctx, &dup); !errors.Is(err, store.ErrDuplicateNotification) {
		t.Errorf("Expected ErrDuplicateNotification, got %v", err)
	}

	byNotification, err := svc.GetUnreconciledByNotification(ctx, "fp-abc")
	if err != nil {
		t.Fatalf("GetUnreconciledByNotification failed: %v", err)
	}
	if byNotification.Id != "u1" || byNotification.ReportedAt != nil {
		t.Errorf("Unexpected unreconciled payment: %+v", byNotification)
	}

	open, err := svc.ListUnreconciled(ctx, false)
	if err != nil {
		t.Fatalf("ListUnreconciled failed: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("Expected 1 open payment, got %d", len(open))
	}

	if err := svc.ResolveUnreconciled(ctx, "u1", "ops@example.com", time.Now()); err != nil {
		t.Fatalf("ResolveUnreconciled failed: %v", err)
	}
	if err := svc.ResolveUnreconciled(ctx, "u1", "ops@example.com", time.Now()); !errors.Is(err, store.ErrConcurrentModification) {
		t.Errorf("Expected ErrConcurrentModification on second resolve, got %v", err)
	}
	if err := svc.ResolveUnreconciled(ctx, "nope", "ops", time.Now()); !errors.Is(err, store.ErrUnreconciledNotFound) {
		t.Errorf("Expected ErrUnreconciledNotFound, got %v", err)
	}

	open, err = svc.ListUnreconciled(ctx, false)
	if err != nil {
		t.Fatalf("ListUnreconciled failed: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("Expected no open payments, got %d", len(open))
	}

	all, err := svc.ListUnreconciled(ctx, true)
	if err != nil {
		t.Fatalf("ListUnreconciled failed: %v", err)
	}
	if len(all) != 1 || !all[0].Resolved || all[0].ResolvedBy != "ops@example.com" {
		t.Errorf("Expected resolved payment in full listing, got %+v", all)
	}
}

func TestAuditAndNotifications(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i, outcome := range []string{models.OutcomeCreditFailed, models.OutcomeSettled} {
		record := &models.AuditRecord{
			Id:             []string{"a1", "a2"}[i],
			NotificationId: "mp-9",
			Strategy:       models.StrategyReference,
			Outcome:        outcome,
			AmountMinor:    300,
		}
		if err := svc.CreateAuditRecord(ctx, record); err != nil {
			t.Fatalf("CreateAuditRecord failed: %v", err)
		}
	}

	records, err := svc.ListAuditRecords(ctx, "mp-9")
	if err != nil {
		t.Fatalf("ListAuditRecords failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 audit records, got %d", len(records))
	}

	n := &models.UserNotification{Id: "n1", UserId: "user1", Kind: models.NotificationPaymentConfirmed, Title: "t", Message: "m"}
	if err := svc.CreateNotification(ctx, n); err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}

	notifications, err := svc.ListNotifications(ctx, "user1", 0)
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if len(notifications) != 1 || notifications[0].Kind != models.NotificationPaymentConfirmed {
		t.Errorf("Unexpected notifications: %+v", notifications)
	}
}
