package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pix-settlement-go/internal/models"
	"pix-settlement-go/internal/store"
)

func TestCreateAndGetUser(t *testing.T) {
	svc := newTestService(t)
	created := createTestUser(t, svc, "user1", "pro")

	if created.Plan != "pro" {
		t.Errorf("Expected plan pro, got %s", created.Plan)
	}
	if created.Version != 1 {
		t.Errorf("Expected version 1, got %d", created.Version)
	}
	if created.TotalBalance() != 0 {
		t.Errorf("Expected zero balance, got %d", created.TotalBalance())
	}

	got, err := svc.GetUser(context.Background(), "user1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got.Email != "user1@example.com" {
		t.Errorf("Expected email user1@example.com, got %s", got.Email)
	}
}

func TestGetUser_NotFound(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.GetUser(context.Background(), "missing")
	if !errors.Is(err, store.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

// pendingExpectation inserts a pending expectation owed to userId.
func pendingExpectation(t *testing.T, svc *Service, id, userId string, tokens int64) *models.PaymentExpectation {
	t.Helper()

	e := &models.PaymentExpectation{
		Id:          id,
		PayerId:     userId,
		AmountMinor: 300,
		TokensOwed:  tokens,
		Reference:   "pix_user_" + userId + "_" + id,
		Status:      models.ExpectationPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := svc.InsertExpectation(context.Background(), e); err != nil {
		t.Fatalf("InsertExpectation failed: %v", err)
	}
	return e
}

func TestSettleExpectation_MirrorsBalance(t *testing.T) {
	svc := newTestService(t)
	createTestUser(t, svc, "user1", "free")
	pendingExpectation(t, svc, "exp1", "user1", 2160)

	user, err := svc.SettleExpectation(context.Background(), &models.ProcessedNotification{
		NotificationId: "e2e-1", ExpectationId: "exp1", PayerId: "user1", Tokens: 2160,
	})
	if err != nil {
		t.Fatalf("SettleExpectation failed: %v", err)
	}

	if user.TokensPurchased != 2160 {
		t.Errorf("Expected tokens_purchased 2160, got %d", user.TokensPurchased)
	}
	if user.TokenBalance != 2160 {
		t.Errorf("Expected token_balance 2160, got %d", user.TokenBalance)
	}
	if user.Version != 2 {
		t.Errorf("Expected version 2, got %d", user.Version)
	}
}

func TestSettleExpectation_ConcurrentNoLostUpdates(t *testing.T) {
	svc := newTestService(t)
	createTestUser(t, svc, "user1", "free")

	const workers = 10
	for i := 0; i < workers; i++ {
		pendingExpectation(t, svc, fmt.Sprintf("exp%d", i), "user1", 100)
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.SettleExpectation(context.Background(), &models.ProcessedNotification{
				NotificationId: fmt.Sprintf("e2e-%d", i),
				ExpectationId:  fmt.Sprintf("exp%d", i),
				PayerId:        "user1",
				Tokens:         100,
			})
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("Concurrent settlement failed: %v", err)
	}

	user, err := svc.GetUser(context.Background(), "user1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.TokensPurchased != workers*100 {
		t.Errorf("Expected %d tokens purchased, got %d", workers*100, user.TokensPurchased)
	}
}

func TestUpdateUser_PartialFields(t *testing.T) {
	svc := newTestService(t)
	createTestUser(t, svc, "user1", "free")

	fromPlan := int64(500)
	spent := int64(100)
	user, err := svc.UpdateUser(context.Background(), "user1", models.UserUpdate{
		TokensFromPlan: &fromPlan,
		TokensSpent:    &spent,
	})
	if err != nil {
		t.Fatalf("UpdateUser failed: %v", err)
	}

	if user.Name != "User user1" {
		t.Errorf("Expected name to be untouched, got %s", user.Name)
	}
	if user.TokenBalance != 400 {
		t.Errorf("Expected token_balance 400, got %d", user.TokenBalance)
	}
	if user.TotalBalance() != 400 {
		t.Errorf("Expected total balance 400, got %d", user.TotalBalance())
	}
}

func TestListPaidPlanUsers(t *testing.T) {
	svc := newTestService(t)
	createTestUser(t, svc, "free1", "free")
	createTestUser(t, svc, "pro1", "pro")
	createTestUser(t, svc, "premium1", "premium")

	users, err := svc.ListPaidPlanUsers(context.Background(), "free")
	if err != nil {
		t.Fatalf("ListPaidPlanUsers failed: %v", err)
	}

	if len(users) != 2 {
		t.Fatalf("Expected 2 users, got %d", len(users))
	}
	for _, u := range users {
		if u.Plan == "free" {
			t.Errorf("Default plan user %s returned", u.Id)
		}
	}
}
