package settlement

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pix-settlement-go/internal/database"
	"pix-settlement-go/internal/models"
	"pix-settlement-go/internal/registry"
	"pix-settlement-go/internal/store"

	"github.com/shopspring/decimal"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingJournal struct {
	mu          sync.Mutex
	settlements []store.SettlementEntry
}

func (j *recordingJournal) RecordSettlement(_ context.Context, entry store.SettlementEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.settlements = append(j.settlements, entry)
	return nil
}

func (j *recordingJournal) RecordPayout(context.Context, models.Payout) error {
	return nil
}

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db       *database.Service
	registry *registry.Registry
	engine   *Engine
	clock    *fakeClock
	journal  *recordingJournal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, nil)
}

// newFixtureWithStore lets a test put a wrapper between the engine and the database.
func newFixtureWithStore(t *testing.T, wrap func(*database.Service) Storage) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.NewService(ctx, models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "settlement.db"),
		MaxOpenConns: 4,
		PingTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(db.Close)

	for _, id := range []string{"user1", "user2", "admin"} {
		if _, err := db.CreateUser(ctx, id, "User "+id, id+"@example.com", "pro"); err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}
	}

	clock := &fakeClock{t: t0}
	reg := registry.New(registry.Config{
		Store:              db,
		MatchingWindow:     15 * time.Minute,
		ExpiryWindow:       30 * time.Minute,
		SweepInterval:      time.Minute,
		TokensPerBRL:       720,
		ReferenceNamespace: "pix",
		Clock:              clock.Now,
	})

	var engineStore Storage = db
	if wrap != nil {
		engineStore = wrap(db)
	}

	journal := &recordingJournal{}
	engine := NewEngine(Config{
		Registry:       reg,
		Store:          engineStore,
		Journal:        journal,
		MaxAmountMinor: 1000000,
		AdminUserId:    "admin",
		ProcessTimeout: 10 * time.Second,
		Clock:          clock.Now,
	})

	return &fixture{db: db, registry: reg, engine: engine, clock: clock, journal: journal}
}

func (f *fixture) balance(t *testing.T, userId string) int64 {
	t.Helper()
	user, err := f.db.GetUser(context.Background(), userId)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	return user.TokenBalance
}

func (f *fixture) register(t *testing.T, userId string, amountMinor int64) *models.PaymentExpectation {
	t.Helper()
	e, err := f.registry.Register(context.Background(), userId, "", amountMinor)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return e
}

func brl(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestProcess_AmountWindowCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before := f.balance(t, "user1")
	expectation := f.register(t, "user1", 300)
	f.clock.Advance(2 * time.Minute)

	n := models.Notification{Amount: brl("3.00"), SourceTransactionId: "e2e-1", Source: SourcePixWebhook}

	result, err := f.engine.Process(ctx, n)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !result.Success || result.Outcome != models.OutcomeSettled {
		t.Fatalf("Expected settled, got %+v", result)
	}
	if result.Strategy != models.StrategyAmountWindow {
		t.Errorf("Expected amount_window strategy, got %s", result.Strategy)
	}
	if result.TokensCredited != 2160 {
		t.Errorf("Expected 2160 tokens, got %d", result.TokensCredited)
	}
	if result.NewBalance != before+2160 {
		t.Errorf("Expected new balance %d, got %d", before+2160, result.NewBalance)
	}

	again, err := f.engine.Process(ctx, n)
	if err != nil {
		t.Fatalf("Second Process failed: %v", err)
	}
	if !again.Success || again.Outcome != models.OutcomeAlreadySettled {
		t.Errorf("Expected already_settled on redelivery, got %+v", again)
	}
	if got := f.balance(t, "user1"); got != before+2160 {
		t.Errorf("Expected balance %d after redelivery, got %d", before+2160, got)
	}

	stored, err := f.db.GetExpectation(ctx, expectation.Id)
	if err != nil {
		t.Fatalf("GetExpectation failed: %v", err)
	}
	if stored.Status != models.ExpectationSettled {
		t.Errorf("Expected settled expectation, got %s", stored.Status)
	}

	audit, err := f.db.ListAuditRecords(ctx, "e2e-1")
	if err != nil {
		t.Fatalf("ListAuditRecords failed: %v", err)
	}
	if len(audit) != 2 {
		t.Fatalf("Expected 2 audit records, got %d", len(audit))
	}

	if len(f.journal.settlements) != 1 {
		t.Errorf("Expected 1 journal entry, got %d", len(f.journal.settlements))
	}

	notifications, err := f.db.ListNotifications(ctx, "user1", 10)
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if len(notifications) != 1 || notifications[0].Kind != models.NotificationPaymentConfirmed {
		t.Errorf("Expected one payment_confirmed notification, got %+v", notifications)
	}
}

func TestProcess_ConcurrentDeliveriesCreditOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before := f.balance(t, "user1")
	f.register(t, "user1", 500)

	n := models.Notification{Amount: brl("5.00"), SourceTransactionId: "e2e-race", Source: SourcePixWebhook}

	var wg sync.WaitGroup
	results := make([]*models.SettlementResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = f.engine.Process(ctx, n)
		}(i)
	}
	wg.Wait()

	settled := 0
	for _, r := range results {
		if r != nil && r.Outcome == models.OutcomeSettled {
			settled++
		}
	}
	if settled != 1 {
		t.Errorf("Expected exactly one settled result, got %d", settled)
	}
	if got := f.balance(t, "user1"); got != before+3600 {
		t.Errorf("Expected balance %d, got %d", before+3600, got)
	}
}

func TestProcess_ReferenceTakesPrecedence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "user1", 300)
	f.clock.Advance(time.Millisecond)
	target := f.register(t, "user2", 300)

	result, err := f.engine.Process(ctx, models.Notification{
		Amount:            brl("3.00"),
		ExternalReference: target.Reference,
		Source:            SourcePixWebhook,
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if result.Strategy != models.StrategyReference {
		t.Errorf("Expected reference strategy, got %s", result.Strategy)
	}
	if result.UserId != "user2" || result.ExpectationId != target.Id {
		t.Errorf("Expected user2/%s, got %s/%s", target.Id, result.UserId, result.ExpectationId)
	}
}

func TestProcess_ReferenceFallsBackToPayer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	target := f.register(t, "user2", 1000)
	// Far outside the matching window; only the payer id in the reference can match.
	f.clock.Advance(20 * time.Minute)

	result, err := f.engine.Process(ctx, models.Notification{
		Amount:            brl("10.00"),
		ExternalReference: registry.FormatReference("pix", "user2", 1),
		Source:            SourcePixWebhook,
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if result.Outcome != models.OutcomeSettled || result.ExpectationId != target.Id {
		t.Errorf("Expected settlement of %s, got %+v", target.Id, result)
	}
}

func TestProcess_DescriptionStrategy(t *testing.T) {
	tests := []struct {
		name        string
		description func(e *models.PaymentExpectation) string
	}{
		{"embedded reference", func(e *models.PaymentExpectation) string { return "PIX recebido " + e.Reference }},
		{"user marker", func(*models.PaymentExpectation) string { return "pagamento user:user2 tokens" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			target := f.register(t, "user2", 700)
			f.clock.Advance(20 * time.Minute)

			result, err := f.engine.Process(context.Background(), models.Notification{
				Amount:      brl("7.00"),
				Description: tt.description(target),
				Source:      SourcePixWebhook,
			})
			if err != nil {
				t.Fatalf("Process failed: %v", err)
			}
			if result.Strategy != models.StrategyDescription {
				t.Errorf("Expected description strategy, got %s", result.Strategy)
			}
			if result.ExpectationId != target.Id {
				t.Errorf("Expected %s, got %s", target.Id, result.ExpectationId)
			}
		})
	}
}

func TestProcess_UnmatchedIsQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before := f.balance(t, "user1")
	f.register(t, "user1", 300)

	n := models.Notification{Amount: brl("4.50"), SourceTransactionId: "e2e-stray", Source: SourcePixWebhook}
	result, err := f.engine.Process(ctx, n)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if result.Success || result.Outcome != models.OutcomeUnreconciled {
		t.Fatalf("Expected unreconciled, got %+v", result)
	}
	if result.UnreconciledId == "" {
		t.Error("Expected unreconciled id")
	}
	if got := f.balance(t, "user1"); got != before {
		t.Errorf("Expected unchanged balance %d, got %d", before, got)
	}

	// Redelivery must not queue twice or notify the admin twice.
	again, err := f.engine.Process(ctx, n)
	if err != nil {
		t.Fatalf("Second Process failed: %v", err)
	}
	if again.UnreconciledId != result.UnreconciledId {
		t.Errorf("Expected same unreconciled id, got %s and %s", result.UnreconciledId, again.UnreconciledId)
	}

	queued, err := f.db.ListUnreconciled(ctx, false)
	if err != nil {
		t.Fatalf("ListUnreconciled failed: %v", err)
	}
	if len(queued) != 1 || queued[0].AmountMinor != 450 {
		t.Errorf("Expected one queued payment of 450, got %+v", queued)
	}

	notifications, err := f.db.ListNotifications(ctx, "admin", 10)
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if len(notifications) != 1 || notifications[0].Kind != models.NotificationPaymentUnmatched {
		t.Errorf("Expected one admin notification, got %+v", notifications)
	}

	// The pending expectation was not consumed by the stray payment.
	if len(f.registry.Pending()) != 1 {
		t.Errorf("Expected expectation to remain pending")
	}
}

func TestProcess_InvalidAmountIgnored(t *testing.T) {
	tests := []struct {
		name   string
		amount string
	}{
		{"zero", "0"},
		{"negative", "-3.00"},
		{"over limit", "10000.01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			result, err := f.engine.Process(context.Background(), models.Notification{
				Amount: brl(tt.amount),
				Source: SourcePixWebhook,
			})
			if err != nil {
				t.Fatalf("Expected nil error, got %v", err)
			}
			if result.Success || result.Outcome != models.OutcomeIgnored {
				t.Errorf("Expected ignored, got %+v", result)
			}
		})
	}
}

func TestProcess_CreditFailureKeepsExpectationPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expectation := f.register(t, "ghost", 300)

	result, err := f.engine.Process(ctx, models.Notification{
		Amount:            brl("3.00"),
		ExternalReference: expectation.Reference,
		Source:            SourcePixWebhook,
	})
	if err == nil {
		t.Fatal("Expected credit error")
	}
	if !errors.Is(err, store.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
	if result.Outcome != models.OutcomeCreditFailed {
		t.Errorf("Expected credit_failed, got %s", result.Outcome)
	}

	got, ok := f.registry.Get(expectation.Id)
	if !ok || got.Status != models.ExpectationPending {
		t.Fatalf("Expected expectation to remain pending, got %+v", got)
	}
	stored, err := f.db.GetExpectation(ctx, expectation.Id)
	if err != nil {
		t.Fatalf("GetExpectation failed: %v", err)
	}
	if stored.Status != models.ExpectationPending {
		t.Errorf("Expected stored expectation to stay pending, got %s", stored.Status)
	}
	processed, err := f.db.GetProcessedNotification(ctx, result.NotificationId)
	if err != nil {
		t.Fatalf("GetProcessedNotification failed: %v", err)
	}
	if processed != nil {
		t.Errorf("Expected no processed marker after a failed credit, got %+v", processed)
	}
	if _, ok := f.registry.ClaimByReference(expectation.Reference); !ok {
		t.Error("Expected expectation to be claimable again")
	}
}

// flakySettleStore fails the first SettleExpectation calls, as a full disk or
// a locked database would.
type flakySettleStore struct {
	*database.Service

	mu       sync.Mutex
	failures int
	calls    int
}

var errDatabaseLocked = errors.New("database is locked")

func (s *flakySettleStore) SettleExpectation(ctx context.Context, processed *models.ProcessedNotification) (*models.User, error) {
	s.mu.Lock()
	s.calls++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()

	if fail {
		return nil, errDatabaseLocked
	}
	return s.Service.SettleExpectation(ctx, processed)
}

func TestProcess_SettleFailureIsRetriedOnRedelivery(t *testing.T) {
	flaky := &flakySettleStore{failures: 1}
	f := newFixtureWithStore(t, func(db *database.Service) Storage {
		flaky.Service = db
		return flaky
	})
	ctx := context.Background()

	before := f.balance(t, "user1")
	expectation := f.register(t, "user1", 300)
	n := models.Notification{Amount: brl("3.00"), SourceTransactionId: "e2e-flaky", Source: SourcePixWebhook}

	result, err := f.engine.Process(ctx, n)
	if !errors.Is(err, errDatabaseLocked) {
		t.Fatalf("Expected errDatabaseLocked, got %v", err)
	}
	if result.Success || result.Outcome != models.OutcomeCreditFailed {
		t.Errorf("Expected credit_failed, got %+v", result)
	}
	if got := f.balance(t, "user1"); got != before {
		t.Errorf("Expected balance %d after failure, got %d", before, got)
	}
	if _, ok := f.registry.Get(expectation.Id); !ok {
		t.Fatal("Expected registry to keep the expectation after failure")
	}
	if pending := f.registry.Pending(); len(pending) != 1 || pending[0].Id != expectation.Id {
		t.Fatalf("Expected expectation released for matching, got %+v", pending)
	}

	tests := []struct {
		name    string
		outcome string
		balance int64
	}{
		{"redelivery settles", models.OutcomeSettled, before + 2160},
		{"second redelivery is a no-op", models.OutcomeAlreadySettled, before + 2160},
	}
	for _, tt := range tests {
		result, err := f.engine.Process(ctx, n)
		if err != nil {
			t.Fatalf("%s: Process failed: %v", tt.name, err)
		}
		if !result.Success || result.Outcome != tt.outcome {
			t.Errorf("%s: expected %s, got %+v", tt.name, tt.outcome, result)
		}
		if got := f.balance(t, "user1"); got != tt.balance {
			t.Errorf("%s: expected balance %d, got %d", tt.name, tt.balance, got)
		}
	}

	if flaky.calls != 2 {
		t.Errorf("Expected 2 settlement attempts, got %d", flaky.calls)
	}
	if _, ok := f.registry.Get(expectation.Id); ok {
		t.Error("Expected settled expectation to leave the registry")
	}
	stored, err := f.db.GetExpectation(ctx, expectation.Id)
	if err != nil {
		t.Fatalf("GetExpectation failed: %v", err)
	}
	if stored.Status != models.ExpectationSettled {
		t.Errorf("Expected settled expectation, got %s", stored.Status)
	}
}

func TestProcess_StoredStatusWinsOverRegistry(t *testing.T) {
	tests := []struct {
		name    string
		status  models.ExpectationStatus
		outcome string
		success bool
	}{
		{"settled elsewhere", models.ExpectationSettled, models.OutcomeAlreadySettled, true},
		{"expired elsewhere", models.ExpectationExpired, models.OutcomeUnreconciled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			before := f.balance(t, "user1")
			expectation := f.register(t, "user1", 300)
			if err := f.db.TransitionExpectation(ctx, expectation.Id, tt.status, t0); err != nil {
				t.Fatalf("TransitionExpectation failed: %v", err)
			}

			result, err := f.engine.Process(ctx, models.Notification{
				Amount:            brl("3.00"),
				ExternalReference: expectation.Reference,
				Source:            SourcePixWebhook,
			})
			if err != nil {
				t.Fatalf("Process failed: %v", err)
			}
			if result.Outcome != tt.outcome || result.Success != tt.success {
				t.Errorf("Expected %s (success=%v), got %+v", tt.outcome, tt.success, result)
			}
			if got := f.balance(t, "user1"); got != before {
				t.Errorf("Expected no credit, balance went from %d to %d", before, got)
			}
			if _, ok := f.registry.Get(expectation.Id); ok {
				t.Error("Expected registry to drop the expectation")
			}
		})
	}
}

func TestProcess_SettledReferenceIsNotRematched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.register(t, "user1", 300)
	f.clock.Advance(time.Millisecond)
	other := f.register(t, "user2", 300)
	before := f.balance(t, "user2")

	tests := []struct {
		name    string
		n       models.Notification
		outcome string
	}{
		{
			"first delivery",
			models.Notification{ExternalReference: first.Reference, SourceTransactionId: "pix-e2e-1"},
			models.OutcomeSettled,
		},
		{
			"same payment relayed by another rail",
			models.Notification{ExternalReference: first.Reference, SourceTransactionId: "mp-999"},
			models.OutcomeAlreadySettled,
		},
		{
			"reference echoed in the description",
			models.Notification{Description: "PIX recebido " + first.Reference, SourceTransactionId: "mp-1000"},
			models.OutcomeAlreadySettled,
		},
	}
	for _, tt := range tests {
		n := tt.n
		n.Amount = brl("3.00")
		n.Source = SourcePixWebhook
		result, err := f.engine.Process(ctx, n)
		if err != nil {
			t.Fatalf("%s: Process failed: %v", tt.name, err)
		}
		if !result.Success || result.Outcome != tt.outcome {
			t.Errorf("%s: expected %s, got %+v", tt.name, tt.outcome, result)
		}
		if result.ExpectationId != first.Id || result.UserId != "user1" {
			t.Errorf("%s: expected user1/%s, got %s/%s", tt.name, first.Id, result.UserId, result.ExpectationId)
		}
	}

	if got := f.balance(t, "user2"); got != before {
		t.Errorf("Expected user2 balance %d, got %d", before, got)
	}
	if _, ok := f.registry.Get(other.Id); !ok {
		t.Error("Expected user2's expectation to stay pending")
	}
}

func TestProcess_ReferenceNeverFallsBackToAmount(t *testing.T) {
	tests := []struct {
		name      string
		reference func(f *fixture) string
	}{
		{"unknown payer", func(*fixture) string { return registry.FormatReference("pix", "user9", 1) }},
		{"payer without matching amount", func(*fixture) string { return registry.FormatReference("pix", "user1", 1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			f.register(t, "user1", 500)
			bystander := f.register(t, "user2", 300)

			result, err := f.engine.Process(ctx, models.Notification{
				Amount:            brl("3.00"),
				ExternalReference: tt.reference(f),
				Source:            SourcePixWebhook,
			})
			if err != nil {
				t.Fatalf("Process failed: %v", err)
			}
			if result.Outcome != models.OutcomeUnreconciled {
				t.Errorf("Expected unreconciled, got %+v", result)
			}
			if _, ok := f.registry.Get(bystander.Id); !ok {
				t.Error("Expected the amount-matching expectation to stay pending")
			}
		})
	}
}

func TestSettleManually(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	queued, err := f.engine.Process(ctx, models.Notification{
		Amount:              brl("3.00"),
		SourceTransactionId: "e2e-orphan",
		Source:              SourcePixWebhook,
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	before := f.balance(t, "user2")

	result, err := f.engine.SettleManually(ctx, models.ManualSettlement{
		PayerId:        "user2",
		UnreconciledId: queued.UnreconciledId,
		Operator:       "ops",
	})
	if err != nil {
		t.Fatalf("SettleManually failed: %v", err)
	}
	if !result.Success || result.TokensCredited != 2160 {
		t.Errorf("Expected 2160 tokens credited, got %+v", result)
	}
	if got := f.balance(t, "user2"); got != before+2160 {
		t.Errorf("Expected balance %d, got %d", before+2160, got)
	}

	payment, err := f.db.GetUnreconciled(ctx, queued.UnreconciledId)
	if err != nil {
		t.Fatalf("GetUnreconciled failed: %v", err)
	}
	if !payment.Resolved || payment.ResolvedBy != "ops" {
		t.Errorf("Expected resolved by ops, got %+v", payment)
	}

	_, err = f.engine.SettleManually(ctx, models.ManualSettlement{
		PayerId:        "user2",
		UnreconciledId: queued.UnreconciledId,
		Operator:       "ops",
	})
	if !errors.Is(err, models.ErrAlreadySettled) {
		t.Errorf("Expected ErrAlreadySettled on second attempt, got %v", err)
	}
}

func TestSettleManually_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  models.ManualSettlement
		want error
	}{
		{"unknown user", models.ManualSettlement{PayerId: "nobody", AmountMinor: 100}, store.ErrUserNotFound},
		{"zero amount", models.ManualSettlement{PayerId: "user1"}, models.ErrInvalidAmount},
		{"unknown unreconciled", models.ManualSettlement{PayerId: "user1", UnreconciledId: "missing"}, store.ErrUnreconciledNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.SettleManually(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestNotificationId(t *testing.T) {
	reported := t0
	a := models.Notification{Amount: brl("3.00"), Description: "x", ReportedAt: &reported}
	b := models.Notification{Amount: brl("3.0"), Description: "x", ReportedAt: &reported}
	c := models.Notification{Amount: brl("3.01"), Description: "x", ReportedAt: &reported}

	if NotificationId(a) != NotificationId(b) {
		t.Error("Expected equal amounts to fingerprint identically")
	}
	if NotificationId(a) == NotificationId(c) {
		t.Error("Expected different amounts to fingerprint differently")
	}
	if got := NotificationId(models.Notification{SourceTransactionId: " e2e-9 "}); got != "e2e-9" {
		t.Errorf("Expected source id, got %s", got)
	}
}
