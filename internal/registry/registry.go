package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pix-settlement-go/internal/models"
	"pix-settlement-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// clockSkew is how far a reported payment time may precede createdAt and still match.
const clockSkew = time.Minute

// amountEpsilon absorbs rounding in rail-reported amounts; matches require |Δ| < 0.01 BRL.
var amountEpsilon = decimal.RequireFromString("0.01")

var ErrNotClaimed = errors.New("expectation is not claimed")

// Config contains configuration for Registry
type Config struct {
	Store              store.ExpectationStore
	MatchingWindow     time.Duration
	ExpiryWindow       time.Duration
	SweepInterval      time.Duration
	TokensPerBRL       int64
	ReferenceNamespace string
	Clock              func() time.Time
}

type entry struct {
	expectation models.PaymentExpectation
	seq         uint64
	claimed     bool
}

// Registry holds pending payment expectations for the correlation window.
// It is created once per process and shared by reference.
type Registry struct {
	store          store.ExpectationStore
	matchingWindow time.Duration
	expiryWindow   time.Duration
	sweepInterval  time.Duration
	tokensPerBRL   int64
	namespace      string
	now            func() time.Time

	mutex       sync.Mutex
	entries     map[string]*entry
	byReference map[string]string
	seq         uint64

	stopChan chan struct{}
	doneChan chan struct{}
}

// New creates a registry. Call Recover before serving traffic.
func New(cfg Config) *Registry {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	namespace := cfg.ReferenceNamespace
	if namespace == "" {
		namespace = "pix"
	}

	return &Registry{
		store:          cfg.Store,
		matchingWindow: cfg.MatchingWindow,
		expiryWindow:   cfg.ExpiryWindow,
		sweepInterval:  cfg.SweepInterval,
		tokensPerBRL:   cfg.TokensPerBRL,
		namespace:      namespace,
		now:            clock,
		entries:        make(map[string]*entry),
		byReference:    make(map[string]string),
		stopChan:       make(chan struct{}),
		doneChan:       make(chan struct{}),
	}
}

// TokensOwed converts an amount in centavos to tokens, rounding down.
func (r *Registry) TokensOwed(amountMinor int64) int64 {
	return amountMinor * r.tokensPerBRL / 100
}

// Namespace is the prefix of every reference this registry issues.
func (r *Registry) Namespace() string {
	return r.namespace
}

// Register records that payerId is about to pay amountMinor.
func (r *Registry) Register(ctx context.Context, payerId, payerContact string, amountMinor int64) (*models.PaymentExpectation, error) {
	if amountMinor <= 0 {
		return nil, fmt.Errorf("%w: %d", models.ErrInvalidAmount, amountMinor)
	}
	if payerId == "" {
		return nil, fmt.Errorf("payer id cannot be empty")
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := r.now().UTC()
	stamp := now.UnixMilli()
	reference := FormatReference(r.namespace, payerId, stamp)
	for r.byReference[reference] != "" {
		stamp++
		reference = FormatReference(r.namespace, payerId, stamp)
	}

	expectation := models.PaymentExpectation{
		Id:           uuid.New().String(),
		PayerId:      payerId,
		PayerContact: payerContact,
		AmountMinor:  amountMinor,
		TokensOwed:   r.TokensOwed(amountMinor),
		Reference:    reference,
		Status:       models.ExpectationPending,
		CreatedAt:    now,
	}

	if r.store != nil {
		if err := r.store.InsertExpectation(ctx, &expectation); err != nil {
			return nil, fmt.Errorf("unable to persist expectation: %w", err)
		}
	}

	r.add(expectation)

	zap.L().Info("Payment expectation registered",
		zap.String("expectation_id", expectation.Id),
		zap.String("user_id", payerId),
		zap.Int64("amount_minor", amountMinor),
		zap.Int64("tokens_owed", expectation.TokensOwed),
		zap.String("reference", reference))

	result := expectation
	return &result, nil
}

func (r *Registry) add(expectation models.PaymentExpectation) {
	r.seq++
	r.entries[expectation.Id] = &entry{expectation: expectation, seq: r.seq}
	r.byReference[expectation.Reference] = expectation.Id
}

func (r *Registry) remove(id string) {
	if e, ok := r.entries[id]; ok {
		delete(r.byReference, e.expectation.Reference)
		delete(r.entries, id)
	}
}

// Recover reloads pending expectations persisted by a previous process.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}

	pending, err := r.store.ListPendingExpectations(ctx)
	if err != nil {
		return 0, fmt.Errorf("unable to load pending expectations: %w", err)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, e := range pending {
		if _, ok := r.entries[e.Id]; !ok {
			r.add(e)
		}
	}

	zap.L().Info("Recovered pending expectations", zap.Int("count", len(pending)))
	return len(pending), nil
}

// Get returns a copy of the expectation while it is held by the registry.
func (r *Registry) Get(id string) (*models.PaymentExpectation, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	result := e.expectation
	return &result, true
}

// Pending returns the unclaimed pending expectations, oldest first.
func (r *Registry) Pending() []models.PaymentExpectation {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var result []models.PaymentExpectation
	for _, e := range r.sorted() {
		if !e.claimed {
			result = append(result, e.expectation)
		}
	}
	return result
}

// sorted returns entries FIFO by creation time, then registration order.
// Caller must hold the mutex.
func (r *Registry) sorted() []*entry {
	list := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.expectation.CreatedAt.Equal(b.expectation.CreatedAt) {
			return a.expectation.CreatedAt.Before(b.expectation.CreatedAt)
		}
		return a.seq < b.seq
	})
	return list
}

func amountMatches(e *entry, amount decimal.Decimal) bool {
	return e.expectation.Amount().Sub(amount).Abs().LessThan(amountEpsilon)
}

func (r *Registry) withinMatchingWindow(e *entry, asOf time.Time) bool {
	age := asOf.Sub(e.expectation.CreatedAt)
	return age >= -clockSkew && age <= r.matchingWindow
}

// findByAmount returns the oldest unclaimed pending entry matching amount
// within the matching window. Caller must hold the mutex.
func (r *Registry) findByAmount(amount decimal.Decimal, asOf time.Time) *entry {
	for _, e := range r.sorted() {
		if e.claimed || e.expectation.Status != models.ExpectationPending {
			continue
		}
		if amountMatches(e, amount) && r.withinMatchingWindow(e, asOf) {
			return e
		}
	}
	return nil
}

// FindByAmount returns the oldest pending expectation whose amount matches
// within one centavo and whose age at asOf is inside the matching window.
func (r *Registry) FindByAmount(amount decimal.Decimal, asOf time.Time) (*models.PaymentExpectation, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	e := r.findByAmount(amount, asOf)
	if e == nil {
		return nil, false
	}
	result := e.expectation
	return &result, true
}

func (r *Registry) claim(e *entry) *models.PaymentExpectation {
	e.claimed = true
	result := e.expectation
	return &result
}

// ClaimByAmount finds and claims in one step so two notifications cannot
// settle the same expectation.
func (r *Registry) ClaimByAmount(amount decimal.Decimal, asOf time.Time) (*models.PaymentExpectation, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	e := r.findByAmount(amount, asOf)
	if e == nil {
		return nil, false
	}
	return r.claim(e), true
}

// ClaimByReference claims the pending expectation issued with reference.
func (r *Registry) ClaimByReference(reference string) (*models.PaymentExpectation, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	id, ok := r.byReference[reference]
	if !ok {
		return nil, false
	}
	e := r.entries[id]
	if e.claimed || e.expectation.Status != models.ExpectationPending {
		return nil, false
	}
	return r.claim(e), true
}

// ClaimForPayer claims the payer's oldest pending expectation for amount.
// No time window applies: the payer is already identified.
func (r *Registry) ClaimForPayer(payerId string, amount decimal.Decimal) (*models.PaymentExpectation, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, e := range r.sorted() {
		if e.claimed || e.expectation.Status != models.ExpectationPending || e.expectation.PayerId != payerId {
			continue
		}
		if amountMatches(e, amount) {
			return r.claim(e), true
		}
	}
	return nil, false
}

// Release drops a claim; the expectation stays pending and matchable.
func (r *Registry) Release(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if e, ok := r.entries[id]; ok {
		e.claimed = false
	}
}

// MarkSettled drops a claimed expectation once its settlement has been
// committed to storage. It succeeds at most once per expectation.
func (r *Registry) MarkSettled(id string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrAlreadySettled, id)
	}
	if !e.claimed {
		return fmt.Errorf("%w: %s", ErrNotClaimed, id)
	}

	r.remove(id)
	zap.L().Info("Payment expectation settled",
		zap.String("expectation_id", id),
		zap.String("user_id", e.expectation.PayerId))
	return nil
}

// ExpireOlderThan moves unclaimed pending expectations older than maxAge to
// Expired. Claimed expectations are left for the settlement in flight.
func (r *Registry) ExpireOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := r.now().UTC()
	expired := 0
	for _, e := range r.sorted() {
		if e.claimed || now.Sub(e.expectation.CreatedAt) <= maxAge {
			continue
		}

		if r.store != nil {
			err := r.store.TransitionExpectation(ctx, e.expectation.Id, models.ExpectationExpired, now)
			if err != nil && !errors.Is(err, store.ErrConcurrentModification) {
				return expired, fmt.Errorf("unable to expire expectation %s: %w", e.expectation.Id, err)
			}
		}

		r.remove(e.expectation.Id)
		expired++

		zap.L().Info("Payment expectation expired",
			zap.String("expectation_id", e.expectation.Id),
			zap.String("user_id", e.expectation.PayerId),
			zap.Int64("amount_minor", e.expectation.AmountMinor),
			zap.Duration("age", now.Sub(e.expectation.CreatedAt)))
	}

	return expired, nil
}

// Sweep expires everything older than the configured expiry window.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	return r.ExpireOlderThan(ctx, r.expiryWindow)
}

// Start begins the background expiry sweep
func (r *Registry) Start(ctx context.Context) {
	zap.L().Info("Starting registry sweep",
		zap.Duration("sweep_interval", r.sweepInterval),
		zap.Duration("expiry_window", r.expiryWindow))
	go r.sweepLoop(ctx)
}

// Stop gracefully stops the sweep loop
func (r *Registry) Stop() {
	zap.L().Info("Stopping registry sweep")
	close(r.stopChan)
	<-r.doneChan
	zap.L().Info("Registry sweep stopped")
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				zap.L().Error("Registry sweep failed", zap.Error(err))
			}
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}
