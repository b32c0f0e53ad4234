package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	_ "time/tzdata"

	"pix-settlement-go/internal/models"
	"pix-settlement-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	TransitionOpen  = "open"
	TransitionClose = "close"

	overrideDuration = 24 * time.Hour
)

// Storage is the subset of store.Storage the scheduler needs.
type Storage interface {
	store.UserStore
	store.NotificationStore
	store.WithdrawalStore
}

// Locker serializes ledger mutations per user.
type Locker interface {
	Lock(key string) func()
}

// Config contains configuration for Scheduler
type Config struct {
	Store         Storage
	Journal       store.Journal
	Locks         Locker
	DayOfMonth    int
	Timezone      string
	PayoutRate    decimal.Decimal
	MinimumPayout int64
	DefaultPlan   string
	TickInterval  time.Duration
	Clock         func() time.Time
}

// Scheduler gates payouts to one day per month and freezes each paid user's
// entitlement when that day starts.
type Scheduler struct {
	store         Storage
	journal       store.Journal
	locks         Locker
	dayOfMonth    int
	location      *time.Location
	payoutRate    decimal.Decimal
	minimumPayout int64
	defaultPlan   string
	tickInterval  time.Duration
	now           func() time.Time

	tickMutex sync.Mutex

	stopChan chan struct{}
	doneChan chan struct{}
}

type localMutex struct {
	mu sync.Mutex
}

func (l *localMutex) Lock(string) func() {
	l.mu.Lock()
	return l.mu.Unlock
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("withdrawal store is required")
	}
	if cfg.DayOfMonth < 1 || cfg.DayOfMonth > 31 {
		return nil, fmt.Errorf("day of month must be between 1 and 31, got %d", cfg.DayOfMonth)
	}
	if !cfg.PayoutRate.IsPositive() || cfg.PayoutRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("payout rate must be in (0, 1], got %s", cfg.PayoutRate)
	}

	timezone := cfg.Timezone
	if timezone == "" {
		timezone = "America/Sao_Paulo"
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("unable to load timezone %s: %w", timezone, err)
	}

	s := &Scheduler{
		store:         cfg.Store,
		journal:       cfg.Journal,
		locks:         cfg.Locks,
		dayOfMonth:    cfg.DayOfMonth,
		location:      location,
		payoutRate:    cfg.PayoutRate,
		minimumPayout: cfg.MinimumPayout,
		defaultPlan:   cfg.DefaultPlan,
		tickInterval:  cfg.TickInterval,
		now:           cfg.Clock,
		stopChan:      make(chan struct{}),
		doneChan:      make(chan struct{}),
	}
	if s.locks == nil {
		s.locks = &localMutex{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.defaultPlan == "" {
		s.defaultPlan = "free"
	}
	if s.tickInterval <= 0 {
		s.tickInterval = time.Minute
	}
	return s, nil
}

// Entitlement is floor(accumulatedCredit × payout rate).
func (s *Scheduler) Entitlement(accumulatedCredit int64) int64 {
	if accumulatedCredit <= 0 {
		return 0
	}
	return decimal.NewFromInt(accumulatedCredit).Mul(s.payoutRate).Floor().IntPart()
}

func (s *Scheduler) opensAtIn(year int, month time.Month) time.Time {
	day := s.dayOfMonth
	if last := time.Date(year, month+1, 0, 0, 0, 0, 0, s.location).Day(); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, s.location)
}

// WindowAt derives the regular monthly window for the month containing now.
func (s *Scheduler) WindowAt(now time.Time) models.WithdrawalWindow {
	local := now.In(s.location)
	opensAt := s.opensAtIn(local.Year(), local.Month())
	closesAt := opensAt.AddDate(0, 0, 1)
	monthKey := local.Format("2006-01")

	return models.WithdrawalWindow{
		Key:      monthKey,
		MonthKey: monthKey,
		IsOpen:   !now.Before(opensAt) && now.Before(closesAt),
		OpensAt:  opensAt,
		ClosesAt: closesAt,
	}
}

// NextOpensAt returns the first regular window opening after now.
func (s *Scheduler) NextOpensAt(now time.Time) time.Time {
	local := now.In(s.location)
	opensAt := s.opensAtIn(local.Year(), local.Month())
	if now.Before(opensAt) {
		return opensAt
	}
	return s.opensAtIn(local.Year(), local.Month()+1)
}

// CurrentWindow returns the regular window, or an active emergency override
// when the regular one is closed.
func (s *Scheduler) CurrentWindow(ctx context.Context) (models.WithdrawalWindow, error) {
	return s.activeWindow(ctx, s.now())
}

func (s *Scheduler) activeWindow(ctx context.Context, now time.Time) (models.WithdrawalWindow, error) {
	window := s.WindowAt(now)
	if window.IsOpen {
		return window, nil
	}

	override, err := s.store.GetActiveOverride(ctx, now)
	if err != nil {
		return window, err
	}
	if override == nil {
		return window, nil
	}

	return models.WithdrawalWindow{
		Key:      override.WindowKey,
		MonthKey: window.MonthKey,
		IsOpen:   true,
		OpensAt:  override.OpensAt.In(s.location),
		ClosesAt: override.ClosesAt.In(s.location),
		Override: true,
	}, nil
}

// Tick closes snapshots of windows that are no longer open and snapshots
// entitlement for the open window. Running it again in the same period is a
// no-op.
func (s *Scheduler) Tick(ctx context.Context) ([]models.TransitionReport, error) {
	s.tickMutex.Lock()
	defer s.tickMutex.Unlock()

	now := s.now()
	window, err := s.activeWindow(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("unable to determine withdrawal window: %w", err)
	}

	reports, err := s.closeStale(ctx, window, now)
	if err != nil {
		return reports, err
	}

	if window.IsOpen {
		report, err := s.open(ctx, window, now)
		if err != nil {
			return reports, err
		}
		reports = append(reports, *report)
	}

	return reports, nil
}

func (s *Scheduler) closeStale(ctx context.Context, window models.WithdrawalWindow, now time.Time) ([]models.TransitionReport, error) {
	snapshots, err := s.store.ListUnclosedSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to list open snapshots: %w", err)
	}

	var reports []models.TransitionReport
	index := make(map[string]int)

	for _, snap := range snapshots {
		if window.IsOpen && snap.WindowKey == window.Key {
			continue
		}

		i, ok := index[snap.WindowKey]
		if !ok {
			reports = append(reports, models.TransitionReport{WindowKey: snap.WindowKey, Transition: TransitionClose})
			i = len(reports) - 1
			index[snap.WindowKey] = i
		}

		unlock := s.locks.Lock(snap.UserId)
		closed, err := s.store.CloseSnapshot(ctx, snap.WindowKey, snap.UserId, now)
		unlock()
		if err != nil {
			zap.L().Error("Failed to close entitlement snapshot",
				zap.String("window_key", snap.WindowKey),
				zap.String("user_id", snap.UserId),
				zap.Error(err))
			reports[i].Skipped++
			continue
		}
		if !closed {
			reports[i].Skipped++
			continue
		}

		reports[i].Users++
		if remaining := snap.Remaining(); remaining > 0 {
			s.notify(ctx, snap.UserId, models.NotificationWindowExpired,
				"Janela de saque encerrada",
				fmt.Sprintf("A janela de saque terminou. %d créditos não resgatados expiraram.", remaining))
			reports[i].Notified++
		}
	}

	for _, r := range reports {
		zap.L().Info("Withdrawal window closed",
			zap.String("window_key", r.WindowKey),
			zap.Int("users", r.Users),
			zap.Int("notified", r.Notified))
	}
	return reports, nil
}

func (s *Scheduler) open(ctx context.Context, window models.WithdrawalWindow, now time.Time) (*models.TransitionReport, error) {
	users, err := s.store.ListPaidPlanUsers(ctx, s.defaultPlan)
	if err != nil {
		return nil, fmt.Errorf("unable to list paid plan users: %w", err)
	}

	report := &models.TransitionReport{WindowKey: window.Key, Transition: TransitionOpen}
	for _, user := range users {
		snap, inserted, err := s.snapshot(ctx, window, user, now)
		if err != nil {
			zap.L().Error("Failed to snapshot entitlement",
				zap.String("window_key", window.Key),
				zap.String("user_id", user.Id),
				zap.Error(err))
			report.Skipped++
			continue
		}
		if !inserted {
			report.Skipped++
			continue
		}

		report.Users++
		if snap.Entitlement > 0 {
			s.notify(ctx, user.Id, models.NotificationWindowOpened,
				"Janela de saque aberta",
				fmt.Sprintf("Você pode sacar até %d créditos até %s.",
					snap.Entitlement, window.ClosesAt.Format("02/01/2006 15:04")))
			report.Notified++
		}
	}

	if report.Users > 0 {
		zap.L().Info("Withdrawal window opened",
			zap.String("window_key", window.Key),
			zap.Bool("override", window.Override),
			zap.Int("users", report.Users),
			zap.Int("notified", report.Notified))
	}
	return report, nil
}

func (s *Scheduler) snapshot(ctx context.Context, window models.WithdrawalWindow, user models.User, now time.Time) (*models.EntitlementSnapshot, bool, error) {
	unlock := s.locks.Lock(user.Id)
	defer unlock()

	return s.insertSnapshot(ctx, window, user, now)
}

// insertSnapshot expects the caller to hold the user's lock.
func (s *Scheduler) insertSnapshot(ctx context.Context, window models.WithdrawalWindow, user models.User, now time.Time) (*models.EntitlementSnapshot, bool, error) {
	snap := &models.EntitlementSnapshot{
		WindowKey:         window.Key,
		UserId:            user.Id,
		AccumulatedCredit: user.AccumulatedCredit,
		Entitlement:       s.Entitlement(user.AccumulatedCredit),
		CreatedAt:         now.UTC(),
	}
	inserted, err := s.store.InsertSnapshotIfAbsent(ctx, snap)
	if err != nil {
		return nil, false, err
	}
	return snap, inserted, nil
}

// RequestPayout debits amount from the user's accumulated credit while a
// window is open. Rejections come back as a result with Success false
// together with a typed error from models.
func (s *Scheduler) RequestPayout(ctx context.Context, userId string, amount int64) (*models.PayoutResult, error) {
	result := &models.PayoutResult{UserId: userId, Amount: amount}
	reject := func(err error) (*models.PayoutResult, error) {
		result.Error = err.Error()
		return result, err
	}

	if amount <= 0 {
		return reject(fmt.Errorf("%w: %d", models.ErrInvalidAmount, amount))
	}

	now := s.now()
	window, err := s.activeWindow(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("unable to determine withdrawal window: %w", err)
	}
	if !window.IsOpen {
		next := s.NextOpensAt(now)
		result.NextOpensAt = &next
		return reject(&models.WindowClosedError{NextOpensAt: next})
	}

	if amount < s.minimumPayout {
		result.Minimum = s.minimumPayout
		return reject(&models.BelowMinimumError{Requested: amount, Minimum: s.minimumPayout})
	}

	user, err := s.store.GetUser(ctx, userId)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(userId)
	defer unlock()

	snap, err := s.store.GetSnapshot(ctx, window.Key, userId)
	if err != nil {
		return nil, err
	}
	if snap == nil && user.Plan != s.defaultPlan {
		// The window opened before the first tick reached this user.
		if snap, _, err = s.insertSnapshot(ctx, window, *user, now); err != nil {
			return nil, err
		}
	}

	available := int64(0)
	if snap != nil && !snap.Closed {
		available = snap.Remaining()
	}
	if amount > available {
		result.Remaining = available
		result.Shortfall = amount - available
		return reject(&models.InsufficientEntitlementError{Requested: amount, Available: available})
	}

	payout := &models.Payout{
		Id:        uuid.New().String(),
		UserId:    userId,
		WindowKey: window.Key,
		Amount:    amount,
		CreatedAt: now.UTC(),
	}
	updated, err := s.store.ApplyPayout(ctx, payout)
	if errors.Is(err, store.ErrInsufficientFunds) {
		current, getErr := s.store.GetUser(ctx, userId)
		if getErr != nil {
			return nil, getErr
		}
		available = min(available, current.AccumulatedCredit)
		result.Remaining = available
		result.Shortfall = amount - available
		return reject(&models.InsufficientEntitlementError{Requested: amount, Available: available})
	}
	if err != nil {
		return nil, fmt.Errorf("unable to apply payout: %w", err)
	}

	if s.journal != nil {
		if err := s.journal.RecordPayout(ctx, *payout); err != nil {
			zap.L().Warn("Failed to mirror payout to journal",
				zap.String("payout_id", payout.Id),
				zap.Error(err))
		}
	}

	s.notify(ctx, userId, models.NotificationPayoutRecorded,
		"Saque registrado",
		fmt.Sprintf("Saque de %d créditos registrado. Saldo acumulado: %d.", amount, updated.AccumulatedCredit))

	result.Success = true
	result.PayoutId = payout.Id
	result.Remaining = available - amount
	return result, nil
}

// ForceOpen opens an emergency 24h window starting now. It returns the
// window that is open afterwards; when the regular window is already open
// no override is recorded.
func (s *Scheduler) ForceOpen(ctx context.Context, operator string) (models.WithdrawalWindow, []models.TransitionReport, error) {
	now := s.now()
	window, err := s.activeWindow(ctx, now)
	if err != nil {
		return window, nil, err
	}

	if !window.IsOpen {
		local := now.In(s.location)
		override := store.WindowOverride{
			WindowKey: fmt.Sprintf("%s-override-%02d", local.Format("2006-01"), local.Day()),
			OpensAt:   now.UTC(),
			ClosesAt:  now.Add(overrideDuration).UTC(),
			Operator:  operator,
		}
		if err := s.store.SaveOverride(ctx, override); err != nil {
			return window, nil, err
		}

		zap.L().Warn("Withdrawal window force-opened",
			zap.String("operator", operator),
			zap.String("window_key", override.WindowKey),
			zap.Time("closes_at", override.ClosesAt))
	}

	reports, err := s.Tick(ctx)
	if err != nil {
		return window, reports, err
	}

	window, err = s.activeWindow(ctx, now)
	return window, reports, err
}

func (s *Scheduler) notify(ctx context.Context, userId, kind, title, message string) {
	err := s.store.CreateNotification(ctx, &models.UserNotification{
		Id:        uuid.New().String(),
		UserId:    userId,
		Kind:      kind,
		Title:     title,
		Message:   message,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		zap.L().Warn("Failed to create notification",
			zap.String("user_id", userId),
			zap.String("kind", kind),
			zap.Error(err))
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	zap.L().Info("Starting withdrawal scheduler",
		zap.Int("day_of_month", s.dayOfMonth),
		zap.String("timezone", s.location.String()),
		zap.Duration("tick_interval", s.tickInterval))

	go s.tickLoop(ctx)
}

func (s *Scheduler) Stop() {
	zap.L().Info("Stopping withdrawal scheduler")
	close(s.stopChan)
	<-s.doneChan
	zap.L().Info("Withdrawal scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.runTick(ctx)

	for {
		select {
		case <-ticker.C:
			s.runTick(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil {
		zap.L().Error("Withdrawal scheduler tick failed", zap.Error(err))
	}
}
