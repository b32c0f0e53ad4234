package store

import (
	"context"
	"errors"
	"time"

	"pix-settlement-go/internal/models"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrUserNotFound           = errors.New("user not found")
	ErrExpectationNotFound    = errors.New("payment expectation not found")
	ErrUnreconciledNotFound   = errors.New("unreconciled payment not found")
	ErrDuplicateNotification  = errors.New("duplicate notification")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrInsufficientFunds      = errors.New("insufficient funds for debit")
)

// UserStore covers the ledger counters the payment engine reads and writes.
type UserStore interface {
	GetUsers(ctx context.Context) ([]models.User, error)
	GetUser(ctx context.Context, userId string) (*models.User, error)
	CreateUser(ctx context.Context, userId, name, email, plan string) (*models.User, error)
	// UpdateUser applies the non-nil fields of update. Rejected with
	// ErrConcurrentModification when the row changed since it was read.
	UpdateUser(ctx context.Context, userId string, update models.UserUpdate) (*models.User, error)
	ListPaidPlanUsers(ctx context.Context, defaultPlan string) ([]models.User, error)
}

type AuditStore interface {
	CreateAuditRecord(ctx context.Context, record *models.AuditRecord) error
	ListAuditRecords(ctx context.Context, notificationId string) ([]models.AuditRecord, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, notification *models.UserNotification) error
	ListNotifications(ctx context.Context, userId string, limit int) ([]models.UserNotification, error)
}

// ExpectationStore persists the registry so pending purchases survive a restart.
type ExpectationStore interface {
	InsertExpectation(ctx context.Context, expectation *models.PaymentExpectation) error
	GetExpectation(ctx context.Context, id string) (*models.PaymentExpectation, error)
	GetExpectationByReference(ctx context.Context, reference string) (*models.PaymentExpectation, error)
	ListPendingExpectations(ctx context.Context) ([]models.PaymentExpectation, error)
	// TransitionExpectation moves a pending expectation to a terminal status.
	// Returns ErrConcurrentModification when the row is no longer pending.
	TransitionExpectation(ctx context.Context, id string, status models.ExpectationStatus, at time.Time) error
}

// ProcessedNotificationStore remembers which notifications already settled an expectation.
type ProcessedNotificationStore interface {
	GetProcessedNotification(ctx context.Context, notificationId string) (*models.ProcessedNotification, error)
	// SettleExpectation transitions the expectation to settled, records the
	// notification and credits tokens to tokens_purchased and token_balance,
	// all or nothing. Returns ErrConcurrentModification when the expectation
	// is no longer pending and ErrDuplicateNotification when the notification
	// was already recorded.
	SettleExpectation(ctx context.Context, processed *models.ProcessedNotification) (*models.User, error)
}

type UnreconciledStore interface {
	// CreateUnreconciled returns ErrDuplicateNotification when the notification is already queued.
	CreateUnreconciled(ctx context.Context, payment *models.UnreconciledPayment) error
	GetUnreconciled(ctx context.Context, id string) (*models.UnreconciledPayment, error)
	GetUnreconciledByNotification(ctx context.Context, notificationId string) (*models.UnreconciledPayment, error)
	ListUnreconciled(ctx context.Context, includeResolved bool) ([]models.UnreconciledPayment, error)
	ResolveUnreconciled(ctx context.Context, id, resolvedBy string, at time.Time) error
}

// WindowOverride is an emergency withdrawal window opened by an operator.
type WindowOverride struct {
	WindowKey string
	OpensAt   time.Time
	ClosesAt  time.Time
	Operator  string
}

type WithdrawalStore interface {
	// InsertSnapshotIfAbsent records the entitlement and sets the user's
	// available_to_withdraw in one transaction. Returns false when a snapshot
	// for the same window and user already exists.
	InsertSnapshotIfAbsent(ctx context.Context, snapshot *models.EntitlementSnapshot) (bool, error)
	GetSnapshot(ctx context.Context, windowKey, userId string) (*models.EntitlementSnapshot, error)
	ListUnclosedSnapshots(ctx context.Context) ([]models.EntitlementSnapshot, error)
	// CloseSnapshot zeroes the unclaimed entitlement. Returns false when the
	// snapshot was already closed.
	CloseSnapshot(ctx context.Context, windowKey, userId string, at time.Time) (bool, error)
	// ApplyPayout debits the ledger and claims entitlement atomically.
	// Returns ErrInsufficientFunds when either bound would go negative.
	ApplyPayout(ctx context.Context, payout *models.Payout) (*models.User, error)
	ListPayouts(ctx context.Context, userId string) ([]models.Payout, error)
	SaveOverride(ctx context.Context, override WindowOverride) error
	GetActiveOverride(ctx context.Context, at time.Time) (*WindowOverride, error)
}

// Storage is the contract every backend must satisfy.
type Storage interface {
	UserStore
	AuditStore
	NotificationStore
	ExpectationStore
	ProcessedNotificationStore
	UnreconciledStore
	WithdrawalStore

	Close()
}

// SettlementEntry is a credit mirrored into an external journal.
type SettlementEntry struct {
	Reference     string
	UserId        string
	ExpectationId string
	AmountMinor   int64
	Tokens        int64
	Strategy      string
	SettledAt     time.Time
}

// Journal mirrors ledger movements into an external double-entry system.
// Implementations treat an already recorded reference as success.
type Journal interface {
	RecordSettlement(ctx context.Context, entry SettlementEntry) error
	RecordPayout(ctx context.Context, payout models.Payout) error
}
