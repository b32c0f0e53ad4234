package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExpectationStatus is the lifecycle state of a PaymentExpectation
type ExpectationStatus string

const (
	ExpectationPending ExpectationStatus = "pending"
	ExpectationSettled ExpectationStatus = "settled"
	ExpectationExpired ExpectationStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s ExpectationStatus) Terminal() bool {
	return s == ExpectationSettled || s == ExpectationExpired
}

// PaymentExpectation records that a payer is about to pay a specific amount
type PaymentExpectation struct {
	Id           string            `db:"id" json:"id"`
	PayerId      string            `db:"payer_id" json:"payer_id"`
	PayerContact string            `db:"payer_contact" json:"payer_contact,omitempty"`
	AmountMinor  int64             `db:"amount_minor" json:"amount_minor"`
	TokensOwed   int64             `db:"tokens_owed" json:"tokens_owed"`
	Reference    string            `db:"reference" json:"reference"`
	Status       ExpectationStatus `db:"status" json:"status"`
	CreatedAt    time.Time         `db:"created_at" json:"created_at"`
	SettledAt    *time.Time        `db:"settled_at" json:"settled_at,omitempty"`
}

// Amount returns the expected amount in BRL.
func (e *PaymentExpectation) Amount() decimal.Decimal {
	return decimal.New(e.AmountMinor, -2)
}

// Notification is an inbound payment signal from a rail webhook or an admin.
// Every field other than Amount may be absent.
type Notification struct {
	Amount              decimal.Decimal `json:"amount"`
	ExternalReference   string          `json:"externalReference,omitempty"`
	Description         string          `json:"description,omitempty"`
	SourceTransactionId string          `json:"sourceTransactionId,omitempty"`
	ReportedAt          *time.Time      `json:"reportedAt,omitempty"`
	Source              string          `json:"-"`
}

// Resolution strategies, in the order they are attempted
const (
	StrategyReference    = "reference"
	StrategyDescription  = "description"
	StrategyAmountWindow = "amount_window"
	StrategyNone         = "none"
)

// Settlement outcomes
const (
	OutcomeSettled        = "settled"
	OutcomeAlreadySettled = "already_settled"
	OutcomeUnreconciled   = "unreconciled"
	OutcomeIgnored        = "ignored"
	OutcomeCreditFailed   = "credit_failed"
)

// AuditRecord is written for every settlement attempt
type AuditRecord struct {
	Id             string    `db:"id" json:"id"`
	NotificationId string    `db:"notification_id" json:"notification_id"`
	Source         string    `db:"source" json:"source"`
	PayerId        string    `db:"payer_id" json:"payer_id,omitempty"`
	ExpectationId  string    `db:"expectation_id" json:"expectation_id,omitempty"`
	AmountMinor    int64     `db:"amount_minor" json:"amount_minor"`
	Tokens         int64     `db:"tokens" json:"tokens"`
	Strategy       string    `db:"strategy" json:"strategy"`
	Outcome        string    `db:"outcome" json:"outcome"`
	Detail         string    `db:"detail" json:"detail,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// UnreconciledPayment is a notification no strategy could attribute
type UnreconciledPayment struct {
	Id             string     `db:"id" json:"id"`
	NotificationId string     `db:"notification_id" json:"notification_id"`
	Source         string     `db:"source" json:"source"`
	AmountMinor    int64      `db:"amount_minor" json:"amount_minor"`
	Reference      string     `db:"reference" json:"reference,omitempty"`
	Description    string     `db:"description" json:"description,omitempty"`
	ReportedAt     *time.Time `db:"reported_at" json:"reported_at,omitempty"`
	Reason         string     `db:"reason" json:"reason"`
	Resolved       bool       `db:"resolved" json:"resolved"`
	ResolvedBy     string     `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// ProcessedNotification links a notification id to the expectation it settled
type ProcessedNotification struct {
	NotificationId string    `db:"notification_id"`
	ExpectationId  string    `db:"expectation_id"`
	PayerId        string    `db:"payer_id"`
	Tokens         int64     `db:"tokens"`
	CreatedAt      time.Time `db:"created_at"`
}

// SettlementResult represents the result of processing a notification
type SettlementResult struct {
	Success        bool   `json:"success"`
	Outcome        string `json:"outcome"`
	Strategy       string `json:"strategy,omitempty"`
	NotificationId string `json:"notification_id,omitempty"`
	UserId         string `json:"user_id,omitempty"`
	ExpectationId  string `json:"expectation_id,omitempty"`
	TokensCredited int64  `json:"tokens_credited"`
	NewBalance     int64  `json:"new_balance,omitempty"`
	UnreconciledId string `json:"unreconciled_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ManualSettlement is the single admin settlement action
type ManualSettlement struct {
	PayerId        string
	AmountMinor    int64
	UnreconciledId string
	Operator       string
}

// Provider payment statuses reported by Mercado Pago
const (
	ProviderStatusApproved  = "approved"
	ProviderStatusPending   = "pending"
	ProviderStatusInProcess = "in_process"
	ProviderStatusRejected  = "rejected"
	ProviderStatusCancelled = "cancelled"
	ProviderStatusRefunded  = "refunded"
)

// ProviderPayment is a payment as reported by an external provider's API
type ProviderPayment struct {
	Id                string          `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail,omitempty"`
	Amount            decimal.Decimal `json:"transaction_amount"`
	ExternalReference string          `json:"external_reference,omitempty"`
	Description       string          `json:"description,omitempty"`
	ApprovedAt        *time.Time      `json:"date_approved,omitempty"`
}
