package models

import "time"

// WithdrawalWindow is derived from the clock, never persisted
type WithdrawalWindow struct {
	Key      string    `json:"key"`
	MonthKey string    `json:"month_key"`
	IsOpen   bool      `json:"is_open"`
	OpensAt  time.Time `json:"opens_at"`
	ClosesAt time.Time `json:"closes_at"`
	Override bool      `json:"override,omitempty"`
}

// EntitlementSnapshot is the per-user entitlement frozen when a window opens
type EntitlementSnapshot struct {
	WindowKey         string     `db:"window_key" json:"window_key"`
	UserId            string     `db:"user_id" json:"user_id"`
	AccumulatedCredit int64      `db:"accumulated_credit" json:"accumulated_credit"`
	Entitlement       int64      `db:"entitlement" json:"entitlement"`
	Claimed           int64      `db:"claimed" json:"claimed"`
	Closed            bool       `db:"closed" json:"closed"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	ClosedAt          *time.Time `db:"closed_at" json:"closed_at,omitempty"`
}

// Remaining returns the unclaimed part of the entitlement.
func (s *EntitlementSnapshot) Remaining() int64 {
	return s.Entitlement - s.Claimed
}

// Payout records a withdrawal made during an open window
type Payout struct {
	Id          string    `db:"id" json:"id"`
	UserId      string    `db:"user_id" json:"user_id"`
	WindowKey   string    `db:"window_key" json:"window_key"`
	Amount      int64     `db:"amount" json:"amount"`
	CreditAfter int64     `db:"credit_after" json:"credit_after"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// PayoutResult represents the result of a payout request
type PayoutResult struct {
	Success     bool       `json:"success"`
	PayoutId    string     `json:"payout_id,omitempty"`
	UserId      string     `json:"user_id,omitempty"`
	Amount      int64      `json:"amount,omitempty"`
	Remaining   int64      `json:"remaining_entitlement"`
	Error       string     `json:"error,omitempty"`
	NextOpensAt *time.Time `json:"next_opens_at,omitempty"`
	Shortfall   int64      `json:"shortfall,omitempty"`
	Minimum     int64      `json:"minimum,omitempty"`
}

// TransitionReport summarises one open or close pass of the scheduler
type TransitionReport struct {
	WindowKey  string `json:"window_key"`
	Transition string `json:"transition"`
	Users      int    `json:"users"`
	Notified   int    `json:"notified"`
	Skipped    int    `json:"skipped"`
}
