package models

import "time"

// User is the owner of a token wallet. Only the counters the payment engine
// reads or writes are modelled here.
type User struct {
	Id                  string    `db:"id" json:"id"`
	Name                string    `db:"name" json:"name"`
	Email               string    `db:"email" json:"email"`
	Plan                string    `db:"plan" json:"plan"`
	TokensFromPlan      int64     `db:"tokens_from_plan" json:"tokens_from_plan"`
	TokensPurchased     int64     `db:"tokens_purchased" json:"tokens_purchased"`
	TokensEarned        int64     `db:"tokens_earned" json:"tokens_earned"`
	TokensSpent         int64     `db:"tokens_spent" json:"tokens_spent"`
	TokenBalance        int64     `db:"token_balance" json:"token_balance"`
	AccumulatedCredit   int64     `db:"accumulated_credit" json:"accumulated_credit"`
	WithdrawnCredit     int64     `db:"withdrawn_credit" json:"withdrawn_credit"`
	AvailableToWithdraw int64     `db:"available_to_withdraw" json:"available_to_withdraw"`
	Version             int64     `db:"version" json:"-"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// TotalBalance is the sum of the component counters minus spent tokens.
func (u *User) TotalBalance() int64 {
	return u.TokensFromPlan + u.TokensPurchased + u.TokensEarned - u.TokensSpent
}

// UserUpdate carries a partial update; nil fields are left untouched.
type UserUpdate struct {
	Name                *string
	Plan                *string
	TokensFromPlan      *int64
	TokensEarned        *int64
	TokensSpent         *int64
	AccumulatedCredit   *int64
	AvailableToWithdraw *int64
}

// Notification kinds sent to users and admins
const (
	NotificationPaymentConfirmed = "payment_confirmed"
	NotificationPaymentUnmatched = "payment_unreconciled"
	NotificationWindowOpened     = "withdrawal_window_opened"
	NotificationWindowExpired    = "withdrawal_entitlement_expired"
	NotificationPayoutRecorded   = "payout_recorded"
)

// UserNotification is an in-app message for a user
type UserNotification struct {
	Id        string    `db:"id" json:"id"`
	UserId    string    `db:"user_id" json:"user_id"`
	Kind      string    `db:"kind" json:"kind"`
	Title     string    `db:"title" json:"title"`
	Message   string    `db:"message" json:"message"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
