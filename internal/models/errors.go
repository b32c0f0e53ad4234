package models

import (
	"errors"
	"fmt"
	"time"
)

// Business errors surfaced by the payment engine
var (
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrNoMatchFound            = errors.New("no matching payment expectation")
	ErrAlreadySettled          = errors.New("payment already settled")
	ErrWindowClosed            = errors.New("withdrawal window is closed")
	ErrInsufficientEntitlement = errors.New("insufficient entitlement")
	ErrBelowMinimum            = errors.New("amount below minimum payout")
	ErrInvalidRequest          = errors.New("invalid request")
)

// WindowClosedError carries the date the next window opens
type WindowClosedError struct {
	NextOpensAt time.Time
}

func (e *WindowClosedError) Error() string {
	return fmt.Sprintf("%s: next window opens at %s", ErrWindowClosed, e.NextOpensAt.Format(time.RFC3339))
}

func (e *WindowClosedError) Unwrap() error { return ErrWindowClosed }

// InsufficientEntitlementError carries the exact shortfall
type InsufficientEntitlementError struct {
	Requested int64
	Available int64
}

// Shortfall is the amount the request exceeds the entitlement by.
func (e *InsufficientEntitlementError) Shortfall() int64 {
	return e.Requested - e.Available
}

func (e *InsufficientEntitlementError) Error() string {
	return fmt.Sprintf("%s: requested=%d, available=%d, shortfall=%d",
		ErrInsufficientEntitlement, e.Requested, e.Available, e.Shortfall())
}

func (e *InsufficientEntitlementError) Unwrap() error { return ErrInsufficientEntitlement }

// BelowMinimumError carries the configured payout floor
type BelowMinimumError struct {
	Requested int64
	Minimum   int64
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("%s: requested=%d, minimum=%d", ErrBelowMinimum, e.Requested, e.Minimum)
}

func (e *BelowMinimumError) Unwrap() error { return ErrBelowMinimum }
