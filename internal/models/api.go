/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package models

import "time"

const PurchaseStatusAwaitingConfirmation = "pending: awaiting confirmation"

// PurchaseResult represents the result of starting a token purchase
type PurchaseResult struct {
	Success       bool      `json:"success"`
	ExpectationId string    `json:"expectation_id,omitempty"`
	Reference     string    `json:"reference,omitempty"`
	AmountMinor   int64     `json:"amount_minor,omitempty"`
	TokensOwed    int64     `json:"tokens_owed,omitempty"`
	Provider      string    `json:"provider,omitempty"`
	PixCode       string    `json:"pix_code,omitempty"`
	QRCodePNG     []byte    `json:"qr_code_png,omitempty"`
	Status        string    `json:"status,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// WalletView is the read model of a user's ledger
type WalletView struct {
	UserId              string `json:"user_id"`
	Plan                string `json:"plan"`
	TokensFromPlan      int64  `json:"tokens_from_plan"`
	TokensPurchased     int64  `json:"tokens_purchased"`
	TokensEarned        int64  `json:"tokens_earned"`
	TokensSpent         int64  `json:"tokens_spent"`
	TotalBalance        int64  `json:"total_balance"`
	AccumulatedCredit   int64  `json:"accumulated_credit"`
	WithdrawnCredit     int64  `json:"withdrawn_credit"`
	AvailableToWithdraw int64  `json:"available_to_withdraw"`
}
