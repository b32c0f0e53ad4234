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

package database

const (
	userColumns = `id, name, email, plan, tokens_from_plan, tokens_purchased, tokens_earned, tokens_spent,
		token_balance, accumulated_credit, withdrawn_credit, available_to_withdraw, version, created_at, updated_at`

	// User queries
	queryGetActiveUsers = `
		SELECT ` + userColumns + `
		FROM users
		WHERE active = 1
		ORDER BY created_at`

	queryGetPaidPlanUsers = `
		SELECT ` + userColumns + `
		FROM users
		WHERE active = 1 AND plan != ?
		ORDER BY created_at`

	queryInsertUser = `
		INSERT INTO users (id, name, email, plan, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`

	queryInsertDummyUser = `
		INSERT OR IGNORE INTO users (id, name, email, plan, accumulated_credit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryGetUserById = `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = ? AND active = 1`

	queryUpdateUser = `
		UPDATE users
		SET name = ?, plan = ?, tokens_from_plan = ?, tokens_earned = ?, tokens_spent = ?,
		    token_balance = ?, accumulated_credit = ?, available_to_withdraw = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`

	queryCreditPurchase = `
		UPDATE users
		SET tokens_purchased = tokens_purchased + ?, token_balance = token_balance + ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND active = 1`

	// Expectation queries
	queryInsertExpectation = `
		INSERT INTO payment_expectations (id, payer_id, payer_contact, amount_minor, tokens_owed, reference, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetExpectation = `
		SELECT id, payer_id, payer_contact, amount_minor, tokens_owed, reference, status, created_at, settled_at
		FROM payment_expectations
		WHERE id = ?`

	queryGetExpectationByReference = `
		SELECT id, payer_id, payer_contact, amount_minor, tokens_owed, reference, status, created_at, settled_at
		FROM payment_expectations
		WHERE reference = ?`

	queryGetPendingExpectations = `
		SELECT id, payer_id, payer_contact, amount_minor, tokens_owed, reference, status, created_at, settled_at
		FROM payment_expectations
		WHERE status = 'pending'
		ORDER BY created_at`

	queryTransitionExpectation = `
		UPDATE payment_expectations
		SET status = ?, settled_at = ?
		WHERE id = ? AND status = 'pending'`

	// Settlement bookkeeping queries
	queryInsertProcessedNotification = `
		INSERT OR IGNORE INTO processed_notifications (notification_id, expectation_id, payer_id, tokens, created_at)
		VALUES (?, ?, ?, ?, ?)`

	queryGetProcessedNotification = `
		SELECT notification_id, expectation_id, payer_id, tokens, created_at
		FROM processed_notifications
		WHERE notification_id = ?`

	queryInsertAuditRecord = `
		INSERT INTO audit_records (id, notification_id, source, payer_id, expectation_id, amount_minor, tokens, strategy, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetAuditRecords = `
		SELECT id, notification_id, source, payer_id, expectation_id, amount_minor, tokens, strategy, outcome, detail, created_at
		FROM audit_records
		WHERE notification_id = ?
		ORDER BY created_at, rowid`

	queryInsertNotification = `
		INSERT INTO user_notifications (id, user_id, kind, title, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	queryGetNotifications = `
		SELECT id, user_id, kind, title, message, created_at
		FROM user_notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`

	unreconciledColumns = `id, notification_id, source, amount_minor, reference, description, reported_at,
		reason, resolved, resolved_by, resolved_at, created_at`

	queryInsertUnreconciled = `
		INSERT OR IGNORE INTO unreconciled_payments (id, notification_id, source, amount_minor, reference, description, reported_at, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetUnreconciled = `
		SELECT ` + unreconciledColumns + `
		FROM unreconciled_payments
		WHERE id = ?`

	queryGetUnreconciledByNotification = `
		SELECT ` + unreconciledColumns + `
		FROM unreconciled_payments
		WHERE notification_id = ?`

	queryListUnreconciled = `
		SELECT ` + unreconciledColumns + `
		FROM unreconciled_payments
		WHERE resolved = 0 OR ?
		ORDER BY created_at`

	queryResolveUnreconciled = `
		UPDATE unreconciled_payments
		SET resolved = 1, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND resolved = 0`

	// Withdrawal queries
	queryInsertSnapshot = `
		INSERT OR IGNORE INTO entitlement_snapshots (window_key, user_id, accumulated_credit, entitlement, created_at)
		VALUES (?, ?, ?, ?, ?)`

	querySetAvailableToWithdraw = `
		UPDATE users
		SET available_to_withdraw = ?, version = version + 1, updated_at = ?
		WHERE id = ?`

	snapshotColumns = `window_key, user_id, accumulated_credit, entitlement, claimed, closed, created_at, closed_at`

	queryGetSnapshot = `
		SELECT ` + snapshotColumns + `
		FROM entitlement_snapshots
		WHERE window_key = ? AND user_id = ?`

	queryGetUnclosedSnapshots = `
		SELECT ` + snapshotColumns + `
		FROM entitlement_snapshots
		WHERE closed = 0
		ORDER BY window_key, user_id`

	queryCloseSnapshot = `
		UPDATE entitlement_snapshots
		SET closed = 1, closed_at = ?
		WHERE window_key = ? AND user_id = ? AND closed = 0`

	queryClaimEntitlement = `
		UPDATE entitlement_snapshots
		SET claimed = claimed + ?
		WHERE window_key = ? AND user_id = ? AND closed = 0 AND entitlement - claimed >= ?`

	queryDebitCredit = `
		UPDATE users
		SET accumulated_credit = accumulated_credit - ?, withdrawn_credit = withdrawn_credit + ?,
		    available_to_withdraw = available_to_withdraw - ?, version = version + 1, updated_at = ?
		WHERE id = ? AND accumulated_credit >= ? AND available_to_withdraw >= ?`

	queryInsertPayout = `
		INSERT INTO payouts (id, user_id, window_key, amount, credit_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	queryGetPayouts = `
		SELECT id, user_id, window_key, amount, credit_after, created_at
		FROM payouts
		WHERE user_id = ?
		ORDER BY created_at DESC`

	queryUpsertOverride = `
		INSERT INTO window_overrides (window_key, opens_at, closes_at, operator)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(window_key) DO UPDATE SET closes_at = excluded.closes_at, operator = excluded.operator`

	queryGetOverrides = `
		SELECT window_key, opens_at, closes_at, operator
		FROM window_overrides
		ORDER BY opens_at DESC`
)
