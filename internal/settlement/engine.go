package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"pix-settlement-go/internal/models"
	"pix-settlement-go/internal/registry"
	"pix-settlement-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	SourceAdmin       = "admin"
	SourcePixWebhook  = "pix_webhook"
	SourceMercadoPago = "mercadopago"
)

// Storage is the subset of store.Storage the engine writes to.
type Storage interface {
	store.UserStore
	store.AuditStore
	store.NotificationStore
	store.ExpectationStore
	store.ProcessedNotificationStore
	store.UnreconciledStore
}

// Config contains configuration for Engine
type Config struct {
	Registry       *registry.Registry
	Store          Storage
	Journal        store.Journal
	UserLocks      *KeyedMutex
	MaxAmountMinor int64
	AdminUserId    string
	ProcessTimeout time.Duration
	Tracer         trace.Tracer
	Clock          func() time.Time
}

// resolver attempts to attribute a notification to one pending expectation.
type resolver struct {
	strategy string
	resolve  func(n models.Notification, asOf time.Time) (*models.PaymentExpectation, bool)
}

// Engine resolves inbound payment notifications and credits each
// expectation exactly once.
type Engine struct {
	registry       *registry.Registry
	store          Storage
	journal        store.Journal
	userLocks      *KeyedMutex
	notifyLocks    *KeyedMutex
	maxAmountMinor int64
	adminUserId    string
	processTimeout time.Duration
	tracer         trace.Tracer
	now            func() time.Time
	resolvers      []resolver
}

func NewEngine(cfg Config) *Engine {
	e := &Engine{
		registry:       cfg.Registry,
		store:          cfg.Store,
		journal:        cfg.Journal,
		userLocks:      cfg.UserLocks,
		notifyLocks:    NewKeyedMutex(),
		maxAmountMinor: cfg.MaxAmountMinor,
		adminUserId:    cfg.AdminUserId,
		processTimeout: cfg.ProcessTimeout,
		tracer:         cfg.Tracer,
		now:            cfg.Clock,
	}
	if e.userLocks == nil {
		e.userLocks = NewKeyedMutex()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("pix-settlement/settlement")
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.adminUserId == "" {
		e.adminUserId = "admin"
	}

	e.resolvers = []resolver{
		{models.StrategyDescription, e.resolveByDescription},
		{models.StrategyAmountWindow, e.resolveByAmount},
	}
	return e
}

// UserLocks exposes the per-user mutex so payouts serialize with credits.
func (e *Engine) UserLocks() *KeyedMutex {
	return e.userLocks
}

// NotificationId returns the idempotency key of a notification: the rail's
// transaction id when present, otherwise a fingerprint of the payload.
func NotificationId(n models.Notification) string {
	if id := strings.TrimSpace(n.SourceTransactionId); id != "" {
		return id
	}

	reported := ""
	if n.ReportedAt != nil {
		reported = n.ReportedAt.UTC().Format(time.RFC3339Nano)
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{
		n.Amount.StringFixed(2),
		strings.TrimSpace(n.ExternalReference),
		strings.TrimSpace(n.Description),
		reported,
	}, "|")))
	return "fp-" + hex.EncodeToString(sum[:16])
}

// AmountMinor converts a reported BRL amount to centavos.
func AmountMinor(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// Process resolves and settles one notification. Business outcomes are
// reported in the result; an error is returned only when the caller should
// retry (the ledger write failed).
func (e *Engine) Process(ctx context.Context, n models.Notification) (*models.SettlementResult, error) {
	if e.processTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.processTimeout)
		defer cancel()
	}

	notificationId := NotificationId(n)
	ctx, span := e.tracer.Start(ctx, "settlement.process", trace.WithAttributes(
		attribute.String("notification.id", notificationId),
		attribute.String("notification.source", n.Source),
	))
	defer span.End()

	unlock := e.notifyLocks.Lock(notificationId)
	defer unlock()

	result, err := e.process(ctx, n, notificationId)
	if result != nil {
		span.SetAttributes(
			attribute.String("settlement.outcome", result.Outcome),
			attribute.String("settlement.strategy", result.Strategy))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (e *Engine) process(ctx context.Context, n models.Notification, notificationId string) (*models.SettlementResult, error) {
	amountMinor := AmountMinor(n.Amount)

	if err := e.validate(n, amountMinor); err != nil {
		zap.L().Warn("Ignoring malformed notification",
			zap.String("notification_id", notificationId),
			zap.String("source", n.Source),
			zap.String("amount", n.Amount.String()),
			zap.Error(err))
		e.audit(ctx, &models.AuditRecord{
			NotificationId: notificationId,
			Source:         n.Source,
			AmountMinor:    amountMinor,
			Strategy:       models.StrategyNone,
			Outcome:        models.OutcomeIgnored,
			Detail:         err.Error(),
		})
		return &models.SettlementResult{
			Outcome:        models.OutcomeIgnored,
			Strategy:       models.StrategyNone,
			NotificationId: notificationId,
			Error:          err.Error(),
		}, nil
	}

	processed, err := e.store.GetProcessedNotification(ctx, notificationId)
	if err != nil {
		return e.failed(notificationId, err), fmt.Errorf("unable to check processed notification: %w", err)
	}
	if processed != nil {
		return e.alreadySettled(ctx, n, notificationId, processed), nil
	}

	asOf := e.now().UTC()
	if n.ReportedAt != nil {
		asOf = n.ReportedAt.UTC()
	}

	if ref, payerId, strategy, ok := e.structuredReference(n); ok {
		return e.settleByReference(ctx, n, notificationId, strategy, ref, payerId)
	}

	for _, r := range e.resolvers {
		expectation, ok := r.resolve(n, asOf)
		if !ok {
			continue
		}
		return e.settle(ctx, n, notificationId, r.strategy, expectation)
	}

	return e.queueUnreconciled(ctx, n, notificationId, models.ErrNoMatchFound.Error())
}

func (e *Engine) validate(n models.Notification, amountMinor int64) error {
	if !n.Amount.IsPositive() || amountMinor <= 0 {
		return fmt.Errorf("%w: %s", models.ErrInvalidAmount, n.Amount.String())
	}
	if e.maxAmountMinor > 0 && amountMinor > e.maxAmountMinor {
		return fmt.Errorf("%w: %s exceeds limit", models.ErrInvalidAmount, n.Amount.String())
	}
	return nil
}

// structuredReference finds one of our references in the external reference
// field, or failing that as a token of the description.
func (e *Engine) structuredReference(n models.Notification) (ref, payerId, strategy string, ok bool) {
	namespace := e.registry.Namespace()

	ref = strings.TrimSpace(n.ExternalReference)
	if payerId, _, ok = registry.ParseReference(namespace, ref); ok {
		return ref, payerId, models.StrategyReference, true
	}
	for _, token := range strings.Fields(n.Description) {
		if payerId, _, ok = registry.ParseReference(namespace, token); ok {
			return token, payerId, models.StrategyDescription, true
		}
	}
	return "", "", "", false
}

// settleByReference handles a notification carrying one of our references.
// The reference is authoritative: a notification that names an expectation
// never falls through to the description or amount heuristics.
func (e *Engine) settleByReference(ctx context.Context, n models.Notification, notificationId, strategy, ref, payerId string) (*models.SettlementResult, error) {
	if expectation, ok := e.registry.ClaimByReference(ref); ok {
		return e.settle(ctx, n, notificationId, strategy, expectation)
	}

	issued, err := e.store.GetExpectationByReference(ctx, ref)
	switch {
	case errors.Is(err, store.ErrExpectationNotFound):
		// not issued here; the payer id is still trustworthy
		if expectation, ok := e.registry.ClaimForPayer(payerId, n.Amount); ok {
			return e.settle(ctx, n, notificationId, strategy, expectation)
		}
		return e.queueUnreconciled(ctx, n, notificationId,
			fmt.Sprintf("%s: no pending expectation for payer %s", models.ErrNoMatchFound.Error(), payerId))
	case err != nil:
		return e.failed(notificationId, err), fmt.Errorf("unable to look up reference %s: %w", ref, err)
	case issued.Status == models.ExpectationSettled:
		return e.alreadySettled(ctx, n, notificationId, &models.ProcessedNotification{
			ExpectationId: issued.Id,
			PayerId:       issued.PayerId,
		}), nil
	default:
		// expired, or pending but claimed by a settlement in flight
		return e.queueUnreconciled(ctx, n, notificationId,
			fmt.Sprintf("reference %s names expectation %s which is %s", ref, issued.Id, issued.Status))
	}
}

func (e *Engine) resolveByDescription(n models.Notification, _ time.Time) (*models.PaymentExpectation, bool) {
	description := strings.TrimSpace(n.Description)
	if description == "" {
		return nil, false
	}
	payerId, ok := registry.PayerFromDescription(description)
	if !ok {
		return nil, false
	}
	return e.registry.ClaimForPayer(payerId, n.Amount)
}

func (e *Engine) resolveByAmount(n models.Notification, asOf time.Time) (*models.PaymentExpectation, bool) {
	return e.registry.ClaimByAmount(n.Amount, asOf)
}

// settle credits a claimed expectation. The credit, the processed marker and
// the settled status commit together; on failure the claim is released and
// the expectation stays pending for a retry.
func (e *Engine) settle(ctx context.Context, n models.Notification, notificationId, strategy string, expectation *models.PaymentExpectation) (*models.SettlementResult, error) {
	zap.L().Info("Notification resolved",
		zap.String("notification_id", notificationId),
		zap.String("strategy", strategy),
		zap.String("expectation_id", expectation.Id),
		zap.String("user_id", expectation.PayerId))

	unlock := e.userLocks.Lock(expectation.PayerId)
	defer unlock()

	record := &models.AuditRecord{
		NotificationId: notificationId,
		Source:         n.Source,
		PayerId:        expectation.PayerId,
		ExpectationId:  expectation.Id,
		AmountMinor:    AmountMinor(n.Amount),
		Tokens:         expectation.TokensOwed,
		Strategy:       strategy,
	}

	if expectation.Status.Terminal() {
		e.registry.Release(expectation.Id)
		record.Outcome = models.OutcomeAlreadySettled
		record.Tokens = 0
		e.audit(ctx, record)
		return &models.SettlementResult{
			Success:        true,
			Outcome:        models.OutcomeAlreadySettled,
			Strategy:       strategy,
			NotificationId: notificationId,
			UserId:         expectation.PayerId,
			ExpectationId:  expectation.Id,
		}, nil
	}

	user, err := e.store.SettleExpectation(ctx, &models.ProcessedNotification{
		NotificationId: notificationId,
		ExpectationId:  expectation.Id,
		PayerId:        expectation.PayerId,
		Tokens:         expectation.TokensOwed,
		CreatedAt:      e.now().UTC(),
	})
	if errors.Is(err, store.ErrConcurrentModification) {
		return e.leftPending(ctx, n, notificationId, strategy, expectation, record)
	}
	if err != nil {
		e.registry.Release(expectation.Id)
		zap.L().Error("Failed to settle purchase, expectation stays pending",
			zap.String("notification_id", notificationId),
			zap.String("expectation_id", expectation.Id),
			zap.String("user_id", expectation.PayerId),
			zap.Error(err))
		record.Outcome = models.OutcomeCreditFailed
		record.Detail = err.Error()
		e.audit(ctx, record)
		result := e.failed(notificationId, err)
		result.Strategy = strategy
		result.UserId = expectation.PayerId
		result.ExpectationId = expectation.Id
		return result, fmt.Errorf("unable to credit user %s: %w", expectation.PayerId, err)
	}

	if err := e.registry.MarkSettled(expectation.Id); err != nil {
		zap.L().Warn("Settled expectation was not held by the registry",
			zap.String("expectation_id", expectation.Id),
			zap.Error(err))
	}

	record.Outcome = models.OutcomeSettled
	e.audit(ctx, record)

	e.mirror(ctx, store.SettlementEntry{
		Reference:     notificationId,
		UserId:        expectation.PayerId,
		ExpectationId: expectation.Id,
		AmountMinor:   expectation.AmountMinor,
		Tokens:        expectation.TokensOwed,
		Strategy:      strategy,
		SettledAt:     e.now().UTC(),
	})

	e.notify(ctx, expectation.PayerId, models.NotificationPaymentConfirmed,
		"Pagamento confirmado",
		fmt.Sprintf("Recebemos seu PIX de R$ %s. %d tokens foram creditados.",
			expectation.Amount().StringFixed(2), expectation.TokensOwed))

	zap.L().Info("Purchase settled",
		zap.String("notification_id", notificationId),
		zap.String("expectation_id", expectation.Id),
		zap.String("user_id", expectation.PayerId),
		zap.String("strategy", strategy),
		zap.Int64("tokens", expectation.TokensOwed),
		zap.Int64("token_balance", user.TokenBalance))

	return &models.SettlementResult{
		Success:        true,
		Outcome:        models.OutcomeSettled,
		Strategy:       strategy,
		NotificationId: notificationId,
		UserId:         expectation.PayerId,
		ExpectationId:  expectation.Id,
		TokensCredited: expectation.TokensOwed,
		NewBalance:     user.TokenBalance,
	}, nil
}

// leftPending handles a claimed expectation that storage no longer holds as
// pending. The registry entry is dropped so it cannot be matched again.
func (e *Engine) leftPending(ctx context.Context, n models.Notification, notificationId, strategy string, expectation *models.PaymentExpectation, record *models.AuditRecord) (*models.SettlementResult, error) {
	if err := e.registry.MarkSettled(expectation.Id); err != nil {
		zap.L().Debug("Expectation already dropped from registry",
			zap.String("expectation_id", expectation.Id),
			zap.Error(err))
	}

	current, err := e.store.GetExpectation(ctx, expectation.Id)
	if err != nil {
		return e.failed(notificationId, err), fmt.Errorf("unable to reload expectation %s: %w", expectation.Id, err)
	}
	if current.Status != models.ExpectationSettled {
		return e.queueUnreconciled(ctx, n, notificationId,
			fmt.Sprintf("expectation %s is %s", current.Id, current.Status))
	}

	record.Outcome = models.OutcomeAlreadySettled
	record.Tokens = 0
	e.audit(ctx, record)
	return &models.SettlementResult{
		Success:        true,
		Outcome:        models.OutcomeAlreadySettled,
		Strategy:       strategy,
		NotificationId: notificationId,
		UserId:         expectation.PayerId,
		ExpectationId:  expectation.Id,
	}, nil
}

func (e *Engine) alreadySettled(ctx context.Context, n models.Notification, notificationId string, processed *models.ProcessedNotification) *models.SettlementResult {
	zap.L().Info("Duplicate notification, already settled",
		zap.String("notification_id", notificationId),
		zap.String("expectation_id", processed.ExpectationId))

	e.audit(ctx, &models.AuditRecord{
		NotificationId: notificationId,
		Source:         n.Source,
		PayerId:        processed.PayerId,
		ExpectationId:  processed.ExpectationId,
		AmountMinor:    AmountMinor(n.Amount),
		Strategy:       models.StrategyNone,
		Outcome:        models.OutcomeAlreadySettled,
	})

	return &models.SettlementResult{
		Success:        true,
		Outcome:        models.OutcomeAlreadySettled,
		Strategy:       models.StrategyNone,
		NotificationId: notificationId,
		UserId:         processed.PayerId,
		ExpectationId:  processed.ExpectationId,
	}
}

// QueueUnreconciled records a payment for manual action without attempting
// resolution. Used when background verification gives up.
func (e *Engine) QueueUnreconciled(ctx context.Context, n models.Notification, reason string) (*models.SettlementResult, error) {
	notificationId := NotificationId(n)
	unlock := e.notifyLocks.Lock(notificationId)
	defer unlock()

	return e.queueUnreconciled(ctx, n, notificationId, reason)
}

func (e *Engine) queueUnreconciled(ctx context.Context, n models.Notification, notificationId, reason string) (*models.SettlementResult, error) {
	payment := &models.UnreconciledPayment{
		Id:             uuid.New().String(),
		NotificationId: notificationId,
		Source:         n.Source,
		AmountMinor:    AmountMinor(n.Amount),
		Reference:      n.ExternalReference,
		Description:    n.Description,
		ReportedAt:     n.ReportedAt,
		Reason:         reason,
	}

	err := e.store.CreateUnreconciled(ctx, payment)
	switch {
	case errors.Is(err, store.ErrDuplicateNotification):
		existing, getErr := e.store.GetUnreconciledByNotification(ctx, notificationId)
		if getErr != nil {
			return e.failed(notificationId, getErr), fmt.Errorf("unable to load queued payment: %w", getErr)
		}
		payment = existing
	case err != nil:
		return e.failed(notificationId, err), fmt.Errorf("unable to queue unreconciled payment: %w", err)
	default:
		e.notify(ctx, e.adminUserId, models.NotificationPaymentUnmatched,
			"Pagamento não identificado",
			fmt.Sprintf("PIX de R$ %s sem pagador identificado (notificação %s). Liquidação manual necessária.",
				n.Amount.StringFixed(2), notificationId))
	}

	zap.L().Warn("Payment queued as unreconciled",
		zap.String("notification_id", notificationId),
		zap.String("unreconciled_id", payment.Id),
		zap.String("amount", n.Amount.String()),
		zap.String("reason", reason))

	e.audit(ctx, &models.AuditRecord{
		NotificationId: notificationId,
		Source:         n.Source,
		AmountMinor:    AmountMinor(n.Amount),
		Strategy:       models.StrategyNone,
		Outcome:        models.OutcomeUnreconciled,
		Detail:         reason,
	})

	return &models.SettlementResult{
		Outcome:        models.OutcomeUnreconciled,
		Strategy:       models.StrategyNone,
		NotificationId: notificationId,
		UnreconciledId: payment.Id,
		Error:          reason,
	}, nil
}

// SettleManually is the single admin settlement action. It registers a fresh
// expectation for the payer and runs it through Process with its reference.
func (e *Engine) SettleManually(ctx context.Context, req models.ManualSettlement) (*models.SettlementResult, error) {
	var queued *models.UnreconciledPayment
	if req.UnreconciledId != "" {
		payment, err := e.store.GetUnreconciled(ctx, req.UnreconciledId)
		if err != nil {
			return nil, err
		}
		if payment.Resolved {
			return nil, fmt.Errorf("%w: unreconciled payment %s", models.ErrAlreadySettled, payment.Id)
		}
		if req.AmountMinor == 0 {
			req.AmountMinor = payment.AmountMinor
		}
		queued = payment
	}

	if req.PayerId == "" {
		return nil, fmt.Errorf("%w: payer id is required", models.ErrInvalidRequest)
	}
	if req.AmountMinor <= 0 || (e.maxAmountMinor > 0 && req.AmountMinor > e.maxAmountMinor) {
		return nil, fmt.Errorf("%w: %d", models.ErrInvalidAmount, req.AmountMinor)
	}
	if _, err := e.store.GetUser(ctx, req.PayerId); err != nil {
		return nil, err
	}

	expectation, err := e.registry.Register(ctx, req.PayerId, "", req.AmountMinor)
	if err != nil {
		return nil, err
	}

	sourceId := "manual-" + expectation.Id
	if queued != nil {
		sourceId = "manual-" + queued.Id
	}

	result, err := e.Process(ctx, models.Notification{
		Amount:              decimal.New(req.AmountMinor, -2),
		ExternalReference:   expectation.Reference,
		Description:         "manual settlement by " + req.Operator,
		SourceTransactionId: sourceId,
		Source:              SourceAdmin,
	})
	if err != nil {
		return result, err
	}

	if queued != nil && result.Success {
		if err := e.store.ResolveUnreconciled(ctx, queued.Id, req.Operator, e.now().UTC()); err != nil {
			zap.L().Error("Failed to resolve unreconciled payment",
				zap.String("unreconciled_id", queued.Id),
				zap.Error(err))
		}
		result.UnreconciledId = queued.Id
	}

	zap.L().Info("Manual settlement processed",
		zap.String("operator", req.Operator),
		zap.String("user_id", req.PayerId),
		zap.Int64("amount_minor", req.AmountMinor),
		zap.String("outcome", result.Outcome))

	return result, nil
}

func (e *Engine) failed(notificationId string, err error) *models.SettlementResult {
	return &models.SettlementResult{
		Outcome:        models.OutcomeCreditFailed,
		NotificationId: notificationId,
		Error:          err.Error(),
	}
}

func (e *Engine) audit(ctx context.Context, record *models.AuditRecord) {
	record.Id = uuid.New().String()
	record.CreatedAt = e.now().UTC()
	if err := e.store.CreateAuditRecord(ctx, record); err != nil {
		zap.L().Error("Failed to write audit record",
			zap.String("notification_id", record.NotificationId),
			zap.String("outcome", record.Outcome),
			zap.Error(err))
	}
}

func (e *Engine) notify(ctx context.Context, userId, kind, title, message string) {
	err := e.store.CreateNotification(ctx, &models.UserNotification{
		Id:        uuid.New().String(),
		UserId:    userId,
		Kind:      kind,
		Title:     title,
		Message:   message,
		CreatedAt: e.now().UTC(),
	})
	if err != nil {
		zap.L().Warn("Failed to create notification",
			zap.String("user_id", userId),
			zap.String("kind", kind),
			zap.Error(err))
	}
}

func (e *Engine) mirror(ctx context.Context, entry store.SettlementEntry) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordSettlement(ctx, entry); err != nil {
		zap.L().Warn("Failed to mirror settlement to journal",
			zap.String("expectation_id", entry.ExpectationId),
			zap.Error(err))
	}
}
