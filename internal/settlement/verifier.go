package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pix-settlement-go/internal/models"

	"go.uber.org/zap"
)

// PaymentLookup fetches the authoritative state of a provider payment.
type PaymentLookup interface {
	LookupPayment(ctx context.Context, paymentId string) (*models.ProviderPayment, error)
}

// VerifierConfig contains configuration for Verifier
type VerifierConfig struct {
	Engine       *Engine
	Lookup       PaymentLookup
	Workers      int
	QueueSize    int
	MaxAttempts  int
	InitialDelay time.Duration
}

type verifyJob struct {
	paymentId string
	attempt   int
}

// Verifier confirms provider webhooks against the provider API before they
// reach the engine. Webhook bodies only carry a payment id.
type Verifier struct {
	engine       *Engine
	lookup       PaymentLookup
	workers      int
	maxAttempts  int
	initialDelay time.Duration

	jobs     chan verifyJob
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

func NewVerifier(cfg VerifierConfig) *Verifier {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	initialDelay := cfg.InitialDelay
	if initialDelay <= 0 {
		initialDelay = 2 * time.Second
	}

	return &Verifier{
		engine:       cfg.Engine,
		lookup:       cfg.Lookup,
		workers:      workers,
		maxAttempts:  maxAttempts,
		initialDelay: initialDelay,
		jobs:         make(chan verifyJob, queueSize),
		stopChan:     make(chan struct{}),
	}
}

func (v *Verifier) Start(ctx context.Context) {
	zap.L().Info("Starting payment verifier",
		zap.Int("workers", v.workers),
		zap.Int("max_attempts", v.maxAttempts))

	for i := 0; i < v.workers; i++ {
		v.wg.Add(1)
		go v.worker(ctx)
	}
}

func (v *Verifier) Stop() {
	v.stopOnce.Do(func() {
		zap.L().Info("Stopping payment verifier")
		close(v.stopChan)
	})
	v.wg.Wait()
	zap.L().Info("Payment verifier stopped")
}

// Enqueue schedules verification of a provider payment. It never blocks and
// returns false when the queue is full.
func (v *Verifier) Enqueue(paymentId string) bool {
	return v.push(verifyJob{paymentId: paymentId})
}

func (v *Verifier) push(job verifyJob) bool {
	select {
	case <-v.stopChan:
		return false
	default:
	}

	select {
	case v.jobs <- job:
		return true
	default:
		zap.L().Warn("Verification queue full, dropping payment",
			zap.String("payment_id", job.paymentId),
			zap.Int("attempt", job.attempt))
		return false
	}
}

func (v *Verifier) worker(ctx context.Context) {
	defer v.wg.Done()

	for {
		select {
		case job := <-v.jobs:
			if retry := v.verify(ctx, job); retry {
				v.retryLater(job)
			}
		case <-v.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (v *Verifier) retryLater(job verifyJob) {
	delay := v.initialDelay << uint(job.attempt)
	job.attempt++

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			v.push(job)
		case <-v.stopChan:
		}
	}()
}

// verify handles one attempt and reports whether it should be retried.
func (v *Verifier) verify(ctx context.Context, job verifyJob) bool {
	payment, err := v.lookup.LookupPayment(ctx, job.paymentId)
	if err != nil {
		zap.L().Warn("Payment lookup failed",
			zap.String("payment_id", job.paymentId),
			zap.Int("attempt", job.attempt+1),
			zap.Error(err))
		return v.giveUpOrRetry(ctx, job, nil, err.Error())
	}

	switch payment.Status {
	case models.ProviderStatusApproved:
		result, err := v.engine.Process(ctx, notificationFromPayment(payment))
		if err != nil {
			zap.L().Error("Failed to settle verified payment",
				zap.String("payment_id", payment.Id),
				zap.Error(err))
			return v.giveUpOrRetry(ctx, job, payment, err.Error())
		}
		zap.L().Info("Verified payment processed",
			zap.String("payment_id", payment.Id),
			zap.String("outcome", result.Outcome),
			zap.String("user_id", result.UserId))
		return false

	case models.ProviderStatusPending, models.ProviderStatusInProcess:
		zap.L().Debug("Payment not yet approved",
			zap.String("payment_id", payment.Id),
			zap.String("status", payment.Status),
			zap.Int("attempt", job.attempt+1))
		return v.giveUpOrRetry(ctx, job, payment, "payment still "+payment.Status)

	default:
		zap.L().Info("Ignoring provider payment",
			zap.String("payment_id", payment.Id),
			zap.String("status", payment.Status),
			zap.String("status_detail", payment.StatusDetail))
		return false
	}
}

func (v *Verifier) giveUpOrRetry(ctx context.Context, job verifyJob, payment *models.ProviderPayment, reason string) bool {
	if job.attempt+1 < v.maxAttempts {
		return true
	}

	if payment == nil {
		zap.L().Error("Giving up on payment verification",
			zap.String("payment_id", job.paymentId),
			zap.Int("attempts", job.attempt+1),
			zap.String("reason", reason))
		return false
	}

	reason = fmt.Sprintf("verification gave up after %d attempts: %s", job.attempt+1, reason)
	if _, err := v.engine.QueueUnreconciled(ctx, notificationFromPayment(payment), reason); err != nil {
		zap.L().Error("Failed to queue unverified payment",
			zap.String("payment_id", payment.Id),
			zap.Error(err))
	}
	return false
}

func notificationFromPayment(payment *models.ProviderPayment) models.Notification {
	return models.Notification{
		Amount:              payment.Amount,
		ExternalReference:   payment.ExternalReference,
		Description:         payment.Description,
		SourceTransactionId: "mp-" + payment.Id,
		ReportedAt:          payment.ApprovedAt,
		Source:              SourceMercadoPago,
	}
}
