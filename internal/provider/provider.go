package provider

import (
	"context"
	"errors"
	"fmt"

	"pix-settlement-go/internal/models"

	"go.uber.org/zap"
)

var ErrNoProvider = errors.New("no payment provider could create a charge")

// ChargeRequest asks a provider to collect an expectation's amount.
type ChargeRequest struct {
	Expectation models.PaymentExpectation
	PayerEmail  string
	Description string
}

// Charge is what the payer needs to complete the payment.
type Charge struct {
	Provider          string
	ProviderPaymentId string
	PixCode           string
	QRCodePNG         []byte
	TicketURL         string
}

// Attempt records one provider try within a chain.
type Attempt struct {
	Provider string `json:"provider"`
	Error    string `json:"error,omitempty"`
}

// ChargeResult is the uniform outcome of a chain run.
type ChargeResult struct {
	Charge   *Charge
	Attempts []Attempt
}

type Provider interface {
	Name() string
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
}

// Chain tries providers in order; the first charge created wins.
type Chain struct {
	providers []Provider
}

func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		names = append(names, p.Name())
	}
	return names
}

func (c *Chain) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	result := &ChargeResult{}
	var errs []error

	for _, p := range c.providers {
		charge, err := p.CreateCharge(ctx, req)
		if err != nil {
			zap.L().Warn("Payment provider failed, trying next",
				zap.String("provider", p.Name()),
				zap.String("expectation_id", req.Expectation.Id),
				zap.Error(err))
			result.Attempts = append(result.Attempts, Attempt{Provider: p.Name(), Error: err.Error()})
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}

		result.Attempts = append(result.Attempts, Attempt{Provider: p.Name()})
		result.Charge = charge
		return result, nil
	}

	errs = append([]error{ErrNoProvider}, errs...)
	return result, errors.Join(errs...)
}
