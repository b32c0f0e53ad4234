package provider

import (
	"context"

	"pix-settlement-go/internal/pix"
)

const (
	NameStaticPix = "static_pix"

	defaultQRCodeSize = 256
)

// StaticPix issues a BR Code for the merchant's own key. It needs no
// network and is the last provider in a chain.
type StaticPix struct {
	builder *pix.Builder
	size    int
}

func NewStaticPix(builder *pix.Builder) *StaticPix {
	return &StaticPix{builder: builder, size: defaultQRCodeSize}
}

func (s *StaticPix) Name() string {
	return NameStaticPix
}

func (s *StaticPix) CreateCharge(_ context.Context, req ChargeRequest) (*Charge, error) {
	payload, err := s.builder.Build(req.Expectation.AmountMinor, req.Expectation.Reference)
	if err != nil {
		return nil, err
	}

	png, err := payload.QRCodePNG(s.size)
	if err != nil {
		return nil, err
	}

	return &Charge{
		Provider:  NameStaticPix,
		PixCode:   payload.Code,
		QRCodePNG: png,
	}, nil
}
