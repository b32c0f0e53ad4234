package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pix-settlement-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const (
	NameMercadoPago = "mercadopago"

	defaultMercadoPagoURL = "https://api.mercadopago.com"
)

type mpPayer struct {
	Email string `json:"email"`
}

type mpCreatePayment struct {
	TransactionAmount float64 `json:"transaction_amount"`
	Description       string  `json:"description"`
	PaymentMethodId   string  `json:"payment_method_id"`
	ExternalReference string  `json:"external_reference"`
	NotificationURL   string  `json:"notification_url,omitempty"`
	Payer             mpPayer `json:"payer"`
}

type mpTransactionData struct {
	QRCode       string `json:"qr_code"`
	QRCodeBase64 string `json:"qr_code_base64"`
	TicketURL    string `json:"ticket_url"`
}

type mpPointOfInteraction struct {
	TransactionData mpTransactionData `json:"transaction_data"`
}

type mpPayment struct {
	Id                 int64                `json:"id"`
	Status             string               `json:"status"`
	StatusDetail       string               `json:"status_detail"`
	TransactionAmount  decimal.Decimal      `json:"transaction_amount"`
	ExternalReference  string               `json:"external_reference"`
	Description        string               `json:"description"`
	DateApproved       *time.Time           `json:"date_approved"`
	PointOfInteraction mpPointOfInteraction `json:"point_of_interaction"`
}

// MercadoPago creates PIX charges through the Mercado Pago payments API and
// looks payments up for webhook verification.
type MercadoPago struct {
	baseURL         string
	token           string
	notificationURL string
	client          http.Client
}

func NewMercadoPago(cfg models.ProviderConfig) (*MercadoPago, error) {
	if cfg.MercadoPagoToken == "" {
		return nil, fmt.Errorf("mercado pago access token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client, err := createHttpClient(timeout)
	if err != nil {
		return nil, fmt.Errorf("unable to create http client: %w", err)
	}

	baseURL := cfg.MercadoPagoBaseURL
	if baseURL == "" {
		baseURL = defaultMercadoPagoURL
	}

	return &MercadoPago{
		baseURL:         strings.TrimSuffix(baseURL, "/"),
		token:           cfg.MercadoPagoToken,
		notificationURL: cfg.NotificationURL,
		client:          client,
	}, nil
}

func createHttpClient(timeout time.Duration) (http.Client, error) {
	tr := &http.Transport{
		ResponseHeaderTimeout: timeout,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   5 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return http.Client{}, err
	}

	return http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

func (m *MercadoPago) Name() string {
	return NameMercadoPago
}

func (m *MercadoPago) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	email := req.PayerEmail
	if email == "" {
		email = req.Expectation.PayerContact
	}
	description := req.Description
	if description == "" {
		description = fmt.Sprintf("%d tokens", req.Expectation.TokensOwed)
	}

	amount, _ := req.Expectation.Amount().Float64()
	body := mpCreatePayment{
		TransactionAmount: amount,
		Description:       description,
		PaymentMethodId:   "pix",
		ExternalReference: req.Expectation.Reference,
		NotificationURL:   m.notificationURL,
		Payer:             mpPayer{Email: email},
	}

	var payment mpPayment
	if err := m.do(ctx, http.MethodPost, "/v1/payments", req.Expectation.Id, body, &payment); err != nil {
		return nil, err
	}

	data := payment.PointOfInteraction.TransactionData
	if data.QRCode == "" {
		return nil, fmt.Errorf("payment %d has no pix code", payment.Id)
	}

	var png []byte
	if data.QRCodeBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(data.QRCodeBase64)
		if err != nil {
			zap.L().Warn("Ignoring undecodable QR code image",
				zap.Int64("payment_id", payment.Id),
				zap.Error(err))
		} else {
			png = decoded
		}
	}

	zap.L().Info("Mercado Pago charge created",
		zap.Int64("payment_id", payment.Id),
		zap.String("expectation_id", req.Expectation.Id),
		zap.String("status", payment.Status))

	return &Charge{
		Provider:          NameMercadoPago,
		ProviderPaymentId: strconv.FormatInt(payment.Id, 10),
		PixCode:           data.QRCode,
		QRCodePNG:         png,
		TicketURL:         data.TicketURL,
	}, nil
}

// LookupPayment fetches a payment's current state.
func (m *MercadoPago) LookupPayment(ctx context.Context, paymentId string) (*models.ProviderPayment, error) {
	if _, err := strconv.ParseInt(paymentId, 10, 64); err != nil {
		return nil, fmt.Errorf("invalid payment id %q", paymentId)
	}

	var payment mpPayment
	if err := m.do(ctx, http.MethodGet, "/v1/payments/"+paymentId, "", nil, &payment); err != nil {
		return nil, err
	}

	return &models.ProviderPayment{
		Id:                strconv.FormatInt(payment.Id, 10),
		Status:            payment.Status,
		StatusDetail:      payment.StatusDetail,
		Amount:            payment.TransactionAmount,
		ExternalReference: payment.ExternalReference,
		Description:       payment.Description,
		ApprovedAt:        payment.DateApproved,
	}, nil
}

func (m *MercadoPago) do(ctx context.Context, method, path, idempotencyKey string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("unable to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("unable to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("mercado pago request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("unable to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("mercado pago error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unable to decode response: %w", err)
	}
	return nil
}
