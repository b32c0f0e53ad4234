package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"pix-settlement-go/internal/api"
	"pix-settlement-go/internal/models"
	"pix-settlement-go/internal/settlement"
	"pix-settlement-go/internal/store"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const defaultMaxBodySize = 1 << 20

// Handler provides HTTP handlers for the payment API.
type Handler struct {
	service     *api.PaymentService
	maxBodySize int64
}

type errorResponse struct {
	Error string `json:"error"`
}

type purchaseRequest struct {
	UserId      string `json:"user_id"`
	AmountMinor int64  `json:"amount_minor"`
}

type payoutRequest struct {
	UserId string `json:"user_id"`
	Amount int64  `json:"amount"`
}

type settlementRequest struct {
	PayerId        string `json:"payer_id"`
	AmountMinor    int64  `json:"amount_minor"`
	UnreconciledId string `json:"unreconciled_id"`
	Operator       string `json:"operator"`
}

type openWindowRequest struct {
	Operator string `json:"operator"`
}

type openWindowResponse struct {
	Window  models.WithdrawalWindow   `json:"window"`
	Reports []models.TransitionReport `json:"reports"`
}

type mercadoPagoEvent struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		Id json.RawMessage `json:"id"`
	} `json:"data"`
}

func NewHandler(svc *api.PaymentService, maxBodySize int64) *Handler {
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxBodySize
	}
	return &Handler{
		service:     svc,
		maxBodySize: maxBodySize,
	}
}

// decode reads a JSON body into v; it responds and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return false
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return false
	}
	return true
}

// CreatePurchase handles POST /purchases
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.CreatePurchase(r.Context(), strings.TrimSpace(req.UserId), req.AmountMinor)
	if err != nil {
		h.respondInternal(w, err)
		return
	}
	if !result.Success {
		h.respondJSON(w, http.StatusUnprocessableEntity, result)
		return
	}
	h.respondJSON(w, http.StatusCreated, result)
}

// GetWallet handles GET /users/{user_id}/wallet
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.service.GetWallet(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, wallet)
}

// ListNotifications handles GET /users/{user_id}/notifications
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	notifications, err := h.service.ListNotifications(r.Context(), chi.URLParam(r, "user_id"), limit)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if notifications == nil {
		notifications = []models.UserNotification{}
	}
	h.respondJSON(w, http.StatusOK, notifications)
}

// PixWebhook handles POST /webhooks/pix. Undecodable payloads are logged and
// acknowledged so the rail stops redelivering them.
func (h *Handler) PixWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var n models.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		zap.L().Warn("Ignoring malformed pix webhook",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		h.respondJSON(w, http.StatusOK, models.SettlementResult{
			Outcome: models.OutcomeIgnored,
			Error:   "malformed payload",
		})
		return
	}
	n.Source = settlement.SourcePixWebhook

	result, err := h.service.HandleNotification(r.Context(), n)
	if err != nil {
		// A non-2xx makes the rail redeliver, which retries the credit.
		zap.L().Error("Pix webhook processing failed", zap.Error(err))
		if result == nil {
			h.respondError(w, http.StatusInternalServerError, "processing failed")
			return
		}
		h.respondJSON(w, http.StatusInternalServerError, result)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// MercadoPagoWebhook handles POST /webhooks/mercadopago. The payment is
// verified in the background; the provider gets an immediate answer.
func (h *Handler) MercadoPagoWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	query := r.URL.Query()
	eventType := firstNonEmpty(query.Get("type"), query.Get("topic"))
	paymentId := firstNonEmpty(query.Get("data.id"), query.Get("id"))

	var event mercadoPagoEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err == nil {
		eventType = firstNonEmpty(event.Type, eventType)
		if id := strings.Trim(string(event.Data.Id), `"`); id != "" && id != "null" {
			paymentId = id
		}
	}

	if eventType != "payment" || paymentId == "" {
		zap.L().Debug("Ignoring mercado pago event",
			zap.String("type", eventType),
			zap.String("payment_id", paymentId))
		h.respondJSON(w, http.StatusOK, map[string]string{"status": models.OutcomeIgnored})
		return
	}

	if !h.service.EnqueueProviderPayment(paymentId) {
		h.respondError(w, http.StatusServiceUnavailable, "verification unavailable, retry later")
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "payment_id": paymentId})
}

// GetWithdrawalWindow handles GET /withdrawal-window
func (h *Handler) GetWithdrawalWindow(w http.ResponseWriter, r *http.Request) {
	window, err := h.service.CurrentWindow(r.Context())
	if err != nil {
		h.respondInternal(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, window)
}

// RequestPayout handles POST /payouts
func (h *Handler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	var req payoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.RequestPayout(r.Context(), strings.TrimSpace(req.UserId), req.Amount)
	if err != nil {
		h.respondInternal(w, err)
		return
	}
	if !result.Success {
		h.respondJSON(w, http.StatusUnprocessableEntity, result)
		return
	}
	h.respondJSON(w, http.StatusCreated, result)
}

// ListUnreconciled handles GET /admin/unreconciled
func (h *Handler) ListUnreconciled(w http.ResponseWriter, r *http.Request) {
	includeResolved, _ := strconv.ParseBool(r.URL.Query().Get("include_resolved"))

	payments, err := h.service.ListUnreconciled(r.Context(), includeResolved)
	if err != nil {
		h.respondInternal(w, err)
		return
	}
	if payments == nil {
		payments = []models.UnreconciledPayment{}
	}
	h.respondJSON(w, http.StatusOK, payments)
}

// SettleManually handles POST /admin/settlements
func (h *Handler) SettleManually(w http.ResponseWriter, r *http.Request) {
	var req settlementRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.SettleManually(r.Context(), models.ManualSettlement{
		PayerId:        strings.TrimSpace(req.PayerId),
		AmountMinor:    req.AmountMinor,
		UnreconciledId: strings.TrimSpace(req.UnreconciledId),
		Operator:       firstNonEmpty(req.Operator, "admin"),
	})
	if err != nil {
		h.respondInternal(w, err)
		return
	}
	if !result.Success {
		h.respondJSON(w, http.StatusUnprocessableEntity, result)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// OpenWithdrawalWindow handles POST /admin/withdrawal-window/open
func (h *Handler) OpenWithdrawalWindow(w http.ResponseWriter, r *http.Request) {
	var req openWindowRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	window, reports, err := h.service.ForceOpenWindow(r.Context(), req.Operator)
	if err != nil {
		h.respondInternal(w, err)
		return
	}
	if reports == nil {
		reports = []models.TransitionReport{}
	}
	h.respondJSON(w, http.StatusOK, openWindowResponse{Window: window, Reports: reports})
}

// SweepRegistry handles POST /admin/registry/sweep
func (h *Handler) SweepRegistry(w http.ResponseWriter, r *http.Request) {
	expired, err := h.service.SweepRegistry(r.Context())
	if err != nil {
		h.respondInternal(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int{"expired": expired})
}

// AuditTrail handles GET /admin/audit/{notification_id}
func (h *Handler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.AuditTrail(r.Context(), chi.URLParam(r, "notification_id"))
	if err != nil {
		h.respondInternal(w, err)
		return
	}
	if records == nil {
		records = []models.AuditRecord{}
	}
	h.respondJSON(w, http.StatusOK, records)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.HealthCheck(r.Context()); err != nil {
		zap.L().Error("Health check failed", zap.Error(err))
		h.respondError(w, http.StatusServiceUnavailable, "unhealthy")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrUserNotFound), errors.Is(err, store.ErrUnreconciledNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
	case api.IsBusinessError(err):
		h.respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.respondInternal(w, err)
	}
}

func (h *Handler) respondInternal(w http.ResponseWriter, err error) {
	zap.L().Error("Request failed", zap.Error(err))
	h.respondError(w, http.StatusInternalServerError, "internal error")
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("Failed to encode response", zap.Error(err))
	}
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Error: message})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
