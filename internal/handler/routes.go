package handler

import (
	"net/http"
	"time"

	"pix-settlement-go/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures the middleware stack around the handlers.
type RouterOptions struct {
	AllowedOrigins []string
	RateLimiter    *middleware.RateLimiter
	RequestTimeout time.Duration
	ServiceName    string
}

func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)
	if opts.ServiceName != "" {
		r.Use(middleware.Tracing(opts.ServiceName))
	}
	if opts.RateLimiter != nil {
		r.Use(middleware.RateLimit(opts.RateLimiter))
	}
	if opts.RequestTimeout > 0 {
		r.Use(chimw.Timeout(opts.RequestTimeout))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Post("/purchases", h.CreatePurchase)

	r.Route("/users/{user_id}", func(r chi.Router) {
		r.Get("/wallet", h.GetWallet)
		r.Get("/notifications", h.ListNotifications)
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/pix", h.PixWebhook)
		r.Post("/mercadopago", h.MercadoPagoWebhook)
	})

	r.Get("/withdrawal-window", h.GetWithdrawalWindow)
	r.Post("/payouts", h.RequestPayout)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/unreconciled", h.ListUnreconciled)
		r.Post("/settlements", h.SettleManually)
		r.Post("/withdrawal-window/open", h.OpenWithdrawalWindow)
		r.Post("/registry/sweep", h.SweepRegistry)
		r.Get("/audit/{notification_id}", h.AuditTrail)
	})

	r.Get("/health", h.Health)

	return r
}
