package common

import (
	"context"
	"fmt"
	"log"
	"strings"

	"pix-settlement-go/internal/api"
	"pix-settlement-go/internal/database"
	"pix-settlement-go/internal/formance"
	"pix-settlement-go/internal/models"
	"pix-settlement-go/internal/pix"
	"pix-settlement-go/internal/provider"
	"pix-settlement-go/internal/registry"
	"pix-settlement-go/internal/settlement"
	"pix-settlement-go/internal/store"
	"pix-settlement-go/internal/tracing"
	"pix-settlement-go/internal/withdrawal"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// A missing .env is fine; variables can come from the shell or the container.
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

// Services is the wired object graph shared by the server and the admin CLI.
type Services struct {
	DbService *database.Service
	Registry  *registry.Registry
	Engine    *settlement.Engine
	Scheduler *withdrawal.Scheduler
	Providers *provider.Chain
	Verifier  *settlement.Verifier
	Journal   *formance.Service
	Payments  *api.PaymentService

	shutdownTracing func(context.Context) error
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	shutdownTracing, err := tracing.Init(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, err
	}

	services := &Services{DbService: dbService, shutdownTracing: shutdownTracing}

	// The journal mirror is optional; a nil *formance.Service must not leak
	// into the store.Journal interface.
	var journal store.Journal
	if cfg.Formance.Enabled() {
		services.Journal, err = formance.NewService(ctx, cfg.Formance)
		if err != nil {
			services.Close()
			return nil, err
		}
		journal = services.Journal
	} else {
		zap.L().Info("Formance journal disabled, settlements are recorded locally only")
	}

	services.Registry = registry.New(registry.Config{
		Store:              dbService,
		MatchingWindow:     cfg.Registry.MatchingWindow,
		ExpiryWindow:       cfg.Registry.ExpiryWindow,
		SweepInterval:      cfg.Registry.SweepInterval,
		TokensPerBRL:       cfg.Settlement.TokensPerBRL,
		ReferenceNamespace: cfg.Settlement.ReferenceNamespace,
	})
	recovered, err := services.Registry.Recover(ctx)
	if err != nil {
		services.Close()
		return nil, fmt.Errorf("unable to recover pending expectations: %w", err)
	}
	zap.L().Info("Recovered pending expectations", zap.Int("count", recovered))

	services.Engine = settlement.NewEngine(settlement.Config{
		Registry:       services.Registry,
		Store:          dbService,
		Journal:        journal,
		MaxAmountMinor: cfg.Settlement.MaxAmountMinor,
		AdminUserId:    cfg.Settlement.AdminNotifyUserId,
		ProcessTimeout: cfg.Settlement.ProcessTimeout,
		Tracer:         tracing.Tracer("pix-settlement/settlement"),
	})

	services.Scheduler, err = withdrawal.NewScheduler(withdrawal.Config{
		Store:         dbService,
		Journal:       journal,
		Locks:         services.Engine.UserLocks(),
		DayOfMonth:    cfg.Withdrawal.DayOfMonth,
		Timezone:      cfg.Withdrawal.Timezone,
		PayoutRate:    cfg.Withdrawal.PayoutRate,
		MinimumPayout: cfg.Withdrawal.MinimumPayout,
		DefaultPlan:   cfg.Withdrawal.DefaultPlan,
		TickInterval:  cfg.Withdrawal.TickInterval,
	})
	if err != nil {
		services.Close()
		return nil, err
	}

	if err := services.initializeProviders(cfg); err != nil {
		services.Close()
		return nil, err
	}

	services.Payments = api.NewPaymentService(api.PaymentServiceConfig{
		Store:          dbService,
		Registry:       services.Registry,
		Engine:         services.Engine,
		Scheduler:      services.Scheduler,
		Providers:      services.Providers,
		Verifier:       services.Verifier,
		MaxAmountMinor: cfg.Settlement.MaxAmountMinor,
		ExpiryWindow:   cfg.Registry.ExpiryWindow,
	})

	return services, nil
}

// initializeProviders builds the charge chain. Mercado Pago is tried first
// when a token is configured; the static payload is always the fallback.
func (cs *Services) initializeProviders(cfg *models.Config) error {
	builder, err := pix.NewBuilder(cfg.Merchant, cfg.Settlement.MaxAmountMinor)
	if err != nil {
		return fmt.Errorf("invalid merchant configuration: %w", err)
	}

	var chain []provider.Provider
	if cfg.Provider.MercadoPagoToken != "" {
		mercadoPago, err := provider.NewMercadoPago(cfg.Provider)
		if err != nil {
			return err
		}
		chain = append(chain, mercadoPago)

		cs.Verifier = settlement.NewVerifier(settlement.VerifierConfig{
			Engine:       cs.Engine,
			Lookup:       mercadoPago,
			Workers:      cfg.Settlement.VerifyWorkers,
			MaxAttempts:  cfg.Settlement.VerifyMaxAttempts,
			InitialDelay: cfg.Settlement.VerifyInitialDelay,
		})
	}
	chain = append(chain, provider.NewStaticPix(builder))

	cs.Providers = provider.NewChain(chain...)
	zap.L().Info("Payment providers configured", zap.Strings("providers", cs.Providers.Names()))
	return nil
}

// InitializeDatabaseOnly initializes just the database service.
// Useful for read-only operations like querying wallets.
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return dbService, nil
}

// Start launches the background loops: registry sweep, window ticks and
// provider verification.
func (cs *Services) Start(ctx context.Context) {
	cs.Registry.Start(ctx)
	cs.Scheduler.Start(ctx)
	if cs.Verifier != nil {
		cs.Verifier.Start(ctx)
	}
}

// Stop halts the background loops started by Start.
func (cs *Services) Stop() {
	if cs.Verifier != nil {
		cs.Verifier.Stop()
	}
	cs.Scheduler.Stop()
	cs.Registry.Stop()
}

func (cs *Services) Close() {
	if cs.DbService != nil {
		cs.DbService.Close()
	}
	if cs.shutdownTracing != nil {
		if err := cs.shutdownTracing(context.Background()); err != nil {
			zap.L().Warn("Tracing shutdown failed", zap.Error(err))
		}
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
