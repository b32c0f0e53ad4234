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

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pix-settlement-go/internal/common"
	"pix-settlement-go/internal/config"
	"pix-settlement-go/internal/handler"
	"pix-settlement-go/internal/middleware"

	"go.uber.org/zap"
)

func main() {
	portFlag := flag.String("port", "", "Port to listen on (overrides PORT)")
	noBackground := flag.Bool("no-background", false, "Serve HTTP only; skip the registry sweep, window scheduler and verifier")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}
	if *portFlag != "" {
		cfg.Server.Port = *portFlag
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting PIX settlement server")

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	if !*noBackground {
		services.Start(ctx)
	}

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateWindow)
	limiter.Start()
	defer limiter.Stop()

	h := handler.NewHandler(services.Payments, cfg.Server.MaxBodySize)
	router := handler.NewRouter(h, handler.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimiter:    limiter,
		RequestTimeout: cfg.Server.RequestTimeout,
		ServiceName:    cfg.Tracing.ServiceName,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zap.L().Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zap.L().Info("Shutdown signal received, draining requests...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("Forced shutdown after timeout", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		if !*noBackground {
			services.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("Background workers stopped gracefully")
	case <-shutdownCtx.Done():
		zap.L().Warn("Background workers did not stop before timeout")
	}
}
