// Package main is the entry point for the client-flow pipeline daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/centraal-api/clientflow/internal/app"
	"github.com/centraal-api/clientflow/internal/config"
	"github.com/centraal-api/clientflow/internal/domain/cliente"
	"github.com/centraal-api/clientflow/internal/pkg/logger"
	"github.com/centraal-api/clientflow/pkg/broker"
	"github.com/centraal-api/clientflow/pkg/integration"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting client-flow pipeline",
		zap.Int("port", cfg.Server.Port),
		zap.String("broker", cfg.Broker.URL),
		zap.String("log_level", cfg.Log.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	retry := integration.RetryPolicy{
		MaxRetries: cfg.Integration.MaxRetries,
		BaseDelay:  cfg.Integration.BaseDelay,
	}
	crmRule := cliente.NewCRMRule(cliente.CRMOAuthFromEnv(), cliente.CRMResourceFromEnv(), retry)

	application, err := bootstrap(ctx, cfg, crmRule)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer application.Shutdown()

	if err := application.Start(); err != nil {
		return fmt.Errorf("start background services: %w", err)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      application.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info("Server started", zap.String("addr", srv.Addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	logger.Info("Shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("Server stopped gracefully")
	return nil
}

func bootstrap(ctx context.Context, cfg *config.Config, crmRule *integration.Rule) (*app.Application, error) {
	return app.Bootstrap(ctx, cfg, func(publisher broker.Client) ([]*app.Pipeline, error) {
		pipeline, err := cliente.NewPipeline(publisher,
			app.IntegrationBinding{Topic: cliente.TopicContacto, Rule: crmRule},
		)
		if err != nil {
			return nil, err
		}
		return []*app.Pipeline{pipeline}, nil
	})
}
