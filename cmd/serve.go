package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"points-ledger/internal/handler"
	"points-ledger/internal/models"
	"points-ledger/pkg/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled reconciliation and audits with the status server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			return serveRun(a)
		},
	}
}

func serveRun(a *app) error {
	if err := models.AutoMigrate(a.db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	pointsScheduler := a.newScheduler()
	if err := pointsScheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer pointsScheduler.Stop()

	statusHandler := handler.NewStatusHandler(
		a.userRepo, a.ledgerRepo, a.eventRepo, a.checkpointRepo,
		a.reconciler, pointsScheduler.IsProcessing,
	)

	router := http.NewServeMux()
	router.HandleFunc("/health", handler.HandleHealth)
	router.HandleFunc("/status", statusHandler.GetStatus)
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(a.cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(a.cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("Server starting on port", a.cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error:", err)
	}

	logger.Info("Server stopped")
	return nil
}
