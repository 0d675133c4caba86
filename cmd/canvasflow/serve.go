package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/canvasflow/canvasflow/internal/catalog"
	"github.com/canvasflow/canvasflow/internal/images"
	"github.com/canvasflow/canvasflow/internal/providers"
	"github.com/canvasflow/canvasflow/internal/scheduler"
	"github.com/canvasflow/canvasflow/internal/server"
	"github.com/canvasflow/canvasflow/internal/store"
	"github.com/canvasflow/canvasflow/internal/validation"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the canvasflow API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	imgStore := images.NewStore(cfg.BaseURL, cfg.InlineThreshold)

	httpClient := &http.Client{Timeout: 10 * time.Minute}
	poller := providers.NewPoller()
	if cfg.PollInterval > 0 {
		poller.Interval = cfg.PollInterval
	}
	if cfg.PollTimeout > 0 {
		poller.Deadline = cfg.PollTimeout
	}

	creds := providers.Credentials{
		Gemini:    cfg.GeminiAPIKey,
		OpenAI:    cfg.OpenAIAPIKey,
		Replicate: cfg.ReplicateAPIKey,
		Fal:       cfg.FalAPIKey,
	}

	svc := providers.NewService(
		providers.NewGeminiClient(httpClient, "", logger),
		providers.NewReplicateClient(httpClient, "", poller, logger),
		providers.NewFalClient(httpClient, "", logger),
		providers.NewLLMClient(httpClient, "", "", logger),
		imgStore,
		providers.ServiceConfig{Creds: creds},
		logger,
	)

	validator, err := validation.NewFileValidator()
	if err != nil {
		return fmt.Errorf("compile workflow schema: %w", err)
	}

	apiServer := server.NewServer(server.Deps{
		Store:     st,
		Service:   svc,
		Catalog:   catalog.NewCatalog(nil, cfg.CatalogTTL, logger),
		Images:    imgStore,
		Validator: validator,
		Logger:    logger,
		Creds:     creds,
	})

	var sched *scheduler.Scheduler
	if cfg.Scheduler {
		sched = scheduler.NewScheduler(st, apiServer, logger)
		apiServer.SetScheduler(sched)
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed-job recovery failed", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	// Safety net for transient uploads leaked by crashed generations.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := imgStore.Sweep(time.Hour); removed > 0 {
					logger.Info("swept stale transient images", slog.Int("count", removed))
				}
			}
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: apiServer.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("canvasflow server listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("base_url", cfg.BaseURL),
		)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
