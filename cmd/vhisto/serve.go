package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vhisto/server/internal/api"
	"github.com/vhisto/server/internal/cache"
	"github.com/vhisto/server/internal/render"
)

func serveCmd(opts *globalOptions) *cobra.Command {
	var port int

	c := &cobra.Command{
		Use:   "serve",
		Short: "Serve slice previews, false-color previews and export jobs over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}

			// Initialize cache manager (shared across all samples)
			cacheManager, err := cache.NewManager(cache.Config{
				PreviewCacheSizeMB: cfg.Cache.PreviewCacheSizeMB,
				PreviewTTL:         time.Duration(cfg.Cache.PreviewTTLMinutes) * time.Minute,
				QueryCacheSize:     cfg.Cache.QueryCacheSize,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize cache: %w", err)
			}
			defer cacheManager.Close()

			renderer, err := render.NewRenderer(render.Config{
				DefaultColormap: cfg.Render.PreviewColormap,
				ROIColor:        cfg.Render.ROIColor,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize renderer: %w", err)
			}

			registry := api.NewSampleRegistry()
			defer registry.Close()
			for _, id := range cfg.SampleIDs() {
				svc, err := openSample(cfg, id, "", cacheManager, renderer, logger)
				if err != nil {
					return fmt.Errorf("failed to open sample %q: %w", id, err)
				}
				registry.Register(svc)
			}
			logger.WithFields(logrus.Fields{
				"samples": len(registry.SampleIDs()),
				"default": registry.DefaultSampleID(),
			}).Info("samples initialized")

			// Initialize job manager for export jobs (SQLite persistence)
			jobManager, err := api.NewJobManager(api.JobManagerConfig{
				MaxConcurrent: cfg.Jobs.MaxConcurrent,
				SQLitePath:    cfg.Jobs.SQLitePath,
				RetentionDays: cfg.Jobs.RetentionDays,
				CleanupPeriod: time.Duration(cfg.Jobs.CleanupPeriodMinutes) * time.Minute,
				Logger:        logger,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize job manager: %w", err)
			}
			jobManager.Executor = api.NewExportExecutor(registry, cfg.Export, logger)
			jobManager.Start()
			defer jobManager.Stop()
			logger.WithFields(logrus.Fields{
				"max_concurrent": cfg.Jobs.MaxConcurrent,
				"retention_days": cfg.Jobs.RetentionDays,
				"sqlite":         cfg.Jobs.SQLitePath,
			}).Info("export job manager started")

			router := api.NewRouter(api.RouterConfig{
				Registry:    registry,
				CORSOrigins: cfg.Server.CORSOrigins,
				JobManager:  jobManager,
				Cache:       cacheManager,
				Export:      cfg.Export,
			})

			server := &http.Server{
				Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
				Handler:      router,
				ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
				WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
				IdleTimeout:  120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Infof("server listening on http://%s", server.Addr)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			// Wait for interrupt signal
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-quit:
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			}

			logger.Info("shutting down server")

			// Graceful shutdown with timeout
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("server forced to shutdown")
			}
			logger.Info("server stopped")
			return nil
		},
	}

	c.Flags().IntVarP(&port, "port", "p", 0, "Listen port (overrides the configuration)")
	return c
}
