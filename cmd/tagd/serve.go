package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evetools/tagd/internal/actor"
	"github.com/evetools/tagd/internal/api"
	"github.com/evetools/tagd/internal/backup"
	"github.com/evetools/tagd/internal/config"
	"github.com/evetools/tagd/internal/metrics"
	"github.com/evetools/tagd/internal/sourcecache"
	"github.com/evetools/tagd/internal/sources"
	"github.com/evetools/tagd/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the actor and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close actor store")
		}
	}()

	provider, err := sources.NewClient(cfg.SourceProviderURL)
	if err != nil {
		return err
	}

	opts := actor.Options{
		Name:               cfg.ActorName,
		EvaluationInterval: cfg.EvaluationInterval,
		BatchSize:          cfg.BatchSize,
		Metrics:            metrics.New(),
	}
	if cfg.CacheEnabled {
		opts.Cache = sourcecache.New(provider, cfg.PositiveCacheTTL, cfg.NegativeCacheTTL)
	}
	if cfg.Backup.Endpoint != "" {
		uploader, err := backup.NewUploader(backup.Config{
			Endpoint:  cfg.Backup.Endpoint,
			AccessKey: cfg.Backup.AccessKey,
			SecretKey: cfg.Backup.SecretKey,
			Bucket:    cfg.Backup.Bucket,
			Prefix:    cfg.Backup.Prefix,
		}, cfg.ActorName, store)
		if err != nil {
			return err
		}
		opts.Backup = uploader
	}

	act := actor.New(store, provider, opts)
	if err := act.Init(context.Background()); err != nil {
		return err
	}
	defer act.Close()

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	api.SetupRoutes(router, api.NewHandler(act))
	router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{
			"listen": cfg.Listen,
			"actor":  cfg.ActorName,
		}).Info("Starting tagd")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		logrus.WithField("signal", sig.String()).Info("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
