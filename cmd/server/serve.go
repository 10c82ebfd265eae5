package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"instream-live-server/pkg/health"
	"instream-live-server/pkg/logging"
	"instream-live-server/pkg/metrics"
	"instream-live-server/pkg/platform"
	"instream-live-server/pkg/policy"
	"instream-live-server/pkg/publish"
	"instream-live-server/pkg/registry"
	"instream-live-server/pkg/storage"
	"instream-live-server/pkg/stream"
	"instream-live-server/pkg/validate"
	"instream-live-server/pkg/web"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the web console (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.HTTP.SessionSecret == "" {
		cfg.HTTP.SessionSecret = randomSecret()
		logger.Warn("SESSION_SECRET not set; sessions will not survive a restart")
	}
	if cfg.Provider.DryRun {
		logger.Warn("provider dry run enabled; no broadcast reaches the platform")
	}

	m := metrics.New()
	reg := registry.New(logger, m, cfg.Registry.StopTimeout)
	v := validate.New(cfg.Stream.MaxDurationHours, cfg.Storage.AllowedExtensions)

	pub := &publish.Selector{
		Native: publish.NewRTMPPublisher(cfg.Provider.ChunkSize, logger),
		FFmpeg: publish.NewFFmpegPublisher(cfg.Provider.FFmpegPath, logger),
		Logger: logger,
	}
	provider := platform.New(cfg.Provider, pub, logger)

	svc := stream.New(stream.Options{
		Provider:        provider,
		Registry:        reg,
		Validator:       v,
		Admission:       policy.NewAdmission(policy.New(cfg.Policy), logger),
		Observer:        m,
		Logger:          logger,
		Config:          cfg.Stream,
		ProviderTimeout: cfg.Provider.Timeout,
		Debug:           cfg.Debug,
		IsRejection:     platform.IsRejected,
		Describe:        platform.OperatorMessage,
	})

	lib := storage.New(cfg.Storage, cfg.MaxUploadBytes(), v, logger)
	lib.Resolver = provider
	lib.IsPostURL = platform.IsPostURL
	if err := lib.EnsureDir(); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}

	srv, err := web.New(web.Options{
		Service: svc,
		Library: lib,
		Health:  health.New(cfg.Storage.UploadDir, web.AppVersion),
		Metrics: m,
		Store:   web.NewCookieStore(cfg.HTTP.SessionSecret, cfg.HTTP.SessionLifetime),
		Config:  cfg,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	go reg.Run(ctx, cfg.Registry.ReclaimInterval, cfg.Registry.MaxAge)

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":       cfg.HTTP.ListenAddr,
			"upload_dir": cfg.Storage.UploadDir,
			"debug":      cfg.Debug,
		}).Info("instream console listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			reg.Close()
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down, stopping live broadcasts")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
	reg.Close()
	logger.Info("shutdown complete")
	return nil
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
