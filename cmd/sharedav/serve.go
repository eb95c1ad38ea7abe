package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/sharedav/internal/auth"
	"github.com/fruitsalade/sharedav/internal/logging"
	"github.com/fruitsalade/sharedav/internal/metrics"
	"github.com/fruitsalade/sharedav/internal/sharing"
	"github.com/fruitsalade/sharedav/internal/storage"
	"github.com/fruitsalade/sharedav/internal/webdav"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the WebDAV server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	defer logging.Sync()

	logging.Info("sharedav starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("prefix", cfg.WebDAVPrefix),
		zap.String("storage", cfg.StorageBackend))

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	db := store.DB()
	authHandler := auth.New(db, cfg.JWTSecret, cfg.AuthCacheTTL)
	if err := authHandler.EnsureDefaultAdmin(ctx); err != nil {
		logging.Error("failed to ensure default admin", zap.Error(err))
	}

	backend, err := storage.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()
	logging.Info("content storage initialized", zap.String("backend", backend.Type()))

	shareStore := sharing.NewShareStore(db)
	groupStore := sharing.NewGroupStore(db)
	prefix := strings.TrimSuffix(cfg.WebDAVPrefix, "/")

	davHandler := webdav.NewHandler(webdav.Config{
		Metadata:      store,
		Backend:       backend,
		Shares:        shareStore,
		Access:        sharing.NewPermissionResolver(shareStore),
		Groups:        groupStore,
		Auth:          authHandler,
		Prefix:        prefix,
		MaxUploadSize: cfg.MaxUploadSize,
	})

	mux := http.NewServeMux()
	mux.Handle(prefix+"/", davHandler)
	if prefix != "" {
		mux.Handle(prefix, davHandler)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metrics.Handler(),
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           logging.Middleware(metrics.Middleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.TLSEnabled() {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		if metricsServer != nil {
			metricsServer.Shutdown(shutdownCtx)
		}
	}()

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				store.UpdateConnectionMetrics()
			}
		}
	}()

	if cfg.TLSEnabled() {
		logging.Info("server listening (TLS)", zap.String("addr", cfg.ListenAddr))
		err = httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
		err = httpServer.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logging.Info("server stopped")
	return nil
}
