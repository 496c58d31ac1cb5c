package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/mapsync/internal/config"
	"github.com/agentworkforce/mapsync/internal/engine"
	"github.com/agentworkforce/mapsync/internal/httpapi"
	"github.com/agentworkforce/mapsync/internal/logger"
)

func (a *app) serveCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a document store over HTTP for remote clients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := a.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	// Requests carry the user in their bearer token, so the store itself
	// has no signed-in user.
	store, err := engine.BuildRemote(config.RemoteConfig{
		DSN:        cfg.Server.StoreDSN,
		Timeout:    cfg.Remote.Timeout,
		MaxRetries: cfg.Remote.MaxRetries,
	}, log)
	if err != nil {
		return fmt.Errorf("open server store: %w", err)
	}
	if closer, ok := store.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}

	handler := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:       cfg.Server.JWTSecret,
		Audience:        cfg.Server.Audience,
		RateLimitMax:    cfg.Server.RateLimitMax,
		RateLimitWindow: cfg.Server.RateLimitWindow,
		Logger:          log,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("document server listening", logger.String("addr", cfg.Server.Addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("document server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("document server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
