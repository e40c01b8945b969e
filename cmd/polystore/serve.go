// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/polystore/polystore/internal/auth"
	authpg "github.com/polystore/polystore/internal/auth/postgres"
	"github.com/polystore/polystore/internal/config"
	"github.com/polystore/polystore/internal/logging"
	"github.com/polystore/polystore/internal/notify"
	"github.com/polystore/polystore/internal/observability"
	"github.com/polystore/polystore/internal/store"
	"github.com/polystore/polystore/internal/web"
	"github.com/polystore/polystore/pkg/errutil"
)

// shutdownTimeout bounds graceful shutdown of the HTTP listeners.
const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication service",
		Long: `Start the HTTP server, the metrics endpoint, and the background
sweeper for expired sessions and reset tokens.`,
		RunE: runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, configFile != "", cmd.Flags())
	if err != nil {
		return err
	}

	logging.SetDefault("polystore", version, cfg.Log.Format, cfg.Log.Level)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	accounts := authpg.NewAccountRepository(pool)
	sessions := authpg.NewSessionRepository(pool)
	resets := authpg.NewPasswordResetRepository(pool)
	hasher := auth.NewArgon2idHasher()

	authSvc, err := auth.NewServiceWithLogger(accounts, sessions, hasher, logger,
		auth.WithSessionExpiry(cfg.Auth.SessionExpiry))
	if err != nil {
		return err
	}
	accountSvc, err := auth.NewAccountService(accounts, sessions, resets, hasher, logger)
	if err != nil {
		return err
	}

	notifier, closeNotifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	resetSvc, err := auth.NewPasswordResetService(accounts, sessions, resets, hasher, notifier, logger,
		auth.WithResetTokenExpiry(cfg.Auth.ResetExpiry))
	if err != nil {
		return err
	}

	var identity auth.IdentityProvider
	if cfg.SSOEnabled() {
		verifier, verr := auth.NewDelegatedVerifier(cfg.SSO.Provider, cfg.SSO.Issuer, []byte(cfg.SSO.Secret))
		if verr != nil {
			return verr
		}
		identity = verifier
	}

	// Readiness flips once both listeners are up.
	var ready atomic.Bool
	obsServer := observability.NewServer(cfg.Observability.Addr, ready.Load)
	obsErrCh, err := obsServer.Start()
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = obsServer.Stop(stopCtx) //nolint:errcheck // Best effort during shutdown
	}()

	handler, err := web.NewAuthHandler(authSvc, accountSvc, resetSvc, identity, obsServer.Metrics(), logger, cfg.HTTP.CookieSecure)
	if err != nil {
		return err
	}

	webServer, err := web.NewServer(cfg.HTTP.Addr, authSvc, handler, obsServer.Metrics(), logger)
	if err != nil {
		return err
	}
	webErrCh, err := webServer.Start()
	if err != nil {
		return err
	}

	sweeper, err := auth.NewSweeper(sessions, resets, cfg.Auth.SweepInterval, logger)
	if err != nil {
		return err
	}
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(sweepCtx)
	}()

	ready.Store(true)
	logger.Info("polystore auth service running",
		"http_addr", webServer.Addr(),
		"metrics_addr", obsServer.Addr(),
		"sso_enabled", cfg.SSOEnabled(),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr := <-webErrCh:
		if serveErr != nil {
			errutil.LogError(logger, "http server failed", serveErr)
		}
	case obsErr := <-obsErrCh:
		if obsErr != nil {
			errutil.LogError(logger, "observability server failed", obsErr)
		}
	}

	ready.Store(false)
	cancelSweep()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := webServer.Stop(stopCtx); err != nil {
		errutil.LogError(logger, "http server shutdown failed", err)
	}

	<-sweepDone
	return nil
}

// buildNotifier selects the reset-token delivery path from config.
func buildNotifier(cfg config.Config, logger *slog.Logger) (auth.ResetNotifier, func(), error) {
	if cfg.Notify.AMQPURL == "" {
		logger.Warn("no broker configured, reset links go to the log")
		return notify.NewLogNotifier(cfg.HTTP.BaseURL, logger), func() {}, nil
	}

	amqpNotifier, err := notify.NewAMQPNotifier(cfg.Notify.AMQPURL, cfg.Notify.Exchange, cfg.HTTP.BaseURL, cfg.Auth.ResetExpiry, logger)
	if err != nil {
		return nil, nil, oops.Code("NOTIFY_SETUP_FAILED").Wrap(err)
	}
	closeFn := func() {
		if closeErr := amqpNotifier.Close(); closeErr != nil {
			errutil.LogError(logger, "notifier close failed", closeErr)
		}
	}
	return amqpNotifier, closeFn, nil
}
