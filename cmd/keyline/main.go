// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

// Command keyline runs the OpenID Connect authorization server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keyline-dev/keyline/pkg/accounts"
	"github.com/keyline-dev/keyline/pkg/clients"
	"github.com/keyline-dev/keyline/pkg/config"
	"github.com/keyline-dev/keyline/pkg/keys"
	"github.com/keyline-dev/keyline/pkg/logger"
	"github.com/keyline-dev/keyline/pkg/ratelimit"
	"github.com/keyline-dev/keyline/pkg/server"
	"github.com/keyline-dev/keyline/pkg/server/handlers"
	"github.com/keyline-dev/keyline/pkg/server/middleware"
	"github.com/keyline-dev/keyline/pkg/session"
	"github.com/keyline-dev/keyline/pkg/storage"
	"github.com/keyline-dev/keyline/pkg/tokens"
	"github.com/keyline-dev/keyline/pkg/upstream"
)

var rootCmd = &cobra.Command{
	Use:   "keyline",
	Short: "OpenID Connect authorization server",
	Long:  "Keyline is an OpenID Connect 1.0 / OAuth 2.0 authorization server with PKCE, refresh rotation, and federated login.",
}

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authorization server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":3000", "listen address")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	logger.Initialize()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	keyManager := keys.NewManager()
	if _, err := keyManager.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize signing keys: %w", err)
	}

	minter := tokens.NewMinter(keyManager, cfg.Issuer)
	if cfg.DefaultAudience != "" {
		minter = minter.WithDefaultAudience(cfg.DefaultAudience)
	}

	accountSvc := accounts.NewService(store)
	h := handlers.New(handlers.Deps{
		Config:    cfg,
		Store:     store,
		Clients:   clients.NewRegistry(store),
		Accounts:  accountSvc,
		Codes:     tokens.NewCodeStore(store),
		Refresh:   tokens.NewRefreshStore(store),
		States:    tokens.NewStateStore(store),
		Minter:    minter,
		Sessions:  session.NewManager(keyManager),
		Keys:      keyManager,
		Validator: middleware.NewValidator(keyManager, cfg.Issuer),
		Limiter:   ratelimit.NewLimiter(store, cfg.RateLimitWindow, cfg.RateLimitMax),
		Providers: upstream.NewRegistry(ctx, cfg),
	})

	srv := server.New(serveAddr, h)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		return srv.Shutdown(context.Background())
	}
}

// openStore connects to Redis, falling back to the in-memory gateway when no
// address is configured. The fallback loses all state on restart and is for
// development only.
func openStore(ctx context.Context, cfg *config.Config) (storage.Gateway, error) {
	if cfg.Redis.Addr == "" {
		logger.Warn("REDIS_ADDR not set, using in-memory storage")
		return storage.NewMemoryGateway(), nil
	}
	store, err := storage.NewRedisGateway(ctx, storage.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return nil, err
	}
	logger.Infow("connected to redis", "addr", cfg.Redis.Addr)
	return store, nil
}
