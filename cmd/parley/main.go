package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"parley/internal/app"
	"parley/internal/config"
	"parley/internal/ratelimit"
	"parley/internal/server"
	"parley/internal/usertoken"
	"parley/internal/util"
	"parley/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	jwtTTL, err := config.ParseJWTTTL(cfg.JWTTTL)
	if err != nil {
		util.Fatal("failed to parse jwt ttl", "err", err)
	}
	tokens, err := usertoken.NewManager(usertoken.Config{
		Secret: cfg.JWTSecret,
		TTL:    jwtTTL,
	})
	if err != nil {
		util.Fatal("failed to init token manager", "err", err)
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}
	signupLimiter, err := ratelimit.NewRedisFixedWindowLimiter(
		cfg.RedisAddr, cfg.RedisPassword, "parley:ratelimit:signup",
		rateLimitOrDefault(cfg.SignupRateLimitPerMinute, 5), time.Minute)
	if err != nil {
		util.Fatal("failed to init signup limiter", "err", err)
	}
	loginLimiter, err := ratelimit.NewRedisFixedWindowLimiter(
		cfg.RedisAddr, cfg.RedisPassword, "parley:ratelimit:login",
		rateLimitOrDefault(cfg.LoginRateLimitPerMinute, 10), time.Minute)
	if err != nil {
		util.Fatal("failed to init login limiter", "err", err)
	}

	appCfg := app.Config{DatabaseURL: cfg.DatabaseURL}
	if cfg.DatabaseURL == "" {
		logger.Warn("no databaseURL configured, using in-memory store")
		appCfg.Store = store.NewMemoryStore()
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		Tokens:         tokens,
		SignupLimiter:  signupLimiter,
		LoginLimiter:   loginLimiter,
		TrustedProxies: trustedProxies,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      util.WithRequestID(util.WithRequestLog(httpServer.Router())),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("parley server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func rateLimitOrDefault(limit, fallback int) int {
	if limit > 0 {
		return limit
	}
	return fallback
}
