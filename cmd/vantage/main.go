package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/vantage-api/vantage/internal/app"
	"github.com/vantage-api/vantage/internal/auth"
	"github.com/vantage-api/vantage/internal/authz"
	"github.com/vantage-api/vantage/internal/guard"
	"github.com/vantage-api/vantage/internal/observability"
	"github.com/vantage-api/vantage/internal/platform/cache"
	"github.com/vantage-api/vantage/internal/platform/db"
	"github.com/vantage-api/vantage/internal/security"
	"github.com/vantage-api/vantage/internal/users"
	"github.com/vantage-api/vantage/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	queueClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue close", slog.Any("error", err))
		}
	}()

	sessionStore := auth.NewSessionStore(dbpool)
	verifier := auth.NewCredentialVerifier(dbpool)
	recorder := security.NewRecorder(logger, queueClient)
	tokenService := auth.NewTokenService(sessionStore, verifier, recorder, logger, auth.TokenConfig{
		Secret:     []byte(cfg.JWTSecret),
		Issuer:     cfg.JWTIssuer,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	})

	ipLimiter := auth.NewLimiter(redisClient, "rl:login", cfg.LoginIPLimit, cfg.LoginLimitWindow)
	acctLimiter := auth.NewLimiter(redisClient, "rl:login", cfg.LoginAccountLimit, cfg.LoginLimitWindow)
	authHandler := auth.NewHandler(logger, tokenService, acctLimiter)

	overrideRepo := authz.NewOverrideRepository(dbpool)
	engine := authz.NewEngine()
	authenticate := guard.AuthenticateGuard{Tokens: tokenService, Overrides: overrideRepo}

	usersRepo := users.NewRepository(dbpool)
	usersService := users.NewService(usersRepo)
	usersHandler := users.NewHandler(logger, usersService, overrideRepo, engine, authenticate)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	metrics := observability.NewMetrics()

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		AuthHandler:   authHandler,
		AuthIPLimiter: ipLimiter,
		Authenticate:  authenticate,
		UsersHandler:  usersHandler,
		JobHandler:    jobHandler,
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("server exit", slog.Any("error", err))
		os.Exit(1)
	}
}
