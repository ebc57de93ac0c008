package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/auction-live/platform/internal/app/auctions"
	"github.com/auction-live/platform/internal/app/bidding"
	"github.com/auction-live/platform/internal/app/expiry"
	"github.com/auction-live/platform/internal/app/httpapi"
	"github.com/auction-live/platform/internal/app/identity"
	"github.com/auction-live/platform/internal/platform/dbpool"
	"github.com/auction-live/platform/internal/platform/env"
	"github.com/auction-live/platform/internal/platform/logging"
	"github.com/auction-live/platform/internal/platform/metrics"
	"github.com/auction-live/platform/internal/platform/natsutil"
	"github.com/auction-live/platform/internal/platform/readiness"
)

func main() {
	_ = godotenv.Load()
	log := logging.New("auction-api", env.String("LOG_LEVEL", "info"), env.String("LOG_ENCODING", "json"))
	defer func() { _ = log.Sync() }()

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := env.String("API_ADDR", env.DefaultAPIAddr)
	uiOrigin := env.String("UI_ORIGIN", "")
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	pool, err := dbpool.New(runCtx, env.String("DATABASE_URL", env.DefaultDatabaseURL))
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	auctionRepo := auctions.NewPostgresRepository(pool)
	identityRepo := identity.NewPostgresRepository(pool)
	if err := waitForSchema(runCtx, log, 30*time.Second, auctionRepo.EnsureSchema, identityRepo.EnsureSchema); err != nil {
		log.Fatal("schema not ready", zap.Error(err))
	}

	identitySvc := identity.NewService(identityRepo, identity.NewTokenManager(jwtSecret))
	created, err := identitySvc.EnsureAdmin(runCtx,
		env.String("ADMIN_USERNAME", "admin"),
		env.String("ADMIN_PASSWORD", "admin-password"))
	if err != nil {
		log.Fatal("seed admin account", zap.Error(err))
	}
	if created {
		log.Info("seeded admin account")
	}

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		log.Fatal("connect nats", zap.Error(err))
	}
	defer client.Close()

	publisher := natsutil.JetStreamPublisher{JS: client.JS}
	expirySvc := expiry.NewService(auctionRepo, publisher, publisher.Publish)
	biddingSvc := bidding.NewService(auctionRepo, expirySvc, publisher.Publish, env.Float("MIN_BID_INCREMENT", bidding.DefaultMinIncrement))

	// The catalogue the API serves must be consistent before traffic lands on
	// it: close out overdue auctions, then make sure every live auction has
	// its expiry scheduled.
	ready := readiness.New()
	ended, err := expirySvc.ReconcileExpired(runCtx)
	if err != nil {
		log.Fatal("startup reconciliation", zap.Error(err))
	}
	rescheduled, err := expirySvc.OnStartup(runCtx)
	if err != nil {
		log.Fatal("reschedule expiries", zap.Error(err))
	}
	ready.MarkReady()
	log.Info("startup reconciliation complete", zap.Int("ended", ended), zap.Int("rescheduled", rescheduled))

	handler := httpapi.NewHandler(biddingSvc, identitySvc, auctionRepo, uiOrigin, log)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/readyz", ready.Handler())
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info("auction api listening", zap.String("addr", addr))
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal("server failed", zap.Error(err))
	case <-runCtx.Done():
	}

	ready.MarkDraining()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
}

func waitForSchema(ctx context.Context, log *zap.Logger, timeout time.Duration, ensure ...func(context.Context) error) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		lastErr = nil
		for _, fn := range ensure {
			attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := fn(attemptCtx)
			cancel()
			if err != nil {
				lastErr = err
				break
			}
		}
		if lastErr == nil {
			return nil
		}
		log.Warn("waiting for schema readiness", zap.Error(lastErr))
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}
