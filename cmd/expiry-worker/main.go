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
	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/auction-live/platform/internal/app/auctions"
	"github.com/auction-live/platform/internal/app/expiry"
	"github.com/auction-live/platform/internal/contracts"
	"github.com/auction-live/platform/internal/platform/dbpool"
	"github.com/auction-live/platform/internal/platform/env"
	"github.com/auction-live/platform/internal/platform/logging"
	"github.com/auction-live/platform/internal/platform/metrics"
	"github.com/auction-live/platform/internal/platform/natsutil"
	"github.com/auction-live/platform/internal/platform/readiness"
)

func main() {
	_ = godotenv.Load()
	log := logging.New("expiry-worker", env.String("LOG_LEVEL", "info"), env.String("LOG_ENCODING", "json"))
	defer func() { _ = log.Sync() }()

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := dbpool.New(runCtx, env.String("DATABASE_URL", env.DefaultDatabaseURL))
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()
	auctionRepo := auctions.NewPostgresRepository(pool)

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		log.Fatal("connect nats", zap.Error(err))
	}
	defer client.Close()

	publisher := natsutil.JetStreamPublisher{JS: client.JS}
	svc := expiry.NewService(auctionRepo, publisher, publisher.Publish)

	// Close out anything that went overdue while no worker was running, then
	// re-enqueue tasks for the auctions still live. Only after both passes is
	// this replica allowed to report ready.
	ready := readiness.New()
	ended, err := svc.ReconcileExpired(runCtx)
	if err != nil {
		log.Fatal("startup reconciliation", zap.Error(err))
	}
	rescheduled, err := svc.OnStartup(runCtx)
	if err != nil {
		log.Fatal("reschedule expiries", zap.Error(err))
	}
	log.Info("startup reconciliation complete", zap.Int("ended", ended), zap.Int("rescheduled", rescheduled))

	sub, err := client.JS.QueueSubscribe(contracts.ExpiryTaskSubject, "expiry-worker", func(msg *nats.Msg) {
		delay, err := svc.HandleTask(runCtx, msg.Data)
		if err != nil {
			if errors.Is(err, expiry.ErrInvalidTaskPayload) {
				log.Warn("terminating malformed expiry task", zap.Error(err))
				_ = msg.Term()
				return
			}
			log.Error("expiry task failed", zap.Error(err))
			_ = msg.Nak()
			return
		}
		if delay > 0 {
			_ = msg.NakWithDelay(delay)
			return
		}
		_ = msg.Ack()
	}, nats.ManualAck(), nats.AckWait(env.Duration("EXPIRY_ACK_WAIT", 30*time.Second)))
	if err != nil {
		log.Fatal("subscribe expiry tasks", zap.Error(err))
	}
	defer func() { _ = sub.Drain() }()

	// Periodic backstop for tasks that were lost or exhausted their retries.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(env.String("RECONCILE_SCHEDULE", "@every 1m"), func() {
		n, err := svc.ReconcileExpired(runCtx)
		if err != nil {
			log.Error("reconciliation sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			log.Info("reconciliation sweep ended overdue auctions", zap.Int("ended", n))
		}
	}); err != nil {
		log.Fatal("register reconciliation sweep", zap.Error(err))
	}
	sweeper.Start()
	defer sweeper.Stop()

	ready.MarkReady()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/readyz", ready.Handler())
	mux.Handle("/metrics", metrics.DefaultHandler())

	server := &http.Server{
		Addr:              env.String("WORKER_ADDR", ":8082"),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	log.Info("expiry worker running", zap.String("subject", contracts.ExpiryTaskSubject))

	select {
	case err := <-serverErr:
		log.Fatal("health server failed", zap.Error(err))
	case <-runCtx.Done():
	}

	ready.MarkDraining()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second))
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
