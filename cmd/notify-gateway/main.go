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

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/auction-live/platform/internal/app/notify"
	"github.com/auction-live/platform/internal/contracts"
	"github.com/auction-live/platform/internal/platform/env"
	"github.com/auction-live/platform/internal/platform/logging"
	"github.com/auction-live/platform/internal/platform/metrics"
	"github.com/auction-live/platform/internal/platform/natsutil"
	"github.com/auction-live/platform/internal/platform/readiness"
	"github.com/auction-live/platform/internal/platform/redisutil"
)

func main() {
	_ = godotenv.Load()
	log := logging.New("notify-gateway", env.String("LOG_LEVEL", "info"), env.String("LOG_ENCODING", "json"))
	defer func() { _ = log.Sync() }()

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := env.String("GATEWAY_ADDR", env.DefaultGatewayAddr)

	rdb, err := redisutil.NewClient(env.String("REDIS_URL", env.DefaultRedisURL))
	if err != nil {
		log.Fatal("connect redis", zap.Error(err))
	}
	defer func() { _ = rdb.Close() }()

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		log.Fatal("connect nats", zap.Error(err))
	}
	defer client.Close()

	hub := notify.NewHub(log)
	dispatcher := &notify.Dispatcher{
		DeadLetters: notify.NewRedisDeadLetters(rdb),
		Hub:         hub,
		Log:         log,
	}

	// Each replica holds its own ephemeral subscription, so every replica
	// sees every event and fans it out to its local sessions.
	sub, err := client.JS.Subscribe(contracts.EventChannel, func(msg *nats.Msg) {
		if err := dispatcher.Dispatch(runCtx, msg.Data); err != nil {
			log.Error("event dispatch failed", zap.Error(err))
		}
	}, nats.DeliverNew())
	if err != nil {
		log.Fatal("subscribe events", zap.Error(err))
	}
	defer func() { _ = sub.Unsubscribe() }()

	go hub.RunClock(runCtx, env.Duration("CLOCK_INTERVAL", time.Second))

	ready := readiness.New()
	ready.MarkReady()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/readyz", ready.Handler())
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", env.String("UI_ORIGIN", "*"))

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		session, release := hub.Register()
		defer release()
		log.Info("session connected", zap.String("session_id", session.ID))

		for {
			select {
			case <-r.Context().Done():
				log.Info("session disconnected", zap.String("session_id", session.ID))
				return
			case <-runCtx.Done():
				return
			case msg, open := <-session.Messages():
				if !open {
					return
				}
				fmt.Fprintf(w, "event: %s\n", msg.Event)
				fmt.Fprintf(w, "data: %s\n\n", msg.Data)
				flusher.Flush()
			}
		}
	})

	// No WriteTimeout: /events connections are intentionally long-lived.
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info("notify gateway listening", zap.String("addr", addr))
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second))
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
