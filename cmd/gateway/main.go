package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/porterly/backend/internal/config"
	"github.com/porterly/backend/internal/eventlog"
	"github.com/porterly/backend/internal/events"
	"github.com/porterly/backend/internal/gateway"
	"github.com/porterly/backend/internal/store"
)

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "gateway")
	slog.SetDefault(log)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewRedisClient(cfg.Store.URL, cfg.Store.KeyPrefix)
	if err != nil {
		log.Error("store connect failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	kafkaPub, err := eventlog.NewKafkaPublisher(cfg.EventLog.Brokers, cfg.EventLog.ClientID, log)
	if err != nil {
		log.Error("event log connect failed", "error", err)
		os.Exit(1)
	}
	pub := eventlog.NewGuardedPublisher(kafkaPub)
	defer pub.Close()

	metrics := gateway.NewMetrics()
	sessions := gateway.NewSessions(st, cfg.Gateway.SessionTTL, cfg.Gateway.ReconnectTTL)
	rooms := gateway.NewRooms(st, cfg.Gateway.SessionTTL, log).WithMetrics(metrics)

	locLimiter := gateway.NewLimiter(cfg.Gateway.RateLimit.Location)
	chatLimiter := gateway.NewLimiter(cfg.Gateway.RateLimit.Chat)

	location := gateway.NewLocationTracker(st, rooms, pub, locLimiter, cfg.Gateway.Location, log).
		WithMetrics(metrics)
	offers := gateway.NewOffers(st, rooms, sessions, pub, log).WithMetrics(metrics)
	defer offers.Close()
	chat := gateway.NewChat(rooms, pub, chatLimiter, log).WithMetrics(metrics)

	hub := gateway.NewHub(gateway.HubDeps{
		Config:   cfg.Gateway,
		Verifier: gateway.NewTokenVerifier(cfg.TokenVerifier.SocketKey, cfg.TokenVerifier.AccessKey),
		Sessions: sessions,
		Rooms:    rooms,
		Location: location,
		Offers:   offers,
		Chat:     chat,
		Metrics:  metrics,
		Log:      log,
	})

	consumer, err := eventlog.NewKafkaConsumer(cfg.EventLog.Brokers, cfg.EventLog.ClientID,
		cfg.EventLog.ConsumerGroup, []string{events.TopicOrders, events.TopicOffers}, log)
	if err != nil {
		log.Error("event log consumer failed", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()
	gateway.NewConsumer(rooms, offers, log).WithMetrics(metrics).Register(consumer)
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("consumer stopped", "error", err)
			stop()
		}
	}()

	// Backstop for offer deadlines orphaned by restarts.
	go offers.Run(ctx, 5*time.Second)

	sweepStop := make(chan struct{})
	go locLimiter.RunSweeper(time.Minute, sweepStop)
	go chatLimiter.RunSweeper(time.Minute, sweepStop)
	defer close(sweepStop)

	r := mux.NewRouter()
	r.HandleFunc("/socket/client", hub.Handler(gateway.NamespaceClient))
	r.HandleFunc("/socket/porter", hub.Handler(gateway.NamespacePorter))
	r.HandleFunc("/socket/admin", hub.Handler(gateway.NamespaceAdmin))
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.HandleFunc("/ready", func(w http.ResponseWriter, req *http.Request) {
		if err := st.Ping(req.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("listening", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", "error", err)
	}
}
