package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/porterly/backend/internal/bidding"
	"github.com/porterly/backend/internal/config"
	"github.com/porterly/backend/internal/eventlog"
	"github.com/porterly/backend/internal/events"
	"github.com/porterly/backend/internal/gateway"
	"github.com/porterly/backend/internal/rpc"
	"github.com/porterly/backend/internal/store"
)

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "bidding")
	slog.SetDefault(log)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Error("database open failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	repo := bidding.NewPostgres(db)
	if err := repo.Migrate(ctx); err != nil {
		log.Error("schema migration failed", "error", err)
		os.Exit(1)
	}

	cache, err := store.NewRedisClient(cfg.Store.URL, cfg.Store.KeyPrefix)
	if err != nil {
		log.Error("store connect failed", "error", err)
		os.Exit(1)
	}
	defer cache.Close()

	kafkaPub, err := eventlog.NewKafkaPublisher(cfg.EventLog.Brokers, cfg.EventLog.ClientID, log)
	if err != nil {
		log.Error("event log connect failed", "error", err)
		os.Exit(1)
	}
	pub := eventlog.NewGuardedPublisher(kafkaPub)
	defer pub.Close()

	mgr := bidding.NewManager(repo, cache, store.NewLocker(cache), pub, cfg.Bidding, log).
		WithMetrics(bidding.NewMetrics())

	reaper := bidding.NewReaper(mgr, repo,
		time.Duration(cfg.Bidding.ReaperIntervalSec)*time.Second, log)
	go reaper.Run(ctx)

	consumer, err := eventlog.NewKafkaConsumer(cfg.EventLog.Brokers, cfg.EventLog.ClientID,
		cfg.EventLog.ConsumerGroup, []string{events.TopicOrders, events.TopicPorters}, log)
	if err != nil {
		log.Error("event log consumer failed", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()
	bidding.NewReactor(mgr, repo, log).Register(consumer)
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("consumer stopped", "error", err)
			stop()
		}
	}()

	verifier := gateway.NewTokenVerifier(cfg.TokenVerifier.AccessKey, "")
	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           rpc.NewServer(mgr, verifier, repo.Ping, log),
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
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", "error", err)
	}
}
