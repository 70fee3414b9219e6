package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/loreweaver/loreweaver/config"
	"github.com/loreweaver/loreweaver/internal/store"
	"github.com/loreweaver/loreweaver/internal/worker"
	"github.com/loreweaver/loreweaver/provider"
)

// Standalone worker process: runs the patch scribe and memory rollups
// on the cron schedule without serving HTTP.
func main() {
	cfgPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg := config.LoadConfig(*cfgPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		log.Fatalf("worker config: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		log.Fatalf("worker store init: %v", err)
	}

	llm, err := provider.NewProvider(provider.OpenAI, cfg.LLM)
	if err != nil {
		log.Fatalf("worker llm init: %v", err)
	}

	var rdb *redis.Client
	if cfg.Storage.Redis.Host != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Storage.Redis.Addr(), Password: cfg.Storage.Redis.Password, DB: cfg.Storage.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("worker redis ping: %v", err)
		}
		defer func() { _ = rdb.Close() }()
	}

	meter := otel.Meter("loreweaver/worker")
	scribe := worker.NewPatchScribe(log.New(os.Stdout, "[PATCH] ", log.LstdFlags), st, st, llm, cfg.LLM, cfg.Workers, meter)
	rollup := worker.NewRollup(log.New(os.Stdout, "[ROLLUP] ", log.LstdFlags), st, st, llm, cfg.LLM, cfg.Workers, meter)

	sched := worker.NewScheduler(log.New(os.Stdout, "[SCHED] ", log.LstdFlags), rdb, cfg.Workers.ScheduleCron, cfg.Workers.ScheduleInterval, cfg.Workers.LockTTL, scribe, rollup)
	if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker scheduler exited: %v", err)
	}
}
