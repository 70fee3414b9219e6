package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/golang-migrate/migrate/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/loreweaver/loreweaver/config"
	"github.com/loreweaver/loreweaver/internal/search"
	"github.com/loreweaver/loreweaver/internal/store"
	"github.com/loreweaver/loreweaver/internal/worker"
	"github.com/loreweaver/loreweaver/provider"
)

// Run wires the whole backend and serves HTTP until the listener stops.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: %w", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	llm, err := provider.NewProvider(provider.OpenAI, cfg.LLM)
	if err != nil {
		return err
	}
	idx, err := search.NewIndex()
	if err != nil {
		return err
	}

	secret := cfg.General.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (general.jwt_secret)")
	}

	api := e.Group("/api")

	auth := &AuthHandler{Store: st, Secret: []byte(secret)}
	auth.Register(api.Group("/auth"))

	// protected group example
	me := api.Group("/me")
	me.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, auth.Secret) })
	me.GET("", func(c echo.Context) error {
		return c.JSON(200, map[string]string{"user_id": c.Get("user_id").(string)})
	})

	ch := &CharactersHandler{Store: st}
	ch.Register(api.Group("/characters"), auth.Secret)

	cv := &ConversationsHandler{Store: st, LLM: llm, LLMC: cfg.LLM, Index: idx}
	cv.Register(api.Group("/conversations"), auth.Secret)

	sh := &StateHandler{Store: st}
	sh.Register(api.Group("/conversations"), auth.Secret)

	wh := &WalletHandler{Store: st}
	wh.Register(api.Group("/wallet"), auth.Secret)

	// background workers share the scheduler with the cron trigger endpoints
	meter := otel.Meter("loreweaver/worker")
	scribe := worker.NewPatchScribe(log.New(log.Writer(), "[PATCH] ", log.LstdFlags), st, st, llm, cfg.LLM, cfg.Workers, meter)
	rollup := worker.NewRollup(log.New(log.Writer(), "[ROLLUP] ", log.LstdFlags), st, st, llm, cfg.LLM, cfg.Workers, meter)

	jh := &JobsHandler{Token: cfg.Server.WorkerToken, Tasks: []worker.Task{scribe, rollup}}
	jh.Register(api.Group("/internal/workers"))

	var rdb *redis.Client
	if cfg.Storage.Redis.Host != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
	}
	schedLogger := log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	sched := worker.NewScheduler(schedLogger, rdb, cfg.Workers.ScheduleCron, cfg.Workers.ScheduleInterval, cfg.Workers.LockTTL, scribe, rollup)
	go func() {
		if err := sched.Start(ctx); err != nil {
			schedLogger.Printf("scheduler stopped: %v", err)
		}
	}()

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
