package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/dylanparallax/trellis-v4-sub000/config"
	"github.com/dylanparallax/trellis-v4-sub000/internal/rag"
	"github.com/dylanparallax/trellis-v4-sub000/internal/store"
	openai_provider "github.com/dylanparallax/trellis-v4-sub000/provider/openai"
)

// Run wires the store, embedding provider, RAG core and HTTP handlers
// together and serves until the listener fails.
func Run(cfg *appconfig.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

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

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	dsn, err := cfg.Databases.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("warn: migrate: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	secret := cfg.General.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (general.jwt_secret)")
	}

	var rdb *redis.Client
	if cfg.Databases.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Databases.Redis.Addr(),
			Password: cfg.Databases.Redis.Pass,
			DB:       cfg.Databases.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Databases.Redis.Addr(), err)
		}
	}

	embedder := openai_provider.NewClient(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Timeout)

	indexer := rag.NewIndexer(st, st, st, st, embedder, rag.IndexerOptions{
		MaxChars:     cfg.Index.MaxChars,
		OverlapChars: cfg.Index.OverlapChars,
		MaxAttempts:  cfg.Index.MaxAttempts,
	}, nil)
	retriever := rag.NewRetriever(st, st, st, embedder, rag.RetrieverOptions{
		CandidateLimit: cfg.Search.CandidateLimit,
		SnippetChars:   cfg.Search.SnippetChars,
	}, nil)

	api := e.Group("/api")

	auth := &AuthHandler{Store: st, Secret: []byte(secret), Env: cfg.General.Env}
	auth.Register(api.Group("/auth"))

	sh := &SearchHandler{Retriever: retriever, TopKDefault: cfg.Search.TopK}
	sh.Register(api.Group("/search"), []byte(secret))

	rh := &RecordsHandler{Store: st, Indexer: indexer}
	rh.Register(api, []byte(secret))

	ih := &IndexAdminHandler{
		Indexer:   indexer,
		Rdb:       rdb,
		BatchSize: cfg.Index.BatchSize,
		Logger:    log.New(log.Writer(), "[INDEX-API] ", log.LstdFlags),
	}
	ih.Register(api.Group("/admin/index"), []byte(secret))

	if cfg.Index.DrainCron != "" {
		sched := &DrainScheduler{
			Indexer:   indexer,
			Rdb:       rdb,
			CronSpec:  cfg.Index.DrainCron,
			BatchSize: cfg.Index.BatchSize,
			Stop:      make(chan struct{}),
			Logger:    log.New(log.Writer(), "[DRAIN] ", log.LstdFlags),
		}
		sched.Start()
		defer sched.Shutdown()
	}

	addr := cfg.General.Listen
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
