// Package server wires the engine together behind an HTTP API: auth,
// feature/session endpoints, memory endpoints, and the SSE progress
// stream.
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

	"github.com/archon-ai/archon/config"
	"github.com/archon-ai/archon/internal/executor"
	"github.com/archon-ai/archon/internal/memory"
	"github.com/archon-ai/archon/internal/orchestrator"
	"github.com/archon-ai/archon/internal/planner"
	"github.com/archon-ai/archon/internal/progress"
	"github.com/archon-ai/archon/internal/store"
	"github.com/archon-ai/archon/internal/tools"
	"github.com/archon-ai/archon/provider"
)

// Run boots the engine and serves the API until the listener fails.
func Run(cfg *config.Config) error {
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
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("migrations: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	llm, err := provider.NewProvider(cfg.LLM)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Storage.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
	}

	broker := progress.NewBroker(cfg.Orchestrator.RecentEventWindow, cfg.Progress.SubscriberBuf, nil)
	var events progress.Publisher = broker
	if rdb != nil {
		events = progress.MultiPublisher{broker, progress.NewStreamPublisher(rdb, cfg.Progress.StreamMaxLen, nil)}
	}

	invoker := tools.NewInvoker(nil, st)
	invoker.Register(tools.CodegenTool{Provider: llm})
	invoker.Register(tools.FileOpTool{Root: cfg.Tools.WorkspaceRoot})
	invoker.Register(tools.DBQueryTool{DB: st.DB})
	invoker.Register(tools.EmbeddingTool{Provider: llm})

	mem := memory.New(st, cfg.Memory, memory.ToolEmbedder{Invoker: invoker}, events, nil)
	sweeper := memory.NewSweeper(mem, cfg.Memory.SweepCron, rdb)
	sweeper.Start()
	defer close(sweeper.Stop)

	var strategy planner.Strategy
	switch cfg.Planner.Strategy {
	case "llm":
		strategy = planner.LLMStrategy{Provider: llm}
	default:
		strategy = planner.RuleStrategy{}
	}
	pl := planner.New(cfg.Planner, nil, strategy)
	ex := executor.New(cfg.Executor, invoker, mem, events, nil)
	orch := orchestrator.New(cfg.Orchestrator, st, pl, ex, events, broker, mem, nil)

	secret := cfg.Server.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: []byte(secret)}
	auth.Register(api.Group("/auth"))

	sh := &SessionsHandler{Store: st, Orch: orch}
	sh.Register(api, []byte(secret))

	mh := &MemoryHandler{Memory: mem}
	mh.Register(api, []byte(secret))

	return e.Start(cfg.Server.Address)
}
