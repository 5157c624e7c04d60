package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wabroker/msgcore/internal/automation"
	"github.com/wabroker/msgcore/internal/campaign"
	"github.com/wabroker/msgcore/internal/config"
	"github.com/wabroker/msgcore/internal/database"
	"github.com/wabroker/msgcore/internal/handlers"
	"github.com/wabroker/msgcore/internal/lock"
	"github.com/wabroker/msgcore/internal/middleware"
	"github.com/wabroker/msgcore/internal/preflight"
	"github.com/wabroker/msgcore/internal/queue"
	"github.com/wabroker/msgcore/internal/ratelimiter"
	"github.com/wabroker/msgcore/internal/router"
	"github.com/wabroker/msgcore/internal/scheduler"
	"github.com/wabroker/msgcore/internal/sendpipeline"
	"github.com/wabroker/msgcore/internal/webhookingest"
	"github.com/wabroker/msgcore/pkg/whatsapp"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
	"github.com/zerodha/logf"
)

var (
	configPath = flag.String("config", "config.toml", "Path to config file")
	migrate    = flag.Bool("migrate", false, "Run database migrations")
)

func main() {
	flag.Parse()

	lo := logf.New(logf.Opts{
		EnableColor:     true,
		Level:           logf.DebugLevel,
		EnableCaller:    true,
		TimestampFormat: "2006-01-02 15:04:05",
		DefaultFields:   []any{"app", "msgcore"},
	})

	lo.Info("starting msgcore server...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		lo.Fatal("failed to load config", "error", err)
	}

	if cfg.App.Environment == "production" {
		lo = logf.New(logf.Opts{
			Level:           logf.InfoLevel,
			TimestampFormat: "2006-01-02 15:04:05",
			DefaultFields:   []any{"app", "msgcore"},
		})
	}

	db, err := database.NewPostgres(&cfg.Database, cfg.App.Debug)
	if err != nil {
		lo.Fatal("failed to connect to database", "error", err)
	}
	lo.Info("connected to postgres")

	if *migrate {
		lo.Info("running database migrations...")
		if err := database.AutoMigrate(db); err != nil {
			lo.Fatal("failed to run migrations", "error", err)
		}
		if err := database.CreateIndexes(db); err != nil {
			lo.Fatal("failed to create indexes", "error", err)
		}
		lo.Info("migrations completed")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		lo.Fatal("failed to connect to redis", "error", err)
	}
	lo.Info("connected to redis")

	waClient := whatsapp.NewWithBaseURL(lo, cfg.WhatsApp.BaseURL)

	q := queue.NewRedisQueue(rdb, lo)
	lockSvc := lock.New(rdb, lo)
	limiter := ratelimiter.New(rdb, lo, ratelimiter.AutoPauseThresholds{
		ConsecutiveFailures:  cfg.RateLimit.AutoPauseConsecutiveFailures,
		FailureRateThreshold: cfg.RateLimit.AutoPauseFailureRateThreshold,
		MinProcessed:         cfg.RateLimit.AutoPauseMinProcessed,
	})
	validator := preflight.New(db)
	pipeline := sendpipeline.New(db, waClient, lo)
	campaigns := campaign.New(db, lockSvc, limiter, validator, q, pipeline, lo)

	routerSvc := router.New(db, rdb, lo)
	autoEngine := automation.New(db, waClient, pipeline, lo)
	ingester := webhookingest.New(db, routerSvc, campaigns, autoEngine, lo)

	app := &handlers.App{
		Config:     cfg,
		DB:         db,
		Redis:      rdb,
		Log:        lo,
		WhatsApp:   waClient,
		Campaigns:  campaigns,
		Router:     routerSvc,
		Automation: autoEngine,
		Ingester:   ingester,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer, err := queue.NewRedisConsumer(rdb, lo)
	if err != nil {
		lo.Fatal("failed to start queue consumer", "error", err)
	}
	pool := queue.NewWorkerPool(consumer, q, lo, cfg.Queue.WorkerConcurrency, cfg.Queue.GlobalJobsPerSec)
	go func() {
		if err := pool.Run(ctx, campaigns.Handler()); err != nil && ctx.Err() == nil {
			lo.Error("worker pool stopped", "error", err)
		}
	}()

	sched := scheduler.New(db, campaigns, q, lo, time.Duration(cfg.Scheduler.TickSeconds)*time.Second)
	go sched.Run(ctx)

	g := fastglue.NewGlue()
	allowedOrigins := middleware.ParseAllowedOrigins(os.Getenv("MSGCORE_CORS_ALLOWED_ORIGINS"))
	g.Before(middleware.RequestLogger(lo))
	g.Before(middleware.CORS(allowedOrigins))
	g.Before(middleware.SecurityHeaders())
	g.Before(middleware.Recovery(lo))

	setupRoutes(g, app, cfg, lo)

	server := &fasthttp.Server{
		Handler:      g.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		Name:         "msgcore",
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		lo.Info("server listening", "address", addr)
		if err := server.ListenAndServe(addr); err != nil {
			lo.Fatal("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lo.Info("shutting down server...")
	cancel()
	if err := server.Shutdown(); err != nil {
		lo.Error("server shutdown error", "error", err)
	}
	lo.Info("server stopped")
}

func setupRoutes(g *fastglue.Fastglue, app *handlers.App, cfg *config.Config, lo logf.Logger) {
	g.GET("/health", app.HealthCheck)
	g.GET("/ready", app.ReadyCheck)

	// Meta calls these with no bearer token.
	g.GET("/api/webhook", app.WebhookVerify)
	g.POST("/api/webhook", app.WebhookHandler)

	g.Before(func(r *fastglue.Request) *fastglue.Request {
		path := string(r.RequestCtx.Path())
		if path == "/health" || path == "/ready" || path == "/api/webhook" {
			return r
		}
		if len(path) > 4 && path[:4] == "/api" {
			return middleware.Auth(cfg.JWT.Secret)(r)
		}
		return r
	})

	g.GET("/api/templates", app.ListTemplates)
	g.POST("/api/templates", app.SubmitTemplate)
	g.GET("/api/templates/{id}", app.GetTemplate)
	g.POST("/api/templates/sync", app.SyncTemplates)

	g.GET("/api/campaigns", app.ListCampaigns)
	g.POST("/api/campaigns", app.CreateCampaign)
	g.GET("/api/campaigns/{id}", app.GetCampaign)
	g.GET("/api/campaigns/{id}/progress", app.GetCampaignProgress)
	g.POST("/api/campaigns/{id}/start", app.StartCampaign)
	g.POST("/api/campaigns/{id}/pause", app.PauseCampaign)
	g.POST("/api/campaigns/{id}/resume", app.ResumeCampaign)
	g.POST("/api/campaigns/{id}/cancel", app.CancelCampaign)

	g.GET("/api/contacts", app.ListContacts)
	g.GET("/api/contacts/{id}", app.GetContact)
	g.GET("/api/contacts/{id}/messages", app.GetContactMessages)

	g.GET("/api/automation/rules", app.ListAutomationRules)
	g.POST("/api/automation/rules", app.CreateAutomationRule)
	g.PUT("/api/automation/rules/{id}", app.UpdateAutomationRule)
	g.DELETE("/api/automation/rules/{id}", app.DeleteAutomationRule)

	g.GET("/api/phones", app.ListTenantPhones)
	g.POST("/api/phones", app.AssignPhone)
	g.DELETE("/api/phones/{phone_number_id}", app.UnassignPhone)
	g.PUT("/api/tenant/kill-switch", app.SetTenantKillSwitch)

	g.GET("/api/admin/kill-switch", app.GetKillSwitch)
	g.PUT("/api/admin/kill-switch", app.SetKillSwitch)

	lo.Info("routes registered")
}
