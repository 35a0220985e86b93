package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/app"
	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/jmehdipour/webhook-gateway/internal/http/middleware"
	"github.com/jmehdipour/webhook-gateway/internal/logger"
	"github.com/jmehdipour/webhook-gateway/internal/metrics"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deps are the collaborators behind the routes.
type Deps struct {
	Receiver    Receiver
	DeadLetters DeadLetters
	Replays     Replays
	Events      Events
	ActionLogs  ActionLogs
	Stats       Stats
	Operators   middleware.OperatorLookup

	Redis        *redis.Client
	RateLimitRPS int
	MaxBodyBytes int64
	LogLevel     string
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.Config, a *app.App, rds *redis.Client, l *zap.Logger) *Server {
	metrics.MustRegister(prometheus.DefaultRegisterer)

	e := newRouter(Deps{
		Receiver:     a.Pipeline,
		DeadLetters:  a.DeadLetters,
		Replays:      a.Replayer,
		Events:       a.Events,
		ActionLogs:   a.ActionLogs,
		Stats:        a.Stats,
		Operators:    a.Operators,
		Redis:        rds,
		RateLimitRPS: cfg.RateLimit.RPS,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		LogLevel:     cfg.Log.Level,
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &Server{e: e, log: logger.OrNop(l)}
}

func newRouter(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(echoLevel(d.LogLevel))
	e.Use(echoMid.Recover(), echoMid.Logger())

	// health
	e.GET("/healthz", healthHandler(d.Receiver))

	// provider callbacks
	e.POST("/webhooks/:provider", webhookHandler(d.Receiver, d.MaxBodyBytes))

	// middlewares
	authMW := middleware.APIKeyMiddleware(d.Operators)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		DefaultRPS:     d.RateLimitRPS,
		KeyPrefix:      "rl:op:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// operator routes
	admin := e.Group("/admin", authMW, rlMW)
	admin.GET("/dlq", listDeadLettersHandler(d.DeadLetters))
	admin.POST("/dlq/:id/replay", replayHandler(d.Replays))
	admin.POST("/dlq/:id/resolve", resolveHandler(d.Replays))
	admin.GET("/events", listEventsHandler(d.Events))
	admin.GET("/events/:id", getEventHandler(d.Events, d.ActionLogs))
	admin.GET("/stats", statsHandler(d.Stats, d.DeadLetters))

	return e
}

func healthHandler(recv Receiver) echo.HandlerFunc {
	names := make([]string, 0)
	for _, p := range recv.Providers() {
		names = append(names, p.Name)
	}
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "providers": names})
	}
}

func echoLevel(level string) log.Lvl {
	switch strings.ToLower(level) {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	default:
		return log.INFO
	}
}

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
