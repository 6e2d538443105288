package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/quotaguard/internal/clock"
	"github.com/smallbiznis/quotaguard/internal/config"
	"github.com/smallbiznis/quotaguard/internal/gate"
	"github.com/smallbiznis/quotaguard/internal/identity"
	"github.com/smallbiznis/quotaguard/internal/observability"
	obsmiddleware "github.com/smallbiznis/quotaguard/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/quotaguard/internal/observability/metrics"
	obstracing "github.com/smallbiznis/quotaguard/internal/observability/tracing"
	quotadomain "github.com/smallbiznis/quotaguard/internal/quota/domain"
	subscriptiondomain "github.com/smallbiznis/quotaguard/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, clk clock.Clock) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware(clk))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, clk clock.Clock) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics, clk)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine   *gin.Engine
	cfg      config.Config
	log      *zap.Logger
	clock    clock.Clock
	gate     *gate.Gate
	resolver identity.Resolver
	usageSvc quotadomain.Service
	subSvc   subscriptiondomain.Service
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	Clock           clock.Clock
	Gate            *gate.Gate
	Resolver        identity.Resolver
	UsageSvc        quotadomain.Service
	SubscriptionSvc subscriptiondomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:   p.Gin,
		cfg:      p.Cfg,
		log:      p.Log.Named("http.server"),
		clock:    p.Clock,
		gate:     p.Gate,
		resolver: p.Resolver,
		usageSvc: p.UsageSvc,
		subSvc:   p.SubscriptionSvc,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	svc.registerInternalRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/stripe", s.HandleStripeWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", s.ResolveIdentity())

	api.GET("/usage", s.GetUsage)
	api.GET("/usage/history", s.ListUsageHistory)
	api.POST("/usage/migrate", s.MigrateUsage)

	api.GET("/subscription", s.GetSubscription)

	api.GET("/entitlements/features/:feature", s.CheckFeature)
}

// Internal routes are expected to be reachable only from the operator network.
func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal")

	internal.GET("/billing/events/failed", s.ListFailedBillingEvents)
}
