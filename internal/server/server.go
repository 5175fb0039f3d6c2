package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/hookrelay/internal/clock"
	"github.com/smallbiznis/hookrelay/internal/config"
	"github.com/smallbiznis/hookrelay/internal/observability"
	obsmiddleware "github.com/smallbiznis/hookrelay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/hookrelay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/hookrelay/internal/observability/tracing"
	outbounddomain "github.com/smallbiznis/hookrelay/internal/outbound/domain"
	"github.com/smallbiznis/hookrelay/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/hookrelay/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/hookrelay/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
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
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	webhookSvc      webhookdomain.Service
	subscriptionSvc subscriptiondomain.Service
	outboundSvc     outbounddomain.Service
	dispatcher      outbounddomain.Dispatcher
	ingestLimiter   *ratelimit.IngestLimiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	WebhookSvc      webhookdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	OutboundSvc     outbounddomain.Service
	Dispatcher      outbounddomain.Dispatcher
	IngestLimiter   *ratelimit.IngestLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		log:             p.Log.Named("http.server"),
		genID:           p.GenID,
		clock:           p.Clock,
		webhookSvc:      p.WebhookSvc,
		subscriptionSvc: p.SubscriptionSvc,
		outboundSvc:     p.OutboundSvc,
		dispatcher:      p.Dispatcher,
		ingestLimiter:   p.IngestLimiter,
		obsMetrics:      p.ObsMetrics,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandleProviderWebhook)
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/events", s.TrackEvent)
	v1.GET("/subscription", s.GetSubscription)

	endpoints := v1.Group("/webhook_endpoints")
	endpoints.POST("", s.CreateWebhookEndpoint)
	endpoints.GET("", s.ListWebhookEndpoints)
	endpoints.GET("/:id", s.GetWebhookEndpoint)
	endpoints.PATCH("/:id", s.UpdateWebhookEndpoint)
	endpoints.DELETE("/:id", s.DeleteWebhookEndpoint)
	endpoints.POST("/:id/rotate_secret", s.RotateWebhookEndpointSecret)
	endpoints.GET("/:id/deliveries", s.ListEndpointDeliveries)

	v1.GET("/deliveries", s.ListDeliveries)
}
