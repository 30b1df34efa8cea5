// Package server exposes the metering and billing HTTP surfaces: provider
// status webhooks, the tenant usage API and the payment webhook endpoint.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/georgmattin/letscoldcall/internal/clock"
	"github.com/georgmattin/letscoldcall/internal/config"
	entitlementdomain "github.com/georgmattin/letscoldcall/internal/entitlement/domain"
	"github.com/georgmattin/letscoldcall/internal/observability"
	obslogger "github.com/georgmattin/letscoldcall/internal/observability/logger"
	obsmetrics "github.com/georgmattin/letscoldcall/internal/observability/metrics"
	obstracing "github.com/georgmattin/letscoldcall/internal/observability/tracing"
	"github.com/georgmattin/letscoldcall/internal/payment/webhook"
	reconciledomain "github.com/georgmattin/letscoldcall/internal/reconcile/domain"
	rentaldomain "github.com/georgmattin/letscoldcall/internal/rental/domain"
	subscriptiondomain "github.com/georgmattin/letscoldcall/internal/subscription/domain"
	usagedomain "github.com/georgmattin/letscoldcall/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
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
	usageSvc        usagedomain.Service
	entitlementSvc  entitlementdomain.Service
	rentalSvc       rentaldomain.Service
	subscriptionSvc subscriptiondomain.Service
	reconcileSvc    reconciledomain.Service
	webhookSvc      *webhook.Service
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
	UsageSvc        usagedomain.Service
	EntitlementSvc  entitlementdomain.Service
	RentalSvc       rentaldomain.Service
	SubscriptionSvc subscriptiondomain.Service
	ReconcileSvc    reconciledomain.Service
	WebhookSvc      *webhook.Service
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		log:             p.Log.Named("server"),
		genID:           p.GenID,
		clock:           p.Clock,
		usageSvc:        p.UsageSvc,
		entitlementSvc:  p.EntitlementSvc,
		rentalSvc:       p.RentalSvc,
		subscriptionSvc: p.SubscriptionSvc,
		reconcileSvc:    p.ReconcileSvc,
		webhookSvc:      p.WebhookSvc,
		obsMetrics:      p.ObsMetrics,
	}

	s.registerWebhookRoutes()
	s.registerAPIRoutes()

	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	// Provider callbacks. Unauthenticated by design: voice/sms callbacks are
	// matched against rented numbers, payment webhooks carry signatures.
	webhooks := s.engine.Group("/webhooks")
	webhooks.POST("/telephony/voice", s.HandleVoiceStatus)
	webhooks.POST("/telephony/sms", s.HandleMessageStatus)

	s.engine.POST("/api/payments/webhooks/:provider", s.HandlePaymentWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.APIKeyRequired())

	// -------- Calls / usage --------
	api.POST("/calls/report", s.ReportClientCall)
	api.GET("/usage", s.ListUsage)
	api.GET("/usage/eligibility", s.GetCallEligibility)
	api.GET("/usage/actions/:action", s.CheckAction)
	api.POST("/usage/actions/:action", s.RecordAction)

	// -------- Reports --------
	api.GET("/usage/reports/:month", s.GetMonthlyReport)
	api.POST("/usage/reports/:month/recompute", s.RecomputeMonthlyReport)

	// -------- Rentals --------
	api.GET("/rentals", s.ListRentals)
	api.GET("/rentals/:id", s.GetRental)
	api.POST("/rentals/reserve", s.ReserveRental)
	api.POST("/rentals/:id/provision", s.ProvisionRental)
	api.POST("/rentals/:id/cancel", s.CancelRental)
}
