package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/internal/app/api/handlers"
	mw "github.com/fatflowers/billing/internal/app/api/middleware"
	"github.com/fatflowers/billing/internal/app/service/account"
	"github.com/fatflowers/billing/internal/app/service/inventory"
	"github.com/fatflowers/billing/internal/app/service/ledger"
	"github.com/fatflowers/billing/internal/app/service/payment"
	"github.com/fatflowers/billing/internal/platform/db"
	cfgpkg "github.com/fatflowers/billing/pkg/config"
	metrics "github.com/fatflowers/billing/pkg/metrics"
)

func newEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	// Request tracing only; request logger & access log are attached per group in registerRoutes
	r.Use(mw.TraceMiddleware())
	return r
}

type routeDeps struct {
	fx.In

	Log       *zap.SugaredLogger
	Cfg       *cfgpkg.Config
	Conns     *db.Conns
	Accounts  *account.Service
	Ledger    *ledger.Service
	Inventory *inventory.Service
	Provider  payment.Provider
	Rec       *payment.Reconciler
}

func registerRoutes(r *gin.Engine, deps routeDeps) {
	log, cfg := deps.Log, deps.Cfg

	// Prometheus metrics on a separate listener
	if cfg != nil && cfg.MetricsAddr != "" {
		p := metrics.NewPrometheus(metrics.NewPrometheusOptions{
			ReqCntURLLabelMappingFn: func(c *gin.Context) string {
				if fp := c.FullPath(); fp != "" {
					return fp
				}
				return c.Request.URL.Path
			},
			Logger: log,
		})
		p.SetListenAddress(cfg.MetricsAddr)
		p.Use(r)

		log.Infow("metrics started", "addr", cfg.MetricsAddr)
	}

	// Public group: request logger + access log
	pub := r.Group("/")
	pub.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())
	handlers.RegisterHealthRoutes(pub, deps.Conns)

	v1 := r.Group("/v1")
	v1.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())

	billing := v1.Group("/billing")
	handlers.RegisterBillingRoutes(billing, deps.Ledger)
	handlers.RegisterAccountRoutes(billing.Group("/accounts"), deps.Accounts)
	handlers.RegisterPurchaseRoutes(billing.Group("/purchases"), deps.Provider, deps.Rec, cfg)
	handlers.RegisterWebhookRoutes(billing.Group("/webhooks"), deps.Rec)
	billing.POST("/google-play/verify", handlers.ApiVerifyPlayPurchase(deps.Rec))

	handlers.RegisterToolRoutes(v1.Group("/tools"), deps.Inventory)
	handlers.RegisterAdminRoutes(v1.Group("/admin"), deps.Ledger)
}

func runServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting HTTP server", "addr", addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorf("server error: %v", err)
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping HTTP server")
			shutdownCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Options(
	fx.Provide(newEngine),
	fx.Invoke(registerRoutes),
	fx.Invoke(runServer),
)
