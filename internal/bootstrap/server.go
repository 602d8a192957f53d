package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/Domenick1991/ridedispatch/api"
	"github.com/Domenick1991/ridedispatch/config"
	"github.com/Domenick1991/ridedispatch/internal/auth"
	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/Domenick1991/ridedispatch/internal/logger"
	"github.com/Domenick1991/ridedispatch/internal/service/booking"
	"github.com/Domenick1991/ridedispatch/internal/service/vehicles"
	"github.com/Domenick1991/ridedispatch/internal/ws"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

// HealthCheck checks one backing service for /healthz.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Bookings booking.BookingUseCase
	Vehicles vehicles.VehicleUseCase
	Topics   ws.Subscriber
	Verifier auth.Verifier
	Gatherer prometheus.Gatherer
	Health   map[string]HealthCheck
	Log      logrus.FieldLogger
}

// Run serves HTTP and the websocket endpoint and blocks until ctx is canceled or the server fails.
func Run(ctx context.Context, cfg config.HTTPConfig, deps Deps) error {
	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           NewRouter(cfg, deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Log.WithField("address", cfg.Address).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	}
}

func NewRouter(cfg config.HTTPConfig, deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logger.GinMiddleware(deps.Log))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	}

	r.GET("/healthz", healthz(deps.Health))
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	if cfg.Swagger {
		api.RegisterDocs(r)
	}

	wsServer := ws.NewServer(deps.Topics, deps.Verifier, deps.Log, ws.WithAllowedOrigins(cfg.CORSOrigins))
	r.GET("/ws", gin.WrapH(wsServer))

	authed := r.Group("", api.Authenticate(deps.Verifier))
	api.NewBookingHandler(deps.Bookings).Register(authed.Group("/bookings"))
	api.NewVehicleHandler(deps.Vehicles).Register(authed.Group("/vehicles", api.RequireRole(domain.ActorAdmin)))

	return r
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if slices.Contains(origins, "*") {
		c.AllowAllOrigins = true
		c.AllowCredentials = false
	} else {
		c.AllowOrigins = origins
	}
	return c
}

func healthz(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		result := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				result[name] = err.Error()
				continue
			}
			result[name] = "ok"
		}
		c.JSON(status, gin.H{"status": http.StatusText(status), "checks": result})
	}
}
