package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/siamtech/querygate/agent"
	"github.com/siamtech/querygate/internal/profile"
	"github.com/siamtech/querygate/metrics"
	"github.com/siamtech/querygate/tenant"
)

// Dispatcher answers one question through the agent chain. It never
// returns nil.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *agent.Request) *agent.Outcome
}

// Per-tenant token bucket defaults, used when the profile leaves the
// limits unset.
const (
	limiterRPS   = 10
	limiterBurst = 20
)

// Server is the HTTP facade: the OpenAI-compatible chat surface plus the
// operational endpoints.
type Server struct {
	echo      *echo.Echo
	profile   *profile.Profile
	registry  *tenant.Registry
	dispatch  Dispatcher
	exporter  *metrics.Exporter
	limiter   *limiterSet
	started   time.Time
	heartbeat time.Duration
}

// NewServer wires the routes. The exporter may be nil in tests.
func NewServer(p *profile.Profile, reg *tenant.Registry, d Dispatcher, exporter *metrics.Exporter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	rps, burst := p.RateLimitRPS, p.RateLimitBurst
	if rps <= 0 {
		rps = limiterRPS
	}
	if burst <= 0 {
		burst = limiterBurst
	}

	s := &Server{
		echo:      e,
		profile:   p,
		registry:  reg,
		dispatch:  d,
		exporter:  exporter,
		limiter:   newLimiterSet(float64(rps), burst),
		started:   time.Now(),
		heartbeat: heartbeatInterval,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			// probes are noise
			if v.URI == "/health" || v.URI == "/metrics" {
				return nil
			}
			slog.Info("http.request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"request_id", v.RequestID,
			)
			return nil
		},
	}))

	e.POST("/v1/chat/completions", s.handleChatCompletions)
	e.GET("/v1/models", s.handleListModels)
	e.GET("/v1/models/:id", s.handleGetModel)
	e.GET("/health", s.handleHealth)
	e.GET("/tenants", s.handleListTenants)
	if exporter != nil {
		e.GET("/metrics", echo.WrapHandler(exporter.Handler()))
	}

	return s
}

// Start serves HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	if err := s.echo.Start(s.profile.ListenAddr()); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ForgetTenants drops limiter state for tenants a reload removed.
func (s *Server) ForgetTenants(ids []string) {
	for _, id := range ids {
		s.limiter.Forget(id)
	}
}

// ServeHTTP lets tests drive the server without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
