package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sensorwatch/envalert/internal/alerting"
	apiv2 "github.com/sensorwatch/envalert/internal/api/v2"
	"github.com/sensorwatch/envalert/internal/conf"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/logger"
)

const shutdownTimeout = 10 * time.Second

// Server is the HTTP front end: the v2 API plus /metrics.
type Server struct {
	echo     *echo.Echo
	settings *conf.Settings
	log      logger.Logger
}

// NewServer builds the echo instance and registers every route. ctx bounds
// long-lived streams.
func NewServer(ctx context.Context, settings *conf.Settings, svc *alerting.Service, gatherer prometheus.Gatherer, log logger.Logger) *Server {
	if log == nil {
		log = logger.Global()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = settings.WebServer.Debug

	s := &Server{echo: e, settings: settings, log: log.Module("http")}
	e.Use(middleware.Recover())
	e.Use(s.requestLogger())

	apiv2.New(ctx, e, settings, svc, log)
	s.registerMetricsRoutes(gatherer)
	return s
}

// registerMetricsRoutes exposes the prometheus registry.
func (s *Server) registerMetricsRoutes(gatherer prometheus.Gatherer) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.Duration("latency", v.Latency),
				logger.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				s.log.Warn("request failed", append(fields, logger.Error(v.Error))...)
				return nil
			}
			s.log.Debug("request", fields...)
			return nil
		},
	})
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves on the configured listen address until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", logger.String("listen", s.settings.WebServer.Listen))
		errCh <- s.echo.Start(s.settings.WebServer.Listen)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.New(err).
			Component("api").
			Category(errors.CategoryNetwork).
			Context("listen", s.settings.WebServer.Listen).
			Build()
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http server shutdown incomplete", logger.Error(err))
	}
	<-errCh
	return nil
}
