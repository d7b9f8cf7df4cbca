// Package server exposes the embedding and streaming pipelines over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"embedstream/config"
)

// Server wraps the Echo instance.
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds transport settings.
type Config struct {
	MasterKey       string
	MetricsEnabled  bool
	MetricsEndpoint string
	// Gatherer backs the metrics endpoint; nil uses the default registry.
	Gatherer      prometheus.Gatherer
	BodySizeLimit int64
	Logger        *slog.Logger
}

// New builds the router.
func New(handler *Handler, cfg Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	public := []string{"/health"}
	metricsPath := "/metrics"
	if cfg.MetricsEnabled {
		if cfg.MetricsEndpoint != "" {
			metricsPath = path.Clean("/" + cfg.MetricsEndpoint)
		}
		public = append(public, metricsPath)
	}

	limit := cfg.BodySizeLimit
	if limit <= 0 {
		limit = config.DefaultBodySizeLimit
	}

	e.Use(requestID())
	e.Use(requestLogger(log))
	e.Use(middleware.Recover())
	e.Use(decompress())
	e.Use(middleware.BodyLimit(strconv.FormatInt(limit, 10)))
	e.Use(AuthMiddleware(cfg.MasterKey, public))

	e.GET("/health", handler.Health)
	if cfg.MetricsEnabled {
		g := cfg.Gatherer
		if g == nil {
			g = prometheus.DefaultGatherer
		}
		e.GET(metricsPath, echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
	}

	e.POST(routeEmbeddings, handler.Embeddings)
	e.POST(routeStream, handler.Stream)
	e.POST(routeChatStream, handler.ChatStream)

	return &Server{echo: e, handler: handler}
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
