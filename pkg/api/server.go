// Package api exposes the HTTP surface: aide lifecycle endpoints, the
// hydrate cold-load, published pages, health, and the WebSocket upgrade for
// the streaming turn channel.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/aide-hq/aide/pkg/config"
	"github.com/aide-hq/aide/pkg/database"
	"github.com/aide-hq/aide/pkg/events"
	"github.com/aide-hq/aide/pkg/store"
)

// Server wires the HTTP routes to the persistence facade and the WebSocket
// connection manager.
type Server struct {
	cfg         *config.Config
	dbClient    *database.Client
	store       *store.Store
	connManager *events.ConnectionManager

	echo    *echo.Echo
	httpSrv *http.Server
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg *config.Config, dbClient *database.Client, st *store.Store, connManager *events.ConnectionManager) *Server {
	s := &Server{
		cfg:         cfg,
		dbClient:    dbClient,
		store:       st,
		connManager: connManager,
		echo:        echo.New(),
	}

	s.echo.Use(securityHeaders())

	s.echo.GET("/api/v1/health", s.healthHandler)

	s.echo.POST("/api/v1/aides", s.createAideHandler)
	s.echo.GET("/api/v1/aides/:id/hydrate", s.hydrateHandler)
	s.echo.POST("/api/v1/aides/:id/fork", s.forkAideHandler)
	s.echo.POST("/api/v1/aides/:id/publish", s.publishAideHandler)

	s.echo.GET("/p/:slug", s.publishedPageHandler)

	s.echo.GET("/ws/aides/:id", s.wsHandler)

	return s
}

// Start listens on addr and serves until Shutdown. Blocks.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP server listening", "addr", addr)
	return s.httpSrv.ListenAndServe()
}

// StartWithListener serves on an existing listener. Used by tests to bind
// port 0.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.Serve(ln)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ServeHTTP makes the server directly mountable in handler-level tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
