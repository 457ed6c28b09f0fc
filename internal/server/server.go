// Package server provides the HTTP server setup and routing configuration.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/deflax/television-sub000/internal/api"
	"github.com/deflax/television-sub000/internal/config"
	"github.com/deflax/television-sub000/internal/logger"
	"github.com/deflax/television-sub000/internal/middleware"
	"github.com/deflax/television-sub000/internal/store"
	"github.com/deflax/television-sub000/internal/streaming"
)

// Server represents the HTTP file server for playlists and segments
type Server struct {
	cfg     *config.Config
	store   *store.Store
	manager *streaming.Manager
	router  *gin.Engine
	server  *http.Server
}

// New creates a new server instance
func New(cfg *config.Config, st *store.Store, manager *streaming.Manager) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		manager: manager,
	}
}

// setupRouter initializes the Gin router with middleware and routes
func (s *Server) setupRouter() {
	if s.cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.router.Use(middleware.RequestLogger())
	s.router.Use(gin.Recovery())
	s.router.Use(cors.Default()) // Access-Control-Allow-Origin: * on every response

	api.SetupLiveRoutes(s.router, s.cfg, s.store, s.manager)
}

// Start starts the HTTP server and blocks until it exits
func (s *Server) Start() error {
	s.setupRouter()

	addr := fmt.Sprintf(":%d", s.cfg.ServerPort)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	logger.Log.Info().
		Int("port", s.cfg.ServerPort).
		Msg("Starting HTTP server")

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Log.Info().Msg("Shutting down HTTP server")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}
	return nil
}
