// Package server provides the HTTP API for LicitaSearch.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/licitahub/licitasearch/internal/config"
	"github.com/licitahub/licitasearch/internal/index"
	"github.com/licitahub/licitasearch/internal/models"
	"github.com/licitahub/licitasearch/internal/search"
	"github.com/licitahub/licitasearch/internal/storage"
	"github.com/licitahub/licitasearch/internal/syncer"
)

// Server is the HTTP server for the LicitaSearch API.
type Server struct {
	idx     *index.Service
	store   storage.Storage
	builder *search.Builder
	syncer  *syncer.Syncer
	cfg     *config.Config
	logger  *zap.Logger
	cache   *expirable.LRU[string, *models.Licitacao]
	server  *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(
	idx *index.Service,
	store storage.Storage,
	builder *search.Builder,
	sync *syncer.Syncer,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	return &Server{
		idx:     idx,
		store:   store,
		builder: builder,
		syncer:  sync,
		cfg:     cfg,
		logger:  logger,
		cache:   expirable.NewLRU[string, *models.Licitacao](cfg.Search.CacheSize, nil, cfg.Search.CacheTTL.Std()),
	}
}

// Router builds the chi router with all routes and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Get("/api/v1/licitacoes", s.handleSearch)
	r.Get("/api/v1/licitacoes/export", s.handleExport)
	r.Get("/api/v1/licitacoes/{id}", s.handleGetLicitacao)
	r.Get("/api/v1/modalidades", s.handleModalidades)
	r.Get("/api/v1/ufs", s.handleUFs)
	r.Get("/api/v1/stats", s.handleStats)
	r.Post("/api/v1/sync", s.handleSync)
	r.Get("/health", s.handleHealth)

	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
