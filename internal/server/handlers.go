package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/licitahub/licitasearch/internal/models"
	"github.com/licitahub/licitasearch/internal/pncp"
	"github.com/licitahub/licitasearch/internal/storage"
	"github.com/licitahub/licitasearch/internal/syncer"
)

// Date formats accepted on data_abertura_min/max query params.
var queryDateLayouts = []string{"2006-01-02", time.RFC3339}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	req, err := parseSearchRequest(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(s.cfg.Search.DefaultSize, s.cfg.Search.MaxSize); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("search request", zap.String("q", req.Query), zap.Int("page", req.Page), zap.Int("size", req.Size))

	res, err := s.idx.Search(r.Context(), s.builder.Build(req))
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		s.respondError(w, http.StatusServiceUnavailable, "search unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, s.builder.ShapeResponse(req, res))
}

func (s *Server) handleGetLicitacao(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if lic, ok := s.cache.Get(id); ok {
		s.respondJSON(w, http.StatusOK, lic)
		return
	}
	lic, err := s.store.GetByID(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "licitacao not found")
		return
	}
	if err != nil {
		s.logger.Error("get licitacao failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to load licitacao")
		return
	}
	s.cache.Add(id, lic)
	s.respondJSON(w, http.StatusOK, lic)
}

func (s *Server) handleModalidades(w http.ResponseWriter, r *http.Request) {
	s.respondFacetList(w, r, models.AggModalidades, "modalidades")
}

func (s *Server) handleUFs(w http.ResponseWriter, r *http.Request) {
	s.respondFacetList(w, r, models.AggUFs, "ufs")
}

// respondFacetList serves the distinct values of one keyword field straight
// from a facet over a match-all search.
func (s *Server) respondFacetList(w http.ResponseWriter, r *http.Request, agg, key string) {
	req := &models.SearchRequest{Page: 1, Size: 1, Aggregations: []string{agg}}
	res, err := s.idx.Search(r.Context(), s.builder.Build(req))
	if err != nil {
		s.logger.Error("facet list failed", zap.String("agg", agg), zap.Error(err))
		s.respondError(w, http.StatusServiceUnavailable, "search unavailable")
		return
	}
	shaped := s.builder.ShapeResponse(req, res)
	values := make([]string, 0, len(shaped.Aggregations[agg]))
	for _, b := range shaped.Aggregations[agg] {
		values = append(values, b.Key)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{key: values})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	total, err := s.store.Count(ctx)
	if err != nil {
		s.logger.Error("stats: count failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	valor, err := s.store.ValueStats(ctx)
	if err != nil {
		s.logger.Error("stats: value stats failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}

	req := &models.SearchRequest{Page: 1, Size: 1, Aggregations: []string{models.AggSituacoes, models.AggPorMes}}
	res, err := s.idx.Search(ctx, s.builder.Build(req))
	if err != nil {
		s.logger.Error("stats: facets failed", zap.Error(err))
		s.respondError(w, http.StatusServiceUnavailable, "search unavailable")
		return
	}
	shaped := s.builder.ShapeResponse(req, res)

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"total":          total,
		"situacoes":      shaped.Aggregations[models.AggSituacoes],
		"por_mes":        shaped.Aggregations[models.AggPorMes],
		"valor_estimado": valor,
	})
}

type syncRequest struct {
	DataInicial      string `json:"data_inicial"`
	DataFinal        string `json:"data_final"`
	CodigoModalidade int    `json:"codigo_modalidade"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DataInicial == "" || req.DataFinal == "" {
		s.respondError(w, http.StatusBadRequest, "data_inicial and data_final are required")
		return
	}
	s.logger.Info("sync requested",
		zap.String("data_inicial", req.DataInicial),
		zap.String("data_final", req.DataFinal),
		zap.Int("modalidade", req.CodigoModalidade),
	)

	result, err := s.syncer.SyncWindow(r.Context(), syncer.Params{
		DataInicial:      req.DataInicial,
		DataFinal:        req.DataFinal,
		CodigoModalidade: req.CodigoModalidade,
	})
	switch {
	case errors.Is(err, syncer.ErrSyncRunning):
		s.respondError(w, http.StatusConflict, "sync already running for this modality")
		return
	case pncp.IsSourceUnavailable(err):
		s.logger.Error("sync failed: source unavailable", zap.Error(err))
		s.respondError(w, http.StatusBadGateway, "source unavailable")
		return
	case err != nil:
		s.logger.Error("sync failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	idxHealth := s.idx.Health()
	dbStatus := "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		dbStatus = "unreachable"
	}

	status := http.StatusOK
	overall := "ok"
	if !idxHealth.Reachable || dbStatus != "ok" {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	s.respondJSON(w, status, map[string]interface{}{
		"status":   overall,
		"index":    idxHealth,
		"database": dbStatus,
	})
}

// parseSearchRequest maps query parameters onto a SearchRequest. Bad numbers
// and dates are reported, not silently dropped.
func parseSearchRequest(r *http.Request) (*models.SearchRequest, error) {
	q := r.URL.Query()
	req := &models.SearchRequest{
		Query:      q.Get("q"),
		Modalidade: q.Get("modalidade"),
		UF:         q.Get("uf"),
		Situacao:   q.Get("situacao"),
	}

	var err error
	if req.ValorMin, err = parseFloatParam(q.Get("valor_min"), "valor_min"); err != nil {
		return nil, err
	}
	if req.ValorMax, err = parseFloatParam(q.Get("valor_max"), "valor_max"); err != nil {
		return nil, err
	}
	if req.DataAberturaMin, err = parseDateParam(q.Get("data_abertura_min"), "data_abertura_min"); err != nil {
		return nil, err
	}
	if req.DataAberturaMax, err = parseDateParam(q.Get("data_abertura_max"), "data_abertura_max"); err != nil {
		return nil, err
	}
	if req.Page, err = parseIntParam(q.Get("page"), "page"); err != nil {
		return nil, err
	}
	if req.Size, err = parseIntParam(q.Get("size"), "size"); err != nil {
		return nil, err
	}

	if aggs := strings.TrimSpace(q.Get("aggs")); aggs != "" {
		for _, name := range strings.Split(aggs, ",") {
			if name = strings.TrimSpace(name); name != "" {
				req.Aggregations = append(req.Aggregations, name)
			}
		}
	}
	return req, nil
}

func parseIntParam(value, name string) (int, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, paramError(name, value)
	}
	return n, nil
}

func parseFloatParam(value, name string) (*float64, error) {
	if value == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, paramError(name, value)
	}
	return &f, nil
}

func parseDateParam(value, name string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range queryDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return &t, nil
		}
	}
	return nil, paramError(name, value)
}

func paramError(name, value string) error {
	return errors.New("invalid " + name + " " + strconv.Quote(value))
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
