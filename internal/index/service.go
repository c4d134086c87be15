// Package index owns the bleve search index for licitações: schema and
// analyzer definition, document upsert, query execution, and health.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/lang/pt"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	"go.uber.org/zap"

	"github.com/licitahub/licitasearch/internal/models"
)

// AnalyzerPortuguese is the language pipeline applied to free-text fields:
// unicode tokenizer, lowercase, Portuguese stop words, Portuguese light
// stemmer. Mirrors the standard Portuguese pipeline of inverted-index engines.
const AnalyzerPortuguese = "portuguese"

// ErrSchemaConflict is returned when an existing index on disk carries a
// mapping incompatible with the one defined in code. The index is never
// silently altered; an operator must reindex.
var ErrSchemaConflict = errors.New("index mapping conflicts with existing index")

// BatchError reports a batch upsert failure together with the internal ids
// that were not acknowledged, so the caller can retry exactly that subset.
type BatchError struct {
	IDs []string
	Err error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("index batch of %d document(s) failed: %v", len(e.IDs), e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Health describes index reachability for the health endpoint. It is a plain
// value; probing never returns an error.
type Health struct {
	Reachable bool   `json:"reachable"`
	Status    string `json:"status"`
	Documents uint64 `json:"documents"`
}

// Service is the sole reader/writer of the licitações index.
type Service struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
	logger *zap.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService opens the index at path, creating it with the licitação mapping
// when absent. An empty path creates an in-memory index (tests). Opening an
// existing index with an incompatible stored mapping returns
// ErrSchemaConflict. Creation is idempotent: opening an index that already
// carries the expected mapping is a no-op.
func NewService(path string, opts ...ServiceOption) (*Service, error) {
	im, err := buildIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to build index mapping: %w", err)
	}

	s := &Service{}
	for _, opt := range opts {
		opt(s)
	}

	if path == "" {
		idx, err := bleve.NewMemOnly(im)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory index: %w", err)
		}
		s.index = idx
		return s, nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}

	if _, statErr := os.Stat(path); statErr == nil {
		idx, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open index: %w", openErr)
		}
		if !mappingsEqual(idx.Mapping(), im) {
			_ = idx.Close()
			return nil, fmt.Errorf("%w: stored mapping at %s differs from expected", ErrSchemaConflict, path)
		}
		s.index = idx
		return s, nil
	}

	idx, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create index: %w", err)
	}
	s.index = idx
	return s, nil
}

func buildIndexMapping() (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()

	err := im.AddCustomAnalyzer(AnalyzerPortuguese, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": unicode.Name,
		"token_filters": []string{
			lowercase.Name,
			pt.StopName,
			pt.LightStemmerName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add analyzer: %w", err)
	}

	docMapping := bleve.NewDocumentMapping()

	textMapping := bleve.NewTextFieldMapping()
	textMapping.Analyzer = AnalyzerPortuguese
	docMapping.AddFieldMappingsAt("objeto_compra", textMapping)
	docMapping.AddFieldMappingsAt("orgao", textMapping)

	keywordMapping := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("external_id", keywordMapping)
	docMapping.AddFieldMappingsAt("modalidade", keywordMapping)
	docMapping.AddFieldMappingsAt("uf", keywordMapping)
	docMapping.AddFieldMappingsAt("situacao", keywordMapping)
	docMapping.AddFieldMappingsAt("municipio", keywordMapping)

	numericMapping := bleve.NewNumericFieldMapping()
	docMapping.AddFieldMappingsAt("valor_estimado", numericMapping)

	dateMapping := bleve.NewDateTimeFieldMapping()
	docMapping.AddFieldMappingsAt("data_abertura_proposta", dateMapping)
	docMapping.AddFieldMappingsAt("data_publicacao", dateMapping)

	im.AddDocumentMapping("licitacao", docMapping)
	im.DefaultType = "licitacao"
	im.DefaultMapping = docMapping

	return im, nil
}

// mappingsEqual compares two index mappings by their JSON form. json.Marshal
// sorts map keys, so the comparison is deterministic.
func mappingsEqual(a mapping.IndexMapping, b mapping.IndexMapping) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

// document projects a licitação into the indexed field set. The raw payload
// is deliberately excluded: it is stored, never searched.
func document(lic *models.Licitacao) map[string]interface{} {
	doc := map[string]interface{}{
		"external_id":   lic.ExternalID,
		"objeto_compra": lic.ObjetoCompra,
		"orgao":         lic.Orgao,
		"municipio":     lic.Municipio,
		"modalidade":    lic.Modalidade,
		"uf":            lic.UF,
		"situacao":      lic.Situacao,
	}
	if lic.ValorEstimado != nil {
		doc["valor_estimado"] = *lic.ValorEstimado
	}
	if lic.DataAberturaProposta != nil {
		doc["data_abertura_proposta"] = *lic.DataAberturaProposta
	}
	if lic.DataPublicacao != nil {
		doc["data_publicacao"] = *lic.DataPublicacao
	}
	return doc
}

// Index upserts one licitação by internal id. Last write wins.
func (s *Service) Index(ctx context.Context, lic *models.Licitacao) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("index is closed")
	}
	return s.index.Index(lic.ID, document(lic))
}

// IndexBatch upserts licitações as one engine batch. The batch is submitted
// atomically: on failure a BatchError names every id in the batch so the
// caller retries just those documents.
func (s *Service) IndexBatch(ctx context.Context, lics []*models.Licitacao) error {
	if len(lics) == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return &BatchError{IDs: idsOf(lics), Err: fmt.Errorf("index is closed")}
	}

	batch := s.index.NewBatch()
	for _, lic := range lics {
		if err := batch.Index(lic.ID, document(lic)); err != nil {
			return &BatchError{IDs: idsOf(lics), Err: fmt.Errorf("failed to stage document %s: %w", lic.ID, err)}
		}
	}
	if err := s.index.Batch(batch); err != nil {
		return &BatchError{IDs: idsOf(lics), Err: err}
	}
	if s.logger != nil {
		s.logger.Debug("indexed batch", zap.Int("documents", len(lics)))
	}
	return nil
}

func idsOf(lics []*models.Licitacao) []string {
	ids := make([]string, len(lics))
	for i, lic := range lics {
		ids[i] = lic.ID
	}
	return ids
}

// Delete removes a document from the index.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("index is closed")
	}
	return s.index.Delete(id)
}

// Search executes an engine-native request built by the query builder and
// returns the raw result. Interpretation of hits and facets belongs to the
// builder.
func (s *Service) Search(ctx context.Context, req *bleve.SearchRequest) (*bleve.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("index is closed")
	}
	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("index search failed: %w", err)
	}
	return res, nil
}

// Count returns the number of indexed documents.
func (s *Service) Count() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fmt.Errorf("index is closed")
	}
	return s.index.DocCount()
}

// Health probes the index. It never returns an error: an unusable index is
// reported as unreachable with status "red".
func (s *Service) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.index == nil {
		return Health{Reachable: false, Status: "red"}
	}
	count, err := s.index.DocCount()
	if err != nil {
		return Health{Reachable: false, Status: "red"}
	}
	return Health{Reachable: true, Status: "green", Documents: count}
}

// Close closes the index.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.index.Close()
}
