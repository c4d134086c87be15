package models

import (
	"fmt"
	"time"
)

// Aggregation names accepted in SearchRequest.Aggregations.
const (
	AggModalidades = "modalidades"
	AggUFs         = "ufs"
	AggSituacoes   = "situacoes"
	AggPorMes      = "por_mes"
)

// KnownAggregations lists every aggregation the query builder can serve.
var KnownAggregations = []string{AggModalidades, AggUFs, AggSituacoes, AggPorMes}

// SearchRequest is a search call's parameters: free text, filters,
// 1-based pagination, and the names of requested aggregations.
type SearchRequest struct {
	Query           string     `json:"q,omitempty"`
	Modalidade      string     `json:"modalidade,omitempty"`
	UF              string     `json:"uf,omitempty"`
	Situacao        string     `json:"situacao,omitempty"`
	ValorMin        *float64   `json:"valor_min,omitempty"`
	ValorMax        *float64   `json:"valor_max,omitempty"`
	DataAberturaMin *time.Time `json:"data_abertura_min,omitempty"`
	DataAberturaMax *time.Time `json:"data_abertura_max,omitempty"`
	Page            int        `json:"page,omitempty"`
	Size            int        `json:"size,omitempty"`
	Aggregations    []string   `json:"aggregations,omitempty"`
}

// Validate normalizes pagination and rejects unknown aggregation names.
// Page defaults to 1, size to defaultSize, and size is clamped to maxSize.
func (r *SearchRequest) Validate(defaultSize, maxSize int) error {
	if r.Page <= 0 {
		r.Page = 1
	}
	if r.Size <= 0 {
		r.Size = defaultSize
	}
	if r.Size > maxSize {
		r.Size = maxSize
	}
	if r.ValorMin != nil && r.ValorMax != nil && *r.ValorMin > *r.ValorMax {
		return fmt.Errorf("valor_min %.2f greater than valor_max %.2f", *r.ValorMin, *r.ValorMax)
	}
	if r.DataAberturaMin != nil && r.DataAberturaMax != nil && r.DataAberturaMin.After(*r.DataAberturaMax) {
		return fmt.Errorf("data_abertura_min after data_abertura_max")
	}
	for _, name := range r.Aggregations {
		if !knownAggregation(name) {
			return fmt.Errorf("unknown aggregation %q", name)
		}
	}
	return nil
}

func knownAggregation(name string) bool {
	for _, k := range KnownAggregations {
		if k == name {
			return true
		}
	}
	return false
}

// Bucket is one entry of a bucketed aggregation (key plus document count).
type Bucket struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// ValueStats carries sum/avg/min/max over valor_estimado.
type ValueStats struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// SearchResult is the response for a search request: exact total, the
// requested page of summaries, and any requested aggregations flattened to
// name -> buckets.
type SearchResult struct {
	Total        uint64              `json:"total"`
	Page         int                 `json:"page"`
	Size         int                 `json:"size"`
	Pages        int                 `json:"pages"`
	Items        []*LicitacaoSummary `json:"items"`
	Aggregations map[string][]Bucket `json:"aggregations,omitempty"`
	TookMs       int64               `json:"took_ms"`
}
