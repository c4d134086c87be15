// Package search translates API search requests into engine-native bleve
// requests and engine results back into the canonical response shape.
package search

import (
	"sort"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	bsearch "github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/licitahub/licitasearch/internal/models"
)

const (
	// DefaultPageSize applies when a request carries no size.
	DefaultPageSize = 20

	// DefaultMaxPageSize caps the page size when the builder is constructed
	// with a non-positive limit.
	DefaultMaxPageSize = 100

	// DefaultStatsMonths is how many trailing months the por_mes aggregation
	// covers.
	DefaultStatsMonths = 12

	monthKeyLayout = "2006-01"
)

// Builder turns validated search requests into bleve requests. It is
// stateless and safe for concurrent use.
type Builder struct {
	MaxSize     int
	StatsMonths int

	// now is swappable so tests get stable month buckets.
	now func() time.Time
}

// NewBuilder creates a Builder with the given page-size cap and por_mes
// window; non-positive values fall back to the defaults.
func NewBuilder(maxSize, statsMonths int) *Builder {
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}
	if statsMonths <= 0 {
		statsMonths = DefaultStatsMonths
	}
	return &Builder{MaxSize: maxSize, StatsMonths: statsMonths, now: time.Now}
}

// Build translates a validated request into a bleve search request.
//
// Free text matches objeto_compra (boosted) and orgao through the Portuguese
// analyzer and orders by relevance. Without free text the request is a
// match-all ordered by data_abertura_proposta descending. Filters are ANDed
// on top in both cases; ranges are inclusive on both ends.
func (b *Builder) Build(req *models.SearchRequest) *bleve.SearchRequest {
	var conjuncts []query.Query

	if text := strings.TrimSpace(req.Query); text != "" {
		objeto := bleve.NewMatchQuery(text)
		objeto.SetField("objeto_compra")
		objeto.SetBoost(3.0)
		orgao := bleve.NewMatchQuery(text)
		orgao.SetField("orgao")
		conjuncts = append(conjuncts, bleve.NewDisjunctionQuery(objeto, orgao))
	}

	if req.Modalidade != "" {
		conjuncts = append(conjuncts, termQuery("modalidade", req.Modalidade))
	}
	if req.UF != "" {
		conjuncts = append(conjuncts, termQuery("uf", strings.ToUpper(req.UF)))
	}
	if req.Situacao != "" {
		conjuncts = append(conjuncts, termQuery("situacao", req.Situacao))
	}

	if req.ValorMin != nil || req.ValorMax != nil {
		inclusive := true
		valor := bleve.NewNumericRangeInclusiveQuery(req.ValorMin, req.ValorMax, &inclusive, &inclusive)
		valor.SetField("valor_estimado")
		conjuncts = append(conjuncts, valor)
	}
	if req.DataAberturaMin != nil || req.DataAberturaMax != nil {
		start, end := time.Time{}, time.Time{}
		if req.DataAberturaMin != nil {
			start = *req.DataAberturaMin
		}
		if req.DataAberturaMax != nil {
			end = *req.DataAberturaMax
		}
		inclusive := true
		abertura := bleve.NewDateRangeInclusiveQuery(start, end, &inclusive, &inclusive)
		abertura.SetField("data_abertura_proposta")
		conjuncts = append(conjuncts, abertura)
	}

	var q query.Query
	switch len(conjuncts) {
	case 0:
		q = bleve.NewMatchAllQuery()
	case 1:
		q = conjuncts[0]
	default:
		q = bleve.NewConjunctionQuery(conjuncts...)
	}

	size := req.Size
	if size > b.MaxSize {
		size = b.MaxSize
	}
	from := (req.Page - 1) * size

	sr := bleve.NewSearchRequestOptions(q, size, from, false)
	sr.Fields = []string{"*"}

	// Relevance order only makes sense with free text; otherwise newest
	// proposal openings come first, with id as a stable tiebreaker.
	if strings.TrimSpace(req.Query) == "" {
		sr.SortBy([]string{"-data_abertura_proposta", "_id"})
	}

	for _, name := range req.Aggregations {
		switch name {
		case models.AggModalidades:
			sr.AddFacet(models.AggModalidades, bleve.NewFacetRequest("modalidade", 50))
		case models.AggUFs:
			sr.AddFacet(models.AggUFs, bleve.NewFacetRequest("uf", 27))
		case models.AggSituacoes:
			sr.AddFacet(models.AggSituacoes, bleve.NewFacetRequest("situacao", 50))
		case models.AggPorMes:
			sr.AddFacet(models.AggPorMes, b.monthFacet())
		}
	}

	return sr
}

func termQuery(field, value string) query.Query {
	tq := bleve.NewTermQuery(value)
	tq.SetField(field)
	return tq
}

// monthFacet buckets data_abertura_proposta into the trailing StatsMonths
// calendar months, newest month included.
func (b *Builder) monthFacet() *bleve.FacetRequest {
	facet := bleve.NewFacetRequest("data_abertura_proposta", b.StatsMonths)
	now := b.now().UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < b.StatsMonths; i++ {
		start := first.AddDate(0, -i, 0)
		end := start.AddDate(0, 1, 0)
		facet.AddDateTimeRange(start.Format(monthKeyLayout), start, end)
	}
	return facet
}

// ShapeResponse maps a bleve result onto the API response: exact total,
// 1-based pagination echo, stored fields projected back into summaries, and
// facets flattened to name -> buckets. Engine internals never leak.
func (b *Builder) ShapeResponse(req *models.SearchRequest, res *bleve.SearchResult) *models.SearchResult {
	out := &models.SearchResult{
		Total:  res.Total,
		Page:   req.Page,
		Size:   req.Size,
		Items:  make([]*models.LicitacaoSummary, 0, len(res.Hits)),
		TookMs: res.Took.Milliseconds(),
	}
	if req.Size > 0 {
		out.Pages = int((res.Total + uint64(req.Size) - 1) / uint64(req.Size))
	}

	for _, hit := range res.Hits {
		out.Items = append(out.Items, summaryFromFields(hit.ID, hit.Fields))
	}

	if len(res.Facets) > 0 {
		out.Aggregations = make(map[string][]models.Bucket, len(res.Facets))
		for name, facet := range res.Facets {
			if name == models.AggPorMes {
				out.Aggregations[name] = monthBuckets(facet)
				continue
			}
			buckets := make([]models.Bucket, 0, len(facet.Terms.Terms()))
			for _, term := range facet.Terms.Terms() {
				buckets = append(buckets, models.Bucket{Key: term.Term, Count: term.Count})
			}
			out.Aggregations[name] = buckets
		}
	}

	return out
}

func monthBuckets(facet *bsearch.FacetResult) []models.Bucket {
	buckets := make([]models.Bucket, 0, len(facet.DateRanges))
	for _, dr := range facet.DateRanges {
		buckets = append(buckets, models.Bucket{Key: dr.Name, Count: dr.Count})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Key < buckets[j].Key })
	return buckets
}

// summaryFromFields rebuilds a summary from stored fields. bleve hands back
// datetimes as RFC3339 strings and numerics as float64.
func summaryFromFields(id string, fields map[string]interface{}) *models.LicitacaoSummary {
	s := &models.LicitacaoSummary{
		ID:           id,
		ExternalID:   stringField(fields, "external_id"),
		ObjetoCompra: stringField(fields, "objeto_compra"),
		Orgao:        stringField(fields, "orgao"),
		Municipio:    stringField(fields, "municipio"),
		UF:           stringField(fields, "uf"),
		Modalidade:   stringField(fields, "modalidade"),
		Situacao:     stringField(fields, "situacao"),
	}
	if v, ok := fields["valor_estimado"].(float64); ok {
		s.ValorEstimado = &v
	}
	s.DataAberturaProposta = timeField(fields, "data_abertura_proposta")
	s.DataPublicacao = timeField(fields, "data_publicacao")
	return s
}

func stringField(fields map[string]interface{}, name string) string {
	if v, ok := fields[name].(string); ok {
		return v
	}
	return ""
}

func timeField(fields map[string]interface{}, name string) *time.Time {
	v, ok := fields[name].(string)
	if !ok || v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}
