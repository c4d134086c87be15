package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/licitahub/licitasearch/internal/config"
	"github.com/licitahub/licitasearch/internal/index"
	"github.com/licitahub/licitasearch/internal/models"
	"github.com/licitahub/licitasearch/internal/pncp"
	"github.com/licitahub/licitasearch/internal/search"
	"github.com/licitahub/licitasearch/internal/storage"
	"github.com/licitahub/licitasearch/internal/syncer"
)

type apiHarness struct {
	store storage.Storage
	idx   *index.Service
	api   *httptest.Server
}

func newAPIHarness(t *testing.T, portalURL string) *apiHarness {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	idx, err := index.NewService("")
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	client := pncp.NewClient(portalURL, time.Second)
	sync := syncer.NewSyncer(client, store, idx, syncer.WithRetry(1, time.Millisecond))
	builder := search.NewBuilder(cfg.Search.MaxSize, cfg.Search.StatsMonths)

	srv := NewServer(idx, store, builder, sync, cfg, zap.NewNop())
	api := httptest.NewServer(srv.Router())
	t.Cleanup(api.Close)

	return &apiHarness{store: store, idx: idx, api: api}
}

// seed stores and indexes one licitação end to end.
func (h *apiHarness) seed(t *testing.T, externalID, objeto, uf string, valor float64) *models.Licitacao {
	t.Helper()
	ctx := context.Background()
	abertura := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	lic := &models.Licitacao{
		ExternalID:           externalID,
		Fonte:                models.FontePNCP,
		ObjetoCompra:         objeto,
		Orgao:                "Prefeitura de Teste",
		Municipio:            "Teste",
		UF:                   uf,
		Modalidade:           "Pregão - Eletrônico",
		CodigoModalidade:     6,
		Situacao:             "Divulgada no PNCP",
		ValorEstimado:        &valor,
		DataAberturaProposta: &abertura,
		RawPayload:           json.RawMessage(`{"objetoCompra":"` + objeto + `"}`),
	}
	_, err := h.store.Upsert(ctx, lic)
	require.NoError(t, err)
	require.NoError(t, h.idx.Index(ctx, lic))
	require.NoError(t, h.store.MarkIndexed(ctx, []string{lic.ID}, time.Now().UTC()))
	return lic
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHandleSearch(t *testing.T) {
	h := newAPIHarness(t, "http://example.invalid")
	h.seed(t, "ext-1", "Aquisição de material de escritório", "SP", 1000)
	h.seed(t, "ext-2", "Serviços de limpeza predial", "RJ", 2000)

	var result models.SearchResult
	status := getJSON(t, h.api.URL+"/api/v1/licitacoes?q=material", &result)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, uint64(1), result.Total)
	assert.Equal(t, "ext-1", result.Items[0].ExternalID)

	status = getJSON(t, h.api.URL+"/api/v1/licitacoes?uf=rj", &result)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, uint64(1), result.Total)

	status = getJSON(t, h.api.URL+"/api/v1/licitacoes?aggs=ufs", &result)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, result.Aggregations[models.AggUFs], 2)
}

func TestHandleSearch_BadRequests(t *testing.T) {
	h := newAPIHarness(t, "http://example.invalid")

	assert.Equal(t, http.StatusBadRequest,
		getJSON(t, h.api.URL+"/api/v1/licitacoes?valor_min=abc", nil))
	assert.Equal(t, http.StatusBadRequest,
		getJSON(t, h.api.URL+"/api/v1/licitacoes?data_abertura_min=10/03/2024", nil))
	assert.Equal(t, http.StatusBadRequest,
		getJSON(t, h.api.URL+"/api/v1/licitacoes?aggs=por_dia", nil))
	assert.Equal(t, http.StatusBadRequest,
		getJSON(t, h.api.URL+"/api/v1/licitacoes?page=x", nil))
}

func TestHandleGetLicitacao(t *testing.T) {
	h := newAPIHarness(t, "http://example.invalid")
	lic := h.seed(t, "ext-1", "Aquisição de material", "SP", 1000)

	var got models.Licitacao
	status := getJSON(t, h.api.URL+"/api/v1/licitacoes/"+lic.ID, &got)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, lic.ExternalID, got.ExternalID)
	assert.NotEmpty(t, got.RawPayload, "detail carries the raw payload")

	// Second read is served from the cache.
	status = getJSON(t, h.api.URL+"/api/v1/licitacoes/"+lic.ID, &got)
	assert.Equal(t, http.StatusOK, status)

	assert.Equal(t, http.StatusNotFound,
		getJSON(t, h.api.URL+"/api/v1/licitacoes/missing", nil))
}

func TestHandleFacetLists(t *testing.T) {
	h := newAPIHarness(t, "http://example.invalid")
	h.seed(t, "ext-1", "Aquisição de material", "SP", 1000)
	h.seed(t, "ext-2", "Serviços de limpeza", "RJ", 2000)

	var ufs struct {
		UFs []string `json:"ufs"`
	}
	status := getJSON(t, h.api.URL+"/api/v1/ufs", &ufs)
	require.Equal(t, http.StatusOK, status)
	assert.ElementsMatch(t, []string{"SP", "RJ"}, ufs.UFs)

	var modalidades struct {
		Modalidades []string `json:"modalidades"`
	}
	status = getJSON(t, h.api.URL+"/api/v1/modalidades", &modalidades)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"Pregão - Eletrônico"}, modalidades.Modalidades)
}

func TestHandleStats(t *testing.T) {
	h := newAPIHarness(t, "http://example.invalid")
	h.seed(t, "ext-1", "Aquisição de material", "SP", 1000)
	h.seed(t, "ext-2", "Serviços de limpeza", "RJ", 3000)

	var stats struct {
		Total         int64 `json:"total"`
		ValorEstimado struct {
			Count int64   `json:"count"`
			Sum   float64 `json:"sum"`
			Avg   float64 `json:"avg"`
		} `json:"valor_estimado"`
		Situacoes []models.Bucket `json:"situacoes"`
	}
	status := getJSON(t, h.api.URL+"/api/v1/stats", &stats)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(2), stats.ValorEstimado.Count)
	assert.Equal(t, 4000.0, stats.ValorEstimado.Sum)
	assert.Equal(t, 2000.0, stats.ValorEstimado.Avg)
	require.Len(t, stats.Situacoes, 1)
	assert.Equal(t, 2, stats.Situacoes[0].Count)
}

func TestHandleSync(t *testing.T) {
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env := map[string]interface{}{
			"data": []map[string]interface{}{{
				"numeroControlePNCP":   "c-1",
				"anoCompra":            2024,
				"sequencialCompra":     1,
				"objetoCompra":         "Aquisição de material",
				"modalidadeId":         6,
				"modalidadeNome":       "Pregão - Eletrônico",
				"situacaoCompraNome":   "Divulgada no PNCP",
				"orgaoEntidade":        map[string]string{"razaoSocial": "Prefeitura", "cnpj": "00000000000191"},
				"unidadeOrgao":         map[string]string{"ufSigla": "SP", "municipioNome": "Teste"},
				"dataAberturaProposta": "2024-03-10T08:00:00",
			}},
			"totalRegistros":   1,
			"totalPaginas":     1,
			"numeroPagina":     1,
			"paginasRestantes": 0,
		}
		_ = json.NewEncoder(w).Encode(env)
	}))
	defer portal.Close()

	h := newAPIHarness(t, portal.URL)
	body := bytes.NewBufferString(`{"data_inicial":"20240301","data_final":"20240310","codigo_modalidade":6}`)
	resp, err := http.Post(h.api.URL+"/api/v1/sync", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result syncer.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, 1, result.Created)

	n, _ := h.store.Count(context.Background())
	assert.Equal(t, int64(1), n)
}

func TestHandleSync_BadRequests(t *testing.T) {
	h := newAPIHarness(t, "http://example.invalid")

	resp, err := http.Post(h.api.URL+"/api/v1/sync", "application/json",
		bytes.NewBufferString(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(h.api.URL+"/api/v1/sync", "application/json",
		bytes.NewBufferString(`{"codigo_modalidade":6}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleSync_SourceUnavailable(t *testing.T) {
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer portal.Close()

	h := newAPIHarness(t, portal.URL)
	resp, err := http.Post(h.api.URL+"/api/v1/sync", "application/json",
		bytes.NewBufferString(`{"data_inicial":"20240301","data_final":"20240310","codigo_modalidade":6}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestHandleExport(t *testing.T) {
	h := newAPIHarness(t, "http://example.invalid")
	h.seed(t, "ext-1", "Aquisição de material", "SP", 1000)
	h.seed(t, "ext-2", "Serviços de limpeza", "RJ", 2000)

	resp, err := http.Get(h.api.URL + "/api/v1/licitacoes/export?uf=SP")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "licitacoes.xlsx")

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("PK")), "xlsx is a zip container")
}

func TestHandleHealth(t *testing.T) {
	h := newAPIHarness(t, "http://example.invalid")

	var health struct {
		Status   string `json:"status"`
		Database string `json:"database"`
	}
	status := getJSON(t, h.api.URL+"/health", &health)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.Database)

	// A closed index degrades health without leaking internals.
	require.NoError(t, h.idx.Close())
	status = getJSON(t, h.api.URL+"/health", &health)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "degraded", health.Status)
}
