// Package pncp talks to the Portal Nacional de Contratações Públicas consulta
// API and normalizes its records into the canonical Licitacao entity.
package pncp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the public consulta API root.
	DefaultBaseURL = "https://pncp.gov.br/api/consulta"

	// MaxPageSize is the portal's cap on tamanhoPagina for the publicacao
	// endpoint. The client clamps rather than forwarding an invalid request.
	MaxPageSize = 50

	publicacaoPath = "/v1/contratacoes/publicacao"
	dateLayout     = "20060102"
)

// RawRecord is a loosely-typed overlay over one publicacao item. Raw keeps
// the untouched payload for storage; field coercion happens in Normalize.
type RawRecord struct {
	Raw json.RawMessage `json:"-"`

	NumeroControlePNCP   string          `json:"numeroControlePNCP"`
	AnoCompra            int             `json:"anoCompra"`
	SequencialCompra     int             `json:"sequencialCompra"`
	ObjetoCompra         string          `json:"objetoCompra"`
	ModalidadeID         int             `json:"modalidadeId"`
	ModalidadeNome       string          `json:"modalidadeNome"`
	SituacaoCompraNome   string          `json:"situacaoCompraNome"`
	ValorTotalEstimado   json.RawMessage `json:"valorTotalEstimado"`
	DataAberturaProposta string          `json:"dataAberturaProposta"`
	DataPublicacaoPncp   string          `json:"dataPublicacaoPncp"`
	OrgaoEntidade        struct {
		RazaoSocial string `json:"razaoSocial"`
		CNPJ        string `json:"cnpj"`
	} `json:"orgaoEntidade"`
	UnidadeOrgao struct {
		UFSigla       string `json:"ufSigla"`
		MunicipioNome string `json:"municipioNome"`
	} `json:"unidadeOrgao"`
}

// Page is one page of publicacao results.
type Page struct {
	Records          []*RawRecord
	TotalRegistros   int
	TotalPaginas     int
	NumeroPagina     int
	PaginasRestantes int
}

// HasNext reports whether the portal has more pages after this one.
func (p *Page) HasNext() bool { return p.PaginasRestantes > 0 }

type pageEnvelope struct {
	Data             []json.RawMessage `json:"data"`
	TotalRegistros   int               `json:"totalRegistros"`
	TotalPaginas     int               `json:"totalPaginas"`
	NumeroPagina     int               `json:"numeroPagina"`
	PaginasRestantes int               `json:"paginasRestantes"`
	Empty            bool              `json:"empty"`
}

// Client fetches pages from the consulta API. One logical call per page,
// no retries here; retry/backoff policy belongs to the orchestrator.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the consulta API rooted at baseURL
// (DefaultBaseURL when empty) with the given request timeout.
func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchPage requests one page of publicações published in [dataInicial,
// dataFinal] (YYYYMMDD, inclusive) for the given contratação modality.
// pagina is 1-based; tamanhoPagina is clamped to MaxPageSize.
func (c *Client) FetchPage(ctx context.Context, dataInicial, dataFinal string, codigoModalidade, pagina, tamanhoPagina int) (*Page, error) {
	ini, err := time.Parse(dateLayout, dataInicial)
	if err != nil {
		return nil, fmt.Errorf("invalid dataInicial %q: %w", dataInicial, err)
	}
	fim, err := time.Parse(dateLayout, dataFinal)
	if err != nil {
		return nil, fmt.Errorf("invalid dataFinal %q: %w", dataFinal, err)
	}
	if ini.After(fim) {
		return nil, fmt.Errorf("dataInicial %s after dataFinal %s", dataInicial, dataFinal)
	}
	if pagina < 1 {
		return nil, fmt.Errorf("pagina must be >= 1, got %d", pagina)
	}
	if tamanhoPagina < 1 || tamanhoPagina > MaxPageSize {
		tamanhoPagina = MaxPageSize
	}

	params := url.Values{}
	params.Set("dataInicial", dataInicial)
	params.Set("dataFinal", dataFinal)
	params.Set("codigoModalidadeContratacao", strconv.Itoa(codigoModalidade))
	params.Set("pagina", strconv.Itoa(pagina))
	params.Set("tamanhoPagina", strconv.Itoa(tamanhoPagina))

	reqURL := c.baseURL + publicacaoPath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "licitasearch/1.0")

	if c.logger != nil {
		c.logger.Debug("pncp fetch page",
			zap.String("data_inicial", dataInicial),
			zap.String("data_final", dataFinal),
			zap.Int("modalidade", codigoModalidade),
			zap.Int("pagina", pagina),
		)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &SourceUnavailableError{Attempts: 1, Err: err}
	}
	defer resp.Body.Close()

	// The portal answers 204 when the window has no publications.
	if resp.StatusCode == http.StatusNoContent {
		return &Page{NumeroPagina: pagina}, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &SourceUnavailableError{
			Status:   resp.StatusCode,
			Attempts: 1,
			Err:      fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var env pageEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, &SchemaError{Page: pagina, Err: err}
	}

	page := &Page{
		TotalRegistros:   env.TotalRegistros,
		TotalPaginas:     env.TotalPaginas,
		NumeroPagina:     env.NumeroPagina,
		PaginasRestantes: env.PaginasRestantes,
		Records:          make([]*RawRecord, 0, len(env.Data)),
	}
	if page.NumeroPagina == 0 {
		page.NumeroPagina = pagina
	}
	for _, raw := range env.Data {
		rec := &RawRecord{}
		// A record that fails the overlay decode is still carried with its
		// raw payload; the normalizer reports the per-record error.
		_ = json.Unmarshal(raw, rec)
		rec.Raw = raw
		page.Records = append(page.Records, rec)
	}
	return page, nil
}
