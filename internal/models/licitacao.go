// Package models defines core data structures for licitações, search requests, and results.
package models

import (
	"encoding/json"
	"time"
)

// FontePNCP identifies the PNCP portal as the record source.
const FontePNCP = "PNCP"

// Licitacao is the canonical procurement notice entity.
// ExternalID is the source identity used for deduplication; ID is the stable
// internal handle assigned on first insert and used as the search document id.
type Licitacao struct {
	ID                   string          `json:"id" db:"id"`
	ExternalID           string          `json:"id_externo" db:"external_id"`
	Fonte                string          `json:"fonte" db:"fonte"`
	AnoCompra            int             `json:"ano_compra,omitempty" db:"ano_compra"`
	SequencialCompra     int             `json:"sequencial_compra,omitempty" db:"sequencial_compra"`
	ObjetoCompra         string          `json:"objeto_compra" db:"objeto_compra"`
	Orgao                string          `json:"orgao,omitempty" db:"orgao"`
	OrgaoCNPJ            string          `json:"orgao_cnpj,omitempty" db:"orgao_cnpj"`
	Municipio            string          `json:"municipio,omitempty" db:"municipio"`
	UF                   string          `json:"uf,omitempty" db:"uf"`
	Modalidade           string          `json:"modalidade,omitempty" db:"modalidade"`
	CodigoModalidade     int             `json:"codigo_modalidade,omitempty" db:"codigo_modalidade"`
	Situacao             string          `json:"situacao,omitempty" db:"situacao"`
	ValorEstimado        *float64        `json:"valor_estimado,omitempty" db:"valor_estimado"`
	DataAberturaProposta *time.Time      `json:"data_abertura_proposta,omitempty" db:"data_abertura_proposta"`
	DataPublicacao       *time.Time      `json:"data_publicacao,omitempty" db:"data_publicacao"`
	RawPayload           json.RawMessage `json:"raw_payload,omitempty" db:"raw_payload"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
	SyncedAt             time.Time       `json:"synced_at" db:"synced_at"`
	IndexedAt            *time.Time      `json:"indexed_at,omitempty" db:"indexed_at"`
}

// Summary returns the caller-facing projection of the licitação.
func (l *Licitacao) Summary() *LicitacaoSummary {
	return &LicitacaoSummary{
		ID:                   l.ID,
		ExternalID:           l.ExternalID,
		ObjetoCompra:         l.ObjetoCompra,
		Orgao:                l.Orgao,
		Municipio:            l.Municipio,
		UF:                   l.UF,
		Modalidade:           l.Modalidade,
		Situacao:             l.Situacao,
		ValorEstimado:        l.ValorEstimado,
		DataAberturaProposta: l.DataAberturaProposta,
		DataPublicacao:       l.DataPublicacao,
	}
}

// LicitacaoSummary is the subset of fields returned in search result pages.
// Engine-internal field names and scores never appear here.
type LicitacaoSummary struct {
	ID                   string     `json:"id"`
	ExternalID           string     `json:"id_externo"`
	ObjetoCompra         string     `json:"objeto_compra"`
	Orgao                string     `json:"orgao,omitempty"`
	Municipio            string     `json:"municipio,omitempty"`
	UF                   string     `json:"uf,omitempty"`
	Modalidade           string     `json:"modalidade,omitempty"`
	Situacao             string     `json:"situacao,omitempty"`
	ValorEstimado        *float64   `json:"valor_estimado,omitempty"`
	DataAberturaProposta *time.Time `json:"data_abertura_proposta,omitempty"`
	DataPublicacao       *time.Time `json:"data_publicacao,omitempty"`
}
