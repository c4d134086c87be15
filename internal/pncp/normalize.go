package pncp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/licitahub/licitasearch/internal/models"
)

// Date layouts seen in publicacao payloads. The portal usually emits local
// timestamps without a zone; RFC3339 and bare dates appear in older records.
var recordDateLayouts = []string{
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02",
}

// Normalize maps a raw publicacao record into the canonical Licitacao.
// Deterministic, no I/O. A coercion or required-field failure returns a
// NormalizationError naming the field; callers skip the record, never the page.
func Normalize(raw *RawRecord) (*models.Licitacao, error) {
	externalID := strings.TrimSpace(raw.NumeroControlePNCP)
	if externalID == "" {
		// Older records miss numeroControlePNCP; the sequencial/ano pair is
		// the portal's secondary identity.
		if raw.SequencialCompra > 0 && raw.AnoCompra > 0 {
			externalID = fmt.Sprintf("%d-%d", raw.SequencialCompra, raw.AnoCompra)
		} else {
			return nil, &NormalizationError{Field: "numeroControlePNCP", Reason: "missing identity"}
		}
	}

	objeto := strings.TrimSpace(raw.ObjetoCompra)
	if objeto == "" {
		return nil, &NormalizationError{Field: "objetoCompra", Reason: "required field empty"}
	}

	valor, err := parseDecimal("valorTotalEstimado", raw.ValorTotalEstimado)
	if err != nil {
		return nil, err
	}

	dataAbertura, err := parseRecordDate("dataAberturaProposta", raw.DataAberturaProposta)
	if err != nil {
		return nil, err
	}
	dataPublicacao, err := parseRecordDate("dataPublicacaoPncp", raw.DataPublicacaoPncp)
	if err != nil {
		return nil, err
	}

	uf := strings.ToUpper(strings.TrimSpace(raw.UnidadeOrgao.UFSigla))
	if uf != "" && len(uf) != 2 {
		return nil, &NormalizationError{Field: "ufSigla", Value: raw.UnidadeOrgao.UFSigla, Reason: "not a two-letter UF"}
	}

	return &models.Licitacao{
		ExternalID:           externalID,
		Fonte:                models.FontePNCP,
		AnoCompra:            raw.AnoCompra,
		SequencialCompra:     raw.SequencialCompra,
		ObjetoCompra:         objeto,
		Orgao:                strings.TrimSpace(raw.OrgaoEntidade.RazaoSocial),
		OrgaoCNPJ:            strings.TrimSpace(raw.OrgaoEntidade.CNPJ),
		Municipio:            strings.TrimSpace(raw.UnidadeOrgao.MunicipioNome),
		UF:                   uf,
		Modalidade:           strings.TrimSpace(raw.ModalidadeNome),
		CodigoModalidade:     raw.ModalidadeID,
		Situacao:             strings.TrimSpace(raw.SituacaoCompraNome),
		ValorEstimado:        valor,
		DataAberturaProposta: dataAbertura,
		DataPublicacao:       dataPublicacao,
		RawPayload:           raw.Raw,
	}, nil
}

// parseDecimal coerces a JSON number or numeric string into a float.
func parseDecimal(field string, raw []byte) (*float64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	s = strings.Trim(s, `"`)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, &NormalizationError{Field: field, Value: s, Reason: "not a decimal"}
	}
	return &v, nil
}

func parseRecordDate(field, value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, layout := range recordDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return &t, nil
		}
	}
	return nil, &NormalizationError{Field: field, Value: value, Reason: "unrecognized date format"}
}
