package server

import (
	"net/http"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/licitahub/licitasearch/internal/models"
)

// exportMaxRows caps a single export. Large extractions should narrow the
// filters instead.
const exportMaxRows = 5000

const exportSheet = "Licitacoes"

var exportHeader = []string{
	"ID Externo", "Objeto", "Órgão", "Município", "UF",
	"Modalidade", "Situação", "Valor Estimado", "Abertura Proposta", "Publicação",
}

// handleExport streams the current filtered search as an .xlsx workbook. The
// same query parameters as the search endpoint apply; pagination is ignored.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	req, err := parseSearchRequest(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Page = 1
	req.Size = exportMaxRows
	req.Aggregations = nil
	if err := req.Validate(exportMaxRows, exportMaxRows); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The builder clamps size to its own max; export gets the full cap.
	sr := s.builder.Build(req)
	sr.Size = exportMaxRows
	sr.From = 0

	res, err := s.idx.Search(r.Context(), sr)
	if err != nil {
		s.logger.Error("export search failed", zap.Error(err))
		s.respondError(w, http.StatusServiceUnavailable, "search unavailable")
		return
	}
	shaped := s.builder.ShapeResponse(req, res)

	f := excelize.NewFile()
	defer f.Close()
	f.SetSheetName("Sheet1", exportSheet)

	for col, title := range exportHeader {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		_ = f.SetCellValue(exportSheet, cell, title)
	}
	for row, item := range shaped.Items {
		if err := writeExportRow(f, row+2, item); err != nil {
			s.logger.Error("export row failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, "failed to build workbook")
			return
		}
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="licitacoes.xlsx"`)
	if err := f.Write(w); err != nil {
		s.logger.Error("export write failed", zap.Error(err))
	}
}

func writeExportRow(f *excelize.File, row int, item *models.LicitacaoSummary) error {
	values := []interface{}{
		item.ExternalID, item.ObjetoCompra, item.Orgao, item.Municipio, item.UF,
		item.Modalidade, item.Situacao,
	}
	if item.ValorEstimado != nil {
		values = append(values, *item.ValorEstimado)
	} else {
		values = append(values, "")
	}
	for _, t := range []*time.Time{item.DataAberturaProposta, item.DataPublicacao} {
		if t != nil {
			values = append(values, t.Format("2006-01-02 15:04"))
		} else {
			values = append(values, "")
		}
	}

	for col, v := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(exportSheet, cell, v); err != nil {
			return err
		}
	}
	return nil
}
