package models

import (
	"testing"
	"time"
)

func TestSearchRequestValidate(t *testing.T) {
	req := &SearchRequest{}
	if err := req.Validate(20, 100); err != nil {
		t.Fatal(err)
	}
	if req.Page != 1 || req.Size != 20 {
		t.Errorf("defaults not applied: page=%d size=%d", req.Page, req.Size)
	}

	req = &SearchRequest{Page: -3, Size: 500}
	if err := req.Validate(20, 100); err != nil {
		t.Fatal(err)
	}
	if req.Page != 1 {
		t.Errorf("negative page should become 1, got %d", req.Page)
	}
	if req.Size != 100 {
		t.Errorf("size should clamp to max, got %d", req.Size)
	}
}

func TestSearchRequestValidate_Ranges(t *testing.T) {
	min, max := 500.0, 100.0
	req := &SearchRequest{ValorMin: &min, ValorMax: &max}
	if err := req.Validate(20, 100); err == nil {
		t.Error("inverted value range should be rejected")
	}

	early := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	req = &SearchRequest{DataAberturaMin: &late, DataAberturaMax: &early}
	if err := req.Validate(20, 100); err == nil {
		t.Error("inverted date range should be rejected")
	}
}

func TestSearchRequestValidate_Aggregations(t *testing.T) {
	req := &SearchRequest{Aggregations: []string{AggUFs, AggPorMes}}
	if err := req.Validate(20, 100); err != nil {
		t.Fatal(err)
	}

	req = &SearchRequest{Aggregations: []string{"por_dia"}}
	if err := req.Validate(20, 100); err == nil {
		t.Error("unknown aggregation should be rejected")
	}
}

func TestLicitacaoSummary(t *testing.T) {
	valor := 123.45
	lic := &Licitacao{
		ID:            "id-1",
		ExternalID:    "ext-1",
		ObjetoCompra:  "Objeto",
		UF:            "SP",
		ValorEstimado: &valor,
		SyncedAt:      time.Now(),
	}
	s := lic.Summary()
	if s.ID != "id-1" || s.ExternalID != "ext-1" || s.UF != "SP" {
		t.Errorf("got %+v", s)
	}
	if s.ValorEstimado == nil || *s.ValorEstimado != 123.45 {
		t.Errorf("valor not projected: %v", s.ValorEstimado)
	}
}
