package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/licitahub/licitasearch/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testLicitacao(externalID string) *models.Licitacao {
	valor := 1500.50
	abertura := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	return &models.Licitacao{
		ExternalID:           externalID,
		Fonte:                models.FontePNCP,
		AnoCompra:            2024,
		SequencialCompra:     12,
		ObjetoCompra:         "Aquisição de material de escritório",
		Orgao:                "Prefeitura Municipal de Teste",
		OrgaoCNPJ:            "00000000000191",
		Municipio:            "Teste",
		UF:                   "SP",
		Modalidade:           "Pregão - Eletrônico",
		CodigoModalidade:     6,
		Situacao:             "Divulgada no PNCP",
		ValorEstimado:        &valor,
		DataAberturaProposta: &abertura,
		RawPayload:           json.RawMessage(`{"objetoCompra":"Aquisição de material de escritório"}`),
	}
}

func TestSQLiteStorage_UpsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lic := testLicitacao("00000000000191-1-000012/2024")
	created, err := store.Upsert(ctx, lic)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first upsert should create")
	}
	if lic.ID == "" {
		t.Error("internal id should be assigned")
	}
	if lic.CreatedAt.IsZero() || lic.SyncedAt.IsZero() {
		t.Error("timestamps should be set")
	}

	got, err := store.GetByID(ctx, lic.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ObjetoCompra != lic.ObjetoCompra || got.UF != "SP" {
		t.Errorf("got %+v", got)
	}
	if got.ValorEstimado == nil || *got.ValorEstimado != 1500.50 {
		t.Errorf("valor_estimado not round-tripped: %v", got.ValorEstimado)
	}

	got, err = store.GetByExternalID(ctx, lic.ExternalID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != lic.ID {
		t.Errorf("expected id %s, got %s", lic.ID, got.ID)
	}

	_, err = store.GetByID(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStorage_UpsertKeepsIdentity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := testLicitacao("ext-1")
	if _, err := store.Upsert(ctx, first); err != nil {
		t.Fatal(err)
	}

	second := testLicitacao("ext-1")
	second.ObjetoCompra = "Objeto atualizado"
	created, err := store.Upsert(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second upsert should update, not create")
	}
	if second.ID != first.ID {
		t.Errorf("internal id changed: %s -> %s", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("created_at should survive updates")
	}

	got, _ := store.GetByID(ctx, first.ID)
	if got.ObjetoCompra != "Objeto atualizado" {
		t.Errorf("last write should win, got %s", got.ObjetoCompra)
	}
	if got.IndexedAt != nil {
		t.Error("update should reset indexed_at")
	}

	n, err := store.Count(ctx)
	if err != nil || n != 1 {
		t.Errorf("expected 1 row, got %d (%v)", n, err)
	}
}

func TestSQLiteStorage_MarkIndexed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lic := testLicitacao("ext-2")
	if _, err := store.Upsert(ctx, lic); err != nil {
		t.Fatal(err)
	}

	at := time.Now().UTC()
	if err := store.MarkIndexed(ctx, []string{lic.ID}, at); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetByID(ctx, lic.ID)
	if got.IndexedAt == nil {
		t.Fatal("indexed_at should be set")
	}

	// Empty id list is a no-op.
	if err := store.MarkIndexed(ctx, nil, at); err != nil {
		t.Errorf("empty MarkIndexed: %v", err)
	}
}

func TestSQLiteStorage_ValueStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stats, err := store.ValueStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Count != 0 {
		t.Errorf("expected empty stats, got %+v", stats)
	}

	values := []float64{100, 200, 300}
	for i, v := range values {
		lic := testLicitacao("ext-stats-" + string(rune('a'+i)))
		valor := v
		lic.ValorEstimado = &valor
		if _, err := store.Upsert(ctx, lic); err != nil {
			t.Fatal(err)
		}
	}
	noValue := testLicitacao("ext-stats-nil")
	noValue.ValorEstimado = nil
	_, _ = store.Upsert(ctx, noValue)

	stats, err = store.ValueStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Count != 3 {
		t.Errorf("rows without valor should not count, got %d", stats.Count)
	}
	if stats.Sum != 600 || stats.Avg != 200 || stats.Min != 100 || stats.Max != 300 {
		t.Errorf("got %+v", stats)
	}
}

func TestSQLiteStorage_Watermark(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	wm, err := store.Watermark(ctx, 6)
	if err != nil {
		t.Fatal(err)
	}
	if wm != nil {
		t.Errorf("expected nil watermark for never-synced modality, got %v", wm)
	}

	first := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := store.SetWatermark(ctx, 6, first); err != nil {
		t.Fatal(err)
	}
	wm, err = store.Watermark(ctx, 6)
	if err != nil {
		t.Fatal(err)
	}
	if wm == nil || !wm.Equal(first) {
		t.Errorf("expected %v, got %v", first, wm)
	}

	later := first.AddDate(0, 0, 7)
	if err := store.SetWatermark(ctx, 6, later); err != nil {
		t.Fatal(err)
	}
	wm, _ = store.Watermark(ctx, 6)
	if wm == nil || !wm.Equal(later) {
		t.Errorf("expected %v, got %v", later, wm)
	}

	// Watermarks are per modality.
	other, _ := store.Watermark(ctx, 8)
	if other != nil {
		t.Errorf("modality 8 should have no watermark, got %v", other)
	}
}
