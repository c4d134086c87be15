package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/licitahub/licitasearch/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and
// initializes the schema. Parent directories are created if missing.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS licitacoes (
		id TEXT PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		fonte TEXT NOT NULL,
		ano_compra INTEGER,
		sequencial_compra INTEGER,
		objeto_compra TEXT NOT NULL,
		orgao TEXT,
		orgao_cnpj TEXT,
		municipio TEXT,
		uf TEXT,
		modalidade TEXT,
		codigo_modalidade INTEGER,
		situacao TEXT,
		valor_estimado REAL,
		data_abertura_proposta TIMESTAMP,
		data_publicacao TIMESTAMP,
		raw_payload TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		synced_at TIMESTAMP NOT NULL,
		indexed_at TIMESTAMP
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_licitacoes_external_id ON licitacoes(external_id);
	CREATE INDEX IF NOT EXISTS idx_licitacoes_modalidade ON licitacoes(codigo_modalidade);
	CREATE INDEX IF NOT EXISTS idx_licitacoes_uf ON licitacoes(uf);
	CREATE INDEX IF NOT EXISTS idx_licitacoes_data_abertura ON licitacoes(data_abertura_proposta);

	CREATE TABLE IF NOT EXISTS sync_watermarks (
		codigo_modalidade INTEGER PRIMARY KEY,
		last_synced_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

const licitacaoColumns = `id, external_id, fonte, ano_compra, sequencial_compra, objeto_compra,
	orgao, orgao_cnpj, municipio, uf, modalidade, codigo_modalidade, situacao,
	valor_estimado, data_abertura_proposta, data_publicacao, raw_payload,
	created_at, updated_at, synced_at, indexed_at`

// Upsert inserts or updates a licitação keyed by external_id inside one
// transaction. Existing rows keep their internal id and created_at.
func (s *SQLiteStorage) Upsert(ctx context.Context, lic *models.Licitacao) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var existingID string
	var createdAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT id, created_at FROM licitacoes WHERE external_id = ?`, lic.ExternalID,
	).Scan(&existingID, &createdAt)

	now := time.Now().UTC()
	lic.UpdatedAt = now
	lic.SyncedAt = now

	switch {
	case err == sql.ErrNoRows:
		lic.ID = uuid.NewString()
		lic.CreatedAt = now
		_, err = tx.ExecContext(ctx,
			`INSERT INTO licitacoes (`+licitacaoColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			lic.ID, lic.ExternalID, lic.Fonte, lic.AnoCompra, lic.SequencialCompra, lic.ObjetoCompra,
			lic.Orgao, lic.OrgaoCNPJ, lic.Municipio, lic.UF, lic.Modalidade, lic.CodigoModalidade, lic.Situacao,
			nullFloat(lic.ValorEstimado), nullTime(lic.DataAberturaProposta), nullTime(lic.DataPublicacao),
			string(lic.RawPayload), lic.CreatedAt, lic.UpdatedAt, lic.SyncedAt,
		)
		if err != nil {
			return false, fmt.Errorf("insert licitacao %s: %w", lic.ExternalID, err)
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return true, nil

	case err != nil:
		return false, err

	default:
		lic.ID = existingID
		lic.CreatedAt = createdAt
		// Last write wins; an update also resets indexed_at until the new
		// version is re-indexed.
		_, err = tx.ExecContext(ctx,
			`UPDATE licitacoes SET fonte = ?, ano_compra = ?, sequencial_compra = ?, objeto_compra = ?,
			 orgao = ?, orgao_cnpj = ?, municipio = ?, uf = ?, modalidade = ?, codigo_modalidade = ?,
			 situacao = ?, valor_estimado = ?, data_abertura_proposta = ?, data_publicacao = ?,
			 raw_payload = ?, updated_at = ?, synced_at = ?, indexed_at = NULL
			 WHERE id = ?`,
			lic.Fonte, lic.AnoCompra, lic.SequencialCompra, lic.ObjetoCompra,
			lic.Orgao, lic.OrgaoCNPJ, lic.Municipio, lic.UF, lic.Modalidade, lic.CodigoModalidade,
			lic.Situacao, nullFloat(lic.ValorEstimado), nullTime(lic.DataAberturaProposta), nullTime(lic.DataPublicacao),
			string(lic.RawPayload), lic.UpdatedAt, lic.SyncedAt, lic.ID,
		)
		if err != nil {
			return false, fmt.Errorf("update licitacao %s: %w", lic.ExternalID, err)
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return false, nil
	}
}

// GetByID returns a licitação by internal id.
func (s *SQLiteStorage) GetByID(ctx context.Context, id string) (*models.Licitacao, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licitacaoColumns+` FROM licitacoes WHERE id = ?`, id)
	return scanLicitacao(row)
}

// GetByExternalID returns a licitação by source identity.
func (s *SQLiteStorage) GetByExternalID(ctx context.Context, externalID string) (*models.Licitacao, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licitacaoColumns+` FROM licitacoes WHERE external_id = ?`, externalID)
	return scanLicitacao(row)
}

// MarkIndexed stamps indexed_at for the given internal ids.
func (s *SQLiteStorage) MarkIndexed(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE licitacoes SET indexed_at = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, at, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Count returns the total number of stored licitações.
func (s *SQLiteStorage) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM licitacoes`).Scan(&count)
	return count, err
}

// ValueStats aggregates valor_estimado across all rows that carry one.
func (s *SQLiteStorage) ValueStats(ctx context.Context) (*models.ValueStats, error) {
	var stats models.ValueStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(valor_estimado),
		        COALESCE(SUM(valor_estimado), 0),
		        COALESCE(AVG(valor_estimado), 0),
		        COALESCE(MIN(valor_estimado), 0),
		        COALESCE(MAX(valor_estimado), 0)
		 FROM licitacoes WHERE valor_estimado IS NOT NULL`,
	).Scan(&stats.Count, &stats.Sum, &stats.Avg, &stats.Min, &stats.Max)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// Watermark returns the last completed sync instant for a modality, nil when
// the modality has never synced.
func (s *SQLiteStorage) Watermark(ctx context.Context, codigoModalidade int) (*time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT last_synced_at FROM sync_watermarks WHERE codigo_modalidade = ?`, codigoModalidade,
	).Scan(&at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &at, nil
}

// SetWatermark stores the last completed sync instant for a modality.
func (s *SQLiteStorage) SetWatermark(ctx context.Context, codigoModalidade int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_watermarks (codigo_modalidade, last_synced_at, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(codigo_modalidade) DO UPDATE SET last_synced_at = excluded.last_synced_at,
		                                              updated_at = excluded.updated_at`,
		codigoModalidade, at, time.Now().UTC(),
	)
	return err
}

// Ping checks database reachability.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLicitacao(row rowScanner) (*models.Licitacao, error) {
	var lic models.Licitacao
	var valor sql.NullFloat64
	var dataAbertura, dataPublicacao, indexedAt sql.NullTime
	var rawPayload string

	err := row.Scan(
		&lic.ID, &lic.ExternalID, &lic.Fonte, &lic.AnoCompra, &lic.SequencialCompra, &lic.ObjetoCompra,
		&lic.Orgao, &lic.OrgaoCNPJ, &lic.Municipio, &lic.UF, &lic.Modalidade, &lic.CodigoModalidade, &lic.Situacao,
		&valor, &dataAbertura, &dataPublicacao, &rawPayload,
		&lic.CreatedAt, &lic.UpdatedAt, &lic.SyncedAt, &indexedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if valor.Valid {
		v := valor.Float64
		lic.ValorEstimado = &v
	}
	if dataAbertura.Valid {
		t := dataAbertura.Time
		lic.DataAberturaProposta = &t
	}
	if dataPublicacao.Valid {
		t := dataPublicacao.Time
		lic.DataPublicacao = &t
	}
	if indexedAt.Valid {
		t := indexedAt.Time
		lic.IndexedAt = &t
	}
	if rawPayload != "" {
		lic.RawPayload = []byte(rawPayload)
	}
	return &lic, nil
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
