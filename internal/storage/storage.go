// Package storage defines the system-of-record interface for licitações and
// sync watermarks.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/licitahub/licitasearch/internal/models"
)

// ErrNotFound is returned when a licitação does not exist.
var ErrNotFound = errors.New("licitacao not found")

// Storage is the persistence boundary. The sync orchestrator is the only
// writer; everything else reads.
type Storage interface {
	// Upsert inserts or updates by external id. Last write wins; the internal
	// id is assigned on first insert and never changes. Reports whether a new
	// row was created and fills in lic.ID and timestamps.
	Upsert(ctx context.Context, lic *models.Licitacao) (created bool, err error)

	GetByID(ctx context.Context, id string) (*models.Licitacao, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.Licitacao, error)

	// MarkIndexed records that the given internal ids were indexed at the
	// given time. A licitação is searchable iff indexed after its last upsert.
	MarkIndexed(ctx context.Context, ids []string, at time.Time) error

	Count(ctx context.Context) (int64, error)
	ValueStats(ctx context.Context) (*models.ValueStats, error)

	// Watermark returns the last successfully synchronized instant for the
	// modality, or nil when the modality has never completed a run.
	Watermark(ctx context.Context, codigoModalidade int) (*time.Time, error)
	SetWatermark(ctx context.Context, codigoModalidade int, at time.Time) error

	Ping(ctx context.Context) error
	Close() error
}
