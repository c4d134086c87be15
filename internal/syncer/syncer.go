// Package syncer drives synchronization runs against the PNCP portal:
// windowed page loops with retry, normalization, storage upsert, indexing,
// and watermark advancement.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/licitahub/licitasearch/internal/index"
	"github.com/licitahub/licitasearch/internal/models"
	"github.com/licitahub/licitasearch/internal/pncp"
	"github.com/licitahub/licitasearch/internal/storage"
)

const dateLayout = "20060102"

// ErrSyncRunning is returned when a run is triggered for a modality that is
// already being synchronized.
var ErrSyncRunning = errors.New("sync already running for this modality")

// Params identifies one synchronization window for one contratação modality.
// Dates are YYYYMMDD, inclusive on both ends.
type Params struct {
	DataInicial      string
	DataFinal        string
	CodigoModalidade int
}

// Result summarizes one completed run.
type Result struct {
	CodigoModalidade int            `json:"codigo_modalidade"`
	Processed        int            `json:"processed"`
	Created          int            `json:"created"`
	Updated          int            `json:"updated"`
	Skipped          int            `json:"skipped"`
	Pages            int            `json:"pages"`
	FailedPages      []int          `json:"failed_pages,omitempty"`
	SkipReasons      map[string]int `json:"skip_reasons,omitempty"`
	Duration         time.Duration  `json:"-"`
}

// Syncer orchestrates runs. Safe for concurrent use; runs for the same
// modality are mutually exclusive, different modalities proceed in parallel.
type Syncer struct {
	client *pncp.Client
	store  storage.Storage
	idx    *index.Service
	logger *zap.Logger

	pageSize   int
	maxRetries int
	retryDelay time.Duration

	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithPageSize sets the requested page size (clamped by the client).
func WithPageSize(n int) Option {
	return func(s *Syncer) { s.pageSize = n }
}

// WithRetry sets how many times a transiently failing page fetch is retried
// and the base backoff delay (doubled per attempt).
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(s *Syncer) {
		s.maxRetries = maxRetries
		s.retryDelay = delay
	}
}

// WithLogger sets the run logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// NewSyncer creates a Syncer over the given client, store, and index.
func NewSyncer(client *pncp.Client, store storage.Storage, idx *index.Service, opts ...Option) *Syncer {
	s := &Syncer{
		client:     client,
		store:      store,
		idx:        idx,
		logger:     zap.NewNop(),
		pageSize:   pncp.MaxPageSize,
		maxRetries: 3,
		retryDelay: time.Second,
		locks:      make(map[int]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Syncer) modalityLock(codigoModalidade int) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[codigoModalidade]
	if !ok {
		l = &sync.Mutex{}
		s.locks[codigoModalidade] = l
	}
	return l
}

// SyncWindow runs one modality's synchronization. The effective window starts
// at the later of params.DataInicial and the stored watermark, so repeated
// runs only re-cover the watermark day itself. Pages loop until the portal
// reports no further pages or a page comes back with zero records. The
// watermark moves to DataFinal only when every page was covered; an aborted
// run, or a run with undecodable pages, leaves it untouched and a later run
// resumes idempotently (completed pages stay committed, upserts converge).
func (s *Syncer) SyncWindow(ctx context.Context, params Params) (*Result, error) {
	lock := s.modalityLock(params.CodigoModalidade)
	if !lock.TryLock() {
		return nil, ErrSyncRunning
	}
	defer lock.Unlock()

	ini, err := time.Parse(dateLayout, params.DataInicial)
	if err != nil {
		return nil, fmt.Errorf("invalid dataInicial %q: %w", params.DataInicial, err)
	}
	fim, err := time.Parse(dateLayout, params.DataFinal)
	if err != nil {
		return nil, fmt.Errorf("invalid dataFinal %q: %w", params.DataFinal, err)
	}

	wm, err := s.store.Watermark(ctx, params.CodigoModalidade)
	if err != nil {
		return nil, fmt.Errorf("failed to read watermark: %w", err)
	}
	if wm != nil {
		wmDay := time.Date(wm.Year(), wm.Month(), wm.Day(), 0, 0, 0, 0, time.UTC)
		if wmDay.After(ini) {
			ini = wmDay
		}
	}

	result := &Result{
		CodigoModalidade: params.CodigoModalidade,
		SkipReasons:      make(map[string]int),
	}
	started := time.Now()

	if ini.After(fim) {
		// Window already covered by the watermark; nothing to fetch.
		result.Duration = time.Since(started)
		return result, nil
	}

	dataInicial := ini.Format(dateLayout)
	s.logger.Info("sync run starting",
		zap.Int("modalidade", params.CodigoModalidade),
		zap.String("data_inicial", dataInicial),
		zap.String("data_final", params.DataFinal),
	)

	totalPages := 0
	for page := 1; ; page++ {
		pg, err := s.fetchWithRetry(ctx, dataInicial, params.DataFinal, params.CodigoModalidade, page)
		if err != nil {
			var serr *pncp.SchemaError
			if errors.As(err, &serr) && totalPages > 0 {
				// One undecodable page does not take down the run. Later
				// pages are still fetched, bounded by the page count of the
				// last good envelope.
				result.FailedPages = append(result.FailedPages, page)
				s.logger.Warn("skipping undecodable page",
					zap.Int("pagina", page),
					zap.Error(err),
				)
				if page >= totalPages {
					break
				}
				continue
			}
			return result, fmt.Errorf("page %d: %w", page, err)
		}
		result.Pages++
		if pg.TotalPaginas > totalPages {
			totalPages = pg.TotalPaginas
		}

		if err := s.processPage(ctx, pg, result); err != nil {
			return result, fmt.Errorf("page %d: %w", page, err)
		}
		// A zero-record page ends the run even when the portal claims more
		// pages remain; trusting paginasRestantes alone can loop forever.
		if len(pg.Records) == 0 || !pg.HasNext() {
			break
		}
	}

	if len(result.FailedPages) > 0 {
		// The failed pages were never stored. Holding the watermark makes
		// the next run refetch the window.
		result.Duration = time.Since(started)
		s.logger.Warn("sync run finished with undecodable pages",
			zap.Int("modalidade", params.CodigoModalidade),
			zap.Ints("failed_pages", result.FailedPages),
		)
		return result, nil
	}

	if err := s.store.SetWatermark(ctx, params.CodigoModalidade, fim); err != nil {
		return result, fmt.Errorf("failed to advance watermark: %w", err)
	}

	result.Duration = time.Since(started)
	s.logger.Info("sync run finished",
		zap.Int("modalidade", params.CodigoModalidade),
		zap.Int("processed", result.Processed),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
		zap.Int("pages", result.Pages),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// processPage normalizes, stores, and indexes one page. Malformed records are
// skipped and counted; storage or index failures abort the run so the page is
// re-fetched on resume.
func (s *Syncer) processPage(ctx context.Context, pg *pncp.Page, result *Result) error {
	batch := make([]*models.Licitacao, 0, len(pg.Records))
	for _, rec := range pg.Records {
		lic, err := pncp.Normalize(rec)
		if err != nil {
			result.Skipped++
			var nerr *pncp.NormalizationError
			if errors.As(err, &nerr) {
				result.SkipReasons[nerr.Reason]++
				s.logger.Warn("skipping record",
					zap.String("field", nerr.Field),
					zap.String("reason", nerr.Reason),
				)
			} else {
				result.SkipReasons["unknown"]++
			}
			continue
		}

		created, err := s.store.Upsert(ctx, lic)
		if err != nil {
			return fmt.Errorf("failed to store %s: %w", lic.ExternalID, err)
		}
		if created {
			result.Created++
		} else {
			result.Updated++
		}
		result.Processed++
		batch = append(batch, lic)
	}

	if err := s.idx.IndexBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to index page: %w", err)
	}
	ids := make([]string, len(batch))
	for i, lic := range batch {
		ids[i] = lic.ID
	}
	if err := s.store.MarkIndexed(ctx, ids, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to mark indexed: %w", err)
	}
	return nil
}

// fetchWithRetry fetches one page, retrying transient source failures with
// exponential backoff. Schema errors and context cancellation are returned
// without retry; the page loop decides whether they end the run.
func (s *Syncer) fetchWithRetry(ctx context.Context, dataInicial, dataFinal string, codigoModalidade, page int) (*pncp.Page, error) {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.retryDelay << (attempt - 1)
			s.logger.Warn("retrying page fetch",
				zap.Int("pagina", page),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		pg, err := s.client.FetchPage(ctx, dataInicial, dataFinal, codigoModalidade, page, s.pageSize)
		if err == nil {
			return pg, nil
		}
		if !pncp.IsSourceUnavailable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

// SyncAll runs the window for every modality concurrently. It returns the
// results of the modalities that completed; the first failure cancels the
// remaining runs.
func (s *Syncer) SyncAll(ctx context.Context, dataInicial, dataFinal string, modalidades []int) ([]*Result, error) {
	results := make([]*Result, len(modalidades))

	g, ctx := errgroup.WithContext(ctx)
	for i, codigo := range modalidades {
		i, codigo := i, codigo
		g.Go(func() error {
			res, err := s.SyncWindow(ctx, Params{
				DataInicial:      dataInicial,
				DataFinal:        dataFinal,
				CodigoModalidade: codigo,
			})
			if err != nil {
				return fmt.Errorf("sync of modality %d failed: %w", codigo, err)
			}
			results[i] = res
			return nil
		})
	}
	err := g.Wait()

	completed := make([]*Result, 0, len(results))
	for _, res := range results {
		if res != nil {
			completed = append(completed, res)
		}
	}
	return completed, err
}
