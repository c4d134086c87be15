package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler triggers periodic SyncAll runs over a trailing window of days.
type Scheduler struct {
	syncer      *Syncer
	logger      *zap.Logger
	modalidades []int
	lookback    int

	mu       sync.Mutex
	running  bool
	interval time.Duration
	reload   chan time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewScheduler creates a scheduler that syncs the given modalities over the
// trailing lookbackDays (at least 1) each tick.
func NewScheduler(s *Syncer, modalidades []int, lookbackDays int, logger *zap.Logger) *Scheduler {
	if lookbackDays < 1 {
		lookbackDays = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		syncer:      s,
		logger:      logger,
		modalidades: modalidades,
		lookback:    lookbackDays,
	}
}

// Start launches the periodic loop. The first run fires after one interval,
// not immediately. Starting an already running scheduler is a no-op.
func (sc *Scheduler) Start(interval time.Duration) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.running || interval <= 0 {
		return
	}
	sc.running = true
	sc.interval = interval
	sc.reload = make(chan time.Duration, 1)
	sc.stop = make(chan struct{})
	sc.done = make(chan struct{})
	go sc.loop(interval)
	sc.logger.Info("sync scheduler started", zap.Duration("interval", interval))
}

func (sc *Scheduler) loop(interval time.Duration) {
	defer close(sc.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sc.stop:
			return
		case next := <-sc.reload:
			ticker.Reset(next)
			sc.logger.Info("sync interval updated", zap.Duration("interval", next))
		case <-ticker.C:
			sc.runOnce()
		}
	}
}

// runOnce executes one SyncAll over the trailing window. Stop never
// interrupts it; the loop only checks the stop channel between runs.
func (sc *Scheduler) runOnce() {
	now := time.Now().UTC()
	dataFinal := now.Format(dateLayout)
	dataInicial := now.AddDate(0, 0, -(sc.lookback - 1)).Format(dateLayout)

	results, err := sc.syncer.SyncAll(context.Background(), dataInicial, dataFinal, sc.modalidades)
	if err != nil {
		sc.logger.Error("scheduled sync failed", zap.Error(err))
	}
	for _, res := range results {
		sc.logger.Info("scheduled sync result",
			zap.Int("modalidade", res.CodigoModalidade),
			zap.Int("processed", res.Processed),
			zap.Int("created", res.Created),
			zap.Int("updated", res.Updated),
			zap.Int("skipped", res.Skipped),
		)
	}
}

// SetInterval changes the tick interval of a running scheduler. Used by the
// config hot-reload path.
func (sc *Scheduler) SetInterval(interval time.Duration) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.running || interval <= 0 || interval == sc.interval {
		return
	}
	sc.interval = interval
	select {
	case sc.reload <- interval:
	default:
	}
}

// Stop halts the loop and waits for an in-flight run to finish.
func (sc *Scheduler) Stop() {
	sc.mu.Lock()
	if !sc.running {
		sc.mu.Unlock()
		return
	}
	sc.running = false
	close(sc.stop)
	done := sc.done
	sc.mu.Unlock()

	<-done
	sc.logger.Info("sync scheduler stopped")
}
