package detection

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/darkermemo/huntql/common/logging"
)

// Scheduler evaluates enabled detections on their configured intervals. It
// periodically reconciles its worker set against the store, so create,
// update, disable and delete all take effect without a restart.
type Scheduler struct {
	svc             *Service
	logger          *logging.Logger
	refreshInterval time.Duration
	dedupTTL        time.Duration

	mu      sync.Mutex
	workers map[uuid.UUID]*worker
	seen    map[string]time.Time
	wg      sync.WaitGroup
}

type worker struct {
	cancel      context.CancelFunc
	intervalSec uint64
	version     int
}

// NewScheduler creates a Scheduler. Findings with the same dedup key are
// suppressed for dedupTTL, so a condition persisting across windows does
// not re-fire every interval.
func NewScheduler(svc *Service, refreshInterval, dedupTTL time.Duration, logger *logging.Logger) *Scheduler {
	if refreshInterval <= 0 {
		refreshInterval = 30 * time.Second
	}
	if dedupTTL <= 0 {
		dedupTTL = 15 * time.Minute
	}
	return &Scheduler{
		svc:             svc,
		logger:          logger,
		refreshInterval: refreshInterval,
		dedupTTL:        dedupTTL,
		workers:         make(map[uuid.UUID]*worker),
		seen:            make(map[string]time.Time),
	}
}

// Run reconciles and evaluates until ctx is canceled, then waits for
// in-flight evaluations to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.reconcile(ctx)

	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.wg.Wait()
			s.logger.Info("detection scheduler stopped")
			return
		case <-ticker.C:
			s.reconcile(ctx)
			s.expireSeen()
		}
	}
}

// reconcile diffs the desired worker set against the running one.
func (s *Scheduler) reconcile(ctx context.Context) {
	recs, err := s.svc.store.ListEnabled(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler failed to list detections", "error", err)
		return
	}

	desired := make(map[uuid.UUID]*Record, len(recs))
	for _, rec := range recs {
		desired[rec.ID] = rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range s.workers {
		rec, ok := desired[id]
		if ok && rec.IntervalSec == w.intervalSec && rec.Version == w.version {
			continue
		}
		w.cancel()
		delete(s.workers, id)
	}

	for id, rec := range desired {
		if _, ok := s.workers[id]; ok {
			continue
		}
		wctx, cancel := context.WithCancel(ctx)
		s.workers[id] = &worker{cancel: cancel, intervalSec: rec.IntervalSec, version: rec.Version}
		s.wg.Add(1)
		go s.runWorker(wctx, rec)
		s.logger.Info("detection worker started",
			"detection_id", id, "tenant_id", rec.TenantID,
			"family", rec.Spec.Family(), "interval_sec", rec.IntervalSec)
	}
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.workers {
		w.cancel()
		delete(s.workers, id)
	}
}

// runWorker evaluates one detection on its interval until canceled.
func (s *Scheduler) runWorker(ctx context.Context, rec *Record) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(rec.IntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		run, findings := s.svc.runAndRecord(ctx, rec)
		fresh := s.filterSeen(findings)
		s.svc.publishFindings(ctx, fresh)

		if run.Status != RunSucceeded {
			s.logger.Warn("detection evaluation did not succeed",
				"detection_id", rec.ID, "status", run.Status, "error", run.Error)
		} else if len(fresh) > 0 {
			s.logger.Info("detection fired",
				"detection_id", rec.ID, "tenant_id", rec.TenantID,
				"findings", len(fresh), "suppressed", len(findings)-len(fresh))
		}
	}
}

// filterSeen drops findings whose dedup key fired within the TTL.
func (s *Scheduler) filterSeen(findings []Finding) []Finding {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := findings[:0:0]
	for _, f := range findings {
		if expiry, ok := s.seen[f.DedupKey]; ok && now.Before(expiry) {
			continue
		}
		s.seen[f.DedupKey] = now.Add(s.dedupTTL)
		fresh = append(fresh, f)
	}
	return fresh
}

func (s *Scheduler) expireSeen() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, expiry := range s.seen {
		if now.After(expiry) {
			delete(s.seen, k)
		}
	}
}

// WorkerCount reports the running worker set size.
func (s *Scheduler) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}
