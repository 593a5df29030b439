// Package reconcile delivers completions recorded while offline to the
// backend once connectivity returns.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/time/rate"

	"github.com/imjasonh/offlinefirst/offline"
)

// Backend records completions.
type Backend interface {
	// RecordCompletion must be idempotent for the same task completion.
	RecordCompletion(ctx context.Context, t offline.Task) error
}

// Result counts the outcome of one sync.
type Result struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// DefaultRPS bounds deliveries per second.
const DefaultRPS = 5

// Options configures a Worker.
type Options struct {
	Store   *offline.Store
	Backend Backend
	// RPS limits deliveries per second. Zero selects DefaultRPS.
	RPS float64
	Now func() time.Time
}

// Worker syncs pending completions on every offline to online transition.
type Worker struct {
	store   *offline.Store
	backend Backend
	limiter *rate.Limiter
	now     func() time.Time

	mu     sync.Mutex
	online bool
	last   Result

	// syncMu serializes syncs so one completion is never delivered twice
	// concurrently.
	syncMu sync.Mutex
	wg     sync.WaitGroup
}

// New creates a worker. It starts offline, so the first observed online
// state triggers a sync.
func New(opts Options) *Worker {
	rps := opts.RPS
	if rps <= 0 {
		rps = DefaultRPS
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Worker{
		store:   opts.Store,
		backend: opts.Backend,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		now:     now,
	}
}

// Online reports the last observed connectivity.
func (w *Worker) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

// LastResult returns the result of the most recent finished sync.
func (w *Worker) LastResult() Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// SetOnline records connectivity. Only a transition from offline to online
// starts a sync, which runs in the background; the return value reports
// whether one was started.
func (w *Worker) SetOnline(ctx context.Context, online bool) bool {
	w.mu.Lock()
	was := w.online
	w.online = online
	w.mu.Unlock()

	if !online || was {
		if was && !online {
			clog.FromContext(ctx).Infof("connectivity lost")
		}
		return false
	}

	clog.FromContext(ctx).Infof("connectivity restored, syncing pending completions")
	ctx = context.WithoutCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if _, err := w.Sync(ctx); err != nil {
			clog.FromContext(ctx).Warnf("background sync: %v", err)
		}
	}()
	return true
}

// Sync delivers every pending completion. Delivered completions are marked
// synced; failed ones stay pending for the next sync. A sync with nothing
// pending does nothing.
func (w *Worker) Sync(ctx context.Context) (Result, error) {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	var res Result
	defer func() {
		w.mu.Lock()
		w.last = res
		w.mu.Unlock()
	}()

	pending := w.store.Pending(ctx)
	if len(pending) == 0 {
		return res, nil
	}

	log := clog.FromContext(ctx)
	for _, t := range pending {
		if err := w.limiter.Wait(ctx); err != nil {
			return res, err
		}
		if err := w.backend.RecordCompletion(ctx, t); err != nil {
			log.Warnf("delivering completion of %s: %v", t.ID, err)
			res.Failed++
			continue
		}
		if err := w.store.MarkSynced(ctx, t.ID, w.now()); err != nil {
			// The task was cleared while syncing.
			log.Debugf("marking %s synced: %v", t.ID, err)
		}
		res.Delivered++
	}

	log.Infof("sync finished: %d delivered, %d failed", res.Delivered, res.Failed)
	return res, nil
}

// Wait blocks until background syncs started by SetOnline have finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}
