package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/moodle-backup/exportd/internal/artifact"
)

// Retention removes bundles once they are older than a fixed duration.
// Records are never removed.
type Retention struct {
	store *artifact.Store
	after time.Duration

	mx     sync.Mutex
	gen    uint64
	timers map[string]retentionTimer
	closed bool
}

type retentionTimer struct {
	timer *time.Timer
	gen   uint64
}

func NewRetention(store *artifact.Store, after time.Duration) *Retention {
	return &Retention{
		store:  store,
		after:  after,
		timers: make(map[string]retentionTimer),
	}
}

func (r *Retention) After() time.Duration {
	return r.after
}

// Arm schedules the removal of the bundle of fp, replacing a pending one.
func (r *Retention) Arm(ctx context.Context, fp string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.armLocked(ctx, fp)
}

func (r *Retention) armLocked(ctx context.Context, fp string) {
	if r.closed {
		return
	}
	if prev, ok := r.timers[fp]; ok {
		prev.timer.Stop()
	}
	r.gen++
	gen := r.gen
	r.timers[fp] = retentionTimer{
		timer: time.AfterFunc(r.after, func() { r.expire(ctx, fp, gen) }),
		gen:   gen,
	}
}

// Keep reports whether the bundle of fp exists and makes sure its removal is
// scheduled. A pending removal keeps its deadline. Keep and Delete exclude
// each other, so a kept bundle is deleted only after Keep returned.
func (r *Retention) Keep(ctx context.Context, fp string) (bool, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	exists, err := r.store.BundleExists(fp)
	if err != nil || !exists {
		return false, err
	}
	if _, ok := r.timers[fp]; !ok {
		r.armLocked(ctx, fp)
	}
	return true, nil
}

// Pending reports whether a removal of fp is scheduled.
func (r *Retention) Pending(fp string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	_, ok := r.timers[fp]
	return ok
}

func (r *Retention) expire(ctx context.Context, fp string, gen uint64) {
	r.mx.Lock()
	if t, ok := r.timers[fp]; !ok || t.gen != gen {
		r.mx.Unlock()
		return
	}
	delete(r.timers, fp)
	r.mx.Unlock()

	removed, err := r.store.RemoveBundle(fp)
	if err != nil {
		slog.ErrorContext(ctx, "bundle expiration failed", "fingerprint", fp, "error", err)
		return
	}
	if removed {
		slog.InfoContext(ctx, "bundle expired", "fingerprint", fp, "after", r.after.String())
	}
}

// Delete cancels the pending removal of fp and removes the bundle now.
// Deleting a missing bundle is not an error.
func (r *Retention) Delete(fp string) (bool, error) {
	r.mx.Lock()
	if t, ok := r.timers[fp]; ok {
		t.timer.Stop()
		delete(r.timers, fp)
	}
	removed, err := r.store.RemoveBundle(fp)
	r.mx.Unlock()
	return removed, err
}

// Close stops every pending timer. Bundles left behind are reclaimed by
// Supervisor.Sweep on the next start.
func (r *Retention) Close() {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.closed = true
	for fp, t := range r.timers {
		t.timer.Stop()
		delete(r.timers, fp)
	}
}
