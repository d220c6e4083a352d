// Package gate implements a counting admission gate with first-come,
// first-served ordering.
//
// A Gate has a fixed capacity. Acquire either proceeds immediately or queues
// the calling goroutine. Release hands the freed slot to the longest waiting
// acquirer before any newcomer can take it, so a caller that arrives earlier is
// never admitted after one that arrives later.
//
// Every successful Acquire must be paired with exactly one Release. Do is the
// preferred form: the slot is released on every exit path of the callback,
// including a panic.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

type Gate struct {
	name     string
	capacity int64
	sem      *semaphore.Weighted
	held     atomic.Int64
	waiting  atomic.Int64
}

// New returns a gate admitting at most capacity concurrent holders. It panics
// when capacity is lower than one.
func New(name string, capacity int) *Gate {
	if capacity < 1 {
		panic(fmt.Sprintf("gate %s: capacity must be positive, got %d", name, capacity))
	}
	return &Gate{
		name:     name,
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
	}
}

// Acquire blocks until a slot is granted. It returns an error only when ctx is
// done before that, in which case no slot is held.
func (g *Gate) Acquire(ctx context.Context) error {
	waiting := g.waiting.Add(1)
	if g.held.Load() >= g.capacity {
		slog.DebugContext(ctx, "gate full: queueing", "gate", g.name, "waiting", waiting)
	}
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return fmt.Errorf("gate %s: %w", g.name, err)
	}
	g.held.Add(1)
	return nil
}

// Release returns a slot acquired by Acquire. Releasing a slot which is not
// held panics.
func (g *Gate) Release() {
	g.held.Add(-1)
	g.sem.Release(1)
}

// Do runs fn while holding a slot.
func (g *Gate) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn(ctx)
}

func (g *Gate) Name() string {
	return g.name
}

func (g *Gate) Capacity() int {
	return int(g.capacity)
}

// Held returns the number of granted slots.
func (g *Gate) Held() int {
	return int(g.held.Load())
}

// Waiting returns the number of queued acquirers.
func (g *Gate) Waiting() int {
	return int(g.waiting.Load())
}
