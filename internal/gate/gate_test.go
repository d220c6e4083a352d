package gate_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"

	"github.com/moodle-backup/exportd/internal/gate"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// admissions records the order in which goroutines got their slot.
type admissions struct {
	mx    sync.Mutex
	order []int
}

func (a *admissions) add(i int) {
	a.mx.Lock()
	defer a.mx.Unlock()
	a.order = append(a.order, i)
}

func (a *admissions) get() []int {
	a.mx.Lock()
	defer a.mx.Unlock()
	return append([]int(nil), a.order...)
}

// acquireInOrder starts one acquirer per index and waits until each one is
// either admitted or queued before starting the next.
func acquireInOrder(t *testing.T, g *gate.Gate, n int, got *admissions) {
	t.Helper()
	for i := range n {
		go func() {
			if err := g.Acquire(context.Background()); err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			if g.Held() > g.Capacity() {
				t.Errorf("held %d above capacity %d", g.Held(), g.Capacity())
			}
			got.add(i)
		}()
		synctest.Wait()
	}
}

func TestGateFIFO(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		capacity int
		callers  int
	}{
		{"capacity 1", 1, 5},
		{"capacity 2", 2, 6},
		{"capacity 3", 3, 4},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				g := gate.New("test", tt.capacity)
				var got admissions
				acquireInOrder(t, g, tt.callers, &got)

				expected := make([]int, 0, tt.callers)
				for i := range tt.capacity {
					expected = append(expected, i)
				}
				require.Equal(t, expected, got.get())
				require.Equal(t, tt.capacity, g.Held())
				require.Equal(t, tt.callers-tt.capacity, g.Waiting())

				for next := tt.capacity; next < tt.callers; next++ {
					g.Release()
					synctest.Wait()
					expected = append(expected, next)
					require.Equal(t, expected, got.get())
					require.Equal(t, tt.capacity, g.Held())
				}

				for range tt.capacity {
					g.Release()
				}
				require.Zero(t, g.Held())
				require.Zero(t, g.Waiting())
			})
		})
	}
}

func TestGateNoBarging(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		g := gate.New("test", 1)
		var got admissions
		acquireInOrder(t, g, 2, &got) // 0 holds, 1 queued
		require.Equal(t, []int{0}, got.get())

		// the slot freed by 0 belongs to 1 even though 2 arrives right away
		g.Release()
		go func() {
			if err := g.Acquire(context.Background()); err != nil {
				t.Errorf("acquire 2: %v", err)
				return
			}
			got.add(2)
		}()
		synctest.Wait()
		require.Equal(t, []int{0, 1}, got.get())
		require.Equal(t, 1, g.Waiting())

		g.Release()
		synctest.Wait()
		require.Equal(t, []int{0, 1, 2}, got.get())
		g.Release()
	})
}

func TestGateDo(t *testing.T) {
	t.Parallel()
	g := gate.New("test", 1)

	t.Run("error", func(t *testing.T) {
		boom := errors.New("boom")
		err := g.Do(t.Context(), func(context.Context) error {
			require.Equal(t, 1, g.Held())
			return boom
		})
		require.ErrorIs(t, err, boom)
		require.Zero(t, g.Held())
	})

	t.Run("panic", func(t *testing.T) {
		func() {
			defer func() {
				require.NotNil(t, recover())
			}()
			_ = g.Do(t.Context(), func(context.Context) error {
				panic("boom")
			})
		}()
		require.Zero(t, g.Held())
	})

	t.Run("slot reusable", func(t *testing.T) {
		called := false
		err := g.Do(t.Context(), func(context.Context) error {
			called = true
			return nil
		})
		require.NoError(t, err)
		require.True(t, called)
	})
}

func TestGateCancelWhileQueued(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		g := gate.New("test", 1)
		require.NoError(t, g.Acquire(context.Background()))

		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() {
			errc <- g.Acquire(ctx)
		}()
		synctest.Wait()
		require.Equal(t, 1, g.Waiting())

		cancel()
		err := <-errc
		require.ErrorIs(t, err, context.Canceled)
		require.Zero(t, g.Waiting())
		require.Equal(t, 1, g.Held())

		g.Release()
		require.NoError(t, g.Acquire(context.Background()))
		g.Release()
	})
}

func TestNewInvalidCapacity(t *testing.T) {
	t.Parallel()
	require.Panics(t, func() { gate.New("test", 0) })
}
