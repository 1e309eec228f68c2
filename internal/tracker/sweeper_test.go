package tracker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airlift/spaces/internal/tracker"
)

func TestSweeper_Sweep(t *testing.T) {
	ctx := context.Background()

	t.Run("one pass evicts stale connections and runs the owner check", func(t *testing.T) {
		tr := tracker.New()
		var evicted []tracker.Conn
		tr.OnEvict(func(ctx context.Context, c tracker.Conn) {
			evicted = append(evicted, c)
		})
		ownerChecks := 0
		sw := tracker.NewSweeper(tr, tracker.Hooks{
			StopAbandoned: func(ctx context.Context) { ownerChecks++ },
		}, time.Minute, time.Minute, 10*time.Millisecond)

		tr.Register("c1", "bob", "chan-1", 3, &fakeSender{})
		time.Sleep(20 * time.Millisecond)

		sw.Sweep(ctx)
		require.Len(t, evicted, 1)
		assert.Equal(t, "c1", evicted[0].ID)
		assert.Equal(t, 1, ownerChecks)
	})

	t.Run("run loop fires the dedupe pass and stops with the context", func(t *testing.T) {
		tr := tracker.New()
		dedupes := make(chan struct{}, 8)
		sw := tracker.NewSweeper(tr, tracker.Hooks{
			DedupeAll: func(ctx context.Context) { dedupes <- struct{}{} },
		}, time.Hour, 5*time.Millisecond, time.Hour)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			sw.Run(ctx)
			close(done)
		}()

		select {
		case <-dedupes:
		case <-time.After(time.Second):
			t.Fatal("dedupe pass never ran")
		}
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("sweeper did not stop")
		}
	})
}
