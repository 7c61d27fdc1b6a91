package statemanager

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"mmbot-engine-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockWorker is a controllable worker body for testing.
type mockWorker struct {
	started  chan bool
	finished atomic.Bool
	hold     time.Duration
}

func newMockWorker() *mockWorker {
	return &mockWorker{started: make(chan bool, 1)}
}

func (m *mockWorker) run(ctx context.Context) error {
	m.started <- true
	<-ctx.Done()
	// simulate an in-flight order that must complete before the worker returns
	time.Sleep(m.hold)
	m.finished.Store(true)
	return ctx.Err()
}

func startCoordinator(t *testing.T, maxWorkers int) (*Coordinator, context.CancelFunc, chan error) {
	t.Helper()
	c := NewCoordinator(models.CoordinatorConfig{MaxWorkers: maxWorkers}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return c, cancel, done
}

func waitStarted(t *testing.T, w *mockWorker) {
	t.Helper()
	select {
	case <-w.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not start")
	}
}

func TestStartStopWaitsForWorker(t *testing.T) {
	c, _, _ := startCoordinator(t, 0)
	w := newMockWorker()
	w.hold = 50 * time.Millisecond
	key := BotKey(models.KindStabilizer, "b1")

	require.NoError(t, c.Start(key, models.KindStabilizer, w.run))
	waitStarted(t, w)
	assert.True(t, c.IsRunning(key))

	require.NoError(t, c.Stop(context.Background(), key))
	assert.True(t, w.finished.Load(), "Stop returns only after the worker has returned")
	assert.False(t, c.IsRunning(key))
}

func TestDuplicateStartIsRejected(t *testing.T) {
	c, _, _ := startCoordinator(t, 0)
	w := newMockWorker()
	key := BotKey(models.KindScheduled, "s1")

	require.NoError(t, c.Start(key, models.KindScheduled, w.run))
	waitStarted(t, w)
	err := c.Start(key, models.KindScheduled, newMockWorker().run)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Len(t, c.Workers(), 1)
}

func TestMaxWorkersBound(t *testing.T) {
	c, _, _ := startCoordinator(t, 2)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, c.Start(BotKey(models.KindMarketMaker, id), models.KindMarketMaker, newMockWorker().run))
	}
	err := c.Start(BotKey(models.KindMarketMaker, "c"), models.KindMarketMaker, newMockWorker().run)
	assert.ErrorIs(t, err, ErrTooManyWorkers)
}

func TestSelfExitingWorkerIsRemoved(t *testing.T) {
	c, _, _ := startCoordinator(t, 0)
	key := BotKey(models.KindMarketMaker, "m1")
	require.NoError(t, c.Start(key, models.KindMarketMaker, func(ctx context.Context) error { return nil }))

	require.Eventually(t, func() bool { return !c.IsRunning(key) }, time.Second, 5*time.Millisecond)
	// the key can be reused afterwards
	require.NoError(t, c.Start(key, models.KindMarketMaker, newMockWorker().run))
}

func TestPanickingWorkerIsContained(t *testing.T) {
	c, _, _ := startCoordinator(t, 0)
	other := newMockWorker()
	require.NoError(t, c.Start("other", models.KindCondition, other.run))
	waitStarted(t, other)

	require.NoError(t, c.Start("bad", models.KindCondition, func(ctx context.Context) error {
		panic("boom")
	}))

	require.Eventually(t, func() bool { return !c.IsRunning("bad") }, time.Second, 5*time.Millisecond)
	assert.True(t, c.IsRunning("other"))
}

func TestShutdownStopsAllWorkers(t *testing.T) {
	c, cancel, done := startCoordinator(t, 0)
	workers := []*mockWorker{newMockWorker(), newMockWorker()}
	for i, w := range workers {
		require.NoError(t, c.Start(string(rune('a'+i)), models.KindCondition, w.run))
		waitStarted(t, w)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("coordinator did not stop")
	}
	for _, w := range workers {
		assert.True(t, w.finished.Load())
	}
	assert.ErrorIs(t, c.Start("late", models.KindCondition, newMockWorker().run), ErrStopped)
}

func TestStopUnknownKey(t *testing.T) {
	c, _, _ := startCoordinator(t, 0)
	assert.NoError(t, c.Stop(context.Background(), "missing"))
}

func TestStopTimeoutKeepsKeyUntilWorkerReturns(t *testing.T) {
	c, _, _ := startCoordinator(t, 0)
	key := BotKey(models.KindStabilizer, "b1")

	var live, peak atomic.Int32
	body := func(hold time.Duration) WorkerFunc {
		return func(ctx context.Context) error {
			n := live.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			defer live.Add(-1)
			<-ctx.Done()
			time.Sleep(hold)
			return ctx.Err()
		}
	}

	require.NoError(t, c.Start(key, models.KindStabilizer, body(300*time.Millisecond)))
	require.Eventually(t, func() bool { return live.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Stop(ctx, key), context.DeadlineExceeded)

	assert.True(t, c.IsRunning(key), "a cancelled worker still owns its key")
	workers := c.Workers()
	require.Len(t, workers, 1)
	assert.True(t, workers[0].Stopping)
	assert.ErrorIs(t, c.Start(key, models.KindStabilizer, body(0)), ErrAlreadyRunning)

	// stopping again waits for the same worker
	require.NoError(t, c.Stop(context.Background(), key))
	assert.False(t, c.IsRunning(key))
	require.NoError(t, c.Start(key, models.KindStabilizer, body(0)))
	require.NoError(t, c.Stop(context.Background(), key))
	assert.Equal(t, int32(1), peak.Load(), "never two workers for one bot")
}

func TestStartRightAfterStopReusesKey(t *testing.T) {
	c, _, _ := startCoordinator(t, 0)
	key := BotKey(models.KindScheduled, "s1")
	for i := 0; i < 20; i++ {
		w := newMockWorker()
		require.NoError(t, c.Start(key, models.KindScheduled, w.run))
		waitStarted(t, w)
		require.NoError(t, c.Stop(context.Background(), key))
	}
}
