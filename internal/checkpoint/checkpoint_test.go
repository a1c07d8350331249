package checkpoint_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/packetguild/internal/checkpoint"
	"github.com/kazz187/packetguild/pkg/cerr"
	"github.com/kazz187/packetguild/pkg/storage"
)

type fakeTicker struct{ ch chan time.Time }

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               {}

func tickerAt(times ...time.Time) func(time.Duration) checkpoint.Ticker {
	ch := make(chan time.Time, len(times))
	for _, t := range times {
		ch <- t
	}
	return func(time.Duration) checkpoint.Ticker { return &fakeTicker{ch: ch} }
}

type fakeWorkers struct {
	mu      sync.Mutex
	states  []checkpoint.WorkerState
	counter int
	blocked []string
}

func (f *fakeWorkers) SetCheckpoint(counter int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter = counter
}

func (f *fakeWorkers) Workers() []checkpoint.WorkerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]checkpoint.WorkerState(nil), f.states...)
}

func (f *fakeWorkers) MarkBlocked(_ context.Context, unitID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = append(f.blocked, unitID)
	for i := range f.states {
		if f.states[i].UnitID == unitID {
			f.states[i].Blocked = true
			f.states[i].Status = "blocked"
		}
	}
	return nil
}

func (f *fakeWorkers) finishAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.states {
		f.states[i].Terminal = true
		f.states[i].Status = "done"
	}
}

func newSlot(t *testing.T) (*checkpoint.Slot, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)
	return checkpoint.NewSlot(st), dir
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestSlot_ReadBeforeFirstTick(t *testing.T) {
	slot, _ := newSlot(t)
	cp, err := slot.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Checkpoint{}, cp)
	seen, err := slot.LastSeen(context.Background())
	require.NoError(t, err)
	assert.Zero(t, seen)
}

func TestTimer_WritesMaxTicksThenHalts(t *testing.T) {
	ctx := context.Background()
	slot, _ := newSlot(t)
	timer, err := checkpoint.NewTimer(slot, 30*time.Second, 3,
		checkpoint.WithTicker(tickerAt(t0.Add(30*time.Second), t0.Add(60*time.Second), t0.Add(90*time.Second), t0.Add(120*time.Second))))
	require.NoError(t, err)

	require.NoError(t, timer.Run(ctx))

	cp, err := slot.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, cp.Counter)
	assert.Equal(t, "2026-03-01T09:01:30Z", cp.Timestamp)
	assert.Equal(t, "checkpoint 3/3", cp.Message)
	assert.True(t, cp.Final)
}

func TestTimer_RestartAfterExhaustionKeepsCounting(t *testing.T) {
	ctx := context.Background()
	slot, _ := newSlot(t)
	first, err := checkpoint.NewTimer(slot, 30*time.Second, 3,
		checkpoint.WithTicker(tickerAt(t0.Add(30*time.Second), t0.Add(60*time.Second), t0.Add(90*time.Second))))
	require.NoError(t, err)
	require.NoError(t, first.Run(ctx))

	workers := &fakeWorkers{states: []checkpoint.WorkerState{{UnitID: "u1", Status: "running", ProgressCounter: 3}}}
	now := t0.Add(95 * time.Second)
	m, err := checkpoint.NewMonitor(slot, workers, 30*time.Second, 3,
		checkpoint.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	_, err = m.Check(ctx)
	require.NoError(t, err)
	_, err = m.Check(ctx)
	require.ErrorIs(t, err, checkpoint.ErrCheckpointStale)

	restarted, err := checkpoint.NewTimer(slot, 30*time.Second, 3,
		checkpoint.WithTicker(tickerAt(t0.Add(time.Hour), t0.Add(time.Hour+30*time.Second), t0.Add(time.Hour+time.Minute))))
	require.NoError(t, err)
	require.NoError(t, restarted.Run(ctx))

	cp, err := slot.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, cp.Counter)
	assert.Equal(t, "checkpoint 6/6", cp.Message)
	assert.True(t, cp.Final)

	now = t0.Add(time.Hour + 65*time.Second)
	r, err := m.Check(ctx)
	require.NoError(t, err)
	assert.True(t, r.Pass, "checkpoints from the restarted timer drive a new pass")
	assert.Equal(t, 6, r.LastSeen)
}

func TestMonitor_NotStaleWhileRestartedTimerTicks(t *testing.T) {
	ctx := context.Background()
	slot, _ := newSlot(t)
	require.NoError(t, slot.Write(ctx, checkpoint.Checkpoint{Counter: 3, Timestamp: t0.Format(time.RFC3339), Final: true}))
	require.NoError(t, slot.SetLastSeen(ctx, 3))

	timer, err := checkpoint.NewTimer(slot, 30*time.Second, 3, checkpoint.WithTicker(tickerAt(t0.Add(30*time.Second))))
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- timer.Run(ctx) }()
	require.Eventually(t, func() bool {
		cp, err := slot.Read(ctx)
		return err == nil && cp.Counter == 4
	}, 5*time.Second, 10*time.Millisecond)
	timer.Stop()
	require.NoError(t, <-done)

	workers := &fakeWorkers{states: []checkpoint.WorkerState{{UnitID: "u1", Status: "running", ProgressCounter: 3}}}
	m, err := checkpoint.NewMonitor(slot, workers, 30*time.Second, 3,
		checkpoint.WithClock(func() time.Time { return t0.Add(40 * time.Second) }))
	require.NoError(t, err)
	r, err := m.Check(ctx)
	require.NoError(t, err)
	assert.True(t, r.Pass)
	_, err = m.Check(ctx)
	assert.NoError(t, err, "counter 4 of 6 is neither final nor silent")

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Exhausted)
}

func TestTimer_ResumesAfterPersistedCounter(t *testing.T) {
	ctx := context.Background()
	slot, _ := newSlot(t)
	require.NoError(t, slot.Write(ctx, checkpoint.Checkpoint{Counter: 7, Timestamp: t0.Format(time.RFC3339)}))

	timer, err := checkpoint.NewTimer(slot, time.Second, 1, checkpoint.WithTicker(tickerAt(t0.Add(time.Second))))
	require.NoError(t, err)
	require.NoError(t, timer.Run(ctx))

	cp, err := slot.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, cp.Counter)
}

func TestTimer_Stop(t *testing.T) {
	slot, _ := newSlot(t)
	timer, err := checkpoint.NewTimer(slot, time.Hour, 10)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- timer.Run(context.Background()) }()
	timer.Stop()
	timer.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not stop")
	}
}

func TestNewTimer_RejectsNonPositive(t *testing.T) {
	slot, _ := newSlot(t)
	_, err := checkpoint.NewTimer(slot, 0, 10)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
	_, err = checkpoint.NewTimer(slot, time.Second, 0)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
	_, err = checkpoint.NewMonitor(slot, nil, time.Second, -1)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
}

func TestSlot_AdvanceLastSeen(t *testing.T) {
	ctx := context.Background()
	slot, _ := newSlot(t)

	require.NoError(t, slot.AdvanceLastSeen(ctx, 0, 2))
	err := slot.AdvanceLastSeen(ctx, 0, 3)
	assert.ErrorIs(t, err, checkpoint.ErrLastSeenMoved)
	assert.True(t, cerr.IsCode(err, cerr.Aborted))

	seen, err := slot.LastSeen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, seen)
}

func TestMonitor_SharedSlotRunsOnePassPerCounter(t *testing.T) {
	ctx := context.Background()
	slot, _ := newSlot(t)
	require.NoError(t, slot.Write(ctx, checkpoint.Checkpoint{Counter: 5, Timestamp: t0.Format(time.RFC3339)}))

	var passes atomic.Int32
	workers := &fakeWorkers{states: []checkpoint.WorkerState{{UnitID: "u1", Status: "running", ProgressCounter: 5}}}
	monitors := make([]*checkpoint.Monitor, 4)
	for i := range monitors {
		m, err := checkpoint.NewMonitor(slot, workers, 30*time.Second, 1200,
			checkpoint.WithClock(func() time.Time { return t0.Add(time.Second) }),
			checkpoint.WithPassHook(func(context.Context, *checkpoint.Report) { passes.Add(1) }))
		require.NoError(t, err)
		monitors[i] = m
	}

	var wg sync.WaitGroup
	for _, m := range monitors {
		wg.Add(1)
		go func(m *checkpoint.Monitor) {
			defer wg.Done()
			_, err := m.Check(ctx)
			assert.NoError(t, err)
		}(m)
	}
	wg.Wait()

	assert.Equal(t, int32(1), passes.Load())
	seen, err := slot.LastSeen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, seen)
}

func TestMonitor_IdempotentWithoutNewTick(t *testing.T) {
	ctx := context.Background()
	slot, _ := newSlot(t)
	require.NoError(t, slot.Write(ctx, checkpoint.Checkpoint{Counter: 1, Timestamp: t0.Format(time.RFC3339)}))

	var passes atomic.Int32
	workers := &fakeWorkers{states: []checkpoint.WorkerState{{UnitID: "u1", Status: "running"}}}
	m, err := checkpoint.NewMonitor(slot, workers, 30*time.Second, 1200,
		checkpoint.WithClock(func() time.Time { return t0.Add(10 * time.Second) }),
		checkpoint.WithPassHook(func(context.Context, *checkpoint.Report) { passes.Add(1) }))
	require.NoError(t, err)

	r, err := m.Check(ctx)
	require.NoError(t, err)
	assert.True(t, r.Pass)
	assert.Equal(t, 1, r.LastSeen)
	assert.Equal(t, 1, workers.counter)

	r, err = m.Check(ctx)
	require.NoError(t, err)
	assert.False(t, r.Pass)
	assert.Equal(t, int32(1), passes.Load())

	seen, err := slot.LastSeen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestMonitor_StaleAfterTimerHalts(t *testing.T) {
	ctx := context.Background()
	slot, _ := newSlot(t)
	timer, err := checkpoint.NewTimer(slot, 30*time.Second, 3,
		checkpoint.WithTicker(tickerAt(t0.Add(30*time.Second), t0.Add(60*time.Second), t0.Add(90*time.Second))))
	require.NoError(t, err)
	require.NoError(t, timer.Run(ctx))

	workers := &fakeWorkers{states: []checkpoint.WorkerState{
		{UnitID: "u1", Status: "running", ProgressCounter: 3},
		{UnitID: "u2", Status: "done", Terminal: true},
	}}
	m, err := checkpoint.NewMonitor(slot, workers, 30*time.Second, 3,
		checkpoint.WithClock(func() time.Time { return t0.Add(95 * time.Second) }))
	require.NoError(t, err)

	r, err := m.Check(ctx)
	require.NoError(t, err)
	assert.True(t, r.Pass)
	assert.Equal(t, 1, r.Active())

	_, err = m.Check(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, checkpoint.ErrCheckpointStale)
	assert.True(t, cerr.IsCode(err, cerr.Unavailable))

	workers.finishAll()
	r, err = m.Check(ctx)
	require.NoError(t, err)
	assert.False(t, r.Pass)
}

func TestMonitor_StaleWhenSilent(t *testing.T) {
	ctx := context.Background()
	slot, _ := newSlot(t)
	require.NoError(t, slot.Write(ctx, checkpoint.Checkpoint{Counter: 2, Timestamp: t0.Format(time.RFC3339)}))
	require.NoError(t, slot.SetLastSeen(ctx, 2))
	workers := &fakeWorkers{states: []checkpoint.WorkerState{{UnitID: "u1", Status: "running", ProgressCounter: 2}}}

	for _, tc := range []struct {
		elapsed time.Duration
		stale   bool
	}{
		{elapsed: 50 * time.Second, stale: false},
		{elapsed: 60 * time.Second, stale: false},
		{elapsed: 61 * time.Second, stale: true},
	} {
		now := t0.Add(-time.Minute)
		m, err := checkpoint.NewMonitor(slot, workers, 30*time.Second, 1200,
			checkpoint.WithClock(func() time.Time { return now }))
		require.NoError(t, err)
		now = t0.Add(tc.elapsed)

		_, err = m.Check(ctx)
		assert.Equal(t, tc.stale, errors.Is(err, checkpoint.ErrCheckpointStale), "elapsed %s", tc.elapsed)
	}
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, checkpoint.SeverityNormal, checkpoint.SeverityFor(0))
	assert.Equal(t, checkpoint.SeverityEscalate, checkpoint.SeverityFor(40))

	// Each boundary: the last tick count of one grade and the first of the next.
	for _, tc := range []struct {
		last, first      int
		below, atOrAbove checkpoint.Severity
	}{
		{last: 3, first: 4, below: checkpoint.SeverityNormal, atOrAbove: checkpoint.SeverityInvestigate},
		{last: 6, first: 7, below: checkpoint.SeverityInvestigate, atOrAbove: checkpoint.SeverityStuck},
		{last: 10, first: 11, below: checkpoint.SeverityStuck, atOrAbove: checkpoint.SeverityEscalate},
	} {
		assert.Equal(t, tc.below, checkpoint.SeverityFor(tc.last), "ticks %d", tc.last)
		assert.Equal(t, tc.atOrAbove, checkpoint.SeverityFor(tc.first), "ticks %d", tc.first)
	}
}

func TestMonitor_EscalatesSilentWorkers(t *testing.T) {
	ctx := context.Background()
	slot, _ := newSlot(t)
	require.NoError(t, slot.Write(ctx, checkpoint.Checkpoint{Counter: 12, Timestamp: t0.Format(time.RFC3339)}))
	workers := &fakeWorkers{states: []checkpoint.WorkerState{
		{UnitID: "fresh", Status: "running", ProgressCounter: 11},
		{UnitID: "slow", Status: "running", ProgressCounter: 7},
		{UnitID: "silent", Status: "running", ProgressCounter: 1},
		{UnitID: "finished", Status: "done", Terminal: true},
	}}
	m, err := checkpoint.NewMonitor(slot, workers, 30*time.Second, 1200)
	require.NoError(t, err)

	r, err := m.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"silent"}, r.Escalated)
	assert.Equal(t, []string{"silent"}, workers.blocked)

	sev := map[string]checkpoint.Severity{}
	for _, a := range r.Workers {
		sev[a.UnitID] = a.Severity
	}
	assert.Equal(t, checkpoint.SeverityNormal, sev["fresh"])
	assert.Equal(t, checkpoint.SeverityInvestigate, sev["slow"])
	assert.Equal(t, checkpoint.SeverityEscalate, sev["silent"])
}

func TestWatchSlot(t *testing.T) {
	slot, dir := newSlot(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- checkpoint.WatchSlot(ctx, dir, func(context.Context) { calls.Add(1) })
	}()

	require.Eventually(t, func() bool {
		_ = slot.Write(ctx, checkpoint.Checkpoint{Counter: 1, Timestamp: t0.Format(time.RFC3339)})
		return calls.Load() > 0
	}, 5*time.Second, 200*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
