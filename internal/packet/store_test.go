package packet_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/packetguild/internal/packet"
	"github.com/kazz187/packetguild/internal/packet/repositoryimpl"
	"github.com/kazz187/packetguild/internal/strategy"
	"github.com/kazz187/packetguild/pkg/cerr"
	"github.com/kazz187/packetguild/pkg/storage"
)

// gateFunc adapts a function to packet.GateChecker.
type gateFunc func(ctx context.Context, p *packet.TaskPacket, to packet.Phase) error

func (f gateFunc) CheckTransition(ctx context.Context, p *packet.TaskPacket, to packet.Phase) error {
	return f(ctx, p, to)
}

var allowAll = gateFunc(func(context.Context, *packet.TaskPacket, packet.Phase) error { return nil })

func newStore(t *testing.T, gates packet.GateChecker) *packet.Store {
	t.Helper()
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return packet.NewStore(repositoryimpl.NewYAMLRepository(st), gates, nil)
}

func contract() packet.Contract {
	return packet.Contract{
		Title:              "add retry budget",
		Requirements:       []string{"retries are capped"},
		AcceptanceCriteria: []string{"tests cover the cap"},
	}
}

func subtasks() []*packet.Subtask {
	return []*packet.Subtask{
		{ID: "impl", Role: packet.RoleImplementer, Resources: []string{"retry.go"}, TouchesCode: true},
		{ID: "test", Role: packet.RoleTester, Resources: []string{"retry_test.go"}, DependsOn: []string{"impl"}, TouchesCode: true},
	}
}

// toWork drives a packet through PLAN into WORK with a recorded decision.
func toWork(t *testing.T, ctx context.Context, s *packet.Store) *packet.TaskPacket {
	t.Helper()
	p, err := s.Create(ctx, contract())
	require.NoError(t, err)
	_, err = s.AdvancePhase(ctx, p.ID, packet.PhasePlan)
	require.NoError(t, err)
	p, err = s.SetPlan(ctx, p.ID, subtasks(), nil)
	require.NoError(t, err)
	d, err := strategy.Analyze(p.Plan.StrategyInput(), 5)
	require.NoError(t, err)
	_, err = s.RecordDecision(ctx, p.ID, d)
	require.NoError(t, err)
	p, err = s.AdvancePhase(ctx, p.ID, packet.PhaseWork)
	require.NoError(t, err)
	return p
}

func TestStore_Create(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, allowAll)

	p, err := s.Create(ctx, contract())
	require.NoError(t, err)
	assert.Equal(t, packet.PhaseContract, p.Phase)
	assert.NotEmpty(t, p.ID)

	_, err = s.Create(ctx, packet.Contract{Title: "nothing to do"})
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
	_, err = s.Create(ctx, packet.Contract{Requirements: []string{"x"}})
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
}

func TestStore_AdvancePhaseRejectsSkipsAndRegressions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, allowAll)
	p, err := s.Create(ctx, contract())
	require.NoError(t, err)

	for _, target := range []packet.Phase{packet.PhaseWork, packet.PhaseReview, packet.PhaseAcceptance, packet.PhaseContract} {
		_, err := s.AdvancePhase(ctx, p.ID, target)
		require.Error(t, err, target)
		assert.ErrorIs(t, err, packet.ErrPhaseViolation)
		assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
	}
	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, packet.PhaseContract, got.Phase)
	assert.Len(t, got.History, 1)
}

func TestStore_GateViolationLeavesPacketUnchanged(t *testing.T) {
	ctx := context.Background()
	refuse := gateFunc(func(_ context.Context, _ *packet.TaskPacket, to packet.Phase) error {
		if to == packet.PhasePlan {
			return cerr.NewError(cerr.FailedPrecondition, "no", nil).AddDetailMessageWithCode("fix it", "test-gate")
		}
		return nil
	})
	s := newStore(t, refuse)
	p, err := s.Create(ctx, contract())
	require.NoError(t, err)

	_, err = s.AdvancePhase(ctx, p.ID, packet.PhasePlan)
	require.Error(t, err)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, packet.PhaseContract, got.Phase)
	log, err := s.WorkLog(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, log)
}

func TestStore_AcceptanceOnlyThroughFinalize(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, allowAll)
	p := toWork(t, ctx, s)
	_, err := s.AdvancePhase(ctx, p.ID, packet.PhaseReview)
	require.NoError(t, err)

	_, err = s.AdvancePhase(ctx, p.ID, packet.PhaseAcceptance)
	assert.ErrorIs(t, err, packet.ErrPhaseViolation)

	p, err = s.Finalize(ctx, p.ID, "lead")
	require.NoError(t, err)
	assert.Equal(t, packet.PhaseAcceptance, p.Phase)
	assert.True(t, p.Archived)
	require.NotNil(t, p.Acceptance)
	assert.Equal(t, "lead", p.Acceptance.SignedOffBy)

	_, err = s.AppendWorkLog(ctx, p.ID, &packet.WorkLogEntry{Kind: packet.EntryNote, Message: "late"})
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))

	active, err := s.List(ctx, packet.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, active)
	archived, err := s.List(ctx, packet.ListFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestStore_PhaseSequenceIsAlwaysAPrefix(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, allowAll)
	p := toWork(t, ctx, s)

	// Noise: illegal jumps in between legal steps.
	_, _ = s.AdvancePhase(ctx, p.ID, packet.PhasePlan)
	_, _ = s.AdvancePhase(ctx, p.ID, packet.PhaseAcceptance)
	_, err := s.AdvancePhase(ctx, p.ID, packet.PhaseReview)
	require.NoError(t, err)
	_, _ = s.AdvancePhase(ctx, p.ID, packet.PhaseWork)
	_, err = s.Finalize(ctx, p.ID, "lead")
	require.NoError(t, err)

	history, err := s.History(ctx, p.ID)
	require.NoError(t, err)
	snapshots, err := s.Snapshots(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, snapshots, len(history))
	for i, h := range history {
		assert.Equal(t, packet.Phases[i], h.To)
		assert.Equal(t, packet.Phases[i], snapshots[i].Phase)
	}
	assert.Len(t, history, len(packet.Phases))
}

func TestStore_ConcurrentAppendsAreTotallyOrdered(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, allowAll)
	p, err := s.Create(ctx, contract())
	require.NoError(t, err)

	const writers, perWriter = 8, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.AppendWorkLog(ctx, p.ID, &packet.WorkLogEntry{
					Kind:    packet.EntryProgress,
					UnitID:  fmt.Sprintf("u%d", w),
					Message: fmt.Sprintf("step %d", i),
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	entries, err := s.WorkLog(ctx, p.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, writers*perWriter)
	perUnit := map[string]int{}
	for i, e := range entries {
		assert.Equal(t, i+1, e.Seq)
		if i > 0 {
			assert.False(t, e.AppendedAt.Before(entries[i-1].AppendedAt))
		}
		// Each writer's own entries keep their order.
		assert.Equal(t, fmt.Sprintf("step %d", perUnit[e.UnitID]), e.Message)
		perUnit[e.UnitID]++
	}

	tail, err := s.WorkLog(ctx, p.ID, 75)
	require.NoError(t, err)
	assert.Len(t, tail, 5)
}

// flakyStorage fails the next write to failPath once.
type flakyStorage struct {
	storage.Storage
	mu       sync.Mutex
	failPath string
}

func (f *flakyStorage) failNextWrite(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPath = path
}

func (f *flakyStorage) Write(ctx context.Context, path string, data []byte) error {
	f.mu.Lock()
	fail := f.failPath != "" && path == f.failPath
	if fail {
		f.failPath = ""
	}
	f.mu.Unlock()
	if fail {
		return errors.New("disk unavailable")
	}
	return f.Storage.Write(ctx, path, data)
}

func TestStore_RecoversFromFailedPacketSave(t *testing.T) {
	ctx := context.Background()
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	st := &flakyStorage{Storage: local}
	s := packet.NewStore(repositoryimpl.NewYAMLRepository(st), allowAll, nil)

	p, err := s.Create(ctx, contract())
	require.NoError(t, err)

	st.failNextWrite("packets/" + p.ID + ".yaml")
	_, err = s.AppendWorkLog(ctx, p.ID, &packet.WorkLogEntry{Kind: packet.EntryNote, Message: "lost save"})
	require.Error(t, err)

	e, err := s.AppendWorkLog(ctx, p.ID, &packet.WorkLogEntry{Kind: packet.EntryNote, Message: "after recovery"})
	require.NoError(t, err)
	assert.Equal(t, 2, e.Seq)

	p, err = s.AdvancePhase(ctx, p.ID, packet.PhasePlan)
	require.NoError(t, err)
	assert.Equal(t, packet.PhasePlan, p.Phase)
	assert.Equal(t, 3, p.WorkLogSeq)

	entries, err := s.WorkLog(ctx, p.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Seq)
	}
	assert.Equal(t, "lost save", entries[0].Message)
}

func TestStore_SubtaskTransitions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, allowAll)
	p := toWork(t, ctx, s)

	_, err := s.UpdateSubtaskStatus(ctx, p.ID, "impl", packet.SubtaskDone, "")
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition), "PENDING cannot jump to DONE")

	for _, next := range []packet.SubtaskStatus{packet.SubtaskRunning, packet.SubtaskBlocked, packet.SubtaskRunning, packet.SubtaskDone} {
		st, err := s.UpdateSubtaskStatus(ctx, p.ID, "impl", next, "by u1")
		require.NoError(t, err)
		assert.Equal(t, next, st.Status)
	}
	_, err = s.UpdateSubtaskStatus(ctx, p.ID, "impl", packet.SubtaskRunning, "")
	assert.Error(t, err, "terminal subtasks stay terminal")

	_, err = s.UpdateSubtaskStatus(ctx, p.ID, "missing", packet.SubtaskRunning, "")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestStore_PhaseOwnedOperations(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, allowAll)
	p, err := s.Create(ctx, contract())
	require.NoError(t, err)

	_, err = s.SetPlan(ctx, p.ID, subtasks(), nil)
	assert.ErrorIs(t, err, packet.ErrPhaseViolation)
	_, err = s.RecordVerdict(ctx, p.ID, packet.VerdictCodeQuality, packet.VerdictApproved, "r1", "")
	assert.ErrorIs(t, err, packet.ErrPhaseViolation)
	_, err = s.UpdateSubtaskStatus(ctx, p.ID, "impl", packet.SubtaskRunning, "")
	assert.ErrorIs(t, err, packet.ErrPhaseViolation)
}

func TestStore_RecordDecisionKeepsHistory(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, allowAll)
	p, err := s.Create(ctx, contract())
	require.NoError(t, err)
	_, err = s.AdvancePhase(ctx, p.ID, packet.PhasePlan)
	require.NoError(t, err)
	p, err = s.SetPlan(ctx, p.ID, subtasks(), nil)
	require.NoError(t, err)

	d1, err := strategy.Analyze(p.Plan.StrategyInput(), 5)
	require.NoError(t, err)
	_, err = s.RecordDecision(ctx, p.ID, d1)
	require.NoError(t, err)
	d2, err := strategy.Analyze(p.Plan.StrategyInput(), 1)
	require.NoError(t, err)
	p, err = s.RecordDecision(ctx, p.ID, d2)
	require.NoError(t, err)

	assert.Equal(t, 1, p.Plan.Decision.MaxConcurrency)
	assert.Len(t, p.Plan.DecisionHistory, 2)

	_, err = s.RecordDecision(ctx, p.ID, &strategy.Decision{Strategy: strategy.Parallel, WorkerCount: 1})
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument), "decision without rationale")
}

func TestStore_FinalizeMarksReviewIncomplete(t *testing.T) {
	ctx := context.Background()
	reviewGate := gateFunc(func(_ context.Context, p *packet.TaskPacket, to packet.Phase) error {
		if to == packet.PhaseAcceptance && p.Review.Evaluate(p.TouchesCode()) != packet.ReviewApproved {
			return cerr.NewError(cerr.FailedPrecondition, "review incomplete", packet.ErrReviewIncomplete)
		}
		return nil
	})
	s := newStore(t, reviewGate)
	p := toWork(t, ctx, s)
	_, err := s.AdvancePhase(ctx, p.ID, packet.PhaseReview)
	require.NoError(t, err)

	_, err = s.Finalize(ctx, p.ID, "lead")
	require.Error(t, err)
	assert.True(t, errors.Is(err, packet.ErrReviewIncomplete))

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, packet.PhaseReview, got.Phase)
	assert.Equal(t, packet.ReviewIncomplete, got.Review.Outcome)

	_, err = s.RecordVerdict(ctx, p.ID, packet.VerdictTestSufficiency, packet.VerdictApproved, "alice", "")
	require.NoError(t, err)
	_, err = s.RecordVerdict(ctx, p.ID, packet.VerdictCodeQuality, packet.VerdictApproved, "alice", "")
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument), "same reviewer for both verdicts")
	got, err = s.RecordVerdict(ctx, p.ID, packet.VerdictCodeQuality, packet.VerdictApproved, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, packet.ReviewApproved, got.Review.Outcome)

	got, err = s.Finalize(ctx, p.ID, "lead")
	require.NoError(t, err)
	assert.Equal(t, packet.PhaseAcceptance, got.Phase)
}
