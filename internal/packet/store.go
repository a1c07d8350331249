package packet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/packetguild/internal/eventbus"
	"github.com/kazz187/packetguild/internal/strategy"
	"github.com/kazz187/packetguild/pkg/cerr"
)

// GateChecker decides whether p may move to the phase to. A non-nil error
// blocks the transition and is returned to the caller unchanged.
type GateChecker interface {
	CheckTransition(ctx context.Context, p *TaskPacket, to Phase) error
}

// Store owns every mutation of a task packet. Operations on one packet are
// serialized; operations on different packets run concurrently.
type Store struct {
	repo  Repository
	gates GateChecker
	bus   *eventbus.Bus
	locks *keyedMutex
	now   func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(repo Repository, gates GateChecker, bus *eventbus.Bus, opts ...Option) *Store {
	s := &Store{
		repo:  repo,
		gates: gates,
		bus:   bus,
		locks: newKeyedMutex(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Create(ctx context.Context, c Contract) (*TaskPacket, error) {
	if strings.TrimSpace(c.Title) == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "contract needs a title", nil)
	}
	if len(c.Requirements) == 0 && len(c.AcceptanceCriteria) == 0 {
		return nil, cerr.NewError(cerr.InvalidArgument, "contract needs at least one requirement or acceptance criterion", nil)
	}
	now := s.now()
	p := &TaskPacket{
		ID:       ulid.Make().String(),
		Phase:    PhaseContract,
		Contract: c,
		Review: &Review{
			Verdicts: make(map[VerdictKind]*VerdictRecord),
			Outcome:  ReviewPending,
		},
		History:   []PhaseTransition{{Seq: 0, To: PhaseContract, At: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	if err := s.repo.WriteSnapshot(ctx, p, 0); err != nil {
		return nil, err
	}
	s.bus.PublishNew(eventbus.PacketCreated, p.ID, map[string]string{"title": c.Title})
	slog.InfoContext(ctx, "packet: created", "packet_id", p.ID, "title", c.Title)
	return p, nil
}

// AdvancePhase moves the packet to next, which must be the immediate
// successor of its current phase. ACCEPTANCE is only reachable through
// Finalize. On any error the packet is left unchanged.
func (s *Store) AdvancePhase(ctx context.Context, id string, next Phase) (*TaskPacket, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if want, ok := p.Phase.Next(); !ok || p.Archived || next != want {
		return nil, phaseViolation(p.Phase, next)
	}
	if next == PhaseAcceptance {
		return nil, cerr.NewError(cerr.FailedPrecondition, "acceptance is reached through finalize", ErrPhaseViolation).
			AddDetailMessageWithCode("record both review verdicts and finalize the packet", "phase-violation")
	}
	if err := s.checkGates(ctx, p, next); err != nil {
		return nil, err
	}

	from := p.Phase
	if _, err := s.appendLocked(ctx, p, &WorkLogEntry{
		Kind:    EntryPhase,
		Message: fmt.Sprintf("phase %s -> %s", from, next),
	}); err != nil {
		return nil, err
	}
	if err := s.transitionLocked(ctx, p, next); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	s.bus.PublishNew(eventbus.PhaseAdvanced, p.ID, map[string]string{"from": string(from), "to": string(next)})
	slog.InfoContext(ctx, "packet: phase advanced", "packet_id", p.ID, "from", from, "to", next)
	return p, nil
}

// AppendWorkLog appends e and returns it with its sequence number. Packets in
// ACCEPTANCE refuse new entries.
func (s *Store) AppendWorkLog(ctx context.Context, id string, e *WorkLogEntry) (*WorkLogEntry, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	entry, err := s.appendLocked(ctx, p, e)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return entry, nil
}

// SetPlan replaces the plan's subtasks and planning artifacts. A previously
// recorded decision stays in the history but no longer applies.
func (s *Store) SetPlan(ctx context.Context, id string, subtasks []*Subtask, artifacts []string) (*TaskPacket, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Phase != PhasePlan {
		return nil, wrongPhase("setting the plan", PhasePlan, p.Phase)
	}
	if err := validateSubtasks(subtasks); err != nil {
		return nil, err
	}
	now := s.now()
	plan := &Plan{Artifacts: artifacts}
	if p.Plan != nil {
		plan.DecisionHistory = p.Plan.DecisionHistory
	}
	for _, st := range subtasks {
		cp := *st
		cp.PacketID = p.ID
		cp.Status = SubtaskPending
		cp.Independent = false
		cp.UpdatedAt = now
		plan.Subtasks = append(plan.Subtasks, &cp)
	}
	p.Plan = plan
	if _, err := s.appendLocked(ctx, p, &WorkLogEntry{
		Kind:    EntryPlan,
		Message: fmt.Sprintf("plan set with %d subtasks and %d artifacts", len(subtasks), len(artifacts)),
	}); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// AttachArtifact records a persisted planning artifact on the plan.
func (s *Store) AttachArtifact(ctx context.Context, id, location string) (*TaskPacket, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Phase != PhasePlan {
		return nil, wrongPhase("attaching planning artifacts", PhasePlan, p.Phase)
	}
	if p.Plan == nil {
		p.Plan = &Plan{}
	}
	for _, loc := range p.Plan.Artifacts {
		if loc == location {
			return p, nil
		}
	}
	p.Plan.Artifacts = append(p.Plan.Artifacts, location)
	if _, err := s.appendLocked(ctx, p, &WorkLogEntry{Kind: EntryPlan, Message: "artifact attached: " + location}); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// RecordDecision stores d as the plan's current decision. Decisions are
// never edited; recording again replaces the current one and keeps the old
// one in the history.
func (s *Store) RecordDecision(ctx context.Context, id string, d *strategy.Decision) (*TaskPacket, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Phase != PhasePlan {
		return nil, wrongPhase("recording a strategy decision", PhasePlan, p.Phase)
	}
	if p.Plan == nil || len(p.Plan.Subtasks) == 0 {
		return nil, cerr.NewError(cerr.FailedPrecondition, "plan has no subtasks to decide on", nil)
	}
	for subtaskID := range d.Assignments {
		if p.Plan.Subtask(subtaskID) == nil {
			return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("decision assigns unknown subtask %s", subtaskID), nil)
		}
	}
	independent := make(map[string]bool, len(d.Independent))
	for _, sid := range d.Independent {
		independent[sid] = true
	}
	for _, st := range p.Plan.Subtasks {
		st.Independent = independent[st.ID]
	}
	p.Plan.Decision = d
	p.Plan.DecisionHistory = append(p.Plan.DecisionHistory, d)
	if _, err := s.appendLocked(ctx, p, &WorkLogEntry{
		Kind:    EntryDecision,
		Message: fmt.Sprintf("%s with %d workers: %s", d.Strategy, d.WorkerCount, d.Rationale),
	}); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "packet: strategy recorded", "packet_id", p.ID, "strategy", d.Strategy, "workers", d.WorkerCount)
	return p, nil
}

// UpdateSubtaskStatus moves one subtask along its status machine and logs
// the change with note.
func (s *Store) UpdateSubtaskStatus(ctx context.Context, packetID, subtaskID string, status SubtaskStatus, note string) (*Subtask, error) {
	unlock := s.locks.Lock(packetID)
	defer unlock()

	p, err := s.repo.Get(ctx, packetID)
	if err != nil {
		return nil, err
	}
	if p.Phase != PhaseWork {
		return nil, wrongPhase("updating subtask status", PhaseWork, p.Phase)
	}
	st := p.Plan.Subtask(subtaskID)
	if st == nil {
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("subtask %s not found", subtaskID), nil)
	}
	if !st.Status.CanTransition(status) {
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("subtask %s cannot move from %s to %s", subtaskID, st.Status, status), nil)
	}
	from := st.Status
	st.Status = status
	st.UpdatedAt = s.now()
	msg := fmt.Sprintf("%s -> %s", from, status)
	if note != "" {
		msg += ": " + note
	}
	if _, err := s.appendLocked(ctx, p, &WorkLogEntry{
		Kind:      EntryStatus,
		SubtaskID: subtaskID,
		Role:      st.Role,
		Message:   msg,
	}); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	s.bus.PublishNew(eventbus.SubtaskStatusChanged, p.ID, map[string]string{
		"subtask_id": subtaskID, "from": string(from), "to": string(status),
	})
	cp := *st
	return &cp, nil
}

// RecordVerdict stores one of the two review verdicts. The two verdicts
// must come from different reviewers.
func (s *Store) RecordVerdict(ctx context.Context, id string, kind VerdictKind, verdict Verdict, reviewer, notes string) (*TaskPacket, error) {
	if kind != VerdictTestSufficiency && kind != VerdictCodeQuality {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown verdict kind %q", kind), nil)
	}
	if !verdict.Valid() {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown verdict %q", verdict), nil)
	}
	if strings.TrimSpace(reviewer) == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "verdict needs a reviewer", nil)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Phase != PhaseReview {
		return nil, wrongPhase("recording a review verdict", PhaseReview, p.Phase)
	}
	if p.Review == nil {
		p.Review = &Review{}
	}
	if p.Review.Verdicts == nil {
		p.Review.Verdicts = make(map[VerdictKind]*VerdictRecord)
	}
	for other, rec := range p.Review.Verdicts {
		if other != kind && rec.Reviewer == reviewer {
			return nil, cerr.NewError(cerr.InvalidArgument,
				fmt.Sprintf("%s already gave the %s verdict; validations must be independent", reviewer, other), nil)
		}
	}
	p.Review.Verdicts[kind] = &VerdictRecord{Verdict: verdict, Reviewer: reviewer, Notes: notes, RecordedAt: s.now()}
	p.Review.Outcome = p.Review.Evaluate(p.TouchesCode())
	if _, err := s.appendLocked(ctx, p, &WorkLogEntry{
		Kind:    EntryVerdict,
		Role:    RoleValidator,
		Message: fmt.Sprintf("%s verdict %s by %s", kind, verdict, reviewer),
	}); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Finalize moves a packet from REVIEW to ACCEPTANCE and archives it. When the
// review gate refuses, the review outcome is recorded as INCOMPLETE.
func (s *Store) Finalize(ctx context.Context, id, signedOffBy string) (*TaskPacket, error) {
	if strings.TrimSpace(signedOffBy) == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "sign-off needs a name", nil)
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Phase != PhaseReview {
		return nil, phaseViolation(p.Phase, PhaseAcceptance)
	}
	if err := s.checkGates(ctx, p, PhaseAcceptance); err != nil {
		if errors.Is(err, ErrReviewIncomplete) && p.Review != nil && p.Review.Outcome != ReviewIncomplete {
			p.Review.Outcome = ReviewIncomplete
			p.UpdatedAt = s.now()
			if uerr := s.repo.Update(ctx, p); uerr != nil {
				return nil, errors.Join(err, uerr)
			}
		}
		return nil, err
	}

	now := s.now()
	if p.Review != nil {
		p.Review.Outcome = p.Review.Evaluate(p.TouchesCode())
	}
	if _, err := s.appendLocked(ctx, p, &WorkLogEntry{
		Kind:    EntryPhase,
		Message: fmt.Sprintf("phase %s -> %s, signed off by %s", PhaseReview, PhaseAcceptance, signedOffBy),
	}); err != nil {
		return nil, err
	}
	p.Acceptance = &Acceptance{SignedOffBy: signedOffBy, SignedOffAt: now}
	p.Archived = true
	if err := s.transitionLocked(ctx, p, PhaseAcceptance); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	s.bus.PublishNew(eventbus.PhaseAdvanced, p.ID, map[string]string{"from": string(PhaseReview), "to": string(PhaseAcceptance)})
	s.bus.PublishNew(eventbus.PacketArchived, p.ID, map[string]string{"signed_off_by": signedOffBy})
	slog.InfoContext(ctx, "packet: finalized", "packet_id", p.ID, "signed_off_by", signedOffBy)
	return p, nil
}

func (s *Store) Get(ctx context.Context, id string) (*TaskPacket, error) {
	return s.repo.Get(ctx, id)
}

type ListFilter struct {
	// Phase restricts the result when non-empty.
	Phase           Phase
	IncludeArchived bool
}

// List returns packets oldest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*TaskPacket, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*TaskPacket, 0, len(all))
	for _, p := range all {
		if f.Phase != "" && p.Phase != f.Phase {
			continue
		}
		if p.Archived && !f.IncludeArchived && f.Phase != PhaseAcceptance {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// WorkLog returns the entries with a sequence number above sinceSeq.
func (s *Store) WorkLog(ctx context.Context, id string, sinceSeq int) ([]*WorkLogEntry, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListWorkLog(ctx, id, sinceSeq)
}

func (s *Store) History(ctx context.Context, id string) ([]PhaseTransition, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.History, nil
}

// Snapshots returns the packet as it was right after each transition.
func (s *Store) Snapshots(ctx context.Context, id string) ([]*TaskPacket, error) {
	return s.repo.ListSnapshots(ctx, id)
}

func (s *Store) checkGates(ctx context.Context, p *TaskPacket, to Phase) error {
	if s.gates == nil {
		return nil
	}
	err := s.gates.CheckTransition(ctx, p, to)
	if err == nil {
		return nil
	}
	s.bus.PublishNew(eventbus.GateRejected, p.ID, map[string]string{"to": string(to), "kind": ruleIDs(err)})
	slog.InfoContext(ctx, "packet: transition refused", "packet_id", p.ID, "to", to, "error", err)
	return err
}

func (s *Store) appendLocked(ctx context.Context, p *TaskPacket, e *WorkLogEntry) (*WorkLogEntry, error) {
	if p.Phase == PhaseAcceptance {
		return nil, cerr.NewError(cerr.FailedPrecondition, "packet is accepted; its work log is closed", ErrPhaseViolation)
	}
	entry := *e
	entry.PacketID = p.ID
	entry.AppendedAt = s.now()
	for {
		entry.Seq = p.WorkLogSeq + 1
		err := s.repo.AppendWorkLog(ctx, &entry)
		if err == nil {
			break
		}
		if !cerr.IsCode(err, cerr.AlreadyExists) {
			return nil, err
		}
		// An earlier entry reached storage but the packet save after it
		// did not. Keep it and append after it.
		slog.WarnContext(ctx, "packet: adopting orphaned work log entry", "packet_id", p.ID, "seq", entry.Seq)
		p.WorkLogSeq = entry.Seq
	}
	p.WorkLogSeq = entry.Seq
	p.UpdatedAt = entry.AppendedAt
	s.bus.PublishNew(eventbus.WorkLogAppended, p.ID, map[string]string{
		"seq": fmt.Sprint(entry.Seq), "kind": string(entry.Kind),
	})
	return &entry, nil
}

func (s *Store) transitionLocked(ctx context.Context, p *TaskPacket, to Phase) error {
	now := s.now()
	seq := len(p.History)
	p.History = append(p.History, PhaseTransition{Seq: seq, From: p.Phase, To: to, At: now})
	p.Phase = to
	p.UpdatedAt = now
	return s.repo.WriteSnapshot(ctx, p, seq)
}

func validateSubtasks(subtasks []*Subtask) error {
	if len(subtasks) == 0 {
		return cerr.NewError(cerr.InvalidArgument, "plan needs at least one subtask", nil)
	}
	ids := make(map[string]bool, len(subtasks))
	for i, st := range subtasks {
		if st.ID == "" {
			return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("subtask %d has no id", i), nil)
		}
		if ids[st.ID] {
			return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("duplicate subtask id %s", st.ID), nil)
		}
		if !st.Role.Valid() {
			return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("subtask %s has unknown role %q", st.ID, st.Role), nil)
		}
		ids[st.ID] = true
	}
	for _, st := range subtasks {
		for _, dep := range st.DependsOn {
			if !ids[dep] {
				return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("subtask %s depends on unknown subtask %s", st.ID, dep), nil)
			}
		}
	}
	return nil
}

func ruleIDs(err error) string {
	var cErr *cerr.Error
	if !errors.As(err, &cErr) {
		return "unknown"
	}
	var ids []string
	for _, v := range cErr.Violations() {
		ids = append(ids, v.GetRuleId())
	}
	if len(ids) == 0 {
		return "unknown"
	}
	return strings.Join(ids, ",")
}
