// Package dispatch runs the subtasks of a task packet on bounded worker
// units that share one workspace.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/semaphore"

	"github.com/kazz187/packetguild/internal/checkpoint"
	"github.com/kazz187/packetguild/internal/eventbus"
	"github.com/kazz187/packetguild/internal/packet"
	"github.com/kazz187/packetguild/internal/strategy"
	"github.com/kazz187/packetguild/pkg/cerr"
	"github.com/kazz187/packetguild/pkg/clog"
	"github.com/kazz187/packetguild/pkg/panicerr"
)

// PacketStore is the part of the packet store workers write through.
type PacketStore interface {
	Get(ctx context.Context, id string) (*packet.TaskPacket, error)
	UpdateSubtaskStatus(ctx context.Context, packetID, subtaskID string, status packet.SubtaskStatus, note string) (*packet.Subtask, error)
	AppendWorkLog(ctx context.Context, id string, e *packet.WorkLogEntry) (*packet.WorkLogEntry, error)
}

type DispatchChecker interface {
	CheckDispatch(p *packet.TaskPacket) error
}

// WorkerBlockedError is returned by a lane that halted on a blocked
// subtask. It matches ErrBlocked.
type WorkerBlockedError struct {
	UnitID    string
	SubtaskID string
	Reason    string
}

func (e *WorkerBlockedError) Error() string {
	return fmt.Sprintf("unit %s blocked on subtask %s: %s", e.UnitID, e.SubtaskID, e.Reason)
}

func (e *WorkerBlockedError) Is(target error) bool {
	return target == ErrBlocked
}

type Dispatcher struct {
	store          PacketStore
	gates          DispatchChecker
	registry       *Registry
	workspace      *Workspace
	maxConcurrency int
	slots          *semaphore.Weighted
	claims         *claimTable
	bus            *eventbus.Bus
	now            func() time.Time
	counter        atomic.Int64

	mu       sync.RWMutex
	units    map[string]*Unit
	order    []string
	batches  []*Batch
	reported map[string]bool
}

var _ checkpoint.Workers = (*Dispatcher)(nil)

type Option func(*Dispatcher)

func WithBus(bus *eventbus.Bus) Option {
	return func(d *Dispatcher) { d.bus = bus }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(store PacketStore, gates DispatchChecker, registry *Registry, workspace *Workspace, maxConcurrency int, opts ...Option) (*Dispatcher, error) {
	if maxConcurrency < 1 {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("max concurrency must be positive, got %d", maxConcurrency), nil)
	}
	d := &Dispatcher{
		store:          store,
		gates:          gates,
		registry:       registry,
		workspace:      workspace,
		maxConcurrency: maxConcurrency,
		slots:          semaphore.NewWeighted(int64(maxConcurrency)),
		claims:         newClaimTable(),
		now:            time.Now,
		units:          make(map[string]*Unit),
		reported:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch starts the pending subtasks of a packet in WORK and returns
// without waiting for them. A nil decision uses the plan's recorded one, or
// analyzes a plan too small to need one.
func (d *Dispatcher) Dispatch(ctx context.Context, packetID string, decision *strategy.Decision) (*Batch, error) {
	p, err := d.activePacket(ctx, packetID)
	if err != nil {
		return nil, err
	}
	if decision == nil {
		decision = p.Plan.Decision
	}
	if decision == nil {
		decision, err = strategy.Analyze(p.Plan.StrategyInput(), d.maxConcurrency)
		if err != nil {
			return nil, err
		}
	}
	if err := decision.Validate(); err != nil {
		return nil, err
	}
	for _, id := range decision.Ordered() {
		if p.Plan.Subtask(id) == nil {
			return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("decision names unknown subtask %s", id), nil)
		}
	}

	lanes, moved := demoteOverlaps(decision.Lanes, p.Plan)
	for _, m := range moved {
		d.recordMisclassification(ctx, p.ID, m.subtask, m.overlaps, m.resource,
			fmt.Sprintf("subtask %s shares %s with %s; moved from lane %d behind lane %d", m.subtask, m.resource, m.overlaps, m.from, m.to))
	}
	chain := pendingOnly(p.Plan, decision.Chain)
	var runLanes [][]string
	if len(chain) > 0 {
		runLanes = append(runLanes, chain)
	}
	for _, l := range lanes {
		if l = pendingOnly(p.Plan, l); len(l) > 0 {
			runLanes = append(runLanes, l)
		}
	}
	if len(runLanes) == 0 {
		return nil, cerr.NewError(cerr.FailedPrecondition, fmt.Sprintf("packet %s has no pending subtasks", p.ID), nil)
	}

	b := d.newBatch(p.ID, decision.Strategy)
	run := context.WithoutCancel(ctx)
	go func() {
		var errs []error
		if len(chain) > 0 {
			// The chain runs to completion or a block before the independent batch.
			if err := d.runLane(run, b, p, 0, chain, ""); err != nil {
				errs = append(errs, err)
			}
			runLanes = runLanes[1:]
		}
		offset := len(chain) > 0
		pl := pool.New().WithContext(run).WithMaxGoroutines(d.maxConcurrency)
		for i, lane := range runLanes {
			idx := i
			if offset {
				idx++
			}
			pl.Go(func(ctx context.Context) error {
				return d.runLane(ctx, b, p, idx, lane, "")
			})
		}
		if err := pl.Wait(); err != nil {
			errs = append(errs, err)
		}
		b.finish(errors.Join(errs...))
		slog.InfoContext(run, "dispatch: batch finished", "packet_id", p.ID, "batch_id", b.ID, "terminal", b.Terminal())
	}()

	slog.InfoContext(ctx, "dispatch: batch started", "packet_id", p.ID, "batch_id", b.ID,
		"strategy", decision.Strategy, "lanes", len(runLanes), "demoted", len(moved))
	return b, nil
}

// Reassign runs one blocked or pending subtask again on a new unit, with
// role when given. Units still blocked on the subtask are closed as failed.
func (d *Dispatcher) Reassign(ctx context.Context, packetID, subtaskID string, role packet.Role) (*Batch, error) {
	p, err := d.activePacket(ctx, packetID)
	if err != nil {
		return nil, err
	}
	st := p.Plan.Subtask(subtaskID)
	if st == nil {
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("subtask %s not found", subtaskID), nil)
	}
	if st.Status != packet.SubtaskBlocked && st.Status != packet.SubtaskPending {
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("subtask %s is %s; only blocked or pending subtasks can be reassigned", subtaskID, st.Status), nil)
	}
	if role == "" {
		role = st.Role
	}
	if !role.Valid() {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown role %q", role), nil)
	}

	d.mu.Lock()
	for _, u := range d.units {
		if u.PacketID == packetID && u.SubtaskID == subtaskID && u.Status == UnitBlocked {
			u.Status = UnitFailed
			u.FinishedAt = d.now()
			u.Blockers = append(u.Blockers, "reassigned")
		}
	}
	d.mu.Unlock()
	if _, err := d.store.AppendWorkLog(ctx, packetID, &packet.WorkLogEntry{
		Kind:      packet.EntryNote,
		SubtaskID: subtaskID,
		Role:      role,
		Message:   fmt.Sprintf("subtask reassigned to %s", role),
	}); err != nil {
		return nil, err
	}

	b := d.newBatch(packetID, strategy.Sequential)
	run := context.WithoutCancel(ctx)
	go func() {
		b.finish(d.runLane(run, b, p, 0, []string{subtaskID}, role))
	}()
	slog.InfoContext(ctx, "dispatch: subtask reassigned", "packet_id", packetID, "subtask_id", subtaskID, "role", role)
	return b, nil
}

// MarkBlocked blocks a running unit on behalf of supervision. The unit's
// handler keeps running; its result still settles the subtask.
func (d *Dispatcher) MarkBlocked(ctx context.Context, unitID, reason string) error {
	d.mu.Lock()
	u, ok := d.units[unitID]
	if !ok {
		d.mu.Unlock()
		return cerr.NewError(cerr.NotFound, fmt.Sprintf("unit %s not found", unitID), nil)
	}
	if u.Status != UnitRunning {
		d.mu.Unlock()
		return nil
	}
	u.Status = UnitBlocked
	u.Blockers = append(u.Blockers, reason)
	view := *u
	d.mu.Unlock()

	if _, err := d.store.UpdateSubtaskStatus(ctx, view.PacketID, view.SubtaskID, packet.SubtaskBlocked, reason); err != nil {
		return err
	}
	if _, err := d.store.AppendWorkLog(ctx, view.PacketID, &packet.WorkLogEntry{
		Kind: packet.EntryBlocked, UnitID: view.ID, SubtaskID: view.SubtaskID, Role: view.Role, Message: reason,
	}); err != nil {
		return err
	}
	d.bus.PublishNew(eventbus.UnitBlocked, view.ID, map[string]string{"role": string(view.Role), "packet_id": view.PacketID})
	slog.WarnContext(ctx, "dispatch: unit blocked by supervision", "unit_id", view.ID, "packet_id", view.PacketID, "reason", reason)
	return nil
}

// Claim gives unitID ownership of resources until the unit ends. A
// resource owned by another live unit means the two were wrongly judged
// independent: the claim is logged and waits for the owner, or fails when
// waiting would deadlock.
func (d *Dispatcher) Claim(ctx context.Context, unitID string, resources ...string) error {
	if _, ok := d.Unit(unitID); !ok {
		return cerr.NewError(cerr.NotFound, fmt.Sprintf("unit %s not found", unitID), nil)
	}
	rs := cleanResources(resources)
	for {
		cf, changed := d.claims.tryClaim(unitID, rs)
		if cf == nil {
			return nil
		}
		u, _ := d.Unit(unitID)
		owner, _ := d.Unit(cf.owner)
		d.recordMisclassification(ctx, u.PacketID, u.SubtaskID, owner.SubtaskID, cf.resource,
			fmt.Sprintf("subtask %s needs %s held by subtask %s on unit %s", u.SubtaskID, cf.resource, owner.SubtaskID, owner.ID))
		if cf.deadlock {
			return cerr.NewError(cerr.Aborted,
				fmt.Sprintf("claiming %s would deadlock with unit %s", cf.resource, owner.ID), ErrIndependenceMisclassification).
				AddDetailMessageWithCode("re-plan so the subtasks sharing "+cf.resource+" run in one lane", "independence-misclassification")
		}
		select {
		case <-ctx.Done():
			d.claims.stopWaiting(unitID)
			return cerr.NewError(cerr.Canceled, "claim abandoned", ctx.Err())
		case <-changed:
		}
	}
}

// SetCheckpoint records the counter progress reports are stamped with.
func (d *Dispatcher) SetCheckpoint(counter int) {
	d.counter.Store(int64(counter))
}

// Units returns every unit in start order.
func (d *Dispatcher) Units() []Unit {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Unit, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, copyUnit(d.units[id]))
	}
	return out
}

func (d *Dispatcher) Unit(id string) (Unit, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.units[id]
	if !ok {
		return Unit{}, false
	}
	return copyUnit(u), true
}

func (d *Dispatcher) Batches() []*Batch {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Batch(nil), d.batches...)
}

// Workers adapts the units for supervision.
func (d *Dispatcher) Workers() []checkpoint.WorkerState {
	units := d.Units()
	out := make([]checkpoint.WorkerState, 0, len(units))
	for _, u := range units {
		out = append(out, checkpoint.WorkerState{
			UnitID:          u.ID,
			PacketID:        u.PacketID,
			SubtaskID:       u.SubtaskID,
			Role:            string(u.Role),
			Status:          string(u.Status),
			Terminal:        u.Status.Terminal(),
			Blocked:         u.Status == UnitBlocked,
			ProgressCounter: u.ProgressCounter,
		})
	}
	return out
}

func (d *Dispatcher) activePacket(ctx context.Context, packetID string) (*packet.TaskPacket, error) {
	p, err := d.store.Get(ctx, packetID)
	if cerr.IsCode(err, cerr.NotFound) {
		return nil, d.gates.CheckDispatch(nil)
	}
	if err != nil {
		return nil, err
	}
	if err := d.gates.CheckDispatch(p); err != nil {
		return nil, err
	}
	if p.Plan == nil || len(p.Plan.Subtasks) == 0 {
		return nil, cerr.NewError(cerr.FailedPrecondition, fmt.Sprintf("packet %s has no planned subtasks", p.ID), nil)
	}
	return p, nil
}

func (d *Dispatcher) newBatch(packetID string, s strategy.Strategy) *Batch {
	b := &Batch{ID: ulid.Make().String(), PacketID: packetID, Strategy: s, d: d, done: make(chan struct{})}
	d.mu.Lock()
	d.batches = append(d.batches, b)
	d.mu.Unlock()
	return b
}

// runLane runs ids in order on one new unit. A FAILED subtask does not stop
// the lane; a BLOCKED one does. role overrides the subtasks' own roles.
func (d *Dispatcher) runLane(ctx context.Context, b *Batch, p *packet.TaskPacket, lane int, ids []string, role packet.Role) error {
	if err := d.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.slots.Release(1)

	u := d.startUnit(ctx, b, p, lane, ids, role)
	defer d.claims.release(u.ID)
	ctx = clog.ContextWithAttributes(ctx, map[string]any{
		clog.PacketAttributeKey: p.ID,
		clog.UnitAttributeKey:   u.ID,
	})

	var failed []error
	for _, id := range ids {
		err := d.runSubtask(ctx, u.ID, p, id, role)
		if err == nil {
			continue
		}
		var blocked *WorkerBlockedError
		if errors.As(err, &blocked) {
			d.finishUnit(ctx, u.ID, UnitBlocked, blocked.Reason)
			return errors.Join(append(failed, err)...)
		}
		slog.WarnContext(ctx, "dispatch: subtask failed", "subtask_id", id, "error", err)
		failed = append(failed, err)
	}
	if len(failed) > 0 {
		d.finishUnit(ctx, u.ID, UnitFailed, failed[0].Error())
		return errors.Join(failed...)
	}
	d.finishUnit(ctx, u.ID, UnitDone, "")
	return nil
}

// failedDependencies returns the ids st depends on that ended FAILED.
func failedDependencies(plan *packet.Plan, st *packet.Subtask) []string {
	var out []string
	for _, dep := range st.DependsOn {
		if d := plan.Subtask(dep); d != nil && d.Status == packet.SubtaskFailed {
			out = append(out, dep)
		}
	}
	return out
}

func (d *Dispatcher) runSubtask(ctx context.Context, unitID string, p *packet.TaskPacket, subtaskID string, role packet.Role) error {
	current, err := d.store.Get(ctx, p.ID)
	if err != nil {
		return err
	}
	st := current.Plan.Subtask(subtaskID)
	if st == nil {
		return cerr.NewError(cerr.NotFound, fmt.Sprintf("subtask %s not found", subtaskID), nil)
	}
	if st.Status.Terminal() {
		return nil
	}
	if deps := failedDependencies(current.Plan, st); len(deps) > 0 {
		note := "skipped, depends on failed " + strings.Join(deps, ", ")
		if _, err := d.store.UpdateSubtaskStatus(ctx, p.ID, subtaskID, packet.SubtaskFailed, note); err != nil {
			return err
		}
		return cerr.NewError(cerr.Aborted, fmt.Sprintf("subtask %s %s", subtaskID, note), nil)
	}
	if role == "" {
		role = st.Role
	}
	d.setCurrent(unitID, subtaskID, role)

	if _, err := d.store.UpdateSubtaskStatus(ctx, p.ID, subtaskID, packet.SubtaskRunning, "unit "+unitID); err != nil {
		return err
	}

	h, ok := d.registry.Lookup(role)
	if !ok {
		err = cerr.NewError(cerr.FailedPrecondition, fmt.Sprintf("no handler registered for role %s", role), nil)
	} else if err = d.Claim(ctx, unitID, st.Resources...); err == nil {
		task := &Task{UnitID: unitID, PacketID: p.ID, Contract: current.Contract, Subtask: *st, Role: role}
		rep := &unitReporter{d: d, unitID: unitID, packetID: p.ID, subtaskID: subtaskID, role: role}
		err = panicerr.Run(ctx, func(ctx context.Context) error {
			return h.Handle(ctx, task, rep)
		})
	}

	switch {
	case err == nil:
		_, uerr := d.store.UpdateSubtaskStatus(ctx, p.ID, subtaskID, packet.SubtaskDone, "")
		return uerr
	case errors.Is(err, ErrBlocked):
		if u, _ := d.Unit(unitID); u.Status != UnitBlocked {
			if _, uerr := d.store.UpdateSubtaskStatus(ctx, p.ID, subtaskID, packet.SubtaskBlocked, err.Error()); uerr != nil {
				return errors.Join(err, uerr)
			}
		}
		return cerr.NewError(cerr.Aborted, fmt.Sprintf("subtask %s is blocked", subtaskID),
			&WorkerBlockedError{UnitID: unitID, SubtaskID: subtaskID, Reason: err.Error()}).
			AddDetailMessageWithCode("resolve the blocker, then reassign the subtask", "worker-blocked")
	default:
		if _, uerr := d.store.UpdateSubtaskStatus(ctx, p.ID, subtaskID, packet.SubtaskFailed, err.Error()); uerr != nil {
			return errors.Join(err, uerr)
		}
		return err
	}
}

func (d *Dispatcher) startUnit(ctx context.Context, b *Batch, p *packet.TaskPacket, lane int, ids []string, role packet.Role) *Unit {
	if role == "" {
		if st := p.Plan.Subtask(ids[0]); st != nil {
			role = st.Role
		}
	}
	now := d.now()
	u := &Unit{
		ID:              ulid.Make().String(),
		BatchID:         b.ID,
		PacketID:        p.ID,
		Lane:            lane,
		Subtasks:        append([]string(nil), ids...),
		SubtaskID:       ids[0],
		Role:            role,
		Status:          UnitRunning,
		StartedAt:       now,
		LastProgressAt:  now,
		ProgressCounter: int(d.counter.Load()),
	}
	d.mu.Lock()
	d.units[u.ID] = u
	d.order = append(d.order, u.ID)
	d.mu.Unlock()
	b.addUnit(u.ID)

	d.bus.PublishNew(eventbus.UnitStarted, u.ID, map[string]string{
		"role": string(role), "packet_id": p.ID, "lane": strconv.Itoa(lane),
	})
	slog.InfoContext(ctx, "dispatch: unit started", "unit_id", u.ID, "packet_id", p.ID, "lane", lane, "subtasks", len(ids))
	return u
}

func (d *Dispatcher) setCurrent(unitID, subtaskID string, role packet.Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.units[unitID]; ok {
		u.SubtaskID = subtaskID
		u.Role = role
		u.Status = UnitRunning
		u.LastProgressAt = d.now()
		u.ProgressCounter = int(d.counter.Load())
	}
}

func (d *Dispatcher) touch(unitID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.units[unitID]; ok {
		u.LastProgressAt = d.now()
		u.ProgressCounter = int(d.counter.Load())
	}
}

func (d *Dispatcher) finishUnit(ctx context.Context, unitID string, status UnitStatus, reason string) {
	d.mu.Lock()
	u, ok := d.units[unitID]
	if !ok {
		d.mu.Unlock()
		return
	}
	wasBlocked := u.Status == UnitBlocked
	u.Status = status
	if status.Terminal() {
		u.FinishedAt = d.now()
	}
	if status == UnitBlocked && reason != "" && !wasBlocked {
		u.Blockers = append(u.Blockers, reason)
	}
	view := *u
	d.mu.Unlock()

	switch {
	case status == UnitBlocked && !wasBlocked:
		d.bus.PublishNew(eventbus.UnitBlocked, view.ID, map[string]string{"role": string(view.Role), "packet_id": view.PacketID})
		slog.WarnContext(ctx, "dispatch: unit blocked", "unit_id", view.ID, "subtask_id", view.SubtaskID, "reason", reason)
	case status.Terminal():
		d.bus.PublishNew(eventbus.UnitFinished, view.ID, map[string]string{
			"role": string(view.Role), "packet_id": view.PacketID, "status": string(status),
		})
		slog.InfoContext(ctx, "dispatch: unit finished", "unit_id", view.ID, "status", status)
	}
}

// recordMisclassification logs a pair of subtasks wrongly judged
// independent, once per pair.
func (d *Dispatcher) recordMisclassification(ctx context.Context, packetID, subtask, other, resource, msg string) {
	pair := []string{subtask, other}
	sort.Strings(pair)
	key := packetID + "/" + pair[0] + "/" + pair[1]
	d.mu.Lock()
	seen := d.reported[key]
	d.reported[key] = true
	d.mu.Unlock()
	if seen {
		return
	}

	if _, err := d.store.AppendWorkLog(ctx, packetID, &packet.WorkLogEntry{
		Kind:      packet.EntryMisclassification,
		SubtaskID: subtask,
		Message:   msg,
		Metadata:  map[string]string{"resource": resource, "other_subtask": other},
	}); err != nil {
		slog.ErrorContext(ctx, "dispatch: failed to record misclassification", "packet_id", packetID, "error", err)
	}
	d.bus.PublishNew(eventbus.Misclassification, packetID, map[string]string{
		"subtask_id": subtask, "other_subtask": other, "resource": resource,
	})
	slog.WarnContext(ctx, "dispatch: independence misclassification", "packet_id", packetID, "subtask_id", subtask, "other_subtask", other, "resource", resource)
}

func pendingOnly(plan *packet.Plan, ids []string) []string {
	var out []string
	for _, id := range ids {
		if st := plan.Subtask(id); st != nil && st.Status == packet.SubtaskPending {
			out = append(out, id)
		}
	}
	return out
}

func copyUnit(u *Unit) Unit {
	cp := *u
	cp.Subtasks = append([]string(nil), u.Subtasks...)
	cp.Blockers = append([]string(nil), u.Blockers...)
	return cp
}

type unitReporter struct {
	d         *Dispatcher
	unitID    string
	packetID  string
	subtaskID string
	role      packet.Role
}

func (r *unitReporter) append(ctx context.Context, kind packet.EntryKind, msg string, md map[string]string) error {
	_, err := r.d.store.AppendWorkLog(ctx, r.packetID, &packet.WorkLogEntry{
		Kind: kind, UnitID: r.unitID, SubtaskID: r.subtaskID, Role: r.role, Message: msg, Metadata: md,
	})
	return err
}

func (r *unitReporter) Log(ctx context.Context, msg string) error {
	return r.append(ctx, packet.EntryNote, msg, nil)
}

func (r *unitReporter) Progress(ctx context.Context, msg string) error {
	r.d.touch(r.unitID)
	return r.append(ctx, packet.EntryProgress, msg, nil)
}

func (r *unitReporter) Claim(ctx context.Context, resources ...string) error {
	return r.d.Claim(ctx, r.unitID, resources...)
}

func (r *unitReporter) Exec(ctx context.Context, command string) (*ExecResult, error) {
	res, err := r.d.workspace.Exec(ctx, r.role, command)
	if res != nil {
		r.d.touch(r.unitID)
		if lerr := r.append(ctx, packet.EntryCommand, command, map[string]string{
			"class": res.Class.String(), "exit_code": strconv.Itoa(res.ExitCode),
		}); lerr != nil {
			return res, errors.Join(err, lerr)
		}
	}
	return res, err
}
