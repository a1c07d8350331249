// Package supervisor is the single controller that plans packets, starts
// their work and reacts to checkpoints. It never waits on workers.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/kazz187/packetguild/internal/checkpoint"
	"github.com/kazz187/packetguild/internal/dispatch"
	"github.com/kazz187/packetguild/internal/eventbus"
	"github.com/kazz187/packetguild/internal/gate"
	"github.com/kazz187/packetguild/internal/packet"
	"github.com/kazz187/packetguild/internal/strategy"
)

type Config struct {
	TickInterval   time.Duration
	MaxTicks       int
	MaxConcurrency int
}

type Supervisor struct {
	store      *packet.Store
	dispatcher *dispatch.Dispatcher
	timer      *checkpoint.Timer
	monitor    *checkpoint.Monitor
	bus        *eventbus.Bus
	cfg        Config

	mu      sync.Mutex
	batches map[string][]*dispatch.Batch
	seenSeq map[string]int
}

type Option func(*options)

type options struct {
	timer   []checkpoint.TimerOption
	monitor []checkpoint.MonitorOption
}

func WithTimerOptions(opts ...checkpoint.TimerOption) Option {
	return func(o *options) { o.timer = append(o.timer, opts...) }
}

func WithMonitorOptions(opts ...checkpoint.MonitorOption) Option {
	return func(o *options) { o.monitor = append(o.monitor, opts...) }
}

func New(store *packet.Store, d *dispatch.Dispatcher, slot *checkpoint.Slot, bus *eventbus.Bus, cfg Config, opts ...Option) (*Supervisor, error) {
	if bus == nil {
		bus = eventbus.New()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	s := &Supervisor{
		store:      store,
		dispatcher: d,
		bus:        bus,
		cfg:        cfg,
		batches:    make(map[string][]*dispatch.Batch),
		seenSeq:    make(map[string]int),
	}
	var err error
	s.timer, err = checkpoint.NewTimer(slot, cfg.TickInterval, cfg.MaxTicks,
		append([]checkpoint.TimerOption{checkpoint.WithBus(bus)}, o.timer...)...)
	if err != nil {
		return nil, err
	}
	s.monitor, err = checkpoint.NewMonitor(slot, d, cfg.TickInterval, cfg.MaxTicks,
		append([]checkpoint.MonitorOption{checkpoint.WithMonitorBus(bus), checkpoint.WithPassHook(s.recordPass)}, o.monitor...)...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Supervisor) Monitor() *checkpoint.Monitor {
	return s.monitor
}

// Plan replaces a packet's plan, analyzes it and records the decision.
func (s *Supervisor) Plan(ctx context.Context, packetID string, subtasks []*packet.Subtask, artifacts []string) (*packet.TaskPacket, error) {
	p, err := s.store.SetPlan(ctx, packetID, subtasks, artifacts)
	if err != nil {
		return nil, err
	}
	d, err := strategy.Analyze(p.Plan.StrategyInput(), s.cfg.MaxConcurrency)
	if err != nil {
		return nil, err
	}
	return s.store.RecordDecision(ctx, packetID, d)
}

// Start moves a planned packet to WORK and dispatches it.
func (s *Supervisor) Start(ctx context.Context, packetID string) (*dispatch.Batch, error) {
	p, err := s.store.Get(ctx, packetID)
	if err != nil {
		return nil, err
	}
	if p.Phase == packet.PhasePlan {
		if _, err := s.store.AdvancePhase(ctx, packetID, packet.PhaseWork); err != nil {
			return nil, err
		}
	}
	b, err := s.dispatcher.Dispatch(ctx, packetID, nil)
	if err != nil {
		return nil, err
	}
	s.track(packetID, b)
	return b, nil
}

// Reassign re-runs one blocked subtask as manual remediation.
func (s *Supervisor) Reassign(ctx context.Context, packetID, subtaskID string, role packet.Role) (*dispatch.Batch, error) {
	b, err := s.dispatcher.Reassign(ctx, packetID, subtaskID, role)
	if err != nil {
		return nil, err
	}
	s.track(packetID, b)
	return b, nil
}

// OnCheckpoint runs the monitor. After a pass, packets whose batches are
// terminal are moved to REVIEW, and the timer is stopped once nothing is
// left to supervise.
func (s *Supervisor) OnCheckpoint(ctx context.Context) (*checkpoint.Report, error) {
	r, err := s.monitor.Check(ctx)
	if err != nil {
		return r, err
	}
	if r.Pass {
		s.advanceFinished(ctx)
	}
	if s.Idle() {
		s.timer.Stop()
	}
	return r, nil
}

// Idle reports whether every tracked batch is terminal.
func (s *Supervisor) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bs := range s.batches {
		for _, b := range bs {
			if !b.Terminal() {
				return false
			}
		}
	}
	return true
}

// Run drives the timer and reacts to its ticks until ctx ends, the work is
// done, or the checkpoint goes stale.
func (s *Supervisor) Run(ctx context.Context) error {
	subID, events := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(subID)

	var timerErr error
	wg := conc.NewWaitGroup()
	wg.Go(func() { timerErr = s.timer.Run(ctx) })
	defer wg.Wait()

	// Catches a timer that stopped ticking.
	watchdog := time.NewTicker(s.cfg.TickInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			s.timer.Stop()
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.CheckpointTick {
				continue
			}
		case <-watchdog.C:
		}
		if _, err := s.OnCheckpoint(ctx); err != nil {
			if errors.Is(err, checkpoint.ErrCheckpointStale) {
				s.timer.Stop()
				return err
			}
			slog.ErrorContext(ctx, "supervisor: checkpoint handling failed", "error", err)
		}
		if s.Idle() {
			s.timer.Stop()
			wg.Wait()
			if timerErr != nil && !errors.Is(timerErr, context.Canceled) {
				return timerErr
			}
			slog.InfoContext(ctx, "supervisor: all batches terminal")
			return nil
		}
	}
}

func (s *Supervisor) track(packetID string, b *dispatch.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[packetID] = append(s.batches[packetID], b)
}

func (s *Supervisor) advanceFinished(ctx context.Context) {
	s.mu.Lock()
	var done []string
	for pid, bs := range s.batches {
		terminal := true
		for _, b := range bs {
			terminal = terminal && b.Terminal()
		}
		if terminal {
			done = append(done, pid)
		}
	}
	s.mu.Unlock()
	sort.Strings(done)

	for _, pid := range done {
		_, err := s.store.AdvancePhase(ctx, pid, packet.PhaseReview)
		switch {
		case err == nil:
			slog.InfoContext(ctx, "supervisor: work complete", "packet_id", pid)
		case gate.IsKind(err, gate.WorkIncomplete):
			slog.InfoContext(ctx, "supervisor: batch terminal but work incomplete", "packet_id", pid, "error", err)
			continue
		default:
			slog.WarnContext(ctx, "supervisor: could not advance to review", "packet_id", pid, "error", err)
			continue
		}
		s.mu.Lock()
		delete(s.batches, pid)
		s.mu.Unlock()
	}
}

// recordPass writes one supervision entry per packet with live units,
// summarizing the work log written since the previous pass.
func (s *Supervisor) recordPass(ctx context.Context, r *checkpoint.Report) {
	type tally struct{ active, investigate, stuck, escalated int }
	perPacket := map[string]*tally{}
	for _, w := range r.Workers {
		if w.Terminal {
			continue
		}
		t := perPacket[w.PacketID]
		if t == nil {
			t = &tally{}
			perPacket[w.PacketID] = t
		}
		t.active++
		switch w.Severity {
		case checkpoint.SeverityInvestigate:
			t.investigate++
		case checkpoint.SeverityStuck:
			t.stuck++
		case checkpoint.SeverityEscalate:
			t.escalated++
		}
	}

	for pid, t := range perPacket {
		s.mu.Lock()
		since := s.seenSeq[pid]
		s.mu.Unlock()
		delta, err := s.store.WorkLog(ctx, pid, since)
		if err != nil {
			slog.WarnContext(ctx, "supervisor: failed to read work log", "packet_id", pid, "error", err)
			continue
		}
		e, err := s.store.AppendWorkLog(ctx, pid, &packet.WorkLogEntry{
			Kind: packet.EntrySupervision,
			Role: packet.RoleCoordinator,
			Message: fmt.Sprintf("checkpoint %d: %d active, %d new log entries, %d to investigate, %d stuck, %d escalated",
				r.Counter, t.active, len(delta), t.investigate, t.stuck, t.escalated),
			Metadata: map[string]string{"counter": strconv.Itoa(r.Counter)},
		})
		if err != nil {
			slog.WarnContext(ctx, "supervisor: failed to record pass", "packet_id", pid, "error", err)
			continue
		}
		s.mu.Lock()
		s.seenSeq[pid] = e.Seq
		s.mu.Unlock()
	}
}
