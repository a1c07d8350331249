package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/kazz187/packetguild/internal/eventbus"
	"github.com/kazz187/packetguild/pkg/cerr"
)

// ErrCheckpointStale means the timer stopped producing checkpoints while
// workers are still running.
var ErrCheckpointStale = errors.New("checkpoint stale")

type Severity string

const (
	SeverityNormal      Severity = "normal"
	SeverityInvestigate Severity = "investigate"
	SeverityStuck       Severity = "stuck"
	SeverityEscalate    Severity = "escalate"
)

// SeverityFor grades the number of ticks since a worker last made progress.
func SeverityFor(ticks int) Severity {
	switch {
	case ticks <= 3:
		return SeverityNormal
	case ticks <= 6:
		return SeverityInvestigate
	case ticks <= 10:
		return SeverityStuck
	default:
		return SeverityEscalate
	}
}

// WorkerState is what supervision sees of one worker unit.
type WorkerState struct {
	UnitID          string `json:"unit_id"`
	PacketID        string `json:"packet_id"`
	SubtaskID       string `json:"subtask_id"`
	Role            string `json:"role"`
	Status          string `json:"status"`
	Terminal        bool   `json:"terminal"`
	Blocked         bool   `json:"blocked"`
	ProgressCounter int    `json:"progress_counter"`
}

// Workers is the dispatcher as seen by the monitor.
type Workers interface {
	// SetCheckpoint tells the dispatcher the current counter so progress
	// reports can be stamped with it.
	SetCheckpoint(counter int)
	Workers() []WorkerState
	MarkBlocked(ctx context.Context, unitID, reason string) error
}

type Assessment struct {
	WorkerState
	Ticks    int      `json:"ticks"`
	Severity Severity `json:"severity"`
}

// Report is the outcome of one Check call.
type Report struct {
	Counter   int          `json:"counter"`
	LastSeen  int          `json:"last_seen"`
	Pass      bool         `json:"pass"`
	Workers   []Assessment `json:"workers,omitempty"`
	Escalated []string     `json:"escalated,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// Active counts assessed workers that are not terminal.
func (r *Report) Active() int {
	n := 0
	for _, w := range r.Workers {
		if !w.Terminal {
			n++
		}
	}
	return n
}

// Monitor turns new checkpoints into supervision passes. It keeps no state
// between calls besides the persisted last-seen counter.
type Monitor struct {
	slot     *Slot
	workers  Workers
	interval time.Duration
	maxTicks int
	bus      *eventbus.Bus
	onPass   func(ctx context.Context, r *Report)
	now      func() time.Time
	started  time.Time

	mu sync.Mutex
}

type MonitorOption func(*Monitor)

func WithMonitorBus(bus *eventbus.Bus) MonitorOption {
	return func(m *Monitor) { m.bus = bus }
}

func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// WithPassHook runs fn after every supervision pass.
func WithPassHook(fn func(ctx context.Context, r *Report)) MonitorOption {
	return func(m *Monitor) { m.onPass = fn }
}

func NewMonitor(slot *Slot, workers Workers, interval time.Duration, maxTicks int, opts ...MonitorOption) (*Monitor, error) {
	if interval <= 0 {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("tick interval must be positive, got %s", interval), nil)
	}
	if maxTicks <= 0 {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("max ticks must be positive, got %d", maxTicks), nil)
	}
	m := &Monitor{
		slot:     slot,
		workers:  workers,
		interval: interval,
		maxTicks: maxTicks,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.started = m.now()
	return m, nil
}

// Check runs one supervision pass if the timer has ticked since the last
// pass and is a no-op otherwise. A pass first advances last_seen, so a
// counter another monitor already claimed is also a no-op. A no-op returns
// ErrCheckpointStale when the timer is exhausted or silent for more than two
// intervals while workers remain non-terminal.
func (m *Monitor) Check(ctx context.Context) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.slot.Read(ctx)
	if err != nil {
		return nil, err
	}
	seen, err := m.slot.LastSeen(ctx)
	if err != nil {
		return nil, err
	}
	r := &Report{Counter: cp.Counter, LastSeen: seen, CheckedAt: m.now()}

	if cp.Counter <= seen {
		return r, m.staleness(ctx, cp)
	}
	// Claim the counter before the pass so each counter gets one pass even
	// with several monitors on the slot.
	if err := m.slot.AdvanceLastSeen(ctx, seen, cp.Counter); err != nil {
		if errors.Is(err, ErrLastSeenMoved) {
			slog.DebugContext(ctx, "monitor: pass already taken", "counter", cp.Counter)
			return r, nil
		}
		return nil, err
	}

	if m.workers != nil {
		m.workers.SetCheckpoint(cp.Counter)
		for _, w := range m.workers.Workers() {
			a := Assessment{WorkerState: w, Ticks: max(cp.Counter-w.ProgressCounter, 0)}
			a.Severity = SeverityFor(a.Ticks)
			if !w.Terminal {
				switch a.Severity {
				case SeverityInvestigate, SeverityStuck:
					slog.WarnContext(ctx, "monitor: worker without progress",
						"unit_id", w.UnitID, "packet_id", w.PacketID, "ticks", a.Ticks, "severity", a.Severity)
				case SeverityEscalate:
					if !w.Blocked {
						reason := fmt.Sprintf("no progress for %d checkpoints", a.Ticks)
						if err := m.workers.MarkBlocked(ctx, w.UnitID, reason); err != nil {
							return nil, err
						}
						r.Escalated = append(r.Escalated, w.UnitID)
						a.Blocked = true
						a.Status = "blocked"
					}
				}
			}
			r.Workers = append(r.Workers, a)
		}
	}

	r.Pass = true
	r.LastSeen = cp.Counter
	m.bus.PublishNew(eventbus.SupervisionPass, strconv.Itoa(cp.Counter), map[string]string{
		"counter":   strconv.Itoa(cp.Counter),
		"active":    strconv.Itoa(r.Active()),
		"escalated": strconv.Itoa(len(r.Escalated)),
	})
	slog.InfoContext(ctx, "monitor: supervision pass", "counter", cp.Counter, "active", r.Active(), "escalated", len(r.Escalated))
	if m.onPass != nil {
		m.onPass(ctx, r)
	}
	return r, nil
}

func (m *Monitor) staleness(ctx context.Context, cp Checkpoint) error {
	if m.workers == nil {
		return nil
	}
	active := 0
	for _, w := range m.workers.Workers() {
		if !w.Terminal {
			active++
		}
	}
	if active == 0 {
		return nil
	}

	var precondition string
	if cp.Final {
		precondition = fmt.Sprintf("timer reached its last checkpoint %d with %d workers still active", cp.Counter, active)
	} else {
		last := cp.Time()
		if last.Before(m.started) {
			last = m.started
		}
		silent := m.now().Sub(last)
		if silent <= 2*m.interval {
			return nil
		}
		precondition = fmt.Sprintf("no checkpoint for %s with %d workers still active", silent.Truncate(time.Second), active)
	}

	m.bus.PublishNew(eventbus.CheckpointStale, strconv.Itoa(cp.Counter), map[string]string{
		"counter": strconv.Itoa(cp.Counter),
		"active":  strconv.Itoa(active),
	})
	slog.WarnContext(ctx, "monitor: checkpoint stale", "counter", cp.Counter, "active", active)
	return cerr.NewError(cerr.Unavailable, precondition, ErrCheckpointStale).
		AddDetailMessageWithCode("restart the coordination timer", "checkpoint-stale")
}

// Status is a read-only view of the slot for the status interface.
type Status struct {
	Checkpoint Checkpoint `json:"checkpoint"`
	LastSeen   int        `json:"last_seen"`
	MaxTicks   int        `json:"max_ticks"`
	Exhausted  bool       `json:"exhausted"`
}

func (m *Monitor) Status(ctx context.Context) (*Status, error) {
	cp, err := m.slot.Read(ctx)
	if err != nil {
		return nil, err
	}
	seen, err := m.slot.LastSeen(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{Checkpoint: cp, LastSeen: seen, MaxTicks: m.maxTicks, Exhausted: cp.Final}, nil
}
