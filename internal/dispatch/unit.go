package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/kazz187/packetguild/internal/packet"
	"github.com/kazz187/packetguild/internal/strategy"
)

type UnitStatus string

const (
	UnitRunning UnitStatus = "running"
	UnitBlocked UnitStatus = "blocked"
	UnitDone    UnitStatus = "done"
	UnitFailed  UnitStatus = "failed"
)

func (s UnitStatus) Terminal() bool {
	return s == UnitDone || s == UnitFailed
}

// Unit is a read-only view of one worker unit. A unit runs one lane: a
// single subtask or a chain of subtasks in order.
type Unit struct {
	ID              string      `json:"id"`
	BatchID         string      `json:"batch_id"`
	PacketID        string      `json:"packet_id"`
	Lane            int         `json:"lane"`
	Subtasks        []string    `json:"subtasks"`
	SubtaskID       string      `json:"subtask_id"`
	Role            packet.Role `json:"role"`
	Status          UnitStatus  `json:"status"`
	StartedAt       time.Time   `json:"started_at"`
	LastProgressAt  time.Time   `json:"last_progress_at"`
	ProgressCounter int         `json:"progress_counter"`
	FinishedAt      time.Time   `json:"finished_at,omitzero"`
	Blockers        []string    `json:"blockers,omitempty"`
}

// Batch is the handle returned by Dispatch.
type Batch struct {
	ID       string
	PacketID string
	Strategy strategy.Strategy

	d    *Dispatcher
	done chan struct{}

	mu    sync.Mutex
	units []string
	err   error
}

// Done is closed once every lane of the batch has returned.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the batch is done or ctx ends and returns the lane
// errors joined.
func (b *Batch) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Batch) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Units returns the batch's units in start order.
func (b *Batch) Units() []Unit {
	b.mu.Lock()
	ids := append([]string(nil), b.units...)
	b.mu.Unlock()
	out := make([]Unit, 0, len(ids))
	for _, id := range ids {
		if u, ok := b.d.Unit(id); ok {
			out = append(out, u)
		}
	}
	return out
}

// Terminal reports whether the batch is done and every unit is DONE or
// FAILED. A blocked unit keeps its batch open until it is reassigned.
func (b *Batch) Terminal() bool {
	select {
	case <-b.done:
	default:
		return false
	}
	for _, u := range b.Units() {
		if !u.Status.Terminal() {
			return false
		}
	}
	return true
}

func (b *Batch) addUnit(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.units = append(b.units, id)
}

func (b *Batch) finish(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
	close(b.done)
}
