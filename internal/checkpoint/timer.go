package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/kazz187/packetguild/internal/eventbus"
	"github.com/kazz187/packetguild/pkg/cerr"
)

// Ticker is the subset of *time.Ticker the timer uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func newRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// Timer writes a strictly increasing checkpoint every interval until it
// has written maxTicks in this run or it is stopped.
type Timer struct {
	slot      *Slot
	interval  time.Duration
	maxTicks  int
	bus       *eventbus.Bus
	newTicker func(time.Duration) Ticker

	stopOnce sync.Once
	stopCh   chan struct{}
}

type TimerOption func(*Timer)

// WithTicker replaces the wall-clock ticker.
func WithTicker(f func(time.Duration) Ticker) TimerOption {
	return func(t *Timer) { t.newTicker = f }
}

func WithBus(bus *eventbus.Bus) TimerOption {
	return func(t *Timer) { t.bus = bus }
}

func NewTimer(slot *Slot, interval time.Duration, maxTicks int, opts ...TimerOption) (*Timer, error) {
	if interval <= 0 {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("tick interval must be positive, got %s", interval), nil)
	}
	if maxTicks <= 0 {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("max ticks must be positive, got %d", maxTicks), nil)
	}
	t := &Timer{
		slot:      slot,
		interval:  interval,
		maxTicks:  maxTicks,
		newTicker: newRealTicker,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Run ticks until maxTicks more checkpoints are written, Stop is called or
// ctx is done. Each run continues after the last persisted counter, so a
// restart after an exhausted run gets a fresh budget.
func (t *Timer) Run(ctx context.Context) error {
	last, err := t.slot.Read(ctx)
	if err != nil {
		return err
	}
	counter := last.Counter
	limit := counter + t.maxTicks
	slog.InfoContext(ctx, "timer: started", "counter", counter, "interval", t.interval, "until", limit)

	ticker := t.newTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.stopCh:
			slog.InfoContext(ctx, "timer: stopped", "counter", counter)
			return nil
		case now := <-ticker.C():
			counter++
			cp := Checkpoint{
				Counter:   counter,
				Timestamp: now.UTC().Format(time.RFC3339),
				Message:   fmt.Sprintf("checkpoint %d/%d", counter, limit),
				Final:     counter >= limit,
			}
			if err := t.slot.Write(ctx, cp); err != nil {
				return err
			}
			t.bus.PublishNew(eventbus.CheckpointTick, strconv.Itoa(counter), map[string]string{
				"counter": strconv.Itoa(counter),
			})
			slog.DebugContext(ctx, "timer: tick", "counter", counter)
			if cp.Final {
				slog.InfoContext(ctx, "timer: max ticks reached", "counter", counter)
				return nil
			}
		}
	}
}

// Stop ends Run. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}
