package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/packetguild/pkg/cerr"
	"github.com/kazz187/packetguild/pkg/storage"
)

// ErrLastSeenMoved means another monitor recorded a pass first.
var ErrLastSeenMoved = errors.New("last seen moved")

const (
	slotPath     = "checkpoint/slot.yaml"
	lastSeenPath = "checkpoint/last_seen.yaml"
)

// Checkpoint is the record the timer writes on every tick.
type Checkpoint struct {
	Counter   int    `yaml:"counter" json:"counter"`
	Timestamp string `yaml:"timestamp" json:"timestamp"`
	Message   string `yaml:"message" json:"message"`
	// Final marks the last checkpoint a timer run writes.
	Final bool `yaml:"final,omitempty" json:"final,omitempty"`
}

// Time parses Timestamp. The zero checkpoint has the zero time.
func (c Checkpoint) Time() time.Time {
	t, err := time.Parse(time.RFC3339, c.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

type lastSeen struct {
	Counter   int       `yaml:"counter"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// Slot is the single well-known register the timer writes and monitors
// read. Writes publish atomically through storage.
type Slot struct {
	storage storage.Storage

	// mu makes AdvanceLastSeen a compare-and-swap for every monitor
	// sharing this Slot.
	mu sync.Mutex
}

func NewSlot(s storage.Storage) *Slot {
	return &Slot{storage: s}
}

// Read returns the latest checkpoint, or the zero checkpoint when the timer
// has not ticked yet.
func (s *Slot) Read(ctx context.Context) (Checkpoint, error) {
	var cp Checkpoint
	if err := s.read(ctx, slotPath, "checkpoint", &cp); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

func (s *Slot) Write(ctx context.Context, cp Checkpoint) error {
	return s.write(ctx, slotPath, "checkpoint", cp)
}

// LastSeen returns the counter of the last supervision pass, 0 if none.
func (s *Slot) LastSeen(ctx context.Context) (int, error) {
	var ls lastSeen
	if err := s.read(ctx, lastSeenPath, "last seen", &ls); err != nil {
		return 0, err
	}
	return ls.Counter, nil
}

func (s *Slot) SetLastSeen(ctx context.Context, counter int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, lastSeenPath, "last seen", lastSeen{Counter: counter, UpdatedAt: time.Now().UTC()})
}

// AdvanceLastSeen moves last_seen from old to counter. It fails with
// ErrLastSeenMoved when the persisted value is no longer old.
func (s *Slot) AdvanceLastSeen(ctx context.Context, old, counter int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ls lastSeen
	if err := s.read(ctx, lastSeenPath, "last seen", &ls); err != nil {
		return err
	}
	if ls.Counter != old {
		return cerr.NewError(cerr.Aborted,
			fmt.Sprintf("last seen is %d, expected %d", ls.Counter, old), ErrLastSeenMoved)
	}
	return s.write(ctx, lastSeenPath, "last seen", lastSeen{Counter: counter, UpdatedAt: time.Now().UTC()})
}

func (s *Slot) read(ctx context.Context, path, target string, v any) error {
	data, err := s.storage.Read(ctx, path)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return cerr.WrapStorageReadError(target, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return cerr.WrapUnmarshalError(target, err)
	}
	return nil
}

func (s *Slot) write(ctx context.Context, path, target string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return cerr.WrapMarshalError(target, err)
	}
	if err := s.storage.Write(ctx, path, data); err != nil {
		return cerr.WrapStorageWriteError(target, err)
	}
	return nil
}
