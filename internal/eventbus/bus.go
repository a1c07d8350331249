package eventbus

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type EventType string

const (
	PacketCreated        EventType = "packet.created"
	PhaseAdvanced        EventType = "packet.phase_advanced"
	PacketArchived       EventType = "packet.archived"
	WorkLogAppended      EventType = "packet.worklog_appended"
	SubtaskStatusChanged EventType = "subtask.status_changed"
	UnitStarted          EventType = "unit.started"
	UnitFinished         EventType = "unit.finished"
	UnitBlocked          EventType = "unit.blocked"
	Misclassification    EventType = "unit.misclassification"
	GateRejected         EventType = "gate.rejected"
	CheckpointTick       EventType = "checkpoint.tick"
	SupervisionPass      EventType = "checkpoint.supervision_pass"
	CheckpointStale      EventType = "checkpoint.stale"
	ArtifactPersisted    EventType = "artifact.persisted"
)

type Event struct {
	ID         string
	Type       EventType
	ResourceID string
	Metadata   map[string]string
	CreatedAt  time.Time
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Event
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan *Event),
	}
}

func (b *Bus) Subscribe(bufSize int) (string, <-chan *Event) {
	id := ulid.Make().String()
	ch := make(chan *Event, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(event *Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// PublishNew stamps a new event and publishes it. A nil bus drops it.
func (b *Bus) PublishNew(eventType EventType, resourceID string, metadata map[string]string) {
	if b == nil {
		return
	}
	b.Publish(&Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		ResourceID: resourceID,
		Metadata:   metadata,
		CreatedAt:  time.Now(),
	})
}
