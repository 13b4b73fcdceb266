// Package eventbus provides the in-process publish/subscribe fan-out of
// task and group status changes, consumed by the optional observability
// hub (internal/hub).
// Adapted from the teacher's events.Publisher interface shape
// (internal/events/publisher.go, since removed) which fanned status
// changes out over Redis pub/sub to remote subscribers — pueue has no
// remote subscribers, so the transport collapses to buffered Go channels.
package eventbus

import "sync"

// Kind distinguishes the two event shapes the daemon emits.
type Kind int

const (
	KindTaskStatusChanged Kind = iota
	KindGroupStatusChanged
)

func (k Kind) String() string {
	switch k {
	case KindTaskStatusChanged:
		return "task_status_changed"
	case KindGroupStatusChanged:
		return "group_status_changed"
	default:
		return "unknown"
	}
}

// MarshalJSON renders Kind as its string name rather than its ordinal,
// for clients of the hub's websocket feed.
func (k Kind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// Event is a single status-change notification.
type Event struct {
	Kind  Kind   `json:"kind"`
	Group string `json:"group"`
	// TaskID is populated only for KindTaskStatusChanged.
	TaskID uint64 `json:"task_id,omitempty"`
	Status string `json:"status"`
}

// Bus fans Events out to any number of subscribers. Publish never blocks
// on a slow subscriber: a full subscriber channel silently drops the
// event rather than stall the scheduler tick that published it.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new listener with the given buffer size and
// returns the channel plus an unsubscribe function.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
}

// Publish delivers ev to every current subscriber, dropping it for any
// subscriber whose buffer is full.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports the current number of live subscribers, mostly
// useful for tests and metrics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
