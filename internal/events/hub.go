// Package events fans finalized hook results out to live subscribers, with a
// small ring buffer so late joiners can back-fill what they missed.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perfectuser21/grapnel/internal/hooks"
)

const (
	TypeHookExecuted  = "hook.executed"
	TypeBatchExecuted = "batch.executed"

	// Per-subscriber channel depth. Slow consumers drop events rather
	// than block the engine.
	subscriberBuffer = 32
)

// Event is one hub message. Data holds the type-specific payload as raw JSON
// so it survives re-marshaling on the wire unchanged.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// BatchEvent is the payload for TypeBatchExecuted.
type BatchEvent struct {
	BatchID   string `json:"batch_id"`
	Source    string `json:"source"`
	HookCount int    `json:"hook_count"`
}

// Hub is an in-memory pub/sub. It implements hooks.Observer and
// hooks.BatchObserver so it can be attached straight to the engine.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 1
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// HookExecuted publishes every finalized result, cache hits and skips
// included.
func (h *Hub) HookExecuted(ev hooks.ExecutionEvent) {
	h.publish(TypeHookExecuted, ev)
}

func (h *Hub) BatchExecuted(batchID, source string, hookCount int) {
	h.publish(TypeBatchExecuted, BatchEvent{
		BatchID:   batchID,
		Source:    source,
		HookCount: hookCount,
	})
}

func (h *Hub) publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Don't let slow clients block producers.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a new consumer. The returned cancel is idempotent and
// closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// Backlog returns buffered events with ID > sinceID, oldest-first. A sinceID
// of 0 returns the full ring snapshot.
func (h *Hub) Backlog(sinceID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if sinceID == 0 || ev.ID > sinceID {
			out = append(out, ev)
		}
	}
	return out
}

// SubscriberCount reports how many consumers are attached.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
