package runner

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nstogner/deskpilot/pkg/models"
	"github.com/nstogner/deskpilot/pkg/store"
)

// EventType identifies a run Event.
type EventType string

const (
	EventRunStarted  EventType = "run_started"
	EventStream      EventType = "stream"
	EventToolStarted EventType = "tool_started"
	EventToolResult  EventType = "tool_result"
	EventRunFinished EventType = "run_finished"
)

// Event is delivered to observers of a run, in order.
type Event struct {
	Type           EventType `json:"type"`
	RunID          string    `json:"run_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Turn           int       `json:"turn,omitempty"`
	Time           time.Time `json:"time"`

	Stream     *models.StreamEvent      `json:"stream,omitempty"`
	ToolUse    *store.ToolUseContent    `json:"tool_use,omitempty"`
	ToolResult *store.ToolResultContent `json:"tool_result,omitempty"`
	Result     *ResultInfo              `json:"result,omitempty"`
}

// ResultInfo is the serializable summary of a finished run.
type ResultInfo struct {
	Status Status       `json:"status"`
	Final  string       `json:"final,omitempty"`
	Error  string       `json:"error,omitempty"`
	Turns  int          `json:"turns"`
	Usage  models.Usage `json:"usage"`
}

// Broadcaster fans events out to subscribers without blocking the run. A
// subscriber that falls behind loses events.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with a buffer of size buf. The returned
// function unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 256
	}
	ch := make(chan Event, buf)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber that has room.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("Dropping event for slow subscriber", "subscriber", id, "type", ev.Type)
		}
	}
}
