package services

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

type EventType string

const (
	EventTypeStatus     EventType = "status"
	EventTypeProgress   EventType = "progress"
	EventTypeConnection EventType = "connection"
	EventTypeLog        EventType = "log"
)

type Event struct {
	RunID     string    `json:"run_id,omitempty"`
	Type      EventType `json:"type"`
	Data      string    `json:"data"` // JSON payload or raw text
	Timestamp int64     `json:"timestamp"`
}

// NewEvent builds an event whose Data is the JSON encoding of payload.
func NewEvent(runID string, typ EventType, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{}`)
	}
	return Event{
		RunID:     runID,
		Type:      typ,
		Data:      string(data),
		Timestamp: time.Now().UnixMilli(),
	}
}

type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan Event // Key: RunID
	global []chan Event
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan Event),
	}
}

// Subscribe returns a channel that receives events for a specific run
func (b *EventBus) Subscribe(runID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100) // Buffer to prevent blocking publisher
	b.subs[runID] = append(b.subs[runID], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subscribers := b.subs[runID]
			for i, sub := range subscribers {
				if sub == ch {
					close(ch)
					b.subs[runID] = append(subscribers[:i], subscribers[i+1:]...)
					break
				}
			}
			if len(b.subs[runID]) == 0 {
				delete(b.subs, runID)
			}
		})
	}

	return ch, unsub
}

// SubscribeGlobal returns a channel that receives every event, including
// connection events that belong to no run.
func (b *EventBus) SubscribeGlobal() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 256)
	b.global = append(b.global, ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, sub := range b.global {
				if sub == ch {
					close(ch)
					b.global = append(b.global[:i], b.global[i+1:]...)
					break
				}
			}
		})
	}

	return ch, unsub
}

// Publish sends an event to the run's subscribers and to global ones
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if e.RunID != "" {
		for _, ch := range b.subs[e.RunID] {
			b.deliver(ch, e)
		}
	}
	for _, ch := range b.global {
		b.deliver(ch, e)
	}
}

func (b *EventBus) deliver(ch chan Event, e Event) {
	select {
	case ch <- e:
	default:
		// If channel is full, drop event to prevent blocking application
		b.logger.Warn("event bus channel full, dropping event", "run_id", e.RunID, "type", e.Type)
	}
}
