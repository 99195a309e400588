package server

import (
	"context"
	"sync"
	"time"
)

// Event is one audit record as delivered to stream subscribers.
type Event struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"ts"`
	Fields    map[string]any `json:"fields,omitempty"`
}

const (
	defaultReplayLimit      = 128
	defaultSubscriberBuffer = 32
)

// EventBus is an audit sink that fans lifecycle records out to stream
// subscribers. Slow subscribers drop events rather than block the loop.
type EventBus struct {
	mu          sync.Mutex
	nextID      int64
	nextSubID   int64
	replay      []Event
	replayLimit int
	subscribers map[int64]chan Event
}

func NewEventBus() *EventBus {
	return &EventBus{
		replayLimit: defaultReplayLimit,
		subscribers: make(map[int64]chan Event),
	}
}

// LogEvent satisfies the audit sink contract; publishing never fails.
func (b *EventBus) LogEvent(ctx context.Context, eventType string, fields map[string]any) error {
	_ = ctx
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	event := Event{
		ID:        b.nextID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}

	b.replay = append(b.replay, event)
	if len(b.replay) > b.replayLimit {
		b.replay = b.replay[len(b.replay)-b.replayLimit:]
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel replaying events with ID greater than
// lastEventID, then live events. Call the returned function to detach.
func (b *EventBus) Subscribe(lastEventID int64) (<-chan Event, func()) {
	b.mu.Lock()

	var replay []Event
	for _, event := range b.replay {
		if event.ID > lastEventID {
			replay = append(replay, event)
		}
	}

	ch := make(chan Event, len(replay)+defaultSubscriberBuffer)
	for _, event := range replay {
		ch <- event
	}

	b.nextSubID++
	subID := b.nextSubID
	b.subscribers[subID] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, subID)
			b.mu.Unlock()
		})
	}
	return ch, unsubscribe
}
