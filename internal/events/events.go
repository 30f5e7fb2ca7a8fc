package events

import (
	"context"
	"sync"
	"time"
)

// Kind labels a moderation event for subscribers.
type Kind string

const (
	KindDecisionAccepted   Kind = "decision_accepted"
	KindCaseOpened         Kind = "case_opened"
	KindCaseResolved       Kind = "case_resolved"
	KindEnforcementFailed  Kind = "enforcement_failed"
	KindBroadcastExhausted Kind = "broadcast_exhausted"
)

// Event is a moderation happening published to in-process subscribers
// (the SSE operator stream, the broadcaster wake-up). Notification-grade:
// durable delivery lives in the ledger and the broadcast queue, not here.
type Event struct {
	Kind        Kind           `json:"kind"`
	SubjectID   string         `json:"subject_id,omitempty"`
	CommunityID string         `json:"community_id,omitempty"`
	Status      string         `json:"status,omitempty"`
	Version     uint64         `json:"version,omitempty"`
	Detail      string         `json:"detail,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Bus fan-outs events to all active subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will
// receive events. The channel is closed when the provided context ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
