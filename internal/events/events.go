// Package events fans out authorization domain events to subscribers. The
// ledger/execution service reacts to SessionApproved; this core never moves
// money itself.
package events

import (
	"context"
	"sync"
	"time"
)

// Type names a domain event.
type Type string

const (
	OfficerAuthorized Type = "officer.authorized"
	SessionApproved   Type = "session.approved"
	SessionExpired    Type = "session.expired"
	SessionCancelled  Type = "session.cancelled"
)

// Event is one emitted domain event. Role is set for OfficerAuthorized only.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role,omitempty"`
	At        time.Time `json:"at"`
}

// Bus fan-outs events to all active subscribers (SSE clients, the ledger
// bridge, tests). Slow subscribers drop events rather than block publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus initialises an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns its receive channel. The
// channel is closed when the provided context ends.
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

// Publish delivers the event to every subscriber.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
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
