// Package events fans file change notifications out to live subscribers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/HuiungJang/private-nas-for-mac/internal/audit"
	"github.com/HuiungJang/private-nas-for-mac/internal/metrics"
)

const (
	EventCreate = "create"
	EventMkdir  = "mkdir"
	EventMove   = "move"
	EventDelete = "delete"
)

const subscriberBuffer = 64

// Event is a file change seen by subscribers.
type Event struct {
	Type      string `json:"type"`
	Path      string `json:"path"`
	Actor     string `json:"actor,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster manages subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

var _ audit.Sink = (*Broadcaster)(nil)

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// Write publishes successful mutations from the audit trail. Downloads and
// failures are not file changes and are skipped.
func (b *Broadcaster) Write(_ context.Context, e audit.Entry) error {
	if e.Status != audit.StatusSuccess {
		return nil
	}
	ev := Event{Path: e.Target, Actor: e.ActorID, Size: e.Size}
	if !e.Timestamp.IsZero() {
		ev.Timestamp = e.Timestamp.Unix()
	}
	switch e.Action {
	case audit.ActionUpload:
		ev.Type = EventCreate
	case audit.ActionCreateDirectory:
		ev.Type = EventMkdir
	case audit.ActionMove:
		ev.Type = EventMove
	case audit.ActionDelete:
		ev.Type = EventDelete
	default:
		return nil
	}
	b.Publish(ev)
	return nil
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
