// Package events provides a publish/subscribe bus for operational
// events. The orchestrator, executor and proactive scheduler publish;
// the MQTT status publisher subscribes. The bus is nil-safe:
// Publish on a nil *Bus is a no-op, so components need no guards.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sources identify which component published an event.
const (
	SourceOrchestrator = "orchestrator"
	SourceScheduler    = "scheduler"
)

// Kinds describe what happened.
const (
	// KindMessageReceived: contact, message_len, buffered.
	KindMessageReceived = "message_received"
	// KindResponseSent: contact, sent, ignored, fallback, aborted.
	KindResponseSent = "response_sent"
	// KindGossipRecorded: contact, keyword.
	KindGossipRecorded = "gossip_recorded"
	// KindGossipForwarded: contact, about.
	KindGossipForwarded = "gossip_forwarded"
	// KindSearch: contact, query, results.
	KindSearch = "search"
	// KindProactiveSent: contact, rule.
	KindProactiveSent = "proactive_sent"
	// KindMoodChanged: mood.
	KindMoodChanged = "mood_changed"
	// KindPrayerEntered: prayer, notified.
	KindPrayerEntered = "prayer_entered"
	// KindPrayerExited: prayer, catch_ups, forced.
	KindPrayerExited = "prayer_exited"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(source, kind string, data map[string]any) Event {
	return Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data}
}

// Bus is a non-blocking broadcast bus. A subscriber whose buffer is
// full misses the event; publishers never wait.
type Bus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]*subscription
	dropped atomic.Uint64
}

type subscription struct {
	ch    chan Event
	kinds map[string]bool // nil means every kind
}

func (s *subscription) wants(kind string) bool {
	return s.kinds == nil || s.kinds[kind]
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscription)}
}

// Publish delivers e to every interested subscriber with room in its
// buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel with the given buffer that receives
// events of the listed kinds, or of every kind when none are listed.
// Call Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int, kinds ...string) <-chan Event {
	s := &subscription{ch: make(chan Event, bufSize)}
	if len(kinds) > 0 {
		s.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	b.mu.Lock()
	b.subs[s.ch] = s
	b.mu.Unlock()
	return s.ch
}

// Unsubscribe closes the channel returned by Subscribe. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(s.ch)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
