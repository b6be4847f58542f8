package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/kinship/internal/events"
)

// Activity counts today's traffic from bus events. Counters reset at
// local midnight. Safe for concurrent use.
type Activity struct {
	mu        sync.Mutex
	received  int64
	replies   int64
	proactive int64
	lastKind  string
	lastAt    time.Time
	day       int
	loc       *time.Location
	now       func() time.Time
}

// ActivitySnapshot is a copy of the counters.
type ActivitySnapshot struct {
	Received  int64
	Replies   int64
	Proactive int64
	LastKind  string
	LastAt    time.Time
}

// NewActivity returns counters that roll over at midnight in loc
// (time.Local when nil).
func NewActivity(loc *time.Location) *Activity {
	if loc == nil {
		loc = time.Local
	}
	a := &Activity{loc: loc, now: time.Now}
	a.day = a.now().In(loc).YearDay()
	return a
}

// Observe counts one event.
func (a *Activity) Observe(kind string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rollover()
	switch kind {
	case events.KindMessageReceived:
		a.received++
	case events.KindResponseSent:
		a.replies++
	case events.KindProactiveSent:
		a.proactive++
	}
	a.lastKind = kind
	a.lastAt = at
}

// Snapshot returns today's counters.
func (a *Activity) Snapshot() ActivitySnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rollover()
	return ActivitySnapshot{
		Received:  a.received,
		Replies:   a.replies,
		Proactive: a.proactive,
		LastKind:  a.lastKind,
		LastAt:    a.lastAt,
	}
}

// rollover zeroes the counters on a new local day. Must be called with
// a.mu held.
func (a *Activity) rollover() {
	today := a.now().In(a.loc).YearDay()
	if today != a.day {
		a.received, a.replies, a.proactive = 0, 0, 0
		a.day = today
	}
}
