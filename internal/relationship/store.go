package relationship

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrStale reports that a record no longer satisfies a condition
// checked before acting on it.
var ErrStale = errors.New("relationship: record changed")

// Config holds the dependencies for a Store.
type Config struct {
	// Persister saves the state after every mutation. Nil keeps state
	// in memory only.
	Persister Persister
	Logger    *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// contactLocks holds the two per-contact mutexes. turn serializes whole
// conversation passes (see WithContact); data guards the live record
// for one read-modify-persist step. A goroutine never holds two data
// locks at once.
type contactLocks struct {
	turn sync.Mutex
	data sync.Mutex
}

// Store is the owned, concurrency-safe home of every relationship
// record and the persona's global state.
//
// Live records are only touched under their contact's data lock. After
// each mutation an immutable clone is published for readers, scans,
// and persistence, so none of those need to take contact locks.
type Store struct {
	persister Persister
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	live      map[string]*Record
	published map[string]*Record
	locks     map[string]*contactLocks

	gmu     sync.Mutex
	globals Globals

	saveMu sync.Mutex
}

// NewStore creates an empty store. Call Load to restore saved state.
func NewStore(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		persister: cfg.Persister,
		logger:    logger.With("component", "relationship"),
		now:       now,
		live:      make(map[string]*Record),
		published: make(map[string]*Record),
		locks:     make(map[string]*contactLocks),
		globals:   Globals{CurrentMood: MoodNormal},
	}
}

// Load replaces in-memory state with the persisted blob. Prayer state
// never survives a restart.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	state, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("load relationship state: %w", err)
	}
	if state == nil {
		s.logger.Info("no saved relationship state, starting fresh")
		return nil
	}

	s.mu.Lock()
	s.live = make(map[string]*Record, len(state.Contacts))
	s.published = make(map[string]*Record, len(state.Contacts))
	for id, rec := range state.Contacts {
		if rec == nil {
			continue
		}
		rec.ID = id
		rec.Score = ClampScore(rec.Score)
		s.live[id] = rec
		s.published[id] = rec.Clone()
	}
	s.mu.Unlock()

	s.gmu.Lock()
	s.globals = state.Globals
	s.globals.InPrayer = false
	s.globals.PrayerName = ""
	s.globals.PrayerStartedAt = time.Time{}
	if s.globals.CurrentMood == "" {
		s.globals.CurrentMood = MoodNormal
	}
	s.gmu.Unlock()

	s.logger.Info("relationship state loaded", "contacts", len(state.Contacts))
	return nil
}

func (s *Store) lockFor(id string) *contactLocks {
	s.mu.RLock()
	l, ok := s.locks[id]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.locks[id]; !ok {
		l = &contactLocks{}
		s.locks[id] = l
	}
	return l
}

// WithContact runs fn while holding id's conversation lock. Inbound
// replies and proactive jobs for the same contact wrap their whole
// pipeline in WithContact so they never interleave. Store mutations
// made inside fn (for this or any other contact) are safe: they only
// take short-lived data locks.
func (s *Store) WithContact(id string, fn func() error) error {
	l := s.lockFor(id)
	l.turn.Lock()
	defer l.turn.Unlock()
	return fn()
}

// mutate applies fn to id's live record under its data lock, creating
// the record if needed, and publishes a fresh snapshot. It does not
// persist.
func (s *Store) mutate(id, displayName string, fn func(*Record) error) (snap *Record, created bool, err error) {
	l := s.lockFor(id)
	l.data.Lock()
	defer l.data.Unlock()

	s.mu.RLock()
	rec, ok := s.live[id]
	s.mu.RUnlock()

	if !ok {
		rec = newRecord(id, displayName, s.now())
		created = true
	}
	if fn != nil {
		err = fn(rec)
	}

	snap = rec.Clone()
	s.mu.Lock()
	s.live[id] = rec
	s.published[id] = snap
	s.mu.Unlock()
	return snap.Clone(), created, err
}

// persist saves the current published state. Failures are logged and
// swallowed: memory stays authoritative.
func (s *Store) persist(ctx context.Context) {
	if s.persister == nil {
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	state := s.snapshotShared()
	if err := s.persister.Save(ctx, state); err != nil {
		s.logger.Warn("relationship state save failed", "contacts", len(state.Contacts), "error", err)
	}
}

// snapshotShared builds a GlobalState that shares the immutable
// published clones.
func (s *Store) snapshotShared() *GlobalState {
	s.mu.RLock()
	contacts := maps.Clone(s.published)
	s.mu.RUnlock()
	return &GlobalState{Contacts: contacts, Globals: s.Global()}
}

// GetOrInit returns a copy of id's record, creating it on first sight.
// A non-empty displayNameHint refreshes the stored display name.
func (s *Store) GetOrInit(ctx context.Context, id, displayNameHint string) (*Record, bool) {
	changed := false
	rec, created, _ := s.mutate(id, displayNameHint, func(r *Record) error {
		if displayNameHint != "" && r.Contact.DisplayName != displayNameHint {
			r.Contact.DisplayName = displayNameHint
			r.Contact.UpdatedAt = s.now()
			changed = true
		}
		return nil
	})
	if created {
		s.logger.Info("new contact", "contact", id, "name", displayNameHint)
	}
	if created || changed {
		s.persist(ctx)
	}
	return rec, created
}

// Get returns a copy of id's record.
func (s *Store) Get(id string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.published[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Update applies fn to id's record under its data lock and persists.
// Unknown contacts are created. If fn returns an error, whatever it
// changed stays in memory but nothing is persisted, so fn should
// validate before it mutates.
func (s *Store) Update(ctx context.Context, id string, fn func(*Record) error) (*Record, error) {
	rec, _, err := s.mutate(id, "", fn)
	if err != nil {
		return rec, err
	}
	s.persist(ctx)
	return rec, nil
}

// ApplyScoreDelta adjusts id's score with clamping and an audit note.
// It returns the new score.
func (s *Store) ApplyScoreDelta(ctx context.Context, id string, delta int, reason string) int {
	var score int
	_, _, _ = s.mutate(id, "", func(r *Record) error {
		score = r.AdjustScore(delta, reason, s.now())
		return nil
	})
	s.logger.Debug("score adjusted", "contact", id, "delta", delta, "score", score, "reason", reason)
	s.persist(ctx)
	return score
}

// AppendTurn adds a history turn for id.
func (s *Store) AppendTurn(ctx context.Context, id string, speaker Speaker, text string) {
	_, _, _ = s.mutate(id, "", func(r *Record) error {
		r.AppendTurn(speaker, text, s.now())
		return nil
	})
	s.persist(ctx)
}

// Global returns a copy of the global state.
func (s *Store) Global() Globals {
	s.gmu.Lock()
	defer s.gmu.Unlock()
	return s.globals
}

// UpdateGlobal mutates the global state and persists.
func (s *Store) UpdateGlobal(ctx context.Context, fn func(*Globals)) Globals {
	s.gmu.Lock()
	fn(&s.globals)
	g := s.globals
	s.gmu.Unlock()
	s.persist(ctx)
	return g
}

// TouchInteraction stamps the global last-interaction time without
// persisting. The next mutation carries it to storage.
func (s *Store) TouchInteraction(at time.Time) {
	s.gmu.Lock()
	s.globals.LastInteractionAt = at
	s.gmu.Unlock()
}

// ContactIDs returns every known contact id ordered by first sighting,
// then id. All first-match scans use this order.
func (s *Store) ContactIDs() []string {
	s.mu.RLock()
	recs := slices.Collect(maps.Values(s.published))
	s.mu.RUnlock()

	slices.SortFunc(recs, byFirstSeen)
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}

func byFirstSeen(a, b *Record) int {
	if c := a.FirstSeenAt.Compare(b.FirstSeenAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Records returns copies of every record in ContactIDs order.
func (s *Store) Records() []*Record {
	s.mu.RLock()
	recs := make([]*Record, 0, len(s.published))
	for _, r := range s.published {
		recs = append(recs, r.Clone())
	}
	s.mu.RUnlock()
	slices.SortFunc(recs, byFirstSeen)
	return recs
}

// Snapshot returns a deep copy of the full state.
func (s *Store) Snapshot() *GlobalState {
	shared := s.snapshotShared()
	for id, r := range shared.Contacts {
		shared.Contacts[id] = r.Clone()
	}
	return shared
}

// Save persists the current state on demand (used at shutdown).
func (s *Store) Save(ctx context.Context) {
	s.persist(ctx)
}

func newInteractionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
