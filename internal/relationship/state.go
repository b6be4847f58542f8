package relationship

import (
	"context"
	"time"
)

// Mood is the persona's global mood.
type Mood string

// Moods the persona swings between.
const (
	MoodNormal        Mood = "normal"
	MoodGrumpy        Mood = "grumpy"
	MoodEnergetic     Mood = "energetic"
	MoodIntrospective Mood = "introspective"
	MoodGoofy         Mood = "feeling goofy"
	MoodSad           Mood = "a bit sad"
)

// Moods lists every mood in a stable order.
func Moods() []Mood {
	return []Mood{MoodNormal, MoodGrumpy, MoodEnergetic, MoodIntrospective, MoodGoofy, MoodSad}
}

// Globals is the process-wide part of the persona's state.
type Globals struct {
	CrushContactID  string    `json:"crush_contact_id,omitempty"`
	CurrentMood     Mood      `json:"current_mood"`
	InPrayer        bool      `json:"in_prayer"`
	PrayerName      string    `json:"prayer_name,omitempty"`
	PrayerStartedAt time.Time `json:"prayer_started_at,omitzero"`
	// LastInteractionAt is the last inbound message from any contact.
	LastInteractionAt time.Time `json:"last_interaction_at,omitzero"`
}

// GlobalState is the complete persisted unit.
type GlobalState struct {
	Contacts map[string]*Record `json:"contacts"`
	Globals
}

// Persister loads and saves the state blob. Load returns nil, nil when
// nothing has been saved yet.
type Persister interface {
	Load(ctx context.Context) (*GlobalState, error)
	Save(ctx context.Context, state *GlobalState) error
}
