// Package relationship owns the persona's long-lived memory of every
// contact: friendship score, mood flags, conversation history, accreted
// memories, and the gossip evidence that can be retold to others.
//
// All state lives in a single [Store]. Records are mutated only through
// the store's operations, which serialize writes per contact and
// persist the whole state after every mutation batch.
package relationship

import (
	"slices"
	"time"
)

// Record limits.
const (
	// HistoryCap is the maximum number of turns kept per contact.
	HistoryCap = 40
	// ScoreLogCap bounds the score audit trail.
	ScoreLogCap = 50
	// MinScore and MaxScore bound the friendship score.
	MinScore = 0
	MaxScore = 100
	// MaxBoredom caps the boredom level.
	MaxBoredom = 10
)

// Speaker identifies who produced a history turn.
type Speaker string

// Speakers.
const (
	SpeakerContact Speaker = "user"
	SpeakerPersona Speaker = "persona"
)

// Turn is one line of conversation history.
type Turn struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// MessageRef points at a message on the transport so it can be
// forwarded verbatim later.
type MessageRef struct {
	Author    string `json:"author"`
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
}

// WeirdInteraction is a piece of gossip evidence: something a contact
// said that the persona found creepy or strange.
type WeirdInteraction struct {
	ID      string     `json:"id"`
	Message MessageRef `json:"message"`
	Keyword string     `json:"keyword"`
	At      time.Time  `json:"at"`
	// SharedWith lists contacts that already received this item. It
	// only ever grows.
	SharedWith []string `json:"shared_with,omitempty"`
}

// SharedWithContact reports whether id already received this item.
func (w WeirdInteraction) SharedWithContact(id string) bool {
	return slices.Contains(w.SharedWith, id)
}

// GossipItem is gossip this contact has been told, or may be told.
type GossipItem struct {
	AboutContactID string    `json:"about_contact_id"`
	AboutName      string    `json:"about_name"`
	InteractionID  string    `json:"interaction_id"`
	Message        string    `json:"message"`
	At             time.Time `json:"at"`
	Shared         bool      `json:"shared"`
}

// PendingQuestion tracks an unanswered question the persona asked.
type PendingQuestion struct {
	Awaiting   bool      `json:"awaiting"`
	AskedAt    time.Time `json:"asked_at,omitzero"`
	FollowedUp bool      `json:"followed_up"`
}

// ContactInfo holds transport-supplied details about the contact.
type ContactInfo struct {
	DisplayName string    `json:"display_name"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

// ScoreNote records one score adjustment.
type ScoreNote struct {
	Delta  int       `json:"delta"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Record is everything the persona remembers about one contact.
type Record struct {
	ID    string `json:"id"`
	Score int    `json:"score"`

	Angry            bool   `json:"angry"`
	Sulking          bool   `json:"sulking"`
	ShortTermEmotion string `json:"short_term_emotion,omitempty"`

	History []Turn `json:"history,omitempty"`
	Boredom int    `json:"boredom"`

	Pending PendingQuestion `json:"pending_question"`

	Assumptions       []string           `json:"assumptions,omitempty"`
	SharedMemories    []string           `json:"shared_memories,omitempty"`
	Topics            []string           `json:"topics,omitempty"`
	KeyMemories       []string           `json:"key_memories,omitempty"`
	WeirdInteractions []WeirdInteraction `json:"weird_interactions,omitempty"`
	GossipReceived    []GossipItem       `json:"gossip_received,omitempty"`

	Contact       ContactInfo `json:"contact"`
	LastMessageAt time.Time   `json:"last_message_at,omitzero"`
	FirstSeenAt   time.Time   `json:"first_seen_at"`

	ScoreLog []ScoreNote `json:"score_log,omitempty"`
}

func newRecord(id, displayName string, now time.Time) *Record {
	return &Record{
		ID:          id,
		Contact:     ContactInfo{DisplayName: displayName, UpdatedAt: now},
		FirstSeenAt: now,
	}
}

// Name returns the display name, falling back to the contact id.
func (r *Record) Name() string {
	if r.Contact.DisplayName != "" {
		return r.Contact.DisplayName
	}
	return r.ID
}

// Tier returns the record's friendship tier.
func (r *Record) Tier() Tier {
	return TierOf(r.Score)
}

// AdjustScore adds delta to the score, clamping into [MinScore,
// MaxScore], and appends an audit note. It returns the new score.
func (r *Record) AdjustScore(delta int, reason string, now time.Time) int {
	r.Score = ClampScore(r.Score + delta)
	r.ScoreLog = append(r.ScoreLog, ScoreNote{Delta: delta, Reason: reason, At: now})
	if over := len(r.ScoreLog) - ScoreLogCap; over > 0 {
		r.ScoreLog = slices.Delete(r.ScoreLog, 0, over)
	}
	return r.Score
}

// ClampScore forces s into [MinScore, MaxScore].
func ClampScore(s int) int {
	return min(max(s, MinScore), MaxScore)
}

// AppendTurn adds a history turn, evicting the oldest beyond
// HistoryCap, and stamps LastMessageAt.
func (r *Record) AppendTurn(speaker Speaker, text string, now time.Time) {
	r.History = append(r.History, Turn{Speaker: speaker, Text: text, At: now})
	if over := len(r.History) - HistoryCap; over > 0 {
		r.History = slices.Delete(r.History, 0, over)
	}
	r.LastMessageAt = now
}

// MarkDelivered records an outbound delivery: boredom resets and the
// last-message clock moves.
func (r *Record) MarkDelivered(now time.Time) {
	r.Boredom = 0
	r.LastMessageAt = now
}

// Calm clears every mood flag.
func (r *Record) Calm() {
	r.Angry = false
	r.Sulking = false
	r.ShortTermEmotion = ""
}

// AskQuestion moves the pending-question machine to awaiting.
func (r *Record) AskQuestion(now time.Time) {
	r.Pending = PendingQuestion{Awaiting: true, AskedAt: now}
}

// ClearQuestion returns the pending-question machine to idle.
func (r *Record) ClearQuestion() {
	r.Pending = PendingQuestion{}
}

// AddAssumption records an assumption unless it is already known.
func (r *Record) AddAssumption(s string) bool { return addUnique(&r.Assumptions, s) }

// AddSharedMemory records an inside joke unless it is already known.
func (r *Record) AddSharedMemory(s string) bool { return addUnique(&r.SharedMemories, s) }

// AddTopic records a conversation topic unless it is already known.
func (r *Record) AddTopic(s string) bool { return addUnique(&r.Topics, s) }

// AddKeyMemory records a key memory unless it is already known.
func (r *Record) AddKeyMemory(s string) bool { return addUnique(&r.KeyMemories, s) }

// AddGossip appends a gossip item unless one for the same interaction
// is already present.
func (r *Record) AddGossip(item GossipItem) bool {
	for _, g := range r.GossipReceived {
		if g.InteractionID == item.InteractionID {
			return false
		}
	}
	r.GossipReceived = append(r.GossipReceived, item)
	return true
}

// NextUnsharedGossip returns the index of the first received gossip
// item not yet shared, or -1.
func (r *Record) NextUnsharedGossip() int {
	for i, g := range r.GossipReceived {
		if !g.Shared {
			return i
		}
	}
	return -1
}

func addUnique(list *[]string, s string) bool {
	if s == "" || slices.Contains(*list, s) {
		return false
	}
	*list = append(*list, s)
	return true
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.History = slices.Clone(r.History)
	c.Assumptions = slices.Clone(r.Assumptions)
	c.SharedMemories = slices.Clone(r.SharedMemories)
	c.Topics = slices.Clone(r.Topics)
	c.KeyMemories = slices.Clone(r.KeyMemories)
	c.GossipReceived = slices.Clone(r.GossipReceived)
	c.ScoreLog = slices.Clone(r.ScoreLog)
	c.WeirdInteractions = make([]WeirdInteraction, len(r.WeirdInteractions))
	for i, w := range r.WeirdInteractions {
		w.SharedWith = slices.Clone(w.SharedWith)
		c.WeirdInteractions[i] = w
	}
	if r.WeirdInteractions == nil {
		c.WeirdInteractions = nil
	}
	return &c
}
