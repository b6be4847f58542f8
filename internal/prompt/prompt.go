// Package prompt assembles the message list sent to the model for one
// turn: persona instructions, context annotations, recent history, the
// current input, and a trailing situational info block.
package prompt

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/kinship/internal/cues"
	"github.com/nugget/kinship/internal/llm"
	"github.com/nugget/kinship/internal/relationship"
)

// MoodPriority decides which variant wins when a contact is both angry
// and sulking.
type MoodPriority string

// Mood priorities.
const (
	AngryFirst   MoodPriority = "angry"
	SulkingFirst MoodPriority = "sulking"
)

// KeyMemoryLimit bounds the key memories listed in the info block.
const KeyMemoryLimit = 5

// timeLayout matches a 12-hour clock with AM/PM.
const timeLayout = "03:04 PM"

// Config configures a Composer.
type Config struct {
	// Name is substituted into the persona texts.
	Name string
	// PersonaDir optionally overrides the embedded persona files.
	PersonaDir   string
	Location     *time.Location
	MoodPriority MoodPriority
	Logger       *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Composer builds prompts. It is safe for concurrent use.
type Composer struct {
	personas map[Variant]string
	loc      *time.Location
	priority MoodPriority
	logger   *slog.Logger
	now      func() time.Time
}

// NewComposer loads the persona texts and returns a Composer.
func NewComposer(cfg Config) (*Composer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	personas, err := LoadPersonas(cfg.PersonaDir, cfg.Name)
	if err != nil {
		return nil, err
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	priority := cfg.MoodPriority
	if priority != SulkingFirst {
		priority = AngryFirst
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Composer{
		personas: personas,
		loc:      loc,
		priority: priority,
		logger:   logger.With("component", "prompt"),
		now:      now,
	}, nil
}

// Gossip is the teaser for an item the persona could share.
type Gossip struct {
	AboutName string
	Message   string
}

// Input describes the turn being composed.
type Input struct {
	// Inbound is the contact's message. Ignored when Proactive.
	Inbound string
	// Quoted is the text of the message the contact replied to.
	Quoted string
	// Proactive selects the proactive variant with Situation as input.
	Proactive bool
	Situation string
	// Gossip, when set, is the first unshared item from another
	// contact. It is only mentioned to friends.
	Gossip *Gossip
}

// SelectVariant picks the persona variant for a record.
func (c *Composer) SelectVariant(rec *relationship.Record, proactive bool) Variant {
	switch {
	case proactive:
		return VariantProactive
	case rec.Angry && rec.Sulking:
		if c.priority == SulkingFirst {
			return VariantSulking
		}
		return VariantAngry
	case rec.Angry:
		return VariantAngry
	case rec.Sulking:
		return VariantSulking
	}
	return VariantNormal
}

// Compose returns the ordered message list for one turn. rec should be
// a snapshot that does not yet contain the current input.
func (c *Composer) Compose(rec *relationship.Record, global relationship.Globals, in Input) []llm.Message {
	variant := c.SelectVariant(rec, in.Proactive)
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: c.personas[variant]}}

	if !in.Proactive {
		if q := strings.TrimSpace(in.Quoted); q != "" {
			msgs = append(msgs, system(fmt.Sprintf("[REPLY_CONTEXT] The user is replying to: %q", q)))
		}
		msgs = append(msgs, requestAnnotations(in.Inbound, rec.Tier())...)
	}

	history := rec.History
	if len(history) > relationship.HistoryCap {
		history = history[len(history)-relationship.HistoryCap:]
	}
	for _, t := range history {
		role := llm.RoleUser
		if t.Speaker == relationship.SpeakerPersona {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}

	current := in.Inbound
	if in.Proactive {
		current = in.Situation
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: current})
	msgs = append(msgs, system("[System Info: "+strings.Join(c.systemInfo(rec, global, in), " | ")+"]"))

	c.logger.Debug("prompt composed",
		"contact", rec.ID,
		"variant", variant,
		"messages", len(msgs),
		"history", len(history),
	)
	return msgs
}

func system(s string) llm.Message {
	return llm.Message{Role: llm.RoleSystem, Content: s}
}

// requestAnnotations flags requests to contact or vouch for another
// number. Friends get a trusting framing, everyone else a refusal.
func requestAnnotations(text string, tier relationship.Tier) []llm.Message {
	trusted := tier.AtLeast(relationship.Friend)
	var out []llm.Message
	if num, ok := cues.ChatRequest(text); ok {
		if trusted {
			out = append(out, system(fmt.Sprintf("[CHAT_REQUEST] The user is asking you to chat with %s. Since you trust them (%s), you're willing to consider it but you want to know why.", num, tier)))
		} else {
			out = append(out, system(fmt.Sprintf("[CHAT_REQUEST] The user is asking you to chat with %s. You don't know them well enough (%s) to just message random people. You'll decline politely.", num, tier)))
		}
	}
	if num, ok := cues.IntroductionRequest(text); ok {
		if trusted {
			out = append(out, system(fmt.Sprintf("[INTRODUCTION_REQUEST] The user is asking if you know %s. Since you trust them (%s), you're curious and might message that person to ask.", num, tier)))
		} else {
			out = append(out, system(fmt.Sprintf("[INTRODUCTION_REQUEST] The user is asking if you know %s. You don't know them well enough (%s) to share your contacts.", num, tier)))
		}
	}
	return out
}

func (c *Composer) systemInfo(rec *relationship.Record, global relationship.Globals, in Input) []string {
	tier := rec.Tier()
	info := []string{
		"Time: " + c.now().In(c.loc).Format(timeLayout),
		fmt.Sprintf("Friendship: %d (%s)", rec.Score, tier),
		fmt.Sprintf("Boredom Level: %d/10. (Higher is more bored).", rec.Boredom),
		fmt.Sprintf("Global Mood: You are feeling %s", global.CurrentMood),
	}
	if rec.ShortTermEmotion != "" {
		info = append(info, fmt.Sprintf("Recent Emotion: You are %s.", rec.ShortTermEmotion))
	}
	if global.CrushContactID != "" && global.CrushContactID == rec.ID {
		info = append(info, "This user is your secret crush.")
	} else {
		info = append(info, "This user is NOT your crush.")
	}
	if len(rec.Assumptions) > 0 {
		info = append(info, "Your assumptions about this person: "+strings.Join(rec.Assumptions, ", "))
	}
	for i := len(rec.GossipReceived) - 1; i >= 0; i-- {
		if rec.GossipReceived[i].Shared {
			info = append(info, "You recently gossiped to this person about "+rec.GossipReceived[i].AboutName)
			break
		}
	}
	if in.Gossip != nil && tier.AtLeast(relationship.Friend) {
		info = append(info, fmt.Sprintf("[GOSSIP_AVAILABLE] You have recent gossip about someone named '%s' who said: %q", in.Gossip.AboutName, in.Gossip.Message))
	}
	if n := len(rec.SharedMemories); n > 0 {
		info = append(info, fmt.Sprintf("Inside Joke: You recently joked about %q.", rec.SharedMemories[n-1]))
	}
	if n := len(rec.KeyMemories); n > 0 {
		recent := rec.KeyMemories[max(0, n-KeyMemoryLimit):]
		info = append(info, "Things you remember about them: "+strings.Join(recent, "; "))
	}
	return info
}
