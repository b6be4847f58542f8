// Package orchestrator runs the response pipeline: it takes one inbound
// message (or one proactive situation) through prompt composition, the
// rate-limited completion call, script parsing and execution, and the
// relationship bookkeeping around them.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/nugget/kinship/internal/completion"
	"github.com/nugget/kinship/internal/cues"
	"github.com/nugget/kinship/internal/events"
	"github.com/nugget/kinship/internal/executor"
	"github.com/nugget/kinship/internal/llm"
	"github.com/nugget/kinship/internal/prompt"
	"github.com/nugget/kinship/internal/relationship"
	"github.com/nugget/kinship/internal/script"
)

// Score bookkeeping.
const (
	ReplyScoreDelta  = 1
	ReplyScoreReason = "positive interaction"
)

// Completer returns raw model output for a prompt.
type Completer interface {
	Complete(ctx context.Context, msgs []llm.Message, opts llm.Options) (string, error)
}

// Searcher runs a SEARCH query and returns the follow-up input text and
// the number of results.
type Searcher interface {
	Lookup(ctx context.Context, query string) (string, int)
}

// Buffer holds messages that arrive while the persona is praying.
type Buffer interface {
	Add(contactID, text string)
}

// Inbound is one message from a contact.
type Inbound struct {
	ContactID   string
	DisplayName string
	Text        string
	// Quoted is the text of the message being replied to, if any.
	Quoted string
	// Timestamp is the transport's id for the message, kept so it can
	// be forwarded later.
	Timestamp int64
}

// Config holds the dependencies for an Orchestrator.
type Config struct {
	Store     *relationship.Store
	Composer  *prompt.Composer
	Completer Completer
	Executor  *executor.Executor
	// Search is optional. Without it SEARCH actions get a "not
	// available" result.
	Search Searcher
	// Buffer receives messages during prayer. Nil drops them after
	// recording history.
	Buffer Buffer
	Events *events.Bus
	Logger *slog.Logger

	Temperature        float64
	MaxTokens          int
	ProactiveMaxTokens int

	// Rand seeds first-impression assumptions in tests.
	Rand *rand.Rand
	// Now overrides the clock that stamps interactions.
	Now func() time.Time
}

// Orchestrator drives conversations. It is safe for concurrent use;
// turns for the same contact are serialized.
type Orchestrator struct {
	store     *relationship.Store
	composer  *prompt.Composer
	completer Completer
	exec      *executor.Executor
	search    Searcher
	buffer    Buffer
	events    *events.Bus
	logger    *slog.Logger

	reply     llm.Options
	proactive llm.Options
	rng       *rand.Rand
	now       func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	temp := cfg.Temperature
	if temp == 0 {
		temp = 0.9
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 500
	}
	proactiveTokens := cfg.ProactiveMaxTokens
	if proactiveTokens <= 0 {
		proactiveTokens = 200
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		store:     cfg.Store,
		composer:  cfg.Composer,
		completer: cfg.Completer,
		exec:      cfg.Executor,
		search:    cfg.Search,
		buffer:    cfg.Buffer,
		events:    cfg.Events,
		logger:    logger.With("component", "orchestrator"),
		reply:     llm.Options{Temperature: temp, MaxTokens: maxTokens},
		proactive: llm.Options{Temperature: temp, MaxTokens: proactiveTokens},
		rng:       cfg.Rand,
		now:       now,
	}
}

// ErrEmptyContact is returned for an inbound message without a sender.
var ErrEmptyContact = errors.New("inbound message has no contact id")

// HandleInbound answers one message. It blocks until the whole
// response has been delivered or aborted. Completion failures never
// leave the message unanswered: the fallback script is sent instead.
func (o *Orchestrator) HandleInbound(ctx context.Context, in Inbound) error {
	if in.ContactID == "" {
		return ErrEmptyContact
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		o.logger.Debug("ignoring empty message", "contact", in.ContactID)
		return nil
	}
	in.Text = text
	log := o.logger.With("contact", in.ContactID)

	o.store.TouchInteraction(o.now())
	if _, created := o.store.GetOrInit(ctx, in.ContactID, in.DisplayName); created {
		o.firstImpressions(ctx, in)
	}

	if o.store.Global().InPrayer {
		// A reply during prayer still answers the pending question.
		_ = o.store.WithContact(in.ContactID, func() error {
			o.noteCues(ctx, in)
			o.store.AppendTurn(ctx, in.ContactID, relationship.SpeakerContact, in.Text)
			return nil
		})
		if o.buffer != nil {
			o.buffer.Add(in.ContactID, in.Text)
		}
		log.Info("message buffered during prayer", "len", len(in.Text))
		o.publish(events.KindMessageReceived, map[string]any{
			"contact":     in.ContactID,
			"message_len": len(in.Text),
			"buffered":    true,
		})
		return nil
	}

	o.publish(events.KindMessageReceived, map[string]any{
		"contact":     in.ContactID,
		"message_len": len(in.Text),
		"buffered":    false,
	})

	return o.store.WithContact(in.ContactID, func() error {
		o.noteCues(ctx, in)

		res := o.pass(ctx, in.ContactID, prompt.Input{Inbound: in.Text, Quoted: in.Quoted}, o.reply, true)
		if len(res.Searches) > 0 {
			query := res.Searches[0]
			followUp, n := o.lookup(ctx, query)
			o.publish(events.KindSearch, map[string]any{
				"contact": in.ContactID,
				"query":   query,
				"results": n,
			})
			log.Info("search follow-up", "query", query, "results", n)
			o.pass(ctx, in.ContactID, prompt.Input{Inbound: followUp}, o.reply, false)
		}

		if !res.Ignored {
			o.store.ApplyScoreDelta(ctx, in.ContactID, ReplyScoreDelta, ReplyScoreReason)
		}
		return nil
	})
}

// RunSituation starts a proactive exchange with contactID. The
// situation describes why the persona is reaching out. A non-nil still
// is checked against the contact's record once no other turn for them
// is in flight; if it fails nothing is sent and the error is
// relationship.ErrStale.
func (o *Orchestrator) RunSituation(ctx context.Context, contactID, situation string, still func(*relationship.Record) bool) (executor.Result, error) {
	if contactID == "" {
		return executor.Result{}, ErrEmptyContact
	}
	var res executor.Result
	err := o.store.WithContact(contactID, func() error {
		if still != nil {
			if rec, ok := o.store.Get(contactID); !ok || !still(rec) {
				return relationship.ErrStale
			}
		}
		res = o.pass(ctx, contactID, prompt.Input{Proactive: true, Situation: situation}, o.proactive, false)
		return nil
	})
	return res, err
}

// Notify sends text verbatim, without consulting the model.
func (o *Orchestrator) Notify(ctx context.Context, contactID, text string) error {
	return o.store.WithContact(contactID, func() error {
		s := script.Script{Tokens: []script.Token{{Kind: script.Text, Payload: text}}, Wrapped: true}
		return o.exec.Execute(ctx, contactID, s).Aborted
	})
}

// firstImpressions stores name-based assumptions about a new contact.
func (o *Orchestrator) firstImpressions(ctx context.Context, in Inbound) {
	assumptions := cues.Assumptions(in.DisplayName, in.ContactID, o.rng)
	if len(assumptions) == 0 {
		return
	}
	_, _ = o.store.Update(ctx, in.ContactID, func(r *relationship.Record) error {
		for _, a := range assumptions {
			r.AddAssumption(a)
		}
		return nil
	})
	o.logger.Debug("first impressions", "contact", in.ContactID, "assumptions", assumptions)
}

// noteCues resets the pending question and records what the message
// reveals: gossip evidence, life events and topics.
func (o *Orchestrator) noteCues(ctx context.Context, in Inbound) {
	memories := cues.ImportantMemories(in.Text)
	topics := cues.Topics(in.Text)
	_, _ = o.store.Update(ctx, in.ContactID, func(r *relationship.Record) error {
		r.ClearQuestion()
		for _, m := range memories {
			r.AddSharedMemory(m)
		}
		for _, t := range topics {
			r.AddTopic(t)
		}
		return nil
	})

	if kw, ok := cues.WeirdKeyword(in.Text); ok {
		o.store.RecordEvidence(ctx, in.ContactID, kw, relationship.MessageRef{
			Author:    in.ContactID,
			Timestamp: in.Timestamp,
			Text:      in.Text,
		})
		o.publish(events.KindGossipRecorded, map[string]any{
			"contact": in.ContactID,
			"keyword": kw,
		})
	}
}

// pass composes, completes, parses and executes one response. When
// recordInbound is set the input is appended to history as the
// contact's turn once the prompt is built.
func (o *Orchestrator) pass(ctx context.Context, contactID string, in prompt.Input, opts llm.Options, recordInbound bool) executor.Result {
	log := o.logger.With("contact", contactID)

	rec, _ := o.store.GetOrInit(ctx, contactID, "")
	if owner, item, ok := o.store.FindUnsharedGossip(contactID); ok {
		about := owner
		if ownerRec, found := o.store.Get(owner); found {
			about = ownerRec.Name()
		}
		in.Gossip = &prompt.Gossip{AboutName: about, Message: item.Message.Text}
	}
	msgs := o.composer.Compose(rec, o.store.Global(), in)
	if recordInbound {
		o.store.AppendTurn(ctx, contactID, relationship.SpeakerContact, in.Inbound)
	}

	fallback := false
	raw, err := o.completer.Complete(ctx, msgs, opts)
	if err != nil {
		log.Error("completion failed, sending fallback", "error", err)
		raw = completion.FallbackScript
		fallback = true
	}

	s := script.Parse(raw)
	if len(s.Tokens) == 0 && !fallback {
		log.Warn("model output had no actions, sending fallback", "len", len(raw))
		s = script.Parse(completion.FallbackScript)
		fallback = true
	}
	if !s.Wrapped {
		log.Warn("model output had no action block, sending as text", "len", len(raw))
	}
	log.Log(ctx, llm.LevelTrace, "script parsed", "tokens", len(s.Tokens), "ignore", s.Ignore)

	res := o.exec.Execute(ctx, contactID, s)

	data := map[string]any{
		"contact":   contactID,
		"sent":      res.Sent,
		"ignored":   res.Ignored,
		"fallback":  fallback,
		"aborted":   res.Aborted != nil,
		"proactive": in.Proactive,
	}
	o.publish(events.KindResponseSent, data)
	log.Info("response delivered",
		"sent", res.Sent,
		"reactions", res.Reactions,
		"ignored", res.Ignored,
		"fallback", fallback,
		"proactive", in.Proactive,
	)
	return res
}

func (o *Orchestrator) lookup(ctx context.Context, query string) (string, int) {
	if o.search == nil {
		return "[SEARCH_RESULT for '" + query + "'] search is not available right now.", 0
	}
	return o.search.Lookup(ctx, query)
}

func (o *Orchestrator) publish(kind string, data map[string]any) {
	o.events.Publish(events.NewEvent(events.SourceOrchestrator, kind, data))
}
