// Package executor plays a parsed action script against the chat
// transport with human-feeling timing, updating the contact's
// relationship record as each action lands.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/nugget/kinship/internal/cues"
	"github.com/nugget/kinship/internal/events"
	"github.com/nugget/kinship/internal/relationship"
	"github.com/nugget/kinship/internal/script"
)

// Timing constants for the typing simulation.
const (
	PerCharDelay   = 80 * time.Millisecond
	TypingJitter   = 500 * time.Millisecond
	MaxTypingDelay = 3 * time.Second
	PauseBase      = 500 * time.Millisecond
	PauseJitter    = time.Second
)

// Presence is a typing indicator state.
type Presence int

// Presence states.
const (
	Composing Presence = iota
	Paused
)

func (p Presence) String() string {
	if p == Composing {
		return "composing"
	}
	return "paused"
}

// MessageHandle identifies a sent message so it can be reacted to.
// The zero value means no message.
type MessageHandle struct {
	Author    string
	Timestamp int64
}

// IsZero reports whether h refers to no message.
func (h MessageHandle) IsZero() bool {
	return h.Timestamp == 0
}

// Transport is the outbound side of the chat connection.
type Transport interface {
	SendText(ctx context.Context, to, text string) (MessageHandle, error)
	SendReaction(ctx context.Context, to, emoji string, target MessageHandle) error
	// Forward re-sends a stored message verbatim, quoting the original.
	Forward(ctx context.Context, to string, ref relationship.MessageRef) (MessageHandle, error)
	SetPresence(ctx context.Context, to string, p Presence) error
}

// Result summarises one Execute call.
type Result struct {
	// Sent counts messages delivered, forwards included.
	Sent int
	// Reactions counts reactions delivered.
	Reactions int
	// Searches holds SEARCH queries for the caller to run.
	Searches []string
	// Ignored is set when the script asked to send nothing.
	Ignored bool
	// Calmed is set when a CALM action cleared the mood flags.
	Calmed bool
	// Forwarded lists the interaction ids forwarded.
	Forwarded []string
	// Aborted holds the transport error that stopped the script.
	Aborted error
	// LastHandle is the last message sent by this script.
	LastHandle MessageHandle
}

// Config holds the dependencies for an Executor.
type Config struct {
	Store     *relationship.Store
	Transport Transport
	Events    *events.Bus
	Logger    *slog.Logger
	// Sleep and Rand override timing in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  *rand.Rand
	Now   func() time.Time
}

// Executor runs action scripts. Callers serialize scripts for the same
// contact (see relationship.Store.WithContact).
type Executor struct {
	store     *relationship.Store
	transport Transport
	events    *events.Bus
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	jitter    func(n int64) int64
	now       func() time.Time
}

// New creates an Executor.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	jitter := rand.Int64N
	if cfg.Rand != nil {
		jitter = cfg.Rand.Int64N
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{
		store:     cfg.Store,
		transport: cfg.Transport,
		events:    cfg.Events,
		logger:    logger.With("component", "executor"),
		sleep:     sleep,
		jitter:    jitter,
		now:       now,
	}
}

// TypingDelay returns the simulated typing time for text, before
// jitter is added, capped at MaxTypingDelay.
func TypingDelay(text string) time.Duration {
	return min(time.Duration(len([]rune(text)))*PerCharDelay, MaxTypingDelay)
}

func (e *Executor) typingDelay(text string) time.Duration {
	return min(TypingDelay(text)+time.Duration(e.jitter(int64(TypingJitter))), MaxTypingDelay)
}

func (e *Executor) pause() time.Duration {
	return PauseBase + time.Duration(e.jitter(int64(PauseJitter)))
}

// Execute runs s for contactID in token order. A transport failure on
// a send stops the script; what was already delivered stays delivered.
func (e *Executor) Execute(ctx context.Context, contactID string, s script.Script) Result {
	var res Result
	log := e.logger.With("contact", contactID)

	if s.Ignore {
		e.update(ctx, contactID, func(r *relationship.Record) {
			r.LastMessageAt = e.now()
		})
		log.Info("script ignored")
		res.Ignored = true
		return res
	}

	for i, tok := range s.Tokens {
		var err error
		switch {
		case tok.Kind.IsMessage():
			err = e.sendMessage(ctx, contactID, tok, &res)
		case tok.Kind == script.React:
			err = e.react(ctx, contactID, tok.Payload, &res)
		case tok.Kind == script.ForwardGossip:
			err = e.forwardGossip(ctx, contactID, &res)
		case tok.Kind == script.Remember:
			e.update(ctx, contactID, func(r *relationship.Record) {
				if r.AddKeyMemory(tok.Payload) {
					log.Debug("key memory stored", "memory", tok.Payload)
				}
			})
		case tok.Kind == script.Search:
			res.Searches = append(res.Searches, tok.Payload)
		case tok.Kind == script.Calm:
			e.update(ctx, contactID, func(r *relationship.Record) { r.Calm() })
			res.Calmed = true
			log.Info("contact calmed")
		}
		if err != nil {
			res.Aborted = err
			log.Warn("script aborted",
				"kind", tok.Kind,
				"token", i,
				"remaining", len(s.Tokens)-i-1,
				"error", err,
			)
			break
		}
	}
	return res
}

func (e *Executor) sendMessage(ctx context.Context, to string, tok script.Token, res *Result) error {
	e.setPresence(ctx, to, Composing)
	if err := e.sleep(ctx, e.typingDelay(tok.Payload)); err != nil {
		return err
	}

	h, err := e.transport.SendText(ctx, to, tok.Payload)
	if err != nil {
		return fmt.Errorf("send %s: %w", tok.Kind, err)
	}
	res.Sent++
	res.LastHandle = h

	now := e.now()
	e.update(ctx, to, func(r *relationship.Record) {
		r.AppendTurn(relationship.SpeakerPersona, tok.Payload, now)
		r.MarkDelivered(now)
		if cues.IsQuestion(tok.Payload) {
			r.AskQuestion(now)
		}
	})
	e.logger.Debug("message sent", "contact", to, "kind", tok.Kind, "len", len(tok.Payload))

	e.setPresence(ctx, to, Paused)
	return e.sleep(ctx, e.pause())
}

func (e *Executor) react(ctx context.Context, to, emoji string, res *Result) error {
	if res.LastHandle.IsZero() {
		e.logger.Debug("reaction skipped, nothing sent yet", "contact", to, "emoji", emoji)
		return nil
	}
	if err := e.transport.SendReaction(ctx, to, emoji, res.LastHandle); err != nil {
		return fmt.Errorf("send reaction: %w", err)
	}
	res.Reactions++
	return nil
}

func (e *Executor) forwardGossip(ctx context.Context, to string, res *Result) error {
	owner, item, ok := e.store.FindUnsharedGossip(to)
	if !ok {
		e.logger.Debug("no unshared gossip to forward", "contact", to)
		return nil
	}

	h, err := e.transport.Forward(ctx, to, item.Message)
	if err != nil {
		return fmt.Errorf("forward gossip: %w", err)
	}
	res.Sent++
	res.LastHandle = h
	res.Forwarded = append(res.Forwarded, item.ID)

	e.store.MarkGossipShared(ctx, owner, item.ID, to)
	now := e.now()
	e.update(ctx, to, func(r *relationship.Record) { r.MarkDelivered(now) })

	e.logger.Info("gossip forwarded", "contact", to, "about", owner, "interaction", item.ID)
	e.events.Publish(events.NewEvent(events.SourceOrchestrator, events.KindGossipForwarded, map[string]any{
		"contact": to,
		"about":   owner,
	}))
	return nil
}

func (e *Executor) setPresence(ctx context.Context, to string, p Presence) {
	if err := e.transport.SetPresence(ctx, to, p); err != nil {
		e.logger.Debug("presence update failed", "contact", to, "presence", p, "error", err)
	}
}

func (e *Executor) update(ctx context.Context, id string, fn func(*relationship.Record)) {
	_, _ = e.store.Update(ctx, id, func(r *relationship.Record) error {
		fn(r)
		return nil
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
