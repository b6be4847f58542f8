package signal

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/nugget/kinship/internal/orchestrator"
)

// handleTimeout bounds the processing of one inbound message, two LLM
// passes and the humanized send delays included.
const handleTimeout = 5 * time.Minute

// Handler consumes inbound messages. *orchestrator.Orchestrator
// implements it.
type Handler interface {
	HandleInbound(ctx context.Context, in orchestrator.Inbound) error
}

// Source is the inbound side of the client.
type Source interface {
	Envelopes() <-chan *Envelope
	SendReceipt(ctx context.Context, recipient string, timestamp int64) error
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Source  Source
	Handler Handler
	Logger  *slog.Logger
}

// Bridge feeds direct text messages from Signal to the handler. Each
// contact with pending messages gets one worker goroutine that handles
// them in arrival order; different contacts run concurrently.
type Bridge struct {
	source  Source
	handler Handler
	logger  *slog.Logger

	mu sync.Mutex
	// queues holds the undelivered messages of every contact that has a
	// worker running. A present key means a worker owns it.
	queues map[string][]orchestrator.Inbound
	wg     sync.WaitGroup
}

// NewBridge creates a bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		source:  cfg.Source,
		handler: cfg.Handler,
		logger:  logger.With("component", "bridge"),
		queues:  make(map[string][]orchestrator.Inbound),
	}
}

// Run dispatches messages until ctx is cancelled or the source closes,
// then waits for in-flight handlers.
func (b *Bridge) Run(ctx context.Context) {
	b.logger.Info("signal bridge started")
	defer b.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("signal bridge shutting down")
			return
		case env, ok := <-b.source.Envelopes():
			if !ok {
				b.logger.Info("signal inbound closed, bridge stopping")
				return
			}
			in, ok := b.accept(env)
			if !ok {
				continue
			}
			if err := b.source.SendReceipt(ctx, in.ContactID, in.Timestamp); err != nil {
				b.logger.Warn("read receipt failed", "contact", in.ContactID, "error", err)
			}
			b.enqueue(ctx, in)
		}
	}
}

// accept filters out everything but direct text messages and maps the
// rest to an Inbound.
func (b *Bridge) accept(env *Envelope) (orchestrator.Inbound, bool) {
	dm := env.DataMessage
	switch {
	case dm == nil || dm.Reaction != nil || strings.TrimSpace(dm.Message) == "":
		return orchestrator.Inbound{}, false
	case dm.GroupInfo != nil:
		b.logger.Debug("ignoring group message", "group", dm.GroupInfo.GroupID)
		return orchestrator.Inbound{}, false
	case env.Sender() == "":
		b.logger.Debug("ignoring message without a sender")
		return orchestrator.Inbound{}, false
	}

	in := orchestrator.Inbound{
		ContactID:   env.Sender(),
		DisplayName: env.SourceName,
		Text:        dm.Message,
		Timestamp:   env.MessageTimestamp(),
	}
	if dm.Quote != nil {
		in.Quoted = dm.Quote.Text
	}
	return in, true
}

// enqueue appends in to its contact's queue and starts a worker if the
// contact has none.
func (b *Bridge) enqueue(ctx context.Context, in orchestrator.Inbound) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, busy := b.queues[in.ContactID]
	b.queues[in.ContactID] = append(q, in)
	if busy {
		return
	}
	b.wg.Add(1)
	go b.drain(ctx, in.ContactID)
}

// drain handles contactID's messages one at a time until the queue is
// empty. After cancellation the rest are dropped.
func (b *Bridge) drain(ctx context.Context, contactID string) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		q := b.queues[contactID]
		if len(q) == 0 || ctx.Err() != nil {
			delete(b.queues, contactID)
			b.mu.Unlock()
			if len(q) > 0 {
				b.logger.Warn("dropping queued messages on shutdown", "contact", contactID, "count", len(q))
			}
			return
		}
		in := q[0]
		b.queues[contactID] = q[1:]
		b.mu.Unlock()

		b.dispatch(ctx, in)
	}
}

func (b *Bridge) dispatch(ctx context.Context, in orchestrator.Inbound) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("inbound handler panicked",
				"contact", in.ContactID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	b.logger.Info("message received", "contact", in.ContactID, "message_len", len(in.Text))
	if err := b.handler.HandleInbound(ctx, in); err != nil {
		b.logger.Error("inbound handling failed", "contact", in.ContactID, "error", err)
	}
}
