package signal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nugget/kinship/internal/executor"
	"github.com/nugget/kinship/internal/orchestrator"
	"github.com/nugget/kinship/internal/relationship"
)

type fakeSource struct {
	ch chan *Envelope

	mu       sync.Mutex
	receipts []int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan *Envelope, 16)}
}

func (s *fakeSource) Envelopes() <-chan *Envelope { return s.ch }

func (s *fakeSource) SendReceipt(_ context.Context, _ string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, ts)
	return nil
}

type recordingHandler struct {
	mu    sync.Mutex
	got   []orchestrator.Inbound
	panic bool
	err   error
}

func (h *recordingHandler) HandleInbound(_ context.Context, in orchestrator.Inbound) error {
	h.mu.Lock()
	h.got = append(h.got, in)
	h.mu.Unlock()
	if h.panic {
		panic("boom")
	}
	return h.err
}

func (h *recordingHandler) inbound() []orchestrator.Inbound {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]orchestrator.Inbound(nil), h.got...)
}

// runBridge feeds envs through a bridge and returns once it has drained
// them and every handler has finished.
func runBridge(t *testing.T, h Handler, envs ...*Envelope) *fakeSource {
	t.Helper()
	src := newFakeSource()
	for _, e := range envs {
		src.ch <- e
	}
	close(src.ch)

	b := NewBridge(BridgeConfig{Source: src, Handler: h})
	done := make(chan struct{})
	go func() {
		b.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop after the source closed")
	}
	return src
}

func text(sender, msg string, ts int64) *Envelope {
	return &Envelope{
		Source:       sender,
		SourceNumber: sender,
		SourceName:   "Aisyah",
		Timestamp:    ts,
		DataMessage:  &DataMessage{Timestamp: ts, Message: msg},
	}
}

func TestBridge_ForwardsDirectText(t *testing.T) {
	env := text("+60123", "hi there", 1700)
	env.DataMessage.Quote = &Quote{ID: 1600, Author: "+60999", Text: "you free?"}

	h := &recordingHandler{}
	src := runBridge(t, h, env)

	got := h.inbound()
	if len(got) != 1 {
		t.Fatalf("handled %d messages, want 1", len(got))
	}
	want := orchestrator.Inbound{
		ContactID:   "+60123",
		DisplayName: "Aisyah",
		Text:        "hi there",
		Quoted:      "you free?",
		Timestamp:   1700,
	}
	if got[0] != want {
		t.Errorf("inbound = %+v, want %+v", got[0], want)
	}
	if len(src.receipts) != 1 || src.receipts[0] != 1700 {
		t.Errorf("receipts = %v, want [1700]", src.receipts)
	}
}

func TestBridge_Filters(t *testing.T) {
	group := text("+60123", "hello group", 1)
	group.DataMessage.GroupInfo = &GroupInfo{GroupID: "g1"}

	reaction := text("+60123", "", 2)
	reaction.DataMessage.Reaction = &Reaction{Emoji: "❤️", TargetSentTimestamp: 1}

	anonymous := text("", "who am i", 3)

	blank := text("+60123", "   ", 4)

	typing := &Envelope{Source: "+60123", TypingMessage: &TypingMessage{Action: "STARTED"}}

	h := &recordingHandler{}
	src := runBridge(t, h, group, reaction, anonymous, blank, typing)

	if got := h.inbound(); len(got) != 0 {
		t.Errorf("handled %+v, want nothing", got)
	}
	if len(src.receipts) != 0 {
		t.Errorf("receipts = %v, want none", src.receipts)
	}
}

func TestBridge_HandlerPanicContained(t *testing.T) {
	h := &recordingHandler{panic: true}
	runBridge(t, h, text("+60123", "one", 1), text("+60456", "two", 2))

	if got := h.inbound(); len(got) != 2 {
		t.Errorf("handled %d messages, want 2 despite panics", len(got))
	}
}

// orderedHandler is slow for the first message of each contact and
// records arrival order per contact.
type orderedHandler struct {
	mu      sync.Mutex
	seen    map[string][]string
	started chan string
}

func (h *orderedHandler) HandleInbound(_ context.Context, in orchestrator.Inbound) error {
	h.mu.Lock()
	first := len(h.seen[in.ContactID]) == 0
	h.seen[in.ContactID] = append(h.seen[in.ContactID], in.Text)
	h.mu.Unlock()
	if first {
		h.started <- in.ContactID
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}

func TestBridge_SameContactInOrder(t *testing.T) {
	h := &orderedHandler{seen: make(map[string][]string), started: make(chan string, 8)}
	runBridge(t, h,
		text("+60123", "one", 1),
		text("+60456", "other", 2),
		text("+60123", "two", 3),
		text("+60123", "three", 4),
	)

	got := h.seen["+60123"]
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("handled %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("handled %v, want %v", got, want)
		}
	}
	if other := h.seen["+60456"]; len(other) != 1 {
		t.Errorf("other contact handled %v", other)
	}
	if len(h.started) != 2 {
		t.Errorf("%d contacts started, want 2", len(h.started))
	}
}

func TestBridge_ContactsRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	h := &blockingHandler{block: "+60123", release: release}
	src := newFakeSource()
	b := NewBridge(BridgeConfig{Source: src, Handler: h})

	done := make(chan struct{})
	go func() {
		b.Run(context.Background())
		close(done)
	}()
	src.ch <- text("+60123", "slow", 1)
	src.ch <- text("+60456", "fast", 2)

	select {
	case <-h.handled("+60456"):
	case <-time.After(2 * time.Second):
		t.Fatal("a slow contact held up another contact")
	}
	close(release)
	close(src.ch)
	<-done
}

// blockingHandler holds messages from block until release closes and
// signals every other contact's message.
type blockingHandler struct {
	block   string
	release chan struct{}

	mu   sync.Mutex
	done map[string]chan struct{}
}

func (h *blockingHandler) handled(id string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done == nil {
		h.done = make(map[string]chan struct{})
	}
	if h.done[id] == nil {
		h.done[id] = make(chan struct{})
	}
	return h.done[id]
}

func (h *blockingHandler) HandleInbound(_ context.Context, in orchestrator.Inbound) error {
	if in.ContactID == h.block {
		<-h.release
		return nil
	}
	close(h.handled(in.ContactID))
	return nil
}

func TestBridge_HandlerErrorLogged(t *testing.T) {
	h := &recordingHandler{err: errors.New("store down")}
	runBridge(t, h, text("+60123", "one", 1))

	if got := h.inbound(); len(got) != 1 {
		t.Errorf("handled %d messages, want 1", len(got))
	}
}

func TestBridge_StopsOnCancel(t *testing.T) {
	src := newFakeSource()
	b := NewBridge(BridgeConfig{Source: src, Handler: &recordingHandler{}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop on cancel")
	}
}

type fakeSender struct {
	calls []string
	last  map[string]any
}

func (f *fakeSender) Send(_ context.Context, to, text string) (int64, error) {
	f.calls = append(f.calls, "send")
	f.last = map[string]any{"to": to, "text": text}
	return 100, nil
}

func (f *fakeSender) SendQuoted(_ context.Context, to, text, author string, ts int64, quote string) (int64, error) {
	f.calls = append(f.calls, "quoted")
	f.last = map[string]any{"to": to, "text": text, "author": author, "ts": ts, "quote": quote}
	return 200, nil
}

func (f *fakeSender) SendReaction(_ context.Context, to, emoji, author string, ts int64) error {
	f.calls = append(f.calls, "reaction")
	f.last = map[string]any{"to": to, "emoji": emoji, "author": author, "ts": ts}
	return nil
}

func (f *fakeSender) SendTyping(_ context.Context, to string, stop bool) error {
	f.calls = append(f.calls, "typing")
	f.last = map[string]any{"to": to, "stop": stop}
	return nil
}

func TestTransport(t *testing.T) {
	ctx := context.Background()
	fs := &fakeSender{}
	tr := NewTransport(fs, "+60100")

	h, err := tr.SendText(ctx, "+60123", "hey")
	if err != nil {
		t.Fatal(err)
	}
	if h != (executor.MessageHandle{Author: "+60100", Timestamp: 100}) {
		t.Errorf("SendText handle = %+v", h)
	}

	if err := tr.SendReaction(ctx, "+60123", "😂", executor.MessageHandle{Timestamp: 100}); err != nil {
		t.Fatal(err)
	}
	if fs.last["author"] != "+60100" || fs.last["ts"] != int64(100) {
		t.Errorf("reaction target = %v, want own message", fs.last)
	}

	ref := relationship.MessageRef{Author: "+60999", Timestamp: 1700, Text: "ur hot"}
	h, err = tr.Forward(ctx, "+60123", ref)
	if err != nil {
		t.Fatal(err)
	}
	if h.Timestamp != 200 {
		t.Errorf("Forward handle = %+v", h)
	}
	if fs.last["author"] != "+60999" || fs.last["ts"] != int64(1700) || fs.last["text"] != "ur hot" || fs.last["quote"] != "ur hot" {
		t.Errorf("forward = %v", fs.last)
	}

	if err := tr.SetPresence(ctx, "+60123", executor.Paused); err != nil {
		t.Fatal(err)
	}
	if fs.last["stop"] != true {
		t.Errorf("Paused should stop typing, got %v", fs.last)
	}
	if err := tr.SetPresence(ctx, "+60123", executor.Composing); err != nil {
		t.Fatal(err)
	}
	if fs.last["stop"] != false {
		t.Errorf("Composing should start typing, got %v", fs.last)
	}

	want := []string{"send", "reaction", "quoted", "typing", "typing"}
	if len(fs.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", fs.calls, want)
	}
	for i := range want {
		if fs.calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, fs.calls[i], want[i])
		}
	}
}
