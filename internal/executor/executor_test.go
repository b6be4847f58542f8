package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/kinship/internal/relationship"
	"github.com/nugget/kinship/internal/script"
)

type call struct {
	op     string
	to     string
	arg    string
	target MessageHandle
}

// fakeTransport records every call and hands out increasing handles.
type fakeTransport struct {
	mu       sync.Mutex
	calls    []call
	next     int64
	failText map[string]error
}

func (f *fakeTransport) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeTransport) handle() MessageHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return MessageHandle{Author: "+60self", Timestamp: 1000 + f.next}
}

func (f *fakeTransport) SendText(_ context.Context, to, text string) (MessageHandle, error) {
	if err := f.failText[text]; err != nil {
		return MessageHandle{}, err
	}
	f.record(call{op: "text", to: to, arg: text})
	return f.handle(), nil
}

func (f *fakeTransport) SendReaction(_ context.Context, to, emoji string, target MessageHandle) error {
	f.record(call{op: "react", to: to, arg: emoji, target: target})
	return nil
}

func (f *fakeTransport) Forward(_ context.Context, to string, ref relationship.MessageRef) (MessageHandle, error) {
	f.record(call{op: "forward", to: to, arg: ref.Text})
	return f.handle(), nil
}

func (f *fakeTransport) SetPresence(_ context.Context, to string, p Presence) error {
	f.record(call{op: "presence", to: to, arg: p.String()})
	return nil
}

func (f *fakeTransport) ops(kind string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.op == kind {
			out = append(out, c)
		}
	}
	return out
}

type sleeps struct {
	mu sync.Mutex
	d  []time.Duration
}

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d = append(s.d, d)
	return nil
}

func testExecutor(t *testing.T) (*Executor, *relationship.Store, *fakeTransport, *sleeps) {
	t.Helper()
	store := relationship.NewStore(relationship.Config{})
	tr := &fakeTransport{}
	sl := &sleeps{}
	e := New(Config{
		Store:     store,
		Transport: tr,
		Sleep:     sl.sleep,
		Rand:      rand.New(rand.NewPCG(1, 2)),
	})
	return e, store, tr, sl
}

func TestExecute_TextThenReact(t *testing.T) {
	e, store, tr, sl := testExecutor(t)
	ctx := context.Background()
	store.GetOrInit(ctx, "a", "Amir")

	res := e.Execute(ctx, "a", script.Parse("[ACTION_BLOCK][TEXT]a[/TEXT][REACT]👍[/REACT][/ACTION_BLOCK]"))

	if res.Aborted != nil {
		t.Fatalf("Aborted = %v", res.Aborted)
	}
	if res.Sent != 1 || res.Reactions != 1 {
		t.Errorf("Sent, Reactions = %d, %d; want 1, 1", res.Sent, res.Reactions)
	}
	texts, reacts := tr.ops("text"), tr.ops("react")
	if len(texts) != 1 || texts[0].arg != "a" {
		t.Fatalf("texts = %+v", texts)
	}
	if len(reacts) != 1 || reacts[0].arg != "👍" || reacts[0].target != res.LastHandle {
		t.Errorf("reacts = %+v, want 👍 on %+v", reacts, res.LastHandle)
	}

	var order []string
	for _, c := range tr.calls {
		order = append(order, c.op+":"+c.arg)
	}
	want := "presence:composing,text:a,presence:paused,react:👍"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("call order = %s, want %s", got, want)
	}

	if len(sl.d) != 2 {
		t.Fatalf("sleeps = %v, want typing delay and pause", sl.d)
	}
	if sl.d[0] < PerCharDelay || sl.d[0] > MaxTypingDelay {
		t.Errorf("typing delay = %v", sl.d[0])
	}
	if sl.d[1] < PauseBase || sl.d[1] >= PauseBase+PauseJitter {
		t.Errorf("pause = %v", sl.d[1])
	}

	rec, _ := store.Get("a")
	if n := len(rec.History); n != 1 || rec.History[0].Speaker != relationship.SpeakerPersona {
		t.Errorf("history = %+v, want one persona turn", rec.History)
	}
}

func TestExecute_ReactWithoutHandle(t *testing.T) {
	e, _, tr, _ := testExecutor(t)
	res := e.Execute(context.Background(), "a", script.Parse("[ACTION_BLOCK][REACT]😂[/REACT][TEXT]lol[/TEXT][/ACTION_BLOCK]"))
	if res.Reactions != 0 || len(tr.ops("react")) != 0 {
		t.Errorf("reaction sent without a prior message")
	}
	if res.Sent != 1 {
		t.Errorf("Sent = %d, want 1", res.Sent)
	}
}

func TestExecute_MessageBookkeeping(t *testing.T) {
	e, store, _, _ := testExecutor(t)
	ctx := context.Background()
	_, _ = store.Update(ctx, "a", func(r *relationship.Record) error {
		r.Boredom = 7
		return nil
	})

	e.Execute(ctx, "a", script.Parse("[ACTION_BLOCK][PONDER]wait what did u mean?[/PONDER][/ACTION_BLOCK]"))

	rec, _ := store.Get("a")
	if rec.Boredom != 0 {
		t.Errorf("Boredom = %d, want 0", rec.Boredom)
	}
	if rec.LastMessageAt.IsZero() {
		t.Error("LastMessageAt not set")
	}
	if !rec.Pending.Awaiting || rec.Pending.FollowedUp || rec.Pending.AskedAt.IsZero() {
		t.Errorf("Pending = %+v, want awaiting", rec.Pending)
	}
}

func TestExecute_ForwardGossipIdempotent(t *testing.T) {
	e, store, tr, _ := testExecutor(t)
	ctx := context.Background()
	store.GetOrInit(ctx, "creep", "Creep")
	store.GetOrInit(ctx, "friend", "Friend")
	item := store.RecordEvidence(ctx, "creep", "sexy", relationship.MessageRef{Author: "creep", Timestamp: 42, Text: "ur so sexy"})

	fwd := script.Parse("[ACTION_BLOCK][FORWARD_GOSSIP][/FORWARD_GOSSIP][TEXT]see??[/TEXT][/ACTION_BLOCK]")
	first := e.Execute(ctx, "friend", fwd)
	second := e.Execute(ctx, "friend", fwd)

	forwards := tr.ops("forward")
	if len(forwards) != 1 || forwards[0].arg != "ur so sexy" || forwards[0].to != "friend" {
		t.Fatalf("forwards = %+v, want exactly one", forwards)
	}
	if len(first.Forwarded) != 1 || first.Forwarded[0] != item.ID {
		t.Errorf("first.Forwarded = %v", first.Forwarded)
	}
	if len(second.Forwarded) != 0 {
		t.Errorf("second.Forwarded = %v, want none", second.Forwarded)
	}

	owner, _ := store.Get("creep")
	if got := owner.WeirdInteractions[0].SharedWith; len(got) != 1 || got[0] != "friend" {
		t.Errorf("SharedWith = %v", got)
	}
}

func TestExecute_ForwardNeverToOwner(t *testing.T) {
	e, store, tr, _ := testExecutor(t)
	ctx := context.Background()
	store.RecordEvidence(ctx, "creep", "hot", relationship.MessageRef{Text: "ur hot"})

	e.Execute(ctx, "creep", script.Parse("[ACTION_BLOCK][FORWARD_GOSSIP][/FORWARD_GOSSIP][/ACTION_BLOCK]"))
	if n := len(tr.ops("forward")); n != 0 {
		t.Errorf("forwarded %d items to their own author", n)
	}
}

func TestExecute_AbortsOnSendFailure(t *testing.T) {
	e, _, tr, _ := testExecutor(t)
	sendErr := errors.New("socket closed")
	tr.failText = map[string]error{"two": sendErr}

	res := e.Execute(context.Background(), "a", script.Parse("[ACTION_BLOCK][TEXT]one[/TEXT][TEXT]two[/TEXT][TEXT]three[/TEXT][/ACTION_BLOCK]"))

	if !errors.Is(res.Aborted, sendErr) {
		t.Errorf("Aborted = %v, want %v", res.Aborted, sendErr)
	}
	if res.Sent != 1 {
		t.Errorf("Sent = %d, want 1", res.Sent)
	}
	for _, c := range tr.ops("text") {
		if c.arg == "three" {
			t.Error("tokens after the failure were sent")
		}
	}
}

func TestExecute_Ignore(t *testing.T) {
	e, store, tr, _ := testExecutor(t)
	res := e.Execute(context.Background(), "a", script.Parse("[ACTION_BLOCK][TEXT]hmm[/TEXT][IGNORE][/ACTION_BLOCK]"))
	if !res.Ignored || res.Sent != 0 || len(tr.calls) != 0 {
		t.Errorf("ignore sent something: %+v, calls %v", res, tr.calls)
	}
	rec, ok := store.Get("a")
	if !ok || rec.LastMessageAt.IsZero() {
		t.Error("LastMessageAt should be stamped on ignore")
	}
}

func TestExecute_NonTransportTokens(t *testing.T) {
	e, store, tr, _ := testExecutor(t)
	ctx := context.Background()
	_, _ = store.Update(ctx, "a", func(r *relationship.Record) error {
		r.Angry, r.Sulking, r.ShortTermEmotion = true, true, "furious"
		return nil
	})

	res := e.Execute(ctx, "a", script.Parse("[ACTION_BLOCK][CALM][REMEMBER]has a cat named mochi[/REMEMBER][REMEMBER]has a cat named mochi[/REMEMBER][SEARCH]mochi cat breed[/SEARCH][/ACTION_BLOCK]"))

	if !res.Calmed {
		t.Error("Calmed = false")
	}
	if len(res.Searches) != 1 || res.Searches[0] != "mochi cat breed" {
		t.Errorf("Searches = %v", res.Searches)
	}
	if len(tr.calls) != 0 {
		t.Errorf("transport calls = %v, want none", tr.calls)
	}
	rec, _ := store.Get("a")
	if rec.Angry || rec.Sulking || rec.ShortTermEmotion != "" {
		t.Errorf("mood flags not cleared: %+v", rec)
	}
	if len(rec.KeyMemories) != 1 {
		t.Errorf("KeyMemories = %v, want one deduplicated entry", rec.KeyMemories)
	}
}

func TestTypingDelay(t *testing.T) {
	tests := []struct {
		text string
		want time.Duration
	}{
		{"", 0},
		{"hey", 240 * time.Millisecond},
		{"héy", 240 * time.Millisecond},
		{strings.Repeat("x", 100), MaxTypingDelay},
	}
	for _, tt := range tests {
		if got := TypingDelay(tt.text); got != tt.want {
			t.Errorf("TypingDelay(%d chars) = %v, want %v", len(tt.text), got, tt.want)
		}
	}
}

func TestExecute_DelayNeverExceedsCap(t *testing.T) {
	e, _, _, sl := testExecutor(t)
	var b strings.Builder
	b.WriteString("[ACTION_BLOCK]")
	for i := range 20 {
		fmt.Fprintf(&b, "[TEXT]%s[/TEXT]", strings.Repeat("y", 30+i))
	}
	b.WriteString("[/ACTION_BLOCK]")
	e.Execute(context.Background(), "a", script.Parse(b.String()))
	for i := 0; i < len(sl.d); i += 2 {
		if sl.d[i] > MaxTypingDelay {
			t.Errorf("typing delay %v exceeds cap", sl.d[i])
		}
	}
}
