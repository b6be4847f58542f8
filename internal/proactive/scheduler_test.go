package proactive

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nugget/kinship/internal/executor"
	"github.com/nugget/kinship/internal/relationship"
)

type situation struct {
	contactID string
	text      string
}

// fakeRunner checks preconditions against store the way the
// orchestrator does and records what it would have sent.
type fakeRunner struct {
	store *relationship.Store
	// onRun runs after a situation is accepted, outside the lock.
	onRun func(id string)

	mu         sync.Mutex
	situations []situation
	notices    []situation
	err        error
	panicOn    string
}

func (f *fakeRunner) RunSituation(_ context.Context, id, text string, still func(*relationship.Record) bool) (executor.Result, error) {
	if id == f.panicOn {
		panic("runner exploded")
	}
	if still != nil {
		if rec, ok := f.store.Get(id); !ok || !still(rec) {
			return executor.Result{}, relationship.ErrStale
		}
	}
	if f.onRun != nil {
		f.onRun(id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.situations = append(f.situations, situation{id, text})
	if f.err != nil {
		return executor.Result{}, f.err
	}
	return executor.Result{Sent: 1}, nil
}

func (f *fakeRunner) Notify(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, situation{id, text})
	return nil
}

func (f *fakeRunner) sent() []situation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]situation(nil), f.situations...)
}

// noon is inside the active window and outside every prayer slot.
var noon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newScheduler(t *testing.T) (*Scheduler, *relationship.Store, *fakeRunner) {
	t.Helper()
	store := relationship.NewStore(relationship.Config{})
	runner := &fakeRunner{store: store}
	s := New(Config{
		Store:    store,
		Runner:   runner,
		Buffer:   NewBuffer(),
		Location: time.UTC,
		Rand:     rand.New(rand.NewPCG(7, 8)),
	})
	return s, store, runner
}

func seed(t *testing.T, store *relationship.Store, id string, fn func(r *relationship.Record)) {
	t.Helper()
	_, _ = store.Update(context.Background(), id, func(r *relationship.Record) error {
		r.Contact.DisplayName = strings.ToUpper(id[:1]) + id[1:]
		fn(r)
		return nil
	})
}

func TestCanBeProactive(t *testing.T) {
	tests := []struct {
		name  string
		now   time.Time
		setup func(g *relationship.Globals)
		want  bool
	}{
		{name: "midday", now: noon, want: true},
		{name: "before window", now: noon.Add(-5 * time.Hour), want: false},
		{name: "window end is exclusive", now: time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC), want: false},
		{name: "window start is inclusive", now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), want: true},
		{
			name:  "praying",
			now:   noon,
			setup: func(g *relationship.Globals) { g.InPrayer = true },
			want:  false,
		},
		{
			name:  "recent interaction",
			now:   noon,
			setup: func(g *relationship.Globals) { g.LastInteractionAt = noon.Add(-30 * time.Minute) },
			want:  false,
		},
		{
			name:  "quiet long enough",
			now:   noon,
			setup: func(g *relationship.Globals) { g.LastInteractionAt = noon.Add(-61 * time.Minute) },
			want:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, store, _ := newScheduler(t)
			if tt.setup != nil {
				store.UpdateGlobal(context.Background(), tt.setup)
			}
			if got := s.CanBeProactive(tt.now); got != tt.want {
				t.Errorf("CanBeProactive(%s) = %v, want %v", tt.now.Format("15:04"), got, tt.want)
			}
		})
	}
}

func TestTick_ShortGhost(t *testing.T) {
	s, store, runner := newScheduler(t)
	ctx := context.Background()
	seed(t, store, "amir", func(r *relationship.Record) {
		r.LastMessageAt = noon.Add(-11 * time.Minute)
		r.Pending = relationship.PendingQuestion{Awaiting: true, AskedAt: noon.Add(-11 * time.Minute)}
	})

	s.Tick(ctx, noon)
	s.Tick(ctx, noon.Add(5*time.Minute))

	sent := runner.sent()
	if len(sent) != 1 || !strings.Contains(sent[0].text, "ignored you for 10 minutes") {
		t.Fatalf("situations = %+v, want one impatient follow-up", sent)
	}
	rec, _ := store.Get("amir")
	if !rec.Pending.FollowedUp || !rec.Pending.Awaiting {
		t.Errorf("Pending = %+v, want awaiting and followed up", rec.Pending)
	}
}

func TestTick_ProactiveSendRestartsQuietPeriod(t *testing.T) {
	s, store, runner := newScheduler(t)
	ctx := context.Background()
	now := noon
	// Every follow-up asks another question, as "u there?" does.
	runner.onRun = func(id string) {
		_, _ = store.Update(ctx, id, func(r *relationship.Record) error {
			r.MarkDelivered(now)
			r.AskQuestion(now)
			return nil
		})
	}
	seed(t, store, "amir", func(r *relationship.Record) {
		r.LastMessageAt = noon.Add(-11 * time.Minute)
		r.Pending = relationship.PendingQuestion{Awaiting: true, AskedAt: noon.Add(-11 * time.Minute)}
	})

	for i := range 6 {
		now = noon.Add(time.Duration(i) * 11 * time.Minute)
		s.Tick(ctx, now)
	}
	if sent := runner.sent(); len(sent) != 1 {
		t.Fatalf("sent %d follow-ups inside the quiet period, want 1: %+v", len(sent), sent)
	}
	if got := store.Global().LastInteractionAt; !got.Equal(noon) {
		t.Errorf("LastInteractionAt = %v, want %v", got, noon)
	}

	now = noon.Add(61 * time.Minute)
	s.Tick(ctx, now)
	if n := len(runner.sent()); n != 2 {
		t.Errorf("sent %d after the quiet period, want 2", n)
	}
}

func TestTick_FailedSendKeepsGateOpen(t *testing.T) {
	s, store, runner := newScheduler(t)
	runner.err = errors.New("llm down")
	seed(t, store, "amir", func(r *relationship.Record) {
		r.Pending = relationship.PendingQuestion{Awaiting: true, AskedAt: noon.Add(-11 * time.Minute)}
	})

	s.Tick(context.Background(), noon)

	if !store.Global().LastInteractionAt.IsZero() {
		t.Error("an undelivered job stamped the interaction time")
	}
}

func TestPlan_ReplyAfterSnapshot(t *testing.T) {
	tests := []struct {
		name    string
		pending relationship.PendingQuestion
		score   int
	}{
		{
			name:    "short ghost",
			pending: relationship.PendingQuestion{Awaiting: true, AskedAt: noon.Add(-11 * time.Minute)},
		},
		{
			name:    "long ghost",
			pending: relationship.PendingQuestion{Awaiting: true, AskedAt: noon.Add(-3 * time.Hour), FollowedUp: true},
			score:   60,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, store, runner := newScheduler(t)
			ctx := context.Background()
			seed(t, store, "bella", func(r *relationship.Record) {
				r.Score = tt.score
				r.LastMessageAt = tt.pending.AskedAt
				r.Pending = tt.pending
			})

			records := store.Records()
			// bella answers after the snapshot was taken.
			_, _ = store.Update(ctx, "bella", func(r *relationship.Record) error {
				r.ClearQuestion()
				r.AppendTurn(relationship.SpeakerContact, "sorry, was driving", noon)
				return nil
			})

			jobs := s.plan(ctx, noon, records)
			s.run(ctx, jobs)

			if len(jobs) != 0 || len(runner.sent()) != 0 {
				t.Errorf("jobs = %+v, sent = %+v, want nothing for an answered question", jobs, runner.sent())
			}
			rec, _ := store.Get("bella")
			if rec.Pending != (relationship.PendingQuestion{}) {
				t.Errorf("Pending = %+v, want it left idle", rec.Pending)
			}
		})
	}
}

func TestRun_ReplyBeforeDeliveryDropsJob(t *testing.T) {
	s, store, runner := newScheduler(t)
	ctx := context.Background()
	seed(t, store, "bella", func(r *relationship.Record) {
		r.LastMessageAt = noon.Add(-11 * time.Minute)
		r.Pending = relationship.PendingQuestion{Awaiting: true, AskedAt: noon.Add(-11 * time.Minute)}
	})

	jobs := s.plan(ctx, noon, store.Records())
	if len(jobs) != 1 {
		t.Fatalf("planned %d jobs, want 1", len(jobs))
	}
	store.AppendTurn(ctx, "bella", relationship.SpeakerContact, "here!")

	if sent := s.run(ctx, jobs); sent != 0 || len(runner.sent()) != 0 {
		t.Errorf("run delivered %d, want the stale follow-up dropped", sent)
	}
}

func TestTick_LongGhost(t *testing.T) {
	tests := []struct {
		name        string
		score       int
		wantSend    bool
		wantSulking bool
	}{
		{name: "best friend worries", score: 60, wantSend: true},
		{name: "friend sulks", score: 25, wantSulking: true},
		{name: "stranger forgotten", score: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, store, runner := newScheduler(t)
			asked := noon.Add(-3 * time.Hour)
			seed(t, store, "dana", func(r *relationship.Record) {
				r.Score = tt.score
				r.LastMessageAt = asked
				r.Pending = relationship.PendingQuestion{Awaiting: true, AskedAt: asked, FollowedUp: true}
			})

			s.Tick(context.Background(), noon)

			sent := runner.sent()
			if tt.wantSend != (len(sent) == 1 && strings.Contains(sent[0].text, "worried")) {
				t.Errorf("situations = %+v, wantSend %v", sent, tt.wantSend)
			}
			if !tt.wantSend && len(sent) != 0 {
				t.Errorf("unexpected send: %+v", sent)
			}
			rec, _ := store.Get("dana")
			if rec.Pending.Awaiting {
				t.Error("Awaiting not cleared")
			}
			if rec.Sulking != tt.wantSulking {
				t.Errorf("Sulking = %v, want %v", rec.Sulking, tt.wantSulking)
			}
			if tt.wantSulking && rec.ShortTermEmotion != "feeling ignored by Dana" {
				t.Errorf("ShortTermEmotion = %q", rec.ShortTermEmotion)
			}
		})
	}
}

func TestTick_OneSendPerContact(t *testing.T) {
	s, store, runner := newScheduler(t)
	seed(t, store, "bff", func(r *relationship.Record) {
		r.Score = 80
		r.Boredom = 9
		r.LastMessageAt = noon.Add(-20 * time.Minute)
		r.Pending = relationship.PendingQuestion{Awaiting: true, AskedAt: noon.Add(-20 * time.Minute)}
	})

	s.Tick(context.Background(), noon)

	sent := runner.sent()
	if len(sent) != 1 {
		t.Fatalf("situations = %+v, want exactly one for the contact", sent)
	}
	if !strings.Contains(sent[0].text, "ignored you") {
		t.Errorf("highest priority rule should win, got %q", sent[0].text)
	}
}

func TestTick_CrushAndCheckIn(t *testing.T) {
	s, store, runner := newScheduler(t)
	ctx := context.Background()
	store.UpdateGlobal(ctx, func(g *relationship.Globals) { g.CrushContactID = "crush" })
	recent := noon.Add(-30 * time.Minute)
	seed(t, store, "crush", func(r *relationship.Record) {
		r.Score = 70
		r.Boredom = 7
		r.LastMessageAt = recent
	})
	seed(t, store, "pal", func(r *relationship.Record) {
		r.Score = 55
		r.Boredom = 5
		r.LastMessageAt = recent
	})

	s.Tick(ctx, noon)

	got := map[string]string{}
	for _, sit := range runner.sent() {
		got[sit.contactID] = sit.text
	}
	if !strings.Contains(got["crush"], "secret crush, Crush") {
		t.Errorf("crush situation = %q", got["crush"])
	}
	if !strings.Contains(got["pal"], "Check in with your close friend, Pal") {
		t.Errorf("check-in situation = %q", got["pal"])
	}
}

func TestTick_GoodMorning(t *testing.T) {
	s, store, runner := newScheduler(t)
	morning := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	seed(t, store, "kim", func(r *relationship.Record) {
		r.Score = 30
		r.LastMessageAt = morning.Add(-9 * time.Hour)
	})
	seed(t, store, "lee", func(r *relationship.Record) {
		r.Score = 30
		r.LastMessageAt = morning.Add(-time.Hour)
	})

	s.Tick(context.Background(), morning)

	sent := runner.sent()
	if len(sent) != 1 || sent[0].contactID != "kim" || !strings.Contains(sent[0].text, "good morning") {
		t.Errorf("situations = %+v, want one good morning to kim", sent)
	}

	runner.situations = nil
	s.Tick(context.Background(), noon)
	for _, sit := range runner.sent() {
		if strings.Contains(sit.text, "good morning") {
			t.Error("good morning sent outside the morning window")
		}
	}
}

func TestTick_GossipSharedOnce(t *testing.T) {
	s, store, runner := newScheduler(t)
	ctx := context.Background()
	seed(t, store, "friend", func(r *relationship.Record) {
		r.Score = 25
		r.LastMessageAt = noon.Add(-10 * time.Minute)
	})
	seed(t, store, "creep", func(r *relationship.Record) {})
	store.RecordEvidence(ctx, "creep", "hot", relationship.MessageRef{Author: "creep", Timestamp: 1, Text: "ur hot"})

	for i := range 64 {
		s.Tick(ctx, noon.Add(time.Duration(i)*time.Second))
	}

	var shares []situation
	for _, sit := range runner.sent() {
		if strings.Contains(sit.text, "vent to your friend") {
			shares = append(shares, sit)
		}
	}
	if len(shares) != 1 || shares[0].contactID != "friend" || !strings.Contains(shares[0].text, `saying: "ur hot"`) {
		t.Fatalf("gossip situations = %+v, want exactly one", shares)
	}
	rec, _ := store.Get("friend")
	if !rec.GossipReceived[0].Shared {
		t.Error("gossip not marked shared on emission")
	}
}

func TestTick_StaleGossipNotShared(t *testing.T) {
	s, store, runner := newScheduler(t)
	seed(t, store, "friend", func(r *relationship.Record) {
		r.Score = 25
		r.LastMessageAt = noon
		r.GossipReceived = []relationship.GossipItem{{AboutName: "X", Message: "old", At: noon.Add(-25 * time.Hour)}}
	})
	for range 32 {
		s.Tick(context.Background(), noon)
	}
	if n := len(runner.sent()); n != 0 {
		t.Errorf("shared %d stale items", n)
	}
}

func TestTick_BoredomAlwaysRuns(t *testing.T) {
	s, store, _ := newScheduler(t)
	night := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)
	seed(t, store, "idle", func(r *relationship.Record) { r.LastMessageAt = night.Add(-3 * time.Hour) })
	seed(t, store, "maxed", func(r *relationship.Record) {
		r.LastMessageAt = night.Add(-3 * time.Hour)
		r.Boredom = MaxBoredom
	})
	seed(t, store, "active", func(r *relationship.Record) { r.LastMessageAt = night.Add(-time.Hour) })

	s.Tick(context.Background(), night)

	for id, want := range map[string]int{"idle": 1, "maxed": MaxBoredom, "active": 0} {
		rec, _ := store.Get(id)
		if rec.Boredom != want {
			t.Errorf("%s Boredom = %d, want %d", id, rec.Boredom, want)
		}
	}
}

func TestTick_MoodSwings(t *testing.T) {
	s, store, _ := newScheduler(t)
	night := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)
	seen := map[relationship.Mood]bool{}
	for range 300 {
		s.Tick(context.Background(), night)
		seen[store.Global().CurrentMood] = true
	}
	if len(seen) < 2 {
		t.Errorf("mood never changed: %v", seen)
	}
	for m := range seen {
		valid := false
		for _, known := range relationship.Moods() {
			valid = valid || m == known
		}
		if !valid {
			t.Errorf("unknown mood %q", m)
		}
	}
}

func TestTick_JobFailuresContained(t *testing.T) {
	s, store, runner := newScheduler(t)
	runner.err = errors.New("llm down")
	runner.panicOn = "boom"
	for _, id := range []string{"boom", "fine"} {
		seed(t, store, id, func(r *relationship.Record) {
			r.LastMessageAt = noon.Add(-15 * time.Minute)
			r.Pending = relationship.PendingQuestion{Awaiting: true, AskedAt: noon.Add(-15 * time.Minute)}
		})
	}

	s.Tick(context.Background(), noon)

	if sent := runner.sent(); len(sent) != 1 || sent[0].contactID != "fine" {
		t.Errorf("situations = %+v, want the healthy job to run", sent)
	}
}

func TestPrayer_EnterAndExit(t *testing.T) {
	s, store, runner := newScheduler(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)
	seed(t, store, "recent", func(r *relationship.Record) { r.LastMessageAt = start.Add(-2 * time.Minute) })
	seed(t, store, "stale", func(r *relationship.Record) { r.LastMessageAt = start.Add(-time.Hour) })

	if !s.EnterPrayer(ctx, "Dhuhr", start) {
		t.Fatal("EnterPrayer returned false")
	}
	if s.EnterPrayer(ctx, "Asr", start) {
		t.Error("second EnterPrayer should be a no-op")
	}
	if g := store.Global(); !g.InPrayer || g.PrayerName != "Dhuhr" || !g.PrayerStartedAt.Equal(start) {
		t.Errorf("Globals = %+v", g)
	}
	if len(runner.notices) != 1 || runner.notices[0] != (situation{"recent", "brb, time for Dhuhr."}) {
		t.Errorf("notices = %+v", runner.notices)
	}

	s.buffer.Add("recent", "u there")
	s.buffer.Add("recent", "hello??")
	s.ExitPrayer(ctx)

	if store.Global().InPrayer {
		t.Error("still in prayer after exit")
	}
	sent := runner.sent()
	if len(sent) != 1 || sent[0].contactID != "recent" {
		t.Fatalf("catch-ups = %+v", sent)
	}
	if want := "You missed these messages from Recent: \"u there\nhello??\""; !strings.Contains(sent[0].text, want) {
		t.Errorf("catch-up = %q, want it to contain %q", sent[0].text, want)
	}
	if s.buffer.Len() != 0 {
		t.Error("buffer not drained")
	}
}

func TestPrayerTick(t *testing.T) {
	s, store, _ := newScheduler(t)
	ctx := context.Background()
	at := func(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC) }

	steps := []struct {
		now         time.Time
		wantPraying bool
	}{
		{at(12, 59), false},
		{at(13, 0), true},
		{at(13, 9), true},
		{at(13, 10), false},
		{at(13, 11), false},
		{at(16, 35), true},
	}
	for _, st := range steps {
		s.PrayerTick(ctx, st.now)
		if got := store.Global().InPrayer; got != st.wantPraying {
			t.Errorf("at %s InPrayer = %v, want %v", st.now.Format("15:04"), got, st.wantPraying)
		}
	}
}

func TestPrayerTick_SafetyNet(t *testing.T) {
	store := relationship.NewStore(relationship.Config{})
	s := New(Config{
		Store:          store,
		Runner:         &fakeRunner{},
		Location:       time.UTC,
		PrayerDuration: 2 * time.Hour,
	})
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)
	s.EnterPrayer(ctx, "Dhuhr", start)

	s.PrayerTick(ctx, start.Add(29*time.Minute))
	if !store.Global().InPrayer {
		t.Fatal("exited before the safety net")
	}
	s.PrayerTick(ctx, start.Add(PrayerSafetyNet))
	if store.Global().InPrayer {
		t.Error("safety net did not force an exit")
	}
}

func TestParsePrayer(t *testing.T) {
	p, err := ParsePrayer("Fajr", " 05:30 ")
	if err != nil || p != (Prayer{Name: "Fajr", Hour: 5, Minute: 30}) {
		t.Errorf("ParsePrayer = %+v, %v", p, err)
	}
	if _, err := ParsePrayer("Bad", "25:99"); err == nil {
		t.Error("expected error for invalid time")
	}
}

func TestBuffer_DrainOrder(t *testing.T) {
	b := NewBuffer()
	b.Add("b", "1")
	b.Add("a", "2")
	b.Add("b", "3")
	got := b.Drain()
	if len(got) != 2 || got[0].ContactID != "b" || len(got[0].Messages) != 2 || got[1].ContactID != "a" {
		t.Errorf("Drain() = %+v", got)
	}
	if len(b.Drain()) != 0 {
		t.Error("second Drain not empty")
	}
}

func TestStartStop_NoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, _, _ := newScheduler(t)
	s.interval = 5 * time.Millisecond
	s.prayerInterval = 5 * time.Millisecond

	s.Start(context.Background())
	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, _, _ := newScheduler(t)
	s.interval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	s.Stop()
}
