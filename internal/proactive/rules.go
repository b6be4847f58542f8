package proactive

import (
	"context"
	"fmt"
	"time"

	"github.com/nugget/kinship/internal/events"
	"github.com/nugget/kinship/internal/relationship"
)

// Rule names, in evaluation priority.
const (
	RuleShortGhost    = "short_ghost"
	RuleLongGhost     = "long_ghost"
	RuleCrush         = "crush"
	RuleCheckIn       = "check_in"
	RuleGoodMorning   = "good_morning"
	RuleDailyThought  = "daily_thought"
	RuleGossip        = "gossip"
	RulePrayerCatchUp = "prayer_catch_up"
)

// Rule thresholds.
const (
	ShortGhostAfter     = 10 * time.Minute
	LongGhostAfter      = 2 * time.Hour
	WorriedScore        = 50
	SulkScore           = 20
	CrushBoredom        = 7
	CheckInScore        = 50
	CheckInBoredom      = 5
	MorningScore        = 30
	MorningUnseen       = 8 * time.Hour
	MorningStartHour    = 8
	MorningEndHour      = 10
	DailyThoughtScore   = 50
	DailyThoughtBoredom = 6
	GossipMaxAge        = 24 * time.Hour
	GossipShareChance   = 0.5

	BoredAfter = 2 * time.Hour
	MaxBoredom = 10

	MoodSwingChance = 0.1
)

// job is one situation to run for one contact. still, when set, must
// hold for the contact's record at delivery time.
type job struct {
	rule      string
	contactID string
	situation string
	still     func(*relationship.Record) bool
}

// untouchedSince holds while nothing has been exchanged with the
// contact after seen.
func untouchedSince(seen time.Time) func(*relationship.Record) bool {
	return func(r *relationship.Record) bool { return r.LastMessageAt.Equal(seen) }
}

// plan evaluates the send rules in priority order over records and
// returns at most one job per contact. Flag-only outcomes are applied
// as they are found, each one re-checked against the live record.
func (s *Scheduler) plan(ctx context.Context, now time.Time, records []*relationship.Record) []job {
	global := s.store.Global()
	claimed := make(map[string]bool)
	var jobs []job

	emit := func(rule string, rec *relationship.Record, situation string) {
		claimed[rec.ID] = true
		jobs = append(jobs, job{
			rule:      rule,
			contactID: rec.ID,
			situation: situation,
			still:     untouchedSince(rec.LastMessageAt),
		})
	}

	// Short ghost.
	ghosted := func(r *relationship.Record) bool {
		p := r.Pending
		return p.Awaiting && !p.FollowedUp && now.Sub(p.AskedAt) > ShortGhostAfter
	}
	for _, rec := range records {
		if !ghosted(rec) {
			continue
		}
		cur, ok := s.claim(ctx, rec.ID, ghosted, func(r *relationship.Record) { r.Pending.FollowedUp = true })
		if !ok {
			continue
		}
		emit(RuleShortGhost, cur, "A person you asked a question to has ignored you for 10 minutes. You are impatient. Generate a short follow-up message like 'u there?' or 'helloooo??'.")
	}

	// Long ghost. The outcome follows the score at the moment the
	// question is dropped.
	overdue := func(r *relationship.Record) bool {
		return r.Pending.Awaiting && now.Sub(r.Pending.AskedAt) > LongGhostAfter
	}
	for _, rec := range records {
		if claimed[rec.ID] || !overdue(rec) {
			continue
		}
		worried, sulking := false, false
		cur, ok := s.claim(ctx, rec.ID, overdue, func(r *relationship.Record) {
			r.Pending.Awaiting = false
			switch {
			case r.Score >= WorriedScore:
				worried = true
			case r.Score >= SulkScore:
				r.Sulking = true
				r.ShortTermEmotion = "feeling ignored by " + r.Name()
				sulking = true
			}
		})
		if !ok {
			continue
		}
		switch {
		case worried:
			emit(RuleLongGhost, cur, fmt.Sprintf("You're worried because your best friend, %s, hasn't replied in over two hours. Generate a message that's a mix of concern and playful annoyance.", cur.Name()))
		case sulking:
			s.logger.Info("sulking after being ghosted", "contact", rec.ID)
		}
	}

	// Crush boredom.
	if crush := global.CrushContactID; crush != "" && !claimed[crush] {
		for _, rec := range records {
			if rec.ID == crush && rec.Boredom >= CrushBoredom {
				emit(RuleCrush, rec, fmt.Sprintf("You are extremely bored. Message your secret crush, %s.", rec.Name()))
				break
			}
		}
	}

	// Friend check-in: the first eligible friend only.
	for _, rec := range records {
		if claimed[rec.ID] || rec.ID == global.CrushContactID {
			continue
		}
		if rec.Score >= CheckInScore && rec.Boredom >= CheckInBoredom {
			emit(RuleCheckIn, rec, fmt.Sprintf("You are pretty bored. Check in with your close friend, %s.", rec.Name()))
			break
		}
	}

	// Good morning: the first friend unseen overnight.
	if h := now.In(s.loc).Hour(); h >= MorningStartHour && h < MorningEndHour {
		for _, rec := range records {
			if claimed[rec.ID] || rec.Score < MorningScore {
				continue
			}
			if rec.LastMessageAt.IsZero() || now.Sub(rec.LastMessageAt) >= MorningUnseen {
				emit(RuleGoodMorning, rec, fmt.Sprintf("It's morning. Send a short, low-effort 'good morning' message to your friend, %s.", rec.Name()))
				break
			}
		}
	}

	// Daily thought.
	for _, rec := range records {
		if claimed[rec.ID] {
			continue
		}
		if rec.Score >= DailyThoughtScore && rec.Boredom >= DailyThoughtBoredom {
			emit(RuleDailyThought, rec, fmt.Sprintf("You're having a random, moody thought about your day. Share it with your best friend, %s.", rec.Name()))
			break
		}
	}

	// Gossip share. The item is marked shared when the situation is
	// emitted, before delivery.
	for _, rec := range records {
		if claimed[rec.ID] || !rec.Tier().AtLeast(relationship.Friend) {
			continue
		}
		i := rec.NextUnsharedGossip()
		if i < 0 || now.Sub(rec.GossipReceived[i].At) >= GossipMaxAge {
			continue
		}
		if s.rng.Float64() < GossipShareChance {
			continue
		}
		item, ok := s.store.ClaimReceivedGossip(ctx, rec.ID)
		if !ok {
			continue
		}
		s.logger.Info("sharing gossip", "contact", rec.ID, "about", item.AboutContactID)
		emit(RuleGossip, rec, fmt.Sprintf("You need to vent to your friend %s about something weird that happened. Someone named \"%s\" just messaged you saying: \"%s\". Tell your friend how weird or creepy that was.", rec.Name(), item.AboutName, item.Message))
	}

	return jobs
}

// tickBoredom raises boredom for every contact the persona has not
// messaged in BoredAfter.
func (s *Scheduler) tickBoredom(ctx context.Context, now time.Time) {
	for _, rec := range s.store.Records() {
		if rec.Boredom >= MaxBoredom {
			continue
		}
		if !rec.LastMessageAt.IsZero() && now.Sub(rec.LastMessageAt) <= BoredAfter {
			continue
		}
		s.update(ctx, rec.ID, func(r *relationship.Record) {
			r.Boredom = min(r.Boredom+1, MaxBoredom)
		})
	}
}

// swingMood occasionally replaces the global mood.
func (s *Scheduler) swingMood(ctx context.Context) {
	if s.rng.Float64() >= MoodSwingChance {
		return
	}
	moods := relationship.Moods()
	mood := moods[s.rng.IntN(len(moods))]
	prev := s.store.Global().CurrentMood
	if mood == prev {
		return
	}
	s.store.UpdateGlobal(ctx, func(g *relationship.Globals) { g.CurrentMood = mood })
	s.logger.Info("mood swing", "from", prev, "to", mood)
	s.publish(events.KindMoodChanged, map[string]any{"from": string(prev), "to": string(mood)})
}

// claim applies fn to id's record only if cond still holds for the live
// record. It returns the updated copy and whether fn ran.
func (s *Scheduler) claim(ctx context.Context, id string, cond func(*relationship.Record) bool, fn func(*relationship.Record)) (*relationship.Record, bool) {
	rec, err := s.store.Update(ctx, id, func(r *relationship.Record) error {
		if !cond(r) {
			return relationship.ErrStale
		}
		fn(r)
		return nil
	})
	return rec, err == nil
}

func (s *Scheduler) update(ctx context.Context, id string, fn func(*relationship.Record)) {
	_, _ = s.store.Update(ctx, id, func(r *relationship.Record) error {
		fn(r)
		return nil
	})
}
