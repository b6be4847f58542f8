package proactive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/kinship/internal/events"
	"github.com/nugget/kinship/internal/relationship"
)

// Prayer timing.
const (
	DefaultPrayerDuration = 10 * time.Minute
	// PrayerSafetyNet force-exits a prayer that has run this long.
	PrayerSafetyNet = 30 * time.Minute
	// NotifyWindow is how recently the persona must have messaged a
	// contact for them to get a "brb".
	NotifyWindow = 5 * time.Minute
)

// Prayer is one daily prayer slot in local time.
type Prayer struct {
	Name   string
	Hour   int
	Minute int
}

// ParsePrayer parses an "HH:MM" slot.
func ParsePrayer(name, at string) (Prayer, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(at))
	if err != nil {
		return Prayer{}, fmt.Errorf("prayer %s: invalid time %q: %w", name, at, err)
	}
	return Prayer{Name: name, Hour: t.Hour(), Minute: t.Minute()}, nil
}

// DefaultPrayers returns the five daily prayers.
func DefaultPrayers() []Prayer {
	return []Prayer{
		{Name: "Fajr", Hour: 5, Minute: 30},
		{Name: "Dhuhr", Hour: 13, Minute: 0},
		{Name: "Asr", Hour: 16, Minute: 30},
		{Name: "Maghrib", Hour: 19, Minute: 0},
		{Name: "Isha", Hour: 21, Minute: 0},
	}
}

// startOn returns the prayer's start on the local day of now.
func (p Prayer) startOn(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, p.Hour, p.Minute, 0, 0, now.Location())
}

// NotifyText is sent to recent contacts when a prayer starts.
func NotifyText(name string) string {
	return "brb, time for " + name + "."
}

// catchUpSituation describes the messages missed during prayer.
func catchUpSituation(name string, msgs []string) string {
	return fmt.Sprintf("You just finished praying. You missed these messages from %s: \"%s\". Formulate a natural reply.",
		name, strings.Join(msgs, "\n"))
}

// duePrayer returns the prayer whose window contains now.
func (s *Scheduler) duePrayer(now time.Time) (Prayer, bool) {
	local := now.In(s.loc)
	for _, p := range s.prayers {
		start := p.startOn(local)
		if !local.Before(start) && local.Before(start.Add(s.prayerDuration)) {
			return p, true
		}
	}
	return Prayer{}, false
}

// PrayerTick enters or leaves prayer as the clock requires.
func (s *Scheduler) PrayerTick(ctx context.Context, now time.Time) {
	g := s.store.Global()
	if g.InPrayer {
		elapsed := now.Sub(g.PrayerStartedAt)
		switch {
		case elapsed >= PrayerSafetyNet:
			s.logger.Warn("prayer state stuck, forcing exit", "prayer", g.PrayerName, "elapsed", elapsed)
			s.ExitPrayer(ctx)
		case elapsed >= s.prayerDuration:
			s.ExitPrayer(ctx)
		}
		return
	}
	if p, ok := s.duePrayer(now); ok {
		s.EnterPrayer(ctx, p.Name, now)
	}
}

// EnterPrayer starts prayer. It reports false, doing nothing, when a
// prayer is already in progress.
func (s *Scheduler) EnterPrayer(ctx context.Context, name string, now time.Time) bool {
	entered := false
	s.store.UpdateGlobal(ctx, func(g *relationship.Globals) {
		if g.InPrayer {
			return
		}
		g.InPrayer = true
		g.PrayerName = name
		g.PrayerStartedAt = now
		entered = true
	})
	if !entered {
		return false
	}
	s.logger.Info("prayer started", "prayer", name)
	s.publish(events.KindPrayerEntered, map[string]any{"prayer": name})

	text := NotifyText(name)
	for _, rec := range s.store.Records() {
		if rec.LastMessageAt.IsZero() || now.Sub(rec.LastMessageAt) >= NotifyWindow {
			continue
		}
		if err := s.runner.Notify(ctx, rec.ID, text); err != nil {
			s.logger.Warn("prayer notice failed", "contact", rec.ID, "error", err)
		}
	}
	return true
}

// ExitPrayer ends prayer and answers everything that arrived during
// it, one catch-up per contact.
func (s *Scheduler) ExitPrayer(ctx context.Context) {
	var name string
	s.store.UpdateGlobal(ctx, func(g *relationship.Globals) {
		name = g.PrayerName
		g.InPrayer = false
		g.PrayerName = ""
		g.PrayerStartedAt = time.Time{}
	})

	var missed []Missed
	if s.buffer != nil {
		missed = s.buffer.Drain()
	}
	s.logger.Info("prayer finished", "prayer", name, "catch_ups", len(missed))
	s.publish(events.KindPrayerExited, map[string]any{"prayer": name, "catch_ups": len(missed)})

	jobs := make([]job, 0, len(missed))
	for _, m := range missed {
		contactName := m.ContactID
		if rec, ok := s.store.Get(m.ContactID); ok {
			contactName = rec.Name()
		}
		jobs = append(jobs, job{
			rule:      RulePrayerCatchUp,
			contactID: m.ContactID,
			situation: catchUpSituation(contactName, m.Messages),
		})
	}
	s.run(ctx, jobs)
}
