// Package proactive makes the persona reach out on its own: chasing
// unanswered questions, checking in when bored, sharing gossip, and
// stepping away to pray.
//
// A [Scheduler] ticks on two clocks. The proactive tick (every five
// minutes) updates boredom and mood and, when the persona is allowed to
// be proactive, evaluates the send rules. The prayer tick (every
// minute) drives the prayer state machine.
package proactive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/kinship/internal/events"
	"github.com/nugget/kinship/internal/executor"
	"github.com/nugget/kinship/internal/relationship"
)

// Defaults.
const (
	DefaultInterval       = 5 * time.Minute
	DefaultPrayerInterval = time.Minute
	DefaultQuietPeriod    = time.Hour
	DefaultActiveStart    = 8
	DefaultActiveEnd      = 23
	DefaultWorkers        = 4
)

// Runner delivers proactive messages. The orchestrator implements it.
//
// RunSituation checks still, when non-nil, against the contact's record
// under the conversation lock and returns relationship.ErrStale without
// sending if it no longer holds.
type Runner interface {
	RunSituation(ctx context.Context, contactID, situation string, still func(*relationship.Record) bool) (executor.Result, error)
	Notify(ctx context.Context, contactID, text string) error
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config configures a Scheduler. Zero values take the defaults above.
type Config struct {
	Store  *relationship.Store
	Runner Runner
	Buffer *Buffer
	Events *events.Bus
	Logger *slog.Logger
	Clock  Clock
	Rand   *rand.Rand

	Location        *time.Location
	Interval        time.Duration
	PrayerInterval  time.Duration
	QuietPeriod     time.Duration
	ActiveStartHour int
	ActiveEndHour   int
	// Prayers nil means DefaultPrayers; an empty non-nil slice
	// disables prayer.
	Prayers        []Prayer
	PrayerDuration time.Duration
	Workers        int
}

// Scheduler runs the proactive rules and the prayer state machine.
type Scheduler struct {
	store  *relationship.Store
	runner Runner
	buffer *Buffer
	events *events.Bus
	logger *slog.Logger
	clock  Clock
	rng    *rand.Rand

	loc            *time.Location
	interval       time.Duration
	prayerInterval time.Duration
	quiet          time.Duration
	activeStart    int
	activeEnd      int
	prayers        []Prayer
	prayerDuration time.Duration
	workers        int

	// tickMu keeps ticks from overlapping; rng is only used under it.
	tickMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		store:          cfg.Store,
		runner:         cfg.Runner,
		buffer:         cfg.Buffer,
		events:         cfg.Events,
		logger:         cfg.Logger,
		clock:          cfg.Clock,
		rng:            cfg.Rand,
		loc:            cfg.Location,
		interval:       cfg.Interval,
		prayerInterval: cfg.PrayerInterval,
		quiet:          cfg.QuietPeriod,
		activeStart:    cfg.ActiveStartHour,
		activeEnd:      cfg.ActiveEndHour,
		prayers:        cfg.Prayers,
		prayerDuration: cfg.PrayerDuration,
		workers:        cfg.Workers,
		stopCh:         make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "proactive")
	if s.clock == nil {
		s.clock = systemClock{}
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.prayerInterval <= 0 {
		s.prayerInterval = DefaultPrayerInterval
	}
	if s.quiet <= 0 {
		s.quiet = DefaultQuietPeriod
	}
	if s.activeStart == 0 && s.activeEnd == 0 {
		s.activeStart, s.activeEnd = DefaultActiveStart, DefaultActiveEnd
	}
	if s.prayers == nil {
		s.prayers = DefaultPrayers()
	}
	if s.prayerDuration <= 0 {
		s.prayerDuration = DefaultPrayerDuration
	}
	if s.workers <= 0 {
		s.workers = DefaultWorkers
	}
	return s
}

// Start launches the tick loop. It returns immediately; the loop runs
// until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Debug("scheduler started",
		"interval", s.interval,
		"prayers", len(s.prayers),
		"timezone", s.loc.String(),
	)
}

// Stop halts the tick loop and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	prayer := time.NewTicker(s.prayerInterval)
	defer prayer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-prayer.C:
			s.guard("prayer tick", func() { s.PrayerTick(ctx, s.clock.Now()) })
		case <-tick.C:
			s.guard("proactive tick", func() { s.Tick(ctx, s.clock.Now()) })
		}
	}
}

// CanBeProactive reports whether the persona may start a conversation
// at now: inside the active window, not praying, and nobody has
// written in the quiet period.
func (s *Scheduler) CanBeProactive(now time.Time) bool {
	h := now.In(s.loc).Hour()
	if h < s.activeStart || h >= s.activeEnd {
		return false
	}
	g := s.store.Global()
	if g.InPrayer {
		return false
	}
	if !g.LastInteractionAt.IsZero() && now.Sub(g.LastInteractionAt) < s.quiet {
		return false
	}
	return true
}

// Tick runs one proactive cycle: boredom and mood always, then the
// send rules if the gate is open. It returns once every job finished.
// Any delivered message restarts the quiet period at now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.tickBoredom(ctx, now)
	s.swingMood(ctx)

	if !s.CanBeProactive(now) {
		s.logger.Debug("proactive gate closed")
		return
	}
	jobs := s.plan(ctx, now, s.store.Records())
	if len(jobs) == 0 {
		return
	}
	s.logger.Info("proactive jobs planned", "jobs", len(jobs))
	if sent := s.run(ctx, jobs); sent > 0 {
		s.store.TouchInteraction(now)
	}
}

// run executes jobs concurrently, at most workers at a time, and
// returns the number of messages delivered. Failures are logged and
// never returned.
func (s *Scheduler) run(ctx context.Context, jobs []job) int {
	var sent atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, j := range jobs {
		g.Go(func() error {
			s.guard(j.rule, func() { sent.Add(int64(s.runJob(ctx, j))) })
			return nil
		})
	}
	_ = g.Wait()
	return int(sent.Load())
}

func (s *Scheduler) runJob(ctx context.Context, j job) int {
	log := s.logger.With("rule", j.rule, "contact", j.contactID)
	res, err := s.runner.RunSituation(ctx, j.contactID, j.situation, j.still)
	if errors.Is(err, relationship.ErrStale) {
		log.Info("proactive job dropped, contact wrote since it was planned")
		return 0
	}
	if err != nil {
		log.Warn("proactive job failed", "error", err)
		return 0
	}
	if res.Aborted != nil {
		log.Warn("proactive message aborted", "sent", res.Sent, "error", res.Aborted)
	}
	log.Info("proactive message sent", "sent", res.Sent, "ignored", res.Ignored)
	s.publish(events.KindProactiveSent, map[string]any{
		"contact": j.contactID,
		"rule":    j.rule,
		"sent":    res.Sent,
	})
	return res.Sent
}

// guard runs fn, turning a panic into a log line.
func (s *Scheduler) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered panic", "in", what, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func (s *Scheduler) publish(kind string, data map[string]any) {
	s.events.Publish(events.NewEvent(events.SourceScheduler, kind, data))
}
