// Package connwatch tracks whether the companion's dependencies are
// reachable. A Watcher probes one service: right after start, then on
// a growing delay while the service is down, and on a fixed poll
// interval once it is up. Transitions are logged and reported through
// optional callbacks.
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc returns nil when the service is reachable.
type ProbeFunc func(ctx context.Context) error

// Timing controls how often a service is probed.
type Timing struct {
	// Retry is the first delay after a failed probe. It doubles on
	// each further failure up to Poll.
	Retry time.Duration
	// Poll is the delay between probes of a healthy service.
	Poll time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
}

// DefaultTiming retries after 2s and polls every minute.
func DefaultTiming() Timing {
	return Timing{Retry: 2 * time.Second, Poll: time.Minute, Timeout: 10 * time.Second}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.Retry <= 0 {
		t.Retry = d.Retry
	}
	if t.Poll <= 0 {
		t.Poll = d.Poll
	}
	if t.Timeout <= 0 {
		t.Timeout = d.Timeout
	}
	if t.Retry > t.Poll {
		t.Retry = t.Poll
	}
	return t
}

// WatcherConfig configures one watched service.
type WatcherConfig struct {
	Name   string
	Probe  ProbeFunc
	Timing Timing
	// OnReady and OnDown run on the watcher goroutine after a state
	// change and must return promptly.
	OnReady func()
	OnDown  func(err error)
}

// Status is a point-in-time view of a service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"failures,omitempty"`
}

// Watcher probes a single service until stopped.
type Watcher struct {
	cfg    WatcherConfig
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status.Ready
}

// Status returns the current status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Stop ends probing and waits for the watcher goroutine.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := time.Duration(0)
	for {
		if !sleep(ctx, delay) {
			return
		}
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.record(err)
		delay = w.nextDelay(delay, err)
	}
}

// nextDelay doubles the retry delay while the service keeps failing
// and falls back to the poll interval once it answers.
func (w *Watcher) nextDelay(prev time.Duration, err error) time.Duration {
	t := w.cfg.Timing
	switch {
	case err == nil:
		return t.Poll
	case w.Status().Failures == 1:
		return t.Retry
	}
	return min(prev*2, t.Poll)
}

func (w *Watcher) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timing.Timeout)
	defer cancel()
	return w.cfg.Probe(ctx)
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	was := w.status.Ready
	first := w.status.LastCheck.IsZero()
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	if err != nil {
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.LastError = ""
		w.status.Failures = 0
	}
	w.mu.Unlock()

	switch {
	case err == nil && !was:
		if first {
			w.logger.Info("service reachable", "service", w.cfg.Name)
		} else {
			w.logger.Info("service recovered", "service", w.cfg.Name)
		}
		if w.cfg.OnReady != nil {
			w.cfg.OnReady()
		}
	case err != nil && (was || first):
		w.logger.Warn("service unreachable", "service", w.cfg.Name, "error", err)
		if w.cfg.OnDown != nil {
			w.cfg.OnDown(err)
		}
	case err != nil:
		w.logger.Debug("service still unreachable", "service", w.cfg.Name, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Manager owns a set of watchers.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	watchers []*Watcher
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger.With("component", "connwatch")}
}

// Watch starts probing a service in the background.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) (*Watcher, error) {
	if cfg.Name == "" || cfg.Probe == nil {
		return nil, errors.New("connwatch: watcher needs a name and a probe")
	}
	cfg.Timing = cfg.Timing.withDefaults()

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		logger: m.logger,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Name: cfg.Name},
	}
	go w.run(ctx)

	m.mu.Lock()
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()
	return w, nil
}

// Status returns every watcher's status in registration order.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	return out
}

// Stop stops every watcher.
func (m *Manager) Stop() {
	m.mu.Lock()
	ws := m.watchers
	m.watchers = nil
	m.mu.Unlock()
	for _, w := range ws {
		w.Stop()
	}
}
