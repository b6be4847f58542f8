package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/kinship/internal/buildinfo"
	"github.com/nugget/kinship/internal/completion"
	"github.com/nugget/kinship/internal/config"
	"github.com/nugget/kinship/internal/connwatch"
	"github.com/nugget/kinship/internal/events"
	"github.com/nugget/kinship/internal/executor"
	"github.com/nugget/kinship/internal/llm"
	"github.com/nugget/kinship/internal/mqtt"
	"github.com/nugget/kinship/internal/orchestrator"
	"github.com/nugget/kinship/internal/proactive"
	"github.com/nugget/kinship/internal/prompt"
	"github.com/nugget/kinship/internal/ratelimit"
	"github.com/nugget/kinship/internal/relationship"
	"github.com/nugget/kinship/internal/search"
	signalcli "github.com/nugget/kinship/internal/signal"
)

// runServe wires every component, connects to Signal and blocks until
// SIGINT or SIGTERM. Shutdown stops the scheduler, waits for in-flight
// conversations, closes signal-cli and saves the state one last time.
func runServe(ctx context.Context, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(stderr, level, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("starting kinship", "version", buildinfo.Version, "config", cfgPath)

	if !cfg.Signal.Configured() {
		return fmt.Errorf("signal.account is required to serve")
	}
	loc, err := cfg.Persona.Location()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- State ---

	persister, err := openStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer persister.Close()

	store := relationship.NewStore(relationship.Config{Persister: persister, Logger: logger})
	if err := store.Load(ctx); err != nil {
		return err
	}
	if crush := cfg.Persona.CrushContact; crush != "" && store.Global().CrushContactID == "" {
		store.UpdateGlobal(ctx, func(g *relationship.Globals) { g.CrushContactID = crush })
		logger.Info("crush contact seeded", "contact", crush)
	}

	bus := events.New()

	// --- Language model ---

	composer, err := prompt.NewComposer(prompt.Config{
		Name:         cfg.Persona.Name,
		PersonaDir:   cfg.Persona.Dir,
		Location:     loc,
		MoodPriority: prompt.MoodPriority(cfg.Persona.MoodPriority),
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("load personas: %w", err)
	}

	completer := completion.New(completion.Config{
		LLM: llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout,
			Logger:  logger,
		}),
		Limiter: ratelimit.New(cfg.LLM.MinInterval),
		Logger:  logger,
	})

	searcher := newSearcher(cfg.Search, logger)

	// --- Signal ---

	client := signalcli.NewClient(cfg.Signal.Command, cfg.Signal.CommandArgs(), logger)
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start signal-cli: %w", err)
	}
	defer client.Close()

	health := connwatch.NewManager(logger)
	defer health.Stop()
	for _, w := range []connwatch.WatcherConfig{
		{Name: "signal-cli", Probe: client.Ping},
		{Name: "storage", Probe: persister.Ping},
	} {
		if _, err := health.Watch(ctx, w); err != nil {
			return err
		}
	}

	exec := executor.New(executor.Config{
		Store:     store,
		Transport: signalcli.NewTransport(client, cfg.Signal.Account),
		Events:    bus,
		Logger:    logger,
	})

	// --- Conversation ---

	missed := proactive.NewBuffer()
	orch := orchestrator.New(orchestrator.Config{
		Store:              store,
		Composer:           composer,
		Completer:          completer,
		Executor:           exec,
		Search:             searcher,
		Buffer:             missed,
		Events:             bus,
		Logger:             logger,
		Temperature:        cfg.LLM.Temperature,
		MaxTokens:          cfg.LLM.MaxTokens,
		ProactiveMaxTokens: cfg.LLM.ProactiveMaxTokens,
	})

	var sched *proactive.Scheduler
	if cfg.Proactive.Enabled {
		prayers, err := parsePrayers(cfg.Proactive.PrayerTimes)
		if err != nil {
			return err
		}
		sched = proactive.New(proactive.Config{
			Store:           store,
			Runner:          orch,
			Buffer:          missed,
			Events:          bus,
			Logger:          logger,
			Location:        loc,
			Interval:        cfg.Proactive.Interval,
			QuietPeriod:     cfg.Proactive.QuietPeriod,
			ActiveStartHour: cfg.Proactive.ActiveStartHour,
			ActiveEndHour:   cfg.Proactive.ActiveEndHour,
			Prayers:         prayers,
			PrayerDuration:  cfg.Proactive.PrayerDuration,
		})
		sched.Start(ctx)
	} else {
		logger.Info("proactive scheduler disabled")
	}

	// --- Status ---

	var publisher *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		publisher = mqtt.New(cfg.MQTT, instanceID, store, mqtt.NewActivity(loc), logger)
		go func() {
			if err := publisher.Start(ctx, bus); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
	}

	bridge := signalcli.NewBridge(signalcli.BridgeConfig{
		Source:  client,
		Handler: orch,
		Logger:  logger,
	})

	logger.Info("kinship ready",
		"account", cfg.Signal.Account,
		"persona", cfg.Persona.Name,
		"contacts", len(store.ContactIDs()),
		"mood", store.Global().CurrentMood,
	)

	// Run returns on cancel or when signal-cli exits, after in-flight
	// conversations finish.
	bridge.Run(ctx)

	logger.Info("shutting down")
	if sched != nil {
		sched.Stop()
	}
	if publisher != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := publisher.Stop(stopCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
		stopCancel()
	}
	saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer saveCancel()
	store.Save(saveCtx)

	if ctx.Err() == nil {
		return fmt.Errorf("signal-cli exited unexpectedly")
	}
	return nil
}

// newSearcher builds the SEARCH backend, or returns nil when no
// provider is configured.
func newSearcher(cfg config.SearchConfig, logger *slog.Logger) orchestrator.Searcher {
	m := search.NewManager(cfg.Provider, logger)
	if cfg.SearXNG.URL != "" {
		m.Register(search.NewSearXNG(cfg.SearXNG.URL))
	}
	if cfg.Brave.APIKey != "" {
		m.Register(search.NewBrave(cfg.Brave.APIKey))
	}
	if !m.Configured() {
		return nil
	}
	logger.Info("search configured", "providers", m.Providers())
	return m
}

// parsePrayers converts configured slots. An empty list disables
// prayer.
func parsePrayers(times []config.PrayerTime) ([]proactive.Prayer, error) {
	prayers := make([]proactive.Prayer, 0, len(times))
	for _, t := range times {
		p, err := proactive.ParsePrayer(t.Name, t.At)
		if err != nil {
			return nil, err
		}
		prayers = append(prayers, p)
	}
	return prayers, nil
}
