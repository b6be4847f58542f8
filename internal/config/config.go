// Package config handles Kinship configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/kinship/config.yaml, /etc/kinship/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kinship", "config.yaml"))
	}

	paths = append(paths, "/etc/kinship/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Kinship configuration.
type Config struct {
	Signal    SignalConfig    `yaml:"signal"`
	LLM       LLMConfig       `yaml:"llm"`
	Persona   PersonaConfig   `yaml:"persona"`
	Proactive ProactiveConfig `yaml:"proactive"`
	Storage   StorageConfig   `yaml:"storage"`
	Search    SearchConfig    `yaml:"search"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
}

// SignalConfig configures the signal-cli subprocess used as the chat
// transport.
type SignalConfig struct {
	// Command is the signal-cli binary (default "signal-cli").
	Command string `yaml:"command"`
	// Args are passed to signal-cli. When empty, Kinship runs
	// "-a <account> jsonRpc".
	Args []string `yaml:"args"`
	// Account is the phone number the persona sends as. Reactions
	// target messages authored by this account.
	Account string `yaml:"account"`
}

// Configured reports whether the Signal transport can be started.
func (c SignalConfig) Configured() bool {
	return c.Account != ""
}

// CommandArgs returns the signal-cli arguments, deriving the default
// jsonRpc invocation from Account when Args is empty.
func (c SignalConfig) CommandArgs() []string {
	if len(c.Args) > 0 {
		return c.Args
	}
	return []string{"-a", c.Account, "jsonRpc"}
}

// LLMConfig configures the OpenAI-compatible completion endpoint.
type LLMConfig struct {
	BaseURL            string        `yaml:"base_url"`
	APIKey             string        `yaml:"api_key"`
	Model              string        `yaml:"model"`
	Temperature        float64       `yaml:"temperature"`
	MaxTokens          int           `yaml:"max_tokens"`
	ProactiveMaxTokens int           `yaml:"proactive_max_tokens"`
	Timeout            time.Duration `yaml:"timeout"`
	// MinInterval is the process-wide spacing between completion calls.
	MinInterval time.Duration `yaml:"min_interval"`
}

// PersonaConfig tunes the persona's prompts and temperament.
type PersonaConfig struct {
	Name string `yaml:"name"`
	// Timezone is the IANA zone used for the clock shown to the model,
	// the active window, and prayer times.
	Timezone string `yaml:"timezone"`
	// Dir optionally overrides the embedded persona prompts with
	// normal.md, angry.md, sulking.md and proactive.md.
	Dir string `yaml:"persona_dir"`
	// MoodPriority picks the prompt when a contact is both angry and
	// sulking: "angry" (default) or "sulking".
	MoodPriority string `yaml:"mood_priority"`
	// CrushContact seeds the crush contact id when the stored state
	// has none.
	CrushContact string `yaml:"crush_contact"`
}

// Location loads the configured timezone.
func (c PersonaConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// PrayerTime is one daily prayer slot in HH:MM local time.
type PrayerTime struct {
	Name string `yaml:"name"`
	At   string `yaml:"at"`
}

// ProactiveConfig configures the proactive scheduler.
type ProactiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	QuietPeriod     time.Duration `yaml:"quiet_period"`
	ActiveStartHour int           `yaml:"active_start_hour"`
	ActiveEndHour   int           `yaml:"active_end_hour"`
	PrayerTimes     []PrayerTime  `yaml:"prayer_times"`
	PrayerDuration  time.Duration `yaml:"prayer_duration"`
}

// StorageConfig selects where the relationship state blob lives.
type StorageConfig struct {
	// Driver is "sqlite" (default) or "redis".
	Driver string `yaml:"driver"`
	// Path is the SQLite database file. Relative paths resolve under
	// DataDir.
	Path  string      `yaml:"path"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds the Redis connection used by the redis driver.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// SearchConfig configures the backend used by SEARCH actions.
type SearchConfig struct {
	// Provider is "searxng" or "brave". Empty disables lookups.
	Provider string        `yaml:"provider"`
	SearXNG  SearXNGConfig `yaml:"searxng"`
	Brave    BraveConfig   `yaml:"brave"`
}

// SearXNGConfig points at a SearXNG instance.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// BraveConfig holds the Brave Search API key.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// MQTTConfig configures the Home Assistant status publisher.
type MQTTConfig struct {
	Broker          string        `yaml:"broker"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DeviceName      string        `yaml:"device_name"`
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. A .env file beside the
// config file (and one in the working directory) is loaded first so
// ${VAR} references can resolve against it. Variables already present
// in the environment win.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.Persona.Dir = expandHome(cfg.Persona.Dir)

	return cfg, nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func loadDotEnv(paths ...string) {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		// godotenv.Load never overrides variables that are already set.
		_ = godotenv.Load(abs)
	}
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Signal: SignalConfig{Command: "signal-cli"},
		LLM: LLMConfig{
			BaseURL:            "https://api.groq.com/openai/v1",
			Model:              "llama-3.3-70b-versatile",
			Temperature:        0.9,
			MaxTokens:          500,
			ProactiveMaxTokens: 200,
			Timeout:            60 * time.Second,
			MinInterval:        2 * time.Second,
		},
		Persona: PersonaConfig{
			Name:         "Hannah",
			Timezone:     "Asia/Kuala_Lumpur",
			MoodPriority: "angry",
		},
		Proactive: ProactiveConfig{
			Enabled:         true,
			Interval:        5 * time.Minute,
			QuietPeriod:     time.Hour,
			ActiveStartHour: 8,
			ActiveEndHour:   23,
			PrayerTimes: []PrayerTime{
				{Name: "Fajr", At: "05:30"},
				{Name: "Dhuhr", At: "13:00"},
				{Name: "Asr", At: "16:30"},
				{Name: "Maghrib", At: "19:00"},
				{Name: "Isha", At: "21:00"},
			},
			PrayerDuration: 10 * time.Minute,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "kinship.db",
			Redis:  RedisConfig{Key: "kinship:state"},
		},
		MQTT: MQTTConfig{
			DeviceName:      "kinship",
			DiscoveryPrefix: "homeassistant",
			PublishInterval: time.Minute,
		},
		DataDir:   "./data",
		LogFormat: "text",
	}
}

// applyDefaults restores defaults for fields a config file zeroed out.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Signal.Command == "" {
		c.Signal.Command = d.Signal.Command
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = d.LLM.MaxTokens
	}
	if c.LLM.ProactiveMaxTokens <= 0 {
		c.LLM.ProactiveMaxTokens = d.LLM.ProactiveMaxTokens
	}
	if c.LLM.MinInterval <= 0 {
		c.LLM.MinInterval = d.LLM.MinInterval
	}
	if c.Persona.Timezone == "" {
		c.Persona.Timezone = d.Persona.Timezone
	}
	if c.Persona.MoodPriority == "" {
		c.Persona.MoodPriority = d.Persona.MoodPriority
	}
	if c.Proactive.Interval <= 0 {
		c.Proactive.Interval = d.Proactive.Interval
	}
	if c.Proactive.PrayerDuration <= 0 {
		c.Proactive.PrayerDuration = d.Proactive.PrayerDuration
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = d.Storage.Driver
	}
	if c.Storage.Redis.Key == "" {
		c.Storage.Redis.Key = d.Storage.Redis.Key
	}
	if c.MQTT.PublishInterval <= 0 {
		c.MQTT.PublishInterval = d.MQTT.PublishInterval
	}
}

// StoragePath resolves the SQLite path against DataDir.
func (c *Config) StoragePath() string {
	if filepath.IsAbs(c.Storage.Path) {
		return c.Storage.Path
	}
	return filepath.Join(c.DataDir, c.Storage.Path)
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: want text or json", c.LogFormat))
	}
	if c.LLM.BaseURL == "" {
		errs = append(errs, errors.New("llm.base_url is required"))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if _, err := c.Persona.Location(); err != nil {
		errs = append(errs, err)
	}
	switch c.Persona.MoodPriority {
	case "angry", "sulking":
	default:
		errs = append(errs, fmt.Errorf("persona.mood_priority %q: want angry or sulking", c.Persona.MoodPriority))
	}
	p := c.Proactive
	if p.ActiveStartHour < 0 || p.ActiveEndHour > 24 || p.ActiveStartHour >= p.ActiveEndHour {
		errs = append(errs, fmt.Errorf("proactive active window %d-%d is invalid", p.ActiveStartHour, p.ActiveEndHour))
	}
	for _, pt := range p.PrayerTimes {
		if _, err := time.Parse("15:04", pt.At); err != nil {
			errs = append(errs, fmt.Errorf("prayer %q time %q: %w", pt.Name, pt.At, err))
		}
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: want sqlite or redis", c.Storage.Driver))
	}
	switch c.Search.Provider {
	case "":
	case "searxng":
		if c.Search.SearXNG.URL == "" {
			errs = append(errs, errors.New("search.searxng.url is required"))
		}
	case "brave":
		if c.Search.Brave.APIKey == "" {
			errs = append(errs, errors.New("search.brave.api_key is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("search.provider %q: want searxng or brave", c.Search.Provider))
	}

	return errors.Join(errs...)
}
