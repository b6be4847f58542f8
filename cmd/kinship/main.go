// Kinship is a chat companion that lives on Signal.
//
// It answers direct messages in character, remembers each contact's
// relationship state across restarts, passes gossip between friends,
// and reaches out on its own when it gets bored.
//
// Usage:
//
//	kinship serve             Connect to Signal and start chatting
//	kinship contacts          List known contacts and their standing
//	kinship version           Print version and build information
//	kinship -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nugget/kinship/internal/buildinfo"
	"github.com/nugget/kinship/internal/config"
	"github.com/nugget/kinship/internal/relationship"
	"github.com/nugget/kinship/internal/statestore"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the testable entry point. Arguments are parsed by hand so
// tests can call run concurrently without the flag package's globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stderr, configPath)
	case "contacts":
		return runContacts(ctx, stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Kinship - a chat companion on Signal")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: kinship [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Connect to Signal and start chatting")
	fmt.Fprintln(w, "  contacts     List known contacts and their standing")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/kinship/config.yaml, /etc/kinship/config.yaml")
	return nil
}

// contactRow is one line of the contacts listing.
type contactRow struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Score         int       `json:"score"`
	Tier          string    `json:"tier"`
	Mood          string    `json:"mood"`
	Boredom       int       `json:"boredom"`
	Gossip        int       `json:"gossip"`
	LastMessageAt time.Time `json:"last_message_at,omitzero"`
}

// runContacts prints the stored relationship state without connecting
// to Signal.
func runContacts(ctx context.Context, w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	persister, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer persister.Close()

	store := relationship.NewStore(relationship.Config{
		Persister: readOnly{persister},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := store.Load(ctx); err != nil {
		return err
	}

	var rows []contactRow
	for _, r := range store.Records() {
		rows = append(rows, contactRow{
			ID:            r.ID,
			Name:          r.Name(),
			Score:         r.Score,
			Tier:          r.Tier().String(),
			Mood:          moodOf(r),
			Boredom:       r.Boredom,
			Gossip:        len(r.WeirdInteractions),
			LastMessageAt: r.LastMessageAt,
		})
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"globals":  store.Global(),
			"contacts": rows,
		})
	}

	g := store.Global()
	fmt.Fprintf(w, "mood: %s  crush: %s\n\n", g.CurrentMood, orDash(g.CrushContactID))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSCORE\tTIER\tMOOD\tBOREDOM\tGOSSIP\tLAST MESSAGE")
	for _, r := range rows {
		last := "never"
		if !r.LastMessageAt.IsZero() {
			last = r.LastMessageAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.Name, r.Score, r.Tier, r.Mood, r.Boredom, r.Gossip, last)
	}
	return tw.Flush()
}

func moodOf(r *relationship.Record) string {
	switch {
	case r.Angry && r.Sulking:
		return "angry+sulking"
	case r.Angry:
		return "angry"
	case r.Sulking:
		return "sulking"
	case r.ShortTermEmotion != "":
		return r.ShortTermEmotion
	}
	return "-"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// readOnly keeps the contacts listing from writing state back.
type readOnly struct {
	relationship.Persister
}

func (readOnly) Save(context.Context, *relationship.GlobalState) error { return nil }

// loadConfig locates, parses and validates the configuration.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// openStorage opens the configured state store, creating the data
// directory for SQLite.
func openStorage(ctx context.Context, cfg *config.Config) (statestore.Store, error) {
	if cfg.Storage.Driver != statestore.DriverRedis {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return statestore.Open(ctx, statestore.Options{
		Driver: cfg.Storage.Driver,
		Path:   cfg.StoragePath(),
		Redis: statestore.RedisConfig{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Key:      cfg.Storage.Redis.Key,
		},
	})
}
