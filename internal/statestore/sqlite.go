// Package statestore persists the relationship state blob. The SQLite
// store is the default; the Redis store suits deployments that already
// run Redis. Both implement relationship.Persister.
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/kinship/internal/relationship"
)

// DefaultName is the row (or key suffix) the state is saved under.
const DefaultName = "default"

// SQLite stores the state blob in a single SQLite row. All public
// methods are safe for concurrent use (SQLite serializes writes).
type SQLite struct {
	db   *sql.DB
	name string
}

// OpenSQLite opens (creating if needed) the database at dbPath. The
// schema is created automatically on first use.
func OpenSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLite{db: db, name: DefaultName}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Ping checks that the database file is still usable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS relationship_state (
		name       TEXT PRIMARY KEY,
		state      TEXT NOT NULL,
		contacts   INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load returns the saved state, or nil and no error when nothing has
// been saved yet.
func (s *SQLite) Load(ctx context.Context) (*relationship.GlobalState, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM relationship_state WHERE name = ?`, s.name,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return decode([]byte(blob))
}

// Save upserts the state blob.
func (s *SQLite) Save(ctx context.Context, state *relationship.GlobalState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO relationship_state (name, state, contacts, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE
		 SET state = excluded.state, contacts = excluded.contacts, updated_at = excluded.updated_at`,
		s.name, string(blob), len(state.Contacts), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func decode(blob []byte) (*relationship.GlobalState, error) {
	var state relationship.GlobalState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if state.Contacts == nil {
		state.Contacts = make(map[string]*relationship.Record)
	}
	return &state, nil
}
