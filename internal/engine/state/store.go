// Package state persists resumable transfer state in SQLite.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/surge-downloader/filetransfer/internal/engine/types"
)

// Store is a SQLite-backed record of transfer states, one row per ID.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the state database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps the pragmas in force and serialises writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL", // chunk progress must survive power loss
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		source_url TEXT NOT NULL,
		destination TEXT NOT NULL,
		status TEXT NOT NULL,
		total_size INTEGER NOT NULL,
		bytes_done INTEGER NOT NULL,
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Save upserts st.
func (s *Store) Save(ctx context.Context, st types.TransferState) error {
	if st.Request.ID == "" {
		return types.NewError(types.KindInvalidArgument, nil, "state without transfer id")
	}
	blob, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	now := time.Now()
	created := st.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transfers (id, source_url, destination, status, total_size, bytes_done, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total_size = excluded.total_size,
			bytes_done = excluded.bytes_done,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		st.Request.ID, st.Request.SourceURL, st.Request.DestinationPath, st.Status.String(),
		st.Plan.TotalSize, st.BytesCompleted(), string(blob), created.UnixNano(), now.UnixNano())
	if err != nil {
		return types.NewError(types.KindDisk, err, "persist state %s", st.Request.ID)
	}
	return nil
}

// Load returns the state for id, or a NotFound error.
func (s *Store) Load(ctx context.Context, id string) (types.TransferState, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM transfers WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return types.TransferState{}, types.NewError(types.KindNotFound, nil, "no saved state for %s", id)
	}
	if err != nil {
		return types.TransferState{}, fmt.Errorf("load state %s: %w", id, err)
	}
	return decode(blob)
}

// List returns all saved states, oldest first.
func (s *Store) List(ctx context.Context) ([]types.TransferState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM transfers ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	var out []types.TransferState
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		st, err := decode(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Delete removes the state for id. Deleting a missing id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM transfers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete state %s: %w", id, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func decode(blob string) (types.TransferState, error) {
	var st types.TransferState
	if err := json.Unmarshal([]byte(blob), &st); err != nil {
		return types.TransferState{}, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}
