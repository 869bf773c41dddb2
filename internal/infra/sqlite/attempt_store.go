package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"proctor-engine/internal/domain"
)

// AttemptStore persists the single attempt slot in a local SQLite file. This
// is the device-local durable store: it survives process kills and reboots.
// The table holds at most one row (id is constrained to 1).
type AttemptStore struct {
	db *sql.DB
}

// Open creates or opens the slot database at path. WAL and a busy timeout
// keep the single-writer pattern safe against overlapping reads.
func Open(path string) (*AttemptStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open attempt db: %w", err)
	}
	// SQLite allows one writer; more connections only add lock contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS attempt_slot (
		id   INTEGER PRIMARY KEY CHECK (id = 1),
		data TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create attempt table: %w", err)
	}
	return &AttemptStore{db: db}, nil
}

func (s *AttemptStore) Load(ctx context.Context) (domain.AttemptSnapshot, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM attempt_slot WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return domain.AttemptSnapshot{}, false, nil
	}
	if err != nil {
		return domain.AttemptSnapshot{}, false, fmt.Errorf("load attempt: %w", err)
	}
	var snapshot domain.AttemptSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return domain.AttemptSnapshot{}, false, fmt.Errorf("decode attempt: %w", err)
	}
	return snapshot, true, nil
}

func (s *AttemptStore) Save(ctx context.Context, snapshot domain.AttemptSnapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode attempt: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO attempt_slot (id, data) VALUES (1, ?)
		 ON CONFLICT (id) DO UPDATE SET data = excluded.data`, string(raw)); err != nil {
		return fmt.Errorf("save attempt: %w", err)
	}
	return nil
}

func (s *AttemptStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM attempt_slot WHERE id = 1`); err != nil {
		return fmt.Errorf("clear attempt: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *AttemptStore) Close() error {
	return s.db.Close()
}
