package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/courier/internal/providers"
)

// SQLiteStore is the default single-node backend.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the snapshot database at path.
// "~" expands to the home directory.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids lock
	// contention errors under concurrent sessions.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transcripts (
			session_id     TEXT PRIMARY KEY,
			messages       TEXT NOT NULL,
			model_override TEXT NOT NULL DEFAULT '',
			updated_at     INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	var (
		msgsJSON string
		override string
		updated  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT messages, model_override, updated_at FROM transcripts WHERE session_id = ?`,
		sessionID,
	).Scan(&msgsJSON, &override, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load transcript %s: %w", sessionID, err)
	}

	var msgs []providers.Message
	if err := json.Unmarshal([]byte(msgsJSON), &msgs); err != nil {
		return nil, fmt.Errorf("decode transcript %s: %w", sessionID, err)
	}
	return &Snapshot{
		SessionID:     sessionID,
		Messages:      msgs,
		ModelOverride: override,
		UpdatedAt:     time.UnixMilli(updated),
	}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	msgsJSON, err := json.Marshal(snap.Messages)
	if err != nil {
		return fmt.Errorf("encode transcript %s: %w", snap.SessionID, err)
	}
	updated := snap.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transcripts (session_id, messages, model_override, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET
		   messages = excluded.messages,
		   model_override = excluded.model_override,
		   updated_at = excluded.updated_at`,
		snap.SessionID, string(msgsJSON), snap.ModelOverride, updated.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save transcript %s: %w", snap.SessionID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM transcripts WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete transcript %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM transcripts ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
