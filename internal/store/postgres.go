package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/courier/internal/providers"
)

// PostgresStore is the multi-node backend.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects and ensures the schema.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres store requires a DSN")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transcripts (
			session_id     TEXT PRIMARY KEY,
			messages       JSONB NOT NULL,
			model_override TEXT NOT NULL DEFAULT '',
			updated_at     TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	var (
		msgsJSON []byte
		override string
		updated  time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT messages, model_override, updated_at FROM transcripts WHERE session_id = $1`,
		sessionID,
	).Scan(&msgsJSON, &override, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load transcript %s: %w", sessionID, err)
	}

	var msgs []providers.Message
	if err := json.Unmarshal(msgsJSON, &msgs); err != nil {
		return nil, fmt.Errorf("decode transcript %s: %w", sessionID, err)
	}
	return &Snapshot{
		SessionID:     sessionID,
		Messages:      msgs,
		ModelOverride: override,
		UpdatedAt:     updated,
	}, nil
}

func (s *PostgresStore) Save(ctx context.Context, snap Snapshot) error {
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
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id) DO UPDATE SET
		   messages = EXCLUDED.messages,
		   model_override = EXCLUDED.model_override,
		   updated_at = EXCLUDED.updated_at`,
		snap.SessionID, msgsJSON, snap.ModelOverride, updated,
	)
	if err != nil {
		return fmt.Errorf("save transcript %s: %w", snap.SessionID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM transcripts WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete transcript %s: %w", sessionID, err)
	}
	return nil
}

func (s *PostgresStore) Sessions(ctx context.Context) ([]string, error) {
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

func (s *PostgresStore) Close() error { return s.db.Close() }
