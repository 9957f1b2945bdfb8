// Package store persists per-session transcript snapshots.
//
// The runner saves a snapshot after every completed request and on every
// authoritative transcript replacement, so a restarted gateway resumes each
// session where it left off.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/courier/internal/providers"
)

// Snapshot is one persisted session transcript with its sticky settings.
type Snapshot struct {
	SessionID     string
	Messages      []providers.Message
	ModelOverride string
	UpdatedAt     time.Time
}

// TranscriptStore persists session snapshots. Load returns (nil, nil) for an
// unknown session.
type TranscriptStore interface {
	Load(ctx context.Context, sessionID string) (*Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Delete(ctx context.Context, sessionID string) error
	Sessions(ctx context.Context) ([]string, error)
	Close() error
}

// Config selects and configures a store backend.
type Config struct {
	Driver      string // "sqlite" | "postgres" | "memory"
	SQLitePath  string
	PostgresDSN string
}

// Open creates the configured store backend.
func Open(cfg Config) (TranscriptStore, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return OpenSQLite(cfg.SQLitePath)
	case "postgres":
		return OpenPostgres(cfg.PostgresDSN)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
