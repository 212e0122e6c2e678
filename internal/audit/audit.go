// Package audit records operator actions (event and stream edits, signup
// mutations) to an append-only log. Two backends exist: a JSON Lines
// file and SQLite behind the "sqlite" build tag.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"streambot/pkg/logx"
)

// Entry records one completed action. Keep it compact and schema-stable.
type Entry struct {
	ID            string    `json:"id"`
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
}

// Log is the append-only action log.
type Log interface {
	Append(ctx context.Context, e Entry) error
	Close() error
}

// Config selects and locates the backend.
type Config struct {
	Driver string // "file" or "sqlite"
	Path   string
}

// Open initializes the configured backend.
func Open(cfg Config, log logx.Logger) (Log, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown audit driver: " + cfg.Driver)
	}
}

// stamp fills the entry's ID and timestamp if the caller left them unset.
func stamp(e *Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
}
