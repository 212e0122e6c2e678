//go:build sqlite
// +build sqlite

package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"streambot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteLog struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Log, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit.path is required for the sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	l := &sqliteLog{db: db, log: log}
	if err := l.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *sqliteLog) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, string(b))
	return err
}

func (l *sqliteLog) Append(ctx context.Context, e Entry) error {
	stamp(&e)
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit(id, at, actor_id, actor_username, action, target, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.ID, e.At.Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername),
		e.Action, nullStr(e.Target), nullStr(e.Error), e.TookMS,
	)
	return err
}

func (l *sqliteLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
