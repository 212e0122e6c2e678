package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"streambot/pkg/logx"
)

// fileLog appends entries as JSON Lines. One line per action; the file
// is never rewritten.
type fileLog struct {
	log logx.Logger

	mu sync.Mutex
	f  *os.File
}

func openFile(cfg Config, log logx.Logger) (Log, error) {
	path := cfg.Path
	if path == "" {
		return nil, errors.New("audit.path is required for the file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileLog{log: log, f: f}, nil
}

func (l *fileLog) Append(ctx context.Context, e Entry) error {
	_ = ctx
	stamp(&e)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return errors.New("audit log closed")
	}
	return json.NewEncoder(l.f).Encode(e)
}

func (l *fileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
