package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"streambot/internal/eventbus"
	"streambot/pkg/logx"
)

const schemaVersion = 1

// maxErrorNotice bounds the error text attached to a write-failure notice.
const maxErrorNotice = 1024

var ErrClosed = errors.New("store: table closed")

// TableRow is implemented by the pointer type of every persisted record.
// It exposes the storage key and the record identity, replacing the
// original's abstract-base-class runtime guard with a compile-time
// requirement.
type TableRow interface {
	TableKey() string
	RecordID() int64
	SetRecordID(int64)
}

// Row constrains a table's element pointer type.
type Row[T any] interface {
	*T
	TableRow
}

// WriteFailure is published on the event bus when a disk write fails.
type WriteFailure struct {
	Table string
	Err   string
}

// document is the on-disk representation of a table.
type document[T any] struct {
	Schema int   `json:"schema"`
	LastID int64 `json:"last_id"`
	Rows   []T   `json:"rows"`
}

// Stats is a point-in-time view of a table for status reporting.
type Stats struct {
	Key       string    `json:"key"`
	Rows      int       `json:"rows"`
	LastID    int64     `json:"last_id"`
	LastFlush time.Time `json:"last_flush,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Table is a typed collection mirrored to one JSON file.
//
// All mutators are synchronous and in-memory; Save flushes the whole
// table through the per-table writer queue.
type Table[T any, PT Row[T]] struct {
	key  string
	path string
	log  logx.Logger
	bus  eventbus.Bus

	mu     sync.Mutex
	rows   []T
	lastID int64

	lastFlush time.Time
	lastErr   string

	writes  chan writeReq
	done    chan struct{}
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool

	// writeFile is swappable for tests (slow/fault injection).
	writeFile func(path string, data []byte) error
}

type writeReq struct {
	data []byte
	done chan error
}

// Open loads (or initializes) the table for T under dir and starts its
// writer. The file name derives from the row's TableKey.
func Open[T any, PT Row[T]](dir string, log logx.Logger, bus eventbus.Bus) (*Table[T, PT], error) {
	var zero T
	key := PT(&zero).TableKey()
	if key == "" {
		return nil, errors.New("store: empty table key")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	t := &Table[T, PT]{
		key:       key,
		path:      filepath.Join(dir, key+".json"),
		log:       log.With(logx.String("table", key)),
		bus:       bus,
		writes:    make(chan writeReq, 64),
		done:      make(chan struct{}),
		writeFile: atomicWriteFile,
	}
	if err := t.load(); err != nil {
		return nil, err
	}

	t.wg.Add(1)
	go t.writer()
	return t, nil
}

// load hydrates rows from disk if the file exists, else starts empty.
// Loads are not queued: they happen once, before concurrent writers exist.
func (t *Table[T, PT]) load() error {
	b, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var doc document[T]
	if err := json.Unmarshal(b, &doc); err != nil {
		// Legacy layout: a bare array of records.
		var rows []T
		if aerr := json.Unmarshal(b, &rows); aerr != nil {
			return err
		}
		doc = document[T]{Rows: rows}
	}

	t.rows = doc.Rows
	t.lastID = doc.LastID
	for i := range t.rows {
		if id := PT(&t.rows[i]).RecordID(); id > t.lastID {
			t.lastID = id
		}
	}
	t.log.Debug("table loaded", logx.Int("rows", len(t.rows)), logx.Int64("last_id", t.lastID))
	return nil
}

func (t *Table[T, PT]) Key() string { return t.key }

// nextIDLocked returns the next record ID, tolerating an empty table and
// ignoring rows with an unset ID. Never hands out an ID that was ever used.
func (t *Table[T, PT]) nextIDLocked() int64 {
	next := t.lastID
	for i := range t.rows {
		if id := PT(&t.rows[i]).RecordID(); id > next {
			next = id
		}
	}
	return next + 1
}

// Add assigns the next ID and appends the record.
func (t *Table[T, PT]) Add(rec *T) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextIDLocked()
	PT(rec).SetRecordID(id)
	t.lastID = id
	t.rows = append(t.rows, *rec)
	return id
}

// Update replaces the stored record with the same ID. Returns false when
// no such record exists.
func (t *Table[T, PT]) Update(rec *T) bool {
	id := PT(rec).RecordID()
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.rows {
		if PT(&t.rows[i]).RecordID() == id {
			t.rows[i] = *rec
			return true
		}
	}
	return false
}

// Remove deletes the record with the given ID. Removing an absent record
// is a no-op, not an error.
func (t *Table[T, PT]) Remove(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.rows {
		if PT(&t.rows[i]).RecordID() == id {
			t.rows = append(t.rows[:i], t.rows[i+1:]...)
			return
		}
	}
}

// Get returns the record with the given ID.
func (t *Table[T, PT]) Get(id int64) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.rows {
		if PT(&t.rows[i]).RecordID() == id {
			return t.rows[i], true
		}
	}
	var zero T
	return zero, false
}

// All returns a copy of every row.
func (t *Table[T, PT]) All() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]T(nil), t.rows...)
}

// Select returns copies of all rows matching keep.
func (t *Table[T, PT]) Select(keep func(*T) bool) []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []T
	for i := range t.rows {
		if keep(&t.rows[i]) {
			out = append(out, t.rows[i])
		}
	}
	return out
}

// Find returns the first row matching pred.
func (t *Table[T, PT]) Find(pred func(*T) bool) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.rows {
		if pred(&t.rows[i]) {
			return t.rows[i], true
		}
	}
	var zero T
	return zero, false
}

func (t *Table[T, PT]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// Save serializes the entire current table and flushes it to disk behind
// every previously queued write. It returns once its own write completed.
func (t *Table[T, PT]) Save(ctx context.Context) error {
	t.mu.Lock()
	doc := document[T]{Schema: schemaVersion, LastID: t.lastID, Rows: t.rows}
	data, err := json.Marshal(doc)
	t.mu.Unlock()
	if err != nil {
		return err
	}

	// The closed flag is read under the same lock Close uses to flip it,
	// so a request can never enter the queue after the writer's final
	// drain: either this enqueue completes before Close proceeds and the
	// drain answers it, or the flag is already set and we bail here.
	req := writeReq{data: data, done: make(chan error, 1)}
	t.closeMu.RLock()
	if t.closed {
		t.closeMu.RUnlock()
		return ErrClosed
	}
	select {
	case t.writes <- req:
		t.closeMu.RUnlock()
	case <-ctx.Done():
		t.closeMu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		// The write still happens in order; the caller just stops waiting.
		return ctx.Err()
	}
}

// writer is the single consumer of the table's write queue. A failed
// write is reported and the chain continues.
func (t *Table[T, PT]) writer() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			// Drain whatever is already queued so Close doesn't lose writes.
			for {
				select {
				case req := <-t.writes:
					req.done <- t.writeOne(req.data)
				default:
					return
				}
			}
		case req := <-t.writes:
			req.done <- t.writeOne(req.data)
		}
	}
}

func (t *Table[T, PT]) writeOne(data []byte) error {
	err := t.writeFile(t.path, data)

	t.mu.Lock()
	if err != nil {
		t.lastErr = err.Error()
	} else {
		t.lastErr = ""
		t.lastFlush = time.Now()
	}
	t.mu.Unlock()

	if err != nil {
		t.log.Error("table flush failed", logx.Err(err))
		if t.bus != nil {
			t.bus.Publish(eventbus.Event{
				Type: eventbus.TypeStoreWriteFailed,
				Data: WriteFailure{Table: t.key, Err: truncate(err.Error(), maxErrorNotice)},
			})
		}
	}
	return err
}

// Close flushes queued writes and stops the writer. Save calls made after
// Close return ErrClosed.
func (t *Table[T, PT]) Close() {
	t.closeMu.Lock()
	if t.closed {
		t.closeMu.Unlock()
		return
	}
	t.closed = true
	t.closeMu.Unlock()

	// Every request already in the queue was enqueued before the flag
	// flipped, so the writer's final drain answers all of them.
	close(t.done)
	t.wg.Wait()
}

func (t *Table[T, PT]) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Key:       t.key,
		Rows:      len(t.rows),
		LastID:    t.lastID,
		LastFlush: t.lastFlush,
		LastError: t.lastErr,
	}
}

func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
