package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"streambot/pkg/logx"
)

func TestFileLogAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ctx := context.Background()
	if err := l.Append(ctx, Entry{ActorID: 1, Action: "addevent", Target: "event:1"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(ctx, Entry{ActorID: 2, Action: "signup", Error: "session full"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("want 2 entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.ID == "" || e.At.IsZero() {
			t.Fatalf("entry not stamped: %+v", e)
		}
	}
	if entries[1].Error != "session full" {
		t.Fatalf("error field lost: %+v", entries[1])
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected an error for an unknown driver")
	}
}
