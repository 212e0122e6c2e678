package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"streambot/internal/eventbus"
	"streambot/pkg/logx"
)

type widget struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (*widget) TableKey() string       { return "widgets" }
func (w *widget) RecordID() int64      { return w.ID }
func (w *widget) SetRecordID(id int64) { w.ID = id }

func openWidgets(t *testing.T, dir string) *Table[widget, *widget] {
	t.Helper()
	tbl, err := Open[widget, *widget](dir, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(tbl.Close)
	return tbl
}

func TestNextIDEmptyTable(t *testing.T) {
	tbl := openWidgets(t, t.TempDir())
	w := widget{Name: "first"}
	if id := tbl.Add(&w); id != 1 {
		t.Fatalf("first id = %d, want 1", id)
	}
}

func TestNextIDNeverReused(t *testing.T) {
	tbl := openWidgets(t, t.TempDir())

	a := widget{Name: "a"}
	b := widget{Name: "b"}
	tbl.Add(&a)
	tbl.Add(&b) // id 2

	// Remove the highest-ID record, then add again: the freed ID must not
	// be handed out.
	tbl.Remove(b.ID)
	c := widget{Name: "c"}
	if id := tbl.Add(&c); id != 3 {
		t.Fatalf("id after delete-highest = %d, want 3", id)
	}

	// Rapid create/delete/create cycles must not collide either.
	seen := map[int64]bool{a.ID: true, c.ID: true}
	for i := 0; i < 10; i++ {
		w := widget{Name: "cycle"}
		id := tbl.Add(&w)
		if seen[id] {
			t.Fatalf("id %d reused", id)
		}
		seen[id] = true
		tbl.Remove(id)
	}
}

func TestNextIDIgnoresUnsetIDs(t *testing.T) {
	dir := t.TempDir()
	// Hand-write a legacy file containing a record without an id.
	raw := `[{"id":0,"name":"ghost"},{"id":4,"name":"real"}]`
	if err := os.WriteFile(filepath.Join(dir, "widgets.json"), []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	tbl := openWidgets(t, dir)
	w := widget{Name: "next"}
	if id := tbl.Add(&w); id != 5 {
		t.Fatalf("id = %d, want 5", id)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tbl := openWidgets(t, dir)
	w := widget{Name: "keep"}
	tbl.Add(&w)
	x := widget{Name: "drop"}
	tbl.Add(&x)
	tbl.Remove(x.ID)
	if err := tbl.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	tbl.Close()

	again := openWidgets(t, dir)
	rows := again.All()
	if len(rows) != 1 || rows[0].Name != "keep" {
		t.Fatalf("unexpected rows after reload: %+v", rows)
	}
	// High-water mark survives the reload.
	y := widget{Name: "new"}
	if id := again.Add(&y); id != 3 {
		t.Fatalf("id after reload = %d, want 3", id)
	}
}

func TestWriteOrderingSlowFirstWrite(t *testing.T) {
	tbl := openWidgets(t, t.TempDir())

	var mu sync.Mutex
	var order [][]byte
	first := true
	tbl.writeFile = func(path string, data []byte) error {
		if first {
			first = false
			time.Sleep(50 * time.Millisecond) // S1 is slower than S2
		}
		mu.Lock()
		order = append(order, append([]byte(nil), data...))
		mu.Unlock()
		return atomicWriteFile(path, data)
	}

	a := widget{Name: "s1"}
	tbl.Add(&a)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tbl.Save(context.Background()); err != nil {
			t.Errorf("S1: %v", err)
		}
	}()
	// Give S1 time to enqueue first, then mutate and issue S2.
	time.Sleep(10 * time.Millisecond)
	b := widget{Name: "s2"}
	tbl.Add(&b)
	if err := tbl.Save(context.Background()); err != nil {
		t.Fatalf("S2: %v", err)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 {
		t.Fatalf("got %d writes, want 2", len(order))
	}
	var last document[widget]
	if err := json.Unmarshal(order[1], &last); err != nil {
		t.Fatal(err)
	}
	if len(last.Rows) != 2 {
		t.Fatalf("final write has %d rows, want 2 (S2 must land last)", len(last.Rows))
	}
}

func TestFailedWriteDoesNotAbortChain(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	tbl, err := Open[widget, *widget](t.TempDir(), logx.Nop(), bus)
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Close()

	boom := errors.New("disk on fire")
	calls := 0
	tbl.writeFile = func(path string, data []byte) error {
		calls++
		if calls == 1 {
			return boom
		}
		return atomicWriteFile(path, data)
	}

	w := widget{Name: "w"}
	tbl.Add(&w)
	if err := tbl.Save(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("first Save err = %v, want %v", err, boom)
	}
	if err := tbl.Save(context.Background()); err != nil {
		t.Fatalf("second Save should proceed, got %v", err)
	}

	select {
	case e := <-events:
		wf, ok := e.Data.(WriteFailure)
		if !ok || wf.Table != "widgets" || wf.Err == "" {
			t.Fatalf("unexpected failure event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no write-failure event published")
	}
}

func TestSaveAfterClose(t *testing.T) {
	tbl := openWidgets(t, t.TempDir())
	tbl.Close()
	if err := tbl.Save(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

// Every Save issued around a Close must resolve: either its write landed
// or it reports ErrClosed. A request must never sit in the queue with no
// writer left to answer it.
func TestSaveRacingCloseAlwaysResolves(t *testing.T) {
	for i := 0; i < 20; i++ {
		tbl := openWidgets(t, t.TempDir())
		w := widget{Name: "w"}
		tbl.Add(&w)

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 25; j++ {
					err := tbl.Save(context.Background())
					if err != nil && !errors.Is(err, ErrClosed) {
						t.Errorf("Save: %v", err)
						return
					}
					if errors.Is(err, ErrClosed) {
						return
					}
				}
			}()
		}
		tbl.Close()

		settled := make(chan struct{})
		go func() { wg.Wait(); close(settled) }()
		select {
		case <-settled:
		case <-time.After(5 * time.Second):
			t.Fatal("a Save call hung after Close")
		}
	}
}
