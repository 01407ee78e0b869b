package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaydesk/relaydesk/rderrors"
)

func newTestQueue(cfg Config) (*Queue, *time.Time) {
	q := New(cfg, zerolog.Nop())
	now := time.Unix(1700000000, 0)
	q.now = func() time.Time { return now }
	return q, &now
}

func TestFIFOWithinPriority(t *testing.T) {
	q, _ := newTestQueue(Config{})
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(Item{ID: fmt.Sprintf("n%d", i)}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		it, ok := q.Dequeue()
		if !ok || it.ID != fmt.Sprintf("n%d", i) {
			t.Fatalf("dequeue %d = %+v ok=%v", i, it, ok)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatalf("empty queue must report no item")
	}
}

func TestHighPriorityFirst(t *testing.T) {
	q, _ := newTestQueue(Config{})
	_ = q.Enqueue(Item{ID: "n0"})
	_ = q.Enqueue(Item{ID: "h0", Priority: PriorityHigh})
	_ = q.Enqueue(Item{ID: "n1"})
	_ = q.Enqueue(Item{ID: "h1", Priority: PriorityHigh})

	var order []string
	for {
		it, ok := q.Dequeue()
		if !ok {
			break
		}
		order = append(order, it.ID)
	}
	want := []string{"h0", "h1", "n0", "n1"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestBoundDropsNewest(t *testing.T) {
	q, _ := newTestQueue(Config{MaxItems: 2})
	_ = q.Enqueue(Item{ID: "a"})
	_ = q.Enqueue(Item{ID: "b"})

	err := q.Enqueue(Item{ID: "c"})
	var e *rderrors.Error
	if !errors.As(err, &e) || e.Code != rderrors.CodeQueueFull {
		t.Fatalf("got %v, want queue_full", err)
	}
	// The items accepted first keep their place.
	it, _ := q.Dequeue()
	if it.ID != "a" {
		t.Fatalf("head = %q, want a", it.ID)
	}
}

func TestTTLExpiryAtDequeue(t *testing.T) {
	q, now := newTestQueue(Config{DefaultTTL: time.Minute})
	_ = q.Enqueue(Item{ID: "stale"})
	*now = now.Add(2 * time.Minute)
	_ = q.Enqueue(Item{ID: "fresh"})

	it, ok := q.Dequeue()
	if !ok || it.ID != "fresh" {
		t.Fatalf("dequeue = %+v ok=%v, expired item should be skipped", it, ok)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "queue.json")
	q, _ := newTestQueue(Config{SnapshotPath: path})
	_ = q.Enqueue(Item{ID: "a", Method: "GET", Path: "/x", Body: []byte("b1")})
	_ = q.Enqueue(Item{ID: "h", Priority: PriorityHigh, Method: "POST", Path: "/y"})
	if err := q.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	q2, _ := newTestQueue(Config{SnapshotPath: path})
	if err := q2.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if q2.Len() != 2 {
		t.Fatalf("restored len = %d", q2.Len())
	}
	it, _ := q2.Dequeue()
	if it.ID != "h" {
		t.Fatalf("restored head = %q, want the high-priority item", it.ID)
	}
	it, _ = q2.Dequeue()
	if it.ID != "a" || string(it.Body) != "b1" {
		t.Fatalf("restored item = %+v", it)
	}
}

func TestLoadDropsExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, now := newTestQueue(Config{SnapshotPath: path, DefaultTTL: time.Minute})
	_ = q.Enqueue(Item{ID: "a"})
	if err := q.Save(); err != nil {
		t.Fatal(err)
	}

	q2, now2 := newTestQueue(Config{SnapshotPath: path})
	*now2 = now.Add(time.Hour)
	if err := q2.Load(); err != nil {
		t.Fatal(err)
	}
	if q2.Len() != 0 {
		t.Fatalf("expired items survived restore: len=%d", q2.Len())
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	q, _ := newTestQueue(Config{SnapshotPath: filepath.Join(t.TempDir(), "nope.json")})
	if err := q.Load(); err != nil {
		t.Fatalf("missing snapshot: %v", err)
	}
}

func TestLoadRejectsCorruptAndWrongVersion(t *testing.T) {
	dir := t.TempDir()

	corrupt := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corrupt, []byte("{nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	q, _ := newTestQueue(Config{SnapshotPath: corrupt})
	if err := q.Load(); err == nil {
		t.Fatalf("corrupt snapshot must fail to load")
	}

	wrongVer := filepath.Join(dir, "v9.json")
	if err := os.WriteFile(wrongVer, []byte(`{"version":9,"items":[]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	q2, _ := newTestQueue(Config{SnapshotPath: wrongVer})
	if err := q2.Load(); err == nil {
		t.Fatalf("wrong version must fail to load")
	}
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	q, _ := newTestQueue(Config{SnapshotPath: path})
	_ = q.Enqueue(Item{ID: "a"})
	if err := q.Save(); err != nil {
		t.Fatal(err)
	}
	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "queue.json" {
		t.Fatalf("unexpected files: %v", entries)
	}
}
