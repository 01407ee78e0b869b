// Package queue buffers tunneled requests while the agent is disconnected.
// The queue is bounded, drops the newest work when full, expires entries at
// dequeue time, and can snapshot itself to disk across restarts.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaydesk/relaydesk/observability"
	"github.com/relaydesk/relaydesk/rderrors"
)

// snapshotVersion guards the on-disk format.
const snapshotVersion = 1

// Priority orders dequeue between classes; FIFO applies within a class.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Item is one buffered request.
type Item struct {
	ID         string            `json:"id"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	Priority   Priority          `json:"priority,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	ExpiresAt  time.Time         `json:"expires_at,omitempty"`
}

func (it Item) expired(now time.Time) bool {
	return !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt)
}

// Config tunes a queue. Zero values fall back to defaults.
type Config struct {
	MaxItems     int           // Queue bound; default 100.
	DefaultTTL   time.Duration // Applied when an item has no expiry; default 5m.
	SnapshotPath string        // Empty disables persistence.

	Observer observability.AgentObserver
}

func (c *Config) applyDefaults() {
	if c.MaxItems <= 0 {
		c.MaxItems = 100
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.Observer == nil {
		c.Observer = observability.NoopAgentObserver
	}
}

// Queue is a bounded two-priority FIFO.
type Queue struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	high   []Item
	normal []Item
}

// New builds a Queue with defaults applied.
func New(cfg Config, logger zerolog.Logger) *Queue {
	cfg.applyDefaults()
	return &Queue{cfg: cfg, logger: logger, now: time.Now}
}

// Enqueue buffers it. When the queue is full the incoming item is the one
// that gets dropped, so work already accepted keeps its place.
func (q *Queue) Enqueue(it Item) error {
	now := q.now()
	if it.EnqueuedAt.IsZero() {
		it.EnqueuedAt = now
	}
	if it.ExpiresAt.IsZero() {
		it.ExpiresAt = it.EnqueuedAt.Add(q.cfg.DefaultTTL)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.high)+len(q.normal) >= q.cfg.MaxItems {
		return rderrors.New(rderrors.CodeQueueFull,
			fmt.Sprintf("offline queue full (%d items)", q.cfg.MaxItems))
	}
	if it.Priority == PriorityHigh {
		q.high = append(q.high, it)
	} else {
		q.normal = append(q.normal, it)
	}
	q.cfg.Observer.QueueFill(len(q.high) + len(q.normal))
	return nil
}

// Dequeue pops the oldest item from the highest non-empty priority class.
// Entries whose TTL has passed are discarded on the way out.
func (q *Queue) Dequeue() (Item, bool) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		var it Item
		switch {
		case len(q.high) > 0:
			it, q.high = q.high[0], q.high[1:]
		case len(q.normal) > 0:
			it, q.normal = q.normal[0], q.normal[1:]
		default:
			return Item{}, false
		}
		q.cfg.Observer.QueueFill(len(q.high) + len(q.normal))
		if it.expired(now) {
			q.logger.Debug().Str("id", it.ID).Str("path", it.Path).Msg("dropping expired queued request")
			continue
		}
		return it, true
	}
}

// Len reports the number of buffered items, expired ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.normal)
}

// Clear drops everything.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.high, q.normal = nil, nil
	q.cfg.Observer.QueueFill(0)
	q.mu.Unlock()
}

type snapshot struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Items   []Item    `json:"items"`
}

// Save writes the queue to its snapshot path via a temp file and rename, so a
// crash mid-write never corrupts an existing snapshot.
func (q *Queue) Save() error {
	if q.cfg.SnapshotPath == "" {
		return nil
	}
	q.mu.Lock()
	items := make([]Item, 0, len(q.high)+len(q.normal))
	items = append(items, q.high...)
	items = append(items, q.normal...)
	q.mu.Unlock()

	b, err := json.Marshal(snapshot{Version: snapshotVersion, SavedAt: q.now(), Items: items})
	if err != nil {
		return err
	}
	dir := filepath.Dir(q.cfg.SnapshotPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".queue-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, q.cfg.SnapshotPath); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Load restores a snapshot written by Save. A missing file is not an error;
// expired items are dropped during restore.
func (q *Queue) Load() error {
	if q.cfg.SnapshotPath == "" {
		return nil
	}
	b, err := os.ReadFile(q.cfg.SnapshotPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("corrupt queue snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported queue snapshot version %d", snap.Version)
	}

	now := q.now()
	var high, normal []Item
	dropped := 0
	for _, it := range snap.Items {
		if it.expired(now) {
			dropped++
			continue
		}
		if it.Priority == PriorityHigh {
			high = append(high, it)
		} else {
			normal = append(normal, it)
		}
	}
	q.mu.Lock()
	q.high, q.normal = high, normal
	q.cfg.Observer.QueueFill(len(high) + len(normal))
	q.mu.Unlock()
	if dropped > 0 {
		q.logger.Info().Int("dropped", dropped).Msg("dropped expired items while restoring queue snapshot")
	}
	return nil
}
