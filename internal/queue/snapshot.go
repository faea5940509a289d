package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentsight/relay/internal/store"
)

// persistTimeout bounds every store round trip so a slow backend cannot
// stall the queue's callers.
const persistTimeout = 2 * time.Second

// snapshot is the durable representation of the queue: the entries as
// ordered [id, entry] pairs plus the time the snapshot was written.
type snapshot struct {
	Events    []snapshotPair `json:"events"`
	Timestamp time.Time      `json:"timestamp"`
}

// snapshotPair encodes as a two-element JSON array ["id", {entry}].
type snapshotPair struct {
	ID    string
	Entry QueuedEvent
}

func (p snapshotPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.ID, p.Entry})
}

func (p *snapshotPair) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("snapshot pair: %w", err)
	}
	if err := json.Unmarshal(raw[0], &p.ID); err != nil {
		return fmt.Errorf("snapshot pair id: %w", err)
	}
	if err := json.Unmarshal(raw[1], &p.Entry); err != nil {
		return fmt.Errorf("snapshot pair entry: %w", err)
	}
	return nil
}

// persistLocked writes the current contents under the storage key. Failures
// are logged and swallowed: persistence must never break queue operations.
func (q *Queue) persistLocked() {
	if !q.cfg.Persist || q.store == nil {
		return
	}

	snap := snapshot{
		Events:    make([]snapshotPair, 0, len(q.entries)),
		Timestamp: time.Now(),
	}
	for _, qe := range q.sortedLocked() {
		snap.Events = append(snap.Events, snapshotPair{ID: qe.ID, Entry: *qe})
	}

	data, err := json.Marshal(snap)
	if err != nil {
		q.logger.Warn("encode queue snapshot", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := q.store.Set(ctx, q.cfg.StorageKey, data); err != nil {
		q.logger.Warn("persist queue snapshot", "key", q.cfg.StorageKey, "error", err)
	}
}

// removeSnapshotLocked wipes the durable snapshot. Used by Clear.
func (q *Queue) removeSnapshotLocked() {
	if !q.cfg.Persist || q.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := q.store.Remove(ctx, q.cfg.StorageKey); err != nil && !errors.Is(err, store.ErrNotFound) {
		q.logger.Warn("remove queue snapshot", "key", q.cfg.StorageKey, "error", err)
	}
}

// restore loads a persisted snapshot into an empty queue. A missing key is
// the normal first-run case; decode or store errors are logged and the queue
// starts empty.
func (q *Queue) restore() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	data, err := q.store.Get(ctx, q.cfg.StorageKey)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		q.logger.Warn("load queue snapshot", "key", q.cfg.StorageKey, "error", err)
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		q.logger.Warn("decode queue snapshot", "key", q.cfg.StorageKey, "error", err)
		return
	}

	q.mu.Lock()
	for i := range snap.Events {
		qe := snap.Events[i].Entry
		qe.ID = snap.Events[i].ID
		if _, dup := q.entries[qe.ID]; dup {
			continue
		}
		cp := qe
		q.entries[cp.ID] = &cp
		if key := logicalHash(cp.Event); q.byHash[key] == "" {
			q.byHash[key] = cp.ID
		}
		q.memory += estimateSize(&cp)
		q.advanceGen(cp.ID)
	}
	restored := len(q.entries)
	q.mu.Unlock()

	q.logger.Info("restored queue snapshot",
		"key", q.cfg.StorageKey, "events", restored, "saved_at", snap.Timestamp)
}
