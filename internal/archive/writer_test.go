package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agentsight/relay/internal/batcher"
	"github.com/agentsight/relay/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func archiveEvent(id string, ts time.Time) model.Event {
	return model.Event{
		ID:        id,
		SessionID: "s1",
		Type:      model.TypePostToolUse,
		Timestamp: ts,
		Payload:   json.RawMessage(`{"k":1}`),
	}
}

// insertStub records insert calls and returns scripted results.
type insertStub struct {
	mu         sync.Mutex
	calls      int
	rows       int
	duplicates int
	err        error
}

func (s *insertStub) fn(ctx context.Context, rows []eventRow) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.rows += len(rows)
	return s.duplicates, s.err
}

func (s *insertStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *insertStub) rowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

func stagedRows(w *Writer) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows)
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", d, msg)
}

func TestRowFor(t *testing.T) {
	ts := time.Date(2026, 5, 11, 9, 30, 0, 0, time.UTC)
	ev := archiveEvent("ev-1", ts)

	row := rowFor(ev, "batch-9")
	if row.ID != "ev-1" {
		t.Errorf("ID = %s, want ev-1", row.ID)
	}
	if row.SessionID != "s1" || row.Type != model.TypePostToolUse {
		t.Errorf("session/type = %s/%s", row.SessionID, row.Type)
	}
	if !row.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", row.Timestamp, ts)
	}
	if string(row.Payload) != `{"k":1}` {
		t.Errorf("Payload = %s", row.Payload)
	}
	if row.BatchID != "batch-9" {
		t.Errorf("BatchID = %s, want batch-9", row.BatchID)
	}
}

func TestRowFor_BlankIDGetsStableKey(t *testing.T) {
	ev := model.Event{SessionID: "s2", Type: model.TypeUserPrompt, Timestamp: time.Now()}

	row := rowFor(ev, "b1")
	if row.ID == "" {
		t.Fatal("blank event ID produced a blank row ID")
	}
	if row.ID != batcher.EventKey(ev) {
		t.Errorf("row ID = %s, want the batcher key %s", row.ID, batcher.EventKey(ev))
	}

	// same event again yields the same key
	if again := rowFor(ev, "b2"); again.ID != row.ID {
		t.Errorf("key not stable: %s vs %s", again.ID, row.ID)
	}
}

func TestWriter_HandleBatchAccumulates(t *testing.T) {
	w := New(Config{FlushInterval: time.Hour, MaxBatch: 100}, nil, nil, testLogger())
	stub := &insertStub{}
	w.insert = stub.fn

	now := time.Now()
	w.handleBatch(batcher.Batch{
		ID: "b1",
		Events: []model.Event{
			archiveEvent("e1", now),
			archiveEvent("e2", now),
			archiveEvent("e3", now),
		},
	})

	if got := stagedRows(w); got != 3 {
		t.Errorf("staged rows = %d, want 3", got)
	}
	if stub.callCount() != 0 {
		t.Errorf("insert called %d times before any flush", stub.callCount())
	}
}

func TestWriter_FlushCountsDuplicates(t *testing.T) {
	w := New(Config{FlushInterval: time.Hour, MaxBatch: 100}, nil, nil, testLogger())
	stub := &insertStub{duplicates: 2}
	w.insert = stub.fn

	now := time.Now()
	events := make([]model.Event, 5)
	for i := range events {
		events[i] = archiveEvent("e"+string(rune('1'+i)), now)
	}
	w.handleBatch(batcher.Batch{ID: "b1", Events: events})
	w.flush(context.Background())

	m := w.Metrics()
	if m.Inserts != 3 || m.Duplicates != 2 || m.Flushes != 1 || m.Errors != 0 {
		t.Errorf("metrics = %+v, want 3 inserts / 2 duplicates / 1 flush", m)
	}
	if stub.callCount() != 1 {
		t.Errorf("insert called %d times, want 1", stub.callCount())
	}
	if got := stagedRows(w); got != 0 {
		t.Errorf("staged rows after flush = %d, want 0", got)
	}
}

func TestWriter_FlushOnRowCap(t *testing.T) {
	w := New(Config{FlushInterval: time.Hour, MaxBatch: 2}, nil, nil, testLogger())
	stub := &insertStub{}
	w.insert = stub.fn

	now := time.Now()
	w.handleBatch(batcher.Batch{
		ID:     "b1",
		Events: []model.Event{archiveEvent("e1", now), archiveEvent("e2", now)},
	})

	if stub.callCount() != 1 {
		t.Fatalf("insert called %d times, want 1 (cap reached)", stub.callCount())
	}
	if got := w.Metrics().Inserts; got != 2 {
		t.Errorf("Inserts = %d, want 2", got)
	}
}

func TestWriter_BreakerOpensAndDrops(t *testing.T) {
	w := New(Config{FlushInterval: time.Hour, MaxBatch: 100}, nil, nil, testLogger())
	stub := &insertStub{err: errors.New("db down")}
	w.insert = stub.fn

	now := time.Now()
	for i := 0; i < 3; i++ {
		w.handleBatch(batcher.Batch{ID: "b", Events: []model.Event{archiveEvent("e", now.Add(time.Duration(i)*time.Second))}})
		w.flush(context.Background())
	}

	m := w.Metrics()
	if m.Errors != 3 {
		t.Errorf("Errors = %d, want 3", m.Errors)
	}
	if m.BreakerOpens != 1 {
		t.Errorf("BreakerOpens = %d, want 1", m.BreakerOpens)
	}
	if stub.callCount() != 3 {
		t.Errorf("insert called %d times, want 3", stub.callCount())
	}

	// breaker is open: the next flush drops without touching the database
	w.handleBatch(batcher.Batch{ID: "b", Events: []model.Event{archiveEvent("e4", now)}})
	w.flush(context.Background())

	m = w.Metrics()
	if m.Errors != 4 {
		t.Errorf("Errors after open-drop = %d, want 4", m.Errors)
	}
	if stub.callCount() != 3 {
		t.Errorf("insert called %d times with breaker open, want still 3", stub.callCount())
	}
	if got := stagedRows(w); got != 0 {
		t.Errorf("staged rows = %d, want 0 (dropped)", got)
	}
	if m.Inserts != 0 || m.Flushes != 0 {
		t.Errorf("metrics = %+v, want no successful flushes", m)
	}
}

func TestWriter_Lifecycle(t *testing.T) {
	input := batcher.NewBuffer[batcher.Batch](8, 0)
	w := New(Config{FlushInterval: 20 * time.Millisecond, MaxBatch: 100}, input, nil, testLogger())
	stub := &insertStub{}
	w.insert = stub.fn

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	now := time.Now()
	input.Push(batcher.Batch{
		ID:     "b1",
		Events: []model.Event{archiveEvent("e1", now), archiveEvent("e2", now)},
	})

	waitFor(t, 2*time.Second, func() bool {
		return w.Metrics().Inserts == 2
	}, "batch never reached the insert path")

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Errorf("Stop() = %v", err)
	}
}

func TestWriter_StopFlushesRemainder(t *testing.T) {
	input := batcher.NewBuffer[batcher.Batch](8, 0)
	w := New(Config{FlushInterval: time.Hour, MaxBatch: 100}, input, nil, testLogger())
	stub := &insertStub{}
	w.insert = stub.fn

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	now := time.Now()
	input.Push(batcher.Batch{
		ID:     "b1",
		Events: []model.Event{archiveEvent("e1", now), archiveEvent("e2", now)},
	})

	waitFor(t, 2*time.Second, func() bool {
		return stagedRows(w) == 2
	}, "batch never staged")

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() = %v", err)
	}

	if stub.rowCount() != 2 {
		t.Errorf("inserted %d rows, want 2 from the final flush", stub.rowCount())
	}
	if got := w.Metrics().Inserts; got != 2 {
		t.Errorf("Inserts = %d, want 2", got)
	}
}
