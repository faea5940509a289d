package archive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"github.com/agentsight/relay/internal/batcher"
	"github.com/agentsight/relay/internal/model"
)

const (
	// breakerTripAfter consecutive insert failures open the breaker.
	breakerTripAfter = 3

	// breakerCooldown is how long the breaker stays open before probing.
	breakerCooldown = 30 * time.Second

	// drainIdleWait paces the consume loop when the input ring is empty.
	drainIdleWait = 10 * time.Millisecond
)

// Config controls batching of archive inserts.
type Config struct {
	// FlushInterval bounds how long accumulated rows wait for company.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// MaxBatch flushes early once this many rows have accumulated.
	MaxBatch int `yaml:"max_batch"`
}

// DefaultConfig returns the production archive parameters.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 5 * time.Second,
		MaxBatch:      500,
	}
}

// Metrics is a snapshot of archive counters.
type Metrics struct {
	Inserts      int64 `json:"inserts"`
	Duplicates   int64 `json:"duplicates"`
	Flushes      int64 `json:"flushes"`
	Errors       int64 `json:"errors"`
	BreakerOpens int64 `json:"breaker_opens"`
}

// eventRow is one events-table row.
type eventRow struct {
	ID        string
	SessionID string
	Type      string
	Timestamp time.Time
	Payload   []byte
	BatchID   string
}

// Writer consumes batches from the batcher ring and batch-inserts their
// events into Postgres.
type Writer struct {
	cfg     Config
	logger  *slog.Logger
	input   *batcher.Buffer[batcher.Batch]
	db      *pgxpool.Pool
	breaker *gobreaker.CircuitBreaker

	// insert is the row sink; swapped out by tests.
	insert func(ctx context.Context, rows []eventRow) (int, error)

	mu      sync.Mutex
	rows    []eventRow
	metrics Metrics

	ctx         context.Context
	cancel      context.CancelFunc
	flushTicker *time.Ticker
	wg          sync.WaitGroup
}

// New builds a writer over the batcher's output ring. A nil logger falls
// back to slog.Default(); out-of-range config values are replaced with
// defaults.
func New(cfg Config, input *batcher.Buffer[batcher.Batch], db *pgxpool.Pool, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}

	w := &Writer{
		cfg:    cfg,
		logger: logger,
		input:  input,
		db:     db,
		rows:   make([]eventRow, 0, cfg.MaxBatch),
	}
	w.insert = w.insertRows
	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "archive",
		Timeout: breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripAfter
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				w.mu.Lock()
				w.metrics.BreakerOpens++
				w.mu.Unlock()
				w.logger.Warn("archive breaker opened")
			case gobreaker.StateClosed:
				if from != gobreaker.StateClosed {
					w.logger.Info("archive breaker closed")
				}
			}
		},
	})
	return w
}

// Start launches the consume and flush loops.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("archive writer started",
		"max_batch", w.cfg.MaxBatch,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop shuts the loops down and flushes whatever accumulated, bounded by
// the given context.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping archive writer")

	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("archive writer stop timed out")
	}

	// the run context is cancelled; the final flush gets the stop context
	w.flush(ctx)
	w.logger.Info("archive writer stopped")
	return nil
}

// Metrics returns a snapshot of the archive counters.
func (w *Writer) Metrics() Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics
}

func (w *Writer) consumeLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		batch, ok := w.input.TryPop()
		if !ok {
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(drainIdleWait):
			}
			continue
		}
		w.handleBatch(batch)
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// handleBatch expands a batch into rows and flushes once the row cap is
// reached.
func (w *Writer) handleBatch(b batcher.Batch) {
	w.mu.Lock()
	for _, ev := range b.Events {
		w.rows = append(w.rows, rowFor(ev, b.ID))
	}
	shouldFlush := len(w.rows) >= w.cfg.MaxBatch
	w.mu.Unlock()

	if shouldFlush {
		w.flush(w.ctx)
	}
}

// flush writes the accumulated rows through the breaker. A failed or
// breaker-rejected flush drops the rows and counts the error; the batcher's
// LRU has already recorded these IDs, so redelivery will not resurrect them.
func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.rows) == 0 {
		w.mu.Unlock()
		return
	}
	rows := w.rows
	w.rows = make([]eventRow, 0, w.cfg.MaxBatch)
	w.mu.Unlock()

	start := time.Now()
	res, err := w.breaker.Execute(func() (any, error) {
		return w.insert(ctx, rows)
	})
	if err != nil {
		w.mu.Lock()
		w.metrics.Errors++
		w.mu.Unlock()
		if errors.Is(err, gobreaker.ErrOpenState) {
			w.logger.Warn("archive breaker open, dropping batch", "events", len(rows))
		} else {
			w.logger.Error("archive insert failed", "error", err, "events", len(rows))
		}
		return
	}

	duplicates := res.(int)
	w.mu.Lock()
	w.metrics.Inserts += int64(len(rows) - duplicates)
	w.metrics.Duplicates += int64(duplicates)
	w.metrics.Flushes++
	w.mu.Unlock()

	w.logger.Debug("archived events",
		"count", len(rows),
		"duplicates", duplicates,
		"duration", time.Since(start),
	)
}

// insertRows runs one pgx batch of idempotent inserts and reports how many
// rows already existed.
func (w *Writer) insertRows(ctx context.Context, rows []eventRow) (int, error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO events (id, session_id, event_type, ts, payload, batch_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`, r.ID, r.SessionID, r.Type, r.Timestamp, r.Payload, r.BatchID)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	duplicates := 0
	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			duplicates++
		}
	}
	return duplicates, nil
}

// rowFor maps an event onto its table row. Events that arrived without an
// ID get the batcher's stable key so conflict detection still works across
// restarts.
func rowFor(ev model.Event, batchID string) eventRow {
	id := ev.ID
	if id == "" {
		id = batcher.EventKey(ev)
	}
	return eventRow{
		ID:        id,
		SessionID: ev.SessionID,
		Type:      ev.Type,
		Timestamp: ev.Timestamp,
		Payload:   []byte(ev.Payload),
		BatchID:   batchID,
	}
}
