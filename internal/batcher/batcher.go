// Package batcher groups successfully delivered events into time-windowed
// batches for downstream consumers. A window closes on a timer or early when
// it reaches the batch cap; closed batches land in a growable ring buffer
// the archive writer drains. Recently seen event IDs are suppressed with an
// LRU so redelivered events do not produce duplicate rows downstream.
package batcher

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentsight/relay/internal/model"
)

// saturationWindow is how long a single dropped batch keeps the batcher
// reporting unhealthy.
const saturationWindow = time.Minute

// initialBufferCap seeds the output ring; it grows on demand up to the
// configured buffer size.
const initialBufferCap = 16

// Batch is one closed window of delivered events.
type Batch struct {
	ID          string        `json:"id"`
	Events      []model.Event `json:"events"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
}

// Config controls window sizing and buffering.
type Config struct {
	// Window is how long a batch stays open before it is closed and emitted.
	Window time.Duration `yaml:"window"`

	// MaxBatch closes a window early once it holds this many events.
	MaxBatch int `yaml:"max_batch"`

	// BufferSize bounds the output ring; at the bound, closed batches are
	// dropped and counted instead of blocking delivery.
	BufferSize int `yaml:"buffer_size"`

	// DedupeSize is the capacity of the recently-seen event ID cache.
	DedupeSize int `yaml:"dedupe_size"`
}

// DefaultConfig returns the production batching parameters.
func DefaultConfig() Config {
	return Config{
		Window:     10 * time.Second,
		MaxBatch:   100,
		BufferSize: 256,
		DedupeSize: 4096,
	}
}

// Stats is a point-in-time snapshot of batcher counters.
type Stats struct {
	EventsIn       int64       `json:"events_in"`
	Deduped        int64       `json:"deduped"`
	Batches        int64       `json:"batches"`
	DroppedBatches int64       `json:"dropped_batches"`
	Pending        int         `json:"pending"`
	Buffer         BufferStats `json:"buffer"`
}

// Batcher collects events into windows. Safe for concurrent use.
type Batcher struct {
	cfg    Config
	logger *slog.Logger
	seen   *lru.Cache[string, struct{}]
	out    *Buffer[Batch]

	mu          sync.Mutex
	pending     []model.Event
	windowStart time.Time
	lastDrop    time.Time
	eventsIn    int64
	deduped     int64
	batches     int64
	dropped     int64
	started     bool
	stopped     bool
	stopC       chan struct{}
	doneC       chan struct{}
}

// New builds a batcher. A nil logger falls back to slog.Default();
// out-of-range config values are replaced with defaults.
func New(cfg Config, logger *slog.Logger) (*Batcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = def.DedupeSize
	}

	seen, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, err
	}
	return &Batcher{
		cfg:    cfg,
		logger: logger,
		seen:   seen,
		out:    NewBuffer[Batch](initialBufferCap, cfg.BufferSize),
	}, nil
}

// Start launches the window flush loop. Calling Start twice is a no-op.
func (b *Batcher) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.stopC = make(chan struct{})
	b.doneC = make(chan struct{})
	b.mu.Unlock()

	go b.flushLoop()
	b.logger.Info("batcher started",
		"window", b.cfg.Window, "max_batch", b.cfg.MaxBatch)
	return nil
}

// Stop closes the open window, waits for the flush loop, and closes the
// output buffer so drainers see the end of the stream.
func (b *Batcher) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	stopC, doneC := b.stopC, b.doneC
	b.mu.Unlock()

	close(stopC)
	select {
	case <-doneC:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.out.Close()
	b.logger.Info("batcher stopped")
	return nil
}

// Add appends one delivered event to the open window. Events whose ID was
// seen recently are suppressed.
func (b *Batcher) Add(ev model.Event) {
	if found, _ := b.seen.ContainsOrAdd(EventKey(ev), struct{}{}); found {
		b.mu.Lock()
		b.deduped++
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.windowStart = time.Now()
	}
	b.pending = append(b.pending, ev)
	b.eventsIn++
	full := len(b.pending) >= b.cfg.MaxBatch
	b.mu.Unlock()

	if full {
		b.closeWindow("size")
	}
}

// Output is the ring the archive writer drains closed batches from.
func (b *Batcher) Output() *Buffer[Batch] {
	return b.out
}

// Healthy reports whether batches are flowing. A dropped batch within the
// saturation window marks the batcher unhealthy.
func (b *Batcher) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastDrop.IsZero() || time.Since(b.lastDrop) > saturationWindow
}

// Stats returns a snapshot of the batcher counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		EventsIn:       b.eventsIn,
		Deduped:        b.deduped,
		Batches:        b.batches,
		DroppedBatches: b.dropped,
		Pending:        len(b.pending),
		Buffer:         b.out.Stats(),
	}
}

func (b *Batcher) flushLoop() {
	defer close(b.doneC)
	ticker := time.NewTicker(b.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopC:
			b.closeWindow("stop")
			return
		case <-ticker.C:
			b.closeWindow("window")
		}
	}
}

// closeWindow emits the open window as a batch. Empty windows are skipped.
func (b *Batcher) closeWindow(reason string) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	events := b.pending
	start := b.windowStart
	b.pending = nil
	b.windowStart = time.Time{}
	b.mu.Unlock()

	batch := Batch{
		ID:          uuid.NewString(),
		Events:      events,
		WindowStart: start,
		WindowEnd:   time.Now(),
	}
	if !b.out.Push(batch) {
		b.mu.Lock()
		b.dropped++
		b.lastDrop = time.Now()
		b.mu.Unlock()
		b.logger.Warn("batch buffer saturated, dropping batch",
			"events", len(events), "reason", reason)
		return
	}

	b.mu.Lock()
	b.batches++
	b.mu.Unlock()
	b.logger.Debug("closed batch window",
		"batch_id", batch.ID, "events", len(events), "reason", reason)
}

// EventKey identifies an event: its ID when present, otherwise the same
// logical identity the queue keys on. The archive writer uses it as a
// stable primary key for events that arrived without an ID.
func EventKey(ev model.Event) string {
	if ev.ID != "" {
		return ev.ID
	}
	return strconv.FormatInt(ev.Timestamp.UnixNano(), 10) + "|" + ev.SessionID + "|" + ev.Type
}
