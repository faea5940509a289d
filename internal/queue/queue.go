// Package queue implements the durable event queue that buffers events while
// the delivery channel is down: priority-ordered retrieval, idempotent
// de-duplication, capacity eviction, retry bookkeeping, and snapshot
// persistence through a scoped key-value store.
package queue

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentsight/relay/internal/model"
	"github.com/agentsight/relay/internal/store"
)

// NotifyKind tags a subscriber notification.
type NotifyKind string

const (
	// NotifyUpdate accompanies the current queue contents after a mutation.
	NotifyUpdate NotifyKind = "update"

	// NotifyRetry accompanies a batch of retry-eligible entries. The entries
	// remain queued; removal happens only through Dequeue or MarkEventsFailed.
	NotifyRetry NotifyKind = "retry"
)

// Listener receives queue notifications. Invoked synchronously, in
// registration order, outside the queue lock; re-entrant calls are allowed.
type Listener func(events []QueuedEvent, kind NotifyKind)

// QueuedEvent wraps an Event with queue-local metadata. Only the queue
// mutates it (retry count, timestamp refresh on failure).
type QueuedEvent struct {
	ID         string         `json:"id"`
	Event      model.Event    `json:"event"`
	EnqueuedAt time.Time      `json:"enqueued_at"` // Refreshed when marked failed
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	Priority   model.Priority `json:"priority"`
}

// Metrics holds cumulative queue counters.
type Metrics struct {
	TotalEnqueued int64     `json:"total_enqueued"`
	TotalDequeued int64     `json:"total_dequeued"`
	CurrentSize   int       `json:"current_size"`
	FailedEvents  int64     `json:"failed_events"`
	RetriedEvents int64     `json:"retried_events"`
	TotalEvicted  int64     `json:"total_evicted"`
	LastFlush     time.Time `json:"last_flush"`
	MemoryBytes   int64     `json:"memory_bytes"`
}

// Config holds queue settings.
type Config struct {
	Enabled      bool
	MaxSize      int
	Persist      bool
	StorageKey   string
	RetryDelay   time.Duration // Base of the per-event retry backoff
	MaxRetries   int
	MemoryLimit  int64 // Health threshold, bytes
	FailureLimit int64 // Health threshold, permanently failed events
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxSize:      1000,
		Persist:      true,
		StorageKey:   "relay:queue:default",
		RetryDelay:   5 * time.Second,
		MaxRetries:   3,
		MemoryLimit:  10 << 20,
		FailureLimit: 50,
	}
}

const (
	defaultPeek = 10

	// Fixed per-entry overhead for the memory estimate, on top of the
	// variable-length fields.
	entryOverhead = 256
)

type listenerEntry struct {
	id int
	fn Listener
}

// Queue is the event queue. Safe for concurrent use; no operation blocks
// beyond the store's own persistence timeout.
type Queue struct {
	cfg    Config
	store  store.Store
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*QueuedEvent
	byHash  map[uint64]string // logical hash -> one live entry ID, for dedup
	gen     uint64            // suffix counter for colliding distinct events

	listeners    []listenerEntry
	nextListener int

	retryTimer *time.Timer
	retrying   bool // re-entrancy guard for RetryFailedEvents
	closed     bool

	enqueued  int64
	dequeued  int64
	failed    int64
	retried   int64
	evicted   int64
	lastFlush time.Time
	memory    int64
}

// New creates a Queue and restores any snapshot persisted under the storage
// key. A nil logger falls back to slog.Default().
func New(cfg Config, st store.Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}

	q := &Queue{
		cfg:     cfg,
		store:   st,
		logger:  logger,
		entries: make(map[string]*QueuedEvent),
		byHash:  make(map[uint64]string),
	}

	if cfg.Enabled && cfg.Persist && st != nil {
		q.restore()
	}
	if cfg.Enabled {
		q.retryTimer = time.AfterFunc(cfg.RetryDelay, q.RetryFailedEvents)
	}

	return q
}

// Enqueue adds an event. Returns false for duplicates (same timestamp,
// session, and type as a queued entry), for a disabled or closed queue,
// and never otherwise. At capacity the oldest 10% of entries are evicted
// first, by enqueue time alone; the incoming event is never evicted.
func (q *Queue) Enqueue(ev model.Event, prio model.Priority) bool {
	if prio == "" {
		prio = model.PriorityNormal
	}

	q.mu.Lock()
	if !q.cfg.Enabled || q.closed {
		q.mu.Unlock()
		return false
	}

	key := logicalHash(ev)
	id := KeyFor(ev)
	if curID, ok := q.byHash[key]; ok {
		if cur := q.entries[curID]; cur != nil && sameLogical(cur.Event, ev) {
			q.mu.Unlock()
			return false
		}
		// Distinct event colliding on the hash: disambiguate the key.
		q.gen++
		id = id + "-" + strconv.FormatUint(q.gen, 10)
	}

	if len(q.entries) >= q.cfg.MaxSize {
		n := q.evictOldestLocked()
		q.logger.Warn("event queue at capacity, evicted oldest entries",
			"evicted", n, "max_size", q.cfg.MaxSize)
	}

	q.insertLocked(&QueuedEvent{
		ID:         id,
		Event:      ev,
		EnqueuedAt: time.Now(),
		MaxRetries: q.cfg.MaxRetries,
		Priority:   prio,
	}, key)

	q.persistLocked()
	events := copyEvents(q.sortedLocked())
	fns := q.listenerFnsLocked()
	q.mu.Unlock()

	q.notify(fns, events, NotifyUpdate)
	return true
}

// Requeue re-adds a previously dequeued entry through the normal enqueue
// pipeline (dedup, eviction, persistence, notification) while preserving its
// ID and retry bookkeeping, so the retry count keeps accumulating across
// flush cycles.
func (q *Queue) Requeue(qe QueuedEvent) bool {
	q.mu.Lock()
	if !q.cfg.Enabled || q.closed {
		q.mu.Unlock()
		return false
	}
	if _, exists := q.entries[qe.ID]; exists {
		q.mu.Unlock()
		return false
	}

	key := logicalHash(qe.Event)
	if curID, ok := q.byHash[key]; ok {
		if cur := q.entries[curID]; cur != nil && sameLogical(cur.Event, qe.Event) {
			q.mu.Unlock()
			return false
		}
	}

	if len(q.entries) >= q.cfg.MaxSize {
		n := q.evictOldestLocked()
		q.logger.Warn("event queue at capacity, evicted oldest entries",
			"evicted", n, "max_size", q.cfg.MaxSize)
	}

	cp := qe
	if cp.MaxRetries <= 0 {
		cp.MaxRetries = q.cfg.MaxRetries
	}
	if cp.Priority == "" {
		cp.Priority = model.PriorityNormal
	}
	q.insertLocked(&cp, key)

	q.persistLocked()
	events := copyEvents(q.sortedLocked())
	fns := q.listenerFnsLocked()
	q.mu.Unlock()

	q.notify(fns, events, NotifyUpdate)
	return true
}

// Dequeue removes and returns up to count entries in delivery order: high
// priority before normal before low, oldest first within a tier. count <= 0
// drains everything.
func (q *Queue) Dequeue(count int) []QueuedEvent {
	return q.dequeue(count, false)
}

// Flush drains the whole queue and records the flush time.
func (q *Queue) Flush() []QueuedEvent {
	return q.dequeue(0, true)
}

func (q *Queue) dequeue(count int, isFlush bool) []QueuedEvent {
	q.mu.Lock()
	if !q.cfg.Enabled || q.closed {
		q.mu.Unlock()
		return nil
	}
	if isFlush {
		q.lastFlush = time.Now()
	}

	sorted := q.sortedLocked()
	n := len(sorted)
	if count > 0 && count < n {
		n = count
	}
	out := make([]QueuedEvent, 0, n)
	for _, qe := range sorted[:n] {
		out = append(out, *qe)
		q.removeLocked(qe.ID)
	}
	q.dequeued += int64(len(out))

	q.persistLocked()
	events := copyEvents(q.sortedLocked())
	fns := q.listenerFnsLocked()
	q.mu.Unlock()

	q.notify(fns, events, NotifyUpdate)
	return out
}

// Peek returns up to count entries in delivery order without removing them.
// count <= 0 means the default of 10.
func (q *Queue) Peek(count int) []QueuedEvent {
	if count <= 0 {
		count = defaultPeek
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.cfg.Enabled || q.closed {
		return nil
	}

	sorted := q.sortedLocked()
	if count < len(sorted) {
		sorted = sorted[:count]
	}
	return copyEvents(sorted)
}

// MarkEventsFailed increments the retry count and refreshes the timestamp of
// each identified entry. Entries reaching their retry budget are removed and
// counted as permanently failed; they are never retried again.
func (q *Queue) MarkEventsFailed(ids []string) {
	q.mu.Lock()
	if !q.cfg.Enabled || q.closed {
		q.mu.Unlock()
		return
	}

	now := time.Now()
	for _, id := range ids {
		qe, ok := q.entries[id]
		if !ok {
			continue
		}
		qe.RetryCount++
		qe.EnqueuedAt = now
		if qe.RetryCount >= qe.MaxRetries {
			q.removeLocked(id)
			q.failed++
			q.logger.Warn("event exhausted retry budget, dropping",
				"id", id, "event_type", qe.Event.Type, "retries", qe.RetryCount)
		}
	}

	q.persistLocked()
	events := copyEvents(q.sortedLocked())
	fns := q.listenerFnsLocked()
	q.mu.Unlock()

	q.notify(fns, events, NotifyUpdate)
}

// RetryFailedEvents pushes retry-eligible entries (failed at least once,
// budget not exhausted, per-event backoff elapsed) to subscribers as a retry
// batch without removing them, then reschedules itself. Re-entrant calls
// while a scan is in flight are no-ops.
func (q *Queue) RetryFailedEvents() {
	q.mu.Lock()
	if !q.cfg.Enabled || q.closed || q.retrying {
		q.mu.Unlock()
		return
	}
	q.retrying = true

	now := time.Now()
	var eligible []*QueuedEvent
	for _, qe := range q.entries {
		if qe.RetryCount <= 0 || qe.RetryCount >= qe.MaxRetries {
			continue
		}
		if now.Sub(qe.EnqueuedAt) >= q.retryBackoff(qe.RetryCount) {
			eligible = append(eligible, qe)
		}
	}
	sortQueued(eligible)
	q.retried += int64(len(eligible))
	batch := copyEvents(eligible)
	fns := q.listenerFnsLocked()
	q.mu.Unlock()

	if len(batch) > 0 {
		q.notify(fns, batch, NotifyRetry)
	}

	q.mu.Lock()
	q.retrying = false
	if q.retryTimer != nil && !q.closed {
		q.retryTimer.Reset(q.cfg.RetryDelay)
	}
	q.mu.Unlock()
}

// retryBackoff computes the per-event backoff window for an entry that has
// failed count times: retryDelay * 2^(count-1).
func (q *Queue) retryBackoff(count int) time.Duration {
	if count < 1 {
		count = 1
	}
	if count > 20 {
		count = 20
	}
	return q.cfg.RetryDelay * time.Duration(1<<uint(count-1))
}

// Clear empties the queue, counts the cleared entries as failed, and wipes
// the durable snapshot.
func (q *Queue) Clear() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	n := len(q.entries)
	q.entries = make(map[string]*QueuedEvent)
	q.byHash = make(map[uint64]string)
	q.failed += int64(n)
	q.memory = 0

	q.removeSnapshotLocked()
	fns := q.listenerFnsLocked()
	q.mu.Unlock()

	if n > 0 {
		q.logger.Info("event queue cleared", "dropped", n)
	}
	q.notify(fns, nil, NotifyUpdate)
}

// Health reports queue pressure: unhealthy when occupancy exceeds 80% of
// capacity, the memory estimate exceeds its limit, or permanent failures
// exceed their limit.
func (q *Queue) Health() model.HealthStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	var warnings []string
	if threshold := q.cfg.MaxSize * 4 / 5; len(q.entries) > threshold {
		warnings = append(warnings, fmt.Sprintf("event queue near capacity: %d/%d", len(q.entries), q.cfg.MaxSize))
	}
	if q.cfg.MemoryLimit > 0 && q.memory > q.cfg.MemoryLimit {
		warnings = append(warnings, fmt.Sprintf("queue memory estimate %d bytes exceeds limit %d", q.memory, q.cfg.MemoryLimit))
	}
	if q.cfg.FailureLimit > 0 && q.failed > q.cfg.FailureLimit {
		warnings = append(warnings, fmt.Sprintf("%d events permanently failed", q.failed))
	}

	return model.HealthStatus{Healthy: len(warnings) == 0, Warnings: warnings}
}

// Metrics returns a snapshot of the cumulative counters.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Metrics{
		TotalEnqueued: q.enqueued,
		TotalDequeued: q.dequeued,
		CurrentSize:   len(q.entries),
		FailedEvents:  q.failed,
		RetriedEvents: q.retried,
		TotalEvicted:  q.evicted,
		LastFlush:     q.lastFlush,
		MemoryBytes:   q.memory,
	}
}

// Size reports the current entry count.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Capacity reports the configured maximum entry count.
func (q *Queue) Capacity() int {
	return q.cfg.MaxSize
}

// Subscribe registers a listener and returns its unsubscribe function.
// Listeners fire synchronously in registration order; a panicking listener
// is recovered and logged without affecting the others.
func (q *Queue) Subscribe(fn Listener) func() {
	q.mu.Lock()
	id := q.nextListener
	q.nextListener++
	q.listeners = append(q.listeners, listenerEntry{id: id, fn: fn})
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		for i, l := range q.listeners {
			if l.id == id {
				q.listeners = append(q.listeners[:i], q.listeners[i+1:]...)
				break
			}
		}
	}
}

// Close stops the retry timer and detaches listeners. Idempotent. Queue
// contents stay persisted for the next instance to restore.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if q.retryTimer != nil {
		q.retryTimer.Stop()
		q.retryTimer = nil
	}
	q.listeners = nil
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

// KeyFor returns the deterministic queue key for an event, before any
// collision disambiguation. Callers use it to reference entries they have
// just enqueued, e.g. to mark a failed send.
func KeyFor(ev model.Event) string {
	return strconv.FormatUint(logicalHash(ev), 16)
}

// logicalHash keys an event by the identity that defines a duplicate:
// timestamp, session, and type.
func logicalHash(ev model.Event) uint64 {
	h := fnv.New64a()
	h.Write([]byte(strconv.FormatInt(ev.Timestamp.UnixNano(), 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(ev.SessionID))
	h.Write([]byte{'|'})
	h.Write([]byte(ev.Type))
	return h.Sum64()
}

func sameLogical(a, b model.Event) bool {
	return a.Timestamp.Equal(b.Timestamp) && a.SessionID == b.SessionID && a.Type == b.Type
}

// insertLocked adds the entry and indexes its hash. byHash keeps one live
// entry per hash; colliding distinct entries rely on their generation suffix
// for key uniqueness and are not separately indexed.
func (q *Queue) insertLocked(qe *QueuedEvent, key uint64) {
	q.entries[qe.ID] = qe
	if _, ok := q.byHash[key]; !ok {
		q.byHash[key] = qe.ID
	}
	q.memory += estimateSize(qe)
	q.enqueued++
}

func (q *Queue) removeLocked(id string) {
	qe, ok := q.entries[id]
	if !ok {
		return
	}
	delete(q.entries, id)
	key := logicalHash(qe.Event)
	if q.byHash[key] == id {
		delete(q.byHash, key)
	}
	q.memory -= estimateSize(qe)
}

// evictOldestLocked drops the oldest 10% of entries (at least one) by
// enqueue time. Priority is deliberately ignored.
func (q *Queue) evictOldestLocked() int {
	n := len(q.entries) / 10
	if n < 1 {
		n = 1
	}

	all := make([]*QueuedEvent, 0, len(q.entries))
	for _, qe := range q.entries {
		all = append(all, qe)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].EnqueuedAt.Equal(all[j].EnqueuedAt) {
			return all[i].EnqueuedAt.Before(all[j].EnqueuedAt)
		}
		return all[i].ID < all[j].ID
	})

	for _, qe := range all[:n] {
		q.removeLocked(qe.ID)
	}
	q.evicted += int64(n)
	return n
}

func (q *Queue) sortedLocked() []*QueuedEvent {
	out := make([]*QueuedEvent, 0, len(q.entries))
	for _, qe := range q.entries {
		out = append(out, qe)
	}
	sortQueued(out)
	return out
}

func sortQueued(entries []*QueuedEvent) {
	sort.Slice(entries, func(i, j int) bool {
		ri, rj := priorityRank(entries[i].Priority), priorityRank(entries[j].Priority)
		if ri != rj {
			return ri < rj
		}
		if !entries[i].EnqueuedAt.Equal(entries[j].EnqueuedAt) {
			return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}

func priorityRank(p model.Priority) int {
	switch p {
	case model.PriorityHigh:
		return 0
	case model.PriorityLow:
		return 2
	default:
		return 1
	}
}

func copyEvents(in []*QueuedEvent) []QueuedEvent {
	out := make([]QueuedEvent, len(in))
	for i, qe := range in {
		out[i] = *qe
	}
	return out
}

func estimateSize(qe *QueuedEvent) int64 {
	return entryOverhead + int64(len(qe.ID)+len(qe.Event.ID)+len(qe.Event.SessionID)+len(qe.Event.Type)+len(qe.Event.Payload))
}

func (q *Queue) listenerFnsLocked() []Listener {
	fns := make([]Listener, len(q.listeners))
	for i, l := range q.listeners {
		fns[i] = l.fn
	}
	return fns
}

func (q *Queue) notify(fns []Listener, events []QueuedEvent, kind NotifyKind) {
	for _, fn := range fns {
		q.safeNotify(fn, events, kind)
	}
}

func (q *Queue) safeNotify(fn Listener, events []QueuedEvent, kind NotifyKind) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Warn("queue listener panicked", "kind", kind, "panic", r)
		}
	}()
	fn(events, kind)
}

// advanceGen keeps the generation counter ahead of any restored suffix so
// new colliding keys never reuse a restored ID.
func (q *Queue) advanceGen(id string) {
	i := strings.LastIndexByte(id, '-')
	if i < 0 {
		return
	}
	if n, err := strconv.ParseUint(id[i+1:], 10, 64); err == nil && n > q.gen {
		q.gen = n
	}
}
