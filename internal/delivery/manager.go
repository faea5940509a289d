// Package delivery composes the channel link, the durable event queue, and
// the batcher sink into the connection manager the rest of the process talks
// to. It owns every reconnect decision: backoff timing, attempt budgets, and
// the heartbeat poll all live here, while the link beneath it never retries
// on its own.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentsight/relay/internal/link"
	"github.com/agentsight/relay/internal/model"
	"github.com/agentsight/relay/internal/queue"
)

// ErrClosed is returned by operations on a closed manager.
var ErrClosed = errors.New("delivery manager closed")

// recentEventWindow bounds how old the last event on the channel may be for
// the quality tier to rate excellent.
const recentEventWindow = time.Minute

// reconnectDialTimeout bounds connect attempts made from the backoff timer.
const reconnectDialTimeout = 30 * time.Second

// StateListener observes state transitions. It receives a full status
// snapshot taken after the transition was applied.
type StateListener func(status model.ConnectionStatus)

// Sink receives successfully delivered events. Implemented by the batcher;
// its boolean health folds into the aggregate health report.
type Sink interface {
	Add(ev model.Event)
	Healthy() bool
}

// Config controls reconnect backoff and the heartbeat poll.
type Config struct {
	// BaseDelay is the first reconnect delay; each further attempt grows by
	// Factor, clamped to MaxDelay.
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
	Factor    float64       `yaml:"factor"`

	// Jitter spreads each delay by the given fraction in both directions.
	// Must be in [0, 1).
	Jitter float64 `yaml:"jitter"`

	// MaxAttempts caps scheduled reconnects. Once spent, the manager settles
	// disconnected until a manual Reconnect.
	MaxAttempts int `yaml:"max_attempts"`

	// HeartbeatInterval is how often a connected channel is probed. Zero or
	// negative disables the poll.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// DefaultConfig returns the production reconnect policy.
func DefaultConfig() Config {
	return Config{
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		Factor:            2,
		Jitter:            0.2,
		MaxAttempts:       10,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Manager is the process-facing connection surface. Producers hand it
// events and never need to know whether the channel is live.
type Manager interface {
	// Connect makes a single connection attempt. On failure the reconnect
	// path takes over and the error is returned.
	Connect(ctx context.Context) error

	// Reconnect resets the attempt budget, tears the channel down, and
	// connects fresh.
	Reconnect(ctx context.Context) error

	// QueueEvent delivers an event now if connected, or buffers it in the
	// queue otherwise. Reports whether the event was sent or accepted.
	QueueEvent(ev model.Event) bool

	// Subscribe registers an inbound event handler on the link. Handlers
	// survive reconnects.
	Subscribe(eventType string, h link.Handler) func()

	// OnStateChange registers a transition listener and returns its
	// unsubscribe function. Listeners fire synchronously in registration
	// order; a panicking listener is recovered and does not affect the rest.
	OnStateChange(fn StateListener) func()

	// Status returns a merged snapshot of the link, the queue, and the
	// derived quality tier.
	Status() model.ConnectionStatus

	// Health aggregates link, queue, and sink health into one report.
	Health() model.HealthStatus

	// QueueMetrics returns the queue's counters.
	QueueMetrics() queue.Metrics

	// ClearQueue drops all buffered events.
	ClearQueue()

	// Flush attempts immediate delivery of everything queued, ahead of the
	// queue's own retry schedule. No-op unless connected; entries that still
	// fail go back with their retry count advanced.
	Flush()

	// Close stops all timers, closes the queue, and destroys the link.
	// Idempotent.
	Close()
}

type stateListenerEntry struct {
	id int
	fn StateListener
}

type manager struct {
	cfg    Config
	link   link.Manager
	queue  *queue.Queue
	sink   Sink
	logger *slog.Logger

	// connecting serializes dial attempts; a second caller while one is in
	// flight is a no-op.
	connecting atomic.Bool

	mu             sync.Mutex
	state          model.ConnectionState
	lastErr        string
	lastUpdate     time.Time
	attempts       int
	reconnectTimer *time.Timer
	hbStop         chan struct{}
	listeners      []stateListenerEntry
	nextListener   int
	closed         bool

	linkUnsub  func()
	queueUnsub func()
}

// New builds a manager over a link, an optional queue, and an optional sink.
// A nil logger falls back to slog.Default(). Out-of-range config values are
// replaced with defaults.
func New(cfg Config, lk link.Manager, q *queue.Queue, sink Sink, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.Factor < 1 {
		cfg.Factor = def.Factor
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}

	m := &manager{
		cfg:        cfg,
		link:       lk,
		queue:      q,
		sink:       sink,
		logger:     logger,
		state:      model.StateDisconnected,
		lastUpdate: time.Now(),
	}
	m.linkUnsub = lk.Subscribe(link.EventStateChange, m.onLinkStateChange)
	if q != nil {
		m.queueUnsub = q.Subscribe(m.onQueueNotify)
	}
	return m
}

func (m *manager) Connect(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	if !m.connecting.CompareAndSwap(false, true) {
		return nil
	}
	defer m.connecting.Store(false)
	return m.connect(ctx)
}

func (m *manager) Reconnect(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	if !m.connecting.CompareAndSwap(false, true) {
		return nil
	}
	defer m.connecting.Store(false)

	m.mu.Lock()
	m.attempts = 0
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.mu.Unlock()

	m.transition(model.StateConnecting, "")
	if err := m.link.Reconnect(ctx); err != nil {
		m.transition(model.StateError, err.Error())
		m.scheduleReconnect()
		return err
	}
	m.afterConnected()
	return nil
}

func (m *manager) connect(ctx context.Context) error {
	m.transition(model.StateConnecting, "")
	if err := m.link.Connect(ctx); err != nil {
		m.transition(model.StateError, err.Error())
		m.scheduleReconnect()
		return err
	}
	m.afterConnected()
	return nil
}

// afterConnected runs the shared success tail: reset the attempt budget,
// expose the connected state, then drain whatever accumulated while down.
func (m *manager) afterConnected() {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()

	m.transition(model.StateConnected, "")
	m.startHeartbeat()
	m.flushQueue()
}

func (m *manager) QueueEvent(ev model.Event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	state := m.state
	m.mu.Unlock()

	if state == model.StateConnected {
		if m.link.Send(ev) {
			m.deliver(ev)
			return true
		}
		// Transient send failure: park the event with its retry count
		// already advanced so the backoff schedule starts now.
		if m.queue != nil && m.queue.Enqueue(ev, model.PriorityNormal) {
			m.queue.MarkEventsFailed([]string{queue.KeyFor(ev)})
		}
		return false
	}

	if m.queue == nil {
		return false
	}
	return m.queue.Enqueue(ev, model.PriorityNormal)
}

func (m *manager) Subscribe(eventType string, h link.Handler) func() {
	return m.link.Subscribe(eventType, h)
}

func (m *manager) OnStateChange(fn StateListener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return func() {}
	}
	m.nextListener++
	id := m.nextListener
	m.listeners = append(m.listeners, stateListenerEntry{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

func (m *manager) Status() model.ConnectionStatus {
	m.mu.Lock()
	st := model.ConnectionStatus{
		State:             m.state,
		ReconnectAttempts: m.attempts,
		LastUpdate:        m.lastUpdate,
		Err:               m.lastErr,
	}
	closed := m.closed
	m.mu.Unlock()

	ls := m.link.Status()
	st.LastEventAt = ls.LastEventAt
	st.Subscriptions = ls.Subscriptions
	if ls.LastUpdate.After(st.LastUpdate) {
		st.LastUpdate = ls.LastUpdate
	}
	if m.queue != nil {
		st.QueuedEvents = m.queue.Size()
	}
	st.Healthy = !closed && st.State == model.StateConnected && m.link.Health()
	st.Quality = m.quality(st)
	return st
}

func (m *manager) Health() model.HealthStatus {
	out := model.HealthStatus{Healthy: true}

	m.mu.Lock()
	state := m.state
	lastErr := m.lastErr
	closed := m.closed
	m.mu.Unlock()

	switch {
	case closed:
		out.Healthy = false
		out.Errors = append(out.Errors, "delivery manager closed")
	case state != model.StateConnected:
		out.Healthy = false
		msg := fmt.Sprintf("channel %s", state)
		if lastErr != "" {
			msg += ": " + lastErr
		}
		out.Errors = append(out.Errors, msg)
	case !m.link.Health():
		out.Healthy = false
		out.Errors = append(out.Errors, "channel stale")
	}

	if m.queue != nil {
		qh := m.queue.Health()
		if !qh.Healthy {
			out.Healthy = false
		}
		out.Warnings = append(out.Warnings, qh.Warnings...)
		out.Errors = append(out.Errors, qh.Errors...)
	}

	if m.sink != nil && !m.sink.Healthy() {
		out.Healthy = false
		out.Warnings = append(out.Warnings, "batcher dropping batches")
	}
	return out
}

func (m *manager) QueueMetrics() queue.Metrics {
	if m.queue == nil {
		return queue.Metrics{}
	}
	return m.queue.Metrics()
}

func (m *manager) ClearQueue() {
	if m.queue != nil {
		m.queue.Clear()
	}
}

func (m *manager) Flush() {
	m.mu.Lock()
	connected := !m.closed && m.state == model.StateConnected
	m.mu.Unlock()
	if connected {
		m.flushQueue()
	}
}

func (m *manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	hbStop := m.hbStop
	m.hbStop = nil
	m.listeners = nil
	m.mu.Unlock()

	if hbStop != nil {
		close(hbStop)
	}
	if m.linkUnsub != nil {
		m.linkUnsub()
	}
	if m.queueUnsub != nil {
		m.queueUnsub()
	}
	if m.queue != nil {
		m.queue.Close()
	}
	m.link.Destroy()
	m.logger.Info("delivery manager closed")
}

// Reconnect path

// scheduleReconnect arms the backoff timer for the next attempt. It is the
// only place reconnects are scheduled; once the budget is spent the state
// settles disconnected and no further timers fire.
func (m *manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed || m.reconnectTimer != nil {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.cfg.MaxAttempts {
		m.mu.Unlock()
		m.logger.Warn("reconnect attempts exhausted", "attempts", m.cfg.MaxAttempts)
		m.transition(model.StateDisconnected, "reconnect attempts exhausted")
		return
	}
	m.attempts++
	attempt := m.attempts
	delay := m.backoffDelay(attempt)
	m.reconnectTimer = time.AfterFunc(delay, m.reconnectFired)
	m.mu.Unlock()

	m.logger.Info("scheduling reconnect", "attempt", attempt, "delay", delay)
}

func (m *manager) reconnectFired() {
	m.mu.Lock()
	m.reconnectTimer = nil
	closed := m.closed
	attempt := m.attempts
	m.mu.Unlock()
	if closed {
		return
	}

	m.logger.Info("reconnecting", "attempt", attempt)
	ctx, cancel := context.WithTimeout(context.Background(), reconnectDialTimeout)
	defer cancel()
	_ = m.Connect(ctx)
}

func (m *manager) backoffDelay(attempt int) time.Duration {
	d := float64(m.cfg.BaseDelay) * math.Pow(m.cfg.Factor, float64(attempt-1))
	if limit := float64(m.cfg.MaxDelay); d > limit {
		d = limit
	}
	if m.cfg.Jitter > 0 {
		d *= 1 + m.cfg.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// Heartbeat poll

func (m *manager) startHeartbeat() {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.hbStop != nil {
		return
	}
	m.hbStop = make(chan struct{})
	go m.heartbeatLoop(m.hbStop)
}

func (m *manager) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.checkChannel()
		}
	}
}

// checkChannel verifies a connected link on each heartbeat tick. A stale
// link gets one more probe through the checking state before the manager
// gives up on it and enters the reconnect path.
func (m *manager) checkChannel() {
	m.mu.Lock()
	connected := !m.closed && m.state == model.StateConnected
	m.mu.Unlock()
	if !connected {
		return
	}
	if m.link.Health() {
		return
	}

	m.transition(model.StateChecking, "")
	if m.link.Health() {
		m.transition(model.StateConnected, "")
		return
	}

	m.logger.Warn("channel failed heartbeat check")
	m.transition(model.StateError, "channel failed heartbeat check")
	m.scheduleReconnect()
}

// Queue plumbing

// flushQueue drains the queue through the link. Each entry is attempted at
// most once per cycle; failures go back with their retry count advanced and
// wait for the queue's own backoff schedule.
func (m *manager) flushQueue() {
	if m.queue == nil {
		return
	}
	batch := m.queue.Flush()
	if len(batch) == 0 {
		return
	}
	m.logger.Info("flushing queued events", "count", len(batch))

	var failed []string
	for _, qe := range batch {
		m.mu.Lock()
		ok := !m.closed && m.state == model.StateConnected
		m.mu.Unlock()
		if ok {
			ok = m.link.Send(qe.Event)
		}
		if !ok {
			if m.queue.Requeue(qe) {
				failed = append(failed, qe.ID)
			}
			continue
		}
		m.deliver(qe.Event)
	}
	if len(failed) > 0 {
		m.queue.MarkEventsFailed(failed)
		m.logger.Warn("requeued undelivered events", "count", len(failed))
	}
}

func (m *manager) onQueueNotify(_ []queue.QueuedEvent, kind queue.NotifyKind) {
	if kind != queue.NotifyRetry {
		return
	}
	m.mu.Lock()
	connected := !m.closed && m.state == model.StateConnected
	m.mu.Unlock()
	if connected {
		m.flushQueue()
	}
}

func (m *manager) deliver(ev model.Event) {
	if m.sink != nil {
		m.sink.Add(ev)
	}
}

// onLinkStateChange reacts to channel faults reported by the link so a dead
// channel is handled ahead of the next heartbeat tick. Faults during our own
// connect attempts are ignored; the connect path reports those itself.
func (m *manager) onLinkStateChange(ev model.Event) {
	var p link.StateChangePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return
	}
	if p.State != model.StateError {
		return
	}

	m.mu.Lock()
	wasConnected := !m.closed && m.state == model.StateConnected
	m.mu.Unlock()
	if !wasConnected {
		return
	}

	m.logger.Warn("channel fault", "error", p.Error)
	m.transition(model.StateError, p.Error)
	m.scheduleReconnect()
}

// State handling

// transition applies a state change and notifies listeners with a status
// snapshot taken after the change. No-op when nothing changed or the
// manager is closed.
func (m *manager) transition(state model.ConnectionState, errStr string) {
	m.mu.Lock()
	if m.closed || (m.state == state && m.lastErr == errStr) {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = state
	m.lastErr = errStr
	m.lastUpdate = time.Now()
	fns := make([]StateListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		fns = append(fns, l.fn)
	}
	m.mu.Unlock()

	m.logger.Debug("state transition", "from", prev, "to", state)
	if len(fns) == 0 {
		return
	}
	status := m.Status()
	for _, fn := range fns {
		m.notifyListener(fn, status)
	}
}

func (m *manager) notifyListener(fn StateListener, status model.ConnectionStatus) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("state listener panicked", "panic", r)
		}
	}()
	fn(status)
}

// quality derives the coarse channel rating from a status snapshot.
func (m *manager) quality(st model.ConnectionStatus) model.QualityTier {
	switch st.State {
	case model.StateConnected:
		if st.ReconnectAttempts > 0 {
			return model.QualityPoor
		}
		if m.queueNearEmpty() &&
			!st.LastEventAt.IsZero() && time.Since(st.LastEventAt) <= recentEventWindow {
			return model.QualityExcellent
		}
		return model.QualityGood
	case model.StateConnecting, model.StateChecking, model.StateError:
		return model.QualityPoor
	default:
		return model.QualityUnknown
	}
}

// queueNearEmpty reports whether the queue sits below a tenth of capacity.
func (m *manager) queueNearEmpty() bool {
	if m.queue == nil {
		return true
	}
	capacity := m.queue.Capacity()
	return capacity > 0 && m.queue.Size()*10 < capacity
}

func (m *manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
