package link

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/agentsight/relay/internal/model"
)

// Manager owns one channel client and fans inbound events out to typed
// subscribers. It connects exactly once per call and reports channel death
// through state_change events; all reconnection scheduling lives in the
// delivery layer above it.
type Manager interface {
	// Connect establishes the channel. Single attempt, no internal retries.
	// Already connected is a no-op.
	Connect(ctx context.Context) error

	// Send writes one event to the channel, bounded by the send timeout.
	// Reports success; it never blocks past the deadline and never panics.
	Send(ev model.Event) bool

	// Subscribe registers a handler for an event type and returns its
	// unsubscribe function. EventWildcard receives every inbound event;
	// EventStateChange receives synthetic events on state transitions and is
	// not matched by the wildcard. Handlers fire synchronously in
	// registration order, exact-type handlers before wildcard handlers.
	Subscribe(eventType string, h Handler) func()

	// Status returns the link's view of the channel.
	Status() Status

	// Health reports whether the channel is connected and not stale.
	Health() bool

	// Reconnect tears the client down and makes one fresh connect attempt.
	Reconnect(ctx context.Context) error

	// Disconnect injects a failure into the current client. The channel dies
	// through the same path a real network fault takes, so whatever recovery
	// sits above the link engages normally.
	Disconnect() error

	// Destroy closes the client, stops the dispatch loop, and clears all
	// subscriptions. Idempotent.
	Destroy()
}

type handlerEntry struct {
	id int
	fn Handler
}

// manager implements the Manager interface.
type manager struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.RWMutex
	client       Client
	stopDispatch chan struct{}
	state        model.ConnectionState
	lastErr      string
	lastUpdate   time.Time
	lastEventAt  time.Time
	attempts     int
	destroyed    bool

	handlers    map[string][]handlerEntry
	nextHandler int
}

// NewManager creates a link manager. A nil logger falls back to
// slog.Default().
func NewManager(cfg Config, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &manager{
		cfg:      cfg,
		logger:   logger,
		state:    model.StateDisconnected,
		handlers: make(map[string][]handlerEntry),
	}
}

// Connect establishes the channel.
func (m *manager) Connect(ctx context.Context) error {
	m.mu.RLock()
	if m.destroyed {
		m.mu.RUnlock()
		return ErrDestroyed
	}
	if m.state == model.StateConnected && m.client != nil && m.client.IsConnected() {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	return m.connect(ctx)
}

// connect performs one attempt without the already-connected guard.
func (m *manager) connect(ctx context.Context) error {
	m.setState(model.StateConnecting, nil)

	cli := NewClient(m.clientConfig(), m.logger)
	if err := cli.Connect(ctx); err != nil {
		m.setState(model.StateError, err)
		return err
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		cli.Close()
		return ErrDestroyed
	}
	old := m.client
	oldStop := m.stopDispatch
	m.client = cli
	stop := make(chan struct{})
	m.stopDispatch = stop
	m.mu.Unlock()

	if oldStop != nil {
		close(oldStop)
	}
	if old != nil {
		old.Close()
	}

	go m.dispatchLoop(cli, stop)

	m.setState(model.StateConnected, nil)
	m.logger.Info("channel connected", "url", m.cfg.URL)
	return nil
}

// Send writes one event to the channel.
func (m *manager) Send(ev model.Event) bool {
	m.mu.RLock()
	cli := m.client
	state := m.state
	m.mu.RUnlock()

	if cli == nil || state != model.StateConnected {
		return false
	}

	data, err := json.Marshal(Frame{Type: FrameEvent, Event: &ev})
	if err != nil {
		m.logger.Warn("encode outbound event", "error", err)
		return false
	}
	if err := cli.Send(data); err != nil {
		m.logger.Warn("channel send failed", "event_type", ev.Type, "error", err)
		return false
	}

	m.mu.Lock()
	m.lastEventAt = time.Now()
	m.mu.Unlock()
	return true
}

// Subscribe registers a handler for an event type.
func (m *manager) Subscribe(eventType string, h Handler) func() {
	m.mu.Lock()
	id := m.nextHandler
	m.nextHandler++
	m.handlers[eventType] = append(m.handlers[eventType], handlerEntry{id: id, fn: h})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		entries := m.handlers[eventType]
		for i, e := range entries {
			if e.id == id {
				m.handlers[eventType] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		if len(m.handlers[eventType]) == 0 {
			delete(m.handlers, eventType)
		}
	}
}

// Status returns the link's view of the channel.
func (m *manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, entries := range m.handlers {
		n += len(entries)
	}

	return Status{
		State:             m.state,
		ReconnectAttempts: m.attempts,
		LastUpdate:        m.lastUpdate,
		LastEventAt:       m.lastEventAt,
		Subscriptions:     n,
		Err:               m.lastErr,
	}
}

// Health reports whether the channel is connected and not stale.
func (m *manager) Health() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == model.StateConnected && m.client != nil && m.client.IsConnected()
}

// Reconnect tears the client down and makes one fresh attempt.
func (m *manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	m.attempts++
	old := m.client
	oldStop := m.stopDispatch
	m.client = nil
	m.stopDispatch = nil
	m.mu.Unlock()

	if oldStop != nil {
		close(oldStop)
	}
	if old != nil {
		old.Close()
	}

	return m.connect(ctx)
}

// Disconnect injects a failure into the current client.
func (m *manager) Disconnect() error {
	m.mu.RLock()
	cli := m.client
	destroyed := m.destroyed
	m.mu.RUnlock()

	if destroyed {
		return ErrDestroyed
	}
	if cli == nil {
		return ErrNotConnected
	}

	m.logger.Info("forcing channel disconnect")
	return cli.ForceDisconnect()
}

// Destroy closes the client and clears all subscriptions.
func (m *manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	old := m.client
	oldStop := m.stopDispatch
	m.client = nil
	m.stopDispatch = nil
	m.handlers = make(map[string][]handlerEntry)
	m.state = model.StateDisconnected
	m.lastUpdate = time.Now()
	m.mu.Unlock()

	if oldStop != nil {
		close(oldStop)
	}
	if old != nil {
		old.Close()
	}

	m.logger.Debug("link destroyed")
}

// clientConfig maps the manager configuration onto one client.
func (m *manager) clientConfig() ClientConfig {
	return ClientConfig{
		URL:              m.cfg.URL,
		Token:            m.cfg.Token,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		WriteTimeout:     m.cfg.WriteTimeout,
		SendTimeout:      m.cfg.SendTimeout,
		PingTimeout:      m.cfg.PingTimeout,
		BufferSize:       m.cfg.MessageBuffer,
	}
}

// dispatchLoop fans one client's inbound frames out to subscribers and
// reports channel death. It exits when the client errors or is replaced.
func (m *manager) dispatchLoop(cli Client, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return

		case err := <-cli.Errors():
			if !m.isCurrent(cli) {
				return
			}
			m.logger.Warn("channel error", "error", err)
			m.setState(model.StateError, err)
			return

		case msg, ok := <-cli.Messages():
			if !ok {
				return
			}
			m.handleInbound(msg)
		}
	}
}

func (m *manager) isCurrent(cli Client) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client == cli
}

// handleInbound parses one frame and dispatches the event it carries.
func (m *manager) handleInbound(msg TimestampedMessage) {
	var frame Frame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		m.logger.Debug("unparseable frame, skipping", "error", err)
		return
	}
	if frame.Type != FrameEvent || frame.Event == nil {
		m.logger.Debug("unknown frame type, skipping", "frame_type", frame.Type)
		return
	}

	ev := *frame.Event
	if ev.Timestamp.IsZero() {
		ev.Timestamp = msg.ReceivedAt
	}

	m.mu.Lock()
	m.lastEventAt = msg.ReceivedAt
	m.mu.Unlock()

	m.dispatch(ev)
}

// dispatch runs exact-type handlers then wildcard handlers.
func (m *manager) dispatch(ev model.Event) {
	m.mu.RLock()
	var fns []Handler
	for _, e := range m.handlers[ev.Type] {
		fns = append(fns, e.fn)
	}
	if ev.Type != EventStateChange {
		for _, e := range m.handlers[EventWildcard] {
			fns = append(fns, e.fn)
		}
	}
	m.mu.RUnlock()

	for _, fn := range fns {
		m.safeDispatch(fn, ev)
	}
}

func (m *manager) safeDispatch(fn Handler, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("event handler panicked", "event_type", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}

// setState records a transition and notifies state_change subscribers with a
// synthetic event. Unchanged state refreshes the update time only.
func (m *manager) setState(state model.ConnectionState, err error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}

	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	now := time.Now()
	changed := m.state != state || m.lastErr != errStr
	m.state = state
	m.lastErr = errStr
	m.lastUpdate = now
	m.mu.Unlock()

	if !changed {
		return
	}

	payload, _ := json.Marshal(StateChangePayload{State: state, Error: errStr})
	m.dispatch(model.Event{
		Type:      EventStateChange,
		Timestamp: now,
		Payload:   payload,
	})
}
