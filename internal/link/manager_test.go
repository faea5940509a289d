package link

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentsight/relay/internal/model"
)

func testManagerConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	return cfg
}

func TestManager_ConnectAndSend(t *testing.T) {
	received := make(chan []byte, 4)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- msg
		}
	})
	defer server.Close()

	m := NewManager(testManagerConfig(wsURL(server)), nil)
	defer m.Destroy()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if st := m.Status().State; st != model.StateConnected {
		t.Errorf("state = %q, want connected", st)
	}

	ev := model.Event{
		ID:        "e1",
		SessionID: "s1",
		Type:      model.TypePostToolUse,
		Timestamp: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
	}
	if !m.Send(ev) {
		t.Fatal("Send = false, want true")
	}

	select {
	case data := <-received:
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if frame.Type != FrameEvent {
			t.Errorf("frame type = %q, want %q", frame.Type, FrameEvent)
		}
		if frame.Event == nil || frame.Event.SessionID != "s1" || frame.Event.Type != model.TypePostToolUse {
			t.Errorf("frame event = %+v, want s1/post_tool_use", frame.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("server never received the event frame")
	}
}

func TestManager_ConnectTwice(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	m := NewManager(testManagerConfig(wsURL(server)), nil)
	defer m.Destroy()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Errorf("second Connect = %v, want nil no-op", err)
	}
}

func TestManager_SendNotConnected(t *testing.T) {
	m := NewManager(testManagerConfig("ws://localhost:12345"), nil)
	defer m.Destroy()

	if m.Send(model.Event{SessionID: "s1", Type: "stop"}) {
		t.Error("Send = true while disconnected, want false")
	}
}

func TestManager_ConnectFailure(t *testing.T) {
	cfg := testManagerConfig("ws://127.0.0.1:1")
	cfg.HandshakeTimeout = 200 * time.Millisecond
	m := NewManager(cfg, nil)
	defer m.Destroy()

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect to dead endpoint = nil, want error")
	}
	st := m.Status()
	if st.State != model.StateError {
		t.Errorf("state = %q, want error", st.State)
	}
	if st.Err == "" {
		t.Error("Status.Err empty after failed connect")
	}
}

func TestManager_SubscribeDispatch(t *testing.T) {
	push := make(chan string, 4)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for f := range push {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
	})
	defer server.Close()
	defer close(push)

	m := NewManager(testManagerConfig(wsURL(server)), nil)
	defer m.Destroy()

	var mu sync.Mutex
	var order []string
	got := make(chan model.Event, 4)
	m.Subscribe("stop", func(ev model.Event) {
		mu.Lock()
		order = append(order, "exact")
		mu.Unlock()
		got <- ev
	})
	m.Subscribe(EventWildcard, func(model.Event) {
		mu.Lock()
		order = append(order, "wildcard")
		mu.Unlock()
	})
	var otherCalled atomic.Bool
	m.Subscribe("error", func(model.Event) { otherCalled.Store(true) })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	push <- `{"type":"event","event":{"id":"e1","session_id":"s1","type":"stop"}}`

	select {
	case ev := <-got:
		if ev.SessionID != "s1" {
			t.Errorf("event SessionID = %q, want s1", ev.SessionID)
		}
		if ev.Timestamp.IsZero() {
			t.Error("zero inbound timestamp not stamped with receive time")
		}
	case <-time.After(time.Second):
		t.Fatal("exact-type handler never fired")
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if len(order) != 2 || order[0] != "exact" || order[1] != "wildcard" {
		t.Errorf("dispatch order = %v, want [exact wildcard]", order)
	}
	mu.Unlock()
	if otherCalled.Load() {
		t.Error("handler for unrelated type fired")
	}
}

func TestManager_Unsubscribe(t *testing.T) {
	push := make(chan string, 4)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for f := range push {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
	})
	defer server.Close()
	defer close(push)

	m := NewManager(testManagerConfig(wsURL(server)), nil)
	defer m.Destroy()

	var calls atomic.Int64
	unsub := m.Subscribe("stop", func(model.Event) { calls.Add(1) })
	kept := make(chan struct{}, 4)
	m.Subscribe(EventWildcard, func(model.Event) { kept <- struct{}{} })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	unsub()
	unsub() // second call is a no-op

	push <- `{"type":"event","event":{"session_id":"s1","type":"stop"}}`

	select {
	case <-kept:
	case <-time.After(time.Second):
		t.Fatal("remaining handler never fired")
	}
	if calls.Load() != 0 {
		t.Errorf("unsubscribed handler fired %d times", calls.Load())
	}
}

func TestManager_StateChangeEvents(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		// Die shortly after the handshake to force an error transition.
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	m := NewManager(testManagerConfig(wsURL(server)), nil)
	defer m.Destroy()

	var mu sync.Mutex
	var states []model.ConnectionState
	m.Subscribe(EventStateChange, func(ev model.Event) {
		var p StateChangePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Errorf("state_change payload: %v", err)
			return
		}
		mu.Lock()
		states = append(states, p.State)
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(states)
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("saw %d state changes, want 3", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []model.ConnectionState{model.StateConnecting, model.StateConnected, model.StateError}
	for i, w := range want {
		if states[i] != w {
			t.Errorf("state change %d = %q, want %q", i, states[i], w)
		}
	}
}

func TestManager_Reconnect(t *testing.T) {
	var conns atomic.Int64
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conns.Add(1)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	m := NewManager(testManagerConfig(wsURL(server)), nil)
	defer m.Destroy()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}

	if got := conns.Load(); got != 2 {
		t.Errorf("server saw %d connections, want 2", got)
	}
	st := m.Status()
	if st.ReconnectAttempts != 1 {
		t.Errorf("ReconnectAttempts = %d, want 1", st.ReconnectAttempts)
	}
	if st.State != model.StateConnected {
		t.Errorf("state = %q, want connected", st.State)
	}
	if !m.Health() {
		t.Error("Health = false after reconnect, want true")
	}
}

func TestManager_Disconnect(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	m := NewManager(testManagerConfig(wsURL(server)), nil)
	defer m.Destroy()

	if err := m.Disconnect(); err != ErrNotConnected {
		t.Errorf("Disconnect before Connect = %v, want ErrNotConnected", err)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	// The injected failure travels the normal fault path into an error state.
	deadline := time.Now().Add(2 * time.Second)
	for m.Status().State != model.StateError {
		if time.Now().After(deadline) {
			t.Fatalf("state = %q, want error after Disconnect", m.Status().State)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st := m.Status(); st.Err != ErrForcedDisconnect.Error() {
		t.Errorf("Status.Err = %q, want %q", st.Err, ErrForcedDisconnect)
	}
	if m.Health() {
		t.Error("Health = true after Disconnect, want false")
	}
}

func TestManager_DestroyIdempotent(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	m := NewManager(testManagerConfig(wsURL(server)), nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	m.Destroy()
	m.Destroy()

	if err := m.Connect(context.Background()); err != ErrDestroyed {
		t.Errorf("Connect after Destroy = %v, want ErrDestroyed", err)
	}
	if err := m.Reconnect(context.Background()); err != ErrDestroyed {
		t.Errorf("Reconnect after Destroy = %v, want ErrDestroyed", err)
	}
	if err := m.Disconnect(); err != ErrDestroyed {
		t.Errorf("Disconnect after Destroy = %v, want ErrDestroyed", err)
	}
	if m.Send(model.Event{SessionID: "s1", Type: "stop"}) {
		t.Error("Send after Destroy = true, want false")
	}
	if m.Health() {
		t.Error("Health after Destroy = true, want false")
	}
	if got := m.Status().Subscriptions; got != 0 {
		t.Errorf("Subscriptions after Destroy = %d, want 0", got)
	}
}

func TestManager_HandlerPanicIsolated(t *testing.T) {
	push := make(chan string, 4)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for f := range push {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
	})
	defer server.Close()
	defer close(push)

	m := NewManager(testManagerConfig(wsURL(server)), nil)
	defer m.Destroy()

	survived := make(chan struct{}, 1)
	m.Subscribe("stop", func(model.Event) { panic("handler bug") })
	m.Subscribe("stop", func(model.Event) { survived <- struct{}{} })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	push <- `{"type":"event","event":{"session_id":"s1","type":"stop"}}`

	select {
	case <-survived:
	case <-time.After(time.Second):
		t.Fatal("second handler never fired after first panicked")
	}
}

func TestManager_SkipsUnknownFrames(t *testing.T) {
	push := make(chan string, 8)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for f := range push {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
	})
	defer server.Close()
	defer close(push)

	m := NewManager(testManagerConfig(wsURL(server)), nil)
	defer m.Destroy()

	got := make(chan model.Event, 4)
	m.Subscribe(EventWildcard, func(ev model.Event) { got <- ev })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	push <- `not json at all`
	push <- `{"type":"ack"}`
	push <- `{"type":"event"}` // no event body
	push <- `{"type":"event","event":{"session_id":"s1","type":"stop"}}`

	select {
	case ev := <-got:
		if ev.SessionID != "s1" {
			t.Errorf("dispatched SessionID = %q, want s1", ev.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("valid frame after junk was not dispatched")
	}

	select {
	case ev := <-got:
		t.Errorf("unexpected extra dispatch: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManager_StatusSubscriptions(t *testing.T) {
	m := NewManager(testManagerConfig("ws://localhost:12345"), nil)
	defer m.Destroy()

	unsub := m.Subscribe("stop", func(model.Event) {})
	m.Subscribe(EventWildcard, func(model.Event) {})

	if got := m.Status().Subscriptions; got != 2 {
		t.Errorf("Subscriptions = %d, want 2", got)
	}
	unsub()
	if got := m.Status().Subscriptions; got != 1 {
		t.Errorf("Subscriptions after unsubscribe = %d, want 1", got)
	}
}
