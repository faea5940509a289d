package link

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test websocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testClientConfig(url string) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.URL = url
	return cfg
}

func TestClient_Connect(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !client.IsConnected() {
		t.Error("IsConnected = false after Connect, want true")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected = true after Close, want false")
	}
}

func TestClient_BearerToken(t *testing.T) {
	var gotAuth string
	var mu sync.Mutex

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	cfg := testClientConfig(wsURL(server))
	cfg.Token = "sekrit"
	client := NewClient(cfg, nil)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	mu.Lock()
	defer mu.Unlock()
	if gotAuth != "Bearer sekrit" {
		t.Errorf("Authorization header = %q, want %q", gotAuth, "Bearer sekrit")
	}
}

func TestClient_Send(t *testing.T) {
	var received []byte
	var mu sync.Mutex

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			received = msg
			mu.Unlock()
		}
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	testMsg := []byte(`{"type":"event"}`)
	if err := client.Send(testMsg); err != nil {
		t.Errorf("Send failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if string(received) != string(testMsg) {
		t.Errorf("received %q, want %q", received, testMsg)
	}
}

func TestClient_SendNotConnected(t *testing.T) {
	client := NewClient(testClientConfig("ws://localhost:12345"), nil)

	if err := client.Send([]byte("test")); err != ErrNotConnected {
		t.Errorf("Send error = %v, want ErrNotConnected", err)
	}
}

func TestClient_Messages(t *testing.T) {
	frames := []string{
		`{"type":"event","event":{"session_id":"s1","type":"stop"}}`,
		`{"type":"event","event":{"session_id":"s1","type":"error"}}`,
	}

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		time.Sleep(time.Second)
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	var received []string
	timeout := time.After(500 * time.Millisecond)
	for i := 0; i < len(frames); i++ {
		select {
		case msg := <-client.Messages():
			received = append(received, string(msg.Data))
			if msg.ReceivedAt.IsZero() {
				t.Error("ReceivedAt is zero")
			}
		case <-timeout:
			t.Fatalf("timeout waiting for frames, received %d of %d", len(received), len(frames))
		}
	}

	for i, want := range frames {
		if received[i] != want {
			t.Errorf("frame %d = %q, want %q", i, received[i], want)
		}
	}
}

func TestClient_DoubleClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(time.Second)
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestClient_ForceDisconnect(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := client.ForceDisconnect(); err != nil {
		t.Errorf("ForceDisconnect failed: %v", err)
	}

	// The failure is reported as an error, not a clean close.
	select {
	case err := <-client.Errors():
		if err != ErrForcedDisconnect {
			t.Errorf("error = %v, want ErrForcedDisconnect", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for forced disconnect error")
	}

	if client.IsConnected() {
		t.Error("IsConnected = true after ForceDisconnect, want false")
	}

	// Already torn down is a no-op.
	if err := client.ForceDisconnect(); err != nil {
		t.Errorf("second ForceDisconnect failed: %v", err)
	}
}

func TestClient_StaleConnection(t *testing.T) {
	// A server that never reads cannot answer keepalive pings, so the
	// staleness clock runs out.
	server := mockWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(2 * time.Second)
	})
	defer server.Close()

	cfg := testClientConfig(wsURL(server))
	cfg.PingTimeout = 150 * time.Millisecond
	client := NewClient(cfg, nil)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case err := <-client.Errors():
		if err != ErrStaleConnection {
			t.Errorf("error = %v, want ErrStaleConnection", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for stale connection error")
	}
}

func TestClient_AnswersPing(t *testing.T) {
	pong := make(chan struct{}, 1)

	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.SetPongHandler(func(string) error {
			select {
			case pong <- struct{}{}:
			default:
			}
			return nil
		})
		if err := conn.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second)); err != nil {
			return
		}
		// Pong arrives as a control frame during reads.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case <-pong:
	case <-time.After(time.Second):
		t.Fatal("server never received a pong")
	}

	if !client.IsConnected() {
		t.Error("client not connected after ping exchange")
	}
}
