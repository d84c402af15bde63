package relay

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/phoenix-apps/phoenix-sync/internal/bus"
)

func startBroker(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := NewServer(ln.Addr().String(), nil, zerolog.Nop())
	srv.SetListener(ln)
	if err := srv.Start(); err != nil {
		t.Fatalf("start broker: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return fmt.Sprintf("ws://%s/relay", ln.Addr().String())
}

func dialBroker(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial broker: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testEnvelope(origin string) []byte {
	env := bus.NewEnvelope(origin, bus.Message{Type: bus.TypeLogoutAll})
	data, _ := env.Encode()
	return data
}

func TestBroker_FanOut(t *testing.T) {
	url := startBroker(t)

	sender := dialBroker(t, url)
	receiverA := dialBroker(t, url)
	receiverB := dialBroker(t, url)

	if err := sender.WriteMessage(websocket.TextMessage, testEnvelope("origin-1")); err != nil {
		t.Fatalf("write: %v", err)
	}

	for name, conn := range map[string]*websocket.Conn{"a": receiverA, "b": receiverB} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("receiver %s: %v", name, err)
		}
		env, err := bus.DecodeEnvelope(data)
		if err != nil {
			t.Fatalf("receiver %s got malformed frame: %v", name, err)
		}
		if env.Origin != "origin-1" {
			t.Errorf("receiver %s: Origin = %q, want origin-1", name, env.Origin)
		}
	}
}

func TestBroker_DoesNotEchoToSender(t *testing.T) {
	url := startBroker(t)

	sender := dialBroker(t, url)
	receiver := dialBroker(t, url)

	if err := sender.WriteMessage(websocket.TextMessage, testEnvelope("origin-1")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The receiver must get it; the sender must not.
	receiver.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := receiver.ReadMessage(); err != nil {
		t.Fatalf("receiver: %v", err)
	}

	sender.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := sender.ReadMessage(); err == nil {
		t.Error("broker echoed the frame back to its sender")
	}
}

func TestBroker_DropsMalformedFrames(t *testing.T) {
	url := startBroker(t)

	sender := dialBroker(t, url)
	receiver := dialBroker(t, url)

	if err := sender.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := sender.WriteMessage(websocket.TextMessage, testEnvelope("origin-1")); err != nil {
		t.Fatalf("write envelope: %v", err)
	}

	// Only the valid envelope arrives.
	receiver.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := receiver.ReadMessage()
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}
	if _, err := bus.DecodeEnvelope(data); err != nil {
		t.Errorf("garbage frame was relayed: %v", err)
	}
}

func TestBroker_SurvivesClientDisconnect(t *testing.T) {
	url := startBroker(t)

	transient := dialBroker(t, url)
	transient.Close()

	sender := dialBroker(t, url)
	receiver := dialBroker(t, url)

	// Give the broker a moment to reap the closed connection.
	time.Sleep(50 * time.Millisecond)

	if err := sender.WriteMessage(websocket.TextMessage, testEnvelope("origin-1")); err != nil {
		t.Fatalf("write: %v", err)
	}

	receiver.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := receiver.ReadMessage(); err != nil {
		t.Fatalf("fan-out broken after a client disconnected: %v", err)
	}
}
