// Package relay implements the bus transport over a websocket relay broker,
// for deployments where instances cannot share a Redis but can all reach one
// relay endpoint.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/phoenix-apps/phoenix-sync/internal/bus"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second

	// seenCacheSize bounds the replay-dedup window. The relay re-delivers
	// nothing under normal operation; the cache only matters across
	// reconnects, where a few hundred IDs is plenty.
	seenCacheSize = 512

	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// Transport is a bus.Transport backed by a relay broker. It reconnects with
// backoff when the relay drops and deduplicates messages replayed across
// reconnects by envelope ID.
type Transport struct {
	url    string
	origin string
	logger zerolog.Logger
	seen   *lru.Cache[string, struct{}]

	mu      sync.Mutex
	conn    *websocket.Conn
	handler bus.Handler
	closed  bool

	// writeMu serializes frames on the connection; the websocket allows at
	// most one concurrent writer.
	writeMu sync.Mutex

	done chan struct{}
}

// Open connects to the relay at url and starts the receive loop.
func Open(ctx context.Context, url string, logger zerolog.Logger) (*Transport, error) {
	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}

	t := &Transport{
		url:    url,
		origin: bus.NewOriginID(),
		logger: logger.With().Str("component", "relay-transport").Logger(),
		seen:   seen,
		done:   make(chan struct{}),
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	t.conn = conn

	go t.receive(conn)

	t.logger.Debug().Str("url", url).Str("origin", t.origin).Msg("Connected to relay")
	return t, nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	return conn, nil
}

// Publish sends the message to the relay for fan-out to sibling instances.
func (t *Transport) Publish(ctx context.Context, msg bus.Message) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return fmt.Errorf("relay transport closed")
	}
	if conn == nil {
		return fmt.Errorf("relay not connected")
	}

	env := bus.NewEnvelope(t.origin, msg)
	t.seen.Add(env.ID, struct{}{})

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to publish to relay: %w", err)
	}
	return nil
}

// Handle registers the handler invoked for messages from sibling instances.
func (t *Transport) Handle(fn bus.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

// Close disconnects from the relay and stops reconnecting.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		t.writeMu.Unlock()
		conn.Close()
	}
	return nil
}

// receive reads envelopes until the connection drops, then hands off to the
// reconnect loop.
func (t *Transport) receive(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()

			if !closed {
				t.logger.Warn().Err(err).Msg("Relay connection lost, reconnecting")
				go t.reconnect()
			}
			return
		}

		env, err := bus.DecodeEnvelope(data)
		if err != nil {
			t.logger.Debug().Err(err).Msg("Dropping malformed relay message")
			continue
		}
		if env.Origin == t.origin {
			continue
		}
		if _, dup := t.seen.Get(env.ID); dup {
			continue
		}
		t.seen.Add(env.ID, struct{}{})

		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler(env.Message)
		}
	}
}

// reconnect redials with exponential backoff until it succeeds or the
// transport is closed. Publishes fail while disconnected; the bus contract is
// best effort, so that is acceptable.
func (t *Transport) reconnect() {
	backoff := reconnectMin
	for {
		select {
		case <-t.done:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		conn, err := t.dial(ctx)
		cancel()
		if err != nil {
			t.logger.Debug().Err(err).Dur("backoff", backoff).Msg("Relay redial failed")
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.conn = conn
		t.mu.Unlock()

		t.logger.Info().Msg("Reconnected to relay")
		go t.receive(conn)
		return
	}
}
