// Package relay implements the websocket broker that fans broadcast messages
// out between application instances. The broker is content-agnostic: it
// validates that frames parse as envelopes and forwards them to every other
// connected client, leaving origin filtering and deduplication to receivers.
package relay

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/phoenix-apps/phoenix-sync/internal/bus"
	"github.com/phoenix-apps/phoenix-sync/internal/metrics"
)

const (
	writeTimeout = 5 * time.Second

	// sendBuffer bounds the per-client outbound queue. A client that cannot
	// drain this many messages is dropped rather than allowed to stall the
	// fan-out.
	sendBuffer = 64
)

// Server is the relay broker.
type Server struct {
	server   *http.Server
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewServer creates a relay broker listening on addr. tlsConfig may be nil
// for plaintext operation behind a trusted network.
func NewServer(addr string, tlsConfig *tls.Config, logger zerolog.Logger) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Instances are not browsers; no origin policy applies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger.With().Str("component", "relay").Logger(),
		clients: make(map[*client]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/relay", s.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	s.server = &http.Server{
		Addr:      addr,
		Handler:   mux,
		TLSConfig: tlsConfig,
	}

	return s
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the relay broker
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Bool("tls", s.server.TLSConfig != nil).Msg("Starting relay broker")
	go func() {
		var err error
		switch {
		case s.listener != nil && s.server.TLSConfig != nil:
			err = s.server.ServeTLS(s.listener, "", "")
		case s.listener != nil:
			err = s.server.Serve(s.listener)
		case s.server.TLSConfig != nil:
			err = s.server.ListenAndServeTLS("", "")
		default:
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Relay broker error")
		}
	}()
	return nil
}

// Stop stops the relay broker and disconnects all clients.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping relay broker")

	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
		close(c.send)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	return s.server.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Upgrade failed")
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()
	metrics.RelayClientsActive.Set(float64(count))

	s.logger.Debug().Str("remote", r.RemoteAddr).Int("clients", count).Msg("Client connected")

	go s.writePump(c)
	s.readPump(c, r.RemoteAddr)
}

// readPump reads frames from one client and broadcasts them to all others.
func (s *Server) readPump(c *client, remote string) {
	defer s.drop(c, remote)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		// Reject frames that do not parse as envelopes instead of relaying
		// garbage to every client.
		if _, err := bus.DecodeEnvelope(data); err != nil {
			s.logger.Debug().Err(err).Str("remote", remote).Msg("Dropping malformed frame")
			continue
		}

		metrics.RelayMessagesTotal.Inc()
		s.broadcast(c, data)
	}
}

func (s *Server) writePump(c *client) {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.conn.Close()
			return
		}
	}
}

// broadcast queues data for every client except the sender. Clients with a
// full queue are disconnected; they reconnect and resync rather than hold up
// everyone else.
func (s *Server) broadcast(from *client, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		if c == from {
			continue
		}
		select {
		case c.send <- data:
		default:
			s.logger.Warn().Msg("Dropping slow relay client")
			c.conn.Close()
			delete(s.clients, c)
			close(c.send)
		}
	}
}

func (s *Server) drop(c *client, remote string) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	count := len(s.clients)
	s.mu.Unlock()

	c.conn.Close()
	metrics.RelayClientsActive.Set(float64(count))
	s.logger.Debug().Str("remote", remote).Int("clients", count).Msg("Client disconnected")
}
