package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Auth metrics
	LoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenixsync_logins_total",
			Help: "Total login attempts by outcome",
		},
		[]string{"outcome"},
	)

	LogoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "phoenixsync_logouts_total",
			Help: "Total logouts, local and broadcast-received",
		},
	)

	SessionAuthenticated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phoenixsync_session_authenticated",
			Help: "1 when this instance holds an authenticated session",
		},
	)

	// Energy metrics
	EnergyConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenixsync_energy_consumed_total",
			Help: "Energy consume attempts by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	EnergyRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenixsync_energy_refreshes_total",
			Help: "Passive energy refreshes by outcome",
		},
		[]string{"outcome"},
	)

	EnergyBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phoenixsync_energy_balance",
			Help: "Last ledger-confirmed energy balance",
		},
	)

	// Bus metrics
	BusPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenixsync_bus_published_total",
			Help: "Broadcast messages published by type",
		},
		[]string{"type"},
	)

	BusReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenixsync_bus_received_total",
			Help: "Broadcast messages received by type",
		},
		[]string{"type"},
	)

	// Relay broker metrics
	RelayClientsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phoenixsync_relay_clients_active",
			Help: "Websocket clients connected to the relay broker",
		},
	)

	RelayMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "phoenixsync_relay_messages_total",
			Help: "Messages fanned out by the relay broker",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		LoginsTotal,
		LogoutsTotal,
		SessionAuthenticated,
		EnergyConsumedTotal,
		EnergyRefreshesTotal,
		EnergyBalance,
		BusPublishedTotal,
		BusReceivedTotal,
		RelayClientsActive,
		RelayMessagesTotal,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
