package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/phoenix-apps/phoenix-sync/internal/authority"
	"github.com/phoenix-apps/phoenix-sync/internal/bus"
	busredis "github.com/phoenix-apps/phoenix-sync/internal/bus/redis"
	busrelay "github.com/phoenix-apps/phoenix-sync/internal/bus/relay"
	"github.com/phoenix-apps/phoenix-sync/internal/config"
	"github.com/phoenix-apps/phoenix-sync/internal/ledger"
	"github.com/phoenix-apps/phoenix-sync/internal/metrics"
	"github.com/phoenix-apps/phoenix-sync/internal/session"
	"github.com/phoenix-apps/phoenix-sync/internal/systemd"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the synchronization agent",
	Long: `Run the long-lived agent: resolve the session from the stored credential,
join the broadcast bus, keep the energy balance fresh, and expose metrics.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting phoenix-sync agent")

	if cfg.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required to run the agent")
	}

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// The cookie jar is the credential carrier: the authority sets the
	// session cookie at login and both remote clients send it from then on.
	httpClient, err := authority.NewHTTPClient(parseDuration(cfg.Remote.Timeout, 10*time.Second))
	if err != nil {
		return fmt.Errorf("failed to create HTTP client: %w", err)
	}

	authorityClient, err := authority.NewClient(cfg.Remote.BaseURL, httpClient, logger)
	if err != nil {
		return fmt.Errorf("failed to create authority client: %w", err)
	}
	ledgerClient, err := ledger.NewClient(cfg.Remote.BaseURL, httpClient, logger)
	if err != nil {
		return fmt.Errorf("failed to create ledger client: %w", err)
	}

	logger.Info().Str("base_url", cfg.Remote.BaseURL).Msg("Remote clients initialized")

	// Join the broadcast bus
	transport := openTransport(cfg.Bus, logger)

	manager := session.NewManager(authorityClient, ledgerClient, transport, session.Config{
		EnergyTracking: cfg.Energy.Tracking,
		Redirect: func() {
			logger.Info().Msg("Session ended, sign-in required")
		},
	}, logger)
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close bus transport")
		}
	}()

	// Resolve the session from the stored credential
	if err := manager.Initialize(cmd.Context()); err != nil {
		logger.Warn().Err(err).Msg("Session resolution failed, continuing unauthenticated")
	}

	state := manager.State()
	logger.Info().
		Bool("authenticated", state.Authenticated).
		Int("energy", state.Energy).
		Bool("unlimited", state.Unlimited).
		Msg("Agent state resolved")

	// Periodic energy refresh (optional)
	stopRefresh := make(chan struct{})
	refreshInterval := parseDuration(cfg.Energy.RefreshInterval, 0)
	if refreshInterval > 0 {
		go runPeriodicRefresh(manager, refreshInterval, stopRefresh, logger)
		logger.Info().Dur("interval", refreshInterval).Msg("Periodic energy refresh enabled")
	}

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}

		logger.Info().Str("addr", metricsAddr).Msg("Metrics Server started")
	}

	logger.Info().Msg("phoenix-sync agent startup complete")

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	// Wait for signals (shutdown or refresh)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan

		if sig == syscall.SIGHUP {
			logger.Info().Msg("SIGHUP received, refreshing energy state...")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := manager.RefreshEnergy(ctx); err != nil {
				logger.Error().Err(err).Msg("Failed to refresh energy state")
			}
			cancel()
			continue
		}

		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	close(stopRefresh)

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("phoenix-sync agent stopped")

	return nil
}

// openTransport builds the bus transport from configuration. An unreachable
// broker degrades to the no-op transport: this instance still works alone, it
// just stops converging with siblings.
func openTransport(cfg config.BusConfig, logger zerolog.Logger) bus.Transport {
	switch cfg.Transport {
	case "redis":
		transport, err := busredis.Open(cfg.Redis, cfg.Channel, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis bus unavailable, running without cross-instance sync")
			return bus.Noop{}
		}
		logger.Info().
			Str("host", cfg.Redis.Host).
			Int("port", cfg.Redis.Port).
			Str("channel", cfg.Channel).
			Msg("Joined Redis broadcast bus")
		return transport

	case "relay":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		transport, err := busrelay.Open(ctx, cfg.RelayURL, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Relay unavailable, running without cross-instance sync")
			return bus.Noop{}
		}
		logger.Info().Str("url", cfg.RelayURL).Msg("Joined relay broadcast bus")
		return transport

	default:
		logger.Info().Msg("Broadcast bus disabled")
		return bus.Noop{}
	}
}

// runPeriodicRefresh re-fetches the energy balance on a fixed interval until
// stopped. Refreshes are passive and never broadcast.
func runPeriodicRefresh(manager *session.Manager, interval time.Duration, stop <-chan struct{}, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := manager.RefreshEnergy(ctx); err != nil {
				logger.Debug().Err(err).Msg("Periodic energy refresh failed")
			}
			cancel()
		}
	}
}
