package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/phoenix-apps/phoenix-sync/internal/acme"
	"github.com/phoenix-apps/phoenix-sync/internal/config"
	"github.com/phoenix-apps/phoenix-sync/internal/metrics"
	"github.com/phoenix-apps/phoenix-sync/internal/relay"
	"github.com/phoenix-apps/phoenix-sync/internal/systemd"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the websocket relay broker",
	Long: `Run the relay broker that fans broadcast messages out between agents, for
deployments where agents cannot share a Redis but can all reach one endpoint.`,
	RunE: runRelay,
}

func init() {
	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, args []string) error {
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
		Msg("Starting phoenix-sync relay broker")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// TLS, optionally provisioned via ACME DNS-01
	var tlsConfig *tls.Config
	if cfg.Relay.TLS.Enabled {
		acmeClient := acme.NewClient(cfg.Relay.TLS, logger)

		if cfg.Relay.TLS.UseACME {
			logger.Info().
				Str("domain", cfg.Relay.TLS.Domain).
				Str("dns_provider", cfg.Relay.TLS.DNSProvider).
				Msg("ACME is enabled, ensuring certificate via DNS-01 challenge")

			if err := acmeClient.EnsureCertificate(); err != nil {
				return fmt.Errorf("failed to provision relay certificate: %w", err)
			}
		}

		tlsConfig, err = acmeClient.LoadTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to load relay TLS configuration: %w", err)
		}

		logger.Info().Str("cert_path", cfg.Relay.TLS.CertPath).Msg("Relay TLS configured")
	}

	// Initialize relay broker
	relayServer := relay.NewServer(cfg.Relay.ListenAddress, tlsConfig, logger)

	if sdListeners.Activated && sdListeners.Relay != nil {
		relayServer.SetListener(sdListeners.Relay)
	}

	if err := relayServer.Start(); err != nil {
		return fmt.Errorf("failed to start relay broker: %w", err)
	}

	logger.Info().Str("addr", cfg.Relay.ListenAddress).Msg("Relay broker started")

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

	logger.Info().Msg("phoenix-sync relay startup complete")

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := relayServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping relay broker")
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("phoenix-sync relay stopped")

	return nil
}
