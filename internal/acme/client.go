// Package acme provisions the relay broker's TLS certificate via Let's
// Encrypt DNS-01. The relay usually sits on an internal name that public
// HTTP-01 cannot reach, so the DNS challenge is the only workable one.
package acme

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/providers/dns"
	"github.com/go-acme/lego/v4/registration"
	"github.com/rs/zerolog"

	"github.com/phoenix-apps/phoenix-sync/internal/config"
)

// renewBefore is how close to expiry an on-disk certificate may get before
// EnsureCertificate requests a fresh one.
const renewBefore = 30 * 24 * time.Hour

// user implements lego's account interface.
type user struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *user) GetEmail() string                        { return u.email }
func (u *user) GetRegistration() *registration.Resource { return u.registration }
func (u *user) GetPrivateKey() crypto.PrivateKey        { return u.key }

// Client obtains and maintains the relay certificate.
type Client struct {
	config config.RelayTLSConfig
	logger zerolog.Logger
}

// NewClient creates an ACME client for the relay TLS configuration.
func NewClient(cfg config.RelayTLSConfig, logger zerolog.Logger) *Client {
	return &Client{
		config: cfg,
		logger: logger.With().Str("component", "acme").Logger(),
	}
}

// EnsureCertificate makes sure a usable certificate exists at the configured
// paths, obtaining a new one only when the current one is missing, unparsable,
// or close to expiry.
func (c *Client) EnsureCertificate() error {
	if expiry, err := c.currentExpiry(); err == nil {
		if time.Until(expiry) > renewBefore {
			c.logger.Debug().Time("expires", expiry).Msg("Existing certificate still valid")
			return nil
		}
		c.logger.Info().Time("expires", expiry).Msg("Certificate near expiry, renewing")
	}
	return c.ObtainCertificate()
}

// ObtainCertificate requests a certificate for the relay domain via DNS-01
// and writes it to the configured paths.
func (c *Client) ObtainCertificate() error {
	// lego logs through the standard log package.
	log.SetOutput(&legoLogWriter{logger: c.logger})
	log.SetFlags(log.LstdFlags)

	c.logger.Info().
		Str("domain", c.config.Domain).
		Str("dns_provider", c.config.DNSProvider).
		Str("ca_url", c.config.CADirURL).
		Msg("Starting certificate acquisition")

	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate account key: %w", err)
	}

	acct := &user{email: c.config.ACMEEmail, key: accountKey}

	legoConfig := lego.NewConfig(acct)
	legoConfig.CADirURL = c.config.CADirURL
	legoConfig.Certificate.KeyType = certcrypto.RSA2048

	client, err := lego.NewClient(legoConfig)
	if err != nil {
		return fmt.Errorf("failed to create ACME client: %w", err)
	}

	provider, err := c.dnsProvider()
	if err != nil {
		return fmt.Errorf("failed to get DNS provider: %w", err)
	}

	if err := client.Challenge.SetDNS01Provider(provider); err != nil {
		return fmt.Errorf("failed to set DNS provider: %w", err)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return fmt.Errorf("failed to register ACME account: %w", err)
	}
	acct.registration = reg

	certs, err := client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{c.config.Domain},
		Bundle:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to obtain certificate: %w", err)
	}

	if err := c.save(certs); err != nil {
		return fmt.Errorf("failed to save certificates: %w", err)
	}

	c.logger.Info().
		Str("domain", certs.Domain).
		Str("cert_path", c.config.CertPath).
		Msg("Certificate obtained and saved")

	return nil
}

// LoadTLSConfig loads the certificate from disk for the relay broker.
func (c *Client) LoadTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.config.CertPath, c.config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// currentExpiry parses the on-disk certificate and returns its NotAfter.
func (c *Client) currentExpiry() (time.Time, error) {
	data, err := os.ReadFile(c.config.CertPath)
	if err != nil {
		return time.Time{}, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return time.Time{}, fmt.Errorf("no PEM block in %s", c.config.CertPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert.NotAfter, nil
}

// dnsProvider creates the DNS challenge provider from environment variables.
func (c *Client) dnsProvider() (challenge.Provider, error) {
	provider, err := dns.NewDNSChallengeProviderByName(c.config.DNSProvider)
	if err != nil {
		c.logger.Error().
			Err(err).
			Str("provider", c.config.DNSProvider).
			Strs("expected_env_vars", expectedEnvVars(c.config.DNSProvider)).
			Msg("Failed to create DNS provider - ensure environment variables are set")
		return nil, fmt.Errorf("failed to create DNS provider %q (check environment variables): %w", c.config.DNSProvider, err)
	}
	return provider, nil
}

// expectedEnvVars returns the environment variables common DNS providers want.
func expectedEnvVars(provider string) []string {
	envVars := map[string][]string{
		"digitalocean": {"DO_AUTH_TOKEN"},
		"cloudflare":   {"CLOUDFLARE_EMAIL", "CLOUDFLARE_API_KEY", "CLOUDFLARE_DNS_API_TOKEN"},
		"route53":      {"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_REGION"},
		"gcloud":       {"GCE_PROJECT", "GCE_SERVICE_ACCOUNT_FILE"},
		"azure":        {"AZURE_CLIENT_ID", "AZURE_CLIENT_SECRET", "AZURE_SUBSCRIPTION_ID", "AZURE_TENANT_ID", "AZURE_RESOURCE_GROUP"},
	}

	if vars, ok := envVars[provider]; ok {
		return vars
	}
	return []string{"(provider-specific - see lego docs)"}
}

// legoLogWriter redirects lego's standard log output to zerolog.
type legoLogWriter struct {
	logger zerolog.Logger
}

var _ io.Writer = (*legoLogWriter)(nil)

func (w *legoLogWriter) Write(p []byte) (int, error) {
	msg := string(p)
	if len(msg) > 0 && msg[len(msg)-1] == '\n' {
		msg = msg[:len(msg)-1]
	}
	w.logger.Info().Str("source", "lego").Msg(msg)
	return len(p), nil
}

func (c *Client) save(certs *certificate.Resource) error {
	certDir := filepath.Dir(c.config.CertPath)
	keyDir := filepath.Dir(c.config.KeyPath)

	if err := os.MkdirAll(certDir, 0755); err != nil {
		return fmt.Errorf("failed to create cert directory: %w", err)
	}
	if certDir != keyDir {
		if err := os.MkdirAll(keyDir, 0755); err != nil {
			return fmt.Errorf("failed to create key directory: %w", err)
		}
	}

	if err := os.WriteFile(c.config.CertPath, certs.Certificate, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(c.config.KeyPath, certs.PrivateKey, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}
