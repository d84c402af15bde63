package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Bus.Transport != "redis" {
		t.Errorf("Expected default transport redis, got %q", cfg.Bus.Transport)
	}
	if cfg.Bus.Channel != "phoenix-auth" {
		t.Errorf("Expected default channel phoenix-auth, got %q", cfg.Bus.Channel)
	}
	if cfg.Remote.Timeout != "10s" {
		t.Errorf("Expected default remote timeout 10s, got %q", cfg.Remote.Timeout)
	}
	if !cfg.Energy.Tracking {
		t.Error("Expected energy tracking enabled by default")
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
remote:
  base_url: "https://api.phoenix.example"
  timeout: "5s"
bus:
  transport: "none"
  channel: "phoenix-auth-test"
logging:
  level: "debug"
  format: "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Remote.BaseURL != "https://api.phoenix.example" {
		t.Errorf("Unexpected base URL: %q", cfg.Remote.BaseURL)
	}
	if cfg.Bus.Transport != "none" {
		t.Errorf("Unexpected transport: %q", cfg.Bus.Transport)
	}
	if cfg.Bus.Channel != "phoenix-auth-test" {
		t.Errorf("Unexpected channel: %q", cfg.Bus.Channel)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Unexpected log level: %q", cfg.Logging.Level)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "bad base URL scheme",
			yaml: "remote:\n  base_url: \"ftp://api.phoenix.example\"\n",
			wantErr: "remote.base_url",
		},
		{
			name: "bad timeout",
			yaml: "remote:\n  timeout: \"soon\"\n",
			wantErr: "remote.timeout",
		},
		{
			name: "unknown transport",
			yaml: "bus:\n  transport: \"carrier-pigeon\"\n",
			wantErr: "bus.transport",
		},
		{
			name: "relay transport without URL",
			yaml: "bus:\n  transport: \"relay\"\n",
			wantErr: "bus.relay_url",
		},
		{
			name: "empty channel",
			yaml: "bus:\n  channel: \"\"\n",
			wantErr: "bus.channel",
		},
		{
			name: "bad refresh interval",
			yaml: "energy:\n  refresh_interval: \"often\"\n",
			wantErr: "energy.refresh_interval",
		},
		{
			name: "acme without domain",
			yaml: "relay:\n  tls:\n    use_acme: true\n",
			wantErr: "relay.tls.domain",
		},
		{
			name: "unknown log level",
			yaml: "logging:\n  level: \"verbose\"\n",
			wantErr: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error mentioning %q, got: %v", tt.wantErr, err)
			}
		})
	}
}
