package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, &http.Client{Timeout: 2 * time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name          string
		response      string
		wantBalance   int
		wantUnlimited bool
	}{
		{"metered", `{"current_energy": 42, "subscription_type": "free"}`, 42, false},
		{"unlimited tier", `{"current_energy": 42, "subscription_type": "unlimited"}`, 42, true},
		{"clamped above", `{"current_energy": 250, "subscription_type": "free"}`, 100, false},
		{"clamped below", `{"current_energy": -3, "subscription_type": "free"}`, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/luna/energy/check" {
					t.Errorf("Unexpected path: %s", r.URL.Path)
				}
				var req map[string]string
				_ = json.NewDecoder(r.Body).Decode(&req)
				if req["user_id"] != "u-1" {
					t.Errorf("Unexpected user_id: %q", req["user_id"])
				}
				_, _ = w.Write([]byte(tt.response))
			}))

			status, err := client.Check(context.Background(), "u-1")
			if err != nil {
				t.Fatalf("Check failed: %v", err)
			}
			if status.Balance != tt.wantBalance {
				t.Errorf("Balance = %d, want %d", status.Balance, tt.wantBalance)
			}
			if status.Unlimited != tt.wantUnlimited {
				t.Errorf("Unlimited = %v, want %v", status.Unlimited, tt.wantUnlimited)
			}
		})
	}
}

func TestCheck_SessionExpired(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.Check(context.Background(), "u-1")
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Expected ErrSessionExpired, got %v", err)
	}
}

func TestConsume_Success(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/luna/energy/consume" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["action"] != "letter" {
			t.Errorf("Unexpected action: %v", req["action"])
		}
		if req["cost"] != float64(15) {
			t.Errorf("Unexpected cost: %v", req["cost"])
		}
		_, _ = w.Write([]byte(`{"energy_remaining": 85, "unlimited": false}`))
	}))

	status, err := client.Consume(context.Background(), "u-1", "letter", 15)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if status.Balance != 85 {
		t.Errorf("Balance = %d, want 85", status.Balance)
	}
}

func TestConsume_Declined(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "http 402",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusPaymentRequired)
			},
		},
		{
			name: "in-band decline",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"success": false, "error": "insufficient_energy"}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := testClient(t, tt.handler)

			_, err := client.Consume(context.Background(), "u-1", "letter", 15)
			if !errors.Is(err, ErrInsufficientEnergy) {
				t.Fatalf("Expected ErrInsufficientEnergy, got %v", err)
			}
		})
	}
}

func TestConsume_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // connection refused from here on

	client, err := NewClient(url, &http.Client{Timeout: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = client.Consume(context.Background(), "u-1", "cv", 5)
	if err == nil {
		t.Fatal("Expected transport error, got nil")
	}
	if errors.Is(err, ErrInsufficientEnergy) {
		t.Error("Transport failure must not be reported as a declined charge")
	}
}
