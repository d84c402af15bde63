package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/phoenix-apps/phoenix-sync/internal/authority"
)

func flowAuthorityServer(t *testing.T, calls *[]string, mu *sync.Mutex) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		*calls = append(*calls, r.Method+" "+r.URL.Path)
		mu.Unlock()

		switch r.URL.Path {
		case "/auth/secure-session":
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "s-1", Path: "/"})
			json.NewEncoder(w).Encode(map[string]any{
				"id": "u-1", "email": "a@example.com", "subscription_tier": "pro",
			})
		case "/auth/me":
			if c, err := r.Cookie("session"); err != nil || c.Value != "s-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"id": "u-1", "email": "a@example.com", "subscription_tier": "pro",
			})
		case "/auth/logout-secure":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func flowClient(t *testing.T, baseURL string) *authority.Client {
	t.Helper()
	httpClient, err := authority.NewHTTPClient(5 * time.Second)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	client, err := authority.NewClient(baseURL, httpClient, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestRunAuthFlow_FullRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	srv := flowAuthorityServer(t, &calls, &mu)
	client := flowClient(t, srv.URL)

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	if err := runAuthFlow(cmd, client, srv.URL, "a@example.com", "pw"); err != nil {
		t.Fatalf("runAuthFlow: %v", err)
	}

	want := []string{
		"POST /auth/secure-session",
		"GET /auth/me",
		"POST /auth/logout-secure",
	}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("authority saw %v, want %v", calls, want)
	}
}

func TestRunAuthFlow_RejectedCredentials(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"message": "invalid credentials"})
	}))
	t.Cleanup(srv.Close)
	client := flowClient(t, srv.URL)

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	// A credential rejection is a reported outcome, not a command failure.
	if err := runAuthFlow(cmd, client, srv.URL, "a@example.com", "wrong"); err != nil {
		t.Fatalf("runAuthFlow: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || calls[0] != "POST /auth/secure-session" {
		t.Errorf("authority saw %v, want only the login attempt", calls)
	}
}
