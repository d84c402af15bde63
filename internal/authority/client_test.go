package authority

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

	httpClient, err := NewHTTPClient(2 * time.Second)
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}

	client, err := NewClient(srv.URL, httpClient, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestLogin_Success(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/secure-session" {
			t.Errorf("Unexpected request: %s %s", r.Method, r.URL.Path)
		}

		var creds map[string]string
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			t.Fatalf("Failed to decode credentials: %v", err)
		}
		if creds["email"] != "a@x.com" || creds["password"] != "pw" {
			t.Errorf("Unexpected credentials: %v", creds)
		}

		http.SetCookie(w, &http.Cookie{Name: "phoenix_session", Value: "abc", HttpOnly: true})
		_ = json.NewEncoder(w).Encode(Session{
			UserID: "u-1",
			Email:  "a@x.com",
			Tier:   "free",
		})
	}))

	session, err := client.Login(context.Background(), "a@x.com", "pw")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if session.UserID != "u-1" {
		t.Errorf("Expected user u-1, got %q", session.UserID)
	}
	if session.Unlimited {
		t.Error("Expected metered session")
	}
}

func TestLogin_Rejected(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"wrong password"}`))
	}))

	_, err := client.Login(context.Background(), "a@x.com", "bad")
	if err == nil {
		t.Fatal("Expected error, got nil")
	}

	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected *AuthenticationError, got %T: %v", err, err)
	}
	if authErr.Message != "wrong password" {
		t.Errorf("Expected server message, got %q", authErr.Message)
	}
	if authErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", authErr.StatusCode)
	}
}

func TestCurrentUser_CookieCarried(t *testing.T) {
	// Login sets the session cookie; the follow-up /auth/me call must carry it.
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/secure-session":
			http.SetCookie(w, &http.Cookie{Name: "phoenix_session", Value: "tok-123", HttpOnly: true})
			_ = json.NewEncoder(w).Encode(Session{UserID: "u-1", Email: "a@x.com"})
		case "/auth/me":
			cookie, err := r.Cookie("phoenix_session")
			if err != nil || cookie.Value != "tok-123" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(Session{UserID: "u-1", Email: "a@x.com"})
		default:
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
	}))

	if _, err := client.Login(context.Background(), "a@x.com", "pw"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	session, err := client.CurrentUser(context.Background())
	if err != nil {
		t.Fatalf("CurrentUser failed: %v", err)
	}
	if session == nil || session.UserID != "u-1" {
		t.Fatalf("Expected session for u-1, got %+v", session)
	}
}

func TestCurrentUser_Unauthenticated(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	session, err := client.CurrentUser(context.Background())
	if err != nil {
		t.Fatalf("Expected 401 to resolve silently, got error: %v", err)
	}
	if session != nil {
		t.Errorf("Expected absent session, got %+v", session)
	}
}

func TestCurrentUser_ServerError(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.CurrentUser(context.Background())
	if err == nil {
		t.Fatal("Expected error for 500 response, got nil")
	}
}

func TestLogout(t *testing.T) {
	var called bool
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/auth/logout-secure" {
			called = true
			w.WriteHeader(http.StatusOK)
			return
		}
		t.Errorf("Unexpected request: %s %s", r.Method, r.URL.Path)
	}))

	if err := client.Logout(context.Background()); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if !called {
		t.Error("Expected remote logout to be called")
	}
}

func TestLogin_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	httpClient, err := NewHTTPClient(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}

	client, err := NewClient(srv.URL, httpClient, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = client.Login(context.Background(), "a@x.com", "pw")
	if err == nil {
		t.Fatal("Expected timeout error, got nil")
	}
	if IsAuthenticationError(err) {
		t.Error("Timeout must not be reported as a credential rejection")
	}
}
