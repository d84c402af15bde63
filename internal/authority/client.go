package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Session represents the authenticated identity resolved by the session authority.
// It is either fully populated or absent, never partial.
type Session struct {
	UserID      string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"name,omitempty"`
	Tier        string `json:"subscription_tier"`
	Unlimited   bool   `json:"unlimited"`
}

// Client talks to the remote session authority. The session credential is a
// same-site HTTP-only cookie held in the client's jar; it is never exposed to
// callers or written to any readable storage.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPClient builds the HTTP client shared by the authority and ledger
// clients. The cookie jar is what carries the session credential; sharing one
// jar keeps every authenticated call on the same credential.
func NewHTTPClient(timeout time.Duration) (*http.Client, error) {
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	return &http.Client{
		Jar:     jar,
		Timeout: timeout,
	}, nil
}

// NewClient creates a session authority client for the given base URL.
func NewClient(baseURL string, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("authority base URL is required")
	}
	if httpClient == nil {
		return nil, fmt.Errorf("http client is required")
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With().Str("component", "authority-client").Logger(),
	}, nil
}

// Login authenticates with email and password. A credential rejection is
// returned as *AuthenticationError carrying the server-provided message.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	body, err := json.Marshal(map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal login request: %w", err)
	}

	respBody, statusCode, err := c.do(ctx, http.MethodPost, "/auth/secure-session", body)
	if err != nil {
		return nil, err
	}

	if statusCode < 200 || statusCode >= 300 {
		return nil, &AuthenticationError{
			Message:    serverMessage(respBody),
			StatusCode: statusCode,
		}
	}

	var session Session
	if err := json.Unmarshal(respBody, &session); err != nil {
		return nil, fmt.Errorf("unmarshal login response: %w", err)
	}

	c.logger.Debug().Str("user_id", session.UserID).Msg("Login succeeded")
	return &session, nil
}

// CurrentUser resolves the session from the ambient cookie credential.
// A 401 means no session; it returns (nil, nil) rather than an error.
func (c *Client) CurrentUser(ctx context.Context) (*Session, error) {
	respBody, statusCode, err := c.do(ctx, http.MethodGet, "/auth/me", nil)
	if err != nil {
		return nil, err
	}

	if statusCode == http.StatusUnauthorized {
		return nil, nil
	}

	if statusCode < 200 || statusCode >= 300 {
		return nil, fmt.Errorf("resolve current user: unexpected status %d", statusCode)
	}

	var session Session
	if err := json.Unmarshal(respBody, &session); err != nil {
		return nil, fmt.Errorf("unmarshal current user response: %w", err)
	}

	return &session, nil
}

// Logout invalidates the remote session. Callers treat this as best effort:
// local state is cleared whether or not the remote call succeeds.
func (c *Client) Logout(ctx context.Context) error {
	_, statusCode, err := c.do(ctx, http.MethodPost, "/auth/logout-secure", nil)
	if err != nil {
		return err
	}

	if statusCode < 200 || statusCode >= 300 {
		return fmt.Errorf("logout failed with status %d", statusCode)
	}

	return nil
}

// do performs an HTTP request against the authority and reads the full body.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("authority request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read authority response: %w", err)
	}

	return respBody, resp.StatusCode, nil
}

// serverMessage extracts a human-readable message from an error response body.
func serverMessage(body []byte) string {
	var errResp struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return strings.TrimSpace(string(body))
	}
	if errResp.Message != "" {
		return errResp.Message
	}
	if errResp.Error != "" {
		return errResp.Error
	}
	return "authentication failed"
}
