// Package authclient is the client half of the rotation protocol: it
// wraps outbound requests with proactive and reactive token refresh and
// funnels all refresh attempts through a single-flight coordinator, so N
// concurrent callers never race each other into N competing rotations.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrSessionTerminated is returned once the server has definitively
// rejected the session; the caller must obtain a fresh identity assertion
// and log in again.
var ErrSessionTerminated = errors.New("session terminated: re-login required")

// APIError is a structured rejection from the auth service.
type APIError struct {
	StatusCode int
	Code       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("auth service rejected request: status=%d code=%s", e.StatusCode, e.Code)
}

// Definitive reports whether the rejection invalidates the whole session.
func (e *APIError) Definitive() bool {
	switch e.Code {
	case "token_not_found", "token_expired", "token_revoked", "token_reuse_blocked":
		return true
	}
	return false
}

const (
	defaultWaitTimeout     = 10 * time.Second
	defaultOpTimeout       = 15 * time.Second
	defaultExpiryLookahead = 60 * time.Second
	retryBaseDelay         = 200 * time.Millisecond
	maxNetworkRetries      = 2
	expirySkew             = 5 * time.Second
)

type Config struct {
	// BaseURL is the auth service root, e.g. "https://auth.example.com".
	BaseURL string
	// ExpiryLookahead triggers a proactive refresh when the access token
	// expires within this window, avoiding most reactive 401 round trips.
	ExpiryLookahead time.Duration
	// RefreshWaitTimeout bounds how long one caller waits for the shared
	// refresh before reporting a transient failure.
	RefreshWaitTimeout time.Duration
	// RefreshOpTimeout bounds the underlying rotation request itself.
	RefreshOpTimeout time.Duration
	// HTTPClient is used for all requests; http.DefaultClient if nil.
	HTTPClient *http.Client
}

// Client wraps an http.Client with the session lifecycle. Do is the
// request pipeline; Login/Logout bracket the session.
type Client struct {
	baseURL   string
	hc        *http.Client
	creds     *credentialStore
	coord     *Coordinator
	lookahead time.Duration
}

func New(cfg Config) *Client {
	if cfg.ExpiryLookahead <= 0 {
		cfg.ExpiryLookahead = defaultExpiryLookahead
	}
	if cfg.RefreshWaitTimeout <= 0 {
		cfg.RefreshWaitTimeout = defaultWaitTimeout
	}
	if cfg.RefreshOpTimeout <= 0 {
		cfg.RefreshOpTimeout = defaultOpTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	c := &Client{
		baseURL:   cfg.BaseURL,
		hc:        cfg.HTTPClient,
		creds:     &credentialStore{},
		lookahead: cfg.ExpiryLookahead,
	}
	c.coord = NewCoordinator(c.refreshOnce, cfg.RefreshWaitTimeout, cfg.RefreshOpTimeout)
	return c
}

// Login exchanges an identity assertion for the first pair of a new
// token family and stores it as the current session.
func (c *Client) Login(ctx context.Context, assertion string) error {
	pair, err := c.postAuth(ctx, "/api/auth/login", map[string]string{"assertion": assertion})
	if err != nil {
		return err
	}
	c.storePair(pair)
	return nil
}

// Logout revokes the session server-side and always clears local state.
func (c *Client) Logout(ctx context.Context) error {
	creds, ok := c.creds.get()
	c.creds.clear()
	if !ok {
		return nil
	}

	_, err := c.postAuth(ctx, "/api/auth/logout", map[string]string{
		"access_token":  creds.AccessToken,
		"refresh_token": creds.RefreshToken,
	})
	if err != nil {
		var apiErr *APIError
		// The server not knowing the token is as logged out as it gets.
		if errors.As(err, &apiErr) {
			return nil
		}
		return err
	}
	return nil
}

// SetSession seeds the client with externally persisted credentials.
func (c *Client) SetSession(creds Credentials) {
	c.creds.put(creds)
}

// Session returns the current credentials, if any.
func (c *Client) Session() (Credentials, bool) {
	return c.creds.get()
}

// EnsureValidToken exposes the coordinator for callers that want a valid
// token ahead of time without issuing a request.
func (c *Client) EnsureValidToken(ctx context.Context) (Outcome, error) {
	return c.coord.EnsureValidToken(ctx)
}

// Do sends an authenticated request. The access token is refreshed
// proactively when close to expiry and reactively on a 401, with exactly
// one retry of the original request. A definitive refresh failure
// terminates the session; a transient one surfaces the original 401 and
// leaves the session intact.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if creds, ok := c.creds.get(); ok && time.Until(creds.AccessExpiresAt) <= c.lookahead {
		outcome, err := c.coord.EnsureValidToken(req.Context())
		if outcome == OutcomeDefinitiveFailure {
			return nil, fmt.Errorf("%w: %w", ErrSessionTerminated, err)
		}
		// Transient: try the request with what we have; the 401 path
		// below is the fallback.
	}

	if creds, ok := c.creds.get(); ok {
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	outcome, err := c.coord.EnsureValidToken(req.Context())
	switch outcome {
	case OutcomeSuccess:
		if req.Body != nil && req.GetBody == nil {
			// The body is spent and not replayable; the caller keeps the 401.
			return resp, nil
		}
		resp.Body.Close()
		return c.retryOnce(req)
	case OutcomeDefinitiveFailure:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %w", ErrSessionTerminated, err)
	default:
		return resp, nil
	}
}

func (c *Client) retryOnce(req *http.Request) (*http.Response, error) {
	retryReq := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		retryReq.Body = body
	}

	if creds, ok := c.creds.get(); ok {
		retryReq.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	}
	return c.hc.Do(retryReq)
}

// refreshOnce is the single-flight body: it performs exactly one rotation
// round trip against the auth service. It goes through the raw HTTP
// client, never through Do: routing it back into the reactive-401 layer
// would recurse without bound on a definitive failure.
func (c *Client) refreshOnce(ctx context.Context) error {
	creds, ok := c.creds.get()
	if !ok || creds.RefreshToken == "" {
		return ErrNoSession
	}

	pair, err := c.postAuth(ctx, "/api/auth/refresh", map[string]string{"refresh_token": creds.RefreshToken})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Definitive() {
			c.creds.clear()
		}
		return err
	}

	// Stored before any waiter resolves, so every joined caller sees the
	// new pair the moment its EnsureValidToken returns.
	c.storePair(pair)
	return nil
}

type tokenPairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type errorResponse struct {
	ErrorCode string `json:"error_code"`
}

// postAuth posts to an auth endpoint, retrying transient network and 5xx
// failures with bounded fibonacci backoff. 4xx responses are final.
func (c *Client) postAuth(ctx context.Context, path string, payload map[string]string) (*tokenPairResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var pair tokenPairResponse
	backoff := retry.WithMaxRetries(maxNetworkRetries, retry.NewFibonacci(retryBaseDelay))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.hc.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return retry.RetryableError(fmt.Errorf("auth service unavailable: status=%d", resp.StatusCode))
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			if err := json.Unmarshal(raw, &pair); err != nil {
				return fmt.Errorf("decode token pair: %w", err)
			}
			return nil
		case http.StatusNoContent:
			return nil
		default:
			var rejection errorResponse
			_ = json.Unmarshal(raw, &rejection)
			return &APIError{StatusCode: resp.StatusCode, Code: rejection.ErrorCode}
		}
	})
	if err != nil {
		return nil, err
	}

	return &pair, nil
}

func (c *Client) storePair(pair *tokenPairResponse) {
	c.creds.put(Credentials{
		AccessToken:     pair.AccessToken,
		RefreshToken:    pair.RefreshToken,
		AccessExpiresAt: time.Now().Add(time.Duration(pair.ExpiresIn)*time.Second - expirySkew),
	})
}
