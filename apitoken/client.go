// Package apitoken fetches and caches the short-lived, audience-scoped
// backend API tokens obtained by exchanging the OIDC access token.
package apitoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/City-of-Helsinki/profile-auth-go/poll"
	"github.com/City-of-Helsinki/profile-auth-go/storage"
)

// StorageKey is the fixed key the token set is persisted under.
const StorageKey = "apiTokens"

// Sentinel errors; the session client maps these onto its typed error kinds.
var (
	// ErrNoTokenURL means the client was asked to fetch without a
	// configured token endpoint.
	ErrNoTokenURL = errors.New("apitoken: no token endpoint configured")

	// ErrNetwork means the endpoint could not be reached at all.
	ErrNetwork = errors.New("apitoken: network error")

	// ErrFetchFailed means the endpoint answered with a non-OK status
	// for every attempt.
	ErrFetchFailed = errors.New("apitoken: token endpoint rejected the request")

	// ErrInvalidBody means the endpoint answered 200 with a body that
	// is not an audience-to-token map.
	ErrInvalidBody = errors.New("apitoken: unparseable token response")
)

// Config configures the token client.
type Config struct {
	// TokenURL is the exchange endpoint.
	TokenURL string

	// MaxRetries bounds retries of one fetch. Default: 4.
	MaxRetries int

	// RetryInterval is the delay between retries. Default: 500ms.
	RetryInterval time.Duration

	// HTTPClient overrides the default 10s-timeout client.
	HTTPClient *http.Client
}

// Client exchanges an OIDC access token for API tokens and caches the
// result in storage. A new Fetch cancels any previous in-flight one.
type Client struct {
	cfg    Config
	store  storage.Store
	http   *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	fetchGen uint64
	cancel   context.CancelFunc
}

// New creates a token client persisting into store.
func New(store storage.Store, cfg Config, logger *slog.Logger) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, store: store, http: httpClient, logger: logger}
}

// Fetch exchanges accessToken for a new API token set, retrying up to the
// configured budget. On success the stale stored set is cleared first and
// the new set persisted whole; a failed fetch never stores anything.
func (c *Client) Fetch(ctx context.Context, accessToken string) (map[string]string, error) {
	if c.cfg.TokenURL == "" {
		return nil, ErrNoTokenURL
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel() // abort the previous in-flight fetch
	}
	fctx, cancel := context.WithCancel(ctx)
	c.fetchGen++
	gen := c.fetchGen
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if gen == c.fetchGen {
			c.cancel = nil
		}
		c.mu.Unlock()
		cancel()
	}()

	var transportFailed atomic.Bool
	probe := func(pctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(pctx, http.MethodPost, c.cfg.TokenURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		resp, err := c.http.Do(req)
		if err != nil {
			transportFailed.Store(true)
			return nil, err
		}
		transportFailed.Store(false)
		return resp, nil
	}

	resp, err := poll.RetryUntilSuccessful(fctx, probe, poll.RetryConfig{
		Interval:   c.cfg.RetryInterval,
		MaxRetries: c.cfg.MaxRetries,
	})
	if err != nil {
		if fctx.Err() != nil {
			return nil, fctx.Err()
		}
		if transportFailed.Load() {
			return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}

	var tokens map[string]string
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty token set", ErrInvalidBody)
	}

	// The store write is gated on this fetch still being the current one.
	// A Clear or a superseding Fetch that landed while the response was in
	// flight wins: the stale result is discarded, never persisted.
	c.mu.Lock()
	if gen != c.fetchGen || fctx.Err() != nil {
		c.mu.Unlock()
		if err := fctx.Err(); err != nil {
			return nil, err
		}
		return nil, context.Canceled
	}
	c.store.Remove(StorageKey)
	c.store.Set(StorageKey, string(body))
	c.mu.Unlock()

	c.logger.Debug("profileauth/apitoken: token set stored", "audiences", len(tokens))
	return tokens, nil
}

// GetTokens returns the persisted token set, or nil when absent or
// undecodable.
func (c *Client) GetTokens() map[string]string {
	raw, ok := c.store.Get(StorageKey)
	if !ok {
		return nil
	}
	var tokens map[string]string
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		return nil
	}
	return tokens
}

// GetToken returns the persisted token for one audience.
func (c *Client) GetToken(audience string) (string, bool) {
	tokens := c.GetTokens()
	if tokens == nil {
		return "", false
	}
	v, ok := tokens[audience]
	return v, ok
}

// Clear aborts any in-flight fetch and removes the persisted token set.
func (c *Client) Clear() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.fetchGen++
	c.mu.Unlock()

	c.store.Remove(StorageKey)
}
