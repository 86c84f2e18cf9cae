// Package profileauth implements the client-side authentication and
// session lifecycle for Helsinki profile applications: an explicit
// login/logout state machine over an OIDC user manager, API token
// exchange for backend audiences, periodic session validation, and
// silent token renewal.
//
// The OIDC protocol itself is not implemented here. A UserManager
// collaborator (see oidc/ for a production implementation and fake/ for
// a test double) owns redirect handling and token storage; this package
// consumes its lifecycle events and drives everything else.
//
// Example:
//
//	client, err := profileauth.NewClient(
//	    profileauth.Config{
//	        Authority:   "https://tunnistamo.example.com",
//	        ClientID:    "profile-ui",
//	        APITokenURL: "https://tunnistamo.example.com/api-tokens/",
//	    },
//	    profileauth.WithUserManager(manager),
//	)
package profileauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/City-of-Helsinki/profile-auth-go/apitoken"
	"github.com/City-of-Helsinki/profile-auth-go/metrics"
	"github.com/City-of-Helsinki/profile-auth-go/sessionpoll"
	"github.com/City-of-Helsinki/profile-auth-go/storage"
)

// renewKey is the single-flight key shared by every renewal trigger, so
// concurrent callers await one renewal instead of racing their own.
const renewKey = "renew"

// Client is the session state machine and the single entry point for
// application code. Construct exactly one per application with NewClient
// and release it with CleanUp.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	um      UserManager
	store   storage.Store
	metrics *metrics.Metrics
	tokens  *apitoken.Client
	poller  *sessionpoll.Poller
	httpc   *http.Client
	now     func() time.Time

	onStateChange func(StateChange)

	mu          sync.Mutex
	state       SessionState
	authWaiters []chan struct{}
	unsubs      []func()

	sf       singleflight.Group
	renewing atomic.Bool
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a structured logger for the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithUserManager sets the OIDC collaborator. Required.
func WithUserManager(um UserManager) Option {
	return func(c *Client) { c.um = um }
}

// WithStorage sets the persisted-state store. Default: in-memory.
func WithStorage(s storage.Store) Option {
	return func(c *Client) { c.store = s }
}

// WithMetrics sets a metrics sink for session lifecycle events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPClient sets the HTTP client used for token fetches and
// userinfo probes.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpc = hc }
}

// WithOnStateChange sets the state-change callback. It fires once per
// actual transition, and additionally for errors that do not transition
// state (State == Previous, Err set).
func WithOnStateChange(fn func(StateChange)) Option {
	return func(c *Client) { c.onStateChange = fn }
}

// NewClient creates a session client. The returned client is in
// NoSession state until a callback is handled.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Authority == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("profileauth: Authority and ClientID are required")
	}
	if cfg.APITokenMaxRetries <= 0 {
		cfg.APITokenMaxRetries = defaultAPITokenMaxRetries
	}
	if cfg.APITokenRetryInterval <= 0 {
		cfg.APITokenRetryInterval = defaultAPITokenRetryInterval
	}
	if cfg.SessionPollInterval <= 0 {
		cfg.SessionPollInterval = defaultSessionPollInterval
	}

	c := &Client{cfg: cfg, state: NoSession, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	if c.um == nil {
		return nil, fmt.Errorf("profileauth: a UserManager is required")
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.store == nil {
		c.store = storage.NewMemory()
	}
	if c.metrics == nil {
		c.metrics = metrics.New(false)
	}

	if cfg.APITokenURL != "" {
		c.tokens = apitoken.New(c.store, apitoken.Config{
			TokenURL:      cfg.APITokenURL,
			MaxRetries:    cfg.APITokenMaxRetries,
			RetryInterval: cfg.APITokenRetryInterval,
			HTTPClient:    c.httpc,
		}, c.logger)
	}

	c.poller = sessionpoll.New(sessionpoll.Config{
		UserinfoEndpoint: c.um.UserinfoEndpoint,
		AccessToken: func() string {
			if u := c.getStoredUser(); u != nil {
				return u.AccessToken
			}
			return ""
		},
		ShouldPoll: func() bool {
			return c.GetState() == ValidSession && !c.renewing.Load()
		},
		OnUnauthorized: func() {
			c.metrics.RecordSessionPollError()
			c.endSession(newError(ErrKindUnauthorizedSession,
				"session rejected by userinfo endpoint", nil))
		},
		Interval:   cfg.SessionPollInterval,
		HTTPClient: c.httpc,
		Logger:     c.logger,
	})

	events := c.um.Events()
	c.unsubs = append(c.unsubs,
		events.Subscribe(EventUserUnloaded, func(*User) { c.endSession(nil) }),
		events.Subscribe(EventUserSignedOut, func(*User) { c.endSession(nil) }),
		events.Subscribe(EventAccessTokenExpiring, func(*User) { go c.autoRenew() }),
	)
	return c, nil
}

// Login initiates an interactive login. It transitions to LoggingIn and
// returns the authorization redirect URL the application must send the
// browser to; the session only becomes valid once HandleCallback runs on
// the return leg.
func (c *Client) Login(ctx context.Context, props *LoginProps) (string, error) {
	params := map[string]string{}
	if props != nil && props.Language != "" {
		params["ui_locales"] = props.Language
	}
	url, err := c.um.SigninRedirect(ctx, params)
	if err != nil {
		c.metrics.RecordLogin("failure")
		return "", fmt.Errorf("profileauth: signin redirect: %w", err)
	}
	c.transition(LoggingIn, nil)
	c.metrics.RecordLogin("success")
	return url, nil
}

// HandleCallback completes the login on the OIDC redirect-callback
// route. On success the state becomes ValidSession and session polling
// starts; on failure the stored user is removed and the state falls back
// to NoSession with a typed error.
func (c *Client) HandleCallback(ctx context.Context, callbackURL string) (*User, error) {
	c.transition(LoggingIn, nil)

	user, err := c.um.SigninRedirectCallback(ctx, callbackURL)
	if err != nil {
		return nil, c.failCallback(ctx, AsError(err, ErrKindInvalidUser))
	}
	if user == nil || user.IsExpired(c.now()) {
		return nil, c.failCallback(ctx,
			newError(ErrKindInvalidUser, "callback produced no valid user", nil))
	}

	if c.tokens != nil {
		if _, err := c.tokens.Fetch(ctx, user.AccessToken); err != nil {
			c.metrics.RecordAPITokenFetch("failure")
			return nil, c.failCallback(ctx, c.tokenError(err))
		}
		c.metrics.RecordAPITokenFetch("success")
	}

	if err := c.um.ClearStaleState(ctx); err != nil {
		c.logger.Debug("profileauth: clearing stale signin state failed", "error", err)
	}

	c.transition(ValidSession, nil)
	c.poller.Start()
	c.metrics.RecordCallback("success")
	return user, nil
}

func (c *Client) failCallback(ctx context.Context, e *Error) *Error {
	if c.tokens != nil {
		c.tokens.Clear()
	}
	// Transition with the error first, so listeners see it on the actual
	// LoggingIn -> NoSession change; the unloaded event RemoveUser emits
	// then lands on an already-ended session and fires nothing.
	c.transition(NoSession, e)
	if err := c.um.RemoveUser(ctx); err != nil {
		c.logger.Warn("profileauth: removing user after failed callback", "error", err)
	}
	c.metrics.RecordCallback("failure")
	return e
}

// Logout initiates a logout. It stops session polling, clears the API
// token set, transitions to LoggingOut and returns the end-session
// redirect URL for the application to issue.
func (c *Client) Logout(ctx context.Context, props *LogoutProps) (string, error) {
	params := map[string]string{}
	if props != nil && props.Language != "" {
		params["ui_locales"] = props.Language
	}
	url, err := c.um.SignoutRedirect(ctx, params)
	if err != nil {
		return "", fmt.Errorf("profileauth: signout redirect: %w", err)
	}
	c.poller.Stop()
	if c.tokens != nil {
		c.tokens.Clear()
	}
	c.transition(LoggingOut, nil)
	c.metrics.RecordLogout()
	return url, nil
}

// CleanUp tears the session down locally: polling stopped, tokens and
// the stored user removed, event subscriptions released, state back to
// NoSession. The client must not be used afterwards.
func (c *Client) CleanUp(ctx context.Context) error {
	c.poller.Stop()
	if c.tokens != nil {
		c.tokens.Clear()
	}
	err := c.um.RemoveUser(ctx)

	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}

	c.transition(NoSession, nil)
	return err
}

// endSession handles the provider-side session ends: user unloaded,
// user signed out, or the userinfo endpoint rejecting the session.
func (c *Client) endSession(e *Error) {
	c.poller.Stop()
	if c.tokens != nil {
		c.tokens.Clear()
	}
	c.transition(NoSession, e)
}

// GetState returns the current session state.
func (c *Client) GetState() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetUser returns the stored, non-expired user, applying the
// user-implies-tokens invariant. Never touches the network.
func (c *Client) GetUser() *User {
	user, _, _ := c.GetStoredUserAndTokens()
	return user
}

// IsAuthenticated reports whether a valid user (and, when required, a
// token set) is locally present.
func (c *Client) IsAuthenticated() bool {
	return c.GetUser() != nil
}

// IsRenewing reports whether a silent renewal is currently in flight.
func (c *Client) IsRenewing() bool {
	return c.renewing.Load()
}

// GetAmr returns the authentication-method-reference list of the stored
// user, or nil when no valid user is present.
func (c *Client) GetAmr() []string {
	u := c.GetUser()
	if u == nil {
		return nil
	}
	return u.Profile.AMR
}

// GetTokens returns the persisted API token set, or nil when no token
// endpoint is configured or nothing is stored.
func (c *Client) GetTokens() APITokens {
	if c.tokens == nil {
		return nil
	}
	return APITokens(c.tokens.GetTokens())
}

// GetStoredUserAndTokens reads only locally persisted state. A stored
// user without the required token set is a data-integrity fault: the
// user is discarded (fire-and-forget) and a typed error returned, never
// a silent re-fetch. An absent or expired user is not an error.
func (c *Client) GetStoredUserAndTokens() (*User, APITokens, error) {
	user := c.getStoredUser()
	if user == nil || user.IsExpired(c.now()) {
		return nil, nil, nil
	}
	if c.tokens == nil {
		return user, nil, nil
	}
	tokens := APITokens(c.tokens.GetTokens())
	if tokens == nil {
		go func() {
			if err := c.um.RemoveUser(context.Background()); err != nil {
				c.logger.Warn("profileauth: removing inconsistent user", "error", err)
			}
		}()
		return nil, nil, newError(ErrKindUserHasNoTokens,
			"stored user has no API tokens", nil)
	}
	return user, tokens, nil
}

func (c *Client) getStoredUser() *User {
	raw, ok := c.store.Get(c.um.StorageKey())
	if !ok {
		return nil
	}
	var u User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil
	}
	return &u
}

// GetUserAndFetchTokens consults the OIDC collaborator directly and
// lazily fetches a missing token set. If a renewal is in flight it joins
// that renewal instead of racing it.
func (c *Client) GetUserAndFetchTokens(ctx context.Context) (*User, APITokens, error) {
	if c.renewing.Load() {
		ut, err := c.renew(ctx)
		if err != nil {
			return nil, nil, err
		}
		return ut.User, ut.Tokens, nil
	}

	user, err := c.um.GetUser(ctx)
	if err != nil {
		return nil, nil, AsError(err, ErrKindInvalidUser)
	}
	if user == nil || user.IsExpired(c.now()) {
		return nil, nil, newError(ErrKindInvalidUser, "no valid user", nil)
	}
	if c.tokens == nil {
		return user, nil, nil
	}
	tokens := APITokens(c.tokens.GetTokens())
	if tokens == nil {
		raw, err := c.tokens.Fetch(ctx, user.AccessToken)
		if err != nil {
			return nil, nil, c.tokenError(err)
		}
		tokens = APITokens(raw)
	}
	return user, tokens, nil
}

// GetUpdatedTokens fetches a fresh API token set. Concurrent callers
// share one fetch, and callers arriving while a renewal is in flight
// await the renewal's token set instead of triggering their own.
func (c *Client) GetUpdatedTokens(ctx context.Context) (APITokens, error) {
	if c.tokens == nil {
		return nil, newError(ErrKindNoAPITokenURL, "no API token endpoint configured", nil)
	}
	if c.renewing.Load() {
		ut, err := c.renew(ctx)
		if err != nil {
			return nil, err
		}
		return ut.Tokens, nil
	}

	v, err, _ := c.sf.Do("api-tokens", func() (any, error) {
		user, err := c.um.GetUser(ctx)
		if err != nil {
			return nil, AsError(err, ErrKindInvalidUser)
		}
		if user == nil || user.IsExpired(c.now()) {
			return nil, newError(ErrKindInvalidUser, "no valid user for token fetch", nil)
		}
		raw, err := c.tokens.Fetch(ctx, user.AccessToken)
		if err != nil {
			return nil, c.tokenError(err)
		}
		return APITokens(raw), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(APITokens), nil
}

// RenewTokens performs a silent renewal, or joins the one already in
// flight. Exposed for manual renewal triggers such as the idle tracker.
func (c *Client) RenewTokens(ctx context.Context) error {
	_, err := c.renew(ctx)
	return err
}

// WaitForAuthentication blocks until the session becomes valid or ctx
// is done. Returns immediately when the session is already valid.
func (c *Client) WaitForAuthentication(ctx context.Context) error {
	c.mu.Lock()
	if c.state == ValidSession {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.authWaiters = append(c.authWaiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type userTokens struct {
	User   *User
	Tokens APITokens
}

// renew runs the silent renewal as a single flight: session polling is
// paused for its duration and resumed only if the session is still
// valid. All concurrent triggers share one execution and its result.
func (c *Client) renew(ctx context.Context) (*userTokens, error) {
	v, err, _ := c.sf.Do(renewKey, func() (any, error) {
		c.renewing.Store(true)
		start := c.now()
		c.poller.Stop()
		defer func() {
			c.renewing.Store(false)
			if c.GetState() == ValidSession {
				c.poller.Start()
			}
		}()

		user, err := c.um.SigninSilent(ctx)
		if err != nil {
			c.metrics.RecordRenewal("failure", c.now().Sub(start).Seconds())
			return nil, newError(ErrKindRenewalFailed, "silent renewal failed", err)
		}
		if user == nil || user.IsExpired(c.now()) {
			c.metrics.RecordRenewal("failure", c.now().Sub(start).Seconds())
			return nil, newError(ErrKindInvalidUser, "silent renewal produced no valid user", nil)
		}

		var tokens APITokens
		if c.tokens != nil {
			raw, err := c.tokens.Fetch(ctx, user.AccessToken)
			if err != nil {
				c.tokens.Clear()
				c.metrics.RecordRenewal("failure", c.now().Sub(start).Seconds())
				return nil, c.tokenError(err)
			}
			tokens = APITokens(raw)
		}

		c.metrics.RecordRenewal("success", c.now().Sub(start).Seconds())
		return &userTokens{User: user, Tokens: tokens}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*userTokens), nil
}

// autoRenew reacts to the access-token-expiring event. A failed renewal
// is surfaced to listeners without a state transition; the session rides
// out its remaining validity instead of being torn down.
func (c *Client) autoRenew() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := c.renew(ctx); err != nil {
		c.dispatchError(AsError(err, ErrKindRenewalFailed))
	}
}

func (c *Client) tokenError(err error) *Error {
	switch {
	case errors.Is(err, apitoken.ErrNoTokenURL):
		return newError(ErrKindNoAPITokenURL, "no API token endpoint configured", err)
	case errors.Is(err, apitoken.ErrNetwork):
		return newError(ErrKindAPITokenNetwork, "API token endpoint unreachable", err)
	case errors.Is(err, apitoken.ErrInvalidBody):
		return newError(ErrKindInvalidAPITokens, "API token response unusable", err)
	default:
		return newError(ErrKindAPITokensFailed, "API token fetch failed", err)
	}
}

// transition moves the state machine. The callback fires only when the
// state actually changes, or when an error accompanies a would-be
// no-op transition (the separate error channel).
func (c *Client) transition(next SessionState, e *Error) {
	c.mu.Lock()
	prev := c.state
	changed := next != prev
	if changed {
		c.state = next
	}
	var waiters []chan struct{}
	if changed && next == ValidSession {
		waiters, c.authWaiters = c.authWaiters, nil
	}
	cb := c.onStateChange
	c.mu.Unlock()

	if changed {
		c.metrics.SetSessionValid(next == ValidSession)
		c.logger.Debug("profileauth: state changed", "from", prev, "to", next)
	}
	if e != nil {
		c.logger.Error("profileauth: session error", "kind", e.Kind, "error", e)
	}
	for _, w := range waiters {
		close(w)
	}
	if cb != nil && (changed || e != nil) {
		cb(StateChange{State: next, Previous: prev, Err: e})
	}
}

// dispatchError surfaces an error to the state-change callback without
// transitioning state.
func (c *Client) dispatchError(e *Error) {
	c.mu.Lock()
	cur := c.state
	cb := c.onStateChange
	c.mu.Unlock()

	c.logger.Error("profileauth: session error", "kind", e.Kind, "error", e)
	if cb != nil {
		cb(StateChange{State: cur, Previous: cur, Err: e})
	}
}
