// Package oidc implements the profileauth.UserManager contract on top
// of a real OpenID Connect provider, using github.com/coreos/go-oidc for
// discovery and ID-token verification and golang.org/x/oauth2 for the
// authorization-code exchange.
//
// Protocol mechanics (code exchange, signature verification) stay inside
// those libraries; this package only adapts them to the session client's
// collaborator contract and persists the resulting user record.
package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	profileauth "github.com/City-of-Helsinki/profile-auth-go"
	"github.com/City-of-Helsinki/profile-auth-go/storage"
)

// staleStateAge is how long abandoned sign-in bookkeeping survives
// before ClearStaleState discards it.
const staleStateAge = time.Hour

// Config configures the manager.
type Config struct {
	// Authority is the OIDC issuer URL.
	Authority string

	// ClientID and ClientSecret identify this client at the provider.
	// ClientSecret may be empty for public clients.
	ClientID     string
	ClientSecret string

	// RedirectURI is where the provider sends the sign-in callback.
	RedirectURI string

	// PostLogoutRedirectURI is where the provider sends the browser
	// after ending the session.
	PostLogoutRedirectURI string

	// Scopes requested at login. Default: openid, profile, email.
	Scopes []string

	Logger *slog.Logger
}

type pendingSignin struct {
	nonce   string
	created time.Time
}

// Manager is a profileauth.UserManager backed by a discovered OIDC
// provider.
type Manager struct {
	cfg      Config
	provider *gooidc.Provider
	verifier *gooidc.IDTokenVerifier
	oauth    oauth2.Config
	store    storage.Store
	events   *profileauth.Events
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingSignin // state -> nonce bookkeeping
}

var _ profileauth.UserManager = (*Manager)(nil)

// New discovers the provider metadata and creates a manager persisting
// its user record into store.
func New(ctx context.Context, cfg Config, store storage.Store) (*Manager, error) {
	if cfg.Authority == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("oidc: Authority and ClientID are required")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{gooidc.ScopeOpenID, "profile", "email"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	provider, err := gooidc.NewProvider(ctx, cfg.Authority)
	if err != nil {
		return nil, fmt.Errorf("oidc: provider discovery: %w", err)
	}

	return &Manager{
		cfg:      cfg,
		provider: provider,
		verifier: provider.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
		},
		store:   store,
		events:  profileauth.NewEvents(),
		logger:  logger,
		pending: make(map[string]pendingSignin),
	}, nil
}

// Events exposes the lifecycle event registry.
func (m *Manager) Events() *profileauth.Events { return m.events }

// StorageKey returns the key the user record is persisted under.
func (m *Manager) StorageKey() string {
	return storage.UserKey(m.cfg.Authority, m.cfg.ClientID)
}

// SigninRedirect builds the authorization URL with fresh state and
// nonce, remembering both for callback validation.
func (m *Manager) SigninRedirect(ctx context.Context, params map[string]string) (string, error) {
	state := uuid.NewString()
	nonce := uuid.NewString()

	m.mu.Lock()
	m.pending[state] = pendingSignin{nonce: nonce, created: time.Now()}
	m.mu.Unlock()

	opts := []oauth2.AuthCodeOption{gooidc.Nonce(nonce)}
	for k, v := range params {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return m.oauth.AuthCodeURL(state, opts...), nil
}

// SigninRedirectCallback finishes the login: it validates state,
// exchanges the code, verifies the ID token and its nonce, persists the
// user record and emits EventUserLoaded.
func (m *Manager) SigninRedirectCallback(ctx context.Context, callbackURL string) (*profileauth.User, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return nil, fmt.Errorf("oidc: bad callback URL: %w", err)
	}
	q := u.Query()

	if errCode := q.Get("error"); errCode != "" {
		return nil, fmt.Errorf("oidc: provider returned %s: %s", errCode, q.Get("error_description"))
	}

	state := q.Get("state")
	m.mu.Lock()
	p, ok := m.pending[state]
	delete(m.pending, state)
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("oidc: unknown or replayed state %q", state)
	}

	tok, err := m.oauth.Exchange(ctx, q.Get("code"))
	if err != nil {
		return nil, fmt.Errorf("oidc: code exchange: %w", err)
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, fmt.Errorf("oidc: token response carries no id_token")
	}
	idToken, err := m.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("oidc: id_token verification: %w", err)
	}
	if idToken.Nonce != p.nonce {
		return nil, fmt.Errorf("oidc: nonce mismatch")
	}

	user := &profileauth.User{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      rawIDToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
		Profile:      profileFromIDToken(rawIDToken),
	}
	if err := m.persist(user); err != nil {
		return nil, err
	}

	m.events.Emit(profileauth.EventUserLoaded, user)
	return user, nil
}

// SignoutRedirect builds the end-session URL from the provider's
// discovery metadata, carrying the ID token hint and the post-logout
// return address.
func (m *Manager) SignoutRedirect(ctx context.Context, params map[string]string) (string, error) {
	var meta struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := m.provider.Claims(&meta); err != nil || meta.EndSessionEndpoint == "" {
		return "", fmt.Errorf("oidc: provider advertises no end_session_endpoint")
	}

	endURL, err := url.Parse(meta.EndSessionEndpoint)
	if err != nil {
		return "", fmt.Errorf("oidc: bad end_session_endpoint: %w", err)
	}
	q := endURL.Query()
	if user, _ := m.GetUser(ctx); user != nil && user.IDToken != "" {
		q.Set("id_token_hint", user.IDToken)
	}
	if m.cfg.PostLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", m.cfg.PostLogoutRedirectURI)
	}
	for k, v := range params {
		q.Set(k, v)
	}
	endURL.RawQuery = q.Encode()
	return endURL.String(), nil
}

// SigninSilent renews the token set with the stored refresh token. The
// hidden-iframe renewal of a browser client has no equivalent here;
// refresh-token grant is the silent path a Go client has.
func (m *Manager) SigninSilent(ctx context.Context) (*profileauth.User, error) {
	current, err := m.GetUser(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil || current.RefreshToken == "" {
		return nil, fmt.Errorf("oidc: no refresh token available for silent renewal")
	}

	ts := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("oidc: refresh grant: %w", err)
	}

	user := &profileauth.User{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
		IDToken:      current.IDToken,
		Profile:      current.Profile,
	}
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		if _, err := m.verifier.Verify(ctx, raw); err != nil {
			return nil, fmt.Errorf("oidc: renewed id_token verification: %w", err)
		}
		user.IDToken = raw
		user.Profile = profileFromIDToken(raw)
	}
	if user.RefreshToken == "" {
		user.RefreshToken = current.RefreshToken
	}
	if err := m.persist(user); err != nil {
		return nil, err
	}

	m.events.Emit(profileauth.EventUserLoaded, user)
	return user, nil
}

// GetUser returns the persisted user record, or nil when absent.
func (m *Manager) GetUser(ctx context.Context) (*profileauth.User, error) {
	raw, ok := m.store.Get(m.StorageKey())
	if !ok {
		return nil, nil
	}
	var user profileauth.User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, fmt.Errorf("oidc: decode stored user: %w", err)
	}
	return &user, nil
}

// RemoveUser deletes the persisted user record and emits
// EventUserUnloaded.
func (m *Manager) RemoveUser(ctx context.Context) error {
	m.store.Remove(m.StorageKey())
	m.events.Emit(profileauth.EventUserUnloaded, nil)
	return nil
}

// ClearStaleState discards sign-in bookkeeping older than an hour.
func (m *Manager) ClearStaleState(ctx context.Context) error {
	cutoff := time.Now().Add(-staleStateAge)
	m.mu.Lock()
	for state, p := range m.pending {
		if p.created.Before(cutoff) {
			delete(m.pending, state)
		}
	}
	m.mu.Unlock()
	return nil
}

// UserinfoEndpoint resolves the userinfo endpoint from discovery
// metadata.
func (m *Manager) UserinfoEndpoint(ctx context.Context) (string, error) {
	var meta struct {
		UserinfoEndpoint string `json:"userinfo_endpoint"`
	}
	if err := m.provider.Claims(&meta); err != nil || meta.UserinfoEndpoint == "" {
		return "", fmt.Errorf("oidc: provider advertises no userinfo_endpoint")
	}
	return meta.UserinfoEndpoint, nil
}

// WatchExpiry emits EventAccessTokenExpiring once per token when the
// stored user's access token is within leeway of expiry. The browser
// OIDC library runs this timer itself; a Go client starts it explicitly:
//
//	go manager.WatchExpiry(ctx, time.Minute, 15*time.Second)
func (m *Manager) WatchExpiry(ctx context.Context, leeway, interval time.Duration) {
	if leeway <= 0 {
		leeway = time.Minute
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var notified time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		user, err := m.GetUser(ctx)
		if err != nil || user == nil || user.ExpiresAt.IsZero() {
			continue
		}
		now := time.Now()
		if user.IsExpired(now) || user.ExpiresAt.Equal(notified) {
			continue
		}
		if now.After(user.ExpiresAt.Add(-leeway)) {
			notified = user.ExpiresAt
			m.events.Emit(profileauth.EventAccessTokenExpiring, user)
		}
	}
}

func (m *Manager) persist(user *profileauth.User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("oidc: encode user: %w", err)
	}
	m.store.Set(m.StorageKey(), string(raw))
	return nil
}

// HTTPClientContext returns a context carrying hc for the oauth2 and
// go-oidc libraries, which read their HTTP client from the context.
func HTTPClientContext(ctx context.Context, hc *http.Client) context.Context {
	return gooidc.ClientContext(ctx, hc)
}

// profileFromIDToken extracts the profile claim set from a raw ID
// token. The signature has already been verified by go-oidc; this only
// decodes the payload.
func profileFromIDToken(rawIDToken string) profileauth.Profile {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawIDToken, claims); err != nil {
		return profileauth.Profile{}
	}
	return profileFromClaims(claims)
}

func profileFromClaims(claims jwt.MapClaims) profileauth.Profile {
	p := profileauth.Profile{Extra: make(map[string]any)}

	if v, ok := claims["sub"].(string); ok {
		p.Subject = v
	}
	if v, ok := claims["name"].(string); ok {
		p.Name = v
	}
	if v, ok := claims["email"].(string); ok {
		p.Email = v
	}
	if v, ok := claims["locale"].(string); ok {
		p.Locale = v
	}
	if v, ok := claims["auth_time"].(float64); ok {
		p.AuthTime = time.Unix(int64(v), 0)
	}

	// amr arrives as an array of strings from most providers, but a
	// bare string occurs in the wild.
	switch amr := claims["amr"].(type) {
	case []any:
		for _, v := range amr {
			if s, ok := v.(string); ok {
				p.AMR = append(p.AMR, s)
			}
		}
	case string:
		p.AMR = []string{amr}
	}

	standard := map[string]bool{
		"sub": true, "name": true, "email": true, "locale": true,
		"auth_time": true, "amr": true, "iss": true, "aud": true,
		"exp": true, "iat": true, "nbf": true, "nonce": true,
		"jti": true, "at_hash": true,
	}
	for k, v := range claims {
		if !standard[k] {
			p.Extra[k] = v
		}
	}
	return p
}
