// Package fake provides an in-memory UserManager for testing.
//
// Use fake.NewManager in unit tests to exercise the session client
// without an OIDC provider: sign-in results are scripted via options,
// and lifecycle events can be emitted through Events().
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	profileauth "github.com/City-of-Helsinki/profile-auth-go"
	"github.com/City-of-Helsinki/profile-auth-go/storage"
)

// Option configures the fake manager.
type Option func(*Manager)

// WithSigninUser scripts the user produced by SigninRedirectCallback.
func WithSigninUser(u *profileauth.User) Option {
	return func(m *Manager) { m.signinUser = u }
}

// WithSigninErr makes SigninRedirectCallback fail.
func WithSigninErr(err error) Option {
	return func(m *Manager) { m.signinErr = err }
}

// WithSilentUser scripts the user produced by SigninSilent.
func WithSilentUser(u *profileauth.User) Option {
	return func(m *Manager) { m.silentUser = u }
}

// WithSilentErr makes SigninSilent fail.
func WithSilentErr(err error) Option {
	return func(m *Manager) { m.silentErr = err }
}

// WithUserinfoEndpoint sets the endpoint returned by UserinfoEndpoint.
func WithUserinfoEndpoint(endpoint string) Option {
	return func(m *Manager) { m.userinfoEndpoint = endpoint }
}

// Manager is a scripted profileauth.UserManager persisting its user into
// the same store the session client reads.
type Manager struct {
	store  storage.Store
	events *profileauth.Events

	mu               sync.Mutex
	signinUser       *profileauth.User
	signinErr        error
	silentUser       *profileauth.User
	silentErr        error
	userinfoEndpoint string
	removeUserCalls  int
	silentCalls      int
}

var _ profileauth.UserManager = (*Manager)(nil)

// NewManager creates a fake manager persisting into store.
func NewManager(store storage.Store, opts ...Option) *Manager {
	m := &Manager{
		store:            store,
		events:           profileauth.NewEvents(),
		userinfoEndpoint: "https://fake.example.com/userinfo",
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Events exposes the event registry; tests emit lifecycle events here.
func (m *Manager) Events() *profileauth.Events { return m.events }

// StorageKey follows the production key convention with fake values.
func (m *Manager) StorageKey() string {
	return storage.UserKey("https://fake.example.com", "fake-client")
}

// SigninRedirect returns a deterministic authorization URL carrying the
// given params.
func (m *Manager) SigninRedirect(ctx context.Context, params map[string]string) (string, error) {
	q := url.Values{"state": {"fake-state"}}
	for k, v := range params {
		q.Set(k, v)
	}
	return "https://fake.example.com/auth?" + q.Encode(), nil
}

// SigninRedirectCallback returns the scripted sign-in result, persisting
// the user and emitting EventUserLoaded on success.
func (m *Manager) SigninRedirectCallback(ctx context.Context, callbackURL string) (*profileauth.User, error) {
	m.mu.Lock()
	user, err := m.signinUser, m.signinErr
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("fake: no signin user scripted")
	}
	if err := m.persist(user); err != nil {
		return nil, err
	}
	m.events.Emit(profileauth.EventUserLoaded, user)
	return user, nil
}

// SignoutRedirect returns a deterministic end-session URL.
func (m *Manager) SignoutRedirect(ctx context.Context, params map[string]string) (string, error) {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	u := "https://fake.example.com/logout"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u, nil
}

// SigninSilent returns the scripted renewal result, persisting the user
// and emitting EventUserLoaded on success.
func (m *Manager) SigninSilent(ctx context.Context) (*profileauth.User, error) {
	m.mu.Lock()
	m.silentCalls++
	user, err := m.silentUser, m.silentErr
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("fake: no silent user scripted")
	}
	if err := m.persist(user); err != nil {
		return nil, err
	}
	m.events.Emit(profileauth.EventUserLoaded, user)
	return user, nil
}

// GetUser reads the persisted user.
func (m *Manager) GetUser(ctx context.Context) (*profileauth.User, error) {
	raw, ok := m.store.Get(m.StorageKey())
	if !ok {
		return nil, nil
	}
	var user profileauth.User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// RemoveUser deletes the persisted user and emits EventUserUnloaded.
func (m *Manager) RemoveUser(ctx context.Context) error {
	m.mu.Lock()
	m.removeUserCalls++
	m.mu.Unlock()

	m.store.Remove(m.StorageKey())
	m.events.Emit(profileauth.EventUserUnloaded, nil)
	return nil
}

// ClearStaleState is a no-op.
func (m *Manager) ClearStaleState(ctx context.Context) error { return nil }

// UserinfoEndpoint returns the configured endpoint.
func (m *Manager) UserinfoEndpoint(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userinfoEndpoint, nil
}

// SetSilentUser replaces the scripted renewal result mid-test.
func (m *Manager) SetSilentUser(u *profileauth.User, err error) {
	m.mu.Lock()
	m.silentUser, m.silentErr = u, err
	m.mu.Unlock()
}

// RemoveUserCalls reports how many times RemoveUser ran.
func (m *Manager) RemoveUserCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeUserCalls
}

// SilentCalls reports how many times SigninSilent ran.
func (m *Manager) SilentCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.silentCalls
}

func (m *Manager) persist(user *profileauth.User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return err
	}
	m.store.Set(m.StorageKey(), string(raw))
	return nil
}
