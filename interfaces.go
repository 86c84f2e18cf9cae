package profileauth

import "context"

// UserManager is the contract this SDK assumes from the OIDC protocol
// library. The SDK never implements the protocol itself; it consumes the
// manager's lifecycle events and calls its redirect operations.
// Implementations: oidc/ (coreos/go-oidc), fake/ (testing).
type UserManager interface {
	// SigninRedirect builds the authorization redirect URL. The extra
	// params (e.g. ui_locales) are appended as query parameters.
	SigninRedirect(ctx context.Context, params map[string]string) (string, error)

	// SigninRedirectCallback processes the redirect callback URL,
	// completes the code exchange, persists the user record and emits
	// EventUserLoaded.
	SigninRedirectCallback(ctx context.Context, callbackURL string) (*User, error)

	// SignoutRedirect builds the end-session redirect URL.
	SignoutRedirect(ctx context.Context, params map[string]string) (string, error)

	// SigninSilent renews the user record without user interaction,
	// persists it and emits EventUserLoaded.
	SigninSilent(ctx context.Context) (*User, error)

	// GetUser returns the persisted user record, or nil when absent.
	GetUser(ctx context.Context) (*User, error)

	// RemoveUser deletes the persisted user record and emits
	// EventUserUnloaded.
	RemoveUser(ctx context.Context) error

	// ClearStaleState discards leftover redirect bookkeeping (state,
	// nonce) from earlier, abandoned sign-in attempts.
	ClearStaleState(ctx context.Context) error

	// UserinfoEndpoint resolves the provider's userinfo endpoint from
	// its discovery metadata.
	UserinfoEndpoint(ctx context.Context) (string, error)

	// Events exposes the manager's lifecycle event registry.
	Events() *Events

	// StorageKey returns the storage key under which the user record is
	// persisted, following the "oidc.user:{authority}:{client_id}"
	// convention.
	StorageKey() string
}
