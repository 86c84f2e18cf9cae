package profileauth

import "time"

// SessionState describes where the client is in the login lifecycle.
// Transitions are driven exclusively by the Client; application code
// only reads the current state.
type SessionState string

const (
	// NoSession means no user is logged in.
	NoSession SessionState = "NO_SESSION"

	// LoggingIn means a login redirect has been initiated or its
	// callback is being processed.
	LoggingIn SessionState = "LOGGING_IN"

	// ValidSession means a non-expired user and, when an API token
	// endpoint is configured, a matching API token set are present.
	ValidSession SessionState = "VALID_SESSION"

	// LoggingOut means a logout redirect has been initiated.
	LoggingOut SessionState = "LOGGING_OUT"
)

// User is the token bundle owned by the OIDC library. The Client never
// mutates it; it only reads it and reacts to its presence or absence.
type User struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	IDToken      string     `json:"id_token,omitempty"`
	TokenType    string     `json:"token_type,omitempty"` // "Bearer"
	ExpiresAt    time.Time  `json:"expires_at,omitempty"`
	Expired      *bool      `json:"expired,omitempty"`
	Profile      Profile    `json:"profile"`
}

// Profile holds the claim set extracted from the ID token.
type Profile struct {
	Subject  string         `json:"sub"`
	Name     string         `json:"name,omitempty"`
	Email    string         `json:"email,omitempty"`
	AMR      []string       `json:"amr,omitempty"`
	AuthTime time.Time      `json:"auth_time,omitempty"`
	Locale   string         `json:"locale,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// IsExpired reports whether the user record is no longer usable at the
// given instant. An explicit Expired flag is trusted unconditionally over
// the expiry timestamp; a record with no expiry information at all is
// treated as expired.
func (u *User) IsExpired(now time.Time) bool {
	if u == nil {
		return true
	}
	if u.Expired != nil {
		return *u.Expired
	}
	if !u.ExpiresAt.IsZero() {
		return !u.ExpiresAt.After(now)
	}
	return true
}

// APITokens maps a backend-service audience identifier to a signed token.
type APITokens map[string]string

// Get returns the token for the given audience.
func (t APITokens) Get(audience string) (string, bool) {
	v, ok := t[audience]
	return v, ok
}

// LoginProps carries optional parameters for a login redirect.
type LoginProps struct {
	// Language is translated into a ui_locales query parameter on the
	// authorization redirect.
	Language string
}

// LogoutProps carries optional parameters for a logout redirect.
type LogoutProps struct {
	Language string
}

// StateChange is delivered to the state-change callback. Err may be set
// without a transition (State == Previous), e.g. when a silent renewal
// fails while the session stays valid.
type StateChange struct {
	State    SessionState
	Previous SessionState
	Err      *Error
}

// Config holds the session client configuration.
type Config struct {
	// Authority is the OIDC issuer URL.
	Authority string

	// ClientID is the OIDC client identifier.
	ClientID string

	// APITokenURL is the endpoint that exchanges the OIDC access token
	// for audience-scoped API tokens. Empty disables API token handling.
	APITokenURL string

	// APITokenMaxRetries bounds retries of a single token fetch.
	// Default: 4.
	APITokenMaxRetries int

	// APITokenRetryInterval is the delay between token fetch retries.
	// Default: 500ms.
	APITokenRetryInterval time.Duration

	// SessionPollInterval is the delay between userinfo probes while a
	// session is valid. Default: 1 minute.
	SessionPollInterval time.Duration
}

const (
	defaultAPITokenMaxRetries    = 4
	defaultAPITokenRetryInterval = 500 * time.Millisecond
	defaultSessionPollInterval   = time.Minute
)
