package profileauth

import "context"

type ctxKey string

const (
	ctxKeyUser  ctxKey = "profileauth_user"
	ctxKeyState ctxKey = "profileauth_state"
)

// WithUser stores the current user in the context.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, ctxKeyUser, user)
}

// UserFromContext extracts the current user from the context.
func UserFromContext(ctx context.Context) *User {
	v, _ := ctx.Value(ctxKeyUser).(*User)
	return v
}

// WithSessionState stores the session state in the context.
func WithSessionState(ctx context.Context, state SessionState) context.Context {
	return context.WithValue(ctx, ctxKeyState, state)
}

// SessionStateFromContext extracts the session state from the context.
// Returns NoSession when none is stored.
func SessionStateFromContext(ctx context.Context) SessionState {
	if v, ok := ctx.Value(ctxKeyState).(SessionState); ok {
		return v
	}
	return NoSession
}
