package profileauth

import "sync"

// EventKind enumerates the OIDC lifecycle events the client reacts to.
type EventKind string

const (
	// EventUserLoaded fires after a sign-in callback or a silent renewal
	// has produced a fresh user record.
	EventUserLoaded EventKind = "user-loaded"

	// EventUserUnloaded fires when the stored user record is removed.
	EventUserUnloaded EventKind = "user-unloaded"

	// EventUserSignedOut fires when the identity provider reports the
	// session was ended elsewhere.
	EventUserSignedOut EventKind = "user-signed-out"

	// EventAccessTokenExpiring fires shortly before the access token
	// expires, giving the client a chance to renew silently.
	EventAccessTokenExpiring EventKind = "access-token-expiring"
)

// EventListener receives the user the event refers to. The user is nil
// for events that carry no user (unloaded, signed out).
type EventListener func(user *User)

// Events is a registry of typed lifecycle listeners. Emission is
// synchronous: Emit returns after every listener has run.
type Events struct {
	mu        sync.Mutex
	nextID    int
	listeners map[EventKind]map[int]EventListener
}

// NewEvents creates an empty listener registry.
func NewEvents() *Events {
	return &Events{listeners: make(map[EventKind]map[int]EventListener)}
}

// Subscribe registers fn for the given event kind and returns an
// unsubscribe handle. Unsubscribing twice is a no-op.
func (e *Events) Subscribe(kind EventKind, fn EventListener) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	if e.listeners[kind] == nil {
		e.listeners[kind] = make(map[int]EventListener)
	}
	e.listeners[kind][id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners[kind], id)
	}
}

// Emit invokes every listener registered for kind, in no guaranteed
// order. Listeners run without the registry lock held, so they
// may subscribe or unsubscribe freely.
func (e *Events) Emit(kind EventKind, user *User) {
	e.mu.Lock()
	fns := make([]EventListener, 0, len(e.listeners[kind]))
	for _, fn := range e.listeners[kind] {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(user)
	}
}
