// Package idle tracks user inactivity and drives manual token renewal:
// an idle user is first warned, then logged out, and a token-expiring
// event that fires while the user is idle is deferred until activity
// resumes. This runs independently of the session client's own
// automatic renewal.
package idle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	profileauth "github.com/City-of-Helsinki/profile-auth-go"
)

// Session is the slice of the session client the tracker drives.
// *profileauth.Client satisfies it.
type Session interface {
	// WaitForAuthentication blocks until a valid session exists.
	WaitForAuthentication(ctx context.Context) error

	// RenewTokens performs or joins a silent renewal.
	RenewTokens(ctx context.Context) error

	// Logout initiates a logout; the redirect URL is ignored here.
	Logout(ctx context.Context, props *profileauth.LogoutProps) (string, error)
}

// Config configures a Tracker.
type Config struct {
	// WarnAfter is the idle duration after which the warn flag is
	// raised. Default: 55 minutes.
	WarnAfter time.Duration

	// LogoutAfter is the idle duration after which the user is forced
	// out. Default: 60 minutes.
	LogoutAfter time.Duration

	// CheckInterval is how often idle time is classified.
	// Default: 30 seconds.
	CheckInterval time.Duration

	// OnWarn is invoked with true when the warn threshold is crossed
	// and with false when the warning clears.
	OnWarn func(warn bool)

	// Now supplies the clock. Default: time.Now.
	Now func() time.Time

	// NewTicker supplies the check timer; the returned func stops it.
	// Default: time.NewTicker. Replaceable for tests.
	NewTicker func(d time.Duration) (<-chan time.Time, func())

	Logger *slog.Logger
}

// Tracker classifies elapsed idle time into ok, warn and expired, and
// acts on the transitions. One instance per session client.
type Tracker struct {
	session Session
	events  *profileauth.Events
	cfg     Config
	logger  *slog.Logger

	mu            sync.Mutex
	lastActivity  time.Time
	warn          bool
	tokenExpiring bool
	running       bool
	loggedOut     bool
	stop          chan struct{}
	unsub         func()
}

// New creates a tracker observing the given session and its manager's
// event registry. Tracking does not begin until Start is called.
func New(session Session, events *profileauth.Events, cfg Config) *Tracker {
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = 55 * time.Minute
	}
	if cfg.LogoutAfter <= 0 {
		cfg.LogoutAfter = time.Hour
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) (<-chan time.Time, func()) {
			tk := time.NewTicker(d)
			return tk.C, tk.Stop
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{session: session, events: events, cfg: cfg, logger: logger}
}

// Start waits for the session to become authenticated, then begins
// tracking. Restarting an already-running tracker replaces its timer and
// re-registers its event listener, so listeners are never doubled.
func (t *Tracker) Start(ctx context.Context) error {
	if err := t.session.WaitForAuthentication(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	if t.unsub != nil {
		t.unsub()
		t.unsub = nil
	}
	if t.running {
		close(t.stop)
	}
	t.running = true
	t.loggedOut = false
	t.warn = false
	t.tokenExpiring = false
	t.lastActivity = t.cfg.Now()
	t.stop = make(chan struct{})
	stopCh := t.stop
	if t.events != nil {
		t.unsub = t.events.Subscribe(profileauth.EventAccessTokenExpiring,
			func(*profileauth.User) { t.onTokenExpiring() })
	}
	t.mu.Unlock()

	go t.loop(ctx, stopCh)
	return nil
}

// Stop ends tracking and removes the timer and event listener.
// Safe to call repeatedly.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	close(t.stop)
	if t.unsub != nil {
		t.unsub()
		t.unsub = nil
	}
}

// Activity records user activity, resetting the idle clock. The host
// application calls this from its input events (pointer-up, key-up).
func (t *Tracker) Activity() {
	t.mu.Lock()
	t.lastActivity = t.cfg.Now()
	t.mu.Unlock()
}

// CancelTimeout is the explicit keep-alive: the user dismissed the idle
// warning, so the warn flag clears and the idle clock restarts.
func (t *Tracker) CancelTimeout() {
	t.mu.Lock()
	wasWarn := t.warn
	t.warn = false
	t.lastActivity = t.cfg.Now()
	cb := t.cfg.OnWarn
	t.mu.Unlock()

	if wasWarn && cb != nil {
		cb(false)
	}
}

// Warn reports whether the idle warning is currently raised.
func (t *Tracker) Warn() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.warn
}

func (t *Tracker) loop(ctx context.Context, stopCh chan struct{}) {
	tick, cancel := t.cfg.NewTicker(t.cfg.CheckInterval)
	defer cancel()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-tick:
			t.check(ctx)
		}
	}
}

func (t *Tracker) check(ctx context.Context) {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	idle := t.cfg.Now().Sub(t.lastActivity)

	switch {
	case idle >= t.cfg.LogoutAfter:
		if t.loggedOut {
			t.mu.Unlock()
			return
		}
		t.loggedOut = true
		t.mu.Unlock()

		t.Stop()
		// Idle expiry is expected, not exceptional: silent forced
		// logout, no error surface, no retry.
		t.logger.Info("profileauth/idle: idle timeout reached, logging out")
		if _, err := t.session.Logout(ctx, nil); err != nil {
			t.logger.Warn("profileauth/idle: forced logout failed", "error", err)
		}

	case idle >= t.cfg.WarnAfter:
		raise := !t.warn
		t.warn = true
		cb := t.cfg.OnWarn
		t.mu.Unlock()

		if raise && cb != nil {
			cb(true)
		}

	default:
		wasWarn := t.warn
		t.warn = false
		renew := t.tokenExpiring
		t.tokenExpiring = false
		cb := t.cfg.OnWarn
		t.mu.Unlock()

		if wasWarn && cb != nil {
			cb(false)
		}
		if renew {
			// Deferred renewal: the token-expiring event fired while
			// the user was idle, and activity has now resumed.
			if err := t.session.RenewTokens(ctx); err != nil {
				t.logger.Warn("profileauth/idle: deferred renewal failed", "error", err)
			}
		}
	}
}

func (t *Tracker) onTokenExpiring() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	idle := t.cfg.Now().Sub(t.lastActivity)
	if idle < t.cfg.WarnAfter {
		t.mu.Unlock()
		go func() {
			if err := t.session.RenewTokens(context.Background()); err != nil {
				t.logger.Warn("profileauth/idle: renewal failed", "error", err)
			}
		}()
		return
	}
	t.tokenExpiring = true
	t.mu.Unlock()
}
