// Package sessionpoll re-validates an OIDC session by periodically
// probing the provider's userinfo endpoint with the current access
// token. A 401 or 403 answer means the session has been ended on the
// provider side and triggers the unauthorized callback.
package sessionpoll

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/City-of-Helsinki/profile-auth-go/poll"
)

// Config configures a Poller.
type Config struct {
	// UserinfoEndpoint resolves the endpoint URL, typically from the
	// provider's discovery metadata. Resolved once per tick so a
	// late-arriving discovery document is picked up.
	UserinfoEndpoint func(ctx context.Context) (string, error)

	// AccessToken returns the current bearer token. Re-read each tick,
	// never cached, because a silent renewal may have replaced it.
	AccessToken func() string

	// ShouldPoll gates each tick; false means skip the probe and keep
	// the timer running.
	ShouldPoll func() bool

	// OnUnauthorized is invoked once when the endpoint answers 401 or
	// 403, after which polling stops.
	OnUnauthorized func()

	// Interval between probes. Default: 1 minute.
	Interval time.Duration

	// HTTPClient overrides the default 10s-timeout client.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Poller periodically checks that the session is still good.
type Poller struct {
	cfg    Config
	logger *slog.Logger
	inner  *poll.Poller
}

// New creates a session poller. It does not poll until Start is called.
func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Poller{cfg: cfg, logger: logger}
	p.inner = poll.New(poll.Config{
		Interval:   cfg.Interval,
		ShouldPoll: cfg.ShouldPoll,
		Probe: func(ctx context.Context) (*http.Response, error) {
			endpoint, err := cfg.UserinfoEndpoint(ctx)
			if err != nil {
				return nil, fmt.Errorf("sessionpoll: resolve userinfo endpoint: %w", err)
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+cfg.AccessToken())
			return httpClient.Do(req)
		},
		OnError: func(status int, err error) poll.ErrorDecision {
			if status == http.StatusUnauthorized || status == http.StatusForbidden {
				logger.Warn("profileauth/sessionpoll: session unauthorized", "status", status)
				if cfg.OnUnauthorized != nil {
					cfg.OnUnauthorized()
				}
				return poll.ErrorDecision{}
			}
			logger.Debug("profileauth/sessionpoll: probe failed, keeping polling",
				"status", status, "error", err)
			return poll.ErrorDecision{KeepPolling: true}
		},
	})
	return p
}

// Start begins polling. Idempotent.
func (p *Poller) Start() { p.inner.Start() }

// Stop ends polling and aborts any in-flight probe; a response arriving
// after Stop is discarded.
func (p *Poller) Stop() { p.inner.Stop() }
