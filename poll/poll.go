// Package poll implements the cancellable interval polling the session
// client is built on: a timer-driven retry loop that repeatedly invokes
// an HTTP probe until a continuation predicate says stop or an error
// handler vetoes continuation.
//
// The poller is an explicit four-state machine (idle, armed, in-flight,
// stopped) so the critical race is closed by construction: a Stop that
// lands while a probe is in flight discards the probe's eventual result
// instead of letting it re-arm the timer or fire callbacks.
package poll

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Probe performs one check. On a nil error the response is non-nil and
// ownership of its body passes to the poller.
type Probe func(ctx context.Context) (*http.Response, error)

// ErrorDecision is returned by the error callback to control whether
// polling continues after a failed probe.
type ErrorDecision struct {
	KeepPolling bool
}

// Config configures a Poller.
type Config struct {
	// Probe is invoked once per elapsed interval. Required.
	Probe Probe

	// ShouldPoll gates each tick. When it returns false the tick is a
	// deliberate no-op: the timer re-arms without invoking the probe.
	// Nil means always poll. Must not call back into the poller.
	ShouldPoll func() bool

	// OnSuccess is invoked with a 200 response; it takes ownership of
	// the response body. When nil the body is closed and discarded.
	OnSuccess func(resp *http.Response)

	// OnError is invoked for any non-200 status (with the status) or a
	// transport failure (with status 0 and the error). The timer
	// re-arms only if the decision keeps polling.
	OnError func(status int, err error) ErrorDecision

	// Interval between ticks. Default: 1s.
	Interval time.Duration

	// Context is the parent for probe contexts; Stop cancels the
	// derived context, aborting an in-flight request. Default:
	// context.Background().
	Context context.Context
}

type pollState int

const (
	stateIdle pollState = iota
	stateArmed
	stateInFlight
	stateStopped
)

// Poller is a start/stop controller around a single recurring probe.
// Probe invocations are strictly serialized: a new tick never starts
// while a previous probe is still in flight.
type Poller struct {
	cfg Config

	mu     sync.Mutex
	st     pollState
	gen    uint64 // bumped by Stop; in-flight completions compare against it
	timer  *time.Timer
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a poller. It does not start ticking until Start is called.
func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Poller{cfg: cfg}
}

// Start arms the interval timer. Calling Start while already armed or
// while a probe is in flight is a no-op, so repeated calls never create
// duplicate timers or overlapping probes.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.st == stateArmed || p.st == stateInFlight {
		return
	}
	if p.ctx == nil || p.ctx.Err() != nil {
		parent := p.cfg.Context
		if parent == nil {
			parent = context.Background()
		}
		p.ctx, p.cancel = context.WithCancel(parent)
	}
	p.arm()
}

// Stop cancels the armed timer and invalidates any probe already in
// flight: its eventual result is discarded without callbacks or
// re-arming. Repeated calls are no-ops.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.st = stateStopped
	cancel := p.cancel
	p.cancel = nil
	p.ctx = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// arm schedules the next tick. Caller holds p.mu.
func (p *Poller) arm() {
	p.st = stateArmed
	gen := p.gen
	p.timer = time.AfterFunc(p.cfg.Interval, func() { p.tick(gen) })
}

func (p *Poller) tick(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.st != stateArmed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	// Evaluated outside the lock so the predicate can consult shared
	// state without deadlocking.
	if p.cfg.ShouldPoll != nil && !p.cfg.ShouldPoll() {
		p.mu.Lock()
		if gen == p.gen && p.st == stateArmed {
			p.arm()
		}
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	if gen != p.gen || p.st != stateArmed {
		p.mu.Unlock()
		return
	}
	p.st = stateInFlight
	ctx := p.ctx
	p.mu.Unlock()

	resp, err := p.cfg.Probe(ctx)

	p.mu.Lock()
	discarded := gen != p.gen || p.st != stateInFlight
	p.mu.Unlock()
	if discarded {
		if err == nil {
			_ = resp.Body.Close()
		}
		return
	}

	if err == nil && resp.StatusCode == http.StatusOK {
		if p.cfg.OnSuccess != nil {
			p.cfg.OnSuccess(resp)
		} else {
			_ = resp.Body.Close()
		}
		p.settle(gen, true)
		return
	}

	status := 0
	if err == nil {
		status = resp.StatusCode
		_ = resp.Body.Close()
	}
	keep := false
	if p.cfg.OnError != nil {
		keep = p.cfg.OnError(status, err).KeepPolling
	}
	p.settle(gen, keep)
}

// settle finishes an in-flight tick: re-arm when the loop continues,
// fall back to idle when it does not. A Stop that raced the callback
// wins either way.
func (p *Poller) settle(gen uint64, rearm bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen || p.st != stateInFlight {
		return
	}
	if rearm {
		p.arm()
	} else {
		p.st = stateIdle
	}
}
