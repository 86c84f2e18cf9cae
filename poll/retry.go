package poll

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"
)

// Retry defaults.
const (
	DefaultRetryInterval = time.Second
	DefaultMaxRetries    = 10
)

// ErrMaxRetriesReached is returned by RetryUntilSuccessful once the
// retry budget is exhausted.
var ErrMaxRetriesReached = errors.New("poll: max retries reached")

// RetryConfig bounds a RetryUntilSuccessful run. Retries stop by count,
// not by elapsed time.
type RetryConfig struct {
	// Interval between retries. Default: 1s.
	Interval time.Duration

	// MaxRetries is the number of retries after the immediate first
	// attempt, so a run makes at most MaxRetries+1 attempts.
	// Default: 10.
	MaxRetries int
}

// RetryUntilSuccessful invokes probe immediately and, on failure, keeps
// retrying on an interval until a 200 response arrives or the retry
// budget runs out. The happy path never constructs a poller; the retry
// path always stops its poller before returning, success or failure.
//
// The returned response's body is owned by the caller. Cancelling ctx
// aborts the run with ctx.Err().
func RetryUntilSuccessful(ctx context.Context, probe Probe, cfg RetryConfig) (*http.Response, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRetryInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	resp, err := probe(ctx)
	if err == nil && resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	if err == nil {
		_ = resp.Body.Close()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var remaining atomic.Int64
	remaining.Store(int64(cfg.MaxRetries))

	type result struct {
		resp *http.Response
		err  error
	}
	var settled atomic.Bool
	done := make(chan result, 1)
	settle := func(r result) {
		settled.Store(true)
		select {
		case done <- r:
		default:
		}
	}
	// drain closes the body of a result nobody will claim. Used on both
	// sides of the cancellation race: a success that settled just as ctx
	// was cancelled must not leak its response body.
	drain := func() {
		select {
		case r := <-done:
			if r.resp != nil {
				_ = r.resp.Body.Close()
			}
		default:
		}
	}

	p := New(Config{
		Context:  ctx,
		Probe:    probe,
		Interval: cfg.Interval,
		ShouldPoll: func() bool {
			return !settled.Load() && remaining.Load() > 0
		},
		OnSuccess: func(resp *http.Response) {
			settle(result{resp: resp})
			if ctx.Err() != nil {
				drain()
			}
		},
		OnError: func(status int, err error) ErrorDecision {
			if remaining.Add(-1) <= 0 {
				settle(result{err: ErrMaxRetriesReached})
				return ErrorDecision{}
			}
			return ErrorDecision{KeepPolling: true}
		},
	})
	p.Start()
	defer p.Stop()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		p.Stop()
		drain()
		return nil, ctx.Err()
	}
}
