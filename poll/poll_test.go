package poll_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/City-of-Helsinki/profile-auth-go/poll"
)

func newStatusServer(t *testing.T, status *atomic.Int32, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestPoller_InvokesProbeEachInterval(t *testing.T) {
	var status, calls atomic.Int32
	status.Store(http.StatusOK)
	server := newStatusServer(t, &status, &calls)
	defer server.Close()

	p := poll.New(poll.Config{
		Interval: 10 * time.Millisecond,
		Probe:    probeFor(server),
	})
	p.Start()
	defer p.Stop()

	if !waitFor(t, time.Second, func() bool { return calls.Load() >= 3 }) {
		t.Fatalf("probe calls = %d, want >= 3", calls.Load())
	}
}

func TestPoller_StartIsIdempotent(t *testing.T) {
	var inflight, maxInflight, calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		n := inflight.Add(1)
		if n > maxInflight.Load() {
			maxInflight.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := poll.New(poll.Config{
		Interval: 5 * time.Millisecond,
		Probe:    probeFor(server),
	})
	p.Start()
	p.Start()
	p.Start()
	defer p.Stop()

	waitFor(t, 200*time.Millisecond, func() bool { return calls.Load() >= 5 })
	if got := maxInflight.Load(); got > 1 {
		t.Errorf("max concurrent probes = %d, want 1", got)
	}
}

func TestPoller_StopPreventsFurtherProbes(t *testing.T) {
	var status, calls atomic.Int32
	status.Store(http.StatusOK)
	server := newStatusServer(t, &status, &calls)
	defer server.Close()

	p := poll.New(poll.Config{
		Interval: 5 * time.Millisecond,
		Probe:    probeFor(server),
	})
	p.Start()
	waitFor(t, time.Second, func() bool { return calls.Load() >= 1 })
	p.Stop()
	p.Stop() // repeated stops are harmless

	settled := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != settled {
		t.Errorf("probe calls after Stop() = %d, want %d", got, settled)
	}
}

func TestPoller_StopDuringInFlightDiscardsResult(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	var onErrorCalls, onSuccessCalls atomic.Int32
	p := poll.New(poll.Config{
		Interval: 5 * time.Millisecond,
		Probe:    probeFor(server),
		OnSuccess: func(resp *http.Response) {
			onSuccessCalls.Add(1)
			_ = resp.Body.Close()
		},
		OnError: func(status int, err error) poll.ErrorDecision {
			onErrorCalls.Add(1)
			return poll.ErrorDecision{KeepPolling: true}
		},
	})
	p.Start()

	<-entered
	p.Stop()
	close(release)

	time.Sleep(50 * time.Millisecond)
	if got := onErrorCalls.Load(); got != 0 {
		t.Errorf("OnError calls after mid-flight Stop() = %d, want 0", got)
	}
	if got := onSuccessCalls.Load(); got != 0 {
		t.Errorf("OnSuccess calls after mid-flight Stop() = %d, want 0", got)
	}
}

func TestPoller_ShouldPollFalseSkipsProbe(t *testing.T) {
	var status, calls atomic.Int32
	status.Store(http.StatusOK)
	server := newStatusServer(t, &status, &calls)
	defer server.Close()

	var active atomic.Bool
	p := poll.New(poll.Config{
		Interval:   5 * time.Millisecond,
		Probe:      probeFor(server),
		ShouldPoll: func() bool { return active.Load() },
	})
	p.Start()
	defer p.Stop()

	time.Sleep(40 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Fatalf("probe calls while shouldPoll is false = %d, want 0", got)
	}

	// The timer kept ticking; flipping the predicate resumes probing
	// without another Start().
	active.Store(true)
	if !waitFor(t, time.Second, func() bool { return calls.Load() >= 1 }) {
		t.Fatal("probe never resumed after shouldPoll turned true")
	}
}

func TestPoller_OnErrorControlsContinuation(t *testing.T) {
	var status, calls atomic.Int32
	status.Store(http.StatusInternalServerError)
	server := newStatusServer(t, &status, &calls)
	defer server.Close()

	var errors atomic.Int32
	p := poll.New(poll.Config{
		Interval: 5 * time.Millisecond,
		Probe:    probeFor(server),
		OnError: func(status int, err error) poll.ErrorDecision {
			return poll.ErrorDecision{KeepPolling: errors.Add(1) < 3}
		},
	})
	p.Start()
	defer p.Stop()

	waitFor(t, time.Second, func() bool { return errors.Load() >= 3 })
	time.Sleep(40 * time.Millisecond)
	if got := errors.Load(); got != 3 {
		t.Errorf("OnError calls = %d, want exactly 3 (polling vetoed)", got)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("probe calls = %d, want exactly 3", got)
	}
}

func probeFor(server *httptest.Server) poll.Probe {
	return func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
		if err != nil {
			return nil, err
		}
		return http.DefaultClient.Do(req)
	}
}
