package poll_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/City-of-Helsinki/profile-auth-go/poll"
)

// newFlakyServer fails the first failures requests with 503, then
// answers 200.
func newFlakyServer(t *testing.T, failures int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if int(calls.Add(1)) <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func TestRetry_ImmediateSuccessSkipsPolling(t *testing.T) {
	var calls atomic.Int32
	server := newFlakyServer(t, 0, &calls)
	defer server.Close()

	start := time.Now()
	resp, err := poll.RetryUntilSuccessful(context.Background(), probeFor(server), poll.RetryConfig{
		Interval:   time.Second,
		MaxRetries: 10,
	})
	if err != nil {
		t.Fatalf("RetryUntilSuccessful() error: %v", err)
	}
	_ = resp.Body.Close()

	if got := calls.Load(); got != 1 {
		t.Errorf("probe calls = %d, want 1", got)
	}
	// The happy path never waits for an interval.
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("happy path took %v, should not wait for the interval", elapsed)
	}
}

func TestRetry_FailuresThenSuccess(t *testing.T) {
	const failures = 3
	var calls atomic.Int32
	server := newFlakyServer(t, failures, &calls)
	defer server.Close()

	resp, err := poll.RetryUntilSuccessful(context.Background(), probeFor(server), poll.RetryConfig{
		Interval:   5 * time.Millisecond,
		MaxRetries: 10,
	})
	if err != nil {
		t.Fatalf("RetryUntilSuccessful() error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if got := calls.Load(); got != failures+1 {
		t.Errorf("probe calls = %d, want %d", got, failures+1)
	}
}

func TestRetry_ExhaustsBudget(t *testing.T) {
	const maxRetries = 4
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := poll.RetryUntilSuccessful(context.Background(), probeFor(server), poll.RetryConfig{
		Interval:   5 * time.Millisecond,
		MaxRetries: maxRetries,
	})
	if !errors.Is(err, poll.ErrMaxRetriesReached) {
		t.Fatalf("error = %v, want ErrMaxRetriesReached", err)
	}

	// One immediate attempt plus maxRetries retries.
	time.Sleep(30 * time.Millisecond)
	if got := calls.Load(); got != maxRetries+1 {
		t.Errorf("probe calls = %d, want %d", got, maxRetries+1)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := poll.RetryUntilSuccessful(ctx, probeFor(server), poll.RetryConfig{
		Interval:   time.Hour, // would block forever without cancellation
		MaxRetries: 10,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

// closeTrackingBody records whether the response body was closed.
type closeTrackingBody struct {
	closed atomic.Bool
}

func (b *closeTrackingBody) Read([]byte) (int, error) { return 0, io.EOF }

func (b *closeTrackingBody) Close() error {
	b.closed.Store(true)
	return nil
}

func TestRetry_SuccessRacingCancellationClosesBody(t *testing.T) {
	body := &closeTrackingBody{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	probe := func(context.Context) (*http.Response, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		// Cancel just before the success lands, so the settled response
		// and the cancellation race each other.
		cancel()
		return &http.Response{StatusCode: http.StatusOK, Body: body}, nil
	}

	resp, err := poll.RetryUntilSuccessful(ctx, probe, poll.RetryConfig{
		Interval:   10 * time.Millisecond,
		MaxRetries: 3,
	})
	switch {
	case err == nil:
		_ = resp.Body.Close()
	case errors.Is(err, context.Canceled):
		// The losing success must have had its body closed internally.
	default:
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !body.closed.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !body.closed.Load() {
		t.Error("response body leaked after cancellation raced the success")
	}
}
