package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	t.Parallel()
	p := Policy{Base: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Jitter: -1}.WithDefaults()
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{retry: 1, want: 100 * time.Millisecond},
		{retry: 2, want: 200 * time.Millisecond},
		{retry: 3, want: 400 * time.Millisecond},
		{retry: 4, want: 500 * time.Millisecond},
		{retry: 10, want: 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := backoffDelay(p, tt.retry, nil); got != tt.want {
			t.Fatalf("backoffDelay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	t.Parallel()
	p := Policy{Base: time.Second, MaxDelay: 10 * time.Second, Jitter: 0.2}.WithDefaults()
	if got := backoffDelay(p, 1, func() float64 { return 0 }); got != 800*time.Millisecond {
		t.Fatalf("low jitter = %v, want 800ms", got)
	}
	if got := backoffDelay(p, 1, func() float64 { return 1 }); got != 1200*time.Millisecond {
		t.Fatalf("high jitter = %v, want 1.2s", got)
	}
}

func TestDelayHonorsRetryAfter(t *testing.T) {
	t.Parallel()
	p := Policy{MaxDelay: time.Second, Jitter: -1}.WithDefaults()
	err := RetryAfter(errors.New("busy"), 700*time.Millisecond)
	if got := delayWithHint(p, 1, err, nil); got != 700*time.Millisecond {
		t.Fatalf("delay = %v, want 700ms", got)
	}
	err = RetryAfter(errors.New("busy"), time.Minute)
	if got := delayWithHint(p, 1, err, nil); got != time.Second {
		t.Fatalf("delay = %v, want cap 1s", got)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	calls := 0
	var retried []int
	p := Policy{MaxRetries: 3, Base: time.Millisecond, Jitter: -1, OnRetry: func(attempt int, _ time.Duration, _ error) {
		retried = append(retried, attempt)
	}}
	attempts, err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do error: %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("attempts = %d calls = %d, want 3", attempts, calls)
	}
	if len(retried) != 2 {
		t.Fatalf("OnRetry calls = %v, want 2", retried)
	}
}

func TestDoStopsAfterBudget(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	attempts, err := Do(context.Background(), Policy{MaxRetries: 2, Base: time.Millisecond, Jitter: -1}, func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDoNoRetry(t *testing.T) {
	t.Parallel()
	boom := errors.New("bad request")
	attempts, err := Do(context.Background(), Policy{Base: time.Millisecond}, func(context.Context) error {
		return NoRetry(boom)
	})
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	if !errors.Is(err, boom) || IsNoRetry(err) {
		t.Fatalf("err = %v, want unwrapped %v", err, boom)
	}
}

func TestDoDisabledRetries(t *testing.T) {
	t.Parallel()
	attempts, _ := Do(context.Background(), Policy{MaxRetries: -1}, func(context.Context) error {
		return errors.New("x")
	})
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	start := time.Now()
	_, err := Do(ctx, Policy{MaxRetries: 5, Base: time.Hour, MaxDelay: time.Hour, Jitter: -1}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("down")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Do slept through cancellation")
	}
}

func TestWithDefaultsIsIdempotent(t *testing.T) {
	t.Parallel()
	tests := []Policy{
		{},
		{MaxRetries: -1, Jitter: -1},
		{MaxRetries: 5, Base: time.Second, MaxDelay: time.Millisecond, Jitter: 3},
	}
	for _, in := range tests {
		once := in.WithDefaults()
		twice := once.WithDefaults()
		if once.MaxRetries != twice.MaxRetries || once.Base != twice.Base || once.MaxDelay != twice.MaxDelay || once.Jitter != twice.Jitter {
			t.Fatalf("WithDefaults(%+v) = %+v, then %+v", in, once, twice)
		}
	}
	if p := (Policy{MaxRetries: -1}).WithDefaults().WithDefaults(); p.MaxRetries >= 0 {
		t.Fatalf("MaxRetries = %d, want retries to stay disabled", p.MaxRetries)
	}
}
