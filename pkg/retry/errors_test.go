package retry

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

func TestNoRetryWrapping(t *testing.T) {
	t.Parallel()
	if NoRetry(nil) != nil {
		t.Fatalf("NoRetry(nil) != nil")
	}
	err := fmt.Errorf("fetch: %w", NoRetry(io.ErrUnexpectedEOF))
	if !IsNoRetry(err) {
		t.Fatalf("IsNoRetry(%v) = false, want true", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("errors.Is(%v, io.ErrUnexpectedEOF) = false", err)
	}
	if IsNoRetry(io.ErrUnexpectedEOF) {
		t.Fatalf("IsNoRetry on a plain error = true")
	}
}

func TestRetryAfterWrapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{name: "positive", in: 2 * time.Second, want: 2 * time.Second},
		{name: "zero", in: 0, want: 0},
		{name: "negative clamps", in: -time.Second, want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := fmt.Errorf("upload: %w", RetryAfter(io.EOF, tt.in))
			var ra RetryAfterError
			if !errors.As(err, &ra) {
				t.Fatalf("errors.As(%v, RetryAfterError) = false", err)
			}
			if got := ra.RetryAfter(); got != tt.want {
				t.Fatalf("RetryAfter() = %v, want %v", got, tt.want)
			}
			if !errors.Is(err, io.EOF) {
				t.Fatalf("errors.Is(%v, io.EOF) = false", err)
			}
		})
	}
	if RetryAfter(nil, time.Second) != nil {
		t.Fatalf("RetryAfter(nil) != nil")
	}
}
