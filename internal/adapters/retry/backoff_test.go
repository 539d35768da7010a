package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"
)

func fastConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxRetries:      2,
		Multiplier:      2.0,
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"connection refused", &net.OpError{Err: syscall.ECONNREFUSED}, true},
		{"connection reset", &net.OpError{Err: syscall.ECONNRESET}, true},
		{"broken pipe", &net.OpError{Err: syscall.EPIPE}, true},
		{"nxdomain", &net.DNSError{IsNotFound: true}, false},
		{"dns timeout", &net.DNSError{IsTimeout: true}, true},
		{"generic error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.want {
				t.Errorf("IsRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	retryable := []int{http.StatusTooManyRequests, http.StatusRequestTimeout, 500, 502, 503, 599}
	for _, status := range retryable {
		if !IsRetryableHTTPStatus(status) {
			t.Errorf("IsRetryableHTTPStatus(%d) = false, want true", status)
		}
	}

	final := []int{200, 201, 301, 400, 401, 403, 404, 409, 422}
	for _, status := range final {
		if IsRetryableHTTPStatus(status) {
			t.Errorf("IsRetryableHTTPStatus(%d) = true, want false", status)
		}
	}
}

func TestWithBackoffHTTPSucceedsFirstTry(t *testing.T) {
	attempts := 0
	err := WithBackoffHTTP(context.Background(), fastConfig(), func() (int, error) {
		attempts++
		return http.StatusOK, nil
	})
	if err != nil {
		t.Fatalf("WithBackoffHTTP() error = %v, want nil", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestWithBackoffHTTPRetriesTransientStatus(t *testing.T) {
	attempts := 0
	err := WithBackoffHTTP(context.Background(), fastConfig(), func() (int, error) {
		attempts++
		if attempts < 3 {
			return http.StatusServiceUnavailable, nil
		}
		return http.StatusOK, nil
	})
	if err != nil {
		t.Fatalf("WithBackoffHTTP() error = %v, want nil", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestWithBackoffHTTPStopsOnClientError(t *testing.T) {
	attempts := 0
	err := WithBackoffHTTP(context.Background(), fastConfig(), func() (int, error) {
		attempts++
		return http.StatusBadRequest, nil
	})
	if err == nil {
		t.Fatal("WithBackoffHTTP() error = nil, want non-nil")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestWithBackoffHTTPRetriesConnectionErrors(t *testing.T) {
	attempts := 0
	err := WithBackoffHTTP(context.Background(), fastConfig(), func() (int, error) {
		attempts++
		if attempts == 1 {
			return 0, &net.OpError{Err: syscall.ECONNREFUSED}
		}
		return http.StatusOK, nil
	})
	if err != nil {
		t.Fatalf("WithBackoffHTTP() error = %v, want nil", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestWithBackoffHTTPExhaustsBudget(t *testing.T) {
	cfg := fastConfig()
	attempts := 0
	err := WithBackoffHTTP(context.Background(), cfg, func() (int, error) {
		attempts++
		return http.StatusBadGateway, nil
	})
	if err == nil {
		t.Fatal("WithBackoffHTTP() error = nil, want non-nil")
	}
	if want := cfg.MaxRetries + 1; attempts != want {
		t.Errorf("attempts = %d, want %d", attempts, want)
	}
}

func TestWithBackoffHTTPHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := WithBackoffHTTP(ctx, BackoffConfig{
		InitialInterval: time.Hour,
		MaxInterval:     time.Hour,
		MaxRetries:      3,
		Multiplier:      2.0,
	}, func() (int, error) {
		attempts++
		cancel()
		return http.StatusServiceUnavailable, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("WithBackoffHTTP() error = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}
