package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		JitterFraction: 0,
	}
}

func TestExecute_SuccessFirstAttempt(t *testing.T) {
	var calls int
	got, err := Execute(context.Background(), fastPolicy(), "test", func(_ context.Context) (int, error) {
		calls++
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 || calls != 1 {
		t.Errorf("got %d after %d calls", got, calls)
	}
}

func TestExecute_RetriesTransient(t *testing.T) {
	var calls int
	got, err := Execute(context.Background(), fastPolicy(), "test", func(_ context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewBackendError("sonar", 503, errors.New("unavailable"))
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("got %q after %d calls", got, calls)
	}
}

func TestExecute_ExhaustsAttempts(t *testing.T) {
	var calls int
	_, err := Execute(context.Background(), fastPolicy(), "test", func(_ context.Context) (int, error) {
		calls++
		return 0, NewBackendError("sonar", 429, errors.New("rate limited"))
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestExecute_PermanentNotRetried(t *testing.T) {
	var calls int
	_, err := Execute(context.Background(), fastPolicy(), "test", func(_ context.Context) (int, error) {
		calls++
		return 0, NewBackendError("sonar", 400, errors.New("bad request"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call for 400, got %d", calls)
	}
}

func TestExecute_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	_, err := Execute(ctx, Policy{MaxAttempts: 5, BaseDelay: 20 * time.Millisecond}, "test", func(_ context.Context) (int, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return 0, NewBackendError("sonar", 503, errors.New("down"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls > 3 {
		t.Errorf("expected retries to stop after cancel, got %d calls", calls)
	}
}

func TestExecute_AttemptTimeout(t *testing.T) {
	p := fastPolicy()
	p.AttemptTimeout = 5 * time.Millisecond

	var calls int
	_, err := Execute(context.Background(), p, "test", func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	// deadline errors are transient, so all attempts should be consumed
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryable_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", NewBackendError("sonar", 429, errors.New("x")), true},
		{"502", NewBackendError("sonar", 502, errors.New("x")), true},
		{"503", NewBackendError("sonar", 503, errors.New("x")), true},
		{"504", NewBackendError("sonar", 504, errors.New("x")), true},
		{"400", NewBackendError("sonar", 400, errors.New("x")), false},
		{"401", NewBackendError("sonar", 401, errors.New("x")), false},
		{"conn reset text", errors.New("read tcp: connection reset by peer"), true},
		{"deadline text", errors.New("context deadline exceeded"), true},
		{"plain", errors.New("boom"), false},
		{"permanent wrap", Permanent(NewBackendError("sonar", 503, errors.New("x"))), false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("%s: Retryable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsPermanent(t *testing.T) {
	if IsPermanent(errors.New("x")) {
		t.Error("plain error should not be permanent")
	}
	if !IsPermanent(Permanent(errors.New("x"))) {
		t.Error("wrapped error should be permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
