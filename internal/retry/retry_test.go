package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"
)

// recordingSleep captures requested waits without sleeping.
type recordingSleep struct {
	waits []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

var errReset = fmt.Errorf("read tcp 10.0.0.1:443: %w", syscall.ECONNRESET)

func TestDo_ExponentialBackoffThenSuccess(t *testing.T) {
	rec := &recordingSleep{}
	calls := 0
	got, err := Do(context.Background(), Policy{
		MaxAttempts: 3,
		Delay:       1000 * time.Millisecond,
		Backoff:     BackoffExponential,
		Sleep:       rec.sleep,
	}, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errReset
		}
		return "req-1", nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got != "req-1" {
		t.Fatalf("expected req-1, got %q", got)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	want := []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}
	if len(rec.waits) != len(want) {
		t.Fatalf("expected %d waits, got %v", len(want), rec.waits)
	}
	for i := range want {
		if rec.waits[i] != want[i] {
			t.Errorf("wait %d: expected %v, got %v", i, want[i], rec.waits[i])
		}
	}
}

func TestDo_LinearBackoff(t *testing.T) {
	rec := &recordingSleep{}
	_, err := Do(context.Background(), Policy{
		MaxAttempts: 4,
		Delay:       100 * time.Millisecond,
		Backoff:     BackoffLinear,
		Sleep:       rec.sleep,
	}, func(context.Context) (int, error) {
		return 0, errors.New("dial tcp: i/o timeout")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	if len(rec.waits) != len(want) {
		t.Fatalf("expected %d waits, got %v", len(want), rec.waits)
	}
	for i := range want {
		if rec.waits[i] != want[i] {
			t.Errorf("wait %d: expected %v, got %v", i, want[i], rec.waits[i])
		}
	}
}

func TestDo_NonRetryableReturnsImmediately(t *testing.T) {
	rec := &recordingSleep{}
	sentinel := errors.New("400 bad request")
	calls := 0
	_, err := Do(context.Background(), Policy{MaxAttempts: 5, Delay: time.Second, Sleep: rec.sleep},
		func(context.Context) (int, error) {
			calls++
			return 0, sentinel
		})
	if err != sentinel {
		t.Fatalf("expected unwrapped sentinel, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if len(rec.waits) != 0 {
		t.Fatalf("expected no waits, got %v", rec.waits)
	}
}

func TestDo_ExhaustedReturnsLastErrorUnwrapped(t *testing.T) {
	rec := &recordingSleep{}
	calls := 0
	err := Run(context.Background(), Policy{MaxAttempts: 3, Delay: time.Millisecond, Sleep: rec.sleep},
		func(context.Context) error {
			calls++
			return errReset
		})
	if err != errReset {
		t.Fatalf("expected the original error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(rec.waits) != 2 {
		t.Fatalf("expected 2 waits, got %d", len(rec.waits))
	}
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	sentinel := errors.New("permanent failure")
	calls := 0
	err := Run(context.Background(), Policy{MaxAttempts: 5, Sleep: (&recordingSleep{}).sleep},
		func(context.Context) error {
			calls++
			return Permanent(errReset)
		})
	if !errors.Is(err, syscall.ECONNRESET) {
		t.Fatalf("expected wrapped ECONNRESET, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if !errors.Is(Permanent(sentinel), sentinel) {
		t.Fatal("Permanent error should unwrap to inner error")
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
}

func TestDoWithPredicate(t *testing.T) {
	custom := errors.New("rate limited")
	rec := &recordingSleep{}
	calls := 0
	_, err := DoWithPredicate(context.Background(), Policy{MaxAttempts: 3, Delay: 10 * time.Millisecond, Sleep: rec.sleep},
		func(err error) bool { return errors.Is(err, custom) },
		func(context.Context) (bool, error) {
			calls++
			if calls == 1 {
				return false, custom
			}
			return true, nil
		})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}

	// The predicate replaces the default list: a reset is no longer retried.
	calls = 0
	_, err = DoWithPredicate(context.Background(), Policy{MaxAttempts: 3, Sleep: rec.sleep},
		func(err error) bool { return errors.Is(err, custom) },
		func(context.Context) (bool, error) {
			calls++
			return false, errReset
		})
	if err != errReset || calls != 1 {
		t.Fatalf("expected single call with reset error, got calls=%d err=%v", calls, err)
	}
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Run(ctx, Policy{MaxAttempts: 10, Delay: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errReset
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ZeroPolicyUsesDefaults(t *testing.T) {
	rec := &recordingSleep{}
	calls := 0
	_ = Run(context.Background(), Policy{Sleep: rec.sleep}, func(context.Context) error {
		calls++
		return errReset
	})
	if calls != DefaultMaxAttempts {
		t.Fatalf("expected %d calls, got %d", DefaultMaxAttempts, calls)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"econnreset errno", errReset, true},
		{"econnrefused errno", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"dns not found", &net.DNSError{Err: "no such host", Name: "oracle.invalid", IsNotFound: true}, true},
		{"message timeout", errors.New("Client.Timeout exceeded while awaiting headers"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"validation", errors.New("claim amount must be positive"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err, DefaultRetryableErrors); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

type codedErr struct{ code string }

func (e codedErr) Error() string { return "upstream failure" }
func (e codedErr) Code() string  { return e.code }

func TestErrorCode(t *testing.T) {
	if got := ErrorCode(codedErr{code: "EAI_AGAIN"}); got != "EAI_AGAIN" {
		t.Fatalf("expected custom code, got %q", got)
	}
	if got := ErrorCode(errReset); got != "ECONNRESET" {
		t.Fatalf("expected ECONNRESET, got %q", got)
	}
	if !IsRetryable(codedErr{code: "EAI_AGAIN"}, []string{"EAI_AGAIN"}) {
		t.Fatal("custom code should match custom list")
	}
}

func TestWait(t *testing.T) {
	exp := Policy{Delay: time.Second, Backoff: BackoffExponential}
	if Wait(exp, 1) != time.Second || Wait(exp, 3) != 4*time.Second {
		t.Fatalf("unexpected exponential waits: %v %v", Wait(exp, 1), Wait(exp, 3))
	}
	lin := Policy{Delay: time.Second, Backoff: BackoffLinear}
	if Wait(lin, 3) != 3*time.Second {
		t.Fatalf("unexpected linear wait: %v", Wait(lin, 3))
	}
	if ParseBackoff("Linear") != BackoffLinear || ParseBackoff("") != BackoffExponential {
		t.Fatal("ParseBackoff mismatch")
	}
}
