package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(n int) *Config {
	return &Config{MaxAttempts: n, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func TestDoWithContext_SucceedsAfterRetry(t *testing.T) {
	calls := 0
	err := DoWithContext(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("blip")
		}
		return nil
	}, fastConfig(3), nil)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDoWithContext_GivesUp(t *testing.T) {
	base := errors.New("down")
	calls := 0
	err := DoWithContext(context.Background(), func(ctx context.Context) error {
		calls++
		return base
	}, fastConfig(3), nil)
	if !errors.Is(err, base) {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoWithContext_NonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := DoWithContext(context.Background(), func(ctx context.Context) error {
		calls++
		return fatal
	}, fastConfig(5), func(err error) bool { return !errors.Is(err, fatal) })
	if !errors.Is(err, fatal) || calls != 1 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}
}

func TestDoWithContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := DoWithContext(ctx, func(ctx context.Context) error { return nil }, fastConfig(3), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestConfig_BackOff(t *testing.T) {
	b := (&Config{InitialDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2}).BackOff()
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("interval %d = %v, want %v", i, got, w)
		}
	}
	if b.MaxElapsedTime != 0 {
		t.Errorf("MaxElapsedTime = %v, want unbounded", b.MaxElapsedTime)
	}
}

func TestDoWithContext_CancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blip := errors.New("blip")
	calls := 0
	err := DoWithContext(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return blip
	}, &Config{MaxAttempts: 5, InitialDelay: time.Second}, nil)
	if !errors.Is(err, blip) {
		t.Errorf("err = %v, want last operation error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
