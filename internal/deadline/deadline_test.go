package deadline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func slow(d time.Duration, v string) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		select {
		case <-time.After(d):
			return v, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func TestWithTimeout(t *testing.T) {
	v, err := WithTimeout(context.Background(), time.Second, slow(0, "fast"))
	if err != nil || v != "fast" {
		t.Fatalf("v = %q, err = %v", v, err)
	}

	_, err = WithTimeout(context.Background(), 10*time.Millisecond, slow(time.Second, "slow"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestWithTimeoutPropagatesError(t *testing.T) {
	want := fmt.Errorf("boom")
	_, err := WithTimeout(context.Background(), time.Second, func(context.Context) (int, error) {
		return 0, want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v", err)
	}
}

func TestWithTimeoutGraceful(t *testing.T) {
	v, ok := WithTimeoutGraceful(context.Background(), time.Second, slow(0, "fast"))
	if !ok || v != "fast" {
		t.Fatalf("v = %q, ok = %v", v, ok)
	}

	v, ok = WithTimeoutGraceful(context.Background(), 10*time.Millisecond, slow(time.Second, "slow"))
	if ok || v != "" {
		t.Fatalf("v = %q, ok = %v", v, ok)
	}
}

func TestWithTimeoutFallback(t *testing.T) {
	v := WithTimeoutFallback(context.Background(), 10*time.Millisecond, slow(time.Second, "slow"),
		func() string { return "default" })
	if v != "default" {
		t.Fatalf("v = %q", v)
	}

	v = WithTimeoutFallback(context.Background(), time.Second, slow(0, "fast"),
		func() string { return "default" })
	if v != "fast" {
		t.Fatalf("v = %q", v)
	}
}

func TestWithTimeoutSilent(t *testing.T) {
	ran := make(chan struct{})
	WithTimeoutSilent(context.Background(), time.Second, func(context.Context) error {
		close(ran)
		return nil
	})
	select {
	case <-ran:
	default:
		t.Fatal("fn did not run")
	}

	// Must not panic or block on failure.
	WithTimeoutSilent(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
}
