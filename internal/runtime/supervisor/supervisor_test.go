package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRestartStopsOnFatal(t *testing.T) {
	t.Parallel()
	errToken := errors.New("token rejected")
	s := New(context.Background(), WithCancelOnError(true))

	var runs atomic.Int32
	s.GoRestart("worker", func(context.Context) error {
		runs.Add(1)
		return Fatal(fmt.Errorf("send: %w", errToken))
	}, WithRestartBackoff(time.Millisecond, time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-s.Context().Done():
	case <-ctx.Done():
		t.Fatalf("fatal error did not cancel the supervisor")
	}
	if err := s.Wait(ctx); !errors.Is(err, errToken) {
		t.Fatalf("err=%v", err)
	}
	if n := runs.Load(); n != 1 {
		t.Fatalf("runs=%d, fatal error was restarted", n)
	}
}

func TestGoRestartRestartsOrdinaryErrors(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	var runs atomic.Int32
	s.GoRestart("worker", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("flaky")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("err=%v", err)
	}
	if n := runs.Load(); n != 3 {
		t.Fatalf("runs=%d want 3", n)
	}
}

func TestFatal(t *testing.T) {
	t.Parallel()
	if Fatal(nil) != nil {
		t.Fatalf("Fatal(nil) must be nil")
	}
	base := errors.New("x")
	err := fmt.Errorf("wrapped: %w", Fatal(base))
	if !IsFatal(err) || !errors.Is(err, base) {
		t.Fatalf("err=%v", err)
	}
	if IsFatal(base) {
		t.Fatalf("plain error reported fatal")
	}
}
