package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestGoRecoversPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(context.Background())
	s.Go0("boom", func(ctx context.Context) { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Stop(ctx)
	if err == nil {
		t.Fatal("expected first error from panic")
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Panics != 1 {
		t.Fatalf("unexpected stats: %+v", snap)
	}
}

func TestCancelOnError(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(context.Background(), WithCancelOnError(true))
	s.Go("fails", func(ctx context.Context) error { return errors.New("bad") })
	s.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after error")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil || err.Error() != "fails: bad" {
		t.Fatalf("Wait err = %v", err)
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(context.Background())
	var runs atomic.Int32
	done := make(chan struct{})
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("restart loop did not reach success")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.Stop(ctx)

	var flaky Stats
	for _, st := range s.Snapshot() {
		if st.Name == "flaky" {
			flaky = st
		}
	}
	if flaky.Restarts != 2 {
		t.Fatalf("restarts = %d, want 2", flaky.Restarts)
	}
}
