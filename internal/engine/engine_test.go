package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"artifactd/internal/schedule"
	logx "artifactd/pkg/logx"
)

func newTestEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 5 * time.Millisecond
	}
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task result")
		return Result{}
	}
}

func TestSubmitRunsTask(t *testing.T) {
	s := newTestEngine(t, Config{Workers: 2})
	done := make(chan Result, 1)

	err := s.Submit(context.Background(), Task{
		Name:     "noop",
		Run:      func(ctx context.Context) error { return nil },
		OnFinish: func(res Result) { done <- res },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := waitResult(t, done)
	if res.Err != nil {
		t.Fatalf("task err = %v", res.Err)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", res.Attempts)
	}
}

func TestRetriesTransientOnly(t *testing.T) {
	s := newTestEngine(t, Config{Workers: 1, RetryMax: 3})

	t.Run("transient recovers", func(t *testing.T) {
		var calls atomic.Int32
		done := make(chan Result, 1)
		err := s.Submit(context.Background(), Task{
			Name: "flaky",
			Run: func(ctx context.Context) error {
				if calls.Add(1) < 3 {
					return schedule.MarkTransient(errors.New("connection reset"))
				}
				return nil
			},
			OnFinish: func(res Result) { done <- res },
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		res := waitResult(t, done)
		if res.Err != nil {
			t.Fatalf("task err = %v", res.Err)
		}
		if res.Attempts != 3 {
			t.Fatalf("attempts = %d, want 3", res.Attempts)
		}
	})

	t.Run("permanent fails fast", func(t *testing.T) {
		var calls atomic.Int32
		done := make(chan Result, 1)
		err := s.Submit(context.Background(), Task{
			Name: "broken",
			Run: func(ctx context.Context) error {
				calls.Add(1)
				return schedule.MarkPermanent(errors.New("bad params"))
			},
			OnFinish: func(res Result) { done <- res },
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		res := waitResult(t, done)
		if res.Err == nil {
			t.Fatal("expected failure")
		}
		if got := calls.Load(); got != 1 {
			t.Fatalf("calls = %d, want 1 (no retries on permanent)", got)
		}
		if kind := schedule.ClassifyError(res.Err); kind != schedule.ErrKindPermanent {
			t.Fatalf("kind = %s, want permanent", kind)
		}
	})
}

func TestTimeoutClassified(t *testing.T) {
	s := newTestEngine(t, Config{Workers: 1})
	done := make(chan Result, 1)

	err := s.Submit(context.Background(), Task{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				return nil
			}
		},
		OnFinish: func(res Result) { done <- res },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := waitResult(t, done)
	if kind := schedule.ClassifyError(res.Err); kind != schedule.ErrKindTimeout {
		t.Fatalf("kind = %s (err=%v), want timeout", kind, res.Err)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (timeouts are not retried)", res.Attempts)
	}
}

func TestOverlapSkip(t *testing.T) {
	s := newTestEngine(t, Config{Workers: 2})

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan Result, 1)
	err := s.Submit(context.Background(), Task{
		Name:    "long",
		LockKey: "sch-1",
		Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
		OnFinish: func(res Result) { done <- res },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	if !s.Busy("sch-1") {
		t.Fatal("lock key should be busy while task runs")
	}
	err = s.Submit(context.Background(), Task{
		Name:    "long",
		LockKey: "sch-1",
		Run:     func(ctx context.Context) error { return nil },
	})
	if !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second submit err = %v, want ErrOverlapSkip", err)
	}

	close(release)
	waitResult(t, done)

	// Lock is released after completion; the key accepts work again.
	deadline := time.Now().Add(2 * time.Second)
	for s.Busy("sch-1") {
		if time.Now().After(deadline) {
			t.Fatal("lock key never released")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPanicGuard(t *testing.T) {
	s := newTestEngine(t, Config{Workers: 1, RetryMax: 2})
	done := make(chan Result, 1)

	err := s.Submit(context.Background(), Task{
		Name:     "panics",
		Run:      func(ctx context.Context) error { panic("boom") },
		OnFinish: func(res Result) { done <- res },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := waitResult(t, done)
	if res.Err == nil {
		t.Fatal("expected panic converted to error")
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (panics are permanent)", res.Attempts)
	}

	// The worker survives and keeps serving.
	done2 := make(chan Result, 1)
	if err := s.Submit(context.Background(), Task{
		Name:     "after",
		Run:      func(ctx context.Context) error { return nil },
		OnFinish: func(res Result) { done2 <- res },
	}); err != nil {
		t.Fatalf("Submit after panic: %v", err)
	}
	if res := waitResult(t, done2); res.Err != nil {
		t.Fatalf("task after panic err = %v", res.Err)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	s := New(Config{Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	err := s.Submit(context.Background(), Task{
		Name: "late",
		Run:  func(ctx context.Context) error { return nil },
	})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}
