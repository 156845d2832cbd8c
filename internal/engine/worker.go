package engine

import (
	"context"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"artifactd/internal/eventbus"
	"artifactd/internal/schedule"
	logx "artifactd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	// Per-worker RNG keeps retry jitter free of global lock contention.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, stopCh, qt, rng)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	defer qt.state.release()

	s.log.Debug("run started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.EventRunStarted, start, qt.task, 0, "")

	var err error
	attempts := 0
	maxAttempts := 1 + cfg.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if qt.task.OnAttempt != nil {
			qt.task.OnAttempt(attempt)
		}

		runCtx := ctx
		var cancel func()
		if qt.task.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, qt.task.Timeout)
		}
		// Panic guard: one bad producer must not take down a worker.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = schedule.MarkPermanent(errors.Newf("panic: %v", r))
					s.log.Error("run panic",
						logx.String("task", qt.task.Name),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			err = qt.task.Run(runCtx)
		}()
		if cancel != nil {
			cancel()
		}
		if err == nil {
			break
		}
		if !schedule.Retryable(err) || attempt >= maxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt, rng)
		s.log.Debug("run retry scheduled",
			logx.String("task", qt.task.Name),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			if !tmr.Stop() {
				<-tmr.C
			}
			err = errors.Mark(ErrStopped, context.Canceled)
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{
		ID: qt.task.ID, Name: qt.task.Name,
		Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts,
	}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("run failed",
			logx.String("task", qt.task.Name),
			logx.Err(err),
			logx.String("kind", string(schedule.ClassifyError(err))),
			logx.Duration("dur", dur),
			logx.Int("attempts", attempts))
		s.publish(eventbus.EventRunFailed, time.Now(), qt.task, attempts, item.Error)
	} else {
		s.log.Info("run completed",
			logx.String("task", qt.task.Name),
			logx.Duration("queue_delay", queueDelay),
			logx.Duration("dur", dur),
			logx.Int("attempts", attempts))
		s.publish(eventbus.EventRunCompleted, time.Now(), qt.task, attempts, "")
	}
	s.recordHistory(item)

	if qt.task.OnFinish != nil {
		qt.task.OnFinish(Result{
			Started:    start,
			QueueDelay: queueDelay,
			Duration:   dur,
			Attempts:   attempts,
			Err:        err,
		})
	}
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if cfg.RetryJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
