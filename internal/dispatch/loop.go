package dispatch

import (
	"context"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"artifactd/internal/engine"
	"artifactd/internal/eventbus"
	"artifactd/internal/producer"
	rtsup "artifactd/internal/runtime/supervisor"
	"artifactd/internal/schedule"
	"artifactd/internal/store"
	logx "artifactd/pkg/logx"
)

// Start launches the tick and sweep loops.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.WithoutCancel(ctx))

	// Runs stranded by a previous process would otherwise sit in
	// queued/processing forever.
	if n, err := s.store.FailStaleRuns(ctx, s.now()); err != nil {
		s.log.Warn("stale run repair failed", logx.Err(err))
	} else if n > 0 {
		s.log.Info("stale runs failed on startup", logx.Int64("count", n))
	}

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "dispatch"))),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("tick", func(c context.Context) error {
		s.tickLoop(c)
		return c.Err()
	})
	s.sup.GoRestart("sweep", func(c context.Context) error {
		s.sweepLoop(c)
		return c.Err()
	})

	s.log.Info("dispatcher started",
		logx.Duration("tick", s.cfg.TickInterval),
		logx.Duration("sweep", s.cfg.SweepInterval),
		logx.String("tz", s.loc.String()))
	return nil
}

// Stop halts the loops; in-flight runs finish under the engine's control.
func (s *Service) Stop(ctx context.Context) {
	if s.baseCancel != nil {
		s.baseCancel()
	}
	if s.sup == nil {
		return
	}
	s.sup.Cancel()
	_ = s.sup.Wait(ctx)
	s.log.Info("dispatcher stopped")
}

func (s *Service) tickLoop(ctx context.Context) {
	tk := time.NewTicker(s.cfg.TickInterval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	now := s.now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.log.Warn("due scan failed", logx.Err(err))
		return
	}
	for _, d := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, d, now, "scheduler")
	}
}

// fire advances the schedule's fire window and launches one run. The
// window moves before execution so a failing run cannot re-fire on the
// next tick; a daemon outage collapses to a single catch-up run.
func (s *Service) fire(ctx context.Context, d *schedule.Definition, now time.Time, actor string) {
	var next *time.Time
	// Computing from now (not the missed fire time) skips the backlog.
	if n, ok := s.advanceFrom(d, now); ok {
		next = &n
	}
	last := now
	if err := s.store.SetFireTimes(ctx, d.ID, &last, next, now); err != nil {
		s.log.Warn("fire window update failed", logx.String("schedule", d.ID), logx.Err(err))
		return
	}
	d.LastFireAt = &last
	d.NextFireAt = next

	if _, err := s.launch(ctx, d, now, actor); err != nil && !errors.Is(err, ErrBusy) {
		s.log.Warn("run launch failed", logx.String("schedule", d.ID), logx.Err(err))
	}
}

// advanceFrom computes the fire after now, treating now as the fire just
// consumed.
func (s *Service) advanceFrom(d *schedule.Definition, now time.Time) (time.Time, bool) {
	cp := *d
	cp.LastFireAt = &now
	return cp.NextFire(s.loc, now)
}

// RunNow triggers an ad-hoc run outside the schedule's recurrence. The
// fire window is untouched; overlap rules still apply.
func (s *Service) RunNow(ctx context.Context, scheduleID, actor string) (*schedule.Run, error) {
	d, err := s.getVisible(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	run, err := s.launch(ctx, d, s.now(), actor)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "run.trigger", scheduleID, run.ID, "")
	return run, nil
}

// launch creates the run record and hands it to the engine.
func (s *Service) launch(ctx context.Context, d *schedule.Definition, now time.Time, actor string) (*schedule.Run, error) {
	if s.engine.Busy(d.ID) {
		s.publishRun(eventbus.EventRunSkipped, &schedule.Run{ScheduleID: d.ID}, "overlap")
		s.log.Debug("run skipped: previous run in flight", logx.String("schedule", d.ID))
		return nil, ErrBusy
	}

	run := &schedule.Run{
		ID:         uuid.NewString(),
		ScheduleID: d.ID,
		LockKey:    d.ID,
		Kind:       d.Kind,
		Format:     d.Format,
		Status:     schedule.RunQueued,
		QueuedAt:   now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.publishRun(eventbus.EventRunQueued, run, "")

	def := *d
	if err := s.submit(ctx, &def, run); err != nil {
		return nil, err
	}
	return run, nil
}

// submit builds the engine task for a run and enqueues it. The queued
// run record is canceled if the engine refuses the task.
func (s *Service) submit(ctx context.Context, def *schedule.Definition, run *schedule.Run) error {
	task := engine.Task{
		ID:      run.ID,
		Name:    string(def.Kind) + "." + def.Name,
		LockKey: run.LockKey,
		Timeout: s.timeoutFor(def.Kind),
		Run:     s.buildJob(def, run),
		OnAttempt: func(attempt int) {
			bctx, cancel := context.WithTimeout(s.baseCtx, 5*time.Second)
			defer cancel()
			if err := s.store.BumpRunAttempts(bctx, run.ID); err != nil {
				s.log.Warn("attempt count update failed", logx.String("run", run.ID), logx.Err(err))
			}
		},
		OnFinish: func(res engine.Result) {
			s.finishRun(def, run, res)
		},
	}

	if err := s.engine.Submit(ctx, task); err != nil {
		// The run record must not dangle in queued.
		bctx, cancel := context.WithTimeout(s.baseCtx, 5*time.Second)
		defer cancel()
		if cerr := s.store.CancelQueuedRun(bctx, run.ID, s.now()); cerr != nil {
			s.log.Warn("queued run cleanup failed", logx.String("run", run.ID), logx.Err(cerr))
		}
		if errors.Is(err, engine.ErrOverlapSkip) {
			return ErrBusy
		}
		return err
	}
	return nil
}

// buildJob returns the closure the engine executes. The artifact pointer
// is shared with finishRun through the run's captured scope.
func (s *Service) buildJob(d *schedule.Definition, run *schedule.Run) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		jctx, cancel := context.WithCancel(ctx)
		defer cancel()
		s.registerCancel(run.ID, cancel)
		defer s.unregisterCancel(run.ID)

		if err := s.claimRun(jctx, run.ID); err != nil {
			return err
		}

		p, err := s.producers.Get(d.Kind)
		if err != nil {
			return err
		}

		since, err := s.lastSuccess(jctx, d.ID)
		if err != nil {
			s.log.Warn("last success lookup failed", logx.String("schedule", d.ID), logx.Err(err))
		}
		req := producer.Request{
			Schedule: d,
			RunID:    run.ID,
			Format:   d.Format,
			Params:   d.Params,
			Since:    since,
			Now:      s.now(),
		}

		art, err := s.artifacts.Store(jctx, d, run, func(w io.Writer) error {
			return p.Produce(jctx, req, w)
		}, s.now())
		if err != nil {
			return err
		}
		run.ArtifactID = art.ID
		return nil
	}
}

// claimRun moves the run from queued to processing before the producer
// starts. CancelRun can mark a run canceled while its task still sits in
// the engine queue; the guarded transition makes that cancel win and the
// producer never executes.
func (s *Service) claimRun(ctx context.Context, runID string) error {
	err := s.store.MarkRunProcessing(ctx, runID, s.now())
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return schedule.MarkTransient(err)
	}
	cur, gerr := s.store.GetRun(ctx, runID)
	if gerr != nil {
		return schedule.MarkTransient(gerr)
	}
	if cur.Status == schedule.RunProcessing {
		// Retry attempt; the first attempt already claimed the run.
		return nil
	}
	return schedule.MarkCanceled(errors.Newf("run %s canceled while queued", runID))
}

func (s *Service) finishRun(d *schedule.Definition, run *schedule.Run, res engine.Result) {
	now := s.now()
	run.Attempts = res.Attempts
	run.FinishedAt = &now

	switch {
	case res.Err == nil:
		run.Status = schedule.RunCompleted
		run.ErrorKind = ""
		run.Error = ""
	case schedule.ClassifyError(res.Err) == schedule.ErrKindCanceled:
		run.Status = schedule.RunCanceled
		run.ErrorKind = schedule.ErrKindCanceled
		run.Error = res.Err.Error()
	default:
		run.Status = schedule.RunFailed
		run.ErrorKind = schedule.ClassifyError(res.Err)
		run.Error = res.Err.Error()
	}

	bctx, cancel := context.WithTimeout(s.baseCtx, 10*time.Second)
	defer cancel()
	if err := s.store.FinishRun(bctx, run); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("run finish write failed", logx.String("run", run.ID), logx.Err(err))
	}

	switch run.Status {
	case schedule.RunCompleted:
		s.publishRun(eventbus.EventRunCompleted, run, "")
		s.startDelivery(d, run)
	case schedule.RunCanceled:
		s.publishRun(eventbus.EventRunCanceled, run, run.Error)
	default:
		s.publishRun(eventbus.EventRunFailed, run, run.Error)
	}
}

// startDelivery fans out asynchronously so a slow target cannot hold an
// engine worker.
func (s *Service) startDelivery(d *schedule.Definition, run *schedule.Run) {
	if s.delivery == nil || len(d.Targets) == 0 || run.ArtifactID == "" {
		return
	}
	go func() {
		art, err := s.artifacts.Get(s.baseCtx, run.ArtifactID, s.now())
		if err != nil {
			s.log.Warn("artifact lookup for delivery failed",
				logx.String("run", run.ID), logx.Err(err))
			return
		}
		open := func() (io.ReadCloser, error) {
			_, rc, err := s.artifacts.Open(s.baseCtx, run.ArtifactID, s.now())
			return rc, err
		}
		s.delivery.Deliver(s.baseCtx, d, run, art, open)
	}()
}

// CancelRun cancels a queued or processing run. Cancellation of a
// processing run is cooperative through its context.
func (s *Service) CancelRun(ctx context.Context, runID, actor string) (*schedule.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, ErrNotCancelable
	}

	if run.Status == schedule.RunQueued {
		if err := s.store.CancelQueuedRun(ctx, runID, s.now()); err == nil {
			run.Status = schedule.RunCanceled
			s.publishRun(eventbus.EventRunCanceled, run, "canceled before start")
			s.audit(ctx, actor, "run.cancel", run.ScheduleID, runID, "")
			return run, nil
		}
		// Fell through to processing between read and update.
	}

	s.cancelMu.Lock()
	cancel := s.cancels[runID]
	s.cancelMu.Unlock()
	if cancel == nil {
		return nil, ErrNotCancelable
	}
	cancel()
	s.audit(ctx, actor, "run.cancel", run.ScheduleID, runID, "")
	s.log.Info("run cancel requested", logx.String("run", runID))
	return run, nil
}

func (s *Service) registerCancel(runID string, cancel context.CancelFunc) {
	s.cancelMu.Lock()
	s.cancels[runID] = cancel
	s.cancelMu.Unlock()
}

func (s *Service) unregisterCancel(runID string) {
	s.cancelMu.Lock()
	delete(s.cancels, runID)
	s.cancelMu.Unlock()
}

// lastSuccess returns the finish time of the schedule's most recent
// completed run, for incremental producers.
func (s *Service) lastSuccess(ctx context.Context, scheduleID string) (*time.Time, error) {
	if scheduleID == "" {
		return nil, nil
	}
	runs, err := s.store.ListRuns(ctx, store.RunFilter{
		ScheduleID: scheduleID,
		Status:     schedule.RunCompleted,
		Limit:      1,
	})
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0].FinishedAt, nil
}

func (s *Service) sweepLoop(ctx context.Context) {
	tk := time.NewTicker(s.cfg.SweepInterval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			now := s.now()
			if n, err := s.artifacts.SweepExpired(ctx, now); err != nil {
				s.log.Warn("artifact sweep failed", logx.Err(err))
			} else if n > 0 && s.bus != nil {
				s.bus.Publish(eventbus.Event{
					Type: eventbus.EventArtifactExpired, Time: now,
					Data: map[string]any{"count": n},
				})
			}
			if n, err := s.store.PruneRuns(ctx, now.Add(-s.cfg.RunRetention)); err != nil {
				s.log.Warn("run prune failed", logx.Err(err))
			} else if n > 0 {
				s.log.Debug("runs pruned", logx.Int64("count", n))
			}
		}
	}
}

func (s *Service) publishRun(typ string, run *schedule.Run, note string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: map[string]any{
		"run_id":      run.ID,
		"schedule_id": run.ScheduleID,
		"status":      string(run.Status),
		"note":        note,
	}})
}
