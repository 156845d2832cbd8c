package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"artifactd/internal/engine"
	"artifactd/internal/eventbus"
	"artifactd/internal/schedule"
	logx "artifactd/pkg/logx"
)

// AdHocRequest describes a one-off run with no persisted schedule.
type AdHocRequest struct {
	Kind   schedule.JobKind
	Format schedule.Format
	Params json.RawMessage

	// LockKey serializes this run against others sharing the key. Empty
	// means a per-run unique key, so the run never contends.
	LockKey string

	// Retention overrides the default artifact retention when positive.
	Retention time.Duration

	Targets []schedule.Target
}

func (r AdHocRequest) validate() error {
	if !r.Kind.Valid() {
		return errors.Mark(errors.Newf("unknown job kind %q", r.Kind), schedule.ErrInvalidSchedule)
	}
	if !r.Format.Valid() {
		return errors.Mark(errors.Newf("unknown format %q", r.Format), schedule.ErrInvalidSchedule)
	}
	for i, t := range r.Targets {
		if !t.Type.Valid() {
			return errors.Mark(errors.Newf("target %d: unknown type %q", i, t.Type), schedule.ErrInvalidSchedule)
		}
	}
	return nil
}

// RunAdHoc executes a request immediately, outside any schedule. The run
// record has no schedule ID; delivery and retention behave as for a
// scheduled run.
func (s *Service) RunAdHoc(ctx context.Context, req AdHocRequest, actor string) (*schedule.Run, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := s.now()
	runID := uuid.NewString()
	lockKey := req.LockKey
	if lockKey == "" {
		lockKey = "adhoc." + runID
	}

	if s.engine.Busy(lockKey) {
		s.publishRun(eventbus.EventRunSkipped, &schedule.Run{ID: runID, LockKey: lockKey}, "overlap")
		return nil, ErrBusy
	}

	run := &schedule.Run{
		ID:       runID,
		LockKey:  lockKey,
		Kind:     req.Kind,
		Format:   req.Format,
		Status:   schedule.RunQueued,
		QueuedAt: now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.publishRun(eventbus.EventRunQueued, run, "adhoc")

	// Ephemeral definition: carries the knobs the producer and the
	// artifact/delivery layers read, never persisted.
	def := &schedule.Definition{
		Name:      "adhoc",
		Kind:      req.Kind,
		Format:    req.Format,
		Retention: req.Retention,
		Targets:   req.Targets,
		Params:    req.Params,
		Owner:     actor,
		State:     schedule.StateActive,
	}
	if err := s.submit(ctx, def, run); err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "run.adhoc", "", run.ID, string(req.Kind))
	s.log.Info("adhoc run queued",
		logx.String("run", run.ID),
		logx.String("kind", string(req.Kind)))
	return run, nil
}

// EngineSnapshot exposes worker pool diagnostics for the health surface.
func (s *Service) EngineSnapshot() engine.Snapshot {
	return s.engine.Snapshot()
}
