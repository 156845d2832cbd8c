// Package dispatch owns the schedule lifecycle: admin operations,
// the tick loop that fires due schedules, run orchestration through
// the engine, and the retention sweeper.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"artifactd/internal/artifact"
	"artifactd/internal/delivery"
	"artifactd/internal/engine"
	"artifactd/internal/eventbus"
	"artifactd/internal/producer"
	rtsup "artifactd/internal/runtime/supervisor"
	"artifactd/internal/schedule"
	"artifactd/internal/store"
	logx "artifactd/pkg/logx"
)

var (
	// ErrNotFound is returned for unknown or deleted schedules.
	ErrNotFound = errors.New("schedule not found")
	// ErrBusy is returned when a manual trigger hits an in-flight run.
	ErrBusy = errors.New("a run for this schedule is already in flight")
	// ErrNotCancelable is returned when the target run is already terminal.
	ErrNotCancelable = errors.New("run is not cancelable")
)

// Config controls dispatch timing. Zero values get defaults in New.
type Config struct {
	TickInterval  time.Duration
	SweepInterval time.Duration
	Timezone      string

	ReportTimeout time.Duration
	ExportTimeout time.Duration
	BackupTimeout time.Duration

	// RunRetention bounds terminal run history kept in the store.
	RunRetention time.Duration
}

type Service struct {
	cfg       Config
	store     *store.Store
	engine    *engine.Service
	producers *producer.Registry
	artifacts *artifact.Service
	delivery  *delivery.Service
	bus       eventbus.Bus
	log       logx.Logger
	loc       *time.Location

	sup *rtsup.Supervisor

	// baseCtx bounds detached work (delivery fan-out) to service lifetime.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc // run ID -> in-flight cancel

	now func() time.Time
}

func New(cfg Config, st *store.Store, eng *engine.Service, reg *producer.Registry,
	arts *artifact.Service, del *delivery.Service, bus eventbus.Bus, log logx.Logger) *Service {

	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 2 * time.Minute
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = 5 * time.Minute
	}
	if cfg.BackupTimeout <= 0 {
		cfg.BackupTimeout = 30 * time.Minute
	}
	if cfg.RunRetention <= 0 {
		cfg.RunRetention = 30 * 24 * time.Hour
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg,
		store:     st,
		engine:    eng,
		producers: reg,
		artifacts: arts,
		delivery:  del,
		bus:       bus,
		log:       log,
		loc:       loc,
		cancels:   make(map[string]context.CancelFunc),
		now:       time.Now,
	}
}

// CreateSchedule validates and persists a new definition and computes
// its first fire.
func (s *Service) CreateSchedule(ctx context.Context, d *schedule.Definition, actor string) (*schedule.Definition, error) {
	now := s.now()
	if d.State == "" {
		d.State = schedule.StateActive
	}
	if err := d.Validate(now); err != nil {
		return nil, err
	}
	d.ID = uuid.NewString()
	d.CreatedAt = now
	d.UpdatedAt = now
	d.LastFireAt = nil
	d.NextFireAt = nil
	if next, ok := d.NextFire(s.loc, now); ok {
		d.NextFireAt = &next
	}

	if err := s.store.CreateSchedule(ctx, d); err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "schedule.create", d.ID, "", d.Name)
	s.log.Info("schedule created",
		logx.String("schedule", d.ID),
		logx.String("name", d.Name),
		logx.String("kind", string(d.Kind)))
	return d, nil
}

// UpdateSchedule replaces the mutable fields of an existing definition
// and recomputes the next fire. The fire history is preserved.
func (s *Service) UpdateSchedule(ctx context.Context, d *schedule.Definition, actor string) (*schedule.Definition, error) {
	now := s.now()
	cur, err := s.getVisible(ctx, d.ID)
	if err != nil {
		return nil, err
	}

	d.State = cur.State
	d.CreatedAt = cur.CreatedAt
	d.LastFireAt = cur.LastFireAt
	if err := d.Validate(now); err != nil {
		return nil, err
	}
	d.UpdatedAt = now
	d.NextFireAt = nil
	if next, ok := d.NextFire(s.loc, now); ok {
		d.NextFireAt = &next
	}

	if err := s.store.UpdateSchedule(ctx, d); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.audit(ctx, actor, "schedule.update", d.ID, "", d.Name)
	return d, nil
}

// PauseSchedule stops future fires; in-flight runs are unaffected.
func (s *Service) PauseSchedule(ctx context.Context, id, actor string) (*schedule.Definition, error) {
	return s.setState(ctx, id, schedule.StatePaused, actor)
}

// ResumeSchedule reactivates a paused schedule. The next fire is
// recomputed from now; fires missed while paused are not replayed.
func (s *Service) ResumeSchedule(ctx context.Context, id, actor string) (*schedule.Definition, error) {
	return s.setState(ctx, id, schedule.StateActive, actor)
}

// DeleteSchedule tombstones the schedule. History, runs, and artifacts
// stay queryable; the ID is never reused.
func (s *Service) DeleteSchedule(ctx context.Context, id, actor string) error {
	if _, err := s.getVisible(ctx, id); err != nil {
		return err
	}
	now := s.now()
	if err := s.store.SetScheduleState(ctx, id, schedule.StateDeleted, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	s.audit(ctx, actor, "schedule.delete", id, "", "")
	s.log.Info("schedule deleted", logx.String("schedule", id))
	return nil
}

func (s *Service) setState(ctx context.Context, id string, state schedule.State, actor string) (*schedule.Definition, error) {
	cur, err := s.getVisible(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.State == state {
		return cur, nil
	}
	now := s.now()
	if err := s.store.SetScheduleState(ctx, id, state, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	cur.State = state
	cur.UpdatedAt = now

	// Recompute the fire window for the new state. A resume treats the
	// schedule as having just fired so fires missed while paused are
	// skipped, not replayed; a schedule that never fired keeps its
	// original window (a pending once anchor stays reachable).
	cp := *cur
	if state == schedule.StateActive && cp.LastFireAt != nil {
		cp.LastFireAt = &now
	}
	var next *time.Time
	if n, ok := cp.NextFire(s.loc, now); ok {
		next = &n
	}
	cur.NextFireAt = next
	if err := s.store.SetFireTimes(ctx, id, cur.LastFireAt, next, now); err != nil {
		return nil, err
	}

	action := "schedule.pause"
	if state == schedule.StateActive {
		action = "schedule.resume"
	}
	s.audit(ctx, actor, action, id, "", "")
	s.log.Info("schedule state changed",
		logx.String("schedule", id),
		logx.String("state", string(state)))
	return cur, nil
}

// GetSchedule returns a schedule; deleted tombstones read as not found.
func (s *Service) GetSchedule(ctx context.Context, id string) (*schedule.Definition, error) {
	return s.getVisible(ctx, id)
}

// ListSchedules proxies the store filter.
func (s *Service) ListSchedules(ctx context.Context, f store.ScheduleFilter) ([]*schedule.Definition, error) {
	return s.store.ListSchedules(ctx, f)
}

// GetRun returns one run.
func (s *Service) GetRun(ctx context.Context, id string) (*schedule.Run, error) {
	return s.store.GetRun(ctx, id)
}

// ListRuns proxies the store filter.
func (s *Service) ListRuns(ctx context.Context, f store.RunFilter) ([]*schedule.Run, error) {
	return s.store.ListRuns(ctx, f)
}

// ListDeliveries returns per-target outcomes for a run.
func (s *Service) ListDeliveries(ctx context.Context, runID string) ([]*schedule.Delivery, error) {
	return s.store.ListDeliveries(ctx, runID)
}

func (s *Service) getVisible(ctx context.Context, id string) (*schedule.Definition, error) {
	d, err := s.store.GetSchedule(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if d.State == schedule.StateDeleted {
		return nil, ErrNotFound
	}
	return d, nil
}

func (s *Service) audit(ctx context.Context, actor, action, scheduleID, runID, detail string) {
	err := s.store.AppendAudit(ctx, store.AuditEntry{
		At: s.now(), Actor: actor, Action: action,
		ScheduleID: scheduleID, RunID: runID, Detail: detail,
	})
	if err != nil {
		s.log.Warn("audit write failed", logx.String("action", action), logx.Err(err))
	}
}

func (s *Service) timeoutFor(kind schedule.JobKind) time.Duration {
	switch kind {
	case schedule.KindExport:
		return s.cfg.ExportTimeout
	case schedule.KindBackup:
		return s.cfg.BackupTimeout
	default:
		return s.cfg.ReportTimeout
	}
}

// Summary aggregates counts for the dashboard overview panel.
type Summary struct {
	Schedules      map[schedule.State]int     `json:"schedules"`
	RunsLast24h    map[schedule.RunStatus]int `json:"runs_last_24h"`
	StoredBytes    int64                      `json:"stored_bytes"`
	NextFires      []UpcomingFire             `json:"next_fires"`
	EngineInFlight int                        `json:"engine_in_flight"`
	EngineQueue    int                        `json:"engine_queue"`
}

// UpcomingFire is one row of the "what runs next" panel.
type UpcomingFire struct {
	ScheduleID string    `json:"schedule_id"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind"`
	At         time.Time `json:"at"`
}

// Summarize builds the dashboard summary.
func (s *Service) Summarize(ctx context.Context) (*Summary, error) {
	now := s.now()
	states, err := s.store.CountSchedulesByState(ctx)
	if err != nil {
		return nil, err
	}
	runs, err := s.store.CountRunsByStatusSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	bytes, err := s.store.SumArtifactSizes(ctx)
	if err != nil {
		return nil, err
	}

	active, err := s.store.ListSchedules(ctx, store.ScheduleFilter{State: schedule.StateActive})
	if err != nil {
		return nil, err
	}
	var fires []UpcomingFire
	for _, d := range active {
		if d.NextFireAt == nil {
			continue
		}
		fires = append(fires, UpcomingFire{
			ScheduleID: d.ID, Name: d.Name, Kind: string(d.Kind), At: *d.NextFireAt,
		})
	}
	sort.Slice(fires, func(i, j int) bool { return fires[i].At.Before(fires[j].At) })
	if len(fires) > 10 {
		fires = fires[:10]
	}

	snap := s.engine.Snapshot()
	return &Summary{
		Schedules:      states,
		RunsLast24h:    runs,
		StoredBytes:    bytes,
		NextFires:      fires,
		EngineInFlight: snap.InFlight,
		EngineQueue:    snap.QueueLen,
	}, nil
}
