// Package schedule defines the engine's domain model: schedule definitions,
// job runs, artifacts, and the recurrence evaluator.
package schedule

import (
	"encoding/json"
	"time"
)

// JobKind identifies which producer a schedule drives.
type JobKind string

const (
	KindReport JobKind = "report"
	KindExport JobKind = "export"
	KindBackup JobKind = "backup"
)

func (k JobKind) Valid() bool {
	switch k {
	case KindReport, KindExport, KindBackup:
		return true
	default:
		return false
	}
}

// Format is the output format of a produced artifact.
type Format string

const (
	FormatPDF   Format = "pdf"
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatExcel Format = "excel"
	FormatHTML  Format = "html"
)

func (f Format) Valid() bool {
	switch f {
	case FormatPDF, FormatCSV, FormatJSON, FormatExcel, FormatHTML:
		return true
	default:
		return false
	}
}

// Ext returns the file extension for the format (without dot).
func (f Format) Ext() string {
	if f == FormatExcel {
		return "xlsx"
	}
	return string(f)
}

// State is the lifecycle state of a schedule definition.
//
// Deleted is a tombstone: the definition stops firing but stays on record
// while job runs reference it.
type State string

const (
	StateActive  State = "active"
	StatePaused  State = "paused"
	StateDeleted State = "deleted"
)

func (s State) Valid() bool {
	switch s {
	case StateActive, StatePaused, StateDeleted:
		return true
	default:
		return false
	}
}

// RecurrenceKind selects how the next fire time is derived from the anchor.
type RecurrenceKind string

const (
	Once    RecurrenceKind = "once"
	Daily   RecurrenceKind = "daily"
	Weekly  RecurrenceKind = "weekly"
	Monthly RecurrenceKind = "monthly"
	// Cron schedules use a standard 5-field cron expression instead of the
	// anchor-derived rules.
	Cron RecurrenceKind = "cron"
)

func (k RecurrenceKind) Valid() bool {
	switch k {
	case Once, Daily, Weekly, Monthly, Cron:
		return true
	default:
		return false
	}
}

// Recurrence describes when a schedule fires.
//
// The anchor is interpreted per kind:
//   - once: the absolute fire time
//   - daily: time-of-day
//   - weekly: day-of-week + time-of-day
//   - monthly: day-of-month + time-of-day (day 31 clamps to a short
//     month's last day)
//
// Anchor fields are evaluated in the schedule's timezone, so DST transitions
// shift wall-clock time rather than elapsed duration.
type Recurrence struct {
	Kind   RecurrenceKind `json:"kind"`
	Anchor time.Time      `json:"anchor"`
	Cron   string         `json:"cron,omitempty"`
}

// TargetType identifies a delivery target implementation.
type TargetType string

const (
	TargetEmail    TargetType = "email"
	TargetStorage  TargetType = "storage"
	TargetTelegram TargetType = "telegram"
)

func (t TargetType) Valid() bool {
	switch t {
	case TargetEmail, TargetStorage, TargetTelegram:
		return true
	default:
		return false
	}
}

// Target is a delivery destination attached to a schedule.
// Address is target-type specific: an email address, a subdirectory name,
// or a telegram chat id.
type Target struct {
	Type    TargetType `json:"type"`
	Address string     `json:"address"`
}

// Definition is a named, user-owned recurring (or one-off) job.
type Definition struct {
	ID          string
	Name        string
	Description string
	Kind        JobKind
	Recurrence  Recurrence
	Timezone    string // IANA name; empty falls back to the dispatcher default
	Format      Format
	Retention   time.Duration   // artifact retention, snapshotted per artifact at creation
	Targets     []Target        // ordered
	Params      json.RawMessage // producer-specific parameters, opaque to the engine
	Owner       string
	State       State
	LastFireAt  *time.Time
	NextFireAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Location resolves the schedule's timezone, falling back to def.
func (d *Definition) Location(def *time.Location) *time.Location {
	if d == nil || d.Timezone == "" {
		return def
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return def
	}
	return loc
}

// RunStatus is the state of one execution attempt.
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunProcessing RunStatus = "processing"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunCanceled   RunStatus = "canceled"
)

func (s RunStatus) Valid() bool {
	switch s {
	case RunQueued, RunProcessing, RunCompleted, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status cannot change anymore.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// CanTransition enforces the monotonic run lifecycle:
// queued -> processing -> {completed | failed | canceled}.
// Queued runs may also be canceled or failed directly (e.g. producer missing).
func (s RunStatus) CanTransition(to RunStatus) bool {
	switch s {
	case RunQueued:
		return to == RunProcessing || to == RunCanceled || to == RunFailed
	case RunProcessing:
		return to.Terminal()
	default:
		return false
	}
}

// ErrorKind classifies why a run failed.
type ErrorKind string

const (
	ErrKindTimeout   ErrorKind = "timeout"
	ErrKindTransient ErrorKind = "transient"
	ErrKindPermanent ErrorKind = "permanent"
	ErrKindCanceled  ErrorKind = "canceled"
)

// Run is one concrete execution attempt of a schedule (or an ad-hoc request,
// in which case ScheduleID is empty and LockKey carries the synthetic key).
type Run struct {
	ID         string
	ScheduleID string
	LockKey    string
	Kind       JobKind
	Format     Format
	Status     RunStatus
	Attempts   int
	ErrorKind  ErrorKind // set iff Status == RunFailed
	Error      string
	ArtifactID string // set iff Status == RunCompleted
	QueuedAt   time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// ArtifactState tracks payload availability. Expired artifacts keep their
// metadata row for audit; the payload is reclaimed.
type ArtifactState string

const (
	ArtifactStored  ArtifactState = "stored"
	ArtifactExpired ArtifactState = "expired"
)

// Artifact is the durable output of a completed run.
type Artifact struct {
	ID         string
	RunID      string
	ScheduleID string
	Kind       JobKind
	Format     Format
	SizeBytes  int64
	Location   string // payload path relative to the artifact dir
	State      ArtifactState
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the artifact's retention window has passed.
func (a *Artifact) Expired(now time.Time) bool {
	return a.State == ArtifactExpired || now.After(a.ExpiresAt)
}

// DeliveryStatus is the last per-target delivery outcome for a run.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery records the outcome of sending one artifact to one target.
type Delivery struct {
	RunID     string
	Target    Target
	Status    DeliveryStatus
	Attempts  int
	Error     string
	UpdatedAt time.Time
}
