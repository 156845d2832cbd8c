package schedule

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func validDefinition(now time.Time) *Definition {
	return &Definition{
		Name:       "weekly-report",
		Kind:       KindReport,
		Format:     FormatPDF,
		State:      StateActive,
		Recurrence: Recurrence{Kind: Weekly, Anchor: now.Add(time.Hour)},
		Timezone:   "UTC",
		Retention:  168 * time.Hour,
		Targets:    []Target{{Type: TargetEmail, Address: "ops@example.com"}},
	}
}

func TestDefinitionValidate(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		mutate  func(*Definition)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Definition) {}},
		{name: "empty name", mutate: func(d *Definition) { d.Name = "" }, wantErr: true},
		{name: "unknown kind", mutate: func(d *Definition) { d.Kind = "sync" }, wantErr: true},
		{name: "unknown format", mutate: func(d *Definition) { d.Format = "docx" }, wantErr: true},
		{name: "unknown recurrence kind", mutate: func(d *Definition) { d.Recurrence.Kind = "hourly" }, wantErr: true},
		{
			name: "once with past anchor",
			mutate: func(d *Definition) {
				d.Recurrence = Recurrence{Kind: Once, Anchor: now.Add(-time.Minute)}
			},
			wantErr: true,
		},
		{
			name: "once with future anchor",
			mutate: func(d *Definition) {
				d.Recurrence = Recurrence{Kind: Once, Anchor: now.Add(time.Minute)}
			},
		},
		{
			name:    "daily without anchor",
			mutate:  func(d *Definition) { d.Recurrence = Recurrence{Kind: Daily} },
			wantErr: true,
		},
		{
			name:    "cron with bad expression",
			mutate:  func(d *Definition) { d.Recurrence = Recurrence{Kind: Cron, Cron: "61 * * * *"} },
			wantErr: true,
		},
		{
			name:   "cron with good expression",
			mutate: func(d *Definition) { d.Recurrence = Recurrence{Kind: Cron, Cron: "*/5 * * * *"} },
		},
		{name: "bad timezone", mutate: func(d *Definition) { d.Timezone = "Mars/Olympus" }, wantErr: true},
		{name: "negative retention", mutate: func(d *Definition) { d.Retention = -time.Hour }, wantErr: true},
		{
			name:    "unknown target type",
			mutate:  func(d *Definition) { d.Targets = []Target{{Type: "carrier-pigeon", Address: "x"}} },
			wantErr: true,
		},
		{
			name:    "email target without address",
			mutate:  func(d *Definition) { d.Targets = []Target{{Type: TargetEmail}} },
			wantErr: true,
		},
		{
			name:   "storage target without address",
			mutate: func(d *Definition) { d.Targets = []Target{{Type: TargetStorage}} },
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			d := validDefinition(now)
			tt.mutate(d)
			err := d.Validate(now)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected validation error")
				}
				if !errors.Is(err, ErrInvalidSchedule) {
					t.Fatalf("error %v is not marked ErrInvalidSchedule", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestRunStatusTransitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to RunStatus
		ok       bool
	}{
		{RunQueued, RunProcessing, true},
		{RunQueued, RunCanceled, true},
		{RunQueued, RunFailed, true},
		{RunQueued, RunCompleted, false},
		{RunProcessing, RunCompleted, true},
		{RunProcessing, RunFailed, true},
		{RunProcessing, RunCanceled, true},
		{RunProcessing, RunQueued, false},
		{RunCompleted, RunFailed, false},
		{RunFailed, RunQueued, false},
		{RunCanceled, RunProcessing, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}
