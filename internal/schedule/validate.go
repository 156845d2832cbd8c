package schedule

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule marks user-correctable definition errors. It is
// returned synchronously from create/update and maps to 422 on the API.
var ErrInvalidSchedule = errors.New("invalid schedule")

func invalid(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidSchedule)
}

// Validate checks a definition at create/update time. now is injected so
// the "once anchor already in the past" rule is testable with a simulated
// clock.
func (d *Definition) Validate(now time.Time) error {
	if d == nil {
		return invalid("definition is nil")
	}
	if strings.TrimSpace(d.Name) == "" {
		return invalid("name is required")
	}
	if !d.Kind.Valid() {
		return invalid("unknown job kind %q", d.Kind)
	}
	if !d.Format.Valid() {
		return invalid("unknown format %q", d.Format)
	}
	if !d.Recurrence.Kind.Valid() {
		return invalid("unknown recurrence %q", d.Recurrence.Kind)
	}

	switch d.Recurrence.Kind {
	case Cron:
		if _, err := cron.ParseStandard(d.Recurrence.Cron); err != nil {
			return invalid("bad cron expression %q: %v", d.Recurrence.Cron, err)
		}
	case Once:
		// A one-off must still be reachable; a past anchor would otherwise
		// be accepted and never fire.
		if d.Recurrence.Anchor.Before(now) {
			return invalid("once anchor %s is in the past", d.Recurrence.Anchor.Format(time.RFC3339))
		}
	default:
		if d.Recurrence.Anchor.IsZero() {
			return invalid("recurrence %s requires an anchor time", d.Recurrence.Kind)
		}
	}

	if d.Timezone != "" {
		if _, err := time.LoadLocation(d.Timezone); err != nil {
			return invalid("unknown timezone %q", d.Timezone)
		}
	}
	if d.Retention < 0 {
		return invalid("retention must be >= 0")
	}
	for i, t := range d.Targets {
		if !t.Type.Valid() {
			return invalid("target %d: unknown type %q", i, t.Type)
		}
		if t.Type != TargetStorage && strings.TrimSpace(t.Address) == "" {
			return invalid("target %d: address is required for %s", i, t.Type)
		}
	}
	return nil
}
