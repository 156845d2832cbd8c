package schedule

import (
	"time"

	"github.com/robfig/cron/v3"
)

// NextFire computes the next eligible fire time for a recurrence, evaluated
// in loc. lastFire is the previous fire time (nil if the schedule has never
// fired). The boolean is false when the recurrence can never fire again.
//
// Guarantees:
//   - once fires at most one time, and only if the anchor is still reachable
//   - with lastFire set, the result is strictly greater than lastFire
//   - anchor wall-clock fields are preserved across DST transitions
//
// Paused/deleted state is the caller's concern (see Definition.NextFire).
func NextFire(rec Recurrence, loc *time.Location, lastFire *time.Time, now time.Time) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}

	switch rec.Kind {
	case Once:
		if lastFire != nil {
			return time.Time{}, false
		}
		if rec.Anchor.Before(now) {
			return time.Time{}, false
		}
		return rec.Anchor, true

	case Daily:
		return nextDaily(rec.Anchor, loc, lastFire, now), true

	case Weekly:
		return nextWeekly(rec.Anchor, loc, lastFire, now), true

	case Monthly:
		return nextMonthly(rec.Anchor, loc, lastFire, now), true

	case Cron:
		sched, err := cron.ParseStandard(rec.Cron)
		if err != nil {
			return time.Time{}, false
		}
		base := now
		if lastFire != nil {
			base = *lastFire
		}
		return sched.Next(base.In(loc)), true
	}

	return time.Time{}, false
}

// nextDaily returns the smallest timestamp matching the anchor's time-of-day
// that is >= lastFire+1day (or >= now when the schedule has never fired).
func nextDaily(anchor time.Time, loc *time.Location, lastFire *time.Time, now time.Time) time.Time {
	a := anchor.In(loc)
	if lastFire == nil {
		c := atTimeOfDay(now.In(loc), a)
		if c.Before(now) {
			c = atTimeOfDay(now.In(loc).AddDate(0, 0, 1), a)
		}
		return c
	}
	l := lastFire.In(loc)
	c := atTimeOfDay(l.AddDate(0, 0, 1), a)
	if !c.After(l) {
		// Anchor edits can move the time-of-day backwards past lastFire.
		c = c.AddDate(0, 0, 1)
	}
	return c
}

// nextWeekly anchors to the anchor's day-of-week + time-of-day.
func nextWeekly(anchor time.Time, loc *time.Location, lastFire *time.Time, now time.Time) time.Time {
	a := anchor.In(loc)
	from := now.In(loc)
	if lastFire != nil {
		from = lastFire.In(loc).AddDate(0, 0, 1)
	}

	day := from
	for i := 0; i < 7; i++ {
		if day.Weekday() == a.Weekday() {
			c := atTimeOfDay(day, a)
			if lastFire != nil {
				if c.After(*lastFire) {
					return c
				}
			} else if !c.Before(now) {
				return c
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	// Unreachable: one of the next 7 days matches the weekday.
	return atTimeOfDay(day, a)
}

// nextMonthly anchors to the anchor's day-of-month + time-of-day. A day that
// does not exist in the candidate month clamps to that month's last day
// (day 31 in April fires on April 30, not May 1).
func nextMonthly(anchor time.Time, loc *time.Location, lastFire *time.Time, now time.Time) time.Time {
	a := anchor.In(loc)
	from := now.In(loc)
	if lastFire != nil {
		from = lastFire.In(loc)
	}

	// Month stepping is done on day 1: AddDate on a day-29..31 value
	// normalizes past short months (Jan 31 + 1 month = Mar 3) and would
	// skip February entirely.
	fy, fm, _ := from.Date()
	for i := 0; i < 13; i++ {
		y, m, _ := time.Date(fy, fm+time.Month(i), 1, 0, 0, 0, 0, loc).Date()
		day := clampDay(y, m, a.Day())
		c := time.Date(y, m, day, a.Hour(), a.Minute(), a.Second(), 0, loc)
		if lastFire != nil {
			if c.After(*lastFire) {
				return c
			}
		} else if !c.Before(now) {
			return c
		}
	}
	y, m, _ := time.Date(fy, fm+13, 1, 0, 0, 0, 0, loc).Date()
	return time.Date(y, m, clampDay(y, m, a.Day()), a.Hour(), a.Minute(), a.Second(), 0, loc)
}

// atTimeOfDay keeps day's date and applies anchor's wall-clock time in day's
// location. Going through time.Date keeps DST shifts on wall-clock time.
func atTimeOfDay(day, anchor time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, anchor.Hour(), anchor.Minute(), anchor.Second(), 0, day.Location())
}

func clampDay(year int, month time.Month, day int) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}

// NextFire evaluates the definition's recurrence, returning false for
// paused or deleted schedules regardless of recurrence.
func (d *Definition) NextFire(def *time.Location, now time.Time) (time.Time, bool) {
	if d == nil || d.State != StateActive {
		return time.Time{}, false
	}
	return NextFire(d.Recurrence, d.Location(def), d.LastFireAt, now)
}
