package schedule

import (
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", name, err)
	}
	return loc
}

func TestNextFireOnce(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	anchor := now.Add(2 * time.Hour)

	got, ok := NextFire(Recurrence{Kind: Once, Anchor: anchor}, time.UTC, nil, now)
	if !ok {
		t.Fatal("expected reachable once schedule to fire")
	}
	if !got.Equal(anchor) {
		t.Fatalf("fire = %v, want %v", got, anchor)
	}

	// Already fired: never again.
	if _, ok := NextFire(Recurrence{Kind: Once, Anchor: anchor}, time.UTC, &anchor, now); ok {
		t.Fatal("once schedule fired twice")
	}

	// Unreachable anchor.
	past := now.Add(-time.Minute)
	if _, ok := NextFire(Recurrence{Kind: Once, Anchor: past}, time.UTC, nil, now); ok {
		t.Fatal("once schedule with past anchor should not fire")
	}
}

func TestNextFireDaily(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	anchor := time.Date(2026, 1, 1, 8, 0, 0, 0, loc)

	tests := []struct {
		name     string
		lastFire *time.Time
		now      time.Time
		want     time.Time
	}{
		{
			name: "never fired, before anchor today",
			now:  time.Date(2026, 3, 10, 6, 0, 0, 0, loc),
			want: time.Date(2026, 3, 10, 8, 0, 0, 0, loc),
		},
		{
			name: "never fired, past anchor today",
			now:  time.Date(2026, 3, 10, 9, 30, 0, 0, loc),
			want: time.Date(2026, 3, 11, 8, 0, 0, 0, loc),
		},
		{
			name:     "fired this morning",
			lastFire: timePtr(time.Date(2026, 3, 10, 8, 0, 0, 0, loc)),
			now:      time.Date(2026, 3, 10, 8, 0, 1, 0, loc),
			want:     time.Date(2026, 3, 11, 8, 0, 0, 0, loc),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextFire(Recurrence{Kind: Daily, Anchor: anchor}, loc, tt.lastFire, tt.now)
			if !ok {
				t.Fatal("daily schedule must always have a next fire")
			}
			if !got.Equal(tt.want) {
				t.Fatalf("fire = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextFireDailyDST(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "America/New_York")
	anchor := time.Date(2026, 1, 1, 8, 0, 0, 0, loc)

	// US DST starts 2026-03-08. The fire before the transition is 08:00 EST
	// (13:00 UTC); the one after must still be 08:00 wall clock (12:00 UTC),
	// i.e. 23 elapsed hours, not 24.
	last := time.Date(2026, 3, 7, 8, 0, 0, 0, loc)
	got, ok := NextFire(Recurrence{Kind: Daily, Anchor: anchor}, loc, &last, last.Add(time.Minute))
	if !ok {
		t.Fatal("expected next fire")
	}
	want := time.Date(2026, 3, 8, 8, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("fire = %v, want %v", got, want)
	}
	if elapsed := got.Sub(last); elapsed != 23*time.Hour {
		t.Fatalf("elapsed = %v, want 23h across spring-forward", elapsed)
	}
}

func TestNextFireWeekly(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	// Anchor: Monday 09:00.
	anchor := time.Date(2026, 1, 5, 9, 0, 0, 0, loc)
	if anchor.Weekday() != time.Monday {
		t.Fatalf("test anchor is %v, want Monday", anchor.Weekday())
	}

	// Wednesday -> next Monday.
	now := time.Date(2026, 3, 11, 10, 0, 0, 0, loc)
	got, ok := NextFire(Recurrence{Kind: Weekly, Anchor: anchor}, loc, nil, now)
	if !ok {
		t.Fatal("expected next fire")
	}
	want := time.Date(2026, 3, 16, 9, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("fire = %v, want %v", got, want)
	}

	// After firing on a Monday, the next fire is the following Monday.
	last := want
	got, ok = NextFire(Recurrence{Kind: Weekly, Anchor: anchor}, loc, &last, last.Add(time.Second))
	if !ok {
		t.Fatal("expected next fire")
	}
	if want := last.AddDate(0, 0, 7); !got.Equal(want) {
		t.Fatalf("fire = %v, want %v", got, want)
	}
}

func TestNextFireMonthlyClampsShortMonths(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	// Anchor on day 31.
	anchor := time.Date(2026, 1, 31, 6, 0, 0, 0, loc)

	for _, tt := range []struct {
		name string
		last time.Time
		want time.Time
	}{
		{
			// February is shorter than both neighbors; a fire on Jan 31
			// must clamp to Feb 28, not skip ahead to Mar 31.
			name: "january into february",
			last: time.Date(2026, 1, 31, 6, 0, 0, 0, loc),
			want: time.Date(2026, 2, 28, 6, 0, 0, 0, loc),
		},
		{
			// April has 30 days: clamp to the 30th, not roll into May.
			name: "march into april",
			last: time.Date(2026, 3, 31, 6, 0, 0, 0, loc),
			want: time.Date(2026, 4, 30, 6, 0, 0, 0, loc),
		},
		{
			// A clamped fire returns to day 31 when the next month has one.
			name: "february back to march 31",
			last: time.Date(2026, 2, 28, 6, 0, 0, 0, loc),
			want: time.Date(2026, 3, 31, 6, 0, 0, 0, loc),
		},
		{
			name: "leap february",
			last: time.Date(2028, 1, 31, 6, 0, 0, 0, loc),
			want: time.Date(2028, 2, 29, 6, 0, 0, 0, loc),
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			last := tt.last
			got, ok := NextFire(Recurrence{Kind: Monthly, Anchor: anchor}, loc, &last, last.Add(time.Minute))
			if !ok {
				t.Fatal("expected next fire")
			}
			if !got.Equal(tt.want) {
				t.Fatalf("fire = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextFireCron(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 7, 59, 0, 0, time.UTC)
	got, ok := NextFire(Recurrence{Kind: Cron, Cron: "0 8 * * *"}, time.UTC, nil, now)
	if !ok {
		t.Fatal("expected next fire")
	}
	want := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("fire = %v, want %v", got, want)
	}

	if _, ok := NextFire(Recurrence{Kind: Cron, Cron: "not a cron"}, time.UTC, nil, now); ok {
		t.Fatal("invalid cron expression should not fire")
	}
}

func TestNextFireStrictlyAdvances(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	anchor := time.Date(2026, 1, 1, 8, 0, 0, 0, loc)

	for _, kind := range []RecurrenceKind{Daily, Weekly, Monthly} {
		last := time.Date(2026, 3, 10, 8, 0, 0, 0, loc)
		for i := 0; i < 12; i++ {
			got, ok := NextFire(Recurrence{Kind: kind, Anchor: anchor}, loc, &last, last)
			if !ok {
				t.Fatalf("%s: expected next fire", kind)
			}
			if !got.After(last) {
				t.Fatalf("%s: fire %v does not advance past %v", kind, got, last)
			}
			last = got
		}
	}
}

func TestDefinitionNextFireRespectsState(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	d := &Definition{
		State:      StatePaused,
		Recurrence: Recurrence{Kind: Daily, Anchor: now},
	}
	if _, ok := d.NextFire(time.UTC, now); ok {
		t.Fatal("paused schedule must not fire")
	}
	d.State = StateDeleted
	if _, ok := d.NextFire(time.UTC, now); ok {
		t.Fatal("deleted schedule must not fire")
	}
	d.State = StateActive
	if _, ok := d.NextFire(time.UTC, now); !ok {
		t.Fatal("active schedule should fire")
	}
}

func timePtr(t time.Time) *time.Time { return &t }
