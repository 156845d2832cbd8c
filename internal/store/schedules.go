package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"artifactd/internal/schedule"
)

// ScheduleFilter narrows ListSchedules. Zero values match everything
// except deleted schedules, which are only returned when IncludeDeleted
// is set.
type ScheduleFilter struct {
	State          schedule.State
	Kind           schedule.JobKind
	IncludeDeleted bool
	Limit          int
}

const scheduleCols = `id, name, description, owner, kind, format, state, rec_kind, rec_anchor, rec_cron,
	timezone, retention_sec, targets, params, last_fire_at, next_fire_at, created_at, updated_at`

// CreateSchedule inserts a new definition.
func (s *Store) CreateSchedule(ctx context.Context, d *schedule.Definition) error {
	targets, err := json.Marshal(d.Targets)
	if err != nil {
		return err
	}
	params := d.Params
	if len(params) == 0 {
		params = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+scheduleCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Name, d.Description, d.Owner, string(d.Kind), string(d.Format), string(d.State),
		string(d.Recurrence.Kind), nullTime(anchorPtr(d.Recurrence.Anchor)), nullStr(d.Recurrence.Cron),
		d.Timezone, int64(d.Retention/time.Second), string(targets), string(params),
		nullTime(d.LastFireAt), nullTime(d.NextFireAt),
		fmtTime(d.CreatedAt), fmtTime(d.UpdatedAt),
	)
	return err
}

// UpdateSchedule rewrites every mutable column of the definition.
func (s *Store) UpdateSchedule(ctx context.Context, d *schedule.Definition) error {
	targets, err := json.Marshal(d.Targets)
	if err != nil {
		return err
	}
	params := d.Params
	if len(params) == 0 {
		params = []byte("{}")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET name=?, description=?, owner=?, kind=?, format=?, state=?, rec_kind=?, rec_anchor=?,
		 rec_cron=?, timezone=?, retention_sec=?, targets=?, params=?,
		 last_fire_at=?, next_fire_at=?, updated_at=?
		 WHERE id=?`,
		d.Name, d.Description, d.Owner, string(d.Kind), string(d.Format), string(d.State),
		string(d.Recurrence.Kind), nullTime(anchorPtr(d.Recurrence.Anchor)), nullStr(d.Recurrence.Cron),
		d.Timezone, int64(d.Retention/time.Second), string(targets), string(params),
		nullTime(d.LastFireAt), nullTime(d.NextFireAt), fmtTime(d.UpdatedAt),
		d.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// GetSchedule loads one definition, including soft-deleted ones.
func (s *Store) GetSchedule(ctx context.Context, id string) (*schedule.Definition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE id=?`, id)
	return scanSchedule(row)
}

// ListSchedules returns definitions matching the filter, newest first.
func (s *Store) ListSchedules(ctx context.Context, f ScheduleFilter) ([]*schedule.Definition, error) {
	q := `SELECT ` + scheduleCols + ` FROM schedules WHERE 1=1`
	var args []any
	if !f.IncludeDeleted {
		q += ` AND state != ?`
		args = append(args, string(schedule.StateDeleted))
	}
	if f.State != "" {
		q += ` AND state = ?`
		args = append(args, string(f.State))
	}
	if f.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schedule.Definition
	for rows.Next() {
		d, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetScheduleState flips state (pause, resume, soft delete). Deleted
// schedules additionally lose their next fire so the dispatcher never
// picks them up again.
func (s *Store) SetScheduleState(ctx context.Context, id string, state schedule.State, now time.Time) error {
	var res sql.Result
	var err error
	if state == schedule.StateDeleted {
		res, err = s.db.ExecContext(ctx,
			`UPDATE schedules SET state=?, next_fire_at=NULL, updated_at=? WHERE id=? AND state != ?`,
			string(state), fmtTime(now), id, string(schedule.StateDeleted))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE schedules SET state=?, updated_at=? WHERE id=? AND state != ?`,
			string(state), fmtTime(now), id, string(schedule.StateDeleted))
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetFireTimes records the fire just consumed and the one computed next.
func (s *Store) SetFireTimes(ctx context.Context, id string, last, next *time.Time, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_fire_at=?, next_fire_at=?, updated_at=? WHERE id=?`,
		nullTime(last), nullTime(next), fmtTime(now), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DueSchedules returns active schedules whose next fire is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*schedule.Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules
		 WHERE state=? AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		 ORDER BY next_fire_at ASC`,
		string(schedule.StateActive), fmtTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schedule.Definition
	for rows.Next() {
		d, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountSchedulesByState returns state -> count, excluding deleted.
func (s *Store) CountSchedulesByState(ctx context.Context) (map[schedule.State]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM schedules WHERE state != ? GROUP BY state`,
		string(schedule.StateDeleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[schedule.State]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[schedule.State(st)] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*schedule.Definition, error) {
	var (
		d             schedule.Definition
		kind, format  string
		state, rKind  string
		anchor, cronS sql.NullString
		retentionSec  int64
		targets       string
		params        string
		lastS, nextS  sql.NullString
		createdS      string
		updatedS      string
	)
	err := row.Scan(&d.ID, &d.Name, &d.Description, &d.Owner, &kind, &format, &state, &rKind, &anchor, &cronS,
		&d.Timezone, &retentionSec, &targets, &params, &lastS, &nextS, &createdS, &updatedS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.Kind = schedule.JobKind(kind)
	d.Format = schedule.Format(format)
	d.State = schedule.State(state)
	d.Recurrence.Kind = schedule.RecurrenceKind(rKind)
	if anchor.Valid {
		t, err := mustParseTime(anchor.String)
		if err != nil {
			return nil, err
		}
		d.Recurrence.Anchor = t
	}
	d.Recurrence.Cron = cronS.String
	d.Retention = time.Duration(retentionSec) * time.Second
	if err := json.Unmarshal([]byte(targets), &d.Targets); err != nil {
		return nil, err
	}
	d.Params = json.RawMessage(params)
	if d.LastFireAt, err = parseTime(lastS); err != nil {
		return nil, err
	}
	if d.NextFireAt, err = parseTime(nextS); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = mustParseTime(createdS); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = mustParseTime(updatedS); err != nil {
		return nil, err
	}
	return &d, nil
}

func anchorPtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
