package store

import (
	"context"
	"database/sql"
	"time"
)

// AuditEntry records one lifecycle action taken through the API or by
// the dispatcher. Keep it compact and schema-stable.
type AuditEntry struct {
	At         time.Time
	Actor      string
	Action     string
	ScheduleID string
	RunID      string
	Detail     string
}

// AppendAudit writes one audit row. Failures are the caller's to log;
// auditing never blocks the action it describes.
func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, schedule_id, run_id, detail)
		 VALUES(?,?,?,?,?,?)`,
		fmtTime(e.At), e.Actor, e.Action, nullStr(e.ScheduleID), nullStr(e.RunID), nullStr(e.Detail),
	)
	return err
}

// ListAudit returns the most recent entries, newest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, actor, action, schedule_id, run_id, detail
		 FROM audit ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e        AuditEntry
			atS      string
			sid, rid sql.NullString
			detail   sql.NullString
		)
		if err := rows.Scan(&atS, &e.Actor, &e.Action, &sid, &rid, &detail); err != nil {
			return nil, err
		}
		if e.At, err = mustParseTime(atS); err != nil {
			return nil, err
		}
		e.ScheduleID = sid.String
		e.RunID = rid.String
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}
