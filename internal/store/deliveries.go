package store

import (
	"context"
	"database/sql"

	"artifactd/internal/schedule"
)

// UpsertDelivery records the latest per-target outcome for a run. One row
// per (run, target); retries overwrite in place.
func (s *Store) UpsertDelivery(ctx context.Context, d *schedule.Delivery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(run_id, target_type, target_addr, status, attempts, error, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(run_id, target_type, target_addr) DO UPDATE SET
		   status=excluded.status, attempts=excluded.attempts,
		   error=excluded.error, updated_at=excluded.updated_at`,
		d.RunID, string(d.Target.Type), d.Target.Address, string(d.Status),
		d.Attempts, nullStr(d.Error), fmtTime(d.UpdatedAt),
	)
	return err
}

// ListDeliveries returns all delivery outcomes for a run.
func (s *Store) ListDeliveries(ctx context.Context, runID string) ([]*schedule.Delivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, target_type, target_addr, status, attempts, error, updated_at
		 FROM deliveries WHERE run_id=? ORDER BY target_type, target_addr`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schedule.Delivery
	for rows.Next() {
		var (
			d        schedule.Delivery
			tt, st   string
			errMsg   sql.NullString
			updatedS string
		)
		if err := rows.Scan(&d.RunID, &tt, &d.Target.Address, &st, &d.Attempts, &errMsg, &updatedS); err != nil {
			return nil, err
		}
		d.Target.Type = schedule.TargetType(tt)
		d.Status = schedule.DeliveryStatus(st)
		d.Error = errMsg.String
		if d.UpdatedAt, err = mustParseTime(updatedS); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
