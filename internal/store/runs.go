package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"artifactd/internal/schedule"
)

// RunFilter narrows ListRuns.
type RunFilter struct {
	ScheduleID string
	Status     schedule.RunStatus
	Limit      int
}

const runCols = `id, schedule_id, lock_key, kind, format, status, attempts,
	error_kind, error, artifact_id, queued_at, started_at, finished_at`

// CreateRun inserts a freshly queued run.
func (s *Store) CreateRun(ctx context.Context, r *schedule.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(`+runCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.ScheduleID, r.LockKey, string(r.Kind), string(r.Format), string(r.Status),
		r.Attempts, nullStr(string(r.ErrorKind)), nullStr(r.Error), nullStr(r.ArtifactID),
		fmtTime(r.QueuedAt), nullTime(r.StartedAt), nullTime(r.FinishedAt),
	)
	return err
}

// GetRun loads a single run.
func (s *Store) GetRun(ctx context.Context, id string) (*schedule.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE id=?`, id)
	return scanRun(row)
}

// ListRuns returns runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]*schedule.Run, error) {
	q := `SELECT ` + runCols + ` FROM runs WHERE 1=1`
	var args []any
	if f.ScheduleID != "" {
		q += ` AND schedule_id = ?`
		args = append(args, f.ScheduleID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY queued_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schedule.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkRunProcessing moves a run from queued to processing. The status
// guard makes the transition idempotent against races with cancel.
func (s *Store) MarkRunProcessing(ctx context.Context, id string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=?, started_at=? WHERE id=? AND status=?`,
		string(schedule.RunProcessing), fmtTime(startedAt), id, string(schedule.RunQueued))
	if err != nil {
		return err
	}
	return requireRow(res)
}

// BumpRunAttempts records one more producer attempt.
func (s *Store) BumpRunAttempts(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET attempts = attempts + 1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// FinishRun moves a run to a terminal status. Runs already terminal are
// left untouched and reported as ErrNotFound.
func (s *Store) FinishRun(ctx context.Context, r *schedule.Run) error {
	if !r.Status.Terminal() {
		return errors.Newf("store: finish run with non-terminal status %q", r.Status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=?, error_kind=?, error=?, artifact_id=?, finished_at=?
		 WHERE id=? AND status IN (?,?)`,
		string(r.Status), nullStr(string(r.ErrorKind)), nullStr(r.Error), nullStr(r.ArtifactID),
		nullTime(r.FinishedAt),
		r.ID, string(schedule.RunQueued), string(schedule.RunProcessing))
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CancelQueuedRun cancels a run that has not started yet. Returns
// ErrNotFound when the run is gone or already past queued.
func (s *Store) CancelQueuedRun(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=?, finished_at=? WHERE id=? AND status=?`,
		string(schedule.RunCanceled), fmtTime(now), id, string(schedule.RunQueued))
	if err != nil {
		return err
	}
	return requireRow(res)
}

// FailStaleRuns repairs runs abandoned by a previous process: anything
// still queued or processing on startup is marked failed so history is
// never stuck in a non-terminal state.
func (s *Store) FailStaleRuns(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=?, error_kind=?, error=?, finished_at=?
		 WHERE status IN (?,?)`,
		string(schedule.RunFailed), string(schedule.ErrKindTransient), "interrupted by shutdown",
		fmtTime(now),
		string(schedule.RunQueued), string(schedule.RunProcessing))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountRunsByStatusSince returns status -> count for runs queued after cutoff.
func (s *Store) CountRunsByStatusSince(ctx context.Context, cutoff time.Time) (map[schedule.RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM runs WHERE queued_at >= ? GROUP BY status`,
		fmtTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[schedule.RunStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[schedule.RunStatus(st)] = n
	}
	return out, rows.Err()
}

// PruneRuns deletes terminal runs finished before cutoff, keeping history bounded.
func (s *Store) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs
		 WHERE finished_at IS NOT NULL AND finished_at < ?
		   AND status IN (?,?,?)`,
		fmtTime(cutoff),
		string(schedule.RunCompleted), string(schedule.RunFailed), string(schedule.RunCanceled))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanRun(row rowScanner) (*schedule.Run, error) {
	var (
		r                     schedule.Run
		kind, format, status  string
		errKind, errMsg, arti sql.NullString
		queuedS               string
		startedS, finishedS   sql.NullString
	)
	err := row.Scan(&r.ID, &r.ScheduleID, &r.LockKey, &kind, &format, &status, &r.Attempts,
		&errKind, &errMsg, &arti, &queuedS, &startedS, &finishedS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.Kind = schedule.JobKind(kind)
	r.Format = schedule.Format(format)
	r.Status = schedule.RunStatus(status)
	r.ErrorKind = schedule.ErrorKind(errKind.String)
	r.Error = errMsg.String
	r.ArtifactID = arti.String
	if r.QueuedAt, err = mustParseTime(queuedS); err != nil {
		return nil, err
	}
	if r.StartedAt, err = parseTime(startedS); err != nil {
		return nil, err
	}
	if r.FinishedAt, err = parseTime(finishedS); err != nil {
		return nil, err
	}
	return &r, nil
}
