package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"artifactd/internal/schedule"
)

// ArtifactFilter narrows ListArtifacts.
type ArtifactFilter struct {
	ScheduleID string
	State      schedule.ArtifactState
	Limit      int
}

const artifactCols = `id, run_id, schedule_id, kind, format, state, path, size_bytes, created_at, expires_at`

// CreateArtifact inserts a stored artifact record.
func (s *Store) CreateArtifact(ctx context.Context, a *schedule.Artifact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts(`+artifactCols+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.RunID, a.ScheduleID, string(a.Kind), string(a.Format), string(a.State),
		a.Location, a.SizeBytes, fmtTime(a.CreatedAt), fmtTime(a.ExpiresAt),
	)
	return err
}

// GetArtifact loads one artifact record regardless of state.
func (s *Store) GetArtifact(ctx context.Context, id string) (*schedule.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactCols+` FROM artifacts WHERE id=?`, id)
	return scanArtifact(row)
}

// ListArtifacts returns artifact records matching the filter, newest first.
func (s *Store) ListArtifacts(ctx context.Context, f ArtifactFilter) ([]*schedule.Artifact, error) {
	q := `SELECT ` + artifactCols + ` FROM artifacts WHERE 1=1`
	var args []any
	if f.ScheduleID != "" {
		q += ` AND schedule_id = ?`
		args = append(args, f.ScheduleID)
	}
	if f.State != "" {
		q += ` AND state = ?`
		args = append(args, string(f.State))
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

	var out []*schedule.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ExpireArtifacts marks every stored artifact past its expiry as expired
// and returns the affected records so the caller can remove payloads.
func (s *Store) ExpireArtifacts(ctx context.Context, now time.Time) ([]*schedule.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactCols+` FROM artifacts WHERE state=? AND expires_at <= ?`,
		string(schedule.ArtifactStored), fmtTime(now))
	if err != nil {
		return nil, err
	}
	var due []*schedule.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(due) == 0 {
		return nil, nil
	}
	for _, a := range due {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE artifacts SET state=? WHERE id=? AND state=?`,
			string(schedule.ArtifactExpired), a.ID, string(schedule.ArtifactStored)); err != nil {
			return due, err
		}
		a.State = schedule.ArtifactExpired
	}
	return due, nil
}

// SumArtifactSizes returns total stored payload bytes, for the summary endpoint.
func (s *Store) SumArtifactSizes(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(size_bytes) FROM artifacts WHERE state=?`,
		string(schedule.ArtifactStored)).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

func scanArtifact(row rowScanner) (*schedule.Artifact, error) {
	var (
		a                   schedule.Artifact
		kind, format, state string
		createdS, expiresS  string
	)
	err := row.Scan(&a.ID, &a.RunID, &a.ScheduleID, &kind, &format, &state,
		&a.Location, &a.SizeBytes, &createdS, &expiresS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Kind = schedule.JobKind(kind)
	a.Format = schedule.Format(format)
	a.State = schedule.ArtifactState(state)
	if a.CreatedAt, err = mustParseTime(createdS); err != nil {
		return nil, err
	}
	if a.ExpiresAt, err = mustParseTime(expiresS); err != nil {
		return nil, err
	}
	return &a, nil
}
