// Package artifact stores produced payloads on a filesystem and tracks
// their lifecycle. Expired artifacts keep their metadata row but lose
// the payload; reads cannot distinguish expired from never-existed.
package artifact

import (
	"context"
	"io"
	"os"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"artifactd/internal/schedule"
	"artifactd/internal/store"
	logx "artifactd/pkg/logx"
)

// ErrUnavailable covers both missing and expired artifacts.
var ErrUnavailable = errors.New("artifact unavailable")

type Service struct {
	fs               afero.Fs
	store            *store.Store
	log              logx.Logger
	defaultRetention time.Duration
}

// New returns a service writing payloads under dir on base.
func New(base afero.Fs, dir string, st *store.Store, defaultRetention time.Duration, log logx.Logger) *Service {
	if base == nil {
		base = afero.NewOsFs()
	}
	if defaultRetention <= 0 {
		defaultRetention = 168 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		fs:               afero.NewBasePathFs(base, dir),
		store:            st,
		log:              log,
		defaultRetention: defaultRetention,
	}
}

// Store streams a payload from produce into the filesystem and records
// the artifact. The expiry is snapshotted from the schedule's retention
// at creation time; later retention edits never touch existing artifacts.
func (s *Service) Store(ctx context.Context, def *schedule.Definition, run *schedule.Run, produce func(w io.Writer) error, now time.Time) (*schedule.Artifact, error) {
	retention := def.Retention
	if retention <= 0 {
		retention = s.defaultRetention
	}

	id := uuid.NewString()
	loc := path.Join(def.ID, id+"."+extFor(run.Kind, run.Format))

	if err := s.fs.MkdirAll(path.Dir(loc), 0o755); err != nil {
		return nil, schedule.MarkTransient(err)
	}
	f, err := s.fs.Create(loc)
	if err != nil {
		return nil, schedule.MarkTransient(err)
	}
	if err := produce(f); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(loc)
		return nil, err
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(loc)
		return nil, schedule.MarkTransient(err)
	}

	fi, err := s.fs.Stat(loc)
	if err != nil {
		return nil, schedule.MarkTransient(err)
	}

	a := &schedule.Artifact{
		ID:         id,
		RunID:      run.ID,
		ScheduleID: def.ID,
		Kind:       run.Kind,
		Format:     run.Format,
		SizeBytes:  fi.Size(),
		Location:   loc,
		State:      schedule.ArtifactStored,
		CreatedAt:  now,
		ExpiresAt:  now.Add(retention),
	}
	if err := s.store.CreateArtifact(ctx, a); err != nil {
		_ = s.fs.Remove(loc)
		return nil, schedule.MarkTransient(err)
	}

	s.log.Debug("artifact stored",
		logx.String("artifact", a.ID),
		logx.String("schedule", def.ID),
		logx.Int64("size", a.SizeBytes),
		logx.Time("expires", a.ExpiresAt))
	return a, nil
}

// Backups are always gzipped tarballs regardless of the schedule format.
func extFor(kind schedule.JobKind, format schedule.Format) string {
	if kind == schedule.KindBackup {
		return "tar.gz"
	}
	return format.Ext()
}

// Get returns artifact metadata. Expired or unknown IDs both yield
// ErrUnavailable so callers cannot probe for past artifacts.
func (s *Service) Get(ctx context.Context, id string, now time.Time) (*schedule.Artifact, error) {
	a, err := s.store.GetArtifact(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnavailable
	}
	if err != nil {
		return nil, err
	}
	if a.Expired(now) {
		return nil, ErrUnavailable
	}
	return a, nil
}

// Open returns the payload for download.
func (s *Service) Open(ctx context.Context, id string, now time.Time) (*schedule.Artifact, io.ReadCloser, error) {
	a, err := s.Get(ctx, id, now)
	if err != nil {
		return nil, nil, err
	}
	f, err := s.fs.Open(a.Location)
	if err != nil {
		// Metadata without payload means the sweeper already ran or the
		// file store lost data; either way the artifact is gone.
		return nil, nil, ErrUnavailable
	}
	return a, f, nil
}

// List proxies artifact metadata queries, including expired records.
func (s *Service) List(ctx context.Context, f store.ArtifactFilter) ([]*schedule.Artifact, error) {
	return s.store.ListArtifacts(ctx, f)
}

// SweepExpired marks overdue artifacts expired and deletes payloads.
// Metadata rows are kept as tombstones for run history.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ExpireArtifacts(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, a := range expired {
		if err := s.fs.Remove(a.Location); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("artifact payload removal failed",
				logx.String("artifact", a.ID),
				logx.String("path", a.Location),
				logx.Err(err))
		}
	}
	if len(expired) > 0 {
		s.log.Info("artifacts expired", logx.Int("count", len(expired)))
	}
	return len(expired), nil
}
