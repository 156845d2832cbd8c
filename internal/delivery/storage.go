package delivery

import (
	"context"
	"io"
	"path"

	"github.com/spf13/afero"

	"artifactd/internal/schedule"
	logx "artifactd/pkg/logx"
)

// StorageSender copies the artifact payload into a save directory.
// The target address is an optional subdirectory under the save root.
type StorageSender struct {
	fs  afero.Fs
	log logx.Logger
}

func NewStorageSender(base afero.Fs, dir string, log logx.Logger) *StorageSender {
	if base == nil {
		base = afero.NewOsFs()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &StorageSender{fs: afero.NewBasePathFs(base, dir), log: log}
}

func (s *StorageSender) Type() schedule.TargetType { return schedule.TargetStorage }

func (s *StorageSender) Send(ctx context.Context, req Request) error {
	rc, err := req.Open()
	if err != nil {
		return errNoPayload
	}
	defer rc.Close()

	dst := path.Join(req.Target.Address, path.Base(req.Artifact.Location))
	if err := s.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return schedule.MarkTransient(err)
	}

	f, err := s.fs.Create(dst)
	if err != nil {
		return schedule.MarkTransient(err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(dst)
		return schedule.MarkTransient(err)
	}
	if err := f.Close(); err != nil {
		return schedule.MarkTransient(err)
	}

	s.log.Debug("artifact saved",
		logx.String("artifact", req.Artifact.ID),
		logx.String("path", dst))
	return nil
}
