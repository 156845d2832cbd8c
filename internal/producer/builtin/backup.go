package builtin

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"

	"artifactd/internal/producer"
	"artifactd/internal/schedule"
	logx "artifactd/pkg/logx"
)

type backupParams struct {
	Source string `json:"source"`
	Flavor string `json:"flavor"`
}

const (
	flavorFull         = "full"
	flavorIncremental  = "incremental"
	flavorDifferential = "differential"
)

// BackupProducer archives a source directory into a gzipped tarball.
//
// Flavors: "full" copies everything; "incremental" copies files changed
// since the schedule's last completed run; "differential" copies files
// changed since this producer's last full backup of the schedule. The
// differential anchor is process-local, so the first differential after
// a restart degrades to a full backup.
type BackupProducer struct {
	fs            afero.Fs
	defaultSource string
	log           logx.Logger

	mu     sync.Mutex
	fullAt map[string]time.Time // schedule ID -> last full backup
}

func NewBackupProducer(fsys afero.Fs, defaultSource string, log logx.Logger) *BackupProducer {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &BackupProducer{
		fs:            fsys,
		defaultSource: defaultSource,
		log:           log,
		fullAt:        make(map[string]time.Time),
	}
}

func (p *BackupProducer) Kind() schedule.JobKind { return schedule.KindBackup }

func (p *BackupProducer) Produce(ctx context.Context, req producer.Request, w io.Writer) error {
	params := backupParams{Source: p.defaultSource, Flavor: flavorFull}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return schedule.MarkPermanent(err)
		}
	}
	if params.Source == "" {
		params.Source = p.defaultSource
	}
	if params.Source == "" {
		return schedule.MarkPermanent(errors.New("backup source is not configured"))
	}

	cutoff, flavor := p.resolveCutoff(req, params.Flavor)

	info, err := p.fs.Stat(params.Source)
	if err != nil {
		if os.IsNotExist(err) {
			return schedule.MarkPermanent(err)
		}
		return schedule.MarkTransient(err)
	}
	if !info.IsDir() {
		return schedule.MarkPermanent(errors.Newf("backup source %q is not a directory", params.Source))
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	var files, skipped int
	walkErr := afero.Walk(p.fs, params.Source, func(path string, fi fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fi.IsDir() {
			return nil
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		if cutoff != nil && !fi.ModTime().After(*cutoff) {
			skipped++
			return nil
		}
		rel, err := filepath.Rel(params.Source, path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:    filepath.ToSlash(rel),
			Mode:    int64(fi.Mode().Perm()),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := p.fs.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		_ = f.Close()
		if err != nil {
			return err
		}
		files++
		return nil
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = gz.Close()
		if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded) {
			return walkErr
		}
		return schedule.MarkTransient(walkErr)
	}
	if err := tw.Close(); err != nil {
		return schedule.MarkTransient(err)
	}
	if err := gz.Close(); err != nil {
		return schedule.MarkTransient(err)
	}

	if flavor == flavorFull {
		p.mu.Lock()
		p.fullAt[req.Schedule.ID] = req.Now
		p.mu.Unlock()
	}

	p.log.Info("backup produced",
		logx.String("schedule", req.Schedule.ID),
		logx.String("flavor", flavor),
		logx.Int("files", files),
		logx.Int("skipped", skipped))
	return nil
}

// resolveCutoff returns the modification-time cutoff for the effective
// flavor; nil means archive everything.
func (p *BackupProducer) resolveCutoff(req producer.Request, flavor string) (*time.Time, string) {
	switch strings.ToLower(flavor) {
	case flavorIncremental:
		if req.Since != nil {
			return req.Since, flavorIncremental
		}
		// Nothing to diff against on the first run.
		return nil, flavorFull
	case flavorDifferential:
		p.mu.Lock()
		at, ok := p.fullAt[req.Schedule.ID]
		p.mu.Unlock()
		if ok {
			return &at, flavorDifferential
		}
		return nil, flavorFull
	default:
		return nil, flavorFull
	}
}
