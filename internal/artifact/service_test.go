package artifact

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"

	"artifactd/internal/schedule"
	"artifactd/internal/store"
	logx "artifactd/pkg/logx"
)

func newTestService(t *testing.T) (*Service, afero.Fs) {
	t.Helper()
	st, err := store.OpenMemory(logx.Nop())
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	base := afero.NewMemMapFs()
	return New(base, "/artifacts", st, 168*time.Hour, logx.Nop()), base
}

func testRun(now time.Time) (*schedule.Definition, *schedule.Run) {
	def := &schedule.Definition{
		ID: "sch-1", Name: "weekly", Kind: schedule.KindReport,
		Format: schedule.FormatCSV, State: schedule.StateActive,
		Retention: 24 * time.Hour,
	}
	run := &schedule.Run{
		ID: "run-1", ScheduleID: def.ID, Kind: def.Kind, Format: def.Format,
		Status: schedule.RunProcessing, QueuedAt: now,
	}
	return def, run
}

func TestStoreAndOpen(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	def, run := testRun(now)

	a, err := svc.Store(ctx, def, run, func(w io.Writer) error {
		_, err := io.WriteString(w, "col1,col2\nv1,v2\n")
		return err
	}, now)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if a.SizeBytes == 0 {
		t.Fatal("size not recorded")
	}
	if !strings.HasSuffix(a.Location, ".csv") {
		t.Fatalf("location = %q, want .csv suffix", a.Location)
	}
	if want := now.Add(24 * time.Hour); !a.ExpiresAt.Equal(want) {
		t.Fatalf("expires = %v, want %v (schedule retention)", a.ExpiresAt, want)
	}

	got, rc, err := svc.Open(ctx, a.ID, now)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(b) != "col1,col2\nv1,v2\n" {
		t.Fatalf("payload = %q", b)
	}
	if got.ID != a.ID {
		t.Fatalf("got.ID = %s, want %s", got.ID, a.ID)
	}
}

func TestRetentionSnapshotIgnoresLaterEdits(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	def, run := testRun(now)

	a, err := svc.Store(ctx, def, run, func(w io.Writer) error {
		_, err := io.WriteString(w, "x")
		return err
	}, now)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Shrink the schedule retention afterwards; the stored artifact
	// keeps its original expiry.
	def.Retention = time.Minute
	got, err := svc.Get(ctx, a.ID, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Get after retention edit: %v", err)
	}
	if !got.ExpiresAt.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("expires = %v, want original snapshot", got.ExpiresAt)
	}
}

func TestBackupExtension(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	def, run := testRun(now)
	def.Kind = schedule.KindBackup
	run.Kind = schedule.KindBackup

	a, err := svc.Store(ctx, def, run, func(w io.Writer) error {
		_, err := io.WriteString(w, "tarball")
		return err
	}, now)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !strings.HasSuffix(a.Location, ".tar.gz") {
		t.Fatalf("location = %q, want .tar.gz suffix", a.Location)
	}
}

func TestExpiredIndistinguishableFromMissing(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	def, run := testRun(now)

	a, err := svc.Store(ctx, def, run, func(w io.Writer) error {
		_, err := io.WriteString(w, "x")
		return err
	}, now)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	past := now.Add(25 * time.Hour)
	_, errExpired := svc.Get(ctx, a.ID, past)
	_, errMissing := svc.Get(ctx, "no-such-id", past)
	if !errors.Is(errExpired, ErrUnavailable) || !errors.Is(errMissing, ErrUnavailable) {
		t.Fatalf("errs = (%v, %v), want ErrUnavailable for both", errExpired, errMissing)
	}
}

func TestSweepExpiredRemovesPayloadKeepsRecord(t *testing.T) {
	svc, base := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	def, run := testRun(now)

	a, err := svc.Store(ctx, def, run, func(w io.Writer) error {
		_, err := io.WriteString(w, "payload")
		return err
	}, now)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	n, err := svc.SweepExpired(ctx, now.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}

	// Payload is gone from the filesystem.
	if ok, _ := afero.Exists(base, "/artifacts/"+a.Location); ok {
		t.Fatal("payload file still present after sweep")
	}
	// Metadata tombstone survives.
	arts, err := svc.List(ctx, store.ArtifactFilter{ScheduleID: def.ID})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(arts) != 1 || arts[0].State != schedule.ArtifactExpired {
		t.Fatalf("arts = %+v, want one expired tombstone", arts)
	}

	// Sweep is idempotent.
	n, err = svc.SweepExpired(ctx, now.Add(26*time.Hour))
	if err != nil {
		t.Fatalf("second SweepExpired: %v", err)
	}
	if n != 0 {
		t.Fatalf("second sweep = %d, want 0", n)
	}
}
