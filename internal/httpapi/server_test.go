package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"

	"artifactd/internal/artifact"
	"artifactd/internal/dispatch"
	"artifactd/internal/engine"
	"artifactd/internal/producer"
	"artifactd/internal/schedule"
	"artifactd/internal/store"
	logx "artifactd/pkg/logx"
)

type stubProducer struct{ kind schedule.JobKind }

func (p *stubProducer) Kind() schedule.JobKind { return p.kind }

func (p *stubProducer) Produce(_ context.Context, _ producer.Request, w io.Writer) error {
	_, err := io.WriteString(w, "col_a,col_b\n1,2\n")
	return err
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory(logx.Nop())
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	eng := engine.New(engine.Config{
		Workers: 2, RetryMax: 1,
		RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond,
	}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})

	reg := producer.NewRegistry()
	reg.Register(&stubProducer{kind: schedule.KindReport})
	reg.Register(&stubProducer{kind: schedule.KindExport})

	arts := artifact.New(afero.NewMemMapFs(), "/artifacts", st, 168*time.Hour, logx.Nop())

	disp := dispatch.New(dispatch.Config{
		TickInterval:  time.Hour,
		SweepInterval: time.Hour,
	}, st, eng, reg, arts, nil, nil, logx.Nop())
	if err := disp.Start(context.Background()); err != nil {
		t.Fatalf("dispatch.Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		disp.Stop(ctx)
	})

	return New(Config{}, disp, arts, st, logx.Nop()), st
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func createTestSchedule(t *testing.T, s *Server) scheduleDTO {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/api/v1/schedules", scheduleRequest{
		Name:   "daily-report",
		Kind:   "report",
		Format: "csv",
		Recurrence: recurrenceDTO{
			Kind:   "daily",
			Anchor: time.Now().Add(time.Hour).Format(time.RFC3339),
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create schedule: status %d body %s", w.Code, w.Body.String())
	}
	var dto scheduleDTO
	decode(t, w, &dto)
	return dto
}

func waitRunStatus(t *testing.T, st *store.Store, runID string, want schedule.RunStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.Status == want {
			return
		}
		if run.Status.Terminal() {
			t.Fatalf("run reached %s, want %s (err=%q)", run.Status, want, run.Error)
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, want)
}

func TestScheduleCRUD(t *testing.T) {
	s, _ := newTestServer(t)
	created := createTestSchedule(t, s)
	if created.ID == "" || created.State != "active" {
		t.Fatalf("unexpected create result: %+v", created)
	}
	if created.NextFireAt == nil {
		t.Fatal("expected next_fire_at on an active schedule")
	}

	w := doJSON(t, s, http.MethodGet, "/api/v1/schedules/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d", w.Code)
	}

	w = doJSON(t, s, http.MethodPut, "/api/v1/schedules/"+created.ID, scheduleRequest{
		Name:   "daily-report-v2",
		Kind:   "report",
		Format: "json",
		Recurrence: recurrenceDTO{
			Kind:   "daily",
			Anchor: time.Now().Add(2 * time.Hour).Format(time.RFC3339),
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update: status %d body %s", w.Code, w.Body.String())
	}
	var updated scheduleDTO
	decode(t, w, &updated)
	if updated.Name != "daily-report-v2" || updated.Format != "json" {
		t.Fatalf("update not applied: %+v", updated)
	}

	w = doJSON(t, s, http.MethodDelete, "/api/v1/schedules/"+created.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", w.Code)
	}
	w = doJSON(t, s, http.MethodGet, "/api/v1/schedules/"+created.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("deleted schedule should read as 404, got %d", w.Code)
	}
}

func TestCreateScheduleValidation(t *testing.T) {
	s, _ := newTestServer(t)

	// Missing required fields fails binding.
	w := doJSON(t, s, http.MethodPost, "/api/v1/schedules", map[string]any{"name": "x"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", w.Code)
	}

	// Well-formed request with invalid semantics fails validation.
	w = doJSON(t, s, http.MethodPost, "/api/v1/schedules", scheduleRequest{
		Name:       "bad",
		Kind:       "report",
		Format:     "csv",
		Recurrence: recurrenceDTO{Kind: "cron", Cron: "not a cron"},
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("want 422, got %d body %s", w.Code, w.Body.String())
	}
}

func TestPauseResume(t *testing.T) {
	s, _ := newTestServer(t)
	created := createTestSchedule(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/v1/schedules/"+created.ID+"/pause", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pause: status %d", w.Code)
	}
	var paused scheduleDTO
	decode(t, w, &paused)
	if paused.State != "paused" || paused.NextFireAt != nil {
		t.Fatalf("pause should clear next fire: %+v", paused)
	}

	w = doJSON(t, s, http.MethodPost, "/api/v1/schedules/"+created.ID+"/resume", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resume: status %d", w.Code)
	}
	var resumed scheduleDTO
	decode(t, w, &resumed)
	if resumed.State != "active" || resumed.NextFireAt == nil {
		t.Fatalf("resume should recompute next fire: %+v", resumed)
	}
}

func TestRunNowAndDownload(t *testing.T) {
	s, st := newTestServer(t)
	created := createTestSchedule(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/v1/schedules/"+created.ID+"/run-now", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("run: status %d body %s", w.Code, w.Body.String())
	}
	var run runDTO
	decode(t, w, &run)
	waitRunStatus(t, st, run.ID, schedule.RunCompleted)

	w = doJSON(t, s, http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get run: status %d", w.Code)
	}
	var done runDTO
	decode(t, w, &done)
	if done.ArtifactID == "" {
		t.Fatal("completed run should reference its artifact")
	}

	w = doJSON(t, s, http.MethodGet, "/api/v1/artifacts/"+done.ArtifactID+"/download", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("download: status %d body %s", w.Code, w.Body.String())
	}
	if got := w.Body.String(); got != "col_a,col_b\n1,2\n" {
		t.Fatalf("download payload mismatch: %q", got)
	}
	if cd := w.Header().Get("Content-Disposition"); cd == "" {
		t.Fatal("download should set Content-Disposition")
	}

	w = doJSON(t, s, http.MethodGet, "/api/v1/schedules/"+created.ID+"/runs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list runs: status %d", w.Code)
	}
	var listed struct {
		Runs []runDTO `json:"runs"`
	}
	decode(t, w, &listed)
	if len(listed.Runs) != 1 {
		t.Fatalf("want 1 run, got %d", len(listed.Runs))
	}
}

func TestMissingArtifactIsGone(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/v1/artifacts/no-such-id", nil)
	if w.Code != http.StatusGone {
		t.Fatalf("want 410, got %d", w.Code)
	}
	w = doJSON(t, s, http.MethodGet, "/api/v1/artifacts/no-such-id/download", nil)
	if w.Code != http.StatusGone {
		t.Fatalf("want 410, got %d", w.Code)
	}
}

func TestCancelTerminalRunConflicts(t *testing.T) {
	s, st := newTestServer(t)
	created := createTestSchedule(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/v1/schedules/"+created.ID+"/run-now", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("run: status %d", w.Code)
	}
	var run runDTO
	decode(t, w, &run)
	waitRunStatus(t, st, run.ID, schedule.RunCompleted)

	w = doJSON(t, s, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("cancel of terminal run: want 409, got %d", w.Code)
	}
}

func TestSummaryAndAudit(t *testing.T) {
	s, _ := newTestServer(t)
	createTestSchedule(t, s)

	w := doJSON(t, s, http.MethodGet, "/api/v1/schedules/summary", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("summary: status %d body %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/schedules", bytes.NewReader(mustJSON(t, scheduleRequest{
		Name:   "audited",
		Kind:   "report",
		Format: "csv",
		Recurrence: recurrenceDTO{
			Kind:   "daily",
			Anchor: time.Now().Add(time.Hour).Format(time.RFC3339),
		},
	})))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "alice")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d", rec.Code)
	}

	w = doJSON(t, s, http.MethodGet, "/api/v1/audit", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("audit: status %d", w.Code)
	}
	var audit struct {
		Audit []auditDTO `json:"audit"`
	}
	decode(t, w, &audit)
	found := false
	for _, e := range audit.Audit {
		if e.Actor == "alice" && e.Action == "schedule.create" {
			found = true
		}
	}
	if !found {
		t.Fatalf("audit trail missing actor entry: %+v", audit.Audit)
	}
}

func TestOneOffExport(t *testing.T) {
	s, st := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/exports", exportRequest{Format: "json"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("export: status %d body %s", w.Code, w.Body.String())
	}
	var run runDTO
	decode(t, w, &run)
	if run.ScheduleID != "" {
		t.Fatalf("one-off export should have no schedule id, got %q", run.ScheduleID)
	}
	waitRunStatus(t, st, run.ID, schedule.RunCompleted)

	w = doJSON(t, s, http.MethodPost, "/api/v1/exports", exportRequest{Format: "bogus"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad format: want 422, got %d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/v1/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", w.Code)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
