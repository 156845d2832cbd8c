package builtin

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"artifactd/internal/producer"
	"artifactd/internal/schedule"
	"artifactd/internal/store"
	logx "artifactd/pkg/logx"
)

type exportParams struct {
	Dataset string `json:"dataset"`
	Limit   int    `json:"limit"`
}

// ExportProducer dumps one dataset (schedules, runs, artifacts, audit)
// as a table in the requested format.
type ExportProducer struct {
	store *store.Store
	log   logx.Logger
}

func NewExportProducer(st *store.Store, log logx.Logger) *ExportProducer {
	return &ExportProducer{store: st, log: log}
}

func (p *ExportProducer) Kind() schedule.JobKind { return schedule.KindExport }

func (p *ExportProducer) Produce(ctx context.Context, req producer.Request, w io.Writer) error {
	params := exportParams{Dataset: "runs", Limit: 10000}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return schedule.MarkPermanent(err)
		}
	}
	if params.Limit <= 0 {
		params.Limit = 10000
	}

	var (
		tbl Table
		err error
	)
	switch params.Dataset {
	case "schedules":
		tbl, err = p.exportSchedules(ctx, params.Limit)
	case "runs":
		tbl, err = p.exportRuns(ctx, params.Limit)
	case "artifacts":
		tbl, err = p.exportArtifacts(ctx, params.Limit)
	case "audit":
		tbl, err = p.exportAudit(ctx, params.Limit)
	default:
		return schedule.MarkPermanent(errors.Newf("unknown dataset %q", params.Dataset))
	}
	if err != nil {
		return schedule.MarkTransient(err)
	}

	p.log.Debug("export produced",
		logx.String("schedule", req.Schedule.ID),
		logx.String("dataset", params.Dataset),
		logx.Int("rows", len(tbl.Rows)))
	return RenderTable(w, req.Format, tbl)
}

func (p *ExportProducer) exportSchedules(ctx context.Context, limit int) (Table, error) {
	defs, err := p.store.ListSchedules(ctx, store.ScheduleFilter{IncludeDeleted: true, Limit: limit})
	if err != nil {
		return Table{}, err
	}
	tbl := Table{
		Title:   "Schedules",
		Columns: []string{"id", "name", "kind", "format", "state", "recurrence", "timezone", "next_fire"},
	}
	for _, d := range defs {
		next := ""
		if d.NextFireAt != nil {
			next = d.NextFireAt.UTC().Format(time.RFC3339)
		}
		tbl.Rows = append(tbl.Rows, []string{
			d.ID, d.Name, string(d.Kind), string(d.Format), string(d.State),
			string(d.Recurrence.Kind), d.Timezone, next,
		})
	}
	return tbl, nil
}

func (p *ExportProducer) exportRuns(ctx context.Context, limit int) (Table, error) {
	runs, err := p.store.ListRuns(ctx, store.RunFilter{Limit: limit})
	if err != nil {
		return Table{}, err
	}
	tbl := Table{
		Title:   "Runs",
		Columns: []string{"id", "schedule_id", "kind", "status", "attempts", "error_kind", "queued_at", "finished_at"},
	}
	for _, r := range runs {
		finished := ""
		if r.FinishedAt != nil {
			finished = r.FinishedAt.UTC().Format(time.RFC3339)
		}
		tbl.Rows = append(tbl.Rows, []string{
			r.ID, r.ScheduleID, string(r.Kind), string(r.Status),
			strconv.Itoa(r.Attempts), string(r.ErrorKind),
			r.QueuedAt.UTC().Format(time.RFC3339), finished,
		})
	}
	return tbl, nil
}

func (p *ExportProducer) exportArtifacts(ctx context.Context, limit int) (Table, error) {
	arts, err := p.store.ListArtifacts(ctx, store.ArtifactFilter{Limit: limit})
	if err != nil {
		return Table{}, err
	}
	tbl := Table{
		Title:   "Artifacts",
		Columns: []string{"id", "run_id", "schedule_id", "format", "state", "size_bytes", "created_at", "expires_at"},
	}
	for _, a := range arts {
		tbl.Rows = append(tbl.Rows, []string{
			a.ID, a.RunID, a.ScheduleID, string(a.Format), string(a.State),
			strconv.FormatInt(a.SizeBytes, 10),
			a.CreatedAt.UTC().Format(time.RFC3339), a.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	return tbl, nil
}

func (p *ExportProducer) exportAudit(ctx context.Context, limit int) (Table, error) {
	entries, err := p.store.ListAudit(ctx, limit)
	if err != nil {
		return Table{}, err
	}
	tbl := Table{
		Title:   "Audit log",
		Columns: []string{"at", "actor", "action", "schedule_id", "run_id", "detail"},
	}
	for _, e := range entries {
		tbl.Rows = append(tbl.Rows, []string{
			e.At.UTC().Format(time.RFC3339), e.Actor, e.Action, e.ScheduleID, e.RunID, e.Detail,
		})
	}
	return tbl, nil
}
