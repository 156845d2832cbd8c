// Package builtin provides the stock producers: activity reports,
// table exports, and filesystem backups.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"artifactd/internal/producer"
	"artifactd/internal/schedule"
	"artifactd/internal/store"
	logx "artifactd/pkg/logx"
)

type reportParams struct {
	WindowHours int `json:"window_hours"`
}

// ReportProducer renders a schedule activity report: per-schedule run
// outcomes over a rolling window.
type ReportProducer struct {
	store *store.Store
	log   logx.Logger
}

func NewReportProducer(st *store.Store, log logx.Logger) *ReportProducer {
	return &ReportProducer{store: st, log: log}
}

func (p *ReportProducer) Kind() schedule.JobKind { return schedule.KindReport }

func (p *ReportProducer) Produce(ctx context.Context, req producer.Request, w io.Writer) error {
	params := reportParams{WindowHours: 24}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return schedule.MarkPermanent(err)
		}
	}
	if params.WindowHours <= 0 {
		params.WindowHours = 24
	}
	cutoff := req.Now.Add(-time.Duration(params.WindowHours) * time.Hour)

	defs, err := p.store.ListSchedules(ctx, store.ScheduleFilter{})
	if err != nil {
		return schedule.MarkTransient(err)
	}

	tbl := Table{
		Title:   fmt.Sprintf("Schedule activity, last %dh", params.WindowHours),
		Columns: []string{"schedule", "kind", "state", "runs", "completed", "failed", "canceled", "last_fire"},
	}
	for _, d := range defs {
		runs, err := p.store.ListRuns(ctx, store.RunFilter{ScheduleID: d.ID})
		if err != nil {
			return schedule.MarkTransient(err)
		}
		var total, completed, failed, canceled int
		for _, r := range runs {
			if r.QueuedAt.Before(cutoff) {
				continue
			}
			total++
			switch r.Status {
			case schedule.RunCompleted:
				completed++
			case schedule.RunFailed:
				failed++
			case schedule.RunCanceled:
				canceled++
			}
		}
		lastFire := ""
		if d.LastFireAt != nil {
			lastFire = d.LastFireAt.UTC().Format(time.RFC3339)
		}
		tbl.Rows = append(tbl.Rows, []string{
			d.Name, string(d.Kind), string(d.State),
			fmt.Sprint(total), fmt.Sprint(completed), fmt.Sprint(failed), fmt.Sprint(canceled),
			lastFire,
		})
	}

	p.log.Debug("report produced",
		logx.String("schedule", req.Schedule.ID),
		logx.Int("schedules", len(defs)),
		logx.String("format", string(req.Format)))
	return RenderTable(w, req.Format, tbl)
}
