package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"artifactd/internal/dispatch"
	"artifactd/internal/schedule"
	"artifactd/internal/store"
)

type recurrenceDTO struct {
	Kind   string `json:"kind" binding:"required"`
	Anchor string `json:"anchor,omitempty"`
	Cron   string `json:"cron,omitempty"`
}

type targetDTO struct {
	Type    string `json:"type" binding:"required"`
	Address string `json:"address,omitempty"`
}

type scheduleRequest struct {
	Name        string          `json:"name" binding:"required"`
	Description string          `json:"description,omitempty"`
	Kind        string          `json:"kind" binding:"required"`
	Format      string          `json:"format" binding:"required"`
	Recurrence  recurrenceDTO   `json:"recurrence" binding:"required"`
	Timezone    string          `json:"timezone,omitempty"`
	Retention   string          `json:"retention,omitempty"` // Go duration, e.g. "168h"
	Targets     []targetDTO     `json:"targets,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Owner       string          `json:"owner,omitempty"`
}

func (r *scheduleRequest) toDefinition() (*schedule.Definition, error) {
	d := &schedule.Definition{
		Name:        r.Name,
		Description: r.Description,
		Kind:        schedule.JobKind(r.Kind),
		Format:      schedule.Format(r.Format),
		Recurrence: schedule.Recurrence{
			Kind: schedule.RecurrenceKind(r.Recurrence.Kind),
			Cron: r.Recurrence.Cron,
		},
		Timezone: r.Timezone,
		Params:   r.Params,
		Owner:    r.Owner,
	}
	if r.Recurrence.Anchor != "" {
		t, err := time.Parse(time.RFC3339, r.Recurrence.Anchor)
		if err != nil {
			return nil, errors.Newf("bad anchor %q: expected RFC3339", r.Recurrence.Anchor)
		}
		d.Recurrence.Anchor = t
	}
	if r.Retention != "" {
		dur, err := time.ParseDuration(r.Retention)
		if err != nil {
			return nil, errors.Newf("bad retention %q: expected Go duration", r.Retention)
		}
		d.Retention = dur
	}
	for _, t := range r.Targets {
		d.Targets = append(d.Targets, schedule.Target{
			Type:    schedule.TargetType(t.Type),
			Address: t.Address,
		})
	}
	return d, nil
}

type scheduleDTO struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Kind        string          `json:"kind"`
	Format      string          `json:"format"`
	State       string          `json:"state"`
	Recurrence  recurrenceDTO   `json:"recurrence"`
	Timezone    string          `json:"timezone,omitempty"`
	Retention   string          `json:"retention"`
	Targets     []targetDTO     `json:"targets,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Owner       string          `json:"owner,omitempty"`
	LastFireAt  *time.Time      `json:"last_fire_at,omitempty"`
	NextFireAt  *time.Time      `json:"next_fire_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func toScheduleDTO(d *schedule.Definition) scheduleDTO {
	dto := scheduleDTO{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Kind:        string(d.Kind),
		Format:      string(d.Format),
		State:       string(d.State),
		Recurrence: recurrenceDTO{
			Kind: string(d.Recurrence.Kind),
			Cron: d.Recurrence.Cron,
		},
		Timezone:   d.Timezone,
		Retention:  d.Retention.String(),
		Params:     d.Params,
		Owner:      d.Owner,
		LastFireAt: d.LastFireAt,
		NextFireAt: d.NextFireAt,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
	if !d.Recurrence.Anchor.IsZero() {
		dto.Recurrence.Anchor = d.Recurrence.Anchor.Format(time.RFC3339)
	}
	for _, t := range d.Targets {
		dto.Targets = append(dto.Targets, targetDTO{Type: string(t.Type), Address: t.Address})
	}
	return dto
}

// POST /api/v1/schedules
func (s *Server) createSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := req.toDefinition()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := s.dispatch.CreateSchedule(c.Request.Context(), d, actor(c))
	if err != nil {
		writeScheduleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toScheduleDTO(created))
}

// GET /api/v1/schedules?state=&kind=
func (s *Server) listSchedules(c *gin.Context) {
	f := store.ScheduleFilter{
		State: schedule.State(c.Query("state")),
		Kind:  schedule.JobKind(c.Query("kind")),
	}
	defs, err := s.dispatch.ListSchedules(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]scheduleDTO, 0, len(defs))
	for _, d := range defs {
		out = append(out, toScheduleDTO(d))
	}
	c.JSON(http.StatusOK, gin.H{"schedules": out})
}

// GET /api/v1/schedules/:id
func (s *Server) getSchedule(c *gin.Context) {
	d, err := s.dispatch.GetSchedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeScheduleError(c, err)
		return
	}
	c.JSON(http.StatusOK, toScheduleDTO(d))
}

// PUT /api/v1/schedules/:id
func (s *Server) updateSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := req.toDefinition()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d.ID = c.Param("id")
	updated, err := s.dispatch.UpdateSchedule(c.Request.Context(), d, actor(c))
	if err != nil {
		writeScheduleError(c, err)
		return
	}
	c.JSON(http.StatusOK, toScheduleDTO(updated))
}

// DELETE /api/v1/schedules/:id
func (s *Server) deleteSchedule(c *gin.Context) {
	if err := s.dispatch.DeleteSchedule(c.Request.Context(), c.Param("id"), actor(c)); err != nil {
		writeScheduleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /api/v1/schedules/:id/pause
func (s *Server) pauseSchedule(c *gin.Context) {
	d, err := s.dispatch.PauseSchedule(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		writeScheduleError(c, err)
		return
	}
	c.JSON(http.StatusOK, toScheduleDTO(d))
}

// POST /api/v1/schedules/:id/resume
func (s *Server) resumeSchedule(c *gin.Context) {
	d, err := s.dispatch.ResumeSchedule(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		writeScheduleError(c, err)
		return
	}
	c.JSON(http.StatusOK, toScheduleDTO(d))
}

// POST /api/v1/schedules/:id/run
func (s *Server) runNow(c *gin.Context) {
	run, err := s.dispatch.RunNow(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrBusy):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, dispatch.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, toRunDTO(run))
}

// GET /api/v1/schedules/summary
func (s *Server) summary(c *gin.Context) {
	sum, err := s.dispatch.Summarize(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sum)
}

func writeScheduleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, schedule.ErrInvalidSchedule):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, dispatch.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
