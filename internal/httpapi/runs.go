package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"artifactd/internal/dispatch"
	"artifactd/internal/schedule"
	"artifactd/internal/store"
)

type runDTO struct {
	ID         string     `json:"id"`
	ScheduleID string     `json:"schedule_id,omitempty"`
	Kind       string     `json:"kind"`
	Format     string     `json:"format"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	Error      string     `json:"error,omitempty"`
	ArtifactID string     `json:"artifact_id,omitempty"`
	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func toRunDTO(r *schedule.Run) runDTO {
	return runDTO{
		ID:         r.ID,
		ScheduleID: r.ScheduleID,
		Kind:       string(r.Kind),
		Format:     string(r.Format),
		Status:     string(r.Status),
		Attempts:   r.Attempts,
		ErrorKind:  string(r.ErrorKind),
		Error:      r.Error,
		ArtifactID: r.ArtifactID,
		QueuedAt:   r.QueuedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

type deliveryDTO struct {
	RunID     string    `json:"run_id"`
	Target    targetDTO `json:"target"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GET /api/v1/runs/:id
func (s *Server) getRun(c *gin.Context) {
	run, err := s.dispatch.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeRunError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRunDTO(run))
}

// POST /api/v1/runs/:id/cancel
func (s *Server) cancelRun(c *gin.Context) {
	run, err := s.dispatch.CancelRun(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrNotCancelable):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			writeRunError(c, err)
		}
		return
	}
	c.JSON(http.StatusAccepted, toRunDTO(run))
}

// GET /api/v1/runs/:id/deliveries
func (s *Server) listDeliveries(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.dispatch.GetRun(c.Request.Context(), id); err != nil {
		writeRunError(c, err)
		return
	}
	dels, err := s.dispatch.ListDeliveries(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]deliveryDTO, 0, len(dels))
	for _, d := range dels {
		out = append(out, deliveryDTO{
			RunID:     d.RunID,
			Target:    targetDTO{Type: string(d.Target.Type), Address: d.Target.Address},
			Status:    string(d.Status),
			Attempts:  d.Attempts,
			Error:     d.Error,
			UpdatedAt: d.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": out})
}

// GET /api/v1/schedules/:id/runs?status=&limit=
func (s *Server) listScheduleRuns(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.dispatch.GetSchedule(c.Request.Context(), id); err != nil {
		writeScheduleError(c, err)
		return
	}
	f := store.RunFilter{
		ScheduleID: id,
		Status:     schedule.RunStatus(c.Query("status")),
		Limit:      queryInt(c, "limit", 100),
	}
	runs, err := s.dispatch.ListRuns(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]runDTO, 0, len(runs))
	for _, r := range runs {
		out = append(out, toRunDTO(r))
	}
	c.JSON(http.StatusOK, gin.H{"runs": out})
}

func writeRunError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, dispatch.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
