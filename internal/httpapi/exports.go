package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"artifactd/internal/dispatch"
	"artifactd/internal/schedule"
)

type exportRequest struct {
	Format    string          `json:"format" binding:"required"`
	Params    json.RawMessage `json:"params,omitempty"`
	LockKey   string          `json:"lock_key,omitempty"`
	Retention string          `json:"retention,omitempty"`
	Targets   []targetDTO     `json:"targets,omitempty"`
}

// POST /api/v1/exports
//
// One-off export with no persisted schedule. The run shows up in run
// history with an empty schedule id.
func (s *Server) createExport(c *gin.Context) {
	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ad := dispatch.AdHocRequest{
		Kind:    schedule.KindExport,
		Format:  schedule.Format(req.Format),
		Params:  req.Params,
		LockKey: req.LockKey,
	}
	if req.Retention != "" {
		dur, err := time.ParseDuration(req.Retention)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad retention: expected Go duration"})
			return
		}
		ad.Retention = dur
	}
	for _, t := range req.Targets {
		ad.Targets = append(ad.Targets, schedule.Target{
			Type:    schedule.TargetType(t.Type),
			Address: t.Address,
		})
	}

	run, err := s.dispatch.RunAdHoc(c.Request.Context(), ad, actor(c))
	if err != nil {
		switch {
		case errors.Is(err, schedule.ErrInvalidSchedule):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		case errors.Is(err, dispatch.ErrBusy):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, toRunDTO(run))
}
