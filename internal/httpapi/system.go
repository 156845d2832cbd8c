package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// GET /api/v1/healthz
func (s *Server) health(c *gin.Context) {
	snap := s.dispatch.EngineSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
		"engine": gin.H{
			"workers":   snap.Workers,
			"queue_len": snap.QueueLen,
			"queue_cap": snap.QueueCap,
			"in_flight": snap.InFlight,
			"dropped":   snap.Dropped,
		},
	})
}

type auditDTO struct {
	At         time.Time `json:"at"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	ScheduleID string    `json:"schedule_id,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// GET /api/v1/audit?limit=
func (s *Server) listAudit(c *gin.Context) {
	entries, err := s.store.ListAudit(c.Request.Context(), queryInt(c, "limit", 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]auditDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditDTO{
			At:         e.At,
			Actor:      e.Actor,
			Action:     e.Action,
			ScheduleID: e.ScheduleID,
			RunID:      e.RunID,
			Detail:     e.Detail,
		})
	}
	c.JSON(http.StatusOK, gin.H{"audit": out})
}
