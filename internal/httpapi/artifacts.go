package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"artifactd/internal/artifact"
	"artifactd/internal/schedule"
	"artifactd/internal/store"
	logx "artifactd/pkg/logx"
)

type artifactDTO struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	ScheduleID string    `json:"schedule_id,omitempty"`
	Kind       string    `json:"kind"`
	Format     string    `json:"format"`
	SizeBytes  int64     `json:"size_bytes"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func toArtifactDTO(a *schedule.Artifact) artifactDTO {
	return artifactDTO{
		ID:         a.ID,
		RunID:      a.RunID,
		ScheduleID: a.ScheduleID,
		Kind:       string(a.Kind),
		Format:     string(a.Format),
		SizeBytes:  a.SizeBytes,
		State:      string(a.State),
		CreatedAt:  a.CreatedAt,
		ExpiresAt:  a.ExpiresAt,
	}
}

// GET /api/v1/artifacts?schedule=&state=&limit=
func (s *Server) listArtifacts(c *gin.Context) {
	f := store.ArtifactFilter{
		ScheduleID: c.Query("schedule"),
		State:      schedule.ArtifactState(c.Query("state")),
		Limit:      queryInt(c, "limit", 100),
	}
	arts, err := s.artifacts.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]artifactDTO, 0, len(arts))
	for _, a := range arts {
		out = append(out, toArtifactDTO(a))
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": out})
}

// GET /api/v1/artifacts/:id
func (s *Server) getArtifact(c *gin.Context) {
	a, err := s.artifacts.Get(c.Request.Context(), c.Param("id"), time.Now())
	if err != nil {
		writeArtifactError(c, err)
		return
	}
	c.JSON(http.StatusOK, toArtifactDTO(a))
}

// GET /api/v1/artifacts/:id/download
func (s *Server) downloadArtifact(c *gin.Context) {
	a, rc, err := s.artifacts.Open(c.Request.Context(), c.Param("id"), time.Now())
	if err != nil {
		writeArtifactError(c, err)
		return
	}
	defer rc.Close()

	name := path.Base(a.Location)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Header("Content-Type", contentType(a))
	if a.SizeBytes > 0 {
		c.Header("Content-Length", fmt.Sprintf("%d", a.SizeBytes))
	}
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		s.log.Warn("artifact download aborted", logx.Err(err))
	}
}

func contentType(a *schedule.Artifact) string {
	if a.Kind == schedule.KindBackup {
		return "application/gzip"
	}
	switch a.Format {
	case schedule.FormatPDF:
		return "application/pdf"
	case schedule.FormatCSV:
		return "text/csv; charset=utf-8"
	case schedule.FormatJSON:
		return "application/json"
	case schedule.FormatExcel:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case schedule.FormatHTML:
		return "text/html; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

func writeArtifactError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, artifact.ErrUnavailable):
		c.JSON(http.StatusGone, gin.H{"error": "artifact unavailable"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusGone, gin.H{"error": "artifact unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
