package sessionlog

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pulse-social/backend/pkg/response"
)

// Handler exposes viewer session logs over HTTP.
type Handler struct {
	repo *Repository
}

// NewHandler creates a session log handler.
func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// GetViewers handles GET /api/live-streams/:id/viewers: everyone who watched
// the stream with join/leave times and watch duration.
func (h *Handler) GetViewers(c *gin.Context) {
	streamID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid stream id")
		return
	}
	viewers, err := h.repo.ListByStream(c.Request.Context(), streamID)
	if err != nil {
		response.Internal(c, "failed to load viewers")
		return
	}
	response.OK(c, viewers)
}
