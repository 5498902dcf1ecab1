package streams

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulse-social/backend/internal/middleware"
	"github.com/pulse-social/backend/pkg/response"
)

// ViewerCounter reports the live relay viewer count for a stream.
type ViewerCounter interface {
	ViewerCount(streamID string) int
}

// CreateRequest is the body for POST /api/live-streams.
type CreateRequest struct {
	Title        string `json:"title" binding:"required"`
	Description  string `json:"description"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// Handler handles live stream REST endpoints.
type Handler struct {
	repo   *Repository
	logger *zap.Logger
}

// NewHandler creates a streams handler.
func NewHandler(repo *Repository, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, logger: logger}
}

// List handles GET /api/live-streams: all currently active streams.
func (h *Handler) List(c *gin.Context) {
	list, err := h.repo.ListActive(c.Request.Context())
	if err != nil {
		h.logger.Warn("list streams failed", zap.Error(err))
		response.Internal(c, "failed to list streams")
		return
	}
	response.OK(c, list)
}

// Create handles POST /api/live-streams: a host registers a stream record
// before going live; its id becomes the relay room id.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	hostID, ok := c.Get(middleware.ContextUserID)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	stream, err := h.repo.Create(c.Request.Context(), hostID.(uuid.UUID), req.Title, req.Description, req.ThumbnailURL)
	if err != nil {
		h.logger.Warn("create stream failed", zap.Error(err))
		response.Internal(c, "failed to create stream")
		return
	}
	response.Created(c, stream)
}

// GetByID handles GET /api/live-streams/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid stream id")
		return
	}
	stream, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load stream")
		return
	}
	if stream == nil {
		response.NotFound(c, "stream not found")
		return
	}
	response.OK(c, stream)
}

// ViewerCount handles GET /api/live-streams/:id/viewer-count using the relay's
// in-memory count.
func (h *Handler) ViewerCount(counter ViewerCounter) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			response.BadRequest(c, "invalid stream id")
			return
		}
		response.OK(c, gin.H{"stream_id": id, "viewer_count": counter.ViewerCount(id.String())})
	}
}
