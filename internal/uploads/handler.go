package uploads

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulse-social/backend/internal/middleware"
	"github.com/pulse-social/backend/internal/models"
	"github.com/pulse-social/backend/pkg/response"
	"github.com/pulse-social/backend/pkg/storage"
)

// AvatarStore reads and updates the stored avatar URL for a user.
type AvatarStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpdateAvatar(ctx context.Context, id uuid.UUID, avatarURL string) error
}

// PresignRequest is the body for POST /api/uploads/avatar-url and
// /api/uploads/thumbnail-url.
type PresignRequest struct {
	FileName    string `json:"file_name" binding:"required"`
	ContentType string `json:"content_type"`
	StreamID    string `json:"stream_id"` // thumbnail uploads only
}

// PresignResponse carries the pre-signed PUT URL and the public URL the
// client should store after uploading.
type PresignResponse struct {
	UploadURL string `json:"upload_url"`
	PublicURL string `json:"public_url"`
	Key       string `json:"key"`
}

// Handler issues pre-signed S3 upload URLs for avatars and stream thumbnails,
// and accepts direct avatar uploads for clients that cannot PUT cross-origin.
type Handler struct {
	s3      *storage.S3
	avatars AvatarStore
	logger  *zap.Logger
}

// NewHandler creates an uploads handler. s3 may be nil when AWS is not
// configured; endpoints then reply 503.
func NewHandler(s3 *storage.S3, avatars AvatarStore, logger *zap.Logger) *Handler {
	return &Handler{s3: s3, avatars: avatars, logger: logger}
}

// Avatar handles POST /api/uploads/avatar: multipart server-side upload to the
// public bucket, no presigned URL, no CORS. Stores the new URL on the user and
// removes the previous avatar object when it lived in the uploads bucket.
func (h *Handler) Avatar(c *gin.Context) {
	if h.s3 == nil {
		response.ServiceUnavailable(c, "uploads not configured")
		return
	}
	userID, ok := c.Get(middleware.ContextUserID)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	uid := userID.(uuid.UUID)

	file, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "missing file (form field: file)")
		return
	}
	if file.Size > storage.MaxUploadSize {
		response.BadRequest(c, "file size exceeds 10MB limit")
		return
	}
	if !storage.ValidateImageType(file.Header.Get("Content-Type"), file.Filename) {
		response.BadRequest(c, "unsupported file type")
		return
	}

	contentType := file.Header.Get("Content-Type")
	if contentType == "" {
		contentType = storage.ContentTypeForFilename(file.Filename)
	}

	rc, err := file.Open()
	if err != nil {
		h.logger.Warn("open uploaded file failed", zap.Error(err))
		response.Internal(c, "failed to read file")
		return
	}
	defer rc.Close()

	prev, err := h.avatars.GetByID(c.Request.Context(), uid)
	if err != nil {
		response.Internal(c, "failed to load user")
		return
	}

	key := storage.AvatarKey(uid.String(), file.Filename)
	publicURL, err := h.s3.Upload(c.Request.Context(), key, contentType, rc, file.Size, true)
	if err != nil {
		h.logger.Warn("avatar upload failed", zap.String("key", key), zap.Error(err))
		response.Internal(c, "failed to upload file")
		return
	}
	if err := h.avatars.UpdateAvatar(c.Request.Context(), uid, publicURL); err != nil {
		h.logger.Warn("store avatar url failed", zap.String("user_id", uid.String()), zap.Error(err))
		response.Internal(c, "failed to store avatar")
		return
	}

	// best effort: drop the replaced object so the bucket does not accumulate
	if oldKey, ok := h.s3.KeyFromPublicURL(prev.AvatarURL); ok && oldKey != key {
		if err := h.s3.DeleteObject(c.Request.Context(), oldKey); err != nil {
			h.logger.Warn("delete previous avatar failed", zap.String("key", oldKey), zap.Error(err))
		}
	}

	response.OK(c, PresignResponse{PublicURL: publicURL, Key: key})
}

// AvatarURL handles POST /api/uploads/avatar-url.
func (h *Handler) AvatarURL(c *gin.Context) {
	if h.s3 == nil {
		response.ServiceUnavailable(c, "uploads not configured")
		return
	}
	var req PresignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if !storage.ValidateImageType(req.ContentType, req.FileName) {
		response.BadRequest(c, "unsupported file type")
		return
	}
	userID, ok := c.Get(middleware.ContextUserID)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeForFilename(req.FileName)
	}
	key := storage.AvatarKey(userID.(uuid.UUID).String(), req.FileName)
	uploadURL, err := h.s3.GeneratePresignedUploadURL(c.Request.Context(), key, contentType, h.s3.PresignExpire())
	if err != nil {
		h.logger.Warn("presign avatar upload failed", zap.Error(err))
		response.Internal(c, "failed to generate upload url")
		return
	}
	response.OK(c, PresignResponse{
		UploadURL: uploadURL,
		PublicURL: h.s3.PublicObjectURL(key),
		Key:       key,
	})
}

// ThumbnailURL handles POST /api/uploads/thumbnail-url.
func (h *Handler) ThumbnailURL(c *gin.Context) {
	if h.s3 == nil {
		response.ServiceUnavailable(c, "uploads not configured")
		return
	}
	var req PresignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.StreamID == "" {
		response.BadRequest(c, "stream_id required")
		return
	}
	if !storage.ValidateImageType(req.ContentType, req.FileName) {
		response.BadRequest(c, "unsupported file type")
		return
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeForFilename(req.FileName)
	}
	key := storage.ThumbnailKey(req.StreamID, req.FileName)
	uploadURL, err := h.s3.GeneratePresignedUploadURL(c.Request.Context(), key, contentType, h.s3.PresignExpire())
	if err != nil {
		h.logger.Warn("presign thumbnail upload failed", zap.Error(err))
		response.Internal(c, "failed to generate upload url")
		return
	}
	response.OK(c, PresignResponse{
		UploadURL: uploadURL,
		PublicURL: h.s3.PublicObjectURL(key),
		Key:       key,
	})
}
