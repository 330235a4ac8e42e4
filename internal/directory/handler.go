package directory

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ridelink/backend/internal/auth"
	"github.com/ridelink/backend/internal/middleware"
	"github.com/ridelink/backend/internal/models"
	"github.com/ridelink/backend/pkg/response"
	"github.com/ridelink/backend/pkg/storage"
)

// MaxBatchSize bounds a single profile batch request.
const MaxBatchSize = 50

// Handler handles directory HTTP endpoints.
type Handler struct {
	repo   *Repository
	users  *auth.Repository
	s3     *storage.S3
	logger *zap.Logger
}

// NewHandler creates a directory handler. s3 may be nil; avatars then resolve
// without URLs.
func NewHandler(repo *Repository, users *auth.Repository, s3 *storage.S3, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, users: users, s3: s3, logger: logger}
}

// BatchRequest is the body for POST /profiles/batch.
type BatchRequest struct {
	IDs []uuid.UUID `json:"ids" binding:"required,min=1"`
}

// Batch handles POST /profiles/batch: one query for all requested ids.
// Unknown ids are omitted from the response, never errors.
func (h *Handler) Batch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if len(req.IDs) > MaxBatchSize {
		response.BadRequest(c, "too many ids in one batch")
		return
	}

	rows, err := h.repo.FetchProfiles(c.Request.Context(), req.IDs)
	if err != nil {
		h.logger.Error("fetch profiles", zap.Error(err))
		response.Internal(c, "failed to fetch profiles")
		return
	}

	profiles := make([]models.Profile, 0, len(rows))
	for _, row := range rows {
		p := models.Profile{UserID: row.UserID, DisplayName: row.DisplayName}
		if row.AvatarKey != "" && h.s3 != nil {
			url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), h.s3.AvatarsBucket(), row.AvatarKey, h.s3.PresignExpire())
			if err == nil {
				p.AvatarURL = url
			}
		}
		profiles = append(profiles, p)
	}
	response.OK(c, profiles)
}

// UploadAvatar handles POST /profiles/avatar (multipart "file" field).
func (h *Handler) UploadAvatar(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "no identity available")
		return
	}
	if h.s3 == nil {
		response.Internal(c, "avatar storage is not configured")
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		response.BadRequest(c, "file required")
		return
	}
	defer file.Close()

	if header.Size > storage.MaxAvatarFileSize {
		response.BadRequest(c, "file too large")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if !storage.ValidateAvatarFileType(contentType, header.Filename) {
		response.BadRequest(c, "unsupported file type")
		return
	}

	key := storage.AvatarKey(userID.String(), header.Filename)
	if _, err := h.s3.Upload(c.Request.Context(), h.s3.AvatarsBucket(), key, contentType, file, header.Size); err != nil {
		h.logger.Error("avatar upload", zap.Error(err))
		response.Internal(c, "upload failed")
		return
	}
	if err := h.users.SetAvatarKey(c.Request.Context(), userID, key); err != nil {
		h.logger.Error("set avatar key", zap.Error(err))
		response.Internal(c, "upload failed")
		return
	}

	url, _ := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), h.s3.AvatarsBucket(), key, h.s3.PresignExpire())
	response.OK(c, gin.H{"avatar_url": url})
}
