package backup

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"e2ee-keyserver/internal/domain"
	"e2ee-keyserver/internal/middleware"
	"e2ee-keyserver/internal/service/backup"
	"e2ee-keyserver/pkg/response"
)

// BackupService is key backup and recovery
type BackupService interface {
	CreateVersion(ctx context.Context, userID string, req *domain.CreateBackupVersionRequest) (*domain.KeyBackupVersion, error)
	GetVersion(ctx context.Context, userID string, version int64) (*domain.KeyBackupVersion, error)
	ListVersions(ctx context.Context, userID string) ([]*domain.KeyBackupVersion, error)
	UpdateVersion(ctx context.Context, userID string, version int64, req *domain.UpdateBackupVersionRequest) error
	DeleteVersion(ctx context.Context, userID string, version int64) (int64, error)
	UploadKeys(ctx context.Context, input *backup.UploadKeysInput) (*domain.UploadRoomKeysResponse, error)
	GetKeys(ctx context.Context, userID string, version int64, roomID, sessionID string) (*domain.RoomKeys, error)
	RecoverKeys(ctx context.Context, input *backup.RecoverInput) (*domain.RecoverKeysResponse, error)
	RecoveryProgress(ctx context.Context, userID string, version int64) (*domain.RecoveryProgress, error)
	RecoverRoomKeys(ctx context.Context, userID string, version int64, roomID string) (*domain.RecoverKeysResponse, error)
	RecoverSessionKey(ctx context.Context, userID string, version int64, roomID, sessionID string) (*domain.RecoverKeysResponse, error)
	VerifyBackup(ctx context.Context, userID string, version int64) (*domain.VerifyBackupResponse, error)
	ExportArchive(ctx context.Context, userID string, version int64) (*domain.BackupArchive, error)
}

// Handler handles key backup HTTP requests
type Handler struct {
	backupService BackupService
}

// NewHandler creates a new backup handler
func NewHandler(backupService BackupService) *Handler {
	return &Handler{
		backupService: backupService,
	}
}

// parseVersion reads a version from the path or query. Empty means current.
func parseVersion(raw string) (int64, bool) {
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func (h *Handler) userAndVersion(c *gin.Context, raw string) (string, int64, bool) {
	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return "", 0, false
	}
	version, ok := parseVersion(raw)
	if !ok {
		response.ValidationError(c, "Invalid backup version")
		return "", 0, false
	}
	return userID, version, true
}

// CreateVersion allocates a new backup version
// POST /v1/room_keys/version
func (h *Handler) CreateVersion(c *gin.Context) {
	var req domain.CreateBackupVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	v, err := h.backupService.CreateVersion(c.Request.Context(), userID, &req)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"version": strconv.FormatInt(v.Version, 10),
	})
}

// GetVersion returns one version, or the current one
// GET /v1/room_keys/version[/:version]
func (h *Handler) GetVersion(c *gin.Context) {
	userID, version, ok := h.userAndVersion(c, c.Param("version"))
	if !ok {
		return
	}

	v, err := h.backupService.GetVersion(c.Request.Context(), userID, version)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, v)
}

// ListVersions returns every live version
// GET /v1/room_keys/versions
func (h *Handler) ListVersions(c *gin.Context) {
	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	versions, err := h.backupService.ListVersions(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"versions": versions,
	})
}

// UpdateVersion replaces auth_data of a version
// PUT /v1/room_keys/version/:version
func (h *Handler) UpdateVersion(c *gin.Context) {
	var req domain.UpdateBackupVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, version, ok := h.userAndVersion(c, c.Param("version"))
	if !ok {
		return
	}

	if err := h.backupService.UpdateVersion(c.Request.Context(), userID, version, &req); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{})
}

// DeleteVersion irreversibly deletes a version and its entries
// DELETE /v1/room_keys/version/:version
func (h *Handler) DeleteVersion(c *gin.Context) {
	userID, version, ok := h.userAndVersion(c, c.Param("version"))
	if !ok {
		return
	}
	if version == 0 {
		response.ValidationError(c, "A backup version is required")
		return
	}

	removed, err := h.backupService.DeleteVersion(c.Request.Context(), userID, version)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"deleted_keys": removed,
		"warning":      "Sessions stored only in this backup version can no longer be recovered",
	})
}

// UploadKeys stores session ciphertext
// PUT /v1/room_keys/keys?version=&strict=
func (h *Handler) UploadKeys(c *gin.Context) {
	var req domain.RoomKeys
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, version, ok := h.userAndVersion(c, c.Query("version"))
	if !ok {
		return
	}
	strict, _ := strconv.ParseBool(c.Query("strict"))

	resp, err := h.backupService.UploadKeys(c.Request.Context(), &backup.UploadKeysInput{
		UserID:         userID,
		Version:        version,
		Rooms:          req,
		RequireCurrent: strict,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, resp)
}

// GetKeys downloads stored ciphertext
// GET /v1/room_keys/keys[/:room_id[/:session_id]]?version=
func (h *Handler) GetKeys(c *gin.Context) {
	userID, version, ok := h.userAndVersion(c, c.Query("version"))
	if !ok {
		return
	}

	keys, err := h.backupService.GetKeys(c.Request.Context(), userID, version, c.Param("room_id"), c.Param("session_id"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, keys)
}

// RecoverKeys returns the next chunk of a bulk recovery
// POST /v1/room_keys/recover
func (h *Handler) RecoverKeys(c *gin.Context) {
	var req domain.RecoverKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	resp, err := h.backupService.RecoverKeys(c.Request.Context(), &backup.RecoverInput{
		UserID:  userID,
		Version: req.Version,
		Rooms:   req.Rooms,
		Limit:   req.Limit,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, resp)
}

// RecoveryProgress returns the stored progress of a bulk recovery
// GET /v1/room_keys/recover/:version/progress
func (h *Handler) RecoveryProgress(c *gin.Context) {
	userID, version, ok := h.userAndVersion(c, c.Param("version"))
	if !ok {
		return
	}

	p, err := h.backupService.RecoveryProgress(c.Request.Context(), userID, version)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, p)
}

// RecoverScoped recovers one room, or one session when session_id is set
// POST /v1/room_keys/recover/:version/:room_id[/:session_id]
func (h *Handler) RecoverScoped(c *gin.Context) {
	userID, version, ok := h.userAndVersion(c, c.Param("version"))
	if !ok {
		return
	}

	var (
		resp *domain.RecoverKeysResponse
		err  error
	)
	if sessionID := c.Param("session_id"); sessionID != "" {
		resp, err = h.backupService.RecoverSessionKey(c.Request.Context(), userID, version, c.Param("room_id"), sessionID)
	} else {
		resp, err = h.backupService.RecoverRoomKeys(c.Request.Context(), userID, version, c.Param("room_id"))
	}
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, resp)
}

// VerifyBackup runs a storage integrity pass
// POST /v1/room_keys/verify/:version
func (h *Handler) VerifyBackup(c *gin.Context) {
	userID, version, ok := h.userAndVersion(c, c.Param("version"))
	if !ok {
		return
	}

	resp, err := h.backupService.VerifyBackup(c.Request.Context(), userID, version)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, resp)
}

// ExportArchive writes the version to object storage and returns a download URL
// POST /v1/room_keys/version/:version/export
func (h *Handler) ExportArchive(c *gin.Context) {
	userID, version, ok := h.userAndVersion(c, c.Param("version"))
	if !ok {
		return
	}

	archive, err := h.backupService.ExportArchive(c.Request.Context(), userID, version)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, archive)
}
