package keys

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"e2ee-keyserver/internal/domain"
	"e2ee-keyserver/internal/middleware"
	"e2ee-keyserver/internal/service/devicekeys"
	"e2ee-keyserver/pkg/response"
)

// KeyService is the device key directory
type KeyService interface {
	UploadKeys(ctx context.Context, input *devicekeys.UploadKeysInput) (*domain.UploadKeysResponse, error)
	QueryKeys(ctx context.Context, requesterID string, input *devicekeys.QueryKeysInput) (*domain.QueryKeysResponse, error)
	ClaimKeys(ctx context.Context, input *devicekeys.ClaimKeysInput) (*domain.ClaimKeysResponse, error)
	KeyChanges(ctx context.Context, userID, from, to string) (*domain.KeyChangesResponse, error)
	DeleteDeviceKeys(ctx context.Context, userID, deviceID string) error
}

// Handler handles device key HTTP requests
type Handler struct {
	keyService KeyService
}

// NewHandler creates a new keys handler
func NewHandler(keyService KeyService) *Handler {
	return &Handler{
		keyService: keyService,
	}
}

func timeoutFromMS(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// UploadKeys publishes identity, one-time and fallback keys of the calling device
// POST /v1/keys/upload
func (h *Handler) UploadKeys(c *gin.Context) {
	var req domain.UploadKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, deviceID, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	resp, err := h.keyService.UploadKeys(c.Request.Context(), &devicekeys.UploadKeysInput{
		UserID:       userID,
		DeviceID:     deviceID,
		DeviceKeys:   req.DeviceKeys,
		OneTimeKeys:  req.OneTimeKeys,
		FallbackKeys: req.FallbackKeys,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, resp)
}

// QueryKeys returns public device and cross-signing keys
// POST /v1/keys/query
func (h *Handler) QueryKeys(c *gin.Context) {
	var req domain.QueryKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	resp, err := h.keyService.QueryKeys(c.Request.Context(), userID, &devicekeys.QueryKeysInput{
		Requests: req.DeviceKeys,
		Timeout:  timeoutFromMS(req.TimeoutMS),
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, resp)
}

// ClaimKeys takes one one-time key per requested device
// POST /v1/keys/claim
func (h *Handler) ClaimKeys(c *gin.Context) {
	var req domain.ClaimKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	resp, err := h.keyService.ClaimKeys(c.Request.Context(), &devicekeys.ClaimKeysInput{
		Requests: req.OneTimeKeys,
		Timeout:  timeoutFromMS(req.TimeoutMS),
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, resp)
}

// KeyChanges lists users whose devices changed between two stream tokens
// GET /v1/keys/changes?from=&to=
func (h *Handler) KeyChanges(c *gin.Context) {
	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	from := c.Query("from")
	if from == "" {
		response.ValidationError(c, "from is required")
		return
	}

	resp, err := h.keyService.KeyChanges(c.Request.Context(), userID, from, c.Query("to"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, resp)
}

// DeleteDeviceKeys removes every key of one of the caller's devices
// DELETE /v1/devices/:device_id/keys
func (h *Handler) DeleteDeviceKeys(c *gin.Context) {
	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	if err := h.keyService.DeleteDeviceKeys(c.Request.Context(), userID, c.Param("device_id")); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Device keys deleted",
	})
}
