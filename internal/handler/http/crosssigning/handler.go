package crosssigning

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"e2ee-keyserver/internal/domain"
	"e2ee-keyserver/internal/middleware"
	"e2ee-keyserver/internal/service/crosssigning"
	"e2ee-keyserver/pkg/response"
)

// TrustService is the cross-signing trust graph
type TrustService interface {
	SetupCrossSigning(ctx context.Context, input *crosssigning.SetupCrossSigningInput) (*domain.CrossSigningKeys, error)
	GetCrossSigningKeys(ctx context.Context, userID string) (*domain.CrossSigningKeys, error)
	DeleteCrossSigningKeys(ctx context.Context, userID string) error
	SignDevice(ctx context.Context, userID, deviceID, signerKeyID, signature string) (*domain.SignatureEdge, error)
	SignUser(ctx context.Context, userID, targetUserID, signerKeyID, signature string) (*domain.SignatureEdge, error)
	UploadSignatures(ctx context.Context, userID string, objects map[string]map[string]json.RawMessage) (*domain.UploadSignaturesResponse, error)
	GetUserSignatures(ctx context.Context, userID string) (*domain.SignaturesResponse, error)
	GetDeviceSignatures(ctx context.Context, userID, deviceID string) (*domain.SignaturesResponse, error)
	VerifyDevice(ctx context.Context, viewerID, targetUserID, deviceID string) (*domain.TrustReport, error)
}

// Handler handles cross-signing HTTP requests
type Handler struct {
	trustService TrustService
}

// NewHandler creates a new cross-signing handler
func NewHandler(trustService TrustService) *Handler {
	return &Handler{
		trustService: trustService,
	}
}

// SetupCrossSigning replaces the caller's master, self-signing and user-signing keys
// POST /v1/keys/device_signing/upload
func (h *Handler) SetupCrossSigning(c *gin.Context) {
	var req domain.SetupCrossSigningRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	keys, err := h.trustService.SetupCrossSigning(c.Request.Context(), &crosssigning.SetupCrossSigningInput{
		UserID:      userID,
		Master:      req.MasterKey,
		SelfSigning: req.SelfSigningKey,
		UserSigning: req.UserSigningKey,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, keys)
}

// GetCrossSigningKeys returns the caller's own keys
// GET /v1/keys/device_signing
func (h *Handler) GetCrossSigningKeys(c *gin.Context) {
	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	keys, err := h.trustService.GetCrossSigningKeys(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, keys)
}

// DeleteCrossSigningKeys resets the caller's cross-signing identity
// DELETE /v1/keys/device_signing
func (h *Handler) DeleteCrossSigningKeys(c *gin.Context) {
	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	if err := h.trustService.DeleteCrossSigningKeys(c.Request.Context(), userID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Cross-signing keys deleted",
	})
}

// UploadSignatures stores a batch of signatures; failures are per object
// POST /v1/keys/signatures/upload
func (h *Handler) UploadSignatures(c *gin.Context) {
	var req map[string]map[string]json.RawMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	resp, err := h.trustService.UploadSignatures(c.Request.Context(), userID, req)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, resp)
}

// SignDevice signs one of the caller's devices with the self-signing key
// POST /v1/keys/signatures/device
func (h *Handler) SignDevice(c *gin.Context) {
	var req domain.SignDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	edge, err := h.trustService.SignDevice(c.Request.Context(), userID, req.DeviceID, req.SignerKeyID, req.Signature)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, edge)
}

// SignUser signs another user's master key with the caller's user-signing key
// POST /v1/keys/signatures/user
func (h *Handler) SignUser(c *gin.Context) {
	var req domain.SignUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	edge, err := h.trustService.SignUser(c.Request.Context(), userID, req.TargetUserID, req.SignerKeyID, req.Signature)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, edge)
}

// GetUserSignatures lists the signature edges of a user
// GET /v1/keys/signatures/:user_id
func (h *Handler) GetUserSignatures(c *gin.Context) {
	resp, err := h.trustService.GetUserSignatures(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, resp)
}

// GetDeviceSignatures lists cross-signing signatures over one device
// GET /v1/keys/signatures/:user_id/:device_id
func (h *Handler) GetDeviceSignatures(c *gin.Context) {
	resp, err := h.trustService.GetDeviceSignatures(c.Request.Context(), c.Param("user_id"), c.Param("device_id"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, resp)
}

// VerifyDevice walks the signature chain from the caller to a device
// GET /v1/keys/trust/:user_id/:device_id
func (h *Handler) VerifyDevice(c *gin.Context) {
	viewerID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	report, err := h.trustService.VerifyDevice(c.Request.Context(), viewerID, c.Param("user_id"), c.Param("device_id"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, report)
}
