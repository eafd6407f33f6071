package keyrequest

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"e2ee-keyserver/internal/domain"
	"e2ee-keyserver/internal/middleware"
	"e2ee-keyserver/internal/service/keyrequest"
	"e2ee-keyserver/pkg/response"
)

// KeyRequestService tracks requests for missing session keys
type KeyRequestService interface {
	Request(ctx context.Context, input *keyrequest.RequestInput) (*domain.RequestRoomKeyResponse, error)
	Fulfil(ctx context.Context, userID, requestID, deviceID string) (*domain.RoomKeyRequest, error)
	Cancel(ctx context.Context, userID, requestID string) (*domain.RoomKeyRequest, error)
	Get(ctx context.Context, userID, requestID string) (*domain.RoomKeyRequest, error)
	List(ctx context.Context, userID string, state domain.KeyRequestState) ([]*domain.RoomKeyRequest, error)
}

// Handler handles room key request HTTP requests
type Handler struct {
	keyRequestService KeyRequestService
}

// NewHandler creates a new key request handler
func NewHandler(keyRequestService KeyRequestService) *Handler {
	return &Handler{keyRequestService: keyRequestService}
}

type createRequest struct {
	RequestID string                    `json:"request_id,omitempty"`
	Body      domain.RoomKeyRequestBody `json:"body" binding:"required"`
}

// Create asks for a session key on behalf of the calling device
// POST /v1/room_keys/requests
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, deviceID, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	resp, err := h.keyRequestService.Request(c.Request.Context(), &keyrequest.RequestInput{
		UserID:    userID,
		DeviceID:  deviceID,
		RequestID: req.RequestID,
		Body:      req.Body,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	status := http.StatusAccepted
	if resp.Fulfilled {
		status = http.StatusOK
	}
	response.Success(c, status, resp)
}

// List returns the caller's requests, pending unless ?state= says otherwise
// GET /v1/room_keys/requests
func (h *Handler) List(c *gin.Context) {
	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	requests, err := h.keyRequestService.List(c.Request.Context(), userID, domain.KeyRequestState(c.Query("state")))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"requests": requests})
}

// Get returns one request
// GET /v1/room_keys/requests/:request_id
func (h *Handler) Get(c *gin.Context) {
	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	req, err := h.keyRequestService.Get(c.Request.Context(), userID, c.Param("request_id"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, req)
}

// Fulfil records that one of the caller's devices forwarded the key
// POST /v1/room_keys/requests/:request_id/fulfil
func (h *Handler) Fulfil(c *gin.Context) {
	var req domain.FulfilRoomKeyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
	}

	userID, deviceID, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	if req.DeviceID != "" && req.DeviceID != deviceID {
		response.Forbidden(c, "Cannot fulfil on behalf of another device")
		return
	}

	out, err := h.keyRequestService.Fulfil(c.Request.Context(), userID, c.Param("request_id"), deviceID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, out)
}

// Cancel withdraws a pending request
// DELETE /v1/room_keys/requests/:request_id
func (h *Handler) Cancel(c *gin.Context) {
	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	out, err := h.keyRequestService.Cancel(c.Request.Context(), userID, c.Param("request_id"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, out)
}
