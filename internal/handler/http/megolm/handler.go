package megolm

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"

	"e2ee-keyserver/internal/domain"
	"e2ee-keyserver/internal/middleware"
	"e2ee-keyserver/internal/service/megolm"
	"e2ee-keyserver/pkg/response"
)

// SessionService is the group session engine
type SessionService interface {
	CreateSession(ctx context.Context, input *megolm.CreateSessionInput) (*domain.MegolmSession, error)
	RoomSessions(ctx context.Context, userID, roomID string) ([]*domain.MegolmSession, error)
	Encrypt(ctx context.Context, input *megolm.EncryptInput) (*domain.EncryptedGroupMessage, error)
	EncryptForRoom(ctx context.Context, input *megolm.EncryptForRoomInput) (*domain.EncryptForRoomResponse, error)
	Decrypt(ctx context.Context, input *megolm.DecryptInput) (*domain.DecryptResponse, error)
	RotateSessionFor(ctx context.Context, userID, sessionID string, reason domain.RotationReason) (*domain.MegolmSession, error)
	ShareSession(ctx context.Context, input *megolm.ShareSessionInput) (*domain.ShareSessionResponse, error)
}

// Handler handles group session HTTP requests
type Handler struct {
	sessionService SessionService
}

// NewHandler creates a new megolm handler
func NewHandler(sessionService SessionService) *Handler {
	return &Handler{
		sessionService: sessionService,
	}
}

func decodePayload(s string) ([]byte, bool) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		b, err = base64.RawStdEncoding.DecodeString(s)
	}
	return b, err == nil
}

// CreateSession enables encryption in a room for the calling device
// POST /v1/rooms/:room_id/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req domain.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	sess, err := h.sessionService.CreateSession(c.Request.Context(), &megolm.CreateSessionInput{
		UserID:    userID,
		RoomID:    c.Param("room_id"),
		SenderKey: req.SenderKey,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, sess)
}

// RoomSessions lists session metadata of a room
// GET /v1/rooms/:room_id/sessions
func (h *Handler) RoomSessions(c *gin.Context) {
	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	sessions, err := h.sessionService.RoomSessions(c.Request.Context(), userID, c.Param("room_id"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"sessions": sessions,
	})
}

// EncryptForRoom encrypts with the caller's active session, rotating and
// sharing as needed
// POST /v1/rooms/:room_id/encrypt
func (h *Handler) EncryptForRoom(c *gin.Context) {
	var req domain.EncryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	plaintext, ok := decodePayload(req.Plaintext)
	if !ok {
		response.ValidationError(c, "plaintext must be base64")
		return
	}

	userID, deviceID, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	resp, err := h.sessionService.EncryptForRoom(c.Request.Context(), &megolm.EncryptForRoomInput{
		UserID:    userID,
		DeviceID:  deviceID,
		RoomID:    c.Param("room_id"),
		SenderKey: req.SenderKey,
		Plaintext: plaintext,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, resp)
}

// Encrypt seals a message under a specific session
// POST /v1/sessions/:session_id/encrypt
func (h *Handler) Encrypt(c *gin.Context) {
	var req domain.EncryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	plaintext, ok := decodePayload(req.Plaintext)
	if !ok {
		response.ValidationError(c, "plaintext must be base64")
		return
	}
	if req.SenderKey == "" {
		response.ValidationError(c, "sender_key is required")
		return
	}

	msg, err := h.sessionService.Encrypt(c.Request.Context(), &megolm.EncryptInput{
		SessionID: c.Param("session_id"),
		SenderKey: req.SenderKey,
		Plaintext: plaintext,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, msg)
}

// Decrypt opens a group message for a recipient of the session
// POST /v1/sessions/:session_id/decrypt
func (h *Handler) Decrypt(c *gin.Context) {
	var req domain.DecryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	ciphertext, ok := decodePayload(req.Ciphertext)
	if !ok {
		response.ValidationError(c, "ciphertext must be base64")
		return
	}

	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	resp, err := h.sessionService.Decrypt(c.Request.Context(), &megolm.DecryptInput{
		UserID:     userID,
		SessionID:  c.Param("session_id"),
		Ciphertext: ciphertext,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, resp)
}

// RotateSession supersedes a session with a fresh one
// POST /v1/sessions/:session_id/rotate
func (h *Handler) RotateSession(c *gin.Context) {
	var req domain.RotateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
	}

	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	sess, err := h.sessionService.RotateSessionFor(c.Request.Context(), userID, c.Param("session_id"), req.Reason)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, sess)
}

// ShareSession sends the session key to every device of the given users
// POST /v1/sessions/:session_id/share
func (h *Handler) ShareSession(c *gin.Context) {
	var req domain.ShareSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, deviceID, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	resp, err := h.sessionService.ShareSession(c.Request.Context(), &megolm.ShareSessionInput{
		SessionID:      c.Param("session_id"),
		SenderUserID:   userID,
		SenderDeviceID: deviceID,
		UserIDs:        req.UserIDs,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, resp)
}
