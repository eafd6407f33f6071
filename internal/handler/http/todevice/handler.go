package todevice

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"e2ee-keyserver/internal/domain"
	"e2ee-keyserver/internal/middleware"
	"e2ee-keyserver/internal/service/todevice"
	"e2ee-keyserver/pkg/response"
)

// DeliveryService is the to-device channel
type DeliveryService interface {
	SendMessages(ctx context.Context, input *todevice.SendMessagesInput) error
	ReadInbox(ctx context.Context, userID, deviceID, since string, limit int) (*domain.ToDeviceInbox, error)
	Ack(ctx context.Context, userID, deviceID, upTo string) error
}

// Handler handles to-device HTTP requests
type Handler struct {
	deliveryService DeliveryService
}

// NewHandler creates a new to-device handler
func NewHandler(deliveryService DeliveryService) *Handler {
	return &Handler{
		deliveryService: deliveryService,
	}
}

// SendToDevice queues messages for other devices
// PUT /v1/sendToDevice/:event_type/:txn_id
func (h *Handler) SendToDevice(c *gin.Context) {
	var req domain.SendToDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, deviceID, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	err := h.deliveryService.SendMessages(c.Request.Context(), &todevice.SendMessagesInput{
		SenderUserID:   userID,
		SenderDeviceID: deviceID,
		EventType:      c.Param("event_type"),
		TxnID:          c.Param("txn_id"),
		Messages:       req.Messages,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{})
}

// Inbox returns the next page of the calling device's inbox. ?ack=<id>
// first deletes everything up to that message.
// GET /v1/sendToDevice?since=&limit=&ack=
func (h *Handler) Inbox(c *gin.Context) {
	userID, deviceID, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	if ack := c.Query("ack"); ack != "" {
		if err := h.deliveryService.Ack(c.Request.Context(), userID, deviceID, ack); err != nil {
			response.FromError(c, err)
			return
		}
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.ValidationError(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	inbox, err := h.deliveryService.ReadInbox(c.Request.Context(), userID, deviceID, c.Query("since"), limit)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, inbox)
}
