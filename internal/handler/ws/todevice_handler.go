package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"e2ee-keyserver/internal/middleware"
	"e2ee-keyserver/pkg/constants"
	"e2ee-keyserver/pkg/logger"
	"e2ee-keyserver/pkg/metrics"
	"e2ee-keyserver/pkg/response"
)

// Frame types
const (
	FrameToDevice = "to_device"
	FrameAck      = "ack"
)

// Frame is one websocket message in either direction
type Frame struct {
	Type      string          `json:"type"`
	Event     json.RawMessage `json:"event,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
}

// Subscriber opens the live channel of one device
type Subscriber interface {
	Subscribe(ctx context.Context, userID, deviceID string) *redis.PubSub
}

// Acker deletes delivered messages from a device inbox
type Acker interface {
	Ack(ctx context.Context, userID, deviceID, upTo string) error
}

// ToDeviceHub pushes stored to-device messages to connected devices as
// they are enqueued. The inbox stays the source of truth: a frame dropped
// here is still returned by GET /v1/sendToDevice.
type ToDeviceHub struct {
	subscriber Subscriber
	acker      Acker
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// Client is one connected device
type Client struct {
	hub      *ToDeviceHub
	conn     *websocket.Conn
	send     chan []byte
	userID   string
	deviceID string
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewToDeviceHub creates a new hub. m may be nil.
func NewToDeviceHub(subscriber Subscriber, acker Acker, m *metrics.Metrics, allowedOrigins []string) *ToDeviceHub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}

	return &ToDeviceHub{
		subscriber: subscriber,
		acker:      acker,
		metrics:    m,
		clients:    make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin]
			},
		},
	}
}

func (h *ToDeviceHub) register(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SetWebSocketConnections(n)
	}
}

func (h *ToDeviceHub) unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SetWebSocketConnections(n)
	}
}

// Close disconnects every client
func (h *ToDeviceHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.cancel()
	}
}

// Connections returns the number of connected devices
func (h *ToDeviceHub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams the caller's to-device messages
// GET /v1/ws/to-device
func (h *ToDeviceHub) ServeWS(c *gin.Context) {
	userID, deviceID, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.FromContext(c.Request.Context()).Warn("WebSocket upgrade failed", zap.Error(err))
		if h.metrics != nil {
			h.metrics.RecordWebSocketError("upgrade")
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 256),
		userID:   userID,
		deviceID: deviceID,
		ctx:      ctx,
		cancel:   cancel,
	}
	h.register(client)

	pubsub := h.subscriber.Subscribe(ctx, userID, deviceID)

	go client.forward(pubsub)
	go client.writePump()
	go client.readPump()
}

// forward copies notifications from redis into the send buffer
func (c *Client) forward(pubsub *redis.PubSub) {
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				c.cancel()
				return
			}
			frame, err := json.Marshal(Frame{Type: FrameToDevice, Event: json.RawMessage(msg.Payload)})
			if err != nil {
				continue
			}
			select {
			case c.send <- frame:
			default:
				// Slow reader: the message stays in the inbox
				if c.hub.metrics != nil {
					c.hub.metrics.RecordWebSocketError("send_buffer_full")
				}
			}
		}
	}
}

// readPump handles acks and keeps the read deadline alive
func (c *Client) readPump() {
	defer func() {
		c.cancel()
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(constants.WebSocketMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("To-device stream closed unexpectedly",
					logger.UserID(c.userID),
					logger.DeviceID(c.deviceID),
					zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type != FrameAck || frame.MessageID == "" {
			if c.hub.metrics != nil {
				c.hub.metrics.RecordWebSocketError("invalid_frame")
			}
			continue
		}
		if c.hub.metrics != nil {
			c.hub.metrics.RecordWebSocketMessage(FrameAck, "inbound")
		}

		ctx, cancel := context.WithTimeout(c.ctx, constants.DefaultTimeout)
		if err := c.hub.acker.Ack(ctx, c.userID, c.deviceID, frame.MessageID); err != nil {
			logger.Warn("Failed to ack to-device messages",
				logger.UserID(c.userID),
				logger.DeviceID(c.deviceID),
				zap.Error(err))
		}
		cancel()
	}
}

// writePump writes frames and pings until the client goes away
func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.cancel()
				return
			}
			if c.hub.metrics != nil {
				c.hub.metrics.RecordWebSocketMessage(FrameToDevice, "outbound")
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}
