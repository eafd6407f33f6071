package keyrequest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"e2ee-keyserver/internal/domain"
	"e2ee-keyserver/internal/middleware"
	"e2ee-keyserver/internal/service/keyrequest"
	apperrors "e2ee-keyserver/pkg/errors"
)

// Mocks
type MockKeyRequestService struct {
	mock.Mock
}

func (m *MockKeyRequestService) Request(ctx context.Context, input *keyrequest.RequestInput) (*domain.RequestRoomKeyResponse, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RequestRoomKeyResponse), args.Error(1)
}

func (m *MockKeyRequestService) Fulfil(ctx context.Context, userID, requestID, deviceID string) (*domain.RoomKeyRequest, error) {
	args := m.Called(ctx, userID, requestID, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RoomKeyRequest), args.Error(1)
}

func (m *MockKeyRequestService) Cancel(ctx context.Context, userID, requestID string) (*domain.RoomKeyRequest, error) {
	args := m.Called(ctx, userID, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RoomKeyRequest), args.Error(1)
}

func (m *MockKeyRequestService) Get(ctx context.Context, userID, requestID string) (*domain.RoomKeyRequest, error) {
	args := m.Called(ctx, userID, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RoomKeyRequest), args.Error(1)
}

func (m *MockKeyRequestService) List(ctx context.Context, userID string, state domain.KeyRequestState) ([]*domain.RoomKeyRequest, error) {
	args := m.Called(ctx, userID, state)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.RoomKeyRequest), args.Error(1)
}

const (
	bob       = "@bob:example.org"
	bobDevice = "BOBLAPTOP"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// authenticated stands in for AuthMiddleware
func authenticated(c *gin.Context) {
	c.Set(middleware.ContextUserID, bob)
	c.Set(middleware.ContextDeviceID, bobDevice)
	c.Next()
}

func newRouter(h *Handler) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1", authenticated)
	v1.POST("/room_keys/requests", h.Create)
	v1.GET("/room_keys/requests", h.List)
	v1.GET("/room_keys/requests/:request_id", h.Get)
	v1.DELETE("/room_keys/requests/:request_id", h.Cancel)
	v1.POST("/room_keys/requests/:request_id/fulfil", h.Fulfil)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code string `json:"code"`
	} `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestCreate_RequestingDeviceFromToken(t *testing.T) {
	// Mocks
	svc := new(MockKeyRequestService)
	r := newRouter(NewHandler(svc))

	// Expectations
	svc.On("Request", mock.Anything, mock.MatchedBy(func(in *keyrequest.RequestInput) bool {
		return in.UserID == bob && in.DeviceID == bobDevice && in.Body.SessionID == "s1"
	})).Return(&domain.RequestRoomKeyResponse{
		Request: &domain.RoomKeyRequest{RequestID: "r1", State: domain.KeyRequestPending},
		SentTo:  []string{"BOBPHONE"},
	}, nil)

	// Execute
	w := do(t, r, http.MethodPost, "/v1/room_keys/requests", map[string]any{
		"body": domain.RoomKeyRequestBody{
			Algorithm: domain.MegolmAlgorithm, RoomID: "!r:example.org", SessionID: "s1", SenderKey: "k",
		},
	})

	// Assert
	assert.Equal(t, http.StatusAccepted, w.Code)
	var resp domain.RequestRoomKeyResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &resp))
	assert.Equal(t, []string{"BOBPHONE"}, resp.SentTo)
	svc.AssertExpectations(t)
}

func TestFulfil_OtherDeviceForbidden(t *testing.T) {
	// Mocks
	svc := new(MockKeyRequestService)
	r := newRouter(NewHandler(svc))

	// Execute
	w := do(t, r, http.MethodPost, "/v1/room_keys/requests/r1/fulfil", domain.FulfilRoomKeyRequest{DeviceID: "BOBPHONE"})

	// Assert
	assert.Equal(t, http.StatusForbidden, w.Code)
	svc.AssertNotCalled(t, "Fulfil", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCancel_ConflictWhenClosed(t *testing.T) {
	// Mocks
	svc := new(MockKeyRequestService)
	r := newRouter(NewHandler(svc))

	// Expectations
	svc.On("Cancel", mock.Anything, bob, "r1").Return(nil, apperrors.ConflictError("key request is no longer pending"))

	// Execute
	w := do(t, r, http.MethodDelete, "/v1/room_keys/requests/r1", nil)

	// Assert
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", decode(t, w).Error.Code)
}

func TestList_PassesState(t *testing.T) {
	// Mocks
	svc := new(MockKeyRequestService)
	r := newRouter(NewHandler(svc))

	// Expectations
	svc.On("List", mock.Anything, bob, domain.KeyRequestFulfilled).Return([]*domain.RoomKeyRequest{{RequestID: "r1"}}, nil)

	// Execute
	w := do(t, r, http.MethodGet, "/v1/room_keys/requests?state=fulfilled", nil)

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}
