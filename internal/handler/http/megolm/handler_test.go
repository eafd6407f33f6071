package megolm

import (
	"bytes"
	"context"
	"encoding/base64"
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
	"e2ee-keyserver/internal/service/megolm"
	apperrors "e2ee-keyserver/pkg/errors"
)

// Mocks
type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) CreateSession(ctx context.Context, input *megolm.CreateSessionInput) (*domain.MegolmSession, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.MegolmSession), args.Error(1)
}

func (m *MockSessionService) RoomSessions(ctx context.Context, userID, roomID string) ([]*domain.MegolmSession, error) {
	args := m.Called(ctx, userID, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.MegolmSession), args.Error(1)
}

func (m *MockSessionService) Encrypt(ctx context.Context, input *megolm.EncryptInput) (*domain.EncryptedGroupMessage, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.EncryptedGroupMessage), args.Error(1)
}

func (m *MockSessionService) EncryptForRoom(ctx context.Context, input *megolm.EncryptForRoomInput) (*domain.EncryptForRoomResponse, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.EncryptForRoomResponse), args.Error(1)
}

func (m *MockSessionService) Decrypt(ctx context.Context, input *megolm.DecryptInput) (*domain.DecryptResponse, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DecryptResponse), args.Error(1)
}

func (m *MockSessionService) RotateSessionFor(ctx context.Context, userID, sessionID string, reason domain.RotationReason) (*domain.MegolmSession, error) {
	args := m.Called(ctx, userID, sessionID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.MegolmSession), args.Error(1)
}

func (m *MockSessionService) ShareSession(ctx context.Context, input *megolm.ShareSessionInput) (*domain.ShareSessionResponse, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ShareSessionResponse), args.Error(1)
}

const (
	alice       = "@alice:example.org"
	aliceDevice = "ALICEPHONE"
	bob         = "@bob:example.org"
	room        = "!room:example.org"
	sessionID   = "0f1e2d3c"
	senderKey   = "c2VuZGVyLWtleQ"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// authenticated stands in for AuthMiddleware
func authenticated(c *gin.Context) {
	c.Set(middleware.ContextUserID, alice)
	c.Set(middleware.ContextDeviceID, aliceDevice)
	c.Next()
}

func newRouter(h *Handler, auth bool) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1")
	if auth {
		v1.Use(authenticated)
	}
	v1.POST("/rooms/:room_id/sessions", h.CreateSession)
	v1.GET("/rooms/:room_id/sessions", h.RoomSessions)
	v1.POST("/rooms/:room_id/encrypt", h.EncryptForRoom)
	v1.POST("/sessions/:session_id/encrypt", h.Encrypt)
	v1.POST("/sessions/:session_id/decrypt", h.Decrypt)
	v1.POST("/sessions/:session_id/rotate", h.RotateSession)
	v1.POST("/sessions/:session_id/share", h.ShareSession)
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

func TestShareSession_SenderFromToken(t *testing.T) {
	// Mocks
	svc := new(MockSessionService)
	r := newRouter(NewHandler(svc), true)

	// Expectations
	svc.On("ShareSession", mock.Anything, &megolm.ShareSessionInput{
		SessionID:      sessionID,
		SenderUserID:   alice,
		SenderDeviceID: aliceDevice,
		UserIDs:        []string{bob},
	}).Return(&domain.ShareSessionResponse{
		SessionID: sessionID,
		Shared:    map[string][]string{bob: {"BOB1"}},
		Failures:  map[string]domain.Failure{},
		FailedDevices: map[string]map[string]domain.Failure{
			bob: {"BOB2": {Code: "EXHAUSTED", Message: "device has no one-time keys"}},
		},
	}, nil)

	// Execute
	w := do(t, r, http.MethodPost, "/v1/sessions/"+sessionID+"/share", domain.ShareSessionRequest{UserIDs: []string{bob}})

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)
	var resp domain.ShareSessionResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &resp))
	assert.Equal(t, []string{"BOB1"}, resp.Shared[bob])
	assert.Contains(t, resp.FailedDevices[bob], "BOB2")
	svc.AssertExpectations(t)
}

func TestShareSession_EmptyUsers(t *testing.T) {
	// Mocks
	svc := new(MockSessionService)
	r := newRouter(NewHandler(svc), true)

	// Execute
	w := do(t, r, http.MethodPost, "/v1/sessions/"+sessionID+"/share", domain.ShareSessionRequest{UserIDs: []string{}})

	// Assert
	assert.Equal(t, http.StatusBadRequest, w.Code)
	svc.AssertNotCalled(t, "ShareSession", mock.Anything, mock.Anything)
}

func TestEncryptForRoom_IdentityAndPayload(t *testing.T) {
	// Mocks
	svc := new(MockSessionService)
	r := newRouter(NewHandler(svc), true)

	// Expectations
	svc.On("EncryptForRoom", mock.Anything, mock.MatchedBy(func(in *megolm.EncryptForRoomInput) bool {
		return in.UserID == alice && in.DeviceID == aliceDevice && in.RoomID == room &&
			string(in.Plaintext) == "hello" && in.SenderKey == senderKey
	})).Return(&domain.EncryptForRoomResponse{
		Message: &domain.EncryptedGroupMessage{SessionID: sessionID, MessageIndex: 3},
	}, nil)

	// Execute
	w := do(t, r, http.MethodPost, "/v1/rooms/"+room+"/encrypt", domain.EncryptRequest{
		SenderKey: senderKey,
		Plaintext: base64.StdEncoding.EncodeToString([]byte("hello")),
	})

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)
	var resp domain.EncryptForRoomResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &resp))
	assert.Equal(t, uint32(3), resp.Message.MessageIndex)
	svc.AssertExpectations(t)
}

func TestEncryptForRoom_RejectsBadBase64(t *testing.T) {
	// Mocks
	svc := new(MockSessionService)
	r := newRouter(NewHandler(svc), true)

	// Execute
	w := do(t, r, http.MethodPost, "/v1/rooms/"+room+"/encrypt", domain.EncryptRequest{Plaintext: "%%%"})

	// Assert
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode(t, w).Error.Code)
	svc.AssertNotCalled(t, "EncryptForRoom", mock.Anything, mock.Anything)
}

func TestDecrypt_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not a member", apperrors.ForbiddenError("not a member of the room"), http.StatusForbidden, "FORBIDDEN"},
		{"unknown session", apperrors.NotFoundError("Session"), http.StatusNotFound, "NOT_FOUND"},
		{"wrong key", apperrors.ValidationError("ciphertext does not decrypt under this session"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"internal", apperrors.InternalError("failed to unwrap session seed"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Mocks
			svc := new(MockSessionService)
			r := newRouter(NewHandler(svc), true)

			// Expectations
			svc.On("Decrypt", mock.Anything, mock.MatchedBy(func(in *megolm.DecryptInput) bool {
				return in.UserID == alice && in.SessionID == sessionID && string(in.Ciphertext) == "sealed"
			})).Return(nil, tt.err)

			// Execute
			w := do(t, r, http.MethodPost, "/v1/sessions/"+sessionID+"/decrypt", domain.DecryptRequest{
				Ciphertext: base64.StdEncoding.EncodeToString([]byte("sealed")),
			})

			// Assert
			assert.Equal(t, tt.status, w.Code)
			env := decode(t, w)
			assert.False(t, env.Success)
			assert.Equal(t, tt.code, env.Error.Code)
			svc.AssertExpectations(t)
		})
	}
}

func TestEncrypt_ConflictOnSupersededSession(t *testing.T) {
	// Mocks
	svc := new(MockSessionService)
	r := newRouter(NewHandler(svc), true)

	// Expectations
	svc.On("Encrypt", mock.Anything, mock.Anything).Return(nil, apperrors.ConflictError("session is superseded or expired"))

	// Execute
	w := do(t, r, http.MethodPost, "/v1/sessions/"+sessionID+"/encrypt", domain.EncryptRequest{
		SenderKey: senderKey,
		Plaintext: base64.StdEncoding.EncodeToString([]byte("late")),
	})

	// Assert
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", decode(t, w).Error.Code)
}

func TestRotateSession_EmptyBodyAndCaller(t *testing.T) {
	// Mocks
	svc := new(MockSessionService)
	r := newRouter(NewHandler(svc), true)

	// Expectations
	svc.On("RotateSessionFor", mock.Anything, alice, sessionID, domain.RotationReason("")).
		Return(&domain.MegolmSession{SessionID: "next"}, nil)

	// Execute
	w := do(t, r, http.MethodPost, "/v1/sessions/"+sessionID+"/rotate", nil)

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}

func TestHandlers_RequireIdentity(t *testing.T) {
	// Mocks
	svc := new(MockSessionService)
	r := newRouter(NewHandler(svc), false)

	tests := []struct {
		name string
		path string
		body any
	}{
		{"create", "/v1/rooms/" + room + "/sessions", domain.CreateSessionRequest{SenderKey: senderKey}},
		{"share", "/v1/sessions/" + sessionID + "/share", domain.ShareSessionRequest{UserIDs: []string{bob}}},
		{"decrypt", "/v1/sessions/" + sessionID + "/decrypt", domain.DecryptRequest{Ciphertext: "c2VhbGVk"}},
		{"rotate", "/v1/sessions/" + sessionID + "/rotate", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Execute
			w := do(t, r, http.MethodPost, tt.path, tt.body)

			// Assert
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
	svc.AssertExpectations(t)
}
