package keys

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"e2ee-keyserver/internal/domain"
	"e2ee-keyserver/internal/middleware"
	"e2ee-keyserver/internal/service/devicekeys"
	apperrors "e2ee-keyserver/pkg/errors"
)

// Mocks
type MockKeyService struct {
	mock.Mock
}

func (m *MockKeyService) UploadKeys(ctx context.Context, input *devicekeys.UploadKeysInput) (*domain.UploadKeysResponse, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UploadKeysResponse), args.Error(1)
}

func (m *MockKeyService) QueryKeys(ctx context.Context, requesterID string, input *devicekeys.QueryKeysInput) (*domain.QueryKeysResponse, error) {
	args := m.Called(ctx, requesterID, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.QueryKeysResponse), args.Error(1)
}

func (m *MockKeyService) ClaimKeys(ctx context.Context, input *devicekeys.ClaimKeysInput) (*domain.ClaimKeysResponse, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ClaimKeysResponse), args.Error(1)
}

func (m *MockKeyService) KeyChanges(ctx context.Context, userID, from, to string) (*domain.KeyChangesResponse, error) {
	args := m.Called(ctx, userID, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.KeyChangesResponse), args.Error(1)
}

func (m *MockKeyService) DeleteDeviceKeys(ctx context.Context, userID, deviceID string) error {
	args := m.Called(ctx, userID, deviceID)
	return args.Error(0)
}

const (
	alice       = "@alice:example.org"
	aliceDevice = "ALICEPHONE"
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

func newRouter(h *Handler) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1", authenticated)
	v1.POST("/keys/upload", h.UploadKeys)
	v1.POST("/keys/query", h.QueryKeys)
	v1.POST("/keys/claim", h.ClaimKeys)
	v1.GET("/keys/changes", h.KeyChanges)
	v1.DELETE("/devices/:device_id/keys", h.DeleteDeviceKeys)
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

func TestUploadKeys_UsesTokenIdentity(t *testing.T) {
	// Mocks
	svc := new(MockKeyService)
	r := newRouter(NewHandler(svc))

	// Expectations
	svc.On("UploadKeys", mock.Anything, mock.MatchedBy(func(in *devicekeys.UploadKeysInput) bool {
		return in.UserID == alice && in.DeviceID == aliceDevice && len(in.OneTimeKeys) == 1
	})).Return(&domain.UploadKeysResponse{
		OneTimeKeyCounts: map[domain.Algorithm]int{domain.AlgorithmSignedCurve25519: 1},
	}, nil)

	// Execute
	w := do(t, r, http.MethodPost, "/v1/keys/upload", map[string]any{
		"one_time_keys": map[string]any{"signed_curve25519:AAAA": map[string]string{"key": "k"}},
	})

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)
	env := decode(t, w)
	assert.True(t, env.Success)
	assert.JSONEq(t, `{"one_time_key_counts":{"signed_curve25519":1}}`, string(env.Data))
	svc.AssertExpectations(t)
}

func TestQueryKeys_PassesTimeout(t *testing.T) {
	svc := new(MockKeyService)
	r := newRouter(NewHandler(svc))

	svc.On("QueryKeys", mock.Anything, alice, &devicekeys.QueryKeysInput{
		Requests: map[string][]string{"@bob:example.org": {}},
		Timeout:  2500 * time.Millisecond,
	}).Return(&domain.QueryKeysResponse{Failures: map[string]domain.Failure{}}, nil)

	w := do(t, r, http.MethodPost, "/v1/keys/query", map[string]any{
		"device_keys": map[string][]string{"@bob:example.org": {}},
		"timeout":     2500,
	})

	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}

func TestQueryKeys_RequiresBody(t *testing.T) {
	svc := new(MockKeyService)
	r := newRouter(NewHandler(svc))

	w := do(t, r, http.MethodPost, "/v1/keys/query", map[string]any{})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	svc.AssertNotCalled(t, "QueryKeys")
}

func TestClaimKeys_MapsServiceErrors(t *testing.T) {
	svc := new(MockKeyService)
	r := newRouter(NewHandler(svc))

	svc.On("ClaimKeys", mock.Anything, mock.Anything).
		Return(nil, apperrors.ValidationError("identity keys cannot be claimed"))

	w := do(t, r, http.MethodPost, "/v1/keys/claim", map[string]any{
		"one_time_keys": map[string]map[string]string{"@bob:example.org": {"BOBPHONE": "ed25519"}},
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(apperrors.ErrCodeValidation), decode(t, w).Error.Code)
}

func TestKeyChanges(t *testing.T) {
	svc := new(MockKeyService)
	r := newRouter(NewHandler(svc))

	svc.On("KeyChanges", mock.Anything, alice, "10", "").
		Return(&domain.KeyChangesResponse{Changed: []string{"@bob:example.org"}, Left: []string{}}, nil)

	w := do(t, r, http.MethodGet, "/v1/keys/changes?from=10", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/v1/keys/changes", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	svc.AssertNumberOfCalls(t, "KeyChanges", 1)
}

func TestDeleteDeviceKeys_NotFound(t *testing.T) {
	svc := new(MockKeyService)
	r := newRouter(NewHandler(svc))

	svc.On("DeleteDeviceKeys", mock.Anything, alice, "OLDLAPTOP").Return(apperrors.NotFoundError("Device"))

	w := do(t, r, http.MethodDelete, "/v1/devices/OLDLAPTOP/keys", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	svc.AssertExpectations(t)
}
