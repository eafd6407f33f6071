package backup

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
	"e2ee-keyserver/internal/service/backup"
	apperrors "e2ee-keyserver/pkg/errors"
)

// Mocks
type MockBackupService struct {
	mock.Mock
}

func (m *MockBackupService) CreateVersion(ctx context.Context, userID string, req *domain.CreateBackupVersionRequest) (*domain.KeyBackupVersion, error) {
	args := m.Called(ctx, userID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.KeyBackupVersion), args.Error(1)
}

func (m *MockBackupService) GetVersion(ctx context.Context, userID string, version int64) (*domain.KeyBackupVersion, error) {
	args := m.Called(ctx, userID, version)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.KeyBackupVersion), args.Error(1)
}

func (m *MockBackupService) ListVersions(ctx context.Context, userID string) ([]*domain.KeyBackupVersion, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.KeyBackupVersion), args.Error(1)
}

func (m *MockBackupService) UpdateVersion(ctx context.Context, userID string, version int64, req *domain.UpdateBackupVersionRequest) error {
	args := m.Called(ctx, userID, version, req)
	return args.Error(0)
}

func (m *MockBackupService) DeleteVersion(ctx context.Context, userID string, version int64) (int64, error) {
	args := m.Called(ctx, userID, version)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockBackupService) UploadKeys(ctx context.Context, input *backup.UploadKeysInput) (*domain.UploadRoomKeysResponse, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UploadRoomKeysResponse), args.Error(1)
}

func (m *MockBackupService) GetKeys(ctx context.Context, userID string, version int64, roomID, sessionID string) (*domain.RoomKeys, error) {
	args := m.Called(ctx, userID, version, roomID, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RoomKeys), args.Error(1)
}

func (m *MockBackupService) RecoverKeys(ctx context.Context, input *backup.RecoverInput) (*domain.RecoverKeysResponse, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RecoverKeysResponse), args.Error(1)
}

func (m *MockBackupService) RecoveryProgress(ctx context.Context, userID string, version int64) (*domain.RecoveryProgress, error) {
	args := m.Called(ctx, userID, version)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RecoveryProgress), args.Error(1)
}

func (m *MockBackupService) RecoverRoomKeys(ctx context.Context, userID string, version int64, roomID string) (*domain.RecoverKeysResponse, error) {
	args := m.Called(ctx, userID, version, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RecoverKeysResponse), args.Error(1)
}

func (m *MockBackupService) RecoverSessionKey(ctx context.Context, userID string, version int64, roomID, sessionID string) (*domain.RecoverKeysResponse, error) {
	args := m.Called(ctx, userID, version, roomID, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RecoverKeysResponse), args.Error(1)
}

func (m *MockBackupService) VerifyBackup(ctx context.Context, userID string, version int64) (*domain.VerifyBackupResponse, error) {
	args := m.Called(ctx, userID, version)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.VerifyBackupResponse), args.Error(1)
}

func (m *MockBackupService) ExportArchive(ctx context.Context, userID string, version int64) (*domain.BackupArchive, error) {
	args := m.Called(ctx, userID, version)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.BackupArchive), args.Error(1)
}

const alice = "@alice:example.org"

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(h *Handler) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, alice)
		c.Set(middleware.ContextDeviceID, "ALICEPHONE")
		c.Next()
	})
	v1.POST("/room_keys/version", h.CreateVersion)
	v1.GET("/room_keys/version", h.GetVersion)
	v1.DELETE("/room_keys/version/:version", h.DeleteVersion)
	v1.PUT("/room_keys/keys", h.UploadKeys)
	v1.POST("/room_keys/recover/:version/:room_id", h.RecoverScoped)
	v1.POST("/room_keys/recover/:version/:room_id/:session_id", h.RecoverScoped)
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

func TestCreateVersion_ReturnsVersionString(t *testing.T) {
	// Mocks
	svc := new(MockBackupService)
	r := newRouter(NewHandler(svc))

	// Expectations
	svc.On("CreateVersion", mock.Anything, alice, mock.MatchedBy(func(req *domain.CreateBackupVersionRequest) bool {
		return req.Algorithm == "m.megolm_backup.v1.curve25519-aes-sha2"
	})).Return(&domain.KeyBackupVersion{Version: 3}, nil)

	// Execute
	w := do(t, r, http.MethodPost, "/v1/room_keys/version", map[string]any{
		"algorithm": "m.megolm_backup.v1.curve25519-aes-sha2",
		"auth_data": map[string]string{"public_key": "abc"},
	})

	// Assert
	assert.Equal(t, http.StatusCreated, w.Code)
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.True(t, env.Success)
	assert.JSONEq(t, `{"version":"3"}`, string(env.Data))
	svc.AssertExpectations(t)
}

func TestGetVersion_CurrentWhenNoVersion(t *testing.T) {
	svc := new(MockBackupService)
	r := newRouter(NewHandler(svc))

	svc.On("GetVersion", mock.Anything, alice, int64(0)).Return(nil, apperrors.NotFoundError("Backup version"))

	w := do(t, r, http.MethodGet, "/v1/room_keys/version", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	svc.AssertExpectations(t)
}

func TestDeleteVersion_RejectsBadVersion(t *testing.T) {
	svc := new(MockBackupService)
	r := newRouter(NewHandler(svc))

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodDelete, "/v1/room_keys/version/0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodDelete, "/v1/room_keys/version/abc", nil).Code)
	svc.AssertNotCalled(t, "DeleteVersion")
}

func TestUploadKeys_StrictVersion(t *testing.T) {
	svc := new(MockBackupService)
	r := newRouter(NewHandler(svc))

	svc.On("UploadKeys", mock.Anything, mock.MatchedBy(func(in *backup.UploadKeysInput) bool {
		return in.UserID == alice && in.Version == 2 && in.RequireCurrent && len(in.Rooms.Rooms) == 1
	})).Return(nil, apperrors.ConflictError("Backup version 2 is not the current version"))

	w := do(t, r, http.MethodPut, "/v1/room_keys/keys?version=2&strict=true", map[string]any{
		"rooms": map[string]any{
			"!room:example.org": map[string]any{"sessions": map[string]any{}},
		},
	})

	assert.Equal(t, http.StatusConflict, w.Code)
	svc.AssertExpectations(t)
}

func TestRecoverScoped_Dispatch(t *testing.T) {
	svc := new(MockBackupService)
	r := newRouter(NewHandler(svc))

	svc.On("RecoverRoomKeys", mock.Anything, alice, int64(1), "!room:example.org").
		Return(&domain.RecoverKeysResponse{Version: 1}, nil)
	svc.On("RecoverSessionKey", mock.Anything, alice, int64(1), "!room:example.org", "sess1").
		Return(&domain.RecoverKeysResponse{Version: 1}, nil)

	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/v1/room_keys/recover/1/!room:example.org", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/v1/room_keys/recover/1/!room:example.org/sess1", nil).Code)
	svc.AssertExpectations(t)
}
