package crosssigning

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
	"e2ee-keyserver/internal/service/crosssigning"
	apperrors "e2ee-keyserver/pkg/errors"
)

// Mocks
type MockTrustService struct {
	mock.Mock
}

func (m *MockTrustService) SetupCrossSigning(ctx context.Context, input *crosssigning.SetupCrossSigningInput) (*domain.CrossSigningKeys, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CrossSigningKeys), args.Error(1)
}

func (m *MockTrustService) GetCrossSigningKeys(ctx context.Context, userID string) (*domain.CrossSigningKeys, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CrossSigningKeys), args.Error(1)
}

func (m *MockTrustService) DeleteCrossSigningKeys(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *MockTrustService) SignDevice(ctx context.Context, userID, deviceID, signerKeyID, signature string) (*domain.SignatureEdge, error) {
	args := m.Called(ctx, userID, deviceID, signerKeyID, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SignatureEdge), args.Error(1)
}

func (m *MockTrustService) SignUser(ctx context.Context, userID, targetUserID, signerKeyID, signature string) (*domain.SignatureEdge, error) {
	args := m.Called(ctx, userID, targetUserID, signerKeyID, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SignatureEdge), args.Error(1)
}

func (m *MockTrustService) UploadSignatures(ctx context.Context, userID string, objects map[string]map[string]json.RawMessage) (*domain.UploadSignaturesResponse, error) {
	args := m.Called(ctx, userID, objects)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UploadSignaturesResponse), args.Error(1)
}

func (m *MockTrustService) GetUserSignatures(ctx context.Context, userID string) (*domain.SignaturesResponse, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SignaturesResponse), args.Error(1)
}

func (m *MockTrustService) GetDeviceSignatures(ctx context.Context, userID, deviceID string) (*domain.SignaturesResponse, error) {
	args := m.Called(ctx, userID, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SignaturesResponse), args.Error(1)
}

func (m *MockTrustService) VerifyDevice(ctx context.Context, viewerID, targetUserID, deviceID string) (*domain.TrustReport, error) {
	args := m.Called(ctx, viewerID, targetUserID, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TrustReport), args.Error(1)
}

const (
	alice       = "@alice:example.org"
	aliceDevice = "ALICEPHONE"
	bob         = "@bob:example.org"
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
	v1.POST("/keys/device_signing/upload", h.SetupCrossSigning)
	v1.GET("/keys/device_signing", h.GetCrossSigningKeys)
	v1.DELETE("/keys/device_signing", h.DeleteCrossSigningKeys)
	v1.POST("/keys/signatures/upload", h.UploadSignatures)
	v1.POST("/keys/signatures/device", h.SignDevice)
	v1.POST("/keys/signatures/user", h.SignUser)
	v1.GET("/keys/signatures/:user_id", h.GetUserSignatures)
	v1.GET("/keys/trust/:user_id/:device_id", h.VerifyDevice)
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

func crossSigningKey(usage string) *domain.CrossSigningKey {
	return &domain.CrossSigningKey{
		UserID: bob,
		Usage:  []string{usage},
		Keys:   map[string]string{"ed25519:" + usage: usage + "-public"},
	}
}

func TestSetupCrossSigning_UsesTokenIdentity(t *testing.T) {
	// Mocks
	svc := new(MockTrustService)
	r := newRouter(NewHandler(svc), true)

	// Expectations
	svc.On("SetupCrossSigning", mock.Anything, mock.MatchedBy(func(in *crosssigning.SetupCrossSigningInput) bool {
		return in.UserID == alice && in.Master != nil && in.SelfSigning != nil && in.UserSigning != nil
	})).Return(&domain.CrossSigningKeys{}, nil)

	// Execute: the body names bob but the token says alice
	w := do(t, r, http.MethodPost, "/v1/keys/device_signing/upload", domain.SetupCrossSigningRequest{
		MasterKey:      crossSigningKey("master"),
		SelfSigningKey: crossSigningKey("self_signing"),
		UserSigningKey: crossSigningKey("user_signing"),
	})

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode(t, w).Success)
	svc.AssertExpectations(t)
}

func TestSetupCrossSigning_MissingKey(t *testing.T) {
	// Mocks
	svc := new(MockTrustService)
	r := newRouter(NewHandler(svc), true)

	// Execute
	w := do(t, r, http.MethodPost, "/v1/keys/device_signing/upload", map[string]any{
		"master_key": crossSigningKey("master"),
	})

	// Assert
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode(t, w).Error.Code)
	svc.AssertNotCalled(t, "SetupCrossSigning", mock.Anything, mock.Anything)
}

func TestHandlers_RequireIdentity(t *testing.T) {
	// Mocks
	svc := new(MockTrustService)
	r := newRouter(NewHandler(svc), false)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"get keys", http.MethodGet, "/v1/keys/device_signing", nil},
		{"delete keys", http.MethodDelete, "/v1/keys/device_signing", nil},
		{"sign device", http.MethodPost, "/v1/keys/signatures/device", domain.SignDeviceRequest{DeviceID: "D", SignerKeyID: "ed25519:s", Signature: "sig"}},
		{"verify", http.MethodGet, "/v1/keys/trust/" + bob + "/BOBPHONE", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Execute
			w := do(t, r, tt.method, tt.path, tt.body)

			// Assert
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
	svc.AssertExpectations(t)
}

func TestSignDevice_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"bad signature", apperrors.InvalidSignatureError("signature does not verify"), http.StatusBadRequest, "INVALID_SIGNATURE"},
		{"no self-signing key", apperrors.NotFoundError("Self-signing key"), http.StatusNotFound, "NOT_FOUND"},
		{"database", apperrors.DatabaseError(assert.AnError), http.StatusInternalServerError, "DATABASE_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Mocks
			svc := new(MockTrustService)
			r := newRouter(NewHandler(svc), true)

			// Expectations
			svc.On("SignDevice", mock.Anything, alice, "ALICELAPTOP", "ed25519:self", "c2ln").Return(nil, tt.err)

			// Execute
			w := do(t, r, http.MethodPost, "/v1/keys/signatures/device", domain.SignDeviceRequest{
				DeviceID: "ALICELAPTOP", SignerKeyID: "ed25519:self", Signature: "c2ln",
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

func TestSignUser_Created(t *testing.T) {
	// Mocks
	svc := new(MockTrustService)
	r := newRouter(NewHandler(svc), true)

	// Expectations
	svc.On("SignUser", mock.Anything, alice, bob, "ed25519:usk", "c2ln").Return(&domain.SignatureEdge{
		SignerUserID: alice, TargetUserID: bob, TargetKind: domain.TargetMasterKey,
	}, nil)

	// Execute
	w := do(t, r, http.MethodPost, "/v1/keys/signatures/user", domain.SignUserRequest{
		TargetUserID: bob, SignerKeyID: "ed25519:usk", Signature: "c2ln",
	})

	// Assert
	assert.Equal(t, http.StatusCreated, w.Code)
	var edge domain.SignatureEdge
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &edge))
	assert.Equal(t, bob, edge.TargetUserID)
	svc.AssertExpectations(t)
}

func TestVerifyDevice_ViewerFromToken(t *testing.T) {
	// Mocks
	svc := new(MockTrustService)
	r := newRouter(NewHandler(svc), true)

	// Expectations
	svc.On("VerifyDevice", mock.Anything, alice, bob, "BOBPHONE").Return(&domain.TrustReport{
		UserID: bob, DeviceID: "BOBPHONE", DeviceSigned: true, UserVerified: true, Trusted: true,
	}, nil)

	// Execute
	w := do(t, r, http.MethodGet, "/v1/keys/trust/"+bob+"/BOBPHONE", nil)

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)
	var report domain.TrustReport
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &report))
	assert.True(t, report.Trusted)
	svc.AssertExpectations(t)
}

func TestUploadSignatures_PassesFailuresThrough(t *testing.T) {
	// Mocks
	svc := new(MockTrustService)
	r := newRouter(NewHandler(svc), true)

	// Expectations
	svc.On("UploadSignatures", mock.Anything, alice, mock.Anything).Return(&domain.UploadSignaturesResponse{
		Failures: map[string]map[string]domain.Failure{
			bob: {"BOBPHONE": {Code: "INVALID_SIGNATURE", Message: "bad"}},
		},
	}, nil)

	// Execute
	w := do(t, r, http.MethodPost, "/v1/keys/signatures/upload", map[string]any{
		bob: map[string]any{"BOBPHONE": map[string]string{"device_id": "BOBPHONE"}},
	})

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)
	var resp domain.UploadSignaturesResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &resp))
	assert.Equal(t, "INVALID_SIGNATURE", resp.Failures[bob]["BOBPHONE"].Code)
}
