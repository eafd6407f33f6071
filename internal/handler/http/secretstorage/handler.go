package secretstorage

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"e2ee-keyserver/internal/domain"
	"e2ee-keyserver/internal/middleware"
	"e2ee-keyserver/pkg/response"
)

// SecretStorageService stores client-encrypted secrets
type SecretStorageService interface {
	PutKey(ctx context.Context, userID, keyID string, req *domain.PutSecretStorageKeyRequest) (*domain.SecretStorageKey, error)
	GetKey(ctx context.Context, userID, keyID string) (*domain.SecretStorageKey, error)
	ListKeys(ctx context.Context, userID string) ([]*domain.SecretStorageKey, error)
	DeleteKey(ctx context.Context, userID, keyID string) (int64, error)
	SetDefaultKey(ctx context.Context, userID, keyID string) error
	DefaultKey(ctx context.Context, userID string) (*domain.SecretStorageKey, error)
	PutSecret(ctx context.Context, userID, name string, req *domain.PutSecretRequest) (*domain.StoredSecret, error)
	GetSecrets(ctx context.Context, userID string, names []string) (*domain.GetSecretsResponse, error)
	DeleteSecrets(ctx context.Context, userID string, names []string) (int64, error)
	Status(ctx context.Context, userID string) (*domain.SecretStorageStatus, error)
}

// Handler handles secret storage HTTP requests
type Handler struct {
	secretService SecretStorageService
}

// NewHandler creates a new secret storage handler
func NewHandler(secretService SecretStorageService) *Handler {
	return &Handler{secretService: secretService}
}

func (h *Handler) user(c *gin.Context) (string, bool) {
	userID, _, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
	}
	return userID, ok
}

// PutKey stores a key description
// PUT /v1/secret_storage/keys/:key_id
func (h *Handler) PutKey(c *gin.Context) {
	var req domain.PutSecretStorageKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	userID, ok := h.user(c)
	if !ok {
		return
	}

	key, err := h.secretService.PutKey(c.Request.Context(), userID, c.Param("key_id"), &req)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, key)
}

// GetKey returns one key description
// GET /v1/secret_storage/keys/:key_id
func (h *Handler) GetKey(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}

	key, err := h.secretService.GetKey(c.Request.Context(), userID, c.Param("key_id"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, key)
}

// ListKeys returns every key description
// GET /v1/secret_storage/keys
func (h *Handler) ListKeys(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}

	keys, err := h.secretService.ListKeys(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"keys": keys})
}

// DeleteKey removes a key and its ciphertexts
// DELETE /v1/secret_storage/keys/:key_id
func (h *Handler) DeleteKey(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}

	dropped, err := h.secretService.DeleteKey(c.Request.Context(), userID, c.Param("key_id"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"secrets_dropped": dropped})
}

// SetDefaultKey points the default at an existing key
// PUT /v1/secret_storage/default_key
func (h *Handler) SetDefaultKey(c *gin.Context) {
	var req domain.SetDefaultSecretKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	userID, ok := h.user(c)
	if !ok {
		return
	}

	if err := h.secretService.SetDefaultKey(c.Request.Context(), userID, req.KeyID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"key_id": req.KeyID})
}

// DefaultKey returns the default key description
// GET /v1/secret_storage/default_key
func (h *Handler) DefaultKey(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}

	key, err := h.secretService.DefaultKey(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, key)
}

// PutSecret stores one secret
// PUT /v1/secret_storage/secrets/:name
func (h *Handler) PutSecret(c *gin.Context) {
	var req domain.PutSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	userID, ok := h.user(c)
	if !ok {
		return
	}

	secret, err := h.secretService.PutSecret(c.Request.Context(), userID, c.Param("name"), &req)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, secret)
}

// GetSecret returns one secret
// GET /v1/secret_storage/secrets/:name
func (h *Handler) GetSecret(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}

	name := c.Param("name")
	resp, err := h.secretService.GetSecrets(c.Request.Context(), userID, []string{name})
	if err != nil {
		response.FromError(c, err)
		return
	}
	secret := resp.Secrets[name]
	if secret == nil {
		response.NotFound(c, "Secret not found")
		return
	}

	response.Success(c, http.StatusOK, secret)
}

// QuerySecrets returns several secrets at once
// POST /v1/secret_storage/secrets/query
func (h *Handler) QuerySecrets(c *gin.Context) {
	var req domain.GetSecretsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	userID, ok := h.user(c)
	if !ok {
		return
	}

	resp, err := h.secretService.GetSecrets(c.Request.Context(), userID, req.Names)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, resp)
}

// DeleteSecret removes one secret
// DELETE /v1/secret_storage/secrets/:name
func (h *Handler) DeleteSecret(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}

	n, err := h.secretService.DeleteSecrets(c.Request.Context(), userID, []string{c.Param("name")})
	if err != nil {
		response.FromError(c, err)
		return
	}
	if n == 0 {
		response.NotFound(c, "Secret not found")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"deleted": n})
}

// Status summarises the caller's secret storage
// GET /v1/secret_storage
func (h *Handler) Status(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}

	status, err := h.secretService.Status(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, status)
}
