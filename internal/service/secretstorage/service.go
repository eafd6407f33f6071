package secretstorage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"e2ee-keyserver/internal/domain"
	"e2ee-keyserver/pkg/audit"
	"e2ee-keyserver/pkg/constants"
	apperrors "e2ee-keyserver/pkg/errors"
	"e2ee-keyserver/pkg/keycrypto"
	"e2ee-keyserver/pkg/logger"
	"e2ee-keyserver/pkg/metrics"
)

const maxNameLength = 255

// Store persists key descriptions and encrypted secrets
type Store interface {
	PutKey(ctx context.Context, key *domain.SecretStorageKey) error
	GetKey(ctx context.Context, userID, keyID string) (*domain.SecretStorageKey, error)
	ListKeys(ctx context.Context, userID string) ([]*domain.SecretStorageKey, error)
	DeleteKey(ctx context.Context, userID, keyID string) (int64, error)
	SetDefaultKey(ctx context.Context, userID, keyID string) error
	DefaultKey(ctx context.Context, userID string) (string, error)
	PutSecret(ctx context.Context, secret *domain.StoredSecret) error
	GetSecrets(ctx context.Context, userID string, names []string) ([]*domain.StoredSecret, error)
	ListSecretNames(ctx context.Context, userID string) ([]string, error)
	DeleteSecrets(ctx context.Context, userID string, names []string) (int64, error)
}

// Service stores secrets a user encrypted client-side, such as the
// cross-signing private keys or the backup recovery key. Like backups, the
// server only sees ciphertext.
type Service struct {
	store Store
	audit audit.Recorder
}

// NewService creates a new secret storage service
func NewService(store Store, recorder audit.Recorder) *Service {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Service{store: store, audit: recorder}
}

// validName accepts namespaced identifiers such as m.cross_signing.master
func validName(field, v string) error {
	if v == "" {
		return apperrors.MissingFieldError(field)
	}
	if len(v) > maxNameLength {
		return apperrors.ValidationError(fmt.Sprintf("%s is longer than %d bytes", field, maxNameLength))
	}
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return apperrors.ValidationError(fmt.Sprintf("%s contains %q", field, r))
		}
	}
	return nil
}

func checkCiphertext(field string, ct keycrypto.SecretCiphertext) error {
	nonce, err := keycrypto.DecodeBase64(ct.Nonce)
	if err != nil || len(nonce) != 24 {
		return apperrors.ValidationError(field + ".nonce must be 24 bytes of base64")
	}
	sealed, err := keycrypto.DecodeBase64(ct.Ciphertext)
	if err != nil || len(sealed) < 16 {
		return apperrors.ValidationError(field + ".ciphertext must be base64 and carry a tag")
	}
	if len(sealed) > constants.MaxSecretSize {
		return apperrors.ValidationError(fmt.Sprintf("%s.ciphertext exceeds %d bytes", field, constants.MaxSecretSize))
	}
	return nil
}

// PutKey stores a key description. The key itself never leaves the client;
// check lets other devices confirm they hold the same key.
func (s *Service) PutKey(ctx context.Context, userID, keyID string, req *domain.PutSecretStorageKeyRequest) (*domain.SecretStorageKey, error) {
	if err := validName("key_id", keyID); err != nil {
		return nil, err
	}
	if req.Algorithm != keycrypto.SecretStorageAlgorithm {
		return nil, apperrors.ValidationError(fmt.Sprintf("unsupported secret storage algorithm %q", req.Algorithm))
	}
	if req.Check == nil {
		return nil, apperrors.MissingFieldError("check")
	}
	if err := checkCiphertext("check", *req.Check); err != nil {
		return nil, err
	}
	if len(req.Passphrase) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(req.Passphrase, &obj); err != nil {
			return nil, apperrors.ValidationError("passphrase must be an object")
		}
	}

	existing, err := s.store.ListKeys(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if len(existing) >= constants.MaxSecretStorageKeys && !hasKey(existing, keyID) {
		return nil, apperrors.ValidationError(fmt.Sprintf("at most %d secret storage keys", constants.MaxSecretStorageKeys))
	}

	key := &domain.SecretStorageKey{
		UserID:     userID,
		KeyID:      keyID,
		Algorithm:  req.Algorithm,
		Name:       req.Name,
		Passphrase: req.Passphrase,
		Check:      *req.Check,
	}
	if err := s.store.PutKey(ctx, key); err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	metrics.SecretStorageOpsTotal.WithLabelValues("put_key").Inc()
	s.record(ctx, audit.EventSecretKeyPut, userID, "secret_storage_key:"+keyID)
	logger.FromContext(ctx).Info("Secret storage key stored", logger.UserID(userID), zap.String("key_id", keyID))

	return key, nil
}

func hasKey(keys []*domain.SecretStorageKey, keyID string) bool {
	for _, k := range keys {
		if k.KeyID == keyID {
			return true
		}
	}
	return false
}

// GetKey returns one key description
func (s *Service) GetKey(ctx context.Context, userID, keyID string) (*domain.SecretStorageKey, error) {
	key, err := s.store.GetKey(ctx, userID, keyID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, apperrors.NotFoundError("Secret storage key")
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return key, nil
}

// ListKeys returns every key description of the user
func (s *Service) ListKeys(ctx context.Context, userID string) ([]*domain.SecretStorageKey, error) {
	keys, err := s.store.ListKeys(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if keys == nil {
		keys = []*domain.SecretStorageKey{}
	}
	return keys, nil
}

// DeleteKey removes a key and every ciphertext made with it. Secrets that
// were only encrypted under this key are gone afterwards.
func (s *Service) DeleteKey(ctx context.Context, userID, keyID string) (int64, error) {
	dropped, err := s.store.DeleteKey(ctx, userID, keyID)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, apperrors.NotFoundError("Secret storage key")
	}
	if err != nil {
		return 0, apperrors.DatabaseError(err)
	}

	s.record(ctx, audit.EventSecretKeyDelete, userID, "secret_storage_key:"+keyID)
	logger.FromContext(ctx).Info("Secret storage key deleted",
		logger.UserID(userID),
		zap.String("key_id", keyID),
		zap.Int64("secrets_dropped", dropped))

	return dropped, nil
}

// SetDefaultKey marks the key new secrets should be encrypted under
func (s *Service) SetDefaultKey(ctx context.Context, userID, keyID string) error {
	if err := validName("key_id", keyID); err != nil {
		return err
	}
	err := s.store.SetDefaultKey(ctx, userID, keyID)
	if errors.Is(err, domain.ErrNotFound) {
		return apperrors.NotFoundError("Secret storage key")
	}
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	return nil
}

// DefaultKey returns the default key description
func (s *Service) DefaultKey(ctx context.Context, userID string) (*domain.SecretStorageKey, error) {
	keyID, err := s.store.DefaultKey(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, apperrors.NotFoundError("Default secret storage key")
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return s.GetKey(ctx, userID, keyID)
}

// PutSecret stores a secret encrypted under one or more existing keys. The
// new value replaces every previous ciphertext of the secret.
func (s *Service) PutSecret(ctx context.Context, userID, name string, req *domain.PutSecretRequest) (*domain.StoredSecret, error) {
	if err := validName("name", name); err != nil {
		return nil, err
	}
	if len(req.Encrypted) == 0 {
		return nil, apperrors.MissingFieldError("encrypted")
	}

	keys, err := s.store.ListKeys(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	for keyID, ct := range req.Encrypted {
		if !hasKey(keys, keyID) {
			return nil, apperrors.NotFoundError(fmt.Sprintf("Secret storage key %s", keyID))
		}
		if err := checkCiphertext("encrypted."+keyID, ct); err != nil {
			return nil, err
		}
	}

	secret := &domain.StoredSecret{
		UserID:    userID,
		Name:      name,
		Encrypted: req.Encrypted,
	}
	if err := s.store.PutSecret(ctx, secret); err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	metrics.SecretStorageOpsTotal.WithLabelValues("put_secret").Inc()
	s.record(ctx, audit.EventSecretPut, userID, "secret:"+name)

	return secret, nil
}

// GetSecrets returns the named secrets; names with nothing stored map to nil
func (s *Service) GetSecrets(ctx context.Context, userID string, names []string) (*domain.GetSecretsResponse, error) {
	if err := checkNames(names); err != nil {
		return nil, err
	}

	found, err := s.store.GetSecrets(ctx, userID, names)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	resp := &domain.GetSecretsResponse{Secrets: make(map[string]*domain.StoredSecret, len(names))}
	for _, name := range names {
		resp.Secrets[name] = nil
	}
	for _, secret := range found {
		resp.Secrets[secret.Name] = secret
	}
	metrics.SecretStorageOpsTotal.WithLabelValues("get_secrets").Inc()

	return resp, nil
}

// DeleteSecrets removes the named secrets and reports how many existed
func (s *Service) DeleteSecrets(ctx context.Context, userID string, names []string) (int64, error) {
	if err := checkNames(names); err != nil {
		return 0, err
	}
	n, err := s.store.DeleteSecrets(ctx, userID, names)
	if err != nil {
		return 0, apperrors.DatabaseError(err)
	}
	if n > 0 {
		s.record(ctx, audit.EventSecretDelete, userID, fmt.Sprintf("secrets:%d", n))
	}
	return n, nil
}

func checkNames(names []string) error {
	if len(names) == 0 {
		return apperrors.MissingFieldError("names")
	}
	if len(names) > constants.MaxSecretsPerQuery {
		return apperrors.ValidationError(fmt.Sprintf("at most %d names per call", constants.MaxSecretsPerQuery))
	}
	for _, name := range names {
		if err := validName("names", name); err != nil {
			return err
		}
	}
	return nil
}

// Status lists the user's keys, default key and secret names
func (s *Service) Status(ctx context.Context, userID string) (*domain.SecretStorageStatus, error) {
	keys, err := s.store.ListKeys(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	names, err := s.store.ListSecretNames(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	defaultKey, err := s.store.DefaultKey(ctx, userID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, apperrors.DatabaseError(err)
	}

	status := &domain.SecretStorageStatus{
		DefaultKeyID: defaultKey,
		KeyIDs:       make([]string, 0, len(keys)),
		Secrets:      names,
	}
	for _, k := range keys {
		status.KeyIDs = append(status.KeyIDs, k.KeyID)
	}
	sort.Strings(status.KeyIDs)
	if status.Secrets == nil {
		status.Secrets = []string{}
	}
	return status, nil
}

func (s *Service) record(ctx context.Context, event audit.AuditEventType, userID, resource string) {
	err := s.audit.Log(ctx, &audit.AuditEvent{
		UserID:    userID,
		EventType: event,
		Resource:  resource,
		Success:   true,
	})
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to write audit event", zap.Error(err))
	}
}
