package domain

import (
	"encoding/json"
	"time"

	"e2ee-keyserver/pkg/keycrypto"
)

// SecretStorageKey describes one key a user encrypts secrets under. The
// server never holds the key, only the check value that lets a client
// confirm it typed the right one.
// Maps to the secret_storage_keys table.
type SecretStorageKey struct {
	UserID     string                     `json:"-" db:"user_id"`
	KeyID      string                     `json:"key_id" db:"key_id"`
	Algorithm  string                     `json:"algorithm" db:"algorithm"`
	Name       string                     `json:"name,omitempty" db:"name"`
	Passphrase json.RawMessage            `json:"passphrase,omitempty" db:"passphrase"`
	Check      keycrypto.SecretCiphertext `json:"check" db:"key_check"`
	CreatedAt  time.Time                  `json:"created_at" db:"created_at"`
}

// StoredSecret is one named secret encrypted under one or more storage keys.
// Maps to the stored_secrets table.
type StoredSecret struct {
	UserID    string                                `json:"-" db:"user_id"`
	Name      string                                `json:"name" db:"name"`
	Encrypted map[string]keycrypto.SecretCiphertext `json:"encrypted" db:"encrypted"`
	UpdatedAt time.Time                             `json:"updated_at" db:"updated_at"`
}

// PutSecretStorageKeyRequest is the body of PUT /v1/secret_storage/keys/:key_id
type PutSecretStorageKeyRequest struct {
	Algorithm  string                      `json:"algorithm" binding:"required"`
	Name       string                      `json:"name,omitempty"`
	Passphrase json.RawMessage             `json:"passphrase,omitempty"`
	Check      *keycrypto.SecretCiphertext `json:"check" binding:"required"`
}

// SetDefaultSecretKeyRequest is the body of PUT /v1/secret_storage/default_key
type SetDefaultSecretKeyRequest struct {
	KeyID string `json:"key_id" binding:"required"`
}

// PutSecretRequest is the body of PUT /v1/secret_storage/secrets/:name
type PutSecretRequest struct {
	Encrypted map[string]keycrypto.SecretCiphertext `json:"encrypted" binding:"required"`
}

// GetSecretsRequest is the body of POST /v1/secret_storage/secrets/query
type GetSecretsRequest struct {
	Names []string `json:"names" binding:"required,min=1"`
}

// GetSecretsResponse maps each requested name to its secret, or null
type GetSecretsResponse struct {
	Secrets map[string]*StoredSecret `json:"secrets"`
}

// SecretStorageStatus summarises what a user has stored
type SecretStorageStatus struct {
	DefaultKeyID string   `json:"default_key_id,omitempty"`
	KeyIDs       []string `json:"key_ids"`
	Secrets      []string `json:"secrets"`
}
