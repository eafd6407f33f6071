package domain

import (
	"fmt"
	"time"
)

// CrossSigningKeyType is one of the three cross-signing roles
type CrossSigningKeyType string

const (
	KeyTypeMaster      CrossSigningKeyType = "master"
	KeyTypeSelfSigning CrossSigningKeyType = "self_signing"
	KeyTypeUserSigning CrossSigningKeyType = "user_signing"
)

// CrossSigningKey is the public key object a user uploads for one role
type CrossSigningKey struct {
	UserID     string            `json:"user_id"`
	Usage      []string          `json:"usage"`
	Keys       map[string]string `json:"keys"`
	Signatures Signatures        `json:"signatures,omitempty"`
}

// SignedObject is the part of the key covered by signatures
func (k *CrossSigningKey) SignedObject() map[string]any {
	return map[string]any{
		"user_id": k.UserID,
		"usage":   k.Usage,
		"keys":    k.Keys,
	}
}

// PublicKey returns the single ed25519 key ID and its base64 public key
func (k *CrossSigningKey) PublicKey() (keyID, publicKey string, err error) {
	if len(k.Keys) != 1 {
		return "", "", fmt.Errorf("cross-signing key must contain exactly one key, got %d", len(k.Keys))
	}
	for id, pub := range k.Keys {
		keyID, publicKey = id, pub
	}
	alg, _, err := SplitKeyID(keyID)
	if err != nil {
		return "", "", err
	}
	if alg != AlgorithmEd25519 {
		return "", "", fmt.Errorf("cross-signing key must be ed25519, got %s", alg)
	}
	return keyID, publicKey, nil
}

// HasUsage reports whether the key declares the given role
func (k *CrossSigningKey) HasUsage(t CrossSigningKeyType) bool {
	for _, u := range k.Usage {
		if u == string(t) {
			return true
		}
	}
	return false
}

// StoredCrossSigningKey is one row of cross_signing_keys
type StoredCrossSigningKey struct {
	UserID    string              `json:"user_id" db:"user_id"`
	KeyType   CrossSigningKeyType `json:"key_type" db:"key_type"`
	KeyID     string              `json:"key_id" db:"key_id"`
	PublicKey string              `json:"public_key" db:"public_key"`
	Key       CrossSigningKey     `json:"key" db:"key_json"`
	CreatedAt time.Time           `json:"created_at" db:"created_at"`
}

// CrossSigningKeys groups a user's current keys. Missing roles are nil.
type CrossSigningKeys struct {
	Master      *StoredCrossSigningKey `json:"master_key,omitempty"`
	SelfSigning *StoredCrossSigningKey `json:"self_signing_key,omitempty"`
	UserSigning *StoredCrossSigningKey `json:"user_signing_key,omitempty"`
}

// ByType returns the stored key for a role
func (c *CrossSigningKeys) ByType(t CrossSigningKeyType) *StoredCrossSigningKey {
	switch t {
	case KeyTypeMaster:
		return c.Master
	case KeyTypeSelfSigning:
		return c.SelfSigning
	case KeyTypeUserSigning:
		return c.UserSigning
	}
	return nil
}

// TargetKind distinguishes the two edge kinds in the trust graph
type TargetKind string

const (
	// TargetDevice is a self-signing key (or master) signature over a device key
	TargetDevice TargetKind = "device"
	// TargetMasterKey is a user-signing key (or device) signature over a master key
	TargetMasterKey TargetKind = "master_key"
)

// SignatureEdge is one stored signature: signer key → target key.
// Maps to the cross_signing_signatures table.
type SignatureEdge struct {
	SignerUserID string     `json:"signer_user_id" db:"signer_user_id"`
	SignerKeyID  string     `json:"signer_key_id" db:"signer_key_id"`
	TargetUserID string     `json:"target_user_id" db:"target_user_id"`
	TargetKind   TargetKind `json:"target_kind" db:"target_kind"`
	TargetID     string     `json:"target_id" db:"target_id"` // device ID or master key ID
	Signature    string     `json:"signature" db:"signature"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// SetupCrossSigningRequest is the body of POST /v1/keys/device_signing/upload
type SetupCrossSigningRequest struct {
	MasterKey      *CrossSigningKey `json:"master_key" binding:"required"`
	SelfSigningKey *CrossSigningKey `json:"self_signing_key" binding:"required"`
	UserSigningKey *CrossSigningKey `json:"user_signing_key" binding:"required"`
}

// SignDeviceRequest is the body of POST /v1/keys/signatures/device
type SignDeviceRequest struct {
	DeviceID    string `json:"device_id" binding:"required"`
	SignerKeyID string `json:"signer_key_id" binding:"required"`
	Signature   string `json:"signature" binding:"required"`
}

// SignUserRequest is the body of POST /v1/keys/signatures/user
type SignUserRequest struct {
	TargetUserID string `json:"target_user_id" binding:"required"`
	SignerKeyID  string `json:"signer_key_id" binding:"required"`
	Signature    string `json:"signature" binding:"required"`
}

// UploadSignaturesResponse reports per user, per key (or device) failures
type UploadSignaturesResponse struct {
	Failures map[string]map[string]Failure `json:"failures"`
}

// SignaturesResponse lists stored signature edges
type SignaturesResponse struct {
	UserID     string          `json:"user_id"`
	Signatures []SignatureEdge `json:"signatures"`
}

// TrustReport is the result of walking a device's signature chain.
// Trusted is never cached; it reflects key state at call time.
type TrustReport struct {
	UserID       string   `json:"user_id"`
	DeviceID     string   `json:"device_id"`
	DeviceSigned bool     `json:"device_signed"`
	UserVerified bool     `json:"user_verified"`
	Trusted      bool     `json:"trusted"`
	Chain        []string `json:"chain"`
	Warning      string   `json:"warning,omitempty"`
}
