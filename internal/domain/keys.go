package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"e2ee-keyserver/pkg/keycrypto"
)

// Algorithm names a device key algorithm
type Algorithm string

const (
	AlgorithmCurve25519       Algorithm = "curve25519"
	AlgorithmEd25519          Algorithm = "ed25519"
	AlgorithmSignedCurve25519 Algorithm = "signed_curve25519"
)

// Valid reports whether a is one of the supported algorithms
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmCurve25519, AlgorithmEd25519, AlgorithmSignedCurve25519:
		return true
	}
	return false
}

// Signatures maps signer (user ID) to key ID to signature
type Signatures map[string]map[string]string

// Get returns the signature made by userID's keyID, if any
func (s Signatures) Get(userID, keyID string) (string, bool) {
	byKey, ok := s[userID]
	if !ok {
		return "", false
	}
	sig, ok := byKey[keyID]
	return sig, ok
}

// Add records a signature, allocating as needed
func (s Signatures) Add(userID, keyID, signature string) {
	if s[userID] == nil {
		s[userID] = make(map[string]string)
	}
	s[userID][keyID] = signature
}

// Merge copies other into s
func (s Signatures) Merge(other Signatures) {
	for userID, byKey := range other {
		for keyID, sig := range byKey {
			s.Add(userID, keyID, sig)
		}
	}
}

// SplitKeyID splits "<algorithm>:<id>"
func SplitKeyID(keyID string) (Algorithm, string, error) {
	alg, id, ok := strings.Cut(keyID, ":")
	if !ok || alg == "" || id == "" {
		return "", "", fmt.Errorf("malformed key id %q", keyID)
	}
	return Algorithm(alg), id, nil
}

// KeyMaterial is the closed set of key kinds a device can publish.
// Build values with ParseKeyMaterial; the unexported method keeps other
// packages from adding variants.
type KeyMaterial interface {
	Algorithm() Algorithm
	PublicKey() string
	isKeyMaterial()
}

// Curve25519Key is a device identity key used for pairwise channels
type Curve25519Key struct {
	Key [32]byte
}

func (k Curve25519Key) Algorithm() Algorithm { return AlgorithmCurve25519 }
func (k Curve25519Key) PublicKey() string    { return keycrypto.EncodeBase64(k.Key[:]) }
func (Curve25519Key) isKeyMaterial()         {}

// Ed25519Key is a device signing key
type Ed25519Key struct {
	Key [32]byte
}

func (k Ed25519Key) Algorithm() Algorithm { return AlgorithmEd25519 }
func (k Ed25519Key) PublicKey() string    { return keycrypto.EncodeBase64(k.Key[:]) }
func (Ed25519Key) isKeyMaterial()         {}

// SignedCurve25519Key is a one-time (or fallback) key signed by the device
type SignedCurve25519Key struct {
	Key        [32]byte
	Signatures Signatures
	Fallback   bool
}

func (k SignedCurve25519Key) Algorithm() Algorithm { return AlgorithmSignedCurve25519 }
func (k SignedCurve25519Key) PublicKey() string    { return keycrypto.EncodeBase64(k.Key[:]) }
func (SignedCurve25519Key) isKeyMaterial()         {}

// SignedObject is the JSON the device signed
func (k SignedCurve25519Key) SignedObject() map[string]any {
	obj := map[string]any{"key": k.PublicKey()}
	if k.Fallback {
		obj["fallback"] = true
	}
	return obj
}

func decodeKey32(encoded string) ([32]byte, error) {
	var out [32]byte
	raw, err := keycrypto.DecodeBase64(encoded)
	if err != nil {
		return out, fmt.Errorf("key is not base64: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("key must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// signedKeyWire is the wire shape of a signed_curve25519 key
type signedKeyWire struct {
	Key        string     `json:"key"`
	Signatures Signatures `json:"signatures,omitempty"`
	Fallback   bool       `json:"fallback,omitempty"`
}

// ParseKeyMaterial validates raw (a JSON string or, for signed keys, an
// object) for the given algorithm.
func ParseKeyMaterial(alg Algorithm, raw json.RawMessage) (KeyMaterial, error) {
	switch alg {
	case AlgorithmCurve25519, AlgorithmEd25519:
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, fmt.Errorf("%s key must be a string", alg)
		}
		key, err := decodeKey32(encoded)
		if err != nil {
			return nil, err
		}
		if alg == AlgorithmCurve25519 {
			return Curve25519Key{Key: key}, nil
		}
		return Ed25519Key{Key: key}, nil

	case AlgorithmSignedCurve25519:
		var wire signedKeyWire
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("signed_curve25519 key must be an object")
		}
		key, err := decodeKey32(wire.Key)
		if err != nil {
			return nil, err
		}
		return SignedCurve25519Key{Key: key, Signatures: wire.Signatures, Fallback: wire.Fallback}, nil
	}
	return nil, fmt.Errorf("unsupported algorithm %q", alg)
}

// MarshalKeyMaterial renders k in its wire shape
func MarshalKeyMaterial(k KeyMaterial) (json.RawMessage, error) {
	switch v := k.(type) {
	case SignedCurve25519Key:
		return json.Marshal(signedKeyWire{Key: v.PublicKey(), Signatures: v.Signatures, Fallback: v.Fallback})
	default:
		return json.Marshal(k.PublicKey())
	}
}

// DeviceKeys is the identity key object a device publishes and signs
type DeviceKeys struct {
	UserID     string            `json:"user_id"`
	DeviceID   string            `json:"device_id"`
	Algorithms []string          `json:"algorithms"`
	Keys       map[string]string `json:"keys"`
	Signatures Signatures        `json:"signatures,omitempty"`
	Unsigned   map[string]any    `json:"unsigned,omitempty"`
}

// SignedObject is the part of DeviceKeys covered by signatures
func (d *DeviceKeys) SignedObject() map[string]any {
	return map[string]any{
		"user_id":    d.UserID,
		"device_id":  d.DeviceID,
		"algorithms": d.Algorithms,
		"keys":       d.Keys,
	}
}

// Ed25519 returns the device's signing key
func (d *DeviceKeys) Ed25519() (string, bool) {
	key, ok := d.Keys[string(AlgorithmEd25519)+":"+d.DeviceID]
	return key, ok
}

// IdentityKeys parses every entry of Keys
func (d *DeviceKeys) IdentityKeys() ([]DeviceKey, error) {
	out := make([]DeviceKey, 0, len(d.Keys))
	for keyID, encoded := range d.Keys {
		alg, id, err := SplitKeyID(keyID)
		if err != nil {
			return nil, err
		}
		if alg != AlgorithmCurve25519 && alg != AlgorithmEd25519 {
			return nil, fmt.Errorf("identity key %s has unsupported algorithm", keyID)
		}
		if id != d.DeviceID {
			return nil, fmt.Errorf("identity key %s does not belong to device %s", keyID, d.DeviceID)
		}
		raw, _ := json.Marshal(encoded)
		material, err := ParseKeyMaterial(alg, raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", keyID, err)
		}
		out = append(out, DeviceKey{
			UserID:   d.UserID,
			DeviceID: d.DeviceID,
			KeyID:    keyID,
			Material: material,
		})
	}
	return out, nil
}

// DeviceKey is one published identity key row.
// Maps to the device_keys table.
type DeviceKey struct {
	UserID     string         `json:"user_id" db:"user_id"`
	DeviceID   string         `json:"device_id" db:"device_id"`
	KeyID      string         `json:"key_id" db:"key_id"`
	Material   KeyMaterial    `json:"-"`
	Algorithms []string       `json:"algorithms" db:"algorithms"`
	Signatures Signatures     `json:"signatures,omitempty" db:"signatures"`
	Unsigned   map[string]any `json:"unsigned,omitempty" db:"unsigned"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at" db:"updated_at"`
}

// OneTimeKey is a single-use (or fallback) key.
// Maps to the one_time_keys table.
type OneTimeKey struct {
	UserID    string      `json:"user_id" db:"user_id"`
	DeviceID  string      `json:"device_id" db:"device_id"`
	KeyID     string      `json:"key_id" db:"key_id"`
	Material  KeyMaterial `json:"-"`
	Fallback  bool        `json:"fallback" db:"is_fallback"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// ParseOneTimeKeys validates an upload map of "<alg>:<id>" → key object
func ParseOneTimeKeys(userID, deviceID string, raw map[string]json.RawMessage, fallback bool) ([]OneTimeKey, error) {
	out := make([]OneTimeKey, 0, len(raw))
	for keyID, value := range raw {
		alg, _, err := SplitKeyID(keyID)
		if err != nil {
			return nil, err
		}
		if alg != AlgorithmSignedCurve25519 && alg != AlgorithmCurve25519 {
			return nil, fmt.Errorf("one-time key %s has unsupported algorithm", keyID)
		}
		material, err := ParseKeyMaterial(alg, value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", keyID, err)
		}
		out = append(out, OneTimeKey{
			UserID:   userID,
			DeviceID: deviceID,
			KeyID:    keyID,
			Material: material,
			Fallback: fallback,
		})
	}
	return out, nil
}

// KeyChange is one row of the device list change stream
type KeyChange struct {
	StreamID int64     `db:"stream_id"`
	UserID   string    `db:"user_id"`
	DeviceID string    `db:"device_id"`
	Deleted  bool      `db:"deleted"`
	At       time.Time `db:"created_at"`
}

// Failure is a per-item error inside a batch result
type Failure struct {
	Code    string `json:"errcode"`
	Message string `json:"error"`
}

// UploadKeysRequest is the body of POST /v1/keys/upload
type UploadKeysRequest struct {
	DeviceKeys   *DeviceKeys                `json:"device_keys,omitempty"`
	OneTimeKeys  map[string]json.RawMessage `json:"one_time_keys,omitempty"`
	FallbackKeys map[string]json.RawMessage `json:"fallback_keys,omitempty"`
}

// UploadKeysResponse reports unclaimed one-time keys per algorithm
type UploadKeysResponse struct {
	OneTimeKeyCounts map[Algorithm]int `json:"one_time_key_counts"`
}

// QueryKeysRequest is the body of POST /v1/keys/query.
// An empty device list means every device of that user.
type QueryKeysRequest struct {
	DeviceKeys map[string][]string `json:"device_keys" binding:"required"`
	TimeoutMS  int                 `json:"timeout,omitempty"`
}

// QueryKeysResponse carries public keys only, never one-time keys
type QueryKeysResponse struct {
	DeviceKeys      map[string]map[string]*DeviceKeys `json:"device_keys"`
	MasterKeys      map[string]*CrossSigningKey       `json:"master_keys,omitempty"`
	SelfSigningKeys map[string]*CrossSigningKey       `json:"self_signing_keys,omitempty"`
	UserSigningKeys map[string]*CrossSigningKey       `json:"user_signing_keys,omitempty"`
	Failures        map[string]Failure                `json:"failures"`
}

// ClaimKeysRequest is the body of POST /v1/keys/claim
type ClaimKeysRequest struct {
	OneTimeKeys map[string]map[string]Algorithm `json:"one_time_keys" binding:"required"`
	TimeoutMS   int                             `json:"timeout,omitempty"`
}

// ClaimKeysResponse maps user → device → key ID → key object.
// Devices with nothing left are absent.
type ClaimKeysResponse struct {
	OneTimeKeys map[string]map[string]map[string]json.RawMessage `json:"one_time_keys"`
	Failures    map[string]Failure                               `json:"failures"`
}

// KeyChangesResponse lists users whose device lists changed between two tokens
type KeyChangesResponse struct {
	Changed []string `json:"changed"`
	Left    []string `json:"left"`
}
