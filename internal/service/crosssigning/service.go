package crosssigning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"e2ee-keyserver/internal/domain"
	"e2ee-keyserver/pkg/audit"
	apperrors "e2ee-keyserver/pkg/errors"
	"e2ee-keyserver/pkg/keycrypto"
	"e2ee-keyserver/pkg/logger"
	"e2ee-keyserver/pkg/metrics"
)

// KeyStore persists cross-signing keys and signature edges
type KeyStore interface {
	ReplaceKeys(ctx context.Context, userID string, keys []domain.StoredCrossSigningKey) error
	GetKeys(ctx context.Context, userID string) (*domain.CrossSigningKeys, error)
	DeleteKeys(ctx context.Context, userID string) error
	StoreSignature(ctx context.Context, edge *domain.SignatureEdge) error
	GetSignature(ctx context.Context, signerUserID, signerKeyID, targetUserID, targetID string) (*domain.SignatureEdge, error)
	SignaturesOnTarget(ctx context.Context, targetUserID, targetID string) ([]domain.SignatureEdge, error)
	UserSignatures(ctx context.Context, userID string) ([]domain.SignatureEdge, error)
}

// DeviceDirectory reads published device identity keys
type DeviceDirectory interface {
	GetDeviceKeys(ctx context.Context, userID string, deviceIDs []string) (map[string]*domain.DeviceKeys, error)
}

// Invalidator drops cached public keys after signatures change
type Invalidator interface {
	Invalidate(ctx context.Context, userIDs ...string)
}

// Service manages the cross-signing trust graph
type Service struct {
	store   KeyStore
	devices DeviceDirectory
	cache   Invalidator
	audit   audit.Recorder
}

// NewService creates a new cross-signing service. cache may be nil.
func NewService(store KeyStore, devices DeviceDirectory, cache Invalidator, recorder audit.Recorder) *Service {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Service{
		store:   store,
		devices: devices,
		cache:   cache,
		audit:   recorder,
	}
}

// VerifySignature reports whether signature is a valid ed25519 signature of
// target's canonical JSON under signerKey. Pure function.
func VerifySignature(target any, signature, signerKey string) bool {
	return keycrypto.VerifyJSON(signerKey, target, signature)
}

// SetupCrossSigningInput contains the three keys of a cross-signing setup
type SetupCrossSigningInput struct {
	UserID      string
	Master      *domain.CrossSigningKey
	SelfSigning *domain.CrossSigningKey
	UserSigning *domain.CrossSigningKey
}

// SetupCrossSigning validates and stores a full key set. The self-signing and
// user-signing keys must be signed by the submitted master key. Replaced
// keys lose every signature they made.
func (s *Service) SetupCrossSigning(ctx context.Context, input *SetupCrossSigningInput) (*domain.CrossSigningKeys, error) {
	if input.Master == nil || input.SelfSigning == nil || input.UserSigning == nil {
		return nil, apperrors.ValidationError("master, self-signing and user-signing keys are all required")
	}

	master, err := s.checkKey(input.UserID, domain.KeyTypeMaster, input.Master)
	if err != nil {
		return nil, err
	}
	selfSigning, err := s.checkKey(input.UserID, domain.KeyTypeSelfSigning, input.SelfSigning)
	if err != nil {
		return nil, err
	}
	userSigning, err := s.checkKey(input.UserID, domain.KeyTypeUserSigning, input.UserSigning)
	if err != nil {
		return nil, err
	}

	for _, sub := range []*domain.StoredCrossSigningKey{selfSigning, userSigning} {
		sig, ok := sub.Key.Signatures.Get(input.UserID, master.KeyID)
		if !ok || !VerifySignature(sub.Key.SignedObject(), sig, master.PublicKey) {
			metrics.SignaturesTotal.WithLabelValues("cross_signing_setup", "rejected").Inc()
			return nil, apperrors.InvalidSignatureError(fmt.Sprintf("%s key is not signed by the master key", sub.KeyType))
		}
	}

	stored := []domain.StoredCrossSigningKey{*master, *selfSigning, *userSigning}
	if err := s.store.ReplaceKeys(ctx, input.UserID, stored); err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	metrics.SignaturesTotal.WithLabelValues("cross_signing_setup", "accepted").Inc()

	s.invalidate(ctx, input.UserID)
	s.record(ctx, audit.EventCrossSigningSetup, input.UserID, master.KeyID)

	logger.FromContext(ctx).Info("Cross-signing keys stored",
		logger.UserID(input.UserID),
		zap.String("master_key_id", master.KeyID))

	return &domain.CrossSigningKeys{Master: master, SelfSigning: selfSigning, UserSigning: userSigning}, nil
}

func (s *Service) checkKey(userID string, keyType domain.CrossSigningKeyType, key *domain.CrossSigningKey) (*domain.StoredCrossSigningKey, error) {
	if key.UserID != userID {
		return nil, apperrors.ValidationError(fmt.Sprintf("%s key belongs to %s", keyType, key.UserID))
	}
	if !key.HasUsage(keyType) {
		return nil, apperrors.ValidationError(fmt.Sprintf("%s key must declare usage %q", keyType, keyType))
	}
	keyID, pub, err := key.PublicKey()
	if err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}
	raw, err := json.Marshal(pub)
	if err != nil {
		return nil, apperrors.InternalError("failed to encode key")
	}
	if _, err := domain.ParseKeyMaterial(domain.AlgorithmEd25519, raw); err != nil {
		return nil, apperrors.ValidationError(fmt.Sprintf("%s key: %v", keyType, err))
	}
	return &domain.StoredCrossSigningKey{
		UserID:    userID,
		KeyType:   keyType,
		KeyID:     keyID,
		PublicKey: pub,
		Key:       *key,
	}, nil
}

// SignDevice attaches the caller's self-signing signature to one of their
// devices. The signature is checked against the device's published keys.
func (s *Service) SignDevice(ctx context.Context, userID, deviceID, signerKeyID, signature string) (*domain.SignatureEdge, error) {
	keys, err := s.store.GetKeys(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if keys.SelfSigning == nil {
		return nil, apperrors.NotFoundError("Self-signing key")
	}
	if keys.SelfSigning.KeyID != signerKeyID {
		metrics.SignaturesTotal.WithLabelValues("device", "rejected").Inc()
		return nil, apperrors.InvalidSignatureError("signer is not the current self-signing key")
	}

	device, err := s.deviceKeys(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}

	if !VerifySignature(device.SignedObject(), signature, keys.SelfSigning.PublicKey) {
		metrics.SignaturesTotal.WithLabelValues("device", "rejected").Inc()
		return nil, apperrors.InvalidSignatureError(fmt.Sprintf("signature on device %s is invalid", deviceID))
	}

	edge := &domain.SignatureEdge{
		SignerUserID: userID,
		SignerKeyID:  signerKeyID,
		TargetUserID: userID,
		TargetKind:   domain.TargetDevice,
		TargetID:     deviceID,
		Signature:    signature,
	}
	if err := s.store.StoreSignature(ctx, edge); err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	metrics.SignaturesTotal.WithLabelValues("device", "accepted").Inc()

	s.invalidate(ctx, userID)
	s.record(ctx, audit.EventSignatureUpload, userID, deviceID)

	return edge, nil
}

// SignUser attaches the caller's user-signing signature to another user's
// master key
func (s *Service) SignUser(ctx context.Context, userID, targetUserID, signerKeyID, signature string) (*domain.SignatureEdge, error) {
	if userID == targetUserID {
		return nil, apperrors.ValidationError("the user-signing key signs other users only")
	}

	keys, err := s.store.GetKeys(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if keys.UserSigning == nil {
		return nil, apperrors.NotFoundError("User-signing key")
	}
	if keys.UserSigning.KeyID != signerKeyID {
		metrics.SignaturesTotal.WithLabelValues("user", "rejected").Inc()
		return nil, apperrors.InvalidSignatureError("signer is not the current user-signing key")
	}

	target, err := s.store.GetKeys(ctx, targetUserID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if target.Master == nil {
		return nil, apperrors.NotFoundError("Master key")
	}

	if !VerifySignature(target.Master.Key.SignedObject(), signature, keys.UserSigning.PublicKey) {
		metrics.SignaturesTotal.WithLabelValues("user", "rejected").Inc()
		return nil, apperrors.InvalidSignatureError(fmt.Sprintf("signature on %s's master key is invalid", targetUserID))
	}

	edge := &domain.SignatureEdge{
		SignerUserID: userID,
		SignerKeyID:  signerKeyID,
		TargetUserID: targetUserID,
		TargetKind:   domain.TargetMasterKey,
		TargetID:     target.Master.KeyID,
		Signature:    signature,
	}
	if err := s.store.StoreSignature(ctx, edge); err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	metrics.SignaturesTotal.WithLabelValues("user", "accepted").Inc()

	s.invalidate(ctx, targetUserID)
	s.record(ctx, audit.EventSignatureUpload, userID, "")

	return edge, nil
}

// signMasterWithDevice records a device signature over the caller's own
// master key
func (s *Service) signMasterWithDevice(ctx context.Context, userID string, master *domain.StoredCrossSigningKey, signerKeyID, signature string) error {
	alg, deviceID, err := domain.SplitKeyID(signerKeyID)
	if err != nil || alg != domain.AlgorithmEd25519 {
		return apperrors.ValidationError(fmt.Sprintf("unknown signing key %s", signerKeyID))
	}
	device, err := s.deviceKeys(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	pub, ok := device.Ed25519()
	if !ok || !VerifySignature(master.Key.SignedObject(), signature, pub) {
		metrics.SignaturesTotal.WithLabelValues("master", "rejected").Inc()
		return apperrors.InvalidSignatureError("device signature on master key is invalid")
	}

	edge := &domain.SignatureEdge{
		SignerUserID: userID,
		SignerKeyID:  signerKeyID,
		TargetUserID: userID,
		TargetKind:   domain.TargetMasterKey,
		TargetID:     master.KeyID,
		Signature:    signature,
	}
	if err := s.store.StoreSignature(ctx, edge); err != nil {
		return apperrors.DatabaseError(err)
	}
	metrics.SignaturesTotal.WithLabelValues("master", "accepted").Inc()
	return nil
}

// signedObject is the part of an uploaded object the bulk endpoint reads
type signedObject struct {
	Signatures domain.Signatures `json:"signatures"`
}

// UploadSignatures applies a bulk upload of target user → key or device ID →
// signed object. Each signature by the uploader is dispatched to device
// signing, user signing or master self-signing. Bad entries are reported
// per item; the rest are kept.
func (s *Service) UploadSignatures(ctx context.Context, userID string, objects map[string]map[string]json.RawMessage) (*domain.UploadSignaturesResponse, error) {
	resp := &domain.UploadSignaturesResponse{Failures: make(map[string]map[string]domain.Failure)}
	fail := func(user, id string, err error) {
		if resp.Failures[user] == nil {
			resp.Failures[user] = make(map[string]domain.Failure)
		}
		resp.Failures[user][id] = domain.FailureFrom(err)
	}

	own, err := s.store.GetKeys(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	for targetUserID, entries := range objects {
		for id, raw := range entries {
			var obj signedObject
			if err := json.Unmarshal(raw, &obj); err != nil {
				fail(targetUserID, id, apperrors.ValidationError("signed object must be a JSON object"))
				continue
			}
			sigs := obj.Signatures[userID]
			if len(sigs) == 0 {
				fail(targetUserID, id, apperrors.InvalidSignatureError("object carries no signature by the uploader"))
				continue
			}

			for signerKeyID, signature := range sigs {
				if err := s.applySignature(ctx, userID, own, targetUserID, id, signerKeyID, signature); err != nil {
					fail(targetUserID, id, err)
					break
				}
			}
		}
	}

	if len(resp.Failures) > 0 {
		logger.FromContext(ctx).Warn("Some uploaded signatures were rejected",
			logger.UserID(userID),
			zap.Int("users", len(resp.Failures)))
	}

	return resp, nil
}

func (s *Service) applySignature(ctx context.Context, userID string, own *domain.CrossSigningKeys, targetUserID, id, signerKeyID, signature string) error {
	if targetUserID != userID {
		_, err := s.SignUser(ctx, userID, targetUserID, signerKeyID, signature)
		return err
	}

	if own.Master != nil && matchesKeyID(id, own.Master.KeyID) {
		if signerKeyID == own.Master.KeyID {
			// The master key's own self-signature is stored with the key
			return nil
		}
		return s.signMasterWithDevice(ctx, userID, own.Master, signerKeyID, signature)
	}

	if signerKeyID == string(domain.AlgorithmEd25519)+":"+id {
		// A device's own self-signature is part of its uploaded keys
		return nil
	}
	_, err := s.SignDevice(ctx, userID, id, signerKeyID, signature)
	return err
}

// matchesKeyID accepts either the full key ID or its bare public part
func matchesKeyID(id, keyID string) bool {
	return id == keyID || strings.TrimPrefix(keyID, string(domain.AlgorithmEd25519)+":") == id
}

// VerifyDevice walks the explicit signature chain for a device as seen by
// viewer: device → self-signing → master, then, for another user's device,
// master → viewer's user-signing → viewer's master. Nothing is cached, so a
// replaced key breaks the chain immediately. Broken chains are reported in
// the result rather than as errors.
func (s *Service) VerifyDevice(ctx context.Context, viewerID, targetUserID, deviceID string) (*domain.TrustReport, error) {
	device, err := s.deviceKeys(ctx, targetUserID, deviceID)
	if err != nil {
		return nil, err
	}

	target, err := s.store.GetKeys(ctx, targetUserID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	report := &domain.TrustReport{UserID: targetUserID, DeviceID: deviceID, Chain: []string{}}

	report.DeviceSigned, err = s.deviceChain(ctx, targetUserID, device, target, report)
	if err != nil {
		return nil, err
	}

	if viewerID == targetUserID {
		report.UserVerified = target.Master != nil
	} else if target.Master != nil {
		viewer, err := s.store.GetKeys(ctx, viewerID)
		if err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		report.UserVerified, err = s.userChain(ctx, viewerID, viewer, target.Master, report)
		if err != nil {
			return nil, err
		}
	}

	report.Trusted = report.DeviceSigned && report.UserVerified
	switch {
	case report.Trusted:
	case !report.DeviceSigned:
		report.Warning = "device is not signed by its owner's current self-signing key"
	default:
		report.Warning = "user identity has not been verified"
	}

	return report, nil
}

func (s *Service) deviceChain(ctx context.Context, userID string, device *domain.DeviceKeys, keys *domain.CrossSigningKeys, report *domain.TrustReport) (bool, error) {
	report.Chain = append(report.Chain, "device:"+device.DeviceID)
	if keys.SelfSigning == nil || keys.Master == nil {
		return false, nil
	}

	edge, err := s.store.GetSignature(ctx, userID, keys.SelfSigning.KeyID, userID, device.DeviceID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.DatabaseError(err)
	}
	if !VerifySignature(device.SignedObject(), edge.Signature, keys.SelfSigning.PublicKey) {
		return false, nil
	}
	report.Chain = append(report.Chain, "self_signing:"+keys.SelfSigning.KeyID)

	sig, ok := keys.SelfSigning.Key.Signatures.Get(userID, keys.Master.KeyID)
	if !ok || !VerifySignature(keys.SelfSigning.Key.SignedObject(), sig, keys.Master.PublicKey) {
		return false, nil
	}
	report.Chain = append(report.Chain, "master:"+keys.Master.KeyID)
	return true, nil
}

func (s *Service) userChain(ctx context.Context, viewerID string, viewer *domain.CrossSigningKeys, targetMaster *domain.StoredCrossSigningKey, report *domain.TrustReport) (bool, error) {
	if viewer.UserSigning == nil || viewer.Master == nil {
		return false, nil
	}

	edge, err := s.store.GetSignature(ctx, viewerID, viewer.UserSigning.KeyID, targetMaster.UserID, targetMaster.KeyID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.DatabaseError(err)
	}
	if !VerifySignature(targetMaster.Key.SignedObject(), edge.Signature, viewer.UserSigning.PublicKey) {
		return false, nil
	}
	report.Chain = append(report.Chain, "user_signing:"+viewer.UserSigning.KeyID)

	sig, ok := viewer.UserSigning.Key.Signatures.Get(viewerID, viewer.Master.KeyID)
	if !ok || !VerifySignature(viewer.UserSigning.Key.SignedObject(), sig, viewer.Master.PublicKey) {
		return false, nil
	}
	report.Chain = append(report.Chain, "master:"+viewer.Master.KeyID)
	return true, nil
}

// GetCrossSigningKeys returns a user's current keys
func (s *Service) GetCrossSigningKeys(ctx context.Context, userID string) (*domain.CrossSigningKeys, error) {
	keys, err := s.store.GetKeys(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return keys, nil
}

// GetUserSignatures returns every signature edge a user takes part in
func (s *Service) GetUserSignatures(ctx context.Context, userID string) (*domain.SignaturesResponse, error) {
	edges, err := s.store.UserSignatures(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if edges == nil {
		edges = []domain.SignatureEdge{}
	}
	return &domain.SignaturesResponse{UserID: userID, Signatures: edges}, nil
}

// GetDeviceSignatures returns the cross-signing signatures over one device
func (s *Service) GetDeviceSignatures(ctx context.Context, userID, deviceID string) (*domain.SignaturesResponse, error) {
	edges, err := s.store.SignaturesOnTarget(ctx, userID, deviceID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if edges == nil {
		edges = []domain.SignatureEdge{}
	}
	return &domain.SignaturesResponse{UserID: userID, Signatures: edges}, nil
}

// DeleteCrossSigningKeys resets a user's cross-signing identity. Every
// signature made by or over the keys is dropped.
func (s *Service) DeleteCrossSigningKeys(ctx context.Context, userID string) error {
	if err := s.store.DeleteKeys(ctx, userID); err != nil {
		return apperrors.DatabaseError(err)
	}
	s.invalidate(ctx, userID)
	s.record(ctx, audit.EventCrossSigningReset, userID, "")

	logger.FromContext(ctx).Warn("Cross-signing keys reset", logger.UserID(userID))
	return nil
}

func (s *Service) deviceKeys(ctx context.Context, userID, deviceID string) (*domain.DeviceKeys, error) {
	devices, err := s.devices.GetDeviceKeys(ctx, userID, []string{deviceID})
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	device, ok := devices[deviceID]
	if !ok {
		return nil, apperrors.NotFoundError("Device")
	}
	return device, nil
}

func (s *Service) invalidate(ctx context.Context, userIDs ...string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, userIDs...)
	}
}

func (s *Service) record(ctx context.Context, eventType audit.AuditEventType, userID, details string) {
	err := s.audit.Log(ctx, &audit.AuditEvent{
		UserID:    userID,
		EventType: eventType,
		Resource:  "cross_signing",
		Success:   true,
		Details:   details,
	})
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to write audit event", zap.Error(err))
	}
}
