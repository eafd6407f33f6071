package devicekeys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"e2ee-keyserver/internal/domain"
	"e2ee-keyserver/pkg/audit"
	"e2ee-keyserver/pkg/constants"
	apperrors "e2ee-keyserver/pkg/errors"
	"e2ee-keyserver/pkg/keycrypto"
	"e2ee-keyserver/pkg/logger"
	"e2ee-keyserver/pkg/metrics"
)

// KeyStore is the durable device key directory
type KeyStore interface {
	UpsertDeviceKeys(ctx context.Context, keys *domain.DeviceKeys) error
	GetDeviceKeys(ctx context.Context, userID string, deviceIDs []string) (map[string]*domain.DeviceKeys, error)
	StoreOneTimeKeys(ctx context.Context, keys []domain.OneTimeKey) (int, error)
	StoreFallbackKeys(ctx context.Context, keys []domain.OneTimeKey) error
	CountOneTimeKeys(ctx context.Context, userID, deviceID string) (map[domain.Algorithm]int, error)
	ClaimOneTimeKey(ctx context.Context, userID, deviceID string, alg domain.Algorithm) (*domain.OneTimeKey, error)
	DeleteDeviceKeys(ctx context.Context, userID, deviceID string) error
	ChangedUsers(ctx context.Context, candidates []string, from, to int64) ([]string, error)
	CurrentStreamID(ctx context.Context) (int64, error)
}

// AccountRegistry answers existence checks for users and devices
type AccountRegistry interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	DeviceExists(ctx context.Context, userID, deviceID string) (bool, error)
}

// CrossSigningSource supplies cross-signing keys and device signatures for queries
type CrossSigningSource interface {
	GetKeys(ctx context.Context, userID string) (*domain.CrossSigningKeys, error)
	SignaturesOnTarget(ctx context.Context, targetUserID, targetID string) ([]domain.SignatureEdge, error)
}

// KeyCache caches public key material per user
type KeyCache interface {
	GetDeviceKeys(ctx context.Context, userID string) (map[string]*domain.DeviceKeys, bool, error)
	SetDeviceKeys(ctx context.Context, userID string, devices map[string]*domain.DeviceKeys) error
	GetCrossSigningKeys(ctx context.Context, userID string) (*domain.CrossSigningKeys, bool, error)
	SetCrossSigningKeys(ctx context.Context, userID string, keys *domain.CrossSigningKeys) error
	Invalidate(ctx context.Context, userIDs ...string) error
}

// MembershipSource lists users the caller shares rooms with
type MembershipSource interface {
	SharedRoomUsers(ctx context.Context, userID string) ([]string, error)
	FormerRoomUsers(ctx context.Context, userID string) ([]string, error)
}

// RemoteKeyQuerier forwards queries and claims for users of other servers
type RemoteKeyQuerier interface {
	QueryKeys(ctx context.Context, server string, requests map[string][]string) (*domain.QueryKeysResponse, error)
	ClaimKeys(ctx context.Context, server string, requests map[string]map[string]domain.Algorithm) (*domain.ClaimKeysResponse, error)
}

// Service is the device key directory
type Service struct {
	store        KeyStore
	accounts     AccountRegistry
	crossSigning CrossSigningSource
	cache        KeyCache
	members      MembershipSource
	remote       RemoteKeyQuerier
	audit        audit.Recorder
	serverName   string
}

// NewService creates a new device key service. cache and remote may be nil.
func NewService(
	store KeyStore,
	accounts AccountRegistry,
	crossSigning CrossSigningSource,
	cache KeyCache,
	members MembershipSource,
	remote RemoteKeyQuerier,
	recorder audit.Recorder,
	serverName string,
) *Service {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Service{
		store:        store,
		accounts:     accounts,
		crossSigning: crossSigning,
		cache:        cache,
		members:      members,
		remote:       remote,
		audit:        recorder,
		serverName:   serverName,
	}
}

// serverOf returns the server part of "@user:server"
func serverOf(userID string) string {
	_, server, _ := strings.Cut(userID, ":")
	return server
}

func (s *Service) isLocal(userID string) bool {
	return serverOf(userID) == s.serverName
}

// UploadKeysInput contains a device's key upload
type UploadKeysInput struct {
	UserID       string
	DeviceID     string
	DeviceKeys   *domain.DeviceKeys
	OneTimeKeys  map[string]json.RawMessage
	FallbackKeys map[string]json.RawMessage
}

// UploadKeys upserts identity keys and appends one-time keys
func (s *Service) UploadKeys(ctx context.Context, input *UploadKeysInput) (*domain.UploadKeysResponse, error) {
	log := logger.FromContext(ctx).With(logger.UserID(input.UserID), logger.DeviceID(input.DeviceID))

	exists, err := s.accounts.DeviceExists(ctx, input.UserID, input.DeviceID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if !exists {
		return nil, apperrors.NotFoundError("Device")
	}

	if len(input.OneTimeKeys)+len(input.FallbackKeys) > constants.MaxOneTimeKeysPerUpload {
		return nil, apperrors.ValidationError(fmt.Sprintf("at most %d one-time keys per upload", constants.MaxOneTimeKeysPerUpload))
	}

	var signingKey string
	if input.DeviceKeys != nil {
		signingKey, err = s.validateDeviceKeys(input.UserID, input.DeviceID, input.DeviceKeys)
		if err != nil {
			return nil, err
		}
		if err := s.store.UpsertDeviceKeys(ctx, input.DeviceKeys); err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		s.invalidate(ctx, input.UserID)
		s.record(ctx, audit.EventDeviceKeysUpload, input.UserID, input.DeviceID, "")
		log.Info("Device keys uploaded")
	}

	if len(input.OneTimeKeys) > 0 || len(input.FallbackKeys) > 0 {
		if signingKey == "" {
			signingKey, err = s.storedSigningKey(ctx, input.UserID, input.DeviceID)
			if err != nil {
				return nil, err
			}
		}
	}

	if len(input.OneTimeKeys) > 0 {
		keys, err := s.parseOneTimeKeys(input.UserID, input.DeviceID, input.OneTimeKeys, signingKey, false)
		if err != nil {
			return nil, err
		}
		inserted, err := s.store.StoreOneTimeKeys(ctx, keys)
		if errors.Is(err, domain.ErrKeyMismatch) {
			return nil, apperrors.ConflictError(err.Error())
		}
		if err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		for _, k := range keys {
			metrics.OneTimeKeysUploadedTotal.WithLabelValues(string(k.Material.Algorithm())).Inc()
		}
		log.Debug("One-time keys uploaded", zap.Int("received", len(keys)), zap.Int("inserted", inserted))
	}

	if len(input.FallbackKeys) > 0 {
		keys, err := s.parseOneTimeKeys(input.UserID, input.DeviceID, input.FallbackKeys, signingKey, true)
		if err != nil {
			return nil, err
		}
		if err := s.store.StoreFallbackKeys(ctx, keys); err != nil {
			return nil, apperrors.DatabaseError(err)
		}
	}

	counts, err := s.store.CountOneTimeKeys(ctx, input.UserID, input.DeviceID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	return &domain.UploadKeysResponse{OneTimeKeyCounts: counts}, nil
}

// validateDeviceKeys checks ownership, key encoding and the self-signature.
// It returns the device's ed25519 key.
func (s *Service) validateDeviceKeys(userID, deviceID string, dk *domain.DeviceKeys) (string, error) {
	if dk.UserID != userID || dk.DeviceID != deviceID {
		return "", apperrors.ValidationError("device_keys must describe the authenticated device")
	}
	if _, err := dk.IdentityKeys(); err != nil {
		return "", apperrors.ValidationError(err.Error())
	}

	signingKey, ok := dk.Ed25519()
	if !ok {
		return "", apperrors.ValidationError("device_keys must contain an ed25519 key")
	}

	keyID := string(domain.AlgorithmEd25519) + ":" + deviceID
	sig, ok := dk.Signatures.Get(userID, keyID)
	if !ok {
		metrics.SignaturesTotal.WithLabelValues("device_self", "rejected").Inc()
		return "", apperrors.InvalidSignatureError("device_keys must be signed by " + keyID)
	}
	if !keycrypto.VerifyJSON(signingKey, dk.SignedObject(), sig) {
		metrics.SignaturesTotal.WithLabelValues("device_self", "rejected").Inc()
		return "", apperrors.InvalidSignatureError("device_keys self-signature is invalid")
	}

	return signingKey, nil
}

func (s *Service) storedSigningKey(ctx context.Context, userID, deviceID string) (string, error) {
	devices, err := s.store.GetDeviceKeys(ctx, userID, []string{deviceID})
	if err != nil {
		return "", apperrors.DatabaseError(err)
	}
	if dk, ok := devices[deviceID]; ok {
		key, _ := dk.Ed25519()
		return key, nil
	}
	return "", nil
}

func (s *Service) parseOneTimeKeys(userID, deviceID string, raw map[string]json.RawMessage, signingKey string, fallback bool) ([]domain.OneTimeKey, error) {
	keys, err := domain.ParseOneTimeKeys(userID, deviceID, raw, fallback)
	if err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}

	signerKeyID := string(domain.AlgorithmEd25519) + ":" + deviceID
	for _, k := range keys {
		signed, ok := k.Material.(domain.SignedCurve25519Key)
		if !ok {
			continue
		}
		sig, ok := signed.Signatures.Get(userID, signerKeyID)
		if !ok || signingKey == "" {
			continue
		}
		if !keycrypto.VerifyJSON(signingKey, signed.SignedObject(), sig) {
			metrics.SignaturesTotal.WithLabelValues("one_time_key", "rejected").Inc()
			return nil, apperrors.InvalidSignatureError(fmt.Sprintf("signature on %s is invalid", k.KeyID))
		}
	}
	return keys, nil
}

// QueryKeysInput contains a batch identity key lookup.
// An empty device list means every device of the user.
type QueryKeysInput struct {
	Requests map[string][]string
	Timeout  time.Duration
}

// QueryKeys returns public identity and cross-signing keys. One-time keys are
// never returned. Remote lookups that fail are recorded per server.
func (s *Service) QueryKeys(ctx context.Context, requesterID string, input *QueryKeysInput) (*domain.QueryKeysResponse, error) {
	if len(input.Requests) > constants.MaxQueryUsers {
		return nil, apperrors.ValidationError(fmt.Sprintf("at most %d users per query", constants.MaxQueryUsers))
	}

	resp := &domain.QueryKeysResponse{
		DeviceKeys:      make(map[string]map[string]*domain.DeviceKeys),
		MasterKeys:      make(map[string]*domain.CrossSigningKey),
		SelfSigningKeys: make(map[string]*domain.CrossSigningKey),
		UserSigningKeys: make(map[string]*domain.CrossSigningKey),
		Failures:        make(map[string]domain.Failure),
	}

	remote := make(map[string]map[string][]string)
	for userID, deviceIDs := range input.Requests {
		if !s.isLocal(userID) {
			server := serverOf(userID)
			if remote[server] == nil {
				remote[server] = make(map[string][]string)
			}
			remote[server][userID] = deviceIDs
			continue
		}

		if err := s.queryLocalUser(ctx, requesterID, userID, deviceIDs, resp); err != nil {
			logger.FromContext(ctx).Warn("Local key query failed", logger.UserID(userID), zap.Error(err))
			metrics.KeyQueryFailuresTotal.WithLabelValues("storage").Inc()
			resp.Failures[userID] = domain.FailureFrom(apperrors.DatabaseError(err))
		}
	}

	s.queryRemote(ctx, remote, input.Timeout, resp)

	return resp, nil
}

func (s *Service) queryLocalUser(ctx context.Context, requesterID, userID string, deviceIDs []string, resp *domain.QueryKeysResponse) error {
	devices, err := s.loadDeviceKeys(ctx, userID)
	if err != nil {
		return err
	}

	selected := make(map[string]*domain.DeviceKeys)
	if len(deviceIDs) == 0 {
		selected = devices
	} else {
		for _, id := range deviceIDs {
			if dk, ok := devices[id]; ok {
				selected[id] = dk
			}
		}
	}
	resp.DeviceKeys[userID] = selected

	csk, err := s.loadCrossSigningKeys(ctx, userID)
	if err != nil {
		return err
	}
	if csk.Master != nil {
		resp.MasterKeys[userID] = &csk.Master.Key
	}
	if csk.SelfSigning != nil {
		resp.SelfSigningKeys[userID] = &csk.SelfSigning.Key
	}
	// The user-signing key is only shown to its owner
	if csk.UserSigning != nil && requesterID == userID {
		resp.UserSigningKeys[userID] = &csk.UserSigning.Key
	}
	return nil
}

func (s *Service) queryRemote(ctx context.Context, remote map[string]map[string][]string, timeout time.Duration, resp *domain.QueryKeysResponse) {
	if len(remote) == 0 {
		return
	}
	if timeout <= 0 || timeout > constants.QueryKeysTimeout {
		timeout = constants.QueryKeysTimeout
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for server, requests := range remote {
		server, requests := server, requests
		g.Go(func() error {
			if s.remote == nil {
				mu.Lock()
				resp.Failures[server] = domain.FailureFrom(apperrors.UnreachableError(server))
				mu.Unlock()
				metrics.KeyQueryFailuresTotal.WithLabelValues("no_federation").Inc()
				return nil
			}

			qctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			result, err := s.remote.QueryKeys(qctx, server, requests)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				resp.Failures[server] = domain.FailureFrom(apperrors.UnreachableError(server))
				metrics.KeyQueryFailuresTotal.WithLabelValues("remote").Inc()
				logger.FromContext(ctx).Warn("Remote key query failed", zap.String("server", server), zap.Error(err))
				return nil
			}
			mergeQueryResponse(resp, result)
			return nil
		})
	}
	_ = g.Wait()
}

func mergeQueryResponse(dst, src *domain.QueryKeysResponse) {
	for user, devices := range src.DeviceKeys {
		dst.DeviceKeys[user] = devices
	}
	for user, key := range src.MasterKeys {
		dst.MasterKeys[user] = key
	}
	for user, key := range src.SelfSigningKeys {
		dst.SelfSigningKeys[user] = key
	}
}

// loadDeviceKeys returns every device of a user with its self-signature and
// cross-signing signatures merged, reading through the cache
func (s *Service) loadDeviceKeys(ctx context.Context, userID string) (map[string]*domain.DeviceKeys, error) {
	if s.cache != nil {
		devices, ok, err := s.cache.GetDeviceKeys(ctx, userID)
		if err != nil {
			logger.FromContext(ctx).Warn("Key cache read failed", zap.Error(err))
		} else if ok {
			metrics.KeyCacheTotal.WithLabelValues("device", "hit").Inc()
			return devices, nil
		}
		metrics.KeyCacheTotal.WithLabelValues("device", "miss").Inc()
	}

	devices, err := s.store.GetDeviceKeys(ctx, userID, nil)
	if err != nil {
		return nil, err
	}

	for deviceID, dk := range devices {
		edges, err := s.crossSigning.SignaturesOnTarget(ctx, userID, deviceID)
		if err != nil {
			return nil, err
		}
		if dk.Signatures == nil {
			dk.Signatures = make(domain.Signatures)
		}
		for _, e := range edges {
			dk.Signatures.Add(e.SignerUserID, e.SignerKeyID, e.Signature)
		}
	}

	if s.cache != nil {
		if err := s.cache.SetDeviceKeys(ctx, userID, devices); err != nil {
			logger.FromContext(ctx).Warn("Key cache write failed", zap.Error(err))
		}
	}
	return devices, nil
}

func (s *Service) loadCrossSigningKeys(ctx context.Context, userID string) (*domain.CrossSigningKeys, error) {
	if s.cache != nil {
		keys, ok, err := s.cache.GetCrossSigningKeys(ctx, userID)
		if err != nil {
			logger.FromContext(ctx).Warn("Key cache read failed", zap.Error(err))
		} else if ok && keys != nil {
			metrics.KeyCacheTotal.WithLabelValues("cross_signing", "hit").Inc()
			return keys, nil
		}
		metrics.KeyCacheTotal.WithLabelValues("cross_signing", "miss").Inc()
	}

	keys, err := s.crossSigning.GetKeys(ctx, userID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetCrossSigningKeys(ctx, userID, keys); err != nil {
			logger.FromContext(ctx).Warn("Key cache write failed", zap.Error(err))
		}
	}
	return keys, nil
}

// ClaimKeysInput contains claim targets: user → device → algorithm
type ClaimKeysInput struct {
	Requests map[string]map[string]domain.Algorithm
	Timeout  time.Duration
}

// ClaimKeys takes exactly one one-time key per target. Targets with nothing
// left are omitted from the result rather than reported as errors.
func (s *Service) ClaimKeys(ctx context.Context, input *ClaimKeysInput) (*domain.ClaimKeysResponse, error) {
	if len(input.Requests) > constants.MaxQueryUsers {
		return nil, apperrors.ValidationError(fmt.Sprintf("at most %d users per claim", constants.MaxQueryUsers))
	}

	resp := &domain.ClaimKeysResponse{
		OneTimeKeys: make(map[string]map[string]map[string]json.RawMessage),
		Failures:    make(map[string]domain.Failure),
	}

	// Reject the whole batch before anything is consumed
	for _, devices := range input.Requests {
		for _, alg := range devices {
			if alg != domain.AlgorithmSignedCurve25519 && alg != domain.AlgorithmCurve25519 {
				return nil, apperrors.ValidationError(fmt.Sprintf("cannot claim keys of algorithm %q", alg))
			}
		}
	}

	remote := make(map[string]map[string]map[string]domain.Algorithm)
	for userID, devices := range input.Requests {
		if !s.isLocal(userID) {
			server := serverOf(userID)
			if remote[server] == nil {
				remote[server] = make(map[string]map[string]domain.Algorithm)
			}
			remote[server][userID] = devices
			continue
		}

		for deviceID, alg := range devices {
			key, err := s.store.ClaimOneTimeKey(ctx, userID, deviceID, alg)
			if err != nil {
				// Claims are not idempotent, so the caller decides whether to retry
				logger.FromContext(ctx).Error("One-time key claim failed",
					logger.UserID(userID), logger.DeviceID(deviceID), zap.Error(err))
				resp.Failures[userID] = domain.FailureFrom(apperrors.DatabaseError(err))
				continue
			}
			if key == nil {
				metrics.OneTimeKeysClaimedTotal.WithLabelValues(string(alg), "exhausted").Inc()
				continue
			}

			raw, err := domain.MarshalKeyMaterial(key.Material)
			if err != nil {
				resp.Failures[userID] = domain.FailureFrom(err)
				continue
			}
			outcome := "claimed"
			if key.Fallback {
				outcome = "fallback"
			}
			metrics.OneTimeKeysClaimedTotal.WithLabelValues(string(alg), outcome).Inc()

			if resp.OneTimeKeys[userID] == nil {
				resp.OneTimeKeys[userID] = make(map[string]map[string]json.RawMessage)
			}
			resp.OneTimeKeys[userID][deviceID] = map[string]json.RawMessage{key.KeyID: raw}
		}
	}

	for server, requests := range remote {
		if s.remote == nil {
			resp.Failures[server] = domain.FailureFrom(apperrors.UnreachableError(server))
			continue
		}
		timeout := input.Timeout
		if timeout <= 0 || timeout > constants.QueryKeysTimeout {
			timeout = constants.QueryKeysTimeout
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		result, err := s.remote.ClaimKeys(cctx, server, requests)
		cancel()
		if err != nil {
			resp.Failures[server] = domain.FailureFrom(apperrors.UnreachableError(server))
			continue
		}
		for user, devices := range result.OneTimeKeys {
			resp.OneTimeKeys[user] = devices
		}
	}

	return resp, nil
}

// DeleteDeviceKeys removes every key of a device, e.g. on logout
func (s *Service) DeleteDeviceKeys(ctx context.Context, userID, deviceID string) error {
	if err := s.store.DeleteDeviceKeys(ctx, userID, deviceID); err != nil {
		return apperrors.DatabaseError(err)
	}
	s.invalidate(ctx, userID)
	s.record(ctx, audit.EventDeviceKeysDelete, userID, deviceID, "")

	logger.FromContext(ctx).Info("Device keys deleted", logger.UserID(userID), logger.DeviceID(deviceID))
	return nil
}

// OneTimeKeyCounts returns the unclaimed one-time keys of a device per algorithm
func (s *Service) OneTimeKeyCounts(ctx context.Context, userID, deviceID string) (map[domain.Algorithm]int, error) {
	counts, err := s.store.CountOneTimeKeys(ctx, userID, deviceID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return counts, nil
}

// KeyChanges lists users sharing a room with userID whose keys changed in
// (from, to]. An empty to means the current position.
func (s *Service) KeyChanges(ctx context.Context, userID, from, to string) (*domain.KeyChangesResponse, error) {
	fromID, err := strconv.ParseInt(from, 10, 64)
	if err != nil || fromID < 0 {
		return nil, apperrors.ValidationError("from must be a stream position")
	}

	var toID int64
	if to == "" {
		if toID, err = s.store.CurrentStreamID(ctx); err != nil {
			return nil, apperrors.DatabaseError(err)
		}
	} else if toID, err = strconv.ParseInt(to, 10, 64); err != nil || toID < fromID {
		return nil, apperrors.ValidationError("to must be a stream position not before from")
	}

	shared, err := s.members.SharedRoomUsers(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	changed := []string{}
	if len(shared) > 0 {
		if changed, err = s.store.ChangedUsers(ctx, shared, fromID, toID); err != nil {
			return nil, apperrors.DatabaseError(err)
		}
	}

	left, err := s.members.FormerRoomUsers(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if left == nil {
		left = []string{}
	}

	return &domain.KeyChangesResponse{Changed: changed, Left: left}, nil
}

// StreamPosition returns the current change stream position as a token
func (s *Service) StreamPosition(ctx context.Context) (string, error) {
	id, err := s.store.CurrentStreamID(ctx)
	if err != nil {
		return "", apperrors.DatabaseError(err)
	}
	return strconv.FormatInt(id, 10), nil
}

// Invalidate drops cached public keys of the users. Called by other
// services after they change signatures.
func (s *Service) Invalidate(ctx context.Context, userIDs ...string) {
	s.invalidate(ctx, userIDs...)
}

func (s *Service) invalidate(ctx context.Context, userIDs ...string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userIDs...); err != nil {
		logger.FromContext(ctx).Warn("Key cache invalidation failed", zap.Error(err))
	}
}

func (s *Service) record(ctx context.Context, eventType audit.AuditEventType, userID, deviceID, details string) {
	err := s.audit.Log(ctx, &audit.AuditEvent{
		UserID:    userID,
		DeviceID:  deviceID,
		EventType: eventType,
		Resource:  "device_keys",
		Success:   true,
		Details:   details,
	})
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to write audit event", zap.Error(err))
	}
}
