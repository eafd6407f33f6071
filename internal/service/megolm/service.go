package megolm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"e2ee-keyserver/internal/domain"
	"e2ee-keyserver/internal/service/devicekeys"
	"e2ee-keyserver/pkg/audit"
	"e2ee-keyserver/pkg/cache"
	"e2ee-keyserver/pkg/constants"
	apperrors "e2ee-keyserver/pkg/errors"
	"e2ee-keyserver/pkg/keycrypto"
	"e2ee-keyserver/pkg/logger"
	"e2ee-keyserver/pkg/metrics"
)

// SessionStore persists group sessions
type SessionStore interface {
	CreateSession(ctx context.Context, s *domain.MegolmSession) error
	GetSession(ctx context.Context, sessionID string) (*domain.MegolmSession, error)
	ReserveIndex(ctx context.Context, sessionID string) (uint32, error)
	Supersede(ctx context.Context, oldSessionID string, next *domain.MegolmSession) error
	ActiveSession(ctx context.Context, roomID, senderKey string) (*domain.MegolmSession, error)
	RoomSessions(ctx context.Context, roomID string) ([]*domain.MegolmSession, error)
	AddSharedDevices(ctx context.Context, sessionID string, grants map[string]map[string]uint32) error
	SweepExpired(ctx context.Context, now time.Time, retention time.Duration) (expired, deleted int64, err error)
}

// DeviceLister lists a user's devices
type DeviceLister interface {
	Devices(ctx context.Context, userID string) ([]string, error)
}

// KeyClaimer claims one-time keys from the device key directory
type KeyClaimer interface {
	ClaimKeys(ctx context.Context, input *devicekeys.ClaimKeysInput) (*domain.ClaimKeysResponse, error)
}

// Delivery hands sealed room keys to the device-to-device channel
type Delivery interface {
	Enqueue(ctx context.Context, msg *domain.ToDeviceMessage) error
}

// MembershipSource lists the current members of a room
type MembershipSource interface {
	Members(ctx context.Context, roomID string) ([]string, error)
}

// Options tunes the engine. WrapKey is required.
type Options struct {
	// WrapKey seals seeds at rest. 32 bytes.
	WrapKey []byte
	Ratchet keycrypto.Ratchet

	// Rotation thresholds
	MaxMessages uint32
	MaxAge      time.Duration

	// Retention keeps expired sessions for backlog decryption before the sweep deletes them
	Retention time.Duration

	// Cache holds sessions with their seeds still wrapped
	Cache    *cache.MemoryCache
	CacheTTL time.Duration

	Now func() time.Time
}

// Service is the group session engine
type Service struct {
	store    SessionStore
	devices  DeviceLister
	claimer  KeyClaimer
	delivery Delivery
	members  MembershipSource
	audit    audit.Recorder

	wrapper *keycrypto.Wrapper
	opts    Options
	loads   singleflight.Group
}

// NewService creates a new group session engine
func NewService(
	store SessionStore,
	devices DeviceLister,
	claimer KeyClaimer,
	delivery Delivery,
	members MembershipSource,
	recorder audit.Recorder,
	opts Options,
) (*Service, error) {
	wrapper, err := keycrypto.NewWrapper(opts.WrapKey)
	if err != nil {
		return nil, fmt.Errorf("invalid session wrap key: %w", err)
	}
	if opts.Ratchet == nil {
		opts.Ratchet = keycrypto.HKDFRatchet{}
	}
	if opts.MaxMessages == 0 {
		opts.MaxMessages = 100
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 7 * 24 * time.Hour
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}

	return &Service{
		store:    store,
		devices:  devices,
		claimer:  claimer,
		delivery: delivery,
		members:  members,
		audit:    recorder,
		wrapper:  wrapper,
		opts:     opts,
	}, nil
}

func sessionCacheKey(sessionID string) string {
	return "megolm:" + sessionID
}

// loadSession reads a session through the cache. Concurrent misses for the
// same ID share one storage read.
func (s *Service) loadSession(ctx context.Context, sessionID string) (*domain.MegolmSession, error) {
	if s.opts.Cache != nil {
		if v, ok := s.opts.Cache.Get(sessionCacheKey(sessionID)); ok {
			metrics.KeyCacheTotal.WithLabelValues("session", "hit").Inc()
			return v.(*domain.MegolmSession).Clone(), nil
		}
		metrics.KeyCacheTotal.WithLabelValues("session", "miss").Inc()
	}

	// Waiters share this read, so one caller's cancellation must not fail the rest
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := s.loads.Do(sessionID, func() (interface{}, error) {
		sess, err := s.store.GetSession(loadCtx, sessionID)
		if err != nil {
			return nil, err
		}
		if s.opts.Cache != nil {
			s.opts.Cache.Set(sessionCacheKey(sessionID), sess.Clone(), s.opts.CacheTTL)
		}
		return sess, nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, apperrors.NotFoundError("Session")
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return v.(*domain.MegolmSession).Clone(), nil
}

func (s *Service) forget(sessionID string) {
	if s.opts.Cache != nil {
		s.opts.Cache.Delete(sessionCacheKey(sessionID))
	}
}

// unwrapSeed opens the seed; the caller wipes it
func (s *Service) unwrapSeed(sess *domain.MegolmSession) ([]byte, error) {
	seed, err := s.wrapper.Unwrap(sess.WrappedSeed, []byte(sess.SessionID))
	if err != nil {
		return nil, apperrors.InternalError("failed to unwrap session seed")
	}
	return seed, nil
}

// newSession builds a fresh session with a wrapped random seed
func (s *Service) newSession(roomID, senderKey string) (*domain.MegolmSession, error) {
	seed, err := keycrypto.NewSeed()
	if err != nil {
		return nil, apperrors.InternalError("failed to generate session seed")
	}
	defer keycrypto.Wipe(seed)

	sessionID := uuid.NewString()
	wrapped, err := s.wrapper.Wrap(seed, []byte(sessionID))
	if err != nil {
		return nil, apperrors.InternalError("failed to wrap session seed")
	}

	now := s.opts.Now()
	return &domain.MegolmSession{
		SessionID:   sessionID,
		RoomID:      roomID,
		SenderKey:   senderKey,
		WrappedSeed: wrapped,
		Algorithm:   domain.MegolmAlgorithm,
		State:       domain.SessionCreated,
		SharedWith:  []string{},
		CreatedAt:   now,
		LastUsedAt:  now,
		ExpiresAt:   now.Add(s.opts.MaxAge),
	}, nil
}

func (s *Service) requireMember(ctx context.Context, roomID, userID string) ([]string, error) {
	members, err := s.members.Members(ctx, roomID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if !contains(members, userID) {
		return nil, apperrors.ForbiddenError("not a member of the room")
	}
	return members, nil
}

// CreateSessionInput contains the owner of a new outbound session
type CreateSessionInput struct {
	UserID    string
	RoomID    string
	SenderKey string
}

// CreateSession starts a new outbound session at index 0
func (s *Service) CreateSession(ctx context.Context, input *CreateSessionInput) (*domain.MegolmSession, error) {
	if err := validateSenderKey(input.SenderKey); err != nil {
		return nil, err
	}
	if _, err := s.requireMember(ctx, input.RoomID, input.UserID); err != nil {
		return nil, err
	}

	sess, err := s.newSession(input.RoomID, input.SenderKey)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	logger.FromContext(ctx).Info("Group session created",
		logger.RoomID(input.RoomID),
		logger.SessionID(sess.SessionID))

	return sess, nil
}

func validateSenderKey(senderKey string) error {
	raw, _ := json.Marshal(senderKey)
	if _, err := domain.ParseKeyMaterial(domain.AlgorithmCurve25519, raw); err != nil {
		return apperrors.ValidationError("sender_key must be a curve25519 key: " + err.Error())
	}
	return nil
}

// EncryptInput contains a plaintext for one session
type EncryptInput struct {
	SessionID string
	SenderKey string
	Plaintext []byte
}

// Encrypt seals plaintext at the session's next index. The index is reserved
// and persisted before any ciphertext exists, so a crash can only skip an
// index, never reuse one.
func (s *Service) Encrypt(ctx context.Context, input *EncryptInput) (*domain.EncryptedGroupMessage, error) {
	sess, err := s.loadSession(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}
	if input.SenderKey != "" && input.SenderKey != sess.SenderKey {
		return nil, apperrors.ForbiddenError("session belongs to another device")
	}

	index, err := s.store.ReserveIndex(ctx, sess.SessionID)
	if errors.Is(err, domain.ErrConflict) {
		metrics.MegolmEncryptTotal.WithLabelValues("rejected").Inc()
		s.forget(sess.SessionID)
		return nil, apperrors.ConflictError("session is superseded or expired")
	}
	if err != nil {
		metrics.MegolmEncryptTotal.WithLabelValues("error").Inc()
		return nil, apperrors.DatabaseError(err)
	}

	seed, err := s.unwrapSeed(sess)
	if err != nil {
		return nil, err
	}
	defer keycrypto.Wipe(seed)

	ciphertext, err := keycrypto.EncryptGroupMessage(s.opts.Ratchet, seed, 0, sess.SessionID, index, input.Plaintext)
	if err != nil {
		metrics.MegolmEncryptTotal.WithLabelValues("error").Inc()
		return nil, apperrors.InternalError("failed to encrypt message")
	}
	metrics.MegolmEncryptTotal.WithLabelValues("ok").Inc()

	return &domain.EncryptedGroupMessage{
		Algorithm:    sess.Algorithm,
		SenderKey:    sess.SenderKey,
		SessionID:    sess.SessionID,
		MessageIndex: index,
		Ciphertext:   keycrypto.EncodeBase64(ciphertext),
	}, nil
}

// DecryptInput contains a ciphertext produced by Encrypt
type DecryptInput struct {
	UserID     string
	SessionID  string
	Ciphertext []byte
}

// Decrypt opens a group message. It never advances the session index, so
// the same ciphertext decrypts every time, including after rotation.
func (s *Service) Decrypt(ctx context.Context, input *DecryptInput) (*domain.DecryptResponse, error) {
	sess, err := s.loadSession(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}

	if !contains(sess.SharedWith, input.UserID) {
		if _, err := s.requireMember(ctx, sess.RoomID, input.UserID); err != nil {
			return nil, err
		}
	}

	seed, err := s.unwrapSeed(sess)
	if err != nil {
		return nil, err
	}
	defer keycrypto.Wipe(seed)

	index, plaintext, err := keycrypto.DecryptGroupMessage(s.opts.Ratchet, seed, 0, sess.SessionID, input.Ciphertext)
	if err != nil {
		return nil, apperrors.ValidationError("ciphertext does not decrypt under this session")
	}

	return &domain.DecryptResponse{
		SessionID:    sess.SessionID,
		MessageIndex: index,
		Plaintext:    keycrypto.EncodeBase64(plaintext),
	}, nil
}

// RotateSession supersedes a session with a fresh one for the same room and
// sender. The old row stays readable for backlog decryption but rejects
// encrypt.
func (s *Service) RotateSession(ctx context.Context, sessionID string, reason domain.RotationReason) (*domain.MegolmSession, error) {
	if reason == "" {
		reason = domain.RotationManual
	}

	old, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, apperrors.NotFoundError("Session")
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if old.State == domain.SessionSuperseded {
		return nil, apperrors.ConflictError("session is already superseded")
	}

	next, err := s.newSession(old.RoomID, old.SenderKey)
	if err != nil {
		return nil, err
	}

	err = s.store.Supersede(ctx, old.SessionID, next)
	s.forget(old.SessionID)
	if errors.Is(err, domain.ErrConflict) {
		return nil, apperrors.ConflictError("session is already superseded")
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	metrics.MegolmRotationsTotal.WithLabelValues(string(reason)).Inc()
	if err := s.audit.Log(ctx, &audit.AuditEvent{
		EventType: audit.EventSessionRotate,
		Resource:  "megolm_session",
		Success:   true,
		Details:   fmt.Sprintf("%s -> %s (%s)", old.SessionID, next.SessionID, reason),
	}); err != nil {
		logger.FromContext(ctx).Warn("Failed to write audit event", zap.Error(err))
	}

	logger.FromContext(ctx).Info("Group session rotated",
		logger.RoomID(old.RoomID),
		logger.SessionID(old.SessionID),
		zap.String("next_session_id", next.SessionID),
		zap.String("reason", string(reason)))

	return next, nil
}

// RotateSessionFor rotates on behalf of a caller, who must be in the room
func (s *Service) RotateSessionFor(ctx context.Context, userID, sessionID string, reason domain.RotationReason) (*domain.MegolmSession, error) {
	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireMember(ctx, sess.RoomID, userID); err != nil {
		return nil, err
	}
	return s.RotateSession(ctx, sessionID, reason)
}

// ShareSessionInput contains the recipients of a session key
type ShareSessionInput struct {
	SessionID      string
	SenderUserID   string
	SenderDeviceID string
	UserIDs        []string
}

// ShareSession seals the session key to every device of each user that does
// not hold it yet, each under a freshly claimed one-time key, and queues it
// for delivery. Devices are given the chain at the session's current index,
// so they cannot read anything sent before. Users that cannot be reached are
// reported in failures, single devices in failed_devices; the rest still get
// the key.
func (s *Service) ShareSession(ctx context.Context, input *ShareSessionInput) (*domain.ShareSessionResponse, error) {
	if len(input.UserIDs) == 0 {
		return nil, apperrors.ValidationError("user_ids must not be empty")
	}
	if len(input.UserIDs) > constants.MaxShareUsers {
		return nil, apperrors.ValidationError(fmt.Sprintf("at most %d users per share", constants.MaxShareUsers))
	}

	// Fresh read: the chain index must be current
	sess, err := s.store.GetSession(ctx, input.SessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, apperrors.NotFoundError("Session")
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	members, err := s.requireMember(ctx, sess.RoomID, input.SenderUserID)
	if err != nil {
		return nil, err
	}

	chainIndex := sess.MessageIndex
	payload, err := s.roomKeyPayload(sess, chainIndex)
	if err != nil {
		return nil, err
	}
	defer keycrypto.Wipe(payload)

	resp := &domain.ShareSessionResponse{
		SessionID:     sess.SessionID,
		Shared:        make(map[string][]string),
		Failures:      make(map[string]domain.Failure),
		FailedDevices: make(map[string]map[string]domain.Failure),
	}
	grants := make(map[string]map[string]uint32)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(constants.ShareConcurrency)
	for _, userID := range dedupe(input.UserIDs) {
		userID := userID
		g.Go(func() error {
			var (
				out *userShare
				err error
			)
			if !contains(members, userID) {
				err = apperrors.ForbiddenError("user is not in the room")
			} else {
				out, err = s.shareWithUser(gctx, sess, input, userID, payload)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				resp.Failures[userID] = domain.FailureFrom(err)
				metrics.MegolmShareTotal.WithLabelValues(string(apperrors.GetAppError(err).Code)).Inc()
				return nil
			}
			if len(out.failed) > 0 {
				resp.FailedDevices[userID] = out.failed
			}
			if len(out.delivered) == 0 && len(out.failed) > 0 {
				failure := out.userFailure(userID)
				resp.Failures[userID] = failure
				metrics.MegolmShareTotal.WithLabelValues(failure.Code).Inc()
				return nil
			}
			resp.Shared[userID] = out.delivered
			if len(out.delivered) > 0 {
				byDevice := make(map[string]uint32, len(out.delivered))
				for _, deviceID := range out.delivered {
					byDevice[deviceID] = chainIndex
				}
				grants[userID] = byDevice
			}
			metrics.MegolmShareTotal.WithLabelValues("shared").Inc()
			return nil
		})
	}
	_ = g.Wait()

	if len(grants) > 0 {
		if err := s.store.AddSharedDevices(ctx, sess.SessionID, grants); err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		s.forget(sess.SessionID)
	}

	logger.FromContext(ctx).Info("Group session shared",
		logger.SessionID(sess.SessionID),
		zap.Uint32("chain_index", chainIndex),
		zap.Int("users", len(resp.Shared)),
		zap.Int("failures", len(resp.Failures)),
		zap.Int("users_with_failed_devices", len(resp.FailedDevices)))

	return resp, nil
}

// roomKeyContent carries the chain key at chainIndex
func (s *Service) roomKeyContent(sess *domain.MegolmSession, chainIndex uint32) (*domain.RoomKeyContent, error) {
	seed, err := s.unwrapSeed(sess)
	if err != nil {
		return nil, err
	}
	defer keycrypto.Wipe(seed)

	chain, err := keycrypto.ChainKeyAt(s.opts.Ratchet, seed, sess.SessionID, 0, chainIndex)
	if err != nil {
		return nil, apperrors.InternalError("failed to advance session chain")
	}
	defer keycrypto.Wipe(chain)

	return &domain.RoomKeyContent{
		Algorithm:  sess.Algorithm,
		RoomID:     sess.RoomID,
		SessionID:  sess.SessionID,
		SessionKey: keycrypto.EncodeBase64(chain),
		ChainIndex: chainIndex,
	}, nil
}

// roomKeyPayload renders the m.room_key content. The caller wipes it.
func (s *Service) roomKeyPayload(sess *domain.MegolmSession, chainIndex uint32) ([]byte, error) {
	content, err := s.roomKeyContent(sess, chainIndex)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(content)
	if err != nil {
		return nil, apperrors.InternalError("failed to encode room key")
	}
	return payload, nil
}

// userShare is the outcome of sharing with one user's devices
type userShare struct {
	delivered []string
	failed    map[string]domain.Failure
}

// userFailure summarises a user none of whose pending devices got the key
func (u *userShare) userFailure(userID string) domain.Failure {
	deviceIDs := make([]string, 0, len(u.failed))
	for deviceID := range u.failed {
		deviceIDs = append(deviceIDs, deviceID)
	}
	sort.Strings(deviceIDs)
	for _, deviceID := range deviceIDs {
		if f := u.failed[deviceID]; f.Code != string(apperrors.ErrCodeExhausted) {
			return f
		}
	}
	return domain.FailureFrom(apperrors.ExhaustedError(fmt.Sprintf("no one-time keys available for %s", userID)))
}

// pendingDevices lists the user's devices that do not hold the session key,
// leaving out the sending device
func (s *Service) pendingDevices(ctx context.Context, sess *domain.MegolmSession, userID, senderUserID, senderDeviceID string) ([]string, error) {
	deviceIDs, err := s.devices.Devices(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if len(deviceIDs) == 0 {
		return nil, apperrors.NotFoundError("Devices")
	}

	pending := make([]string, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		if userID == senderUserID && deviceID == senderDeviceID {
			continue
		}
		if sess.HasDevice(userID, deviceID) {
			continue
		}
		pending = append(pending, deviceID)
	}
	return pending, nil
}

// shareWithUser claims one key per pending device and enqueues the sealed
// room key. A device that has no key left or whose delivery fails is
// reported on its own and stays pending for the next share.
func (s *Service) shareWithUser(ctx context.Context, sess *domain.MegolmSession, input *ShareSessionInput, userID string, payload []byte) (*userShare, error) {
	pending, err := s.pendingDevices(ctx, sess, userID, input.SenderUserID, input.SenderDeviceID)
	if err != nil {
		return nil, err
	}

	out := &userShare{delivered: []string{}, failed: make(map[string]domain.Failure)}
	if len(pending) == 0 {
		return out, nil
	}

	targets := make(map[string]domain.Algorithm, len(pending))
	for _, deviceID := range pending {
		targets[deviceID] = domain.AlgorithmSignedCurve25519
	}
	claimed, err := s.claimer.ClaimKeys(ctx, &devicekeys.ClaimKeysInput{
		Requests: map[string]map[string]domain.Algorithm{userID: targets},
	})
	if err != nil {
		return nil, err
	}
	if f, ok := claimed.Failures[userID]; ok {
		return nil, apperrors.New(apperrors.ErrorCode(f.Code), f.Message)
	}

	for _, deviceID := range pending {
		keys := claimed.OneTimeKeys[userID][deviceID]
		if len(keys) == 0 {
			out.failed[deviceID] = domain.FailureFrom(apperrors.ExhaustedError("device has no one-time keys"))
			continue
		}
		for keyID, raw := range keys {
			msg := &domain.ToDeviceMessage{
				UserID:       userID,
				DeviceID:     deviceID,
				Sender:       input.SenderUserID,
				SenderDevice: input.SenderDeviceID,
				Type:         domain.ToDeviceRoomKey,
			}
			if err := s.sealAndEnqueue(ctx, sess, msg, keyID, raw, payload); err != nil {
				logger.FromContext(ctx).Warn("Room key not delivered",
					logger.UserID(userID), logger.DeviceID(deviceID), zap.Error(err))
				out.failed[deviceID] = domain.FailureFrom(err)
				continue
			}
			out.delivered = append(out.delivered, deviceID)
		}
	}
	sort.Strings(out.delivered)

	return out, nil
}

// sealAndEnqueue seals payload to a claimed one-time key and queues it on msg
func (s *Service) sealAndEnqueue(ctx context.Context, sess *domain.MegolmSession, msg *domain.ToDeviceMessage, keyID string, raw json.RawMessage, payload []byte) error {
	material, err := domain.ParseKeyMaterial(domain.AlgorithmSignedCurve25519, raw)
	if err != nil {
		return apperrors.ValidationError("claimed key is malformed: " + err.Error())
	}
	envelope, err := keycrypto.SealToDevice(material.PublicKey(), payload, []byte(sess.SessionID))
	if err != nil {
		return apperrors.InternalError("failed to seal room key")
	}
	content, err := json.Marshal(domain.SealedRoomKey{
		Algorithm:    domain.OlmAlgorithm,
		SenderKey:    sess.SenderKey,
		SessionID:    sess.SessionID,
		OneTimeKeyID: keyID,
		Envelope:     *envelope,
	})
	if err != nil {
		return apperrors.InternalError("failed to encode sealed room key")
	}
	msg.Content = content

	if err := s.delivery.Enqueue(ctx, msg); err != nil {
		if apperrors.IsAppError(err) {
			return err
		}
		return apperrors.ServiceUnavailableError("to-device delivery failed")
	}
	return nil
}

// ForwardRoomKeyInput names the session and the device asking for it
type ForwardRoomKeyInput struct {
	SessionID string
	RoomID    string
	UserID    string
	DeviceID  string
}

// ForwardRoomKey sends a session key to another device of a user who
// already holds it, such as a newly logged-in device. The key starts at the
// lowest index any of the user's devices was given, so forwarding never
// opens history the user could not read before. It returns that index.
func (s *Service) ForwardRoomKey(ctx context.Context, input *ForwardRoomKeyInput) (uint32, error) {
	sess, err := s.store.GetSession(ctx, input.SessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, apperrors.NotFoundError("Session")
	}
	if err != nil {
		return 0, apperrors.DatabaseError(err)
	}
	if input.RoomID != "" && input.RoomID != sess.RoomID {
		return 0, apperrors.NotFoundError("Session")
	}

	firstIndex, ok := sess.FirstIndexFor(input.UserID)
	if !ok {
		return 0, apperrors.ForbiddenError("session was never shared with this user")
	}

	deviceIDs, err := s.devices.Devices(ctx, input.UserID)
	if err != nil {
		return 0, apperrors.DatabaseError(err)
	}
	if !contains(deviceIDs, input.DeviceID) {
		return 0, apperrors.NotFoundError("Device")
	}

	claimed, err := s.claimer.ClaimKeys(ctx, &devicekeys.ClaimKeysInput{
		Requests: map[string]map[string]domain.Algorithm{
			input.UserID: {input.DeviceID: domain.AlgorithmSignedCurve25519},
		},
	})
	if err != nil {
		return 0, err
	}
	if f, ok := claimed.Failures[input.UserID]; ok {
		return 0, apperrors.New(apperrors.ErrorCode(f.Code), f.Message)
	}
	keys := claimed.OneTimeKeys[input.UserID][input.DeviceID]
	if len(keys) == 0 {
		return 0, apperrors.ExhaustedError("device has no one-time keys")
	}

	content, err := s.roomKeyContent(sess, firstIndex)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(domain.ForwardedRoomKeyContent{
		RoomKeyContent: *content,
		SenderKey:      sess.SenderKey,
		ForwardedCount: 1,
	})
	if err != nil {
		return 0, apperrors.InternalError("failed to encode forwarded room key")
	}
	defer keycrypto.Wipe(payload)

	for keyID, raw := range keys {
		msg := &domain.ToDeviceMessage{
			UserID:   input.UserID,
			DeviceID: input.DeviceID,
			Sender:   input.UserID,
			Type:     domain.ToDeviceForwardedRoomKey,
		}
		if err := s.sealAndEnqueue(ctx, sess, msg, keyID, raw, payload); err != nil {
			return 0, err
		}
	}

	grants := map[string]map[string]uint32{input.UserID: {input.DeviceID: firstIndex}}
	if err := s.store.AddSharedDevices(ctx, sess.SessionID, grants); err != nil {
		return 0, apperrors.DatabaseError(err)
	}
	s.forget(sess.SessionID)
	metrics.MegolmShareTotal.WithLabelValues("forwarded").Inc()

	logger.FromContext(ctx).Info("Room key forwarded",
		logger.SessionID(sess.SessionID),
		logger.UserID(input.UserID),
		logger.DeviceID(input.DeviceID),
		zap.Uint32("chain_index", firstIndex))

	return firstIndex, nil
}

// EncryptForRoomInput contains a message for a room; the engine picks the session
type EncryptForRoomInput struct {
	UserID    string
	DeviceID  string
	RoomID    string
	SenderKey string
	Plaintext []byte
}

// EncryptForRoom encrypts with the sender's active session in the room,
// creating one if needed. The session is rotated first when it hit the
// message or age limit, or when someone it was shared with has left the
// room. Members that do not hold the key yet are sent it before encrypting.
func (s *Service) EncryptForRoom(ctx context.Context, input *EncryptForRoomInput) (*domain.EncryptForRoomResponse, error) {
	if err := validateSenderKey(input.SenderKey); err != nil {
		return nil, err
	}
	members, err := s.requireMember(ctx, input.RoomID, input.UserID)
	if err != nil {
		return nil, err
	}

	resp := &domain.EncryptForRoomResponse{}

	sess, err := s.store.ActiveSession(ctx, input.RoomID, input.SenderKey)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if sess, err = s.newSession(input.RoomID, input.SenderKey); err != nil {
			return nil, err
		}
		if err := s.store.CreateSession(ctx, sess); err != nil {
			return nil, apperrors.DatabaseError(err)
		}
	case err != nil:
		return nil, apperrors.DatabaseError(err)
	default:
		if reason := s.rotationReason(sess, members); reason != "" {
			next, err := s.RotateSession(ctx, sess.SessionID, reason)
			if err != nil {
				return nil, err
			}
			sess = next
			resp.Rotated = true
			resp.Reason = reason
		}
	}

	missing, err := s.membersMissingKey(ctx, sess, members, input.UserID, input.DeviceID)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		shared, err := s.ShareSession(ctx, &ShareSessionInput{
			SessionID:      sess.SessionID,
			SenderUserID:   input.UserID,
			SenderDeviceID: input.DeviceID,
			UserIDs:        missing,
		})
		if err != nil {
			return nil, err
		}
		resp.Shared = shared
	}

	msg, err := s.Encrypt(ctx, &EncryptInput{
		SessionID: sess.SessionID,
		SenderKey: input.SenderKey,
		Plaintext: input.Plaintext,
	})
	if err != nil {
		return nil, err
	}
	resp.Message = msg

	return resp, nil
}

// membersMissingKey returns the members with at least one device that does
// not hold the session key, including devices that were out of one-time
// keys on an earlier send
func (s *Service) membersMissingKey(ctx context.Context, sess *domain.MegolmSession, members []string, senderUserID, senderDeviceID string) ([]string, error) {
	var (
		mu      sync.Mutex
		missing []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(constants.ShareConcurrency)
	for _, member := range members {
		member := member
		g.Go(func() error {
			pending, err := s.pendingDevices(gctx, sess, member, senderUserID, senderDeviceID)
			if apperrors.Is(err, apperrors.ErrCodeNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if len(pending) > 0 {
				mu.Lock()
				missing = append(missing, member)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(missing)
	return missing, nil
}

// rotationReason returns why sess must be replaced before the next send, or ""
func (s *Service) rotationReason(sess *domain.MegolmSession, members []string) domain.RotationReason {
	if sess.MessageIndex >= s.opts.MaxMessages {
		return domain.RotationMessages
	}
	if s.opts.Now().Sub(sess.CreatedAt) >= s.opts.MaxAge {
		return domain.RotationAge
	}
	for _, userID := range sess.SharedWith {
		if !contains(members, userID) {
			return domain.RotationMembership
		}
	}
	return ""
}

// GetSession returns session metadata
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.MegolmSession, error) {
	return s.loadSession(ctx, sessionID)
}

// RoomSessions lists session metadata of a room for a member
func (s *Service) RoomSessions(ctx context.Context, userID, roomID string) ([]*domain.MegolmSession, error) {
	if _, err := s.requireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	sessions, err := s.store.RoomSessions(ctx, roomID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if sessions == nil {
		sessions = []*domain.MegolmSession{}
	}
	return sessions, nil
}

// SweepExpired supersedes sessions past their age limit and deletes those
// expired longer than the retention period. Run from the scheduler.
func (s *Service) SweepExpired(ctx context.Context) error {
	expired, deleted, err := s.store.SweepExpired(ctx, s.opts.Now(), s.opts.Retention)
	if err != nil {
		return fmt.Errorf("failed to sweep sessions: %w", err)
	}
	metrics.MegolmSessionsSwept.Add(float64(expired))

	if expired > 0 || deleted > 0 {
		logger.FromContext(ctx).Info("Swept group sessions",
			zap.Int64("expired", expired),
			zap.Int64("deleted", deleted))
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func dedupe(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, v := range list {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
