package keyrequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"e2ee-keyserver/internal/domain"
	"e2ee-keyserver/internal/service/megolm"
	"e2ee-keyserver/pkg/audit"
	"e2ee-keyserver/pkg/constants"
	apperrors "e2ee-keyserver/pkg/errors"
	"e2ee-keyserver/pkg/logger"
	"e2ee-keyserver/pkg/metrics"
)

// Store persists room key requests
type Store interface {
	CreateRequest(ctx context.Context, req *domain.RoomKeyRequest) (*domain.RoomKeyRequest, bool, error)
	GetRequest(ctx context.Context, userID, requestID string) (*domain.RoomKeyRequest, error)
	ListRequests(ctx context.Context, userID string, state domain.KeyRequestState, limit int) ([]*domain.RoomKeyRequest, error)
	Transition(ctx context.Context, userID, requestID string, to domain.KeyRequestState, fulfilledBy *string) (*domain.RoomKeyRequest, error)
	ExpirePending(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Forwarder sends a session key the user already holds to another of their devices
type Forwarder interface {
	ForwardRoomKey(ctx context.Context, input *megolm.ForwardRoomKeyInput) (uint32, error)
}

// DeviceLister lists a user's devices
type DeviceLister interface {
	Devices(ctx context.Context, userID string) ([]string, error)
}

// Delivery queues to-device messages
type Delivery interface {
	Enqueue(ctx context.Context, msg *domain.ToDeviceMessage) error
}

// Options tunes request expiry
type Options struct {
	// PendingTTL cancels requests nobody answered
	PendingTTL time.Duration
	// Retention keeps closed requests before they are deleted
	Retention time.Duration

	Now func() time.Time
}

// Service tracks requests for group session keys a device is missing. The
// key server answers from its own session store when the user was given
// the key; otherwise the request goes to the user's other devices.
type Service struct {
	store     Store
	forwarder Forwarder
	devices   DeviceLister
	delivery  Delivery
	audit     audit.Recorder
	opts      Options
}

// NewService creates a new key request service
func NewService(store Store, forwarder Forwarder, devices DeviceLister, delivery Delivery, recorder audit.Recorder, opts Options) *Service {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = constants.KeyRequestPendingTTL
	}
	if opts.Retention <= 0 {
		opts.Retention = constants.KeyRequestRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:     store,
		forwarder: forwarder,
		devices:   devices,
		delivery:  delivery,
		audit:     recorder,
		opts:      opts,
	}
}

// RequestInput is one device asking for a session
type RequestInput struct {
	UserID    string
	DeviceID  string
	RequestID string
	Body      domain.RoomKeyRequestBody
}

func (in *RequestInput) validate() error {
	if in.Body.Algorithm != domain.MegolmAlgorithm {
		return apperrors.ValidationError(fmt.Sprintf("unsupported algorithm %q", in.Body.Algorithm))
	}
	switch {
	case in.Body.RoomID == "":
		return apperrors.MissingFieldError("room_id")
	case in.Body.SessionID == "":
		return apperrors.MissingFieldError("session_id")
	case in.Body.SenderKey == "":
		return apperrors.MissingFieldError("sender_key")
	case in.DeviceID == "":
		return apperrors.MissingFieldError("device_id")
	}
	return nil
}

// Request records a key request. A device with a pending request for the
// same session gets that request back unchanged.
func (s *Service) Request(ctx context.Context, input *RequestInput) (*domain.RequestRoomKeyResponse, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}
	if input.RequestID == "" {
		input.RequestID = uuid.NewString()
	}

	req, created, err := s.store.CreateRequest(ctx, &domain.RoomKeyRequest{
		RequestID: input.RequestID,
		UserID:    input.UserID,
		DeviceID:  input.DeviceID,
		RoomID:    input.Body.RoomID,
		SessionID: input.Body.SessionID,
		SenderKey: input.Body.SenderKey,
		Algorithm: input.Body.Algorithm,
	})
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	resp := &domain.RequestRoomKeyResponse{Request: req, SentTo: []string{}}
	if !created {
		metrics.KeyRequestsTotal.WithLabelValues("duplicate").Inc()
		return resp, nil
	}

	log := logger.FromContext(ctx).With(
		logger.UserID(input.UserID),
		logger.DeviceID(input.DeviceID),
		logger.SessionID(input.Body.SessionID))

	_, err = s.forwarder.ForwardRoomKey(ctx, &megolm.ForwardRoomKeyInput{
		SessionID: input.Body.SessionID,
		RoomID:    input.Body.RoomID,
		UserID:    input.UserID,
		DeviceID:  input.DeviceID,
	})
	if err == nil {
		by := domain.KeyRequestFulfilledByServer
		fulfilled, err := s.store.Transition(ctx, input.UserID, req.RequestID, domain.KeyRequestFulfilled, &by)
		if err != nil && !errors.Is(err, domain.ErrConflict) {
			return nil, apperrors.DatabaseError(err)
		}
		if fulfilled != nil {
			resp.Request = fulfilled
		}
		resp.Fulfilled = true
		metrics.KeyRequestsTotal.WithLabelValues("server").Inc()
		log.Info("Room key request answered by the key server")
		return resp, nil
	}
	log.Debug("Key server cannot answer room key request", zap.Error(err))

	resp.SentTo, err = s.notifyOtherDevices(ctx, req, &domain.RoomKeyRequestContent{
		Action:             domain.KeyRequestActionRequest,
		Body:               &input.Body,
		RequestID:          req.RequestID,
		RequestingDeviceID: req.DeviceID,
	})
	if err != nil {
		return nil, err
	}
	metrics.KeyRequestsTotal.WithLabelValues("forwarded_to_devices").Inc()
	log.Info("Room key request sent to other devices", zap.Int("devices", len(resp.SentTo)))

	return resp, nil
}

// notifyOtherDevices sends content to every device of the user except the
// requesting one. Devices whose delivery fails are logged and skipped.
func (s *Service) notifyOtherDevices(ctx context.Context, req *domain.RoomKeyRequest, content *domain.RoomKeyRequestContent) ([]string, error) {
	deviceIDs, err := s.devices.Devices(ctx, req.UserID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, apperrors.InternalError("failed to encode key request")
	}

	sent := []string{}
	for _, deviceID := range deviceIDs {
		if deviceID == req.DeviceID {
			continue
		}
		err := s.delivery.Enqueue(ctx, &domain.ToDeviceMessage{
			UserID:       req.UserID,
			DeviceID:     deviceID,
			Sender:       req.UserID,
			SenderDevice: req.DeviceID,
			Type:         domain.ToDeviceRoomKeyRequest,
			Content:      raw,
			TxnID:        req.RequestID,
		})
		if err != nil {
			logger.FromContext(ctx).Warn("Key request not delivered",
				logger.UserID(req.UserID), logger.DeviceID(deviceID), zap.Error(err))
			continue
		}
		sent = append(sent, deviceID)
	}
	return sent, nil
}

// Fulfil marks a request answered by one of the user's devices
func (s *Service) Fulfil(ctx context.Context, userID, requestID, deviceID string) (*domain.RoomKeyRequest, error) {
	if deviceID == "" {
		return nil, apperrors.MissingFieldError("device_id")
	}
	req, err := s.transition(ctx, userID, requestID, domain.KeyRequestFulfilled, &deviceID)
	if err != nil {
		return nil, err
	}

	metrics.KeyRequestsTotal.WithLabelValues("device").Inc()
	if err := s.audit.Log(ctx, &audit.AuditEvent{
		UserID:    userID,
		DeviceID:  deviceID,
		EventType: audit.EventKeyRequestFulfil,
		Resource:  "room_key_request:" + requestID,
		Success:   true,
	}); err != nil {
		logger.FromContext(ctx).Warn("Failed to write audit event", zap.Error(err))
	}
	return req, nil
}

// Cancel withdraws a pending request and tells the other devices to stop
// looking for the key
func (s *Service) Cancel(ctx context.Context, userID, requestID string) (*domain.RoomKeyRequest, error) {
	req, err := s.transition(ctx, userID, requestID, domain.KeyRequestCancelled, nil)
	if err != nil {
		return nil, err
	}
	if _, err := s.notifyOtherDevices(ctx, req, &domain.RoomKeyRequestContent{
		Action:             domain.KeyRequestActionCancel,
		RequestID:          req.RequestID,
		RequestingDeviceID: req.DeviceID,
	}); err != nil {
		logger.FromContext(ctx).Warn("Key request cancellation not sent", zap.Error(err))
	}
	metrics.KeyRequestsTotal.WithLabelValues("cancelled").Inc()
	return req, nil
}

func (s *Service) transition(ctx context.Context, userID, requestID string, to domain.KeyRequestState, by *string) (*domain.RoomKeyRequest, error) {
	req, err := s.store.Transition(ctx, userID, requestID, to, by)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil, apperrors.NotFoundError("Key request")
	case errors.Is(err, domain.ErrConflict):
		return nil, apperrors.ConflictError("key request is no longer pending")
	case err != nil:
		return nil, apperrors.DatabaseError(err)
	}
	return req, nil
}

// Get returns one of the user's requests
func (s *Service) Get(ctx context.Context, userID, requestID string) (*domain.RoomKeyRequest, error) {
	req, err := s.store.GetRequest(ctx, userID, requestID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, apperrors.NotFoundError("Key request")
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return req, nil
}

// List returns the user's requests in a state, pending when state is empty
func (s *Service) List(ctx context.Context, userID string, state domain.KeyRequestState) ([]*domain.RoomKeyRequest, error) {
	switch state {
	case "":
		state = domain.KeyRequestPending
	case domain.KeyRequestPending, domain.KeyRequestFulfilled, domain.KeyRequestCancelled:
	default:
		return nil, apperrors.ValidationError(fmt.Sprintf("unknown state %q", state))
	}
	requests, err := s.store.ListRequests(ctx, userID, state, constants.MaxPendingKeyRequests)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if requests == nil {
		requests = []*domain.RoomKeyRequest{}
	}
	return requests, nil
}

// Cleanup cancels requests pending longer than the TTL and deletes closed
// requests past retention. Run from the scheduler.
func (s *Service) Cleanup(ctx context.Context) error {
	now := s.opts.Now()
	expired, err := s.store.ExpirePending(ctx, now.Add(-s.opts.PendingTTL))
	if err != nil {
		return fmt.Errorf("failed to expire key requests: %w", err)
	}
	deleted, err := s.store.DeleteClosedBefore(ctx, now.Add(-s.opts.Retention))
	if err != nil {
		return fmt.Errorf("failed to delete key requests: %w", err)
	}
	metrics.KeyRequestsExpired.Add(float64(expired))

	if expired > 0 || deleted > 0 {
		logger.FromContext(ctx).Info("Cleaned up key requests",
			zap.Int64("expired", expired),
			zap.Int64("deleted", deleted))
	}
	return nil
}
