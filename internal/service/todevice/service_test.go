package todevice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"e2ee-keyserver/internal/domain"
	apperrors "e2ee-keyserver/pkg/errors"
)

// Mocks
type MockInbox struct {
	mock.Mock
}

func (m *MockInbox) Save(ctx context.Context, msg *domain.ToDeviceMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockInbox) Page(ctx context.Context, userID, deviceID string, limit int, pageState []byte) ([]domain.ToDeviceMessage, []byte, error) {
	args := m.Called(ctx, userID, deviceID, limit, pageState)
	var page []domain.ToDeviceMessage
	if args.Get(0) != nil {
		page = args.Get(0).([]domain.ToDeviceMessage)
	}
	var next []byte
	if args.Get(1) != nil {
		next = args.Get(1).([]byte)
	}
	return page, next, args.Error(2)
}

func (m *MockInbox) DeleteUpTo(ctx context.Context, userID, deviceID, upTo string) error {
	args := m.Called(ctx, userID, deviceID, upTo)
	return args.Error(0)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Publish(ctx context.Context, msg *domain.ToDeviceMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

type MockAccountRegistry struct {
	mock.Mock
}

func (m *MockAccountRegistry) UserExists(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockAccountRegistry) Devices(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]string), args.Error(1)
}

const (
	alice = "@alice:example.org"
	bob   = "@bob:example.org"
	ghost = "@ghost:example.org"
)

func TestSendMessages_ExpandsWildcardAndSkipsUnknownUsers(t *testing.T) {
	// Mocks
	inbox := new(MockInbox)
	notifier := new(MockNotifier)
	accounts := new(MockAccountRegistry)
	service := NewService(inbox, notifier, accounts)

	ctx := context.Background()
	content := json.RawMessage(`{"algorithm":"m.olm.v1.curve25519-aes-sha2"}`)

	// Expectations
	accounts.On("UserExists", ctx, bob).Return(true, nil)
	accounts.On("UserExists", ctx, ghost).Return(false, nil)
	accounts.On("Devices", ctx, bob).Return([]string{"PHONE", "LAPTOP"}, nil)

	var delivered []string
	inbox.On("Save", ctx, mock.AnythingOfType("*domain.ToDeviceMessage")).
		Run(func(args mock.Arguments) {
			msg := args.Get(1).(*domain.ToDeviceMessage)
			assert.Equal(t, alice, msg.Sender)
			assert.Equal(t, domain.ToDeviceRoomKey, msg.Type)
			delivered = append(delivered, msg.UserID+"/"+msg.DeviceID)
		}).
		Return(nil)
	notifier.On("Publish", ctx, mock.AnythingOfType("*domain.ToDeviceMessage")).Return(nil)

	// Execute
	err := service.SendMessages(ctx, &SendMessagesInput{
		SenderUserID:   alice,
		SenderDeviceID: "DESKTOP",
		EventType:      domain.ToDeviceRoomKey,
		TxnID:          "txn1",
		Messages: map[string]map[string]json.RawMessage{
			bob:   {domain.AllDevices: content},
			ghost: {"ANY": content},
		},
	})

	// Assert
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{bob + "/PHONE", bob + "/LAPTOP"}, delivered)
	notifier.AssertNumberOfCalls(t, "Publish", 2)
	accounts.AssertExpectations(t)
}

func TestEnqueue_NotifierFailureIsNotFatal(t *testing.T) {
	// Mocks
	inbox := new(MockInbox)
	notifier := new(MockNotifier)
	service := NewService(inbox, notifier, new(MockAccountRegistry))

	ctx := context.Background()
	msg := &domain.ToDeviceMessage{UserID: bob, DeviceID: "PHONE", Type: domain.ToDeviceRoomKey}

	// Expectations
	inbox.On("Save", ctx, msg).Return(nil)
	notifier.On("Publish", ctx, msg).Return(errors.New("redis down"))

	// Execute
	err := service.Enqueue(ctx, msg)

	// Assert
	assert.NoError(t, err)
	inbox.AssertExpectations(t)
}

func TestEnqueue_StorageFailure(t *testing.T) {
	inbox := new(MockInbox)
	service := NewService(inbox, nil, new(MockAccountRegistry))

	ctx := context.Background()
	msg := &domain.ToDeviceMessage{UserID: bob, DeviceID: "PHONE", Type: domain.ToDeviceRoomKey}
	inbox.On("Save", ctx, msg).Return(errors.New("cassandra timeout"))

	err := service.Enqueue(ctx, msg)

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeStorage))
}

func TestReadInbox_PagesWithOpaqueToken(t *testing.T) {
	// Mocks
	inbox := new(MockInbox)
	service := NewService(inbox, nil, new(MockAccountRegistry))
	ctx := context.Background()

	state := []byte{0x01, 0x02, 0xff}
	page := []domain.ToDeviceMessage{{MessageID: "m1", Type: domain.ToDeviceRoomKey}}

	// Expectations
	inbox.On("Page", ctx, bob, "PHONE", 100, []byte(nil)).Return(page, state, nil).Once()
	inbox.On("Page", ctx, bob, "PHONE", 1000, state).Return(nil, nil, nil).Once()

	// Execute
	first, err := service.ReadInbox(ctx, bob, "PHONE", "", 0)
	require.NoError(t, err)
	second, err := service.ReadInbox(ctx, bob, "PHONE", first.NextBatch, 5000)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, base64.URLEncoding.EncodeToString(state), first.NextBatch)
	assert.Len(t, first.Events, 1)
	assert.Empty(t, second.NextBatch)
	assert.NotNil(t, second.Events)
	inbox.AssertExpectations(t)

	_, err = service.ReadInbox(ctx, bob, "PHONE", "!!not-base64", 10)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
}

func TestAck(t *testing.T) {
	inbox := new(MockInbox)
	service := NewService(inbox, nil, new(MockAccountRegistry))
	ctx := context.Background()

	inbox.On("DeleteUpTo", ctx, bob, "PHONE", "m7").Return(nil)

	assert.NoError(t, service.Ack(ctx, bob, "PHONE", "m7"))
	assert.True(t, apperrors.Is(service.Ack(ctx, bob, "PHONE", ""), apperrors.ErrCodeMissingField))
	inbox.AssertExpectations(t)
}
