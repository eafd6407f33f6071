package devicekeys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"e2ee-keyserver/internal/domain"
	apperrors "e2ee-keyserver/pkg/errors"
	"e2ee-keyserver/pkg/keycrypto"
)

const serverName = "example.org"

// Mocks
type MockAccountRegistry struct {
	mock.Mock
}

func (m *MockAccountRegistry) UserExists(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockAccountRegistry) DeviceExists(ctx context.Context, userID, deviceID string) (bool, error) {
	args := m.Called(ctx, userID, deviceID)
	return args.Bool(0), args.Error(1)
}

type MockCrossSigningSource struct {
	mock.Mock
}

func (m *MockCrossSigningSource) GetKeys(ctx context.Context, userID string) (*domain.CrossSigningKeys, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(*domain.CrossSigningKeys), args.Error(1)
}

func (m *MockCrossSigningSource) SignaturesOnTarget(ctx context.Context, targetUserID, targetID string) ([]domain.SignatureEdge, error) {
	args := m.Called(ctx, targetUserID, targetID)
	return args.Get(0).([]domain.SignatureEdge), args.Error(1)
}

type MockMembershipSource struct {
	mock.Mock
}

func (m *MockMembershipSource) SharedRoomUsers(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockMembershipSource) FormerRoomUsers(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]string), args.Error(1)
}

type MockRemoteKeyQuerier struct {
	mock.Mock
}

func (m *MockRemoteKeyQuerier) QueryKeys(ctx context.Context, server string, requests map[string][]string) (*domain.QueryKeysResponse, error) {
	args := m.Called(ctx, server, requests)
	resp, _ := args.Get(0).(*domain.QueryKeysResponse)
	return resp, args.Error(1)
}

func (m *MockRemoteKeyQuerier) ClaimKeys(ctx context.Context, server string, requests map[string]map[string]domain.Algorithm) (*domain.ClaimKeysResponse, error) {
	args := m.Called(ctx, server, requests)
	resp, _ := args.Get(0).(*domain.ClaimKeysResponse)
	return resp, args.Error(1)
}

// memStore is a linearizable in-memory KeyStore
type memStore struct {
	mu       sync.Mutex
	devices  map[string]map[string]*domain.DeviceKeys
	otks     map[string][]domain.OneTimeKey
	claimed  map[string]bool
	fallback map[string]*domain.OneTimeKey
	changes  []domain.KeyChange
	upserts  int
}

func newMemStore() *memStore {
	return &memStore{
		devices:  make(map[string]map[string]*domain.DeviceKeys),
		otks:     make(map[string][]domain.OneTimeKey),
		claimed:  make(map[string]bool),
		fallback: make(map[string]*domain.OneTimeKey),
	}
}

func deviceKey(userID, deviceID string) string { return userID + "|" + deviceID }

func (s *memStore) UpsertDeviceKeys(_ context.Context, keys *domain.DeviceKeys) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.devices[keys.UserID] == nil {
		s.devices[keys.UserID] = make(map[string]*domain.DeviceKeys)
	}
	copied := *keys
	s.devices[keys.UserID][keys.DeviceID] = &copied
	s.upserts++
	s.changes = append(s.changes, domain.KeyChange{StreamID: int64(len(s.changes) + 1), UserID: keys.UserID, DeviceID: keys.DeviceID})
	return nil
}

func (s *memStore) GetDeviceKeys(_ context.Context, userID string, deviceIDs []string) (map[string]*domain.DeviceKeys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*domain.DeviceKeys)
	for id, dk := range s.devices[userID] {
		if len(deviceIDs) > 0 && !contains(deviceIDs, id) {
			continue
		}
		copied := *dk
		out[id] = &copied
	}
	return out, nil
}

func (s *memStore) StoreOneTimeKeys(_ context.Context, keys []domain.OneTimeKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, k := range keys {
		dk := deviceKey(k.UserID, k.DeviceID)
		if s.claimed[dk+"|"+k.KeyID] {
			continue
		}
		duplicate := false
		for _, existing := range s.otks[dk] {
			if existing.KeyID != k.KeyID {
				continue
			}
			if existing.Material.PublicKey() != k.Material.PublicKey() {
				return 0, fmt.Errorf("%w: %s", domain.ErrKeyMismatch, k.KeyID)
			}
			duplicate = true
		}
		if !duplicate {
			s.otks[dk] = append(s.otks[dk], k)
			inserted++
		}
	}
	return inserted, nil
}

func (s *memStore) StoreFallbackKeys(_ context.Context, keys []domain.OneTimeKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range keys {
		k := keys[i]
		s.fallback[deviceKey(k.UserID, k.DeviceID)] = &k
	}
	return nil
}

func (s *memStore) CountOneTimeKeys(_ context.Context, userID, deviceID string) (map[domain.Algorithm]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[domain.Algorithm]int{domain.AlgorithmSignedCurve25519: 0}
	for _, k := range s.otks[deviceKey(userID, deviceID)] {
		counts[k.Material.Algorithm()]++
	}
	return counts, nil
}

func (s *memStore) ClaimOneTimeKey(_ context.Context, userID, deviceID string, alg domain.Algorithm) (*domain.OneTimeKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dk := deviceKey(userID, deviceID)
	for i, k := range s.otks[dk] {
		if k.Material.Algorithm() != alg {
			continue
		}
		s.otks[dk] = append(s.otks[dk][:i:i], s.otks[dk][i+1:]...)
		s.claimed[dk+"|"+k.KeyID] = true
		return &k, nil
	}
	if fb, ok := s.fallback[dk]; ok && fb.Material.Algorithm() == alg {
		copied := *fb
		return &copied, nil
	}
	return nil, nil
}

func (s *memStore) DeleteDeviceKeys(_ context.Context, userID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices[userID], deviceID)
	delete(s.otks, deviceKey(userID, deviceID))
	delete(s.fallback, deviceKey(userID, deviceID))
	s.changes = append(s.changes, domain.KeyChange{StreamID: int64(len(s.changes) + 1), UserID: userID, DeviceID: deviceID, Deleted: true})
	return nil
}

func (s *memStore) ChangedUsers(_ context.Context, candidates []string, from, to int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	out := []string{}
	for _, c := range s.changes {
		if c.StreamID <= from || c.StreamID > to || seen[c.UserID] || !contains(candidates, c.UserID) {
			continue
		}
		seen[c.UserID] = true
		out = append(out, c.UserID)
	}
	return out, nil
}

func (s *memStore) CurrentStreamID(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.changes)), nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// testDevice holds generated key material for one device
type testDevice struct {
	userID   string
	deviceID string
	keys     *domain.DeviceKeys
	sign     func(v any) string
}

func newTestDevice(t *testing.T, userID, deviceID string) *testDevice {
	t.Helper()
	pub, priv, err := keycrypto.GenerateEd25519()
	require.NoError(t, err)
	_, curve, err := keycrypto.GenerateCurve25519()
	require.NoError(t, err)

	dk := &domain.DeviceKeys{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: []string{"m.olm.v1.curve25519-aes-sha2", domain.MegolmAlgorithm},
		Keys: map[string]string{
			"ed25519:" + deviceID:    keycrypto.EncodeBase64(pub),
			"curve25519:" + deviceID: keycrypto.EncodeBase64(curve[:]),
		},
	}
	sign := func(v any) string {
		sig, err := keycrypto.SignJSON(priv, v)
		require.NoError(t, err)
		return sig
	}
	dk.Signatures = domain.Signatures{userID: {"ed25519:" + deviceID: sign(dk.SignedObject())}}

	return &testDevice{userID: userID, deviceID: deviceID, keys: dk, sign: sign}
}

// oneTimeKeys generates n signed one-time keys starting at key ID "AAAA<start>"
func (d *testDevice) oneTimeKeys(t *testing.T, start, n int) map[string]json.RawMessage {
	t.Helper()
	out := make(map[string]json.RawMessage, n)
	for i := start; i < start+n; i++ {
		_, pub, err := keycrypto.GenerateCurve25519()
		require.NoError(t, err)
		material := domain.SignedCurve25519Key{Key: pub}
		material.Signatures = domain.Signatures{d.userID: {"ed25519:" + d.deviceID: d.sign(material.SignedObject())}}
		raw, err := domain.MarshalKeyMaterial(material)
		require.NoError(t, err)
		out[fmt.Sprintf("signed_curve25519:AAAA%d", i)] = raw
	}
	return out
}

type fixture struct {
	store        *memStore
	accounts     *MockAccountRegistry
	crossSigning *MockCrossSigningSource
	members      *MockMembershipSource
	remote       *MockRemoteKeyQuerier
	service      *Service
}

func newFixture() *fixture {
	f := &fixture{
		store:        newMemStore(),
		accounts:     new(MockAccountRegistry),
		crossSigning: new(MockCrossSigningSource),
		members:      new(MockMembershipSource),
		remote:       new(MockRemoteKeyQuerier),
	}
	f.service = NewService(f.store, f.accounts, f.crossSigning, nil, f.members, f.remote, nil, serverName)
	return f
}

func TestUploadKeys(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	dev := newTestDevice(t, "@alice:example.org", "ALICEDEV")

	// Expectations
	f.accounts.On("DeviceExists", ctx, dev.userID, dev.deviceID).Return(true, nil)

	// Execute
	resp, err := f.service.UploadKeys(ctx, &UploadKeysInput{
		UserID:      dev.userID,
		DeviceID:    dev.deviceID,
		DeviceKeys:  dev.keys,
		OneTimeKeys: dev.oneTimeKeys(t, 0, 5),
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 5, resp.OneTimeKeyCounts[domain.AlgorithmSignedCurve25519])
	assert.Equal(t, 1, f.store.upserts)
	f.accounts.AssertExpectations(t)
}

func TestUploadKeys_CountOnly(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Expectations
	f.accounts.On("DeviceExists", ctx, "@alice:example.org", "ALICEDEV").Return(true, nil)

	// Execute
	resp, err := f.service.UploadKeys(ctx, &UploadKeysInput{UserID: "@alice:example.org", DeviceID: "ALICEDEV"})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, map[domain.Algorithm]int{domain.AlgorithmSignedCurve25519: 0}, resp.OneTimeKeyCounts)
}

func TestUploadKeys_UnknownDevice(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	dev := newTestDevice(t, "@alice:example.org", "GHOST")

	f.accounts.On("DeviceExists", ctx, dev.userID, dev.deviceID).Return(false, nil)

	_, err := f.service.UploadKeys(ctx, &UploadKeysInput{UserID: dev.userID, DeviceID: dev.deviceID, DeviceKeys: dev.keys})

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
	assert.Zero(t, f.store.upserts)
}

func TestUploadKeys_BadSelfSignature(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	dev := newTestDevice(t, "@alice:example.org", "ALICEDEV")
	other := newTestDevice(t, "@alice:example.org", "ALICEDEV")
	dev.keys.Signatures = other.keys.Signatures

	f.accounts.On("DeviceExists", ctx, dev.userID, dev.deviceID).Return(true, nil)

	_, err := f.service.UploadKeys(ctx, &UploadKeysInput{UserID: dev.userID, DeviceID: dev.deviceID, DeviceKeys: dev.keys})

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidSignature))
	assert.Zero(t, f.store.upserts)
}

func TestUploadKeys_MissingSelfSignature(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	dev := newTestDevice(t, "@alice:example.org", "ALICEDEV")
	dev.keys.Signatures = domain.Signatures{}

	f.accounts.On("DeviceExists", ctx, dev.userID, dev.deviceID).Return(true, nil)

	_, err := f.service.UploadKeys(ctx, &UploadKeysInput{UserID: dev.userID, DeviceID: dev.deviceID, DeviceKeys: dev.keys})

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidSignature))
	assert.Zero(t, f.store.upserts)
}

func TestUploadKeys_ForeignDevice(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	dev := newTestDevice(t, "@bob:example.org", "BOBDEV")

	f.accounts.On("DeviceExists", ctx, "@alice:example.org", "ALICEDEV").Return(true, nil)

	_, err := f.service.UploadKeys(ctx, &UploadKeysInput{UserID: "@alice:example.org", DeviceID: "ALICEDEV", DeviceKeys: dev.keys})

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
}

func TestUploadKeys_ReuploadWithDifferentKeyConflicts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	dev := newTestDevice(t, "@alice:example.org", "ALICEDEV")
	f.accounts.On("DeviceExists", ctx, dev.userID, dev.deviceID).Return(true, nil)

	first := dev.oneTimeKeys(t, 0, 1)
	_, err := f.service.UploadKeys(ctx, &UploadKeysInput{UserID: dev.userID, DeviceID: dev.deviceID, DeviceKeys: dev.keys, OneTimeKeys: first})
	require.NoError(t, err)

	// Same payload is idempotent
	resp, err := f.service.UploadKeys(ctx, &UploadKeysInput{UserID: dev.userID, DeviceID: dev.deviceID, OneTimeKeys: first})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.OneTimeKeyCounts[domain.AlgorithmSignedCurve25519])

	// Same key ID, different material
	_, err = f.service.UploadKeys(ctx, &UploadKeysInput{UserID: dev.userID, DeviceID: dev.deviceID, OneTimeKeys: dev.oneTimeKeys(t, 0, 1)})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeConflict))
}

func TestUploadKeys_TooManyKeys(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	dev := newTestDevice(t, "@alice:example.org", "ALICEDEV")
	f.accounts.On("DeviceExists", ctx, dev.userID, dev.deviceID).Return(true, nil)

	_, err := f.service.UploadKeys(ctx, &UploadKeysInput{UserID: dev.userID, DeviceID: dev.deviceID, OneTimeKeys: dev.oneTimeKeys(t, 0, 101)})

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
}

func TestQueryKeys(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice := newTestDevice(t, "@alice:example.org", "ALICEDEV")
	require.NoError(t, f.store.UpsertDeviceKeys(ctx, alice.keys))

	master := &domain.StoredCrossSigningKey{UserID: alice.userID, KeyType: domain.KeyTypeMaster,
		Key: domain.CrossSigningKey{UserID: alice.userID, Usage: []string{string(domain.KeyTypeMaster)}}}
	userSigning := &domain.StoredCrossSigningKey{UserID: alice.userID, KeyType: domain.KeyTypeUserSigning,
		Key: domain.CrossSigningKey{UserID: alice.userID, Usage: []string{string(domain.KeyTypeUserSigning)}}}

	// Expectations
	f.crossSigning.On("SignaturesOnTarget", ctx, alice.userID, alice.deviceID).Return([]domain.SignatureEdge{
		{SignerUserID: alice.userID, SignerKeyID: "ed25519:SSK", TargetUserID: alice.userID, TargetID: alice.deviceID, Signature: "c2ln"},
	}, nil)
	f.crossSigning.On("GetKeys", ctx, alice.userID).Return(&domain.CrossSigningKeys{Master: master, UserSigning: userSigning}, nil)
	f.remote.On("QueryKeys", mock.Anything, "remote.example", map[string][]string{"@carol:remote.example": nil}).
		Return(nil, errors.New("connection refused"))

	// Execute
	resp, err := f.service.QueryKeys(ctx, "@bob:example.org", &QueryKeysInput{Requests: map[string][]string{
		alice.userID:            nil,
		"@carol:remote.example": nil,
	}})

	// Assert
	require.NoError(t, err)
	require.Contains(t, resp.DeviceKeys[alice.userID], alice.deviceID)
	got := resp.DeviceKeys[alice.userID][alice.deviceID]
	sig, ok := got.Signatures.Get(alice.userID, "ed25519:SSK")
	assert.True(t, ok)
	assert.Equal(t, "c2ln", sig)
	assert.Contains(t, resp.MasterKeys, alice.userID)
	assert.NotContains(t, resp.UserSigningKeys, alice.userID)
	assert.Equal(t, string(apperrors.ErrCodeUnreachable), resp.Failures["remote.example"].Code)

	f.crossSigning.AssertExpectations(t)
	f.remote.AssertExpectations(t)
}

func TestQueryKeys_OwnerSeesUserSigningKey(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userSigning := &domain.StoredCrossSigningKey{UserID: "@alice:example.org", KeyType: domain.KeyTypeUserSigning}

	f.crossSigning.On("GetKeys", ctx, "@alice:example.org").Return(&domain.CrossSigningKeys{UserSigning: userSigning}, nil)

	resp, err := f.service.QueryKeys(ctx, "@alice:example.org", &QueryKeysInput{Requests: map[string][]string{"@alice:example.org": nil}})

	require.NoError(t, err)
	assert.Contains(t, resp.UserSigningKeys, "@alice:example.org")
	assert.Empty(t, resp.DeviceKeys["@alice:example.org"])
}

func TestClaimKeys_Exhaustion(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	bob := newTestDevice(t, "@bob:example.org", "BOBDEV")
	f.accounts.On("DeviceExists", ctx, bob.userID, bob.deviceID).Return(true, nil)

	_, err := f.service.UploadKeys(ctx, &UploadKeysInput{UserID: bob.userID, DeviceID: bob.deviceID, DeviceKeys: bob.keys, OneTimeKeys: bob.oneTimeKeys(t, 0, 2)})
	require.NoError(t, err)

	claim := &ClaimKeysInput{Requests: map[string]map[string]domain.Algorithm{
		bob.userID: {bob.deviceID: domain.AlgorithmSignedCurve25519},
	}}

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		resp, err := f.service.ClaimKeys(ctx, claim)
		require.NoError(t, err)
		keys := resp.OneTimeKeys[bob.userID][bob.deviceID]
		require.Len(t, keys, 1)
		for keyID := range keys {
			assert.False(t, seen[keyID], "key %s claimed twice", keyID)
			seen[keyID] = true
		}
	}

	// Third claim finds nothing and omits the device
	resp, err := f.service.ClaimKeys(ctx, claim)
	require.NoError(t, err)
	assert.NotContains(t, resp.OneTimeKeys, bob.userID)
	assert.Empty(t, resp.Failures)

	counts, err := f.service.OneTimeKeyCounts(ctx, bob.userID, bob.deviceID)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[domain.AlgorithmSignedCurve25519])
}

func TestClaimKeys_FallbackIsReused(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	bob := newTestDevice(t, "@bob:example.org", "BOBDEV")
	f.accounts.On("DeviceExists", ctx, bob.userID, bob.deviceID).Return(true, nil)

	fb := bob.oneTimeKeys(t, 99, 1)
	_, err := f.service.UploadKeys(ctx, &UploadKeysInput{UserID: bob.userID, DeviceID: bob.deviceID, DeviceKeys: bob.keys, FallbackKeys: fb})
	require.NoError(t, err)

	claim := &ClaimKeysInput{Requests: map[string]map[string]domain.Algorithm{
		bob.userID: {bob.deviceID: domain.AlgorithmSignedCurve25519},
	}}
	for i := 0; i < 3; i++ {
		resp, err := f.service.ClaimKeys(ctx, claim)
		require.NoError(t, err)
		assert.Contains(t, resp.OneTimeKeys[bob.userID][bob.deviceID], "signed_curve25519:AAAA99")
	}
}

func TestClaimKeys_ConcurrentClaimsNeverShareAKey(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	bob := newTestDevice(t, "@bob:example.org", "BOBDEV")
	f.accounts.On("DeviceExists", ctx, bob.userID, bob.deviceID).Return(true, nil)

	_, err := f.service.UploadKeys(ctx, &UploadKeysInput{UserID: bob.userID, DeviceID: bob.deviceID, DeviceKeys: bob.keys, OneTimeKeys: bob.oneTimeKeys(t, 0, 10)})
	require.NoError(t, err)

	claim := &ClaimKeysInput{Requests: map[string]map[string]domain.Algorithm{
		bob.userID: {bob.deviceID: domain.AlgorithmSignedCurve25519},
	}}

	var (
		mu      sync.Mutex
		claimed []string
		wg      sync.WaitGroup
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.service.ClaimKeys(ctx, claim)
			if err != nil {
				return
			}
			for keyID := range resp.OneTimeKeys[bob.userID][bob.deviceID] {
				mu.Lock()
				claimed = append(claimed, keyID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Strings(claimed)
	assert.Len(t, claimed, 10)
	for i := 1; i < len(claimed); i++ {
		assert.NotEqual(t, claimed[i-1], claimed[i])
	}
}

func TestClaimKeys_RejectsIdentityAlgorithm(t *testing.T) {
	f := newFixture()

	_, err := f.service.ClaimKeys(context.Background(), &ClaimKeysInput{Requests: map[string]map[string]domain.Algorithm{
		"@bob:example.org": {"BOBDEV": domain.AlgorithmEd25519},
	}})

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
}

func TestClaimKeys_InvalidTargetConsumesNothing(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	bob := newTestDevice(t, "@bob:example.org", "BOBDEV")
	f.accounts.On("DeviceExists", ctx, bob.userID, bob.deviceID).Return(true, nil)

	_, err := f.service.UploadKeys(ctx, &UploadKeysInput{UserID: bob.userID, DeviceID: bob.deviceID, DeviceKeys: bob.keys, OneTimeKeys: bob.oneTimeKeys(t, 0, 1)})
	require.NoError(t, err)

	claim := &ClaimKeysInput{Requests: map[string]map[string]domain.Algorithm{
		bob.userID:         {bob.deviceID: domain.AlgorithmSignedCurve25519},
		"@carol:example.org": {"CAROLDEV": domain.AlgorithmEd25519},
	}}

	// Map order varies, so repeat enough times to hit both orders
	for i := 0; i < 20; i++ {
		_, err := f.service.ClaimKeys(ctx, claim)
		require.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
	}

	counts, err := f.service.OneTimeKeyCounts(ctx, bob.userID, bob.deviceID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.AlgorithmSignedCurve25519])
}

func TestKeyChanges(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	from, err := f.service.StreamPosition(ctx)
	require.NoError(t, err)

	bob := newTestDevice(t, "@bob:example.org", "BOBDEV")
	carol := newTestDevice(t, "@carol:example.org", "CAROLDEV")
	require.NoError(t, f.store.UpsertDeviceKeys(ctx, bob.keys))
	require.NoError(t, f.store.UpsertDeviceKeys(ctx, carol.keys))

	// Expectations
	f.members.On("SharedRoomUsers", ctx, "@alice:example.org").Return([]string{"@bob:example.org"}, nil)
	f.members.On("FormerRoomUsers", ctx, "@alice:example.org").Return([]string{"@dave:example.org"}, nil)

	// Execute
	resp, err := f.service.KeyChanges(ctx, "@alice:example.org", from, "")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []string{"@bob:example.org"}, resp.Changed)
	assert.Equal(t, []string{"@dave:example.org"}, resp.Left)
	f.members.AssertExpectations(t)
}

func TestKeyChanges_InvalidToken(t *testing.T) {
	f := newFixture()

	_, err := f.service.KeyChanges(context.Background(), "@alice:example.org", "s12_bogus", "")

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
}

func TestDeleteDeviceKeys(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	bob := newTestDevice(t, "@bob:example.org", "BOBDEV")
	require.NoError(t, f.store.UpsertDeviceKeys(ctx, bob.keys))

	require.NoError(t, f.service.DeleteDeviceKeys(ctx, bob.userID, bob.deviceID))

	devices, err := f.store.GetDeviceKeys(ctx, bob.userID, nil)
	require.NoError(t, err)
	assert.Empty(t, devices)
}
