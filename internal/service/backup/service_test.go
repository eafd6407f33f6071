package backup

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"e2ee-keyserver/internal/domain"
	apperrors "e2ee-keyserver/pkg/errors"
	"e2ee-keyserver/pkg/keycrypto"
)

const (
	alice  = "@alice:example.org"
	roomA  = "!a:example.org"
	roomB  = "!b:example.org"
	sessX  = "session-x"
	sessY  = "session-y"
	noVers = int64(0)
)

// Mocks
type MockArchiveStore struct {
	mock.Mock
}

func (m *MockArchiveStore) PutObject(ctx context.Context, objectName string, data []byte, contentType string) error {
	args := m.Called(ctx, objectName, data, contentType)
	return args.Error(0)
}

func (m *MockArchiveStore) PresignedGetURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	args := m.Called(ctx, objectName, expiry)
	return args.String(0), args.Error(1)
}

func (m *MockArchiveStore) RemovePrefix(ctx context.Context, prefix string) error {
	args := m.Called(ctx, prefix)
	return args.Error(0)
}

type versionKey struct {
	user    string
	version int64
}

// memVersionStore mirrors the backup tables: version numbers are never
// reused and entries are insert-only
type memVersionStore struct {
	mu       sync.Mutex
	versions map[string][]*domain.KeyBackupVersion
	entries  map[versionKey]map[string]domain.RoomKeyBackupEntry
	etags    map[versionKey]int64
}

func newMemVersionStore() *memVersionStore {
	return &memVersionStore{
		versions: make(map[string][]*domain.KeyBackupVersion),
		entries:  make(map[versionKey]map[string]domain.RoomKeyBackupEntry),
		etags:    make(map[versionKey]int64),
	}
}

func (s *memVersionStore) snapshot(v *domain.KeyBackupVersion) *domain.KeyBackupVersion {
	out := *v
	k := versionKey{v.UserID, v.Version}
	out.Count = int64(len(s.entries[k]))
	out.ETag = strconv.FormatInt(s.etags[k], 10)
	return &out
}

func (s *memVersionStore) CreateVersion(_ context.Context, v *domain.KeyBackupVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.Version = int64(len(s.versions[v.UserID]) + 1)
	v.CreatedAt = time.Now()
	v.UpdatedAt = v.CreatedAt
	v.ETag = "0"
	stored := *v
	s.versions[v.UserID] = append(s.versions[v.UserID], &stored)
	return nil
}

func (s *memVersionStore) live(userID string, version int64) *domain.KeyBackupVersion {
	for _, v := range s.versions[userID] {
		if v.Version == version && !v.Deleted {
			return v
		}
	}
	return nil
}

func (s *memVersionStore) GetVersion(_ context.Context, userID string, version int64) (*domain.KeyBackupVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.live(userID, version)
	if v == nil {
		return nil, domain.ErrNotFound
	}
	return s.snapshot(v), nil
}

func (s *memVersionStore) CurrentVersion(_ context.Context, userID string) (*domain.KeyBackupVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.versions[userID]
	for i := len(versions) - 1; i >= 0; i-- {
		if !versions[i].Deleted {
			return s.snapshot(versions[i]), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memVersionStore) ListVersions(_ context.Context, userID string) ([]*domain.KeyBackupVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.KeyBackupVersion
	versions := s.versions[userID]
	for i := len(versions) - 1; i >= 0; i-- {
		if !versions[i].Deleted {
			out = append(out, s.snapshot(versions[i]))
		}
	}
	return out, nil
}

func (s *memVersionStore) UpdateAuthData(_ context.Context, userID string, version int64, authData []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.live(userID, version)
	if v == nil {
		return domain.ErrNotFound
	}
	v.AuthData = authData
	return nil
}

func (s *memVersionStore) DeleteVersion(_ context.Context, userID string, version int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.live(userID, version)
	if v == nil {
		return 0, domain.ErrNotFound
	}
	v.Deleted = true
	k := versionKey{userID, version}
	n := int64(len(s.entries[k]))
	delete(s.entries, k)
	return n, nil
}

func (s *memVersionStore) InsertEntries(_ context.Context, userID string, version int64, entries []domain.RoomKeyBackupEntry) (int64, string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live(userID, version) == nil {
		return 0, "", 0, domain.ErrNotFound
	}
	k := versionKey{userID, version}
	if s.entries[k] == nil {
		s.entries[k] = make(map[string]domain.RoomKeyBackupEntry)
	}
	var inserted int64
	for _, e := range entries {
		id := e.RoomID + "/" + e.SessionID
		if _, ok := s.entries[k][id]; ok {
			continue
		}
		e.UserID = userID
		e.Version = version
		s.entries[k][id] = e
		inserted++
	}
	if inserted > 0 {
		s.etags[k]++
	}
	return inserted, strconv.FormatInt(s.etags[k], 10), int64(len(s.entries[k])), nil
}

func (s *memVersionStore) sorted(userID string, version int64, rooms []string) []domain.RoomKeyBackupEntry {
	var out []domain.RoomKeyBackupEntry
	for _, e := range s.entries[versionKey{userID, version}] {
		if len(rooms) == 0 || contains(rooms, e.RoomID) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoomID != out[j].RoomID {
			return out[i].RoomID < out[j].RoomID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (s *memVersionStore) GetEntries(_ context.Context, userID string, version int64, roomID, sessionID string) ([]domain.RoomKeyBackupEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RoomKeyBackupEntry
	for _, e := range s.sorted(userID, version, nil) {
		if (roomID == "" || e.RoomID == roomID) && (sessionID == "" || e.SessionID == sessionID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memVersionStore) EntriesPage(_ context.Context, userID string, version int64, rooms []string, offset, limit int64) ([]domain.RoomKeyBackupEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sorted(userID, version, rooms)
	if offset >= int64(len(all)) {
		return nil, nil
	}
	end := min(offset+limit, int64(len(all)))
	return all[offset:end], nil
}

func (s *memVersionStore) CountEntries(_ context.Context, userID string, version int64, rooms []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sorted(userID, version, rooms))), nil
}

// corrupt overwrites stored session_data, bypassing insert-only semantics
func (s *memVersionStore) corrupt(userID string, version int64, roomID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := versionKey{userID, version}
	e := s.entries[k][roomID+"/"+sessionID]
	e.SessionData = json.RawMessage(`{"ciphertext":"AAAA"}`)
	s.entries[k][roomID+"/"+sessionID] = e
}

type memProgressStore struct {
	mu       sync.Mutex
	progress map[versionKey]domain.RecoveryProgress
}

func newMemProgressStore() *memProgressStore {
	return &memProgressStore{progress: make(map[versionKey]domain.RecoveryProgress)}
}

func (s *memProgressStore) Get(_ context.Context, userID string, version int64) (*domain.RecoveryProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[versionKey{userID, version}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *memProgressStore) Save(_ context.Context, p *domain.RecoveryProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[versionKey{p.UserID, p.Version}] = *p
	return nil
}

func (s *memProgressStore) Delete(_ context.Context, userID string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.progress, versionKey{userID, version})
	return nil
}

type fixture struct {
	store    *memVersionStore
	progress *memProgressStore
	archives *MockArchiveStore
	service  *Service
	priv     [32]byte
	pub      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	priv, pub, err := keycrypto.GenerateRecoveryKey()
	require.NoError(t, err)

	f := &fixture{
		store:    newMemVersionStore(),
		progress: newMemProgressStore(),
		archives: new(MockArchiveStore),
		priv:     priv,
		pub:      pub,
	}
	f.service = NewService(f.store, f.progress, f.archives, nil, 2)
	return f
}

func (f *fixture) createVersion(t *testing.T) int64 {
	t.Helper()
	authData, err := json.Marshal(domain.BackupAuthData{PublicKey: f.pub})
	require.NoError(t, err)
	v, err := f.service.CreateVersion(context.Background(), alice, &domain.CreateBackupVersionRequest{
		Algorithm: domain.BackupAlgorithm,
		AuthData:  authData,
	})
	require.NoError(t, err)
	return v.Version
}

// entry encrypts a fake session key to the backup public key, the way a
// client does before upload
func (f *fixture) entry(t *testing.T, sessionKey string) domain.KeyBackupData {
	t.Helper()
	sealed, err := keycrypto.EncryptBackup(f.pub, []byte(sessionKey))
	require.NoError(t, err)
	raw, err := json.Marshal(sealed)
	require.NoError(t, err)
	return domain.KeyBackupData{FirstMessageIndex: 0, SessionData: raw}
}

func roomKeys(room, session string, data domain.KeyBackupData) domain.RoomKeys {
	return domain.RoomKeys{Rooms: map[string]domain.RoomKeyBackup{
		room: {Sessions: map[string]domain.KeyBackupData{session: data}},
	}}
}

func TestCreateVersion_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateVersion(ctx, alice, &domain.CreateBackupVersionRequest{
		Algorithm: "m.megolm_backup.v2",
		AuthData:  json.RawMessage(`{"public_key":"` + f.pub + `"}`),
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))

	_, err = f.service.CreateVersion(ctx, alice, &domain.CreateBackupVersionRequest{
		Algorithm: domain.BackupAlgorithm,
		AuthData:  json.RawMessage(`{"public_key":"c2hvcnQ"}`),
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))

	_, err = f.service.GetVersion(ctx, alice, noVers)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
}

func TestBackupVersionIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1 := f.createVersion(t)
	_, err := f.service.UploadKeys(ctx, &UploadKeysInput{
		UserID:  alice,
		Version: v1,
		Rooms:   roomKeys(roomA, sessX, f.entry(t, "key-x")),
	})
	require.NoError(t, err)

	v2 := f.createVersion(t)
	assert.Equal(t, v1+1, v2)

	current, err := f.service.GetVersion(ctx, alice, noVers)
	require.NoError(t, err)
	assert.Equal(t, v2, current.Version)

	keys, err := f.service.GetKeys(ctx, alice, v1, "", "")
	require.NoError(t, err)
	assert.Contains(t, keys.Rooms[roomA].Sessions, sessX)

	keys, err = f.service.GetKeys(ctx, alice, v2, "", "")
	require.NoError(t, err)
	assert.Empty(t, keys.Rooms)

	_, err = f.service.GetKeys(ctx, alice, v2, roomA, sessX)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
}

func TestUploadKeys_EntriesAreImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.createVersion(t)

	first := f.entry(t, "original")
	resp, err := f.service.UploadKeys(ctx, &UploadKeysInput{UserID: alice, Version: v, Rooms: roomKeys(roomA, sessX, first)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Count)
	assert.Equal(t, "1", resp.ETag)

	resp, err = f.service.UploadKeys(ctx, &UploadKeysInput{UserID: alice, Version: v, Rooms: roomKeys(roomA, sessX, f.entry(t, "replacement"))})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Count)
	assert.Equal(t, "1", resp.ETag)

	keys, err := f.service.GetKeys(ctx, alice, v, roomA, sessX)
	require.NoError(t, err)
	assert.JSONEq(t, string(first.SessionData), string(keys.Rooms[roomA].Sessions[sessX].SessionData))
}

func TestUploadKeys_IsolatesMalformedEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.createVersion(t)

	rooms := roomKeys(roomA, sessX, f.entry(t, "good"))
	rooms.Rooms[roomB] = domain.RoomKeyBackup{Sessions: map[string]domain.KeyBackupData{
		sessY: {SessionData: json.RawMessage(`{"ciphertext":"AAAA"}`)},
	}}

	resp, err := f.service.UploadKeys(ctx, &UploadKeysInput{UserID: alice, Version: v, Rooms: rooms})
	require.NoError(t, err)

	assert.Equal(t, int64(1), resp.Count)
	require.Contains(t, resp.Failures, roomB+"/"+sessY)
	assert.Equal(t, string(apperrors.ErrCodeValidation), resp.Failures[roomB+"/"+sessY].Code)
}

func TestUploadKeys_RequireCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1 := f.createVersion(t)
	f.createVersion(t)

	_, err := f.service.UploadKeys(ctx, &UploadKeysInput{
		UserID:         alice,
		Version:        v1,
		Rooms:          roomKeys(roomA, sessX, f.entry(t, "k")),
		RequireCurrent: true,
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeConflict))

	// Without the flag an older version still accepts uploads
	_, err = f.service.UploadKeys(ctx, &UploadKeysInput{UserID: alice, Version: v1, Rooms: roomKeys(roomA, sessX, f.entry(t, "k"))})
	assert.NoError(t, err)
}

func TestRecoverKeys_ResumesInChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.createVersion(t)

	rooms := domain.RoomKeys{Rooms: map[string]domain.RoomKeyBackup{
		roomA: {Sessions: map[string]domain.KeyBackupData{}},
		roomB: {Sessions: map[string]domain.KeyBackupData{}},
	}}
	for i := 0; i < 3; i++ {
		rooms.Rooms[roomA].Sessions["a"+strconv.Itoa(i)] = f.entry(t, "a")
	}
	for i := 0; i < 2; i++ {
		rooms.Rooms[roomB].Sessions["b"+strconv.Itoa(i)] = f.entry(t, "b")
	}
	_, err := f.service.UploadKeys(ctx, &UploadKeysInput{UserID: alice, Version: v, Rooms: rooms})
	require.NoError(t, err)

	seen := make(map[string]bool)
	var recovered []int64
	var more []bool
	for i := 0; i < 3; i++ {
		resp, err := f.service.RecoverKeys(ctx, &RecoverInput{UserID: alice, Version: v})
		require.NoError(t, err)
		assert.Equal(t, int64(5), resp.TotalKeys)
		for room, backup := range resp.Rooms {
			for session := range backup.Sessions {
				seen[room+"/"+session] = true
			}
		}
		recovered = append(recovered, resp.RecoveredKeys)
		more = append(more, resp.HasMore)
	}

	assert.Equal(t, []int64{2, 4, 5}, recovered)
	assert.Equal(t, []bool{true, true, false}, more)
	assert.Len(t, seen, 5)

	p, err := f.service.RecoveryProgress(ctx, alice, v)
	require.NoError(t, err)
	assert.True(t, p.Completed)
	assert.Equal(t, int64(5), p.RecoveredKeys)

	// A finished recovery starts over
	resp, err := f.service.RecoverKeys(ctx, &RecoverInput{UserID: alice, Version: v, Rooms: []string{roomB}, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.TotalKeys)
	assert.Equal(t, int64(2), resp.RecoveredKeys)
	assert.False(t, resp.HasMore)
	assert.NotContains(t, resp.Rooms, roomA)
}

func TestRecoverSessionKey_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.createVersion(t)

	_, err := f.service.UploadKeys(ctx, &UploadKeysInput{UserID: alice, Version: v, Rooms: roomKeys(roomA, sessX, f.entry(t, "megolm-seed"))})
	require.NoError(t, err)

	resp, err := f.service.RecoverSessionKey(ctx, alice, v, roomA, sessX)
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.RecoveredKeys)

	// The client re-derives the private key from its recovery key
	priv, err := keycrypto.DecodeRecoveryKey(keycrypto.EncodeRecoveryKey(f.priv))
	require.NoError(t, err)

	var sealed keycrypto.BackupSessionData
	require.NoError(t, json.Unmarshal(resp.Rooms[roomA].Sessions[sessX].SessionData, &sealed))
	plaintext, err := keycrypto.DecryptBackup(priv, &sealed)
	require.NoError(t, err)
	assert.Equal(t, "megolm-seed", string(plaintext))

	_, err = f.service.RecoverSessionKey(ctx, alice, v, roomA, "unknown")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
}

func TestVerifyBackup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.createVersion(t)

	rooms := roomKeys(roomA, sessX, f.entry(t, "x"))
	rooms.Rooms[roomA].Sessions[sessY] = f.entry(t, "y")
	_, err := f.service.UploadKeys(ctx, &UploadKeysInput{UserID: alice, Version: v, Rooms: rooms})
	require.NoError(t, err)

	resp, err := f.service.VerifyBackup(ctx, alice, v)
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.Equal(t, int64(2), resp.CheckedCount)

	f.store.corrupt(alice, v, roomA, sessY)

	resp, err = f.service.VerifyBackup(ctx, alice, v)
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Equal(t, []string{roomA + "/" + sessY}, resp.InvalidEntries)
}

func TestDeleteVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.createVersion(t)

	_, err := f.service.UploadKeys(ctx, &UploadKeysInput{UserID: alice, Version: v, Rooms: roomKeys(roomA, sessX, f.entry(t, "x"))})
	require.NoError(t, err)
	_, err = f.service.RecoverKeys(ctx, &RecoverInput{UserID: alice, Version: v})
	require.NoError(t, err)

	// Expectations
	f.archives.On("RemovePrefix", mock.Anything, "backups/"+alice+"/1/").Return(nil)

	// Execute
	removed, err := f.service.DeleteVersion(ctx, alice, v)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	f.archives.AssertExpectations(t)

	_, err = f.service.GetKeys(ctx, alice, v, "", "")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
	p, _ := f.progress.Get(ctx, alice, v)
	assert.Nil(t, p)

	// Numbers are never reused
	assert.Equal(t, v+1, f.createVersion(t))

	_, err = f.service.DeleteVersion(ctx, alice, v)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
}

func TestExportArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.createVersion(t)

	_, err := f.service.UploadKeys(ctx, &UploadKeysInput{UserID: alice, Version: v, Rooms: roomKeys(roomA, sessX, f.entry(t, "x"))})
	require.NoError(t, err)

	// Expectations
	isArchive := mock.MatchedBy(func(name string) bool {
		return strings.HasPrefix(name, "backups/"+alice+"/1/") && strings.HasSuffix(name, ".json")
	})
	f.archives.On("PutObject", mock.Anything, isArchive, mock.MatchedBy(func(data []byte) bool {
		var doc archiveDocument
		return json.Unmarshal(data, &doc) == nil && len(doc.Rooms.Rooms[roomA].Sessions) == 1
	}), "application/json").Return(nil)
	f.archives.On("PresignedGetURL", mock.Anything, isArchive, mock.Anything).Return("https://minio.local/archive", nil)

	// Execute
	archive, err := f.service.ExportArchive(ctx, alice, v)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "https://minio.local/archive", archive.URL)
	assert.Equal(t, int64(1), archive.Count)
	f.archives.AssertExpectations(t)
}
