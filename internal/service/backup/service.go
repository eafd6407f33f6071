package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"e2ee-keyserver/internal/domain"
	"e2ee-keyserver/pkg/audit"
	"e2ee-keyserver/pkg/constants"
	apperrors "e2ee-keyserver/pkg/errors"
	"e2ee-keyserver/pkg/keycrypto"
	"e2ee-keyserver/pkg/logger"
	"e2ee-keyserver/pkg/metrics"
)

const createVersionAttempts = 3

// VersionStore persists backup versions and their entries
type VersionStore interface {
	CreateVersion(ctx context.Context, v *domain.KeyBackupVersion) error
	GetVersion(ctx context.Context, userID string, version int64) (*domain.KeyBackupVersion, error)
	CurrentVersion(ctx context.Context, userID string) (*domain.KeyBackupVersion, error)
	ListVersions(ctx context.Context, userID string) ([]*domain.KeyBackupVersion, error)
	UpdateAuthData(ctx context.Context, userID string, version int64, authData []byte) error
	DeleteVersion(ctx context.Context, userID string, version int64) (int64, error)
	InsertEntries(ctx context.Context, userID string, version int64, entries []domain.RoomKeyBackupEntry) (int64, string, int64, error)
	GetEntries(ctx context.Context, userID string, version int64, roomID, sessionID string) ([]domain.RoomKeyBackupEntry, error)
	EntriesPage(ctx context.Context, userID string, version int64, rooms []string, offset, limit int64) ([]domain.RoomKeyBackupEntry, error)
	CountEntries(ctx context.Context, userID string, version int64, rooms []string) (int64, error)
}

// ProgressStore keeps resumable recovery state
type ProgressStore interface {
	Get(ctx context.Context, userID string, version int64) (*domain.RecoveryProgress, error)
	Save(ctx context.Context, p *domain.RecoveryProgress) error
	Delete(ctx context.Context, userID string, version int64) error
}

// ArchiveStore holds exported backup archives
type ArchiveStore interface {
	PutObject(ctx context.Context, objectName string, data []byte, contentType string) error
	PresignedGetURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
	RemovePrefix(ctx context.Context, prefix string) error
}

// Service handles key backup and recovery. The server only ever sees
// ciphertext: session_data is stored and served as uploaded.
type Service struct {
	versions  VersionStore
	progress  ProgressStore
	archives  ArchiveStore
	audit     audit.Recorder
	chunkSize int
}

// NewService creates a new backup service. archives may be nil, which
// disables ExportArchive.
func NewService(versions VersionStore, progress ProgressStore, archives ArchiveStore, recorder audit.Recorder, chunkSize int) *Service {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if chunkSize <= 0 {
		chunkSize = constants.DefaultRecoveryChunk
	}
	return &Service{
		versions:  versions,
		progress:  progress,
		archives:  archives,
		audit:     recorder,
		chunkSize: chunkSize,
	}
}

func checkAuthData(raw json.RawMessage) error {
	var auth domain.BackupAuthData
	if err := json.Unmarshal(raw, &auth); err != nil {
		return apperrors.ValidationError("auth_data must be an object")
	}
	if auth.PublicKey == "" {
		return apperrors.MissingFieldError("auth_data.public_key")
	}
	pub, err := keycrypto.DecodeBase64(auth.PublicKey)
	if err != nil || len(pub) != 32 {
		return apperrors.ValidationError("auth_data.public_key must be a 32-byte curve25519 key")
	}
	return nil
}

// CreateVersion allocates the next backup version. Older versions stay
// readable but stop being current.
func (s *Service) CreateVersion(ctx context.Context, userID string, req *domain.CreateBackupVersionRequest) (*domain.KeyBackupVersion, error) {
	if req.Algorithm != domain.BackupAlgorithm {
		return nil, apperrors.ValidationError(fmt.Sprintf("unsupported backup algorithm %q", req.Algorithm))
	}
	if err := checkAuthData(req.AuthData); err != nil {
		return nil, err
	}

	v := &domain.KeyBackupVersion{
		UserID:    userID,
		Algorithm: req.Algorithm,
		AuthData:  req.AuthData,
	}

	var err error
	for attempt := 0; attempt < createVersionAttempts; attempt++ {
		if err = s.versions.CreateVersion(ctx, v); !errors.Is(err, domain.ErrConflict) {
			break
		}
	}
	if errors.Is(err, domain.ErrConflict) {
		return nil, apperrors.ConflictError("concurrent backup version creation")
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	s.record(ctx, audit.EventBackupCreate, userID, v.Version)
	logger.FromContext(ctx).Info("Backup version created", logger.UserID(userID), logger.Version(v.Version))

	return v, nil
}

// resolve returns the requested version, or the current one when version is 0
func (s *Service) resolve(ctx context.Context, userID string, version int64) (*domain.KeyBackupVersion, error) {
	var (
		v   *domain.KeyBackupVersion
		err error
	)
	if version == 0 {
		v, err = s.versions.CurrentVersion(ctx, userID)
	} else {
		v, err = s.versions.GetVersion(ctx, userID, version)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, apperrors.NotFoundError("Backup version")
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return v, nil
}

// GetVersion returns a version; 0 means current
func (s *Service) GetVersion(ctx context.Context, userID string, version int64) (*domain.KeyBackupVersion, error) {
	return s.resolve(ctx, userID, version)
}

// ListVersions returns every live version, newest first
func (s *Service) ListVersions(ctx context.Context, userID string) ([]*domain.KeyBackupVersion, error) {
	versions, err := s.versions.ListVersions(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if versions == nil {
		versions = []*domain.KeyBackupVersion{}
	}
	return versions, nil
}

// UpdateVersion replaces auth_data. The algorithm cannot change.
func (s *Service) UpdateVersion(ctx context.Context, userID string, version int64, req *domain.UpdateBackupVersionRequest) error {
	v, err := s.resolve(ctx, userID, version)
	if err != nil {
		return err
	}
	if req.Algorithm != "" && req.Algorithm != v.Algorithm {
		return apperrors.ValidationError("backup algorithm cannot be changed")
	}
	if err := checkAuthData(req.AuthData); err != nil {
		return err
	}

	err = s.versions.UpdateAuthData(ctx, userID, v.Version, req.AuthData)
	if errors.Is(err, domain.ErrNotFound) {
		return apperrors.NotFoundError("Backup version")
	}
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	return nil
}

// DeleteVersion irreversibly removes a version and all of its entries.
// Rooms whose only copy of a session lived in this version lose it.
func (s *Service) DeleteVersion(ctx context.Context, userID string, version int64) (int64, error) {
	removed, err := s.versions.DeleteVersion(ctx, userID, version)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, apperrors.NotFoundError("Backup version")
	}
	if err != nil {
		return 0, apperrors.DatabaseError(err)
	}

	log := logger.FromContext(ctx)
	log.Warn("Backup version deleted; its sessions are no longer recoverable from this server",
		logger.UserID(userID),
		logger.Version(version),
		zap.Int64("entries", removed))

	if err := s.progress.Delete(ctx, userID, version); err != nil {
		log.Warn("Failed to clear recovery progress", logger.UserID(userID), zap.Error(err))
	}
	if s.archives != nil {
		if err := s.archives.RemovePrefix(ctx, archivePrefix(userID, version)); err != nil {
			log.Warn("Failed to remove backup archives", logger.UserID(userID), zap.Error(err))
		}
	}

	s.record(ctx, audit.EventBackupDelete, userID, version)
	return removed, nil
}

// UploadKeysInput contains the sessions to store
type UploadKeysInput struct {
	UserID  string
	Version int64
	Rooms   domain.RoomKeys
	// RequireCurrent rejects uploads to a version that is no longer current
	RequireCurrent bool
}

func checkSessionData(raw json.RawMessage) error {
	var data keycrypto.BackupSessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return apperrors.ValidationError("session_data must be an object")
	}
	if data.Ephemeral == "" || data.Ciphertext == "" || data.MAC == "" {
		return apperrors.ValidationError("session_data requires ephemeral, ciphertext and mac")
	}
	return nil
}

func checkEntry(e *domain.KeyBackupData) error {
	if e.FirstMessageIndex < 0 || e.ForwardedCount < 0 {
		return apperrors.ValidationError("indices must not be negative")
	}
	return checkSessionData(e.SessionData)
}

// UploadKeys stores session entries. Entries are immutable: a session
// already present in the version is left as it was.
func (s *Service) UploadKeys(ctx context.Context, input *UploadKeysInput) (*domain.UploadRoomKeysResponse, error) {
	v, err := s.resolve(ctx, input.UserID, input.Version)
	if err != nil {
		return nil, err
	}
	if input.RequireCurrent && input.Version != 0 {
		current, err := s.resolve(ctx, input.UserID, 0)
		if err != nil {
			return nil, err
		}
		if current.Version != v.Version {
			return nil, apperrors.ConflictError(fmt.Sprintf("backup version %d is not current (current is %d)", v.Version, current.Version))
		}
	}

	resp := &domain.UploadRoomKeysResponse{Failures: make(map[string]domain.Failure)}
	var entries []domain.RoomKeyBackupEntry
	for roomID, room := range input.Rooms.Rooms {
		for sessionID, data := range room.Sessions {
			if err := checkEntry(&data); err != nil {
				resp.Failures[roomID+"/"+sessionID] = domain.FailureFrom(err)
				continue
			}
			entries = append(entries, domain.RoomKeyBackupEntry{
				RoomID:            roomID,
				SessionID:         sessionID,
				FirstMessageIndex: data.FirstMessageIndex,
				ForwardedCount:    data.ForwardedCount,
				IsVerified:        data.IsVerified,
				SessionData:       data.SessionData,
			})
		}
	}
	if len(entries)+len(resp.Failures) > constants.MaxBackupSessionsPerUpload {
		return nil, apperrors.ValidationError(fmt.Sprintf("at most %d sessions per upload", constants.MaxBackupSessionsPerUpload))
	}

	inserted, etag, count, err := s.versions.InsertEntries(ctx, input.UserID, v.Version, entries)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, apperrors.NotFoundError("Backup version")
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	metrics.BackupKeysUploadedTotal.Add(float64(inserted))

	resp.Count = count
	resp.ETag = etag
	if len(resp.Failures) == 0 {
		resp.Failures = nil
	}
	return resp, nil
}

// GetKeys returns stored ciphertext, optionally scoped to a room or a
// single session. version 0 means current.
func (s *Service) GetKeys(ctx context.Context, userID string, version int64, roomID, sessionID string) (*domain.RoomKeys, error) {
	v, err := s.resolve(ctx, userID, version)
	if err != nil {
		return nil, err
	}
	entries, err := s.versions.GetEntries(ctx, userID, v.Version, roomID, sessionID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if sessionID != "" && len(entries) == 0 {
		return nil, apperrors.NotFoundError("Backed up session")
	}
	keys := domain.EntriesToRoomKeys(entries)
	return &keys, nil
}

// RecoverInput requests the next chunk of a bulk recovery
type RecoverInput struct {
	UserID  string
	Version int64
	Rooms   []string
	Limit   int
}

// RecoverKeys returns the next chunk of entries, resuming from stored
// progress. A finished recovery, or one over a different room set, starts
// over. Entries uploaded mid-recovery may shift the order; a session can
// then be returned twice but never skipped.
func (s *Service) RecoverKeys(ctx context.Context, input *RecoverInput) (*domain.RecoverKeysResponse, error) {
	v, err := s.resolve(ctx, input.UserID, input.Version)
	if err != nil {
		return nil, err
	}

	limit := input.Limit
	if limit <= 0 {
		limit = s.chunkSize
	}
	if limit > constants.MaxPageSize {
		limit = constants.MaxPageSize
	}

	rooms := slices.Clone(input.Rooms)
	slices.Sort(rooms)
	rooms = slices.Compact(rooms)

	p, err := s.progress.Get(ctx, input.UserID, v.Version)
	if err != nil {
		return nil, apperrors.StorageError(err)
	}
	if p == nil || p.Completed || !slices.Equal(p.Rooms, rooms) {
		p = &domain.RecoveryProgress{
			UserID:  input.UserID,
			Version: v.Version,
			Rooms:   rooms,
		}
	}

	total, err := s.versions.CountEntries(ctx, input.UserID, v.Version, rooms)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	entries, err := s.versions.EntriesPage(ctx, input.UserID, v.Version, rooms, p.Offset, int64(limit))
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	n := int64(len(entries))
	p.Offset += n
	p.RecoveredKeys += n
	p.TotalKeys = max(total, p.Offset)
	p.Completed = p.Offset >= p.TotalKeys
	p.UpdatedAt = time.Now().UTC()
	if err := s.progress.Save(ctx, p); err != nil {
		return nil, apperrors.StorageError(err)
	}
	metrics.BackupKeysRecoveredTotal.Add(float64(n))

	return &domain.RecoverKeysResponse{
		Version:       v.Version,
		Rooms:         domain.EntriesToRoomKeys(entries).Rooms,
		TotalKeys:     p.TotalKeys,
		RecoveredKeys: p.RecoveredKeys,
		HasMore:       !p.Completed,
	}, nil
}

// RecoveryProgress returns the stored progress of a bulk recovery
func (s *Service) RecoveryProgress(ctx context.Context, userID string, version int64) (*domain.RecoveryProgress, error) {
	v, err := s.resolve(ctx, userID, version)
	if err != nil {
		return nil, err
	}
	p, err := s.progress.Get(ctx, userID, v.Version)
	if err != nil {
		return nil, apperrors.StorageError(err)
	}
	if p == nil {
		return nil, apperrors.NotFoundError("Recovery progress")
	}
	return p, nil
}

// RecoverRoomKeys returns every entry of one room in a single response
func (s *Service) RecoverRoomKeys(ctx context.Context, userID string, version int64, roomID string) (*domain.RecoverKeysResponse, error) {
	return s.recoverScoped(ctx, userID, version, roomID, "")
}

// RecoverSessionKey returns one session entry
func (s *Service) RecoverSessionKey(ctx context.Context, userID string, version int64, roomID, sessionID string) (*domain.RecoverKeysResponse, error) {
	return s.recoverScoped(ctx, userID, version, roomID, sessionID)
}

func (s *Service) recoverScoped(ctx context.Context, userID string, version int64, roomID, sessionID string) (*domain.RecoverKeysResponse, error) {
	if roomID == "" {
		return nil, apperrors.MissingFieldError("room_id")
	}
	keys, err := s.GetKeys(ctx, userID, version, roomID, sessionID)
	if err != nil {
		return nil, err
	}

	var n int64
	for _, room := range keys.Rooms {
		n += int64(len(room.Sessions))
	}
	metrics.BackupKeysRecoveredTotal.Add(float64(n))

	v, err := s.resolve(ctx, userID, version)
	if err != nil {
		return nil, err
	}
	return &domain.RecoverKeysResponse{
		Version:       v.Version,
		Rooms:         keys.Rooms,
		TotalKeys:     n,
		RecoveredKeys: n,
	}, nil
}

// VerifyBackup checks storage integrity: every entry parses and the row
// count matches what was read. It cannot tell whether the entries decrypt.
func (s *Service) VerifyBackup(ctx context.Context, userID string, version int64) (*domain.VerifyBackupResponse, error) {
	v, err := s.resolve(ctx, userID, version)
	if err != nil {
		return nil, err
	}

	resp := &domain.VerifyBackupResponse{Version: v.Version}
	if err := checkAuthData(v.AuthData); err != nil {
		resp.InvalidEntries = append(resp.InvalidEntries, "auth_data")
	}

	var offset int64
	for {
		page, err := s.versions.EntriesPage(ctx, userID, v.Version, nil, offset, constants.MaxPageSize)
		if err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		for i := range page {
			e := &page[i]
			if e.RoomID == "" || e.SessionID == "" || checkSessionData(e.SessionData) != nil {
				resp.InvalidEntries = append(resp.InvalidEntries, e.RoomID+"/"+e.SessionID)
			}
		}
		resp.CheckedCount += int64(len(page))
		offset += int64(len(page))
		if len(page) < constants.MaxPageSize {
			break
		}
	}

	if resp.ExpectedCount, err = s.versions.CountEntries(ctx, userID, v.Version, nil); err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	resp.Valid = len(resp.InvalidEntries) == 0 && resp.CheckedCount == resp.ExpectedCount

	result := "valid"
	if !resp.Valid {
		result = "invalid"
		logger.FromContext(ctx).Warn("Backup verification failed",
			logger.UserID(userID),
			logger.Version(v.Version),
			zap.Int("invalid_entries", len(resp.InvalidEntries)),
			zap.Int64("checked", resp.CheckedCount),
			zap.Int64("expected", resp.ExpectedCount))
	}
	metrics.BackupVerifyTotal.WithLabelValues(result).Inc()

	return resp, nil
}

// archiveDocument is the JSON written for an export
type archiveDocument struct {
	Version    int64           `json:"version,string"`
	Algorithm  string          `json:"algorithm"`
	AuthData   json.RawMessage `json:"auth_data"`
	Rooms      domain.RoomKeys `json:"rooms"`
	ExportedAt time.Time       `json:"exported_at"`
}

func archivePrefix(userID string, version int64) string {
	return fmt.Sprintf("backups/%s/%d/", userID, version)
}

// ExportArchive writes the version's ciphertext to object storage and
// returns a short-lived download URL
func (s *Service) ExportArchive(ctx context.Context, userID string, version int64) (*domain.BackupArchive, error) {
	if s.archives == nil {
		return nil, apperrors.ServiceUnavailableError("archive storage is not configured")
	}
	v, err := s.resolve(ctx, userID, version)
	if err != nil {
		return nil, err
	}
	entries, err := s.versions.GetEntries(ctx, userID, v.Version, "", "")
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	data, err := json.Marshal(archiveDocument{
		Version:    v.Version,
		Algorithm:  v.Algorithm,
		AuthData:   v.AuthData,
		Rooms:      domain.EntriesToRoomKeys(entries),
		ExportedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, apperrors.InternalError("failed to encode archive")
	}

	objectName := archivePrefix(userID, v.Version) + uuid.NewString() + ".json"
	if err := s.archives.PutObject(ctx, objectName, data, "application/json"); err != nil {
		return nil, apperrors.StorageError(err)
	}
	url, err := s.archives.PresignedGetURL(ctx, objectName, constants.ArchiveURLExpiry)
	if err != nil {
		return nil, apperrors.StorageError(err)
	}

	s.record(ctx, audit.EventBackupExport, userID, v.Version)

	return &domain.BackupArchive{
		Version:    v.Version,
		ObjectName: objectName,
		URL:        url,
		Count:      int64(len(entries)),
		ExpiresAt:  time.Now().Add(constants.ArchiveURLExpiry).UTC(),
	}, nil
}

func (s *Service) record(ctx context.Context, event audit.AuditEventType, userID string, version int64) {
	err := s.audit.Log(ctx, &audit.AuditEvent{
		UserID:    userID,
		EventType: event,
		Resource:  fmt.Sprintf("backup_version:%d", version),
		Success:   true,
	})
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to write audit event", zap.Error(err))
	}
}
