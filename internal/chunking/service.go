package chunking

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/pcollings/chunkrelay/internal/common"
	"github.com/pcollings/chunkrelay/internal/storage"
	"github.com/pcollings/chunkrelay/pkg/apperrors"
	"github.com/pcollings/chunkrelay/pkg/config"
	"github.com/pcollings/chunkrelay/pkg/types"
	"github.com/pcollings/chunkrelay/pkg/utils"
)

const progressCacheTTL = time.Hour

// Service owns the upload session state machine and the chunk protocol.
// It has no realtime-transport dependency: interested parties register
// an Observer and receive lifecycle events.
type Service struct {
	DB      *common.Database
	Storage storage.BlobStorage
	Cache   *common.Cache // optional; progress snapshots only

	cfg       *config.UploadConfig
	locks     *keyMutex
	observers observerList

	stepsMu sync.RWMutex
	steps   map[string][]ProcessingStep
}

// NewService creates a new chunking service
func NewService(db *common.Database, blobStorage storage.BlobStorage, cache *common.Cache, cfg *config.UploadConfig) *Service {
	return &Service{
		DB:      db,
		Storage: blobStorage,
		Cache:   cache,
		cfg:     cfg,
		locks:   newKeyMutex(),
		steps:   make(map[string][]ProcessingStep),
	}
}

// Subscribe registers an observer for session lifecycle events
func (s *Service) Subscribe(o Observer) {
	s.observers.add(o)
}

// StartSession validates the request against the category table and
// persists a new tracked upload. The returned session carries the
// trackingId used by every subsequent call, including resumption after
// a full client restart.
func (s *Service) StartSession(ctx context.Context, ident types.Identity, req *types.StartUploadRequest) (*types.UploadSession, error) {
	category, ok := s.cfg.Category(req.Category)
	if !ok {
		return nil, apperrors.Validation("unknown upload category %q", req.Category)
	}
	if !category.Allows(req.ContentType) {
		return nil, apperrors.Validation("content type %q not allowed for category %q", req.ContentType, req.Category)
	}
	if req.TotalSize <= 0 {
		return nil, apperrors.Validation("total size must be positive")
	}
	if req.TotalSize > category.MaxSize {
		return nil, apperrors.Validation("size %d exceeds category %q maximum of %d", req.TotalSize, req.Category, category.MaxSize)
	}

	trackingID := uuid.New().String()
	totalChunks := utils.TotalChunks(req.TotalSize, category.ChunkSize)

	metadata := req.Metadata
	if metadata == nil {
		metadata = types.JSONMap{}
	}
	metadata["fileName"] = req.FileName

	now := time.Now().UTC()
	session := &types.UploadSession{
		TrackingID:          trackingID,
		OwnerUserID:         ident.UserID,
		TenantID:            ident.TenantID,
		Status:              types.StatusInitializing,
		Category:            req.Category,
		ContentType:         req.ContentType,
		TotalSize:           req.TotalSize,
		ChunkSize:           category.ChunkSize,
		TotalChunks:         totalChunks,
		CompletedChunks:     types.NewChunkSet(totalChunks),
		LastContiguousChunk: -1,
		Metadata:            metadata,
		BlobPath:            fmt.Sprintf("uploads/%s/%s/%s", ident.TenantID, ident.UserID, trackingID),
		CreatedAt:           now,
		LastModified:        now,
	}

	if err := s.DB.WithContext(ctx).Create(session).Error; err != nil {
		log.Error().Err(err).Str("tracking_id", trackingID).Msg("failed to persist upload session")
		return nil, apperrors.StorageUnavailable(err)
	}

	log.Info().
		Str("tracking_id", trackingID).
		Str("user_id", ident.UserID).
		Str("tenant_id", ident.TenantID).
		Str("category", req.Category).
		Int64("total_size", req.TotalSize).
		Int("total_chunks", totalChunks).
		Msg("upload session started")

	s.observers.notify(eventFor(EventStart, session))
	return session, nil
}

// AcceptChunk validates, stages and records one chunk. Duplicate
// indices are a no-op success so network-level retransmission never
// double-counts. The whole path runs under the session's lock.
func (s *Service) AcceptChunk(ctx context.Context, ident types.Identity, trackingID string, index int, payload []byte, checksum string) (*types.ChunkResult, error) {
	s.locks.Lock(trackingID)
	defer s.locks.Unlock(trackingID)

	session, err := s.loadOwned(ctx, ident, trackingID)
	if err != nil {
		return nil, err
	}

	if session.Status.IsTerminal() {
		return nil, apperrors.InvalidState("session is %s; no further chunks accepted", session.Status)
	}
	switch session.Status {
	case types.StatusPaused:
		return nil, apperrors.InvalidState("session is paused; resume before sending chunks")
	case types.StatusProcessing:
		return nil, apperrors.InvalidState("session is processing; no further chunks accepted")
	}

	if index < 0 || index >= session.TotalChunks {
		return nil, apperrors.Validation("chunk index %d out of range [0, %d)", index, session.TotalChunks)
	}
	if int64(len(payload)) > session.ChunkSize {
		return nil, apperrors.Validation("chunk payload of %d bytes exceeds chunk size %d", len(payload), session.ChunkSize)
	}

	// Idempotent retry: the bit is already recorded and the part is
	// already staged, so answer success without touching storage.
	if session.CompletedChunks.Contains(index) {
		result := resultFor(session)
		result.Duplicate = true
		if session.CompletedChunks.Count() == session.TotalChunks && !session.Status.IsTerminal() {
			// A duplicate of the final chunk retries a finalization that
			// previously failed against storage.
			if session, err = s.finalize(ctx, session); err != nil {
				return nil, err
			}
			result = resultFor(session)
			result.Duplicate = true
		}
		return result, nil
	}

	if checksum != "" && utils.ComputeSHA256(payload) != checksum {
		log.Warn().
			Str("tracking_id", trackingID).
			Int("index", index).
			Msg("chunk checksum mismatch")
		return nil, s.chunkFailure(session, apperrors.ChunkCorrupted(index))
	}

	if err := s.Storage.StagePart(ctx, session.BlobPath, index, bytes.NewReader(payload)); err != nil {
		return nil, s.chunkFailure(session, apperrors.StorageUnavailable(err))
	}

	session.CompletedChunks.Add(index)
	for session.CompletedChunks.Contains(session.LastContiguousChunk + 1) {
		session.LastContiguousChunk++
	}
	if session.Status == types.StatusInitializing || session.Status == types.StatusResuming {
		session.Status = types.StatusUploading
	}
	session.LastModified = time.Now().UTC()

	if err := s.DB.WithContext(ctx).Save(session).Error; err != nil {
		// Undo the staged bytes so a retry starts clean.
		if discardErr := s.Storage.DiscardPart(ctx, session.BlobPath, index); discardErr != nil {
			log.Warn().Err(discardErr).Str("tracking_id", trackingID).Int("index", index).Msg("failed to discard part after record failure")
		}
		return nil, apperrors.StorageUnavailable(err)
	}

	log.Debug().
		Str("tracking_id", trackingID).
		Int("index", index).
		Int("chunks_completed", session.CompletedChunks.Count()).
		Int("last_contiguous", session.LastContiguousChunk).
		Msg("chunk accepted")

	s.observers.notify(eventFor(EventProgress, session))
	s.cacheSnapshot(ctx, session)

	if session.CompletedChunks.Count() == session.TotalChunks {
		if session, err = s.finalize(ctx, session); err != nil {
			return nil, err
		}
	}

	return resultFor(session), nil
}

// finalize runs once every chunk is durably recorded: transition to
// PROCESSING, run the category's steps in order, commit the staged
// parts into the final object and mark COMPLETE. Called with the
// session lock held.
func (s *Service) finalize(ctx context.Context, session *types.UploadSession) (*types.UploadSession, error) {
	session.Status = types.StatusProcessing
	session.LastModified = time.Now().UTC()
	if err := s.DB.WithContext(ctx).Save(session).Error; err != nil {
		return nil, apperrors.StorageUnavailable(err)
	}
	s.observers.notify(eventFor(EventProgress, session))

	for _, step := range s.stepsFor(session.Category) {
		// A commit failure re-enters finalize via the duplicate final
		// chunk; steps that already ran are not run again.
		if stepRecorded(session, step.Name()) {
			continue
		}
		if err := step.Run(ctx, session); err != nil {
			log.Error().Err(err).
				Str("tracking_id", session.TrackingID).
				Str("step", step.Name()).
				Msg("processing step failed")
			failure := apperrors.ProcessingFailed(step.Name(), err)
			s.markError(ctx, session, failure.Message)
			return nil, failure
		}
		recordStep(session, step.Name())
	}

	if err := s.Storage.CommitParts(ctx, session.BlobPath, session.TotalChunks); err != nil {
		// Leave the record retryable: a duplicate of the final chunk
		// re-enters finalize.
		session.Status = types.StatusUploading
		session.LastModified = time.Now().UTC()
		if saveErr := s.DB.WithContext(ctx).Save(session).Error; saveErr != nil {
			log.Error().Err(saveErr).Str("tracking_id", session.TrackingID).Msg("failed to revert status after commit failure")
		}
		return nil, apperrors.StorageUnavailable(err)
	}

	now := time.Now().UTC()
	session.Status = types.StatusComplete
	session.CompletedAt = &now
	session.LastModified = now
	if err := s.DB.WithContext(ctx).Save(session).Error; err != nil {
		return nil, apperrors.StorageUnavailable(err)
	}

	log.Info().
		Str("tracking_id", session.TrackingID).
		Int("total_chunks", session.TotalChunks).
		Int64("total_size", session.TotalSize).
		Msg("upload complete")

	s.observers.notify(eventFor(EventComplete, session))
	s.cacheSnapshot(ctx, session)
	return session, nil
}

// PauseSession transitions UPLOADING to PAUSED
func (s *Service) PauseSession(ctx context.Context, ident types.Identity, trackingID string) (*types.UploadSession, error) {
	s.locks.Lock(trackingID)
	defer s.locks.Unlock(trackingID)

	session, err := s.loadOwned(ctx, ident, trackingID)
	if err != nil {
		return nil, err
	}
	if session.Status != types.StatusUploading {
		return nil, apperrors.InvalidState("cannot pause a %s session", session.Status)
	}

	session.Status = types.StatusPaused
	session.LastModified = time.Now().UTC()
	if err := s.DB.WithContext(ctx).Save(session).Error; err != nil {
		return nil, apperrors.StorageUnavailable(err)
	}

	log.Info().Str("tracking_id", trackingID).Msg("upload paused")
	s.observers.notify(eventFor(EventPaused, session))
	return session, nil
}

// ResumeSession reattaches a client to an in-flight upload. The
// client's believed last chunk is advisory only: the persisted
// contiguous cursor wins, and the client is told to re-send from
// lastContiguousChunk+1 to guard against partially persisted chunks.
// Works across connections and process restarts.
func (s *Service) ResumeSession(ctx context.Context, ident types.Identity, trackingID string, clientLastChunk int) (*types.ResumeResponse, error) {
	s.locks.Lock(trackingID)
	defer s.locks.Unlock(trackingID)

	session, err := s.loadOwned(ctx, ident, trackingID)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case types.StatusInitializing, types.StatusUploading, types.StatusPaused:
	default:
		return nil, apperrors.InvalidState("cannot resume a %s session", session.Status)
	}

	resumeFrom := session.LastContiguousChunk + 1
	if clientLastChunk != session.LastContiguousChunk {
		log.Info().
			Str("tracking_id", trackingID).
			Int("client_last_chunk", clientLastChunk).
			Int("server_last_chunk", session.LastContiguousChunk).
			Msg("client resume cursor reconciled against server state")
	}

	// RESUMING is observable on the event stream but never persisted as
	// a rest state; a crash here leaves the session resumable.
	session.Status = types.StatusResuming
	s.observers.notify(eventFor(EventProgress, session))

	session.Status = types.StatusUploading
	session.LastModified = time.Now().UTC()
	if err := s.DB.WithContext(ctx).Save(session).Error; err != nil {
		return nil, apperrors.StorageUnavailable(err)
	}

	log.Info().Str("tracking_id", trackingID).Int("resume_from", resumeFrom).Msg("upload resumed")
	return &types.ResumeResponse{
		TrackingID: trackingID,
		ResumeFrom: resumeFrom,
		Status:     session.Status,
	}, nil
}

// CancelSession cancels a non-terminal session and discards its staged
// bytes. Cancelling an already-cancelled session is a no-op.
func (s *Service) CancelSession(ctx context.Context, ident types.Identity, trackingID string) error {
	s.locks.Lock(trackingID)
	defer s.locks.Unlock(trackingID)

	session, err := s.loadOwned(ctx, ident, trackingID)
	if err != nil {
		return err
	}
	if session.Status == types.StatusCancelled {
		return nil
	}
	if session.Status.IsTerminal() {
		return apperrors.InvalidState("cannot cancel a %s session", session.Status)
	}

	if err := s.Storage.DiscardParts(ctx, session.BlobPath); err != nil {
		return apperrors.StorageUnavailable(err)
	}

	session.Status = types.StatusCancelled
	session.LastModified = time.Now().UTC()
	if err := s.DB.WithContext(ctx).Save(session).Error; err != nil {
		return apperrors.StorageUnavailable(err)
	}

	log.Info().Str("tracking_id", trackingID).Msg("upload cancelled")
	s.observers.notify(eventFor(EventCancelled, session))
	s.cacheSnapshot(ctx, session)
	return nil
}

// Status returns the authoritative persisted record for a session
func (s *Service) Status(ctx context.Context, ident types.Identity, trackingID string) (*types.UploadSession, error) {
	return s.loadOwned(ctx, ident, trackingID)
}

// AnnotateSession merges metadata entries into the session. This is the
// one write allowed on terminal sessions.
func (s *Service) AnnotateSession(ctx context.Context, ident types.Identity, trackingID string, annotations types.JSONMap) (*types.UploadSession, error) {
	s.locks.Lock(trackingID)
	defer s.locks.Unlock(trackingID)

	session, err := s.loadOwned(ctx, ident, trackingID)
	if err != nil {
		return nil, err
	}

	if session.Metadata == nil {
		session.Metadata = types.JSONMap{}
	}
	for key, value := range annotations {
		session.Metadata[key] = value
	}
	session.LastModified = time.Now().UTC()

	if err := s.DB.WithContext(ctx).Save(session).Error; err != nil {
		return nil, apperrors.StorageUnavailable(err)
	}
	return session, nil
}

// History returns the caller's sessions, optionally filtered by status,
// paginated and sorted by last modification descending
func (s *Service) History(ctx context.Context, ident types.Identity, filter *types.HistoryFilter) ([]*types.UploadSession, int64, error) {
	query := s.DB.WithContext(ctx).Model(&types.UploadSession{}).
		Where("owner_user_id = ? AND tenant_id = ?", ident.UserID, ident.TenantID)

	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, apperrors.StorageUnavailable(err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	var sessions []*types.UploadSession
	if err := query.Order("last_modified DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&sessions).Error; err != nil {
		return nil, 0, apperrors.StorageUnavailable(err)
	}

	return sessions, total, nil
}

// Download streams the committed object for a COMPLETE session
func (s *Service) Download(ctx context.Context, ident types.Identity, trackingID string) (*types.UploadSession, io.ReadCloser, error) {
	session, err := s.loadOwned(ctx, ident, trackingID)
	if err != nil {
		return nil, nil, err
	}
	if session.Status != types.StatusComplete {
		return nil, nil, apperrors.NotFound(trackingID)
	}

	content, err := s.Storage.Retrieve(ctx, session.BlobPath)
	if err != nil {
		log.Error().Err(err).Str("tracking_id", trackingID).Msg("failed to retrieve committed object")
		return nil, nil, apperrors.StorageUnavailable(err)
	}
	return session, content, nil
}

// loadOwned fetches a session and enforces the owner/tenant match
func (s *Service) loadOwned(ctx context.Context, ident types.Identity, trackingID string) (*types.UploadSession, error) {
	var session types.UploadSession
	if err := s.DB.WithContext(ctx).Where("tracking_id = ?", trackingID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound(trackingID)
		}
		return nil, apperrors.StorageUnavailable(err)
	}
	if !session.OwnedBy(ident) {
		return nil, apperrors.Forbidden()
	}
	return &session, nil
}

// chunkFailure surfaces a chunk-level error on the live channel in
// addition to the synchronous return. The session state is unchanged,
// so subscribers see the event's non-terminal status and keep the
// stream open for the retry.
func (s *Service) chunkFailure(session *types.UploadSession, failure *apperrors.Error) error {
	event := eventFor(EventError, session)
	event.Error = failure.Message
	s.observers.notify(event)
	return failure
}

// markError moves a session to terminal ERROR and records the reason so
// a client with no live channel still observes the failure on the pull
// path. Called with the session lock held.
func (s *Service) markError(ctx context.Context, session *types.UploadSession, reason string) {
	session.Status = types.StatusError
	session.LastModified = time.Now().UTC()
	if session.Metadata == nil {
		session.Metadata = types.JSONMap{}
	}
	session.Metadata["error"] = reason

	if err := s.DB.WithContext(ctx).Save(session).Error; err != nil {
		log.Error().Err(err).Str("tracking_id", session.TrackingID).Msg("failed to persist error state")
		return
	}

	event := eventFor(EventError, session)
	event.Error = reason
	s.observers.notify(event)
	s.cacheSnapshot(ctx, session)
}

// cacheSnapshot publishes the latest progress to redis for hot status
// polls. Best effort: a cache failure never fails the upload.
func (s *Service) cacheSnapshot(ctx context.Context, session *types.UploadSession) {
	if s.Cache == nil {
		return
	}
	key := fmt.Sprintf("progress:%s", session.TrackingID)
	if err := s.Cache.Set(ctx, key, resultFor(session), progressCacheTTL); err != nil {
		log.Warn().Err(err).Str("tracking_id", session.TrackingID).Msg("failed to cache progress snapshot")
	}
}

func resultFor(session *types.UploadSession) *types.ChunkResult {
	return &types.ChunkResult{
		Accepted:            true,
		ChunksCompleted:     session.CompletedChunks.Count(),
		TotalChunks:         session.TotalChunks,
		LastContiguousChunk: session.LastContiguousChunk,
		Progress:            session.Progress(),
		Status:              session.Status,
	}
}
