package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// LocalStorage implements BlobStorage on the local filesystem. Parts
// for an object at "a/b/obj" are staged under "a/b/obj.parts/NNNNNNNN"
// and concatenated on commit.
type LocalStorage struct {
	basePath string
	mutex    sync.RWMutex
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create storage directory")
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("local storage initialized")
	return &LocalStorage{
		basePath: basePath,
	}, nil
}

func (ls *LocalStorage) partsDir(path string) string {
	return filepath.Join(ls.basePath, path+".parts")
}

func (ls *LocalStorage) partPath(path string, index int) string {
	return filepath.Join(ls.partsDir(path), fmt.Sprintf("%08d", index))
}

// StagePart writes one chunk payload into the object's staging area
// with an atomic temp-file write
func (ls *LocalStorage) StagePart(ctx context.Context, path string, index int, content io.Reader) error {
	startTime := time.Now()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	dir := ls.partsDir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Error().Err(err).Str("path", path).Str("dir", dir).Msg("failed to create parts directory")
		return fmt.Errorf("failed to create parts directory: %w", err)
	}

	finalPath := ls.partPath(path, index)
	tempPath := finalPath + ".tmp." + fmt.Sprintf("%d", time.Now().UnixNano())
	tempFile, err := os.Create(tempPath)
	if err != nil {
		log.Error().Err(err).Str("path", path).Int("index", index).Msg("failed to create temporary part file")
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	defer func() {
		tempFile.Close()
		if _, err := os.Stat(tempPath); err == nil {
			os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	multiWriter := io.MultiWriter(tempFile, hasher)

	bytesWritten, err := io.Copy(multiWriter, content)
	if err != nil {
		log.Error().Err(err).Str("path", path).Int("index", index).Msg("failed to write part content")
		return fmt.Errorf("failed to write content: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		log.Error().Err(err).Str("path", path).Int("index", index).Msg("failed to sync part file")
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}

	tempFile.Close()

	if err := os.Rename(tempPath, finalPath); err != nil {
		log.Error().Err(err).Str("path", path).Int("index", index).Msg("failed to move part to final location")
		return fmt.Errorf("failed to move file to final location: %w", err)
	}

	log.Debug().
		Str("path", path).
		Int("index", index).
		Int64("bytes_written", bytesWritten).
		Str("checksum", hex.EncodeToString(hasher.Sum(nil))).
		Dur("duration", time.Since(startTime)).
		Msg("part staged")

	return nil
}

// DiscardPart removes a single staged part
func (ls *LocalStorage) DiscardPart(ctx context.Context, path string, index int) error {
	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := os.Remove(ls.partPath(path, index)); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("path", path).Int("index", index).Msg("failed to discard part")
		return fmt.Errorf("failed to discard part: %w", err)
	}
	return nil
}

// CommitParts concatenates staged parts in index order into the final
// object, then removes the staging area
func (ls *LocalStorage) CommitParts(ctx context.Context, path string, totalParts int) error {
	startTime := time.Now()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	fullPath := filepath.Join(ls.basePath, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := fullPath + ".tmp." + fmt.Sprintf("%d", time.Now().UnixNano())
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	defer func() {
		tempFile.Close()
		if _, err := os.Stat(tempPath); err == nil {
			os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	multiWriter := io.MultiWriter(tempFile, hasher)

	var totalBytes int64
	for index := 0; index < totalParts; index++ {
		part, err := os.Open(ls.partPath(path, index))
		if err != nil {
			log.Error().Err(err).Str("path", path).Int("index", index).Msg("missing part during commit")
			return fmt.Errorf("failed to open part %d: %w", index, err)
		}

		n, err := io.Copy(multiWriter, part)
		part.Close()
		if err != nil {
			return fmt.Errorf("failed to assemble part %d: %w", index, err)
		}
		totalBytes += n
	}

	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync assembled object: %w", err)
	}
	tempFile.Close()

	if err := os.Rename(tempPath, fullPath); err != nil {
		return fmt.Errorf("failed to move object to final location: %w", err)
	}

	if err := os.RemoveAll(ls.partsDir(path)); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to remove staging area after commit")
	}

	log.Info().
		Str("path", path).
		Int("parts", totalParts).
		Int64("bytes_written", totalBytes).
		Str("checksum", hex.EncodeToString(hasher.Sum(nil))).
		Dur("duration", time.Since(startTime)).
		Msg("object committed")

	return nil
}

// DiscardParts removes the object's entire staging area
func (ls *LocalStorage) DiscardParts(ctx context.Context, path string) error {
	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := os.RemoveAll(ls.partsDir(path)); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to discard staged parts")
		return fmt.Errorf("failed to discard staged parts: %w", err)
	}

	log.Debug().Str("path", path).Msg("staged parts discarded")
	return nil
}

// Retrieve gets the committed object from the local filesystem
func (ls *LocalStorage) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	fullPath := filepath.Join(ls.basePath, path)
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("object not found")
			return nil, fmt.Errorf("object not found: %s", path)
		}
		log.Error().Err(err).Str("path", path).Msg("failed to open object")
		return nil, fmt.Errorf("failed to open object: %w", err)
	}

	return file, nil
}

// Delete removes the committed object from the local filesystem
func (ls *LocalStorage) Delete(ctx context.Context, path string) error {
	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	fullPath := filepath.Join(ls.basePath, path)
	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("object already deleted or does not exist")
			return nil
		}
		log.Error().Err(err).Str("path", path).Msg("failed to delete object")
		return fmt.Errorf("failed to delete object: %w", err)
	}

	log.Info().Str("path", path).Msg("object deleted")
	return nil
}

// Exists checks if a committed object exists
func (ls *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	_, err := os.Stat(filepath.Join(ls.basePath, path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		log.Error().Err(err).Str("path", path).Msg("failed to check object existence")
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}

	return true, nil
}

// GetSize returns the size of the committed object
func (ls *LocalStorage) GetSize(ctx context.Context, path string) (int64, error) {
	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	info, err := os.Stat(filepath.Join(ls.basePath, path))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("object not found: %s", path)
		}
		log.Error().Err(err).Str("path", path).Msg("failed to get object info")
		return 0, fmt.Errorf("failed to get object info: %w", err)
	}

	return info.Size(), nil
}
