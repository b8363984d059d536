package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONMap is a custom type that can handle JSON serialization for both PostgreSQL and SQLite
type JSONMap map[string]interface{}

// Value implements the driver.Valuer interface for GORM
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for GORM
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}

	return json.Unmarshal(bytes, j)
}

// UploadStatus represents the lifecycle state of an upload session
type UploadStatus string

const (
	StatusInitializing UploadStatus = "INITIALIZING"
	StatusUploading    UploadStatus = "UPLOADING"
	StatusPaused       UploadStatus = "PAUSED"
	StatusResuming     UploadStatus = "RESUMING"
	StatusProcessing   UploadStatus = "PROCESSING"
	StatusComplete     UploadStatus = "COMPLETE"
	StatusError        UploadStatus = "ERROR"
	StatusCancelled    UploadStatus = "CANCELLED"
)

// IsTerminal reports whether no further chunk-level progress is possible
func (s UploadStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// Tier represents a user's subscription tier for admission control
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Identity is the authenticated caller asserted by the token layer
type Identity struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Tier     Tier   `json:"tier"`
}

// UploadSession is the persisted record for one tracked upload
type UploadSession struct {
	ID                  uuid.UUID    `json:"id" gorm:"primaryKey"`
	TrackingID          string       `json:"tracking_id" gorm:"uniqueIndex;not null"`
	OwnerUserID         string       `json:"owner_user_id" gorm:"index;not null"`
	TenantID            string       `json:"tenant_id" gorm:"index;not null"`
	Status              UploadStatus `json:"status" gorm:"index;not null"`
	Category            string       `json:"category" gorm:"not null"`
	ContentType         string       `json:"content_type"`
	TotalSize           int64        `json:"total_size" gorm:"not null"`
	ChunkSize           int64        `json:"chunk_size" gorm:"not null"`
	TotalChunks         int          `json:"total_chunks" gorm:"not null"`
	CompletedChunks     ChunkSet     `json:"completed_chunks"`
	LastContiguousChunk int          `json:"last_contiguous_chunk" gorm:"default:-1"`
	Metadata            JSONMap      `json:"metadata" gorm:"serializer:json"`
	BlobPath            string       `json:"-" gorm:"not null"`
	CreatedAt           time.Time    `json:"created_at"`
	LastModified        time.Time    `json:"last_modified" gorm:"index"`
	CompletedAt         *time.Time   `json:"completed_at"`
}

// BeforeCreate generates a UUID for the session ID
func (s *UploadSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// Progress returns the completed fraction in [0, 1]
func (s *UploadSession) Progress() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	return float64(s.CompletedChunks.Count()) / float64(s.TotalChunks)
}

// OwnedBy reports whether the session belongs to the given caller
func (s *UploadSession) OwnedBy(ident Identity) bool {
	return s.OwnerUserID == ident.UserID && s.TenantID == ident.TenantID
}

// StartUploadRequest is the body of POST /uploads
type StartUploadRequest struct {
	Category    string  `json:"category" binding:"required"`
	FileName    string  `json:"file_name" binding:"required"`
	ContentType string  `json:"content_type" binding:"required"`
	TotalSize   int64   `json:"total_size" binding:"required,gt=0"`
	Metadata    JSONMap `json:"metadata"`
}

// StartUploadResponse is returned when a session is created
type StartUploadResponse struct {
	TrackingID  string       `json:"tracking_id"`
	Status      UploadStatus `json:"status"`
	TotalChunks int          `json:"total_chunks"`
	ChunkSize   int64        `json:"chunk_size"`
}

// ChunkResult describes the outcome of a chunk submission
type ChunkResult struct {
	Accepted            bool         `json:"accepted"`
	Duplicate           bool         `json:"duplicate"`
	ChunksCompleted     int          `json:"chunks_completed"`
	TotalChunks         int          `json:"total_chunks"`
	LastContiguousChunk int          `json:"last_contiguous_chunk"`
	Progress            float64      `json:"progress"`
	Status              UploadStatus `json:"status"`
}

// ResumeRequest is the body of PUT /uploads/:id/resume
type ResumeRequest struct {
	LastChunk int `json:"last_chunk"`
}

// ResumeResponse tells the client where to pick up
type ResumeResponse struct {
	TrackingID string       `json:"tracking_id"`
	ResumeFrom int          `json:"resume_from"`
	Status     UploadStatus `json:"status"`
}

// HistoryFilter selects sessions for the history read path
type HistoryFilter struct {
	Status UploadStatus `json:"status"`
	Page   int          `json:"page"`
	Limit  int          `json:"limit"`
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	APIResponse
	Pagination *PaginationInfo `json:"pagination,omitempty"`
}

// PaginationInfo contains pagination metadata
type PaginationInfo struct {
	Page       int   `json:"page"`
	PerPage    int   `json:"per_page"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}
