package storage

import (
	"context"
	"io"
)

// BlobStorage defines the interface for chunked object storage. Chunks
// are staged as distinct parts under the object's path and only become
// a readable object once CommitParts assembles them.
type BlobStorage interface {
	// StagePart saves one chunk payload as a part of the object at path.
	// Staging the same index twice overwrites the earlier part.
	StagePart(ctx context.Context, path string, index int, content io.Reader) error

	// DiscardPart removes a single staged part if it exists
	DiscardPart(ctx context.Context, path string, index int) error

	// CommitParts assembles parts [0, totalParts) in index order into the
	// final object at path and removes the staging area
	CommitParts(ctx context.Context, path string, totalParts int) error

	// DiscardParts removes all staged parts for the object at path
	DiscardParts(ctx context.Context, path string) error

	// Retrieve gets the committed object at path
	Retrieve(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes the committed object at path
	Delete(ctx context.Context, path string) error

	// Exists checks if a committed object exists at path
	Exists(ctx context.Context, path string) (bool, error)

	// GetSize returns the size of the committed object at path
	GetSize(ctx context.Context, path string) (int64, error)
}
