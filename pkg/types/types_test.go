package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONMapValueScan(t *testing.T) {
	m := JSONMap{"fileName": "notes.txt", "size": float64(42)}

	value, err := m.Value()
	require.NoError(t, err)

	var scanned JSONMap
	require.NoError(t, scanned.Scan(value))
	assert.Equal(t, m, scanned)

	var fromNil JSONMap
	require.NoError(t, fromNil.Scan(nil))
	assert.Nil(t, fromNil)

	nilValue, err := JSONMap(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, nilValue)

	assert.Error(t, scanned.Scan(42))
}

func TestUploadStatusIsTerminal(t *testing.T) {
	terminal := []UploadStatus{StatusComplete, StatusError, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}

	live := []UploadStatus{StatusInitializing, StatusUploading, StatusPaused, StatusResuming, StatusProcessing}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestUploadSessionProgress(t *testing.T) {
	session := &UploadSession{TotalChunks: 4, CompletedChunks: NewChunkSet(4)}
	assert.Equal(t, 0.0, session.Progress())

	session.CompletedChunks.Add(0)
	session.CompletedChunks.Add(1)
	assert.InDelta(t, 0.5, session.Progress(), 0.001)

	empty := &UploadSession{}
	assert.Equal(t, 0.0, empty.Progress())
}

func TestUploadSessionOwnedBy(t *testing.T) {
	session := &UploadSession{OwnerUserID: "user-1", TenantID: "tenant-1"}

	assert.True(t, session.OwnedBy(Identity{UserID: "user-1", TenantID: "tenant-1"}))
	assert.False(t, session.OwnedBy(Identity{UserID: "user-2", TenantID: "tenant-1"}))
	assert.False(t, session.OwnedBy(Identity{UserID: "user-1", TenantID: "tenant-2"}))
}
