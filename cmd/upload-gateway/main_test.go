package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pcollings/chunkrelay/internal/admission"
	"github.com/pcollings/chunkrelay/internal/chunking"
	"github.com/pcollings/chunkrelay/internal/common"
	"github.com/pcollings/chunkrelay/internal/relay"
	"github.com/pcollings/chunkrelay/internal/storage"
	"github.com/pcollings/chunkrelay/pkg/config"
	"github.com/pcollings/chunkrelay/pkg/types"
	"github.com/pcollings/chunkrelay/pkg/utils"
)

type testGateway struct {
	router *gin.Engine
	svc    *chunking.Service
	token  string
}

func setupGateway(t *testing.T) *testGateway {
	blobStorage, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return setupGatewayWith(t, blobStorage)
}

func setupGatewayWith(t *testing.T, blobStorage storage.BlobStorage) *testGateway {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&types.UploadSession{}))

	cfg := &config.Config{
		Auth: config.AuthConfig{JWTSecret: "test-secret"},
		Upload: config.UploadConfig{
			Categories: map[string]config.CategoryConfig{
				"document": {
					Name:                "document",
					AllowedContentTypes: []string{"text/plain"},
					MaxSize:             10000,
					ChunkSize:           100,
				},
			},
			TierCeilings: map[string]int{"free": 1, "pro": 4},
			EventBuffer:  16,
		},
	}

	svc := chunking.NewService(&common.Database{DB: db}, blobStorage, nil, &cfg.Upload)
	manager := admission.NewManager(&cfg.Upload)
	svc.Subscribe(relay.NewProgressRelay(manager))

	token, err := utils.GenerateIdentityToken(types.Identity{
		UserID:   "user-1",
		TenantID: "tenant-1",
		Tier:     types.TierFree,
	}, cfg.Auth.JWTSecret, time.Hour)
	require.NoError(t, err)

	return &testGateway{
		router: setupRouter(cfg, nil, svc, manager),
		svc:    svc,
		token:  token,
	}
}

func (g *testGateway) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		encoded, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+g.token)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, dest interface{}) {
	var resp types.APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success, "response not successful: %s", w.Body.String())

	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dest))
}

func startUpload(t *testing.T, g *testGateway, totalSize int64) types.StartUploadResponse {
	w := g.do(t, http.MethodPost, "/api/v1/uploads", types.StartUploadRequest{
		Category:    "document",
		FileName:    "notes.txt",
		ContentType: "text/plain",
		TotalSize:   totalSize,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var started types.StartUploadResponse
	decodeData(t, w, &started)
	return started
}

func putChunk(t *testing.T, g *testGateway, trackingID string, index int, payload []byte) *httptest.ResponseRecorder {
	return g.do(t, http.MethodPut,
		fmt.Sprintf("/api/v1/uploads/%s/chunks/%d", trackingID, index),
		payload,
		map[string]string{
			"Content-Type":     "application/octet-stream",
			"X-Chunk-Checksum": utils.ComputeSHA256(payload),
		})
}

func TestGateway_Health(t *testing.T) {
	g := setupGateway(t)
	w := g.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestGateway_RequiresAuth(t *testing.T) {
	g := setupGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/uploads/history", nil)
	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGateway_FullUploadFlow(t *testing.T) {
	g := setupGateway(t)

	started := startUpload(t, g, 250)
	assert.Equal(t, 3, started.TotalChunks)
	assert.Equal(t, int64(100), started.ChunkSize)
	assert.Equal(t, types.StatusInitializing, started.Status)

	content := bytes.Repeat([]byte("a"), 100)
	content = append(content, bytes.Repeat([]byte("b"), 100)...)
	content = append(content, bytes.Repeat([]byte("c"), 50)...)

	// out of order
	w := putChunk(t, g, started.TrackingID, 1, content[100:200])
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result types.ChunkResult
	decodeData(t, w, &result)
	assert.Equal(t, -1, result.LastContiguousChunk)
	assert.Equal(t, types.StatusUploading, result.Status)

	w = putChunk(t, g, started.TrackingID, 0, content[:100])
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &result)
	assert.Equal(t, 1, result.LastContiguousChunk)

	// duplicate retransmission
	w = putChunk(t, g, started.TrackingID, 0, content[:100])
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &result)
	assert.True(t, result.Duplicate)

	w = putChunk(t, g, started.TrackingID, 2, content[200:])
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &result)
	assert.Equal(t, types.StatusComplete, result.Status)

	// the assembled object round-trips byte for byte
	w = g.do(t, http.MethodGet, "/api/v1/uploads/"+started.TrackingID+"/download", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	assert.Equal(t, content, w.Body.Bytes())
}

func TestGateway_ErrorMapping(t *testing.T) {
	g := setupGateway(t)
	started := startUpload(t, g, 250)

	// unknown session
	w := putChunk(t, g, "no-such-id", 0, []byte("x"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	// corrupted chunk
	w = g.do(t, http.MethodPut,
		"/api/v1/uploads/"+started.TrackingID+"/chunks/0",
		[]byte("payload"),
		map[string]string{"X-Chunk-Checksum": "deadbeef"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// bad index
	w = putChunk(t, g, started.TrackingID, 99, []byte("x"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// bad category
	w = g.do(t, http.MethodPost, "/api/v1/uploads", types.StartUploadRequest{
		Category:    "firmware",
		FileName:    "f",
		ContentType: "text/plain",
		TotalSize:   10,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp types.APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "VALIDATION", resp.Code)
}

// unwritableStorage fails every staging call the way a full or
// misconfigured disk would, with filesystem detail in the error
type unwritableStorage struct{}

var _ storage.BlobStorage = unwritableStorage{}

func (unwritableStorage) StagePart(ctx context.Context, path string, index int, content io.Reader) error {
	return fmt.Errorf("failed to create parts directory: mkdir /var/lib/chunkrelay/%s: permission denied", path)
}

func (unwritableStorage) DiscardPart(ctx context.Context, path string, index int) error { return nil }

func (unwritableStorage) CommitParts(ctx context.Context, path string, totalParts int) error {
	return fmt.Errorf("failed to assemble /var/lib/chunkrelay/%s: permission denied", path)
}

func (unwritableStorage) DiscardParts(ctx context.Context, path string) error { return nil }

func (unwritableStorage) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("open /var/lib/chunkrelay/%s: permission denied", path)
}

func (unwritableStorage) Delete(ctx context.Context, path string) error { return nil }

func (unwritableStorage) Exists(ctx context.Context, path string) (bool, error) { return false, nil }

func (unwritableStorage) GetSize(ctx context.Context, path string) (int64, error) {
	return 0, fmt.Errorf("stat /var/lib/chunkrelay/%s: permission denied", path)
}

func TestGateway_StorageFailureBodyOmitsInternals(t *testing.T) {
	g := setupGatewayWith(t, unwritableStorage{})
	started := startUpload(t, g, 250)

	w := putChunk(t, g, started.TrackingID, 0, make([]byte, 100))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp types.APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "STORAGE_UNAVAILABLE", resp.Code)
	assert.Equal(t, "storage temporarily unavailable", resp.Error)

	// the filesystem detail from the storage layer never reaches the body
	body := w.Body.String()
	assert.NotContains(t, body, "mkdir")
	assert.NotContains(t, body, "/var/lib")
	assert.NotContains(t, body, "uploads/")
}

func TestGateway_OversizedChunkRejected(t *testing.T) {
	g := setupGateway(t)
	started := startUpload(t, g, 250)

	// 150 bytes against a 100-byte chunk size: rejected outright rather
	// than truncated and recorded
	w := putChunk(t, g, started.TrackingID, 0, make([]byte, 150))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp types.APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "VALIDATION", resp.Code)

	status := g.do(t, http.MethodGet, "/api/v1/uploads/"+started.TrackingID, nil, nil)
	require.Equal(t, http.StatusOK, status.Code)
	var session types.UploadSession
	decodeData(t, status, &session)
	assert.Equal(t, 0, session.CompletedChunks.Count())
}

func TestGateway_PauseResumeCancel(t *testing.T) {
	g := setupGateway(t)
	started := startUpload(t, g, 250)

	putChunk(t, g, started.TrackingID, 0, make([]byte, 100))

	w := g.do(t, http.MethodPut, "/api/v1/uploads/"+started.TrackingID+"/pause", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// chunks are refused while paused
	w = putChunk(t, g, started.TrackingID, 1, make([]byte, 100))
	assert.Equal(t, http.StatusConflict, w.Code)

	// resume with a stale claim; the server's cursor wins
	w = g.do(t, http.MethodPut, "/api/v1/uploads/"+started.TrackingID+"/resume",
		types.ResumeRequest{LastChunk: 2}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resume types.ResumeResponse
	decodeData(t, w, &resume)
	assert.Equal(t, 1, resume.ResumeFrom)
	assert.Equal(t, types.StatusUploading, resume.Status)

	w = g.do(t, http.MethodDelete, "/api/v1/uploads/"+started.TrackingID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// terminal: further chunks conflict
	w = putChunk(t, g, started.TrackingID, 1, make([]byte, 100))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGateway_StatusAndHistory(t *testing.T) {
	g := setupGateway(t)

	first := startUpload(t, g, 250)
	startUpload(t, g, 250)

	w := g.do(t, http.MethodGet, "/api/v1/uploads/"+first.TrackingID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var session types.UploadSession
	decodeData(t, w, &session)
	assert.Equal(t, first.TrackingID, session.TrackingID)

	w = g.do(t, http.MethodGet, "/api/v1/uploads/history?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var paginated types.PaginatedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &paginated))
	require.NotNil(t, paginated.Pagination)
	assert.Equal(t, int64(2), paginated.Pagination.Total)
	assert.Equal(t, 2, paginated.Pagination.TotalPages)
}

func TestGateway_Annotate(t *testing.T) {
	g := setupGateway(t)
	started := startUpload(t, g, 250)

	w := g.do(t, http.MethodPatch, "/api/v1/uploads/"+started.TrackingID+"/metadata",
		map[string]interface{}{"label": "quarterly"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var session types.UploadSession
	decodeData(t, w, &session)
	assert.Equal(t, "quarterly", session.Metadata["label"])
}

// sseEvent is one parsed frame from the stream endpoint
type sseEvent struct {
	kind string
	data string
}

func readSSE(body *bufio.Reader, events chan<- sseEvent) {
	var kind, data string
	for {
		line, err := body.ReadString('\n')
		if err != nil {
			close(events)
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			if kind != "" {
				events <- sseEvent{kind: kind, data: data}
			}
			kind, data = "", ""
		}
	}
}

func TestGateway_EventStream(t *testing.T) {
	g := setupGateway(t)
	server := httptest.NewServer(g.router)
	defer server.Close()

	started := startUpload(t, g, 250)

	resp, err := http.Get(server.URL + "/api/v1/uploads/" + started.TrackingID + "/events?access_token=" + g.token)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	events := make(chan sseEvent, 32)
	go readSSE(bufio.NewReader(resp.Body), events)

	// initial snapshot arrives before any chunk
	first := <-events
	assert.Equal(t, "upload:start", first.kind)
	assert.Contains(t, first.data, started.TrackingID)

	for index := 0; index < 3; index++ {
		size := 100
		if index == 2 {
			size = 50
		}
		w := putChunk(t, g, started.TrackingID, index, make([]byte, size))
		require.Equal(t, http.StatusOK, w.Code)
	}

	var kinds []string
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, open := <-events:
			if !open {
				// terminal event closes the stream server-side
				assert.Contains(t, kinds, "upload:progress")
				assert.Equal(t, "upload:complete", kinds[len(kinds)-1])
				return
			}
			kinds = append(kinds, event.kind)
		case <-deadline:
			t.Fatalf("stream did not terminate; saw %v", kinds)
		}
	}
}

func TestGateway_ConnectionCeiling(t *testing.T) {
	g := setupGateway(t)
	server := httptest.NewServer(g.router)
	defer server.Close()

	started := startUpload(t, g, 250)
	streamURL := server.URL + "/api/v1/uploads/" + started.TrackingID + "/events?access_token=" + g.token

	// the free tier in this config admits a single connection
	resp, err := http.Get(streamURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	over, err := http.Get(streamURL)
	require.NoError(t, err)
	defer over.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, over.StatusCode)
}

func TestGateway_StreamRequiresOwnership(t *testing.T) {
	g := setupGateway(t)
	server := httptest.NewServer(g.router)
	defer server.Close()

	started := startUpload(t, g, 250)

	strangerToken, err := utils.GenerateIdentityToken(types.Identity{
		UserID:   "user-2",
		TenantID: "tenant-1",
		Tier:     types.TierFree,
	}, "test-secret", time.Hour)
	require.NoError(t, err)

	resp, err := http.Get(server.URL + "/api/v1/uploads/" + started.TrackingID + "/events?access_token=" + strangerToken)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
