package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pcollings/chunkrelay/pkg/types"
	"github.com/pcollings/chunkrelay/pkg/utils"
)

// Event is one parsed server-sent event from the progress stream
type Event struct {
	Kind string
	Data json.RawMessage
}

// EventHandler receives stream events. Returning false stops the
// subscription.
type EventHandler func(event Event) bool

// Client talks to the upload gateway: session control, chunked upload
// with resume, and the realtime progress stream with reconnect
// semantics.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Backoff    Backoff

	// PollInterval is the status poll cadence once stream reconnect
	// attempts are exhausted.
	PollInterval time.Duration
}

// New creates a client for the given gateway
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Token:        token,
		HTTPClient:   &http.Client{},
		Backoff:      DefaultBackoff(),
		PollInterval: 2 * time.Second,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

// Start creates a new upload session
func (c *Client) Start(ctx context.Context, req *types.StartUploadRequest) (*types.StartUploadResponse, error) {
	var resp types.StartUploadResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/uploads", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendChunk submits one chunk with its checksum
func (c *Client) SendChunk(ctx context.Context, trackingID string, index int, payload []byte) (*types.ChunkResult, error) {
	url := fmt.Sprintf("%s/api/v1/uploads/%s/chunks/%d", c.BaseURL, trackingID, index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Chunk-Checksum", utils.ComputeSHA256(payload))

	var result types.ChunkResult
	if err := c.send(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Upload splits data into chunks of the session's chunk size and sends
// them from startIndex onward
func (c *Client) Upload(ctx context.Context, trackingID string, chunkSize int64, data []byte, startIndex int) (*types.ChunkResult, error) {
	totalChunks := utils.TotalChunks(int64(len(data)), chunkSize)

	var last *types.ChunkResult
	for index := startIndex; index < totalChunks; index++ {
		begin := int64(index) * chunkSize
		end := begin + chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}

		result, err := c.SendChunk(ctx, trackingID, index, data[begin:end])
		if err != nil {
			return last, err
		}
		last = result
	}
	return last, nil
}

// Resume asks the server where to pick up. The server's answer wins
// over whatever the caller believes it already sent.
func (c *Client) Resume(ctx context.Context, trackingID string, lastChunk int) (*types.ResumeResponse, error) {
	path := fmt.Sprintf("/api/v1/uploads/%s/resume", trackingID)
	var resp types.ResumeResponse
	if err := c.doJSON(ctx, http.MethodPut, path, types.ResumeRequest{LastChunk: lastChunk}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pause pauses an in-flight upload
func (c *Client) Pause(ctx context.Context, trackingID string) error {
	path := fmt.Sprintf("/api/v1/uploads/%s/pause", trackingID)
	return c.doJSON(ctx, http.MethodPut, path, nil, nil)
}

// Cancel cancels an upload
func (c *Client) Cancel(ctx context.Context, trackingID string) error {
	path := fmt.Sprintf("/api/v1/uploads/%s", trackingID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// Status fetches the authoritative session record
func (c *Client) Status(ctx context.Context, trackingID string) (*types.UploadSession, error) {
	path := fmt.Sprintf("/api/v1/uploads/%s", trackingID)
	var session types.UploadSession
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Subscribe attaches to the progress stream for a session. On
// disconnect it retries with exponential backoff up to the policy's
// attempt bound, then falls back to polling the status endpoint until
// the session reaches a terminal state.
func (c *Client) Subscribe(ctx context.Context, trackingID string, handler EventHandler) error {
	attempt := 0
	for {
		err := c.streamOnce(ctx, trackingID, handler)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt >= c.Backoff.MaxAttempts {
			return c.pollUntilTerminal(ctx, trackingID, handler)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Backoff.DelayFor(attempt)):
		}
		attempt++
	}
}

// streamOnce runs a single stream connection to completion. A nil
// return means the stream ended with a terminal event.
func (c *Client) streamOnce(ctx context.Context, trackingID string, handler EventHandler) error {
	url := fmt.Sprintf("%s/api/v1/uploads/%s/events", c.BaseURL, trackingID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("stream rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	done := false
	for event := range parseEventStream(resp.Body) {
		if done {
			// keep draining so the parser goroutine can exit
			continue
		}
		if event.Kind == "ping" {
			continue
		}

		if !handler(event) || isTerminalEvent(event) {
			done = true
			resp.Body.Close()
		}
	}

	if done {
		return nil
	}
	return fmt.Errorf("stream disconnected")
}

// isTerminalEvent reports whether an event ends the stream. Error
// events are inspected for the session status they carry: a retryable
// chunk failure arrives with a non-terminal status and the stream
// continues.
func isTerminalEvent(event Event) bool {
	switch event.Kind {
	case "upload:complete", "upload:cancelled":
		return true
	case "upload:error":
		var payload struct {
			Status types.UploadStatus `json:"status"`
		}
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return true
		}
		return payload.Status.IsTerminal()
	}
	return false
}

// pollUntilTerminal is the fallback once reconnect attempts are
// exhausted: synthesize progress events from the status endpoint
func (c *Client) pollUntilTerminal(ctx context.Context, trackingID string, handler EventHandler) error {
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			session, err := c.Status(ctx, trackingID)
			if err != nil {
				continue
			}

			data, _ := json.Marshal(session)
			if !handler(Event{Kind: "upload:status", Data: data}) {
				return nil
			}
			if session.Status.IsTerminal() {
				return nil
			}
		}
	}
}

// parseEventStream yields events from a text/event-stream body
func parseEventStream(body io.Reader) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)

		var kind, data string
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "":
				if kind != "" {
					out <- Event{Kind: kind, Data: json.RawMessage(data)}
				}
				kind, data = "", ""
			}
		}
		if kind != "" {
			out <- Event{Kind: kind, Data: json.RawMessage(data)}
		}
	}()
	return out
}

// doJSON sends a JSON request and decodes the envelope's data field
func (c *Client) doJSON(ctx context.Context, method, path string, body, dest interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.send(req, dest)
}

// send executes a request and unwraps the API envelope
func (c *Client) send(req *http.Request, dest interface{}) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if !env.Success {
		return &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Error}
	}

	if dest != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, dest); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

// APIError is a non-success response from the gateway
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}
