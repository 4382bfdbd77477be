// Package client provides the HTTP and websocket client for the beacon
// server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tgoebel/beacon/internal/event"
	"github.com/tgoebel/beacon/internal/job"
)

// ErrNotFound indicates the server does not know the request id (or the
// caller does not own it; the server does not distinguish the two).
var ErrNotFound = errors.New("request not found")

// Client talks to a beacon server.
type Client struct {
	endpoint   string
	userID     string
	sessionID  string
	httpClient *http.Client
}

// New creates a client. If endpoint is empty, uses the BEACON_SERVER_URL env
// var or defaults to localhost:8484. Timeout can be configured via
// BEACON_CLIENT_TIMEOUT (default 30s).
func New(endpoint string) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("BEACON_SERVER_URL")
	}
	if endpoint == "" {
		endpoint = "http://localhost:8484"
	}

	timeout := 30 * time.Second
	if t := os.Getenv("BEACON_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetIdentity attaches the caller identity sent with every request.
func (c *Client) SetIdentity(userID, sessionID string) {
	c.userID = userID
	c.sessionID = sessionID
}

func (c *Client) applyIdentity(h http.Header) {
	if c.userID != "" {
		h.Set("X-User-ID", c.userID)
	}
	if c.sessionID != "" {
		h.Set("X-Session-ID", c.sessionID)
	}
}

// CreateSearch submits a query and returns the request id to watch or poll.
func (c *Client) CreateSearch(ctx context.Context, query string) (string, error) {
	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/search", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyIdentity(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("server error: %s - %s", resp.Status, string(raw))
	}

	var accepted struct {
		RequestID string `json:"requestId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	return accepted.RequestID, nil
}

// Result is the polled state of a search job.
type Result struct {
	RequestID string          `json:"requestId"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *job.Error      `json:"error,omitempty"`
}

// Terminal reports whether the job has finished.
func (r *Result) Terminal() bool {
	return job.Status(r.Status).Terminal()
}

// GetResult polls the result endpoint. While the job runs the returned
// Result is non-terminal; unknown or unowned ids return ErrNotFound.
func (c *Client) GetResult(ctx context.Context, requestID string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint+"/api/search/"+requestID+"/result", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.applyIdentity(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server error: %s - %s", resp.Status, string(raw))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// WatchEvent is one event from the notification channel. Exactly one field
// is set.
type WatchEvent struct {
	Status *event.StatusEvent
	Patch  *event.PatchEvent
	Err    *event.ErrorEvent
}

// Watch subscribes to the search channel for a request and invokes onEvent
// for every delivered event. It returns nil once a terminal status event
// arrives, or earlier if ctx is cancelled or onEvent returns an error.
func (c *Client) Watch(ctx context.Context, requestID string, onEvent func(WatchEvent) error) error {
	wsEndpoint := c.endpoint
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)
	wsEndpoint += "/ws?userId=" + c.userID + "&sessionId=" + c.sessionID

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsEndpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}

	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	sub := event.SubscribeRequest{
		Type:      event.TypeSubscribe,
		Channel:   event.ChannelSearch,
		RequestID: requestID,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	// Unblock the read loop when the caller gives up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read message: %w", err)
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return fmt.Errorf("unmarshal event: %w", err)
		}

		switch probe.Type {
		case event.TypeMessage:
			var ev event.StatusEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				return fmt.Errorf("unmarshal status event: %w", err)
			}
			if err := onEvent(WatchEvent{Status: &ev}); err != nil {
				return err
			}
			if job.Status(ev.Status).Terminal() {
				return nil
			}

		case event.TypePatch:
			var ev event.PatchEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				return fmt.Errorf("unmarshal patch event: %w", err)
			}
			if err := onEvent(WatchEvent{Patch: &ev}); err != nil {
				return err
			}

		case event.TypeError:
			var ev event.ErrorEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				return fmt.Errorf("unmarshal error event: %w", err)
			}
			if err := onEvent(WatchEvent{Err: &ev}); err != nil {
				return err
			}

		default:
			// Ignore unknown event types for forward compatibility.
			continue
		}
	}
}

// Health is the server's health report.
type Health struct {
	Status      string          `json:"status"`
	Store       string          `json:"store"`
	Connections int             `json:"connections"`
	Stats       json.RawMessage `json:"stats,omitempty"`
}

// GetHealth fetches the server health endpoint.
func (c *Client) GetHealth(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &health, nil
}
