package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tgoebel/beacon/internal/broker"
	"github.com/tgoebel/beacon/internal/event"
	"github.com/tgoebel/beacon/internal/job"
	"github.com/tgoebel/beacon/internal/metrics"
	"github.com/tgoebel/beacon/internal/server"
	"github.com/tgoebel/beacon/internal/store"
)

type testEnv struct {
	kv  *store.MemStore
	srv *httptest.Server
}

func newTestEnv(t *testing.T, runner server.Runner, opts server.Options) *testEnv {
	t.Helper()
	kv := store.NewMemStore()
	jobs := job.NewStore(kv, time.Hour)
	hub := broker.NewHub(jobs, broker.Options{RequireAuth: opts.RequireAuth}, nil, nil)
	if runner == nil {
		runner = server.RunnerFunc(func(context.Context, string, string) (json.RawMessage, error) {
			return json.RawMessage(`{"items":[]}`), nil
		})
	}
	s := server.New(jobs, hub, kv, runner, opts, nil, metrics.NewCollector())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Wait()
	})
	return &testEnv{kv: kv, srv: srv}
}

func (e *testEnv) submit(t *testing.T, userID, query string) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/search",
		strings.NewReader(fmt.Sprintf(`{"query":%q}`, query)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted struct {
		RequestID string `json:"requestId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	require.NotEmpty(t, accepted.RequestID)
	return accepted.RequestID
}

func (e *testEnv) getResult(t *testing.T, userID, requestID string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet,
		e.srv.URL+"/api/search/"+requestID+"/result", nil)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

// waitTerminal polls the result endpoint until the job leaves the 202 phase.
func (e *testEnv) waitTerminal(t *testing.T, userID, requestID string) (*http.Response, map[string]any) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, body := e.getResult(t, userID, requestID)
		if resp.StatusCode != http.StatusAccepted {
			return resp, body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return nil, nil
}

func TestSearchLifecycleSuccess(t *testing.T) {
	env := newTestEnv(t, server.RunnerFunc(func(context.Context, string, string) (json.RawMessage, error) {
		return json.RawMessage(`{"items":["a","b"]}`), nil
	}), server.Options{})

	requestID := env.submit(t, "alice", "blue bicycle")
	resp, body := env.waitTerminal(t, "alice", requestID)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(job.StatusDoneSuccess), body["status"])
	assert.NotNil(t, body["result"])
}

func TestResultPendingReturns202(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, server.RunnerFunc(func(ctx context.Context, _, _ string) (json.RawMessage, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return json.RawMessage(`{}`), nil
	}), server.Options{})

	requestID := env.submit(t, "alice", "slow query")

	resp, body := env.getResult(t, "alice", requestID)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Contains(t, []any{string(job.StatusPending), string(job.StatusRunning)}, body["status"])

	close(release)
	resp, _ = env.waitTerminal(t, "alice", requestID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResultUnknownRequest(t *testing.T) {
	env := newTestEnv(t, nil, server.Options{})

	resp, _ := env.getResult(t, "alice", "no-such-request")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResultOwnershipMismatchLooksUnknown(t *testing.T) {
	env := newTestEnv(t, nil, server.Options{})

	requestID := env.submit(t, "alice", "private query")
	env.waitTerminal(t, "alice", requestID)

	// A different user gets 404, indistinguishable from a bad id.
	resp, _ := env.getResult(t, "mallory", requestID)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.getResult(t, "alice", requestID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResultRequiresAuth(t *testing.T) {
	env := newTestEnv(t, nil, server.Options{RequireAuth: true})

	resp, _ := env.getResult(t, "", "any-request")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFailureHidesInternalDetail(t *testing.T) {
	env := newTestEnv(t, server.RunnerFunc(func(context.Context, string, string) (json.RawMessage, error) {
		return nil, errors.New("pgbouncer connection refused at 10.0.0.3")
	}), server.Options{})

	requestID := env.submit(t, "alice", "doomed query")
	resp, body := env.waitTerminal(t, "alice", requestID)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(job.StatusDoneFailed), body["status"])

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "pgbouncer", "internal detail must not leak")
	errBody, ok := body["error"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, errBody["message"], "try again")
}

func TestSearchDeadlineForcesTerminal(t *testing.T) {
	env := newTestEnv(t, server.RunnerFunc(func(ctx context.Context, _, _ string) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), server.Options{SearchTimeout: 50 * time.Millisecond})

	requestID := env.submit(t, "alice", "never finishes")
	resp, body := env.waitTerminal(t, "alice", requestID)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(job.StatusDoneFailed), body["status"])
	errBody, ok := body["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "SEARCH_TIMEOUT", errBody["code"])
}

func TestRunnerPanicForcesTerminal(t *testing.T) {
	env := newTestEnv(t, server.RunnerFunc(func(context.Context, string, string) (json.RawMessage, error) {
		panic("runner bug")
	}), server.Options{})

	requestID := env.submit(t, "alice", "explosive query")
	resp, body := env.waitTerminal(t, "alice", requestID)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(job.StatusDoneFailed), body["status"])
}

func TestCreateSearchValidation(t *testing.T) {
	env := newTestEnv(t, nil, server.Options{})

	resp, err := http.Post(env.srv.URL+"/api/search", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(env.srv.URL+"/api/search", "application/json", strings.NewReader(`{"query":""}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResultStoreUnavailable(t *testing.T) {
	env := newTestEnv(t, nil, server.Options{})
	env.kv.Fault = func(op, key string) error {
		if op == "get" {
			return errors.New("store down")
		}
		return nil
	}

	resp, body := env.getResult(t, "alice", "any-request")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body["error"], "retry")
}

func TestWebsocketHandshakeRequiresAuth(t *testing.T) {
	env := newTestEnv(t, nil, server.Options{RequireAuth: true})
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err, "handshake must be refused before upgrade")
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?userId=alice", nil)
	require.NoError(t, err)
	ws.Close()
}

func TestWebsocketDeliversTerminalEvent(t *testing.T) {
	env := newTestEnv(t, server.RunnerFunc(func(context.Context, string, string) (json.RawMessage, error) {
		return json.RawMessage(`{"items":[]}`), nil
	}), server.Options{})

	requestID := env.submit(t, "alice", "watched query")

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?userId=alice"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	sub := fmt.Sprintf(`{"type":"subscribe","channel":"search","requestId":%q}`, requestID)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(sub)))

	// The backlog replays events published before the subscribe, so the
	// terminal event arrives regardless of timing.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = ws.SetReadDeadline(time.Now().Add(time.Second))
		_, raw, err := ws.ReadMessage()
		require.NoError(t, err)
		var ev event.StatusEvent
		require.NoError(t, json.Unmarshal(raw, &ev))
		if ev.Status == string(job.StatusDoneSuccess) {
			assert.Equal(t, requestID, ev.RequestID)
			assert.Equal(t, 100, ev.Progress)
			return
		}
	}
	t.Fatal("terminal event never arrived")
}

func TestHealthReportsStoreState(t *testing.T) {
	env := newTestEnv(t, nil, server.Options{})

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["store"])

	env.kv.Fault = func(op, key string) error {
		if op == "ping" {
			return errors.New("store down")
		}
		return nil
	}
	resp, err = http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "unavailable", body["store"])
}
