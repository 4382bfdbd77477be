package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tgoebel/beacon/internal/store"
)

// ErrNotFound indicates no job record exists for the request id.
var ErrNotFound = errors.New("job not found")

// keyPrefix namespaces job records in the coordination store.
const keyPrefix = "job:"

// Store persists job records in the coordination store with a configurable
// TTL. Status writes are meant to be non-fatal for callers: the orchestrator
// logs a store.ErrUnavailable and keeps running, since live events over the
// broker do not depend on the record being current.
type Store struct {
	kv  store.Store
	ttl time.Duration
}

// NewStore creates a job store. ttl bounds how long records outlive their
// last update; zero means records never expire.
func NewStore(kv store.Store, ttl time.Duration) *Store {
	return &Store{kv: kv, ttl: ttl}
}

// Create records a new PENDING job. The owner fields come from the caller's
// identity; either may be empty.
func (s *Store) Create(ctx context.Context, requestID, ownerUserID, ownerSessionID string) error {
	now := time.Now().UTC()
	j := &Job{
		RequestID:      requestID,
		OwnerUserID:    ownerUserID,
		OwnerSessionID: ownerSessionID,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return s.put(ctx, j)
}

// Get returns the job record, or ErrNotFound when absent or expired.
func (s *Store) Get(ctx context.Context, requestID string) (*Job, error) {
	raw, ok, err := s.kv.Get(ctx, keyPrefix+requestID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", requestID, err)
	}
	return &j, nil
}

// SetStatus updates status and progress. Progress is clamped to 0-100 and
// never moves backwards while the job is non-terminal.
func (s *Store) SetStatus(ctx context.Context, requestID string, status Status, progress int) error {
	return s.update(ctx, requestID, func(j *Job) {
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		if !j.Status.Terminal() && progress < j.Progress {
			progress = j.Progress
		}
		j.Status = status
		j.Progress = progress
	})
}

// SetResult stores the result payload and marks the job DONE_SUCCESS.
func (s *Store) SetResult(ctx context.Context, requestID string, result json.RawMessage) error {
	return s.update(ctx, requestID, func(j *Job) {
		j.Status = StatusDoneSuccess
		j.Progress = 100
		j.Result = result
		j.Error = nil
	})
}

// SetError marks the job failed with a structured error. The status defaults
// to DONE_FAILED; a stop or clarify outcome passes its own terminal status.
func (s *Store) SetError(ctx context.Context, requestID string, status Status, code, message, kind string) error {
	if !status.Terminal() {
		status = StatusDoneFailed
	}
	return s.update(ctx, requestID, func(j *Job) {
		j.Status = status
		j.Error = &Error{Code: code, Message: message, Kind: kind}
	})
}

// update applies fn to the current record and writes it back, bumping
// UpdatedAt and refreshing the TTL.
func (s *Store) update(ctx context.Context, requestID string, fn func(*Job)) error {
	j, err := s.Get(ctx, requestID)
	if err != nil {
		return err
	}
	fn(j)
	j.UpdatedAt = time.Now().UTC()
	return s.put(ctx, j)
}

func (s *Store) put(ctx context.Context, j *Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.RequestID, err)
	}
	return s.kv.Set(ctx, keyPrefix+j.RequestID, string(raw), s.ttl)
}
