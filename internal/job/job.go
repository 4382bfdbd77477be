// Package job provides the job record store: lifecycle status, progress,
// result, error, and owner identity for asynchronous search requests.
package job

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job. Terminal states all carry the
// DONE_ prefix; a job transitions into exactly one of them.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusRunning     Status = "RUNNING"
	StatusDoneSuccess Status = "DONE_SUCCESS"
	StatusDoneFailed  Status = "DONE_FAILED"
	StatusDoneStopped Status = "DONE_STOPPED"
	StatusDoneClarify Status = "DONE_CLARIFY"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusDoneSuccess, StatusDoneFailed, StatusDoneStopped, StatusDoneClarify:
		return true
	}
	return false
}

// Error captures a terminal failure on a job.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// Job is the persisted record of one asynchronous search request.
type Job struct {
	RequestID      string          `json:"request_id"`
	OwnerUserID    string          `json:"owner_user_id,omitempty"`
	OwnerSessionID string          `json:"owner_session_id,omitempty"`
	Status         Status          `json:"status"`
	Progress       int             `json:"progress"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// OwnedBy reports whether the given identity may access the job. A job with
// no recorded owner predates ownership tracking and is treated permissively.
func (j *Job) OwnedBy(userID, sessionID string) bool {
	if j.OwnerUserID == "" && j.OwnerSessionID == "" {
		return true
	}
	if j.OwnerUserID != "" && userID != "" && j.OwnerUserID == userID {
		return true
	}
	if j.OwnerSessionID != "" && sessionID != "" && j.OwnerSessionID == sessionID {
		return true
	}
	return false
}
