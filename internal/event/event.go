// Package event defines the wire-level message types exchanged over the
// notification channel: outbound status/patch/error events, the inbound
// subscribe request, and the enumerated connection close reasons.
//
// Payloads are concrete tagged types validated once at the boundary, never
// passed around as untyped maps.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Channel names. A channel partitions subscriptions independently of key.
const (
	// ChannelSearch carries job progress and result events; the key is the
	// request id and ownership is checked against the job record.
	ChannelSearch = "search"

	// ChannelAssistant carries narration events; the key is the session id
	// and ownership is a direct session match.
	ChannelAssistant = "assistant"
)

// Wire message types.
const (
	TypeSubscribe = "subscribe"
	TypeMessage   = "message"
	TypePatch     = "patch"
	TypeError     = "error"
)

// Enrichment item statuses.
const (
	ItemFound    = "FOUND"
	ItemNotFound = "NOT_FOUND"
)

// ErrProtocol indicates a malformed client message. It is surfaced to the
// offending connection only.
var ErrProtocol = errors.New("protocol violation")

// Event is an outbound message that can be published on a channel.
type Event interface {
	// WireType returns the value of the "type" field on the wire.
	WireType() string
}

// StatusEvent reports a job status/progress transition.
type StatusEvent struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// NewStatusEvent builds a status event for a request.
func NewStatusEvent(requestID, status string, progress int) StatusEvent {
	return StatusEvent{Type: TypeMessage, RequestID: requestID, Status: status, Progress: progress}
}

// WireType implements Event.
func (e StatusEvent) WireType() string { return TypeMessage }

// Patch is the per-item outcome carried by a PatchEvent.
type Patch struct {
	Status string  `json:"status"` // FOUND or NOT_FOUND
	URL    *string `json:"url"`    // null for NOT_FOUND
}

// PatchEvent is a targeted update for one enriched item within a request.
type PatchEvent struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	ItemKey   string `json:"itemKey"`
	Patch     Patch  `json:"patch"`
}

// NewPatchEvent builds a patch event. url may be nil for NOT_FOUND.
func NewPatchEvent(requestID, itemKey, status string, url *string) PatchEvent {
	return PatchEvent{
		Type:      TypePatch,
		RequestID: requestID,
		ItemKey:   itemKey,
		Patch:     Patch{Status: status, URL: url},
	}
}

// WireType implements Event.
func (e PatchEvent) WireType() string { return TypePatch }

// ErrorEvent is sent to a single connection, e.g. on an unauthorized
// subscribe. The connection stays open.
type ErrorEvent struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// NewErrorEvent builds an error event.
func NewErrorEvent(code, message string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Error: code, Message: message}
}

// WireType implements Event.
func (e ErrorEvent) WireType() string { return TypeError }

// Marshal encodes an event for the wire.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// SubscribeRequest is the inbound message that registers interest in a
// channel+key. Exactly one of RequestID / SessionID carries the key,
// depending on the channel.
type SubscribeRequest struct {
	Type      string `json:"type"`
	Channel   string `json:"channel"`
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Key returns the subscription key for the request's channel.
func (r SubscribeRequest) Key() string {
	if r.Channel == ChannelAssistant {
		return r.SessionID
	}
	return r.RequestID
}

// ParseSubscribe validates raw client input into a SubscribeRequest.
// Violations wrap ErrProtocol.
func ParseSubscribe(raw []byte) (SubscribeRequest, error) {
	var req SubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("%w: malformed message: %v", ErrProtocol, err)
	}
	if req.Type != TypeSubscribe {
		return req, fmt.Errorf("%w: unsupported message type %q", ErrProtocol, req.Type)
	}
	switch req.Channel {
	case ChannelSearch:
		if req.RequestID == "" {
			return req, fmt.Errorf("%w: subscribe to %s requires requestId", ErrProtocol, req.Channel)
		}
	case ChannelAssistant:
		if req.SessionID == "" {
			return req, fmt.Errorf("%w: subscribe to %s requires sessionId", ErrProtocol, req.Channel)
		}
	default:
		return req, fmt.Errorf("%w: unknown channel %q", ErrProtocol, req.Channel)
	}
	return req, nil
}
