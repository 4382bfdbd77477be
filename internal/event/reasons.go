package event

// CloseReason is the server-supplied reason attached to a connection close.
// Every server-initiated close carries one; an empty reason on a going-away
// close is a logic error and is corrected to ReasonServerClose before the
// frame is written.
type CloseReason string

const (
	ReasonServerShutdown    CloseReason = "SERVER_SHUTDOWN"
	ReasonServerClose       CloseReason = "SERVER_CLOSE"
	ReasonIdleTimeout       CloseReason = "IDLE_TIMEOUT"
	ReasonHeartbeatTimeout  CloseReason = "HEARTBEAT_TIMEOUT"
	ReasonNotAuthorized     CloseReason = "NOT_AUTHORIZED"
	ReasonProtocolViolation CloseReason = "PROTOCOL_VIOLATION"
)

// Known reports whether r is one of the enumerated reasons.
func (r CloseReason) Known() bool {
	switch r {
	case ReasonServerShutdown, ReasonServerClose, ReasonIdleTimeout,
		ReasonHeartbeatTimeout, ReasonNotAuthorized, ReasonProtocolViolation:
		return true
	}
	return false
}

// OrDefault returns r, substituting ReasonServerClose for an empty reason.
func (r CloseReason) OrDefault() CloseReason {
	if r == "" {
		return ReasonServerClose
	}
	return r
}
