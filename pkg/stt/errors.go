package stt

import (
	"fmt"
	"time"
)

// ConnectionTimeoutError reports a transport that never reached an open
// state within the bounded connect timeout.
type ConnectionTimeoutError struct {
	Timeout time.Duration
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("transport did not open within %s", e.Timeout)
}

// TransportError reports a transport that failed to open or died
// mid-connection. The client never retries; reconnection policy belongs to
// the owning state machine.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteProtocolError carries an explicit error frame from the remote
// service, surfaced verbatim. The transport is not closed pre-emptively;
// the service may close it on its own.
type RemoteProtocolError struct {
	Message string
}

func (e *RemoteProtocolError) Error() string {
	return "remote service error: " + e.Message
}

// InvalidStateError reports caller misuse, such as connecting twice or
// mutating configuration while connected. It is returned synchronously,
// never routed through the async error callback.
type InvalidStateError struct {
	Op     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}
