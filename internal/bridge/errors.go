// ABOUTME: Typed error taxonomy for the bridge: transport, protocol, timeout, closed.
// ABOUTME: Nothing here is ever process-fatal; callers branch with errors.Is/As.

package bridge

import (
	"errors"
	"fmt"
)

// ErrTimeout indicates no response arrived within the descriptor's timeout.
// The in-flight request is discarded; the connection is left untouched.
var ErrTimeout = errors.New("request timed out")

// ErrClosed indicates the connection was torn down while the request was in
// flight. All pending requests are rejected with it on disconnect.
var ErrClosed = errors.New("connection closed")

// ErrNotConnected indicates a send was attempted while the connection is not
// in the connected state.
var ErrNotConnected = errors.New("tool server not connected")

// ErrServerNotFound indicates the registry has no connection under that name.
var ErrServerNotFound = errors.New("tool server not found")

// ErrRetriesExhausted indicates reconnection attempts passed maxRetries. The
// connection stays in the error state until explicitly reconnected.
var ErrRetriesExhausted = errors.New("reconnect retries exhausted")

// TransportError covers subprocess and pipe failures: spawn errors, broken
// writes, read errors, unexpected exits. Transport errors transition the
// connection's state and drive the reconnect policy; they never crash the
// process.
type TransportError struct {
	Op  string // "spawn", "write", "read", "exit"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError carries the code and message of a response's error object.
// It is surfaced to the original caller and never retried automatically.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("tool server error %d: %s", e.Code, e.Message)
}
