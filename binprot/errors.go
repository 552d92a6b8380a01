package binprot

import (
	"errors"
	"fmt"
)

// Error types for binary protocol operations.
// They tell the caller what happened to the connection the frame travelled
// on, which decides whether it can go back to a pool.

// MalformedFrameError is returned when bytes on the wire do not form a valid
// frame: unknown magic, unknown data type, segment lengths that do not add up,
// or a body larger than the configured limit.
//
// The stream position is undefined afterwards.
//
// Connection handling: CLOSE connection immediately
type MalformedFrameError struct {
	Message string
	Err     error // Underlying error, if any
}

func (e *MalformedFrameError) Error() string {
	if e.Err != nil {
		return "malformed frame: " + e.Message + ": " + e.Err.Error()
	}
	return "malformed frame: " + e.Message
}

// Unwrap returns the underlying error for error chain inspection
func (e *MalformedFrameError) Unwrap() error {
	return e.Err
}

// ShouldCloseConnection returns true - the stream can not be resynchronized
func (e *MalformedFrameError) ShouldCloseConnection() bool {
	return true
}

// ConnectionError wraps underlying I/O errors from reading or writing frames.
//
// Common causes:
//   - Connection closed by the server (io.EOF)
//   - Network timeout (deadline exceeded)
//   - Connection reset
//
// Connection handling: Connection is already broken, CLOSE and potentially RECONNECT
type ConnectionError struct {
	Op  string // Operation that failed (read, write)
	Err error  // Underlying error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ShouldCloseConnection returns true - connection errors mean connection is broken
func (e *ConnectionError) ShouldCloseConnection() bool {
	return true
}

// InvalidKeyError is returned when a key fails validation.
// Nothing was written, so the connection is still usable.
//
// Common causes:
//   - Empty key
//   - Key exceeds 250 bytes
type InvalidKeyError struct {
	Message string
}

func (e *InvalidKeyError) Error() string {
	return "invalid key: " + e.Message
}

// ShouldCloseConnection returns false - the frame never reached the wire
func (e *InvalidKeyError) ShouldCloseConnection() bool {
	return false
}

// ErrorWithConnectionState is implemented by all error types of this package.
type ErrorWithConnectionState interface {
	error
	ShouldCloseConnection() bool
}

// ShouldCloseConnection reports whether err leaves the connection in an
// unusable state.
//
// Returns true for MalformedFrameError, ConnectionError and any error type
// that does not implement ErrorWithConnectionState. Returns false for
// InvalidKeyError and nil.
func ShouldCloseConnection(err error) bool {
	if err == nil {
		return false
	}

	var e ErrorWithConnectionState
	if errors.As(err, &e) {
		return e.ShouldCloseConnection()
	}

	// Unknown error type - be conservative and close connection
	return true
}
