package memcache

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/droot/bmemcache/binprot"
)

var (
	// ErrConnectFailed means no connection could be opened to the server,
	// because it refused, did not answer in time or the address did not
	// resolve.
	ErrConnectFailed = errors.New("memcache: connect failed")

	// ErrConnectionLost means an established connection failed during a
	// request. The request was retried once before this surfaced.
	ErrConnectionLost = errors.New("memcache: connection lost")

	// ErrTimeout means the operation deadline expired while waiting for a
	// pooled connection or for the server's response.
	ErrTimeout = errors.New("memcache: timeout")

	// ErrMalformedFrame means the server sent bytes that are not a valid
	// response to the request.
	ErrMalformedFrame = errors.New("memcache: malformed frame")

	ErrKeyNotFound   = errors.New("memcache: key not found")
	ErrStoreFailed   = errors.New("memcache: store failed")
	ErrNotStored     = errors.New("memcache: item not stored")
	ErrValueTooLarge = errors.New("memcache: value too large")
	ErrNonNumeric    = errors.New("memcache: value is not numeric")

	ErrPoolClosed     = errors.New("memcache: pool closed")
	ErrClientClosed   = errors.New("memcache: client closed")
	ErrNoServers      = errors.New("memcache: no servers available")
	ErrInvalidAddress = errors.New("memcache: invalid address")
)

// NetError is a transport failure. Kind is one of ErrConnectFailed,
// ErrConnectionLost, ErrTimeout or ErrMalformedFrame; errors.Is matches both
// Kind and the underlying cause.
type NetError struct {
	Kind error
	Op   string
	Addr string
	Err  error
}

func (e *NetError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s %s", e.Kind, e.Op, e.Addr)
	}
	return fmt.Sprintf("%v: %s %s: %v", e.Kind, e.Op, e.Addr, e.Err)
}

func (e *NetError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Timeout reports whether the failure was a deadline, for net.Error callers.
func (e *NetError) Timeout() bool {
	return e.Kind == ErrTimeout
}

// StatusError is a non-success status returned by the server. The request
// reached the server and the connection stays healthy.
type StatusError struct {
	Op      binprot.Opcode
	Key     string
	Status  binprot.Status
	Message string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Status.String()
	}
	if e.Key == "" {
		return fmt.Sprintf("memcache: %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("memcache: %s %q: %s", e.Op, e.Key, msg)
}

// Unwrap maps the status onto the package sentinel errors.
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case binprot.StatusKeyNotFound:
		return ErrKeyNotFound
	case binprot.StatusKeyExists, binprot.StatusItemNotStored:
		return ErrNotStored
	case binprot.StatusValueTooLarge:
		return ErrValueTooLarge
	case binprot.StatusNonNumericValue:
		return ErrNonNumeric
	}
	return nil
}

// Is makes every rejection of a storage command match ErrStoreFailed.
func (e *StatusError) Is(target error) bool {
	if target != ErrStoreFailed {
		return false
	}
	return isStorageOp(e.Op) && e.Status != binprot.StatusNoError
}

func isStorageOp(op binprot.Opcode) bool {
	switch op {
	case binprot.OpSet, binprot.OpAdd, binprot.OpReplace, binprot.OpAppend, binprot.OpPrepend:
		return true
	}
	return false
}

func statusError(req *binprot.Frame, resp *binprot.Frame) *StatusError {
	return &StatusError{
		Op:      req.Opcode,
		Key:     string(req.Key),
		Status:  resp.Status,
		Message: string(resp.Value),
	}
}

// isRetryable reports whether a failed request may be sent again on another
// connection: only a lost connection qualifies.
func isRetryable(err error) bool {
	return errors.Is(err, ErrConnectionLost)
}
