package memcache

import (
	"bufio"
	"context"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/droot/bmemcache/binprot"
)

// ConnState is the lifecycle state of a Connection.
type ConnState int32

const (
	ConnIdle ConnState = iota
	ConnInUse
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnInUse:
		return "in-use"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

var (
	errConnNotInUse = errors.New("memcache: connection is not checked out")

	// aLongTimeAgo is a deadline in the past, used to interrupt blocking I/O.
	aLongTimeAgo = time.Unix(1, 0)
)

const quitTimeout = 100 * time.Millisecond

// Connection is one socket to one server. It carries at most one request at a
// time and is only used by the goroutine that checked it out of a pool.
type Connection struct {
	addr   string
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	state   atomic.Int32
	opaque  uint32
	maxBody uint32
}

// Dial opens a connection to addr. Any failure, including the dialer's own
// timeout, is reported as ErrConnectFailed.
func Dial(ctx context.Context, dialer *net.Dialer, addr string) (*Connection, error) {
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &NetError{Kind: ErrConnectFailed, Op: "dial", Addr: addr, Err: err}
	}

	return NewConnection(netConn), nil
}

// NewConnection wraps an open socket. The connection starts idle.
func NewConnection(netConn net.Conn) *Connection {
	addr := ""
	if ra := netConn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}

	return &Connection{
		addr:    addr,
		conn:    netConn,
		reader:  bufio.NewReader(netConn),
		writer:  bufio.NewWriter(netConn),
		maxBody: binprot.DefaultMaxBodyLength,
	}
}

func (c *Connection) Addr() string {
	return c.addr
}

func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// checkout moves an idle connection to in-use. Finding it already in use means
// it was handed to two callers at once, which is a bug in the pool.
func (c *Connection) checkout() error {
	if c.state.CompareAndSwap(int32(ConnIdle), int32(ConnInUse)) {
		return nil
	}

	state := c.State()
	if state == ConnInUse {
		panic("memcache: connection checked out twice")
	}
	return errors.Errorf("memcache: checkout of %s connection", state)
}

// checkin moves an in-use connection back to idle. It reports false when the
// connection was closed meanwhile and must not be reused.
func (c *Connection) checkin() bool {
	return c.state.CompareAndSwap(int32(ConnInUse), int32(ConnIdle))
}

// Send writes one request frame. The connection must be checked out.
func (c *Connection) Send(ctx context.Context, req *binprot.Frame) error {
	if c.State() != ConnInUse {
		return errConnNotInUse
	}

	stop := c.watch(ctx)
	err := c.send(ctx, req)
	return c.unwatch(stop, err)
}

// Receive blocks until one response frame arrived, the context is done or
// the connection failed. The connection must be checked out.
func (c *Connection) Receive(ctx context.Context) (*binprot.Frame, error) {
	if c.State() != ConnInUse {
		return nil, errConnNotInUse
	}

	stop := c.watch(ctx)
	resp, err := c.receive(ctx)
	return resp, c.unwatch(stop, err)
}

// RoundTrip sends req and waits for its response. The request gets a fresh
// opaque; a response that does not echo it, or the opcode, is malformed.
func (c *Connection) RoundTrip(ctx context.Context, req *binprot.Frame) (*binprot.Frame, error) {
	if c.State() != ConnInUse {
		return nil, errConnNotInUse
	}

	c.opaque++
	req.Opaque = c.opaque

	stop := c.watch(ctx)

	err := c.send(ctx, req)
	if err != nil {
		return nil, c.unwatch(stop, err)
	}

	resp, err := c.receive(ctx)
	if err == nil && (resp.Opaque != req.Opaque || resp.Opcode != req.Opcode) {
		err = c.fail(ctx, "receive", &binprot.MalformedFrameError{
			Message: "response does not match request " + req.Opcode.String(),
		})
	}
	if err != nil {
		return nil, c.unwatch(stop, err)
	}

	return resp, c.unwatch(stop, nil)
}

func (c *Connection) send(ctx context.Context, req *binprot.Frame) error {
	err := binprot.WriteFrame(c.writer, req)
	if err == nil {
		return nil
	}

	// encoding errors are detected before any byte is written
	var connErr *binprot.ConnectionError
	if !errors.As(err, &connErr) {
		return err
	}
	return c.fail(ctx, "send", err)
}

func (c *Connection) receive(ctx context.Context) (*binprot.Frame, error) {
	resp, err := binprot.ReadFrame(c.reader, c.maxBody)
	if err != nil {
		return nil, c.fail(ctx, "receive", err)
	}
	if !resp.IsResponse() {
		return nil, c.fail(ctx, "receive", &binprot.MalformedFrameError{Message: "request magic in response"})
	}
	return resp, nil
}

// watch applies the context deadline to the socket and interrupts blocking
// I/O when the context is done.
func (c *Connection) watch(ctx context.Context) func() bool {
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetDeadline(deadline)

	return context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(aLongTimeAgo)
	})
}

// unwatch detaches the context. If the context fired after a successful
// operation, the socket deadline is poisoned and the connection is retired.
func (c *Connection) unwatch(stop func() bool, err error) error {
	if !stop() && err == nil {
		c.markClosed()
	}
	return err
}

// fail closes the connection after an I/O or framing error and classifies the
// error for the caller.
func (c *Connection) fail(ctx context.Context, op string, err error) error {
	c.markClosed()

	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		return errors.WithMessagef(ctxErr, "memcache: %s %s", op, c.addr)
	}

	var malformed *binprot.MalformedFrameError
	switch {
	case errors.As(err, &malformed):
		return &NetError{Kind: ErrMalformedFrame, Op: op, Addr: c.addr, Err: err}
	case isTimeout(ctx, err):
		return &NetError{Kind: ErrTimeout, Op: op, Addr: c.addr, Err: err}
	}
	return &NetError{Kind: ErrConnectionLost, Op: op, Addr: c.addr, Err: err}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Connection) markClosed() {
	if ConnState(c.state.Swap(int32(ConnClosed))) != ConnClosed {
		_ = c.conn.Close()
	}
}

// Close sends a best effort quit and closes the socket.
func (c *Connection) Close() error {
	if ConnState(c.state.Swap(int32(ConnClosed))) == ConnClosed {
		return nil
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(quitTimeout))
	_ = binprot.WriteFrame(c.writer, binprot.NewRequest(binprot.OpQuit, "", nil, nil))

	return c.conn.Close()
}
