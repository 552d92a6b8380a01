// Package memcachetest runs an in-process memcached speaking the binary
// protocol, for tests. It implements the commands used by the client and
// hooks to inject connection failures.
package memcachetest

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/droot/bmemcache/binprot"
)

// Version is returned by the version command.
const Version = "1.6.0-memcachetest"

const maxRelativeExpiration = 30 * 24 * 60 * 60

// item is never modified once stored, so readers need no lock.
type item struct {
	value     []byte
	flags     uint32
	cas       uint64
	expiresAt int64 // unix seconds, 0 for never
}

type Server struct {
	listener net.Listener
	logger   logrus.FieldLogger

	items *haxmap.Map[string, *item]

	// mu serializes writers so read-modify-write commands are atomic
	mu  sync.Mutex
	cas atomic.Uint64

	// items with a cas at or below flushedCAS were flushed
	flushedCAS atomic.Uint64

	dropNext atomic.Int32
	delay    atomic.Int64
	requests atomic.Int64
	accepted atomic.Int64

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewServer starts a server on a random local port. It is stopped when the
// test ends.
func NewServer(tb testing.TB) *Server {
	tb.Helper()

	s, err := Start()
	if err != nil {
		tb.Fatalf("memcachetest: %v", err)
	}
	tb.Cleanup(s.Close)
	return s
}

// Start starts a server on a random local port. The caller must Close it.
func Start() (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}

	s := &Server{
		listener: listener,
		logger:   logrus.StandardLogger().WithField("component", "memcachetest"),
		items:    haxmap.New[string, *item](),
		conns:    make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Addr returns the "host:port" the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close stops accepting, closes every connection and waits for handlers.
func (s *Server) Close() {
	if s.closed.Swap(true) {
		return
	}
	_ = s.listener.Close()
	s.CloseConnections()
	s.wg.Wait()
}

// DropNext makes the server close the connection, without answering, on
// each of the next n requests it reads.
func (s *Server) DropNext(n int) {
	s.dropNext.Store(int32(n))
}

// SetDelay makes the server wait d before answering each request.
func (s *Server) SetDelay(d time.Duration) {
	s.delay.Store(int64(d))
}

// CloseConnections closes every client connection; the server keeps
// accepting new ones.
func (s *Server) CloseConnections() {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	for conn := range s.conns {
		_ = conn.Close()
	}
}

// Requests is the number of requests read so far.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// Connections is the number of connections accepted so far.
func (s *Server) Connections() int64 {
	return s.accepted.Load()
}

// Lookup returns the stored payload and flags of key.
func (s *Server) Lookup(key string) ([]byte, uint32, bool) {
	it, ok := s.lookup(key)
	if !ok {
		return nil, 0, false
	}
	return it.value, it.flags, true
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)

		s.connMu.Lock()
		if s.closed.Load() {
			s.connMu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		req, err := binprot.ReadFrame(r, 0)
		if err != nil {
			var connErr *binprot.ConnectionError
			if !errors.As(err, &connErr) {
				s.logger.WithError(err).Debug("memcachetest: closing connection on malformed request")
			}
			return
		}
		s.requests.Add(1)

		if !req.IsRequest() || s.consumeDrop() {
			return
		}

		if d := s.delay.Load(); d > 0 {
			time.Sleep(time.Duration(d))
		}

		if resp := s.handle(req); resp != nil {
			if err := binprot.WriteFrame(w, resp); err != nil {
				return
			}
		}

		if req.Opcode == binprot.OpQuit {
			return
		}
	}
}

func (s *Server) consumeDrop() bool {
	for {
		n := s.dropNext.Load()
		if n <= 0 {
			return false
		}
		if s.dropNext.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (s *Server) handle(req *binprot.Frame) *binprot.Frame {
	switch req.Opcode {
	case binprot.OpGet, binprot.OpGetQ, binprot.OpGetK, binprot.OpGetKQ:
		return s.get(req)
	case binprot.OpSet, binprot.OpAdd, binprot.OpReplace:
		return s.store(req)
	case binprot.OpDelete:
		return s.delete(req)
	case binprot.OpIncrement, binprot.OpDecrement:
		return s.counter(req)
	case binprot.OpAppend, binprot.OpPrepend:
		return s.concat(req)
	case binprot.OpTouch:
		return s.touch(req)
	case binprot.OpFlush:
		s.flushedCAS.Store(s.cas.Load())
		return binprot.NewResponse(req, binprot.StatusNoError)
	case binprot.OpNoOp, binprot.OpQuit:
		return binprot.NewResponse(req, binprot.StatusNoError)
	case binprot.OpVersion:
		resp := binprot.NewResponse(req, binprot.StatusNoError)
		resp.Value = []byte(Version)
		return resp
	}
	return errorResponse(req, binprot.StatusUnknownCommand, "Unknown command")
}

func errorResponse(req *binprot.Frame, status binprot.Status, msg string) *binprot.Frame {
	resp := binprot.NewResponse(req, status)
	resp.Value = []byte(msg)
	return resp
}

func (s *Server) lookup(key string) (*item, bool) {
	it, ok := s.items.Get(key)
	if !ok || it.cas <= s.flushedCAS.Load() {
		return nil, false
	}
	if it.expiresAt != 0 && time.Now().Unix() >= it.expiresAt {
		return nil, false
	}
	return it, true
}

// put stores it with a new cas. Must be called with mu held.
func (s *Server) put(key string, it *item) uint64 {
	it.cas = s.cas.Add(1)
	s.items.Set(key, it)
	return it.cas
}

func expiresAt(exp uint32) int64 {
	switch {
	case exp == 0:
		return 0
	case exp <= maxRelativeExpiration:
		return time.Now().Unix() + int64(exp)
	}
	return int64(exp)
}

func (s *Server) get(req *binprot.Frame) *binprot.Frame {
	quiet := req.Opcode == binprot.OpGetQ || req.Opcode == binprot.OpGetKQ
	withKey := req.Opcode == binprot.OpGetK || req.Opcode == binprot.OpGetKQ

	if len(req.Key) == 0 || len(req.Extras) > 0 {
		return errorResponse(req, binprot.StatusInvalidArguments, "Invalid arguments")
	}

	it, ok := s.lookup(string(req.Key))
	if !ok {
		if quiet {
			return nil
		}
		return errorResponse(req, binprot.StatusKeyNotFound, "Not found")
	}

	resp := binprot.NewResponse(req, binprot.StatusNoError)
	resp.Extras = binprot.FlagsExtras(it.flags)
	resp.Value = it.value
	resp.CAS = it.cas
	if withKey {
		resp.Key = req.Key
	}
	return resp
}

func (s *Server) store(req *binprot.Frame) *binprot.Frame {
	flags, exp, err := binprot.ParseStorageExtras(req.Extras)
	if err != nil || len(req.Key) == 0 {
		return errorResponse(req, binprot.StatusInvalidArguments, "Invalid arguments")
	}
	key := string(req.Key)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found := s.lookup(key)
	switch {
	case req.Opcode == binprot.OpAdd && found:
		return errorResponse(req, binprot.StatusKeyExists, "Data exists for key.")
	case req.Opcode == binprot.OpReplace && !found:
		return errorResponse(req, binprot.StatusKeyNotFound, "Not found")
	case req.CAS != 0 && !found:
		return errorResponse(req, binprot.StatusKeyNotFound, "Not found")
	case req.CAS != 0 && existing.cas != req.CAS:
		return errorResponse(req, binprot.StatusKeyExists, "Data exists for key.")
	}

	resp := binprot.NewResponse(req, binprot.StatusNoError)
	resp.CAS = s.put(key, &item{
		value:     append([]byte(nil), req.Value...),
		flags:     flags,
		expiresAt: expiresAt(exp),
	})
	return resp
}

func (s *Server) delete(req *binprot.Frame) *binprot.Frame {
	key := string(req.Key)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found := s.lookup(key)
	if !found {
		return errorResponse(req, binprot.StatusKeyNotFound, "Not found")
	}
	if req.CAS != 0 && existing.cas != req.CAS {
		return errorResponse(req, binprot.StatusKeyExists, "Data exists for key.")
	}

	s.items.Del(key)
	return binprot.NewResponse(req, binprot.StatusNoError)
}

func (s *Server) counter(req *binprot.Frame) *binprot.Frame {
	delta, initial, exp, err := binprot.ParseCounterExtras(req.Extras)
	if err != nil || len(req.Key) == 0 {
		return errorResponse(req, binprot.StatusInvalidArguments, "Invalid arguments")
	}
	key := string(req.Key)

	s.mu.Lock()
	defer s.mu.Unlock()

	var next uint64
	var flags uint32
	expires := int64(0)

	existing, found := s.lookup(key)
	switch {
	case !found && exp == binprot.NoAutoCreate:
		return errorResponse(req, binprot.StatusKeyNotFound, "Not found")
	case !found:
		next = initial
		expires = expiresAt(exp)
	default:
		current, err := strconv.ParseUint(string(existing.value), 10, 64)
		if err != nil {
			return errorResponse(req, binprot.StatusNonNumericValue, "Non-numeric server-side value for incr or decr")
		}
		switch {
		case req.Opcode == binprot.OpIncrement:
			next = current + delta
		case delta > current:
			next = 0
		default:
			next = current - delta
		}
		flags = existing.flags
		expires = existing.expiresAt
	}

	resp := binprot.NewResponse(req, binprot.StatusNoError)
	resp.CAS = s.put(key, &item{
		value:     strconv.AppendUint(nil, next, 10),
		flags:     flags,
		expiresAt: expires,
	})
	resp.Value = binprot.CounterValue(next)
	return resp
}

func (s *Server) concat(req *binprot.Frame) *binprot.Frame {
	key := string(req.Key)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found := s.lookup(key)
	if !found {
		return errorResponse(req, binprot.StatusItemNotStored, "Not stored.")
	}

	value := make([]byte, 0, len(existing.value)+len(req.Value))
	if req.Opcode == binprot.OpAppend {
		value = append(append(value, existing.value...), req.Value...)
	} else {
		value = append(append(value, req.Value...), existing.value...)
	}

	resp := binprot.NewResponse(req, binprot.StatusNoError)
	resp.CAS = s.put(key, &item{value: value, flags: existing.flags, expiresAt: existing.expiresAt})
	return resp
}

func (s *Server) touch(req *binprot.Frame) *binprot.Frame {
	exp, err := binprot.ParseExpirationExtras(req.Extras)
	if err != nil || len(req.Key) == 0 {
		return errorResponse(req, binprot.StatusInvalidArguments, "Invalid arguments")
	}
	key := string(req.Key)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found := s.lookup(key)
	if !found {
		return errorResponse(req, binprot.StatusKeyNotFound, "Not found")
	}

	resp := binprot.NewResponse(req, binprot.StatusNoError)
	resp.CAS = s.put(key, &item{value: existing.value, flags: existing.flags, expiresAt: expiresAt(exp)})
	return resp
}
