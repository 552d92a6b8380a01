package testutils

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/droot/bmemcache/binprot"
)

// ConnectionMock is a mock implementation of net.Conn for testing.
// Reads return the scripted bytes, then ReadErr (io.EOF by default).
type ConnectionMock struct {
	mu       sync.Mutex
	readBuf  *bytes.Buffer
	writeBuf bytes.Buffer
	readErr  error
	writeErr error
	closed   bool
	deadline time.Time
}

// NewConnectionMock creates a new mock connection replying with the given
// frames, in order.
func NewConnectionMock(responses ...*binprot.Frame) *ConnectionMock {
	var buf bytes.Buffer
	for _, resp := range responses {
		b, err := binprot.Encode(resp)
		if err != nil {
			panic(err)
		}
		buf.Write(b)
	}
	return NewConnectionMockBytes(buf.Bytes())
}

// NewConnectionMockBytes creates a new mock connection replying with raw data.
func NewConnectionMockBytes(data []byte) *ConnectionMock {
	return &ConnectionMock{
		readBuf: bytes.NewBuffer(data),
		readErr: io.EOF,
	}
}

// FailReads makes reads fail with err once the scripted data is consumed.
func (m *ConnectionMock) FailReads(err error) *ConnectionMock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
	return m
}

// FailWrites makes every write fail with err.
func (m *ConnectionMock) FailWrites(err error) *ConnectionMock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
	return m
}

func (m *ConnectionMock) Read(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, net.ErrClosed
	}
	if m.readBuf.Len() == 0 {
		return 0, m.readErr
	}
	return m.readBuf.Read(b)
}

func (m *ConnectionMock) Write(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, net.ErrClosed
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.writeBuf.Write(b)
}

func (m *ConnectionMock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (m *ConnectionMock) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *ConnectionMock) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (m *ConnectionMock) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 11211}
}

func (m *ConnectionMock) SetDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline = t
	return nil
}

func (m *ConnectionMock) SetReadDeadline(t time.Time) error  { return m.SetDeadline(t) }
func (m *ConnectionMock) SetWriteDeadline(t time.Time) error { return m.SetDeadline(t) }

// Deadline returns the last deadline set on the connection.
func (m *ConnectionMock) Deadline() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deadline
}

// WrittenBytes returns the raw bytes written to the mock connection.
func (m *ConnectionMock) WrittenBytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.writeBuf.Bytes())
}

// WrittenFrames decodes the frames written to the mock connection.
func (m *ConnectionMock) WrittenFrames() ([]*binprot.Frame, error) {
	data := m.WrittenBytes()

	var frames []*binprot.Frame
	for len(data) > 0 {
		f, n, err := binprot.Decode(data, 0)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		data = data[n:]
	}
	return frames, nil
}
