package memcache

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/droot/bmemcache/internal/memcachetest"
	"github.com/droot/bmemcache/internal/testutils"
)

func createListener(t testing.TB, handler func(conn net.Conn)) string {
	// Start a simple test server
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start test server: %v", err)
	}

	t.Cleanup(func() {
		listener.Close()
	})

	// Accept connections in background
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			go func(c net.Conn) {
				defer c.Close()

				if handler != nil {
					handler(c)
				}
			}(conn)
		}
	}()

	return listener.Addr().String()
}

// silentResponder reads requests and never answers.
func silentResponder(conn net.Conn) {
	_, _ = io.Copy(io.Discard, conn)
}

// closedAddr returns an address nothing listens on.
func closedAddr(t testing.TB) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func mustParseAddress(t testing.TB, s string) ServerAddress {
	t.Helper()
	addr, err := ParseServerAddress(s)
	require.NoError(t, err)
	return addr
}

// newTestClient returns a client talking to the given fake servers.
func newTestClient(t testing.TB, config Config, servers ...*memcachetest.Server) *Client {
	t.Helper()

	addrs := make([]ServerAddress, 0, len(servers))
	for _, s := range servers {
		addrs = append(addrs, mustParseAddress(t, s.Addr()))
	}

	if config.Logger == nil {
		config.Logger = testLogger()
	}

	client, err := NewClient(NewStaticServers(addrs...), config)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// mockConstructor returns a constructor handing out connections over mocks
// built by newMock.
func mockConstructor(newMock func() *testutils.ConnectionMock) func(ctx context.Context) (*Connection, error) {
	return func(ctx context.Context) (*Connection, error) {
		return NewConnection(newMock()), nil
	}
}

func testContext(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
