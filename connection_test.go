package memcache

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droot/bmemcache/binprot"
	"github.com/droot/bmemcache/internal/testutils"
)

func checkedOut(t *testing.T, mock *testutils.ConnectionMock) *Connection {
	t.Helper()
	conn := NewConnection(mock)
	require.NoError(t, conn.checkout())
	return conn
}

func getResponse(opaque uint32, value string) *binprot.Frame {
	return &binprot.Frame{
		Magic:  binprot.MagicResponse,
		Opcode: binprot.OpGet,
		Opaque: opaque,
		CAS:    7,
		Extras: binprot.FlagsExtras(0),
		Value:  []byte(value),
	}
}

func TestConnectionRoundTrip(t *testing.T) {
	mock := testutils.NewConnectionMock(getResponse(1, "arora"), getResponse(2, "again"))
	conn := checkedOut(t, mock)

	resp, err := conn.RoundTrip(context.Background(), binprot.NewRequest(binprot.OpGet, "sunil", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, []byte("arora"), resp.Value)
	assert.Equal(t, uint64(7), resp.CAS)

	resp, err = conn.RoundTrip(context.Background(), binprot.NewRequest(binprot.OpGet, "sunil", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, []byte("again"), resp.Value)

	frames, err := mock.WrittenFrames()
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, uint32(1), frames[0].Opaque)
	assert.Equal(t, uint32(2), frames[1].Opaque)
	assert.Equal(t, []byte("sunil"), frames[0].Key)
	assert.Equal(t, ConnInUse, conn.State())
}

func TestConnectionSendReceive(t *testing.T) {
	mock := testutils.NewConnectionMock(&binprot.Frame{Magic: binprot.MagicResponse, Opcode: binprot.OpNoOp})
	conn := checkedOut(t, mock)

	require.NoError(t, conn.Send(context.Background(), binprot.NewRequest(binprot.OpNoOp, "", nil, nil)))
	resp, err := conn.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, binprot.OpNoOp, resp.Opcode)
}

func TestConnectionRequiresCheckout(t *testing.T) {
	conn := NewConnection(testutils.NewConnectionMock())
	require.Equal(t, ConnIdle, conn.State())

	_, err := conn.RoundTrip(context.Background(), binprot.NewRequest(binprot.OpNoOp, "", nil, nil))
	require.ErrorIs(t, err, errConnNotInUse)

	require.ErrorIs(t, conn.Send(context.Background(), binprot.NewRequest(binprot.OpNoOp, "", nil, nil)), errConnNotInUse)
}

func TestConnectionCheckoutTwicePanics(t *testing.T) {
	conn := NewConnection(testutils.NewConnectionMock())
	require.NoError(t, conn.checkout())
	require.Panics(t, func() { _ = conn.checkout() })

	require.True(t, conn.checkin())
	require.False(t, conn.checkin(), "already idle")
}

func TestConnectionCheckoutClosed(t *testing.T) {
	conn := NewConnection(testutils.NewConnectionMock())
	require.NoError(t, conn.Close())
	require.Error(t, conn.checkout())
}

func TestConnectionFailures(t *testing.T) {
	tests := []struct {
		name string
		mock func() *testutils.ConnectionMock
		kind error
	}{
		{
			name: "eof",
			mock: func() *testutils.ConnectionMock { return testutils.NewConnectionMock() },
			kind: ErrConnectionLost,
		},
		{
			name: "truncated response",
			mock: func() *testutils.ConnectionMock {
				b, _ := binprot.Encode(getResponse(1, "arora"))
				return testutils.NewConnectionMockBytes(b[:len(b)-2])
			},
			kind: ErrConnectionLost,
		},
		{
			name: "write failure",
			mock: func() *testutils.ConnectionMock {
				return testutils.NewConnectionMock().FailWrites(io.ErrClosedPipe)
			},
			kind: ErrConnectionLost,
		},
		{
			name: "opaque mismatch",
			mock: func() *testutils.ConnectionMock { return testutils.NewConnectionMock(getResponse(99, "x")) },
			kind: ErrMalformedFrame,
		},
		{
			name: "garbage",
			mock: func() *testutils.ConnectionMock {
				return testutils.NewConnectionMockBytes([]byte("VALUE foo 0 3\r\nbar\r\nEND\r\n"))
			},
			kind: ErrMalformedFrame,
		},
		{
			name: "request magic",
			mock: func() *testutils.ConnectionMock {
				return testutils.NewConnectionMock(&binprot.Frame{Magic: binprot.MagicRequest, Opcode: binprot.OpGet, Opaque: 1})
			},
			kind: ErrMalformedFrame,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := tt.mock()
			conn := checkedOut(t, mock)

			_, err := conn.RoundTrip(context.Background(), binprot.NewRequest(binprot.OpGet, "key", nil, nil))
			require.ErrorIs(t, err, tt.kind)

			var netErr *NetError
			require.ErrorAs(t, err, &netErr)
			assert.Equal(t, "127.0.0.1:11211", netErr.Addr)

			assert.Equal(t, ConnClosed, conn.State())
			assert.True(t, mock.IsClosed())
		})
	}
}

func TestConnectionInvalidRequestKeepsConnection(t *testing.T) {
	mock := testutils.NewConnectionMock()
	conn := checkedOut(t, mock)

	_, err := conn.RoundTrip(context.Background(), binprot.NewRequest(binprot.OpGet, string(make([]byte, 251)), nil, nil))

	var keyErr *binprot.InvalidKeyError
	require.ErrorAs(t, err, &keyErr)
	require.Equal(t, ConnInUse, conn.State())
	require.Empty(t, mock.WrittenBytes())
}

func TestConnectionAppliesDeadline(t *testing.T) {
	mock := testutils.NewConnectionMock(getResponse(1, "v"))
	conn := checkedOut(t, mock)

	deadline := time.Now().Add(time.Minute)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	_, err := conn.RoundTrip(ctx, binprot.NewRequest(binprot.OpGet, "k", nil, nil))
	require.NoError(t, err)
	require.True(t, mock.Deadline().Equal(deadline))
}

func TestConnectionTimeout(t *testing.T) {
	addr := createListener(t, silentResponder)

	conn, err := Dial(context.Background(), nil, addr)
	require.NoError(t, err)
	require.NoError(t, conn.checkout())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = conn.RoundTrip(ctx, binprot.NewRequest(binprot.OpGet, "k", nil, nil))
	require.ErrorIs(t, err, ErrTimeout)
	require.NotErrorIs(t, err, ErrConnectionLost)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, ConnClosed, conn.State())
}

func TestConnectionCancel(t *testing.T) {
	addr := createListener(t, silentResponder)

	conn, err := Dial(context.Background(), nil, addr)
	require.NoError(t, err)
	require.NoError(t, conn.checkout())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err = conn.RoundTrip(ctx, binprot.NewRequest(binprot.OpGet, "k", nil, nil))
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, isRetryable(err))
	require.Equal(t, ConnClosed, conn.State())
}

func TestDialConnectFailed(t *testing.T) {
	_, err := Dial(context.Background(), nil, closedAddr(t))
	require.ErrorIs(t, err, ErrConnectFailed)
	require.False(t, isRetryable(err))
}

func TestConnectionCloseSendsQuit(t *testing.T) {
	mock := testutils.NewConnectionMock()
	conn := NewConnection(mock)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close(), "second close is a no-op")

	frames, err := mock.WrittenFrames()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, binprot.OpQuit, frames[0].Opcode)
	require.True(t, mock.IsClosed())
}
