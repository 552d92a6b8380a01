package memcache

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droot/bmemcache/binprot"
)

func newTestBreaker(t *testing.T) (*CircuitBreaker, *test.Hook) {
	t.Helper()

	logger, hook := test.NewNullLogger()
	cb := NewCircuitBreakerConfig(1, time.Minute, 50*time.Millisecond)(mustParseAddress(t, "127.0.0.1:11211"), logger)
	require.NotNil(t, cb)
	return cb, hook
}

func transportFailure() (*binprot.Frame, error) {
	return nil, &NetError{Kind: ErrConnectionLost, Op: "receive", Addr: "127.0.0.1:11211", Err: errors.New("reset")}
}

func TestCircuitBreaker_Execute_Success(t *testing.T) {
	cb, _ := newTestBreaker(t)
	require.Equal(t, "127.0.0.1:11211", cb.Name())

	result, err := cb.Execute(func() (*binprot.Frame, error) {
		return &binprot.Frame{Status: binprot.StatusNoError}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, binprot.StatusNoError, result.Status)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestCircuitBreaker_TripsOnTransportFailures(t *testing.T) {
	cb, hook := newTestBreaker(t)

	// First few failures should keep circuit closed
	for iter := 0; iter < 2; iter++ {
		_, err := cb.Execute(transportFailure)
		require.ErrorIs(t, err, ErrConnectionLost)
		assert.Equal(t, gobreaker.StateClosed, cb.State())
	}

	// Third failure should open the circuit
	_, err := cb.Execute(transportFailure)
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err = cb.Execute(func() (*binprot.Frame, error) {
		t.Fatal("open breaker must not run the request")
		return nil, nil
	})
	require.ErrorIs(t, err, gobreaker.ErrOpenState)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "closed", entry.Data["from"])
	assert.Equal(t, "open", entry.Data["to"])
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cb, _ := newTestBreaker(t)

	for iter := 0; iter < 3; iter++ {
		_, _ = cb.Execute(transportFailure)
	}
	require.Equal(t, gobreaker.StateOpen, cb.State())

	require.Eventually(t, func() bool {
		return cb.State() == gobreaker.StateHalfOpen
	}, time.Second, 5*time.Millisecond)

	_, err := cb.Execute(func() (*binprot.Frame, error) {
		return &binprot.Frame{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestCircuitBreaker_IgnoresNonTransportErrors(t *testing.T) {
	cb, hook := newTestBreaker(t)

	errs := []error{
		&StatusError{Op: binprot.OpGet, Key: "k", Status: binprot.StatusKeyNotFound},
		errors.WithMessage(context.Canceled, "memcache: receive"),
		&binprot.InvalidKeyError{Message: "key is empty"},
	}
	for iter := 0; iter < 3; iter++ {
		for _, failure := range errs {
			_, err := cb.Execute(func() (*binprot.Frame, error) { return nil, failure })
			require.Error(t, err)
		}
	}

	assert.Equal(t, gobreaker.StateClosed, cb.State())
	assert.Equal(t, uint32(0), cb.Counts().TotalFailures)
	assert.Empty(t, hook.AllEntries())
}

func TestIsBreakerSuccess(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"status", &StatusError{Op: binprot.OpGet, Status: binprot.StatusKeyNotFound}, true},
		{"canceled", errors.WithMessage(context.Canceled, "memcache: receive"), true},
		{"pool saturated", &NetError{Kind: ErrTimeout, Op: opAcquire, Err: context.DeadlineExceeded}, true},
		{"dial", &NetError{Kind: ErrConnectFailed, Op: "dial"}, false},
		{"receive timeout", &NetError{Kind: ErrTimeout, Op: "receive"}, false},
		{"connection lost", &NetError{Kind: ErrConnectionLost, Op: "send"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isBreakerSuccess(tt.err))
		})
	}
}

func TestCircuitBreakerState_String(t *testing.T) {
	tests := []struct {
		state    gobreaker.State
		expected string
	}{
		{gobreaker.StateClosed, "closed"},
		{gobreaker.StateHalfOpen, "half-open"},
		{gobreaker.StateOpen, "open"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestAllPoolStats_WithCircuitBreaker(t *testing.T) {
	servers, err := ParseServers(closedAddr(t), closedAddr(t))
	require.NoError(t, err)

	client, err := NewClient(servers, Config{
		MaxSize:           2,
		NewCircuitBreaker: NewCircuitBreakerConfig(1, time.Minute, time.Minute),
		Logger:            testLogger(),
	})
	require.NoError(t, err)
	defer client.Close()

	// fails to connect, but creates the pools
	require.Error(t, client.Ping(testContext(t)))

	stats := client.AllPoolStats()
	require.Len(t, stats, 2)
	for _, s := range stats {
		assert.Equal(t, gobreaker.StateClosed, s.CircuitBreakerState)
		assert.Equal(t, uint32(1), s.CircuitBreakerCounts.TotalFailures)
	}
}
