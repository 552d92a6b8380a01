package memcache

import (
	"context"
	"testing"
	"time"

	"github.com/droot/bmemcache/binprot"
	"github.com/droot/bmemcache/internal/testutils"
)

func TestPoolStats_ChannelPool(t *testing.T) {
	pool, err := NewChannelPool(mockConstructor(func() *testutils.ConnectionMock {
		return testutils.NewConnectionMock()
	}), 5)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	ctx := context.Background()

	// Initial stats should be zero
	stats := pool.Stats()
	if stats.TotalConns != 0 {
		t.Errorf("Expected TotalConns=0, got %d", stats.TotalConns)
	}
	if stats.AcquireCount != 0 {
		t.Errorf("Expected AcquireCount=0, got %d", stats.AcquireCount)
	}

	// Acquire a connection
	res, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	stats = pool.Stats()
	if stats.TotalConns != 1 {
		t.Errorf("Expected TotalConns=1, got %d", stats.TotalConns)
	}
	if stats.ActiveConns != 1 {
		t.Errorf("Expected ActiveConns=1, got %d", stats.ActiveConns)
	}
	if stats.IdleConns != 0 {
		t.Errorf("Expected IdleConns=0, got %d", stats.IdleConns)
	}
	if stats.CreatedConns != 1 {
		t.Errorf("Expected CreatedConns=1, got %d", stats.CreatedConns)
	}

	// Release the connection
	res.Release()

	stats = pool.Stats()
	if stats.ActiveConns != 0 {
		t.Errorf("Expected ActiveConns=0, got %d", stats.ActiveConns)
	}
	if stats.IdleConns != 1 {
		t.Errorf("Expected IdleConns=1, got %d", stats.IdleConns)
	}

	// Acquire again (should reuse existing connection)
	res, err = pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	stats = pool.Stats()
	if stats.AcquireCount != 2 {
		t.Errorf("Expected AcquireCount=2, got %d", stats.AcquireCount)
	}
	if stats.CreatedConns != 1 {
		t.Errorf("Expected CreatedConns=1 (reused), got %d", stats.CreatedConns)
	}

	// Destroy the connection
	res.Destroy()

	stats = pool.Stats()
	if stats.TotalConns != 0 {
		t.Errorf("Expected TotalConns=0, got %d", stats.TotalConns)
	}
	if stats.DestroyedConns != 1 {
		t.Errorf("Expected DestroyedConns=1, got %d", stats.DestroyedConns)
	}
}

func TestPoolStats_AcquireWait(t *testing.T) {
	pool, err := NewChannelPool(mockConstructor(func() *testutils.ConnectionMock {
		return testutils.NewConnectionMock()
	}), 1)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	res, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		res.Release()
	}()

	waited, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer waited.Release()

	stats := pool.Stats()
	if stats.AcquireWaitCount != 1 {
		t.Errorf("Expected AcquireWaitCount=1, got %d", stats.AcquireWaitCount)
	}
	if time.Duration(stats.AcquireWaitTimeNs) < 10*time.Millisecond {
		t.Errorf("Expected AcquireWaitTimeNs of at least 10ms, got %v", time.Duration(stats.AcquireWaitTimeNs))
	}
}

func TestPoolStats_AcquireErrors(t *testing.T) {
	pool, err := NewChannelPool(func(ctx context.Context) (*Connection, error) {
		return nil, ErrConnectFailed
	}, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	if _, err := pool.Acquire(context.Background()); err != ErrConnectFailed {
		t.Fatalf("Expected ErrConnectFailed, got %v", err)
	}

	stats := pool.Stats()
	if stats.AcquireErrors != 1 {
		t.Errorf("Expected AcquireErrors=1, got %d", stats.AcquireErrors)
	}
	if stats.TotalConns != 0 {
		t.Errorf("Expected TotalConns=0, got %d", stats.TotalConns)
	}
}

func TestClientStats_PoolStats(t *testing.T) {
	setResponse := &binprot.Frame{
		Magic:  binprot.MagicResponse,
		Opcode: binprot.OpSet,
		Opaque: 1,
		CAS:    1,
	}

	servers, err := ParseServers("localhost:11211")
	if err != nil {
		t.Fatal(err)
	}
	client, err := NewClient(servers, Config{
		MaxSize: 5,
		Logger:  testLogger(),
		constructor: mockConstructor(func() *testutils.ConnectionMock {
			return testutils.NewConnectionMock(setResponse)
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	// Perform some operations to create connections
	if err := client.Set(context.Background(), "key1", "value1"); err != nil {
		t.Fatal(err)
	}

	// Check pool stats
	allPoolStats := client.AllPoolStats()
	if len(allPoolStats) != 1 {
		t.Fatalf("Expected 1 pool, got %d", len(allPoolStats))
	}
	if allPoolStats[0].Addr.String() != "localhost:11211" {
		t.Errorf("Expected Addr=localhost:11211, got %s", allPoolStats[0].Addr)
	}
	poolStats := allPoolStats[0].PoolStats
	if poolStats.TotalConns != 1 {
		t.Errorf("Expected TotalConns=1, got %d", poolStats.TotalConns)
	}
	if poolStats.IdleConns != 1 {
		t.Errorf("Expected IdleConns=1, got %d", poolStats.IdleConns)
	}
	if poolStats.CreatedConns != 1 {
		t.Errorf("Expected CreatedConns=1, got %d", poolStats.CreatedConns)
	}
}
