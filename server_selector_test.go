package memcache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func testServers(n int) []ServerAddress {
	servers := make([]ServerAddress, n)
	for i := range servers {
		servers[i] = ServerAddress{Host: fmt.Sprintf("10.0.0.%d", i+1), Port: DefaultPort}
	}
	return servers
}

var selectors = map[string]ServerSelector{
	"jump":       DefaultServerSelector,
	"rendezvous": RendezvousServerSelector,
}

func TestServerSelectors(t *testing.T) {
	for name, selector := range selectors {
		t.Run(name, func(t *testing.T) {
			t.Run("consistency", func(t *testing.T) {
				servers := testServers(10)
				first := selector("test-key-123", servers)
				for iter := 0; iter < 5; iter++ {
					require.Equal(t, first, selector("test-key-123", servers))
				}
			})

			t.Run("bounds", func(t *testing.T) {
				// Returned index should always be within valid range
				keys := []string{"key1", "key2", "key3", "long-key-with-many-characters"}
				serverCounts := []int{1, 2, 5, 10, 100}

				for _, key := range keys {
					for _, count := range serverCounts {
						result := selector(key, testServers(count))
						require.True(t, result >= 0 && result < count, "out of bounds: key=%s, serverCount=%d, result=%d", key, count, result)
					}
				}
			})

			t.Run("distribution", func(t *testing.T) {
				// Keys should be distributed across servers (not all going to one server)
				servers := testServers(10)
				distribution := make(map[int]int)

				for i := 0; i < 100; i++ {
					distribution[selector(fmt.Sprintf("key-%d", i), servers)]++
				}

				// At least 5 servers should have keys (reasonable distribution)
				require.True(t, len(distribution) >= 5, "poor distribution: only %d servers used out of %d", len(distribution), len(servers))

				// No server should have more than 30% of keys (reasonable balance)
				for server, count := range distribution {
					require.True(t, count <= 30, "unbalanced distribution: server %d has %d%% of keys", server, count)
				}
			})
		})
	}
}

func TestDefaultServerSelectorGrowth(t *testing.T) {
	before := testServers(10)
	after := testServers(11)

	moved := 0
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key-%d", i)
		from, to := DefaultServerSelector(key, before), DefaultServerSelector(key, after)
		if from != to {
			// keys only ever move to the new server
			require.Equal(t, 10, to, "key %s moved between existing servers", key)
			moved++
		}
	}
	require.Greater(t, moved, 0)
	require.Less(t, moved, 200)
}

func TestRendezvousServerSelectorRemoval(t *testing.T) {
	before := testServers(5)
	removed := before[2]
	after := append(append([]ServerAddress(nil), before[:2]...), before[3:]...)

	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key-%d", i)
		owner := before[RendezvousServerSelector(key, before)]
		if owner == removed {
			continue
		}
		require.Equal(t, owner, after[RendezvousServerSelector(key, after)], "key %s changed server", key)
	}
}

func BenchmarkDefaultServerSelector(b *testing.B) {
	key := "benchmark-key-123"
	servers := testServers(10)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		DefaultServerSelector(key, servers)
	}
}

func BenchmarkRendezvousServerSelector(b *testing.B) {
	key := "benchmark-key-123"
	servers := testServers(10)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		RendezvousServerSelector(key, servers)
	}
}

func TestJumpHash(t *testing.T) {
	for key := uint64(0); key < 1000; key++ {
		require.Equal(t, 0, jumpHash(key, 1))

		b := jumpHash(key, 7)
		require.True(t, b >= 0 && b < 7)

		// growing the bucket count keeps the key or moves it to the new bucket
		if grown := jumpHash(key, 8); grown != b {
			require.Equal(t, 7, grown)
		}
	}
}
