package memcache

import (
	"github.com/cespare/xxhash"
	"github.com/zeebo/xxh3"
)

// ServerSelector picks which server to use for a given key.
// It receives the key and the current, non-empty list of servers and returns
// an index into that list.
type ServerSelector func(key string, servers []ServerAddress) int

// DefaultServerSelector uses Jump Hash over xxh3 for consistent server
// selection: growing the list by one server moves only 1/n of the keys.
func DefaultServerSelector(key string, servers []ServerAddress) int {
	if len(servers) == 1 {
		return 0
	}
	return jumpHash(xxh3.HashString(key), len(servers))
}

// RendezvousServerSelector picks the server with the highest hash of key and
// address. Unlike DefaultServerSelector, removing a server from the middle of
// the list only moves the keys that server owned.
func RendezvousServerSelector(key string, servers []ServerAddress) int {
	if len(servers) == 1 {
		return 0
	}

	selected := 0
	var maxScore uint64
	buf := make([]byte, 0, len(key)+32)
	for i, server := range servers {
		buf = append(buf[:0], key...)
		buf = append(buf, 0)
		buf = append(buf, server.String()...)

		if score := xxhash.Sum64(buf); i == 0 || score > maxScore {
			maxScore = score
			selected = i
		}
	}
	return selected
}

// jumpHash maps key to one of numBuckets buckets with Google's Jump
// Consistent Hash (https://arxiv.org/abs/1406.2294), as in
// github.com/dgryski/go-jump.
func jumpHash(key uint64, numBuckets int) int {
	var b, j int64 = -1, 0
	for j < int64(numBuckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}
