package memcache

import (
	"context"
	"time"
)

// Pool hands out connections to a single server, one caller at a time.
type Pool interface {
	// Acquire returns an idle connection, dials a new one while the pool is
	// below its size limit, or blocks until a connection is returned or ctx
	// is done.
	Acquire(ctx context.Context) (Resource, error)

	// AcquireAllIdle checks out every idle connection, for health checks.
	AcquireAllIdle() []Resource

	// Close closes idle connections and refuses further acquires.
	// Connections still checked out are closed when they come back.
	Close() error

	Stats() PoolStats
}

// Resource is a checked out connection.
type Resource interface {
	Value() *Connection

	// Release returns the connection to the pool, or destroys it if it was
	// closed while checked out.
	Release()

	// ReleaseUnused returns the connection without refreshing its idle time.
	ReleaseUnused()

	// Destroy closes the connection and frees its slot.
	Destroy()

	CreationTime() time.Time
	IdleDuration() time.Duration
}

// PoolFactory builds a pool of at most maxSize connections made by
// constructor.
type PoolFactory func(constructor func(ctx context.Context) (*Connection, error), maxSize int32) (Pool, error)

// release hands a connection back after use. Healthy connections go back to
// the pool; anything else is destroyed so no later caller can receive it.
func release(res Resource, healthy bool) {
	if healthy && res.Value().State() == ConnInUse {
		res.Release()
		return
	}
	res.Destroy()
}
