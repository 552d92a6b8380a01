package memcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/puddle/v2"
	"github.com/pkg/errors"
)

// NewPuddlePool creates a puddle-based connection pool.
// Close blocks until every checked out connection has been returned.
func NewPuddlePool(constructor func(ctx context.Context) (*Connection, error), maxSize int32) (Pool, error) {
	p := &puddlePool{}

	poolConfig := &puddle.Config[*Connection]{
		Constructor: func(ctx context.Context) (*Connection, error) {
			conn, err := constructor(ctx)
			if err == nil {
				p.createdConns.Add(1)
			}
			return conn, err
		},
		Destructor: func(c *Connection) {
			p.destroyedConns.Add(1)
			if err := c.Close(); err != nil {
				p.recordCloseError(err)
			}
		},
		MaxSize: maxSize,
	}

	pool, err := puddle.NewPool(poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, "memcache: create puddle pool")
	}
	p.pool = pool
	return p, nil
}

// puddlePool wraps puddle.Pool to implement our Pool interface.
type puddlePool struct {
	pool           *puddle.Pool[*Connection]
	createdConns   atomic.Int64
	destroyedConns atomic.Int64

	mu        sync.Mutex
	closeErrs *multierror.Error
}

// puddleResource keeps the connection state in step with puddle's checkout.
type puddleResource struct {
	res *puddle.Resource[*Connection]
}

func (r *puddleResource) Value() *Connection {
	return r.res.Value()
}

func (r *puddleResource) Release() {
	if !r.res.Value().checkin() {
		r.res.Destroy()
		return
	}
	r.res.Release()
}

func (r *puddleResource) ReleaseUnused() {
	if !r.res.Value().checkin() {
		r.res.Destroy()
		return
	}
	r.res.ReleaseUnused()
}

func (r *puddleResource) Destroy() {
	r.res.Destroy()
}

func (r *puddleResource) CreationTime() time.Time {
	return r.res.CreationTime()
}

func (r *puddleResource) IdleDuration() time.Duration {
	return r.res.IdleDuration()
}

func (p *puddlePool) Acquire(ctx context.Context) (Resource, error) {
	for {
		res, err := p.pool.Acquire(ctx)
		if err != nil {
			if errors.Is(err, puddle.ErrClosedPool) {
				return nil, ErrPoolClosed
			}
			return nil, err
		}

		if err := res.Value().checkout(); err != nil {
			res.Destroy()
			continue
		}
		return &puddleResource{res: res}, nil
	}
}

func (p *puddlePool) AcquireAllIdle() []Resource {
	puddleResources := p.pool.AcquireAllIdle()
	resources := make([]Resource, 0, len(puddleResources))
	for _, res := range puddleResources {
		if err := res.Value().checkout(); err != nil {
			res.Destroy()
			continue
		}
		resources = append(resources, &puddleResource{res: res})
	}
	return resources
}

func (p *puddlePool) recordCloseError(err error) {
	p.mu.Lock()
	p.closeErrs = multierror.Append(p.closeErrs, err)
	p.mu.Unlock()
}

func (p *puddlePool) Close() error {
	p.pool.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeErrs.ErrorOrNil()
}

// Stats returns a snapshot of pool statistics by converting puddle's stats to our format.
func (p *puddlePool) Stats() PoolStats {
	s := p.pool.Stat()

	return PoolStats{
		TotalConns:        s.TotalResources(),
		IdleConns:         s.IdleResources(),
		ActiveConns:       s.AcquiredResources(),
		AcquireCount:      uint64(s.AcquireCount()),
		AcquireWaitCount:  uint64(s.EmptyAcquireCount()), // Acquires that had to wait (pool was empty)
		CreatedConns:      uint64(p.createdConns.Load()),
		DestroyedConns:    uint64(p.destroyedConns.Load()),
		AcquireErrors:     uint64(s.CanceledAcquireCount()),
		AcquireWaitTimeNs: uint64(s.EmptyAcquireWaitTime().Nanoseconds()),
	}
}
