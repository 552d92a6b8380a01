package memcache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/droot/bmemcache/internal/coarsetime"
)

// NewChannelPool creates a channel-based connection pool. This is the default
// pool implementation.
func NewChannelPool(constructor func(ctx context.Context) (*Connection, error), maxSize int32) (Pool, error) {
	if maxSize <= 0 {
		return nil, errors.Errorf("memcache: pool size must be positive, got %d", maxSize)
	}

	return &channelPool{
		constructor: constructor,
		maxSize:     maxSize,
		idle:        make(chan *channelResource, maxSize),
		freed:       make(chan struct{}, maxSize),
	}, nil
}

// channelResource implements Resource for channel pool.
type channelResource struct {
	conn         *Connection
	pool         *channelPool
	creationTime time.Time
	lastUsedTime time.Time
}

func (r *channelResource) Value() *Connection {
	return r.conn
}

func (r *channelResource) Release() {
	if !r.conn.checkin() {
		r.Destroy()
		return
	}
	r.lastUsedTime = coarsetime.Now()
	r.pool.put(r)
}

func (r *channelResource) ReleaseUnused() {
	// Don't update lastUsedTime for health checks
	if !r.conn.checkin() {
		r.Destroy()
		return
	}
	r.pool.put(r)
}

func (r *channelResource) Destroy() {
	_ = r.conn.Close()
	r.pool.removeResource()
	r.pool.stats.recordDestroy()
}

func (r *channelResource) CreationTime() time.Time {
	return r.creationTime
}

func (r *channelResource) IdleDuration() time.Duration {
	return coarsetime.Since(r.lastUsedTime)
}

// channelPool keeps idle connections in a buffered channel. The mutex guards
// size and closed; it is never held while dialing or closing sockets.
type channelPool struct {
	constructor func(ctx context.Context) (*Connection, error)
	maxSize     int32

	mu     sync.Mutex
	idle   chan *channelResource
	size   int32
	closed bool

	// freed holds one wakeup per slot given up, so back-to-back frees wake
	// as many waiting Acquire calls
	freed chan struct{}

	stats poolStatsCollector
}

func (p *channelPool) Acquire(ctx context.Context) (Resource, error) {
	p.stats.recordAcquire()

	var waitStart time.Time
	for {
		if err := ctx.Err(); err != nil {
			p.stats.recordAcquireError()
			return nil, err
		}

		// Try to get an idle connection from the pool first
		select {
		case res, ok := <-p.idle:
			if !ok {
				p.stats.recordAcquireError()
				return nil, ErrPoolClosed
			}
			ok, err := p.checkout(res, waitStart)
			if err != nil {
				p.stats.recordAcquireError()
				return nil, err
			}
			if ok {
				return res, nil
			}
			continue
		default:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.stats.recordAcquireError()
			return nil, ErrPoolClosed
		}

		if p.size < p.maxSize {
			p.size++
			p.mu.Unlock()
			return p.create(ctx)
		}
		p.mu.Unlock()

		// Pool is full, wait for a connection to be released or destroyed
		if waitStart.IsZero() {
			waitStart = time.Now()
		}
		select {
		case res, ok := <-p.idle:
			if !ok {
				p.stats.recordAcquireError()
				return nil, ErrPoolClosed
			}
			ok, err := p.checkout(res, waitStart)
			if err != nil {
				p.stats.recordAcquireError()
				return nil, err
			}
			if ok {
				return res, nil
			}
		case <-p.freed:
		case <-ctx.Done():
		}
	}
}

func (p *channelPool) create(ctx context.Context) (Resource, error) {
	conn, err := p.constructor(ctx)
	if err == nil {
		err = conn.checkout()
	}
	if err != nil {
		p.removeResource()
		p.stats.recordAcquireError()
		return nil, err
	}

	p.stats.recordCreate()

	now := coarsetime.Now()
	return &channelResource{
		conn:         conn,
		pool:         p,
		creationTime: now,
		lastUsedTime: now,
	}, nil
}

// checkout takes an idle resource for a caller. A connection that can not be
// checked out is dropped. So is one still buffered when the pool closed, which
// fails the caller with ErrPoolClosed.
func (p *channelPool) checkout(res *channelResource, waitStart time.Time) (bool, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.dropIdle(res)
		return false, ErrPoolClosed
	}

	if err := res.conn.checkout(); err != nil {
		p.dropIdle(res)
		return false, nil
	}

	p.stats.recordCheckout()
	if !waitStart.IsZero() {
		p.stats.recordAcquireWait(time.Since(waitStart))
	}
	return true, nil
}

func (p *channelPool) dropIdle(res *channelResource) {
	_ = res.conn.Close()
	p.removeResource()
	p.stats.recordDestroyIdle()
}

func (p *channelPool) put(res *channelResource) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = res.conn.Close()
		p.removeResource()
		p.stats.recordDestroy()
		return
	}

	select {
	case p.idle <- res:
		p.mu.Unlock()
		p.stats.recordCheckin()
	default:
		// more resources than slots, only possible after a misuse
		p.mu.Unlock()
		_ = res.conn.Close()
		p.removeResource()
		p.stats.recordDestroy()
	}
}

func (p *channelPool) removeResource() {
	p.mu.Lock()
	p.size--
	p.mu.Unlock()

	select {
	case p.freed <- struct{}{}:
	default:
	}
}

func (p *channelPool) AcquireAllIdle() []Resource {
	var idle []Resource

	// Drain all idle connections from the channel
	for {
		select {
		case res, ok := <-p.idle:
			if !ok {
				return idle
			}
			ok, err := p.checkout(res, time.Time{})
			if err != nil {
				return idle
			}
			if ok {
				idle = append(idle, res)
			}
		default:
			return idle
		}
	}
}

func (p *channelPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.idle)
	p.mu.Unlock()

	var result *multierror.Error
	for res := range p.idle {
		if err := res.conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		p.removeResource()
		p.stats.recordDestroyIdle()
	}
	return result.ErrorOrNil()
}

// Stats returns a snapshot of pool statistics.
func (p *channelPool) Stats() PoolStats {
	return p.stats.snapshot()
}
