package memcache

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/droot/bmemcache/binprot"
)

// opAcquire marks errors raised while waiting for a pooled connection.
const opAcquire = "acquire"

// NewServerPool creates the pool and circuit breaker of one server.
// config must have its defaults applied.
func NewServerPool(addr ServerAddress, config Config) (*ServerPool, error) {
	logger := config.Logger.WithField("server", addr.String())

	constructor := config.constructor
	if constructor == nil {
		dialAddr := addr.String()
		constructor = func(ctx context.Context) (*Connection, error) {
			conn, err := Dial(ctx, config.Dialer, dialAddr)
			if err != nil {
				logger.WithError(err).Debug("memcache: dial failed")
				return nil, err
			}
			return conn, nil
		}
	}

	maxBody := uint32(config.MaxValueSize) + binprot.MaxExtrasLength + binprot.MaxKeyLength
	withLimit := func(ctx context.Context) (*Connection, error) {
		conn, err := constructor(ctx)
		if err != nil {
			return nil, err
		}
		conn.maxBody = maxBody
		return conn, nil
	}

	pool, err := config.Pool(withLimit, config.MaxSize)
	if err != nil {
		return nil, err
	}

	sp := &ServerPool{
		addr:   addr,
		pool:   pool,
		logger: logger,
	}
	if config.NewCircuitBreaker != nil {
		sp.circuitBreaker = config.NewCircuitBreaker(addr, logger)
	}
	return sp, nil
}

// ServerPool wraps a pool, a circuit breaker with its server address.
type ServerPool struct {
	addr           ServerAddress
	pool           Pool
	circuitBreaker *CircuitBreaker
	logger         logrus.FieldLogger
}

func (sp *ServerPool) Address() ServerAddress {
	return sp.addr
}

// ServerPoolStats contains stats for a single server pool
type ServerPoolStats struct {
	Addr                 ServerAddress
	PoolStats            PoolStats
	CircuitBreakerState  gobreaker.State
	CircuitBreakerCounts gobreaker.Counts
}

func (sp *ServerPool) Stats() ServerPoolStats {
	stats := ServerPoolStats{
		Addr:      sp.addr,
		PoolStats: sp.pool.Stats(),
	}
	if sp.circuitBreaker != nil {
		stats.CircuitBreakerState = sp.circuitBreaker.State()
		stats.CircuitBreakerCounts = sp.circuitBreaker.Counts()
	}
	return stats
}

// Close closes the underlying pool.
func (sp *ServerPool) Close() error {
	return errors.WithMessage(sp.pool.Close(), "memcache: close pool "+sp.addr.String())
}

// Execute runs one request-response cycle on a pooled connection.
//
// A request that lost its connection is sent once more on another connection
// if it is safe to repeat. Status replies are returned as frames; only
// transport failures are errors. The whole cycle runs inside the server's
// circuit breaker when one is configured.
func (sp *ServerPool) Execute(ctx context.Context, req *binprot.Frame) (*binprot.Frame, error) {
	if sp.circuitBreaker == nil {
		return sp.execWithRetry(ctx, req)
	}

	return sp.circuitBreaker.Execute(func() (*binprot.Frame, error) {
		return sp.execWithRetry(ctx, req)
	})
}

func (sp *ServerPool) execWithRetry(ctx context.Context, req *binprot.Frame) (*binprot.Frame, error) {
	resp, err := sp.exec(ctx, req)
	if err == nil || !isRetryable(err) || !isIdempotent(req.Opcode) {
		return resp, err
	}

	sp.logger.WithFields(logrus.Fields{
		"op":      req.Opcode.String(),
		"attempt": 2,
	}).WithError(err).Debug("memcache: connection lost, retrying")

	sp.discardIdle()
	return sp.exec(ctx, req)
}

// discardIdle destroys every idle connection, so the retry dials a new one.
// Idle connections went stale along with the one that was lost, as after a
// server restart.
func (sp *ServerPool) discardIdle() {
	for _, res := range sp.pool.AcquireAllIdle() {
		res.Destroy()
	}
}

// exec performs one attempt. The connection goes back to the pool only if the
// attempt left it usable; the failed one is destroyed, so a retry never gets
// it again.
func (sp *ServerPool) exec(ctx context.Context, req *binprot.Frame) (*binprot.Frame, error) {
	res, err := sp.pool.Acquire(ctx)
	if err != nil {
		return nil, sp.acquireError(ctx, err)
	}

	conn := res.Value()
	resp, err := conn.RoundTrip(ctx, req)
	release(res, conn.State() == ConnInUse)

	return resp, err
}

func (sp *ServerPool) acquireError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &NetError{Kind: ErrTimeout, Op: opAcquire, Addr: sp.addr.String(), Err: err}
	}
	return err
}

// isIdempotent reports whether sending op twice has the same effect as
// sending it once.
func isIdempotent(op binprot.Opcode) bool {
	switch op {
	case binprot.OpIncrement, binprot.OpDecrement, binprot.OpAppend, binprot.OpPrepend:
		return false
	}
	return true
}
