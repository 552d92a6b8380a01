package memcache

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/droot/bmemcache/binprot"
)

// NoTTL represents an infinite TTL (no expiration).
// Use this constant when you want items to persist indefinitely in memcache.
const NoTTL = 0

// Config holds configuration for the memcache client.
// Zero values select the defaults documented on each field.
type Config struct {
	// MaxSize is the maximum number of connections per server. Default 4.
	MaxSize int32

	// Timeout bounds each operation, from acquiring a connection to reading
	// the response, when the caller's context has no deadline. Default 1s.
	// Negative disables it.
	Timeout time.Duration

	// DialTimeout bounds connection establishment. Default 1s.
	// Ignored when Dialer is set.
	DialTimeout time.Duration

	// MaxValueSize is the largest value accepted by Set and by Get.
	// Default 1MiB, the stock server item size.
	MaxValueSize int

	// CompressThreshold enables zlib compression of values of at least this
	// many bytes. Zero disables compression.
	CompressThreshold int

	// MaxConnLifetime is the maximum duration a connection can be reused.
	// Zero means no limit.
	MaxConnLifetime time.Duration

	// MaxConnIdleTime is the maximum duration a connection can be idle before being closed.
	// Zero means no limit.
	MaxConnIdleTime time.Duration

	// HealthCheckInterval is how often to check idle connections for health.
	// Zero disables health checks.
	HealthCheckInterval time.Duration

	// Dialer is the net.Dialer used to create new connections.
	Dialer *net.Dialer

	// Pool is the connection pool factory function.
	// If nil, uses the channel-based pool. Alternative: NewPuddlePool.
	Pool PoolFactory

	// SelectServer picks which server to use for a key.
	// If nil, uses DefaultServerSelector.
	SelectServer ServerSelector

	// NewCircuitBreaker creates a circuit breaker for a server.
	// Called once per server address when the pool is created.
	// If nil, no circuit breaker is used.
	NewCircuitBreaker func(addr ServerAddress, logger logrus.FieldLogger) *CircuitBreaker

	// Logger receives retries, health check evictions and circuit breaker
	// state changes. Default logrus.StandardLogger().
	Logger logrus.FieldLogger

	// for testing purposes only
	constructor func(ctx context.Context) (*Connection, error)
}

const (
	DefaultMaxSize      = 4
	DefaultTimeout      = time.Second
	DefaultDialTimeout  = time.Second
	DefaultMaxValueSize = 1024 * 1024
)

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.MaxValueSize <= 0 {
		c.MaxValueSize = DefaultMaxValueSize
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{Timeout: c.DialTimeout}
	}
	if c.Pool == nil {
		c.Pool = NewChannelPool
	}
	if c.SelectServer == nil {
		c.SelectServer = DefaultServerSelector
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// Client is a memcached client speaking the binary protocol. It is safe for
// concurrent use.
type Client struct {
	servers Servers
	config  Config
	logger  logrus.FieldLogger

	mu     sync.RWMutex
	pools  map[ServerAddress]*ServerPool
	closed bool

	// Health check management
	stopHealthCheck chan struct{}
	healthCheckDone sync.WaitGroup
}

// NewClient creates a new memcache client with the given servers and configuration.
// Connections are opened lazily, on the first request for each server.
func NewClient(servers Servers, config Config) (*Client, error) {
	if servers == nil || len(servers.List()) == 0 {
		return nil, ErrNoServers
	}

	config = config.withDefaults()

	client := &Client{
		servers:         servers,
		config:          config,
		logger:          config.Logger,
		pools:           make(map[ServerAddress]*ServerPool),
		stopHealthCheck: make(chan struct{}),
	}

	// Start health check goroutine if enabled
	if config.HealthCheckInterval > 0 {
		client.healthCheckDone.Add(1)
		go client.healthCheckLoop()
	}

	return client, nil
}

// Close closes every connection of every server. Operations started after
// Close fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pools := c.pools
	c.pools = make(map[ServerAddress]*ServerPool)
	c.mu.Unlock()

	close(c.stopHealthCheck)
	c.healthCheckDone.Wait()

	var result *multierror.Error
	for _, sp := range pools {
		if err := sp.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// serverPoolForKey returns the pool of the server that owns key.
func (c *Client) serverPoolForKey(key string) (*ServerPool, error) {
	servers := c.servers.List()
	if len(servers) == 0 {
		return nil, ErrNoServers
	}

	idx := c.config.SelectServer(key, servers)
	if idx < 0 || idx >= len(servers) {
		return nil, errors.Wrapf(ErrNoServers, "selector returned index %d of %d", idx, len(servers))
	}
	return c.getOrCreatePool(servers[idx])
}

// getOrCreatePool gets or creates a pool for the given server address.
func (c *Client) getOrCreatePool(addr ServerAddress) (*ServerPool, error) {
	// Fast path: read lock
	c.mu.RLock()
	sp, exists := c.pools[addr]
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClientClosed
	}
	if exists {
		return sp, nil
	}

	// Slow path: write lock and create
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	// Double-check after acquiring write lock
	if sp, exists := c.pools[addr]; exists {
		return sp, nil
	}

	sp, err := NewServerPool(addr, c.config)
	if err != nil {
		return nil, err
	}
	c.pools[addr] = sp
	return sp, nil
}

// snapshotPools returns the pools that exist right now.
func (c *Client) snapshotPools() []*ServerPool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pools := make([]*ServerPool, 0, len(c.pools))
	for _, sp := range c.pools {
		pools = append(pools, sp)
	}
	return pools
}

// healthCheckLoop periodically checks idle connections for health and lifecycle limits.
func (c *Client) healthCheckLoop() {
	defer c.healthCheckDone.Done()

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHealthCheck:
			return
		case <-ticker.C:
			for _, sp := range c.snapshotPools() {
				c.checkPoolConnections(sp)
			}
		}
	}
}

// checkPoolConnections checks all idle connections in a pool and destroys those that are stale or unhealthy.
func (c *Client) checkPoolConnections(sp *ServerPool) {
	now := time.Now()
	logger := sp.logger

	for _, res := range sp.pool.AcquireAllIdle() {
		// Check max connection lifetime
		if c.config.MaxConnLifetime > 0 && now.Sub(res.CreationTime()) > c.config.MaxConnLifetime {
			logger.Debug("memcache: closing connection past its lifetime")
			res.Destroy()
			continue
		}

		// Check max idle time
		if c.config.MaxConnIdleTime > 0 && res.IdleDuration() > c.config.MaxConnIdleTime {
			logger.Debug("memcache: closing idle connection")
			res.Destroy()
			continue
		}

		// Perform health check by sending a noop command
		if err := c.healthCheck(res.Value()); err != nil {
			logger.WithError(err).Debug("memcache: closing unhealthy connection")
			res.Destroy()
			continue
		}

		res.ReleaseUnused()
	}
}

// healthCheck performs a simple health check on a connection using the noop command.
func (c *Client) healthCheck(conn *Connection) error {
	ctx, cancel := c.withTimeout(context.Background())
	defer cancel()

	resp, err := conn.RoundTrip(ctx, binprot.NewRequest(binprot.OpNoOp, "", nil, nil))
	if err != nil {
		return err
	}
	if resp.Status != binprot.StatusNoError {
		return errors.Errorf("memcache: health check failed: %s", resp.Status)
	}
	return nil
}

// withTimeout applies Config.Timeout to contexts without a deadline.
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.config.Timeout < 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.config.Timeout)
}

// AllPoolStats returns stats for all server pools
func (c *Client) AllPoolStats() []ServerPoolStats {
	pools := c.snapshotPools()

	stats := make([]ServerPoolStats, 0, len(pools))
	for _, sp := range pools {
		stats = append(stats, sp.Stats())
	}
	return stats
}
