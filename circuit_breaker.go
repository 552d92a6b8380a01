package memcache

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/droot/bmemcache/binprot"
)

// CircuitBreaker guards the requests sent to one server.
type CircuitBreaker = gobreaker.CircuitBreaker[*binprot.Frame]

// NewCircuitBreakerConfig returns a function that creates circuit breakers for servers.
// The breaker trips once 60% of at least 3 requests in an interval failed at
// the transport level. State changes are logged as warnings.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(addr ServerAddress, logger logrus.FieldLogger) *CircuitBreaker {
	return func(addr ServerAddress, logger logrus.FieldLogger) *CircuitBreaker {
		settings := gobreaker.Settings{
			Name:        addr.String(),
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsSuccessful: isBreakerSuccess,
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.WithFields(logrus.Fields{
					"server": name,
					"from":   from.String(),
					"to":     to.String(),
				}).Warn("memcache: circuit breaker state changed")
			},
		}
		return gobreaker.NewCircuitBreaker[*binprot.Frame](settings)
	}
}

// isBreakerSuccess counts only transport failures against the server.
// Server status replies, caller cancellations and waits for a connection of
// a saturated pool are not the server's fault.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var netErr *NetError
	if !errors.As(err, &netErr) {
		return true
	}
	return netErr.Op == opAcquire
}
