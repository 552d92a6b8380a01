package memcache

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultPort is used for addresses given without a port.
const DefaultPort = 11211

// ServerAddress identifies one memcached server.
type ServerAddress struct {
	Host string
	Port int
}

// ParseServerAddress parses "host:port", "[ipv6]:port" or a bare host.
func ParseServerAddress(s string) (ServerAddress, error) {
	if s == "" {
		return ServerAddress{}, errors.Wrap(ErrInvalidAddress, "empty address")
	}

	if !strings.Contains(s, ":") || (strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]")) {
		return ServerAddress{Host: strings.Trim(s, "[]"), Port: DefaultPort}, nil
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return ServerAddress{}, errors.Wrapf(ErrInvalidAddress, "%q: %v", s, err)
	}
	if host == "" {
		return ServerAddress{}, errors.Wrapf(ErrInvalidAddress, "%q: missing host", s)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return ServerAddress{}, errors.Wrapf(ErrInvalidAddress, "%q: invalid port", s)
	}

	return ServerAddress{Host: host, Port: port}, nil
}

func (a ServerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Servers provides the list of servers the client spreads keys over.
// List may change between calls; keys then move to other servers.
type Servers interface {
	List() []ServerAddress
}

type staticServers struct {
	list []ServerAddress
}

// NewStaticServers returns a fixed server list.
func NewStaticServers(addrs ...ServerAddress) Servers {
	return &staticServers{list: append([]ServerAddress(nil), addrs...)}
}

// ParseServers parses every address and returns them as a fixed server list.
func ParseServers(addrs ...string) (Servers, error) {
	list := make([]ServerAddress, 0, len(addrs))
	for _, s := range addrs {
		addr, err := ParseServerAddress(s)
		if err != nil {
			return nil, err
		}
		list = append(list, addr)
	}
	return &staticServers{list: list}, nil
}

func (s *staticServers) List() []ServerAddress {
	return s.list
}
