package backend

import (
	"fmt"
	"net"
	"sync"
)

// Backend represents one configured origin server with failure-driven
// liveness and connection tracking. Liveness flips down on dial or protocol
// failure and back up on a successful response; there is no probe timer, a
// down backend is simply eligible again on the next selection pass that
// reaches it.
type Backend struct {
	host    string
	port    int
	ordinal int
	ip      net.IP

	mutex             sync.Mutex
	up                bool
	activeConnections int
}

// New resolves the backend address once and returns a record that starts
// live. The ordinal fixes the backend's position in round-robin order.
func New(host string, port int, ordinal int) (*Backend, error) {
	addr, err := net.ResolveTCPAddr("tcp4", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("resolve backend %s:%d: %w", host, port, err)
	}

	return &Backend{
		host:    host,
		port:    port,
		ordinal: ordinal,
		ip:      addr.IP.To4(),
		up:      true,
	}, nil
}

// Addr returns the backend's host:port identity used as a pool key.
func (b *Backend) Addr() string {
	return fmt.Sprintf("%s:%d", b.host, b.port)
}

// IPv4 returns the resolved address as raw bytes for the dialer.
func (b *Backend) IPv4() [4]byte {
	var ip [4]byte
	copy(ip[:], b.ip)
	return ip
}

// Port returns the configured port.
func (b *Backend) Port() int {
	return b.port
}

// Ordinal returns the backend's configured index.
func (b *Backend) Ordinal() int {
	return b.ordinal
}

// IsUp returns true if the backend is currently considered live.
func (b *Backend) IsUp() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.up
}

// MarkUp flags the backend live.
// Returns true if the status changed, false if it was already in that state.
func (b *Backend) MarkUp() (changed bool) {
	return b.setUp(true)
}

// MarkDown flags the backend dead after a dial or protocol failure.
// Returns true if the status changed, false if it was already in that state.
func (b *Backend) MarkDown() (changed bool) {
	return b.setUp(false)
}

func (b *Backend) setUp(up bool) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.up == up {
		return false
	}
	b.up = up
	return true
}

// IncrementConn increments the active connection count.
func (b *Backend) IncrementConn() {
	b.mutex.Lock()
	b.activeConnections++
	b.mutex.Unlock()
}

// DecrementConn decrements the active connection count.
func (b *Backend) DecrementConn() {
	b.mutex.Lock()
	if b.activeConnections > 0 {
		b.activeConnections--
	}
	b.mutex.Unlock()
}

// ActiveConnections returns the current number of active connections.
func (b *Backend) ActiveConnections() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.activeConnections
}
