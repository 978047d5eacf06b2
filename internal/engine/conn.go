package engine

import (
	"time"

	"github.com/bluey22/simple-http-proxy/internal/backend"
	"github.com/bluey22/simple-http-proxy/internal/httpwire"
)

type role int

const (
	roleClient role = iota
	roleBackend
)

func (r role) String() string {
	if r == roleBackend {
		return "backend"
	}
	return "client"
}

// connState is the explicit per-connection state machine. CONNECTING exists
// only for backend sockets dialed non-blocking; DISPATCHING and FORWARDING
// are the transient routing states entered while a complete message is being
// handed off. CLOSED is terminal and reachable from every state.
type connState int

const (
	stateConnecting connState = iota
	stateReading
	stateDispatching
	stateForwarding
	stateWriting
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateReading:
		return "reading"
	case stateDispatching:
		return "dispatching"
	case stateForwarding:
		return "forwarding"
	case stateWriting:
		return "writing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// conn is the per-socket buffered state. The framer accumulates inbound
// bytes until complete messages can be extracted; wbuf holds outbound bytes
// the socket has not accepted yet.
type conn struct {
	fd    int
	role  role
	state connState
	addr  string

	framer *httpwire.Framer
	wbuf   []byte

	// Client side: ordered pipeline of pending response slots. Head is the
	// next slot allowed onto the wire.
	slots           []*pendingRequest
	closeAfterFlush bool

	// Backend side: entries dispatched on this connection, in write order,
	// awaiting their responses.
	backend  *backend.Backend
	inflight []*pendingRequest

	readPaused bool
	overHigh   bool
	lastActive time.Time
}

// hasWork reports whether the connection still has buffered output or
// pending protocol state, which exempts it from the idle sweep.
func (c *conn) hasWork() bool {
	if len(c.wbuf) > 0 || c.framer.Midmessage() {
		return true
	}
	if c.role == roleClient {
		return len(c.slots) > 0
	}
	return len(c.inflight) > 0 || c.state == stateConnecting
}
