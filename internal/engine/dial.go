package engine

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bluey22/simple-http-proxy/internal/backend"
	"github.com/bluey22/simple-http-proxy/internal/httpwire"
)

// backendConn returns a connection to the given backend, reusing an idle
// keep-alive connection when one exists and dialing non-blocking otherwise.
func (e *Engine) backendConn(b *backend.Backend) (*conn, error) {
	key := b.Addr()
	for {
		list := e.idle[key]
		if len(list) == 0 {
			break
		}
		bc := list[len(list)-1]
		e.idle[key] = list[:len(list)-1]
		if bc.state != stateClosed {
			return bc, nil
		}
	}

	return e.dialBackend(b)
}

// dialBackend opens a non-blocking socket to the backend. The connect
// usually returns EINPROGRESS; the connection sits in CONNECTING until the
// multiplexer reports writability and SO_ERROR confirms the outcome.
func (e *Engine) dialBackend(b *backend.Backend) (*conn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: b.Port(), Addr: b.IPv4()}

	state := stateConnecting
	err = unix.Connect(fd, sa)
	switch err {
	case nil:
		state = stateReading
	case unix.EINPROGRESS:
	default:
		unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", b.Addr(), err)
	}

	c := &conn{
		fd:         fd,
		role:       roleBackend,
		state:      state,
		addr:       b.Addr(),
		backend:    b,
		framer:     httpwire.NewFramer(e.cfg.MaxHeaderBytes),
		lastActive: time.Now(),
	}

	events := uint32(unix.EPOLLIN)
	if state == stateConnecting {
		events |= unix.EPOLLOUT
	}
	if err := e.registerFd(fd, events); err != nil {
		unix.Close(fd)
		return nil, err
	}

	e.conns[fd] = c
	b.IncrementConn()
	return c, nil
}

// finishConnect resolves a CONNECTING socket once it turns writable.
func (e *Engine) finishConnect(c *conn) {
	soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || soerr != 0 {
		if soerr != 0 {
			err = unix.Errno(soerr)
		}
		e.log.Warn("backend connect failed",
			"backend", c.addr,
			"error", err.Error())
		e.closeBackend(c, causeDialFail)
		return
	}

	if len(c.wbuf) > 0 {
		c.state = stateWriting
	} else {
		c.state = stateReading
	}
	e.updateInterest(c)
}

// releaseIdle parks a backend connection for keep-alive reuse once nothing
// is outstanding on it. A read pause applied on a client's behalf must not
// follow the connection into the pool: the slot that caused it is gone, and
// a parked connection that is never read from would blackhole the next
// request dispatched on it.
func (e *Engine) releaseIdle(bc *conn) {
	if bc.state == stateClosed {
		return
	}
	bc.state = stateReading
	bc.lastActive = time.Now()
	if bc.readPaused {
		bc.readPaused = false
		bc.overHigh = false
		e.updateInterest(bc)
	}
	e.idle[bc.addr] = append(e.idle[bc.addr], bc)
}

func (e *Engine) removeIdle(bc *conn) {
	list := e.idle[bc.addr]
	for i, other := range list {
		if other == bc {
			e.idle[bc.addr] = append(list[:i], list[i+1:]...)
			return
		}
	}
}
