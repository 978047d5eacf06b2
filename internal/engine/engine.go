package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sys/unix"

	"github.com/bluey22/simple-http-proxy/internal/httpwire"
	"github.com/bluey22/simple-http-proxy/internal/metrics"
	"github.com/bluey22/simple-http-proxy/internal/pool"
)

// ErrResourceExhausted is returned when a socket cannot be monitored because
// the process is out of descriptors or connection capacity.
var ErrResourceExhausted = errors.New("engine: resource exhausted")

// Config tunes the connection engine. Zero values fall back to defaults.
type Config struct {
	ListenAddr     string
	Backlog        int
	ReadChunkBytes int
	MaxHeaderBytes int
	HighWaterBytes int
	LowWaterBytes  int
	MaxConnections int
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.Backlog == 0 {
		cfg.Backlog = 150
	}
	if cfg.ReadChunkBytes == 0 {
		cfg.ReadChunkBytes = 4096
	}
	if cfg.MaxHeaderBytes == 0 {
		cfg.MaxHeaderBytes = 8192
	}
	if cfg.HighWaterBytes == 0 {
		cfg.HighWaterBytes = 256 * 1024
	}
	if cfg.LowWaterBytes == 0 {
		cfg.LowWaterBytes = 64 * 1024
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 1024
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
}

type closeCause int

const (
	causeClean closeCause = iota
	causeError
	causeDialFail
	causeTimeout
)

// Engine owns every connection and pending request. All state below is
// touched only from the Run goroutine.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	pool      *pool.Pool
	collector *metrics.Collector

	epfd       int
	lfd        int
	listenAddr string

	conns map[int]*conn
	table map[string]*pendingRequest
	idle  map[string][]*conn

	// Descriptors closed while processing the current readiness burst. The
	// kernel may hand a closed descriptor number straight back to a dial or
	// accept in the same burst; events reported for the old socket must not
	// reach the new one.
	closedInBurst map[int]struct{}

	readBuf []byte

	acceptPaused   bool
	resumeAcceptAt time.Time
	acceptBackoff  *backoff.Backoff

	lastSweep time.Time
}

// New initializes the readiness multiplexer and the listening socket.
// Failure here is fatal; every later error is isolated to one connection.
func New(cfg Config, p *pool.Pool, log *slog.Logger, collector *metrics.Collector) (*Engine, error) {
	cfg.applyDefaults()

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	lfd, addr, err := listen(cfg.ListenAddr, cfg.Backlog)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	e := &Engine{
		cfg:           cfg,
		log:           log,
		pool:          p,
		collector:     collector,
		epfd:          epfd,
		lfd:           lfd,
		listenAddr:    addr,
		conns:         make(map[int]*conn),
		table:         make(map[string]*pendingRequest),
		idle:          make(map[string][]*conn),
		closedInBurst: make(map[int]struct{}),
		readBuf:       make([]byte, cfg.ReadChunkBytes),
		acceptBackoff: &backoff.Backoff{
			Min:    100 * time.Millisecond,
			Max:    5 * time.Second,
			Factor: 2,
		},
	}

	if err := e.registerFd(lfd, unix.EPOLLIN); err != nil {
		unix.Close(lfd)
		unix.Close(epfd)
		return nil, err
	}

	return e, nil
}

func listen(addr string, backlog int) (int, string, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return -1, "", fmt.Errorf("resolve listen address %q: %w", addr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, "", fmt.Errorf("listen socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("set SO_REUSEADDR: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	copy(sa.Addr[:], tcpAddr.IP.To4())
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("bind %s: %w", addr, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("listen %s: %w", addr, err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("getsockname: %w", err)
	}
	sa4 := bound.(*unix.SockaddrInet4)
	actual := fmt.Sprintf("%d.%d.%d.%d:%d",
		sa4.Addr[0], sa4.Addr[1], sa4.Addr[2], sa4.Addr[3], sa4.Port)

	return fd, actual, nil
}

// Addr returns the bound listen address, including the kernel-assigned port
// when the configuration asked for port 0.
func (e *Engine) Addr() string {
	return e.listenAddr
}

func (e *Engine) registerFd(fd int, events uint32) error {
	err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	})
	if err != nil {
		if err == unix.ENOSPC || err == unix.ENOMEM {
			return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
		}
		return fmt.Errorf("epoll add fd %d: %w", fd, err)
	}
	return nil
}

// updateInterest re-arms the readiness conditions the connection actually
// needs: readability unless paused, writability only while output is pending
// or a connect is in flight. Dropping EPOLLOUT when the buffer drains is
// what prevents wake/no-op spinning on a persistently writable socket.
func (e *Engine) updateInterest(c *conn) {
	if c.state == stateClosed {
		return
	}

	var events uint32
	if !c.readPaused {
		events |= unix.EPOLLIN
	}
	if len(c.wbuf) > 0 || c.state == stateConnecting {
		events |= unix.EPOLLOUT
	}

	err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, c.fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(c.fd),
	})
	if err != nil {
		e.log.Error("epoll modify failed",
			"fd", c.fd,
			"role", c.role.String(),
			"error", err.Error())
	}
}

// Run blocks pumping the readiness loop until the context is canceled.
func (e *Engine) Run(ctx context.Context) error {
	defer e.shutdown()

	e.log.Info("proxy listening", "address", e.listenAddr)

	events := make([]unix.EpollEvent, 128)
	for {
		if ctx.Err() != nil {
			e.log.Info("shutting down", "open_connections", len(e.conns))
			return nil
		}

		n, err := unix.EpollWait(e.epfd, events, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll wait: %w", err)
		}

		clear(e.closedInBurst)

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)

			if _, closed := e.closedInBurst[fd]; closed {
				continue
			}
			if fd == e.lfd {
				e.acceptLoop()
				continue
			}

			c := e.conns[fd]
			if c == nil || c.state == stateClosed {
				continue
			}

			if c.state == stateConnecting {
				if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLOUT) != 0 {
					e.finishConnect(c)
				}
				if c.state == stateClosed || c.state == stateConnecting {
					continue
				}
			}

			// Drain readable data before acting on HUP/ERR so a final
			// response segment that arrived with the hangup is not lost.
			if ev.Events&unix.EPOLLIN != 0 {
				e.onReadable(c)
			}
			if c.state == stateClosed {
				continue
			}
			if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				e.closePeer(c, causeError)
				continue
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				e.onWritable(c)
			}
		}

		e.sweep(time.Now())
	}
}

func (e *Engine) shutdown() {
	for fd, c := range e.conns {
		c.state = stateClosed
		unix.Close(fd)
	}
	e.conns = make(map[int]*conn)
	e.idle = make(map[string][]*conn)
	e.table = make(map[string]*pendingRequest)
	unix.Close(e.lfd)
	unix.Close(e.epfd)
}

// acceptLoop drains the accept queue. Descriptor exhaustion pauses accepting
// with backoff instead of crashing; capacity exhaustion pauses until a
// connection closes.
func (e *Engine) acceptLoop() {
	for {
		nfd, _, err := unix.Accept4(e.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			if err == unix.EINTR {
				continue
			}
			if err == unix.EMFILE || err == unix.ENFILE {
				e.log.Warn("out of descriptors, pausing accepts")
				e.pauseAccept(e.acceptBackoff.Duration())
				return
			}
			e.log.Error("accept failed", "error", err.Error())
			return
		}

		if len(e.conns) >= e.cfg.MaxConnections {
			unix.Close(nfd)
			e.log.Warn("connection limit reached, pausing accepts",
				"limit", e.cfg.MaxConnections)
			e.pauseAccept(0)
			return
		}

		c := &conn{
			fd:         nfd,
			role:       roleClient,
			state:      stateReading,
			framer:     httpwire.NewFramer(e.cfg.MaxHeaderBytes),
			lastActive: time.Now(),
		}
		e.conns[nfd] = c

		if err := e.registerFd(nfd, unix.EPOLLIN); err != nil {
			delete(e.conns, nfd)
			unix.Close(nfd)
			e.log.Error("register client failed", "error", err.Error())
			return
		}

		e.acceptBackoff.Reset()
		e.emit(metrics.Event{Type: metrics.EventClientConnected})
	}
}

func (e *Engine) pauseAccept(delay time.Duration) {
	if e.acceptPaused {
		return
	}
	e.acceptPaused = true
	e.resumeAcceptAt = time.Now().Add(delay)
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, e.lfd, nil); err != nil {
		e.log.Error("epoll delete listener failed", "error", err.Error())
	}
}

func (e *Engine) maybeResumeAccept() {
	if !e.acceptPaused {
		return
	}
	if len(e.conns) >= e.cfg.MaxConnections {
		return
	}
	if time.Now().Before(e.resumeAcceptAt) {
		return
	}
	if err := e.registerFd(e.lfd, unix.EPOLLIN); err != nil {
		e.log.Error("resume accepts failed", "error", err.Error())
		return
	}
	e.acceptPaused = false
}

// onReadable pulls whatever the socket has, a bounded chunk at a time, into
// the connection's framer, then drains every complete message that arrived.
func (e *Engine) onReadable(c *conn) {
	c.lastActive = time.Now()

	for {
		n, err := unix.Read(c.fd, e.readBuf)
		if n > 0 {
			c.framer.Feed(e.readBuf[:n])
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			if err == unix.EINTR {
				continue
			}
			e.closePeer(c, causeError)
			return
		}
		if n == 0 {
			e.closePeer(c, causeClean)
			return
		}
		if n < len(e.readBuf) {
			break
		}
	}

	e.processMessages(c)
}

// processMessages repeatedly asks the framer for complete messages, handling
// pipelined batches that arrived in one readiness event.
func (e *Engine) processMessages(c *conn) {
	for c.state != stateClosed {
		msg, err := c.framer.Next()
		if err != nil {
			if c.role == roleClient {
				e.rejectClient(c, err)
			} else {
				e.log.Warn("malformed backend response",
					"backend", c.addr,
					"error", err.Error())
				e.closeBackend(c, causeError)
			}
			return
		}
		if msg == nil {
			return
		}

		if c.role == roleClient {
			e.handleClientMessage(c, msg)
			// Requests pipelined behind a Connection: close request are
			// never served.
			if c.closeAfterFlush || (len(c.slots) > 0 && c.slots[len(c.slots)-1].closeAfter) {
				return
			}
		} else {
			e.handleBackendMessage(c, msg)
		}
	}
}

// rejectClient answers an unparseable request with a 400 in proper pipeline
// order and shuts the connection down once the error is on the wire.
func (e *Engine) rejectClient(c *conn, parseErr error) {
	e.log.Warn("malformed client request", "error", parseErr.Error())

	entry := &pendingRequest{
		token:      e.newToken(""),
		client:     c,
		created:    time.Now(),
		done:       true,
		status:     400,
		closeAfter: true,
		response:   encodeMessage(httpwire.NewErrorResponse(400, false)),
	}
	c.slots = append(c.slots, entry)

	e.setReadPaused(c, true)
	e.flushClient(c)
}

// handleClientMessage stamps a correlation token onto a complete request and
// dispatches it to a backend, reserving the next pipeline slot.
func (e *Engine) handleClientMessage(c *conn, msg *httpwire.Message) {
	if msg.IsResponse {
		e.rejectClient(c, fmt.Errorf("%w: response on client connection", httpwire.ErrMalformed))
		return
	}

	c.state = stateDispatching
	e.emit(metrics.Event{Type: metrics.EventRequestReceived})

	token := e.newToken(msg.RequestID())
	msg.Header.Set(httpwire.HeaderRequestID, token)

	entry := &pendingRequest{
		token:      token,
		client:     c,
		created:    time.Now(),
		request:    encodeMessage(msg),
		closeAfter: !msg.KeepAlive(),
	}
	c.slots = append(c.slots, entry)
	e.table[token] = entry

	e.dispatch(entry)

	if entry.closeAfter {
		// Nothing after a Connection: close request may be served.
		e.setReadPaused(c, true)
	}
	if c.state == stateDispatching {
		c.state = stateReading
	}
}

// dispatch forwards the entry to the next live backend. A dial failure marks
// the backend down and tries one alternative before surfacing a 502.
func (e *Engine) dispatch(entry *pendingRequest) {
	for {
		b, err := e.pool.Select()
		if err != nil {
			e.log.Warn("no backend available", "token", entry.token)
			e.failEntry(entry, 502)
			return
		}

		bc, err := e.backendConn(b)
		if err != nil {
			e.log.Warn("backend dial failed",
				"backend", b.Addr(),
				"error", err.Error())
			if e.pool.MarkDown(b) {
				e.emit(metrics.Event{Type: metrics.EventBackendStateChanged, Backend: b.Addr()})
			}
			entry.attempts++
			if entry.attempts >= 2 {
				e.failEntry(entry, 502)
				return
			}
			continue
		}

		entry.attempts++
		entry.backend = b
		entry.backendConn = bc
		bc.inflight = append(bc.inflight, entry)
		bc.wbuf = append(bc.wbuf, entry.request...)
		if bc.state == stateReading {
			bc.state = stateForwarding
		}
		e.updateInterest(bc)
		e.checkWater(bc)

		e.emit(metrics.Event{Type: metrics.EventBackendSelected, Backend: b.Addr()})
		return
	}
}

// handleBackendMessage routes a complete backend response to the client slot
// identified by the echoed correlation token.
func (e *Engine) handleBackendMessage(bc *conn, msg *httpwire.Message) {
	token := msg.RequestID()
	entry := e.table[token]
	if entry == nil || entry.backendConn != bc {
		e.log.Warn("unmatched correlation token on backend response",
			"backend", bc.addr,
			"token", token)
		e.closeBackend(bc, causeError)
		return
	}

	removeInflight(bc, entry)
	entry.backendConn = nil

	if e.pool.MarkUp(entry.backend) {
		e.emit(metrics.Event{
			Type:    metrics.EventBackendStateChanged,
			Backend: entry.backend.Addr(),
			Up:      true,
		})
	}

	if entry.client.state == stateClosed {
		// Client vanished while the request was in flight; the response was
		// drained to keep this connection's framing intact and is dropped.
		delete(e.table, token)
	} else {
		e.completeEntry(entry, msg)
	}

	if !msg.KeepAlive() {
		e.closeBackend(bc, causeClean)
		return
	}
	if len(bc.inflight) == 0 && len(bc.wbuf) == 0 {
		e.releaseIdle(bc)
	}
}

// onWritable flushes as much buffered output as the socket accepts.
func (e *Engine) onWritable(c *conn) {
	c.lastActive = time.Now()

	for len(c.wbuf) > 0 {
		n, err := unix.Write(c.fd, c.wbuf)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			if err == unix.EINTR {
				continue
			}
			e.closePeer(c, causeError)
			return
		}
		if n == 0 {
			return
		}
		c.wbuf = c.wbuf[n:]
	}

	c.wbuf = nil
	if c.closeAfterFlush {
		e.closeClient(c)
		return
	}

	c.state = stateReading
	e.updateInterest(c)
	e.checkWater(c)
}

func (e *Engine) closePeer(c *conn, cause closeCause) {
	if c.role == roleClient {
		e.closeClient(c)
	} else {
		e.closeBackend(c, cause)
	}
}

// closeClient tears down a client connection and retires its pipeline. Slots
// already dispatched to a backend stay in the correlation table so the
// backend connection can drain the response without desynchronizing; the
// answer is discarded on arrival.
func (e *Engine) closeClient(c *conn) {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed

	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, c.fd, nil); err != nil && err != unix.EBADF && err != unix.ENOENT {
		e.log.Error("epoll delete failed", "fd", c.fd, "error", err.Error())
	}
	unix.Close(c.fd)
	delete(e.conns, c.fd)
	e.closedInBurst[c.fd] = struct{}{}

	for _, entry := range c.slots {
		if entry.done {
			continue
		}
		if entry.backendConn == nil {
			delete(e.table, entry.token)
			continue
		}
		// Resume a backend read paused on this client's behalf.
		e.setReadPaused(entry.backendConn, false)
	}
	c.slots = nil
	c.wbuf = nil

	e.emit(metrics.Event{Type: metrics.EventClientClosed})
	e.maybeResumeAccept()
}

// closeBackend tears down a backend connection and settles every entry still
// bound to it: retry once on a fresh backend where framing allows, otherwise
// fail the slot in proper pipeline order.
func (e *Engine) closeBackend(c *conn, cause closeCause) {
	if c.state == stateClosed {
		return
	}

	headPartial := c.framer.Midmessage()
	hadInflight := len(c.inflight) > 0
	c.state = stateClosed

	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, c.fd, nil); err != nil && err != unix.EBADF && err != unix.ENOENT {
		e.log.Error("epoll delete failed", "fd", c.fd, "error", err.Error())
	}
	unix.Close(c.fd)
	delete(e.conns, c.fd)
	e.closedInBurst[c.fd] = struct{}{}
	e.removeIdle(c)
	c.backend.DecrementConn()

	if cause != causeClean || hadInflight {
		if e.pool.MarkDown(c.backend) {
			e.log.Warn("backend marked down", "backend", c.addr)
			e.emit(metrics.Event{Type: metrics.EventBackendStateChanged, Backend: c.addr})
		}
	}

	inflight := c.inflight
	c.inflight = nil
	c.wbuf = nil

	for i, entry := range inflight {
		if entry.done {
			continue
		}
		entry.backendConn = nil

		if entry.client.state == stateClosed {
			delete(e.table, entry.token)
			continue
		}
		e.setReadPaused(entry.client, false)

		// The head entry cannot be retried if its response was already
		// partially parsed from this connection.
		if (i == 0 && headPartial) || entry.attempts >= 2 {
			e.failEntry(entry, 502)
		} else {
			e.dispatch(entry)
		}
	}

	e.maybeResumeAccept()
}

// checkWater applies backpressure when a connection's write buffer crosses
// the high-water mark: reads are paused on the connection and on the peers
// feeding it until the buffer drains below the low-water mark.
func (e *Engine) checkWater(c *conn) {
	if c.state == stateClosed {
		return
	}

	if !c.overHigh && len(c.wbuf) > e.cfg.HighWaterBytes {
		c.overHigh = true
		e.applyPressure(c, true)
	} else if c.overHigh && len(c.wbuf) <= e.cfg.LowWaterBytes {
		c.overHigh = false
		e.applyPressure(c, false)
	}
}

func (e *Engine) applyPressure(c *conn, paused bool) {
	e.setReadPaused(c, paused)

	if c.role == roleClient {
		for _, entry := range c.slots {
			if !entry.done && entry.backendConn != nil {
				e.setReadPaused(entry.backendConn, paused)
			}
		}
		return
	}

	for _, entry := range c.inflight {
		if entry.client.state != stateClosed {
			e.setReadPaused(entry.client, paused)
		}
	}
}

func (e *Engine) setReadPaused(c *conn, paused bool) {
	if c.state == stateClosed {
		return
	}
	if !paused && c.overHigh {
		// Its own buffer is still pressured.
		return
	}
	if c.readPaused == paused {
		return
	}
	c.readPaused = paused
	e.updateInterest(c)
}

// sweep runs once a second between event bursts: request timeouts, idle
// connection reaping, and accept resumption.
func (e *Engine) sweep(now time.Time) {
	if now.Sub(e.lastSweep) < time.Second {
		return
	}
	e.lastSweep = now

	var expired []*pendingRequest
	for _, entry := range e.table {
		if !entry.done && now.Sub(entry.created) > e.cfg.RequestTimeout {
			expired = append(expired, entry)
		}
	}
	for _, entry := range expired {
		bc := entry.backendConn
		e.failEntry(entry, 504)
		if bc != nil && bc.state != stateClosed {
			e.closeBackend(bc, causeTimeout)
		}
	}

	var stale []*conn
	for _, c := range e.conns {
		if now.Sub(c.lastActive) > e.cfg.IdleTimeout && !c.hasWork() {
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		e.log.Debug("closing idle connection",
			"role", c.role.String(),
			"fd", c.fd)
		e.closePeer(c, causeClean)
	}

	e.maybeResumeAccept()
}

func (e *Engine) emit(ev metrics.Event) {
	if e.collector == nil {
		return
	}
	ev.Timestamp = time.Now()
	select {
	case e.collector.EventChannel() <- ev:
	default:
	}
}
