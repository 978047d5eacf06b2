// Package engine implements the event-driven connection engine: a
// single-threaded, epoll-based readiness loop that multiplexes client and
// backend sockets, drives the incremental HTTP framer on each connection,
// forwards requests to backends chosen by the pool, and correlates backend
// responses back to the exact client slot that issued them.
//
// Every request is stamped with an X-Request-Id correlation token before
// forwarding. Backends echo the token, and the engine uses it to place the
// response into the originating client's pipeline slot. Slots are flushed to
// the wire strictly in request-arrival order, so backend responses may
// complete out of order without corrupting pipelined delivery.
//
// All connection and correlation state is owned by the loop goroutine and is
// never touched concurrently; the only cross-thread contact point is the
// buffered metrics event channel.
package engine
