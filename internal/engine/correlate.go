package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"

	"github.com/bluey22/simple-http-proxy/internal/backend"
	"github.com/bluey22/simple-http-proxy/internal/httpwire"
	"github.com/bluey22/simple-http-proxy/internal/metrics"
)

// pendingRequest is one outstanding request awaiting a backend response. It
// occupies a slot in its client's pipeline queue from dispatch until the
// response (or a proxy-generated error) has been flushed in slot order.
type pendingRequest struct {
	token   string
	client  *conn
	created time.Time

	// Serialized request bytes, retained so the entry can be redispatched
	// once if its first backend fails before responding.
	request  []byte
	attempts int

	backend     *backend.Backend
	backendConn *conn

	done       bool
	status     int
	response   []byte
	closeAfter bool
}

// newToken yields a correlation token unique among currently pending
// entries. A client-supplied token is honored unless it would collide.
func (e *Engine) newToken(supplied string) string {
	token := supplied
	for token == "" || e.table[token] != nil {
		token = uuid.NewString()
	}
	return token
}

// completeEntry fills the entry's slot with the backend response and flushes
// whatever prefix of the client's pipeline is now ready.
func (e *Engine) completeEntry(entry *pendingRequest, msg *httpwire.Message) {
	if entry.done {
		return
	}
	entry.done = true
	entry.status = msg.StatusCode
	entry.response = encodeMessage(msg)
	delete(e.table, entry.token)

	e.emit(metrics.Event{
		Type:       metrics.EventResponseCompleted,
		Backend:    entry.backend.Addr(),
		Duration:   time.Since(entry.created),
		StatusCode: msg.StatusCode,
	})

	e.flushClient(entry.client)
}

// failEntry fills the entry's slot with a proxy-generated error response so
// pipeline ordering survives backend failures.
func (e *Engine) failEntry(entry *pendingRequest, status int) {
	if entry.done {
		return
	}
	entry.done = true
	entry.status = status
	delete(e.table, entry.token)

	ev := metrics.Event{
		Type:       metrics.EventResponseCompleted,
		Duration:   time.Since(entry.created),
		StatusCode: status,
	}
	if entry.backend != nil {
		ev.Backend = entry.backend.Addr()
	}
	e.emit(ev)

	if entry.client.state == stateClosed {
		return
	}

	resp := httpwire.NewErrorResponse(status, !entry.closeAfter)
	resp.Header.Set(httpwire.HeaderRequestID, entry.token)
	entry.response = encodeMessage(resp)

	e.flushClient(entry.client)
}

// flushClient appends completed slots to the client's write buffer strictly
// in pipeline order: a slot goes out only after every earlier slot has.
func (e *Engine) flushClient(c *conn) {
	if c.state == stateClosed {
		return
	}

	flushed := false
	for len(c.slots) > 0 && c.slots[0].done {
		entry := c.slots[0]
		c.slots = c.slots[1:]
		c.wbuf = append(c.wbuf, entry.response...)
		entry.response = nil
		flushed = true
		if entry.closeAfter {
			c.closeAfterFlush = true
			break
		}
	}

	if flushed {
		if c.state == stateReading {
			c.state = stateWriting
		}
		e.updateInterest(c)
		e.checkWater(c)
	}
}

func removeInflight(bc *conn, entry *pendingRequest) {
	for i, other := range bc.inflight {
		if other == entry {
			bc.inflight = append(bc.inflight[:i], bc.inflight[i+1:]...)
			return
		}
	}
}

func encodeMessage(msg *httpwire.Message) []byte {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	// ByteBuffer writes cannot fail.
	_ = msg.EncodeTo(bb)

	out := make([]byte, len(bb.B))
	copy(out, bb.B)
	return out
}
