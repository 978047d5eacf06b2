package httpwire

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMalformed reports a message that violates HTTP/1.1 framing.
	ErrMalformed = errors.New("httpwire: malformed message")

	// ErrHeaderTooLarge reports a header block exceeding the configured limit.
	ErrHeaderTooLarge = errors.New("httpwire: header block too large")
)

var crlfcrlf = []byte("\r\n\r\n")

type phase int

const (
	phaseHeaders phase = iota
	phaseBody
	phaseChunkSize
	phaseChunkData
	phaseChunkCRLF
	phaseTrailers
)

// Framer incrementally extracts HTTP/1.1 messages from an accumulating byte
// buffer. Bytes enter via Feed, complete messages leave via Next. Once a
// framing error is returned the framer is poisoned and the connection it was
// reading from must be torn down.
type Framer struct {
	buf       []byte
	maxHeader int
	phase     phase
	cur       *Message
	need      int64
	err       error
}

func NewFramer(maxHeaderBytes int) *Framer {
	return &Framer{maxHeader: maxHeaderBytes}
}

// Feed appends raw bytes read off the wire.
func (f *Framer) Feed(p []byte) {
	f.buf = append(f.buf, p...)
}

// Buffered returns the number of bytes held but not yet consumed into a
// complete message.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Midmessage reports whether the framer has consumed part of a message that
// has not completed yet. A connection torn down in this state cannot be
// reused without desynchronizing.
func (f *Framer) Midmessage() bool {
	return f.cur != nil || len(f.buf) > 0
}

// Next attempts to extract one complete message. It returns (nil, nil) when
// more bytes are needed; the engine calls it in a loop per readiness event to
// drain pipelined messages.
func (f *Framer) Next() (*Message, error) {
	if f.err != nil {
		return nil, f.err
	}

	for {
		switch f.phase {
		case phaseHeaders:
			idx := bytes.Index(f.buf, crlfcrlf)
			if idx < 0 {
				if f.maxHeader > 0 && len(f.buf) > f.maxHeader {
					return nil, f.fail(ErrHeaderTooLarge)
				}
				return nil, nil
			}
			if f.maxHeader > 0 && idx+len(crlfcrlf) > f.maxHeader {
				return nil, f.fail(ErrHeaderTooLarge)
			}

			msg, err := parseHeaderBlock(f.buf[:idx])
			if err != nil {
				return nil, f.fail(err)
			}
			f.consume(idx + len(crlfcrlf))
			f.cur = msg

			if hasChunked(msg.Header) {
				msg.Header.Del("Transfer-Encoding")
				f.phase = phaseChunkSize
				continue
			}

			cl, err := contentLength(msg.Header)
			if err != nil {
				return nil, f.fail(err)
			}
			if cl > 0 {
				f.need = cl
				f.phase = phaseBody
				continue
			}
			return f.complete(), nil

		case phaseBody, phaseChunkData:
			take := int64(len(f.buf))
			if take > f.need {
				take = f.need
			}
			f.cur.Body = append(f.cur.Body, f.buf[:take]...)
			f.consume(int(take))
			f.need -= take
			if f.need > 0 {
				return nil, nil
			}
			if f.phase == phaseChunkData {
				f.phase = phaseChunkCRLF
				continue
			}
			return f.complete(), nil

		case phaseChunkSize:
			line, ok, err := f.nextLine()
			if err != nil {
				return nil, f.fail(err)
			}
			if !ok {
				return nil, nil
			}
			size, err := parseChunkSize(line)
			if err != nil {
				return nil, f.fail(err)
			}
			if size == 0 {
				f.phase = phaseTrailers
				continue
			}
			f.need = size
			f.phase = phaseChunkData

		case phaseChunkCRLF:
			if len(f.buf) < 2 {
				return nil, nil
			}
			if f.buf[0] != '\r' || f.buf[1] != '\n' {
				return nil, f.fail(fmt.Errorf("%w: missing CRLF after chunk", ErrMalformed))
			}
			f.consume(2)
			f.phase = phaseChunkSize

		case phaseTrailers:
			line, ok, err := f.nextLine()
			if err != nil {
				return nil, f.fail(err)
			}
			if !ok {
				return nil, nil
			}
			if line == "" {
				return f.complete(), nil
			}
			// Trailer fields are delimited and dropped.
		}
	}
}

func (f *Framer) consume(n int) {
	f.buf = f.buf[n:]
}

func (f *Framer) complete() *Message {
	msg := f.cur
	f.cur = nil
	f.need = 0
	f.phase = phaseHeaders
	if len(msg.Body) > 0 {
		msg.Header.Set("Content-Length", strconv.Itoa(len(msg.Body)))
	}
	return msg
}

func (f *Framer) fail(err error) error {
	f.err = err
	return err
}

// nextLine consumes one CRLF-terminated line, reporting ok=false when the
// terminator has not arrived yet.
func (f *Framer) nextLine() (string, bool, error) {
	idx := bytes.Index(f.buf, []byte("\r\n"))
	if idx < 0 {
		if f.maxHeader > 0 && len(f.buf) > f.maxHeader {
			return "", false, fmt.Errorf("%w: oversized line", ErrMalformed)
		}
		return "", false, nil
	}
	line := string(f.buf[:idx])
	f.consume(idx + 2)
	return line, true, nil
}

func parseHeaderBlock(block []byte) (*Message, error) {
	lines := strings.Split(string(block), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("%w: empty start line", ErrMalformed)
	}

	msg := &Message{Header: Header{}}

	parts := strings.Fields(lines[0])
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty start line", ErrMalformed)
	}
	if strings.HasPrefix(parts[0], "HTTP/") {
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: bad status line %q", ErrMalformed, lines[0])
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil || code < 100 || code > 599 {
			return nil, fmt.Errorf("%w: bad status code %q", ErrMalformed, lines[0])
		}
		msg.IsResponse = true
		msg.Proto = parts[0]
		msg.StatusCode = code
		if len(parts) > 2 {
			msg.StatusText = strings.Join(parts[2:], " ")
		}
	} else {
		if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/1.") {
			return nil, fmt.Errorf("%w: bad request line %q", ErrMalformed, lines[0])
		}
		msg.Method = parts[0]
		msg.Target = parts[1]
		msg.Proto = parts[2]
	}

	for _, line := range lines[1:] {
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, fmt.Errorf("%w: bad header line %q", ErrMalformed, line)
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if k == "" {
			return nil, fmt.Errorf("%w: empty header name", ErrMalformed)
		}
		msg.Header.Add(k, v)
	}

	return msg, nil
}

func contentLength(h Header) (int64, error) {
	v := h.Get("Content-Length")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad Content-Length %q", ErrMalformed, v)
	}
	return n, nil
}

func hasChunked(h Header) bool {
	for _, v := range h["Transfer-Encoding"] {
		if strings.Contains(strings.ToLower(v), "chunked") {
			return true
		}
	}
	return false
}

func parseChunkSize(line string) (int64, error) {
	// Chunk extensions follow a semicolon and are ignored.
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, fmt.Errorf("%w: empty chunk size", ErrMalformed)
	}
	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad chunk size %q", ErrMalformed, line)
	}
	return n, nil
}
