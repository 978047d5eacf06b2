package httpwire

import (
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// HeaderRequestID is the correlation header stamped onto every forwarded
// request and echoed back by backends in their responses.
const HeaderRequestID = "X-Request-Id"

type Header map[string][]string

func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	k := textproto.CanonicalMIMEHeaderKey(key)
	if vv, ok := h[k]; ok && len(vv) > 0 {
		return vv[0]
	}
	return ""
}

func (h Header) Set(key, value string) {
	if h == nil {
		return
	}
	h[textproto.CanonicalMIMEHeaderKey(key)] = []string{value}
}

func (h Header) Add(key, value string) {
	if h == nil {
		return
	}
	k := textproto.CanonicalMIMEHeaderKey(key)
	h[k] = append(h[k], value)
}

func (h Header) Del(key string) {
	if h == nil {
		return
	}
	delete(h, textproto.CanonicalMIMEHeaderKey(key))
}

// Message is one complete HTTP/1.1 request or response.
type Message struct {
	IsResponse bool

	// Request fields.
	Method string
	Target string

	// Response fields.
	StatusCode int
	StatusText string

	Proto  string
	Header Header
	Body   []byte
}

// KeepAlive reports whether the peer expects the connection to stay open
// after this message. HTTP/1.1 defaults to persistent unless told otherwise,
// older protocols default to close.
func (m *Message) KeepAlive() bool {
	conn := strings.ToLower(m.Header.Get("Connection"))
	if m.Proto == "HTTP/1.1" {
		return conn != "close"
	}
	return conn == "keep-alive"
}

// RequestID returns the correlation token carried by this message, if any.
func (m *Message) RequestID() string {
	return m.Header.Get(HeaderRequestID)
}

// EncodeTo serializes the message in wire format. The Content-Length header
// is forced to match the body so a rewritten message always frames correctly.
func (m *Message) EncodeTo(w io.Writer) error {
	if m.IsResponse {
		text := m.StatusText
		if text == "" {
			text = http.StatusText(m.StatusCode)
		}
		if _, err := fmt.Fprintf(w, "%s %d %s\r\n", m.Proto, m.StatusCode, text); err != nil {
			return err
		}
	} else {
		if _, err := fmt.Fprintf(w, "%s %s %s\r\n", m.Method, m.Target, m.Proto); err != nil {
			return err
		}
	}

	if len(m.Body) > 0 || m.Header.Get("Content-Length") != "" {
		m.Header.Set("Content-Length", strconv.Itoa(len(m.Body)))
	}

	for k, vv := range m.Header {
		for _, v := range vv {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", k, v); err != nil {
				return err
			}
		}
	}

	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}

	if len(m.Body) > 0 {
		if _, err := w.Write(m.Body); err != nil {
			return err
		}
	}

	return nil
}

// NewErrorResponse builds a plain-text response the proxy generates itself,
// such as a 400 for an unparseable request or a 502 when no backend is
// reachable.
func NewErrorResponse(status int, keepAlive bool) *Message {
	body := []byte(http.StatusText(status) + "\n")

	h := Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	if !keepAlive {
		h.Set("Connection", "close")
	}

	return &Message{
		IsResponse: true,
		Proto:      "HTTP/1.1",
		StatusCode: status,
		Header:     h,
		Body:       body,
	}
}
