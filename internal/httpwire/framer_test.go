package httpwire_test

import (
	"bytes"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bluey22/simple-http-proxy/internal/httpwire"
)

func TestHTTPWire(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "HTTPWire Suite")
}

const simpleGet = "GET /index.html HTTP/1.1\r\nHost: example.com\r\nConnection: keep-alive\r\n\r\n"

var _ = Describe("Framer", func() {
	var framer *httpwire.Framer

	BeforeEach(func() {
		framer = httpwire.NewFramer(8192)
	})

	Describe("Next", func() {
		Context("with a complete request", func() {
			It("should parse the start line and headers", func() {
				framer.Feed([]byte(simpleGet))

				msg, err := framer.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(msg).NotTo(BeNil())
				Expect(msg.IsResponse).To(BeFalse())
				Expect(msg.Method).To(Equal("GET"))
				Expect(msg.Target).To(Equal("/index.html"))
				Expect(msg.Proto).To(Equal("HTTP/1.1"))
				Expect(msg.Header.Get("Host")).To(Equal("example.com"))
			})

			It("should leave nothing buffered", func() {
				framer.Feed([]byte(simpleGet))

				_, err := framer.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(framer.Buffered()).To(BeZero())
				Expect(framer.Midmessage()).To(BeFalse())
			})
		})

		Context("with a request split across arbitrary chunk boundaries", func() {
			It("should yield the same message regardless of the split point", func() {
				whole := httpwire.NewFramer(8192)
				whole.Feed([]byte(simpleGet))
				want, err := whole.Next()
				Expect(err).NotTo(HaveOccurred())

				for cut := 1; cut < len(simpleGet); cut++ {
					f := httpwire.NewFramer(8192)

					f.Feed([]byte(simpleGet[:cut]))
					early, err := f.Next()
					if err == nil && early == nil {
						f.Feed([]byte(simpleGet[cut:]))
						early, err = f.Next()
					}
					Expect(err).NotTo(HaveOccurred())
					Expect(early).NotTo(BeNil(), "split at %d", cut)
					Expect(early.Method).To(Equal(want.Method))
					Expect(early.Target).To(Equal(want.Target))
					Expect(early.Header.Get("Host")).To(Equal(want.Header.Get("Host")))
				}
			})
		})

		Context("with an incomplete message", func() {
			It("should report need-more-data without consuming state", func() {
				framer.Feed([]byte("GET / HTTP/1.1\r\nHost: a"))

				msg, err := framer.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(msg).To(BeNil())

				framer.Feed([]byte("\r\n\r\n"))
				msg, err = framer.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(msg).NotTo(BeNil())
				Expect(msg.Header.Get("Host")).To(Equal("a"))
			})
		})

		Context("with a Content-Length body", func() {
			It("should deliver the exact body", func() {
				framer.Feed([]byte("POST /submit HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello"))

				msg, err := framer.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(msg).NotTo(BeNil())
				Expect(string(msg.Body)).To(Equal("hello"))
			})

			It("should wait for the full body", func() {
				framer.Feed([]byte("POST /submit HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhel"))

				msg, err := framer.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(msg).To(BeNil())
				Expect(framer.Midmessage()).To(BeTrue())

				framer.Feed([]byte("lo"))
				msg, err = framer.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(string(msg.Body)).To(Equal("hello"))
			})
		})

		Context("with two concatenated responses", func() {
			It("should return both in order before reporting incomplete", func() {
				resp := "HTTP/1.1 200 OK\r\nContent-Length: 3\r\nX-Request-Id: %s\r\n\r\nabc"
				framer.Feed([]byte(strings.Replace(resp, "%s", "one", 1)))
				framer.Feed([]byte(strings.Replace(resp, "%s", "two", 1)))

				first, err := framer.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(first).NotTo(BeNil())
				Expect(first.RequestID()).To(Equal("one"))

				second, err := framer.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(second).NotTo(BeNil())
				Expect(second.RequestID()).To(Equal("two"))

				third, err := framer.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(third).To(BeNil())
			})
		})

		Context("with a chunked response", func() {
			It("should de-chunk the body and rewrite the length", func() {
				framer.Feed([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
					"4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"))

				msg, err := framer.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(msg).NotTo(BeNil())
				Expect(string(msg.Body)).To(Equal("Wikipedia"))
				Expect(msg.Header.Get("Transfer-Encoding")).To(BeEmpty())
				Expect(msg.Header.Get("Content-Length")).To(Equal("9"))
			})

			It("should handle chunk extensions and trailers", func() {
				framer.Feed([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
					"3;ext=1\r\nabc\r\n0\r\nExpires: never\r\n\r\n"))

				msg, err := framer.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(string(msg.Body)).To(Equal("abc"))
			})

			It("should survive byte-at-a-time delivery", func() {
				raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nWiki\r\n0\r\n\r\n"
				var msg *httpwire.Message
				var err error
				for i := 0; i < len(raw); i++ {
					framer.Feed([]byte{raw[i]})
					msg, err = framer.Next()
					Expect(err).NotTo(HaveOccurred())
					if i < len(raw)-1 {
						Expect(msg).To(BeNil())
					}
				}
				Expect(msg).NotTo(BeNil())
				Expect(string(msg.Body)).To(Equal("Wiki"))
			})

			It("should reject a garbage chunk size", func() {
				framer.Feed([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n"))

				_, err := framer.Next()
				Expect(err).To(MatchError(httpwire.ErrMalformed))
			})
		})

		Context("with malformed input", func() {
			It("should reject a bad request line", func() {
				framer.Feed([]byte("GARBAGE\r\n\r\n"))

				_, err := framer.Next()
				Expect(err).To(MatchError(httpwire.ErrMalformed))
			})

			It("should reject a header line without a colon", func() {
				framer.Feed([]byte("GET / HTTP/1.1\r\nbadheader\r\n\r\n"))

				_, err := framer.Next()
				Expect(err).To(MatchError(httpwire.ErrMalformed))
			})

			It("should reject a negative Content-Length", func() {
				framer.Feed([]byte("POST / HTTP/1.1\r\nContent-Length: -4\r\n\r\n"))

				_, err := framer.Next()
				Expect(err).To(MatchError(httpwire.ErrMalformed))
			})

			It("should stay poisoned after an error", func() {
				framer.Feed([]byte("GARBAGE\r\n\r\n"))

				_, err := framer.Next()
				Expect(err).To(HaveOccurred())

				framer.Feed([]byte(simpleGet))
				_, err = framer.Next()
				Expect(err).To(HaveOccurred())
			})
		})

		Context("with an oversized header block", func() {
			It("should fail once the limit is exceeded", func() {
				f := httpwire.NewFramer(64)
				f.Feed([]byte("GET / HTTP/1.1\r\nX-Padding: " + strings.Repeat("a", 128)))

				_, err := f.Next()
				Expect(err).To(MatchError(httpwire.ErrHeaderTooLarge))
			})
		})
	})
})

var _ = Describe("Message", func() {
	Describe("KeepAlive", func() {
		It("should default to persistent for HTTP/1.1", func() {
			msg := &httpwire.Message{Proto: "HTTP/1.1", Header: httpwire.Header{}}
			Expect(msg.KeepAlive()).To(BeTrue())
		})

		It("should honor Connection: close on HTTP/1.1", func() {
			msg := &httpwire.Message{Proto: "HTTP/1.1", Header: httpwire.Header{}}
			msg.Header.Set("Connection", "close")
			Expect(msg.KeepAlive()).To(BeFalse())
		})

		It("should default to close for HTTP/1.0", func() {
			msg := &httpwire.Message{Proto: "HTTP/1.0", Header: httpwire.Header{}}
			Expect(msg.KeepAlive()).To(BeFalse())

			msg.Header.Set("Connection", "keep-alive")
			Expect(msg.KeepAlive()).To(BeTrue())
		})
	})

	Describe("EncodeTo", func() {
		It("should produce a parseable request with matching body length", func() {
			msg := &httpwire.Message{
				Method: "POST",
				Target: "/submit",
				Proto:  "HTTP/1.1",
				Header: httpwire.Header{},
				Body:   []byte("hello"),
			}
			msg.Header.Set("Host", "example.com")
			msg.Header.Set(httpwire.HeaderRequestID, "tok-1")

			var buf bytes.Buffer
			Expect(msg.EncodeTo(&buf)).To(Succeed())

			f := httpwire.NewFramer(8192)
			f.Feed(buf.Bytes())
			got, err := f.Next()
			Expect(err).NotTo(HaveOccurred())
			Expect(got).NotTo(BeNil())
			Expect(got.Method).To(Equal("POST"))
			Expect(got.RequestID()).To(Equal("tok-1"))
			Expect(string(got.Body)).To(Equal("hello"))
		})

		It("should fill in a standard reason phrase", func() {
			var buf bytes.Buffer
			msg := httpwire.NewErrorResponse(502, true)
			Expect(msg.EncodeTo(&buf)).To(Succeed())
			Expect(buf.String()).To(HavePrefix("HTTP/1.1 502 Bad Gateway\r\n"))
		})
	})
})
