package backend_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bluey22/simple-http-proxy/internal/backend"
)

func TestBackend(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Backend Suite")
}

var _ = Describe("Backend", func() {
	Describe("New", func() {
		It("should resolve a literal IPv4 address", func() {
			b, err := backend.New("127.0.0.1", 8081, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(b.Addr()).To(Equal("127.0.0.1:8081"))
			Expect(b.IPv4()).To(Equal([4]byte{127, 0, 0, 1}))
			Expect(b.Port()).To(Equal(8081))
			Expect(b.Ordinal()).To(Equal(0))
		})

		It("should start live", func() {
			b, err := backend.New("127.0.0.1", 8081, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(b.IsUp()).To(BeTrue())
		})

		It("should reject an unresolvable host", func() {
			_, err := backend.New("definitely-not-a-host.invalid", 8081, 0)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("liveness", func() {
		var b *backend.Backend

		BeforeEach(func() {
			var err error
			b, err = backend.New("127.0.0.1", 8081, 0)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should report a change on the first MarkDown only", func() {
			Expect(b.MarkDown()).To(BeTrue())
			Expect(b.MarkDown()).To(BeFalse())
			Expect(b.IsUp()).To(BeFalse())
		})

		It("should flip back up on MarkUp", func() {
			b.MarkDown()
			Expect(b.MarkUp()).To(BeTrue())
			Expect(b.MarkUp()).To(BeFalse())
			Expect(b.IsUp()).To(BeTrue())
		})
	})

	Describe("connection counting", func() {
		It("should track increments and decrements", func() {
			b, err := backend.New("127.0.0.1", 8081, 0)
			Expect(err).NotTo(HaveOccurred())

			b.IncrementConn()
			b.IncrementConn()
			Expect(b.ActiveConnections()).To(Equal(2))

			b.DecrementConn()
			Expect(b.ActiveConnections()).To(Equal(1))
		})

		It("should not go negative", func() {
			b, err := backend.New("127.0.0.1", 8081, 0)
			Expect(err).NotTo(HaveOccurred())

			b.DecrementConn()
			Expect(b.ActiveConnections()).To(BeZero())
		})
	})
})
