package main

import (
	"log/slog"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bluey22/simple-http-proxy/config"
)

func TestMain(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Main Suite")
}

var _ = Describe("initializeBackends", func() {
	var (
		log *slog.Logger
		cfg *config.Config
	)

	BeforeEach(func() {
		log = slog.Default()
		cfg = &config.Config{}
	})

	Context("valid backends", func() {
		It("should initialize a single backend", func() {
			cfg.Backends = []config.BackendConfig{{Host: "127.0.0.1", Port: 8080}}
			backends, err := initializeBackends(cfg, log)
			Expect(err).NotTo(HaveOccurred())
			Expect(backends).To(HaveLen(1))
			Expect(backends[0].Addr()).To(Equal("127.0.0.1:8080"))
		})

		It("should initialize multiple backends with stable ordinals", func() {
			cfg.Backends = []config.BackendConfig{
				{Host: "127.0.0.1", Port: 8080},
				{Host: "127.0.0.1", Port: 8081},
				{Host: "127.0.0.1", Port: 8082},
			}
			backends, err := initializeBackends(cfg, log)
			Expect(err).NotTo(HaveOccurred())
			Expect(backends).To(HaveLen(3))
			for i, b := range backends {
				Expect(b.Ordinal()).To(Equal(i))
			}
		})

		It("should resolve hostnames", func() {
			cfg.Backends = []config.BackendConfig{{Host: "localhost", Port: 8080}}
			backends, err := initializeBackends(cfg, log)
			Expect(err).NotTo(HaveOccurred())
			Expect(backends).To(HaveLen(1))
		})
	})

	Context("invalid configurations", func() {
		It("should return error when no backends configured", func() {
			cfg.Backends = []config.BackendConfig{}
			backends, err := initializeBackends(cfg, log)
			Expect(err).To(HaveOccurred())
			Expect(backends).To(BeNil())
		})

		It("should skip unresolvable hosts but continue with valid ones", func() {
			cfg.Backends = []config.BackendConfig{
				{Host: "host.invalid.", Port: 8080},
				{Host: "127.0.0.1", Port: 8081},
			}
			backends, err := initializeBackends(cfg, log)
			Expect(err).NotTo(HaveOccurred())
			Expect(backends).To(HaveLen(1))
		})

		It("should return error when no backend resolves", func() {
			cfg.Backends = []config.BackendConfig{
				{Host: "host.invalid.", Port: 8080},
			}
			backends, err := initializeBackends(cfg, log)
			Expect(err).To(HaveOccurred())
			Expect(backends).To(BeNil())
		})
	})
})

var _ = Describe("createStrategy", func() {
	var log *slog.Logger

	BeforeEach(func() {
		log = slog.Default()
	})

	It("should create round-robin strategy", func() {
		Expect(createStrategy(log, "round-robin")).NotTo(BeNil())
	})

	It("should create random strategy", func() {
		Expect(createStrategy(log, "random")).NotTo(BeNil())
	})

	It("should default to round-robin for unknown strategy", func() {
		Expect(createStrategy(log, "least-astonishment")).NotTo(BeNil())
	})

	It("should default to round-robin for empty strategy", func() {
		Expect(createStrategy(log, "")).NotTo(BeNil())
	})
})

var _ = Describe("engineConfig", func() {
	It("should translate proxy settings including durations", func() {
		cfg := &config.Config{
			Server: config.ServerConfig{Address: "127.0.0.1:9000"},
			Proxy: config.ProxyConfig{
				ReadChunkBytes: 4096,
				MaxHeaderBytes: 8192,
				HighWaterBytes: 256 * 1024,
				LowWaterBytes:  64 * 1024,
				MaxConnections: 1024,
				Backlog:        150,
				IdleTimeout:    "60s",
				RequestTimeout: "30s",
			},
		}

		engCfg, err := engineConfig(cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(engCfg.ListenAddr).To(Equal("127.0.0.1:9000"))
		Expect(engCfg.IdleTimeout).To(Equal(60 * time.Second))
		Expect(engCfg.RequestTimeout).To(Equal(30 * time.Second))
	})

	It("should reject an unparseable timeout", func() {
		cfg := &config.Config{
			Proxy: config.ProxyConfig{IdleTimeout: "soon"},
		}
		_, err := engineConfig(cfg)
		Expect(err).To(HaveOccurred())
	})
})
