package config_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/viper"

	"github.com/bluey22/simple-http-proxy/config"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

var _ = Describe("Config", func() {
	var (
		tempDir string
		origDir string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test-*")
		Expect(err).NotTo(HaveOccurred())
		origDir, err = os.Getwd()
		Expect(err).NotTo(HaveOccurred())
		viper.Reset()
	})

	AfterEach(func() {
		os.Chdir(origDir)
		os.RemoveAll(tempDir)
		os.Unsetenv("STRATEGY_TYPE")
		viper.Reset()
	})

	writeConfig := func(content string) {
		configPath := filepath.Join(tempDir, "config.yaml")
		err := os.WriteFile(configPath, []byte(content), 0644)
		Expect(err).NotTo(HaveOccurred())

		err = os.Chdir(tempDir)
		Expect(err).NotTo(HaveOccurred())
	}

	Describe("Load", func() {
		Context("with valid config file", func() {
			BeforeEach(func() {
				writeConfig(`
server:
  address: "127.0.0.1:9000"
  environment: "dev"

proxy:
  read_chunk_bytes: 4096
  max_header_bytes: 8192
  high_water_bytes: 262144
  low_water_bytes: 65536
  max_connections: 512
  backlog: 150
  idle_timeout: "60s"
  request_timeout: "30s"

strategy:
  type: "round-robin"

backends:
  - host: "127.0.0.1"
    port: 8081
  - host: "127.0.0.1"
    port: 8082

logging:
  level: "info"

metrics:
  enabled: true
  address: "127.0.0.1:9100"
  buffer: 1024
`)
			})

			It("should load configuration successfully", func() {
				cfg, err := config.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Server.Address).To(Equal("127.0.0.1:9000"))
				Expect(cfg.Backends).To(HaveLen(2))
				Expect(cfg.Backends[0].Host).To(Equal("127.0.0.1"))
				Expect(cfg.Backends[0].Port).To(Equal(8081))
				Expect(cfg.Proxy.MaxConnections).To(Equal(512))
				Expect(cfg.Strategy.Type).To(Equal("round-robin"))
			})
		})

		Context("with missing backends", func() {
			BeforeEach(func() {
				writeConfig(`
server:
  address: "127.0.0.1:9000"
  environment: "dev"
logging:
  level: "info"
`)
			})

			It("should fail validation", func() {
				_, err := config.Load()
				Expect(err).To(HaveOccurred())
			})
		})

		Context("with invalid backend port", func() {
			BeforeEach(func() {
				writeConfig(`
server:
  address: "127.0.0.1:9000"
  environment: "dev"
backends:
  - host: "127.0.0.1"
    port: 70000
logging:
  level: "info"
`)
			})

			It("should fail validation", func() {
				_, err := config.Load()
				Expect(err).To(HaveOccurred())
			})
		})

		Context("with unknown strategy", func() {
			BeforeEach(func() {
				writeConfig(`
server:
  address: "127.0.0.1:9000"
  environment: "dev"
strategy:
  type: "least-latency"
backends:
  - host: "127.0.0.1"
    port: 8081
logging:
  level: "info"
`)
			})

			It("should fail validation", func() {
				_, err := config.Load()
				Expect(err).To(HaveOccurred())
			})
		})

		Context("with inverted watermarks", func() {
			BeforeEach(func() {
				writeConfig(`
server:
  address: "127.0.0.1:9000"
  environment: "dev"
proxy:
  high_water_bytes: 1024
  low_water_bytes: 4096
backends:
  - host: "127.0.0.1"
    port: 8081
logging:
  level: "info"
`)
			})

			It("should fail validation", func() {
				_, err := config.Load()
				Expect(err).To(HaveOccurred())
			})
		})

		Context("with no config file", func() {
			BeforeEach(func() {
				err := os.Chdir(tempDir)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should still require backends", func() {
				_, err := config.Load()
				Expect(err).To(HaveOccurred())
			})
		})
	})
})
