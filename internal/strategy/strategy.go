package strategy

import (
	"github.com/bluey22/simple-http-proxy/internal/backend"
)

// Strategy picks one live backend from the configured list. Implementations
// receive the full ordered list and must skip backends currently marked down,
// returning nil when none are live.
type Strategy interface {
	SelectBackend(backends []*backend.Backend) *backend.Backend
}
