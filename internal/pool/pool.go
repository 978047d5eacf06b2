package pool

import (
	"errors"
	"sync"

	"github.com/bluey22/simple-http-proxy/internal/backend"
	"github.com/bluey22/simple-http-proxy/internal/strategy"
)

// ErrNoBackendAvailable is returned by Select when every configured backend
// is marked down. The caller surfaces this to the client immediately rather
// than retrying.
var ErrNoBackendAvailable = errors.New("pool: no backend available")

// Pool holds the fixed, ordered set of configured backends and delegates
// selection to a strategy. It owns selection state only; the engine owns the
// sockets.
type Pool struct {
	strategy strategy.Strategy
	backends []*backend.Backend
	mutex    sync.Mutex
}

func New(backends []*backend.Backend, strat strategy.Strategy) *Pool {
	return &Pool{
		strategy: strat,
		backends: backends,
	}
}

// Select returns the next live backend in strategy order.
func (p *Pool) Select() (*backend.Backend, error) {
	p.mutex.Lock()
	chosen := p.strategy.SelectBackend(p.backends)
	p.mutex.Unlock()

	if chosen == nil {
		return nil, ErrNoBackendAvailable
	}

	return chosen, nil
}

// MarkDown flags the backend dead after a dial or protocol failure.
// Returns true if the liveness state changed.
func (p *Pool) MarkDown(b *backend.Backend) bool {
	return b.MarkDown()
}

// MarkUp flags the backend live after a successful response.
// Returns true if the liveness state changed.
func (p *Pool) MarkUp(b *backend.Backend) bool {
	return b.MarkUp()
}

// Backends returns the configured list in ordinal order.
func (p *Pool) Backends() []*backend.Backend {
	return p.backends
}
