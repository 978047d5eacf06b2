package strategy

import (
	"sync"

	"github.com/bluey22/simple-http-proxy/internal/backend"
)

// roundRobinStrategy advances a cursor through the configured list in strict
// circular order, skipping backends marked down. The cursor position is tied
// to configured ordinals, not to the shrinking live set, so a backend coming
// back up resumes its original slot in the rotation.
type roundRobinStrategy struct {
	mutex sync.Mutex
	next  int
}

func (rr *roundRobinStrategy) SelectBackend(backends []*backend.Backend) *backend.Backend {
	if len(backends) == 0 {
		return nil
	}

	rr.mutex.Lock()
	defer rr.mutex.Unlock()

	for i := 0; i < len(backends); i++ {
		idx := (rr.next + i) % len(backends)
		if backends[idx].IsUp() {
			rr.next = (idx + 1) % len(backends)
			return backends[idx]
		}
	}

	return nil
}

func NewRoundRobinStrategy() Strategy {
	return &roundRobinStrategy{}
}
