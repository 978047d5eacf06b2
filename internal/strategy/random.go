package strategy

import (
	"math/rand/v2"

	"github.com/bluey22/simple-http-proxy/internal/backend"
)

type randomStrategy struct{}

func (r *randomStrategy) SelectBackend(backends []*backend.Backend) *backend.Backend {
	live := make([]*backend.Backend, 0, len(backends))
	for _, b := range backends {
		if b.IsUp() {
			live = append(live, b)
		}
	}
	if len(live) == 0 {
		return nil
	}

	return live[rand.IntN(len(live))]
}

func NewRandomStrategy() Strategy {
	return &randomStrategy{}
}
