// Package strategy defines the backend selection interface and
// implements the available algorithms:
//
//   - Round Robin: strict circular order over configured ordinals, skipping
//     backends marked down
//   - Random: uniform selection among live backends
//
// All strategies respect backend liveness and only select live backends.
package strategy
