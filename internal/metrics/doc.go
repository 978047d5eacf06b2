// Package metrics provides real-time metrics collection for the proxy.
//
// It uses a channel-based event pipeline to asynchronously collect metrics
// about request counts, backend selections, response times with percentile
// calculations (P50, P95, P99), status code distribution, backend liveness,
// and open client connections.
//
// The collector runs in a dedicated goroutine so the single-threaded
// connection engine never blocks on metrics. Events are sent via a buffered
// channel with non-blocking semantics; under extreme load events are dropped
// rather than stalling the event loop.
package metrics
