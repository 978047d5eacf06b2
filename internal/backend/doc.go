// Package backend defines the origin server record: resolved address,
// failure-driven liveness, and active connection tracking. It holds selection
// state only; sockets to backends are owned by the connection engine.
package backend
