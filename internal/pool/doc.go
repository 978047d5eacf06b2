// Package pool implements the backend pool: the fixed ordered set of origin
// servers, round-robin (or random) selection among those currently live, and
// the failure-driven liveness transitions described in the error handling
// policy.
package pool
