// Package httpwire implements incremental HTTP/1.1 message framing over raw
// byte streams. A Framer accumulates bytes fed from a non-blocking socket and
// yields complete request or response messages one at a time, supporting
// Content-Length and chunked bodies, keep-alive semantics, and pipelining
// (multiple messages buffered back to back).
//
// The framer delimits bodies; it does not interpret them. Chunked bodies are
// de-chunked on extraction and messages are re-serialized with an explicit
// Content-Length, which keeps framing valid after the proxy rewrites headers.
package httpwire
