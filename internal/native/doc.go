// Package native describes the function table of a callback-driven QUIC
// engine: opaque handles, context tokens, events, parameters, scatter
// buffers and platform status codes.
//
// The table is consumed by package quic. An implementation on top of
// quic-go lives in package quicgo.
package native
