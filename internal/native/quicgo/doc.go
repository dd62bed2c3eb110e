// Package quicgo implements the native engine table on top of quic-go.
//
// Every object is addressed by a handle stored in a sharded map. Events are
// dispatched from engine goroutines and are serialized per object, never
// raised from inside an API call. Short tasks run on an ants pool while the
// per-object receive, send and accept loops each own a goroutine.
//
// quic-go fixes transport parameters when a handshake starts, so stream
// counts and idle timeouts apply per session for accepted connections and
// may be overridden only on client connections before ConnectionStart.
package quicgo
