// Package quic adapts a callback-driven QUIC engine to blocking,
// backpressure-aware connections and streams.
//
// The engine is reached through a table of native calls. Every object the
// engine reports events for is registered under an opaque token, and the
// engine only ever sees that token. Events arriving for an object that has
// been disposed are acknowledged and ignored.
//
// # Objects
//
// The package provides the following types:
//
//   - Registration: Root of all engine objects; opens sessions and security configurations
//   - Session: Groups listeners and client connections sharing one ALPN and transport settings
//   - Listener: Accepts incoming connections on a bound endpoint
//   - Connection: An established connection that opens and accepts streams
//   - Stream: A bidirectional or unidirectional stream with io.Reader and io.Writer
//   - ListenerFactory: Lazily opens a registration and session for one Config
//
// # Basic Usage
//
// To accept connections:
//
//	factory := &quic.ListenerFactory{Config: &quic.Config{
//	    ALPN:        "echo",
//	    Certificate: &cert,
//	}}
//	defer factory.Close()
//
//	listener, err := factory.Bind(ctx, netip.MustParseAddrPort("127.0.0.1:4433"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	for {
//	    conn, err := listener.Accept(ctx)
//	    if err != nil {
//	        return
//	    }
//	    go handleConnection(conn)
//	}
//
// To connect:
//
//	conn, err := factory.Dial(ctx, "127.0.0.1:4433", &quic.ConnectOptions{
//	    DisableCertificateValidation: true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	stream, err := conn.OpenStream(quic.Bidirectional)
//
// # Flow Control
//
// A stream copies received bytes into its own buffer and tells the engine
// to pause after every delivery. Nothing more arrives until Read has
// consumed enough to bring the unread amount down to half of
// Config.MaxReceiveBufferSize, at which point it resumes delivery.
//
// Send does not copy. The slices stay pinned until the engine reports the
// send complete, which the returned SendCompletion observes. Write is Send
// followed by waiting for the completion.
//
// # Errors
//
// Native failures are returned as *StatusError and match the Err* values
// through errors.Is. A peer abandoning a stream surfaces *PeerAbortError.
// Operations cut short by a closing stream or connection fail with
// ErrCanceled, wrapping the cause when one is known.
package quic
