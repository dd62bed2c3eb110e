package quictrace

// Tracer receives transport events. Nil fields are filled with no-ops by
// InitTracer, so callers may set only the hooks they need.
type Tracer struct {
	NewConnection   func(connID uint64)
	NewStream       func(connID, streamID uint64)
	ConnectionError func(connID uint64, cause error)
	StreamError     func(connID, streamID uint64, cause error)

	// Optional hooks
	Connected         func(connID uint64, alpn string)
	ShutdownInitiated func(connID uint64, byPeer bool, cause error)
	StreamsAvailable  func(connID uint64, bidi, unidi uint16)
}

func InitTracer(tracer *Tracer) {
	if tracer == nil {
		panic("Tracer must not be nil")
	}

	if tracer.NewConnection == nil {
		tracer.NewConnection = DefaultNewConnection
	}

	if tracer.NewStream == nil {
		tracer.NewStream = DefaultNewStream
	}

	if tracer.ConnectionError == nil {
		tracer.ConnectionError = DefaultConnectionError
	}

	if tracer.StreamError == nil {
		tracer.StreamError = DefaultStreamError
	}

	if tracer.Connected == nil {
		tracer.Connected = DefaultConnected
	}

	if tracer.ShutdownInitiated == nil {
		tracer.ShutdownInitiated = DefaultShutdownInitiated
	}

	if tracer.StreamsAvailable == nil {
		tracer.StreamsAvailable = DefaultStreamsAvailable
	}
}

// DefaultTracer returns a Tracer whose hooks do nothing.
func DefaultTracer() *Tracer {
	tracer := &Tracer{}
	InitTracer(tracer)
	return tracer
}

// Default functions for Tracer function fields

var DefaultNewConnection = func(connID uint64) {}

var DefaultNewStream = func(connID, streamID uint64) {}

var DefaultConnectionError = func(connID uint64, cause error) {}

var DefaultStreamError = func(connID, streamID uint64, cause error) {}

var DefaultConnected = func(connID uint64, alpn string) {}

var DefaultShutdownInitiated = func(connID uint64, byPeer bool, cause error) {}

var DefaultStreamsAvailable = func(connID uint64, bidi, unidi uint16) {}

// Join returns a Tracer that forwards every event to each of tracers in
// order. Nil tracers are skipped.
func Join(tracers ...*Tracer) *Tracer {
	var ts []*Tracer
	for _, t := range tracers {
		if t == nil {
			continue
		}
		InitTracer(t)
		ts = append(ts, t)
	}

	return &Tracer{
		NewConnection: func(connID uint64) {
			for _, t := range ts {
				t.NewConnection(connID)
			}
		},
		NewStream: func(connID, streamID uint64) {
			for _, t := range ts {
				t.NewStream(connID, streamID)
			}
		},
		ConnectionError: func(connID uint64, cause error) {
			for _, t := range ts {
				t.ConnectionError(connID, cause)
			}
		},
		StreamError: func(connID, streamID uint64, cause error) {
			for _, t := range ts {
				t.StreamError(connID, streamID, cause)
			}
		},
		Connected: func(connID uint64, alpn string) {
			for _, t := range ts {
				t.Connected(connID, alpn)
			}
		},
		ShutdownInitiated: func(connID uint64, byPeer bool, cause error) {
			for _, t := range ts {
				t.ShutdownInitiated(connID, byPeer, cause)
			}
		},
		StreamsAvailable: func(connID uint64, bidi, unidi uint16) {
			for _, t := range ts {
				t.StreamsAvailable(connID, bidi, unidi)
			}
		},
	}
}
