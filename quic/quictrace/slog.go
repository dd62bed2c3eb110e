package quictrace

import "log/slog"

// NewSlogTracer returns a Tracer that writes every event to logger.
// Errors are logged at error level, everything else at debug level.
func NewSlogTracer(logger *slog.Logger) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Tracer{
		NewConnection: func(connID uint64) {
			logger.Debug("new connection",
				"connection_id", connID,
			)
		},
		NewStream: func(connID, streamID uint64) {
			logger.Debug("new stream",
				"connection_id", connID,
				"stream_id", streamID,
			)
		},
		ConnectionError: func(connID uint64, cause error) {
			logger.Error("connection error",
				"connection_id", connID,
				"error", cause,
			)
		},
		StreamError: func(connID, streamID uint64, cause error) {
			logger.Error("stream error",
				"connection_id", connID,
				"stream_id", streamID,
				"error", cause,
			)
		},
		Connected: func(connID uint64, alpn string) {
			logger.Debug("connected",
				"connection_id", connID,
				"alpn", alpn,
			)
		},
		ShutdownInitiated: func(connID uint64, byPeer bool, cause error) {
			logger.Debug("shutdown initiated",
				"connection_id", connID,
				"by_peer", byPeer,
				"reason", cause,
			)
		},
		StreamsAvailable: func(connID uint64, bidi, unidi uint16) {
			logger.Debug("streams available",
				"connection_id", connID,
				"bidirectional", bidi,
				"unidirectional", unidi,
			)
		},
	}
}
