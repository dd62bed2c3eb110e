package native

// Status is a raw engine status in the platform's encoding.
// Constants are defined per platform; use Failed rather than comparing
// against zero.
type Status uint32

func (s Status) Failed() bool {
	return statusFailed(s)
}

func (s Status) Succeeded() bool {
	return !statusFailed(s)
}

// Name returns the symbolic name without the platform detail, e.g.
// QUIC_STATUS_ADDRESS_IN_USE.
func (s Status) Name() string {
	if name, ok := statusNames[s]; ok {
		return "QUIC_STATUS_" + name
	}
	return "QUIC_STATUS_UNKNOWN"
}

// String decodes the status, e.g. "QUIC_STATUS_ADDRESS_IN_USE (EADDRINUSE)".
func (s Status) String() string {
	return s.Name() + " (" + statusDetail(s) + ")"
}

var statusNames = map[Status]string{
	StatusSuccess:            "SUCCESS",
	StatusPending:            "PENDING",
	StatusContinue:           "CONTINUE",
	StatusOutOfMemory:        "OUT_OF_MEMORY",
	StatusInvalidParameter:   "INVALID_PARAMETER",
	StatusInvalidState:       "INVALID_STATE",
	StatusNotSupported:       "NOT_SUPPORTED",
	StatusNotFound:           "NOT_FOUND",
	StatusBufferTooSmall:     "BUFFER_TOO_SMALL",
	StatusHandshakeFailure:   "HANDSHAKE_FAILURE",
	StatusAborted:            "ABORTED",
	StatusAddressInUse:       "ADDRESS_IN_USE",
	StatusInvalidAddress:     "INVALID_ADDRESS",
	StatusConnectionTimeout:  "CONNECTION_TIMEOUT",
	StatusConnectionIdle:     "CONNECTION_IDLE",
	StatusInternalError:      "INTERNAL_ERROR",
	StatusConnectionRefused:  "CONNECTION_REFUSED",
	StatusProtocolError:      "PROTOCOL_ERROR",
	StatusVerNegError:        "VER_NEG_ERROR",
	StatusUnreachable:        "UNREACHABLE",
	StatusTLSError:           "TLS_ERROR",
	StatusUserCanceled:       "USER_CANCELED",
	StatusALPNNegFailure:     "ALPN_NEG_FAILURE",
	StatusStreamLimitReached: "STREAM_LIMIT_REACHED",
}
