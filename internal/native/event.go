package native

type ListenerEventType uint32

const (
	ListenerEventNewConnection ListenerEventType = iota
)

func (t ListenerEventType) String() string {
	switch t {
	case ListenerEventNewConnection:
		return "NEW_CONNECTION"
	default:
		return "UNKNOWN"
	}
}

// NewConnectionInfo describes a connection attempt announced by a listener.
type NewConnectionInfo struct {
	LocalAddress   Addr
	RemoteAddress  Addr
	ServerName     string
	ClientALPNList []string
}

type ListenerEvent struct {
	Type ListenerEventType

	NewConnection struct {
		Info       *NewConnectionInfo
		Connection Handle
		// SecurityConfig is set by the handler to complete the handshake.
		SecurityConfig Handle
	}
}

type ConnectionEventType uint32

const (
	ConnectionEventConnected ConnectionEventType = iota
	ConnectionEventShutdownInitiatedByTransport
	ConnectionEventShutdownInitiatedByPeer
	ConnectionEventShutdownComplete
	ConnectionEventPeerStreamStarted
	ConnectionEventStreamsAvailable
)

func (t ConnectionEventType) String() string {
	switch t {
	case ConnectionEventConnected:
		return "CONNECTED"
	case ConnectionEventShutdownInitiatedByTransport:
		return "SHUTDOWN_INITIATED_BY_TRANSPORT"
	case ConnectionEventShutdownInitiatedByPeer:
		return "SHUTDOWN_INITIATED_BY_PEER"
	case ConnectionEventShutdownComplete:
		return "SHUTDOWN_COMPLETE"
	case ConnectionEventPeerStreamStarted:
		return "PEER_STREAM_STARTED"
	case ConnectionEventStreamsAvailable:
		return "STREAMS_AVAILABLE"
	default:
		return "UNKNOWN"
	}
}

type ConnectionEvent struct {
	Type ConnectionEventType

	Connected struct {
		SessionResumed bool
		NegotiatedALPN string
	}
	ShutdownInitiatedByTransport struct {
		Status Status
	}
	ShutdownInitiatedByPeer struct {
		ErrorCode uint64
	}
	ShutdownComplete struct {
		HandshakeCompleted       bool
		PeerAcknowledgedShutdown bool
		AppCloseInProgress       bool
	}
	PeerStreamStarted struct {
		Stream Handle
		Flags  StreamOpenFlags
	}
	StreamsAvailable struct {
		BidirectionalCount  uint16
		UnidirectionalCount uint16
	}
}

type StreamEventType uint32

const (
	StreamEventReceive StreamEventType = iota
	StreamEventSendComplete
	StreamEventPeerSendShutdown
	StreamEventPeerSendAborted
	StreamEventPeerReceiveAborted
	StreamEventSendShutdownComplete
	StreamEventShutdownComplete
)

func (t StreamEventType) String() string {
	switch t {
	case StreamEventReceive:
		return "RECEIVE"
	case StreamEventSendComplete:
		return "SEND_COMPLETE"
	case StreamEventPeerSendShutdown:
		return "PEER_SEND_SHUTDOWN"
	case StreamEventPeerSendAborted:
		return "PEER_SEND_ABORTED"
	case StreamEventPeerReceiveAborted:
		return "PEER_RECEIVE_ABORTED"
	case StreamEventSendShutdownComplete:
		return "SEND_SHUTDOWN_COMPLETE"
	case StreamEventShutdownComplete:
		return "SHUTDOWN_COMPLETE"
	default:
		return "UNKNOWN"
	}
}

type ReceiveFlags uint32

const (
	ReceiveFlagNone ReceiveFlags = 0
	ReceiveFlagFin  ReceiveFlags = 1 << 0
)

type StreamEvent struct {
	Type StreamEventType

	// Receive buffers are only valid for the duration of the callback.
	// Returning StatusPending pauses delivery until receive is re-enabled.
	Receive struct {
		AbsoluteOffset    uint64
		TotalBufferLength uint64
		Buffers           []Buffer
		Flags             ReceiveFlags
	}
	SendComplete struct {
		Canceled      bool
		ClientContext Context
	}
	PeerSendAborted struct {
		ErrorCode uint64
	}
	PeerReceiveAborted struct {
		ErrorCode uint64
	}
	SendShutdownComplete struct {
		Graceful bool
	}
	ShutdownComplete struct {
		ConnectionShutdown bool
	}
}
