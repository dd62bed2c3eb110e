package native

import "encoding/binary"

type ParamLevel uint32

const (
	ParamLevelGlobal ParamLevel = iota
	ParamLevelRegistration
	ParamLevelSession
	ParamLevelListener
	ParamLevelConnection
	ParamLevelStream
)

func (l ParamLevel) String() string {
	switch l {
	case ParamLevelGlobal:
		return "global"
	case ParamLevelRegistration:
		return "registration"
	case ParamLevelSession:
		return "session"
	case ParamLevelListener:
		return "listener"
	case ParamLevelConnection:
		return "connection"
	case ParamLevelStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Param identifies a parameter within a level.
// Values are little-endian integers unless stated otherwise.
type Param uint32

// Session level.
const (
	// ParamSessionIdleTimeout is a uint64 in milliseconds.
	ParamSessionIdleTimeout Param = iota + 1
	// ParamSessionPeerBidiStreamCount is a uint16.
	ParamSessionPeerBidiStreamCount
	// ParamSessionPeerUnidiStreamCount is a uint16.
	ParamSessionPeerUnidiStreamCount
)

// Listener level.
const (
	// ParamListenerLocalAddress is an Addr.
	ParamListenerLocalAddress Param = iota + 1
)

// Connection level.
const (
	ParamConnIdleTimeout Param = iota + 1
	ParamConnPeerBidiStreamCount
	ParamConnPeerUnidiStreamCount
	ParamConnLocalBidiStreamCount
	ParamConnLocalUnidiStreamCount
	// ParamConnLocalAddress is an Addr.
	ParamConnLocalAddress
	// ParamConnRemoteAddress is an Addr. Writable before ConnectionStart.
	ParamConnRemoteAddress
	// ParamConnCertValidationFlags is a uint32 of CertValidationFlags.
	ParamConnCertValidationFlags
	// ParamConnSecurityConfig is a uint64 security config handle used by
	// a client connection to present a certificate.
	ParamConnSecurityConfig
)

// Stream level.
const (
	// ParamStreamID is a uint64.
	ParamStreamID Param = iota + 1
)

func EncodeUint16(v uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, v)
}

func EncodeUint32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func EncodeUint64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func DecodeUint16(b []byte) (uint16, bool) {
	if len(b) != 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

func DecodeUint32(b []byte) (uint32, bool) {
	if len(b) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func DecodeUint64(b []byte) (uint64, bool) {
	if len(b) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}
