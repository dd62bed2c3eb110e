package native

import "crypto/tls"

// Handle is an opaque reference to an engine-owned object.
// An engine never reuses a handle value once it has been closed.
type Handle uintptr

// Context is an opaque token handed to the engine when a callback is
// registered and echoed back verbatim with every event.
type Context uintptr

// ListenerCallback receives listener events.
type ListenerCallback func(listener Handle, ctx Context, ev *ListenerEvent) Status

// ConnectionCallback receives connection events.
type ConnectionCallback func(conn Handle, ctx Context, ev *ConnectionEvent) Status

// StreamCallback receives stream events.
type StreamCallback func(stream Handle, ctx Context, ev *StreamEvent) Status

// SecConfigCreateComplete is invoked once when an asynchronous security
// configuration request finishes. secConfig is zero unless status succeeded.
type SecConfigCreateComplete func(ctx Context, status Status, secConfig Handle)

// RegistrationConfig configures RegistrationOpen.
type RegistrationConfig struct {
	AppName string
}

// SecConfigFlags modifies SecConfigCreate.
type SecConfigFlags uint32

const (
	SecConfigFlagNone   SecConfigFlags = 0
	SecConfigFlagClient SecConfigFlags = 1 << 0
)

// API is the engine's function table.
//
// Events for one handle are never delivered concurrently, and no callback is
// invoked inline from a call into the table. Objects have no callback until
// one is registered through the Set*CallbackHandler call for their kind;
// handles announced by an event must be given a callback inside that event.
type API interface {
	SetParam(h Handle, level ParamLevel, param Param, value []byte) Status
	GetParam(h Handle, level ParamLevel, param Param, buf []byte) (int, Status)

	RegistrationOpen(cfg RegistrationConfig) (Handle, Status)
	RegistrationClose(reg Handle)

	// SecConfigCreate returns StatusPending when the request was accepted;
	// done is then called exactly once from an engine goroutine.
	SecConfigCreate(reg Handle, flags SecConfigFlags, cert *tls.Certificate, principal string, ctx Context, done SecConfigCreateComplete) Status
	SecConfigDelete(secConfig Handle)

	SessionOpen(reg Handle, alpn string) (Handle, Status)
	SessionClose(session Handle)
	SessionShutdown(session Handle, flags ConnectionShutdownFlags, code uint64)

	ListenerOpen(session Handle) (Handle, Status)
	ListenerClose(listener Handle)
	ListenerStart(listener Handle, addr Addr) Status
	ListenerStop(listener Handle)
	SetListenerCallbackHandler(listener Handle, cb ListenerCallback, ctx Context)

	ConnectionOpen(session Handle) (Handle, Status)
	ConnectionClose(conn Handle)
	ConnectionShutdown(conn Handle, flags ConnectionShutdownFlags, code uint64)
	ConnectionStart(conn Handle, family AddressFamily, serverName string, port uint16) Status
	SetConnectionCallbackHandler(conn Handle, cb ConnectionCallback, ctx Context)

	StreamOpen(conn Handle, flags StreamOpenFlags) (Handle, Status)
	StreamClose(stream Handle)
	StreamStart(stream Handle, flags StreamStartFlags) Status
	StreamShutdown(stream Handle, flags StreamShutdownFlags, code uint64) Status
	// StreamSend accepts the buffers for transmission. On success (or
	// StatusPending) the memory must stay untouched until the SEND_COMPLETE
	// event carrying clientCtx.
	StreamSend(stream Handle, buffers []Buffer, flags SendFlags, clientCtx Context) Status
	StreamReceiveSetEnabled(stream Handle, enabled bool) Status
	SetStreamCallbackHandler(stream Handle, cb StreamCallback, ctx Context)
}

type ConnectionShutdownFlags uint32

const (
	ConnectionShutdownFlagNone   ConnectionShutdownFlags = 0
	ConnectionShutdownFlagSilent ConnectionShutdownFlags = 1 << 0
)

type StreamOpenFlags uint32

const (
	StreamOpenFlagNone           StreamOpenFlags = 0
	StreamOpenFlagUnidirectional StreamOpenFlags = 1 << 0
)

type StreamStartFlags uint32

const (
	StreamStartFlagNone StreamStartFlags = 0
	// StreamStartFlagFailBlocked fails the start with
	// StatusStreamLimitReached instead of waiting for stream credit.
	StreamStartFlagFailBlocked StreamStartFlags = 1 << 0
	StreamStartFlagImmediate   StreamStartFlags = 1 << 1
)

type StreamShutdownFlags uint32

const (
	StreamShutdownFlagNone         StreamShutdownFlags = 0
	StreamShutdownFlagGraceful     StreamShutdownFlags = 1 << 0
	StreamShutdownFlagAbortSend    StreamShutdownFlags = 1 << 1
	StreamShutdownFlagAbortReceive StreamShutdownFlags = 1 << 2
	StreamShutdownFlagAbort                            = StreamShutdownFlagAbortSend | StreamShutdownFlagAbortReceive
	StreamShutdownFlagImmediate    StreamShutdownFlags = 1 << 3
)

type SendFlags uint32

const (
	SendFlagNone SendFlags = 0
	// SendFlagFin gracefully closes the send direction after the data.
	SendFlagFin SendFlags = 1 << 0
)

// CertValidationFlags are written to ParamConnCertValidationFlags.
type CertValidationFlags uint32

const (
	CertValidationFlagNone    CertValidationFlags = 0
	CertValidationFlagDisable CertValidationFlags = 1 << 0
)
