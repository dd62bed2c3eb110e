package quic

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/okdaichi/quictransport/internal/native"
)

// Status is a status code reported by the native engine.
type Status = native.Status

// Status codes surfaced through StatusError.
const (
	StatusSuccess            Status = native.StatusSuccess
	StatusPending            Status = native.StatusPending
	StatusInvalidParameter   Status = native.StatusInvalidParameter
	StatusInvalidState       Status = native.StatusInvalidState
	StatusNotSupported       Status = native.StatusNotSupported
	StatusBufferTooSmall     Status = native.StatusBufferTooSmall
	StatusHandshakeFailure   Status = native.StatusHandshakeFailure
	StatusAborted            Status = native.StatusAborted
	StatusAddressInUse       Status = native.StatusAddressInUse
	StatusInvalidAddress     Status = native.StatusInvalidAddress
	StatusConnectionTimeout  Status = native.StatusConnectionTimeout
	StatusConnectionIdle     Status = native.StatusConnectionIdle
	StatusInternalError      Status = native.StatusInternalError
	StatusConnectionRefused  Status = native.StatusConnectionRefused
	StatusProtocolError      Status = native.StatusProtocolError
	StatusUnreachable        Status = native.StatusUnreachable
	StatusTLSError           Status = native.StatusTLSError
	StatusALPNNegFailure     Status = native.StatusALPNNegFailure
	StatusStreamLimitReached Status = native.StatusStreamLimitReached
)

// StatusError is a failure status returned by a native call or reported by
// the transport.
type StatusError struct {
	// Op names the native call. It is empty for transport shutdowns.
	Op     string
	Status Status
}

func newStatusError(op string, status Status) *StatusError {
	return &StatusError{Op: op, Status: status}
}

func (err *StatusError) Error() string {
	if err.Op == "" {
		return "quic: " + err.Status.String()
	}
	return "quic: " + err.Op + ": " + err.Status.String()
}

// Is matches any StatusError carrying the same status, so the Err* values
// below work with errors.Is.
func (err *StatusError) Is(target error) bool {
	t, ok := target.(*StatusError)
	return ok && t.Status == err.Status
}

func (err *StatusError) Timeout() bool {
	return err.Status == StatusConnectionIdle || err.Status == StatusConnectionTimeout
}

var (
	ErrAddressInUse       error = &StatusError{Status: StatusAddressInUse}
	ErrInvalidAddress     error = &StatusError{Status: StatusInvalidAddress}
	ErrConnectionRefused  error = &StatusError{Status: StatusConnectionRefused}
	ErrConnectionIdle     error = &StatusError{Status: StatusConnectionIdle}
	ErrConnectionTimeout  error = &StatusError{Status: StatusConnectionTimeout}
	ErrStreamLimitReached error = &StatusError{Status: StatusStreamLimitReached}
	ErrTLS                error = &StatusError{Status: StatusTLSError}
	ErrALPNNegotiation    error = &StatusError{Status: StatusALPNNegFailure}
	ErrInvalidState       error = &StatusError{Status: StatusInvalidState}
	ErrNotSupported       error = &StatusError{Status: StatusNotSupported}
)

// Direction tells which half of a stream an abort applied to.
type Direction int

const (
	DirectionReceive Direction = iota
	DirectionSend
)

func (d Direction) String() string {
	switch d {
	case DirectionReceive:
		return "receive"
	case DirectionSend:
		return "send"
	default:
		return "unknown"
	}
}

// PeerAbortError is returned when the peer abandons one half of a stream.
type PeerAbortError struct {
	ErrorCode uint64
	Direction Direction
}

func (err *PeerAbortError) Error() string {
	return fmt.Sprintf("quic: peer aborted %s direction (code %d)", err.Direction, err.ErrorCode)
}

func (err *PeerAbortError) Is(target error) bool {
	t, ok := target.(*PeerAbortError)
	return ok && t.ErrorCode == err.ErrorCode && t.Direction == err.Direction
}

// PeerShutdownError is the cause recorded when the peer closes the
// connection.
type PeerShutdownError struct {
	ErrorCode uint64
}

func (err *PeerShutdownError) Error() string {
	return fmt.Sprintf("quic: connection closed by peer (code %d)", err.ErrorCode)
}

func (err *PeerShutdownError) Is(target error) bool {
	return target == net.ErrClosed
}

// BindError is returned when a listener cannot start on an endpoint.
type BindError struct {
	Endpoint netip.AddrPort
	Err      error
}

func (err *BindError) Error() string {
	return fmt.Sprintf("quic: failed to bind %s: %v", err.Endpoint, err.Err)
}

func (err *BindError) Unwrap() error {
	return err.Err
}

var (
	// ErrCanceled is returned by operations abandoned because their stream
	// or connection went away. It wraps the underlying cause when known.
	ErrCanceled = errors.New("quic: operation canceled")

	ErrEndOfListener   = errors.New("quic: listener stopped")
	ErrEndOfConnection = errors.New("quic: no more streams")

	ErrStreamClosed     = errors.New("quic: stream closed")
	ErrConnectionClosed = errors.New("quic: connection closed")
	ErrListenerNotBound = errors.New("quic: listener not bound")
	ErrClosed           = errors.New("quic: closed")
	ErrNoCertificate    = errors.New("quic: no certificate configured")
)

func canceled(cause error) error {
	switch {
	case cause == nil:
		return ErrCanceled
	case errors.Is(cause, ErrCanceled):
		return cause
	default:
		return fmt.Errorf("%w: %w", ErrCanceled, cause)
	}
}
