package quicgo

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/quic-go/quic-go"

	"github.com/okdaichi/quictransport/internal/native"
)

// noApplicationProtocol is the TLS alert 120 carried as a QUIC crypto error.
const noApplicationProtocol = quic.TransportErrorCode(0x100 + 120)

// statusFromError maps a quic-go or socket error to an engine status.
func statusFromError(err error) native.Status {
	if err == nil {
		return native.StatusSuccess
	}

	var (
		idleErr      *quic.IdleTimeoutError
		handshakeErr *quic.HandshakeTimeoutError
		versionErr   *quic.VersionNegotiationError
		resetErr     *quic.StatelessResetError
		appErr       *quic.ApplicationError
		transportErr *quic.TransportError
		dnsErr       *net.DNSError
		addrErr      *net.AddrError
	)

	switch {
	case isStreamLimitReached(err):
		return native.StatusStreamLimitReached
	case errors.As(err, &idleErr):
		return native.StatusConnectionIdle
	case errors.As(err, &handshakeErr):
		return native.StatusConnectionTimeout
	case errors.As(err, &versionErr):
		return native.StatusVerNegError
	case errors.As(err, &resetErr):
		return native.StatusAborted
	case errors.As(err, &appErr):
		return native.StatusAborted
	case errors.As(err, &transportErr):
		return statusFromTransportError(transportErr)
	case errors.Is(err, syscall.EADDRINUSE):
		return native.StatusAddressInUse
	case errors.Is(err, syscall.EADDRNOTAVAIL), errors.Is(err, syscall.EAFNOSUPPORT):
		return native.StatusInvalidAddress
	case errors.Is(err, syscall.ECONNREFUSED):
		return native.StatusConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return native.StatusUnreachable
	case errors.As(err, &dnsErr), errors.As(err, &addrErr):
		return native.StatusInvalidAddress
	case errors.Is(err, context.DeadlineExceeded):
		return native.StatusConnectionTimeout
	case errors.Is(err, context.Canceled):
		return native.StatusAborted
	default:
		return native.StatusInternalError
	}
}

func statusFromTransportError(err *quic.TransportError) native.Status {
	switch {
	case err.ErrorCode == noApplicationProtocol:
		return native.StatusALPNNegFailure
	case err.ErrorCode.IsCryptoError():
		return native.StatusTLSError
	case err.ErrorCode == quic.ConnectionRefused:
		return native.StatusConnectionRefused
	case err.ErrorCode == quic.InternalError:
		return native.StatusInternalError
	default:
		return native.StatusProtocolError
	}
}

func isStreamLimitReached(err error) bool {
	var value quic.StreamLimitReachedError
	var ptr *quic.StreamLimitReachedError
	if errors.As(err, &value) || errors.As(err, &ptr) {
		return true
	}
	// Some quic-go versions wrap the error without Unwrap.
	return strings.HasSuffix(err.Error(), value.Error())
}
