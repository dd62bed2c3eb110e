//go:build linux

package native

import (
	"strconv"

	"golang.org/x/sys/unix"
)

// Statuses are errno values; success and the informational codes sit at the
// top of the range.
const (
	StatusSuccess            Status = 0
	StatusPending            Status = 0xFFFFFFFE
	StatusContinue           Status = 0xFFFFFFFF
	StatusOutOfMemory        Status = Status(unix.ENOMEM)
	StatusInvalidParameter   Status = Status(unix.EINVAL)
	StatusInvalidState       Status = Status(unix.EPERM)
	StatusNotSupported       Status = Status(unix.EOPNOTSUPP)
	StatusNotFound           Status = Status(unix.ENOENT)
	StatusBufferTooSmall     Status = Status(unix.EOVERFLOW)
	StatusHandshakeFailure   Status = Status(unix.ECONNABORTED)
	StatusAborted            Status = Status(unix.ECANCELED)
	StatusAddressInUse       Status = Status(unix.EADDRINUSE)
	StatusInvalidAddress     Status = Status(unix.EAFNOSUPPORT)
	StatusConnectionTimeout  Status = Status(unix.ETIMEDOUT)
	StatusConnectionIdle     Status = Status(unix.ETIME)
	StatusInternalError      Status = Status(unix.EIO)
	StatusConnectionRefused  Status = Status(unix.ECONNREFUSED)
	StatusProtocolError      Status = Status(unix.EPROTO)
	StatusVerNegError        Status = Status(unix.EPROTONOSUPPORT)
	StatusUnreachable        Status = Status(unix.EHOSTUNREACH)
	StatusTLSError           Status = Status(unix.ENOKEY)
	StatusUserCanceled       Status = Status(unix.EOWNERDEAD)
	StatusALPNNegFailure     Status = Status(unix.ENOPROTOOPT)
	StatusStreamLimitReached Status = Status(unix.ESTRPIPE)
)

func statusFailed(s Status) bool {
	return int32(s) > 0
}

func statusDetail(s Status) string {
	if !statusFailed(s) {
		return strconv.FormatInt(int64(int32(s)), 10)
	}
	if name := unix.ErrnoName(unix.Errno(s)); name != "" {
		return name
	}
	return "errno " + strconv.FormatUint(uint64(s), 10)
}
