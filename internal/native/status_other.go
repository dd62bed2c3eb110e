//go:build !linux && !windows

package native

import "strconv"

// Statuses use the Linux errno numbering so that values are stable across
// the remaining platforms.
const (
	StatusSuccess            Status = 0
	StatusPending            Status = 0xFFFFFFFE
	StatusContinue           Status = 0xFFFFFFFF
	StatusOutOfMemory        Status = 12
	StatusInvalidParameter   Status = 22
	StatusInvalidState       Status = 1
	StatusNotSupported       Status = 95
	StatusNotFound           Status = 2
	StatusBufferTooSmall     Status = 75
	StatusHandshakeFailure   Status = 103
	StatusAborted            Status = 125
	StatusAddressInUse       Status = 98
	StatusInvalidAddress     Status = 97
	StatusConnectionTimeout  Status = 110
	StatusConnectionIdle     Status = 62
	StatusInternalError      Status = 5
	StatusConnectionRefused  Status = 111
	StatusProtocolError      Status = 71
	StatusVerNegError        Status = 93
	StatusUnreachable        Status = 113
	StatusTLSError           Status = 126
	StatusUserCanceled       Status = 130
	StatusALPNNegFailure     Status = 92
	StatusStreamLimitReached Status = 86
)

func statusFailed(s Status) bool {
	return int32(s) > 0
}

func statusDetail(s Status) string {
	return strconv.FormatInt(int64(int32(s)), 10)
}
