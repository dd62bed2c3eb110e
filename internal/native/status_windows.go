//go:build windows

package native

import "fmt"

// Statuses are HRESULTs.
const (
	StatusSuccess            Status = 0x00000000
	StatusPending            Status = 0x000703E5
	StatusContinue           Status = 0x000704DE
	StatusOutOfMemory        Status = 0x8007000E
	StatusInvalidParameter   Status = 0x80070057
	StatusInvalidState       Status = 0x8007139F
	StatusNotSupported       Status = 0x80004002
	StatusNotFound           Status = 0x80070490
	StatusBufferTooSmall     Status = 0x8007007A
	StatusHandshakeFailure   Status = 0x80410000
	StatusAborted            Status = 0x80004004
	StatusAddressInUse       Status = 0x80072740
	StatusInvalidAddress     Status = 0x80072741
	StatusConnectionTimeout  Status = 0x80410006
	StatusConnectionIdle     Status = 0x80410005
	StatusInternalError      Status = 0x80410003
	StatusConnectionRefused  Status = 0x80410007
	StatusProtocolError      Status = 0x80410004
	StatusVerNegError        Status = 0x80410001
	StatusUnreachable        Status = 0x800704D0
	StatusTLSError           Status = 0x80072B18
	StatusUserCanceled       Status = 0x80410002
	StatusALPNNegFailure     Status = 0x80410008
	StatusStreamLimitReached Status = 0x80410009
)

func statusFailed(s Status) bool {
	return int32(s) < 0
}

func statusDetail(s Status) string {
	return fmt.Sprintf("0x%08X", uint32(s))
}
