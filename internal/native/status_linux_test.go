//go:build linux

package native

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_StringLinux(t *testing.T) {
	assert.Equal(t, "QUIC_STATUS_ADDRESS_IN_USE (EADDRINUSE)", StatusAddressInUse.String())
	assert.Equal(t, "QUIC_STATUS_CONNECTION_IDLE (ETIME)", StatusConnectionIdle.String())
	assert.Equal(t, "QUIC_STATUS_SUCCESS (0)", StatusSuccess.String())
}
