package quic

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusError(t *testing.T) {
	tests := map[string]struct {
		err     *StatusError
		target  error
		matches bool
		timeout bool
	}{
		"stream limit": {
			err:     newStatusError("StreamStart", StatusStreamLimitReached),
			target:  ErrStreamLimitReached,
			matches: true,
		},
		"address in use": {
			err:     newStatusError("ListenerStart", StatusAddressInUse),
			target:  ErrAddressInUse,
			matches: true,
		},
		"idle": {
			err:     newStatusError("", StatusConnectionIdle),
			target:  ErrConnectionIdle,
			matches: true,
			timeout: true,
		},
		"different status": {
			err:     newStatusError("StreamStart", StatusInvalidState),
			target:  ErrStreamLimitReached,
			matches: false,
		},
		"other error": {
			err:     newStatusError("StreamStart", StatusInvalidState),
			target:  io.EOF,
			matches: false,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.matches, errors.Is(tt.err, tt.target))
			assert.Equal(t, tt.timeout, tt.err.Timeout())

			wrapped := fmt.Errorf("wrapped: %w", tt.err)
			assert.Equal(t, tt.matches, errors.Is(wrapped, tt.target))
		})
	}
}

func TestStatusError_Error(t *testing.T) {
	err := newStatusError("StreamStart", StatusStreamLimitReached)
	assert.Contains(t, err.Error(), "StreamStart")
	assert.Contains(t, err.Error(), "QUIC_STATUS_STREAM_LIMIT_REACHED")

	err = newStatusError("", StatusConnectionIdle)
	assert.Contains(t, err.Error(), "QUIC_STATUS_CONNECTION_IDLE")
}

func TestPeerAbortError(t *testing.T) {
	err := &PeerAbortError{ErrorCode: 42, Direction: DirectionReceive}

	assert.Contains(t, err.Error(), "42")
	assert.Contains(t, err.Error(), "receive")

	var target *PeerAbortError
	assert.True(t, errors.As(fmt.Errorf("read: %w", err), &target))
	assert.Equal(t, uint64(42), target.ErrorCode)

	assert.True(t, errors.Is(err, &PeerAbortError{ErrorCode: 42, Direction: DirectionReceive}))
	assert.False(t, errors.Is(err, &PeerAbortError{ErrorCode: 42, Direction: DirectionSend}))
}

func TestPeerShutdownError(t *testing.T) {
	err := &PeerShutdownError{ErrorCode: 7}
	assert.Contains(t, err.Error(), "7")
	assert.True(t, errors.Is(err, net.ErrClosed))
}

func TestBindError(t *testing.T) {
	endpoint := netip.MustParseAddrPort("127.0.0.1:4433")
	err := &BindError{Endpoint: endpoint, Err: newStatusError("ListenerStart", StatusAddressInUse)}

	assert.Contains(t, err.Error(), "127.0.0.1:4433")
	assert.ErrorIs(t, err, ErrAddressInUse)
}

func TestCanceled(t *testing.T) {
	assert.Equal(t, ErrCanceled, canceled(nil))

	err := canceled(ErrConnectionClosed)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	assert.Equal(t, err, canceled(err), "already canceled errors are not wrapped twice")
}

func TestDirection_String(t *testing.T) {
	assert.Equal(t, "receive", DirectionReceive.String())
	assert.Equal(t, "send", DirectionSend.String())
	assert.Equal(t, "unknown", Direction(9).String())
}
