package quic

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/okdaichi/quictransport/internal/native"
)

var _ native.API = (*MockNativeAPI)(nil)

// MockNativeAPI is a mock implementation of native.API using testify/mock
type MockNativeAPI struct {
	mock.Mock
}

func (m *MockNativeAPI) SetParam(h native.Handle, level native.ParamLevel, param native.Param, value []byte) native.Status {
	args := m.Called(h, level, param, value)
	return args.Get(0).(native.Status)
}

func (m *MockNativeAPI) GetParam(h native.Handle, level native.ParamLevel, param native.Param, buf []byte) (int, native.Status) {
	args := m.Called(h, level, param, buf)
	return args.Int(0), args.Get(1).(native.Status)
}

func (m *MockNativeAPI) RegistrationOpen(cfg native.RegistrationConfig) (native.Handle, native.Status) {
	args := m.Called(cfg)
	return args.Get(0).(native.Handle), args.Get(1).(native.Status)
}

func (m *MockNativeAPI) RegistrationClose(reg native.Handle) {
	m.Called(reg)
}

func (m *MockNativeAPI) SecConfigCreate(reg native.Handle, flags native.SecConfigFlags, cert *tls.Certificate,
	principal string, ctx native.Context, done native.SecConfigCreateComplete) native.Status {
	args := m.Called(reg, flags, cert, principal, ctx, done)
	return args.Get(0).(native.Status)
}

func (m *MockNativeAPI) SecConfigDelete(sec native.Handle) {
	m.Called(sec)
}

func (m *MockNativeAPI) SessionOpen(reg native.Handle, alpn string) (native.Handle, native.Status) {
	args := m.Called(reg, alpn)
	return args.Get(0).(native.Handle), args.Get(1).(native.Status)
}

func (m *MockNativeAPI) SessionClose(session native.Handle) {
	m.Called(session)
}

func (m *MockNativeAPI) SessionShutdown(session native.Handle, flags native.ConnectionShutdownFlags, code uint64) {
	m.Called(session, flags, code)
}

func (m *MockNativeAPI) ListenerOpen(session native.Handle) (native.Handle, native.Status) {
	args := m.Called(session)
	return args.Get(0).(native.Handle), args.Get(1).(native.Status)
}

func (m *MockNativeAPI) ListenerClose(listener native.Handle) {
	m.Called(listener)
}

func (m *MockNativeAPI) ListenerStart(listener native.Handle, addr native.Addr) native.Status {
	args := m.Called(listener, addr)
	return args.Get(0).(native.Status)
}

func (m *MockNativeAPI) ListenerStop(listener native.Handle) {
	m.Called(listener)
}

func (m *MockNativeAPI) SetListenerCallbackHandler(listener native.Handle, cb native.ListenerCallback, ctx native.Context) {
	m.Called(listener, cb, ctx)
}

func (m *MockNativeAPI) ConnectionOpen(session native.Handle) (native.Handle, native.Status) {
	args := m.Called(session)
	return args.Get(0).(native.Handle), args.Get(1).(native.Status)
}

func (m *MockNativeAPI) ConnectionClose(conn native.Handle) {
	m.Called(conn)
}

func (m *MockNativeAPI) ConnectionShutdown(conn native.Handle, flags native.ConnectionShutdownFlags, code uint64) {
	m.Called(conn, flags, code)
}

func (m *MockNativeAPI) ConnectionStart(conn native.Handle, family native.AddressFamily, serverName string, port uint16) native.Status {
	args := m.Called(conn, family, serverName, port)
	return args.Get(0).(native.Status)
}

func (m *MockNativeAPI) SetConnectionCallbackHandler(conn native.Handle, cb native.ConnectionCallback, ctx native.Context) {
	m.Called(conn, cb, ctx)
}

func (m *MockNativeAPI) StreamOpen(conn native.Handle, flags native.StreamOpenFlags) (native.Handle, native.Status) {
	args := m.Called(conn, flags)
	return args.Get(0).(native.Handle), args.Get(1).(native.Status)
}

func (m *MockNativeAPI) StreamClose(stream native.Handle) {
	m.Called(stream)
}

func (m *MockNativeAPI) StreamStart(stream native.Handle, flags native.StreamStartFlags) native.Status {
	args := m.Called(stream, flags)
	return args.Get(0).(native.Status)
}

func (m *MockNativeAPI) StreamShutdown(stream native.Handle, flags native.StreamShutdownFlags, code uint64) native.Status {
	args := m.Called(stream, flags, code)
	return args.Get(0).(native.Status)
}

func (m *MockNativeAPI) StreamSend(stream native.Handle, buffers []native.Buffer, flags native.SendFlags, clientCtx native.Context) native.Status {
	args := m.Called(stream, buffers, flags, clientCtx)
	return args.Get(0).(native.Status)
}

func (m *MockNativeAPI) StreamReceiveSetEnabled(stream native.Handle, enabled bool) native.Status {
	args := m.Called(stream, enabled)
	return args.Get(0).(native.Status)
}

func (m *MockNativeAPI) SetStreamCallbackHandler(stream native.Handle, cb native.StreamCallback, ctx native.Context) {
	m.Called(stream, cb, ctx)
}

/*
 * Fixtures
 */

const (
	testRegistrationHandle native.Handle = 1
	testSessionHandle      native.Handle = 2
	testALPN                             = "test"
)

func newTestSession(t *testing.T, api *MockNativeAPI, config *Config) *Session {
	t.Helper()

	api.On("RegistrationOpen", mock.Anything).Return(testRegistrationHandle, native.StatusSuccess).Once()
	api.On("SessionOpen", testRegistrationHandle, testALPN).Return(testSessionHandle, native.StatusSuccess).Once()

	reg, err := NewRegistration(api, config)
	require.NoError(t, err)

	s, err := reg.OpenSession(testALPN)
	require.NoError(t, err)
	return s
}

func newTestConnection(t *testing.T, api *MockNativeAPI, s *Session, h native.Handle) *Connection {
	t.Helper()

	api.On("SetConnectionCallbackHandler", h, mock.Anything, mock.Anything).Return().Once()
	c := newConnection(s, h, true)
	t.Cleanup(func() { objects.release(c.token) })
	return c
}

// expectStreamID makes GetParam report id for stream h.
func expectStreamID(api *MockNativeAPI, h native.Handle, id uint64) {
	api.On("GetParam", h, native.ParamLevelStream, native.ParamStreamID, mock.Anything).
		Run(func(args mock.Arguments) {
			copy(args.Get(3).([]byte), native.EncodeUint64(id))
		}).
		Return(8, native.StatusSuccess)
}

func newTestStream(t *testing.T, api *MockNativeAPI, c *Connection, h native.Handle, dir Directionality) *Stream {
	t.Helper()

	api.On("SetStreamCallbackHandler", h, mock.Anything, mock.Anything).Return().Once()
	expectStreamID(api, h, uint64(h))

	s := newStream(c, h, dir, false)
	require.True(t, c.track(s))
	t.Cleanup(func() { objects.release(s.token) })
	return s
}

// expectReceiveEnabled accepts receive re-arms for h and signals each one on
// the returned channel when there is room.
func expectReceiveEnabled(api *MockNativeAPI, h native.Handle) <-chan struct{} {
	resumed := make(chan struct{}, 1)
	api.On("StreamReceiveSetEnabled", h, true).Return(native.StatusSuccess).Run(func(mock.Arguments) {
		select {
		case resumed <- struct{}{}:
		default:
		}
	})
	return resumed
}

func receiveEvent(chunks ...[]byte) *native.StreamEvent {
	ev := &native.StreamEvent{Type: native.StreamEventReceive}
	for _, chunk := range chunks {
		ev.Receive.Buffers = append(ev.Receive.Buffers, native.BufferOf(chunk))
		ev.Receive.TotalBufferLength += uint64(len(chunk))
	}
	return ev
}
