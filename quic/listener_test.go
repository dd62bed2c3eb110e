package quic

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/okdaichi/quictransport/internal/native"
)

const (
	testListenerHandle  native.Handle = 5
	testSecConfigHandle native.Handle = 6
)

var testEndpoint = netip.MustParseAddrPort("127.0.0.1:4433")

func newTestListener(t *testing.T, api *MockNativeAPI, s *Session) *Listener {
	t.Helper()

	api.On("ListenerOpen", testSessionHandle).Return(testListenerHandle, native.StatusSuccess).Once()
	l, err := s.NewListener()
	require.NoError(t, err)
	return l
}

func bindTestListener(t *testing.T, api *MockNativeAPI, l *Listener) {
	t.Helper()

	api.On("SetListenerCallbackHandler", testListenerHandle, mock.Anything, l.token).Return().Once()
	api.On("ListenerStart", testListenerHandle, native.AddrFromAddrPort(testEndpoint)).Return(native.StatusSuccess).Once()

	sc := &SecurityConfig{api: api, handle: testSecConfigHandle}
	require.NoError(t, l.Bind(context.Background(), testEndpoint, sc))
}

func expectListenerStop(api *MockNativeAPI) {
	api.On("ListenerStop", testListenerHandle).Return().Once()
	api.On("ListenerClose", testListenerHandle).Return().Once()
	api.On("SecConfigDelete", testSecConfigHandle).Return().Once()
}

func newConnectionEvent(h native.Handle) *native.ListenerEvent {
	ev := &native.ListenerEvent{Type: native.ListenerEventNewConnection}
	ev.NewConnection.Connection = h
	ev.NewConnection.Info = &native.NewConnectionInfo{
		RemoteAddress: native.AddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:50000")),
		ServerName:    "localhost",
	}
	return ev
}

func TestListener_AcceptBeforeBind(t *testing.T) {
	api := &MockNativeAPI{}
	s := newTestSession(t, api, nil)
	l := newTestListener(t, api, s)

	_, err := l.Accept(context.Background())
	assert.ErrorIs(t, err, ErrListenerNotBound)
}

func TestListener_Bind(t *testing.T) {
	api := &MockNativeAPI{}
	s := newTestSession(t, api, nil)
	l := newTestListener(t, api, s)

	bindTestListener(t, api, l)
	assert.Equal(t, listenerBound, l.loadState())

	err := l.Bind(context.Background(), testEndpoint, &SecurityConfig{api: api, handle: 7})
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.ErrorIs(t, err, ErrInvalidState)

	api.AssertExpectations(t)
}

func TestListener_BindFails(t *testing.T) {
	api := &MockNativeAPI{}
	s := newTestSession(t, api, nil)
	l := newTestListener(t, api, s)

	api.On("SetListenerCallbackHandler", testListenerHandle, mock.Anything, mock.Anything).Return().Once()
	api.On("ListenerStart", testListenerHandle, mock.Anything).Return(native.StatusAddressInUse).Once()

	err := l.Bind(context.Background(), testEndpoint, &SecurityConfig{api: api, handle: testSecConfigHandle})

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, testEndpoint, bindErr.Endpoint)
	assert.ErrorIs(t, err, ErrAddressInUse)
	assert.Equal(t, listenerCreated, l.loadState())

	expectListenerStop(api)
	require.NoError(t, l.Close())
	api.AssertExpectations(t)
}

func TestListener_BindResolveFails(t *testing.T) {
	api := &MockNativeAPI{}
	s := newTestSession(t, api, nil)
	l := newTestListener(t, api, s)

	api.On("SecConfigCreate", testRegistrationHandle, native.SecConfigFlagNone, mock.Anything, "", mock.Anything, mock.Anything).
		Return(native.StatusPending).Once()

	pending, err := s.reg.NewSecurityConfig(nil)
	require.NoError(t, err)
	defer objects.release(pending.token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = l.Bind(ctx, testEndpoint, pending)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	api.AssertNotCalled(t, "ListenerStart", mock.Anything, mock.Anything)
}

func TestListener_NewConnection(t *testing.T) {
	api := &MockNativeAPI{}
	s := newTestSession(t, api, nil)
	l := newTestListener(t, api, s)
	bindTestListener(t, api, l)

	api.On("SetConnectionCallbackHandler", native.Handle(50), mock.Anything, mock.Anything).Return().Once()

	ev := newConnectionEvent(50)
	require.Equal(t, native.StatusSuccess, listenerCallback(testListenerHandle, l.token, ev))
	assert.Equal(t, testSecConfigHandle, ev.NewConnection.SecurityConfig)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c, err := l.Accept(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { objects.release(c.token) })
	assert.Equal(t, listenerAccepting, l.loadState())

	c.mu.Lock()
	assert.Equal(t, native.Handle(50), c.handle)
	c.mu.Unlock()
}

func TestListener_Stop(t *testing.T) {
	api := &MockNativeAPI{}
	s := newTestSession(t, api, nil)
	l := newTestListener(t, api, s)
	bindTestListener(t, api, l)

	// Announced but never accepted.
	api.On("SetConnectionCallbackHandler", native.Handle(51), mock.Anything, mock.Anything).Return().Once()
	require.Equal(t, native.StatusSuccess, listenerCallback(testListenerHandle, l.token, newConnectionEvent(51)))

	expectListenerStop(api)
	expectConnectionClose(api, 51)

	require.NoError(t, l.Stop())
	require.NoError(t, l.Stop())
	require.NoError(t, l.Close())

	_, err := l.Accept(context.Background())
	assert.ErrorIs(t, err, ErrEndOfListener)

	api.AssertExpectations(t)
	api.AssertNumberOfCalls(t, "ListenerClose", 1)
	api.AssertNumberOfCalls(t, "SecConfigDelete", 1)
}

func TestListener_StopClosesAcceptedConnections(t *testing.T) {
	api := &MockNativeAPI{}
	s := newTestSession(t, api, nil)
	l := newTestListener(t, api, s)
	bindTestListener(t, api, l)

	api.On("SetConnectionCallbackHandler", native.Handle(60), mock.Anything, mock.Anything).Return().Once()
	require.Equal(t, native.StatusSuccess, listenerCallback(testListenerHandle, l.token, newConnectionEvent(60)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := l.Accept(ctx)
	require.NoError(t, err)

	expectListenerStop(api)
	expectConnectionClose(api, 60)
	require.NoError(t, l.Stop())

	api.AssertExpectations(t)
	api.AssertNumberOfCalls(t, "ConnectionClose", 1)
	assert.Error(t, c.Context().Err())
	_, ok := lookupObject[*Connection](c.token)
	assert.False(t, ok)

	// Closing it again afterwards is a no-op.
	require.NoError(t, c.Close())
	api.AssertNumberOfCalls(t, "ConnectionClose", 1)
}

func TestListener_ClosedConnectionIsForgotten(t *testing.T) {
	api := &MockNativeAPI{}
	s := newTestSession(t, api, nil)
	l := newTestListener(t, api, s)
	bindTestListener(t, api, l)

	api.On("SetConnectionCallbackHandler", native.Handle(61), mock.Anything, mock.Anything).Return().Once()
	require.Equal(t, native.StatusSuccess, listenerCallback(testListenerHandle, l.token, newConnectionEvent(61)))

	c, err := l.Accept(context.Background())
	require.NoError(t, err)

	expectConnectionClose(api, 61)
	require.NoError(t, c.Close())

	l.mu.Lock()
	assert.Empty(t, l.conns)
	l.mu.Unlock()

	expectListenerStop(api)
	require.NoError(t, l.Stop())
	api.AssertNumberOfCalls(t, "ConnectionClose", 1)
}

func TestListener_StopRacingNewConnections(t *testing.T) {
	api := &MockNativeAPI{}
	s := newTestSession(t, api, nil)
	l := newTestListener(t, api, s)
	bindTestListener(t, api, l)

	api.On("SetConnectionCallbackHandler", mock.Anything, mock.Anything, mock.Anything).Return()
	api.On("ConnectionShutdown", mock.Anything, native.ConnectionShutdownFlagNone, uint64(0)).Return()
	api.On("ConnectionClose", mock.Anything).Return()
	expectListenerStop(api)

	const n = 50
	var attached atomic.Int32
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := newConnectionEvent(native.Handle(100 + i))
			if l.handleEvent(ev) == native.StatusSuccess {
				assert.Equal(t, testSecConfigHandle, ev.NewConnection.SecurityConfig)
				attached.Add(1)
			}
		}()
	}
	require.NoError(t, l.Stop())
	wg.Wait()

	// Attached or refused, no connection outlives the listener.
	api.AssertNumberOfCalls(t, "ConnectionClose", n)
	api.AssertNumberOfCalls(t, "SecConfigDelete", 1)
	l.mu.Lock()
	assert.Empty(t, l.conns)
	l.mu.Unlock()
	t.Logf("%d of %d connections attached before stop", attached.Load(), n)
}

func TestListener_StopWakesAccept(t *testing.T) {
	api := &MockNativeAPI{}
	s := newTestSession(t, api, nil)
	l := newTestListener(t, api, s)
	bindTestListener(t, api, l)

	errs := make(chan error, 1)
	go func() {
		_, err := l.Accept(context.Background())
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	expectListenerStop(api)
	require.NoError(t, l.Stop())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrEndOfListener)
	case <-time.After(time.Second):
		t.Fatal("Accept was not woken")
	}
}

func TestListener_NewConnectionAfterStop(t *testing.T) {
	api := &MockNativeAPI{}
	s := newTestSession(t, api, nil)
	l := newTestListener(t, api, s)
	bindTestListener(t, api, l)

	expectListenerStop(api)
	require.NoError(t, l.Stop())

	// The callback no longer finds the listener.
	assert.Equal(t, native.StatusSuccess, listenerCallback(testListenerHandle, l.token, newConnectionEvent(52)))
	api.AssertNotCalled(t, "SetConnectionCallbackHandler", native.Handle(52), mock.Anything, mock.Anything)

	// An event already being handled disposes the connection instead of
	// dropping it.
	api.On("SetConnectionCallbackHandler", native.Handle(53), mock.Anything, mock.Anything).Return().Once()
	expectConnectionClose(api, 53)

	assert.Equal(t, native.StatusConnectionRefused, l.handleEvent(newConnectionEvent(53)))
	api.AssertExpectations(t)
}

func TestListener_Addr(t *testing.T) {
	api := &MockNativeAPI{}
	s := newTestSession(t, api, nil)
	l := newTestListener(t, api, s)
	bindTestListener(t, api, l)

	bound := netip.MustParseAddrPort("127.0.0.1:61000")
	b, _ := native.AddrFromAddrPort(bound).MarshalBinary()
	api.On("GetParam", testListenerHandle, native.ParamLevelListener, native.ParamListenerLocalAddress, mock.Anything).
		Run(func(args mock.Arguments) { copy(args.Get(3).([]byte), b) }).
		Return(len(b), native.StatusSuccess).Once()

	addr, err := l.Addr()
	require.NoError(t, err)
	assert.Equal(t, bound, addr)

	expectListenerStop(api)
	require.NoError(t, l.Stop())

	_, err = l.Addr()
	assert.ErrorIs(t, err, ErrEndOfListener)
}
