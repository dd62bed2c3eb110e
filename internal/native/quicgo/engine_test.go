package quicgo

import (
	"bytes"
	"crypto/tls"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okdaichi/quictransport/internal/certutil"
	"github.com/okdaichi/quictransport/internal/native"
)

const testALPN = "quicgo-test"

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Options{})
	require.NoError(t, err)
	t.Cleanup(e.Release)
	return e
}

func openSession(t *testing.T, e *Engine, alpn string) (native.Handle, native.Handle) {
	t.Helper()
	reg, status := e.RegistrationOpen(native.RegistrationConfig{AppName: "test"})
	require.False(t, status.Failed())
	sess, status := e.SessionOpen(reg, alpn)
	require.False(t, status.Failed())
	t.Cleanup(func() {
		e.SessionClose(sess)
		e.RegistrationClose(reg)
	})
	return reg, sess
}

func createSecConfig(t *testing.T, e *Engine, reg native.Handle, cert *tls.Certificate) native.Handle {
	t.Helper()

	type result struct {
		status native.Status
		sec    native.Handle
	}
	ch := make(chan result, 1)
	status := e.SecConfigCreate(reg, native.SecConfigFlagNone, cert, "", 7, func(ctx native.Context, status native.Status, sec native.Handle) {
		assert.Equal(t, native.Context(7), ctx)
		ch <- result{status, sec}
	})
	require.Equal(t, native.StatusPending, status)

	select {
	case r := <-ch:
		require.False(t, r.status.Failed(), r.status.String())
		return r.sec
	case <-time.After(5 * time.Second):
		t.Fatal("security config never completed")
		return 0
	}
}

// echoServer starts a listener whose streams echo everything back once the
// peer finishes sending.
func echoServer(t *testing.T, e *Engine, reg, sess native.Handle) uint16 {
	t.Helper()

	cert, err := certutil.GenerateSelfSigned()
	require.NoError(t, err)
	sec := createSecConfig(t, e, reg, &cert)

	var mu sync.Mutex
	received := make(map[native.Handle][]byte)

	streamCB := func(h native.Handle, _ native.Context, ev *native.StreamEvent) native.Status {
		switch ev.Type {
		case native.StreamEventReceive:
			mu.Lock()
			for _, b := range ev.Receive.Buffers {
				received[h] = append(received[h], b.Bytes()...)
			}
			mu.Unlock()
		case native.StreamEventPeerSendShutdown:
			mu.Lock()
			data := received[h]
			mu.Unlock()
			e.StreamSend(h, []native.Buffer{native.BufferOf(data)}, native.SendFlagFin, 0)
		case native.StreamEventShutdownComplete:
			e.StreamClose(h)
		}
		return native.StatusSuccess
	}

	connCB := func(h native.Handle, _ native.Context, ev *native.ConnectionEvent) native.Status {
		switch ev.Type {
		case native.ConnectionEventPeerStreamStarted:
			e.SetStreamCallbackHandler(ev.PeerStreamStarted.Stream, streamCB, 0)
		case native.ConnectionEventShutdownComplete:
			e.ConnectionClose(h)
		}
		return native.StatusSuccess
	}

	l, status := e.ListenerOpen(sess)
	require.False(t, status.Failed())
	e.SetListenerCallbackHandler(l, func(_ native.Handle, _ native.Context, ev *native.ListenerEvent) native.Status {
		e.SetConnectionCallbackHandler(ev.NewConnection.Connection, connCB, 0)
		ev.NewConnection.SecurityConfig = sec
		return native.StatusSuccess
	}, 0)

	addr := native.AddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0"))
	status = e.ListenerStart(l, addr)
	require.False(t, status.Failed(), status.String())
	t.Cleanup(func() {
		e.ListenerClose(l)
		e.SecConfigDelete(sec)
	})

	buf := make([]byte, native.AddrSize)
	n, status := e.GetParam(l, native.ParamLevelListener, native.ParamListenerLocalAddress, buf)
	require.False(t, status.Failed())
	var local native.Addr
	require.NoError(t, local.UnmarshalBinary(buf[:n]))
	return local.Port
}

type clientConn struct {
	h         native.Handle
	connected chan struct{}
	shutdown  chan native.Status
	complete  chan struct{}
}

func dial(t *testing.T, e *Engine, sess native.Handle, port uint16) *clientConn {
	t.Helper()

	cc := &clientConn{
		connected: make(chan struct{}),
		shutdown:  make(chan native.Status, 1),
		complete:  make(chan struct{}),
	}

	h, status := e.ConnectionOpen(sess)
	require.False(t, status.Failed())
	cc.h = h

	e.SetParam(h, native.ParamLevelConnection, native.ParamConnCertValidationFlags,
		native.EncodeUint32(uint32(native.CertValidationFlagDisable)))
	e.SetConnectionCallbackHandler(h, func(_ native.Handle, _ native.Context, ev *native.ConnectionEvent) native.Status {
		switch ev.Type {
		case native.ConnectionEventConnected:
			close(cc.connected)
		case native.ConnectionEventShutdownInitiatedByTransport:
			cc.shutdown <- ev.ShutdownInitiatedByTransport.Status
		case native.ConnectionEventShutdownComplete:
			close(cc.complete)
		}
		return native.StatusSuccess
	}, 0)

	status = e.ConnectionStart(h, native.AddressFamilyINET, "127.0.0.1", port)
	require.Equal(t, native.StatusPending, status)

	t.Cleanup(func() { e.ConnectionClose(h) })
	return cc
}

// connectEcho dials an echo server on e and waits for the handshake.
func connectEcho(t *testing.T, e *Engine) *clientConn {
	t.Helper()
	reg, sess := openSession(t, e, testALPN)
	port := echoServer(t, e, reg, sess)

	cc := dial(t, e, sess, port)
	select {
	case <-cc.connected:
	case status := <-cc.shutdown:
		t.Fatalf("connect failed: %s", status)
	case <-time.After(5 * time.Second):
		t.Fatal("connect timed out")
	}
	return cc
}

func TestEngine_EchoOverLoopback(t *testing.T) {
	testEcho(t, newTestEngine(t))
}

func TestEngine_EchoWithSingleWorkerPool(t *testing.T) {
	e, err := New(Options{PoolSize: 1})
	require.NoError(t, err)
	t.Cleanup(e.Release)

	testEcho(t, e)
}

func testEcho(t *testing.T, e *Engine) {
	cc := connectEcho(t, e)

	s, status := e.StreamOpen(cc.h, native.StreamOpenFlagNone)
	require.False(t, status.Failed())

	var (
		mu       sync.Mutex
		echoed   []byte
		sendDone = make(chan bool, 1)
		peerFin  = make(chan struct{})
		complete = make(chan struct{})
	)
	e.SetStreamCallbackHandler(s, func(_ native.Handle, _ native.Context, ev *native.StreamEvent) native.Status {
		switch ev.Type {
		case native.StreamEventReceive:
			mu.Lock()
			for _, b := range ev.Receive.Buffers {
				echoed = append(echoed, b.Bytes()...)
			}
			mu.Unlock()
		case native.StreamEventSendComplete:
			assert.Equal(t, native.Context(42), ev.SendComplete.ClientContext)
			sendDone <- ev.SendComplete.Canceled
		case native.StreamEventPeerSendShutdown:
			close(peerFin)
		case native.StreamEventShutdownComplete:
			close(complete)
		}
		return native.StatusSuccess
	}, 0)

	require.Equal(t, native.StatusSuccess, e.StreamStart(s, native.StreamStartFlagFailBlocked))

	idBuf := make([]byte, 8)
	n, status := e.GetParam(s, native.ParamLevelStream, native.ParamStreamID, idBuf)
	require.False(t, status.Failed())
	assert.Equal(t, 8, n)

	payload := []byte("ping")
	require.Equal(t, native.StatusPending, e.StreamSend(s, []native.Buffer{native.BufferOf(payload)}, native.SendFlagFin, 42))

	select {
	case canceled := <-sendDone:
		assert.False(t, canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("send never completed")
	}

	select {
	case <-peerFin:
	case <-time.After(5 * time.Second):
		t.Fatal("echo never finished")
	}
	mu.Lock()
	assert.Equal(t, "ping", string(echoed))
	mu.Unlock()

	select {
	case <-complete:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never completed")
	}
	e.StreamClose(s)

	e.ConnectionShutdown(cc.h, native.ConnectionShutdownFlagNone, 0)
	select {
	case <-cc.complete:
	case <-time.After(5 * time.Second):
		t.Fatal("connection never completed")
	}
}

func TestEngine_PendingReceiveWaitsForEnable(t *testing.T) {
	e := newTestEngine(t)
	cc := connectEcho(t, e)

	s, status := e.StreamOpen(cc.h, native.StreamOpenFlagNone)
	require.False(t, status.Failed())

	var (
		received = make(chan int, 64)
		peerFin  = make(chan struct{})
	)
	e.SetStreamCallbackHandler(s, func(_ native.Handle, _ native.Context, ev *native.StreamEvent) native.Status {
		switch ev.Type {
		case native.StreamEventReceive:
			received <- int(ev.Receive.TotalBufferLength)
			return native.StatusPending
		case native.StreamEventPeerSendShutdown:
			close(peerFin)
		}
		return native.StatusSuccess
	}, 0)
	require.Equal(t, native.StatusSuccess, e.StreamStart(s, native.StreamStartFlagNone))

	payload := bytes.Repeat([]byte("x"), 3*receiveChunkSize)
	require.Equal(t, native.StatusPending, e.StreamSend(s, []native.Buffer{native.BufferOf(payload)}, native.SendFlagFin, 1))

	var total int
	select {
	case n := <-received:
		total += n
	case <-time.After(5 * time.Second):
		t.Fatal("nothing was received")
	}

	// A pending receive holds delivery until it is enabled again.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, received)
	select {
	case <-peerFin:
		t.Fatal("the peer FIN was delivered while receive was paused")
	default:
	}

	for total < len(payload) {
		require.Equal(t, native.StatusSuccess, e.StreamReceiveSetEnabled(s, true))
		select {
		case n := <-received:
			total += n
		case <-time.After(5 * time.Second):
			t.Fatal("receive did not resume")
		}
	}
	assert.Equal(t, len(payload), total)

	require.Equal(t, native.StatusSuccess, e.StreamReceiveSetEnabled(s, true))
	select {
	case <-peerFin:
	case <-time.After(5 * time.Second):
		t.Fatal("echo never finished")
	}
	e.StreamShutdown(s, native.StreamShutdownFlagAbort, 0)
	e.StreamClose(s)
}

func TestEngine_PeerBidiLimitZero(t *testing.T) {
	e := newTestEngine(t)
	reg, sess := openSession(t, e, testALPN)

	require.Equal(t, native.StatusSuccess,
		e.SetParam(sess, native.ParamLevelSession, native.ParamSessionPeerBidiStreamCount, native.EncodeUint16(0)))

	port := echoServer(t, e, reg, sess)

	// The client session allows streams; only the server's limit matters.
	_, clientSess := openSession(t, e, testALPN)
	cc := dial(t, e, clientSess, port)
	select {
	case <-cc.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("connect timed out")
	}

	s, status := e.StreamOpen(cc.h, native.StreamOpenFlagNone)
	require.False(t, status.Failed())
	e.SetStreamCallbackHandler(s, func(native.Handle, native.Context, *native.StreamEvent) native.Status {
		return native.StatusSuccess
	}, 0)

	assert.Equal(t, native.StatusStreamLimitReached, e.StreamStart(s, native.StreamStartFlagFailBlocked))
	e.StreamClose(s)
}

func TestEngine_ALPNMismatch(t *testing.T) {
	e := newTestEngine(t)
	reg, sess := openSession(t, e, testALPN)

	cert, err := certutil.GenerateSelfSigned()
	require.NoError(t, err)
	sec := createSecConfig(t, e, reg, &cert)
	defer e.SecConfigDelete(sec)

	announced := make(chan struct{}, 1)
	l, _ := e.ListenerOpen(sess)
	defer e.ListenerClose(l)
	e.SetListenerCallbackHandler(l, func(native.Handle, native.Context, *native.ListenerEvent) native.Status {
		announced <- struct{}{}
		return native.StatusSuccess
	}, 0)
	require.Equal(t, native.StatusSuccess,
		e.ListenerStart(l, native.AddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0"))))

	buf := make([]byte, native.AddrSize)
	_, status := e.GetParam(l, native.ParamLevelListener, native.ParamListenerLocalAddress, buf)
	require.False(t, status.Failed())
	var local native.Addr
	require.NoError(t, local.UnmarshalBinary(buf))

	_, otherSess := openSession(t, e, "other")
	cc := dial(t, e, otherSess, local.Port)

	select {
	case status := <-cc.shutdown:
		assert.True(t, status.Failed())
	case <-cc.connected:
		t.Fatal("connected despite ALPN mismatch")
	case <-time.After(10 * time.Second):
		t.Fatal("handshake never failed")
	}
	assert.Empty(t, announced)
}

func TestEngine_ListenerStartAddressInUse(t *testing.T) {
	e := newTestEngine(t)
	_, sess := openSession(t, e, testALPN)

	first, _ := e.ListenerOpen(sess)
	defer e.ListenerClose(first)
	require.Equal(t, native.StatusSuccess,
		e.ListenerStart(first, native.AddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0"))))

	buf := make([]byte, native.AddrSize)
	_, status := e.GetParam(first, native.ParamLevelListener, native.ParamListenerLocalAddress, buf)
	require.False(t, status.Failed())
	var local native.Addr
	require.NoError(t, local.UnmarshalBinary(buf))

	second, _ := e.ListenerOpen(sess)
	defer e.ListenerClose(second)
	status = e.ListenerStart(second, local)
	assert.True(t, status.Failed())
}

func TestEngine_InvalidHandles(t *testing.T) {
	e := newTestEngine(t)

	_, status := e.SessionOpen(12345, testALPN)
	assert.Equal(t, native.StatusInvalidParameter, status)

	assert.Equal(t, native.StatusInvalidParameter, e.StreamStart(999, native.StreamStartFlagNone))
	assert.Equal(t, native.StatusInvalidParameter, e.StreamSend(999, nil, native.SendFlagNone, 0))

	// Closing unknown handles is a no-op.
	e.StreamClose(999)
	e.ConnectionClose(999)
	e.ListenerClose(999)
}

func TestEngine_SessionParams(t *testing.T) {
	e := newTestEngine(t)
	_, sess := openSession(t, e, testALPN)

	require.Equal(t, native.StatusSuccess,
		e.SetParam(sess, native.ParamLevelSession, native.ParamSessionIdleTimeout, native.EncodeUint64(1500)))
	require.Equal(t, native.StatusSuccess,
		e.SetParam(sess, native.ParamLevelSession, native.ParamSessionPeerUnidiStreamCount, native.EncodeUint16(3)))
	assert.Equal(t, native.StatusInvalidParameter,
		e.SetParam(sess, native.ParamLevelSession, native.ParamSessionIdleTimeout, []byte{1}))

	buf := make([]byte, 8)
	n, status := e.GetParam(sess, native.ParamLevelSession, native.ParamSessionIdleTimeout, buf)
	require.False(t, status.Failed())
	v, ok := native.DecodeUint64(buf[:n])
	require.True(t, ok)
	assert.Equal(t, uint64(1500), v)

	small := make([]byte, 1)
	n, status = e.GetParam(sess, native.ParamLevelSession, native.ParamSessionIdleTimeout, small)
	assert.Equal(t, native.StatusBufferTooSmall, status)
	assert.Equal(t, 8, n)

	s, ok := lookup[*session](e, sess)
	require.True(t, ok)
	cfg := s.quicConfig()
	assert.Equal(t, 1500*time.Millisecond, cfg.MaxIdleTimeout)
	assert.Equal(t, int64(3), cfg.MaxIncomingUniStreams)
	assert.Zero(t, cfg.MaxIncomingStreams)
}

func TestEngine_SecConfigRequiresCertificate(t *testing.T) {
	e := newTestEngine(t)
	reg, _ := openSession(t, e, testALPN)

	status := e.SecConfigCreate(reg, native.SecConfigFlagNone, nil, "", 0, func(native.Context, native.Status, native.Handle) {})
	assert.Equal(t, native.StatusInvalidParameter, status)

	done := make(chan native.Status, 1)
	status = e.SecConfigCreate(reg, native.SecConfigFlagNone, &tls.Certificate{}, "", 0, func(_ native.Context, st native.Status, _ native.Handle) {
		done <- st
	})
	require.Equal(t, native.StatusPending, status)
	assert.Equal(t, native.StatusTLSError, <-done)
}
