package rdma

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testHost = "10.0.0.2"
	testPort = 8003
	testAddr = "10.0.0.2:8003"
)

var smallConfig = CommConfig{BufNum: 4, BufSize: 4096}

func testTunables() Tunables {
	return Tunables{
		ConnTimeout:              time.Second,
		CompletionTimeout:        2 * time.Second,
		FlowControlOnSendTimeout: 2 * time.Second,
		FlowControlOnRecvTimeout: 2 * time.Second,
		ShutdownDrainTimeout:     50 * time.Millisecond,
		LivenessInterval:         time.Second,
		StaleRetries:             128,
	}
}

func newTestFabric(t *testing.T) *SimFabric {
	t.Helper()
	f := NewSimFabric()
	t.Cleanup(f.Close)
	return f
}

func connectTo(t *testing.T, f *SimFabric, cfg CommConfig) (*Socket, error) {
	t.Helper()
	s := NewSocket(f, testTunables())
	require.True(t, s.SockValid())
	t.Cleanup(func() { s.Close() })
	return s, s.ConnectByIP(net.ParseIP(testHost), testPort, cfg)
}

// connectPair connects a client to a listener that hands back the passive
// socket.
func connectPair(t *testing.T, f *SimFabric, cfg CommConfig) (client, peer *Socket) {
	t.Helper()
	peers := make(chan *Socket, 1)
	f.Serve(testAddr, SimAcceptSockets(cfg, testTunables(), func(p *Socket) { peers <- p }))

	client, err := connectTo(t, f, cfg)
	require.NoError(t, err)

	select {
	case peer = <-peers:
	case <-time.After(time.Second):
		t.Fatal("passive socket not handed out")
	}
	t.Cleanup(func() { peer.Close() })
	return client, peer
}

func TestConnectImmediateAccept(t *testing.T) {
	f := newTestFabric(t)
	client, _ := connectPair(t, f, smallConfig)

	assert.Equal(t, 0, client.StaleRetries())
	assert.Equal(t, stateEstablished, client.loadState())
	assert.Equal(t, testAddr, client.RemoteAddr().String())
	assert.Equal(t, "RDMA "+testAddr, client.String())
	assert.Equal(t, 1, f.ConnectAttempts(testAddr))

	remote := client.remoteDest.Load()
	require.NotNil(t, remote)
	assert.Equal(t, uint32(smallConfig.BufNum), remote.RecvBufNum)
	assert.Equal(t, uint32(smallConfig.BufSize), remote.RecvBufSize)
}

func TestConnectStaleRetriesThenAccept(t *testing.T) {
	f := newTestFabric(t)
	f.Serve(testAddr, SimRejectStale(2, SimAcceptSockets(smallConfig, testTunables(), nil)))
	before := f.Stats().IDsCreated

	client, err := connectTo(t, f, smallConfig)
	require.NoError(t, err)

	assert.Equal(t, 2, client.StaleRetries())
	assert.Equal(t, 3, f.ConnectAttempts(testAddr))

	// one identifier per attempt on the client plus the accepted peer
	stats := f.Stats()
	assert.Equal(t, 3+1, stats.IDsCreated-before)
	// stale identifiers and their comm contexts are gone
	assert.Equal(t, 2, stats.LiveIDs)
	assert.Equal(t, 2, stats.LivePDs)
	assert.Equal(t, 2, stats.LiveQPs)
}

func TestConnectStaleRetriesExhausted(t *testing.T) {
	f := newTestFabric(t)
	f.Serve(testAddr, SimRejectStale(1<<30, nil))
	before := f.Stats().IDsCreated

	client, err := connectTo(t, f, CommConfig{BufNum: 2, BufSize: 64})
	require.ErrorIs(t, err, ErrStaleRetriesExhausted)
	assert.ErrorIs(t, err, ErrConnectionBroken)

	assert.Equal(t, 128, client.StaleRetries())
	assert.Equal(t, 129, f.ConnectAttempts(testAddr))
	assert.Equal(t, 129, f.Stats().IDsCreated-before)

	require.NoError(t, client.Close())
	stats := f.Stats()
	assert.Zero(t, stats.LiveIDs)
	assert.Zero(t, stats.LivePDs)
	assert.Zero(t, stats.LiveBuffers)
	assert.Zero(t, stats.LiveCQs)
	assert.Zero(t, stats.LiveQPs)
}

func TestConnectStaleRetriesDisabled(t *testing.T) {
	f := newTestFabric(t)
	f.Serve(testAddr, SimRejectStale(1, SimAcceptSockets(smallConfig, testTunables(), nil)))

	tun := testTunables()
	tun.StaleRetries = 0
	s := NewSocket(f, tun)
	defer s.Close()

	err := s.ConnectByIP(net.ParseIP(testHost), testPort, smallConfig)
	assert.ErrorIs(t, err, ErrStaleRetriesExhausted)
	assert.Equal(t, 1, f.ConnectAttempts(testAddr))
}

func TestConnectFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *SimFabric)
		ip    string
		want  error
	}{
		{
			name:  "rejected without retry",
			setup: func(f *SimFabric) { f.Serve(testAddr, SimReject(RejectConsumerDefined)) },
			ip:    testHost,
			want:  ErrConnectionRefused,
		},
		{
			name:  "no listener",
			setup: func(*SimFabric) {},
			ip:    testHost,
			want:  ErrConnectionRefused,
		},
		{
			name:  "address error",
			setup: func(f *SimFabric) { f.SetUnreachable("10.0.0.9") },
			ip:    "10.0.0.9",
			want:  ErrConnectionRefused,
		},
		{
			name:  "identifier creation fails mid-retry",
			setup: func(f *SimFabric) { f.Serve(testAddr, SimRejectStale(1<<30, nil)); f.FailAfter(SimOpCreateID, 1) },
			ip:    testHost,
			want:  ErrSimInjected,
		},
		{
			name:  "comm context fails",
			setup: func(f *SimFabric) { f.Serve(testAddr, SimReject(RejectConsumerDefined)); f.FailAfter(SimOpCreateQP, 0) },
			ip:    testHost,
			want:  ErrSimInjected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFabric(t)
			s := NewSocket(f, testTunables())
			defer s.Close()
			tt.setup(f)

			err := s.ConnectByIP(net.ParseIP(tt.ip), testPort, smallConfig)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			_, err = s.Send(t.Context(), []byte("x"), 0)
			assert.ErrorIs(t, err, ErrConnectionBroken, "a failed connect leaves the socket unusable")
		})
	}
}

func TestConnectRejectsInvalidConfig(t *testing.T) {
	f := newTestFabric(t)
	s := NewSocket(f, testTunables())
	defer s.Close()

	err := s.ConnectByIP(net.ParseIP(testHost), testPort, CommConfig{BufNum: 1, BufSize: 4096})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Zero(t, f.ConnectAttempts(testAddr))
}

func TestConnectHandshakeMismatch(t *testing.T) {
	f := newTestFabric(t)
	accept := SimAcceptSockets(smallConfig, testTunables(), nil)
	f.Serve(testAddr, func(f *SimFabric, req *SimConnectRequest) SimDecision {
		d := accept(f, req)
		d.PrivateData[0] = 'X'
		return d
	})

	_, err := connectTo(t, f, smallConfig)
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestConnectAppliesTypeOfService(t *testing.T) {
	f := newTestFabric(t)
	f.Serve(testAddr, SimRejectStale(1, SimAcceptSockets(smallConfig, testTunables(), nil)))

	s := NewSocket(f, testTunables())
	defer s.Close()
	s.SetTypeOfService(106)
	require.NoError(t, s.ConnectByIP(net.ParseIP(testHost), testPort, smallConfig))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, uint8(106), f.ids[s.currentID()].tos, "type of service survives identifier renewal")
}

func TestListenRejectsInboundRequests(t *testing.T) {
	f := newTestFabric(t)
	s := NewSocket(f, testTunables())
	defer s.Close()

	require.NoError(t, s.Bind(9000))
	require.NoError(t, s.Listen())
	assert.Equal(t, "RDMA Listen(Port: 9000)", s.String())
	assert.Equal(t, 9000, s.LocalAddr().Port)

	_, err := f.InjectConnectRequest(s.currentID())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := f.Stats()
		return st.InboundRejects == 1 && st.LiveIDs == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, s.broken.Load(), "rejecting a request does not affect the listener")

	other := NewSocket(f, testTunables())
	defer other.Close()
	assert.ErrorIs(t, other.Bind(9000), ErrSimAddrInUse)
}

func TestDeviceRemovalBreaksConnection(t *testing.T) {
	f := newTestFabric(t)
	client, peer := connectPair(t, f, smallConfig)

	f.RemoveDevice()
	require.Eventually(t, func() bool {
		return client.broken.Load() && peer.broken.Load()
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		st := f.Stats()
		return st.LiveIDs == 0 && st.LiveQPs == 0 && st.LivePDs == 0 && st.LiveBuffers == 0
	}, time.Second, 5*time.Millisecond)

	_, err := client.Send(t.Context(), []byte("data"), 0)
	assert.ErrorIs(t, err, ErrDeviceRemoved)
	_, err = client.RecvT(t.Context(), make([]byte, 8), 0, time.Second)
	assert.ErrorIs(t, err, ErrDeviceRemoved)

	assert.NoError(t, client.Close())
	assert.NoError(t, client.Close())
}

func requireFabricDrained(t *testing.T, f *SimFabric) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := f.Stats()
		return st.LiveIDs == 0 && st.LiveQPs == 0 && st.LivePDs == 0 && st.LiveBuffers == 0 && st.LiveCQs == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDeviceRemovalDuringConnect(t *testing.T) {
	f := newTestFabric(t)
	f.Serve(testAddr, func(f *SimFabric, _ *SimConnectRequest) SimDecision {
		f.RemoveDevice()
		// no peer identifier, so only the removal settles the attempt
		return SimDecision{Accept: true}
	})

	client := NewSocket(f, testTunables())
	require.True(t, client.SockValid())
	errc := make(chan error, 1)
	go func() { errc <- client.ConnectByIP(net.ParseIP(testHost), testPort, smallConfig) }()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrDeviceRemoved)
		assert.ErrorIs(t, err, ErrConnectionBroken)
	case <-time.After(2 * time.Second):
		t.Fatal("connect still waiting after device removal")
	}
	assert.Equal(t, stateFailed, client.loadState())
	assert.Zero(t, client.currentID())

	require.NoError(t, client.Close())
	requireFabricDrained(t, f)
}

func TestDeviceRemovalDuringBlockedSend(t *testing.T) {
	f := newTestFabric(t)
	client, _ := connectPair(t, f, smallConfig)
	f.HoldSendCompletions(true)

	errc := make(chan error, 1)
	go func() {
		_, err := client.Send(t.Context(), bytes.Repeat([]byte{'x'}, 8*smallConfig.BufSize), 0)
		errc <- err
	}()
	require.Eventually(t, func() bool {
		return len(f.SendLog(client.currentID())) > 0
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	f.RemoveDevice()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrDeviceRemoved)
	case <-time.After(2 * time.Second):
		t.Fatal("send still blocked after device removal")
	}
	requireFabricDrained(t, f)
}

func TestDeviceRemovalDuringBlockedRecv(t *testing.T) {
	f := newTestFabric(t)
	client, _ := connectPair(t, f, smallConfig)

	errc := make(chan error, 1)
	go func() {
		_, err := client.RecvT(t.Context(), make([]byte, 64), 0, 5*time.Second)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)

	f.RemoveDevice()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrDeviceRemoved)
	case <-time.After(2 * time.Second):
		t.Fatal("receive still blocked after device removal")
	}
	requireFabricDrained(t, f)
}

func TestDeviceRemovalDuringSendLoop(t *testing.T) {
	f := newTestFabric(t)
	client, peer := connectPair(t, f, smallConfig)

	go func() {
		buf := make([]byte, smallConfig.BufSize)
		for {
			if _, err := peer.Recv(context.Background(), buf, 0); err != nil {
				return
			}
		}
	}()

	time.AfterFunc(time.Millisecond, f.RemoveDevice)
	msg := bytes.Repeat([]byte{'m'}, 800)
	var err error
	for i := 0; i < 1_000_000 && err == nil; i++ {
		_, err = client.Send(t.Context(), msg, 0)
	}
	require.Error(t, err)
	require.Eventually(t, client.broken.Load, time.Second, 5*time.Millisecond)

	_, err = client.Send(t.Context(), msg, 0)
	assert.ErrorIs(t, err, ErrConnectionBroken)
	requireFabricDrained(t, f)
}

func TestPeerDisconnectBreaksConnection(t *testing.T) {
	f := newTestFabric(t)
	client, peer := connectPair(t, f, smallConfig)

	require.NoError(t, peer.Close())
	require.Eventually(t, client.broken.Load, time.Second, 5*time.Millisecond)

	_, err := client.RecvT(t.Context(), make([]byte, 8), 0, time.Second)
	assert.ErrorIs(t, err, ErrConnectionBroken)
}

func TestLateEventsForReplacedIdentifierIgnored(t *testing.T) {
	f := newTestFabric(t)
	client, _ := connectPair(t, f, smallConfig)

	err := client.handleCMEvent(&CMEvent{Type: CMEventDisconnected, ID: client.currentID() + 1000})
	assert.NoError(t, err)
	assert.False(t, client.broken.Load())
	assert.Equal(t, stateEstablished, client.loadState())
}
