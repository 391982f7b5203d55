package rdma

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvExactly(t *testing.T, s *Socket, n int) []byte {
	t.Helper()
	got := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(got) < n {
		m, err := s.RecvT(t.Context(), buf[:n-len(got)], 0, 2*time.Second)
		require.NoError(t, err)
		got = append(got, buf[:m]...)
	}
	return got
}

func TestSendSplitsIntoBuffers(t *testing.T) {
	f := newTestFabric(t)
	client, peer := connectPair(t, f, CommConfig{BufNum: 4, BufSize: 4096})

	payload := bytes.Repeat([]byte("abcdefghij"), 1000)
	n, err := client.Send(t.Context(), payload, 0)
	require.NoError(t, err)
	assert.Equal(t, 10000, n)
	assert.Equal(t, []int{4096, 4096, 1808}, f.SendLog(client.currentID()))

	assert.Equal(t, payload, recvExactly(t, peer, len(payload)))
}

// The receiver hands credits back with a 1-byte message once it has taken
// bufNum-1 messages without sending anything itself.
func TestRecvReturnsCreditsToSender(t *testing.T) {
	f := newTestFabric(t)
	cfg := CommConfig{BufNum: 4, BufSize: 4096}
	client, peer := connectPair(t, f, cfg)

	for i := 0; i < cfg.BufNum-1; i++ {
		_, err := peer.Send(t.Context(), bytes.Repeat([]byte{byte('a' + i)}, 100), 0)
		require.NoError(t, err)
	}

	buf := make([]byte, 4096)
	for i := 0; i < cfg.BufNum-2; i++ {
		n, err := client.RecvT(t.Context(), buf, 0, time.Second)
		require.NoError(t, err)
		assert.Equal(t, 100, n)
		assert.Empty(t, f.SendLog(client.currentID()))
	}

	n, err := client.RecvT(t.Context(), buf, 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, []int{flowControlMsgLen}, f.SendLog(client.currentID()))

	// the peer consumes the credit message and can go on sending
	_, err = peer.Send(t.Context(), []byte("more"), 0)
	require.NoError(t, err)
	n, err = client.RecvT(t.Context(), buf, 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "more", string(buf[:n]))
	assert.Equal(t, []int{flowControlMsgLen}, f.SendLog(client.currentID()))
}

func TestNonblockingSendWouldBlock(t *testing.T) {
	f := newTestFabric(t)
	cfg := CommConfig{BufNum: 4, BufSize: 4096}
	client, peer := connectPair(t, f, cfg)
	f.HoldSendCompletions(true)

	msg := []byte("0123456789")
	for i := 0; i < cfg.BufNum-1; i++ {
		_, err := client.Send(t.Context(), msg, 0)
		require.NoError(t, err)
	}
	recvExactly(t, peer, 3*len(msg))

	// the peer's credit message makes room for the last buffer
	n, err := client.Send(t.Context(), msg, MsgDontWait)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)

	c := client.comm.Load()
	require.Equal(t, cfg.BufNum, c.incompleteSend.numAvailable)
	credits := c.credits
	posted := len(f.SendLog(client.currentID()))

	n, err = client.Send(t.Context(), msg, MsgDontWait)
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Zero(t, n)
	assert.Equal(t, credits, c.credits)
	assert.Len(t, f.SendLog(client.currentID()), posted)
	assert.False(t, client.broken.Load())

	ready, err := client.NonblockingSendCheck()
	require.NoError(t, err)
	assert.False(t, ready)

	f.HoldSendCompletions(false)
	ready, err = client.NonblockingSendCheck()
	require.NoError(t, err)
	assert.True(t, ready)

	n, err = client.Send(t.Context(), msg, MsgDontWait)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)
}

func TestNonblockingSendTruncatesToFreeBuffers(t *testing.T) {
	f := newTestFabric(t)
	cfg := CommConfig{BufNum: 4, BufSize: 16}
	client, _ := connectPair(t, f, cfg)

	n, err := client.Send(t.Context(), make([]byte, 100), MsgDontWait)
	require.NoError(t, err)
	assert.Equal(t, 3*cfg.BufSize, n, "limited by send credits")
	assert.Equal(t, []int{16, 16, 16}, f.SendLog(client.currentID()))
}

// transfer moves payload in one direction with random chunking on both
// ends.
func transfer(t *testing.T, from, to *Socket, payload []byte, bufSize int, seed uint64) {
	t.Helper()

	errCh := make(chan error, 1)
	go func() {
		rng := rand.New(rand.NewPCG(seed, 1))
		for sent := 0; sent < len(payload); {
			end := min(sent+1+rng.IntN(3*bufSize), len(payload))
			n, err := from.Send(context.Background(), payload[sent:end], 0)
			if err != nil {
				errCh <- err
				return
			}
			sent += n
		}
		errCh <- nil
	}()

	rng := rand.New(rand.NewPCG(seed, 2))
	got := make([]byte, 0, len(payload))
	buf := make([]byte, 2*bufSize)
	for len(got) < len(payload) {
		want := min(1+rng.IntN(len(buf)), len(payload)-len(got))
		n, err := to.RecvT(t.Context(), buf[:want], 0, 2*time.Second)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	require.NoError(t, <-errCh)
	require.Equal(t, payload, got)
}

func TestRoundTripKeepsFlowControlInvariant(t *testing.T) {
	configs := []CommConfig{
		{BufNum: 3, BufSize: 64},
		{BufNum: 4, BufSize: 4096},
		{BufNum: 8, BufSize: 100},
	}

	for i, cfg := range configs {
		f := newTestFabric(t)
		client, peer := connectPair(t, f, cfg)

		rng := rand.New(rand.NewPCG(uint64(i), 99))
		for round := 0; round < 4; round++ {
			payload := make([]byte, 1+rng.IntN(20*cfg.BufSize))
			for j := range payload {
				payload[j] = byte(rng.Uint32())
			}
			transfer(t, client, peer, payload, cfg.BufSize, uint64(round))
			transfer(t, peer, client, payload, cfg.BufSize, uint64(round)+100)
		}

		stats := f.Stats()
		assert.Zero(t, stats.RNREvents, "a send never finds the peer without a posted receive")
		assert.Zero(t, stats.CQOverflows)
		assert.LessOrEqual(t, stats.MaxSendsInFlight, cfg.BufNum)
		assert.False(t, client.broken.Load())
		assert.False(t, peer.broken.Load())
	}
}

func TestRecvPartialMessage(t *testing.T) {
	f := newTestFabric(t)
	client, peer := connectPair(t, f, smallConfig)

	_, err := peer.Send(t.Context(), []byte("hello world"), 0)
	require.NoError(t, err)
	_, err = peer.Send(t.Context(), []byte("next"), 0)
	require.NoError(t, err)

	buf := make([]byte, 5)
	n, err := client.RecvT(t.Context(), buf, 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	ready, err := client.NonblockingRecvCheck()
	require.NoError(t, err)
	assert.True(t, ready, "rest of the message is pending")

	big := make([]byte, 100)
	n, err = client.RecvT(t.Context(), big, 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, " world", string(big[:n]), "a receive never spans messages")

	n, err = client.RecvT(t.Context(), big, 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "next", string(big[:n]))
}

func TestRecvTimeoutKeepsSocketUsable(t *testing.T) {
	f := newTestFabric(t)
	client, peer := connectPair(t, f, smallConfig)
	buf := make([]byte, 64)

	start := time.Now()
	_, err := client.RecvT(t.Context(), buf, 0, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTemporary(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	_, err = client.Recv(t.Context(), buf, MsgDontWait)
	assert.ErrorIs(t, err, ErrWouldBlock)

	ready, err := client.NonblockingRecvCheck()
	require.NoError(t, err)
	assert.False(t, ready)
	assert.False(t, client.broken.Load())

	_, err = peer.Send(t.Context(), []byte("late"), 0)
	require.NoError(t, err)
	n, err := client.Recv(t.Context(), buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "late", string(buf[:n]))
}

func TestRecvInterrupted(t *testing.T) {
	f := newTestFabric(t)
	client, peer := connectPair(t, f, smallConfig)

	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := client.RecvT(ctx, make([]byte, 8), 0, 5*time.Second)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.False(t, client.broken.Load())

	_, err = peer.Send(t.Context(), []byte("ok"), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), recvExactly(t, client, 2))
}

func TestCompletionErrorIsSticky(t *testing.T) {
	f := newTestFabric(t)
	client, _ := connectPair(t, f, smallConfig)

	require.NoError(t, f.InjectCompletion(client.currentID(), true, WorkCompletion{
		WRID:      workID(workRecv, 0),
		Status:    WCRemAccessErr,
		Opcode:    WCOpRecv,
		VendorErr: 0x88,
	}))

	_, err := client.RecvT(t.Context(), make([]byte, 8), 0, time.Second)
	var ce *CompletionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, WCRemAccessErr, ce.Status)
	assert.Equal(t, uint32(0x88), ce.VendorErr)
	assert.True(t, client.broken.Load())

	_, err = client.Send(t.Context(), []byte("x"), 0)
	assert.ErrorIs(t, err, ErrConnectionBroken)
	assert.ErrorIs(t, err, ErrCompletion)
	assert.Equal(t, PollErr, client.Poll(PollIn|PollOut, false))
}

func TestInvalidReceiveTagBreaksConnection(t *testing.T) {
	f := newTestFabric(t)
	client, _ := connectPair(t, f, smallConfig)

	require.NoError(t, f.InjectCompletion(client.currentID(), true, WorkCompletion{
		WRID:   workID(workSend, 1),
		Opcode: WCOpRecv,
	}))

	_, err := client.RecvT(t.Context(), make([]byte, 8), 0, time.Second)
	assert.ErrorIs(t, err, ErrCompletion)
	assert.True(t, client.broken.Load())
}

func TestCompletionErrorText(t *testing.T) {
	tests := []struct {
		status WCStatus
		want   string
	}{
		{WCWRFlushErr, "work request flush error"},
		{WCRetryExcErr, "retries exceeded error"},
		{WCRespTimeoutErr, "response timeout error"},
		{WCRemAccessErr, "<undefined>"},
		{WCStatus(99), "<undefined>"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
		err := &CompletionError{WRID: 7, Status: tt.status}
		assert.Contains(t, err.Error(), tt.want)
		assert.True(t, errors.Is(err, ErrCompletion))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Run("fresh", func(t *testing.T) {
		f := newTestFabric(t)
		s := NewSocket(f, testTunables())
		assert.NoError(t, s.Close())
		assert.NoError(t, s.Close())
		assert.Zero(t, f.Stats().LiveIDs)
	})

	t.Run("identifier creation failed", func(t *testing.T) {
		f := newTestFabric(t)
		f.FailAfter(SimOpCreateID, 0)
		s := NewSocket(f, testTunables())
		assert.False(t, s.SockValid())
		err := s.ConnectByIP(net.ParseIP(testHost), testPort, smallConfig)
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.NoError(t, s.Close())
		assert.NoError(t, s.Close())
	})

	t.Run("connected", func(t *testing.T) {
		f := newTestFabric(t)
		client, _ := connectPair(t, f, smallConfig)
		assert.NoError(t, client.Close())
		assert.NoError(t, client.Close())

		_, err := client.Send(t.Context(), []byte("x"), 0)
		assert.ErrorIs(t, err, ErrNotConnected)
		require.Eventually(t, func() bool { return f.Stats().LiveQPs == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("failed connect", func(t *testing.T) {
		f := newTestFabric(t)
		s, err := connectTo(t, f, smallConfig)
		require.Error(t, err)
		assert.NoError(t, s.Close())
		assert.NoError(t, s.Close())
		assert.Zero(t, f.Stats().LivePDs)
	})
}

func TestShutdownDrainsSends(t *testing.T) {
	f := newTestFabric(t)
	client, _ := connectPair(t, f, smallConfig)

	require.NoError(t, client.Shutdown(), "nothing outstanding")

	f.HoldSendCompletions(true)
	_, err := client.Send(t.Context(), []byte("pending"), 0)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, client.Shutdown(), "a drain timeout is not an error")
	assert.GreaterOrEqual(t, time.Since(start), testTunables().ShutdownDrainTimeout)
	assert.Equal(t, 1, client.comm.Load().incompleteSend.numAvailable)

	f.HoldSendCompletions(false)
	require.NoError(t, client.Shutdown())
	assert.Zero(t, client.comm.Load().incompleteSend.numAvailable)
	assert.False(t, client.broken.Load())
}

func TestPollRegistersForCompletions(t *testing.T) {
	f := newTestFabric(t)
	client, peer := connectPair(t, f, smallConfig)

	assert.Equal(t, PollEvents(0), client.Poll(PollIn, false))
	recvCh, sendCh := client.PollChans()
	require.NotNil(t, recvCh)
	assert.Nil(t, sendCh)

	_, err := peer.Send(t.Context(), []byte("ping"), 0)
	require.NoError(t, err)

	select {
	case <-recvCh:
	case <-time.After(time.Second):
		t.Fatal("receive notification did not fire")
	}

	assert.Equal(t, PollIn, client.Poll(PollIn, true))
	recvCh, sendCh = client.PollChans()
	assert.Nil(t, recvCh)
	assert.Nil(t, sendCh)

	assert.Equal(t, []byte("ping"), recvExactly(t, client, 4))

	assert.Equal(t, PollOut, client.Poll(PollOut, false))
	_, sendCh = client.PollChans()
	assert.Nil(t, sendCh, "a ready direction does not register")
	client.Poll(PollOut, true)

	require.NoError(t, peer.Close())
	require.Eventually(t, client.broken.Load, time.Second, 5*time.Millisecond)
	assert.Equal(t, PollErr, client.Poll(PollIn|PollOut, false))
}

func TestPollOutWaitsForCredits(t *testing.T) {
	f := newTestFabric(t)
	cfg := CommConfig{BufNum: 3, BufSize: 64}
	client, peer := connectPair(t, f, cfg)

	for i := 0; i < cfg.BufNum-1; i++ {
		_, err := client.Send(t.Context(), []byte("x"), 0)
		require.NoError(t, err)
	}
	assert.Equal(t, PollEvents(0), client.Poll(PollOut, false), "out of credits")
	recvCh, sendCh := client.PollChans()
	assert.NotNil(t, recvCh, "credits arrive on the receive queue")
	assert.NotNil(t, sendCh)

	recvExactly(t, peer, cfg.BufNum-1)
	select {
	case <-recvCh:
	case <-time.After(time.Second):
		t.Fatal("credit message did not arrive")
	}
	assert.Equal(t, PollOut, client.Poll(PollOut, true)&PollOut)
}

func TestCheckConnection(t *testing.T) {
	f := newTestFabric(t)
	client, _ := connectPair(t, f, smallConfig)

	require.NoError(t, client.CheckConnection())
	require.NoError(t, client.CheckConnection())

	f.KillListener(testAddr)
	err := client.CheckConnection()
	require.ErrorIs(t, err, ErrConnectionBroken)
	var ce *CompletionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, WCRetryExcErr, ce.Status)
	assert.Equal(t, readWorkID, ce.WRID)
}

func TestRecvDetectsVanishedPeer(t *testing.T) {
	f := newTestFabric(t)
	tun := testTunables()
	tun.LivenessInterval = 30 * time.Millisecond

	f.Serve(testAddr, SimAcceptSockets(smallConfig, tun, nil))
	client := NewSocket(f, tun)
	defer client.Close()
	require.NoError(t, client.ConnectByIP(net.ParseIP(testHost), testPort, smallConfig))

	f.KillListener(testAddr)
	_, err := client.RecvT(t.Context(), make([]byte, 8), 0, 5*time.Second)
	assert.ErrorIs(t, err, ErrConnectionBroken)
}

func TestWriteCounterLandsInPeerRegion(t *testing.T) {
	f := newTestFabric(t)
	client, peer := connectPair(t, f, smallConfig)

	copy(client.comm.Load().fcCounter.Bytes, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, client.writeCounter(t.Context()))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, peer.comm.Load().fcCounter.Bytes)

	// the liveness check reads the same region back
	require.NoError(t, client.CheckConnection())
}

func TestWriteCounterOutlastsLivenessInterval(t *testing.T) {
	f := newTestFabric(t)
	tun := testTunables()
	tun.LivenessInterval = 30 * time.Millisecond

	f.Serve(testAddr, SimAcceptSockets(smallConfig, tun, nil))
	client := NewSocket(f, tun)
	defer client.Close()
	require.NoError(t, client.ConnectByIP(net.ParseIP(testHost), testPort, smallConfig))

	// several liveness intervals pass while the write is outstanding
	f.HoldSendCompletions(true)
	time.AfterFunc(100*time.Millisecond, func() { f.HoldSendCompletions(false) })

	require.NoError(t, client.writeCounter(t.Context()))
	assert.False(t, client.broken.Load())
	require.NoError(t, client.CheckConnection())
}

func TestOversizedReceiveCompletionBreaksConnection(t *testing.T) {
	f := newTestFabric(t)
	client, _ := connectPair(t, f, smallConfig)

	require.NoError(t, f.InjectCompletion(client.currentID(), true, WorkCompletion{
		WRID:    workID(workRecv, 0),
		Status:  WCSuccess,
		Opcode:  WCOpRecv,
		ByteLen: uint32(smallConfig.BufSize + 1),
	}))

	_, err := client.RecvT(t.Context(), make([]byte, 8), 0, time.Second)
	assert.ErrorIs(t, err, ErrCompletion)
	assert.ErrorContains(t, err, "exceeds buffer size")
	assert.True(t, client.broken.Load())
}
