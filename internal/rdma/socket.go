package rdma

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// recvWaitSlice bounds a single RecvT inside the blocking Recv loop.
const recvWaitSlice = 1024 * 1024 * time.Millisecond

// Socket is one RDMA endpoint with socket-like semantics. A single
// goroutine drives connect/send/recv; CM and completion events arrive on
// provider goroutines and only touch the atomic fields.
type Socket struct {
	v     Verbs
	tun   Tunables
	label string

	cmID       atomic.Uint64
	state      atomic.Int32
	stateWake  chan struct{}
	comm       atomic.Pointer[commContext]
	remoteDest atomic.Pointer[CommDest]

	broken    atomic.Bool
	brokenCh  chan struct{}
	brokenErr atomic.Pointer[error]

	localDest     *CommDest
	typeOfService uint8
	sockValid     bool
	staleRetries  int
	peer          *net.TCPAddr
	bindAddr      *net.TCPAddr
	listening     bool

	metrics *transportMetrics
}

// NewSocket creates an unconnected socket with its first connection
// identifier. SockValid reports whether that succeeded.
func NewSocket(v Verbs, tun Tunables) *Socket {
	s := &Socket{
		v:         v,
		tun:       tun.withDefaults(),
		label:     uuid.NewString()[:8],
		stateWake: make(chan struct{}, 1),
		brokenCh:  make(chan struct{}),
		metrics:   globalMetrics(),
	}

	id, err := v.CreateID(s.handleCMEvent)
	if err != nil {
		log.Error().Err(err).Str("conn", s.label).Msg("Failed to create connection identifier")
		return s
	}
	s.cmID.Store(uint64(id))
	s.sockValid = true
	return s
}

// SockValid reports whether the socket got a connection identifier.
func (s *Socket) SockValid() bool { return s.sockValid }

// StaleRetries returns how many stale rejections the last connect absorbed.
func (s *Socket) StaleRetries() int { return s.staleRetries }

// SetTypeOfService sets the IP type of service applied before address
// resolution.
func (s *Socket) SetTypeOfService(tos uint8) { s.typeOfService = tos }

// RemoteAddr returns the peer of an established connection.
func (s *Socket) RemoteAddr() *net.TCPAddr { return s.peer }

// LocalAddr returns the address given to Bind or BindToAddr.
func (s *Socket) LocalAddr() *net.TCPAddr { return s.bindAddr }

func (s *Socket) String() string {
	switch {
	case s.peer != nil:
		return "RDMA " + s.peer.String()
	case s.listening && s.bindAddr != nil:
		return fmt.Sprintf("RDMA Listen(Port: %d)", s.bindAddr.Port)
	default:
		return "RDMA unconnected"
	}
}

// markBroken sets the sticky error flag. The first error wins.
func (s *Socket) markBroken(err error) {
	if err == nil {
		err = ErrConnectionBroken
	}
	if !errors.Is(err, ErrConnectionBroken) {
		err = fmt.Errorf("%w: %w", ErrConnectionBroken, err)
	}
	if s.broken.CompareAndSwap(false, true) {
		s.brokenErr.Store(&err)
		close(s.brokenCh)
	}
}

func (s *Socket) brokenError() error {
	if p := s.brokenErr.Load(); p != nil {
		return *p
	}
	return ErrConnectionBroken
}

// activeComm returns the comm context of a healthy connected socket.
func (s *Socket) activeComm() (*commContext, error) {
	if s.broken.Load() {
		return nil, s.brokenError()
	}
	c := s.comm.Load()
	if c == nil || s.loadState() != stateEstablished {
		return nil, ErrNotConnected
	}
	return c, nil
}

// lockComm is activeComm plus the context lock. The caller unlocks c.mu.
func (s *Socket) lockComm() (*commContext, error) {
	c, err := s.activeComm()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil, s.releasedError()
	}
	return c, nil
}

// releasedError is what an owner reports after finding its context torn
// down underneath it.
func (s *Socket) releasedError() error {
	if s.broken.Load() {
		return s.brokenError()
	}
	return ErrNotConnected
}

// fatal records hard errors; temporary outcomes pass through untouched.
func (s *Socket) fatal(err error) error {
	if err != nil && !IsTemporary(err) {
		s.markBroken(err)
	}
	return err
}

// Bind sets the local port for a later Listen.
func (s *Socket) Bind(port uint16) error {
	return s.BindToAddr(net.IPv4zero, port)
}

// BindToAddr sets the local address and port for a later Listen.
func (s *Socket) BindToAddr(ip net.IP, port uint16) error {
	addr := &net.TCPAddr{IP: ip, Port: int(port)}
	if err := s.v.BindAddr(s.currentID(), addr); err != nil {
		log.Error().Err(err).Str("conn", s.label).Str("addr", addr.String()).Msg("Bind failed")
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.bindAddr = addr
	return nil
}

// Listen puts the identifier into passive mode. Inbound connection
// requests are rejected by the event handler.
func (s *Socket) Listen() error {
	if err := s.v.Listen(s.currentID(), 0); err != nil {
		log.Error().Err(err).Str("conn", s.label).Msg("Listen failed")
		return fmt.Errorf("listen: %w", err)
	}
	s.listening = true
	return nil
}

// Shutdown waits briefly for outstanding sends. It never disconnects; the
// connection goes away when the identifier is destroyed in Close.
func (s *Socket) Shutdown() error {
	c := s.comm.Load()
	if s.broken.Load() || c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil
	}

	is := &c.incompleteSend
	if is.numAvailable == 0 {
		return nil
	}

	done, err := s.awaitCompletions(context.Background(), c, &completionBudget{sends: &is.numAvailable}, s.tun.ShutdownDrainTimeout)
	if err != nil {
		log.Debug().Err(err).Str("conn", s.label).Msg("Waiting for outstanding sends failed")
		return s.fatal(err)
	}
	if !done {
		log.Debug().Str("conn", s.label).Int("outstanding", is.numAvailable).Msg("Shutdown drain timed out")
	}
	return nil
}

// Close releases the comm context and then the identifier. It may be
// called any number of times at any stage.
func (s *Socket) Close() error {
	if c := s.comm.Swap(nil); c != nil {
		c.teardown()
	}
	if id := CMID(s.cmID.Swap(0)); id != 0 {
		if err := s.v.DestroyID(id); err != nil {
			log.Debug().Err(err).Str("conn", s.label).Msg("Failed to destroy connection identifier")
		}
	}
	s.remoteDest.Store(nil)
	return nil
}

// Send posts buf in buffer-sized pieces. With MsgDontWait it posts only
// what fits right now and returns ErrWouldBlock if nothing does.
func (s *Socket) Send(ctx context.Context, buf []byte, flags MsgFlags) (int, error) {
	c, err := s.lockComm()
	if err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	n, err := s.send(ctx, c, buf, flags)
	if n > 0 {
		s.metrics.add(s.metrics.bytesSent, int64(n))
	}
	return n, s.fatal(err)
}

func (s *Socket) send(ctx context.Context, c *commContext, buf []byte, flags MsgFlags) (int, error) {
	bufNum, bufSize := c.cfg.BufNum, c.cfg.BufSize
	is := &c.incompleteSend
	bufLen := len(buf)

	if flags&MsgDontWait != 0 {
		ready, err := s.nonblockingSendCheck(c)
		if err != nil {
			return 0, err
		}
		if !ready {
			return 0, ErrWouldBlock
		}
		slots := min(bufNum-is.numAvailable, c.credits.sendLeft)
		bufLen = min(bufLen, slots*bufSize)
	}

	sent := 0
	for sent < bufLen {
		ok, err := s.flowControlOnSendWait(ctx, c, s.tun.FlowControlOnSendTimeout)
		if err != nil {
			return sent, err
		}
		if !ok {
			s.metrics.add(s.metrics.timeouts, 1, opAttr("flow_control_send"))
			return sent, fmt.Errorf("%w: waiting for flow-control credits", ErrTimeout)
		}

		if is.forceWaitForAll || is.numAvailable == bufNum {
			done, err := s.awaitCompletions(ctx, c, &completionBudget{sends: &is.numAvailable}, s.tun.CompletionTimeout)
			if err != nil {
				return sent, err
			}
			if !done {
				s.metrics.add(s.metrics.timeouts, 1, opAttr("send_completion"))
				return sent, fmt.Errorf("%w: waiting for send completions", ErrTimeout)
			}
			is.forceWaitForAll = false
		}

		postLen := min(bufLen-sent, bufSize)
		index := is.numAvailable
		copy(c.sendBufs.slot(index).Bytes, buf[sent:sent+postLen])
		is.numAvailable++

		if err := c.postSend(index, postLen); err != nil {
			return sent, err
		}
		s.metrics.add(s.metrics.sendWorkRequests, 1)
		sent += postLen
	}

	return sent, nil
}

// Recv blocks until data arrives, the context ends or the connection
// breaks.
func (s *Socket) Recv(ctx context.Context, buf []byte, flags MsgFlags) (int, error) {
	for {
		n, err := s.RecvT(ctx, buf, flags, recvWaitSlice)
		if flags&MsgDontWait == 0 && errors.Is(err, ErrTimeout) {
			continue
		}
		return n, err
	}
}

// RecvT receives up to len(buf) bytes of the next message, serving the
// rest of a partially read message first. Running out of time returns
// ErrTimeout and leaves the socket usable.
func (s *Socket) RecvT(ctx context.Context, buf []byte, flags MsgFlags, timeout time.Duration) (int, error) {
	c, err := s.lockComm()
	if err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	if flags&MsgDontWait != 0 {
		timeout = 0
	}

	n, err := s.recvT(ctx, c, buf, timeout)
	if n > 0 {
		s.metrics.add(s.metrics.bytesReceived, int64(n))
	}
	if errors.Is(err, ErrTimeout) {
		s.metrics.add(s.metrics.timeouts, 1, opAttr("recv"))
		if flags&MsgDontWait != 0 {
			err = ErrWouldBlock
		}
	}
	return n, s.fatal(err)
}

func (s *Socket) recvT(ctx context.Context, c *commContext, buf []byte, timeout time.Duration) (int, error) {
	if !c.incompleteRecv.available {
		ok, err := s.flowControlOnSendWait(ctx, c, timeout)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, ErrTimeout
		}

		wc, ok, err := s.recvWC(ctx, c, timeout)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, ErrTimeout
		}

		c.incompleteRecv = incompleteRecv{available: true, wc: wc}
	}

	return s.recvContinueIncomplete(c, buf)
}

// recvContinueIncomplete copies from the pending receive buffer and
// re-posts it once it has been fully consumed.
func (s *Socket) recvContinueIncomplete(c *commContext, buf []byte) (int, error) {
	ir := &c.incompleteRecv
	_, index := splitWorkID(ir.wc.WRID)
	data := c.recvBufs.slot(index).Bytes[:ir.wc.ByteLen]

	n := copy(buf, data[ir.completedOffset:])
	ir.completedOffset += n

	if ir.completedOffset == len(data) {
		ir.available = false
		if err := c.postRecv(index); err != nil {
			return n, err
		}
	}
	return n, nil
}

// CheckConnection tests the peer with an RDMA read of its flow-control
// counter. Any failure breaks the connection.
func (s *Socket) CheckConnection() error {
	c, err := s.lockComm()
	if err != nil {
		return err
	}
	defer c.mu.Unlock()
	return s.checkConnection(c)
}

func (s *Socket) checkConnection(c *commContext) error {
	if s.broken.Load() {
		return s.brokenError()
	}
	remote := s.remoteDest.Load()
	if remote == nil {
		return ErrNotConnected
	}

	if err := c.postRead(remote); err != nil {
		s.metrics.add(s.metrics.livenessChecks, 1, attrResultFail)
		s.markBroken(err)
		return s.brokenError()
	}

	is := &c.incompleteSend
	budget := &completionBudget{sends: &is.numAvailable, reads: 1}
	done, err := s.awaitCompletions(context.Background(), c, budget, s.tun.CompletionTimeout)
	if err == nil && !done {
		err = fmt.Errorf("%w: liveness read did not complete", ErrTimeout)
	}
	if err != nil {
		s.metrics.add(s.metrics.livenessChecks, 1, attrResultFail)
		log.Error().Err(err).Str("conn", s.label).Msg("Connection check failed")
		s.markBroken(err)
		return s.brokenError()
	}

	is.forceWaitForAll = false
	clear(c.fcReset.Bytes)
	s.metrics.add(s.metrics.livenessChecks, 1, attrResultOK)
	return nil
}

// writeCounter pushes the local counter region into the peer's advertised
// region and waits for the write to complete.
func (s *Socket) writeCounter(ctx context.Context) error {
	c, err := s.lockComm()
	if err != nil {
		return err
	}
	defer c.mu.Unlock()
	remote := s.remoteDest.Load()
	if remote == nil {
		return ErrNotConnected
	}

	if err := c.postWrite(remote); err != nil {
		return s.fatal(err)
	}
	is := &c.incompleteSend
	done, err := s.awaitCompletions(ctx, c, &completionBudget{sends: &is.numAvailable, writes: 1}, s.tun.CompletionTimeout)
	if err != nil {
		return s.fatal(err)
	}
	if !done {
		// the write is still outstanding, so the accounting is off from here
		return s.fatal(fmt.Errorf("%w: RDMA write did not complete", ErrConnectionBroken))
	}
	is.forceWaitForAll = false
	return nil
}

// NonblockingRecvCheck reports whether a Recv would return data right now.
func (s *Socket) NonblockingRecvCheck() (bool, error) {
	c, err := s.lockComm()
	if err != nil {
		return false, err
	}
	defer c.mu.Unlock()
	ready, err := s.nonblockingRecvCheck(c)
	return ready, s.fatal(err)
}

func (s *Socket) nonblockingRecvCheck(c *commContext) (bool, error) {
	if s.broken.Load() {
		return false, s.brokenError()
	}
	if c.incompleteRecv.available {
		return true, nil
	}

	ok, err := s.flowControlOnSendWait(context.Background(), c, 0)
	if err != nil || !ok {
		return false, err
	}

	wc, ok, err := s.recvWC(context.Background(), c, 0)
	if err != nil || !ok {
		return false, err
	}
	c.incompleteRecv = incompleteRecv{available: true, wc: wc}
	return true, nil
}

// NonblockingSendCheck reports whether a Send could post at least one
// buffer right now.
func (s *Socket) NonblockingSendCheck() (bool, error) {
	c, err := s.lockComm()
	if err != nil {
		return false, err
	}
	defer c.mu.Unlock()
	ready, err := s.nonblockingSendCheck(c)
	return ready, s.fatal(err)
}

func (s *Socket) nonblockingSendCheck(c *commContext) (bool, error) {
	if s.broken.Load() {
		return false, s.brokenError()
	}

	ok, err := s.flowControlOnSendWait(context.Background(), c, 0)
	if err != nil || !ok {
		return false, err
	}

	is := &c.incompleteSend
	if !is.forceWaitForAll && is.numAvailable < c.cfg.BufNum {
		return true, nil
	}

	is.forceWaitForAll = true
	done, err := s.awaitCompletions(context.Background(), c, &completionBudget{sends: &is.numAvailable}, 0)
	if err != nil {
		return false, err
	}
	if done {
		is.forceWaitForAll = false
	}
	return done, nil
}
