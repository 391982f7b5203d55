package rdma

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

const connNetwork = "rdma"

// Conn adapts a connected Socket to net.Conn. Like the socket it wraps it
// must be driven by one reader and one writer goroutine at most, and never
// both at once.
type Conn struct {
	s *Socket

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
	closeOnce     sync.Once
}

var _ net.Conn = (*Conn)(nil)

// Dialer holds what a connect needs besides the address.
type Dialer struct {
	Verbs         Verbs
	Config        CommConfig
	Tunables      Tunables
	TypeOfService uint8
}

// Dial resolves addr ("host:port") and connects a new socket to it.
func Dial(v Verbs, addr string, cfg CommConfig, tun Tunables) (*Conn, error) {
	d := &Dialer{Verbs: v, Config: cfg, Tunables: tun}
	return d.Dial(addr)
}

// Dial resolves addr ("host:port") and connects a new socket to it.
func (d *Dialer) Dial(addr string) (*Conn, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: connNetwork, Err: err}
	}

	s := NewSocket(d.Verbs, d.Tunables)
	if !s.SockValid() {
		return nil, &net.OpError{Op: "dial", Net: connNetwork, Addr: raddr, Err: fmt.Errorf("%w: no connection identifier", ErrNotConnected)}
	}
	s.SetTypeOfService(d.TypeOfService)
	if err := s.ConnectByIP(raddr.IP, uint16(raddr.Port), d.Config); err != nil {
		s.Close()
		return nil, &net.OpError{Op: "dial", Net: connNetwork, Addr: raddr, Err: err}
	}
	return NewConn(s), nil
}

// NewConn wraps an established socket.
func NewConn(s *Socket) *Conn {
	return &Conn{s: s}
}

// Socket returns the wrapped socket.
func (c *Conn) Socket() *Socket { return c.s }

// StaleRetries reports how many stale rejections the connect went through.
func (c *Conn) StaleRetries() int { return c.s.StaleRetries() }

// CheckConnection runs one liveness check on the underlying socket.
func (c *Conn) CheckConnection() error { return c.opError("check", c.s.CheckConnection()) }

func (c *Conn) deadlines() (time.Time, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readDeadline, c.writeDeadline
}

func (c *Conn) Read(b []byte) (int, error) {
	rd, _ := c.deadlines()
	if rd.IsZero() {
		n, err := c.s.Recv(context.Background(), b, 0)
		return n, c.opError("read", err)
	}

	timeout := time.Until(rd)
	if timeout <= 0 {
		return 0, c.opError("read", os.ErrDeadlineExceeded)
	}
	n, err := c.s.RecvT(context.Background(), b, 0, timeout)
	if errors.Is(err, ErrTimeout) {
		err = os.ErrDeadlineExceeded
	}
	return n, c.opError("read", err)
}

func (c *Conn) Write(b []byte) (int, error) {
	_, wd := c.deadlines()
	ctx := context.Background()
	if !wd.IsZero() {
		if time.Until(wd) <= 0 {
			return 0, c.opError("write", os.ErrDeadlineExceeded)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, wd)
		defer cancel()
	}

	n, err := c.s.Send(ctx, b, 0)
	if errors.Is(err, ErrInterrupted) || errors.Is(err, ErrTimeout) {
		err = os.ErrDeadlineExceeded
	}
	return n, c.opError("write", err)
}

// Close drains outstanding sends briefly and tears the socket down.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.s.Shutdown()
		_ = c.s.Close()
	})
	return nil
}

// ShutdownAndRecvDisconnect drains outstanding sends and then waits up to
// timeout for the peer to disconnect.
func (c *Conn) ShutdownAndRecvDisconnect(timeout time.Duration) error {
	if err := c.s.Shutdown(); err != nil {
		return c.opError("shutdown", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.s.brokenCh:
		return nil
	case <-timer.C:
		return c.opError("shutdown", fmt.Errorf("%w: peer did not disconnect", ErrTimeout))
	}
}

func (c *Conn) LocalAddr() net.Addr {
	if a := c.s.LocalAddr(); a != nil {
		return a
	}
	return &net.TCPAddr{}
}

func (c *Conn) RemoteAddr() net.Addr {
	if a := c.s.RemoteAddr(); a != nil {
		return a
	}
	return &net.TCPAddr{}
}

func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline, c.writeDeadline = t, t
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline = t
	return nil
}

func (c *Conn) String() string { return c.s.String() }

func (c *Conn) opError(op string, err error) error {
	if err == nil {
		return nil
	}
	var addr net.Addr
	if a := c.s.RemoteAddr(); a != nil {
		addr = a
	}
	return &net.OpError{Op: op, Net: connNetwork, Addr: addr, Err: err}
}
