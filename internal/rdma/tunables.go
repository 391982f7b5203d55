package rdma

import (
	"fmt"
	"time"
)

// CommConfig sizes the per-connection buffer pool.
type CommConfig struct {
	BufNum  int
	BufSize int
}

// DefaultCommConfig returns the buffer layout used by stream connections.
func DefaultCommConfig() CommConfig {
	return CommConfig{BufNum: 128, BufSize: 4096}
}

// Validate checks the lower bounds the flow-control scheme relies on.
func (c CommConfig) Validate() error {
	if c.BufNum < 2 {
		return fmt.Errorf("%w: buffer count %d, need at least 2", ErrInvalidConfig, c.BufNum)
	}
	if c.BufSize <= 0 {
		return fmt.Errorf("%w: buffer size %d", ErrInvalidConfig, c.BufSize)
	}
	return nil
}

// Tunables holds the timing and retry knobs of a Socket.
type Tunables struct {
	ConnTimeout              time.Duration
	CompletionTimeout        time.Duration
	FlowControlOnSendTimeout time.Duration
	FlowControlOnRecvTimeout time.Duration
	ShutdownDrainTimeout     time.Duration
	LivenessInterval         time.Duration
	StaleRetries             int
}

// DefaultTunables returns values suited to InfiniBand fabrics with
// long-lived storage connections.
func DefaultTunables() Tunables {
	return Tunables{
		ConnTimeout:              5 * time.Second,
		CompletionTimeout:        300 * time.Second,
		FlowControlOnSendTimeout: 180 * time.Second,
		FlowControlOnRecvTimeout: 180 * time.Second,
		ShutdownDrainTimeout:     250 * time.Millisecond,
		LivenessInterval:         10 * time.Second,
		StaleRetries:             128,
	}
}

// withDefaults fills zero fields so a partially populated Tunables is usable.
func (t Tunables) withDefaults() Tunables {
	d := DefaultTunables()
	if t.ConnTimeout <= 0 {
		t.ConnTimeout = d.ConnTimeout
	}
	if t.CompletionTimeout <= 0 {
		t.CompletionTimeout = d.CompletionTimeout
	}
	if t.FlowControlOnSendTimeout <= 0 {
		t.FlowControlOnSendTimeout = d.FlowControlOnSendTimeout
	}
	if t.FlowControlOnRecvTimeout <= 0 {
		t.FlowControlOnRecvTimeout = d.FlowControlOnRecvTimeout
	}
	if t.ShutdownDrainTimeout <= 0 {
		t.ShutdownDrainTimeout = d.ShutdownDrainTimeout
	}
	if t.LivenessInterval <= 0 {
		t.LivenessInterval = d.LivenessInterval
	}
	if t.StaleRetries < 0 {
		t.StaleRetries = 0
	}
	return t
}
