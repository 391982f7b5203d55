package rdma

import (
	"errors"
	"fmt"
)

// Transport errors. Timeouts, would-block and interruption leave the socket
// usable; every other error is a hard error.
var (
	ErrTimeout               = errors.New("operation timed out")
	ErrWouldBlock            = errors.New("operation would block")
	ErrInterrupted           = errors.New("operation interrupted")
	ErrConnectionBroken      = errors.New("connection broken")
	ErrNotConnected          = errors.New("socket not connected")
	ErrHandshake             = errors.New("handshake failed")
	ErrStaleRetriesExhausted = errors.New("stale connection retries exhausted")
	ErrConnectionRefused     = errors.New("connection refused")
	ErrDeviceRemoved         = errors.New("RDMA device removed")
	ErrCompletion            = errors.New("work completion error")
	ErrInvalidConfig         = errors.New("invalid communication config")
	ErrInboundRejected       = errors.New("inbound connection rejected")
	ErrNoDevice              = errors.New("no RDMA device support in this build")
)

// CompletionError reports a work completion that finished with a
// non-success status.
type CompletionError struct {
	WRID      uint64
	Status    WCStatus
	VendorErr uint32
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("work completion failed: status %d (%s), wr_id %#x, vendor_err %d",
		int(e.Status), e.Status, e.WRID, e.VendorErr)
}

func (e *CompletionError) Unwrap() error { return ErrCompletion }

// IsTemporary reports whether err leaves the socket usable for another try.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrInterrupted)
}
