package rdma

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Credit protocol: each side may send bufNum-1 messages before it has to
// see traffic from the peer. A receiver that consumed bufNum-1 messages
// without answering sends a 1-byte message to hand the credits back, and a
// sender out of credits consumes exactly that message before sending on.

// onSendUpdateCounters runs after every posted send.
func (c *commContext) onSendUpdateCounters() {
	c.credits.recvLeft = c.cfg.BufNum - 1

	if c.credits.sendLeft == 0 {
		log.Error().Int("buf_num", c.cfg.BufNum).Msg("BUG: send credits underflow")
		return
	}
	c.credits.sendLeft--
}

// flowControlOnRecv runs after every received completion. When the receive
// credits run out it posts the credit message before returning.
func (s *Socket) flowControlOnRecv(ctx context.Context, c *commContext) error {
	c.credits.sendLeft = c.cfg.BufNum - 1

	if c.credits.recvLeft == 0 {
		log.Error().Str("conn", s.label).Int("buf_num", c.cfg.BufNum).Msg("BUG: receive credits underflow")
		return nil
	}
	c.credits.recvLeft--
	if c.credits.recvLeft > 0 {
		return nil
	}

	is := &c.incompleteSend
	if is.forceWaitForAll || is.numAvailable == c.cfg.BufNum {
		done, err := s.awaitCompletions(ctx, c, &completionBudget{sends: &is.numAvailable}, s.tun.FlowControlOnRecvTimeout)
		if err != nil {
			return err
		}
		if !done {
			s.metrics.add(s.metrics.timeouts, 1, opAttr("flow_control_recv"))
			return fmt.Errorf("%w: no free send buffer for flow-control message", ErrConnectionBroken)
		}
		is.forceWaitForAll = false
	}

	index := is.numAvailable
	c.sendBufs.slot(index).Bytes[0] = 0
	is.numAvailable++

	if err := c.postSend(index, flowControlMsgLen); err != nil {
		return err
	}
	s.metrics.add(s.metrics.flowControlMsgs, 1, attrDirSent)
	return nil
}

// flowControlOnSendWait makes sure a send credit is available, consuming
// the peer's credit message if necessary. It reports false when no credit
// message arrived within timeout.
func (s *Socket) flowControlOnSendWait(ctx context.Context, c *commContext, timeout time.Duration) (bool, error) {
	if c.credits.sendLeft > 0 {
		return true, nil
	}

	wc, ok, err := s.recvWC(ctx, c, timeout)
	if err != nil || !ok {
		return false, err
	}

	if wc.ByteLen != flowControlMsgLen {
		return false, fmt.Errorf("%w: flow-control message has %d bytes, expected %d",
			ErrConnectionBroken, wc.ByteLen, flowControlMsgLen)
	}

	_, index := splitWorkID(wc.WRID)
	if err := c.postRecv(index); err != nil {
		return false, err
	}
	s.metrics.add(s.metrics.flowControlMsgs, 1, attrDirReceived)
	return true, nil
}

// recvWC waits for one receive completion, validates it and runs the
// receive side of flow control. Once a completion has been taken off the
// queue the remaining work is not cancellable, so the socket state stays
// consistent when the caller gives up.
func (s *Socket) recvWC(ctx context.Context, c *commContext, timeout time.Duration) (WorkCompletion, bool, error) {
	wc, ok, err := s.waitRecvCompletion(ctx, c, timeout)
	if err != nil || !ok {
		return WorkCompletion{}, false, err
	}

	if wc.Status != WCSuccess {
		err := &CompletionError{WRID: wc.WRID, Status: wc.Status, VendorErr: wc.VendorErr}
		s.logCompletionError(&wc, err)
		return WorkCompletion{}, false, err
	}

	kind, index := splitWorkID(wc.WRID)
	if kind != workRecv || index >= c.cfg.BufNum {
		err := fmt.Errorf("%w: receive completion with invalid wr_id %#x", ErrCompletion, wc.WRID)
		s.logCompletionError(&wc, err)
		return WorkCompletion{}, false, err
	}
	if int(wc.ByteLen) > c.cfg.BufSize {
		err := fmt.Errorf("%w: receive completion of %d bytes exceeds buffer size %d", ErrCompletion, wc.ByteLen, c.cfg.BufSize)
		s.logCompletionError(&wc, err)
		return WorkCompletion{}, false, err
	}

	if err := s.flowControlOnRecv(context.WithoutCancel(ctx), c); err != nil {
		return WorkCompletion{}, false, err
	}
	return wc, true, nil
}
