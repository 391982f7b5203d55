package rdma

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// workKind is the high half of a work-request tag.
type workKind uint32

const (
	workRecv workKind = iota + 1
	workSend
	workWrite
	workRead
)

func workID(kind workKind, index int) uint64 {
	return uint64(kind)<<32 | uint64(uint32(index))
}

func splitWorkID(id uint64) (workKind, int) {
	return workKind(id >> 32), int(uint32(id))
}

var (
	writeWorkID = workID(workWrite, 0)
	readWorkID  = workID(workRead, 0)
)

// completionQueue couples a verbs CQ with its notification state. onEvent
// runs on the provider's goroutine: it bumps the event counter, re-arms the
// queue and wakes everyone waiting on the current notify channel.
type completionQueue struct {
	v      Verbs
	cq     CQ
	events atomic.Uint64
	notify atomic.Pointer[chan struct{}]
}

func newCompletionQueue(v Verbs, id CMID, cqe int) (*completionQueue, error) {
	q := &completionQueue{v: v}
	ch := make(chan struct{})
	q.notify.Store(&ch)

	cq, err := v.CreateCQ(id, cqe, q.onEvent)
	if err != nil {
		return nil, err
	}
	q.cq = cq
	return q, nil
}

func (q *completionQueue) onEvent() {
	q.events.Add(1)
	if err := q.v.ArmCQ(q.cq); err != nil {
		log.Debug().Err(err).Uint64("cq", uint64(q.cq)).Msg("Failed to re-arm completion queue")
	}
	q.wake()
}

func (q *completionQueue) wake() {
	ch := make(chan struct{})
	old := q.notify.Swap(&ch)
	close(*old)
}

// waitChan returns a channel closed by the next notification. Callers must
// fetch it before checking the queue so that no event slips in between.
func (q *completionQueue) waitChan() <-chan struct{} {
	return *q.notify.Load()
}

func (q *completionQueue) destroy() error {
	err := q.v.DestroyCQ(q.cq)
	q.wake()
	return err
}

// completionBudget is the set of outstanding send-queue completions a
// caller waits for. sends points at the live in-flight send counter.
type completionBudget struct {
	sends  *int
	writes int
	reads  int
}

func (b *completionBudget) pending() bool {
	return (b.sends != nil && *b.sends > 0) || b.writes > 0 || b.reads > 0
}

// classify accounts one send-queue completion against the budget.
func (b *completionBudget) classify(wc *WorkCompletion, bufNum int) error {
	if wc.Status != WCSuccess {
		return &CompletionError{WRID: wc.WRID, Status: wc.Status, VendorErr: wc.VendorErr}
	}

	kind, index := splitWorkID(wc.WRID)
	switch kind {
	case workSend:
		if wc.Opcode != WCOpSend || index >= bufNum {
			return fmt.Errorf("%w: bad send completion: wr_id %#x, opcode %s", ErrCompletion, wc.WRID, wc.Opcode)
		}
		if b.sends == nil || *b.sends == 0 {
			return fmt.Errorf("%w: unexpected send completion: wr_id %#x", ErrCompletion, wc.WRID)
		}
		*b.sends--
	case workWrite:
		if wc.Opcode != WCOpRDMAWrite || wc.WRID != writeWorkID || b.writes == 0 {
			return fmt.Errorf("%w: unexpected RDMA write completion: wr_id %#x", ErrCompletion, wc.WRID)
		}
		b.writes--
	case workRead:
		if wc.Opcode != WCOpRDMARead || wc.WRID != readWorkID || b.reads == 0 {
			return fmt.Errorf("%w: unexpected RDMA read completion: wr_id %#x", ErrCompletion, wc.WRID)
		}
		b.reads--
	default:
		return fmt.Errorf("%w: completion with unknown wr_id %#x, opcode %s", ErrCompletion, wc.WRID, wc.Opcode)
	}
	return nil
}

// relock takes c.mu back after a sleep and reports a teardown that
// happened meanwhile.
func (s *Socket) relock(c *commContext) error {
	c.mu.Lock()
	if c.released {
		return s.releasedError()
	}
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// waitRecvCompletion returns one receive completion. A zero timeout polls
// once. Otherwise it sleeps on the receive queue and checks the peer after
// every liveness interval it keeps waiting; running out of time is reported
// as ok == false with a nil error.
func (s *Socket) waitRecvCompletion(ctx context.Context, c *commContext, timeout time.Duration) (WorkCompletion, bool, error) {
	wcs := c.recvWCs[:1]

	if timeout <= 0 {
		n, err := s.v.PollCQ(c.recvCQ.cq, wcs)
		if err != nil {
			return WorkCompletion{}, false, fmt.Errorf("poll receive queue: %w", err)
		}
		return wcs[0], n > 0, nil
	}

	remaining := timeout
	for {
		slice := minDuration(s.tun.LivenessInterval, remaining)
		timer := time.NewTimer(slice)

		expired := false
		for !expired {
			ch := c.recvCQ.waitChan()
			n, err := s.v.PollCQ(c.recvCQ.cq, wcs)
			if err != nil {
				timer.Stop()
				return WorkCompletion{}, false, fmt.Errorf("poll receive queue: %w", err)
			}
			if n > 0 {
				timer.Stop()
				return wcs[0], true, nil
			}

			var waitErr error
			c.mu.Unlock()
			select {
			case <-ch:
			case <-s.brokenCh:
				waitErr = s.brokenError()
			case <-ctx.Done():
				waitErr = ErrInterrupted
			case <-timer.C:
				expired = true
			}
			if err := s.relock(c); err != nil {
				waitErr = err
			}
			if waitErr != nil {
				timer.Stop()
				return WorkCompletion{}, false, waitErr
			}
		}

		remaining -= slice
		if remaining <= 0 {
			return WorkCompletion{}, false, nil
		}

		if err := s.checkConnection(c); err != nil {
			return WorkCompletion{}, false, err
		}
	}
}

// waitSendEvent sleeps until the send queue's event counter moves away from
// oldEvents. It returns false when the timeout elapsed first. Liveness
// checks run between slices only when mayCheck is set.
func (s *Socket) waitSendEvent(ctx context.Context, c *commContext, oldEvents uint64, timeout time.Duration, mayCheck bool) (bool, error) {
	remaining := timeout
	for {
		slice := minDuration(s.tun.LivenessInterval, remaining)
		timer := time.NewTimer(slice)

		for {
			ch := c.sendCQ.waitChan()
			if c.sendCQ.events.Load() != oldEvents {
				timer.Stop()
				return true, nil
			}

			var waitErr error
			woken := false
			c.mu.Unlock()
			select {
			case <-ch:
				woken = true
			case <-s.brokenCh:
				waitErr = s.brokenError()
			case <-ctx.Done():
				waitErr = ErrInterrupted
			case <-timer.C:
			}
			if err := s.relock(c); err != nil {
				waitErr = err
			}
			if waitErr != nil {
				timer.Stop()
				return false, waitErr
			}
			if !woken {
				break
			}
		}

		remaining -= slice
		if remaining <= 0 {
			return false, nil
		}

		if mayCheck {
			if err := s.checkConnection(c); err != nil {
				return false, err
			}
		}
	}
}

// awaitCompletions drains the send queue, at most two completions per
// poll, until the budget is used up. It returns false without error when
// the timeout elapsed, or immediately when timeout is zero and nothing is
// ready.
func (s *Socket) awaitCompletions(ctx context.Context, c *commContext, b *completionBudget, timeout time.Duration) (bool, error) {
	wcs := c.sendWCs[:2]

	for b.pending() {
		oldEvents := c.sendCQ.events.Load()

		n, err := s.v.PollCQ(c.sendCQ.cq, wcs)
		if err != nil {
			return false, fmt.Errorf("poll send queue: %w", err)
		}

		if n == 0 {
			if timeout <= 0 {
				return false, nil
			}
			// a nested check would consume completions this budget expects
			mayCheck := b.writes == 0 && b.reads == 0
			ok, err := s.waitSendEvent(ctx, c, oldEvents, timeout, mayCheck)
			if err != nil || !ok {
				return false, err
			}
			continue
		}

		for i := 0; i < n; i++ {
			if err := b.classify(&wcs[i], c.cfg.BufNum); err != nil {
				s.logCompletionError(&wcs[i], err)
				return false, err
			}
		}
	}

	return true, nil
}

func (s *Socket) logCompletionError(wc *WorkCompletion, err error) {
	s.metrics.add(s.metrics.completionErrors, 1)
	log.Error().
		Err(err).
		Str("conn", s.label).
		Uint64("wr_id", wc.WRID).
		Int("status", int(wc.Status)).
		Str("status_text", wc.Status.String()).
		Str("opcode", wc.Opcode.String()).
		Msg("Work completion failed")
}
