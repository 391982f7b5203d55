package rdma

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	// flowControlMsgLen is the payload size of a credit-replenishing message.
	flowControlMsgLen = 1
	// controlRegionSize backs the flow-control counter and its reset twin.
	controlRegionSize = 8
)

// bufferArena owns a fixed set of registered buffers addressed by index.
type bufferArena struct {
	slots []*Buffer
}

func (a *bufferArena) alloc(v Verbs, pd PD, n, size int) error {
	a.slots = make([]*Buffer, 0, n)
	for i := 0; i < n; i++ {
		buf, err := v.AllocBuffer(pd, size)
		if err != nil {
			return fmt.Errorf("allocate buffer %d/%d: %w", i, n, err)
		}
		a.slots = append(a.slots, buf)
	}
	return nil
}

func (a *bufferArena) slot(i int) *Buffer { return a.slots[i] }

func (a *bufferArena) release(v Verbs) {
	for i := len(a.slots) - 1; i >= 0; i-- {
		if err := v.FreeBuffer(a.slots[i]); err != nil {
			log.Debug().Err(err).Int("slot", i).Msg("Failed to free buffer")
		}
	}
	a.slots = nil
}

// flowCredits are the per-direction credits of the flow-control protocol.
type flowCredits struct {
	recvLeft int
	sendLeft int
}

type incompleteSend struct {
	numAvailable    int
	forceWaitForAll bool
}

type incompleteRecv struct {
	available       bool
	completedOffset int
	wc              WorkCompletion
}

// commContext is the buffer, queue and counter bundle of one connection.
// It is owned by the socket's calling goroutine; only the device-removal
// callback may release it from elsewhere.
type commContext struct {
	v   Verbs
	id  CMID
	cfg CommConfig

	// mu is held by the goroutine driving the socket for the whole call,
	// except while it sleeps on a completion queue. teardown takes it too,
	// so the owner never sees a half-released context.
	mu       sync.Mutex
	released bool

	pd       PD
	recvBufs bufferArena
	sendBufs bufferArena

	// fcCounter is advertised to the peer in our CommDest; fcReset is the
	// local landing zone of liveness reads.
	fcCounter *Buffer
	fcReset   *Buffer

	recvCQ *completionQueue
	sendCQ *completionQueue
	qp     QP

	credits        flowCredits
	incompleteSend incompleteSend
	incompleteRecv incompleteRecv

	pollRecvRegistered bool
	pollSendRegistered bool
	pollRecvCh         <-chan struct{}
	pollSendCh         <-chan struct{}

	recvWCs [1]WorkCompletion
	sendWCs [2]WorkCompletion
}

// newCommContext acquires every resource of a connection in a fixed order
// and releases whatever was acquired if any step fails.
func newCommContext(v Verbs, id CMID, cfg CommConfig) (*commContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &commContext{v: v, id: id, cfg: cfg}
	if err := c.init(); err != nil {
		c.release()
		return nil, err
	}
	return c, nil
}

func (c *commContext) init() error {
	var err error
	v, id, cfg := c.v, c.id, c.cfg

	if c.pd, err = v.AllocPD(id); err != nil {
		return fmt.Errorf("allocate protection domain: %w", err)
	}

	if err = c.recvBufs.alloc(v, c.pd, cfg.BufNum, cfg.BufSize); err != nil {
		return fmt.Errorf("receive buffers: %w", err)
	}
	if err = c.sendBufs.alloc(v, c.pd, cfg.BufNum, cfg.BufSize); err != nil {
		return fmt.Errorf("send buffers: %w", err)
	}

	if c.fcCounter, err = v.AllocBuffer(c.pd, controlRegionSize); err != nil {
		return fmt.Errorf("flow-control counter region: %w", err)
	}
	if c.fcReset, err = v.AllocBuffer(c.pd, controlRegionSize); err != nil {
		return fmt.Errorf("flow-control reset region: %w", err)
	}

	c.credits = flowCredits{recvLeft: cfg.BufNum - 1, sendLeft: cfg.BufNum - 1}

	if c.recvCQ, err = newCompletionQueue(v, id, cfg.BufNum); err != nil {
		return fmt.Errorf("create receive completion queue: %w", err)
	}
	// one extra slot for the liveness read
	if c.sendCQ, err = newCompletionQueue(v, id, cfg.BufNum+1); err != nil {
		return fmt.Errorf("create send completion queue: %w", err)
	}

	c.qp, err = v.CreateQP(id, c.pd, &QPInitAttr{
		SendCQ:     c.sendCQ.cq,
		RecvCQ:     c.recvCQ.cq,
		MaxSendWR:  cfg.BufNum + 1,
		MaxRecvWR:  cfg.BufNum,
		MaxSendSGE: 1,
		MaxRecvSGE: 1,
	})
	if err != nil {
		return fmt.Errorf("create queue pair: %w", err)
	}

	for i := 0; i < cfg.BufNum; i++ {
		if err = c.postRecv(i); err != nil {
			return err
		}
	}

	if err = v.ArmCQ(c.recvCQ.cq); err != nil {
		return fmt.Errorf("arm receive completion queue: %w", err)
	}
	if err = v.ArmCQ(c.sendCQ.cq); err != nil {
		return fmt.Errorf("arm send completion queue: %w", err)
	}
	return nil
}

// release frees everything in reverse acquisition order. It is safe on a
// partially built context and on repeated calls.
func (c *commContext) release() {
	v := c.v
	if c.qp != 0 {
		if err := v.DestroyQP(c.id, c.qp); err != nil {
			log.Debug().Err(err).Msg("Failed to destroy queue pair")
		}
		c.qp = 0
	}
	if c.sendCQ != nil {
		if err := c.sendCQ.destroy(); err != nil {
			log.Debug().Err(err).Msg("Failed to destroy send completion queue")
		}
		c.sendCQ = nil
	}
	if c.recvCQ != nil {
		if err := c.recvCQ.destroy(); err != nil {
			log.Debug().Err(err).Msg("Failed to destroy receive completion queue")
		}
		c.recvCQ = nil
	}
	for _, region := range []**Buffer{&c.fcReset, &c.fcCounter} {
		if *region != nil {
			if err := v.FreeBuffer(*region); err != nil {
				log.Debug().Err(err).Msg("Failed to free control region")
			}
			*region = nil
		}
	}
	c.sendBufs.release(v)
	c.recvBufs.release(v)
	if c.pd != 0 {
		if err := v.DeallocPD(c.pd); err != nil {
			log.Debug().Err(err).Msg("Failed to deallocate protection domain")
		}
		c.pd = 0
	}
}

// teardown releases a context that another goroutine may be using. It
// waits until the owner is asleep or done; the owner then finds released
// set when it wakes.
func (c *commContext) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release()
	c.released = true
}

// localDest describes our flow-control counter to the peer.
func (c *commContext) localDest() CommDest {
	return newCommDest(c.fcCounter.Addr, c.fcCounter.RKey, c.cfg)
}

func (c *commContext) postRecv(index int) error {
	buf := c.recvBufs.slot(index)
	wr := &RecvWR{
		WRID:   workID(workRecv, index),
		Addr:   buf.Addr,
		Length: uint32(buf.Len()),
		LKey:   buf.LKey,
	}
	if err := c.v.PostRecv(c.qp, wr); err != nil {
		return fmt.Errorf("post receive buffer %d: %w", index, err)
	}
	return nil
}

// postSend hands length bytes of send buffer index to the hardware and
// does the send-side credit bookkeeping.
func (c *commContext) postSend(index, length int) error {
	buf := c.sendBufs.slot(index)
	wr := &SendWR{
		WRID:   workID(workSend, index),
		Opcode: WRSend,
		Addr:   buf.Addr,
		Length: uint32(length),
		LKey:   buf.LKey,
	}
	if err := c.v.PostSend(c.qp, wr); err != nil {
		return fmt.Errorf("post send buffer %d: %w", index, err)
	}
	c.onSendUpdateCounters()
	return nil
}

// postRead copies the peer's flow-control counter into fcReset.
func (c *commContext) postRead(remote *CommDest) error {
	wr := &SendWR{
		WRID:       readWorkID,
		Opcode:     WRRDMARead,
		Addr:       c.fcReset.Addr,
		Length:     controlRegionSize,
		LKey:       c.fcReset.LKey,
		RemoteAddr: remote.VAddr,
		RKey:       remote.RKey,
	}
	if err := c.v.PostSend(c.qp, wr); err != nil {
		return fmt.Errorf("post RDMA read: %w", err)
	}
	return nil
}

// postWrite pushes the local counter region to the peer's advertised
// counter. No caller path issues zero-copy writes yet.
func (c *commContext) postWrite(remote *CommDest) error {
	wr := &SendWR{
		WRID:       writeWorkID,
		Opcode:     WRRDMAWrite,
		Addr:       c.fcCounter.Addr,
		Length:     controlRegionSize,
		LKey:       c.fcCounter.LKey,
		RemoteAddr: remote.VAddr,
		RKey:       remote.RKey,
	}
	if err := c.v.PostSend(c.qp, wr); err != nil {
		return fmt.Errorf("post RDMA write: %w", err)
	}
	return nil
}
