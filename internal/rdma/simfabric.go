package rdma

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
)

// Simulated fabric errors.
var (
	ErrSimInvalidHandle = errors.New("sim: invalid handle")
	ErrSimInjected      = errors.New("sim: injected failure")
	ErrSimQueueFull     = errors.New("sim: work queue full")
	ErrSimNotConnected  = errors.New("sim: queue pair not connected")
	ErrSimAddrInUse     = errors.New("sim: address in use")
	ErrSimClosed        = errors.New("sim: fabric closed")
)

// SimOp names a fabric operation for fault injection.
type SimOp int

const (
	SimOpCreateID SimOp = iota
	SimOpAllocPD
	SimOpAllocBuffer
	SimOpCreateCQ
	SimOpCreateQP
	SimOpPostRecv
	SimOpPostSend
	SimOpArmCQ
	simOpCount
)

// SimStats is a snapshot of fabric accounting.
type SimStats struct {
	LiveIDs     int
	LivePDs     int
	LiveBuffers int
	LiveCQs     int
	LiveQPs     int

	IDsCreated       int
	ConnectRequests  int
	InboundRejects   int
	RNREvents        int
	CQOverflows      int
	MaxSendsInFlight int
}

// SimConnectRequest is what a simulated listener sees of a connect.
type SimConnectRequest struct {
	ClientID    CMID
	PrivateData []byte
	Attempt     int
}

// SimDecision answers a connect request. Accepting requires the passive
// identifier whose queue pair gets linked to the client.
type SimDecision struct {
	Accept      bool
	Reason      RejectReason
	PeerID      CMID
	PrivateData []byte
}

// SimResponder decides connect requests for one listening address. It
// runs on the fabric's event goroutine.
type SimResponder func(f *SimFabric, req *SimConnectRequest) SimDecision

type simID struct {
	handler   CMEventHandler
	dst       *net.TCPAddr
	bound     *net.TCPAddr
	listening bool
	tos       uint8
	qp        QP
	peer      CMID
	dead      bool
	listener  string
	sendLog   []int
}

type simPD struct {
	cm CMID
}

type simBuf struct {
	buf *Buffer
	pd  PD
}

type simWC struct {
	wc WorkCompletion
	qp QP
}

type simCQ struct {
	capacity int
	wcs      *queue.Queue
	armed    bool
	onEvent  func()
}

type pendingSend struct {
	src  QP
	wrID uint64
	data []byte
}

type simQP struct {
	cm       CMID
	pd       PD
	sendCQ   CQ
	recvCQ   CQ
	maxSend  int
	maxRecv  int
	recvs    *queue.Queue
	pending  []pendingSend
	inflight int
}

type simListener struct {
	responder SimResponder
	attempts  int
	peers     []CMID
}

// SimFabric is an in-process Verbs implementation with RC semantics:
// sends land in the peer's posted receives in order, a send without a
// posted receive counts as an RNR event and waits, and RDMA reads and
// writes are checked against the peer's registered memory.
type SimFabric struct {
	mu         sync.Mutex
	nextHandle uint64
	nextAddr   uint64

	ids       map[CMID]*simID
	pds       map[PD]*simPD
	bufs      map[uint64]*simBuf
	bufByAddr map[uint64]*simBuf
	cqs       map[CQ]*simCQ
	qps       map[QP]*simQP
	listeners map[string]*simListener

	unreachable map[string]bool
	faults      [simOpCount]int
	holdSends   bool
	held        []simHeld
	stats       SimStats

	evMu     sync.Mutex
	evCond   *sync.Cond
	evQ      *queue.Queue
	evClosed bool
	evDone   chan struct{}
}

type simHeld struct {
	cq CQ
	wc simWC
}

// NewSimFabric creates an empty fabric and starts its event goroutine.
func NewSimFabric() *SimFabric {
	f := &SimFabric{
		nextHandle:  1,
		nextAddr:    0x10000,
		ids:         make(map[CMID]*simID),
		pds:         make(map[PD]*simPD),
		bufs:        make(map[uint64]*simBuf),
		bufByAddr:   make(map[uint64]*simBuf),
		cqs:         make(map[CQ]*simCQ),
		qps:         make(map[QP]*simQP),
		listeners:   make(map[string]*simListener),
		unreachable: make(map[string]bool),
		evQ:         queue.New(),
		evDone:      make(chan struct{}),
	}
	for i := range f.faults {
		f.faults[i] = -1
	}
	f.evCond = sync.NewCond(&f.evMu)
	go f.runEvents()
	return f
}

// Close removes the device from under every identifier and stops the
// event goroutine after the queued events ran.
func (f *SimFabric) Close() {
	f.RemoveDevice()

	f.evMu.Lock()
	f.evClosed = true
	f.evCond.Signal()
	f.evMu.Unlock()
	<-f.evDone
}

func (f *SimFabric) runEvents() {
	defer close(f.evDone)
	for {
		f.evMu.Lock()
		for f.evQ.Length() == 0 && !f.evClosed {
			f.evCond.Wait()
		}
		if f.evQ.Length() == 0 {
			f.evMu.Unlock()
			return
		}
		job := f.evQ.Remove().(func())
		f.evMu.Unlock()

		job()
	}
}

func (f *SimFabric) post(job func()) {
	f.evMu.Lock()
	defer f.evMu.Unlock()
	if f.evClosed {
		return
	}
	f.evQ.Add(job)
	f.evCond.Signal()
}

// postEvent queues ev for the handler of ev.ID. A handler error destroys
// the identifier, as a connection manager does.
func (f *SimFabric) postEvent(ev CMEvent) {
	f.post(func() {
		f.mu.Lock()
		id, ok := f.ids[ev.ID]
		f.mu.Unlock()
		if !ok || id.handler == nil {
			return
		}
		if err := id.handler(&ev); err != nil {
			log.Debug().Err(err).Str("event", ev.Type.String()).Uint64("cm_id", uint64(ev.ID)).Msg("sim: handler failed, destroying identifier")
			f.destroyID(ev.ID, false)
		}
	})
}

// Serve registers responder for connects to addr ("ip:port").
func (f *SimFabric) Serve(addr string, responder SimResponder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[addr] = &simListener{responder: responder}
}

// SetUnreachable makes address resolution for ip fail.
func (f *SimFabric) SetUnreachable(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable[ip] = true
}

// FailAfter lets the next n calls of op succeed and fails the one after.
// A negative n disables the fault.
func (f *SimFabric) FailAfter(op SimOp, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = n
}

// HoldSendCompletions keeps send completions back until released.
func (f *SimFabric) HoldSendCompletions(hold bool) {
	f.mu.Lock()
	f.holdSends = hold
	var notify []func()
	if !hold {
		for _, h := range f.held {
			if fn := f.pushLocked(h.cq, h.wc); fn != nil {
				notify = append(notify, fn)
			}
		}
		f.held = nil
	}
	f.mu.Unlock()
	runAll(notify)
}

// InjectCompletion appends wc to the completion queue of the given
// identifier's queue pair.
func (f *SimFabric) InjectCompletion(id CMID, recv bool, wc WorkCompletion) error {
	f.mu.Lock()
	sid, ok := f.ids[id]
	if !ok || sid.qp == 0 {
		f.mu.Unlock()
		return ErrSimInvalidHandle
	}
	q := f.qps[sid.qp]
	cq := q.sendCQ
	if recv {
		cq = q.recvCQ
	}
	fn := f.pushLocked(cq, simWC{wc: wc})
	f.mu.Unlock()
	runAll([]func(){fn})
	return nil
}

// KillListener makes every peer accepted on addr vanish without a
// disconnect: later operations against them exhaust their retries.
func (f *SimFabric) KillListener(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.listeners[addr]; ok {
		for _, p := range l.peers {
			if sid, ok := f.ids[p]; ok {
				sid.dead = true
			}
		}
	}
}

// RemoveDevice delivers a device-removal event to every identifier.
func (f *SimFabric) RemoveDevice() {
	f.mu.Lock()
	ids := make([]CMID, 0, len(f.ids))
	for id := range f.ids {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	for _, id := range ids {
		f.postEvent(CMEvent{Type: CMEventDeviceRemoval, ID: id})
	}
}

// InjectConnectRequest delivers an inbound connect request to a listening
// identifier on a fresh child identifier.
func (f *SimFabric) InjectConnectRequest(listener CMID) (CMID, error) {
	f.mu.Lock()
	sid, ok := f.ids[listener]
	if !ok || !sid.listening {
		f.mu.Unlock()
		return 0, fmt.Errorf("%w: identifier %d is not listening", ErrSimInvalidHandle, listener)
	}
	child := CMID(f.handleLocked())
	f.ids[child] = &simID{handler: sid.handler}
	f.stats.LiveIDs++
	f.stats.IDsCreated++
	f.mu.Unlock()

	f.postEvent(CMEvent{Type: CMEventConnectRequest, ID: child})
	return child, nil
}

// Stats returns a snapshot of the fabric counters.
func (f *SimFabric) Stats() SimStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// SendLog returns the lengths of all SEND work requests posted through
// the queue pair of id, in posting order.
func (f *SimFabric) SendLog(id CMID) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sid, ok := f.ids[id]; ok {
		return append([]int(nil), sid.sendLog...)
	}
	return nil
}

// ConnectAttempts returns the client identifiers seen by the listener on
// addr, one per connect request.
func (f *SimFabric) ConnectAttempts(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.listeners[addr]; ok {
		return l.attempts
	}
	return 0
}

func (f *SimFabric) handleLocked() uint64 {
	h := f.nextHandle
	f.nextHandle++
	return h
}

func (f *SimFabric) faultLocked(op SimOp) error {
	switch n := f.faults[op]; {
	case n < 0:
		return nil
	case n == 0:
		f.faults[op] = -1
		return fmt.Errorf("%w (op %d)", ErrSimInjected, op)
	default:
		f.faults[op] = n - 1
		return nil
	}
}

// CreateID implements Verbs.
func (f *SimFabric) CreateID(handler CMEventHandler) (CMID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.faultLocked(SimOpCreateID); err != nil {
		return 0, err
	}
	id := CMID(f.handleLocked())
	f.ids[id] = &simID{handler: handler}
	f.stats.LiveIDs++
	f.stats.IDsCreated++
	return id, nil
}

// DestroyID implements Verbs.
func (f *SimFabric) DestroyID(id CMID) error {
	if !f.destroyID(id, true) {
		return fmt.Errorf("%w: cm id %d", ErrSimInvalidHandle, id)
	}
	return nil
}

func (f *SimFabric) destroyID(id CMID, notifyPeer bool) bool {
	f.mu.Lock()
	sid, ok := f.ids[id]
	if !ok {
		f.mu.Unlock()
		return false
	}
	delete(f.ids, id)
	f.stats.LiveIDs--

	peer := sid.peer
	if peer != 0 {
		if p, ok := f.ids[peer]; ok && p.peer == id {
			p.peer = 0
		} else {
			peer = 0
		}
	}
	f.mu.Unlock()

	if notifyPeer && peer != 0 {
		f.postEvent(CMEvent{Type: CMEventDisconnected, ID: peer})
	}
	return true
}

func (f *SimFabric) idLocked(id CMID) (*simID, error) {
	sid, ok := f.ids[id]
	if !ok {
		return nil, fmt.Errorf("%w: cm id %d", ErrSimInvalidHandle, id)
	}
	return sid, nil
}

// ResolveAddr implements Verbs.
func (f *SimFabric) ResolveAddr(id CMID, dst *net.TCPAddr, _ time.Duration) error {
	f.mu.Lock()
	sid, err := f.idLocked(id)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	sid.dst = dst
	evType := CMEventAddrResolved
	if f.unreachable[dst.IP.String()] {
		evType = CMEventAddrError
	}
	f.mu.Unlock()

	f.postEvent(CMEvent{Type: evType, ID: id})
	return nil
}

// ResolveRoute implements Verbs.
func (f *SimFabric) ResolveRoute(id CMID, _ time.Duration) error {
	f.mu.Lock()
	_, err := f.idLocked(id)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.postEvent(CMEvent{Type: CMEventRouteResolved, ID: id})
	return nil
}

// BindAddr implements Verbs.
func (f *SimFabric) BindAddr(id CMID, addr *net.TCPAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sid, err := f.idLocked(id)
	if err != nil {
		return err
	}
	for other, o := range f.ids {
		if other != id && o.bound != nil && o.bound.String() == addr.String() {
			return fmt.Errorf("%w: %s", ErrSimAddrInUse, addr)
		}
	}
	sid.bound = addr
	return nil
}

// Listen implements Verbs.
func (f *SimFabric) Listen(id CMID, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sid, err := f.idLocked(id)
	if err != nil {
		return err
	}
	if sid.bound == nil {
		return fmt.Errorf("%w: listen on unbound identifier", ErrSimInvalidHandle)
	}
	sid.listening = true
	return nil
}

// SetTOS implements Verbs.
func (f *SimFabric) SetTOS(id CMID, tos uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sid, err := f.idLocked(id)
	if err != nil {
		return err
	}
	sid.tos = tos
	return nil
}

// Connect implements Verbs. The listener's responder runs on the event
// goroutine and its decision arrives as Established or Rejected.
func (f *SimFabric) Connect(id CMID, param *ConnParam) error {
	f.mu.Lock()
	sid, err := f.idLocked(id)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	if sid.qp == 0 || sid.dst == nil {
		f.mu.Unlock()
		return fmt.Errorf("%w: connect without queue pair or route", ErrSimNotConnected)
	}
	addr := sid.dst.String()
	data := append([]byte(nil), param.PrivateData...)
	f.stats.ConnectRequests++
	f.mu.Unlock()

	f.post(func() { f.handleConnect(id, addr, data) })
	return nil
}

func (f *SimFabric) handleConnect(client CMID, addr string, data []byte) {
	f.mu.Lock()
	l, ok := f.listeners[addr]
	if !ok {
		f.mu.Unlock()
		f.postEvent(CMEvent{Type: CMEventRejected, ID: client, Status: RejectInvalidServiceID})
		return
	}
	l.attempts++
	req := &SimConnectRequest{ClientID: client, PrivateData: data, Attempt: l.attempts}
	f.mu.Unlock()

	dec := l.responder(f, req)
	if !dec.Accept {
		f.postEvent(CMEvent{Type: CMEventRejected, ID: client, Status: dec.Reason})
		return
	}

	f.mu.Lock()
	csid, cok := f.ids[client]
	psid, pok := f.ids[dec.PeerID]
	if !cok || !pok {
		f.mu.Unlock()
		if pok {
			f.destroyID(dec.PeerID, false)
		}
		return
	}
	csid.peer = dec.PeerID
	psid.peer = client
	psid.listener = addr
	l.peers = append(l.peers, dec.PeerID)
	f.mu.Unlock()

	f.postEvent(CMEvent{Type: CMEventEstablished, ID: dec.PeerID, PrivateData: data})
	f.postEvent(CMEvent{Type: CMEventEstablished, ID: client, PrivateData: dec.PrivateData})
}

// Reject implements Verbs.
func (f *SimFabric) Reject(id CMID, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.idLocked(id); err != nil {
		return err
	}
	f.stats.InboundRejects++
	return nil
}

// Disconnect implements Verbs.
func (f *SimFabric) Disconnect(id CMID) error {
	f.mu.Lock()
	sid, err := f.idLocked(id)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	peer := sid.peer
	sid.peer = 0
	if p, ok := f.ids[peer]; ok && p.peer == id {
		p.peer = 0
	} else {
		peer = 0
	}
	f.mu.Unlock()

	if peer != 0 {
		f.postEvent(CMEvent{Type: CMEventDisconnected, ID: peer})
	}
	return nil
}

// AllocPD implements Verbs.
func (f *SimFabric) AllocPD(id CMID) (PD, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.idLocked(id); err != nil {
		return 0, err
	}
	if err := f.faultLocked(SimOpAllocPD); err != nil {
		return 0, err
	}
	pd := PD(f.handleLocked())
	f.pds[pd] = &simPD{cm: id}
	f.stats.LivePDs++
	return pd, nil
}

// DeallocPD implements Verbs.
func (f *SimFabric) DeallocPD(pd PD) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pds[pd]; !ok {
		return fmt.Errorf("%w: pd %d", ErrSimInvalidHandle, pd)
	}
	delete(f.pds, pd)
	f.stats.LivePDs--
	return nil
}

// AllocBuffer implements Verbs.
func (f *SimFabric) AllocBuffer(pd PD, size int) (*Buffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pds[pd]; !ok {
		return nil, fmt.Errorf("%w: pd %d", ErrSimInvalidHandle, pd)
	}
	if err := f.faultLocked(SimOpAllocBuffer); err != nil {
		return nil, err
	}

	h := f.handleLocked()
	buf := &Buffer{
		Bytes:  make([]byte, size),
		Addr:   f.nextAddr,
		LKey:   uint32(h),
		RKey:   uint32(h) | 0x8000_0000,
		handle: h,
	}
	f.nextAddr += uint64(size+4095) &^ 4095
	f.nextAddr += 4096

	sb := &simBuf{buf: buf, pd: pd}
	f.bufs[h] = sb
	f.bufByAddr[buf.Addr] = sb
	f.stats.LiveBuffers++
	return buf, nil
}

// FreeBuffer implements Verbs.
func (f *SimFabric) FreeBuffer(buf *Buffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.bufs[buf.handle]
	if !ok {
		return fmt.Errorf("%w: buffer %d", ErrSimInvalidHandle, buf.handle)
	}
	delete(f.bufs, buf.handle)
	delete(f.bufByAddr, sb.buf.Addr)
	f.stats.LiveBuffers--
	return nil
}

// CreateCQ implements Verbs.
func (f *SimFabric) CreateCQ(id CMID, cqe int, onEvent func()) (CQ, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.idLocked(id); err != nil {
		return 0, err
	}
	if err := f.faultLocked(SimOpCreateCQ); err != nil {
		return 0, err
	}
	cq := CQ(f.handleLocked())
	f.cqs[cq] = &simCQ{capacity: cqe, wcs: queue.New(), onEvent: onEvent}
	f.stats.LiveCQs++
	return cq, nil
}

// DestroyCQ implements Verbs.
func (f *SimFabric) DestroyCQ(cq CQ) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cqs[cq]; !ok {
		return fmt.Errorf("%w: cq %d", ErrSimInvalidHandle, cq)
	}
	delete(f.cqs, cq)
	f.stats.LiveCQs--
	return nil
}

// ArmCQ implements Verbs.
func (f *SimFabric) ArmCQ(cq CQ) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.cqs[cq]
	if !ok {
		return fmt.Errorf("%w: cq %d", ErrSimInvalidHandle, cq)
	}
	if err := f.faultLocked(SimOpArmCQ); err != nil {
		return err
	}
	q.armed = true
	return nil
}

// PollCQ implements Verbs.
func (f *SimFabric) PollCQ(cq CQ, wcs []WorkCompletion) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.cqs[cq]
	if !ok {
		return 0, fmt.Errorf("%w: cq %d", ErrSimInvalidHandle, cq)
	}
	n := 0
	for n < len(wcs) && q.wcs.Length() > 0 {
		e := q.wcs.Remove().(simWC)
		wcs[n] = e.wc
		n++
		if e.wc.Opcode != WCOpRecv {
			if qp, ok := f.qps[e.qp]; ok && qp.inflight > 0 {
				qp.inflight--
			}
		}
	}
	return n, nil
}

// CreateQP implements Verbs.
func (f *SimFabric) CreateQP(id CMID, pd PD, attr *QPInitAttr) (QP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sid, err := f.idLocked(id)
	if err != nil {
		return 0, err
	}
	if _, ok := f.pds[pd]; !ok {
		return 0, fmt.Errorf("%w: pd %d", ErrSimInvalidHandle, pd)
	}
	if _, ok := f.cqs[attr.SendCQ]; !ok {
		return 0, fmt.Errorf("%w: send cq %d", ErrSimInvalidHandle, attr.SendCQ)
	}
	if _, ok := f.cqs[attr.RecvCQ]; !ok {
		return 0, fmt.Errorf("%w: recv cq %d", ErrSimInvalidHandle, attr.RecvCQ)
	}
	if err := f.faultLocked(SimOpCreateQP); err != nil {
		return 0, err
	}

	qp := QP(f.handleLocked())
	f.qps[qp] = &simQP{
		cm:      id,
		pd:      pd,
		sendCQ:  attr.SendCQ,
		recvCQ:  attr.RecvCQ,
		maxSend: attr.MaxSendWR,
		maxRecv: attr.MaxRecvWR,
		recvs:   queue.New(),
	}
	sid.qp = qp
	f.stats.LiveQPs++
	return qp, nil
}

// DestroyQP implements Verbs.
func (f *SimFabric) DestroyQP(id CMID, qp QP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.qps[qp]; !ok {
		return fmt.Errorf("%w: qp %d", ErrSimInvalidHandle, qp)
	}
	delete(f.qps, qp)
	if sid, ok := f.ids[id]; ok && sid.qp == qp {
		sid.qp = 0
	}
	f.stats.LiveQPs--
	return nil
}

// PostRecv implements Verbs.
func (f *SimFabric) PostRecv(qp QP, wr *RecvWR) error {
	f.mu.Lock()
	q, ok := f.qps[qp]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: qp %d", ErrSimInvalidHandle, qp)
	}
	if err := f.faultLocked(SimOpPostRecv); err != nil {
		f.mu.Unlock()
		return err
	}
	if q.recvs.Length() >= q.maxRecv {
		f.mu.Unlock()
		return fmt.Errorf("%w: receive queue of qp %d", ErrSimQueueFull, qp)
	}
	q.recvs.Add(*wr)

	var notify []func()
	for len(q.pending) > 0 && q.recvs.Length() > 0 {
		p := q.pending[0]
		q.pending = q.pending[1:]
		notify = append(notify, f.deliverLocked(p.src, qp, p.wrID, p.data)...)
	}
	f.mu.Unlock()

	runAll(notify)
	return nil
}

// PostSend implements Verbs.
func (f *SimFabric) PostSend(qp QP, wr *SendWR) error {
	f.mu.Lock()
	notify, err := f.postSendLocked(qp, wr)
	f.mu.Unlock()

	runAll(notify)
	return err
}

func (f *SimFabric) postSendLocked(qp QP, wr *SendWR) ([]func(), error) {
	q, ok := f.qps[qp]
	if !ok {
		return nil, fmt.Errorf("%w: qp %d", ErrSimInvalidHandle, qp)
	}
	if err := f.faultLocked(SimOpPostSend); err != nil {
		return nil, err
	}
	if q.inflight >= q.maxSend {
		return nil, fmt.Errorf("%w: send queue of qp %d", ErrSimQueueFull, qp)
	}

	local, ok := f.bufByAddr[wr.Addr]
	if !ok || int(wr.Length) > local.buf.Len() {
		return nil, fmt.Errorf("%w: local address %#x", ErrSimInvalidHandle, wr.Addr)
	}

	q.inflight++
	if wr.Opcode == WRSend {
		if sid, ok := f.ids[q.cm]; ok {
			sid.sendLog = append(sid.sendLog, int(wr.Length))
		}
		if q.inflight > f.stats.MaxSendsInFlight {
			f.stats.MaxSendsInFlight = q.inflight
		}
	}

	opcode := map[WROpcode]WCOpcode{WRSend: WCOpSend, WRRDMAWrite: WCOpRDMAWrite, WRRDMARead: WCOpRDMARead}[wr.Opcode]
	complete := func(status WCStatus) []func() {
		fn := f.pushSendLocked(q.sendCQ, simWC{wc: WorkCompletion{WRID: wr.WRID, Status: status, Opcode: opcode, ByteLen: wr.Length}, qp: qp})
		if fn == nil {
			return nil
		}
		return []func(){fn}
	}

	peerQP, peer := f.peerLocked(q)
	if peerQP == 0 {
		return complete(WCRetryExcErr), nil
	}

	switch wr.Opcode {
	case WRSend:
		data := append([]byte(nil), local.buf.Bytes[:wr.Length]...)
		pq := f.qps[peerQP]
		if len(pq.pending) > 0 || pq.recvs.Length() == 0 {
			f.stats.RNREvents++
			pq.pending = append(pq.pending, pendingSend{src: qp, wrID: wr.WRID, data: data})
			return nil, nil
		}
		return f.deliverLocked(qp, peerQP, wr.WRID, data), nil

	case WRRDMARead, WRRDMAWrite:
		remote, ok := f.bufByAddr[wr.RemoteAddr]
		if !ok || remote.buf.RKey != wr.RKey || int(wr.Length) > remote.buf.Len() || f.pds[remote.pd] == nil || f.pds[remote.pd].cm != peer {
			return complete(WCRemAccessErr), nil
		}
		if wr.Opcode == WRRDMARead {
			copy(local.buf.Bytes[:wr.Length], remote.buf.Bytes)
		} else {
			copy(remote.buf.Bytes, local.buf.Bytes[:wr.Length])
		}
		return complete(WCSuccess), nil
	}
	return complete(WCGeneralErr), nil
}

// peerLocked returns the live queue pair on the other end of q.
func (f *SimFabric) peerLocked(q *simQP) (QP, CMID) {
	sid, ok := f.ids[q.cm]
	if !ok || sid.peer == 0 {
		return 0, 0
	}
	psid, ok := f.ids[sid.peer]
	if !ok || psid.dead || psid.qp == 0 {
		return 0, 0
	}
	if _, ok := f.qps[psid.qp]; !ok {
		return 0, 0
	}
	return psid.qp, sid.peer
}

// deliverLocked lands one send in the next posted receive of dst.
func (f *SimFabric) deliverLocked(src, dst QP, wrID uint64, data []byte) []func() {
	var notify []func()
	dq := f.qps[dst]
	rw := dq.recvs.Remove().(RecvWR)

	sendStatus, recvStatus := WCSuccess, WCSuccess
	rbuf, ok := f.bufByAddr[rw.Addr]
	if !ok || len(data) > int(rw.Length) {
		sendStatus, recvStatus = WCRemInvReqErr, WCLocLenErr
	} else {
		copy(rbuf.buf.Bytes, data)
	}

	if fn := f.pushLocked(dq.recvCQ, simWC{wc: WorkCompletion{WRID: rw.WRID, Status: recvStatus, Opcode: WCOpRecv, ByteLen: uint32(len(data))}, qp: dst}); fn != nil {
		notify = append(notify, fn)
	}
	if sq, ok := f.qps[src]; ok {
		if fn := f.pushSendLocked(sq.sendCQ, simWC{wc: WorkCompletion{WRID: wrID, Status: sendStatus, Opcode: WCOpSend, ByteLen: uint32(len(data))}, qp: src}); fn != nil {
			notify = append(notify, fn)
		}
	}
	return notify
}

func (f *SimFabric) pushSendLocked(cq CQ, wc simWC) func() {
	if f.holdSends {
		f.held = append(f.held, simHeld{cq: cq, wc: wc})
		return nil
	}
	return f.pushLocked(cq, wc)
}

// pushLocked appends a completion and returns the notification callback
// if the queue was armed.
func (f *SimFabric) pushLocked(cq CQ, wc simWC) func() {
	q, ok := f.cqs[cq]
	if !ok {
		return nil
	}
	if q.wcs.Length() >= q.capacity {
		f.stats.CQOverflows++
	}
	q.wcs.Add(wc)
	if !q.armed {
		return nil
	}
	q.armed = false
	return q.onEvent
}

func runAll(fns []func()) {
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}

// openSimPeer builds the passive end of a simulated connection: a socket
// whose comm context is ready and whose remote descriptor is the client's.
func openSimPeer(f *SimFabric, tun Tunables, cfg CommConfig, clientDest []byte) (*Socket, []byte, error) {
	remote, err := parseCommDest(clientDest)
	if err != nil {
		return nil, nil, err
	}

	s := NewSocket(f, tun)
	if !s.SockValid() {
		return nil, nil, fmt.Errorf("%w: peer identifier", ErrNotConnected)
	}

	c, err := newCommContext(f, s.currentID(), cfg)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	dest := c.localDest()
	payload, err := dest.MarshalBinary()
	if err != nil {
		c.release()
		s.Close()
		return nil, nil, err
	}

	s.localDest = &dest
	s.remoteDest.Store(remote)
	s.comm.Store(c)
	s.setState(stateEstablished)
	return s, payload, nil
}

// SimAcceptSockets accepts every connect request and hands the passive
// socket to onAccept.
func SimAcceptSockets(cfg CommConfig, tun Tunables, onAccept func(*Socket)) SimResponder {
	return func(f *SimFabric, req *SimConnectRequest) SimDecision {
		peer, payload, err := openSimPeer(f, tun, cfg, req.PrivateData)
		if err != nil {
			log.Error().Err(err).Msg("sim: failed to open passive peer")
			return SimDecision{Reason: RejectConsumerDefined}
		}
		if onAccept != nil {
			onAccept(peer)
		}
		return SimDecision{Accept: true, PeerID: peer.currentID(), PrivateData: payload}
	}
}

// SimRejectStale rejects the first n attempts as stale and hands the rest
// to next.
func SimRejectStale(n int, next SimResponder) SimResponder {
	return func(f *SimFabric, req *SimConnectRequest) SimDecision {
		if req.Attempt <= n || next == nil {
			return SimDecision{Reason: RejectStaleConn}
		}
		return next(f, req)
	}
}

// SimReject rejects every attempt with reason.
func SimReject(reason RejectReason) SimResponder {
	return func(*SimFabric, *SimConnectRequest) SimDecision {
		return SimDecision{Reason: reason}
	}
}

// SimEchoPeer accepts connections and echoes every received message back
// until the connection breaks.
func SimEchoPeer(cfg CommConfig, tun Tunables) SimResponder {
	return SimAcceptSockets(cfg, tun, func(peer *Socket) {
		go runEcho(peer, cfg.BufSize)
	})
}

func runEcho(peer *Socket, bufSize int) {
	defer peer.Close()

	ctx := context.Background()
	buf := make([]byte, bufSize)
	for {
		n, err := peer.Recv(ctx, buf, 0)
		if err != nil {
			log.Debug().Err(err).Str("conn", peer.label).Msg("sim: echo peer stopped")
			return
		}
		if _, err := peer.Send(ctx, buf[:n], 0); err != nil {
			log.Debug().Err(err).Str("conn", peer.label).Msg("sim: echo peer stopped")
			return
		}
	}
}
