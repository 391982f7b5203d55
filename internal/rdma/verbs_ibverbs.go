//go:build ibverbs

package rdma

// #cgo LDFLAGS: -lrdmacm -libverbs
// #include <stdlib.h>
// #include <string.h>
// #include <rdma/rdma_cma.h>
// #include <infiniband/verbs.h>
//
// // Event fields live in a union, which cgo cannot address.
// const void *event_private_data(struct rdma_cm_event *ev, uint8_t *len) {
//     *len = ev->param.conn.private_data_len;
//     return ev->param.conn.private_data;
// }
//
// struct ibv_context *id_verbs(struct rdma_cm_id *id) {
//     return id->verbs;
// }
//
// int get_phys_port_cnt(struct ibv_context *context, uint8_t *phys_port_cnt) {
//     struct ibv_device_attr device_attr;
//     if (ibv_query_device(context, &device_attr)) {
//         return -1;
//     }
//     *phys_port_cnt = device_attr.phys_port_cnt;
//     return 0;
// }
//
// int query_gid_raw(struct ibv_context *context, uint8_t port, int index, uint8_t *raw) {
//     union ibv_gid gid;
//     if (ibv_query_gid(context, port, index, &gid)) {
//         return -1;
//     }
//     memcpy(raw, gid.raw, 16);
//     return 0;
// }
//
// struct ibv_mr *reg_mr(struct ibv_pd *pd, void *addr, size_t length) {
//     return ibv_reg_mr(pd, addr, length,
//         IBV_ACCESS_LOCAL_WRITE | IBV_ACCESS_REMOTE_READ | IBV_ACCESS_REMOTE_WRITE);
// }
//
// int req_notify_cq(struct ibv_cq *cq) {
//     return ibv_req_notify_cq(cq, 0);
// }
//
// int poll_cq(struct ibv_cq *cq, int n, struct ibv_wc *wc) {
//     return ibv_poll_cq(cq, n, wc);
// }
//
// int post_recv(struct ibv_qp *qp, uint64_t wr_id, uint64_t addr, uint32_t length, uint32_t lkey) {
//     struct ibv_sge sge;
//     struct ibv_recv_wr wr;
//     struct ibv_recv_wr *bad_wr = NULL;
//
//     memset(&sge, 0, sizeof(sge));
//     sge.addr = addr;
//     sge.length = length;
//     sge.lkey = lkey;
//
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = &sge;
//     wr.num_sge = 1;
//
//     return ibv_post_recv(qp, &wr, &bad_wr);
// }
//
// int post_send(struct ibv_qp *qp, uint64_t wr_id, int opcode, uint64_t addr, uint32_t length,
//               uint32_t lkey, uint64_t remote_addr, uint32_t rkey) {
//     struct ibv_sge sge;
//     struct ibv_send_wr wr;
//     struct ibv_send_wr *bad_wr = NULL;
//
//     memset(&sge, 0, sizeof(sge));
//     sge.addr = addr;
//     sge.length = length;
//     sge.lkey = lkey;
//
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = &sge;
//     wr.num_sge = 1;
//     wr.opcode = opcode;
//     wr.send_flags = IBV_SEND_SIGNALED;
//     wr.wr.rdma.remote_addr = remote_addr;
//     wr.wr.rdma.rkey = rkey;
//
//     return ibv_post_send(qp, &wr, &bad_wr);
// }
import "C"

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// eventPollInterval bounds how long the event goroutines block before
// checking for shutdown.
const eventPollInterval = 100 * time.Millisecond

type cgoID struct {
	id      *C.struct_rdma_cm_id
	handler CMEventHandler
}

type cgoBuffer struct {
	mem unsafe.Pointer
	mr  *C.struct_ibv_mr
}

type cgoCQ struct {
	cq      *C.struct_ibv_cq
	channel *C.struct_ibv_comp_channel
	onEvent func()
	stop    atomic.Bool
	done    chan struct{}
}

// ibVerbs is the Verbs implementation on librdmacm and libibverbs. Handles
// given out are table keys; the C pointers never leave this file.
type ibVerbs struct {
	ec *C.struct_rdma_event_channel

	mu     sync.Mutex
	next   uint64
	ids    map[CMID]*cgoID
	byPtr  map[*C.struct_rdma_cm_id]CMID
	pds    map[PD]*C.struct_ibv_pd
	bufs   map[uint64]*cgoBuffer
	cqs    map[CQ]*cgoCQ
	qps    map[QP]CMID
	closed atomic.Bool
	done   chan struct{}
}

// OpenVerbs opens the CM event channel and starts dispatching its events.
func OpenVerbs() (Verbs, error) {
	var num C.int
	list := C.ibv_get_device_list(&num)
	if list == nil || num == 0 {
		if list != nil {
			C.ibv_free_device_list(list)
		}
		return nil, fmt.Errorf("%w: no devices found", ErrNoDevice)
	}
	C.ibv_free_device_list(list)

	ec, err := C.rdma_create_event_channel()
	if ec == nil {
		return nil, fmt.Errorf("rdma_create_event_channel: %w", err)
	}
	if err := unix.SetNonblock(int(ec.fd), true); err != nil {
		C.rdma_destroy_event_channel(ec)
		return nil, fmt.Errorf("set event channel non-blocking: %w", err)
	}

	v := &ibVerbs{
		ec:    ec,
		next:  1,
		ids:   make(map[CMID]*cgoID),
		byPtr: make(map[*C.struct_rdma_cm_id]CMID),
		pds:   make(map[PD]*C.struct_ibv_pd),
		bufs:  make(map[uint64]*cgoBuffer),
		cqs:   make(map[CQ]*cgoCQ),
		qps:   make(map[QP]CMID),
		done:  make(chan struct{}),
	}
	go v.dispatchCMEvents()
	return v, nil
}

// ListDevices enumerates RDMA devices with their port count, the GID at
// index 0 of port 1 and the backing network interface.
func ListDevices() ([]Device, error) {
	var num C.int
	list := C.ibv_get_device_list(&num)
	if list == nil {
		return nil, fmt.Errorf("%w: failed to get RDMA device list", ErrNoDevice)
	}
	defer C.ibv_free_device_list(list)
	if num == 0 {
		return nil, fmt.Errorf("%w: no devices found", ErrNoDevice)
	}

	var devices []Device
	for _, dev := range unsafe.Slice(list, int(num)) {
		if dev == nil {
			continue
		}
		d := Device{Name: C.GoString(C.ibv_get_device_name(dev))}

		ctx := C.ibv_open_device(dev)
		if ctx == nil {
			log.Warn().Str("device", d.Name).Msg("Failed to open RDMA device")
			devices = append(devices, describeDevice(sysInfinibandRoot, d, nil))
			continue
		}
		var ports C.uint8_t
		if C.get_phys_port_cnt(ctx, &ports) == 0 {
			d.Ports = int(ports)
		}
		var gid [16]byte
		var raw []byte
		if C.query_gid_raw(ctx, 1, 0, (*C.uint8_t)(unsafe.Pointer(&gid[0]))) == 0 {
			raw = gid[:]
		}
		C.ibv_close_device(ctx)

		devices = append(devices, describeDevice(sysInfinibandRoot, d, raw))
	}
	return devices, nil
}

// Close stops event dispatch and destroys the event channel. Sockets must
// be closed first.
func (v *ibVerbs) Close() error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}
	<-v.done
	C.rdma_destroy_event_channel(v.ec)
	return nil
}

func (v *ibVerbs) handleLocked() uint64 {
	h := v.next
	v.next++
	return h
}

// waitReadable blocks until fd is readable or the interval elapsed.
func waitReadable(fd int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(eventPollInterval/time.Millisecond))
	if err == unix.EINTR {
		return false, nil
	}
	return n > 0, err
}

func (v *ibVerbs) dispatchCMEvents() {
	defer close(v.done)
	for !v.closed.Load() {
		ready, err := waitReadable(int(v.ec.fd))
		if err != nil {
			log.Error().Err(err).Msg("Polling CM event channel failed")
			return
		}
		if !ready {
			continue
		}

		var cev *C.struct_rdma_cm_event
		if ret, err := C.rdma_get_cm_event(v.ec, &cev); ret != 0 {
			if err == syscall.EAGAIN {
				continue
			}
			log.Error().Err(err).Msg("rdma_get_cm_event failed")
			continue
		}
		v.dispatch(cev)
	}
}

func (v *ibVerbs) dispatch(cev *C.struct_rdma_cm_event) {
	var pdLen C.uint8_t
	pdPtr := C.event_private_data(cev, &pdLen)
	ev := CMEvent{
		Type:   CMEventType(cev.event),
		Status: RejectReason(cev.status),
	}
	if pdPtr != nil && pdLen > 0 {
		ev.PrivateData = C.GoBytes(pdPtr, C.int(pdLen))
	}
	idPtr := cev.id

	v.mu.Lock()
	var handler CMEventHandler
	if ev.Type == CMEventConnectRequest {
		// the request arrives on a new identifier owned by the listener
		if l, ok := v.byPtr[cev.listen_id]; ok {
			handler = v.ids[l].handler
			child := CMID(v.handleLocked())
			v.ids[child] = &cgoID{id: idPtr, handler: handler}
			v.byPtr[idPtr] = child
		}
	}
	ev.ID = v.byPtr[idPtr]
	if e, ok := v.ids[ev.ID]; ok {
		handler = e.handler
	}
	v.mu.Unlock()

	C.rdma_ack_cm_event(cev)

	if handler == nil {
		log.Debug().Str("event", ev.Type.String()).Msg("CM event for unknown identifier")
		return
	}
	if err := handler(&ev); err != nil {
		v.destroyID(ev.ID)
	}
}

func (v *ibVerbs) lookupID(id CMID) (*C.struct_rdma_cm_id, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.ids[id]
	if !ok {
		return nil, fmt.Errorf("unknown cm id %d", id)
	}
	return e.id, nil
}

func (v *ibVerbs) CreateID(handler CMEventHandler) (CMID, error) {
	var cid *C.struct_rdma_cm_id
	if ret, err := C.rdma_create_id(v.ec, &cid, nil, C.RDMA_PS_TCP); ret != 0 {
		return 0, fmt.Errorf("rdma_create_id: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	id := CMID(v.handleLocked())
	v.ids[id] = &cgoID{id: cid, handler: handler}
	v.byPtr[cid] = id
	return id, nil
}

func (v *ibVerbs) DestroyID(id CMID) error {
	if !v.destroyID(id) {
		return fmt.Errorf("unknown cm id %d", id)
	}
	return nil
}

func (v *ibVerbs) destroyID(id CMID) bool {
	v.mu.Lock()
	e, ok := v.ids[id]
	if ok {
		delete(v.ids, id)
		delete(v.byPtr, e.id)
	}
	v.mu.Unlock()
	if !ok {
		return false
	}
	C.rdma_destroy_id(e.id)
	return true
}

// sockaddr renders addr in kernel layout. The result must stay alive for
// the duration of the C call.
func sockaddr(addr *net.TCPAddr) (unsafe.Pointer, error) {
	port := uint16(addr.Port)
	nport := port>>8 | port<<8
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.RawSockaddrInet4{Family: unix.AF_INET, Port: nport}
		copy(sa.Addr[:], ip4)
		return unsafe.Pointer(sa), nil
	}
	if ip6 := addr.IP.To16(); ip6 != nil {
		sa := &unix.RawSockaddrInet6{Family: unix.AF_INET6, Port: nport}
		copy(sa.Addr[:], ip6)
		return unsafe.Pointer(sa), nil
	}
	return nil, fmt.Errorf("unsupported address %s", addr)
}

func (v *ibVerbs) ResolveAddr(id CMID, dst *net.TCPAddr, timeout time.Duration) error {
	cid, err := v.lookupID(id)
	if err != nil {
		return err
	}
	sa, err := sockaddr(dst)
	if err != nil {
		return err
	}
	if ret, err := C.rdma_resolve_addr(cid, nil, (*C.struct_sockaddr)(sa), C.int(timeout.Milliseconds())); ret != 0 {
		return fmt.Errorf("rdma_resolve_addr: %w", err)
	}
	return nil
}

func (v *ibVerbs) ResolveRoute(id CMID, timeout time.Duration) error {
	cid, err := v.lookupID(id)
	if err != nil {
		return err
	}
	if ret, err := C.rdma_resolve_route(cid, C.int(timeout.Milliseconds())); ret != 0 {
		return fmt.Errorf("rdma_resolve_route: %w", err)
	}
	return nil
}

func (v *ibVerbs) BindAddr(id CMID, addr *net.TCPAddr) error {
	cid, err := v.lookupID(id)
	if err != nil {
		return err
	}
	sa, err := sockaddr(addr)
	if err != nil {
		return err
	}
	if ret, err := C.rdma_bind_addr(cid, (*C.struct_sockaddr)(sa)); ret != 0 {
		return fmt.Errorf("rdma_bind_addr: %w", err)
	}
	return nil
}

func (v *ibVerbs) Listen(id CMID, backlog int) error {
	cid, err := v.lookupID(id)
	if err != nil {
		return err
	}
	if ret, err := C.rdma_listen(cid, C.int(backlog)); ret != 0 {
		return fmt.Errorf("rdma_listen: %w", err)
	}
	return nil
}

func (v *ibVerbs) SetTOS(id CMID, tos uint8) error {
	cid, err := v.lookupID(id)
	if err != nil {
		return err
	}
	val := C.uint8_t(tos)
	if ret, err := C.rdma_set_option(cid, C.RDMA_OPTION_ID, C.RDMA_OPTION_ID_TOS, unsafe.Pointer(&val), C.size_t(unsafe.Sizeof(val))); ret != 0 {
		return fmt.Errorf("rdma_set_option(TOS): %w", err)
	}
	return nil
}

func (v *ibVerbs) Connect(id CMID, param *ConnParam) error {
	cid, err := v.lookupID(id)
	if err != nil {
		return err
	}

	var cp C.struct_rdma_conn_param
	if len(param.PrivateData) > 0 {
		pd := C.CBytes(param.PrivateData)
		defer C.free(pd)
		cp.private_data = pd
		cp.private_data_len = C.uint8_t(len(param.PrivateData))
	}
	cp.responder_resources = C.uint8_t(param.ResponderResources)
	cp.initiator_depth = C.uint8_t(param.InitiatorDepth)
	cp.retry_count = C.uint8_t(param.RetryCount)
	cp.rnr_retry_count = C.uint8_t(param.RNRRetryCount)

	if ret, err := C.rdma_connect(cid, &cp); ret != 0 {
		return fmt.Errorf("rdma_connect: %w", err)
	}
	return nil
}

func (v *ibVerbs) Reject(id CMID, privateData []byte) error {
	cid, err := v.lookupID(id)
	if err != nil {
		return err
	}
	var pd unsafe.Pointer
	if len(privateData) > 0 {
		pd = C.CBytes(privateData)
		defer C.free(pd)
	}
	if ret, err := C.rdma_reject(cid, pd, C.uint8_t(len(privateData))); ret != 0 {
		return fmt.Errorf("rdma_reject: %w", err)
	}
	return nil
}

func (v *ibVerbs) Disconnect(id CMID) error {
	cid, err := v.lookupID(id)
	if err != nil {
		return err
	}
	if ret, err := C.rdma_disconnect(cid); ret != 0 {
		return fmt.Errorf("rdma_disconnect: %w", err)
	}
	return nil
}

func (v *ibVerbs) AllocPD(id CMID) (PD, error) {
	cid, err := v.lookupID(id)
	if err != nil {
		return 0, err
	}
	ctx := C.id_verbs(cid)
	if ctx == nil {
		return 0, fmt.Errorf("cm id %d has no device bound", id)
	}
	pd, err := C.ibv_alloc_pd(ctx)
	if pd == nil {
		return 0, fmt.Errorf("ibv_alloc_pd: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	h := PD(v.handleLocked())
	v.pds[h] = pd
	return h, nil
}

func (v *ibVerbs) DeallocPD(pd PD) error {
	v.mu.Lock()
	p, ok := v.pds[pd]
	delete(v.pds, pd)
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown pd %d", pd)
	}
	if ret := C.ibv_dealloc_pd(p); ret != 0 {
		return fmt.Errorf("ibv_dealloc_pd: %w", syscall.Errno(ret))
	}
	return nil
}

func (v *ibVerbs) AllocBuffer(pd PD, size int) (*Buffer, error) {
	v.mu.Lock()
	p, ok := v.pds[pd]
	v.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown pd %d", pd)
	}

	mem := C.calloc(1, C.size_t(size))
	if mem == nil {
		return nil, fmt.Errorf("allocate %d bytes: out of memory", size)
	}
	mr, err := C.reg_mr(p, mem, C.size_t(size))
	if mr == nil {
		C.free(mem)
		return nil, fmt.Errorf("ibv_reg_mr: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	h := v.handleLocked()
	v.bufs[h] = &cgoBuffer{mem: mem, mr: mr}
	return &Buffer{
		Bytes:  unsafe.Slice((*byte)(mem), size),
		Addr:   uint64(uintptr(mem)),
		LKey:   uint32(mr.lkey),
		RKey:   uint32(mr.rkey),
		handle: h,
	}, nil
}

func (v *ibVerbs) FreeBuffer(buf *Buffer) error {
	v.mu.Lock()
	b, ok := v.bufs[buf.handle]
	delete(v.bufs, buf.handle)
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown buffer %d", buf.handle)
	}
	buf.Bytes = nil
	ret := C.ibv_dereg_mr(b.mr)
	C.free(b.mem)
	if ret != 0 {
		return fmt.Errorf("ibv_dereg_mr: %w", syscall.Errno(ret))
	}
	return nil
}

func (v *ibVerbs) CreateCQ(id CMID, cqe int, onEvent func()) (CQ, error) {
	cid, err := v.lookupID(id)
	if err != nil {
		return 0, err
	}
	ctx := C.id_verbs(cid)
	if ctx == nil {
		return 0, fmt.Errorf("cm id %d has no device bound", id)
	}

	channel, err := C.ibv_create_comp_channel(ctx)
	if channel == nil {
		return 0, fmt.Errorf("ibv_create_comp_channel: %w", err)
	}
	if err := unix.SetNonblock(int(channel.fd), true); err != nil {
		C.ibv_destroy_comp_channel(channel)
		return 0, fmt.Errorf("set completion channel non-blocking: %w", err)
	}
	cq, err := C.ibv_create_cq(ctx, C.int(cqe), nil, channel, 0)
	if cq == nil {
		C.ibv_destroy_comp_channel(channel)
		return 0, fmt.Errorf("ibv_create_cq: %w", err)
	}

	q := &cgoCQ{cq: cq, channel: channel, onEvent: onEvent, done: make(chan struct{})}
	v.mu.Lock()
	h := CQ(v.handleLocked())
	v.cqs[h] = q
	v.mu.Unlock()

	go q.run()
	return h, nil
}

// run delivers completion events until the queue is destroyed.
func (q *cgoCQ) run() {
	defer close(q.done)
	for !q.stop.Load() {
		ready, err := waitReadable(int(q.channel.fd))
		if err != nil {
			log.Error().Err(err).Msg("Polling completion channel failed")
			return
		}
		if !ready {
			continue
		}

		var evCQ *C.struct_ibv_cq
		var evCtx unsafe.Pointer
		if ret := C.ibv_get_cq_event(q.channel, &evCQ, &evCtx); ret != 0 {
			continue
		}
		C.ibv_ack_cq_events(evCQ, 1)
		if q.onEvent != nil {
			q.onEvent()
		}
	}
}

func (v *ibVerbs) DestroyCQ(cq CQ) error {
	v.mu.Lock()
	q, ok := v.cqs[cq]
	delete(v.cqs, cq)
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown cq %d", cq)
	}

	q.stop.Store(true)
	<-q.done
	if ret := C.ibv_destroy_cq(q.cq); ret != 0 {
		return fmt.Errorf("ibv_destroy_cq: %w", syscall.Errno(ret))
	}
	C.ibv_destroy_comp_channel(q.channel)
	return nil
}

func (v *ibVerbs) lookupCQ(cq CQ) (*cgoCQ, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	q, ok := v.cqs[cq]
	if !ok {
		return nil, fmt.Errorf("unknown cq %d", cq)
	}
	return q, nil
}

func (v *ibVerbs) ArmCQ(cq CQ) error {
	q, err := v.lookupCQ(cq)
	if err != nil {
		return err
	}
	if ret := C.req_notify_cq(q.cq); ret != 0 {
		return fmt.Errorf("ibv_req_notify_cq: %w", syscall.Errno(ret))
	}
	return nil
}

func (v *ibVerbs) PollCQ(cq CQ, wcs []WorkCompletion) (int, error) {
	q, err := v.lookupCQ(cq)
	if err != nil {
		return 0, err
	}

	var raw [2]C.struct_ibv_wc
	want := min(len(wcs), len(raw))
	n := int(C.poll_cq(q.cq, C.int(want), &raw[0]))
	if n < 0 {
		return 0, fmt.Errorf("ibv_poll_cq failed: %d", n)
	}
	for i := 0; i < n; i++ {
		wcs[i] = WorkCompletion{
			WRID:      uint64(raw[i].wr_id),
			Status:    WCStatus(raw[i].status),
			Opcode:    wcOpcode(raw[i].opcode),
			VendorErr: uint32(raw[i].vendor_err),
			ByteLen:   uint32(raw[i].byte_len),
		}
	}
	return n, nil
}

func wcOpcode(op C.enum_ibv_wc_opcode) WCOpcode {
	switch op {
	case C.IBV_WC_SEND:
		return WCOpSend
	case C.IBV_WC_RDMA_WRITE:
		return WCOpRDMAWrite
	case C.IBV_WC_RDMA_READ:
		return WCOpRDMARead
	case C.IBV_WC_RECV:
		return WCOpRecv
	}
	return WCOpcode(-1)
}

func (v *ibVerbs) CreateQP(id CMID, pd PD, attr *QPInitAttr) (QP, error) {
	cid, err := v.lookupID(id)
	if err != nil {
		return 0, err
	}
	v.mu.Lock()
	p, pok := v.pds[pd]
	scq, sok := v.cqs[attr.SendCQ]
	rcq, rok := v.cqs[attr.RecvCQ]
	v.mu.Unlock()
	if !pok || !sok || !rok {
		return 0, fmt.Errorf("create qp: unknown pd or completion queue")
	}

	var ia C.struct_ibv_qp_init_attr
	ia.send_cq = scq.cq
	ia.recv_cq = rcq.cq
	ia.qp_type = C.IBV_QPT_RC
	ia.cap.max_send_wr = C.uint32_t(attr.MaxSendWR)
	ia.cap.max_recv_wr = C.uint32_t(attr.MaxRecvWR)
	ia.cap.max_send_sge = C.uint32_t(attr.MaxSendSGE)
	ia.cap.max_recv_sge = C.uint32_t(attr.MaxRecvSGE)

	if ret, err := C.rdma_create_qp(cid, p, &ia); ret != 0 {
		return 0, fmt.Errorf("rdma_create_qp: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	h := QP(v.handleLocked())
	v.qps[h] = id
	return h, nil
}

func (v *ibVerbs) DestroyQP(id CMID, qp QP) error {
	cid, err := v.lookupID(id)
	if err != nil {
		return err
	}
	v.mu.Lock()
	delete(v.qps, qp)
	v.mu.Unlock()
	C.rdma_destroy_qp(cid)
	return nil
}

func (v *ibVerbs) qpOf(qp QP) (*C.struct_ibv_qp, error) {
	v.mu.Lock()
	id, ok := v.qps[qp]
	var e *cgoID
	if ok {
		e = v.ids[id]
	}
	v.mu.Unlock()
	if e == nil || e.id.qp == nil {
		return nil, fmt.Errorf("unknown qp %d", qp)
	}
	return e.id.qp, nil
}

func (v *ibVerbs) PostRecv(qp QP, wr *RecvWR) error {
	q, err := v.qpOf(qp)
	if err != nil {
		return err
	}
	if ret := C.post_recv(q, C.uint64_t(wr.WRID), C.uint64_t(wr.Addr), C.uint32_t(wr.Length), C.uint32_t(wr.LKey)); ret != 0 {
		return fmt.Errorf("ibv_post_recv: %w", syscall.Errno(ret))
	}
	return nil
}

func (v *ibVerbs) PostSend(qp QP, wr *SendWR) error {
	q, err := v.qpOf(qp)
	if err != nil {
		return err
	}

	var opcode C.int
	switch wr.Opcode {
	case WRSend:
		opcode = C.IBV_WR_SEND
	case WRRDMAWrite:
		opcode = C.IBV_WR_RDMA_WRITE
	case WRRDMARead:
		opcode = C.IBV_WR_RDMA_READ
	default:
		return fmt.Errorf("unsupported opcode %d", wr.Opcode)
	}

	ret := C.post_send(q, C.uint64_t(wr.WRID), opcode, C.uint64_t(wr.Addr), C.uint32_t(wr.Length),
		C.uint32_t(wr.LKey), C.uint64_t(wr.RemoteAddr), C.uint32_t(wr.RKey))
	if ret != 0 {
		return fmt.Errorf("ibv_post_send: %w", syscall.Errno(ret))
	}
	return nil
}
