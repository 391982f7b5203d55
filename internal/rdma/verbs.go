// Package rdma implements a flow-controlled, reliable, message-oriented socket
// on top of RDMA verbs and connection-manager primitives.
//
// The primitives themselves are consumed through the Verbs interface so that
// the transport can run over libibverbs/librdmacm (build tag "ibverbs") or
// over the in-process simulated fabric used by tests and by ibvping --simulate.
package rdma

import (
	"net"
	"time"
)

// Handle types for connection-manager and verbs objects.
type CMID uint64
type PD uint64
type CQ uint64
type QP uint64

// Verbs is the set of RDMA connection-manager and verbs primitives a Socket
// runs on. Implementations deliver CM events and CQ notifications on their
// own goroutines; the callbacks they invoke must not block.
type Verbs interface {
	// Connection manager
	CreateID(handler CMEventHandler) (CMID, error)
	DestroyID(id CMID) error
	ResolveAddr(id CMID, dst *net.TCPAddr, timeout time.Duration) error
	ResolveRoute(id CMID, timeout time.Duration) error
	BindAddr(id CMID, addr *net.TCPAddr) error
	Listen(id CMID, backlog int) error
	SetTOS(id CMID, tos uint8) error
	Connect(id CMID, param *ConnParam) error
	Reject(id CMID, privateData []byte) error
	Disconnect(id CMID) error

	// Protection domain and registered memory
	AllocPD(id CMID) (PD, error)
	DeallocPD(pd PD) error
	AllocBuffer(pd PD, size int) (*Buffer, error)
	FreeBuffer(buf *Buffer) error

	// Completion queues
	CreateCQ(id CMID, cqe int, onEvent func()) (CQ, error)
	DestroyCQ(cq CQ) error
	ArmCQ(cq CQ) error
	PollCQ(cq CQ, wcs []WorkCompletion) (int, error)

	// Queue pair and work requests
	CreateQP(id CMID, pd PD, attr *QPInitAttr) (QP, error)
	DestroyQP(id CMID, qp QP) error
	PostRecv(qp QP, wr *RecvWR) error
	PostSend(qp QP, wr *SendWR) error
}

// Buffer is a DMA-coherent allocation registered for local write and remote
// read/write access. Bytes aliases the registered memory.
type Buffer struct {
	Bytes []byte
	Addr  uint64
	LKey  uint32
	RKey  uint32

	handle uint64
}

// Len returns the registered length.
func (b *Buffer) Len() int { return len(b.Bytes) }

// ConnParam carries the handshake payload and RC retry parameters of a
// connect request.
type ConnParam struct {
	PrivateData        []byte
	ResponderResources uint8
	InitiatorDepth     uint8
	RetryCount         uint8
	RNRRetryCount      uint8
}

// QPInitAttr describes the reliable-connected queue pair of a CommContext.
type QPInitAttr struct {
	SendCQ     CQ
	RecvCQ     CQ
	MaxSendWR  int
	MaxRecvWR  int
	MaxSendSGE int
	MaxRecvSGE int
}

// RecvWR posts one receive buffer.
type RecvWR struct {
	WRID   uint64
	Addr   uint64
	Length uint32
	LKey   uint32
}

// WROpcode selects the operation of a send-queue work request.
type WROpcode int

const (
	WRSend WROpcode = iota
	WRRDMAWrite
	WRRDMARead
)

// SendWR posts one signaled send-queue work request.
type SendWR struct {
	WRID       uint64
	Opcode     WROpcode
	Addr       uint64
	Length     uint32
	LKey       uint32
	RemoteAddr uint64
	RKey       uint32
}

// WCStatus is the completion status, in verbs enumeration order.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocLenErr
	WCLocQPOpErr
	WCLocEECOpErr
	WCLocProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocAccessErr
	WCRemInvReqErr
	WCRemAccessErr
	WCRemOpErr
	WCRetryExcErr
	WCRNRRetryExcErr
	WCLocRDDViolErr
	WCRemInvRDReqErr
	WCRemAbortErr
	WCInvEECNErr
	WCInvEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

var wcStatusText = map[WCStatus]string{
	WCWRFlushErr:     "work request flush error",
	WCRetryExcErr:    "retries exceeded error",
	WCRespTimeoutErr: "response timeout error",
}

// String translates the statuses that show up in practice; everything else
// is reported as undefined together with its numeric value by the caller.
func (s WCStatus) String() string {
	if text, ok := wcStatusText[s]; ok {
		return text
	}
	return "<undefined>"
}

// WCOpcode is the opcode of a completed work request.
type WCOpcode int

const (
	WCOpSend WCOpcode = iota
	WCOpRDMAWrite
	WCOpRDMARead
	WCOpRecv
)

func (o WCOpcode) String() string {
	switch o {
	case WCOpSend:
		return "SEND"
	case WCOpRDMAWrite:
		return "RDMA_WRITE"
	case WCOpRDMARead:
		return "RDMA_READ"
	case WCOpRecv:
		return "RECV"
	default:
		return "UNKNOWN"
	}
}

// WorkCompletion is one polled completion record.
type WorkCompletion struct {
	WRID      uint64
	Status    WCStatus
	Opcode    WCOpcode
	VendorErr uint32
	ByteLen   uint32
}

// CMEventType enumerates connection-manager events.
type CMEventType int

const (
	CMEventAddrResolved CMEventType = iota
	CMEventAddrError
	CMEventRouteResolved
	CMEventRouteError
	CMEventConnectRequest
	CMEventConnectResponse
	CMEventConnectError
	CMEventUnreachable
	CMEventRejected
	CMEventEstablished
	CMEventDisconnected
	CMEventDeviceRemoval
	CMEventMulticastJoin
	CMEventMulticastError
	CMEventAddrChange
	CMEventTimewaitExit
)

var cmEventNames = [...]string{
	"ADDR_RESOLVED", "ADDR_ERROR", "ROUTE_RESOLVED", "ROUTE_ERROR",
	"CONNECT_REQUEST", "CONNECT_RESPONSE", "CONNECT_ERROR", "UNREACHABLE",
	"REJECTED", "ESTABLISHED", "DISCONNECTED", "DEVICE_REMOVAL",
	"MULTICAST_JOIN", "MULTICAST_ERROR", "ADDR_CHANGE", "TIMEWAIT_EXIT",
}

func (t CMEventType) String() string {
	if int(t) >= 0 && int(t) < len(cmEventNames) {
		return cmEventNames[t]
	}
	return "UNKNOWN"
}

// RejectReason is the consumer-visible status of a Rejected event.
type RejectReason int

// RejectStaleConn is the InfiniBand CM reject reason for a stale connection.
const RejectStaleConn RejectReason = 10

// CMEvent is one connection-manager event.
type CMEvent struct {
	Type        CMEventType
	ID          CMID
	Status      RejectReason
	PrivateData []byte
}

// CMEventHandler receives CM events on the provider's event goroutine.
// Returning a non-nil error makes the provider destroy the identifier.
type CMEventHandler func(ev *CMEvent) error
