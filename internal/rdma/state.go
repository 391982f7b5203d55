package rdma

// connState is the connection-manager state of a Socket.
type connState int32

const (
	stateUnconnected connState = iota
	stateConnecting
	stateRouteResolved
	stateEstablished
	stateFailed
	stateRejectedStale
)

func (s connState) String() string {
	switch s {
	case stateUnconnected:
		return "unconnected"
	case stateConnecting:
		return "connecting"
	case stateRouteResolved:
		return "route-resolved"
	case stateEstablished:
		return "established"
	case stateFailed:
		return "failed"
	case stateRejectedStale:
		return "rejected-stale"
	default:
		return "unknown"
	}
}

// MsgFlags modifies Send and Recv.
type MsgFlags int

const (
	// MsgDontWait turns a call into a non-blocking one that reports
	// ErrWouldBlock instead of waiting.
	MsgDontWait MsgFlags = 1 << iota
)

// PollEvents is a readiness mask for Poll.
type PollEvents int

const (
	PollIn PollEvents = 1 << iota
	PollOut
	PollErr
)

func (e PollEvents) String() string {
	s := ""
	for _, f := range []struct {
		bit  PollEvents
		name string
	}{{PollIn, "IN"}, {PollOut, "OUT"}, {PollErr, "ERR"}} {
		if e&f.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += f.name
		}
	}
	if s == "" {
		return "0"
	}
	return s
}
