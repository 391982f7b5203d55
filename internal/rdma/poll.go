package rdma

// Poll reports which of events are ready. With finishPoll false, a socket
// that is not ready registers the caller for completion notifications;
// the channels from PollChans then fire on the next relevant completion.
// A final call with finishPoll true deregisters.
func (s *Socket) Poll(events PollEvents, finishPoll bool) PollEvents {
	if s.broken.Load() {
		return PollErr
	}
	c, err := s.lockComm()
	if err != nil {
		return PollErr
	}
	defer c.mu.Unlock()

	// writability may depend on the peer's credit message
	if events&PollOut != 0 && c.credits.sendLeft == 0 {
		events |= PollIn
	}

	var revents PollEvents

	if events&PollIn != 0 || c.pollRecvRegistered {
		ch := c.recvCQ.waitChan()
		ready, err := s.nonblockingRecvCheck(c)
		switch {
		case err != nil:
			s.fatal(err)
			revents |= PollErr
		case ready:
			revents |= PollIn
		}

		if finishPoll {
			c.pollRecvRegistered = false
			c.pollRecvCh = nil
		} else if !ready || c.pollRecvRegistered {
			c.pollRecvRegistered = true
			c.pollRecvCh = ch
		}
	}

	if events&PollOut != 0 || c.pollSendRegistered {
		ch := c.sendCQ.waitChan()
		ready, err := s.nonblockingSendCheck(c)
		switch {
		case err != nil:
			s.fatal(err)
			revents |= PollErr
		case ready:
			revents |= PollOut
		}

		if finishPoll {
			c.pollSendRegistered = false
			c.pollSendCh = nil
		} else if !ready || c.pollSendRegistered {
			c.pollSendRegistered = true
			c.pollSendCh = ch
		}
	}

	if s.broken.Load() {
		revents |= PollErr
	}
	return revents
}

// PollChans returns the notification channels registered by the last Poll.
// Unregistered directions yield nil channels, which never fire in a select.
func (s *Socket) PollChans() (recv, send <-chan struct{}) {
	c := s.comm.Load()
	if c == nil {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pollRecvCh, c.pollSendCh
}
