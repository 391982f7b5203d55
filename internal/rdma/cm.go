package rdma

import (
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
)

// Reject reasons used by connection managers besides RejectStaleConn.
const (
	RejectInvalidServiceID RejectReason = 8
	RejectConsumerDefined  RejectReason = 28
)

func (s *Socket) loadState() connState { return connState(s.state.Load()) }

// setState publishes a new connection state and wakes the connect waiter.
func (s *Socket) setState(st connState) {
	s.state.Store(int32(st))
	select {
	case s.stateWake <- struct{}{}:
	default:
	}
}

// waitStateChange blocks until the state differs from old. It takes no
// context: every attempt ends with the event handler settling the state.
func (s *Socket) waitStateChange(old connState) connState {
	for {
		if st := s.loadState(); st != old {
			return st
		}
		<-s.stateWake
	}
}

func (s *Socket) currentID() CMID { return CMID(s.cmID.Load()) }

// handleCMEvent runs on the connection manager's goroutine. It only
// touches the state, the error flag, the remote descriptor and, on device
// removal, the comm context.
func (s *Socket) handleCMEvent(ev *CMEvent) error {
	log.Debug().Str("conn", s.label).Str("event", ev.Type.String()).Uint64("cm_id", uint64(ev.ID)).Msg("CM event")

	if ev.Type != CMEventConnectRequest && ev.ID != s.currentID() {
		// late event for an identifier replaced by a stale retry
		return nil
	}

	var (
		retErr   error
		failed   bool
		newState = stateFailed
	)

	switch ev.Type {
	case CMEventAddrResolved:
		if err := s.v.ResolveRoute(ev.ID, s.tun.ConnTimeout); err != nil {
			log.Error().Err(err).Str("conn", s.label).Msg("Failed to resolve route")
			failed = true
		}

	case CMEventAddrError, CMEventRouteError, CMEventConnectError, CMEventUnreachable:
		failed = true

	case CMEventRouteResolved:
		s.setState(stateRouteResolved)

	case CMEventConnectRequest:
		// outbound only
		log.Warn().Str("conn", s.label).Uint64("cm_id", uint64(ev.ID)).Msg("Rejecting inbound connection request")
		if err := s.v.Reject(ev.ID, nil); err != nil {
			log.Debug().Err(err).Str("conn", s.label).Msg("Failed to reject connection request")
		}
		s.metrics.add(s.metrics.connectFailures, 1, opAttr("inbound"))
		return ErrInboundRejected

	case CMEventConnectResponse:
		// only delivered to passive sides of an accept exchange
		if err := s.v.Reject(ev.ID, nil); err != nil {
			log.Debug().Err(err).Str("conn", s.label).Msg("Failed to reject connect response")
		}
		failed = true

	case CMEventRejected:
		log.Debug().Str("conn", s.label).Int("reason", int(ev.Status)).Msg("Connection rejected")
		if ev.Status == RejectStaleConn {
			newState = stateRejectedStale
		}
		failed = true

	case CMEventEstablished:
		dest, err := parseCommDest(ev.PrivateData)
		if err != nil {
			log.Error().Err(err).Str("conn", s.label).Msg("Invalid handshake from peer")
			s.markBroken(err)
			failed = true
			break
		}
		s.remoteDest.Store(dest)
		s.setState(stateEstablished)

	case CMEventDisconnected:
		if err := s.v.Disconnect(ev.ID); err != nil {
			log.Debug().Err(err).Str("conn", s.label).Msg("Disconnect after peer disconnect failed")
		}
		s.markBroken(fmt.Errorf("%w: peer disconnected", ErrConnectionBroken))

	case CMEventDeviceRemoval:
		// the device is gone once we return, so release everything now
		s.markBroken(ErrDeviceRemoved)
		if c := s.comm.Swap(nil); c != nil {
			c.teardown()
		}
		retErr = ErrDeviceRemoved
		failed = true

	default:
		log.Debug().Str("conn", s.label).Str("event", ev.Type.String()).Msg("Ignoring CM event")
	}

	if retErr != nil {
		// the connection manager destroys the identifier itself
		s.cmID.CompareAndSwap(uint64(ev.ID), 0)
		s.markBroken(retErr)
	}

	// waiters must only see the new state after the identifier is settled
	if failed {
		s.setState(newState)
	}
	return retErr
}

// renewID swaps in a fresh identifier after a stale rejection, dropping
// the old one together with the comm context built on it.
func (s *Socket) renewID() error {
	newID, err := s.v.CreateID(s.handleCMEvent)
	if err != nil {
		return fmt.Errorf("create connection identifier: %w", err)
	}

	if c := s.comm.Swap(nil); c != nil {
		c.teardown()
	}
	if old := CMID(s.cmID.Swap(uint64(newID))); old != 0 {
		if err := s.v.DestroyID(old); err != nil {
			log.Debug().Err(err).Str("conn", s.label).Msg("Failed to destroy stale identifier")
		}
	}
	s.remoteDest.Store(nil)
	s.setState(stateUnconnected)
	return nil
}

// routeResolved builds the comm context and sends the connect request
// carrying our descriptor.
func (s *Socket) routeResolved(cfg CommConfig) error {
	id := s.currentID()
	c, err := newCommContext(s.v, id, cfg)
	if err != nil {
		return fmt.Errorf("create comm context: %w", err)
	}
	// device removal may tear c down as soon as it is published
	c.mu.Lock()
	s.comm.Store(c)
	dest := c.localDest()
	c.mu.Unlock()
	s.localDest = &dest
	payload, err := dest.MarshalBinary()
	if err != nil {
		return err
	}

	param := &ConnParam{
		PrivateData:        payload,
		ResponderResources: 1,
		InitiatorDepth:     1,
		RetryCount:         7,
		RNRRetryCount:      7,
	}
	if err := s.v.Connect(id, param); err != nil {
		return fmt.Errorf("connect request: %w", err)
	}
	return nil
}

// ConnectByIP establishes the connection, retrying with fresh identifiers
// while the peer rejects us as stale.
func (s *Socket) ConnectByIP(ip net.IP, port uint16, cfg CommConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !s.SockValid() || s.currentID() == 0 {
		return fmt.Errorf("%w: no connection identifier", ErrNotConnected)
	}

	dst := &net.TCPAddr{IP: ip, Port: int(port)}
	logger := log.With().Str("conn", s.label).Str("peer", dst.String()).Logger()

	fail := func(err error) error {
		s.metrics.add(s.metrics.connectFailures, 1, opAttr("connect"))
		s.markBroken(err)
		return err
	}

	for {
		s.metrics.add(s.metrics.connectAttempts, 1)
		s.setState(stateConnecting)

		id := s.currentID()
		if s.typeOfService != 0 {
			if err := s.v.SetTOS(id, s.typeOfService); err != nil {
				logger.Warn().Err(err).Uint8("tos", s.typeOfService).Msg("Failed to set type of service")
			}
		}

		if err := s.v.ResolveAddr(id, dst, s.tun.ConnTimeout); err != nil {
			logger.Error().Err(err).Msg("Address resolution failed")
			return fail(fmt.Errorf("resolve address %s: %w", dst, err))
		}

		if st := s.waitStateChange(stateConnecting); st != stateRouteResolved {
			logger.Debug().Str("state", st.String()).Msg("Route resolution failed")
			if s.broken.Load() {
				return fail(s.brokenError())
			}
			return fail(fmt.Errorf("%w: resolving %s ended in state %s", ErrConnectionRefused, dst, st))
		}

		if err := s.routeResolved(cfg); err != nil {
			logger.Error().Err(err).Msg("Connection setup failed")
			return fail(err)
		}

		st := s.waitStateChange(stateRouteResolved)
		switch st {
		case stateEstablished:
			if s.staleRetries > 0 {
				logger.Info().Int("stale_retries", s.staleRetries).Msgf("Succeeded after %d stale retries", s.staleRetries)
			}
			s.peer = dst
			logger.Debug().Msg("Connection established")
			return nil

		case stateRejectedStale:
			if s.staleRetries >= s.tun.StaleRetries {
				logger.Error().Int("stale_retries", s.staleRetries).Msgf("Giving up after %d stale retries", s.staleRetries)
				return fail(fmt.Errorf("%w: %d retries to %s", ErrStaleRetriesExhausted, s.staleRetries, dst))
			}
			if s.staleRetries == 0 {
				logger.Warn().Msg("Stale connection detected. Retrying with a new communication ID.")
			} else {
				logger.Debug().Int("retry", s.staleRetries+1).Msg("Stale connection, retrying")
			}
			s.staleRetries++
			s.metrics.add(s.metrics.staleRetries, 1)

			if err := s.renewID(); err != nil {
				logger.Error().Err(err).Msg("Failed to renew connection identifier")
				return fail(err)
			}

		default:
			if s.broken.Load() {
				return fail(s.brokenError())
			}
			return fail(fmt.Errorf("%w: connecting to %s ended in state %s", ErrConnectionRefused, dst, st))
		}
	}
}
