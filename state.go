package rbtp

import (
	"context"
	"fmt"
	"time"
)

// ConnState is the state of a connection.
type ConnState int32

const (
	// StateClosed is both the initial and the terminal state.
	StateClosed ConnState = iota
	// StateSynSent: SYN sent, waiting for the challenge.
	StateSynSent
	// StateSynRcvd: SYN received, challenge sent, waiting for the solution.
	StateSynRcvd
	// StateAckChaSent: challenge solved and sent, waiting for ACK or REJ.
	StateAckChaSent
	// StateEstablished: data flows both ways.
	StateEstablished
	// StateFinWait1: our FIN is sent and not yet acknowledged.
	StateFinWait1
	// StateFinWait2: our FIN is acknowledged, waiting for the peer's FIN.
	StateFinWait2
	// StateClosing: both sides sent FIN, ours is not yet acknowledged.
	StateClosing
	// StateCloseWait: the peer's FIN arrived, ours is not sent yet.
	StateCloseWait
	// StateLastAck: our FIN follows the peer's, waiting for its ACK.
	StateLastAck
	// StateTimedWait: teardown done, lingering for stray packets.
	StateTimedWait
)

// String returns a human-readable representation of the connection state.
func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateAckChaSent:
		return "ACK_CHA_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateClosing:
		return "CLOSING"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimedWait:
		return "TIMED_WAIT"
	default:
		return "UNKNOWN"
	}
}

// isHandshaking reports whether the state belongs to connection setup.
func (s ConnState) isHandshaking() bool {
	return s == StateSynSent || s == StateSynRcvd || s == StateAckChaSent
}

// isSynchronized reports whether the handshake has completed and teardown
// has not finished, i.e. data and ACK packets are meaningful.
func (s ConnState) isSynchronized() bool {
	switch s {
	case StateEstablished, StateFinWait1, StateFinWait2,
		StateClosing, StateCloseWait, StateLastAck:
		return true
	}
	return false
}

// receiveState is the receive loop's private bookkeeping.
type receiveState struct {
	pending      []*Packet // data segments not yet acknowledged
	firstPending time.Time

	idleState ConnState
	idlePolls int // consecutive empty polls spent in idleState
}

// receiveLoop is the receiver worker. It feeds inbound packets through the
// state machine, batches data segments into echo ACKs, and on silence
// resends handshake packets or counts down the TIMED_WAIT linger.
func (c *Conn) receiveLoop(ctx context.Context) error {
	c.log.Debug().Msg("receive loop started")
	defer c.log.Debug().Msg("receive loop stopped")

	r := &receiveState{}
	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	for {
		if c.State() == StateClosed {
			return nil
		}

		if len(r.pending) > 0 && (len(c.inbound) == 0 || time.Since(r.firstPending) >= c.cfg.Timeout/2) {
			c.flushAcks(r.pending)
			r.pending = nil
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.cfg.Timeout)

		select {
		case <-ctx.Done():
			return nil

		case p := <-c.inbound:
			if err := c.processPacket(p, r); err != nil {
				c.log.Warn().
					Err(err).
					Uint32("seq", p.SequenceNumber).
					Str("flags", p.Flags.String()).
					Msg("closing connection")
				c.fail(err)
			}

		case <-timer.C:
			c.handleIdle(r)
		}
	}
}

// processPacket dispatches p by the current state.
func (c *Conn) processPacket(p *Packet, r *receiveState) error {
	st := c.State()
	c.log.Debug().
		Uint32("seq", p.SequenceNumber).
		Str("flags", p.Flags.String()).
		Int("payload", len(p.Payload)).
		Str("state", st.String()).
		Msg("processing packet")

	switch {
	case st == StateSynSent:
		return c.handleSynSent(p)
	case st == StateSynRcvd:
		return c.handleSynRcvd(p)
	case st == StateAckChaSent:
		return c.handleAckChaSent(p)
	case st.isSynchronized():
		return c.handleSynchronized(p, r)
	case st == StateTimedWait:
		r.idlePolls = 0
		if (p.Flags.FIN || (p.Flags.ACK && p.Flags.CHA)) && c.lastInit != nil {
			c.send(c.lastInit)
		}
	}
	return nil
}

// handleIdle runs when no packet arrived for a whole Timeout.
func (c *Conn) handleIdle(r *receiveState) {
	st := c.State()
	if st != r.idleState {
		r.idleState = st
		r.idlePolls = 0
	}
	r.idlePolls++

	switch {
	case st == StateTimedWait:
		if r.idlePolls >= c.cfg.LingerPolls {
			c.log.Debug().Int("polls", r.idlePolls).Msg("linger expired")
			c.setState(StateClosed)
		}
	case st.isHandshaking():
		if r.idlePolls > c.cfg.HandshakeRetries {
			c.log.Warn().Str("state", st.String()).Msg("handshake timed out")
			c.fail(fmt.Errorf("no handshake reply after %d retries", c.cfg.HandshakeRetries))
			return
		}
		if c.lastInit != nil {
			c.log.Debug().Int("retry", r.idlePolls).Msg("timeout, resending handshake packet")
			c.send(c.lastInit)
		}
	}
}

// handleSynSent expects the server's SYN+CHA and answers it with the
// solved challenge.
func (c *Conn) handleSynSent(p *Packet) error {
	if p.Flags.RST {
		return ErrConnReset
	}
	if !p.Flags.SYN || !p.Flags.CHA {
		return c.violation(p, "expected SYN+CHA")
	}
	challenge, err := ParseChallenge(p.Metadata)
	if err != nil || challenge.Difficulty > MaxDifficulty {
		return c.violation(p, "unsolvable challenge")
	}

	resp := c.newPacket(seqAdd(c.lastInit.SequenceNumber, 1), c.cfg.MaxWindow)
	resp.Flags.ACK = true
	resp.Flags.CHA = true

	start := time.Now()
	nonce, err := solveChallenge(c.ctx, resp, challenge, c.hash)
	if err != nil {
		return err
	}
	c.log.Debug().
		Uint64("nonce", nonce).
		Uint8("difficulty", challenge.Difficulty).
		Dur("took", time.Since(start)).
		Msg("solved challenge, sent ACK+CHA")

	c.lastInit = resp
	if c.setState(StateAckChaSent) {
		c.send(resp)
	}
	return nil
}

// handleSynRcvd expects the client's ACK+CHA and checks its solution.
func (c *Conn) handleSynRcvd(p *Packet) error {
	switch {
	case p.Flags.SYN:
		c.log.Debug().Msg("repeated SYN, resending SYN+CHA")
		c.send(c.lastInit)
		return nil

	case p.Flags.ACK && p.Flags.CHA:
		reply := c.newPacket(seqAdd(c.lastInit.SequenceNumber, 1), c.cfg.MaxWindow)
		c.lastInit = reply

		if !c.solutionValid(p) {
			c.log.Warn().Msg("client failed challenge, rejecting")
			reply.Flags.REJ = true
			c.send(reply)
			c.setState(StateTimedWait)
			return nil
		}

		reply.Flags.ACK = true
		c.in.init(p.SequenceNumber)
		c.out.init(p.Window(), reply.SequenceNumber)
		c.send(reply)
		c.setState(StateEstablished)
		return nil
	}
	return c.violation(p, "expected ACK+CHA")
}

// solutionValid checks the client's answer to the issued challenge. The
// solution must also lie near the issued nonce, so a client cannot reuse
// one precomputed for another server nonce.
func (c *Conn) solutionValid(p *Packet) bool {
	if !verifyChallenge(p, c.challenge.Difficulty, c.hash) {
		return false
	}
	solved, err := ParseChallenge(p.Metadata)
	if err != nil {
		return false
	}
	return withinSearchBound(c.challenge, solved)
}

// handleAckChaSent waits for the server's verdict on our solution.
func (c *Conn) handleAckChaSent(p *Packet) error {
	switch {
	case p.Flags.SYN && p.Flags.CHA:
		c.log.Debug().Msg("repeated SYN+CHA, resending ACK+CHA")
		c.send(c.lastInit)
		return nil

	case p.Flags.REJ:
		return ErrChallengeRejected

	case p.Flags.RST:
		return ErrConnReset

	case p.Flags.ACK:
		c.in.init(p.SequenceNumber)
		c.out.init(p.Window(), c.lastInit.SequenceNumber)
		c.lastInit = nil
		c.setState(StateEstablished)
		return nil

	case p.IsData():
		// The server's final ACK was lost; its data will be resent.
		c.log.Debug().Uint32("seq", p.SequenceNumber).Msg("data before ACK, dropping")
		return nil
	}
	return c.violation(p, "expected ACK or REJ")
}

// handleSynchronized handles packets once the handshake is done.
func (c *Conn) handleSynchronized(p *Packet, r *receiveState) error {
	switch {
	case p.Flags.ACK && p.Flags.CHA:
		if c.lastInit != nil {
			c.log.Debug().Msg("repeated ACK+CHA, resending ACK")
			c.send(c.lastInit)
		}
		return nil

	case p.Flags.ACK:
		select {
		case c.out.acks <- p:
		default:
			c.stats.dropped.Add(1)
		}
		return nil

	case p.Flags.FIN:
		c.receiveFin(p)
		return nil

	case p.Flags.REJ || p.Flags.RST || p.Flags.SYN:
		return c.violation(p, "connection already established")
	}

	c.stats.data.Add(1)
	var added bool
	if r.pending, added = addPending(r.pending, p); !added {
		c.stats.duplicates.Add(1)
		return nil
	}
	if len(r.pending) == 1 {
		r.firstPending = time.Now()
	}
	return nil
}

// receiveFin acknowledges the peer's FIN and starts closing our side.
func (c *Conn) receiveFin(p *Packet) {
	finAck := c.newPacket(c.out.nextSeq(), c.cfg.MaxWindow)
	finAck.Flags.ACK = true
	finAck.SetAckSequences([]uint32{p.SequenceNumber})
	c.lastInit = finAck

	c.transition(finReceivedTransitions)
	c.log.Debug().
		Uint32("seq", p.SequenceNumber).
		Str("state", c.State().String()).
		Msg("received FIN")
	c.send(finAck)

	c.requestClose.Store(true)
	c.in.wake()
	c.out.wake()
}

// maxAcksPerPacket keeps ACK datagrams no larger than a full data segment.
const maxAcksPerPacket = MaxPayloadSize / 4

// flushAcks drains the pending segments into the receive buffer and
// echoes their sequence numbers back to the sender.
func (c *Conn) flushAcks(pending []*Packet) {
	res := c.in.drain(pending, c.cfg.MaxWindow)
	c.stats.duplicates.Add(uint64(res.duplicates))

	for echoed := res.echoed; len(echoed) > 0; {
		n := min(len(echoed), maxAcksPerPacket)
		ack := c.newPacket(c.out.nextSeq(), res.window)
		ack.Flags.ACK = true
		ack.SetAckSequences(echoed[:n])
		c.send(ack)
		echoed = echoed[n:]
	}
	c.log.Debug().
		Int("segments", len(pending)).
		Int("echoed", len(res.echoed)).
		Int("window", res.window).
		Msg("sent ACK")
}

func (c *Conn) violation(p *Packet, expected string) error {
	c.stats.protocolViolations.Add(1)
	return fmt.Errorf("%w: %s packet in %s, %s", ErrProtocolViolation, p.Flags, c.State(), expected)
}
