package rbtp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Conn is one end of an RBTP connection. It implements net.Conn.
//
// A Conn is created CLOSED, bound to a Channel, and then either connects
// (client side) or accepts a SYN (server side). Two workers drive it: the
// receive loop runs the state machine and the receiver, the send loop runs
// the sender. When the connection reaches CLOSED both workers exit and the
// channel is unbound.
type Conn struct {
	cfg *Config
	log zerolog.Logger

	mu         sync.Mutex
	state      atomic.Int32 // ConnState; written only with mu held
	terminated bool         // CLOSED was entered; no further transitions
	ch         Channel
	remote     *Addr
	challenge  Challenge // issued to the peer (server side)
	failure    error

	wasEstablished bool

	// lastInit is the last handshake or teardown packet sent. It is resent
	// on silence during the handshake and on repeats from the peer. Owned
	// by the receive loop once the workers run.
	lastInit *Packet

	requestClose atomic.Bool
	blocking     atomic.Bool

	in      *inputStream
	out     *outputStream
	inbound chan *Packet

	hash hashFunc

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	startOnce sync.Once
	readyOnce sync.Once
	doneOnce  sync.Once
	ready     chan struct{}
	done      chan struct{}

	stats connCounters
}

// NewConn creates an unbound connection. A nil cfg means DefaultConfig.
func NewConn(cfg *Config) (*Conn, error) {
	cfg = cfg.orDefault()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	in, err := newInputStream(cfg)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		cfg:     cfg,
		log:     log.Logger,
		in:      in,
		out:     newOutputStream(cfg),
		inbound: make(chan *Packet, cfg.InboundQueueSize),
		hash:    sha1Hash,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.blocking.Store(true)
	return c, nil
}

// Bind attaches the connection to a channel.
func (c *Conn) Bind(ch Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil {
		return ErrAlreadyBound
	}
	c.ch = ch
	c.log = log.With().Uint16("localPort", ch.Port()).Logger()
	return nil
}

// Connect performs the client side of the handshake with addr, which must
// be an *Addr. It blocks until the connection is established, the
// handshake fails, or ctx is done; in the last two cases the connection is
// closed.
func (c *Conn) Connect(ctx context.Context, addr net.Addr) error {
	remote, ok := addr.(*Addr)
	if !ok || remote == nil {
		return ErrBadAddress
	}

	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if c.remote != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	if c.ch == nil {
		c.mu.Unlock()
		return ErrNotBound
	}
	isn, err := randomSequence()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.remote = remote
	c.log = c.log.With().Str("remote", remote.String()).Logger()

	syn := c.newPacket(isn, c.cfg.MaxWindow)
	syn.Flags.SYN = true
	c.lastInit = syn
	c.setStateLocked(StateSynSent)
	c.mu.Unlock()

	c.log.Info().Uint32("seq", isn).Msg("connecting, sent SYN")
	c.send(syn)
	c.start()

	select {
	case <-c.ready:
	case <-ctx.Done():
		c.fail(ctx.Err())
		<-c.ready
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wasEstablished {
		return nil
	}
	switch {
	case errors.Is(c.failure, ErrChallengeRejected):
		return c.failure
	case c.failure != nil:
		return fmt.Errorf("%w: %w", ErrConnectFailed, c.failure)
	default:
		return ErrConnectFailed
	}
}

// accept performs the server side of the handshake for syn: it answers
// with a SYN+CHA carrying a fresh challenge.
func (c *Conn) accept(syn *Packet) error {
	remote, ok := syn.Addr.(*Addr)
	if !ok || remote == nil {
		return ErrBadAddress
	}

	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if c.remote != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	if c.ch == nil {
		c.mu.Unlock()
		return ErrNotBound
	}
	challenge, err := GenerateChallenge(c.cfg.Difficulty)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	isn, err := randomSequence()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.remote = remote
	c.log = c.log.With().Str("remote", remote.String()).Logger()
	c.challenge = challenge

	cha := c.newPacket(isn, c.cfg.MaxWindow)
	cha.Flags.SYN = true
	cha.Flags.CHA = true
	cha.Metadata = challenge.Bytes()
	c.lastInit = cha
	c.setStateLocked(StateSynRcvd)
	c.mu.Unlock()

	c.log.Info().
		Uint32("seq", isn).
		Uint8("difficulty", challenge.Difficulty).
		Msg("accepted SYN, sent SYN+CHA")
	c.send(cha)
	c.start()
	return nil
}

// deliver queues an inbound packet for the receive loop. Packets arriving
// at a full queue are dropped; retransmission recovers them.
func (c *Conn) deliver(p *Packet) {
	c.stats.received.Add(1)
	select {
	case c.inbound <- p:
	default:
		c.stats.dropped.Add(1)
		c.log.Debug().Uint32("seq", p.SequenceNumber).Msg("inbound queue full, dropping packet")
	}
}

func (c *Conn) start() {
	c.startOnce.Do(func() {
		var ctx context.Context
		c.group, ctx = errgroup.WithContext(c.ctx)
		c.group.Go(func() error { return c.sendLoop(ctx) })
		c.group.Go(func() error { return c.receiveLoop(ctx) })

		go func() {
			if err := c.group.Wait(); err != nil {
				c.log.Warn().Err(err).Msg("connection worker failed")
			}
			c.log.Debug().Msg("workers stopped, unbinding")
			c.release()
		}()
	})
}

// release unbinds the channel and marks the connection done.
func (c *Conn) release() {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		ch := c.ch
		c.mu.Unlock()
		if ch != nil {
			ch.Unbind()
		}
		close(c.done)
	})
}

// newPacket builds a packet addressed to the peer. Callers must not hold
// c.mu unless they set remote themselves.
func (c *Conn) newPacket(seq uint32, window int) *Packet {
	p := &Packet{
		SourcePort:      c.ch.Port(),
		DestinationPort: c.remote.Port,
		SequenceNumber:  seq,
		Addr:            c.remote,
	}
	p.SetWindow(window)
	return p
}

func (c *Conn) send(p *Packet) {
	c.stats.sent.Add(1)
	if err := c.ch.Send(p, c.remote); err != nil {
		c.log.Debug().Err(err).Str("packet", p.String()).Msg("send failed")
	}
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// setStateLocked moves to s. CLOSED, once entered from any other state, is
// terminal. Reports whether the transition happened. c.mu must be held.
func (c *Conn) setStateLocked(s ConnState) bool {
	if c.terminated {
		return false
	}
	prev := c.State()
	if prev == s && s != StateClosed {
		return true
	}
	c.state.Store(int32(s))

	c.log.Debug().
		Str("from", prev.String()).
		Str("to", s.String()).
		Msg("state transition")

	switch s {
	case StateEstablished:
		c.wasEstablished = true
		c.readyOnce.Do(func() { close(c.ready) })
	case StateClosed:
		c.terminated = true
		c.cancel()
		c.readyOnce.Do(func() { close(c.ready) })
	}
	return true
}

// setState is setStateLocked for callers that do not hold c.mu. It wakes
// blocked readers and writers when the transition affects them.
func (c *Conn) setState(s ConnState) bool {
	c.mu.Lock()
	ok := c.setStateLocked(s)
	c.mu.Unlock()

	if ok {
		switch s {
		case StateEstablished:
			c.log.Info().Msg("connection established")
			c.out.wake()
		case StateClosed:
			c.log.Info().Msg("connection closed")
			c.in.wake()
			c.out.wake()
		}
	}
	return ok
}

// fail records err as the reason for closing and moves to CLOSED.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.failure == nil && !c.terminated {
		c.failure = err
	}
	c.mu.Unlock()
	c.setState(StateClosed)
}

func (c *Conn) isTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// transition moves from one of the given states to the next state mapped
// to it. Reports whether a transition happened.
func (c *Conn) transition(next map[ConnState]ConnState) bool {
	c.mu.Lock()
	to, ok := next[c.State()]
	if ok {
		ok = c.setStateLocked(to)
	}
	c.mu.Unlock()
	return ok
}

var (
	finSentTransitions = map[ConnState]ConnState{
		StateEstablished: StateFinWait1,
		StateCloseWait:   StateLastAck,
	}
	finAckedTransitions = map[ConnState]ConnState{
		StateFinWait1: StateFinWait2,
		StateClosing:  StateTimedWait,
		StateLastAck:  StateTimedWait,
	}
	finReceivedTransitions = map[ConnState]ConnState{
		StateEstablished: StateCloseWait,
		StateFinWait1:    StateClosing,
		StateFinWait2:    StateTimedWait,
	}
)

// beginFin moves to the state that follows sending our FIN. It fails
// unless the connection is ESTABLISHED or CLOSE_WAIT.
func (c *Conn) beginFin() bool {
	return c.transition(finSentTransitions)
}

// finAcknowledged advances teardown once the peer echoed our FIN.
func (c *Conn) finAcknowledged() {
	if c.transition(finAckedTransitions) {
		c.log.Debug().Str("state", c.State().String()).Msg("FIN acknowledged")
	}
}

// Ready returns a channel that is closed once the connection is
// ESTABLISHED or CLOSED, whichever comes first.
func (c *Conn) Ready() <-chan struct{} {
	return c.ready
}

// Done returns a channel that is closed once the workers have exited and
// the channel is unbound.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed abnormally, or nil.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Established reports whether the handshake ever completed.
func (c *Conn) Established() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wasEstablished
}

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() ConnStats {
	return c.stats.snapshot()
}

// Buffered returns the number of bytes Read can return without waiting.
func (c *Conn) Buffered() int {
	return c.in.readable()
}

// SetBlocking selects whether Read and Write wait. Connections start in
// blocking mode.
func (c *Conn) SetBlocking(blocking bool) {
	c.blocking.Store(blocking)
	c.in.wake()
	c.out.wake()
}

// Close requests a graceful close. Data already written is still
// delivered, then the FIN exchange runs in the background; Done reports
// when it finished. A connection still in the handshake is dropped at once.
func (c *Conn) Close() error {
	switch st := c.State(); {
	case st == StateClosed:
		c.mu.Lock()
		started := c.remote != nil
		c.mu.Unlock()
		if !started {
			c.setState(StateClosed)
			c.release()
		}
		return nil
	case st.isHandshaking():
		c.fail(ErrConnClosed)
		return nil
	}

	if c.requestClose.Swap(true) {
		return nil
	}
	c.log.Info().Msg("close requested")
	c.in.wake()
	c.out.wake()
	select {
	case c.out.kick <- struct{}{}:
	default:
	}
	return nil
}

// LocalAddr returns the local address.
// Implements net.Conn interface.
func (c *Conn) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch == nil {
		return &Addr{}
	}
	a := &Addr{Port: c.ch.Port()}
	if la, ok := c.ch.(localAddresser); ok {
		a.Net = la.LocalAddr()
	}
	return a
}

// RemoteAddr returns the peer address, or nil before Connect or accept.
// Implements net.Conn interface.
func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.remote == nil {
		return nil
	}
	return c.remote
}

// SetDeadline sets the read and write deadlines.
// Implements net.Conn interface.
func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

// SetReadDeadline sets the deadline for future Read calls.
// A zero value for t means Read will not time out.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.in.mu.Lock()
	defer c.in.mu.Unlock()

	c.in.deadline = t
	c.in.cond.Broadcast()
	return nil
}

// SetWriteDeadline sets the deadline for future Write calls.
// A zero value for t means Write will not time out.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.out.mu.Lock()
	defer c.out.mu.Unlock()

	c.out.deadline = t
	c.out.cond.Broadcast()
	return nil
}

func randomSequence() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate sequence number: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
