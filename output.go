package rbtp

import (
	"context"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"
)

// outputStream is the sending half of a connection. Application writes
// land in ring; the send loop cuts them into segments, keeps every segment
// in outstanding until the peer echoes its sequence number, and resends the
// whole outstanding set when acknowledgements stop arriving.
type outputStream struct {
	mu   sync.Mutex
	cond *sync.Cond // signalled when buffer space frees up or the connection closes

	ring     *ringbuffer.RingBuffer
	inFlight int // bytes taken out of ring that are not yet acknowledged

	initialized bool
	base        uint32 // first unacknowledged sequence number
	next        uint32 // sequence number of the next byte or FIN to send
	peerWindow  int

	outstanding []*Packet
	lastResend  time.Time

	deadline time.Time

	acks chan *Packet
	kick chan struct{}
}

func newOutputStream(cfg *Config) *outputStream {
	o := &outputStream{
		ring: ringbuffer.New(cfg.SendBufferSize),
		acks: make(chan *Packet, cfg.InboundQueueSize),
		kick: make(chan struct{}, 1),
	}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// init starts the stream once the handshake has fixed the first sequence
// number and the peer's window.
func (o *outputStream) init(peerWindow int, seq uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.peerWindow = peerWindow
	o.base = seq
	o.next = seq
	o.initialized = true
	o.cond.Broadcast()
}

// nextSeq returns the sequence number the next outgoing segment will carry.
func (o *outputStream) nextSeq() uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.next
}

// writeLocked copies as much of p as fits. Bytes in flight still count
// against the buffer, so space frees up only when a burst is acknowledged.
func (o *outputStream) writeLocked(p []byte) int {
	free := o.ring.Free() - o.inFlight
	if free <= 0 || len(p) == 0 {
		return 0
	}
	if len(p) > free {
		p = p[:free]
	}
	n, _ := o.ring.Write(p)
	if n > 0 {
		select {
		case o.kick <- struct{}{}:
		default:
		}
	}
	return n
}

func (o *outputStream) wake() {
	o.mu.Lock()
	o.cond.Broadcast()
	o.mu.Unlock()
}

// Write queues b for transmission.
//
// In non-blocking mode Write accepts what fits in the send buffer and
// returns at once; a zero count means the buffer is full. In blocking mode
// it waits for buffer space until all of b is queued, the write deadline
// passes, or the connection starts closing.
func (c *Conn) Write(b []byte) (int, error) {
	o := c.out
	o.mu.Lock()
	defer o.mu.Unlock()

	total := 0
	for {
		if err := c.writeStateErr(); err != nil {
			return total, err
		}
		if !o.initialized {
			if !c.blocking.Load() || !c.State().isHandshaking() {
				return total, ErrNotEstablished
			}
		} else {
			total += o.writeLocked(b[total:])
			if total == len(b) || !c.blocking.Load() {
				return total, nil
			}
		}
		if err := waitLocked(o.cond, o.deadline); err != nil {
			return total, err
		}
	}
}

// writeStateErr reports why no more data may be queued, if any.
func (c *Conn) writeStateErr() error {
	switch {
	case c.isTerminated():
		return ErrConnClosed
	case c.requestClose.Load():
		return ErrConnClosing
	}
	return nil
}

// sendLoop is the sender worker. It wakes at least every Timeout to
// transmit buffered data, retire acknowledged segments, and resend the
// outstanding set when the peer goes quiet.
func (c *Conn) sendLoop(ctx context.Context) error {
	c.log.Debug().Msg("send loop started")
	defer c.log.Debug().Msg("send loop stopped")

	timeouts := 0
	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	for {
		if c.State() == StateClosed {
			return nil
		}

		c.transmitPending()

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

		case <-c.out.kick:

		case ack := <-c.out.acks:
			timeouts = 0
			c.handleAck(ack)

		case <-timer.C:
			if c.out.outstandingCount() == 0 {
				continue
			}
			timeouts++
			if timeouts >= c.cfg.MaxConsecutiveTimeouts {
				c.log.Warn().Int("timeouts", timeouts).Msg("peer stopped acknowledging, closing")
				c.fail(ErrLinkDead)
				return nil
			}
			c.resendOutstanding()
		}
	}
}

func (o *outputStream) outstandingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.outstanding)
}

// transmitPending sends a new burst when the previous one is fully
// acknowledged, or the FIN once everything is delivered and a close was
// requested.
func (c *Conn) transmitPending() {
	o := c.out
	o.mu.Lock()
	if !o.initialized || len(o.outstanding) > 0 {
		o.mu.Unlock()
		return
	}

	buffered := o.ring.Length()
	if buffered == 0 {
		o.mu.Unlock()
		if c.requestClose.Load() {
			c.sendFin()
		}
		return
	}
	if o.peerWindow <= 0 {
		o.mu.Unlock()
		return
	}

	n := min(buffered, o.peerWindow)
	o.peerWindow -= n

	burst := make([]*Packet, 0, (n+c.cfg.MaxPayloadSize-1)/c.cfg.MaxPayloadSize)
	for n > 0 {
		size := min(n, c.cfg.MaxPayloadSize)
		payload := make([]byte, size)
		if _, err := o.ring.Read(payload); err != nil {
			c.log.Error().Err(err).Msg("send buffer underflow")
			break
		}

		p := c.newPacket(o.next, c.cfg.MaxWindow)
		p.Payload = payload
		burst = append(burst, p)
		o.outstanding = append(o.outstanding, p)

		o.next = seqAdd(o.next, size)
		o.inFlight += size
		n -= size
	}
	o.mu.Unlock()

	if len(burst) == 0 {
		return
	}
	c.log.Debug().
		Int("segments", len(burst)).
		Uint32("firstSeq", burst[0].SequenceNumber).
		Msg("sending burst")
	for _, p := range burst {
		c.send(p)
	}

	o.mu.Lock()
	o.lastResend = time.Now()
	o.mu.Unlock()
}

// sendFin emits the FIN, which consumes one sequence number and stays
// outstanding like any segment until the peer echoes it.
func (c *Conn) sendFin() {
	if !c.beginFin() {
		return
	}

	o := c.out
	o.mu.Lock()
	fin := c.newPacket(o.next, c.cfg.MaxWindow)
	fin.Flags.FIN = true
	o.outstanding = append(o.outstanding, fin)
	o.next = seqAdd(o.next, 1)
	o.mu.Unlock()

	c.log.Debug().
		Uint32("seq", fin.SequenceNumber).
		Str("state", c.State().String()).
		Msg("close requested, sent FIN")
	c.send(fin)

	o.mu.Lock()
	o.lastResend = time.Now()
	o.mu.Unlock()
}

// handleAck takes the peer's window from any ACK and retires every
// outstanding segment whose sequence number it echoes. Echoes outside
// [base, next) are stale and ignored.
func (c *Conn) handleAck(ack *Packet) {
	o := c.out
	o.mu.Lock()
	o.peerWindow = ack.Window()
	if len(ack.Metadata) == 0 {
		o.mu.Unlock()
		c.log.Debug().Uint32("seq", ack.SequenceNumber).Msg("ACK without acknowledgements")
		return
	}

	sent := seqDiff(o.base, o.next)
	finAcked := false
	for _, seq := range ack.AckSequences() {
		if !seqInWindow(seq, o.base, sent) {
			continue
		}
		for i, p := range o.outstanding {
			if p.SequenceNumber != seq {
				continue
			}
			o.outstanding = append(o.outstanding[:i], o.outstanding[i+1:]...)
			if p.Flags.FIN {
				finAcked = true
			}
			break
		}
	}

	if len(o.outstanding) == 0 {
		o.base = o.next
		o.inFlight = 0
		o.cond.Broadcast()
	}
	o.mu.Unlock()

	if finAcked {
		c.finAcknowledged()
	}
	c.resendOutstanding()
}

// resendOutstanding retransmits the whole outstanding set if at least two
// timeouts passed since the last transmission.
func (c *Conn) resendOutstanding() {
	o := c.out
	o.mu.Lock()
	if len(o.outstanding) == 0 || time.Since(o.lastResend) < 2*c.cfg.Timeout {
		o.mu.Unlock()
		return
	}
	resend := make([]*Packet, len(o.outstanding))
	copy(resend, o.outstanding)
	o.mu.Unlock()

	c.log.Debug().Int("segments", len(resend)).Msg("resending outstanding segments")
	for _, p := range resend {
		c.stats.retransmissions.Add(1)
		c.send(p)
	}

	o.mu.Lock()
	o.lastResend = time.Now()
	o.mu.Unlock()
}

// waitLocked waits on cond until it is signalled or deadline passes.
// cond.L must be held. A zero deadline waits indefinitely.
func waitLocked(cond *sync.Cond, deadline time.Time) error {
	if deadline.IsZero() {
		cond.Wait()
		return nil
	}

	d := time.Until(deadline)
	if d <= 0 {
		return &timeoutError{}
	}
	timer := time.AfterFunc(d, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	cond.Wait()
	timer.Stop()

	if !time.Now().Before(deadline) {
		return &timeoutError{}
	}
	return nil
}
