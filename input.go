package rbtp

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/armon/circbuf"
)

// inputStream is the receiving half of a connection.
//
// Bytes are addressed relative to base, the sequence number of the first
// byte the application has not read. The first contiguous bytes sit in
// ready, waiting for Read. Anything received past the contiguous boundary
// is parked in window at its offset from that boundary until the gap in
// front of it fills.
type inputStream struct {
	mu   sync.Mutex
	cond *sync.Cond // signalled when bytes become readable or the connection closes

	capacity   int
	ready      *circbuf.Buffer
	contiguous int // bytes in ready
	window     []byte
	highWater  int            // end of the furthest byte parked in window
	received   map[uint32]int // parked segments: sequence number -> length
	base       uint32
	deadline   time.Time
}

func newInputStream(cfg *Config) (*inputStream, error) {
	ready, err := circbuf.NewBuffer(int64(cfg.ReceiveBufferSize))
	if err != nil {
		return nil, fmt.Errorf("create receive buffer: %w", err)
	}
	in := &inputStream{
		capacity: cfg.ReceiveBufferSize,
		ready:    ready,
		window:   make([]byte, cfg.ReceiveBufferSize),
		received: make(map[uint32]int),
	}
	in.cond = sync.NewCond(&in.mu)
	return in, nil
}

// init sets the sequence number of the first byte the peer will send.
func (in *inputStream) init(seq uint32) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.base = seq
}

func (in *inputStream) wake() {
	in.mu.Lock()
	in.cond.Broadcast()
	in.mu.Unlock()
}

// drainResult is what one drain of the pending list produced.
type drainResult struct {
	echoed     []uint32 // every sequence number to list in the ACK
	duplicates int
	window     int // receive window to advertise
}

// drain stores the payloads of pending data segments, moves any newly
// contiguous bytes to the ready buffer, and reports what to acknowledge.
//
// Every segment that fits the buffer is echoed, duplicates and segments
// that were already read included. Segments that would overflow the
// buffer are neither stored nor echoed.
func (in *inputStream) drain(pending []*Packet, maxWindow int) drainResult {
	in.mu.Lock()
	defer in.mu.Unlock()

	res := drainResult{echoed: make([]uint32, 0, len(pending))}
	for _, p := range pending {
		seq := p.SequenceNumber
		if seqLessThan(seq, in.base) {
			res.echoed = append(res.echoed, seq)
			res.duplicates++
			continue
		}

		rel := int(seqDiff(in.base, seq))
		if rel+len(p.Payload) > in.capacity {
			continue
		}
		res.echoed = append(res.echoed, seq)

		if rel < in.contiguous {
			res.duplicates++
			continue
		}
		if _, ok := in.received[seq]; ok {
			res.duplicates++
			continue
		}
		if len(p.Payload) == 0 {
			continue
		}

		off := rel - in.contiguous
		copy(in.window[off:], p.Payload)
		in.received[seq] = len(p.Payload)
		in.highWater = max(in.highWater, off+len(p.Payload))
	}

	if in.advanceLocked() > 0 {
		in.cond.Broadcast()
	}

	parked := 0
	for _, n := range in.received {
		parked += n
	}
	res.window = max(maxWindow-parked, 0)
	return res
}

// advanceLocked moves the run of parked segments that starts at the
// contiguous boundary into the ready buffer and returns its length.
func (in *inputStream) advanceLocked() int {
	boundary := seqAdd(in.base, in.contiguous)
	n := 0
	for {
		l, ok := in.received[seqAdd(boundary, n)]
		if !ok {
			break
		}
		delete(in.received, seqAdd(boundary, n))
		n += l
	}
	if n == 0 {
		return 0
	}

	// ready has room: contiguous+parked never exceeds capacity
	_, _ = in.ready.Write(in.window[:n])
	copy(in.window, in.window[n:in.highWater])
	in.highWater = max(in.highWater-n, 0)
	in.contiguous += n
	return n
}

// consumeLocked copies readable bytes into buf and slides base forward.
func (in *inputStream) consumeLocked(buf []byte) (int, error) {
	data := in.ready.Bytes()
	n := copy(buf, data)

	in.ready.Reset()
	if n < len(data) {
		if _, err := in.ready.Write(data[n:]); err != nil {
			return n, fmt.Errorf("write remaining data: %w", err)
		}
	}

	in.contiguous -= n
	in.base = seqAdd(in.base, n)
	return n, nil
}

// readable returns the number of bytes Read can return without waiting.
func (in *inputStream) readable() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.contiguous
}

// Read reads contiguous stream bytes into b.
//
// In non-blocking mode Read returns 0 and no error when nothing is ready.
// In blocking mode it waits for data, the read deadline, or the end of the
// stream. Once the peer has finished (or a local close was requested) and
// every byte was read, Read returns ErrConnClosing, and ErrConnClosed after
// the connection is gone. Both match io.EOF.
func (c *Conn) Read(b []byte) (int, error) {
	in := c.in
	in.mu.Lock()
	defer in.mu.Unlock()

	for {
		if in.contiguous > 0 && len(b) > 0 {
			n, err := in.consumeLocked(b)
			c.log.Debug().Int("bytes", n).Msg("read data")
			return n, err
		}

		switch {
		case c.isTerminated():
			return 0, ErrConnClosed
		case c.requestClose.Load():
			return 0, ErrConnClosing
		case c.State() == StateClosed:
			return 0, ErrNotEstablished
		}

		if len(b) == 0 || !c.blocking.Load() {
			return 0, nil
		}
		if err := waitLocked(in.cond, in.deadline); err != nil {
			return 0, err
		}
	}
}

// addPending appends a data segment to the pending list unless an
// identical segment is already waiting there.
func addPending(pending []*Packet, p *Packet) ([]*Packet, bool) {
	for _, q := range pending {
		if q.SequenceNumber == p.SequenceNumber && bytes.Equal(q.Payload, p.Payload) {
			return pending, false
		}
	}
	return append(pending, p), true
}
