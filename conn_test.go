package rbtp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConnImplementsNetConn verifies the net.Conn contract at compile time.
func TestConnImplementsNetConn(t *testing.T) {
	var _ net.Conn = (*Conn)(nil)
	var _ net.Listener = (*Listener)(nil)
}

// TestNewConnRejectsInvalidConfig verifies config validation on creation.
func TestNewConnRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 0
	_, err := NewConn(cfg)
	assert.Error(t, err)
}

// TestConnBindTwice verifies that a connection binds only once.
func TestConnBindTwice(t *testing.T) {
	c, err := NewConn(testConfig())
	require.NoError(t, err)
	require.NoError(t, c.Bind(newFakeChannel(1)))
	assert.ErrorIs(t, c.Bind(newFakeChannel(2)), ErrAlreadyBound)
}

// TestConnectPreconditions verifies the errors Connect returns before any
// packet is sent.
func TestConnectPreconditions(t *testing.T) {
	c, err := NewConn(testConfig())
	require.NoError(t, err)

	assert.ErrorIs(t, c.Connect(context.Background(), fakeAddr("x")), ErrBadAddress)
	assert.ErrorIs(t, c.Connect(context.Background(), peerAddr), ErrNotBound)

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Connect(context.Background(), peerAddr), ErrConnClosed)
	waitDone(t, c, time.Second)
}

// TestReadWriteBeforeConnect verifies the unconnected connection refuses I/O.
func TestReadWriteBeforeConnect(t *testing.T) {
	c, err := NewConn(testConfig())
	require.NoError(t, err)

	_, err = c.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrNotEstablished)
	_, err = c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrNotEstablished)
}

// TestSendSegmentation verifies that a write within a 10000-byte peer
// window goes out as one burst of full-size segments with consecutive
// sequence numbers.
func TestSendSegmentation(t *testing.T) {
	ch := newFakeChannel(1)
	c := newEstablishedConn(t, testConfig(), ch, 5000, 1000)
	c.out.mu.Lock()
	c.out.peerWindow = 10000
	c.out.mu.Unlock()

	data := bytes.Repeat([]byte("x"), 5000)
	n, err := c.Write(data)
	require.NoError(t, err)
	require.Equal(t, 5000, n)

	require.Eventually(t, func() bool { return len(ch.packets(isData)) >= 4 }, time.Second, time.Millisecond)

	sent := ch.packets(isData)[:4]
	wantSeq := []uint32{1000, 2456, 3912, 5368}
	wantLen := []int{1456, 1456, 1456, 632}
	for i, sp := range sent {
		assert.Equal(t, wantSeq[i], sp.SequenceNumber, "segment %d", i)
		assert.Len(t, sp.Payload, wantLen[i], "segment %d", i)
		assert.Equal(t, uint16(1), sp.SourcePort)
		assert.Equal(t, uint16(2), sp.DestinationPort)
	}

	assert.Equal(t, 4, c.out.outstandingCount())
	c.out.mu.Lock()
	assert.Equal(t, 5000, c.out.peerWindow, "the burst used its share of the window")
	c.out.mu.Unlock()
}

// TestSendAcrossWrap verifies segmentation and acknowledgement when the
// sequence space wraps inside a burst.
func TestSendAcrossWrap(t *testing.T) {
	ch := newFakeChannel(1)
	cfg := testConfig()
	c := newEstablishedConn(t, cfg, ch, 0, 0xFFFFF000)

	_, err := c.Write(bytes.Repeat([]byte("w"), 5000))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(ch.packets(isData)) >= 4 }, time.Second, time.Millisecond)

	sent := ch.packets(isData)[:4]
	wantSeq := []uint32{0xFFFFF000, 0xFFFFF5B0, 0xFFFFFB60, 0x110}
	for i, sp := range sent {
		assert.Equal(t, wantSeq[i], sp.SequenceNumber, "segment %d", i)
	}

	c.deliver(ackPacket(0, cfg.MaxWindow, wantSeq...))
	require.Eventually(t, func() bool { return c.out.outstandingCount() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, uint32(0x388), c.out.nextSeq())

	_, err = c.Write([]byte("after"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, sp := range ch.packets(isData) {
			if sp.SequenceNumber == 0x388 {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

// TestEmptyAckUpdatesWindow verifies that an ACK without sequence numbers
// still carries the peer's window.
func TestEmptyAckUpdatesWindow(t *testing.T) {
	ch := newFakeChannel(1)
	c := newEstablishedConn(t, testConfig(), ch, 0, 0)
	c.out.mu.Lock()
	c.out.peerWindow = 0
	c.out.mu.Unlock()

	_, err := c.Write([]byte("waiting for room"))
	require.NoError(t, err)
	time.Sleep(2 * testTimeout)
	assert.Empty(t, ch.packets(isData), "nothing fits a closed window")

	c.deliver(ackPacket(0, 3000))
	require.Eventually(t, func() bool { return len(ch.packets(isData)) >= 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "waiting for room", string(ch.packets(isData)[0].Payload))
}

// TestSendRespectsPeerWindow verifies that a burst never exceeds the
// window advertised by the peer.
func TestSendRespectsPeerWindow(t *testing.T) {
	ch := newFakeChannel(1)
	c := newEstablishedConn(t, testConfig(), ch, 0, 0)
	c.out.mu.Lock()
	c.out.peerWindow = 2000
	c.out.mu.Unlock()

	_, err := c.Write(bytes.Repeat([]byte("y"), 5000))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(ch.packets(isData)) >= 2 }, time.Second, time.Millisecond)
	time.Sleep(testTimeout)

	total := 0
	seen := map[uint32]bool{}
	for _, sp := range ch.packets(isData) {
		if !seen[sp.SequenceNumber] {
			seen[sp.SequenceNumber] = true
			total += len(sp.Payload)
		}
	}
	assert.Equal(t, 2000, total)
}

// TestAckRetiresSegments verifies that echoed sequence numbers retire the
// burst and let the next one go out.
func TestAckRetiresSegments(t *testing.T) {
	ch := newFakeChannel(1)
	cfg := testConfig()
	c := newEstablishedConn(t, cfg, ch, 0, 100)

	_, err := c.Write(bytes.Repeat([]byte("a"), 3000))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(ch.packets(isData)) >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 3, c.out.outstandingCount())

	// A stale echo and a partial ACK retire only what they name.
	c.deliver(ackPacket(0, cfg.MaxWindow, 99, 100))
	require.Eventually(t, func() bool { return c.out.outstandingCount() == 2 }, time.Second, time.Millisecond)

	c.deliver(ackPacket(0, cfg.MaxWindow, 1556, 3012))
	require.Eventually(t, func() bool { return c.out.outstandingCount() == 0 }, time.Second, time.Millisecond)

	_, err = c.Write([]byte("next"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, sp := range ch.packets(isData) {
			if sp.SequenceNumber == 3100 {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

// TestRetransmissionSpacing verifies that unacknowledged segments are
// resent no more often than every two timeouts.
func TestRetransmissionSpacing(t *testing.T) {
	ch := newFakeChannel(1)
	c := newEstablishedConn(t, testConfig(), ch, 0, 0)

	_, err := c.Write([]byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(ch.packets(isData)) >= 4 }, 2*time.Second, time.Millisecond)

	sent := ch.packets(isData)
	for i := 1; i < len(sent); i++ {
		assert.Equal(t, uint32(0), sent[i].SequenceNumber)
		assert.GreaterOrEqual(t, sent[i].at.Sub(sent[i-1].at), 2*testTimeout, "gap before send %d", i)
	}
	assert.NotZero(t, c.Stats().Retransmissions)
}

// TestLinkDeadAfterTimeouts verifies that the sender gives up after the
// configured number of silent polls.
func TestLinkDeadAfterTimeouts(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 5 * time.Millisecond
	cfg.MaxConsecutiveTimeouts = 5

	ch := newFakeChannel(1)
	c := newEstablishedConn(t, cfg, ch, 0, 0)

	_, err := c.Write([]byte("anyone there?"))
	require.NoError(t, err)

	waitDone(t, c, 2*time.Second)
	assert.ErrorIs(t, c.Err(), ErrLinkDead)
	assert.Equal(t, StateClosed, c.State())
	assert.True(t, ch.unbound.Load())

	_, err = c.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrConnClosed)
	assert.True(t, errors.Is(err, io.EOF))
}

// TestIdleConnectionStaysUp verifies that silence without outstanding data
// does not count towards the link timeout.
func TestIdleConnectionStaysUp(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 5 * time.Millisecond
	cfg.MaxConsecutiveTimeouts = 3

	c := newEstablishedConn(t, cfg, newFakeChannel(1), 0, 0)
	time.Sleep(20 * cfg.Timeout)
	assert.Equal(t, StateEstablished, c.State())
}

// TestReceiveInOrder verifies delivery and acknowledgement of in-order data.
func TestReceiveInOrder(t *testing.T) {
	ch := newFakeChannel(1)
	c := newEstablishedConn(t, testConfig(), ch, 500, 0)

	c.deliver(dataPacket(500, []byte("hello ")))
	c.deliver(dataPacket(506, []byte("world")))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 11)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))

	require.Eventually(t, func() bool {
		acked := ch.acked()
		return acked[500] > 0 && acked[506] > 0
	}, time.Second, time.Millisecond)
}

// TestReceiveReordered verifies that a segment arriving ahead of a gap is
// held back until the gap fills.
func TestReceiveReordered(t *testing.T) {
	ch := newFakeChannel(1)
	c := newEstablishedConn(t, testConfig(), ch, 0, 0)

	first := bytes.Repeat([]byte{1}, MaxPayloadSize)
	second := bytes.Repeat([]byte{2}, MaxPayloadSize)

	c.deliver(dataPacket(MaxPayloadSize, second))
	require.Eventually(t, func() bool { return ch.acked()[MaxPayloadSize] > 0 }, time.Second, time.Millisecond)
	assert.Zero(t, c.Buffered(), "nothing readable before the gap fills")

	c.deliver(dataPacket(0, first))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 2*MaxPayloadSize)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, append(first, second...), buf)
}

// TestReceiveAcrossWrap verifies reassembly when the sequence space wraps
// between two segments that arrive out of order.
func TestReceiveAcrossWrap(t *testing.T) {
	ch := newFakeChannel(1)
	c := newEstablishedConn(t, testConfig(), ch, 0xFFFFFC00, 0)

	first := bytes.Repeat([]byte{7}, MaxPayloadSize)
	second := []byte("past the wrap")
	secondSeq := seqAdd(0xFFFFFC00, MaxPayloadSize)
	require.Equal(t, uint32(0x1B0), secondSeq)

	c.deliver(dataPacket(secondSeq, second))
	require.Eventually(t, func() bool { return ch.acked()[secondSeq] > 0 }, time.Second, time.Millisecond)
	assert.Zero(t, c.Buffered())

	c.deliver(dataPacket(0xFFFFFC00, first))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, len(first)+len(second))
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, append(first, second...), buf)
	c.in.mu.Lock()
	assert.Equal(t, seqAdd(secondSeq, len(second)), c.in.base)
	c.in.mu.Unlock()

	require.Eventually(t, func() bool { return ch.acked()[0xFFFFFC00] > 0 }, time.Second, time.Millisecond)
}

// TestReceiveDuplicates verifies that repeated segments are delivered once
// and still echoed.
func TestReceiveDuplicates(t *testing.T) {
	ch := newFakeChannel(1)
	c := newEstablishedConn(t, testConfig(), ch, 0, 0)

	c.deliver(dataPacket(0, []byte("once")))
	c.deliver(dataPacket(0, []byte("once")))
	require.Eventually(t, func() bool { return c.Buffered() == 4 }, time.Second, time.Millisecond)

	c.deliver(dataPacket(0, []byte("once")))
	require.Eventually(t, func() bool { return c.Stats().DuplicatePackets >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 4, c.Buffered())

	buf := make([]byte, 16)
	n, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "once", string(buf[:n]))

	// A segment that was already read is acknowledged again.
	before := ch.acked()[0]
	c.deliver(dataPacket(0, []byte("once")))
	require.Eventually(t, func() bool { return ch.acked()[0] > before }, time.Second, time.Millisecond)
	assert.Zero(t, c.Buffered())
}

// TestNonBlockingIO verifies that non-blocking Read and Write return at once.
func TestNonBlockingIO(t *testing.T) {
	cfg := testConfig()
	cfg.SendBufferSize = 10

	c := newEstablishedConn(t, cfg, newFakeChannel(1), 0, 0)
	c.SetBlocking(false)

	n, err := c.Read(make([]byte, 8))
	assert.NoError(t, err)
	assert.Zero(t, n)

	n, err = c.Write(bytes.Repeat([]byte("z"), 25))
	assert.NoError(t, err)
	assert.Equal(t, 10, n)

	n, err = c.Write([]byte("more"))
	assert.NoError(t, err)
	assert.Zero(t, n, "buffer still holds unacknowledged bytes")
}

// TestReadDeadline verifies that a blocking Read times out.
func TestReadDeadline(t *testing.T) {
	c := newEstablishedConn(t, testConfig(), newFakeChannel(1), 0, 0)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(30*time.Millisecond)))
	start := time.Now()
	_, err := c.Read(make([]byte, 1))
	require.Error(t, err)

	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

// TestPeerFinClosesReadSide verifies that a FIN from the peer is
// acknowledged and ends the stream for Read.
func TestPeerFinClosesReadSide(t *testing.T) {
	ch := newFakeChannel(1)
	c := newEstablishedConn(t, testConfig(), ch, 0, 0)

	c.deliver(dataPacket(0, []byte("bye")))
	require.Eventually(t, func() bool { return c.Buffered() == 3 }, time.Second, time.Millisecond)

	fin := dataPacket(3, nil)
	fin.Flags.FIN = true
	c.deliver(fin)

	require.Eventually(t, func() bool { return ch.acked()[3] > 0 }, time.Second, time.Millisecond)

	buf := make([]byte, 8)
	n, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(buf[:n]))

	_, err = c.Read(buf)
	assert.ErrorIs(t, err, ErrConnClosing)
	assert.True(t, errors.Is(err, io.EOF))

	_, err = c.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrConnClosing)

	// With nothing left to send our FIN follows.
	require.Eventually(t, func() bool { return len(ch.packets(isFin)) > 0 }, time.Second, time.Millisecond)
	assert.Equal(t, StateLastAck, c.State())
}

// TestActiveClose verifies the local teardown path: our FIN goes out after
// the data, its acknowledgement moves to FIN_WAIT_2, and the peer's FIN to
// TIMED_WAIT and finally CLOSED.
func TestActiveClose(t *testing.T) {
	ch := newFakeChannel(1)
	cfg := testConfig()
	c := newEstablishedConn(t, cfg, ch, 700, 0)

	_, err := c.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool { return len(ch.packets(isData)) > 0 }, time.Second, time.Millisecond)
	assert.Empty(t, ch.packets(isFin), "FIN waits for the data to be acknowledged")

	c.deliver(ackPacket(700, cfg.MaxWindow, 0))
	require.Eventually(t, func() bool { return len(ch.packets(isFin)) > 0 }, time.Second, time.Millisecond)

	fin := ch.packets(isFin)[0]
	assert.Equal(t, uint32(4), fin.SequenceNumber)
	assert.Equal(t, StateFinWait1, c.State())

	c.deliver(ackPacket(700, cfg.MaxWindow, 4))
	require.Eventually(t, func() bool { return c.State() == StateFinWait2 }, time.Second, time.Millisecond)

	peerFin := dataPacket(700, nil)
	peerFin.Flags.FIN = true
	c.deliver(peerFin)
	require.Eventually(t, func() bool { return c.State() == StateTimedWait }, time.Second, time.Millisecond)

	waitDone(t, c, 2*time.Second)
	assert.Equal(t, StateClosed, c.State())
	assert.NoError(t, c.Err())
	assert.True(t, ch.unbound.Load())
}

// TestProtocolViolationCloses verifies that a SYN on an established
// connection aborts it.
func TestProtocolViolationCloses(t *testing.T) {
	c := newEstablishedConn(t, testConfig(), newFakeChannel(1), 0, 0)

	syn := dataPacket(0, nil)
	syn.Flags.SYN = true
	c.deliver(syn)

	waitDone(t, c, time.Second)
	assert.ErrorIs(t, c.Err(), ErrProtocolViolation)
	assert.EqualValues(t, 1, c.Stats().ProtocolViolations)
}
