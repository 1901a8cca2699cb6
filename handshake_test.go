package rbtp

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHandshakeEstablishes verifies the four-packet handshake and the
// sequence numbers both sides agree on.
func TestHandshakeEstablishes(t *testing.T) {
	n := newTestNet()
	client, server := connectPair(t, n, testConfig(), testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx, &Addr{Net: fakeAddr("end"), Port: 2}))

	assert.Equal(t, StateEstablished, client.State())
	require.Eventually(t, func() bool { return server.State() == StateEstablished }, time.Second, time.Millisecond)
	assert.True(t, server.Established())

	// Each side's first data byte is the other's receive base.
	assert.Equal(t, client.out.nextSeq(), server.in.base)
	assert.Equal(t, server.out.nextSeq(), client.in.base)

	assert.ErrorIs(t, client.Connect(ctx, &Addr{Net: fakeAddr("end"), Port: 2}), ErrAlreadyConnected)
}

// TestHandshakeSurvivesLoss verifies that dropped handshake packets are
// recovered by resends.
func TestHandshakeSurvivesLoss(t *testing.T) {
	n := newTestNet()
	dropped := map[string]bool{}
	n.setDrop(func(p *Packet) bool {
		key := p.Flags.String()
		if !dropped[key] {
			dropped[key] = true
			return p.Flags.CHA || p.Flags == Flags{ACK: true}
		}
		return false
	})
	client, server := connectPair(t, n, testConfig(), testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx, &Addr{Net: fakeAddr("end"), Port: 2}))
	require.Eventually(t, func() bool { return server.State() == StateEstablished }, time.Second, time.Millisecond)
}

// TestHandshakeRejected verifies that a failed challenge ends in REJ on the
// client and TIMED_WAIT then CLOSED on the server.
func TestHandshakeRejected(t *testing.T) {
	n := newTestNet()
	client, server := connectPair(t, n, testConfig(), testConfig())
	server.hash = func([]byte) []byte { return []byte{0xFF, 0xFF, 0xFF} }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := client.Connect(ctx, &Addr{Net: fakeAddr("end"), Port: 2})
	assert.ErrorIs(t, err, ErrChallengeRejected)
	assert.NotErrorIs(t, err, ErrConnectFailed)

	waitDone(t, client, time.Second)
	waitDone(t, server, 2*time.Second)
	assert.False(t, server.Established())
}

// TestHandshakeGivesUp verifies that an unanswered SYN fails the connect
// after the configured number of resends.
func TestHandshakeGivesUp(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 5 * time.Millisecond
	cfg.HandshakeRetries = 3

	n := newTestNet()
	client, err := NewConn(cfg)
	require.NoError(t, err)
	n.attach(t, 1, client, false)

	err = client.Connect(context.Background(), &Addr{Net: fakeAddr("end"), Port: 9})
	assert.ErrorIs(t, err, ErrConnectFailed)
	waitDone(t, client, time.Second)

	// One SYN plus three resends.
	assert.EqualValues(t, 4, n.count.Load())
}

// TestConnectCanceled verifies that Connect honours its context.
func TestConnectCanceled(t *testing.T) {
	n := newTestNet()
	client, err := NewConn(testConfig())
	require.NoError(t, err)
	n.attach(t, 1, client, false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = client.Connect(ctx, &Addr{Net: fakeAddr("end"), Port: 9})
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	waitDone(t, client, time.Second)
}

// TestResetDuringHandshake verifies that an RST answer to the SYN fails
// the connect.
func TestResetDuringHandshake(t *testing.T) {
	ch := newFakeChannel(1)
	client, err := NewConn(testConfig())
	require.NoError(t, err)
	require.NoError(t, client.Bind(ch))

	// Queued before Connect, the RST is the first thing the client sees.
	rst := dataPacket(0, nil)
	rst.Flags.RST = true
	client.deliver(rst)

	err = client.Connect(context.Background(), peerAddr)
	assert.ErrorIs(t, err, ErrConnReset)
	waitDone(t, client, time.Second)
}

// TestGracefulClose exchanges data and closes both sides.
func TestGracefulClose(t *testing.T) {
	n := newTestNet()
	client, server := connectPair(t, n, testConfig(), testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx, &Addr{Net: fakeAddr("end"), Port: 2}))

	msg := []byte("the quick brown fox")
	_, err := client.Write(msg)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf)

	_, err = server.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, server.Close())

	waitDone(t, client, 3*time.Second)
	waitDone(t, server, 3*time.Second)
	assert.NoError(t, client.Err())
	assert.NoError(t, server.Err())
}

// TestTransferWithLoss pushes a larger transfer through a lossy link.
func TestTransferWithLoss(t *testing.T) {
	n := newTestNet()
	var i int
	n.setDrop(func(p *Packet) bool {
		if p.Flags.IsControl() && !p.Flags.ACK {
			return false
		}
		i++
		return i%5 == 0
	})
	client, server := connectPair(t, n, testConfig(), testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx, &Addr{Net: fakeAddr("end"), Port: 2}))

	msg := make([]byte, 20*MaxPayloadSize+17)
	for i := range msg {
		msg[i] = byte(i * 31)
	}

	go func() {
		_, _ = client.Write(msg)
	}()

	require.NoError(t, server.SetReadDeadline(time.Now().Add(10*time.Second)))
	buf := make([]byte, len(msg))
	_, err := io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf)
}
