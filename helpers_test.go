package rbtp

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testTimeout keeps protocol timers short so tests finish quickly.
const testTimeout = 20 * time.Millisecond

// testConfig returns a configuration with fast timers and a cheap challenge.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Timeout = testTimeout
	cfg.Difficulty = 4
	cfg.HandshakeRetries = 10
	cfg.LingerPolls = 3
	return cfg
}

// fakeAddr is a datagram address for in-memory channels.
type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// sentPacket is a packet captured by fakeChannel.
type sentPacket struct {
	*Packet
	at time.Time
}

// fakeChannel records every packet a connection sends and delivers nothing.
type fakeChannel struct {
	port uint16

	mu      sync.Mutex
	sent    []sentPacket
	unbound atomic.Bool
}

func newFakeChannel(port uint16) *fakeChannel {
	return &fakeChannel{port: port}
}

func (f *fakeChannel) Port() uint16 { return f.port }

func (f *fakeChannel) Send(p *Packet, addr net.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPacket{Packet: clonePacket(p), at: time.Now()})
	return nil
}

func (f *fakeChannel) Unbind() { f.unbound.Store(true) }

// packets returns the captured packets that match keep.
func (f *fakeChannel) packets(keep func(*Packet) bool) []sentPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentPacket
	for _, sp := range f.sent {
		if keep == nil || keep(sp.Packet) {
			out = append(out, sp)
		}
	}
	return out
}

func isData(p *Packet) bool { return p.IsData() && len(p.Payload) > 0 }
func isAck(p *Packet) bool  { return p.Flags == Flags{ACK: true} }
func isFin(p *Packet) bool  { return p.Flags.FIN }

// acked collects every sequence number echoed by the captured ACKs.
func (f *fakeChannel) acked() map[uint32]int {
	out := make(map[uint32]int)
	for _, sp := range f.packets(isAck) {
		for _, s := range sp.AckSequences() {
			out[s]++
		}
	}
	return out
}

// clonePacket passes p through the codec, as a real network would.
func clonePacket(p *Packet) *Packet {
	data, err := p.Marshal()
	if err != nil {
		panic(err)
	}
	q, err := Unmarshal(data)
	if err != nil {
		panic(err)
	}
	q.Addr = p.Addr
	return q
}

var peerAddr = &Addr{Net: fakeAddr("peer"), Port: 2}

// newEstablishedConn returns a running connection that skipped the
// handshake: it receives from inISN and sends from outISN.
func newEstablishedConn(t *testing.T, cfg *Config, ch Channel, inISN, outISN uint32) *Conn {
	t.Helper()

	c, err := NewConn(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Bind(ch))

	c.mu.Lock()
	c.remote = peerAddr
	c.setStateLocked(StateEstablished)
	c.mu.Unlock()

	c.in.init(inISN)
	c.out.init(cfg.MaxWindow, outISN)
	c.start()

	t.Cleanup(func() { c.fail(ErrConnClosed) })
	return c
}

// dataPacket builds a data segment from the peer.
func dataPacket(seq uint32, payload []byte) *Packet {
	p := &Packet{
		SourcePort:      peerAddr.Port,
		DestinationPort: 1,
		SequenceNumber:  seq,
		Payload:         payload,
		Addr:            peerAddr,
	}
	p.SetWindow(DefaultMaxWindow)
	return p
}

// ackPacket builds an ACK from the peer echoing seqs.
func ackPacket(seq uint32, window int, seqs ...uint32) *Packet {
	p := &Packet{
		SourcePort:      peerAddr.Port,
		DestinationPort: 1,
		SequenceNumber:  seq,
		Flags:           Flags{ACK: true},
		Addr:            peerAddr,
	}
	p.SetWindow(window)
	p.SetAckSequences(seqs)
	return p
}

// testNet connects channels in memory. Packets pass through the codec and
// may be dropped by a filter.
type testNet struct {
	mu    sync.Mutex
	ends  map[uint16]*testEnd
	drop  func(*Packet) bool
	count atomic.Int64
}

// testEnd is one port on a testNet. A server end spawns its connection's
// handshake from the first SYN it receives.
type testEnd struct {
	net     *testNet
	port    uint16
	conn    *Conn
	server  bool
	unbound atomic.Bool
	synSeen atomic.Bool
}

func newTestNet() *testNet {
	return &testNet{ends: make(map[uint16]*testEnd)}
}

func (n *testNet) setDrop(drop func(*Packet) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = drop
}

// attach binds c to port on the network.
func (n *testNet) attach(t *testing.T, port uint16, c *Conn, server bool) *testEnd {
	t.Helper()
	e := &testEnd{net: n, port: port, conn: c, server: server}
	n.mu.Lock()
	n.ends[port] = e
	n.mu.Unlock()
	require.NoError(t, c.Bind(e))
	return e
}

func (e *testEnd) Port() uint16 { return e.port }

func (e *testEnd) Send(p *Packet, addr net.Addr) error {
	n := e.net
	n.count.Add(1)

	q := clonePacket(p)
	q.Addr = &Addr{Net: fakeAddr("end"), Port: e.port}

	// drop runs under the lock so filters may keep unsynchronized state.
	n.mu.Lock()
	dst := n.ends[p.DestinationPort]
	dropped := n.drop != nil && n.drop(q)
	n.mu.Unlock()

	if dst == nil || dst.unbound.Load() || dropped {
		return nil
	}
	if dst.server && q.Flags == (Flags{SYN: true}) && !dst.synSeen.Swap(true) {
		return dst.conn.accept(q)
	}
	dst.conn.deliver(q)
	return nil
}

func (e *testEnd) Unbind() { e.unbound.Store(true) }

// connectPair runs a full handshake between a fresh client on port 1 and a
// fresh server on port 2 and returns both ends.
func connectPair(t *testing.T, n *testNet, clientCfg, serverCfg *Config) (*Conn, *Conn) {
	t.Helper()

	server, err := NewConn(serverCfg)
	require.NoError(t, err)
	n.attach(t, 2, server, true)

	client, err := NewConn(clientCfg)
	require.NoError(t, err)
	n.attach(t, 1, client, false)

	t.Cleanup(func() {
		client.fail(ErrConnClosed)
		server.fail(ErrConnClosed)
	})
	return client, server
}

// waitDone waits for the connection workers to exit.
func waitDone(t *testing.T, c *Conn, timeout time.Duration) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(timeout):
		t.Fatalf("connection still running in %s", c.State())
	}
}
