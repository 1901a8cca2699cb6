package rbtp

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

// maxDatagramSize is the receive buffer size for one UDP datagram.
const maxDatagramSize = 64 * 1024

// Mux owns a datagram socket and routes inbound packets to the connection
// or listener bound to their destination port.
//
// Architecture:
//   - One read loop decodes every datagram and drops those that fail the
//     checksum
//   - Packets are routed by destination RBTP port only; a listener further
//     splits its port by remote address
//   - Bindings are released explicitly by their owner through Unbind
type Mux struct {
	pc  net.PacketConn
	cfg *Config

	mu     sync.Mutex
	ports  map[uint16]*binding
	closed bool

	wg    sync.WaitGroup
	stats muxCounters
}

// binding is a port registration. It implements Channel.
type binding struct {
	mux  *Mux
	port uint16

	// recv handles packets addressed to port.
	recv func(*Packet)
	// abort tears the owner down when the mux closes.
	abort func()

	unbindOnce sync.Once
}

// ListenUDP opens a UDP socket on address and starts a Mux on it.
func ListenUDP(address string, cfg *Config) (*Mux, error) {
	pc, err := net.ListenPacket("udp", address)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", address, err)
	}
	return NewMux(pc, cfg)
}

// NewMux starts routing packets read from pc. The Mux takes ownership of
// pc and closes it in Close.
func NewMux(pc net.PacketConn, cfg *Config) (*Mux, error) {
	cfg = cfg.orDefault()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m := &Mux{
		pc:    pc,
		cfg:   cfg,
		ports: make(map[uint16]*binding),
	}

	m.wg.Add(1)
	go m.readLoop()

	log.Info().Str("addr", pc.LocalAddr().String()).Msg("mux started")
	return m, nil
}

// LocalAddr returns the address of the underlying socket.
func (m *Mux) LocalAddr() net.Addr {
	return m.pc.LocalAddr()
}

// readLoop runs in a goroutine and dispatches every inbound datagram.
func (m *Mux) readLoop() {
	defer m.wg.Done()

	log.Debug().Msg("mux read loop started")
	defer log.Debug().Msg("mux read loop stopped")

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := m.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || m.isClosed() {
				return
			}
			log.Debug().Err(err).Msg("read datagram")
			continue
		}
		m.stats.received.Add(1)
		m.dispatch(buf[:n], from)
	}
}

// dispatch decodes a datagram and hands it to the binding on its
// destination port. Undecodable and unroutable datagrams are counted and
// dropped.
func (m *Mux) dispatch(data []byte, from net.Addr) {
	pkt, err := Unmarshal(data)
	if err != nil {
		m.stats.decodeFailures.Add(1)
		log.Debug().Err(err).Str("from", from.String()).Msg("dropping datagram")
		return
	}
	pkt.Addr = &Addr{Net: from, Port: pkt.SourcePort}

	m.mu.Lock()
	b := m.ports[pkt.DestinationPort]
	m.mu.Unlock()

	if b == nil {
		m.stats.unroutable.Add(1)
		log.Debug().
			Uint16("port", pkt.DestinationPort).
			Str("from", pkt.Addr.String()).
			Msg("no binding for port")
		return
	}
	b.recv(pkt)
}

func (m *Mux) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// register claims port for b.
func (m *Mux) register(b *binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMuxClosed
	}
	if _, ok := m.ports[b.port]; ok {
		return fmt.Errorf("%w: %d", ErrPortInUse, b.port)
	}
	m.ports[b.port] = b
	return nil
}

// registerAny claims a random free port for b.
func (m *Mux) registerAny(b *binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMuxClosed
	}
	if len(m.ports) >= 0xFFFF {
		return ErrNoFreePort
	}
	for {
		port := uint16(1 + rand.IntN(0xFFFF))
		if _, ok := m.ports[port]; !ok {
			b.port = port
			m.ports[port] = b
			return nil
		}
	}
}

func (m *Mux) unregister(b *binding) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ports[b.port] == b {
		delete(m.ports, b.port)
		log.Debug().Uint16("port", b.port).Msg("port unbound")
	}
}

func (m *Mux) newConnBinding(c *Conn) *binding {
	return &binding{
		mux:   m,
		recv:  func(p *Packet) { m.deliverFromPeer(c, p) },
		abort: func() { c.fail(ErrMuxClosed) },
	}
}

// deliverFromPeer hands p to c if it comes from c's peer. Before the peer
// is known every packet is passed on.
func (m *Mux) deliverFromPeer(c *Conn, p *Packet) {
	c.mu.Lock()
	remote := c.remote
	c.mu.Unlock()

	if remote != nil && !sameEndpoint(remote, p.Addr) {
		m.stats.unroutable.Add(1)
		log.Debug().
			Uint16("port", p.DestinationPort).
			Str("from", p.Addr.String()).
			Str("peer", remote.String()).
			Msg("dropping packet from foreign host")
		return
	}
	c.deliver(p)
}

// sameEndpoint reports whether addr names the RBTP endpoint a. UDP
// addresses compare by IP and port so that IPv4 and IPv4-mapped IPv6
// forms of one host match.
func sameEndpoint(a *Addr, addr net.Addr) bool {
	b, ok := addr.(*Addr)
	if !ok || b == nil || a.Port != b.Port {
		return false
	}
	ua, okA := a.Net.(*net.UDPAddr)
	ub, okB := b.Net.(*net.UDPAddr)
	if okA && okB {
		return ua.Port == ub.Port && ua.IP.Equal(ub.IP)
	}
	return a.String() == b.String()
}

// Bind binds c to port.
func (m *Mux) Bind(port uint16, c *Conn) error {
	b := m.newConnBinding(c)
	b.port = port
	if err := m.register(b); err != nil {
		return err
	}
	if err := c.Bind(b); err != nil {
		m.unregister(b)
		return err
	}
	return nil
}

// BindAny binds c to a random free port and returns it.
func (m *Mux) BindAny(c *Conn) (uint16, error) {
	b := m.newConnBinding(c)
	if err := m.registerAny(b); err != nil {
		return 0, err
	}
	if err := c.Bind(b); err != nil {
		m.unregister(b)
		return 0, err
	}
	return b.port, nil
}

// Dial connects to raddr from a random local port.
func (m *Mux) Dial(ctx context.Context, raddr *Addr) (*Conn, error) {
	c, err := NewConn(m.cfg)
	if err != nil {
		return nil, err
	}
	if _, err := m.BindAny(c); err != nil {
		return nil, err
	}
	if err := c.Connect(ctx, raddr); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Listen starts accepting connections on port.
func (m *Mux) Listen(port uint16) (*Listener, error) {
	l := newListener(m, port)
	if err := m.register(l.binding); err != nil {
		return nil, err
	}
	go l.cleanupLoop()
	log.Info().Uint16("port", port).Msg("listening")
	return l, nil
}

// Stats returns a snapshot of the mux counters.
func (m *Mux) Stats() MuxStats {
	m.mu.Lock()
	bindings := len(m.ports)
	m.mu.Unlock()

	return MuxStats{
		DatagramsReceived: m.stats.received.Load(),
		DatagramsSent:     m.stats.sent.Load(),
		DecodeFailures:    m.stats.decodeFailures.Load(),
		Unroutable:        m.stats.unroutable.Load(),
		SendErrors:        m.stats.sendErrors.Load(),
		Bindings:          bindings,
	}
}

// Close aborts every bound connection and listener and closes the socket.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	bound := make([]*binding, 0, len(m.ports))
	for _, b := range m.ports {
		bound = append(bound, b)
	}
	m.mu.Unlock()

	log.Info().Int("bindings", len(bound)).Msg("closing mux")

	for _, b := range bound {
		if b.abort != nil {
			b.abort()
		}
	}

	err := m.pc.Close()
	m.wg.Wait()
	return err
}

// send encodes p and writes it to the datagram address behind addr.
func (m *Mux) send(p *Packet, addr net.Addr) error {
	ra, ok := addr.(*Addr)
	if !ok || ra == nil || ra.Net == nil {
		return ErrBadAddress
	}
	data, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("marshal packet: %w", err)
	}
	if _, err := m.pc.WriteTo(data, ra.Net); err != nil {
		m.stats.sendErrors.Add(1)
		return fmt.Errorf("write datagram: %w", err)
	}
	m.stats.sent.Add(1)
	return nil
}

func (b *binding) Port() uint16 {
	return b.port
}

func (b *binding) Send(p *Packet, addr net.Addr) error {
	return b.mux.send(p, addr)
}

func (b *binding) Unbind() {
	b.unbindOnce.Do(func() { b.mux.unregister(b) })
}

func (b *binding) LocalAddr() net.Addr {
	return b.mux.pc.LocalAddr()
}
