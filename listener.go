package rbtp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// historyCleanupInterval is how often a listener forgets hosts that have
// not connected for a day.
const historyCleanupInterval = 10 * time.Minute

// Listener accepts incoming connections on one RBTP port. It implements
// net.Listener.
//
// Packets for the port are split by remote address: a packet from a peer
// that already has a connection goes to that connection, a SYN from an
// unknown peer spawns a new one, and anything else is dropped. A spawned
// connection is handed to Accept once its handshake completes.
type Listener struct {
	mux     *Mux
	cfg     *Config
	port    uint16
	binding *binding
	log     zerolog.Logger

	mu     sync.Mutex
	conns  map[string]*subBinding // keyed by remote Addr.String()
	closed bool

	acceptCh chan *Conn
	closedCh chan struct{}

	limiter  *connectionLimiter
	halfOpen *semaphore.Weighted // nil when unlimited
	access   *accessFilter
}

// subBinding is the Channel of one connection spawned by a listener. It
// shares the listener's port.
type subBinding struct {
	l    *Listener
	key  string
	conn *Conn

	unbindOnce sync.Once
}

func newListener(m *Mux, port uint16) *Listener {
	l := &Listener{
		mux:      m,
		cfg:      m.cfg,
		port:     port,
		log:      log.With().Uint16("port", port).Logger(),
		conns:    make(map[string]*subBinding),
		acceptCh: make(chan *Conn, m.cfg.AcceptBacklog),
		closedCh: make(chan struct{}),
		limiter:  newConnectionLimiter(m.cfg.Limits),
		access:   newAccessFilter(m.cfg.Access),
	}
	if n := l.limiter.config.MaxHalfOpen; n > 0 {
		l.halfOpen = semaphore.NewWeighted(int64(n))
	}
	l.binding = &binding{
		mux:   m,
		port:  port,
		recv:  l.handle,
		abort: l.abort,
	}
	return l
}

// handle routes one packet addressed to the listener's port. It runs on
// the mux read loop.
func (l *Listener) handle(p *Packet) {
	key := p.Addr.String()

	l.mu.Lock()
	sb := l.conns[key]
	closed := l.closed
	l.mu.Unlock()

	if sb != nil {
		sb.conn.deliver(p)
		return
	}
	if closed {
		return
	}
	if p.Flags != (Flags{SYN: true}) {
		l.log.Debug().
			Str("from", key).
			Str("packet", p.String()).
			Msg("dropping packet from unknown peer")
		return
	}
	l.admit(p)
}

// admit applies the access list and connection limits to a SYN and starts
// the server side of the handshake for it.
func (l *Listener) admit(syn *Packet) {
	if err := l.access.CheckAndLog(syn.Addr); err != nil {
		l.reject(syn)
		return
	}
	if l.halfOpen != nil && !l.halfOpen.TryAcquire(1) {
		logLimitExceeded(l.limiter.config, syn.Addr, "too many handshakes in progress")
		l.reject(syn)
		return
	}
	if err := l.limiter.CheckAndRecord(syn.Addr); err != nil {
		l.releaseHalfOpen()
		logLimitExceeded(l.limiter.config, syn.Addr, err.Error())
		l.reject(syn)
		return
	}

	c, err := l.spawn(syn)
	if err != nil {
		l.log.Warn().Err(err).Str("from", syn.Addr.String()).Msg("failed to accept SYN")
		l.releaseHalfOpen()
		return
	}
	go l.awaitReady(c)
}

// spawn creates the connection for syn and registers it under the peer's
// address. On error the limiter slot taken for syn is already returned.
func (l *Listener) spawn(syn *Packet) (*Conn, error) {
	c, err := NewConn(l.cfg)
	if err != nil {
		l.limiter.ConnectionClosed()
		return nil, err
	}
	sb := &subBinding{l: l, key: syn.Addr.String(), conn: c}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		c.Close()
		l.limiter.ConnectionClosed()
		return nil, ErrListenerClosed
	}
	l.conns[sb.key] = sb
	l.mu.Unlock()

	if err := c.Bind(sb); err != nil {
		sb.Unbind()
		c.Close()
		return nil, err
	}
	if err := c.accept(syn); err != nil {
		// Close releases the binding, which unregisters sb.
		c.Close()
		return nil, err
	}
	return c, nil
}

// reject answers a refused SYN according to the configured limit action.
func (l *Listener) reject(syn *Packet) {
	if l.limiter.config.LimitAction != LimitActionReset {
		return
	}
	rst := &Packet{
		SourcePort:      l.port,
		DestinationPort: syn.SourcePort,
		SequenceNumber:  seqAdd(syn.SequenceNumber, 1),
		Flags:           Flags{RST: true},
		Addr:            syn.Addr,
	}
	if err := l.mux.send(rst, syn.Addr); err != nil {
		l.log.Debug().Err(err).Msg("failed to send RST")
	}
}

func (l *Listener) releaseHalfOpen() {
	if l.halfOpen != nil {
		l.halfOpen.Release(1)
	}
}

// awaitReady waits for the handshake of c to finish and queues c for
// Accept if it succeeded.
func (l *Listener) awaitReady(c *Conn) {
	<-c.Ready()
	l.releaseHalfOpen()

	if !c.Established() {
		l.log.Debug().Err(c.Err()).Msg("handshake failed")
		return
	}
	l.log.Debug().
		Str("remote", c.RemoteAddr().String()).
		Int("active", l.limiter.ActiveConns()).
		Msg("handshake complete, queueing for accept")
	select {
	case l.acceptCh <- c:
	case <-l.closedCh:
		c.Close()
	}
}

// Accept waits for and returns the next connection.
// Implements net.Listener interface.
func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.AcceptConn()
	if err != nil {
		return nil, err
	}
	return c, nil
}

// AcceptConn is Accept returning the concrete type.
func (l *Listener) AcceptConn() (*Conn, error) {
	return l.AcceptContext(context.Background())
}

// AcceptContext waits for the next connection until ctx is done.
func (l *Listener) AcceptContext(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.acceptCh:
		l.log.Info().Str("remote", c.RemoteAddr().String()).Msg("accepted connection")
		return c, nil
	case <-l.closedCh:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAccept returns an established connection if one is waiting.
func (l *Listener) TryAccept() (*Conn, bool) {
	select {
	case c := <-l.acceptCh:
		return c, true
	default:
		return nil, false
	}
}

// Close stops accepting new connections. Connections already accepted
// keep running and keep the port bound until they finish. Established
// connections nobody accepted yet are closed.
// Implements net.Listener interface.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.closedCh)
	empty := len(l.conns) == 0
	l.mu.Unlock()

drain:
	for {
		select {
		case c := <-l.acceptCh:
			c.Close()
		default:
			break drain
		}
	}

	if empty {
		l.binding.Unbind()
	}
	l.log.Info().Msg("closed listener")
	return nil
}

// abort closes the listener and every connection it spawned.
func (l *Listener) abort() {
	l.Close()

	l.mu.Lock()
	conns := make([]*Conn, 0, len(l.conns))
	for _, sb := range l.conns {
		conns = append(conns, sb.conn)
	}
	l.mu.Unlock()

	for _, c := range conns {
		c.fail(ErrMuxClosed)
	}
	l.binding.Unbind()
}

// AddAccessHost adds an IP address or CIDR prefix to the listener's access
// list. It takes effect for the next SYN. Whether listed hosts are allowed
// or refused depends on the configured mode.
func (l *Listener) AddAccessHost(host string) {
	l.access.AddHost(host)
}

// RemoveAccessHost removes an entry added by AddAccessHost or configured
// in Config.Access.
func (l *Listener) RemoveAccessHost(host string) {
	l.access.RemoveHost(host)
}

// ClearAccessHosts empties the listener's access list.
func (l *Listener) ClearAccessHosts() {
	l.access.Clear()
}

// AccessHosts returns the number of valid access list entries.
func (l *Listener) AccessHosts() int {
	return l.access.Count()
}

// Addr returns the listener's address.
// Implements net.Listener interface.
func (l *Listener) Addr() net.Addr {
	return &Addr{Net: l.mux.LocalAddr(), Port: l.port}
}

// Conns returns the number of live connections spawned by the listener.
func (l *Listener) Conns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

func (l *Listener) cleanupLoop() {
	ticker := time.NewTicker(historyCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.limiter.CleanupStaleHistory()
		case <-l.closedCh:
			return
		}
	}
}

// remove drops sb from the connection table. The port is released once a
// closed listener has no connections left.
func (l *Listener) remove(sb *subBinding) {
	l.mu.Lock()
	if l.conns[sb.key] == sb {
		delete(l.conns, sb.key)
	}
	release := l.closed && len(l.conns) == 0
	l.mu.Unlock()

	l.limiter.ConnectionClosed()
	if release {
		l.binding.Unbind()
	}
}

func (sb *subBinding) Port() uint16 {
	return sb.l.port
}

func (sb *subBinding) Send(p *Packet, addr net.Addr) error {
	return sb.l.mux.send(p, addr)
}

func (sb *subBinding) Unbind() {
	sb.unbindOnce.Do(func() { sb.l.remove(sb) })
}

func (sb *subBinding) LocalAddr() net.Addr {
	return sb.l.mux.LocalAddr()
}
