package rbtp

import (
	"fmt"
	"net"
)

// Addr is an RBTP endpoint: a datagram address plus the RBTP port that
// multiplexes connections over it.
type Addr struct {
	Net  net.Addr
	Port uint16
}

// Network returns "rbtp".
func (a *Addr) Network() string {
	return "rbtp"
}

// String returns "<datagram address>#<port>".
func (a *Addr) String() string {
	if a == nil {
		return "<nil>"
	}
	if a.Net == nil {
		return fmt.Sprintf("#%d", a.Port)
	}
	return fmt.Sprintf("%s#%d", a.Net.String(), a.Port)
}

// Channel is the datagram side of a connection. A Conn sends through it
// and releases it exactly once when it reaches CLOSED. Inbound packets are
// handed to the Conn by whoever owns the channel.
type Channel interface {
	// Port is the local RBTP port the channel is bound to.
	Port() uint16
	// Send transmits p to addr. Delivery is not guaranteed.
	Send(p *Packet, addr net.Addr) error
	// Unbind releases the port.
	Unbind()
}

// localAddresser is implemented by channels that know their datagram address.
type localAddresser interface {
	LocalAddr() net.Addr
}
