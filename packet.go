package rbtp

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
)

// Wire layout constants. All multi-byte fields are big-endian.
const (
	// HeaderSize is the size of the fixed header in bytes.
	HeaderSize = 16
	// HeaderWords is the size of the fixed header in 4-byte words.
	HeaderWords = HeaderSize / 4

	// MaxPayloadSize is the largest payload carried by one data segment.
	MaxPayloadSize = 1456

	// MaxScale is the largest window scale that fits in the flags field.
	MaxScale = 15

	checksumOffset = 12
	maxHeaderWords = 0xFFFF
)

// Flag bits as they appear in the 16-bit flags-and-scale field.
// The low four bits carry the window scale.
const (
	flagSYN   uint16 = 1 << 15
	flagCHA   uint16 = 1 << 14
	flagACK   uint16 = 1 << 13
	flagREJ   uint16 = 1 << 12
	flagFIN   uint16 = 1 << 11
	flagRST   uint16 = 1 << 10
	scaleMask uint16 = 0x000F
)

// Flags is the set of control bits carried by a packet.
// A packet with no flags set is a plain data segment.
type Flags struct {
	SYN bool // connection request
	CHA bool // proof-of-work challenge or response
	ACK bool // acknowledgement
	REJ bool // challenge rejected
	FIN bool // sender has no more data
	RST bool // abort
}

// IsControl reports whether any control bit is set.
func (f Flags) IsControl() bool {
	return f.SYN || f.CHA || f.ACK || f.REJ || f.FIN || f.RST
}

// String returns the set flags joined by '|', or "DATA" when none are set.
func (f Flags) String() string {
	var names []string
	for _, fl := range []struct {
		set  bool
		name string
	}{
		{f.SYN, "SYN"}, {f.CHA, "CHA"}, {f.ACK, "ACK"},
		{f.REJ, "REJ"}, {f.FIN, "FIN"}, {f.RST, "RST"},
	} {
		if fl.set {
			names = append(names, fl.name)
		}
	}
	if len(names) == 0 {
		return "DATA"
	}
	return strings.Join(names, "|")
}

// pack combines the flags and a window scale into the wire field.
func (f Flags) pack(scale uint8) uint16 {
	v := uint16(scale) & scaleMask
	if f.SYN {
		v |= flagSYN
	}
	if f.CHA {
		v |= flagCHA
	}
	if f.ACK {
		v |= flagACK
	}
	if f.REJ {
		v |= flagREJ
	}
	if f.FIN {
		v |= flagFIN
	}
	if f.RST {
		v |= flagRST
	}
	return v
}

// unpackFlags splits the wire field into flags and window scale.
func unpackFlags(v uint16) (Flags, uint8) {
	return Flags{
		SYN: v&flagSYN != 0,
		CHA: v&flagCHA != 0,
		ACK: v&flagACK != 0,
		REJ: v&flagREJ != 0,
		FIN: v&flagFIN != 0,
		RST: v&flagRST != 0,
	}, uint8(v & scaleMask)
}

// Packet is one RBTP datagram.
//
// Packet layout (big-endian):
//   - SourcePort: 2 bytes
//   - DestinationPort: 2 bytes
//   - SequenceNumber: 4 bytes
//   - Header length in words: 2 bytes (4 + len(Metadata)/4)
//   - Flags and scale: 2 bytes
//   - Checksum: 2 bytes (computed with this field zeroed)
//   - ReceiveWindow: 2 bytes
//   - Metadata: 4 bytes per extra header word
//   - Payload: remainder
//
// A decoded packet owns its Metadata and Payload slices.
type Packet struct {
	SourcePort      uint16
	DestinationPort uint16
	SequenceNumber  uint32
	Flags           Flags
	Scale           uint8  // window scale, 0-15
	ReceiveWindow   uint16 // effective window is ReceiveWindow << Scale
	Metadata        []byte // handshake challenge or acknowledged sequence numbers
	Payload         []byte

	// Addr is the remote endpoint the packet came from or is sent to.
	// It is not part of the wire format.
	Addr net.Addr
}

// HeaderWords returns the value of the header length field.
func (p *Packet) HeaderWords() int {
	return HeaderWords + len(p.Metadata)/4
}

// Window returns the effective receive window in bytes.
func (p *Packet) Window() int {
	return int(p.ReceiveWindow) << p.Scale
}

// SetWindow encodes a window size, picking the smallest scale that makes it
// fit in 16 bits. Low-order bits lost to scaling are dropped.
func (p *Packet) SetWindow(window int) {
	if window < 0 {
		window = 0
	}
	var scale uint8
	for window > 0xFFFF && scale < MaxScale {
		window >>= 1
		scale++
	}
	if window > 0xFFFF {
		window = 0xFFFF
	}
	p.Scale = scale
	p.ReceiveWindow = uint16(window)
}

// IsData reports whether the packet is a plain data segment.
func (p *Packet) IsData() bool {
	return !p.Flags.IsControl()
}

// Marshal serializes the packet and fills in the checksum.
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.Metadata)%4 != 0 {
		return nil, fmt.Errorf("metadata length %d is not a multiple of 4", len(p.Metadata))
	}
	if p.HeaderWords() > maxHeaderWords {
		return nil, fmt.Errorf("metadata too long: %d bytes", len(p.Metadata))
	}
	if p.Scale > MaxScale {
		return nil, fmt.Errorf("window scale %d exceeds %d", p.Scale, MaxScale)
	}

	buf := make([]byte, HeaderSize+len(p.Metadata)+len(p.Payload))
	p.putHeader(buf)
	copy(buf[HeaderSize:], p.Metadata)
	copy(buf[HeaderSize+len(p.Metadata):], p.Payload)

	binary.BigEndian.PutUint16(buf[checksumOffset:], Checksum(buf))
	return buf, nil
}

// putHeader writes the fixed header with a zero checksum into buf.
func (p *Packet) putHeader(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], p.SourcePort)
	binary.BigEndian.PutUint16(buf[2:4], p.DestinationPort)
	binary.BigEndian.PutUint32(buf[4:8], p.SequenceNumber)
	binary.BigEndian.PutUint16(buf[8:10], uint16(p.HeaderWords()))
	binary.BigEndian.PutUint16(buf[10:12], p.Flags.pack(p.Scale))
	binary.BigEndian.PutUint16(buf[12:14], 0)
	binary.BigEndian.PutUint16(buf[14:16], p.ReceiveWindow)
}

// Unmarshal parses a datagram into a Packet and verifies its checksum.
// Metadata and Payload are copied out of data.
func Unmarshal(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, &DecodeError{Err: ErrPacketTooShort, Length: len(data)}
	}

	words := int(binary.BigEndian.Uint16(data[8:10]))
	if words < HeaderWords || words*4 > len(data) {
		return nil, &DecodeError{Err: ErrBadHeaderLength, Length: len(data)}
	}

	want := binary.BigEndian.Uint16(data[checksumOffset:])
	if got := Checksum(data); got != want {
		return nil, &DecodeError{Err: ErrChecksumMismatch, Length: len(data)}
	}

	flags, scale := unpackFlags(binary.BigEndian.Uint16(data[10:12]))
	p := &Packet{
		SourcePort:      binary.BigEndian.Uint16(data[0:2]),
		DestinationPort: binary.BigEndian.Uint16(data[2:4]),
		SequenceNumber:  binary.BigEndian.Uint32(data[4:8]),
		Flags:           flags,
		Scale:           scale,
		ReceiveWindow:   binary.BigEndian.Uint16(data[14:16]),
	}

	headerLen := words * 4
	if headerLen > HeaderSize {
		p.Metadata = append([]byte(nil), data[HeaderSize:headerLen]...)
	}
	if len(data) > headerLen {
		p.Payload = append([]byte(nil), data[headerLen:]...)
	}
	return p, nil
}

// AckSequences decodes the metadata of an ACK as a list of acknowledged
// sequence numbers.
func (p *Packet) AckSequences() []uint32 {
	n := len(p.Metadata) / 4
	if n == 0 {
		return nil
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(p.Metadata[i*4:])
	}
	return out
}

// SetAckSequences encodes acknowledged sequence numbers into the metadata.
func (p *Packet) SetAckSequences(seqs []uint32) {
	md := make([]byte, 4*len(seqs))
	for i, s := range seqs {
		binary.BigEndian.PutUint32(md[i*4:], s)
	}
	p.Metadata = md
}

// String returns a short human-readable summary of the packet.
func (p *Packet) String() string {
	return fmt.Sprintf("%d->%d seq=%d flags=%s win=%d md=%d payload=%d",
		p.SourcePort, p.DestinationPort, p.SequenceNumber, p.Flags,
		p.Window(), len(p.Metadata), len(p.Payload))
}
