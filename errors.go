package rbtp

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrConnClosed is returned by Read and Write once the connection is CLOSED.
	// It matches io.EOF under errors.Is.
	ErrConnClosed = fmt.Errorf("rbtp: connection closed: %w", io.EOF)
	// ErrConnClosing is returned once a close has been requested, locally or
	// by the peer's FIN, and no more data is available.
	// It matches io.EOF under errors.Is.
	ErrConnClosing = fmt.Errorf("rbtp: connection closing: %w", io.EOF)

	ErrNotEstablished    = errors.New("rbtp: connection not established")
	ErrAlreadyConnected  = errors.New("rbtp: already connected")
	ErrAlreadyBound      = errors.New("rbtp: already bound")
	ErrNotBound          = errors.New("rbtp: not bound")
	ErrPortInUse         = errors.New("rbtp: port already bound")
	ErrNoFreePort        = errors.New("rbtp: no free port")
	ErrConnectFailed     = errors.New("rbtp: connect failed")
	ErrChallengeRejected = errors.New("rbtp: challenge rejected by peer")
	ErrConnReset         = errors.New("rbtp: connection reset by peer")
	ErrLinkDead          = errors.New("rbtp: peer stopped acknowledging")
	ErrProtocolViolation = errors.New("rbtp: protocol violation")
	ErrListenerClosed    = errors.New("rbtp: listener closed")
	ErrMuxClosed         = errors.New("rbtp: mux closed")
	ErrBadAddress        = errors.New("rbtp: address is not an *rbtp.Addr")

	ErrPacketTooShort   = errors.New("packet shorter than header")
	ErrBadHeaderLength  = errors.New("invalid header length")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrBadChallenge     = errors.New("malformed challenge metadata")
)

// DecodeError describes a datagram that could not be decoded.
// Such datagrams are dropped as if they never arrived.
type DecodeError struct {
	Err    error
	Length int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %d-byte packet: %v", e.Length, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// timeoutError implements net.Error for deadline expiry.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
