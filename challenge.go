package rbtp

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
)

const (
	// DefaultDifficulty is the number of leading zero bits a solution needs.
	// About 2^13 hashes are expected per handshake.
	DefaultDifficulty uint8 = 13

	// MaxDifficulty bounds the difficulty a server may demand; the digest
	// is 160 bits.
	MaxDifficulty uint8 = 160

	challengeSize = 8
	nonceMask     = 1<<56 - 1

	// solveCheckInterval is how many candidates are hashed between
	// context checks.
	solveCheckInterval = 1024

	// searchSlack is how many bits above the difficulty a solution may lie
	// past the issued nonce. An honest search ends far below that.
	searchSlack = 8
)

// Challenge is the proof-of-work puzzle a server hands to a connecting
// client in its SYN+CHA. On the wire it is 8 bytes of metadata: a 56-bit
// big-endian nonce followed by the difficulty.
type Challenge struct {
	Nonce      uint64 // 56 significant bits
	Difficulty uint8  // required leading zero bits of the digest
}

// hashFunc computes the digest a challenge is checked against.
type hashFunc func([]byte) []byte

func sha1Hash(b []byte) []byte {
	sum := sha1.Sum(b)
	return sum[:]
}

// GenerateChallenge picks a random 56-bit nonce.
func GenerateChallenge(difficulty uint8) (Challenge, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return Challenge{}, fmt.Errorf("generate nonce: %w", err)
	}
	return Challenge{
		Nonce:      binary.BigEndian.Uint64(b[:]) & nonceMask,
		Difficulty: difficulty,
	}, nil
}

// Bytes encodes the challenge as packet metadata.
func (c Challenge) Bytes() []byte {
	var b [challengeSize]byte
	binary.BigEndian.PutUint64(b[:], (c.Nonce&nonceMask)<<8|uint64(c.Difficulty))
	return b[:]
}

// ParseChallenge decodes challenge metadata.
func ParseChallenge(md []byte) (Challenge, error) {
	if len(md) != challengeSize {
		return Challenge{}, fmt.Errorf("%w: %d bytes", ErrBadChallenge, len(md))
	}
	v := binary.BigEndian.Uint64(md)
	return Challenge{Nonce: v >> 8, Difficulty: uint8(v)}, nil
}

// challengeInput returns the bytes that are hashed for p: the fixed header
// with a zero checksum followed by the metadata. The payload is not covered.
func challengeInput(p *Packet, buf []byte) []byte {
	n := HeaderSize + len(p.Metadata)
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	p.putHeader(buf)
	copy(buf[HeaderSize:], p.Metadata)
	return buf
}

// hasLeadingZeros reports whether the first n bits of sum are zero.
func hasLeadingZeros(sum []byte, n uint8) bool {
	if int(n) > len(sum)*8 {
		return false
	}
	for i := 0; i < int(n); i++ {
		if sum[i/8]&(0x80>>(i%8)) != 0 {
			return false
		}
	}
	return true
}

// SolveChallenge searches for a nonce, starting at c.Nonce, whose packet
// digest has c.Difficulty leading zero bits. On return tmpl.Metadata holds
// the solution. The search is unbounded; see SolveChallengeContext.
func SolveChallenge(tmpl *Packet, c Challenge) uint64 {
	nonce, _ := solveChallenge(context.Background(), tmpl, c, sha1Hash)
	return nonce
}

// SolveChallengeContext is SolveChallenge with cancellation.
func SolveChallengeContext(ctx context.Context, tmpl *Packet, c Challenge) (uint64, error) {
	return solveChallenge(ctx, tmpl, c, sha1Hash)
}

func solveChallenge(ctx context.Context, tmpl *Packet, c Challenge, hash hashFunc) (uint64, error) {
	nonce := c.Nonce & nonceMask
	var buf []byte
	for i := 0; ; i++ {
		if i%solveCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return 0, fmt.Errorf("solve challenge: %w", err)
			}
		}
		tmpl.Metadata = Challenge{Nonce: nonce, Difficulty: c.Difficulty}.Bytes()
		buf = challengeInput(tmpl, buf)
		if hasLeadingZeros(hash(buf), c.Difficulty) {
			return nonce, nil
		}
		nonce = (nonce + 1) & nonceMask
	}
}

// VerifyChallenge checks that p carries a solution of the required
// difficulty. The difficulty claimed in p's metadata must match.
func VerifyChallenge(p *Packet, difficulty uint8) bool {
	return verifyChallenge(p, difficulty, sha1Hash)
}

func verifyChallenge(p *Packet, difficulty uint8, hash hashFunc) bool {
	c, err := ParseChallenge(p.Metadata)
	if err != nil || c.Difficulty != difficulty {
		return false
	}
	return hasLeadingZeros(hash(challengeInput(p, nil)), difficulty)
}

// withinSearchBound reports whether solved could have been found by
// searching upward from the issued nonce.
func withinSearchBound(issued, solved Challenge) bool {
	bits := int(issued.Difficulty) + searchSlack
	if bits >= 56 {
		return true
	}
	return (solved.Nonce-issued.Nonce)&nonceMask < 1<<bits
}
