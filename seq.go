package rbtp

import "github.com/soypat/seqs"

// Sequence numbers are 32-bit and wrap; every comparison goes through
// modular distance rather than raw subtraction.

// seqAdd returns v advanced by n modulo 2^32.
func seqAdd(v uint32, n int) uint32 {
	return uint32(seqs.Add(seqs.Value(v), seqs.Size(uint32(n))))
}

// seqDiff returns how far b is ahead of a, modulo 2^32.
func seqDiff(a, b uint32) uint32 {
	return uint32(seqs.Sizeof(seqs.Value(a), seqs.Value(b)))
}

// seqLessThan reports whether a comes before b in sequence space.
func seqLessThan(a, b uint32) bool {
	return seqs.LessThan(seqs.Value(a), seqs.Value(b))
}

// seqLessThanOrEqual reports whether a == b or a comes before b.
func seqLessThanOrEqual(a, b uint32) bool {
	return seqs.LessThanEq(seqs.Value(a), seqs.Value(b))
}

// seqInWindow reports whether v lies in [first, first+size).
func seqInWindow(v, first, size uint32) bool {
	return seqs.InWindow(seqs.Value(v), seqs.Value(first), seqs.Size(size))
}
