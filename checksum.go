package rbtp

// Checksum computes the 16-bit packet checksum over data, treating the two
// checksum bytes of the header as zero. Both endpoints must compute it
// identically, so the byte update below is fixed.
func Checksum(data []byte) uint16 {
	c := uint32(0xFFFF)
	for i, b := range data {
		if i == checksumOffset || i == checksumOffset+1 {
			b = 0
		}
		c = ((c >> 8) | (c << 8)) & 0xFFFF
		c ^= uint32(b)
		c ^= (c & 0xFF) >> 4
		c ^= (c << 12) & 0xFFFF
		c ^= ((c & 0xFF) << 5) & 0xFFFF
	}
	return uint16(c & 0xFFFF)
}
