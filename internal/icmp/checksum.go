package icmp

import "encoding/binary"

// Checksum calculates the Internet Checksum (RFC 1071) over b.
// The checksum field of b is included as-is, so callers computing a fresh
// checksum must zero bytes 2-3 first (see SetChecksum).
func Checksum(b []byte) uint16 {
	return ^fold(b)
}

// SetChecksum zeroes the checksum field of an ICMPv4 message, computes the
// checksum and stores it big-endian in bytes 2-3.
func SetChecksum(b []byte) {
	if len(b) < HeaderSize {
		return
	}
	b[2], b[3] = 0, 0
	binary.BigEndian.PutUint16(b[2:4], Checksum(b))
}

// ValidChecksum reports whether the checksum embedded in b is correct.
// A correct message sums to 0xffff including its checksum field.
func ValidChecksum(b []byte) bool {
	return fold(b) == 0xffff
}

func fold(b []byte) uint16 {
	var sum uint32

	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}

	// Odd trailing byte is padded with zero
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}

	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}

	return uint16(sum)
}
