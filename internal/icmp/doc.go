// Package icmp implements the ICMPv4 and ICMPv6 wire codec used by the
// probe core.
//
// # Wire Format
//
// Every ICMP message starts with an 8-byte header:
//
//	Type     [1 byte]
//	Code     [1 byte]
//	Checksum [2 bytes] - big-endian
//	Rest     [4 bytes] - type specific
//
// Echo messages carry identifier and sequence in the type-specific bytes,
// followed by application data. The first TokenSize bytes of that data hold
// the correlation Token used to match a reply with its probe.
//
// # Parsing
//
// ParseIPv4 and ParseIPv6 never copy: the returned Message slices into the
// caller's buffer. Use Clone when a message must outlive the buffer.
// Unknown type/code pairs decode to *Other instead of failing.
//
// # Checksums
//
// ICMPv4 senders compute the checksum themselves (SetChecksum). ICMPv6
// checksums cover a pseudo-header and are filled in by the kernel, so they
// are never computed here. Received ICMPv4 checksums are not validated.
//
// # Sockets
//
// ListenPacket opens a datagram ICMP socket (SOCK_DGRAM with the ICMP
// protocol). On Linux this requires the ping_group_range sysctl or
// CAP_NET_RAW:
//
//	sysctl -w net.ipv4.ping_group_range="0 65535"
//
// Darwin strips the IPv4 header in the kernel. Other BSD-derived systems
// deliver it in front of each ICMPv4 message; see StripIPv4Header.
//
// Linux does not return ICMP errors (unreachable, time exceeded) from
// recvfrom on these sockets. They are queued on the socket error queue
// (IP_RECVERR, IPV6_RECVERR) and never reach the receive path, so only echo
// replies arrive there.
package icmp
