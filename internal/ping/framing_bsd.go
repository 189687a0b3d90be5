//go:build dragonfly || freebsd || netbsd || openbsd

package ping

// Datagram ICMPv4 sockets on these kernels deliver the IPv4 header. Darwin
// strips it in the kernel once IP_STRIPHDR is set on the socket.
const stripIPv4Header = true
