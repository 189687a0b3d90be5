// Package ping sends ICMP echo probes and correlates replies.
//
// # Channels
//
// A Channel owns one datagram ICMP socket for one address family. Send
// serializes writes with a mutex and returns the instant the write
// completed. A background goroutine reads every inbound datagram, stamps
// its arrival time, decodes it and, for echo replies carrying a known
// token, resolves the matching correlation entry:
//
//	table := correlation.NewTable()
//	ch, err := ping.NewIPv4Channel(ping.Bind{}, table, ping.DefaultConfig(), logger)
//	...
//	waiter, _ := table.Register(token)
//	sentAt, err := ch.Send(p)
//	receivedAt, err := waiter.Wait(ctx)
//
// Messages other than echo replies are handed to Config.Observer, if set.
// On Linux the kernel keeps ICMP errors off the receive path, so the
// observer sees them only on platforms that deliver them.
// A datagram that fails to decode stops the receive loop unless
// Config.SkipMalformed is set; Done and Err report that condition.
//
// # Platform Framing
//
// FreeBSD, NetBSD, OpenBSD and DragonFly deliver the IPv4 header in front
// of messages read from a datagram ICMPv4 socket. Channels built for those
// platforms strip and validate it before decoding. Darwin sockets are
// opened with IP_STRIPHDR and IPv6 sockets never include it.
//
// # Pinger
//
// Pinger is a small request/response layer over channels used by the CLI.
// It owns timeout and rate policy, which the channels deliberately lack.
package ping
