//go:build !(dragonfly || freebsd || netbsd || openbsd)

package ping

const stripIPv4Header = false
