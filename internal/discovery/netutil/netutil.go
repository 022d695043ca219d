// Package netutil classifies IP addresses for the observed-endpoint
// synthesis rule: RFC1918, loopback, and ULA ranges are never treated as a
// registrant's true public endpoint.
package netutil

import "net"

// IsPrivate reports whether ip falls in 10.0.0.0/8, 172.16.0.0/12,
// 192.168.0.0/16, 127.0.0.0/8, ::1, or fc00::/7.
func IsPrivate(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

// IsPrivateString parses s as an IP address and reports whether it is
// private per IsPrivate. An unparsable string is treated as not private.
func IsPrivateString(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return IsPrivate(ip)
}
