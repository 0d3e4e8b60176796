// Package util provides shared utility functions.
package util

import (
	"net"
	"strings"
)

// HostFromAddr strips the port from a "host:port" address. Inputs without a
// port are returned unchanged.
func HostFromAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.Trim(addr, "[]")
	}
	return host
}

// RemoteHost returns the host part of conn's remote address, which is how
// peers are told apart: two sockets from the same host are the same peer.
func RemoteHost(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return HostFromAddr(conn.RemoteAddr().String())
}
