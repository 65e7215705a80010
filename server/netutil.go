package server

import (
	"net"
	"strconv"
)

// GetHostPortFromAddr extracts the host and port from a net.Addr.
// If parsing fails, it returns best-effort values.
func GetHostPortFromAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}

// RemoteIP returns the client IP of a connection without the port.
func RemoteIP(conn net.Conn) string {
	host, _ := GetHostPortFromAddr(conn.RemoteAddr())
	return host
}
