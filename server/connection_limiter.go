package server

import (
	"fmt"
	"net"
	"sync"

	"github.com/migadu/maildrop/logger"
)

// ConnectionLimiter caps concurrent connections in total and per client IP.
// A zero limit disables that check.
type ConnectionLimiter struct {
	protocol       string
	maxConnections int
	maxPerIP       int

	mu    sync.Mutex
	total int
	perIP map[string]int
}

// NewConnectionLimiter creates a new connection limiter
func NewConnectionLimiter(protocol string, maxConnections, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		protocol:       protocol,
		maxConnections: maxConnections,
		maxPerIP:       maxPerIP,
		perIP:          make(map[string]int),
	}
}

// Accept registers a connection and returns the function that releases it.
// The release function is safe to call more than once.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	ip, _ := GetHostPortFromAddr(remoteAddr)

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.maxConnections > 0 && cl.total >= cl.maxConnections {
		return nil, fmt.Errorf("maximum connections reached (%d/%d)", cl.total, cl.maxConnections)
	}
	if cl.maxPerIP > 0 && cl.perIP[ip] >= cl.maxPerIP {
		return nil, fmt.Errorf("maximum connections per IP reached for %s (%d/%d)", ip, cl.perIP[ip], cl.maxPerIP)
	}

	cl.total++
	cl.perIP[ip]++
	logger.Debug("Connection limiter: Connection accepted", "protocol", cl.protocol, "ip", ip,
		"total", cl.total, "max_total", cl.maxConnections, "per_ip", cl.perIP[ip], "max_per_ip", cl.maxPerIP)

	var once sync.Once
	return func() {
		once.Do(func() {
			cl.mu.Lock()
			defer cl.mu.Unlock()
			cl.total--
			if cl.perIP[ip] <= 1 {
				delete(cl.perIP, ip)
			} else {
				cl.perIP[ip]--
			}
		})
	}, nil
}

// ConnectionStats represents connection statistics
type ConnectionStats struct {
	Protocol         string
	TotalConnections int
	MaxConnections   int
	MaxPerIP         int
	IPConnections    map[string]int
}

// GetStats returns current connection statistics
func (cl *ConnectionLimiter) GetStats() ConnectionStats {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	stats := ConnectionStats{
		Protocol:         cl.protocol,
		TotalConnections: cl.total,
		MaxConnections:   cl.maxConnections,
		MaxPerIP:         cl.maxPerIP,
		IPConnections:    make(map[string]int, len(cl.perIP)),
	}
	for ip, n := range cl.perIP {
		stats.IPConnections[ip] = n
	}
	return stats
}
