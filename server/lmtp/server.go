// Package lmtp accepts local deliveries and appends them to maildrops.
//
// The listener is meant for a trusted MTA: connections from outside the
// configured networks are refused, there is no authentication, and delivery
// never touches maildrop locks or deletion marks. A message appended while a
// POP3 session holds the maildrop gets a higher id than every message that
// session has seen, so the session's positions stay valid.
package lmtp

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/pkg/metrics"
	"github.com/migadu/maildrop/server"
	"github.com/migadu/maildrop/server/idgen"
)

// Deliverer is the part of a store the LMTP listener needs.
type Deliverer interface {
	AccountExists(ctx context.Context, user string) (bool, error)
	AppendMessage(ctx context.Context, username string, content []byte) (*server.MessageInfo, error)
}

var defaultTrustedNetworks = []string{
	"127.0.0.0/8",
	"::1/128",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
}

// connectionLimitingListener wraps a net.Listener to enforce connection limits at the TCP level
type connectionLimitingListener struct {
	net.Listener
	limiter *server.ConnectionLimiter
	name    string
}

// Accept accepts connections and checks connection limits before returning them
func (l *connectionLimitingListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		releaseConn, limitErr := l.limiter.Accept(conn.RemoteAddr())
		if limitErr != nil {
			logger.Debug("LMTP: Connection rejected", "name", l.name, "error", limitErr)
			metrics.ConnectionsRejected.WithLabelValues(consts.ProtocolLMTP).Inc()
			conn.Close()
			continue
		}

		return &connectionLimitingConn{Conn: conn, releaseFunc: releaseConn}, nil
	}
}

// connectionLimitingConn releases its limiter slot on Close.
type connectionLimitingConn struct {
	net.Conn
	releaseFunc func()
}

func (c *connectionLimitingConn) Close() error {
	c.releaseFunc()
	return c.Conn.Close()
}

type LMTPServerBackend struct {
	addr           string
	name           string
	hostname       string
	store          Deliverer
	server         *smtp.Server
	appCtx         context.Context
	maxMessageSize int64

	// Connection counters
	totalConnections  atomic.Int64
	activeConnections atomic.Int64

	limiter         *server.ConnectionLimiter
	trustedNetworks []*net.IPNet

	listenerMu sync.Mutex
	listener   net.Listener
	ready      chan struct{}
}

type LMTPServerOptions struct {
	Debug           bool
	MaxConnections  int      // 0 = unlimited
	MaxMessageSize  int64    // Bytes, 0 = unlimited
	TrustedNetworks []string // CIDR blocks allowed to connect; private ranges when empty
	ReadTimeout     time.Duration
}

func New(appCtx context.Context, name, hostname, addr string, store Deliverer, options LMTPServerOptions) (*LMTPServerBackend, error) {
	if store == nil {
		return nil, fmt.Errorf("lmtp: store is required")
	}

	networks := options.TrustedNetworks
	if len(networks) == 0 {
		networks = defaultTrustedNetworks
	}
	trustedNets, err := parseTrustedNetworks(networks)
	if err != nil {
		return nil, err
	}

	backend := &LMTPServerBackend{
		addr:            addr,
		name:            name,
		hostname:        hostname,
		store:           store,
		appCtx:          appCtx,
		maxMessageSize:  options.MaxMessageSize,
		limiter:         server.NewConnectionLimiter("LMTP", options.MaxConnections, 0),
		trustedNetworks: trustedNets,
		ready:           make(chan struct{}),
	}

	s := smtp.NewServer(backend)
	s.Addr = addr
	s.Domain = hostname
	s.LMTP = true
	s.Network = "tcp"
	if options.ReadTimeout > 0 {
		s.ReadTimeout = options.ReadTimeout
	}
	if options.Debug {
		s.Debug = os.Stdout
	}
	backend.server = s

	return backend, nil
}

func parseTrustedNetworks(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted network %q: %w", cidr, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

// isFromTrustedNetwork checks if an IP address is from a trusted network
func (b *LMTPServerBackend) isFromTrustedNetwork(ip net.IP) bool {
	for _, network := range b.trustedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func (b *LMTPServerBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remoteIP := server.RemoteIP(c.Conn())
	ip := net.ParseIP(remoteIP)
	if ip == nil || !b.isFromTrustedNetwork(ip) {
		logger.Warn("LMTP: Connection rejected - not from trusted network", "name", b.name, "remote", remoteIP)
		return nil, &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "LMTP connections only allowed from trusted networks",
		}
	}

	b.totalConnections.Add(1)
	activeCount := b.activeConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues(consts.ProtocolLMTP).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(consts.ProtocolLMTP).Inc()

	sessionCtx, sessionCancel := context.WithCancel(b.appCtx)
	s := &LMTPSession{
		backend:   b,
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		startTime: time.Now(),
	}
	s.Id = idgen.New()
	s.RemoteIP = remoteIP
	s.Protocol = "LMTP"
	s.ServerName = b.name

	s.DebugLog("new session (connections: active=%d)", activeCount)
	return s, nil
}

// Start binds the listener and serves until Close. Fatal errors are sent to
// errChan.
func (b *LMTPServerBackend) Start(errChan chan error) {
	listener, err := server.Listen(b.appCtx, b.addr)
	if err != nil {
		errChan <- err
		return
	}
	defer listener.Close()

	b.listenerMu.Lock()
	b.listener = listener
	b.listenerMu.Unlock()
	close(b.ready)

	logger.Info("LMTP server listening", "name", b.name, "addr", listener.Addr().String())

	limitedListener := &connectionLimitingListener{
		Listener: listener,
		limiter:  b.limiter,
		name:     b.name,
	}

	if err := b.server.Serve(limitedListener); err != nil && b.appCtx.Err() == nil && err != smtp.ErrServerClosed {
		errChan <- fmt.Errorf("LMTP server error: %w", err)
		return
	}
	logger.Info("LMTP server stopped gracefully", "name", b.name)
}

// Ready is closed once the listener is bound.
func (b *LMTPServerBackend) Ready() <-chan struct{} {
	return b.ready
}

// Addr returns the bound address, or nil before Ready.
func (b *LMTPServerBackend) Addr() net.Addr {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

func (b *LMTPServerBackend) Close() error {
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

// GetTotalConnections returns the cumulative total of all connections ever made
func (b *LMTPServerBackend) GetTotalConnections() int64 {
	return b.totalConnections.Load()
}

// GetActiveConnections returns the current number of active connections
func (b *LMTPServerBackend) GetActiveConnections() int64 {
	return b.activeConnections.Load()
}
