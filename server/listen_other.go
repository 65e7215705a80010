//go:build !(linux || freebsd || darwin || openbsd || netbsd || dragonfly)

package server

import (
	"context"
	"fmt"
	"net"
)

// Listen opens a TCP listener.
func Listen(ctx context.Context, address string) (net.Listener, error) {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	return listener, nil
}
