package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/migadu/maildrop/consts"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"EOF", io.EOF, true},
		{"wrapped EOF", fmt.Errorf("read: %w", io.EOF), true},
		{"unexpected EOF", io.ErrUnexpectedEOF, true},
		{"closed", net.ErrClosed, true},
		{"timeout", timeoutError{}, true},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"broken pipe", &os.SyscallError{Syscall: "write", Err: syscall.EPIPE}, true},
		{"store failure", errors.New("store unavailable"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionError(tt.err); got != tt.want {
				t.Errorf("IsConnectionError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(fmt.Errorf("read: %w", timeoutError{})) {
		t.Error("expected wrapped timeout to be detected")
	}
	if IsTimeout(io.EOF) {
		t.Error("EOF is not a timeout")
	}
}

func TestGetHostPortFromAddr(t *testing.T) {
	host, port := GetHostPortFromAddr(&net.TCPAddr{IP: net.ParseIP("192.0.2.7"), Port: 110})
	if host != "192.0.2.7" || port != 110 {
		t.Errorf("got %s:%d", host, port)
	}
	if host, port := GetHostPortFromAddr(nil); host != "" || port != 0 {
		t.Errorf("nil addr: got %q:%d", host, port)
	}
	unix := &net.UnixAddr{Name: "/run/maildrop.sock", Net: "unix"}
	if host, port := GetHostPortFromAddr(unix); host != "/run/maildrop.sock" || port != 0 {
		t.Errorf("unix addr: got %q:%d", host, port)
	}
}

func TestListenAndRemoteIP(t *testing.T) {
	ln, err := Listen(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	select {
	case c := <-accepted:
		defer c.Close()
		if ip := RemoteIP(c); ip != "127.0.0.1" {
			t.Errorf("RemoteIP = %q, want 127.0.0.1", ip)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
	}
}

func TestValidateUsername(t *testing.T) {
	valid := []string{"bob", "alice@example.com", "user+tag@example.org", strings.Repeat("a", consts.MaxUsernameLength)}
	for _, name := range valid {
		if err := ValidateUsername(name); err != nil {
			t.Errorf("ValidateUsername(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "bob smith", "tab\there", "bell\x07", "del\x7f", strings.Repeat("a", consts.MaxUsernameLength+1)}
	for _, name := range invalid {
		if err := ValidateUsername(name); !errors.Is(err, consts.ErrInvalidUsername) {
			t.Errorf("ValidateUsername(%q) = %v, want ErrInvalidUsername", name, err)
		}
	}
}
