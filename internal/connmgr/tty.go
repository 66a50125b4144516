package connmgr

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tarm/serial"
)

// TTYStrategy opens serial devices created with `rfcomm bind`, keyed by the
// bound device address.
type TTYStrategy struct {
	// Bindings maps a device address to its TTY path, e.g. /dev/rfcomm0.
	Bindings map[string]string

	// Baud is passed to the TTY. RFCOMM ignores it but the driver requires
	// a valid rate. Zero selects 115200.
	Baud int

	open func(*serial.Config) (io.ReadWriteCloser, error)
}

// ParseTTYBindings parses "ADDR=/dev/rfcommN" entries.
func ParseTTYBindings(entries []string) (map[string]string, error) {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		addr, path, ok := strings.Cut(e, "=")
		if !ok || addr == "" || path == "" {
			return nil, fmt.Errorf("connmgr: tty binding %q: want ADDR=PATH", e)
		}
		if _, err := parseAddress(normalizeAddress(addr)); err != nil {
			return nil, fmt.Errorf("connmgr: tty binding %q: %w", e, err)
		}
		out[normalizeAddress(addr)] = path
	}
	return out, nil
}

func (t *TTYStrategy) Name() string { return "rfcomm-tty" }

func (t *TTYStrategy) Open(ctx context.Context, address string) (Socket, error) {
	path, ok := t.Bindings[normalizeAddress(address)]
	if !ok {
		return nil, fmt.Errorf("no tty bound for %s", address)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	baud := t.Baud
	if baud == 0 {
		baud = 115200
	}
	open := t.open
	if open == nil {
		open = func(c *serial.Config) (io.ReadWriteCloser, error) { return serial.OpenPort(c) }
	}
	port, err := open(&serial.Config{Name: path, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &ttySocket{port: port, path: path}, nil
}

// ttySocket wraps an open rfcomm TTY. The port is both the socket and its
// stream; closing the stream leaves the port to the socket.
type ttySocket struct {
	port io.ReadWriteCloser
	path string

	down      atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (s *ttySocket) Output() (Stream, error) { return &ttyStream{s: s}, nil }

// Connected reports false once closed or once the kernel removed the TTY
// node.
func (s *ttySocket) Connected() bool {
	if s.down.Load() {
		return false
	}
	_, err := os.Stat(s.path)
	return err == nil
}

func (s *ttySocket) Close() error {
	s.closeOnce.Do(func() {
		s.down.Store(true)
		s.closeErr = s.port.Close()
	})
	return s.closeErr
}

type ttyStream struct {
	s      *ttySocket
	closed atomic.Bool
}

func (w *ttyStream) Write(p []byte) (int, error) {
	if w.closed.Load() || w.s.down.Load() {
		return 0, os.ErrClosed
	}
	return w.s.port.Write(p)
}

// Flush is a no-op: serial.Port.Flush discards pending data instead of
// draining it.
func (w *ttyStream) Flush() error {
	if w.closed.Load() {
		return os.ErrClosed
	}
	return nil
}

func (w *ttyStream) Close() error {
	w.closed.Store(true)
	return nil
}
