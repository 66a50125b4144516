//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// channelStrategy connects a raw RFCOMM socket to a fixed channel without
// consulting the device's service records.
type channelStrategy struct {
	channel uint8
}

func (s *channelStrategy) Name() string { return "rfcomm-channel" }

func (s *channelStrategy) Open(ctx context.Context, address string) (Socket, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm socket: %w", err)
	}
	sa := &unix.SockaddrRFCOMM{Addr: addr, Channel: s.channel}

	done := make(chan error, 1)
	go func() { done <- unix.Connect(fd, sa) }()

	select {
	case err := <-done:
		if err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("rfcomm connect channel %d: %w", s.channel, err)
		}
		return newFDSocket(fd, "rfcomm:"+normalizeAddress(address)), nil
	case <-ctx.Done():
		// connect(2) cannot be cancelled directly; shutting the socket down
		// makes it return, and the descriptor is released once it does.
		_ = unix.Shutdown(fd, unix.SHUT_RDWR)
		go func() {
			<-done
			_ = unix.Close(fd)
		}()
		return nil, fmt.Errorf("rfcomm connect channel %d: %w", s.channel, ctx.Err())
	}
}

// fdSocket is a connected RFCOMM socket descriptor, either dialled directly
// or handed over by bluetoothd.
type fdSocket struct {
	file *os.File

	down      atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newFDSocket(fd int, name string) *fdSocket {
	return &fdSocket{file: os.NewFile(uintptr(fd), name)}
}

// control runs fn on the descriptor while the file holds a reference to it,
// so a concurrent Close cannot release the number to another socket first.
func (s *fdSocket) control(fn func(fd int) error) error {
	rc, err := s.file.SyscallConn()
	if err != nil {
		return err
	}
	var ferr error
	// Control only fails once the file is closed.
	if err := rc.Control(func(fd uintptr) { ferr = fn(int(fd)) }); err != nil {
		return os.ErrClosed
	}
	return ferr
}

func (s *fdSocket) Output() (Stream, error) {
	if s.down.Load() {
		return nil, errors.New("socket closed")
	}
	return &fdStream{s: s}, nil
}

// Connected reports false once closed, once bluetoothd asked for
// disconnection, or once the peer is gone.
func (s *fdSocket) Connected() bool {
	if s.down.Load() {
		return false
	}
	err := s.control(func(fd int) error {
		_, err := unix.Getpeername(fd)
		return err
	})
	return err == nil
}

func (s *fdSocket) markDown() { s.down.Store(true) }

func (s *fdSocket) Close() error {
	s.closeOnce.Do(func() {
		s.markDown()
		s.closeErr = s.file.Close()
	})
	return s.closeErr
}

// fdStream writes straight to the descriptor. There is no user-space buffer,
// so Flush has nothing to do.
type fdStream struct {
	s      *fdSocket
	closed atomic.Bool
}

func (w *fdStream) Write(p []byte) (int, error) {
	if w.closed.Load() {
		return 0, os.ErrClosed
	}
	return w.s.file.Write(p)
}

func (w *fdStream) Flush() error {
	if w.closed.Load() {
		return os.ErrClosed
	}
	return nil
}

// Close shuts down the sending direction; the descriptor itself is released
// by the socket.
func (w *fdStream) Close() error {
	if w.closed.Swap(true) || w.s.down.Load() {
		return nil
	}
	err := w.s.control(func(fd int) error { return unix.Shutdown(fd, unix.SHUT_WR) })
	if err == nil || errors.Is(err, unix.ENOTCONN) || errors.Is(err, os.ErrClosed) {
		return nil
	}
	return fmt.Errorf("shutdown: %w", err)
}
