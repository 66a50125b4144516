package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// events records platform calls in order across all fakes of one test.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(format string, args ...interface{}) {
	e.mu.Lock()
	e.log = append(e.log, fmt.Sprintf(format, args...))
	e.mu.Unlock()
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakeRadio struct {
	mu      sync.Mutex
	state   RadioState
	err     error
	devices []Device
	calls   int
}

func (r *fakeRadio) State(context.Context) (RadioState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.state, r.err
}

func (r *fakeRadio) BondedDevices(context.Context) ([]Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices, nil
}

type fakeStrategy struct {
	name string
	ev   *events
	fail map[string]error

	mu      sync.Mutex
	opened  []*fakeSocket
	attempt int
}

func (s *fakeStrategy) Name() string { return s.name }

func (s *fakeStrategy) Open(ctx context.Context, address string) (Socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt++
	s.ev.add("%s open %s", s.name, address)
	if err, ok := s.fail[address]; ok {
		return nil, err
	}
	sock := &fakeSocket{address: address, ev: s.ev, connected: true}
	s.opened = append(s.opened, sock)
	return sock, nil
}

func (s *fakeStrategy) attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

type fakeSocket struct {
	address string
	ev      *events

	mu             sync.Mutex
	connected      bool
	closed         bool
	connectedCalls int
	stream         *fakeStream
	outputErr      error
}

func (s *fakeSocket) Output() (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outputErr != nil {
		return nil, s.outputErr
	}
	s.stream = &fakeStream{address: s.address, ev: s.ev}
	return s.stream, nil
}

func (s *fakeSocket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectedCalls++
	return s.connected && !s.closed
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.ev.add("close socket %s", s.address)
	return errors.New("close error is swallowed")
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeStream struct {
	address string
	ev      *events

	mu      sync.Mutex
	writes  []int
	flushes int
	failAt  int // 1-based write index that fails; 0 never fails
	written chan int
}

func (w *fakeStream) Write(p []byte) (int, error) {
	w.mu.Lock()
	n := len(w.writes) + 1
	if w.failAt == n {
		w.mu.Unlock()
		w.ev.add("write %s failed", w.address)
		return 0, errors.New("broken pipe")
	}
	w.writes = append(w.writes, len(p))
	ch := w.written
	w.mu.Unlock()
	w.ev.add("write %s %d", w.address, len(p))
	if ch != nil {
		ch <- len(p)
	}
	return len(p), nil
}

func (w *fakeStream) Flush() error {
	w.mu.Lock()
	w.flushes++
	w.mu.Unlock()
	w.ev.add("flush %s", w.address)
	return nil
}

func (w *fakeStream) Close() error {
	w.ev.add("close stream %s", w.address)
	return nil
}

func (w *fakeStream) sizes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int(nil), w.writes...)
}

type harness struct {
	ev       *events
	radio    *fakeRadio
	primary  *fakeStrategy
	fallback *fakeStrategy
	m        *Manager
}

func newHarness(delay time.Duration) *harness {
	ev := &events{}
	h := &harness{
		ev:       ev,
		radio:    &fakeRadio{state: RadioOn},
		primary:  &fakeStrategy{name: "service-record", ev: ev, fail: map[string]error{}},
		fallback: &fakeStrategy{name: "rfcomm-channel", ev: ev, fail: map[string]error{}},
	}
	h.m = New(h.radio, Options{
		ChunkDelay: delay,
		Strategies: []Strategy{h.primary, h.fallback},
	})
	return h
}

// socket returns the socket the manager currently holds.
func (h *harness) socket() *fakeSocket {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if h.m.conn == nil {
		return nil
	}
	return h.m.conn.socket.(*fakeSocket)
}
