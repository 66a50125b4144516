package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/op/go-logging"
)

// Manager owns at most one open serial connection.
type Manager struct {
	radio      Radio
	strategies []Strategy
	chunkSize  int
	chunkDelay time.Duration
	log        *logging.Logger

	// opMu serializes Connect, WriteBytes and Disconnect. Opening and
	// closing the socket always happen under it.
	opMu sync.Mutex

	// mu guards conn and inflight. It is never held across I/O.
	mu       sync.Mutex
	conn     *record
	inflight *inflightOp
}

// record is the live connection. socket, stream and address are set together.
type record struct {
	socket  Socket
	stream  Stream
	address string
}

type inflightOp struct {
	cancel context.CancelFunc
}

// New creates a manager with an empty connection record.
func New(radio Radio, opts Options) *Manager {
	m := &Manager{
		radio:      radio,
		strategies: append([]Strategy(nil), opts.Strategies...),
		chunkSize:  opts.ChunkSize,
		chunkDelay: opts.ChunkDelay,
		log:        opts.Logger,
	}
	if m.chunkSize <= 0 {
		m.chunkSize = DefaultChunkSize
	}
	if m.chunkDelay < 0 {
		m.chunkDelay = 0
	} else if m.chunkDelay == 0 {
		m.chunkDelay = DefaultChunkDelay
	}
	if m.log == nil {
		m.log = logging.MustGetLogger("connmgr")
	}
	return m
}

// ListBondedDevices returns the devices paired with this host. An empty
// slice is returned when nothing is paired.
func (m *Manager) ListBondedDevices(ctx context.Context) ([]Device, error) {
	if err := m.checkRadio(ctx); err != nil {
		return nil, err
	}
	devs, err := m.radio.BondedDevices(ctx)
	if err != nil {
		return nil, newError(KindInternal, "failed to get bonded devices", err)
	}
	if devs == nil {
		devs = []Device{}
	}
	return devs, nil
}

// Connect replaces any existing connection with a new one to address.
//
// The previous connection is always released first, even if the new attempt
// fails. Strategies are tried in order; when all fail the error of the last
// one is reported and the record stays empty.
func (m *Manager) Connect(ctx context.Context, address string) error {
	m.preempt()
	m.opMu.Lock()
	defer m.opMu.Unlock()
	ctx, done := m.begin(ctx)
	defer done()

	m.disconnectLocked()

	if err := m.checkRadio(ctx); err != nil {
		return err
	}

	sock, via, err := m.open(ctx, address)
	if err != nil {
		m.log.Warningf("connect %s: %v", address, err)
		return newError(KindConnectionFailed, "failed to connect", err)
	}
	stream, err := sock.Output()
	if err != nil {
		if cerr := sock.Close(); cerr != nil {
			m.log.Debugf("close %s after output error: %v", address, cerr)
		}
		return newError(KindConnectionFailed, "failed to connect", fmt.Errorf("output stream: %w", err))
	}

	m.mu.Lock()
	m.conn = &record{socket: sock, stream: stream, address: address}
	m.mu.Unlock()
	m.log.Infof("connected to %s via %s", address, via)
	return nil
}

// open tries every strategy in order and returns the first socket.
func (m *Manager) open(ctx context.Context, address string) (Socket, string, error) {
	var last error
	for i, s := range m.strategies {
		sctx, cancel := strategyContext(ctx, len(m.strategies)-i)
		sock, err := s.Open(sctx, address)
		cancel()
		if err == nil {
			return sock, s.Name(), nil
		}
		m.log.Debugf("strategy %s failed for %s: %v", s.Name(), address, err)
		last = fmt.Errorf("%s: %w", s.Name(), err)
		if ctx.Err() != nil {
			break
		}
	}
	if last == nil {
		last = errors.New("no connection strategy configured")
	}
	return nil, "", last
}

// strategyContext bounds the next of left strategies to an equal share of
// the time remaining before ctx's deadline.
func strategyContext(ctx context.Context, left int) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok || left <= 1 {
		return context.WithCancel(ctx)
	}
	share := time.Until(deadline) / time.Duration(left)
	return context.WithTimeout(ctx, share)
}

// Disconnect releases the current connection, if any. Close errors are
// logged and dropped. Calling it with no connection is a no-op.
func (m *Manager) Disconnect() {
	m.preempt()
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.disconnectLocked()
}

// Close releases the connection at process teardown.
func (m *Manager) Close() error {
	m.Disconnect()
	return nil
}

// disconnectLocked must be called with opMu held.
func (m *Manager) disconnectLocked() {
	m.mu.Lock()
	rec := m.conn
	m.conn = nil
	m.mu.Unlock()
	if rec == nil {
		return
	}
	if rec.stream != nil {
		if err := rec.stream.Close(); err != nil {
			m.log.Debugf("close stream %s: %v", rec.address, err)
		}
	}
	if rec.socket != nil {
		if err := rec.socket.Close(); err != nil {
			m.log.Debugf("close socket %s: %v", rec.address, err)
		}
	}
	m.log.Infof("disconnected from %s", rec.address)
}

// IsConnected reports whether a connection is held and its socket still
// considers itself connected. The socket is not consulted when no
// connection is held.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	rec := m.conn
	m.mu.Unlock()
	if rec == nil {
		return false
	}
	return rec.socket.Connected()
}

// Address returns the address of the held connection, or "".
func (m *Manager) Address() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return ""
	}
	return m.conn.address
}

// WriteBytes sends payload in chunks, flushing after each and pausing
// between them. Connectivity is checked once, before the first chunk.
//
// A failed chunk aborts the rest. The connection is kept in that case;
// callers decide whether to Disconnect.
func (m *Manager) WriteBytes(ctx context.Context, payload []byte) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	ctx, done := m.begin(ctx)
	defer done()

	m.mu.Lock()
	rec := m.conn
	m.mu.Unlock()
	if rec == nil || !rec.socket.Connected() {
		return newError(KindNotConnected, ErrNotConnected.Message, nil)
	}

	total := (len(payload) + m.chunkSize - 1) / m.chunkSize
	for i := 0; i < total; i++ {
		if i > 0 {
			if err := m.pause(ctx); err != nil {
				return newError(KindWriteFailed, fmt.Sprintf("aborted before chunk %d of %d", i+1, total), err)
			}
		}
		off := i * m.chunkSize
		end := min(off+m.chunkSize, len(payload))
		if _, err := rec.stream.Write(payload[off:end]); err != nil {
			return newError(KindWriteFailed, fmt.Sprintf("failed to write chunk %d of %d", i+1, total), err)
		}
		if err := rec.stream.Flush(); err != nil {
			return newError(KindWriteFailed, fmt.Sprintf("failed to flush chunk %d of %d", i+1, total), err)
		}
	}
	m.log.Debugf("wrote %d bytes in %d chunks to %s", len(payload), total, rec.address)
	return nil
}

func (m *Manager) pause(ctx context.Context) error {
	if m.chunkDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(m.chunkDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) checkRadio(ctx context.Context) error {
	st, err := m.radio.State(ctx)
	if err != nil {
		return newError(KindCapabilityUnavailable, ErrCapabilityUnavailable.Message, err)
	}
	switch st {
	case RadioOn:
		return nil
	case RadioOff:
		return newError(KindCapabilityDisabled, ErrCapabilityDisabled.Message, nil)
	default:
		return newError(KindCapabilityUnavailable, ErrCapabilityUnavailable.Message, nil)
	}
}

// begin registers the operation holding opMu as cancellable by preempt.
func (m *Manager) begin(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	op := &inflightOp{cancel: cancel}
	m.mu.Lock()
	m.inflight = op
	m.mu.Unlock()
	return ctx, func() {
		m.mu.Lock()
		if m.inflight == op {
			m.inflight = nil
		}
		m.mu.Unlock()
		cancel()
	}
}

// preempt cancels the operation currently holding opMu, if any.
func (m *Manager) preempt() {
	m.mu.Lock()
	op := m.inflight
	m.mu.Unlock()
	if op != nil {
		op.cancel()
	}
}
