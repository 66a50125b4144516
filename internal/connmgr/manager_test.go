package connmgr

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

const (
	addrA = "00:11:22:33:44:55"
	addrB = "66:77:88:99:AA:BB"
)

func TestListBondedDevices(t *testing.T) {
	h := newHarness(-1)
	h.radio.devices = []Device{{Name: "Printer", Address: addrA}}

	devs, err := h.m.ListBondedDevices(context.Background())
	if err != nil {
		t.Fatalf("ListBondedDevices: %v", err)
	}
	if len(devs) != 1 || devs[0].Address != addrA {
		t.Fatalf("got %+v", devs)
	}
}

func TestListBondedDevicesEmpty(t *testing.T) {
	h := newHarness(-1)
	devs, err := h.m.ListBondedDevices(context.Background())
	if err != nil {
		t.Fatalf("ListBondedDevices: %v", err)
	}
	if devs == nil || len(devs) != 0 {
		t.Fatalf("want empty non-nil slice, got %#v", devs)
	}
}

func TestListBondedDevicesRadioChecks(t *testing.T) {
	for _, tc := range []struct {
		state RadioState
		err   error
		want  error
	}{
		{state: RadioAbsent, want: ErrCapabilityUnavailable},
		{state: RadioOff, want: ErrCapabilityDisabled},
		{state: RadioOn, err: errors.New("no system bus"), want: ErrCapabilityUnavailable},
	} {
		h := newHarness(-1)
		h.radio.state, h.radio.err = tc.state, tc.err
		_, err := h.m.ListBondedDevices(context.Background())
		if !errors.Is(err, tc.want) {
			t.Errorf("state %v: got %v, want %v", tc.state, err, tc.want)
		}
	}
}

func TestConnectPrimary(t *testing.T) {
	h := newHarness(-1)
	if err := h.m.Connect(context.Background(), addrA); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !h.m.IsConnected() {
		t.Fatal("not connected after Connect")
	}
	if got := h.m.Address(); got != addrA {
		t.Errorf("Address = %q", got)
	}
	if n := h.fallback.attempts(); n != 0 {
		t.Errorf("fallback tried %d times after primary succeeded", n)
	}
}

func TestConnectFallback(t *testing.T) {
	h := newHarness(-1)
	h.primary.fail[addrA] = errors.New("service discovery failed")

	if err := h.m.Connect(context.Background(), addrA); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	want := []string{
		"service-record open " + addrA,
		"rfcomm-channel open " + addrA,
	}
	if got := h.ev.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %q, want %q", got, want)
	}
	if !h.m.IsConnected() {
		t.Fatal("not connected after fallback")
	}
}

func TestConnectBothFailReportsFallbackCause(t *testing.T) {
	h := newHarness(-1)
	h.primary.fail[addrA] = errors.New("first cause")
	h.fallback.fail[addrA] = errors.New("second cause")

	err := h.m.Connect(context.Background(), addrA)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("got %v, want ConnectionFailed", err)
	}
	if KindOf(err).Code() != "CONNECTION_FAILED" {
		t.Errorf("code = %s", KindOf(err).Code())
	}
	if !strings.Contains(err.Error(), "second cause") || strings.Contains(err.Error(), "first cause") {
		t.Errorf("error %q should carry only the fallback cause", err)
	}
	if h.m.IsConnected() || h.m.Address() != "" {
		t.Error("record not empty after failed connect")
	}
}

func TestConnectOutputFailureClosesSocket(t *testing.T) {
	h := newHarness(-1)
	bad := &failingOutputStrategy{}
	h.m = New(h.radio, Options{ChunkDelay: -1, Strategies: []Strategy{bad}})

	err := h.m.Connect(context.Background(), addrA)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("got %v", err)
	}
	if !bad.sock.isClosed() {
		t.Error("socket left open")
	}
	if h.m.Address() != "" {
		t.Error("record not empty")
	}
}

type failingOutputStrategy struct{ sock *fakeSocket }

func (s *failingOutputStrategy) Name() string { return "broken" }

func (s *failingOutputStrategy) Open(_ context.Context, address string) (Socket, error) {
	s.sock = &fakeSocket{address: address, ev: &events{}, connected: true, outputErr: errors.New("no stream")}
	return s.sock, nil
}

func TestConnectCapabilityFailureOpensNothing(t *testing.T) {
	for _, tc := range []struct {
		state RadioState
		want  error
	}{
		{RadioAbsent, ErrCapabilityUnavailable},
		{RadioOff, ErrCapabilityDisabled},
	} {
		h := newHarness(-1)
		if err := h.m.Connect(context.Background(), addrA); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		prev := h.socket()
		h.radio.state = tc.state

		err := h.m.Connect(context.Background(), addrB)
		if !errors.Is(err, tc.want) {
			t.Fatalf("state %v: got %v, want %v", tc.state, err, tc.want)
		}
		if n := h.primary.attempts() + h.fallback.attempts(); n != 1 {
			t.Errorf("state %v: %d open attempts, want only the first connect", tc.state, n)
		}
		if h.socket() != nil {
			t.Errorf("state %v: record not empty", tc.state)
		}
		if !prev.isClosed() {
			t.Errorf("state %v: previous connection not released", tc.state)
		}
	}
}

func TestConnectReleasesPreviousFirst(t *testing.T) {
	h := newHarness(-1)
	ctx := context.Background()
	if err := h.m.Connect(ctx, addrA); err != nil {
		t.Fatalf("Connect A: %v", err)
	}
	if err := h.m.Connect(ctx, addrB); err != nil {
		t.Fatalf("Connect B: %v", err)
	}
	want := []string{
		"service-record open " + addrA,
		"close stream " + addrA,
		"close socket " + addrA,
		"service-record open " + addrB,
	}
	if got := h.ev.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %q, want %q", got, want)
	}
	if got := h.m.Address(); got != addrB {
		t.Errorf("Address = %q", got)
	}
}

func TestConnectReleasesPreviousEvenIfNewFails(t *testing.T) {
	h := newHarness(-1)
	ctx := context.Background()
	if err := h.m.Connect(ctx, addrA); err != nil {
		t.Fatalf("Connect A: %v", err)
	}
	first := h.socket()
	h.primary.fail[addrB] = errors.New("down")
	h.fallback.fail[addrB] = errors.New("down")

	if err := h.m.Connect(ctx, addrB); err == nil {
		t.Fatal("expected failure")
	}
	if !first.isClosed() {
		t.Error("connection to A still open")
	}
	if h.m.IsConnected() {
		t.Error("manager reports connected")
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	h := newHarness(-1)
	h.m.Disconnect()
	if err := h.m.Connect(context.Background(), addrA); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sock := h.socket()
	h.m.Disconnect()
	h.m.Disconnect()

	if !sock.isClosed() {
		t.Error("socket not closed")
	}
	if h.socket() != nil || h.m.Address() != "" {
		t.Error("record not empty")
	}
	closes := 0
	for _, e := range h.ev.list() {
		if strings.HasPrefix(e, "close socket") {
			closes++
		}
	}
	if closes != 1 {
		t.Errorf("socket closed %d times", closes)
	}
}

func TestIsConnectedEmptyRecordSkipsPlatform(t *testing.T) {
	h := newHarness(-1)
	if h.m.IsConnected() {
		t.Fatal("connected with empty record")
	}
	if h.radio.calls != 0 {
		t.Errorf("radio queried %d times", h.radio.calls)
	}
	if err := h.m.Connect(context.Background(), addrA); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sock := h.socket()
	h.m.Disconnect()
	before := sock.connectedCalls
	if h.m.IsConnected() {
		t.Fatal("connected after Disconnect")
	}
	if sock.connectedCalls != before {
		t.Error("socket queried after Disconnect")
	}
}

func TestIsConnectedFollowsSocket(t *testing.T) {
	h := newHarness(-1)
	if err := h.m.Connect(context.Background(), addrA); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sock := h.socket()
	sock.mu.Lock()
	sock.connected = false
	sock.mu.Unlock()
	if h.m.IsConnected() {
		t.Fatal("IsConnected ignores socket state")
	}
}

func TestWriteBytesNotConnected(t *testing.T) {
	h := newHarness(-1)
	err := h.m.WriteBytes(context.Background(), []byte("hello"))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want NotConnected", err)
	}
	if KindOf(err).Code() != "NOT_CONNECTED" {
		t.Errorf("code = %s", KindOf(err).Code())
	}
	if got := h.ev.list(); len(got) != 0 {
		t.Errorf("I/O performed: %q", got)
	}
}

func TestWriteBytesDeadSocket(t *testing.T) {
	h := newHarness(-1)
	if err := h.m.Connect(context.Background(), addrA); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sock := h.socket()
	sock.mu.Lock()
	sock.connected = false
	sock.mu.Unlock()

	err := h.m.WriteBytes(context.Background(), []byte("hello"))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want NotConnected", err)
	}
	if n := len(sock.stream.sizes()); n != 0 {
		t.Errorf("%d writes on dead socket", n)
	}
}

func TestWriteBytesChunks(t *testing.T) {
	h := newHarness(-1)
	if err := h.m.Connect(context.Background(), addrA); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.m.WriteBytes(context.Background(), make([]byte, 2500)); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	stream := h.socket().stream
	if got, want := stream.sizes(), []int{1024, 1024, 452}; !reflect.DeepEqual(got, want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}
	var ops []string
	for _, e := range h.ev.list() {
		if strings.HasPrefix(e, "write") || strings.HasPrefix(e, "flush") {
			ops = append(ops, e)
		}
	}
	want := []string{
		"write " + addrA + " 1024", "flush " + addrA,
		"write " + addrA + " 1024", "flush " + addrA,
		"write " + addrA + " 452", "flush " + addrA,
	}
	if !reflect.DeepEqual(ops, want) {
		t.Fatalf("ops = %q, want %q", ops, want)
	}
}

func TestWriteBytesEmptyPayload(t *testing.T) {
	h := newHarness(-1)
	if err := h.m.Connect(context.Background(), addrA); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.m.WriteBytes(context.Background(), nil); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if n := len(h.socket().stream.sizes()); n != 0 {
		t.Errorf("%d writes for empty payload", n)
	}
}

func TestWriteBytesPausesBetweenChunks(t *testing.T) {
	h := newHarness(20 * time.Millisecond)
	if err := h.m.Connect(context.Background(), addrA); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	start := time.Now()
	if err := h.m.WriteBytes(context.Background(), make([]byte, 3*DefaultChunkSize)); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("3 chunks took %v, want at least two pauses", elapsed)
	}
}

func TestWriteBytesFailureMidStream(t *testing.T) {
	h := newHarness(-1)
	if err := h.m.Connect(context.Background(), addrA); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sock := h.socket()
	sock.stream.failAt = 2

	err := h.m.WriteBytes(context.Background(), make([]byte, 2500))
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("got %v, want WriteFailed", err)
	}
	if !strings.Contains(err.Error(), "broken pipe") {
		t.Errorf("cause missing from %q", err)
	}
	if got := sock.stream.sizes(); !reflect.DeepEqual(got, []int{1024}) {
		t.Errorf("writes = %v, want only the first chunk", got)
	}
	if h.socket() != sock || sock.isClosed() {
		t.Error("write failure changed the connection record")
	}
	if !h.m.IsConnected() {
		t.Error("manager should still report the socket's state")
	}
}

func TestDisconnectCancelsInflightWrite(t *testing.T) {
	h := newHarness(time.Hour)
	if err := h.m.Connect(context.Background(), addrA); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	stream := h.socket().stream
	stream.written = make(chan int, 4)

	errc := make(chan error, 1)
	go func() { errc <- h.m.WriteBytes(context.Background(), make([]byte, 2*DefaultChunkSize)) }()

	select {
	case <-stream.written:
	case <-time.After(5 * time.Second):
		t.Fatal("first chunk never written")
	}
	h.m.Disconnect()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrWriteFailed) || !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want WriteFailed wrapping context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("write not cancelled by Disconnect")
	}
	if h.m.IsConnected() {
		t.Error("still connected")
	}
}

func TestConnectDisplacesInflightWrite(t *testing.T) {
	h := newHarness(time.Hour)
	if err := h.m.Connect(context.Background(), addrA); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	stream := h.socket().stream
	stream.written = make(chan int, 4)

	errc := make(chan error, 1)
	go func() { errc <- h.m.WriteBytes(context.Background(), make([]byte, 2*DefaultChunkSize)) }()
	<-stream.written

	if err := h.m.Connect(context.Background(), addrB); err != nil {
		t.Fatalf("Connect B: %v", err)
	}
	if err := <-errc; !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("write: got %v", err)
	}
	if got := h.m.Address(); got != addrB {
		t.Errorf("Address = %q", got)
	}
}

func TestConcurrentConnectsKeepOneRecord(t *testing.T) {
	h := newHarness(-1)
	ctx := context.Background()
	done := make(chan struct{})
	for _, a := range []string{addrA, addrB, addrA, addrB} {
		go func(a string) {
			_ = h.m.Connect(ctx, a)
			done <- struct{}{}
		}(a)
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	open := 0
	for _, s := range append(h.primary.opened, h.fallback.opened...) {
		if !s.isClosed() {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("%d sockets open, want 1", open)
	}
	if h.socket() == nil || h.socket().isClosed() {
		t.Fatal("held socket is not the open one")
	}
}

// stallStrategy blocks until its context ends.
type stallStrategy struct {
	name string
	ev   *events
}

func (s *stallStrategy) Name() string { return s.name }

func (s *stallStrategy) Open(ctx context.Context, address string) (Socket, error) {
	s.ev.add("%s open %s", s.name, address)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConnectFallbackGetsShareOfDeadline(t *testing.T) {
	h := newHarness(-1)
	h.m = New(h.radio, Options{
		ChunkDelay: -1,
		Strategies: []Strategy{&stallStrategy{name: "service-record", ev: h.ev}, h.fallback},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	if err := h.m.Connect(ctx, addrA); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if n := h.fallback.attempts(); n != 1 {
		t.Fatalf("fallback tried %d times", n)
	}
	if got := h.m.Address(); got != addrA {
		t.Errorf("Address = %q", got)
	}
}

func TestConnectDeadlineReportsFallbackCause(t *testing.T) {
	h := newHarness(-1)
	h.m = New(h.radio, Options{
		ChunkDelay: -1,
		Strategies: []Strategy{
			&stallStrategy{name: "service-record", ev: h.ev},
			&stallStrategy{name: "rfcomm-channel", ev: h.ev},
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := h.m.Connect(ctx, addrA)
	if !errors.Is(err, ErrConnectionFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v", err)
	}
	if !strings.Contains(err.Error(), "rfcomm-channel:") {
		t.Errorf("error %q should name the fallback strategy", err)
	}
	want := []string{"service-record open " + addrA, "rfcomm-channel open " + addrA}
	if got := h.ev.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %q, want %q", got, want)
	}
}
