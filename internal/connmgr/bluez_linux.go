//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"github.com/op/go-logging"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
)

var pathCounter uint64

// BlueZ answers Radio queries and opens SPP channels through bluetoothd.
type BlueZ struct {
	cfg BlueZConfig
	log *logging.Logger

	mu     sync.Mutex
	closed bool
	bus    *dbus.Conn

	prof        *profile
	profilePath dbus.ObjectPath

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

// NewBlueZ validates cfg. The system bus is connected on first use.
func NewBlueZ(cfg BlueZConfig) (*BlueZ, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &BlueZ{cfg: cfg, log: cfg.Logger}, nil
}

// Strategies returns the service-record strategy followed by the fixed
// channel fallback.
func (b *BlueZ) Strategies() []Strategy {
	return []Strategy{
		&profileStrategy{b: b},
		&channelStrategy{channel: b.cfg.Channel},
	}
}

// ensureBusLocked connects to the system bus if not yet connected.
func (b *BlueZ) ensureBusLocked() error {
	if b.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connmgr: connect system bus: %w", err)
	}
	b.bus = c
	// Close the bus last during cleanup.
	b.cleanup = append(b.cleanup, func() { b.bus.Close() })
	return nil
}

func (b *BlueZ) conn() (*dbus.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("connmgr: bluez closed")
	}
	if err := b.ensureBusLocked(); err != nil {
		return nil, err
	}
	return b.bus, nil
}

// State reports RadioAbsent when BlueZ knows no matching adapter.
func (b *BlueZ) State(ctx context.Context) (RadioState, error) {
	bus, err := b.conn()
	if err != nil {
		return RadioAbsent, err
	}
	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return RadioAbsent, err
	}
	_, props, ok := b.findAdapter(objs)
	if !ok {
		return RadioAbsent, nil
	}
	if v, ok := props["Powered"]; ok {
		if on, _ := v.Value().(bool); on {
			return RadioOn, nil
		}
	}
	return RadioOff, nil
}

// BondedDevices lists Device1 objects of the adapter that are paired or bonded.
func (b *BlueZ) BondedDevices(ctx context.Context) ([]Device, error) {
	bus, err := b.conn()
	if err != nil {
		return nil, err
	}
	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return nil, err
	}
	adapter, _, ok := b.findAdapter(objs)
	if !ok {
		return nil, errors.New("connmgr: adapter disappeared")
	}
	out := []Device{}
	for path, ifaces := range objs {
		if dev, ok := bondedDeviceFromIfaces(adapter, path, ifaces); ok {
			out = append(out, dev)
		}
	}
	return out, nil
}

func (b *BlueZ) adapterPath(ctx context.Context, bus *dbus.Conn) (dbus.ObjectPath, error) {
	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return "", err
	}
	p, _, ok := b.findAdapter(objs)
	if !ok {
		return "", errors.New("connmgr: no bluetooth adapter")
	}
	return p, nil
}

func (b *BlueZ) findAdapter(objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant) (dbus.ObjectPath, map[string]dbus.Variant, bool) {
	var (
		best  dbus.ObjectPath
		props map[string]dbus.Variant
	)
	for path, ifaces := range objs {
		p, ok := ifaces[adapterIface]
		if !ok {
			continue
		}
		if b.cfg.Adapter != "" {
			if string(path) == "/org/bluez/"+b.cfg.Adapter {
				return path, p, true
			}
			continue
		}
		// Map iteration is random; prefer the lowest path so hci0 wins.
		if best == "" || path < best {
			best, props = path, p
		}
	}
	return best, props, best != ""
}

// ensureProfile exports and registers the client Profile1 once.
func (b *BlueZ) ensureProfile() (*dbus.Conn, *profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, errors.New("connmgr: bluez closed")
	}
	if err := b.ensureBusLocked(); err != nil {
		return nil, nil, err
	}
	if b.prof != nil {
		return b.bus, b.prof, nil
	}

	prof := newProfile(b.log)
	// Unique object path per instance to avoid collisions.
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/sppbridge/connmgr/client/p" + strconv.FormatUint(id, 10))
	if err := b.bus.Export(prof, path, profileInterfaceName); err != nil {
		return nil, nil, fmt.Errorf("connmgr: export client profile: %w", err)
	}
	pm := b.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	opts := map[string]dbus.Variant{
		"Role":                  dbus.MakeVariant("client"),
		"AutoConnect":           dbus.MakeVariant(false),
		"RequireAuthentication": dbus.MakeVariant(false),
	}
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, b.cfg.ServiceUUID, opts); call.Err != nil {
		_ = b.bus.Export(nil, path, profileInterfaceName)
		return nil, nil, fmt.Errorf("connmgr: RegisterProfile(client): %w", call.Err)
	}
	// Unregister client profile on close.
	b.cleanup = append(b.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = b.bus.Export(nil, path, profileInterfaceName)
		prof.shutdown()
	})
	b.prof, b.profilePath = prof, path
	return b.bus, prof, nil
}

// Close is safe for concurrent and redundant calls (idempotent).
func (b *BlueZ) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cleanup := b.cleanup
	b.cleanup = nil
	b.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

// profileStrategy asks bluetoothd to connect the service UUID and waits for
// the socket to be handed over through Profile1.NewConnection.
type profileStrategy struct {
	b *BlueZ
}

func (s *profileStrategy) Name() string { return "service-record" }

func (s *profileStrategy) Open(ctx context.Context, address string) (Socket, error) {
	bus, prof, err := s.b.ensureProfile()
	if err != nil {
		return nil, err
	}
	adapter, err := s.b.adapterPath(ctx, bus)
	if err != nil {
		return nil, err
	}
	devPath := dbus.ObjectPath(devicePath(string(adapter), address))
	if !devPath.IsValid() {
		return nil, fmt.Errorf("invalid device address %q", address)
	}

	ch := prof.expect(devPath)
	defer prof.forget(devPath, ch)

	dev := bus.Object(bluezService, devPath)
	if call := dev.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, s.b.cfg.ServiceUUID); call.Err != nil {
		return nil, fmt.Errorf("ConnectProfile: %w", call.Err)
	}

	select {
	case <-ctx.Done():
		_ = dev.Call(deviceIface+".DisconnectProfile", 0, s.b.cfg.ServiceUUID).Err
		return nil, fmt.Errorf("connect canceled: %w", ctx.Err())
	case sock := <-ch:
		return sock, nil
	}
}

// profile implements org.bluez.Profile1 and routes NewConnection FDs to the
// Open call waiting for that device.
type profile struct {
	log *logging.Logger

	mu      sync.Mutex
	pending map[dbus.ObjectPath]chan *fdSocket
	live    map[dbus.ObjectPath]*fdSocket
}

func newProfile(log *logging.Logger) *profile {
	return &profile{
		log:     log,
		pending: make(map[dbus.ObjectPath]chan *fdSocket),
		live:    make(map[dbus.ObjectPath]*fdSocket),
	}
}

func (p *profile) expect(dev dbus.ObjectPath) chan *fdSocket {
	ch := make(chan *fdSocket, 1)
	p.mu.Lock()
	p.pending[dev] = ch
	p.mu.Unlock()
	return ch
}

// forget drops the pending slot and closes a socket delivered too late.
func (p *profile) forget(dev dbus.ObjectPath, ch chan *fdSocket) {
	p.mu.Lock()
	if p.pending[dev] == ch {
		delete(p.pending, dev)
	}
	p.mu.Unlock()
	select {
	case s := <-ch:
		_ = s.Close()
	default:
	}
}

func (p *profile) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for dev, s := range p.live {
		s.markDown()
		delete(p.live, dev)
	}
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection marks the device's socket as no longer connected.
func (p *profile) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error {
	p.mu.Lock()
	s, ok := p.live[dev]
	delete(p.live, dev)
	p.mu.Unlock()
	if ok {
		s.markDown()
		p.log.Infof("bluez requested disconnection of %s", dev)
	}
	return nil
}

// NewConnection delivers the RFCOMM socket FD to the waiting Open call.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	ch, ok := p.pending[dev]
	if ok {
		delete(p.pending, dev)
	}
	p.mu.Unlock()
	if !ok {
		// Nobody asked for this connection; close FD and reject to avoid leaks.
		_ = os.NewFile(uintptr(fd), "rfcomm").Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no pending connect"}}
	}
	sock := newFDSocket(int(fd), "rfcomm:"+macFromPath(string(dev)))
	select {
	case ch <- sock:
		p.mu.Lock()
		p.live[dev] = sock
		p.mu.Unlock()
		return nil
	default:
		_ = sock.Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"already delivered"}}
	}
}

// Helpers

func managedObjects(ctx context.Context, bus *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func bondedDeviceFromIfaces(adapter, path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	if v, ok := props["Adapter"]; ok {
		if a, _ := v.Value().(dbus.ObjectPath); a != "" && a != adapter {
			return Device{}, false
		}
	}
	if !boolProp(props, "Paired") && !boolProp(props, "Bonded") {
		return Device{}, false
	}
	var mac, name, alias string
	if v, ok := props["Address"]; ok {
		mac, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		alias, _ = v.Value().(string)
	}
	if mac == "" {
		mac = macFromPath(string(path))
	}
	return Device{
		Name:    name,
		Address: mac,
		Alias:   alias,
		Path:    string(path),
	}, true
}

func boolProp(props map[string]dbus.Variant, name string) bool {
	v, ok := props[name]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}
