// Package connmgr owns the single outbound SPP (RFCOMM serial) connection to a
// paired Bluetooth device and the chunked write protocol used on it.
//
// The Manager is driven through a small set of platform seams (Radio,
// Strategy, Socket, Stream) so the connection lifecycle can be exercised
// without a Bluetooth stack. The BlueZ binding in this package implements
// them on linux.
//
// Thread-safety: all Manager methods are safe for concurrent use. Connect,
// WriteBytes and Disconnect are serialized; IsConnected and Address never
// block behind I/O.
package connmgr

import (
	"context"
	"io"
	"time"

	"github.com/op/go-logging"
)

const (
	// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultRFCOMMChannel is the fixed channel tried when the service record
	// lookup fails. Some devices do not publish a usable SPP record.
	DefaultRFCOMMChannel uint8 = 1

	// DefaultChunkSize is the largest slice of a payload written in one go.
	DefaultChunkSize = 1024

	// DefaultChunkDelay is the pause between chunks. Classic SPP links have
	// no flow control above the driver, so the receiver needs time to drain.
	DefaultChunkDelay = 50 * time.Millisecond
)

// Device describes a paired device.
//
// Address is the stable hardware identifier. Name may be empty when the
// registry has no display name for the device.
type Device struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Alias   string `json:"alias,omitempty"` // optional: Device1.Alias
	Path    string `json:"path,omitempty"`  // optional: D-Bus object path
}

// RadioState is the availability of the local Bluetooth adapter.
type RadioState int

const (
	RadioAbsent RadioState = iota
	RadioOff
	RadioOn
)

func (s RadioState) String() string {
	switch s {
	case RadioAbsent:
		return "absent"
	case RadioOff:
		return "off"
	case RadioOn:
		return "on"
	}
	return "unknown"
}

// Radio answers adapter state and bonded-device queries.
type Radio interface {
	// State reports whether an adapter exists and is powered.
	State(ctx context.Context) (RadioState, error)

	// BondedDevices returns the devices previously paired with this host.
	// Order follows the underlying registry and is not stable.
	BondedDevices(ctx context.Context) ([]Device, error)
}

// Strategy is one way of opening a serial channel to a device. The Manager
// tries its strategies in order and keeps the first socket that opens.
type Strategy interface {
	Name() string

	// Open blocks until the channel is established, fails, or ctx is done.
	Open(ctx context.Context, address string) (Socket, error)
}

// Socket is an established serial channel.
type Socket interface {
	// Output returns the outbound byte stream. It is called once per socket.
	Output() (Stream, error)

	// Connected reports the platform's view of the link.
	Connected() bool

	Close() error
}

// Stream is the outbound side of a Socket.
type Stream interface {
	io.WriteCloser
	Flush() error
}

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	ChunkSize int

	// ChunkDelay is the pause between chunks. A negative value disables it.
	ChunkDelay time.Duration

	// Strategies are tried in order by Connect. Required.
	Strategies []Strategy

	Logger *logging.Logger
}
