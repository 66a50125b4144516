package connmgr

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/op/go-logging"
)

// BlueZConfig selects the adapter and channel parameters for the BlueZ
// binding.
type BlueZConfig struct {
	// Adapter is the adapter name (e.g. "hci0"). Empty selects the first
	// adapter BlueZ reports.
	Adapter string

	// ServiceUUID is the profile requested by the service-record strategy.
	// Empty selects SPPUUID.
	ServiceUUID string

	// Channel is the RFCOMM channel used by the fallback strategy. Zero
	// selects DefaultRFCOMMChannel.
	Channel uint8

	Logger *logging.Logger
}

func (c BlueZConfig) withDefaults() (BlueZConfig, error) {
	if c.ServiceUUID == "" {
		c.ServiceUUID = SPPUUID
	}
	id, err := uuid.Parse(c.ServiceUUID)
	if err != nil {
		return c, fmt.Errorf("connmgr: invalid service uuid %q: %w", c.ServiceUUID, err)
	}
	// BlueZ compares UUIDs as lower-case strings.
	c.ServiceUUID = id.String()
	if c.Channel == 0 {
		c.Channel = DefaultRFCOMMChannel
	}
	if c.Channel > 30 {
		return c, fmt.Errorf("connmgr: rfcomm channel %d out of range 1-30", c.Channel)
	}
	if c.Logger == nil {
		c.Logger = logging.MustGetLogger("bluez")
	}
	return c, nil
}

// parseAddress converts "AA:BB:CC:DD:EE:FF" into the little-endian byte
// order the kernel uses for bdaddr_t.
func parseAddress(addr string) ([6]byte, error) {
	var b [6]byte
	hw, err := net.ParseMAC(addr)
	if err != nil {
		return b, fmt.Errorf("invalid bluetooth address %q: %w", addr, err)
	}
	if len(hw) != 6 {
		return b, fmt.Errorf("invalid bluetooth address %q: want 6 bytes, got %d", addr, len(hw))
	}
	for i := 0; i < 6; i++ {
		b[i] = hw[5-i]
	}
	return b, nil
}

// normalizeAddress upper-cases addr and uses ':' separators.
func normalizeAddress(addr string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(addr), "-", ":"))
}

// devicePath builds the BlueZ Device1 object path for addr under adapter.
func devicePath(adapter, addr string) string {
	return adapter + "/dev_" + strings.ReplaceAll(normalizeAddress(addr), ":", "_")
}

// macFromPath extracts the address from a .../dev_XX_XX_XX_XX_XX_XX path.
func macFromPath(p string) string {
	idx := strings.LastIndex(p, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(p[idx+5:], "_", ":")
}
