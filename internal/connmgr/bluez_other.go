//go:build !linux

package connmgr

import (
	"context"
	"errors"
)

var errUnsupported = errors.New("connmgr: bluez is only available on linux")

// BlueZ is unavailable on this platform; every query reports no adapter.
type BlueZ struct{}

func NewBlueZ(cfg BlueZConfig) (*BlueZ, error) {
	if _, err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	return &BlueZ{}, nil
}

func (b *BlueZ) Strategies() []Strategy { return nil }

func (b *BlueZ) State(context.Context) (RadioState, error) { return RadioAbsent, errUnsupported }

func (b *BlueZ) BondedDevices(context.Context) ([]Device, error) { return nil, errUnsupported }

func (b *BlueZ) Close() error { return nil }
