package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli"

	"sppbridge/internal/connmgr"
	logsetup "sppbridge/internal/logging"
)

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:   "adapter",
		Usage:  "Adapter name, e.g. hci0 (default: first adapter)",
		EnvVar: "SPPBRIDGE_ADAPTER",
	},
	cli.StringFlag{
		Name:   "uuid",
		Value:  connmgr.SPPUUID,
		Usage:  "Service UUID for the service-record strategy",
		EnvVar: "SPPBRIDGE_UUID",
	},
	cli.IntFlag{
		Name:   "channel",
		Value:  int(connmgr.DefaultRFCOMMChannel),
		Usage:  "RFCOMM channel for the fallback strategy",
		EnvVar: "SPPBRIDGE_CHANNEL",
	},
	cli.IntFlag{
		Name:   "chunk-size",
		Value:  connmgr.DefaultChunkSize,
		Usage:  "Bytes per write",
		EnvVar: "SPPBRIDGE_CHUNK_SIZE",
	},
	cli.DurationFlag{
		Name:   "chunk-delay",
		Value:  connmgr.DefaultChunkDelay,
		Usage:  "Pause between chunks",
		EnvVar: "SPPBRIDGE_CHUNK_DELAY",
	},
	cli.StringSliceFlag{
		Name:   "tty",
		Usage:  "Use a bound rfcomm TTY for a device, ADDR=/dev/rfcommN (repeatable)",
		EnvVar: "SPPBRIDGE_TTY",
	},
	cli.DurationFlag{
		Name:   "timeout",
		Value:  30 * time.Second,
		Usage:  "Timeout for connect and device queries",
		EnvVar: "SPPBRIDGE_TIMEOUT",
	},
}

func bluezConfig(c *cli.Context) (connmgr.BlueZConfig, error) {
	ch := c.GlobalInt("channel")
	if ch < 1 || ch > 30 {
		return connmgr.BlueZConfig{}, fmt.Errorf("--channel %d out of range 1-30", ch)
	}
	return connmgr.BlueZConfig{
		Adapter:     c.GlobalString("adapter"),
		ServiceUUID: c.GlobalString("uuid"),
		Channel:     uint8(ch),
		Logger:      logsetup.Module("bluez"),
	}, nil
}

// openSession builds the manager over BlueZ. The returned func releases both.
func openSession(c *cli.Context) (*connmgr.Manager, func(), error) {
	cfg, err := bluezConfig(c)
	if err != nil {
		return nil, nil, err
	}
	bz, err := connmgr.NewBlueZ(cfg)
	if err != nil {
		return nil, nil, err
	}

	var strategies []connmgr.Strategy
	if entries := c.GlobalStringSlice("tty"); len(entries) > 0 {
		bindings, err := connmgr.ParseTTYBindings(entries)
		if err != nil {
			bz.Close()
			return nil, nil, err
		}
		strategies = append(strategies, &connmgr.TTYStrategy{Bindings: bindings})
	}
	strategies = append(strategies, bz.Strategies()...)

	delay := c.GlobalDuration("chunk-delay")
	if delay == 0 {
		delay = -1
	}
	m := connmgr.New(bz, connmgr.Options{
		ChunkSize:  c.GlobalInt("chunk-size"),
		ChunkDelay: delay,
		Strategies: strategies,
		Logger:     logsetup.Module("connmgr"),
	})
	return m, func() {
		m.Close()
		bz.Close()
	}, nil
}
