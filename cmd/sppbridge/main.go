// Command sppbridge lists paired Bluetooth devices, sends raw bytes to one of
// them over SPP, or serves the bridge to a host application.
//
// Prerequisites
//   - Linux with BlueZ (bluetoothd) running and system D-Bus access.
//   - The target device paired beforehand (e.g. with bluetoothctl).
//   - Registering the SPP client profile may require root.
//
// Examples
//
//	sppbridge devices
//	sppbridge print -a 00:11:22:33:44:55 -f receipt.bin
//	base64 receipt.bin | sppbridge print -a 00:11:22:33:44:55 --base64
//	sppbridge --tty 00:11:22:33:44:55=/dev/rfcomm0 print -a 00:11:22:33:44:55 -f receipt.bin
//	sppbridge serve --listen 127.0.0.1:8765
//
// Set SPPBRIDGE_LOG_LEVEL=DEBUG to trace strategy fallbacks.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/op/go-logging"
	"github.com/urfave/cli"

	"sppbridge/internal/bridge"
	"sppbridge/internal/connmgr"
	logsetup "sppbridge/internal/logging"
	"sppbridge/internal/server"
)

var log = logsetup.Setup("sppbridge", logging.INFO)

func main() {
	app := cli.NewApp()
	app.Name = "sppbridge"
	app.Usage = "send raw bytes to a paired Bluetooth serial device"
	app.Version = "0.1.0"
	app.Flags = globalFlags
	app.Commands = []cli.Command{
		cli.Command{
			Name:   "devices",
			Usage:  "List paired devices",
			Action: devicesCommand,
		},
		cli.Command{
			Name:   "status",
			Usage:  "Show adapter state",
			Action: statusCommand,
		},
		cli.Command{
			Name:  "print",
			Usage: "Connect, send a payload, and disconnect",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "address, a",
					Usage: "Device address, e.g. 00:11:22:33:44:55",
				},
				cli.StringFlag{
					Name:  "file, f",
					Usage: "Payload file (default: stdin)",
				},
				cli.BoolFlag{
					Name:  "base64",
					Usage: "Payload is base64 text",
				},
			},
			Action: printCommand,
		},
		cli.Command{
			Name:  "serve",
			Usage: "Serve the bridge over WebSocket",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:   "listen, l",
					Value:  "127.0.0.1:8765",
					Usage:  "Listen address",
					EnvVar: "SPPBRIDGE_LISTEN",
				},
			},
			Action: serveCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

// signalContext is cancelled on Ctrl-C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sig)
	}()
	return ctx, cancel
}

func devicesCommand(c *cli.Context) (err error) {
	m, closeFn, err := openSession(c)
	if err != nil {
		return err
	}
	defer closeFn()
	ctx, cancel := signalContext()
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, c.GlobalDuration("timeout"))
	defer cancelTimeout()

	devs, err := m.ListBondedDevices(ctx)
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		fmt.Println("no paired devices")
		return nil
	}
	for i, d := range devs {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("[%d] %s  %s\n", i, d.Address, name)
	}
	return nil
}

func statusCommand(c *cli.Context) (err error) {
	cfg, err := bluezConfig(c)
	if err != nil {
		return err
	}
	bz, err := connmgr.NewBlueZ(cfg)
	if err != nil {
		return err
	}
	defer bz.Close()
	ctx, cancel := context.WithTimeout(context.Background(), c.GlobalDuration("timeout"))
	defer cancel()
	st, err := bz.State(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("adapter: %s\n", st)
	return nil
}

func printCommand(c *cli.Context) (err error) {
	address := c.String("address")
	if address == "" {
		return cli.NewExitError("--address is required", 2)
	}
	payload, err := readPayload(c.String("file"), c.Bool("base64"))
	if err != nil {
		return err
	}

	m, closeFn, err := openSession(c)
	if err != nil {
		return err
	}
	defer closeFn()
	ctx, cancel := signalContext()
	defer cancel()

	connectCtx, cancelConnect := context.WithTimeout(ctx, c.GlobalDuration("timeout"))
	defer cancelConnect()
	log.Infof("connecting to %s", address)
	if err := m.Connect(connectCtx, address); err != nil {
		return err
	}
	defer m.Disconnect()

	if err := m.WriteBytes(ctx, payload); err != nil {
		return err
	}
	log.Infof("sent %d bytes to %s", len(payload), address)
	return nil
}

func readPayload(path string, isBase64 bool) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	if path == "" || path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if !isBase64 {
		return raw, nil
	}
	return bridge.DecodePayload(string(raw))
}

func serveCommand(c *cli.Context) (err error) {
	m, closeFn, err := openSession(c)
	if err != nil {
		return err
	}
	defer closeFn()
	ctx, cancel := signalContext()
	defer cancel()

	b := bridge.New(m, logsetup.Module("bridge"))
	srv := server.New(b, m, logsetup.Module("server"))
	return srv.ListenAndServe(ctx, c.String("listen"))
}
