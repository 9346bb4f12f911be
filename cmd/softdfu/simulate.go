package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/darren1713/FreakUSB/device"
	"github.com/darren1713/FreakUSB/device/class/cdc"
	devdfu "github.com/darren1713/FreakUSB/device/class/dfu"
	"github.com/darren1713/FreakUSB/device/hal/sim"
	"github.com/darren1713/FreakUSB/host/dfu"
	"github.com/darren1713/FreakUSB/pkg"
)

// Simulated part: 64 KiB of flash in 1 KiB pages at address 0.
const (
	simFlashBase = 0x0000
	simFlashSize = 64 * 1024
	simPageSize  = 1024
)

// Interface layout of the simulated bootloader.
const (
	ifaceSerialControl = 0
	ifaceSerialData    = 1
	ifaceDFU           = 2
)

func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "download an image to a simulated bootloader and boot it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "in", Usage: "raw firmware image; a test image is generated when empty"},
			&cli.IntFlag{Name: "size", Value: 4096, Usage: "size of the generated test image"},
			&cli.StringFlag{Name: "out", Usage: "write the simulated flash contents to this file"},
			&cli.IntFlag{Name: "transfer-size", Value: devdfu.DefaultTransferSize, Usage: "DNLOAD chunk size"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "overall time limit"},
		},
		Action: runSimulate,
	}
}

// bootloader is a simulated device running CDC serial and DFU.
type bootloader struct {
	ctl    *sim.Controller
	flash  *sim.Flash
	booter *sim.Booter
	stack  *device.Stack
	serial *cdc.Serial
	dfu    *devdfu.Driver
}

func newBootloader(transferSize int) (*bootloader, error) {
	b := &bootloader{
		ctl:    sim.New(),
		flash:  sim.NewFlash(simFlashBase, simFlashSize, simPageSize),
		serial: cdc.NewSerial(),
	}
	b.booter = sim.NewBooter(b.flash)
	b.dfu = devdfu.New(b.flash, b.booter, devdfu.Config{
		TransferSize: uint16(transferSize),
		PageSize:     simPageSize,
	})
	b.stack = device.NewStack(b.ctl, device.DefaultConfig())

	for iface, drv := range map[uint8]device.ClassDriver{
		ifaceSerialControl: b.serial,
		ifaceSerialData:    b.serial,
		ifaceDFU:           b.dfu,
	} {
		if err := b.stack.Register(iface, drv); err != nil {
			return nil, err
		}
	}

	b.stack.SetStandardHandler(b.dfu.DescriptorHandler(ifaceDFU))

	// Device-side diagnostics go out over the virtual serial port.
	console := pkg.NewLogger(b.serial, &slog.HandlerOptions{Level: slog.LevelInfo})
	b.stack.SetOnConfigured(func(value uint8) {
		console.Info("bootloader configured", "configuration", value)
	})
	b.booter.SetOnBoot(func(sp, entry uint32) {
		console.Info("jumping to application",
			"sp", fmt.Sprintf("0x%08X", sp),
			"entry", fmt.Sprintf("0x%08X", entry))
	})
	return b, nil
}

// generateImage builds a test image with a plausible vector table.
func generateImage(size int, base uint32) []byte {
	size = max(size, 8)
	img := make([]byte, size)
	for i := range img {
		img[i] = byte(i)
	}
	binary.LittleEndian.PutUint32(img[0:], 0x20000000+simFlashSize/4)
	binary.LittleEndian.PutUint32(img[4:], base+0x101)
	return img
}

func runSimulate(c *cli.Context) error {
	b, err := newBootloader(c.Int("transfer-size"))
	if err != nil {
		return err
	}
	base := b.dfu.Config().ImageBase

	var image []byte
	if path := c.String("in"); path != "" {
		if image, err = readImage(path); err != nil {
			return err
		}
	} else {
		image = generateImage(c.Int("size"), base)
	}
	if limit := simFlashBase + simFlashSize - int(base); len(image) > limit {
		return fmt.Errorf("image of %d bytes exceeds %d bytes of flash: %w", len(image), limit, pkg.ErrFlashAddress)
	}

	if err := b.stack.Start(); err != nil {
		return err
	}
	defer func() { _ = b.stack.Stop() }()

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	host := sim.NewHost(b.ctl)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return b.stack.Run(gctx)
	})
	g.Go(func() error {
		return copyConsole(gctx, c.App.Writer, b.ctl)
	})
	g.Go(func() error {
		defer stop()
		return download(gctx, host, b, image)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	_, sp, entry := b.booter.Vector()
	fmt.Fprintf(c.App.Writer, "wrote %d bytes at 0x%08X, booted sp=0x%08X entry=0x%08X\n",
		len(image), base, sp, entry)

	if out := c.String("out"); out != "" {
		dump, err := b.flash.Read(b.flash.Base(), int(b.flash.Size()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, dump, 0o644); err != nil {
			return fmt.Errorf("write flash dump: %w", err)
		}
	}
	return nil
}

// download enumerates the simulated device and runs a DFU download
// through it.
func download(ctx context.Context, host *sim.Host, b *bootloader, image []byte) error {
	if _, err := host.Control(0x00, device.RequestSetConfiguration, 1, 0, nil); err != nil {
		return fmt.Errorf("set configuration: %w", err)
	}

	client := dfu.NewClient(host,
		dfu.WithInterface(ifaceDFU),
		dfu.WithMaxPollDelay(0))
	if _, err := client.LimitTransferSize(); err != nil {
		return err
	}
	err := client.Download(ctx, image, func(sent, total int) {
		pkg.LogDebug(pkg.ComponentHost, "download progress", "sent", sent, "total", total)
	})
	if err != nil {
		return err
	}

	// The bootloader jumps after reporting dfuMANIFEST-WAIT-RESET; it
	// answers nothing once it has.
	if _, err := client.GetState(); !errors.Is(err, pkg.ErrStall) {
		return fmt.Errorf("device still answering after manifestation: %w", pkg.ErrInvalidState)
	}
	if b.booter.Count() != 1 {
		return fmt.Errorf("image not booted: %w", pkg.ErrInvalidState)
	}
	return nil
}

// copyConsole prints what the device writes to its serial port, minus the
// carriage returns, until ctx is done.
func copyConsole(ctx context.Context, w io.Writer, ctl *sim.Controller) error {
	drain := func() error {
		for {
			pkt, ok := ctl.In(cdc.EndpointDataIn)
			if !ok {
				return nil
			}
			if _, err := w.Write(bytes.ReplaceAll(pkt, []byte{'\r'}, nil)); err != nil {
				return err
			}
		}
	}
	for {
		changed := ctl.Changed()
		if err := drain(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return drain()
		case <-changed:
		}
	}
}
