package main

import (
	"fmt"
	"strconv"

	"github.com/google/gousb"
	cli "github.com/urfave/cli/v2"

	devdfu "github.com/darren1713/FreakUSB/device/class/dfu"
	"github.com/darren1713/FreakUSB/host/dfu"
	"github.com/darren1713/FreakUSB/pkg"
)

func flashCommand() *cli.Command {
	return &cli.Command{
		Name:  "flash",
		Usage: "download an image to a USB device in DFU mode",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "in", Required: true, Usage: "raw firmware image"},
			&cli.StringFlag{Name: "vid", Required: true, Usage: "vendor ID, e.g. 0x10c4"},
			&cli.StringFlag{Name: "pid", Required: true, Usage: "product ID"},
			&cli.IntFlag{Name: "interface", Value: 0, Usage: "DFU interface number"},
			&cli.IntFlag{Name: "transfer-size", Value: devdfu.DefaultTransferSize, Usage: "DNLOAD chunk size, capped at the device's wTransferSize"},
			&cli.DurationFlag{Name: "max-poll", Value: dfu.DefaultMaxPollDelay, Usage: "cap on the device's poll timeout"},
		},
		Action: runFlash,
	}
}

func parseID(name, s string) (gousb.ID, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", name, s, pkg.ErrInvalidParameter)
	}
	return gousb.ID(v), nil
}

func runFlash(c *cli.Context) error {
	vid, err := parseID("vid", c.String("vid"))
	if err != nil {
		return err
	}
	pid, err := parseID("pid", c.String("pid"))
	if err != nil {
		return err
	}
	image, err := readImage(c.String("in"))
	if err != nil {
		return err
	}

	ctx := gousb.NewContext()
	defer ctx.Close()

	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		return fmt.Errorf("open %s:%s: %w", vid, pid, err)
	}
	if dev == nil {
		return fmt.Errorf("device %s:%s: %w", vid, pid, pkg.ErrNotConfigured)
	}
	defer dev.Close()

	client := dfu.NewClient(dev,
		dfu.WithInterface(uint16(c.Int("interface"))),
		dfu.WithTransferSize(c.Int("transfer-size")),
		dfu.WithMaxPollDelay(c.Duration("max-poll")))
	if _, err := client.LimitTransferSize(); err != nil {
		pkg.LogWarn(pkg.ComponentHost, "functional descriptor unavailable, keeping transfer size",
			"transferSize", client.TransferSize(),
			"error", err)
	}

	err = client.Download(c.Context, image, func(sent, total int) {
		pkg.LogInfo(pkg.ComponentHost, "download progress", "sent", sent, "total", total)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "downloaded %d bytes to %s:%s\n", len(image), vid, pid)
	return nil
}
