// Command softdfu downloads firmware over USB DFU, either to a real device
// through libusb or to a simulated FreakUSB bootloader.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	cli "github.com/urfave/cli/v2"

	"github.com/darren1713/FreakUSB/pkg"
)

const version = "v0.1.0"

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		pkg.LogError(pkg.ComponentHost, "softdfu failed", "error", err)
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "softdfu"
	app.Version = version
	app.Usage = "USB DFU firmware downloader with a simulated FreakUSB bootloader"
	app.Writer = stdout
	app.ErrWriter = stderr
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			EnvVars: []string{"SOFTDFU_LOG_LEVEL"},
			Value:   "warn",
			Usage:   "minimum log level: debug, info, warn or error",
		},
		&cli.StringFlag{
			Name:    "log-format",
			EnvVars: []string{"SOFTDFU_LOG_FORMAT"},
			Value:   "text",
			Usage:   "log format: text or json",
		},
	}
	app.Before = configureLogging
	app.Commands = []*cli.Command{
		simulateCommand(),
		flashCommand(),
	}
	return app
}

func configureLogging(c *cli.Context) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
		return fmt.Errorf("log level %q: %w", c.String("log-level"), pkg.ErrInvalidParameter)
	}
	format, err := pkg.ParseLogFormat(c.String("log-format"))
	if err != nil {
		return fmt.Errorf("log format %q: %w", c.String("log-format"), err)
	}
	pkg.SetLogLevel(level)
	pkg.SetLogOutput(c.App.ErrWriter)
	pkg.SetLogFormat(format)
	return nil
}

// readImage loads a raw firmware image.
func readImage(path string) ([]byte, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("image %s is empty: %w", path, pkg.ErrInvalidParameter)
	}
	return image, nil
}
