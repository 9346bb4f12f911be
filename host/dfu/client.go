package dfu

import (
	"context"
	"fmt"
	"time"

	"github.com/darren1713/FreakUSB/device"
	devdfu "github.com/darren1713/FreakUSB/device/class/dfu"
	"github.com/darren1713/FreakUSB/pkg"
)

// DefaultMaxPollDelay caps the wait between GETSTATUS requests.
const DefaultMaxPollDelay = time.Second

// maxPolls bounds the GETSTATUS requests spent waiting for one state.
const maxPolls = 1000

// Controller performs control transfers on a device. *gousb.Device
// satisfies it, as does the simulator's host.
type Controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// StatusError reports a device that entered dfuERROR.
type StatusError struct {
	Report devdfu.StatusReport
	Block  uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("block %d: device reported %s in %s", e.Block, e.Report.Status, e.Report.State)
}

// Unwrap lets callers match a StatusError with errors.Is(err, pkg.ErrProtocol).
func (e *StatusError) Unwrap() error {
	return pkg.ErrProtocol
}

// Option configures a [Client].
type Option func(*Client)

// WithInterface selects the DFU interface number sent in wIndex.
func WithInterface(iface uint16) Option {
	return func(c *Client) { c.iface = iface }
}

// WithTransferSize sets the DNLOAD chunk size. It must not exceed the
// device's wTransferSize.
func WithTransferSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.transferSize = n
		}
	}
}

// WithMaxPollDelay caps the bwPollTimeout the client honours. Zero polls
// without waiting.
func WithMaxPollDelay(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.maxPollDelay = d
		}
	}
}

// Client is a host-side DFU 1.1 downloader.
type Client struct {
	dev          Controller
	iface        uint16
	transferSize int
	maxPollDelay time.Duration

	statusBuf [devdfu.StatusSize]byte
	stateBuf  [1]byte
}

// NewClient creates a client for the DFU interface of dev.
func NewClient(dev Controller, opts ...Option) *Client {
	c := &Client{
		dev:          dev,
		transferSize: devdfu.DefaultTransferSize,
		maxPollDelay: DefaultMaxPollDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetStatus issues DFU_GETSTATUS.
func (c *Client) GetStatus() (devdfu.StatusReport, error) {
	var r devdfu.StatusReport
	n, err := c.dev.Control(devdfu.RequestTypeIn, devdfu.RequestGetStatus, 0, c.iface, c.statusBuf[:])
	if err != nil {
		return r, fmt.Errorf("get status: %w", err)
	}
	if !devdfu.ParseStatusReport(c.statusBuf[:n], &r) {
		return r, fmt.Errorf("get status returned %d bytes: %w", n, pkg.ErrProtocol)
	}
	return r, nil
}

// GetState issues DFU_GETSTATE.
func (c *Client) GetState() (devdfu.State, error) {
	n, err := c.dev.Control(devdfu.RequestTypeIn, devdfu.RequestGetState, 0, c.iface, c.stateBuf[:])
	if err != nil {
		return devdfu.StateError, fmt.Errorf("get state: %w", err)
	}
	if n != 1 {
		return devdfu.StateError, fmt.Errorf("get state returned %d bytes: %w", n, pkg.ErrProtocol)
	}
	return devdfu.State(c.stateBuf[0]), nil
}

// FunctionalDescriptor reads the DFU functional descriptor of the interface
// with a standard GET_DESCRIPTOR request.
func (c *Client) FunctionalDescriptor() (devdfu.FunctionalDescriptor, error) {
	const requestType = device.RequestDirectionDeviceToHost | device.RequestTypeStandard | device.RequestRecipientInterface
	var d devdfu.FunctionalDescriptor
	var buf [devdfu.FunctionalDescriptorSize]byte
	n, err := c.dev.Control(requestType, device.RequestGetDescriptor,
		devdfu.DescriptorTypeFunctional<<8, c.iface, buf[:])
	if err != nil {
		return d, fmt.Errorf("get functional descriptor: %w", err)
	}
	if !devdfu.ParseFunctionalDescriptor(buf[:n], &d) {
		return d, fmt.Errorf("functional descriptor of %d bytes: %w", n, pkg.ErrProtocol)
	}
	return d, nil
}

// LimitTransferSize reads the functional descriptor and lowers the DNLOAD
// chunk size to the device's wTransferSize. It returns the chunk size in
// effect, which is unchanged on error.
func (c *Client) LimitTransferSize() (int, error) {
	d, err := c.FunctionalDescriptor()
	if err != nil {
		return c.transferSize, err
	}
	if d.TransferSize > 0 && int(d.TransferSize) < c.transferSize {
		pkg.LogInfo(pkg.ComponentHost, "transfer size limited by device",
			"requested", c.transferSize,
			"device", d.TransferSize)
		c.transferSize = int(d.TransferSize)
	}
	return c.transferSize, nil
}

// TransferSize returns the DNLOAD chunk size.
func (c *Client) TransferSize() int {
	return c.transferSize
}

// ClearStatus issues DFU_CLRSTATUS.
func (c *Client) ClearStatus() error {
	if _, err := c.dev.Control(devdfu.RequestTypeOut, devdfu.RequestClrStatus, 0, c.iface, nil); err != nil {
		return fmt.Errorf("clear status: %w", err)
	}
	return nil
}

// Abort issues DFU_ABORT.
func (c *Client) Abort() error {
	if _, err := c.dev.Control(devdfu.RequestTypeOut, devdfu.RequestAbort, 0, c.iface, nil); err != nil {
		return fmt.Errorf("abort: %w", err)
	}
	return nil
}

// Detach issues DFU_DETACH with the given wTimeout.
func (c *Client) Detach(timeout time.Duration) error {
	ms := max(0, min(timeout.Milliseconds(), 0xFFFF))
	if _, err := c.dev.Control(devdfu.RequestTypeOut, devdfu.RequestDetach, uint16(ms), c.iface, nil); err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	return nil
}

// Download sends image and drives the device through manifestation. A
// device left in dfuERROR or mid-download by an earlier session is
// returned to dfuIDLE first. progress, if not nil, is called after every
// chunk with the number of bytes sent.
func (c *Client) Download(ctx context.Context, image []byte, progress func(sent, total int)) error {
	if len(image) == 0 {
		return fmt.Errorf("download empty image: %w", pkg.ErrInvalidParameter)
	}
	if err := c.prepare(); err != nil {
		return err
	}

	block := uint16(0)
	for off := 0; off < len(image); off += c.transferSize {
		if ctx.Err() != nil {
			return fmt.Errorf("download: %w", pkg.ErrCancelled)
		}
		chunk := image[off:min(off+c.transferSize, len(image))]
		if err := c.dnload(block, chunk); err != nil {
			return err
		}
		if err := c.waitFor(ctx, block, devdfu.StateDnloadIdle); err != nil {
			return err
		}
		if progress != nil {
			progress(off+len(chunk), len(image))
		}
		block++
	}

	if err := c.dnload(block, nil); err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentHost, "image sent", "bytes", len(image), "blocks", block)
	return c.waitFor(ctx, block, devdfu.StateManifestWaitReset, devdfu.StateIdle)
}

// prepare brings the device to dfuIDLE.
func (c *Client) prepare() error {
	r, err := c.GetStatus()
	if err != nil {
		return err
	}
	switch r.State {
	case devdfu.StateIdle:
		return nil
	case devdfu.StateError:
		pkg.LogWarn(pkg.ComponentHost, "clearing error from previous session", "status", r.Status.String())
		if err := c.ClearStatus(); err != nil {
			return err
		}
	default:
		pkg.LogWarn(pkg.ComponentHost, "aborting previous session", "state", r.State.String())
		if err := c.Abort(); err != nil {
			return err
		}
	}

	state, err := c.GetState()
	if err != nil {
		return err
	}
	if state != devdfu.StateIdle {
		return fmt.Errorf("device in %s after reset: %w", state, pkg.ErrInvalidState)
	}
	return nil
}

func (c *Client) dnload(block uint16, chunk []byte) error {
	if _, err := c.dev.Control(devdfu.RequestTypeOut, devdfu.RequestDnload, block, c.iface, chunk); err != nil {
		return fmt.Errorf("download block %d: %w", block, err)
	}
	return nil
}

// waitFor polls GETSTATUS until the device reaches one of want.
func (c *Client) waitFor(ctx context.Context, block uint16, want ...devdfu.State) error {
	for range maxPolls {
		r, err := c.GetStatus()
		if err != nil {
			return fmt.Errorf("block %d: %w", block, err)
		}
		if r.State == devdfu.StateError {
			return &StatusError{Report: r, Block: block}
		}
		for _, s := range want {
			if r.State == s {
				return nil
			}
		}
		pkg.LogDebug(pkg.ComponentHost, "device busy",
			"block", block,
			"state", r.State.String(),
			"poll", r.PollTimeout)
		if err := c.sleep(ctx, r.PollTimeout); err != nil {
			return err
		}
	}
	return fmt.Errorf("block %d: device never reached %v: %w", block, want, pkg.ErrTimeout)
}

func (c *Client) sleep(ctx context.Context, poll time.Duration) error {
	d := min(poll, c.maxPollDelay)
	if d <= 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("download: %w", pkg.ErrCancelled)
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("download: %w", pkg.ErrCancelled)
	case <-timer.C:
		return nil
	}
}
