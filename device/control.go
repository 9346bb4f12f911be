package device

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/darren1713/FreakUSB/pkg"
)

// Control sequences the phases of a control transfer on endpoint 0 for a
// class driver: the OUT data stage, the IN data stage, the zero-length
// status acknowledgement, and the stall used to reject a request.
type Control struct {
	core *Core
	cfg  Config
	poll func()
}

// NewControl creates a control transfer sequencer over core.
func NewControl(core *Core, cfg Config) *Control {
	return &Control{
		core: core,
		cfg:  cfg.withDefaults(),
	}
}

// Core returns the endpoint FIFO core.
func (c *Control) Core() *Core {
	return c.core
}

// SetPollHook sets a function called on every iteration of a bounded wait.
// Hardware ports use it to service the controller while endpoint
// interrupts are masked; tests use it to inject host traffic.
func (c *Control) SetPollHook(fn func()) {
	c.poll = fn
}

// ReceiveData waits until the control FIFO holds at least n bytes of the
// OUT data stage, draining the hardware on every iteration. On success the
// setup-data flag is cleared and the bytes are left in the FIFO for [Read].
//
// The wait is bounded by the data stage timeout and by ctx. On expiry the
// control endpoint is stalled and an error wrapping [pkg.ErrTimeout] is
// returned. A length larger than the FIFO is stalled immediately.
func (c *Control) ReceiveData(ctx context.Context, n int) error {
	if n > c.core.pcb.FIFO(EndpointControl).Cap() {
		c.Stall()
		return fmt.Errorf("data stage of %d bytes: %w", n, pkg.ErrBufferTooSmall)
	}

	err := c.wait(ctx, c.cfg.DataStageTimeout, func() bool {
		if c.core.Buffered(EndpointControl) >= n {
			return true
		}
		if _, err := c.core.DrainFromWire(EndpointControl); err != nil {
			pkg.LogDebug(pkg.ComponentControl, "drain failed", "error", err)
		}
		return c.core.Buffered(EndpointControl) >= n
	})
	if err != nil {
		c.Stall()
		pkg.LogWarn(pkg.ComponentControl, "data stage incomplete",
			"want", n,
			"have", c.core.Buffered(EndpointControl))
		return fmt.Errorf("data stage of %d bytes: %w", n, err)
	}
	c.core.pcb.ClearFlag(FlagSetupDataAvailable)
	return nil
}

// Read removes up to len(p) bytes of a received data stage from the control
// FIFO.
func (c *Control) Read(p []byte) (int, error) {
	return c.core.Read(EndpointControl, p)
}

// Ack completes the status stage with a zero-length packet.
func (c *Control) Ack() error {
	return c.core.SendZLP(EndpointControl)
}

// Respond sends data as the IN data stage of a request that announced
// wLength bytes. The response is truncated to wLength, queued in full into
// the control FIFO, and then transmitted one packet per flush. A short
// response that ends on a packet boundary is terminated with a zero-length
// packet. Each packet waits, bounded by the transmit timeout, for the
// hardware to accept it; on expiry the endpoint is stalled.
func (c *Control) Respond(ctx context.Context, data []byte, wLength uint16) error {
	if len(data) > int(wLength) {
		data = data[:wLength]
	}
	c.core.Discard(EndpointControl)
	if _, err := c.core.Write(EndpointControl, data); err != nil {
		c.core.Discard(EndpointControl)
		c.Stall()
		return fmt.Errorf("respond %d bytes: %w", len(data), err)
	}

	mps := int(c.core.MaxPacketSize(EndpointControl))
	zlp := len(data) == 0 ||
		(mps > 0 && len(data)%mps == 0 && len(data) < int(wLength))

	for c.core.Buffered(EndpointControl) > 0 {
		if err := c.flush(ctx); err != nil {
			return err
		}
	}
	if zlp {
		return c.flush(ctx)
	}
	return nil
}

// flush transmits one packet from the control FIFO, waiting for the
// hardware transmit buffer.
func (c *Control) flush(ctx context.Context) error {
	var flushErr error
	err := c.wait(ctx, c.cfg.TxTimeout, func() bool {
		_, flushErr = c.core.FlushToWire(EndpointControl)
		return !errors.Is(flushErr, pkg.ErrBusy)
	})
	if err == nil {
		err = flushErr
	}
	if err != nil {
		c.core.Discard(EndpointControl)
		c.Stall()
		return fmt.Errorf("transmit: %w", err)
	}
	return nil
}

// Stall stalls the control endpoint.
func (c *Control) Stall() {
	_ = c.core.SetStall(EndpointControl)
}

// Reject stalls the control endpoint and returns an error describing req.
func (c *Control) Reject(req *SetupPacket) error {
	c.Stall()
	return fmt.Errorf("%s: %w", req, pkg.ErrInvalidRequest)
}

// Expect rejects req unless its request type bits equal requestType
// exactly. Direction, type and recipient must all match.
func (c *Control) Expect(req *SetupPacket, requestType uint8) error {
	if req.RequestType != requestType {
		return c.Reject(req)
	}
	return nil
}

// wait polls cond until it returns true, the timeout expires, or ctx is
// done.
func (c *Control) wait(ctx context.Context, timeout time.Duration, cond func() bool) error {
	if cond() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return pkg.ErrCancelled
			}
			return pkg.ErrTimeout
		default:
		}
		if c.poll != nil {
			c.poll()
		}
		if cond() {
			return nil
		}
		runtime.Gosched()
	}
}
