package sim

import (
	"fmt"
	"sync"

	"github.com/darren1713/FreakUSB/device/hal"
	"github.com/darren1713/FreakUSB/pkg"
)

// MaxEndpoints is the number of endpoint numbers the controller models.
const MaxEndpoints = 16

type endpoint struct {
	typ     hal.TransferType
	dir     hal.Direction
	mps     uint16
	enabled bool
	stalled bool
	txBusy  bool

	rx    [][]byte // packets received from the host, head is current
	rxPos int
	tx    []byte   // packet being filled by the device
	in    [][]byte // committed packets waiting for the host
}

// Controller is an in-memory USB device controller. The device side
// implements [hal.DeviceHAL] and [hal.InterruptSource]; the host side
// ([Controller.Setup], [Controller.Out], [Controller.In]) injects and
// collects packets.
//
// Host-side calls raise the interrupt after queuing data, outside the
// controller lock, so the handler may call back into the device side.
type Controller struct {
	mutex   sync.Mutex
	eps     [MaxEndpoints]endpoint
	acks    int
	handler func()
	changed chan struct{}
}

// New creates a controller with every endpoint disabled.
func New() *Controller {
	return &Controller{changed: make(chan struct{})}
}

// notifyLocked wakes every goroutine waiting on the current change channel.
func (c *Controller) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Changed returns a channel that is closed on the next device-side event:
// a committed packet, a status acknowledgement or a stall.
func (c *Controller) Changed() <-chan struct{} {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.changed
}

func (c *Controller) ep(number uint8) *endpoint {
	return &c.eps[number&0x0F]
}

// ConfigureEndpoint implements [hal.EndpointConfigurator].
func (c *Controller) ConfigureEndpoint(number uint8, typ hal.TransferType, dir hal.Direction, maxPacketSize uint16) error {
	if number >= MaxEndpoints {
		return pkg.ErrInvalidEndpoint
	}
	if typ == hal.TransferIsochronous {
		return fmt.Errorf("endpoint %d: %s: %w", number, typ, pkg.ErrNotSupported)
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ep := c.ep(number)
	*ep = endpoint{typ: typ, dir: dir, mps: maxPacketSize}
	pkg.LogDebug(pkg.ComponentHAL, "endpoint configured",
		"number", number,
		"type", typ,
		"direction", dir,
		"maxPacketSize", maxPacketSize)
	return nil
}

// EnableEndpoint implements [hal.EndpointConfigurator].
func (c *Controller) EnableEndpoint(number uint8) error {
	if number >= MaxEndpoints {
		return pkg.ErrInvalidEndpoint
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.ep(number).enabled = true
	return nil
}

// DisableEndpoint implements [hal.EndpointConfigurator].
func (c *Controller) DisableEndpoint(number uint8) error {
	if number >= MaxEndpoints {
		return pkg.ErrInvalidEndpoint
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ep := c.ep(number)
	ep.enabled = false
	ep.rx, ep.rxPos, ep.tx, ep.in = nil, 0, nil, nil
	return nil
}

// RxReady implements [hal.PacketBuffer].
func (c *Controller) RxReady(number uint8) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.ep(number).rx) > 0
}

// RxCount implements [hal.PacketBuffer].
func (c *Controller) RxCount(number uint8) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ep := c.ep(number)
	if len(ep.rx) == 0 {
		return 0
	}
	return len(ep.rx[0]) - ep.rxPos
}

// ReadRx implements [hal.PacketBuffer].
func (c *Controller) ReadRx(number uint8) byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ep := c.ep(number)
	if len(ep.rx) == 0 || ep.rxPos >= len(ep.rx[0]) {
		return 0
	}
	b := ep.rx[0][ep.rxPos]
	ep.rxPos++
	return b
}

// ReleaseRx implements [hal.PacketBuffer].
func (c *Controller) ReleaseRx(number uint8) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ep := c.ep(number)
	if len(ep.rx) > 0 {
		ep.rx = ep.rx[1:]
	}
	ep.rxPos = 0
}

// TxReady implements [hal.PacketBuffer].
func (c *Controller) TxReady(number uint8) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return !c.ep(number).txBusy
}

// WriteTx implements [hal.PacketBuffer].
func (c *Controller) WriteTx(number uint8, b byte) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ep := c.ep(number)
	ep.tx = append(ep.tx, b)
}

// CommitTx implements [hal.PacketBuffer].
func (c *Controller) CommitTx(number uint8) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ep := c.ep(number)
	pkt := ep.tx
	if pkt == nil {
		pkt = []byte{}
	}
	ep.in = append(ep.in, pkt)
	ep.tx = nil
	c.notifyLocked()
}

// AckStatus implements [hal.PacketBuffer].
func (c *Controller) AckStatus() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.acks++
	c.notifyLocked()
}

// Stall implements [hal.PacketBuffer]. Packets the host queued on a stalled
// endpoint are rejected.
func (c *Controller) Stall(number uint8, dir hal.Direction) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ep := c.ep(number)
	ep.stalled = true
	ep.rx, ep.rxPos = nil, 0
	c.notifyLocked()
}

// ClearStall implements [hal.PacketBuffer].
func (c *Controller) ClearStall(number uint8, dir hal.Direction) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.ep(number).stalled = false
}

// SetInterruptHandler implements [hal.InterruptSource].
func (c *Controller) SetInterruptHandler(handler func()) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.handler = handler
}

// Interrupt runs the interrupt handler, if any.
func (c *Controller) Interrupt() {
	c.mutex.Lock()
	h := c.handler
	c.mutex.Unlock()
	if h != nil {
		h()
	}
}

// SetTxBusy holds the transmit buffer of an endpoint busy, so that
// [hal.PacketBuffer.TxReady] reports false. Releasing a busy buffer raises
// the interrupt, as transmit completion does on hardware.
func (c *Controller) SetTxBusy(number uint8, busy bool) {
	c.mutex.Lock()
	ep := c.ep(number)
	released := ep.txBusy && !busy
	ep.txBusy = busy
	c.mutex.Unlock()

	if released {
		c.Interrupt()
	}
}

// Setup delivers a SETUP packet on endpoint 0. As on hardware, a SETUP
// clears a stalled control endpoint and aborts any unfinished transfer.
func (c *Controller) Setup(packet []byte) error {
	if len(packet) != 8 {
		return pkg.ErrSetupPacketTooShort
	}
	c.mutex.Lock()
	ep := c.ep(0)
	if !ep.enabled {
		c.mutex.Unlock()
		return pkg.ErrNotConfigured
	}
	ep.stalled = false
	ep.in = nil
	ep.rx = append(ep.rx, append([]byte(nil), packet...))
	c.mutex.Unlock()

	c.Interrupt()
	return nil
}

// Out delivers data from the host on an OUT (or control) endpoint, split
// into max-size packets. Empty data is sent as one zero-length packet.
func (c *Controller) Out(number uint8, data []byte) error {
	if number >= MaxEndpoints {
		return pkg.ErrInvalidEndpoint
	}
	c.mutex.Lock()
	ep := c.ep(number)
	switch {
	case !ep.enabled:
		c.mutex.Unlock()
		return fmt.Errorf("endpoint %d: %w", number, pkg.ErrNotConfigured)
	case ep.typ != hal.TransferControl && ep.dir != hal.DirOut:
		c.mutex.Unlock()
		return fmt.Errorf("endpoint %d is %s: %w", number, ep.dir, pkg.ErrInvalidEndpoint)
	case ep.stalled:
		c.mutex.Unlock()
		return fmt.Errorf("endpoint %d: %w", number, pkg.ErrStall)
	}
	mps := int(ep.mps)
	if len(data) == 0 {
		ep.rx = append(ep.rx, []byte{})
	}
	for len(data) > 0 {
		n := min(mps, len(data))
		ep.rx = append(ep.rx, append([]byte(nil), data[:n]...))
		data = data[n:]
	}
	c.mutex.Unlock()

	c.Interrupt()
	return nil
}

// In removes the oldest packet the device committed on an endpoint.
func (c *Controller) In(number uint8) ([]byte, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ep := c.ep(number)
	if len(ep.in) == 0 {
		return nil, false
	}
	pkt := ep.in[0]
	ep.in = ep.in[1:]
	return pkt, true
}

// Stalled reports whether an endpoint is stalled.
func (c *Controller) Stalled(number uint8) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.ep(number).stalled
}

// Enabled reports whether an endpoint is enabled.
func (c *Controller) Enabled(number uint8) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.ep(number).enabled
}

// MaxPacketSize returns the configured maximum packet size of an endpoint.
func (c *Controller) MaxPacketSize(number uint8) uint16 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.ep(number).mps
}

// Acks returns the number of control status stages acknowledged.
func (c *Controller) Acks() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.acks
}
