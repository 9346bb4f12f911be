package device

import (
	"fmt"
	"sync"

	"github.com/darren1713/FreakUSB/device/hal"
	"github.com/darren1713/FreakUSB/pkg"
)

// drainBurst bounds the packets moved per endpoint by a single DrainAll.
const drainBurst = 8

// Core is the endpoint FIFO core. It owns the endpoint table and the
// protocol control block, and moves bytes between the endpoint FIFOs and the
// hardware packet buffers.
//
// Core is safe for concurrent use. The interrupt path ([Stack.Service]) and
// the main path serialize on an internal mutex, which stands in for masking
// endpoint interrupts on hardware.
type Core struct {
	hal hal.DeviceHAL
	pcb *PCB

	mutex     sync.Mutex
	endpoints [MaxEndpoints]Endpoint
}

// NewCore creates an endpoint FIFO core over h with fifoSize bytes of FIFO
// per endpoint.
func NewCore(h hal.DeviceHAL, fifoSize int) *Core {
	if fifoSize <= 0 {
		fifoSize = DefaultFIFOSize
	}
	c := &Core{
		hal: h,
		pcb: newPCB(fifoSize),
	}
	for i := range c.endpoints {
		c.endpoints[i].Number = uint8(i)
	}
	return c
}

// PCB returns the protocol control block.
func (c *Core) PCB() *PCB {
	return c.pcb
}

// Endpoint returns a snapshot of endpoint num.
func (c *Core) Endpoint(num uint8) (Endpoint, error) {
	if num >= MaxEndpoints {
		return Endpoint{}, pkg.ErrInvalidEndpoint
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.endpoints[num], nil
}

// MaxPacketSize returns the maximum packet size of endpoint num, or 0 if the
// endpoint is not configured.
func (c *Core) MaxPacketSize(num uint8) uint16 {
	ep, err := c.Endpoint(num)
	if err != nil || !ep.configured {
		return 0
	}
	return ep.MaxPacketSize
}

// Configure initializes endpoint num. Any stale FIFO contents, stall
// condition and data toggle are cleared, then the hardware endpoint is
// configured and enabled. Endpoint 0 must be a control endpoint.
func (c *Core) Configure(num uint8, typ hal.TransferType, dir hal.Direction, maxPacketSize uint16) error {
	if num >= MaxEndpoints {
		return pkg.ErrInvalidEndpoint
	}
	if (num == EndpointControl) != (typ == hal.TransferControl) {
		return fmt.Errorf("endpoint %d as %s: %w", num, typ, pkg.ErrInvalidParameter)
	}
	if maxPacketSize == 0 {
		return fmt.Errorf("endpoint %d max packet size 0: %w", num, pkg.ErrInvalidParameter)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	ep := &c.endpoints[num]
	ep.Type = typ
	ep.Direction = dir
	ep.MaxPacketSize = maxPacketSize
	ep.resetDataToggle()
	ep.configured = false
	c.pcb.FIFO(num).Reset()
	c.pcb.setPending(num, false)
	c.pcb.setStalled(num, false)

	if err := c.hal.ConfigureEndpoint(num, typ, dir, maxPacketSize); err != nil {
		return fmt.Errorf("configure endpoint %d: %w", num, err)
	}
	if err := c.hal.EnableEndpoint(num); err != nil {
		return fmt.Errorf("enable endpoint %d: %w", num, err)
	}
	ep.configured = true

	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint configured",
		"endpoint", ep.String())
	return nil
}

// Disable disables endpoint num and marks it unconfigured.
func (c *Core) Disable(num uint8) error {
	if num >= MaxEndpoints {
		return pkg.ErrInvalidEndpoint
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.disableLocked(num)
}

func (c *Core) disableLocked(num uint8) error {
	ep := &c.endpoints[num]
	if !ep.configured {
		return nil
	}
	ep.configured = false
	c.pcb.FIFO(num).Reset()
	c.pcb.setPending(num, false)
	return c.hal.DisableEndpoint(num)
}

// WriteByte appends b to the FIFO of endpoint num.
func (c *Core) WriteByte(num uint8, b byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, err := c.configuredLocked(num); err != nil {
		return err
	}
	return c.pcb.FIFO(num).WriteByte(b)
}

// Write appends p to the FIFO of endpoint num. If the FIFO fills up, Write
// returns the number of bytes queued and [pkg.ErrOverrun].
func (c *Core) Write(num uint8, p []byte) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, err := c.configuredLocked(num); err != nil {
		return 0, err
	}
	f := c.pcb.FIFO(num)
	for i, b := range p {
		if err := f.WriteByte(b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// ReadByte removes one byte from the FIFO of endpoint num. It returns
// [pkg.ErrUnderrun] when the FIFO is empty.
func (c *Core) ReadByte(num uint8) (byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, err := c.configuredLocked(num); err != nil {
		return 0, err
	}
	return c.pcb.FIFO(num).ReadByte()
}

// Read removes up to len(p) bytes from the FIFO of endpoint num.
// It returns [pkg.ErrUnderrun] if p is non-empty and nothing is buffered.
func (c *Core) Read(num uint8, p []byte) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, err := c.configuredLocked(num); err != nil {
		return 0, err
	}
	f := c.pcb.FIFO(num)
	if len(p) > 0 && f.Len() == 0 {
		return 0, pkg.ErrUnderrun
	}
	n := 0
	for n < len(p) && f.Len() > 0 {
		p[n], _ = f.ReadByte()
		n++
	}
	return n, nil
}

// Buffered returns the number of bytes in the FIFO of endpoint num.
func (c *Core) Buffered(num uint8) int {
	if num >= MaxEndpoints {
		return 0
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.pcb.FIFO(num).Len()
}

// Discard drops every byte in the FIFO of endpoint num.
func (c *Core) Discard(num uint8) {
	if num >= MaxEndpoints {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.pcb.FIFO(num).Reset()
}

// FlushToWire transmits up to one max-size packet from the FIFO of endpoint
// num and flips the data toggle. An empty FIFO transmits a zero-length
// packet. Bytes beyond one packet stay queued for the next call.
//
// It returns [pkg.ErrBusy] without side effects if the hardware transmit
// buffer still holds the previous packet.
func (c *Core) FlushToWire(num uint8) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ep, err := c.configuredLocked(num)
	if err != nil {
		return 0, err
	}
	if !ep.transmits() {
		return 0, fmt.Errorf("flush %s: %w", ep, pkg.ErrInvalidEndpoint)
	}
	if !c.hal.TxReady(num) {
		return 0, pkg.ErrBusy
	}

	return c.transmitLocked(ep), nil
}

// transmitLocked moves one packet from the FIFO of ep into the hardware
// transmit buffer and commits it.
func (c *Core) transmitLocked(ep *Endpoint) int {
	f := c.pcb.FIFO(ep.Number)
	n := 0
	for n < int(ep.MaxPacketSize) && f.Len() > 0 {
		b, _ := f.ReadByte()
		c.hal.WriteTx(ep.Number, b)
		n++
	}
	c.hal.CommitTx(ep.Number)
	ep.toggleData()
	return n
}

// FlushAll transmits one packet from every configured IN endpoint other
// than endpoint 0 whose FIFO holds data and whose hardware transmit buffer
// is free. It returns the number of packets committed.
func (c *Core) FlushAll() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	sent := 0
	for i := 1; i < len(c.endpoints); i++ {
		ep := &c.endpoints[i]
		if !ep.transmits() || c.pcb.FIFO(ep.Number).Len() == 0 || !c.hal.TxReady(ep.Number) {
			continue
		}
		c.transmitLocked(ep)
		sent++
	}
	return sent
}

// TxBacklog reports whether any IN endpoint other than endpoint 0 has bytes
// queued in its FIFO.
func (c *Core) TxBacklog() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for i := 1; i < len(c.endpoints); i++ {
		if c.endpoints[i].transmits() && c.pcb.FIFO(uint8(i)).Len() > 0 {
			return true
		}
	}
	return false
}

// DrainFromWire moves every byte the hardware has received on endpoint num
// into its FIFO. When bytes were read it sets [FlagSetupDataAvailable] for
// endpoint 0 and [FlagRxDataAvailable] otherwise. The hardware receive
// buffer is released only once its byte count reaches zero.
//
// If the packet does not fit in the FIFO nothing is read, the endpoint is
// marked pending, and the hardware keeps the packet until a later drain.
func (c *Core) DrainFromWire(num uint8) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.drainLocked(num)
}

func (c *Core) drainLocked(num uint8) (int, error) {
	ep, err := c.configuredLocked(num)
	if err != nil {
		return 0, err
	}
	if !ep.receives() {
		return 0, fmt.Errorf("drain %s: %w", ep, pkg.ErrInvalidEndpoint)
	}
	if !c.hal.RxReady(num) {
		c.pcb.setPending(num, false)
		return 0, nil
	}

	f := c.pcb.FIFO(num)
	count := c.hal.RxCount(num)
	if count > f.Free() {
		c.pcb.setPending(num, true)
		return 0, nil
	}
	c.pcb.setPending(num, false)

	n := 0
	for c.hal.RxCount(num) > 0 {
		// Free space was checked against the reported count.
		_ = f.WriteByte(c.hal.ReadRx(num))
		n++
	}
	c.hal.ReleaseRx(num)
	ep.toggleData()

	if n > 0 {
		if num == EndpointControl {
			c.pcb.SetFlag(FlagSetupDataAvailable)
		} else {
			c.pcb.SetFlag(FlagRxDataAvailable)
		}
	}
	return n, nil
}

// DrainAll drains every configured receiving endpoint, up to a few packets
// each, and returns the total number of bytes moved.
func (c *Core) DrainAll() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	total := 0
	for i := range c.endpoints {
		num := uint8(i)
		if !c.endpoints[i].receives() {
			continue
		}
		for range drainBurst {
			if !c.hal.RxReady(num) {
				break
			}
			n, err := c.drainLocked(num)
			if err != nil || c.pcb.Pending(num) {
				break
			}
			total += n
		}
	}
	return total
}

// SetStall sets the stall condition on endpoint num.
func (c *Core) SetStall(num uint8) error {
	if num >= MaxEndpoints {
		return pkg.ErrInvalidEndpoint
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ep := &c.endpoints[num]
	c.pcb.setStalled(num, true)
	c.hal.Stall(num, ep.Direction)
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint stalled", "endpoint", num)
	return nil
}

// ClearStall clears the stall condition on endpoint num and resets its data
// toggle to DATA0.
func (c *Core) ClearStall(num uint8) error {
	if num >= MaxEndpoints {
		return pkg.ErrInvalidEndpoint
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ep := &c.endpoints[num]
	c.pcb.setStalled(num, false)
	ep.resetDataToggle()
	c.hal.ClearStall(num, ep.Direction)
	return nil
}

// IsStalled reports whether endpoint num is stalled.
func (c *Core) IsStalled(num uint8) bool {
	return num < MaxEndpoints && c.pcb.Stalled(num)
}

// SendZLP completes the status stage of a control transfer with a
// zero-length packet. Only endpoint 0 is accepted.
func (c *Core) SendZLP(num uint8) error {
	if num != EndpointControl {
		return fmt.Errorf("zero-length ack on endpoint %d: %w", num, pkg.ErrInvalidEndpoint)
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, err := c.configuredLocked(num); err != nil {
		return err
	}
	c.hal.AckStatus()
	return nil
}

// Reset returns the core to its power-on state: every FIFO, flag and
// bitmask is cleared, and every endpoint other than endpoint 0 is disabled.
// Endpoint 0 keeps its configuration with a fresh data toggle.
func (c *Core) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for i := 1; i < MaxEndpoints; i++ {
		if err := c.disableLocked(uint8(i)); err != nil {
			pkg.LogWarn(pkg.ComponentEndpoint, "disable on reset failed",
				"endpoint", i,
				"error", err)
		}
	}
	ep0 := &c.endpoints[EndpointControl]
	ep0.resetDataToggle()
	if c.pcb.Stalled(EndpointControl) {
		c.hal.ClearStall(EndpointControl, ep0.Direction)
	}
	c.pcb.reset()
}

// configuredLocked returns endpoint num if it is configured.
func (c *Core) configuredLocked(num uint8) (*Endpoint, error) {
	if num >= MaxEndpoints {
		return nil, pkg.ErrInvalidEndpoint
	}
	ep := &c.endpoints[num]
	if !ep.configured {
		return nil, fmt.Errorf("endpoint %d: %w", num, pkg.ErrNotConfigured)
	}
	return ep, nil
}
