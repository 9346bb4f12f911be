package device

import (
	"fmt"

	"github.com/darren1713/FreakUSB/device/hal"
)

// Endpoint describes a configured endpoint and its runtime toggle state.
// Endpoints are owned by [Core] and only change through Core methods.
type Endpoint struct {
	Number        uint8            // Endpoint number (0-15)
	Type          hal.TransferType // Control, bulk, interrupt or isochronous
	Direction     hal.Direction    // IN or OUT (ignored for the control endpoint)
	MaxPacketSize uint16           // Negotiated maximum packet size

	configured bool
	dataToggle bool // DATA0/DATA1 toggle
}

// Address returns the endpoint address including the direction bit.
func (e *Endpoint) Address() uint8 {
	if e.Number == EndpointControl {
		return 0
	}
	return e.Number&0x0F | uint8(e.Direction)
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *Endpoint) IsIn() bool {
	return e.Direction == hal.DirIn
}

// IsOut returns true if this is an OUT endpoint (host to device).
func (e *Endpoint) IsOut() bool {
	return e.Direction == hal.DirOut
}

// IsControl returns true if this is a control endpoint.
func (e *Endpoint) IsControl() bool {
	return e.Type == hal.TransferControl
}

// IsBulk returns true if this is a bulk endpoint.
func (e *Endpoint) IsBulk() bool {
	return e.Type == hal.TransferBulk
}

// IsInterrupt returns true if this is an interrupt endpoint.
func (e *Endpoint) IsInterrupt() bool {
	return e.Type == hal.TransferInterrupt
}

// IsConfigured returns true once the endpoint has been configured.
func (e *Endpoint) IsConfigured() bool {
	return e.configured
}

// receives reports whether the endpoint accepts data from the host.
func (e *Endpoint) receives() bool {
	return e.configured && (e.IsControl() || e.IsOut())
}

// transmits reports whether the endpoint sends data to the host.
func (e *Endpoint) transmits() bool {
	return e.configured && (e.IsControl() || e.IsIn())
}

// DataToggle returns the current data toggle state (false = DATA0).
func (e *Endpoint) DataToggle() bool {
	return e.dataToggle
}

// toggleData flips the data toggle state.
func (e *Endpoint) toggleData() {
	e.dataToggle = !e.dataToggle
}

// resetDataToggle resets the data toggle to DATA0.
func (e *Endpoint) resetDataToggle() {
	e.dataToggle = false
}

// String returns a human-readable endpoint description.
func (e *Endpoint) String() string {
	return fmt.Sprintf("EP%d %s %s mps=%d", e.Number, e.Direction, e.Type, e.MaxPacketSize)
}
