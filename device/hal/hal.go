package hal

// TransferType is the USB transfer type of an endpoint (USB 2.0 Table 9-13).
type TransferType uint8

// Transfer types.
const (
	TransferControl     TransferType = 0x00
	TransferIsochronous TransferType = 0x01
	TransferBulk        TransferType = 0x02
	TransferInterrupt   TransferType = 0x03
)

// String returns a human-readable transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "Control"
	case TransferIsochronous:
		return "Isochronous"
	case TransferBulk:
		return "Bulk"
	case TransferInterrupt:
		return "Interrupt"
	default:
		return "Unknown"
	}
}

// Direction is the data direction of an endpoint, encoded as the direction
// bit of an endpoint address.
type Direction uint8

// Endpoint directions.
const (
	DirOut Direction = 0x00 // Host to device
	DirIn  Direction = 0x80 // Device to host
)

// String returns "IN" or "OUT".
func (d Direction) String() string {
	if d == DirIn {
		return "IN"
	}
	return "OUT"
}

// EndpointConfigurator performs register-level endpoint setup.
//
// Endpoint numbers are 0-15; endpoint 0 is always the control endpoint.
// Implementations select packet-size registers, bulk/interrupt or
// isochronous modes and interrupt enables. The device stack treats these
// operations as opaque.
type EndpointConfigurator interface {
	// ConfigureEndpoint programs the transfer type, direction and maximum
	// packet size of an endpoint. It also clears data underrun, stall and
	// data toggle conditions left over from a previous configuration.
	ConfigureEndpoint(number uint8, typ TransferType, dir Direction, maxPacketSize uint16) error

	// EnableEndpoint enables the endpoint and its receive interrupt.
	EnableEndpoint(number uint8) error

	// DisableEndpoint disables the endpoint.
	DisableEndpoint(number uint8) error
}

// PacketBuffer moves bytes between the endpoint hardware buffers and the
// device stack, one packet at a time.
type PacketBuffer interface {
	// RxReady reports whether a received packet is waiting on the endpoint.
	RxReady(number uint8) bool

	// RxCount returns the number of received bytes not yet read from the
	// hardware buffer.
	RxCount(number uint8) int

	// ReadRx removes one byte from the hardware receive buffer.
	// It must only be called while RxCount is nonzero.
	ReadRx(number uint8) byte

	// ReleaseRx clears the receive-ready condition so the hardware can
	// accept the next packet. It also clears any data overrun condition.
	ReleaseRx(number uint8)

	// TxReady reports whether the transmit buffer can accept a new packet.
	TxReady(number uint8) bool

	// WriteTx appends one byte to the hardware transmit buffer.
	WriteTx(number uint8, b byte)

	// CommitTx clears the underrun condition and marks the transmit buffer
	// as a ready packet. Committing an empty buffer sends a zero-length packet.
	CommitTx(number uint8)

	// AckStatus completes the status stage of a control transfer on
	// endpoint 0 with no data.
	AckStatus()

	// Stall sets the stall condition on the endpoint.
	Stall(number uint8, dir Direction)

	// ClearStall clears the stall condition and resets the data toggle.
	ClearStall(number uint8, dir Direction)
}

// DeviceHAL is the complete endpoint hardware interface consumed by the
// device stack.
type DeviceHAL interface {
	EndpointConfigurator
	PacketBuffer
}

// InterruptSource is implemented by hardware that can deliver endpoint
// events to a handler. The handler runs in interrupt context (or an
// equivalent callback) and must not block.
type InterruptSource interface {
	SetInterruptHandler(handler func())
}

// Flash programs the on-chip flash array.
//
// Both operations unlock the flash controller before the operation, relock
// it afterward, and wait for the hardware to finish before returning.
// An implementation may return [pkg.ErrBusy] to report that the operation
// has not finished and should be retried.
type Flash interface {
	// Erase erases the page containing address. With verify set, every word
	// of the page is read back and must equal 0xFFFFFFFF; a mismatch returns
	// an error wrapping [pkg.ErrFlashErase].
	Erase(address uint32, verify bool) error

	// Write programs words sequentially starting at address. With verify
	// set, the words are read back and compared to the source; a mismatch
	// returns an error wrapping [pkg.ErrFlashVerify].
	Write(address uint32, words []uint32, verify bool) error
}

// Booter transfers control to an application image. On hardware Boot does
// not return.
type Booter interface {
	Boot(imageBase uint32)
}

// BootFunc adapts a function to the [Booter] interface.
type BootFunc func(imageBase uint32)

// Boot calls f(imageBase).
func (f BootFunc) Boot(imageBase uint32) { f(imageBase) }
