package device

import "time"

// Fixed limits for the protocol control block (zero-allocation support).
const (
	// MaxEndpoints is the number of endpoint numbers (0-15).
	MaxEndpoints = 16

	// MaxInterfaces is the maximum number of interfaces with a class driver.
	MaxInterfaces = 8

	// EndpointControl is the number of the default control endpoint.
	EndpointControl = 0
)

// Defaults for [Config].
const (
	// DefaultFIFOSize is the capacity of each endpoint FIFO in bytes.
	DefaultFIFOSize = 256

	// DefaultMaxPacketSize0 is the full-speed maximum packet size of EP0.
	DefaultMaxPacketSize0 = 64

	// DefaultDataStageTimeout bounds the wait for a control OUT data stage.
	DefaultDataStageTimeout = 500 * time.Millisecond

	// DefaultTxTimeout bounds the wait for a free transmit buffer.
	DefaultTxTimeout = 500 * time.Millisecond
)

// Config holds the tunable parameters of the device stack.
type Config struct {
	// FIFOSize is the capacity of every endpoint FIFO. The control endpoint
	// FIFO must hold a SETUP packet plus the largest data stage.
	FIFOSize int

	// MaxPacketSize0 is the maximum packet size of the control endpoint.
	MaxPacketSize0 uint16

	// DataStageTimeout bounds the wait for a host-to-device data stage.
	// On expiry the control endpoint is stalled.
	DataStageTimeout time.Duration

	// TxTimeout bounds the wait for the hardware to accept a packet.
	TxTimeout time.Duration
}

// DefaultConfig returns the default stack configuration.
func DefaultConfig() Config {
	return Config{
		FIFOSize:         DefaultFIFOSize,
		MaxPacketSize0:   DefaultMaxPacketSize0,
		DataStageTimeout: DefaultDataStageTimeout,
		TxTimeout:        DefaultTxTimeout,
	}
}

// withDefaults fills zero fields of c from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FIFOSize <= 0 {
		c.FIFOSize = def.FIFOSize
	}
	if c.MaxPacketSize0 == 0 {
		c.MaxPacketSize0 = def.MaxPacketSize0
	}
	if c.DataStageTimeout <= 0 {
		c.DataStageTimeout = def.DataStageTimeout
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = def.TxTimeout
	}
	return c
}
