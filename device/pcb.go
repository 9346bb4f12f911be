package device

import "sync/atomic"

// Flag is a device-level condition bit in the protocol control block.
type Flag uint32

// Device flags.
const (
	// FlagEnumerated is set once the host has selected a configuration.
	FlagEnumerated Flag = 1 << iota

	// FlagSetupDataAvailable is set when bytes arrive on the control endpoint.
	FlagSetupDataAvailable

	// FlagRxDataAvailable is set when bytes arrive on a data OUT endpoint.
	FlagRxDataAvailable
)

// String returns the flag name.
func (f Flag) String() string {
	switch f {
	case FlagEnumerated:
		return "enumerated"
	case FlagSetupDataAvailable:
		return "setup-data-available"
	case FlagRxDataAvailable:
		return "rx-data-available"
	default:
		return "unknown"
	}
}

// PCB is the protocol control block: the endpoint FIFOs plus the flag and
// bitmask state shared between the interrupt path and the main path.
//
// Flags and bitmasks are updated with atomic read-modify-write operations so
// that a clear on the main path cannot lose a set from the interrupt path.
type PCB struct {
	fifos   [MaxEndpoints]*FIFO
	flags   atomic.Uint32
	pending atomic.Uint32 // endpoints with received data that did not fit
	stalled atomic.Uint32 // endpoints with the stall condition set
}

// newPCB allocates a FIFO of fifoSize bytes for every endpoint.
func newPCB(fifoSize int) *PCB {
	p := &PCB{}
	for i := range p.fifos {
		p.fifos[i] = NewFIFO(fifoSize)
	}
	return p
}

// FIFO returns the FIFO of endpoint num. Callers outside [Core] must only
// inspect it.
func (p *PCB) FIFO(num uint8) *FIFO {
	return p.fifos[num&0x0F]
}

// SetFlag sets f.
func (p *PCB) SetFlag(f Flag) {
	p.flags.Or(uint32(f))
}

// ClearFlag clears f.
func (p *PCB) ClearFlag(f Flag) {
	p.flags.And(^uint32(f))
}

// HasFlag reports whether f is set.
func (p *PCB) HasFlag(f Flag) bool {
	return p.flags.Load()&uint32(f) != 0
}

// TakeFlag clears f and reports whether it was set.
func (p *PCB) TakeFlag(f Flag) bool {
	return p.flags.And(^uint32(f))&uint32(f) != 0
}

// Pending reports whether endpoint num has received data waiting in hardware
// because its FIFO was full.
func (p *PCB) Pending(num uint8) bool {
	return p.pending.Load()&(1<<(num&0x0F)) != 0
}

// Stalled reports whether the stall bit of endpoint num is set.
func (p *PCB) Stalled(num uint8) bool {
	return p.stalled.Load()&(1<<(num&0x0F)) != 0
}

// StallMask returns the stall bitmask, one bit per endpoint number.
func (p *PCB) StallMask() uint16 {
	return uint16(p.stalled.Load())
}

// PendingMask returns the pending-data bitmask, one bit per endpoint number.
func (p *PCB) PendingMask() uint16 {
	return uint16(p.pending.Load())
}

func (p *PCB) setPending(num uint8, on bool) {
	setBit(&p.pending, num, on)
}

func (p *PCB) setStalled(num uint8, on bool) {
	setBit(&p.stalled, num, on)
}

// reset clears every FIFO, flag and bitmask.
func (p *PCB) reset() {
	for _, f := range p.fifos {
		f.Reset()
	}
	p.flags.Store(0)
	p.pending.Store(0)
	p.stalled.Store(0)
}

func setBit(mask *atomic.Uint32, num uint8, on bool) {
	bit := uint32(1) << (num & 0x0F)
	if on {
		mask.Or(bit)
	} else {
		mask.And(^bit)
	}
}
