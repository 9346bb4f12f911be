package dfu

import (
	"encoding/binary"
	"time"
)

// DescriptorTypeFunctional is the descriptor type of the DFU functional
// descriptor.
const DescriptorTypeFunctional = 0x21

// FunctionalDescriptorSize is the length of the DFU functional descriptor.
const FunctionalDescriptorSize = 9

// Version is the DFU specification release implemented (BCD).
const Version = 0x0110

// bmAttributes bits of the functional descriptor.
const (
	AttrCanDnload             = 1 << 0
	AttrCanUpload             = 1 << 1
	AttrManifestationTolerant = 1 << 2
	AttrWillDetach            = 1 << 3
)

// FunctionalDescriptor is the DFU functional descriptor that follows the
// DFU interface descriptor in the configuration descriptor.
type FunctionalDescriptor struct {
	Attributes    uint8
	DetachTimeout uint16 // milliseconds
	TransferSize  uint16
	Version       uint16
}

// MarshalTo writes the descriptor to buf and returns the number of bytes
// written, or 0 if buf is too small.
func (d *FunctionalDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < FunctionalDescriptorSize {
		return 0
	}
	buf[0] = FunctionalDescriptorSize
	buf[1] = DescriptorTypeFunctional
	buf[2] = d.Attributes
	binary.LittleEndian.PutUint16(buf[3:5], d.DetachTimeout)
	binary.LittleEndian.PutUint16(buf[5:7], d.TransferSize)
	binary.LittleEndian.PutUint16(buf[7:9], d.Version)
	return FunctionalDescriptorSize
}

// ParseFunctionalDescriptor parses a DFU functional descriptor.
func ParseFunctionalDescriptor(data []byte, d *FunctionalDescriptor) bool {
	if len(data) < FunctionalDescriptorSize || data[1] != DescriptorTypeFunctional {
		return false
	}
	d.Attributes = data[2]
	d.DetachTimeout = binary.LittleEndian.Uint16(data[3:5])
	d.TransferSize = binary.LittleEndian.Uint16(data[5:7])
	d.Version = binary.LittleEndian.Uint16(data[7:9])
	return true
}

// functionalDescriptor builds the descriptor advertised for cfg: download
// capable, upload not supported, not manifestation tolerant.
func functionalDescriptor(cfg Config) FunctionalDescriptor {
	detach := cfg.DetachTimeout / time.Millisecond
	if detach > 0xFFFF {
		detach = 0xFFFF
	}
	return FunctionalDescriptor{
		Attributes:    AttrCanDnload,
		DetachTimeout: uint16(detach),
		TransferSize:  cfg.TransferSize,
		Version:       Version,
	}
}
