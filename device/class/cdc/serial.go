package cdc

import (
	"context"
	"errors"
	"sync"

	"github.com/darren1713/FreakUSB/device"
	"github.com/darren1713/FreakUSB/device/hal"
	"github.com/darren1713/FreakUSB/pkg"
)

// Serial implements a CDC-ACM class driver: a virtual serial port with a
// bulk IN and bulk OUT data pipe and an interrupt IN notification pipe.
//
// Serial is also an [io.Writer], so it can carry diagnostic output (for
// example as the sink of a [pkg.NewLogger] logger). Output written before
// the host configures the device is dropped.
type Serial struct {
	core *device.Core

	// Configuration
	lineCoding LineCoding

	// Callbacks
	onLineCodingChange   func(*LineCoding)
	onControlStateChange func(dtr, rts bool)
	onReceive            func([]byte)

	// Buffers (zero-allocation)
	responseBuf [LineCodingSize]byte
	requestBuf  [LineCodingSize]byte
	rxBuf       [MaxPacketSize]byte

	// State
	mutex   sync.RWMutex
	writeMu sync.Mutex
}

// NewSerial creates a new CDC-ACM class driver.
func NewSerial() *Serial {
	return &Serial{
		lineCoding: DefaultLineCoding,
	}
}

// SetOnLineCodingChange sets the callback for line coding changes.
func (s *Serial) SetOnLineCodingChange(cb func(*LineCoding)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.onLineCodingChange = cb
}

// SetOnControlStateChange sets the callback for control line state changes.
// DTR and RTS are reported but not stored.
func (s *Serial) SetOnControlStateChange(cb func(dtr, rts bool)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.onControlStateChange = cb
}

// SetOnReceive sets the handler for data received on the bulk OUT pipe.
// The slice is only valid for the duration of the call.
func (s *Serial) SetOnReceive(cb func([]byte)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.onReceive = cb
}

// LineCoding returns the current line coding configuration.
func (s *Serial) LineCoding() LineCoding {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lineCoding
}

// InitEndpoints implements [device.ClassDriver].
func (s *Serial) InitEndpoints(core *device.Core) error {
	if err := core.Configure(EndpointDataIn, hal.TransferBulk, hal.DirIn, MaxPacketSize); err != nil {
		return err
	}
	if err := core.Configure(EndpointNotify, hal.TransferInterrupt, hal.DirIn, MaxPacketSize); err != nil {
		return err
	}
	if err := core.Configure(EndpointDataOut, hal.TransferBulk, hal.DirOut, MaxPacketSize); err != nil {
		return err
	}

	s.mutex.Lock()
	s.core = core
	s.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentCDC, "endpoints initialized")
	return nil
}

// HandleRequest implements [device.ClassDriver].
func (s *Serial) HandleRequest(ctx context.Context, ctl *device.Control, req *device.SetupPacket) error {
	switch req.Request {
	case RequestGetLineCoding:
		if err := ctl.Expect(req, RequestTypeIn); err != nil {
			return err
		}
		s.mutex.RLock()
		s.lineCoding.MarshalTo(s.responseBuf[:])
		s.mutex.RUnlock()
		return ctl.Respond(ctx, s.responseBuf[:], req.Length)

	case RequestSetLineCoding:
		if err := ctl.Expect(req, RequestTypeOut); err != nil {
			return err
		}
		if req.Length != LineCodingSize {
			return ctl.Reject(req)
		}
		return s.setLineCoding(ctx, ctl)

	case RequestSetControlLineState:
		if err := ctl.Expect(req, RequestTypeOut); err != nil {
			return err
		}
		dtr := req.Value&ControlLineDTR != 0
		rts := req.Value&ControlLineRTS != 0
		pkg.LogDebug(pkg.ComponentCDC, "control line state",
			"dtr", dtr,
			"rts", rts)

		s.mutex.RLock()
		cb := s.onControlStateChange
		s.mutex.RUnlock()
		if cb != nil {
			cb(dtr, rts)
		}
		return ctl.Ack()

	default:
		return ctl.Reject(req)
	}
}

// setLineCoding waits for the 7-byte data stage, acknowledges it, and then
// replaces the line coding.
func (s *Serial) setLineCoding(ctx context.Context, ctl *device.Control) error {
	if err := ctl.ReceiveData(ctx, LineCodingSize); err != nil {
		return err
	}
	if err := ctl.Ack(); err != nil {
		return err
	}
	n, err := ctl.Read(s.requestBuf[:])
	if err != nil {
		return err
	}

	s.mutex.Lock()
	ParseLineCoding(s.requestBuf[:n], &s.lineCoding)
	lc := s.lineCoding
	cb := s.onLineCodingChange
	s.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentCDC, "line coding changed", "lineCoding", lc.String())
	if cb != nil {
		cb(&lc)
	}
	return nil
}

// HandleReceive implements [device.ClassDriver]. Data on the bulk OUT
// endpoint is forwarded to the receive handler.
func (s *Serial) HandleReceive(core *device.Core, endpoint uint8) bool {
	if endpoint != EndpointDataOut {
		return false
	}
	s.mutex.RLock()
	cb := s.onReceive
	s.mutex.RUnlock()

	for core.Buffered(endpoint) > 0 {
		n, err := core.Read(endpoint, s.rxBuf[:])
		if err != nil {
			break
		}
		if cb != nil {
			cb(s.rxBuf[:n])
		}
	}
	return true
}

// enumerated returns the core if the host has configured the device.
func (s *Serial) enumerated() *device.Core {
	s.mutex.RLock()
	core := s.core
	s.mutex.RUnlock()
	if core == nil || !core.PCB().HasFlag(device.FlagEnumerated) {
		return nil
	}
	return core
}

// newline is queued in place of '\n'.
var newline = [2]byte{'\n', '\r'}

// WriteByte queues one character on the bulk IN endpoint and flushes it.
// A newline is sent as "\n\r". If the device is not enumerated the
// character is silently dropped. Characters queued while the transmit
// buffer is busy are sent by the stack once the hardware frees it.
func (s *Serial) WriteByte(c byte) error {
	core := s.enumerated()
	if core == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if c == '\n' {
		if _, err := core.Write(EndpointDataIn, newline[:]); err != nil {
			return err
		}
	} else if err := core.WriteByte(EndpointDataIn, c); err != nil {
		return err
	}
	if _, err := core.FlushToWire(EndpointDataIn); err != nil && !errors.Is(err, pkg.ErrBusy) {
		return err
	}
	return nil
}

// Write implements [io.Writer] by writing each byte of p with
// [Serial.WriteByte].
func (s *Serial) Write(p []byte) (int, error) {
	for i, c := range p {
		if err := s.WriteByte(c); err != nil {
			return i, err
		}
	}
	return len(p), nil
}
