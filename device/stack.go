package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/darren1713/FreakUSB/device/hal"
	"github.com/darren1713/FreakUSB/pkg"
)

// StandardHandler handles a standard request the stack does not handle
// itself. It follows the same completion rules as
// [ClassDriver.HandleRequest].
type StandardHandler func(ctx context.Context, ctl *Control, req *SetupPacket) error

// Stack ties the endpoint FIFO core, the control transfer sequencer and the
// registered class drivers together.
//
// [Stack.Service] is the interrupt-path entry: it drains received packets
// into the endpoint FIFOs and wakes the main path. [Stack.Task] is one step
// of the main path: it dispatches a pending SETUP packet and delivers
// received data to the class drivers. [Stack.Run] loops Task on wake-ups.
type Stack struct {
	cfg      Config
	hal      hal.DeviceHAL
	core     *Core
	ctl      *Control
	registry Registry

	// State
	running       bool
	configuration uint8
	mutex         sync.RWMutex

	wake chan struct{}

	// Reusable setup packet buffers for zero-allocation reads
	setupBuf [SetupPacketSize]byte
	setup    SetupPacket

	onStandard   StandardHandler
	onConfigured func(value uint8)
}

// NewStack creates a device stack over h.
func NewStack(h hal.DeviceHAL, cfg Config) *Stack {
	cfg = cfg.withDefaults()
	core := NewCore(h, cfg.FIFOSize)
	return &Stack{
		cfg:  cfg,
		hal:  h,
		core: core,
		ctl:  NewControl(core, cfg),
		wake: make(chan struct{}, 1),
	}
}

// Core returns the endpoint FIFO core.
func (s *Stack) Core() *Core {
	return s.core
}

// Control returns the control transfer sequencer.
func (s *Stack) Control() *Control {
	return s.ctl
}

// Register binds a class driver to interface number iface.
func (s *Stack) Register(iface uint8, driver ClassDriver) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.registry.Register(iface, driver); err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentStack, "class driver registered",
		"interface", iface)
	return nil
}

// SetStandardHandler sets the handler for standard requests other than
// SET_CONFIGURATION. Without a handler those requests are stalled.
func (s *Stack) SetStandardHandler(fn StandardHandler) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.onStandard = fn
}

// SetOnConfigured sets a callback invoked after SET_CONFIGURATION.
func (s *Stack) SetOnConfigured(cb func(value uint8)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.onConfigured = cb
}

// Start configures the control endpoint and, if the hardware delivers
// interrupts, installs [Stack.Service] as the interrupt handler.
func (s *Stack) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.running {
		return pkg.ErrAlreadyRunning
	}

	if err := s.core.Configure(EndpointControl, hal.TransferControl, hal.DirOut, s.cfg.MaxPacketSize0); err != nil {
		return err
	}
	if src, ok := s.hal.(hal.InterruptSource); ok {
		src.SetInterruptHandler(s.Service)
	}
	s.running = true

	pkg.LogDebug(pkg.ComponentStack, "device stack started",
		"fifoSize", s.cfg.FIFOSize,
		"maxPacketSize0", s.cfg.MaxPacketSize0)
	return nil
}

// Stop detaches the interrupt handler and disables every endpoint.
func (s *Stack) Stop() error {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return nil
	}
	s.running = false
	s.configuration = 0
	s.mutex.Unlock()

	if src, ok := s.hal.(hal.InterruptSource); ok {
		src.SetInterruptHandler(nil)
	}
	s.core.Reset()
	if err := s.core.Disable(EndpointControl); err != nil {
		return err
	}

	pkg.LogDebug(pkg.ComponentStack, "device stack stopped")
	return nil
}

// IsRunning returns true if the stack is running.
func (s *Stack) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// IsEnumerated returns true once the host has selected a configuration.
func (s *Stack) IsEnumerated() bool {
	return s.core.pcb.HasFlag(FlagEnumerated)
}

// Configuration returns the active configuration value (0 if unconfigured).
func (s *Stack) Configuration() uint8 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.configuration
}

// Service is the interrupt-path handler. It drains every receiving endpoint
// into its FIFO and wakes the main path. It never blocks.
func (s *Stack) Service() {
	if s.core.DrainAll() == 0 && !s.hasWork() {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Stack) hasWork() bool {
	pcb := s.core.pcb
	return pcb.HasFlag(FlagSetupDataAvailable) || pcb.HasFlag(FlagRxDataAvailable) || s.core.TxBacklog()
}

// Task performs one main-path step: it dispatches a buffered SETUP packet,
// delivers received data to the class drivers, then sends one packet of any
// IN data left queued while the hardware was busy. It returns true if any
// work was done.
func (s *Stack) Task(ctx context.Context) bool {
	did := false
	pcb := s.core.pcb

	if pcb.HasFlag(FlagSetupDataAvailable) {
		switch n := s.core.Buffered(EndpointControl); {
		case n >= SetupPacketSize:
			pcb.ClearFlag(FlagSetupDataAvailable)
			s.dispatch(ctx)
			did = true
		case n == 0:
			pcb.ClearFlag(FlagSetupDataAvailable)
		default:
			pcb.ClearFlag(FlagSetupDataAvailable)
			s.core.Discard(EndpointControl)
			pkg.LogDebug(pkg.ComponentStack, "discarded partial control data",
				"length", n)
		}
	}

	if pcb.TakeFlag(FlagRxDataAvailable) {
		s.deliver()
		did = true
	}

	if pcb.PendingMask() != 0 && s.core.DrainAll() > 0 {
		did = true
	}

	if s.core.FlushAll() > 0 {
		did = true
	}
	return did
}

// Run services the main path until ctx is done.
func (s *Stack) Run(ctx context.Context) error {
	if !s.IsRunning() {
		return pkg.ErrInvalidState
	}
	for {
		for s.Task(ctx) {
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}
	}
}

// dispatch decodes the SETUP packet at the head of the control FIFO and
// routes it.
func (s *Stack) dispatch(ctx context.Context) {
	n, err := s.core.Read(EndpointControl, s.setupBuf[:])
	if err == nil {
		err = ParseSetupPacket(s.setupBuf[:n], &s.setup)
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentStack, "error reading setup", "error", err)
		s.ctl.Stall()
		return
	}
	req := &s.setup

	// A new SETUP always clears a stalled control endpoint.
	if s.core.IsStalled(EndpointControl) {
		_ = s.core.ClearStall(EndpointControl)
	}

	pkg.LogDebug(pkg.ComponentStack, "setup received",
		"request", req.String())

	if err := s.handleSetup(ctx, req); err != nil {
		pkg.LogWarn(pkg.ComponentStack, "error handling setup",
			"error", err,
			"request", req.String())
		if !s.core.IsStalled(EndpointControl) {
			s.ctl.Stall()
		}
		s.core.Discard(EndpointControl)
	}
}

// handleSetup processes a single SETUP transaction.
func (s *Stack) handleSetup(ctx context.Context, req *SetupPacket) error {
	if req.IsStandard() {
		if req.Request == RequestSetConfiguration && req.RequestType == RequestDirectionHostToDevice {
			if err := s.SetConfiguration(uint8(req.Value)); err != nil {
				return err
			}
			return s.ctl.Ack()
		}
		s.mutex.RLock()
		fn := s.onStandard
		s.mutex.RUnlock()
		if fn != nil {
			return fn(ctx, s.ctl, req)
		}
		return s.ctl.Reject(req)
	}

	s.mutex.RLock()
	driver := s.registry.Lookup(req.InterfaceNumber())
	s.mutex.RUnlock()
	if driver == nil {
		return fmt.Errorf("no driver for interface %d: %w", req.InterfaceNumber(), s.ctl.Reject(req))
	}
	return driver.HandleRequest(ctx, s.ctl, req)
}

// deliver offers received data on each non-control endpoint to the class
// drivers.
func (s *Stack) deliver() {
	s.mutex.RLock()
	drivers := s.registry.Drivers()
	s.mutex.RUnlock()

	for num := uint8(1); num < MaxEndpoints; num++ {
		ep, _ := s.core.Endpoint(num)
		if !ep.receives() || s.core.Buffered(num) == 0 {
			continue
		}
		handled := false
		for _, d := range drivers {
			if d.HandleReceive(s.core, num) {
				handled = true
				break
			}
		}
		if !handled {
			pkg.LogDebug(pkg.ComponentStack, "unclaimed receive data",
				"endpoint", num,
				"length", s.core.Buffered(num))
		}
	}
}

// SetConfiguration applies a SET_CONFIGURATION request. A non-zero value
// initializes every class driver's endpoints and marks the device
// enumerated; zero returns the device to the unconfigured state.
func (s *Stack) SetConfiguration(value uint8) error {
	s.mutex.Lock()
	drivers := s.registry.Drivers()
	s.configuration = value
	cb := s.onConfigured
	s.mutex.Unlock()

	pcb := s.core.pcb
	if value == 0 {
		pcb.ClearFlag(FlagEnumerated)
		for num := uint8(1); num < MaxEndpoints; num++ {
			if err := s.core.Disable(num); err != nil {
				return err
			}
		}
	} else {
		for _, d := range drivers {
			if err := d.InitEndpoints(s.core); err != nil {
				pcb.ClearFlag(FlagEnumerated)
				return fmt.Errorf("set configuration %d: %w", value, err)
			}
		}
		pcb.SetFlag(FlagEnumerated)
	}

	pkg.LogInfo(pkg.ComponentStack, "configuration set", "value", value)
	if cb != nil {
		cb(value)
	}
	return nil
}

// BusReset handles a USB bus reset: the core returns to its power-on state
// and every class driver implementing [Resetter] is notified.
func (s *Stack) BusReset() {
	s.mutex.Lock()
	drivers := s.registry.Drivers()
	s.configuration = 0
	s.mutex.Unlock()

	s.core.Reset()
	for _, d := range drivers {
		if r, ok := d.(Resetter); ok {
			r.Reset()
		}
	}
	pkg.LogInfo(pkg.ComponentStack, "bus reset")
}
