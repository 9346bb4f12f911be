package dfu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/darren1713/FreakUSB/device"
	"github.com/darren1713/FreakUSB/device/hal"
	"github.com/darren1713/FreakUSB/pkg"
)

// Driver implements the DFU 1.1 class driver in DFU mode: it receives a
// firmware image in DNLOAD requests, programs it into flash one block at a
// time, and boots it once the host has completed manifestation.
//
// Flash work is deferred to the GETSTATUS request that follows the DNLOAD
// which filled the block, so that DNLOAD status stages complete quickly.
type Driver struct {
	cfg   Config
	flash hal.Flash
	boot  hal.Booter

	// State
	mutex   sync.RWMutex
	state   State
	status  Status
	block   *blockBuffer
	pending bool   // a full (or padded) block waits to be flushed
	target  uint32 // flash address of the block being staged
	blockNo uint16 // wValue of the last DNLOAD
	booted  bool

	// Buffers
	statusBuf [StatusSize]byte
	stateBuf  [1]byte
	rxBuf     []byte
}

// New creates a DFU driver that programs flash and starts the downloaded
// image with boot.
func New(flash hal.Flash, boot hal.Booter, cfg Config) *Driver {
	cfg = cfg.withDefaults()
	return &Driver{
		cfg:    cfg,
		flash:  flash,
		boot:   boot,
		state:  StateIdle,
		status: StatusOK,
		block:  newBlockBuffer(cfg.BlockSize),
		target: cfg.ImageBase,
		rxBuf:  make([]byte, cfg.TransferSize),
	}
}

// Config returns the effective driver configuration.
func (d *Driver) Config() Config {
	return d.cfg
}

// FunctionalDescriptor returns the DFU functional descriptor describing
// this driver.
func (d *Driver) FunctionalDescriptor() FunctionalDescriptor {
	return functionalDescriptor(d.cfg)
}

// DescriptorHandler returns a [device.StandardHandler] that answers
// GET_DESCRIPTOR for the functional descriptor of interface iface and
// rejects every other standard request.
func (d *Driver) DescriptorHandler(iface uint8) device.StandardHandler {
	return func(ctx context.Context, ctl *device.Control, req *device.SetupPacket) error {
		const requestType = device.RequestDirectionDeviceToHost | device.RequestTypeStandard | device.RequestRecipientInterface
		if req.Request != device.RequestGetDescriptor || req.RequestType != requestType ||
			req.Value>>8 != DescriptorTypeFunctional || req.InterfaceNumber() != iface {
			return ctl.Reject(req)
		}
		if d.Booted() {
			ctl.Stall()
			return fmt.Errorf("%s after boot: %w", req, pkg.ErrInvalidState)
		}
		var buf [FunctionalDescriptorSize]byte
		desc := d.FunctionalDescriptor()
		n := desc.MarshalTo(buf[:])
		return ctl.Respond(ctx, buf[:n], req.Length)
	}
}

// State returns the current DFU state.
func (d *Driver) State() State {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

// Status returns the current DFU status code.
func (d *Driver) Status() Status {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.status
}

// Target returns the flash address the next block is written to.
func (d *Driver) Target() uint32 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.target
}

// FlushPending reports whether a staged block is waiting to be written.
func (d *Driver) FlushPending() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.pending
}

// Booted reports whether the image has been started.
func (d *Driver) Booted() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.booted
}

// InitEndpoints implements [device.ClassDriver]. DFU uses only the control
// endpoint, whose FIFO must hold a whole DNLOAD data stage. Full-size data
// stages must also fill the block buffer exactly.
func (d *Driver) InitEndpoints(core *device.Core) error {
	if capacity := core.PCB().FIFO(device.EndpointControl).Cap(); int(d.cfg.TransferSize) > capacity {
		return fmt.Errorf("transfer size %d exceeds control FIFO of %d bytes: %w",
			d.cfg.TransferSize, capacity, pkg.ErrInvalidParameter)
	}
	if d.cfg.BlockSize%int(d.cfg.TransferSize) != 0 {
		return fmt.Errorf("transfer size %d does not divide block size %d: %w",
			d.cfg.TransferSize, d.cfg.BlockSize, pkg.ErrInvalidParameter)
	}
	pkg.LogDebug(pkg.ComponentDFU, "endpoints initialized",
		"transferSize", d.cfg.TransferSize,
		"blockSize", d.cfg.BlockSize)
	return nil
}

// HandleReceive implements [device.ClassDriver]. DFU has no data
// endpoints.
func (d *Driver) HandleReceive(core *device.Core, endpoint uint8) bool {
	return false
}

// Reset implements [device.Resetter]. A bus reset after DETACH enters DFU
// mode.
func (d *Driver) Reset() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.state == StateAppDetach {
		d.enterIdleLocked()
	}
}

// HandleRequest implements [device.ClassDriver].
func (d *Driver) HandleRequest(ctx context.Context, ctl *device.Control, req *device.SetupPacket) error {
	if d.Booted() {
		ctl.Stall()
		return fmt.Errorf("%s after boot: %w", req, pkg.ErrInvalidState)
	}

	switch req.Request {
	case RequestDetach:
		if err := ctl.Expect(req, RequestTypeOut); err != nil {
			return err
		}
		d.mutex.Lock()
		d.setStateLocked(StateAppDetach)
		d.status = StatusOK
		d.mutex.Unlock()
		return ctl.Ack()

	case RequestDnload:
		if err := ctl.Expect(req, RequestTypeOut); err != nil {
			return err
		}
		return d.download(ctx, ctl, req)

	case RequestUpload:
		ctl.Stall()
		return fmt.Errorf("%s: %w", req, pkg.ErrNotSupported)

	case RequestGetStatus:
		if err := ctl.Expect(req, RequestTypeIn); err != nil {
			return err
		}
		return d.getStatus(ctx, ctl, req)

	case RequestClrStatus:
		if err := ctl.Expect(req, RequestTypeOut); err != nil {
			return err
		}
		d.mutex.Lock()
		if d.state == StateError {
			d.enterIdleLocked()
		}
		d.mutex.Unlock()
		return ctl.Ack()

	case RequestGetState:
		if err := ctl.Expect(req, RequestTypeIn); err != nil {
			return err
		}
		d.stateBuf[0] = byte(d.State())
		return ctl.Respond(ctx, d.stateBuf[:], req.Length)

	case RequestAbort:
		if err := ctl.Expect(req, RequestTypeOut); err != nil {
			return err
		}
		d.mutex.Lock()
		d.enterIdleLocked()
		d.mutex.Unlock()
		return ctl.Ack()

	default:
		return ctl.Reject(req)
	}
}

// download handles DNLOAD: a data stage appends to the block buffer, a
// zero-length request ends the image.
func (d *Driver) download(ctx context.Context, ctl *device.Control, req *device.SetupPacket) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	switch d.state {
	case StateIdle:
		if req.Length == 0 {
			d.failLocked(StatusErrNotDone)
			return ctl.Ack()
		}
	case StateDnloadIdle:
		if req.Length == 0 {
			d.setStateLocked(StateManifestSync)
			if d.block.Pad() {
				d.pending = true
			}
			pkg.LogInfo(pkg.ComponentDFU, "download complete",
				"lastBlock", d.blockNo,
				"flushPending", d.pending)
			return ctl.Ack()
		}
	default:
		d.failLocked(StatusErrStalledPkt)
		ctl.Stall()
		return fmt.Errorf("%s in %s: %w", req, d.state, pkg.ErrInvalidState)
	}

	if req.Length > d.cfg.TransferSize {
		d.failLocked(StatusErrStalledPkt)
		ctl.Stall()
		return fmt.Errorf("%s exceeds transfer size %d: %w", req, d.cfg.TransferSize, pkg.ErrInvalidRequest)
	}

	d.setStateLocked(StateDnloadSync)
	d.blockNo = req.Value

	n := int(req.Length)
	if err := ctl.ReceiveData(ctx, n); err != nil {
		d.failLocked(StatusErrStalledPkt)
		return err
	}
	if _, err := ctl.Read(d.rxBuf[:n]); err != nil {
		d.failLocked(StatusErrStalledPkt)
		ctl.Stall()
		return err
	}

	full, err := d.block.Append(d.rxBuf[:n])
	switch {
	case err != nil:
		pkg.LogWarn(pkg.ComponentDFU, "block buffer overrun",
			"block", req.Value,
			"error", err)
		d.failLocked(StatusErrUnknown)
	case full:
		d.pending = true
	}

	pkg.LogDebug(pkg.ComponentDFU, "block received",
		"block", req.Value,
		"length", n,
		"offset", d.block.Len(),
		"flushPending", d.pending)
	return ctl.Ack()
}

// getStatus advances the state machine, reports the status, and then runs
// any deferred work: the boot jump or a pending block flush.
func (d *Driver) getStatus(ctx context.Context, ctl *device.Control, req *device.SetupPacket) error {
	d.mutex.Lock()
	switch d.state {
	case StateDnloadSync:
		if d.pending {
			d.setStateLocked(StateDnBusy)
		} else {
			d.setStateLocked(StateDnloadIdle)
		}
	case StateDnBusy:
		if !d.pending {
			d.setStateLocked(StateDnloadSync)
		}
	case StateManifestSync:
		d.setStateLocked(StateManifest)
	case StateManifest:
		if !d.pending {
			d.setStateLocked(StateManifestWaitReset)
		}
	}
	report := StatusReport{
		Status:      d.status,
		PollTimeout: d.cfg.PollTimeout,
		State:       d.state,
	}
	report.MarshalTo(d.statusBuf[:])
	boot := d.state == StateManifestWaitReset
	d.mutex.Unlock()

	if err := ctl.Respond(ctx, d.statusBuf[:], req.Length); err != nil {
		return err
	}

	if boot {
		d.bootImage()
		return nil
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.pending {
		d.flushLocked()
	}
	return nil
}

// flushLocked erases and programs the staged block at the target address.
// The flush stays pending while the flash reports busy.
func (d *Driver) flushLocked() {
	addr := d.target
	for page := addr; page < addr+uint32(d.cfg.BlockSize); page += uint32(d.cfg.PageSize) {
		if err := d.flash.Erase(page, true); err != nil {
			if errors.Is(err, pkg.ErrBusy) {
				pkg.LogDebug(pkg.ComponentDFU, "flash busy", "address", fmt.Sprintf("0x%08X", page))
				return
			}
			pkg.LogError(pkg.ComponentDFU, "erase failed",
				"address", fmt.Sprintf("0x%08X", page),
				"error", err)
			d.pending = false
			d.failLocked(StatusErrErase)
			return
		}
	}

	if err := d.flash.Write(addr, d.block.Words(), true); err != nil {
		if errors.Is(err, pkg.ErrBusy) {
			pkg.LogDebug(pkg.ComponentDFU, "flash busy", "address", fmt.Sprintf("0x%08X", addr))
			return
		}
		pkg.LogError(pkg.ComponentDFU, "write failed",
			"address", fmt.Sprintf("0x%08X", addr),
			"error", err)
		d.pending = false
		if errors.Is(err, pkg.ErrFlashVerify) {
			d.failLocked(StatusErrVerify)
		} else {
			d.failLocked(StatusErrWrite)
		}
		return
	}

	pkg.LogInfo(pkg.ComponentDFU, "block written", "address", fmt.Sprintf("0x%08X", addr))
	d.target += uint32(d.cfg.BlockSize)
	d.pending = false
	if d.state == StateDnBusy {
		d.setStateLocked(StateDnloadSync)
	}
}

// bootImage starts the image once.
func (d *Driver) bootImage() {
	d.mutex.Lock()
	if d.booted {
		d.mutex.Unlock()
		return
	}
	d.booted = true
	d.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentDFU, "booting image", "base", fmt.Sprintf("0x%08X", d.cfg.ImageBase))
	d.boot.Boot(d.cfg.ImageBase)
}

// enterIdleLocked returns to dfuIDLE and starts a fresh download session.
func (d *Driver) enterIdleLocked() {
	d.setStateLocked(StateIdle)
	d.status = StatusOK
	d.block.Reset()
	d.pending = false
	d.target = d.cfg.ImageBase
	d.blockNo = 0
}

func (d *Driver) failLocked(status Status) {
	d.setStateLocked(StateError)
	d.status = status
}

func (d *Driver) setStateLocked(s State) {
	if s == d.state {
		return
	}
	pkg.LogDebug(pkg.ComponentDFU, "state change",
		"from", d.state.String(),
		"to", s.String())
	d.state = s
}
