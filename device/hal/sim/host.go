package sim

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/darren1713/FreakUSB/pkg"
)

// DefaultHostTimeout bounds each control transfer issued by a [Host].
const DefaultHostTimeout = time.Second

// Host drives control transfers through a [Controller] the way a USB host
// controller would. Its Control method has the same shape as
// gousb.Device.Control, so code written against a real device runs
// unchanged against the simulator.
type Host struct {
	ctl     *Controller
	Timeout time.Duration
}

// NewHost creates a host attached to ctl.
func NewHost(ctl *Controller) *Host {
	return &Host{ctl: ctl, Timeout: DefaultHostTimeout}
}

// Control performs a control transfer. For device-to-host requests
// (rType bit 7 set) data receives the response and its length is wLength;
// otherwise data is sent as the OUT data stage. It returns the number of
// bytes transferred, or an error wrapping [pkg.ErrStall] if the device
// stalled the request.
func (h *Host) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	var setup [8]byte
	setup[0] = rType
	setup[1] = request
	binary.LittleEndian.PutUint16(setup[2:], val)
	binary.LittleEndian.PutUint16(setup[4:], idx)
	binary.LittleEndian.PutUint16(setup[6:], uint16(len(data)))

	acks := h.ctl.Acks()
	if err := h.ctl.Setup(setup[:]); err != nil {
		return 0, err
	}

	deadline := time.Now().Add(h.timeout())
	if rType&0x80 != 0 {
		return h.controlIn(data, deadline)
	}

	if len(data) > 0 {
		if err := h.ctl.Out(0, data); err != nil {
			return 0, err
		}
	}
	err := h.waitFor(deadline, func() (bool, error) {
		if h.ctl.Acks() > acks {
			return true, nil
		}
		if h.ctl.Stalled(0) {
			return true, pkg.ErrStall
		}
		return false, nil
	})
	if err != nil {
		return 0, fmt.Errorf("control OUT 0x%02X/0x%02X: %w", rType, request, err)
	}
	return len(data), nil
}

// controlIn collects IN packets until a short packet or len(buf) bytes.
func (h *Host) controlIn(buf []byte, deadline time.Time) (int, error) {
	mps := int(h.ctl.MaxPacketSize(0))
	n := 0
	for {
		var pkt []byte
		err := h.waitFor(deadline, func() (bool, error) {
			if p, ok := h.ctl.In(0); ok {
				pkt = p
				return true, nil
			}
			if h.ctl.Stalled(0) {
				return true, pkg.ErrStall
			}
			return false, nil
		})
		if err != nil {
			return n, fmt.Errorf("control IN: %w", err)
		}
		if n+len(pkt) > len(buf) {
			return n, fmt.Errorf("control IN %d bytes into %d: %w", n+len(pkt), len(buf), pkg.ErrOverrun)
		}
		n += copy(buf[n:], pkt)
		if len(pkt) < mps || n == len(buf) {
			return n, nil
		}
	}
}

// waitFor re-evaluates cond on every device-side event until it reports
// done or the deadline passes.
func (h *Host) waitFor(deadline time.Time, cond func() (bool, error)) error {
	for {
		changed := h.ctl.Changed()
		if done, err := cond(); done {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return pkg.ErrTimeout
		}
		timer := time.NewTimer(remaining)
		select {
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (h *Host) timeout() time.Duration {
	if h.Timeout <= 0 {
		return DefaultHostTimeout
	}
	return h.Timeout
}

// Write sends data from the host on a bulk or interrupt OUT endpoint.
func (h *Host) Write(number uint8, data []byte) error {
	return h.ctl.Out(number, data)
}

// Read waits for the next packet the device commits on an IN endpoint.
func (h *Host) Read(number uint8) ([]byte, error) {
	var pkt []byte
	err := h.waitFor(time.Now().Add(h.timeout()), func() (bool, error) {
		if p, ok := h.ctl.In(number); ok {
			pkt = p
			return true, nil
		}
		return false, nil
	})
	return pkt, err
}
