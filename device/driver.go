package device

import (
	"context"
	"fmt"

	"github.com/darren1713/FreakUSB/pkg"
)

// ClassDriver is implemented by USB class drivers.
type ClassDriver interface {
	// InitEndpoints configures the driver's endpoints. It is called once
	// each time the host selects a non-zero configuration.
	InitEndpoints(core *Core) error

	// HandleRequest handles a class or vendor request addressed to one of
	// the driver's interfaces. The driver owns the control transfer: it
	// must complete it through ctl (respond, acknowledge or stall). A
	// returned error is logged and the control endpoint is stalled if the
	// driver has not already done so.
	HandleRequest(ctx context.Context, ctl *Control, req *SetupPacket) error

	// HandleReceive is called when data has arrived on endpoint, which is
	// never endpoint 0. It returns true if the driver consumed the data.
	HandleReceive(core *Core, endpoint uint8) bool
}

// Resetter is implemented by class drivers that track state across a USB
// bus reset.
type Resetter interface {
	Reset()
}

// Registry maps interface numbers to class drivers. A driver serving
// several interfaces is registered once per interface.
type Registry struct {
	drivers [MaxInterfaces]ClassDriver
}

// Register binds driver to interface number iface.
func (r *Registry) Register(iface uint8, driver ClassDriver) error {
	if int(iface) >= MaxInterfaces || driver == nil {
		return fmt.Errorf("register interface %d: %w", iface, pkg.ErrInvalidParameter)
	}
	if r.drivers[iface] != nil {
		return fmt.Errorf("register interface %d: %w", iface, pkg.ErrBusy)
	}
	r.drivers[iface] = driver
	return nil
}

// Lookup returns the driver bound to iface, or nil.
func (r *Registry) Lookup(iface uint8) ClassDriver {
	if int(iface) >= MaxInterfaces {
		return nil
	}
	return r.drivers[iface]
}

// Drivers returns each registered driver once, in interface order.
func (r *Registry) Drivers() []ClassDriver {
	out := make([]ClassDriver, 0, MaxInterfaces)
	for _, d := range r.drivers {
		if d == nil || contains(out, d) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func contains(list []ClassDriver, d ClassDriver) bool {
	for _, x := range list {
		if x == d {
			return true
		}
	}
	return false
}
