// Package device implements the device side of a USB full-speed stack:
// endpoint FIFO buffering, control transfer sequencing and class driver
// dispatch.
//
// It is platform-agnostic and interacts with hardware via the
// [hal.DeviceHAL] interface defined in the
// [github.com/darren1713/FreakUSB/device/hal] package. The HAL exposes
// register-level endpoint configuration and byte-wise packet buffer access;
// everything above that lives here.
//
// # Architecture
//
// The stack is organized into layers, leaf first:
//
//   - [FIFO] is a fixed-capacity byte queue, one per endpoint
//   - [PCB] is the protocol control block: FIFOs, device flags, and the
//     pending-data and stall bitmasks
//   - [Core] moves bytes between FIFOs and hardware packet buffers and owns
//     stall and data toggle bookkeeping
//   - [Control] sequences control transfer phases for class drivers
//   - [Stack] dispatches SETUP packets to [ClassDriver] implementations
//     registered by interface number
//
// # Interrupt and Main Paths
//
// Receive completion is handled on the interrupt path: [Stack.Service]
// drains every receiving endpoint into its FIFO and signals
// [FlagSetupDataAvailable] or [FlagRxDataAvailable]. Request handling runs
// on the main path in [Stack.Task] or [Stack.Run]. Flags are updated with
// atomic read-modify-write operations; FIFOs are guarded by the core mutex.
//
// Waits for a control OUT data stage or a free transmit buffer are bounded
// polling loops. On expiry the control endpoint is stalled.
//
// # Zero-Allocation Design
//
// FIFOs are allocated once when the core is created and never resized.
// SETUP packets are parsed into a reusable [SetupPacket]. Serialization
// uses MarshalTo(buf) instead of allocating.
//
// # Class Drivers
//
// The [ClassDriver] interface enables USB class implementations:
//
//	type ClassDriver interface {
//	    InitEndpoints(core *Core) error
//	    HandleRequest(ctx context.Context, ctl *Control, req *SetupPacket) error
//	    HandleReceive(core *Core, endpoint uint8) bool
//	}
//
// Built-in support includes:
//
//   - [github.com/darren1713/FreakUSB/device/class/cdc] - CDC-ACM virtual serial port
//   - [github.com/darren1713/FreakUSB/device/class/dfu] - Device Firmware Upgrade
//
// # Example
//
//	stack := device.NewStack(hal, device.DefaultConfig())
//	stack.Register(0, serial)
//	stack.Register(1, serial)
//	stack.Register(2, updater)
//	stack.Start()
//	go stack.Run(ctx)
//
// An in-memory HAL for testing is available in
// [github.com/darren1713/FreakUSB/device/hal/sim].
package device
