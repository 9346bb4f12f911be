// Package hal defines the hardware collaborators of the USB device stack.
//
// The device stack implements the transport and class protocol logic and
// leaves register access to small interfaces that platform code implements:
//
//   - [EndpointConfigurator]: configure, enable and disable endpoints
//   - [PacketBuffer]: move bytes in and out of endpoint hardware buffers,
//     commit packets, acknowledge control transfers, stall endpoints
//   - [InterruptSource]: deliver endpoint events to the stack
//   - [Flash]: erase and program flash pages with optional readback verify
//   - [Booter]: jump into a newly written application image
//
// [DeviceHAL] combines the endpoint interfaces.
//
// Isolating these operations lets the endpoint core and the class state
// machines run on any host. An in-memory implementation of every interface
// is available in [github.com/darren1713/FreakUSB/device/hal/sim].
//
// # Implementing a HAL
//
//  1. Map ConfigureEndpoint to the packet-size and mode registers
//  2. Map the PacketBuffer methods to the endpoint FIFO registers
//  3. Call the handler registered through SetInterruptHandler from the USB
//     interrupt service routine
//  4. Wrap the flash controller's unlock, erase, program and busy-wait
//     sequence in a Flash implementation
package hal
