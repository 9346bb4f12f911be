// Package sim provides an in-memory USB device controller, program flash
// array and application booter for running the device stack without
// hardware.
//
// [Controller] implements [hal.DeviceHAL] and [hal.InterruptSource]. Its
// host side injects SETUP and OUT packets and collects IN packets, raising
// the interrupt handler the same way endpoint hardware would. [Host] wraps
// it with a blocking control transfer call shaped like gousb's
// Device.Control.
//
// [Flash] implements [hal.Flash] with NOR semantics (erase sets every bit,
// programming only clears bits) and supports fault and busy injection.
// [Booter] implements [hal.Booter] by recording the vector table of the
// image it starts.
package sim
