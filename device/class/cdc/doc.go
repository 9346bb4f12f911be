// Package cdc implements the USB Communications Device Class (CDC) for the
// FreakUSB device stack.
//
// [Serial] is a CDC-ACM (Abstract Control Model) driver for a virtual
// serial port. It answers the line coding and control line state requests
// and exposes the bulk data pipes as a byte stream.
//
// # Architecture
//
// A CDC-ACM function consists of two interfaces served by one driver:
//
//   - Control Interface (Communications Class): GET_LINE_CODING,
//     SET_LINE_CODING and SET_CONTROL_LINE_STATE, plus the interrupt IN
//     notification endpoint
//   - Data Interface (Data Class): bulk IN and bulk OUT endpoints
//
// Any other request, or a request whose bmRequestType does not match, is
// rejected by stalling the control endpoint.
//
// # Output
//
// [Serial.WriteByte] is the byte-stream transmit helper. It flushes the
// bulk IN endpoint after every character and expands "\n" to "\n\r".
// Output written before the host configures the device is dropped, never
// queued, so diagnostics can be written unconditionally.
//
// # Usage
//
//	serial := cdc.NewSerial()
//	serial.SetOnLineCodingChange(func(lc *cdc.LineCoding) {
//	    // Handle baud rate, data bits, etc. changes
//	})
//	serial.SetOnReceive(func(p []byte) {
//	    // Handle data from the host
//	})
//
//	stack.Register(0, serial) // control interface
//	stack.Register(1, serial) // data interface
//
//	logger := pkg.NewLogger(serial, nil)
//	logger.Info("hello from the device")
package cdc
