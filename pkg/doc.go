// Package pkg provides shared utilities for the FreakUSB device stack.
//
// This package contains common functionality used by the endpoint core, the
// class drivers and the host-side tooling, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for USB protocol and flash programming errors
//   - Component identifiers for log filtering
//
// The package has no external dependencies so it can be linked into
// bare-metal builds alongside the device stack.
//
// # Logging
//
// The logging subsystem wraps [log/slog] with USB-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentDFU, "block flushed", "address", 0x3000)
//
// Any [io.Writer] can back a logger, including the CDC serial port:
//
//	logger := pkg.NewLogger(serial, nil)
//
// # Errors
//
// Common errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrFlashVerify) {
//	    // Handle readback mismatch
//	}
package pkg
