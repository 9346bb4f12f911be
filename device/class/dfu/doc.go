// Package dfu implements the USB Device Firmware Upgrade (DFU 1.1) class
// driver for the FreakUSB device stack.
//
// [Driver] runs in DFU mode on a bootloader. The host downloads an image
// in DNLOAD requests of at most [Config.TransferSize] bytes. The driver
// stages them in a one-block buffer and programs each full block through
// [hal.Flash] at an address that starts at [Config.ImageBase] and advances
// one block per successful write. When the host ends the image and polls
// through manifestation, the driver hands control to the image through
// [hal.Booter].
//
// # State machine
//
//	dfuIDLE         --DNLOAD(len>0)--> dfuDNLOAD-SYNC
//	dfuIDLE         --DNLOAD(len=0)--> dfuERROR (errNOTDONE)
//	dfuDNLOAD-SYNC  --GETSTATUS------> dfuDNBUSY if a block is pending, else dfuDNLOAD-IDLE
//	dfuDNBUSY       --GETSTATUS------> dfuDNBUSY until the block is written
//	dfuDNLOAD-IDLE  --DNLOAD(len>0)--> dfuDNLOAD-SYNC
//	dfuDNLOAD-IDLE  --DNLOAD(len=0)--> dfuMANIFEST-SYNC
//	dfuMANIFEST-SYNC --GETSTATUS-----> dfuMANIFEST
//	dfuMANIFEST     --GETSTATUS------> dfuMANIFEST-WAIT-RESET, then boot
//	dfuERROR        --CLRSTATUS------> dfuIDLE
//	any             --ABORT----------> dfuIDLE
//
// Flash work never runs inside a DNLOAD. It is deferred to the GETSTATUS
// that follows, after the status report has been sent. A flash that reports
// [pkg.ErrBusy] keeps the block pending and the device in dfuDNBUSY.
//
// UPLOAD is not supported and is always stalled.
//
// # Usage
//
//	drv := dfu.New(flash, booter, dfu.DefaultConfig())
//	stack.Register(0, drv)
package dfu
