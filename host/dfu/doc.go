// Package dfu is a host-side DFU 1.1 client for downloading firmware to a
// device running the FreakUSB DFU class driver.
//
// A [Client] talks to anything with the control transfer method of
// *gousb.Device, so the same code drives real hardware and the
// simulator in device/hal/sim:
//
//	ctx := gousb.NewContext()
//	defer ctx.Close()
//	dev, _ := ctx.OpenDeviceWithVIDPID(vid, pid)
//	defer dev.Close()
//
//	client := dfu.NewClient(dev, dfu.WithTransferSize(256))
//	err := client.Download(context.Background(), image, nil)
//
// Download sends the image in transfer-size chunks with incrementing block
// numbers, polls GETSTATUS after each chunk honouring the device's
// bwPollTimeout, and then polls through manifestation until the device
// reports dfuMANIFEST-WAIT-RESET and starts the new image.
package dfu
