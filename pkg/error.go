package pkg

import "errors"

// USB protocol errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrTimeout indicates a bounded wait expired.
	ErrTimeout = errors.New("transfer timeout")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrOverrun indicates a write past the capacity of a buffer.
	ErrOverrun = errors.New("data overrun")

	// ErrUnderrun indicates a read from an empty buffer.
	ErrUnderrun = errors.New("data underrun")

	// ErrProtocol indicates a protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrNotConfigured indicates the device or endpoint is not configured.
	ErrNotConfigured = errors.New("device not configured")

	// ErrInvalidEndpoint indicates an invalid endpoint number.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidState indicates an invalid state for the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidRequest indicates an invalid or unsupported request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrBusy indicates the resource is busy and the operation should be retried.
	ErrBusy = errors.New("resource busy")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrAlreadyRunning indicates the stack is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Flash programming errors.
var (
	// ErrFlashErase indicates a page did not read back as erased.
	ErrFlashErase = errors.New("flash erase failed")

	// ErrFlashWrite indicates the controller rejected a program operation.
	ErrFlashWrite = errors.New("flash write failed")

	// ErrFlashVerify indicates programmed words did not match the source.
	ErrFlashVerify = errors.New("flash verify failed")

	// ErrFlashAddress indicates an address outside the flash array or not
	// aligned to a word or page boundary.
	ErrFlashAddress = errors.New("flash address out of range")

	// ErrFlashLocked indicates the controller was not unlocked before access.
	ErrFlashLocked = errors.New("flash controller locked")
)
