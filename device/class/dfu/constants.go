package dfu

import "time"

// DFU class codes of the interface descriptor.
const (
	ClassApplicationSpecific = 0xFE
	SubclassDFU              = 0x01
	ProtocolRuntime          = 0x01
	ProtocolDFUMode          = 0x02
)

// DFU 1.1 class requests.
const (
	RequestDetach    = 0x00
	RequestDnload    = 0x01
	RequestUpload    = 0x02
	RequestGetStatus = 0x03
	RequestClrStatus = 0x04
	RequestGetState  = 0x05
	RequestAbort     = 0x06
)

// bmRequestType values of the DFU requests: class type, interface
// recipient.
const (
	RequestTypeOut = 0x21 // Host to device
	RequestTypeIn  = 0xA1 // Device to host
)

// State is the bState field of a DFU status report.
type State uint8

// DFU 1.1 device states.
const (
	StateAppIdle           State = 0
	StateAppDetach         State = 1
	StateIdle              State = 2
	StateDnloadSync        State = 3
	StateDnBusy            State = 4
	StateDnloadIdle        State = 5
	StateManifestSync      State = 6
	StateManifest          State = 7
	StateManifestWaitReset State = 8
	StateUploadIdle        State = 9
	StateError             State = 10
)

// String returns the state name used by the DFU 1.1 specification.
func (s State) String() string {
	switch s {
	case StateAppIdle:
		return "appIDLE"
	case StateAppDetach:
		return "appDETACH"
	case StateIdle:
		return "dfuIDLE"
	case StateDnloadSync:
		return "dfuDNLOAD-SYNC"
	case StateDnBusy:
		return "dfuDNBUSY"
	case StateDnloadIdle:
		return "dfuDNLOAD-IDLE"
	case StateManifestSync:
		return "dfuMANIFEST-SYNC"
	case StateManifest:
		return "dfuMANIFEST"
	case StateManifestWaitReset:
		return "dfuMANIFEST-WAIT-RESET"
	case StateUploadIdle:
		return "dfuUPLOAD-IDLE"
	case StateError:
		return "dfuERROR"
	default:
		return "unknown"
	}
}

// Status is the bStatus field of a DFU status report.
type Status uint8

// DFU 1.1 status codes.
const (
	StatusOK             Status = 0x00
	StatusErrTarget      Status = 0x01
	StatusErrFile        Status = 0x02
	StatusErrWrite       Status = 0x03
	StatusErrErase       Status = 0x04
	StatusErrCheckErased Status = 0x05
	StatusErrProg        Status = 0x06
	StatusErrVerify      Status = 0x07
	StatusErrAddress     Status = 0x08
	StatusErrNotDone     Status = 0x09
	StatusErrFirmware    Status = 0x0A
	StatusErrVendor      Status = 0x0B
	StatusErrUSBR        Status = 0x0C
	StatusErrPOR         Status = 0x0D
	StatusErrUnknown     Status = 0x0E
	StatusErrStalledPkt  Status = 0x0F
)

// String returns the status name used by the DFU 1.1 specification.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusErrTarget:
		return "errTARGET"
	case StatusErrFile:
		return "errFILE"
	case StatusErrWrite:
		return "errWRITE"
	case StatusErrErase:
		return "errERASE"
	case StatusErrCheckErased:
		return "errCHECK_ERASED"
	case StatusErrProg:
		return "errPROG"
	case StatusErrVerify:
		return "errVERIFY"
	case StatusErrAddress:
		return "errADDRESS"
	case StatusErrNotDone:
		return "errNOTDONE"
	case StatusErrFirmware:
		return "errFIRMWARE"
	case StatusErrVendor:
		return "errVENDOR"
	case StatusErrUSBR:
		return "errUSBR"
	case StatusErrPOR:
		return "errPOR"
	case StatusErrUnknown:
		return "errUNKNOWN"
	case StatusErrStalledPkt:
		return "errSTALLEDPKT"
	default:
		return "unknown"
	}
}

// Defaults for [Config].
const (
	// DefaultImageBase is the flash address of the application image.
	DefaultImageBase = 0x3000

	// DefaultBlockSize is the size of one flash block in bytes.
	DefaultBlockSize = 1024

	// DefaultPageSize is the flash erase page size in bytes.
	DefaultPageSize = 1024

	// DefaultTransferSize is the largest DNLOAD data stage accepted. It
	// must fit in the control endpoint FIFO.
	DefaultTransferSize = 256

	// DefaultPollTimeout is reported in bwPollTimeout.
	DefaultPollTimeout = 0xFF * time.Millisecond

	// DefaultDetachTimeout is advertised in the functional descriptor.
	DefaultDetachTimeout = 1000 * time.Millisecond
)

// Config holds the parameters of the DFU driver.
type Config struct {
	// ImageBase is the flash address the first block is written to and
	// the address of the vector table the image is booted from.
	ImageBase uint32

	// BlockSize is the size of the flash block buffer. It must be a
	// multiple of four and of PageSize.
	BlockSize int

	// PageSize is the erase granularity of the flash.
	PageSize int

	// TransferSize is the largest DNLOAD data stage accepted. It must
	// divide BlockSize.
	TransferSize uint16

	// PollTimeout is the minimum time the host waits between GETSTATUS
	// requests. Only the low 24 bits of the millisecond value are sent.
	PollTimeout time.Duration

	// DetachTimeout is advertised in the functional descriptor.
	DetachTimeout time.Duration
}

// DefaultConfig returns the default driver configuration.
func DefaultConfig() Config {
	return Config{
		ImageBase:     DefaultImageBase,
		BlockSize:     DefaultBlockSize,
		PageSize:      DefaultPageSize,
		TransferSize:  DefaultTransferSize,
		PollTimeout:   DefaultPollTimeout,
		DetachTimeout: DefaultDetachTimeout,
	}
}

// withDefaults fills zero or unusable fields of c from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ImageBase == 0 {
		c.ImageBase = def.ImageBase
	}
	if c.BlockSize <= 0 || c.BlockSize%4 != 0 {
		c.BlockSize = def.BlockSize
	}
	if c.PageSize <= 0 || c.PageSize > c.BlockSize || c.BlockSize%c.PageSize != 0 {
		c.PageSize = c.BlockSize
	}
	if c.TransferSize == 0 {
		c.TransferSize = def.TransferSize
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = def.PollTimeout
	}
	if c.DetachTimeout <= 0 {
		c.DetachTimeout = def.DetachTimeout
	}
	return c
}
