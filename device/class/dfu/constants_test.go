package dfu

import (
	"bytes"
	"testing"
	"time"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateAppIdle, "appIDLE"},
		{StateIdle, "dfuIDLE"},
		{StateDnloadSync, "dfuDNLOAD-SYNC"},
		{StateManifestWaitReset, "dfuMANIFEST-WAIT-RESET"},
		{StateError, "dfuERROR"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusOK, "OK"},
		{StatusErrErase, "errERASE"},
		{StatusErrVerify, "errVERIFY"},
		{StatusErrNotDone, "errNOTDONE"},
		{StatusErrStalledPkt, "errSTALLEDPKT"},
		{Status(0x40), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{BlockSize: 2048, PageSize: 3000, TransferSize: 64}.withDefaults()
	if cfg.ImageBase != DefaultImageBase {
		t.Errorf("ImageBase = 0x%X, want 0x%X", cfg.ImageBase, DefaultImageBase)
	}
	if cfg.BlockSize != 2048 || cfg.TransferSize != 64 {
		t.Errorf("explicit fields overwritten: %+v", cfg)
	}
	if cfg.PageSize != 2048 {
		t.Errorf("PageSize = %d, want 2048 for a page larger than the block", cfg.PageSize)
	}
	if cfg.PollTimeout != DefaultPollTimeout {
		t.Errorf("PollTimeout = %v, want %v", cfg.PollTimeout, DefaultPollTimeout)
	}

	cfg = Config{BlockSize: 1022}.withDefaults()
	if cfg.BlockSize != DefaultBlockSize {
		t.Errorf("BlockSize = %d, want %d for an unaligned block", cfg.BlockSize, DefaultBlockSize)
	}
}

func TestStatusReportMarshalTo(t *testing.T) {
	r := StatusReport{
		Status:      StatusErrVerify,
		PollTimeout: 0x0102 * time.Millisecond,
		State:       StateError,
		StringIndex: 4,
	}
	var buf [StatusSize]byte
	if n := r.MarshalTo(buf[:]); n != StatusSize {
		t.Fatalf("MarshalTo() = %d, want %d", n, StatusSize)
	}
	want := []byte{0x07, 0x02, 0x01, 0x00, 0x0A, 0x04}
	if !bytes.Equal(buf[:], want) {
		t.Errorf("MarshalTo() = % X, want % X", buf, want)
	}
	if n := r.MarshalTo(buf[:5]); n != 0 {
		t.Errorf("MarshalTo() into short buffer = %d, want 0", n)
	}

	var parsed StatusReport
	if !ParseStatusReport(buf[:], &parsed) || parsed != r {
		t.Errorf("ParseStatusReport() = %+v, want %+v", parsed, r)
	}
	if ParseStatusReport(buf[:3], &parsed) {
		t.Error("ParseStatusReport() of short data = true")
	}
}

func TestStatusReportPollTimeoutClamped(t *testing.T) {
	r := StatusReport{PollTimeout: 5 * time.Hour}
	var buf [StatusSize]byte
	r.MarshalTo(buf[:])
	if !bytes.Equal(buf[1:4], []byte{0xFF, 0xFF, 0xFF}) {
		t.Errorf("bwPollTimeout = % X, want FF FF FF", buf[1:4])
	}
}

func TestFunctionalDescriptor(t *testing.T) {
	d := functionalDescriptor(DefaultConfig())
	var buf [FunctionalDescriptorSize]byte
	if n := d.MarshalTo(buf[:]); n != FunctionalDescriptorSize {
		t.Fatalf("MarshalTo() = %d, want %d", n, FunctionalDescriptorSize)
	}
	want := []byte{0x09, 0x21, 0x01, 0xE8, 0x03, 0x00, 0x01, 0x10, 0x01}
	if !bytes.Equal(buf[:], want) {
		t.Errorf("MarshalTo() = % X, want % X", buf, want)
	}

	var parsed FunctionalDescriptor
	if !ParseFunctionalDescriptor(buf[:], &parsed) || parsed != d {
		t.Errorf("ParseFunctionalDescriptor() = %+v, want %+v", parsed, d)
	}
	buf[1] = 0x04
	if ParseFunctionalDescriptor(buf[:], &parsed) {
		t.Error("ParseFunctionalDescriptor() accepted an interface descriptor")
	}
}
