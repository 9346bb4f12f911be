package dfu

import (
	"fmt"
	"time"
)

// StatusSize is the length of the GETSTATUS response.
const StatusSize = 6

// maxPollTimeout is the largest value bwPollTimeout can hold.
const maxPollTimeout = 1<<24 - 1

// StatusReport is the payload of a GETSTATUS response.
type StatusReport struct {
	Status      Status
	PollTimeout time.Duration // bwPollTimeout, millisecond resolution
	State       State
	StringIndex uint8 // iString
}

// MarshalTo writes the report to buf and returns the number of bytes
// written, or 0 if buf is too small.
func (r *StatusReport) MarshalTo(buf []byte) int {
	if len(buf) < StatusSize {
		return 0
	}
	ms := r.PollTimeout.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	if ms > maxPollTimeout {
		ms = maxPollTimeout
	}
	buf[0] = byte(r.Status)
	buf[1] = byte(ms)
	buf[2] = byte(ms >> 8)
	buf[3] = byte(ms >> 16)
	buf[4] = byte(r.State)
	buf[5] = r.StringIndex
	return StatusSize
}

// ParseStatusReport parses a GETSTATUS response.
func ParseStatusReport(data []byte, r *StatusReport) bool {
	if len(data) < StatusSize {
		return false
	}
	ms := uint32(data[1]) | uint32(data[2])<<8 | uint32(data[3])<<16
	r.Status = Status(data[0])
	r.PollTimeout = time.Duration(ms) * time.Millisecond
	r.State = State(data[4])
	r.StringIndex = data[5]
	return true
}

// String returns a human-readable representation.
func (r StatusReport) String() string {
	return fmt.Sprintf("%s status=%s poll=%s", r.State, r.Status, r.PollTimeout)
}
