package device

import "github.com/darren1713/FreakUSB/pkg"

// FIFO is a fixed-capacity byte queue. The backing storage is allocated once
// and never resized. FIFO is not safe for concurrent use; [Core] serializes
// access.
type FIFO struct {
	buf  []byte
	head int // index of the oldest byte
	n    int // number of queued bytes
}

// NewFIFO creates a FIFO holding up to capacity bytes.
func NewFIFO(capacity int) *FIFO {
	if capacity < 1 {
		capacity = 1
	}
	return &FIFO{buf: make([]byte, capacity)}
}

// Cap returns the capacity in bytes.
func (f *FIFO) Cap() int {
	return len(f.buf)
}

// Len returns the number of queued bytes.
func (f *FIFO) Len() int {
	return f.n
}

// Free returns the number of bytes that can be written before the FIFO is full.
func (f *FIFO) Free() int {
	return len(f.buf) - f.n
}

// WriteByte appends b at the tail. It returns [pkg.ErrOverrun] and leaves
// the FIFO unchanged when full.
func (f *FIFO) WriteByte(b byte) error {
	if f.n == len(f.buf) {
		return pkg.ErrOverrun
	}
	f.buf[(f.head+f.n)%len(f.buf)] = b
	f.n++
	return nil
}

// ReadByte removes the byte at the head. It returns [pkg.ErrUnderrun] when
// the FIFO is empty.
func (f *FIFO) ReadByte() (byte, error) {
	if f.n == 0 {
		return 0, pkg.ErrUnderrun
	}
	b := f.buf[f.head]
	f.head = (f.head + 1) % len(f.buf)
	f.n--
	return b, nil
}

// Reset discards all queued bytes.
func (f *FIFO) Reset() {
	f.head = 0
	f.n = 0
}
