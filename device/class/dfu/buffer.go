package dfu

import (
	"encoding/binary"
	"fmt"

	"github.com/darren1713/FreakUSB/pkg"
)

// erasedByte fills the unused tail of a final partial block.
const erasedByte = 0xFF

// blockBuffer stages one flash block. The cursor advances by whole data
// stages and returns to the start when the block is full.
type blockBuffer struct {
	data   []byte
	words  []uint32
	cursor int
}

func newBlockBuffer(size int) *blockBuffer {
	return &blockBuffer{
		data:  make([]byte, size),
		words: make([]uint32, size/4),
	}
}

// Len returns the number of bytes staged.
func (b *blockBuffer) Len() int {
	return b.cursor
}

// Free returns the room left in the block.
func (b *blockBuffer) Free() int {
	return len(b.data) - b.cursor
}

// Append copies p at the cursor. It reports whether the block became full,
// in which case the cursor is back at the start and the block must be
// flushed before the next Append. Nothing is copied if p does not fit.
func (b *blockBuffer) Append(p []byte) (bool, error) {
	if len(p) > b.Free() {
		return false, fmt.Errorf("%d bytes at offset %d of %d-byte block: %w",
			len(p), b.cursor, len(b.data), pkg.ErrOverrun)
	}
	b.cursor += copy(b.data[b.cursor:], p)
	if b.cursor == len(b.data) {
		b.cursor = 0
		return true, nil
	}
	return false, nil
}

// Pad fills the rest of a partial block with the erased value and rewinds
// the cursor. It reports whether there was anything to pad.
func (b *blockBuffer) Pad() bool {
	if b.cursor == 0 {
		return false
	}
	for i := b.cursor; i < len(b.data); i++ {
		b.data[i] = erasedByte
	}
	b.cursor = 0
	return true
}

// Words returns the block as little-endian flash words. The slice is
// reused by the next call.
func (b *blockBuffer) Words() []uint32 {
	for i := range b.words {
		b.words[i] = binary.LittleEndian.Uint32(b.data[i*4:])
	}
	return b.words
}

// Reset discards staged bytes.
func (b *blockBuffer) Reset() {
	b.cursor = 0
}
