package sim

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/darren1713/FreakUSB/pkg"
)

// Flash controller unlock keys, written in order to the key register.
const (
	flashKey1 = 0x45670123
	flashKey2 = 0xCDEF89AB
)

// ErasedWord is the value of every word of an erased page.
const ErasedWord = 0xFFFFFFFF

// Flash is an in-memory program flash array implementing [hal.Flash].
// Programming can only clear bits, as on NOR flash, so writing a page
// without erasing it first fails verification.
type Flash struct {
	mutex    sync.Mutex
	base     uint32
	pageSize uint32
	words    []uint32

	keys    []uint32 // key register writes since the last lock
	locked  bool
	unlocks int
	erases  int
	writes  int

	badKey     int             // unlock sequences until one writes a wrong key
	busy       int             // operations left to reject with ErrBusy
	eraseFault map[uint32]bool // page addresses that fail to erase
	writeFault map[uint32]bool // word addresses that fail to program
}

// NewFlash creates an erased flash array of size bytes at base, divided
// into pages of pageSize bytes.
func NewFlash(base, size, pageSize uint32) *Flash {
	f := &Flash{
		base:       base,
		pageSize:   pageSize,
		words:      make([]uint32, size/4),
		locked:     true,
		eraseFault: make(map[uint32]bool),
		writeFault: make(map[uint32]bool),
	}
	for i := range f.words {
		f.words[i] = ErasedWord
	}
	return f
}

// Base returns the address of the first word.
func (f *Flash) Base() uint32 { return f.base }

// Size returns the size of the array in bytes.
func (f *Flash) Size() uint32 { return uint32(len(f.words)) * 4 }

// PageSize returns the erase page size in bytes.
func (f *Flash) PageSize() uint32 { return f.pageSize }

// Erase implements [hal.Flash].
func (f *Flash) Erase(address uint32, verify bool) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if _, err := f.indexLocked(address); err != nil {
		return err
	}
	if f.busy > 0 {
		f.busy--
		return pkg.ErrBusy
	}

	f.unlockLocked()
	defer f.lockLocked()
	if f.locked {
		return pkg.ErrFlashLocked
	}

	page := address - (address-f.base)%f.pageSize
	first := int((page - f.base) / 4)
	last := first + int(f.pageSize/4)
	for i := first; i < last && i < len(f.words); i++ {
		f.words[i] = ErasedWord
	}
	if f.eraseFault[page] {
		f.words[first] = 0
	}
	f.erases++
	pkg.LogDebug(pkg.ComponentFlash, "page erased", "address", fmt.Sprintf("0x%08X", page))

	if verify {
		for i := first; i < last && i < len(f.words); i++ {
			if f.words[i] != ErasedWord {
				return fmt.Errorf("page 0x%08X word %d: %w", page, i-first, pkg.ErrFlashErase)
			}
		}
	}
	return nil
}

// Write implements [hal.Flash].
func (f *Flash) Write(address uint32, words []uint32, verify bool) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	idx, err := f.indexLocked(address)
	if err != nil {
		return err
	}
	if idx+len(words) > len(f.words) {
		return fmt.Errorf("write %d words at 0x%08X: %w", len(words), address, pkg.ErrFlashAddress)
	}
	if f.busy > 0 {
		f.busy--
		return pkg.ErrBusy
	}

	f.unlockLocked()
	defer f.lockLocked()
	if f.locked {
		return pkg.ErrFlashLocked
	}

	for i, w := range words {
		addr := address + uint32(i)*4
		v := f.words[idx+i] & w
		if f.writeFault[addr] {
			v ^= 1
		}
		f.words[idx+i] = v
	}
	f.writes++

	if verify {
		for i, w := range words {
			if f.words[idx+i] != w {
				return fmt.Errorf("word at 0x%08X: %w", address+uint32(i)*4, pkg.ErrFlashVerify)
			}
		}
	}
	return nil
}

// ReadWord returns the word at address.
func (f *Flash) ReadWord(address uint32) (uint32, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	idx, err := f.indexLocked(address)
	if err != nil {
		return 0, err
	}
	return f.words[idx], nil
}

// Read copies n bytes starting at address, little-endian word order.
func (f *Flash) Read(address uint32, n int) ([]byte, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	idx, err := f.indexLocked(address)
	if err != nil {
		return nil, err
	}
	words := (n + 3) / 4
	if idx+words > len(f.words) {
		return nil, fmt.Errorf("read %d bytes at 0x%08X: %w", n, address, pkg.ErrFlashAddress)
	}
	out := make([]byte, words*4)
	for i := range words {
		binary.LittleEndian.PutUint32(out[i*4:], f.words[idx+i])
	}
	return out[:n], nil
}

// FailErase makes the page containing address read back unerased.
func (f *Flash) FailErase(address uint32) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.eraseFault[address-(address-f.base)%f.pageSize] = true
}

// FailWrite makes the word at address program incorrectly.
func (f *Flash) FailWrite(address uint32) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.writeFault[address&^3] = true
}

// FailUnlock corrupts the second key of one unlock sequence, after skip
// further sequences succeed. The operation it belongs to finds the
// controller locked and fails with [pkg.ErrFlashLocked].
func (f *Flash) FailUnlock(skip int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.badKey = max(skip, 0) + 1
}

// SetBusy makes the next n operations report [pkg.ErrBusy].
func (f *Flash) SetBusy(n int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.busy = n
}

// Stats returns the number of unlock sequences, erases and writes.
func (f *Flash) Stats() (unlocks, erases, writes int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.unlocks, f.erases, f.writes
}

// Locked reports whether the controller is locked.
func (f *Flash) Locked() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.locked
}

func (f *Flash) indexLocked(address uint32) (int, error) {
	if address%4 != 0 || address < f.base || address >= f.base+uint32(len(f.words))*4 {
		return 0, fmt.Errorf("address 0x%08X: %w", address, pkg.ErrFlashAddress)
	}
	return int((address - f.base) / 4), nil
}

// unlockLocked writes the two-key sequence to the key register. The
// controller only unlocks if both keys match.
func (f *Flash) unlockLocked() {
	key2 := uint32(flashKey2)
	if f.badKey > 0 {
		f.badKey--
		if f.badKey == 0 {
			key2 = ^key2
		}
	}
	f.keys = append(f.keys[:0], flashKey1, key2)
	if f.keys[0] == flashKey1 && f.keys[1] == flashKey2 {
		f.locked = false
		f.unlocks++
	}
}

func (f *Flash) lockLocked() {
	f.keys = f.keys[:0]
	f.locked = true
}
