package sim

import (
	"fmt"
	"sync"

	"github.com/darren1713/FreakUSB/pkg"
)

// Booter implements [hal.Booter] by recording the vector table of the image
// it is asked to start: the initial stack pointer at the image base and the
// reset vector one word above it.
type Booter struct {
	flash *Flash

	mutex  sync.Mutex
	count  int
	base   uint32
	sp     uint32
	entry  uint32
	onBoot func(sp, entry uint32)
}

// NewBooter creates a booter that reads vector tables from flash.
func NewBooter(flash *Flash) *Booter {
	return &Booter{flash: flash}
}

// SetOnBoot sets a callback invoked after every boot.
func (b *Booter) SetOnBoot(cb func(sp, entry uint32)) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.onBoot = cb
}

// Boot implements [hal.Booter].
func (b *Booter) Boot(imageBase uint32) {
	sp, err := b.flash.ReadWord(imageBase)
	if err != nil {
		pkg.LogError(pkg.ComponentFlash, "boot vector unreadable", "error", err)
	}
	entry, err := b.flash.ReadWord(imageBase + 4)
	if err != nil {
		pkg.LogError(pkg.ComponentFlash, "boot vector unreadable", "error", err)
	}

	b.mutex.Lock()
	b.count++
	b.base, b.sp, b.entry = imageBase, sp, entry
	cb := b.onBoot
	b.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentFlash, "jump to application",
		"base", fmt.Sprintf("0x%08X", imageBase),
		"sp", fmt.Sprintf("0x%08X", sp),
		"entry", fmt.Sprintf("0x%08X", entry))
	if cb != nil {
		cb(sp, entry)
	}
}

// Count returns the number of times Boot was called.
func (b *Booter) Count() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.count
}

// Vector returns the image base, initial stack pointer and reset vector of
// the last boot.
func (b *Booter) Vector() (base, sp, entry uint32) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.base, b.sp, b.entry
}
