package device

import (
	"bytes"
	"errors"
	"testing"

	"github.com/darren1713/FreakUSB/device/hal"
	"github.com/darren1713/FreakUSB/pkg"
)

func newTestCore(t *testing.T, fifoSize int) (*Core, *mockHAL) {
	t.Helper()
	m := newMockHAL()
	c := NewCore(m, fifoSize)
	if err := c.Configure(0, hal.TransferControl, hal.DirOut, 8); err != nil {
		t.Fatalf("Configure(0) error = %v", err)
	}
	if err := c.Configure(1, hal.TransferBulk, hal.DirIn, 8); err != nil {
		t.Fatalf("Configure(1) error = %v", err)
	}
	if err := c.Configure(3, hal.TransferBulk, hal.DirOut, 8); err != nil {
		t.Fatalf("Configure(3) error = %v", err)
	}
	return c, m
}

func TestCoreConfigure(t *testing.T) {
	tests := []struct {
		name    string
		num     uint8
		typ     hal.TransferType
		mps     uint16
		wantErr error
	}{
		{"control on endpoint 0", 0, hal.TransferControl, 64, nil},
		{"bulk on endpoint 1", 1, hal.TransferBulk, 64, nil},
		{"bulk on endpoint 0", 0, hal.TransferBulk, 64, pkg.ErrInvalidParameter},
		{"control on endpoint 2", 2, hal.TransferControl, 64, pkg.ErrInvalidParameter},
		{"zero packet size", 1, hal.TransferBulk, 0, pkg.ErrInvalidParameter},
		{"endpoint out of range", 16, hal.TransferBulk, 64, pkg.ErrInvalidEndpoint},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockHAL()
			c := NewCore(m, 16)
			err := c.Configure(tt.num, tt.typ, hal.DirIn, tt.mps)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Configure() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if !m.enabled[tt.num] {
				t.Error("endpoint not enabled")
			}
			if got := c.MaxPacketSize(tt.num); got != tt.mps {
				t.Errorf("MaxPacketSize() = %d, want %d", got, tt.mps)
			}
		})
	}
}

func TestCoreConfigureClearsStaleState(t *testing.T) {
	c, _ := newTestCore(t, 16)
	_, _ = c.Write(1, []byte{1, 2, 3})
	_, _ = c.FlushToWire(1)
	_, _ = c.Write(1, []byte{4, 5})
	_ = c.SetStall(1)

	if err := c.Configure(1, hal.TransferBulk, hal.DirIn, 8); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if n := c.Buffered(1); n != 0 {
		t.Errorf("Buffered() = %d after reconfigure, want 0", n)
	}
	if c.IsStalled(1) {
		t.Error("stall survived reconfigure")
	}
	ep, _ := c.Endpoint(1)
	if ep.DataToggle() {
		t.Error("data toggle survived reconfigure")
	}
}

func TestCoreConfigureHALError(t *testing.T) {
	m := newMockHAL()
	m.configErr = pkg.ErrNotSupported
	c := NewCore(m, 16)
	if err := c.Configure(1, hal.TransferBulk, hal.DirIn, 64); !errors.Is(err, pkg.ErrNotSupported) {
		t.Fatalf("Configure() error = %v, want ErrNotSupported", err)
	}
	if err := c.WriteByte(1, 'x'); !errors.Is(err, pkg.ErrNotConfigured) {
		t.Errorf("WriteByte() error = %v, want ErrNotConfigured", err)
	}
}

func TestCoreUnconfiguredEndpoint(t *testing.T) {
	c := NewCore(newMockHAL(), 16)
	if err := c.WriteByte(2, 1); !errors.Is(err, pkg.ErrNotConfigured) {
		t.Errorf("WriteByte() error = %v, want ErrNotConfigured", err)
	}
	if _, err := c.ReadByte(2); !errors.Is(err, pkg.ErrNotConfigured) {
		t.Errorf("ReadByte() error = %v, want ErrNotConfigured", err)
	}
	if _, err := c.FlushToWire(2); !errors.Is(err, pkg.ErrNotConfigured) {
		t.Errorf("FlushToWire() error = %v, want ErrNotConfigured", err)
	}
	if _, err := c.DrainFromWire(2); !errors.Is(err, pkg.ErrNotConfigured) {
		t.Errorf("DrainFromWire() error = %v, want ErrNotConfigured", err)
	}
}

func TestCoreWriteRead(t *testing.T) {
	c, _ := newTestCore(t, 4)

	n, err := c.Write(3, []byte{1, 2, 3, 4, 5, 6})
	if !errors.Is(err, pkg.ErrOverrun) {
		t.Errorf("Write() error = %v, want ErrOverrun", err)
	}
	if n != 4 {
		t.Errorf("Write() = %d, want 4", n)
	}
	if got := c.Buffered(3); got != 4 {
		t.Errorf("Buffered() = %d, want 4", got)
	}

	buf := make([]byte, 8)
	n, err = c.Read(3, buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(buf[:n], []byte{1, 2, 3, 4}) {
		t.Errorf("Read() = %v, want [1 2 3 4]", buf[:n])
	}
	if _, err := c.Read(3, buf); !errors.Is(err, pkg.ErrUnderrun) {
		t.Errorf("Read() on empty FIFO error = %v, want ErrUnderrun", err)
	}
}

func TestCoreFlushToWire(t *testing.T) {
	c, m := newTestCore(t, 32)

	data := []byte("0123456789ABCDEFxyz")
	if _, err := c.Write(1, data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	var sizes []int
	for c.Buffered(1) > 0 {
		n, err := c.FlushToWire(1)
		if err != nil {
			t.Fatalf("FlushToWire() error = %v", err)
		}
		sizes = append(sizes, n)
	}
	if want := []int{8, 8, 3}; len(sizes) != len(want) || sizes[0] != 8 || sizes[1] != 8 || sizes[2] != 3 {
		t.Errorf("packet sizes = %v, want %v", sizes, want)
	}
	if got := bytes.Join(m.packets(1), nil); !bytes.Equal(got, data) {
		t.Errorf("wire bytes = %q, want %q", got, data)
	}
	ep, _ := c.Endpoint(1)
	if !ep.DataToggle() {
		t.Error("three packets should leave the toggle at DATA1")
	}

	// An empty FIFO sends a zero-length packet.
	n, err := c.FlushToWire(1)
	if err != nil || n != 0 {
		t.Fatalf("FlushToWire() on empty FIFO = %d, %v", n, err)
	}
	pkts := m.packets(1)
	if last := pkts[len(pkts)-1]; len(last) != 0 {
		t.Errorf("last packet = %v, want zero-length", last)
	}
}

func TestCoreFlushToWireBusy(t *testing.T) {
	c, m := newTestCore(t, 16)
	_ = c.WriteByte(1, 'a')
	m.txBusy[1] = true

	if _, err := c.FlushToWire(1); !errors.Is(err, pkg.ErrBusy) {
		t.Fatalf("FlushToWire() error = %v, want ErrBusy", err)
	}
	if c.Buffered(1) != 1 {
		t.Error("busy flush must leave the FIFO unchanged")
	}
	if len(m.packets(1)) != 0 {
		t.Error("busy flush must not commit a packet")
	}
}

func TestCoreFlushToWireOutEndpoint(t *testing.T) {
	c, _ := newTestCore(t, 16)
	if _, err := c.FlushToWire(3); !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Errorf("FlushToWire() on OUT endpoint error = %v, want ErrInvalidEndpoint", err)
	}
}

func TestCoreFlushAll(t *testing.T) {
	c, m := newTestCore(t, 32)
	if _, err := c.Write(1, []byte("0123456789")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	_ = c.WriteByte(EndpointControl, 'x')

	m.txBusy[1] = true
	if n := c.FlushAll(); n != 0 {
		t.Fatalf("FlushAll() with busy buffer = %d, want 0", n)
	}
	if !c.TxBacklog() {
		t.Fatal("TxBacklog() = false with 10 bytes queued")
	}

	m.txBusy[1] = false
	var sizes []int
	for c.FlushAll() > 0 {
		pkts := m.packets(1)
		sizes = append(sizes, len(pkts[len(pkts)-1]))
	}
	if len(sizes) != 2 || sizes[0] != 8 || sizes[1] != 2 {
		t.Errorf("packet sizes = %v, want [8 2]", sizes)
	}
	if c.TxBacklog() {
		t.Error("TxBacklog() = true after the FIFO drained")
	}
	if c.Buffered(EndpointControl) != 1 || len(m.packets(EndpointControl)) != 0 {
		t.Error("FlushAll must leave the control endpoint alone")
	}
	if len(m.packets(3)) != 0 {
		t.Error("FlushAll transmitted on an OUT endpoint")
	}
}

func TestCoreDrainFromWire(t *testing.T) {
	tests := []struct {
		name     string
		num      uint8
		packet   []byte
		wantFlag Flag
	}{
		{"control endpoint", 0, []byte{0x21, 0x20, 0, 0, 0, 0, 7, 0}, FlagSetupDataAvailable},
		{"bulk OUT endpoint", 3, []byte("data"), FlagRxDataAvailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, m := newTestCore(t, 16)
			m.receive(tt.num, tt.packet)

			n, err := c.DrainFromWire(tt.num)
			if err != nil {
				t.Fatalf("DrainFromWire() error = %v", err)
			}
			if n != len(tt.packet) {
				t.Errorf("DrainFromWire() = %d, want %d", n, len(tt.packet))
			}
			if !c.PCB().HasFlag(tt.wantFlag) {
				t.Errorf("flag %s not set", tt.wantFlag)
			}
			if m.RxReady(tt.num) {
				t.Error("receive buffer not released after full drain")
			}
			buf := make([]byte, 16)
			got, _ := c.Read(tt.num, buf)
			if !bytes.Equal(buf[:got], tt.packet) {
				t.Errorf("FIFO = %v, want %v", buf[:got], tt.packet)
			}
		})
	}
}

func TestCoreDrainFromWireNoData(t *testing.T) {
	c, _ := newTestCore(t, 16)
	n, err := c.DrainFromWire(3)
	if err != nil || n != 0 {
		t.Errorf("DrainFromWire() = %d, %v, want 0, nil", n, err)
	}
	if c.PCB().HasFlag(FlagRxDataAvailable) {
		t.Error("flag set without data")
	}
}

func TestCoreDrainFromWireZeroLength(t *testing.T) {
	c, m := newTestCore(t, 16)
	m.receive(0, nil)

	n, err := c.DrainFromWire(0)
	if err != nil || n != 0 {
		t.Fatalf("DrainFromWire() = %d, %v, want 0, nil", n, err)
	}
	if m.RxReady(0) {
		t.Error("zero-length packet not released")
	}
	if c.PCB().HasFlag(FlagSetupDataAvailable) {
		t.Error("zero-length packet must not signal data")
	}
}

func TestCoreDrainFromWirePending(t *testing.T) {
	c, m := newTestCore(t, 8)
	m.receive(3, []byte("123456"))
	m.receive(3, []byte("789abc"))

	if _, err := c.DrainFromWire(3); err != nil {
		t.Fatalf("DrainFromWire() error = %v", err)
	}
	n, err := c.DrainFromWire(3)
	if err != nil || n != 0 {
		t.Fatalf("DrainFromWire() on full FIFO = %d, %v, want 0, nil", n, err)
	}
	if !c.PCB().Pending(3) {
		t.Error("endpoint should be pending")
	}
	if !m.RxReady(3) {
		t.Error("hardware must keep the packet that did not fit")
	}
	if got := c.Buffered(3); got != 6 {
		t.Errorf("Buffered() = %d, want 6", got)
	}

	buf := make([]byte, 6)
	_, _ = c.Read(3, buf)
	n, _ = c.DrainFromWire(3)
	if n != 6 || c.PCB().Pending(3) {
		t.Errorf("DrainFromWire() after read = %d (pending %v), want 6 (false)", n, c.PCB().Pending(3))
	}
}

func TestCoreDrainFromWireINEndpoint(t *testing.T) {
	c, _ := newTestCore(t, 16)
	if _, err := c.DrainFromWire(1); !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Errorf("DrainFromWire() on IN endpoint error = %v, want ErrInvalidEndpoint", err)
	}
}

func TestCoreDrainAll(t *testing.T) {
	c, m := newTestCore(t, 32)
	m.receive(0, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	m.receive(0, []byte{9, 10})
	m.receive(3, []byte("abc"))

	if got := c.DrainAll(); got != 13 {
		t.Errorf("DrainAll() = %d, want 13", got)
	}
	if c.Buffered(0) != 10 || c.Buffered(3) != 3 {
		t.Errorf("Buffered() = %d, %d, want 10, 3", c.Buffered(0), c.Buffered(3))
	}
}

func TestCoreStall(t *testing.T) {
	c, m := newTestCore(t, 16)
	_, _ = c.FlushToWire(1)

	if err := c.SetStall(1); err != nil {
		t.Fatalf("SetStall() error = %v", err)
	}
	if !c.IsStalled(1) || !m.isStalled(1) {
		t.Error("stall not set in PCB and hardware")
	}
	if c.PCB().StallMask() != 1<<1 {
		t.Errorf("StallMask() = %#x, want 0x2", c.PCB().StallMask())
	}

	if err := c.ClearStall(1); err != nil {
		t.Fatalf("ClearStall() error = %v", err)
	}
	if c.IsStalled(1) || m.isStalled(1) {
		t.Error("stall not cleared")
	}
	ep, _ := c.Endpoint(1)
	if ep.DataToggle() {
		t.Error("ClearStall() should reset the data toggle")
	}

	if err := c.SetStall(16); !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Errorf("SetStall(16) error = %v, want ErrInvalidEndpoint", err)
	}
}

func TestCoreSendZLP(t *testing.T) {
	c, m := newTestCore(t, 16)
	if err := c.SendZLP(0); err != nil {
		t.Fatalf("SendZLP(0) error = %v", err)
	}
	if m.ackCount() != 1 {
		t.Errorf("acks = %d, want 1", m.ackCount())
	}
	if err := c.SendZLP(1); !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Errorf("SendZLP(1) error = %v, want ErrInvalidEndpoint", err)
	}
}

func TestCoreReset(t *testing.T) {
	c, m := newTestCore(t, 16)
	_ = c.WriteByte(1, 'x')
	_ = c.WriteByte(0, 'y')
	_ = c.SetStall(0)
	c.PCB().SetFlag(FlagEnumerated)

	c.Reset()

	if c.Buffered(0) != 0 {
		t.Error("control FIFO not cleared")
	}
	if c.PCB().HasFlag(FlagEnumerated) {
		t.Error("flags not cleared")
	}
	if c.IsStalled(0) || m.isStalled(0) {
		t.Error("control stall not cleared")
	}
	if m.enabled[1] || m.enabled[3] {
		t.Error("data endpoints not disabled")
	}
	if c.MaxPacketSize(0) != 8 {
		t.Error("control endpoint lost its configuration")
	}
	if err := c.WriteByte(1, 'x'); !errors.Is(err, pkg.ErrNotConfigured) {
		t.Errorf("WriteByte() after reset error = %v, want ErrNotConfigured", err)
	}
}
