package device

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/darren1713/FreakUSB/pkg"
)

func newTestControl(t *testing.T) (*Control, *mockHAL) {
	t.Helper()
	c, m := newTestCore(t, 32)
	ctl := NewControl(c, Config{
		DataStageTimeout: 10 * time.Millisecond,
		TxTimeout:        10 * time.Millisecond,
	})
	return ctl, m
}

func TestControlReceiveData(t *testing.T) {
	ctl, m := newTestControl(t)
	m.receive(0, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	m.receive(0, []byte{9})

	if err := ctl.ReceiveData(context.Background(), 9); err != nil {
		t.Fatalf("ReceiveData() error = %v", err)
	}
	if ctl.Core().PCB().HasFlag(FlagSetupDataAvailable) {
		t.Error("setup-data flag should be cleared after the data stage")
	}
	buf := make([]byte, 9)
	n, _ := ctl.Read(buf)
	if n != 9 || buf[8] != 9 {
		t.Errorf("Read() = %v, want 1..9", buf[:n])
	}
}

func TestControlReceiveDataPollHook(t *testing.T) {
	ctl, m := newTestControl(t)
	polls := 0
	ctl.SetPollHook(func() {
		polls++
		if polls == 3 {
			m.receive(0, []byte{0xAA, 0xBB})
		}
	})

	if err := ctl.ReceiveData(context.Background(), 2); err != nil {
		t.Fatalf("ReceiveData() error = %v", err)
	}
	if polls < 3 {
		t.Errorf("poll hook called %d times, want at least 3", polls)
	}
}

func TestControlReceiveDataTimeout(t *testing.T) {
	ctl, m := newTestControl(t)
	m.receive(0, []byte{1, 2, 3})

	err := ctl.ReceiveData(context.Background(), 7)
	if !errors.Is(err, pkg.ErrTimeout) {
		t.Fatalf("ReceiveData() error = %v, want ErrTimeout", err)
	}
	if !m.isStalled(0) {
		t.Error("timeout should stall the control endpoint")
	}
}

func TestControlReceiveDataCancelled(t *testing.T) {
	ctl, m := newTestControl(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := ctl.ReceiveData(ctx, 4); !errors.Is(err, pkg.ErrCancelled) {
		t.Fatalf("ReceiveData() error = %v, want ErrCancelled", err)
	}
	if !m.isStalled(0) {
		t.Error("cancellation should stall the control endpoint")
	}
}

func TestControlReceiveDataTooLarge(t *testing.T) {
	ctl, m := newTestControl(t)
	if err := ctl.ReceiveData(context.Background(), 33); !errors.Is(err, pkg.ErrBufferTooSmall) {
		t.Fatalf("ReceiveData() error = %v, want ErrBufferTooSmall", err)
	}
	if !m.isStalled(0) {
		t.Error("oversized data stage should stall")
	}
}

func TestControlRespond(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		wLength     uint16
		wantPackets []int
	}{
		{"single short packet", []byte{1, 2, 3}, 64, []int{3}},
		{"truncated to wLength", []byte{1, 2, 3, 4, 5, 6, 7}, 4, []int{4}},
		{"multi packet", bytes.Repeat([]byte{0x5A}, 20), 20, []int{8, 8, 4}},
		{"exact multiple shorter than wLength", bytes.Repeat([]byte{1}, 16), 64, []int{8, 8, 0}},
		{"exact multiple equal to wLength", bytes.Repeat([]byte{1}, 16), 16, []int{8, 8}},
		{"empty response", nil, 6, []int{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl, m := newTestControl(t)
			if err := ctl.Respond(context.Background(), tt.data, tt.wLength); err != nil {
				t.Fatalf("Respond() error = %v", err)
			}
			pkts := m.packets(0)
			if len(pkts) != len(tt.wantPackets) {
				t.Fatalf("packets = %d, want %d", len(pkts), len(tt.wantPackets))
			}
			for i, p := range pkts {
				if len(p) != tt.wantPackets[i] {
					t.Errorf("packet %d length = %d, want %d", i, len(p), tt.wantPackets[i])
				}
			}
			if ctl.Core().Buffered(0) != 0 {
				t.Error("control FIFO not empty after Respond")
			}
		})
	}
}

func TestControlRespondTxTimeout(t *testing.T) {
	ctl, m := newTestControl(t)
	m.txBusy[0] = true

	err := ctl.Respond(context.Background(), []byte{1, 2}, 2)
	if !errors.Is(err, pkg.ErrTimeout) {
		t.Fatalf("Respond() error = %v, want ErrTimeout", err)
	}
	if !m.isStalled(0) {
		t.Error("transmit timeout should stall")
	}
	if ctl.Core().Buffered(0) != 0 {
		t.Error("undelivered response left in the control FIFO")
	}
}

func TestControlRespondOverflow(t *testing.T) {
	ctl, m := newTestControl(t)
	err := ctl.Respond(context.Background(), make([]byte, 40), 40)
	if !errors.Is(err, pkg.ErrOverrun) {
		t.Fatalf("Respond() error = %v, want ErrOverrun", err)
	}
	if !m.isStalled(0) {
		t.Error("oversized response should stall")
	}
	if len(m.packets(0)) != 0 {
		t.Error("no packet should be sent")
	}
}

func TestControlAck(t *testing.T) {
	ctl, m := newTestControl(t)
	if err := ctl.Ack(); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if m.ackCount() != 1 {
		t.Errorf("acks = %d, want 1", m.ackCount())
	}
}

func TestControlExpect(t *testing.T) {
	tests := []struct {
		name        string
		requestType uint8
		want        uint8
		wantErr     bool
	}{
		{"exact match", 0x21, 0x21, false},
		{"wrong direction", 0xA1, 0x21, true},
		{"wrong recipient", 0x20, 0x21, true},
		{"wrong type", 0x41, 0x21, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl, m := newTestControl(t)
			req := &SetupPacket{RequestType: tt.requestType, Request: 0x20}
			err := ctl.Expect(req, tt.want)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expect() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, pkg.ErrInvalidRequest) {
				t.Errorf("Expect() error = %v, want ErrInvalidRequest", err)
			}
			if got := m.isStalled(0); got != tt.wantErr {
				t.Errorf("stalled = %v, want %v", got, tt.wantErr)
			}
		})
	}
}
