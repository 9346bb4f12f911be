package device

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/darren1713/FreakUSB/device/hal"
	"github.com/darren1713/FreakUSB/pkg"
)

// mockHAL implements hal.DeviceHAL for testing. Received packets are queued
// per endpoint; transmitted packets are recorded per endpoint.
type mockHAL struct {
	mutex sync.Mutex

	types      [MaxEndpoints]hal.TransferType
	enabled    [MaxEndpoints]bool
	rx         [MaxEndpoints][][]byte
	rxPos      [MaxEndpoints]int
	tx         [MaxEndpoints][]byte
	sent       [MaxEndpoints][][]byte
	txBusy     [MaxEndpoints]bool
	stalled    [MaxEndpoints]bool
	acks       int
	releases   int
	configErr  error
	handler    func()
	configured []uint8
}

func newMockHAL() *mockHAL {
	return &mockHAL{}
}

func (m *mockHAL) ConfigureEndpoint(number uint8, typ hal.TransferType, dir hal.Direction, maxPacketSize uint16) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.configErr != nil {
		return m.configErr
	}
	m.types[number] = typ
	m.configured = append(m.configured, number)
	return nil
}

func (m *mockHAL) EnableEndpoint(number uint8) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.enabled[number] = true
	return nil
}

func (m *mockHAL) DisableEndpoint(number uint8) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.enabled[number] = false
	return nil
}

func (m *mockHAL) RxReady(number uint8) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.rx[number]) > 0
}

func (m *mockHAL) RxCount(number uint8) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if len(m.rx[number]) == 0 {
		return 0
	}
	return len(m.rx[number][0]) - m.rxPos[number]
}

func (m *mockHAL) ReadRx(number uint8) byte {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	b := m.rx[number][0][m.rxPos[number]]
	m.rxPos[number]++
	return b
}

func (m *mockHAL) ReleaseRx(number uint8) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if len(m.rx[number]) > 0 {
		m.rx[number] = m.rx[number][1:]
	}
	m.rxPos[number] = 0
	m.releases++
}

func (m *mockHAL) TxReady(number uint8) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return !m.txBusy[number]
}

func (m *mockHAL) WriteTx(number uint8, b byte) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.tx[number] = append(m.tx[number], b)
}

func (m *mockHAL) CommitTx(number uint8) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sent[number] = append(m.sent[number], m.tx[number])
	m.tx[number] = nil
}

func (m *mockHAL) AckStatus() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.acks++
}

func (m *mockHAL) Stall(number uint8, dir hal.Direction) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stalled[number] = true
}

func (m *mockHAL) ClearStall(number uint8, dir hal.Direction) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stalled[number] = false
}

func (m *mockHAL) SetInterruptHandler(handler func()) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.handler = handler
}

// receive queues a packet as if the host had sent it, then raises the
// interrupt if a handler is installed.
func (m *mockHAL) receive(number uint8, data []byte) {
	m.mutex.Lock()
	m.rx[number] = append(m.rx[number], append([]byte(nil), data...))
	h := m.handler
	m.mutex.Unlock()
	if h != nil {
		h()
	}
}

func (m *mockHAL) setup(req SetupPacket) {
	var buf [SetupPacketSize]byte
	req.MarshalTo(buf[:])
	m.receive(EndpointControl, buf[:])
}

func (m *mockHAL) packets(number uint8) [][]byte {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([][]byte(nil), m.sent[number]...)
}

func (m *mockHAL) ackCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.acks
}

func (m *mockHAL) isStalled(number uint8) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.stalled[number]
}

// mockDriver records calls from the stack.
type mockDriver struct {
	mutex    sync.Mutex
	inits    int
	requests []SetupPacket
	received []byte
	resets   int
	endpoint uint8
	handle   func(ctx context.Context, ctl *Control, req *SetupPacket) error
	initErr  error
}

func (d *mockDriver) InitEndpoints(core *Core) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.inits++
	if d.initErr != nil {
		return d.initErr
	}
	if d.endpoint != 0 {
		return core.Configure(d.endpoint, hal.TransferBulk, hal.DirOut, 64)
	}
	return nil
}

func (d *mockDriver) HandleRequest(ctx context.Context, ctl *Control, req *SetupPacket) error {
	d.mutex.Lock()
	d.requests = append(d.requests, *req)
	fn := d.handle
	d.mutex.Unlock()
	if fn != nil {
		return fn(ctx, ctl, req)
	}
	return ctl.Ack()
}

func (d *mockDriver) HandleReceive(core *Core, endpoint uint8) bool {
	if endpoint != d.endpoint {
		return false
	}
	var buf [64]byte
	n, _ := core.Read(endpoint, buf[:])
	d.mutex.Lock()
	d.received = append(d.received, buf[:n]...)
	d.mutex.Unlock()
	return true
}

func (d *mockDriver) Reset() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.resets++
}

func newTestStack(t *testing.T) (*Stack, *mockHAL) {
	t.Helper()
	m := newMockHAL()
	s := NewStack(m, Config{
		FIFOSize:         128,
		DataStageTimeout: 20 * time.Millisecond,
		TxTimeout:        20 * time.Millisecond,
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return s, m
}

func TestStackStartStop(t *testing.T) {
	m := newMockHAL()
	s := NewStack(m, DefaultConfig())

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.IsRunning() {
		t.Error("stack should be running")
	}
	if !m.enabled[EndpointControl] {
		t.Error("control endpoint not enabled")
	}
	if m.handler == nil {
		t.Error("interrupt handler not installed")
	}

	// Double start should fail
	if err := s.Start(); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("double Start() error = %v, want ErrAlreadyRunning", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s.IsRunning() {
		t.Error("stack should not be running")
	}
	if m.handler != nil {
		t.Error("interrupt handler not removed")
	}
	if m.enabled[EndpointControl] {
		t.Error("control endpoint still enabled")
	}
}

func TestStackRunNotStarted(t *testing.T) {
	s := NewStack(newMockHAL(), DefaultConfig())
	if err := s.Run(context.Background()); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("Run() error = %v, want ErrInvalidState", err)
	}
}

func TestStackSetConfiguration(t *testing.T) {
	s, m := newTestStack(t)
	d := &mockDriver{endpoint: 3}
	if err := s.Register(0, d); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	// A driver serving two interfaces is initialized once.
	if err := s.Register(1, d); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	var got uint8
	s.SetOnConfigured(func(v uint8) { got = v })

	m.setup(SetupPacket{RequestType: 0x00, Request: RequestSetConfiguration, Value: 1})
	if !s.Task(context.Background()) {
		t.Fatal("Task() did no work")
	}

	if d.inits != 1 {
		t.Errorf("InitEndpoints called %d times, want 1", d.inits)
	}
	if !s.IsEnumerated() {
		t.Error("device should be enumerated")
	}
	if s.Configuration() != 1 || got != 1 {
		t.Errorf("configuration = %d (callback %d), want 1", s.Configuration(), got)
	}
	if m.ackCount() != 1 {
		t.Errorf("acks = %d, want 1", m.ackCount())
	}
	if !m.enabled[3] {
		t.Error("driver endpoint not enabled")
	}

	m.setup(SetupPacket{RequestType: 0x00, Request: RequestSetConfiguration, Value: 0})
	s.Task(context.Background())
	if s.IsEnumerated() {
		t.Error("configuration 0 should clear enumerated")
	}
	if m.enabled[3] {
		t.Error("configuration 0 should disable driver endpoints")
	}
}

func TestStackSetConfigurationInitError(t *testing.T) {
	s, m := newTestStack(t)
	d := &mockDriver{initErr: pkg.ErrInvalidParameter}
	_ = s.Register(0, d)

	m.setup(SetupPacket{RequestType: 0x00, Request: RequestSetConfiguration, Value: 1})
	s.Task(context.Background())

	if s.IsEnumerated() {
		t.Error("device should not be enumerated after init failure")
	}
	if !m.isStalled(EndpointControl) {
		t.Error("control endpoint should be stalled")
	}
}

func TestStackDispatch(t *testing.T) {
	tests := []struct {
		name      string
		req       SetupPacket
		wantCalls int
		wantStall bool
	}{
		{
			name:      "class request to registered interface",
			req:       SetupPacket{RequestType: 0x21, Request: 0x22, Index: 0},
			wantCalls: 1,
		},
		{
			name:      "vendor request to registered interface",
			req:       SetupPacket{RequestType: 0x41, Request: 0x01, Index: 0},
			wantCalls: 1,
		},
		{
			name:      "class request to unknown interface",
			req:       SetupPacket{RequestType: 0x21, Request: 0x22, Index: 5},
			wantStall: true,
		},
		{
			name:      "unhandled standard request",
			req:       SetupPacket{RequestType: 0x80, Request: RequestGetDescriptor, Value: 0x0100, Length: 18},
			wantStall: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, m := newTestStack(t)
			d := &mockDriver{}
			_ = s.Register(0, d)

			m.setup(tt.req)
			s.Task(context.Background())

			if len(d.requests) != tt.wantCalls {
				t.Errorf("driver calls = %d, want %d", len(d.requests), tt.wantCalls)
			}
			if got := m.isStalled(EndpointControl); got != tt.wantStall {
				t.Errorf("stalled = %v, want %v", got, tt.wantStall)
			}
		})
	}
}

func TestStackStandardHandler(t *testing.T) {
	s, m := newTestStack(t)
	var seen uint8
	s.SetStandardHandler(func(ctx context.Context, ctl *Control, req *SetupPacket) error {
		seen = req.Request
		return ctl.Respond(ctx, []byte{0x01, 0x00}, req.Length)
	})

	m.setup(SetupPacket{RequestType: 0x80, Request: RequestGetStatus, Length: 2})
	s.Task(context.Background())

	if seen != RequestGetStatus {
		t.Errorf("handler saw request 0x%02X, want 0x%02X", seen, RequestGetStatus)
	}
	pkts := m.packets(EndpointControl)
	if len(pkts) != 1 || len(pkts[0]) != 2 {
		t.Fatalf("packets = %v, want one 2-byte packet", pkts)
	}
}

func TestStackDriverErrorStallsAndDiscards(t *testing.T) {
	s, m := newTestStack(t)
	d := &mockDriver{
		handle: func(ctx context.Context, ctl *Control, req *SetupPacket) error {
			return pkg.ErrInvalidState
		},
	}
	_ = s.Register(0, d)

	// SETUP and its data stage arrive together.
	m.setup(SetupPacket{RequestType: 0x21, Request: 0x01, Length: 4})
	m.receive(EndpointControl, []byte{1, 2, 3, 4})
	s.Task(context.Background())

	if !m.isStalled(EndpointControl) {
		t.Error("control endpoint should be stalled")
	}
	if n := s.Core().Buffered(EndpointControl); n != 0 {
		t.Errorf("control FIFO holds %d bytes after failed request, want 0", n)
	}

	// The next SETUP clears the stall.
	d.handle = nil
	m.setup(SetupPacket{RequestType: 0x21, Request: 0x22})
	s.Task(context.Background())
	if m.isStalled(EndpointControl) {
		t.Error("new SETUP should clear the stall")
	}
	if m.ackCount() != 1 {
		t.Errorf("acks = %d, want 1", m.ackCount())
	}
}

func TestStackDeliverReceive(t *testing.T) {
	s, m := newTestStack(t)
	d := &mockDriver{endpoint: 3}
	_ = s.Register(0, d)
	if err := s.SetConfiguration(1); err != nil {
		t.Fatalf("SetConfiguration() error = %v", err)
	}

	m.receive(3, []byte("hello"))
	if !s.Task(context.Background()) {
		t.Fatal("Task() did no work")
	}
	if string(d.received) != "hello" {
		t.Errorf("received %q, want %q", d.received, "hello")
	}
}

func TestStackPendingReceive(t *testing.T) {
	m := newMockHAL()
	s := NewStack(m, Config{FIFOSize: 8})
	_ = s.Start()
	d := &mockDriver{endpoint: 3}
	_ = s.Register(0, d)
	_ = s.SetConfiguration(1)

	// Two 6-byte packets do not both fit in an 8-byte FIFO.
	m.receive(3, []byte("abcdef"))
	m.receive(3, []byte("ghijkl"))
	if !s.Core().PCB().Pending(3) {
		t.Fatal("second packet should leave endpoint pending")
	}

	for s.Task(context.Background()) {
	}
	if string(d.received) != "abcdefghijkl" {
		t.Errorf("received %q, want %q", d.received, "abcdefghijkl")
	}
	if s.Core().PCB().Pending(3) {
		t.Error("endpoint still pending")
	}
}

func TestStackTaskFlushesTxBacklog(t *testing.T) {
	s, m := newTestStack(t)
	if err := s.SetConfiguration(1); err != nil {
		t.Fatalf("SetConfiguration() error = %v", err)
	}
	core := s.Core()
	if err := core.Configure(1, hal.TransferBulk, hal.DirIn, 64); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	m.mutex.Lock()
	m.txBusy[1] = true
	m.mutex.Unlock()
	_ = core.WriteByte(1, 'a')
	if _, err := core.FlushToWire(1); !errors.Is(err, pkg.ErrBusy) {
		t.Fatalf("FlushToWire() error = %v, want ErrBusy", err)
	}
	_ = core.WriteByte(1, 'b')
	if s.Task(context.Background()) {
		t.Error("Task() reported work while the transmit buffer is busy")
	}

	m.mutex.Lock()
	m.txBusy[1] = false
	m.mutex.Unlock()
	if !s.Task(context.Background()) {
		t.Fatal("Task() did not flush the queued bytes")
	}
	if got := bytes.Join(m.packets(1), nil); string(got) != "ab" {
		t.Errorf("wire bytes = %q, want %q", got, "ab")
	}
	if core.TxBacklog() {
		t.Error("bytes still queued after Task()")
	}
}

func TestStackBusReset(t *testing.T) {
	s, m := newTestStack(t)
	d := &mockDriver{endpoint: 3}
	_ = s.Register(0, d)
	_ = s.SetConfiguration(1)

	s.BusReset()

	if d.resets != 1 {
		t.Errorf("Reset called %d times, want 1", d.resets)
	}
	if s.IsEnumerated() || s.Configuration() != 0 {
		t.Error("bus reset should unconfigure the device")
	}
	if m.enabled[3] {
		t.Error("bus reset should disable data endpoints")
	}
	if !m.enabled[EndpointControl] {
		t.Error("bus reset must keep the control endpoint")
	}
}

func TestStackRun(t *testing.T) {
	s, m := newTestStack(t)
	d := &mockDriver{}
	_ = s.Register(0, d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	m.setup(SetupPacket{RequestType: 0x21, Request: 0x22, Value: 1})

	deadline := time.Now().Add(time.Second)
	for m.ackCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request not handled by Run")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
