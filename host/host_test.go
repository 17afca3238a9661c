package host

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/idevncm/host/hal"
	"github.com/ardnew/idevncm/pkg"
)

// =============================================================================
// Mock HAL for Testing
// =============================================================================

// mockHAL implements hal.HostHAL over a fixed set of descriptors.
type mockHAL struct {
	mu sync.Mutex

	numPorts  int
	portSpeed hal.Speed

	device  []byte
	configs [][]byte
	strings map[uint8]string

	// Per-request control failures, keyed by bRequest.
	controlErr map[uint8]error
	requests   []hal.SetupPacket

	bulkFn func(ctx context.Context, endpoint uint8, data []byte) (int, error)

	claimed   map[uint8]bool
	released  []uint8
	suspended int
	resumed   int
	running   bool

	connectCh    chan int
	disconnectCh chan int
}

func usbmuxConfig() []byte {
	return NewConfigBuilder(1, 0x20, 250).
		Interface(0, 0, 2, ClassVendorSpec, 0xFE, 0x02).
		Endpoint(0x81, EndpointTypeBulk, 512, 0).
		Endpoint(0x02, EndpointTypeBulk, 512, 0).
		Bytes()
}

func ncmConfig() []byte {
	return NewConfigBuilder(5, 0x20, 250).
		Interface(0, 0, 2, ClassVendorSpec, 0xFE, 0x02).
		Endpoint(0x81, EndpointTypeBulk, 512, 0).
		Endpoint(0x02, EndpointTypeBulk, 512, 0).
		Interface(1, 0, 0, ClassComm, 0x0D, 0x00).
		Class(0x00, 0x10, 0x01).
		Class(0x06, 1, 2).
		Class(0x0F, 4, 0, 0, 0, 0, 0xEA, 0x05, 0, 0, 0).
		Class(0x1A, 0x00, 0x01, 0x08).
		Interface(2, 0, 0, ClassCDCData, 0x00, 0x01).
		Interface(2, 1, 2, ClassCDCData, 0x00, 0x01).
		Endpoint(0x83, EndpointTypeBulk, 512, 0).
		Endpoint(0x04, EndpointTypeBulk, 512, 0).
		Bytes()
}

func newMockHAL() *mockHAL {
	dd := DeviceDescriptor{
		USBVersion:        0x0200,
		MaxPacketSize0:    64,
		VendorID:          0x05AC,
		ProductID:         0x12A8,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		SerialNumberIndex: 3,
		NumConfigurations: 2,
	}
	device, _ := dd.AppendBinary(nil)
	return &mockHAL{
		numPorts:     4,
		portSpeed:    hal.SpeedHigh,
		device:       device,
		configs:      [][]byte{usbmuxConfig(), ncmConfig()},
		strings:      map[uint8]string{1: "Apple Inc.", 2: "iPhone", 3: "00008110-000A1D2E3C45801E"},
		controlErr:   make(map[uint8]error),
		claimed:      make(map[uint8]bool),
		connectCh:    make(chan int, 16),
		disconnectCh: make(chan int, 16),
	}
}

func (m *mockHAL) Init(ctx context.Context) error { return nil }

func (m *mockHAL) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	return nil
}

func (m *mockHAL) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return nil
}

func (m *mockHAL) Close() error { return nil }

func (m *mockHAL) NumPorts() int { return m.numPorts }

func (m *mockHAL) GetPortStatus(port int) (hal.PortStatus, error) {
	return hal.PortStatus{Connected: true, Enabled: true, Speed: m.portSpeed}, nil
}

func (m *mockHAL) PortSpeed(port int) hal.Speed { return m.portSpeed }

func (m *mockHAL) ResetPort(port int) error { return nil }

func (m *mockHAL) EnablePort(port int, enable bool) error { return nil }

func (m *mockHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, *setup)
	if err := m.controlErr[setup.Request]; err != nil {
		return 0, err
	}
	if setup.Request != RequestGetDescriptor || !setup.IsIn() {
		return 0, nil
	}

	var src []byte
	index := int(setup.Value & 0xFF)
	switch uint8(setup.Value >> 8) {
	case DescriptorTypeDevice:
		src = m.device
	case DescriptorTypeConfiguration:
		if index >= len(m.configs) {
			return 0, pkg.ErrStall
		}
		src = m.configs[index]
	case DescriptorTypeString:
		if index == 0 {
			src = EncodeLangIDs(LangIDUSEnglish)
			break
		}
		s, ok := m.strings[uint8(index)]
		if !ok {
			return 0, pkg.ErrStall
		}
		src = EncodeString(s)
	default:
		return 0, pkg.ErrStall
	}
	return copy(data, src), nil
}

func (m *mockHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	if m.bulkFn != nil {
		return m.bulkFn(ctx, endpoint, data)
	}
	return len(data), nil
}

func (m *mockHAL) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return 0, pkg.ErrNAK
}

func (m *mockHAL) IsochronousTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return 0, pkg.ErrNotSupported
}

func (m *mockHAL) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	return nil
}

func (m *mockHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimed[iface] {
		return pkg.ErrBusy
	}
	m.claimed[iface] = true
	return nil
}

func (m *mockHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claimed, iface)
	m.released = append(m.released, iface)
	return nil
}

func (m *mockHAL) SuspendPort(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended++
	return nil
}

func (m *mockHAL) ResumePort(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumed++
	return nil
}

func (m *mockHAL) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case port := <-m.connectCh:
		return port, nil
	}
}

func (m *mockHAL) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case port := <-m.disconnectCh:
		return port, nil
	}
}

func (m *mockHAL) simulateConnect(port int) { m.connectCh <- port }

func (m *mockHAL) simulateDisconnect(port int) { m.disconnectCh <- port }

// requestsFor returns the recorded control requests with bRequest req.
func (m *mockHAL) requestsFor(req uint8) []hal.SetupPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []hal.SetupPacket
	for _, s := range m.requests {
		if s.Request == req && s.Kind() == RequestTypeStandard {
			out = append(out, s)
		}
	}
	return out
}

func (m *mockHAL) releasedInterfaces() []uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.released)
}

var (
	_ hal.HostHAL       = (*mockHAL)(nil)
	_ hal.PortSuspender = (*mockHAL)(nil)
)

// =============================================================================
// Test Drivers
// =============================================================================

// testDriver records probe and disconnect calls.
type testDriver struct {
	name  string
	table []DeviceID

	probeErr error
	// claimNext claims interface number+1 during probe.
	claimNext bool

	mu           sync.Mutex
	probed       []*Interface
	disconnected []*Interface
}

func (d *testDriver) Name() string        { return d.name }
func (d *testDriver) IDTable() []DeviceID { return d.table }

func (d *testDriver) Probe(ctx context.Context, intf *Interface, id *DeviceID) error {
	if d.probeErr != nil {
		return d.probeErr
	}
	if d.claimNext {
		data := intf.Device().Interface(intf.Number() + 1)
		if data == nil {
			return pkg.ErrNoDevice
		}
		if err := intf.Device().ClaimInterface(data, d); err != nil {
			return err
		}
	}
	intf.SetDriverData(id.DriverInfo)
	d.mu.Lock()
	d.probed = append(d.probed, intf)
	d.mu.Unlock()
	return nil
}

func (d *testDriver) Disconnect(intf *Interface) {
	d.mu.Lock()
	d.disconnected = append(d.disconnected, intf)
	d.mu.Unlock()
}

func (d *testDriver) counts() (probed, disconnected int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.probed), len(d.disconnected)
}

func ncmTable() []DeviceID {
	return []DeviceID{
		{
			Match:             MatchVendorAndInterfaceInfo,
			VendorID:          0x05AC,
			InterfaceClass:    ClassComm,
			InterfaceSubClass: 0x0D,
			InterfaceProtocol: 0x00,
			DriverInfo:        "ncm",
		},
		{},
	}
}

func muxTable() []DeviceID {
	return []DeviceID{
		{
			Match:             MatchVendorAndInterfaceInfo,
			VendorID:          0x05AC,
			InterfaceClass:    ClassVendorSpec,
			InterfaceSubClass: 0xFE,
			InterfaceProtocol: 0x02,
		},
		{},
	}
}

func chooseValue(v uint8) ConfigurationChooser {
	return func(*Device) uint8 { return v }
}

// startHost starts a host over m with the given drivers registered.
func startHost(t *testing.T, m *mockHAL, chooser ConfigurationChooser, drivers ...Driver) *Host {
	t.Helper()
	h := New(m)
	h.SetConfigurationChooser(chooser)
	for _, d := range drivers {
		if err := h.RegisterDriver(d); err != nil {
			t.Fatalf("RegisterDriver(%s): %v", d.Name(), err)
		}
	}
	if err := h.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { h.Stop() })
	return h
}

func connect(t *testing.T, h *Host, m *mockHAL, port int) *Device {
	t.Helper()
	m.simulateConnect(port)
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	dev, err := h.WaitDevice(ctx)
	if err != nil {
		t.Fatalf("WaitDevice: %v", err)
	}
	return dev
}

func disconnect(t *testing.T, h *Host, m *mockHAL, port int) *Device {
	t.Helper()
	m.simulateDisconnect(port)
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	dev, err := h.WaitDisconnect(ctx)
	if err != nil {
		t.Fatalf("WaitDisconnect: %v", err)
	}
	return dev
}

// =============================================================================
// Host Tests
// =============================================================================

func TestNew(t *testing.T) {
	mock := newMockHAL()
	h := New(mock)

	if h.HAL() != mock {
		t.Error("HAL not set correctly")
	}
	if h.nextAddress != 1 {
		t.Errorf("nextAddress = %d, want 1", h.nextAddress)
	}
	if h.IsRunning() {
		t.Error("new host reports running")
	}
	if h.NumPorts() != 4 {
		t.Errorf("NumPorts() = %d, want 4", h.NumPorts())
	}
}

func TestHost_StartStop(t *testing.T) {
	mock := newMockHAL()
	h := New(mock)

	if err := h.Start(t.Context()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !h.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if err := h.Start(t.Context()); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if h.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if err := h.Stop(); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}
}

func TestHost_Enumerate(t *testing.T) {
	mock := newMockHAL()
	h := startHost(t, mock, nil)

	dev := connect(t, h, mock, 1)

	if dev.Address() != 1 {
		t.Errorf("Address() = %d, want 1", dev.Address())
	}
	if dev.VendorID() != 0x05AC || dev.ProductID() != 0x12A8 {
		t.Errorf("ids = %04x:%04x, want 05ac:12a8", dev.VendorID(), dev.ProductID())
	}
	if dev.Speed() != hal.SpeedHigh {
		t.Errorf("Speed() = %v, want high", dev.Speed())
	}
	if got := len(dev.Configs()); got != 2 {
		t.Fatalf("len(Configs()) = %d, want 2", got)
	}
	if got := dev.GetConfiguration(); got != 1 {
		t.Errorf("GetConfiguration() = %d, want 1", got)
	}
	if dev.State() != DeviceStateConfigured {
		t.Errorf("State() = %v, want Configured", dev.State())
	}
	if got := len(dev.Interfaces()); got != 1 {
		t.Errorf("len(Interfaces()) = %d, want 1", got)
	}
	if dev.Manufacturer() != "Apple Inc." {
		t.Errorf("Manufacturer() = %q, want Apple Inc.", dev.Manufacturer())
	}
	if dev.Product() != "iPhone" {
		t.Errorf("Product() = %q, want iPhone", dev.Product())
	}
	if dev.SerialNumber() != "00008110-000A1D2E3C45801E" {
		t.Errorf("SerialNumber() = %q", dev.SerialNumber())
	}
	if h.GetDevice(1) != dev {
		t.Error("GetDevice(1) did not return the enumerated device")
	}

	sets := mock.requestsFor(RequestSetConfiguration)
	if len(sets) != 1 || sets[0].Value != 1 {
		t.Errorf("SET_CONFIGURATION requests = %+v, want one with value 1", sets)
	}
}

func TestHost_ConfigurationChooser(t *testing.T) {
	mock := newMockHAL()
	h := startHost(t, mock, chooseValue(5))

	dev := connect(t, h, mock, 1)

	if got := dev.GetConfiguration(); got != 5 {
		t.Fatalf("GetConfiguration() = %d, want 5", got)
	}
	intfs := dev.Interfaces()
	if len(intfs) != 3 {
		t.Fatalf("len(Interfaces()) = %d, want 3", len(intfs))
	}
	data := dev.Interface(2)
	if data == nil {
		t.Fatal("Interface(2) = nil")
	}
	if got := len(data.AltSettings()); got != 2 {
		t.Errorf("data interface has %d altsettings, want 2", got)
	}
	if data.Current().AlternateSetting != 0 {
		t.Errorf("current altsetting = %d, want 0", data.Current().AlternateSetting)
	}
	if dev.Interface(7) != nil {
		t.Error("Interface(7) should be nil")
	}
}

func TestHost_UnconfiguredDevice(t *testing.T) {
	mock := newMockHAL()
	h := startHost(t, mock, chooseValue(0))

	dev := connect(t, h, mock, 1)
	if dev.State() != DeviceStateAddress {
		t.Errorf("State() = %v, want Address", dev.State())
	}
	if dev.ActiveConfig() != nil || len(dev.Interfaces()) != 0 {
		t.Error("unconfigured device has an active configuration")
	}
}

func TestHost_DriverBinding(t *testing.T) {
	mock := newMockHAL()
	drv := &testDriver{name: "ncm", table: ncmTable(), claimNext: true}
	h := startHost(t, mock, chooseValue(5), drv)

	dev := connect(t, h, mock, 1)

	ctrl, data := dev.Interface(1), dev.Interface(2)
	if ctrl.Driver() != drv || !ctrl.isProbed() {
		t.Error("control interface not probed by driver")
	}
	if data.Driver() != drv || data.isProbed() {
		t.Error("data interface should be claimed without probe")
	}
	if dev.Interface(0).Driver() != nil {
		t.Error("vendor interface should stay unbound")
	}
	if got := ctrl.DriverData(); got != "ncm" {
		t.Errorf("DriverData() = %v, want table DriverInfo", got)
	}

	disconnect(t, h, mock, 1)

	probed, disconnected := drv.counts()
	if probed != 1 || disconnected != 1 {
		t.Errorf("probe/disconnect = %d/%d, want 1/1", probed, disconnected)
	}
	// The claimed data interface goes first, without a Disconnect.
	if got := mock.releasedInterfaces(); !slices.Equal(got, []uint8{2, 1}) {
		t.Errorf("released = %v, want [2 1]", got)
	}
	if ctrl.Driver() != nil || ctrl.DriverData() != nil {
		t.Error("driver state survives disconnect")
	}
	if h.GetDevice(1) != nil {
		t.Error("device still registered after disconnect")
	}
}

func TestHost_ProbeDeclined(t *testing.T) {
	mock := newMockHAL()
	first := &testDriver{name: "picky", table: ncmTable(), probeErr: fmt.Errorf("wrong altsetting: %w", pkg.ErrNoDevice)}
	second := &testDriver{name: "ncm", table: ncmTable()}
	h := startHost(t, mock, chooseValue(5), first, second)

	dev := connect(t, h, mock, 1)

	if got := dev.Interface(1).Driver(); got != second {
		t.Errorf("Driver() = %v, want second driver", got)
	}
	if !slices.Contains(mock.releasedInterfaces(), 1) {
		t.Error("declined interface was not released")
	}

	disconnect(t, h, mock, 1)
	if _, d := first.counts(); d != 0 {
		t.Errorf("declining driver got %d Disconnect calls, want 0", d)
	}
}

func TestHost_RegisterDriverLate(t *testing.T) {
	mock := newMockHAL()
	h := startHost(t, mock, chooseValue(5))
	dev := connect(t, h, mock, 1)

	drv := &testDriver{name: "ncm", table: ncmTable()}
	if err := h.RegisterDriver(drv); err != nil {
		t.Fatalf("RegisterDriver: %v", err)
	}
	if dev.Interface(1).Driver() != drv {
		t.Error("late driver not bound to existing device")
	}
	if err := h.RegisterDriver(&testDriver{name: "ncm"}); !errors.Is(err, ErrDriverExists) {
		t.Errorf("duplicate RegisterDriver = %v, want ErrDriverExists", err)
	}

	if err := h.DeregisterDriver(drv); err != nil {
		t.Fatalf("DeregisterDriver: %v", err)
	}
	if _, d := drv.counts(); d != 1 {
		t.Errorf("Disconnect calls = %d, want 1", d)
	}
	if dev.Interface(1).Driver() != nil {
		t.Error("interface still bound after DeregisterDriver")
	}
	if err := h.DeregisterDriver(drv); !errors.Is(err, ErrDriverNotFound) {
		t.Errorf("second DeregisterDriver = %v, want ErrDriverNotFound", err)
	}
	if len(h.Drivers()) != 0 {
		t.Errorf("Drivers() = %v, want empty", h.Drivers())
	}
}

func TestHost_ReconnectSamePort(t *testing.T) {
	mock := newMockHAL()
	drv := &testDriver{name: "ncm", table: ncmTable()}
	h := startHost(t, mock, chooseValue(5), drv)

	old := connect(t, h, mock, 2)
	// A mode switch re-enumerates without a separate disconnect event.
	fresh := connect(t, h, mock, 2)

	if old == fresh {
		t.Fatal("reconnect returned the same device")
	}
	if old.State() != DeviceStateDetached {
		t.Errorf("old device state = %v, want Detached", old.State())
	}
	if got := len(h.Devices()); got != 1 {
		t.Errorf("len(Devices()) = %d, want 1", got)
	}
	probed, disconnected := drv.counts()
	if probed != 2 || disconnected != 1 {
		t.Errorf("probe/disconnect = %d/%d, want 2/1", probed, disconnected)
	}
}

func TestHost_Callbacks(t *testing.T) {
	mock := newMockHAL()
	h := New(mock)

	connected := make(chan *Device, 1)
	disconnected := make(chan *Device, 1)
	h.SetOnDeviceConnect(func(d *Device) { connected <- d })
	h.SetOnDeviceDisconnect(func(d *Device) { disconnected <- d })

	if err := h.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	mock.simulateConnect(3)
	select {
	case d := <-connected:
		if d.Port() != 3 {
			t.Errorf("Port() = %d, want 3", d.Port())
		}
	case <-time.After(time.Second):
		t.Fatal("connect callback not called")
	}

	mock.simulateDisconnect(3)
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("disconnect callback not called")
	}
}

func TestHost_AllocateAddress(t *testing.T) {
	h := New(newMockHAL())

	for want := uint8(1); want <= MaxDevices; want++ {
		if got := h.allocateAddress(); got != want {
			t.Fatalf("allocateAddress() = %d, want %d", got, want)
		}
	}
	if got := h.allocateAddress(); got != 0 {
		t.Errorf("allocateAddress() on full bus = %d, want 0", got)
	}

	h.releaseAddress(7)
	if got := h.allocateAddress(); got != 7 {
		t.Errorf("allocateAddress() after release = %d, want 7", got)
	}
}

func TestHost_WaitDevice_Timeout(t *testing.T) {
	mock := newMockHAL()
	h := startHost(t, mock, nil)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.WaitDevice(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitDevice = %v, want DeadlineExceeded", err)
	}
}

// =============================================================================
// Device and Interface Tests
// =============================================================================

func TestDevice_ReadString(t *testing.T) {
	mock := newMockHAL()
	h := startHost(t, mock, nil)
	dev := connect(t, h, mock, 1)

	before := len(mock.requestsFor(RequestGetDescriptor))
	s, err := dev.ReadString(t.Context(), 2)
	if err != nil || s != "iPhone" {
		t.Fatalf("ReadString(2) = %q, %v", s, err)
	}
	if after := len(mock.requestsFor(RequestGetDescriptor)); after != before {
		t.Error("cached string was read from the device again")
	}

	if _, err := dev.ReadString(t.Context(), 0); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("ReadString(0) = %v, want ErrInvalidParameter", err)
	}
	if _, err := dev.ReadString(t.Context(), 9); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("ReadString(9) = %v, want ErrStall", err)
	}
}

func TestInterface_SetAltSetting(t *testing.T) {
	mock := newMockHAL()
	h := startHost(t, mock, chooseValue(5))
	dev := connect(t, h, mock, 1)
	data := dev.Interface(2)

	if err := data.SetAltSetting(t.Context(), 1); err != nil {
		t.Fatalf("SetAltSetting(1): %v", err)
	}
	cur := data.Current()
	if cur.AlternateSetting != 1 || len(cur.Endpoints) != 2 {
		t.Errorf("current = alt %d with %d endpoints, want alt 1 with 2",
			cur.AlternateSetting, len(cur.Endpoints))
	}
	if ep := cur.Endpoint(0x83); ep == nil || !ep.IsBulk() {
		t.Error("bulk IN endpoint 0x83 missing")
	}

	reqs := mock.requestsFor(RequestSetInterface)
	if len(reqs) != 1 || reqs[0].Index != 2 || reqs[0].Value != 1 {
		t.Errorf("SET_INTERFACE requests = %+v", reqs)
	}

	if err := data.SetAltSetting(t.Context(), 4); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("SetAltSetting(4) = %v, want ErrInvalidParameter", err)
	}
}

func TestInterface_SetAltSettingStall(t *testing.T) {
	mock := newMockHAL()
	h := startHost(t, mock, chooseValue(5))
	dev := connect(t, h, mock, 1)

	mock.mu.Lock()
	mock.controlErr[RequestSetInterface] = pkg.ErrStall
	mock.mu.Unlock()

	// Interface 1 has a single setting; a stall is tolerated.
	if err := dev.Interface(1).SetAltSetting(t.Context(), 0); err != nil {
		t.Errorf("single-setting stall = %v, want nil", err)
	}
	if err := dev.Interface(2).SetAltSetting(t.Context(), 1); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("multi-setting stall = %v, want ErrStall", err)
	}
	if dev.Interface(2).Current().AlternateSetting != 0 {
		t.Error("failed SET_INTERFACE changed the current altsetting")
	}
}

func TestDevice_String(t *testing.T) {
	mock := newMockHAL()
	h := startHost(t, mock, chooseValue(5))
	dev := connect(t, h, mock, 2)

	if got := dev.String(); got != "2-1" {
		t.Errorf("Device.String() = %q, want 2-1", got)
	}
	if got := dev.Interface(1).String(); got != "2-1:1" {
		t.Errorf("Interface.String() = %q, want 2-1:1", got)
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkHost_GetDevice(b *testing.B) {
	h := New(newMockHAL())
	h.devices[0] = &Device{address: 1}

	b.ReportAllocs()
	for b.Loop() {
		_ = h.GetDevice(1)
	}
}

func BenchmarkHost_Devices(b *testing.B) {
	h := New(newMockHAL())
	for i := range 4 {
		h.devices[i] = &Device{address: uint8(i + 1)}
		h.deviceCount++
	}

	b.ReportAllocs()
	for b.Loop() {
		_ = h.Devices()
	}
}
