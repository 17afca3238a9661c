package idevncm

import (
	"bytes"
	"context"
	"errors"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/idevncm/host"
	"github.com/ardnew/idevncm/host/hal"
	"github.com/ardnew/idevncm/host/hal/sim"
	"github.com/ardnew/idevncm/host/net/cdcncm"
	"github.com/ardnew/idevncm/host/net/idevncm/idevsim"
	"github.com/ardnew/idevncm/host/net/usbnet"
	"github.com/ardnew/idevncm/netdev"
	"github.com/ardnew/idevncm/pkg"
)

// =============================================================================
// Test Fixtures
// =============================================================================

type bindCall struct {
	alt     uint8
	dataAlt uint8
	flags   cdcncm.BindFlags
}

// fakeFraming records the calls Bind and Open make. Unless told to fail it
// forwards to the real implementation.
type fakeFraming struct {
	bindErr error
	openErr error

	mu    sync.Mutex
	binds []bindCall
	opens int
	links [][2]bool
}

func (f *fakeFraming) install(t *testing.T) {
	t.Helper()
	saved := ncm
	ncm = framing{
		bindCommon: f.bindCommon,
		open:       f.open,
		linkChange: f.linkChange,
	}
	t.Cleanup(func() { ncm = saved })
}

func (f *fakeFraming) bindCommon(dev *usbnet.Device, intf *host.Interface, dataAlt uint8, flags cdcncm.BindFlags) error {
	f.mu.Lock()
	f.binds = append(f.binds, bindCall{intf.Current().AlternateSetting, dataAlt, flags})
	f.mu.Unlock()
	if f.bindErr != nil {
		return f.bindErr
	}
	return cdcncm.BindCommon(dev, intf, dataAlt, flags)
}

func (f *fakeFraming) open(dev *usbnet.Device) error {
	f.mu.Lock()
	f.opens++
	f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	return dev.Open()
}

func (f *fakeFraming) linkChange(dev *usbnet.Device, link, needReset bool) {
	f.mu.Lock()
	f.links = append(f.links, [2]bool{link, needReset})
	f.mu.Unlock()
	dev.LinkChange(link, needReset)
}

func (f *fakeFraming) calls() ([]bindCall, int, [][2]bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.binds), f.opens, slices.Clone(f.links)
}

type rig struct {
	bus   *sim.HostHAL
	usb   *host.Host
	reg   *netdev.Registry
	phone *idevsim.Phone
}

// newRig starts a host with the driver registered and plugs in a phone.
// A nil chooser selects ChooseConfiguration.
func newRig(t *testing.T, opts idevsim.Options, chooser host.ConfigurationChooser, drivers ...host.Driver) *rig {
	t.Helper()
	r := &rig{
		bus:   sim.New(1),
		reg:   netdev.NewRegistry(),
		phone: idevsim.New(opts),
	}
	r.usb = host.New(r.bus)
	if chooser == nil {
		chooser = ChooseConfiguration
	}
	r.usb.SetConfigurationChooser(chooser)
	for _, d := range drivers {
		if err := r.usb.RegisterDriver(d); err != nil {
			t.Fatalf("RegisterDriver: %v", err)
		}
	}
	ctx := usbnet.WithQueueLengths(netdev.WithRegistry(t.Context(), r.reg), 2, 4)
	if err := r.usb.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { r.usb.Stop() })

	if err := r.phone.Plug(r.bus, 1); err != nil {
		t.Fatalf("Plug: %v", err)
	}
	return r
}

func (r *rig) wait(t *testing.T) *host.Device {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	dev, err := r.usb.WaitDevice(ctx)
	if err != nil {
		t.Fatalf("WaitDevice: %v", err)
	}
	return dev
}

func usbnetOf(t *testing.T, dev *host.Device) *usbnet.Device {
	t.Helper()
	d, ok := dev.Interface(idevsim.InterfaceNCMControl).DriverData().(*usbnet.Device)
	if !ok {
		t.Fatal("control interface not bound")
	}
	return d
}

// =============================================================================
// Declarations
// =============================================================================

func TestDeviceIDs(t *testing.T) {
	if len(DeviceIDs) != 2 {
		t.Fatalf("len(DeviceIDs) = %d, want 2", len(DeviceIDs))
	}
	id := DeviceIDs[0]
	if id.Match != host.MatchVendor|host.MatchInterfaceClass|host.MatchInterfaceSubClass|host.MatchInterfaceProtocol {
		t.Errorf("match flags = %#x", id.Match)
	}
	if id.VendorID != 0x05AC || id.InterfaceClass != 0x02 || id.InterfaceSubClass != 0x0D || id.InterfaceProtocol != 0x00 {
		t.Errorf("entry = %04x %02x/%02x/%02x", id.VendorID, id.InterfaceClass, id.InterfaceSubClass, id.InterfaceProtocol)
	}
	if id.DriverInfo != &Info {
		t.Error("entry does not carry Info")
	}
	if !DeviceIDs[1].IsZero() {
		t.Error("table not terminated")
	}
}

func TestInfo(t *testing.T) {
	want := usbnet.FlagPointToPoint | usbnet.FlagNoSetInt | usbnet.FlagMultiPacket |
		usbnet.FlagLinkIntr | usbnet.FlagEther
	if Info.Flags != want {
		t.Errorf("flags = %#x, want %#x", Info.Flags, want)
	}
	if Info.Description != "iDevice Debug NCM" {
		t.Errorf("description = %q", Info.Description)
	}
	if Info.Bind == nil || Info.Unbind == nil || Info.ManagePower == nil ||
		Info.RxFixup == nil || Info.TxFixup == nil || Info.SetRxMode == nil {
		t.Error("missing hook")
	}
	if Info.Status != nil {
		t.Error("status hook set without a notification endpoint")
	}
}

func TestDriver(t *testing.T) {
	d := NewDriver()
	if d.Name() != "idevice_debug_ncm" {
		t.Errorf("name = %q", d.Name())
	}
	if &d.IDTable()[0] != &DeviceIDs[0] {
		t.Error("IDTable is not DeviceIDs")
	}
	if !d.SupportsAutosuspend() || !d.DisableHubInitiatedLPM() {
		t.Error("power policy")
	}
}

// =============================================================================
// Altsetting Selection
// =============================================================================

// nopFunction answers no class requests.
type nopFunction struct{}

func (nopFunction) Configured(uint8) error          { return nil }
func (nopFunction) SetInterface(uint8, uint8) error { return nil }
func (nopFunction) Request(context.Context, *hal.SetupPacket, []byte) (int, error) {
	return 0, pkg.ErrStall
}
func (nopFunction) Transfer(context.Context, uint8, []byte) (int, error) {
	return 0, pkg.ErrStall
}

type altSpec struct {
	subClass uint8
	ncm      bool
}

// stallingSetInterface rejects every SET_INTERFACE.
type stallingSetInterface struct{ nopFunction }

func (stallingSetInterface) SetInterface(uint8, uint8) error { return pkg.ErrStall }

// enumerate attaches a device whose interface 0 has the given altsettings
// and returns it unbound.
func enumerate(t *testing.T, vendor uint16, alts []altSpec) *host.Device {
	t.Helper()
	return enumerateWith(t, vendor, alts, nopFunction{})
}

// enumerateWith is enumerate with the gadget function fn and drivers
// registered before the device is attached.
func enumerateWith(t *testing.T, vendor uint16, alts []altSpec, fn sim.Function, drivers ...host.Driver) *host.Device {
	t.Helper()
	ncmDesc, _ := (&cdcncm.NCMDescriptor{NCMVersion: 0x0100}).AppendBinary(nil)
	b := host.NewConfigBuilder(1, 0, 50)
	for i, a := range alts {
		b.Interface(0, uint8(i), 0, host.ClassComm, a.subClass, cdcncm.ProtocolNone)
		if a.ncm {
			b.Raw(ncmDesc...)
		}
	}
	dd := host.DeviceDescriptor{USBVersion: 0x0200, MaxPacketSize0: 64, VendorID: vendor, NumConfigurations: 1}
	raw, _ := dd.AppendBinary(nil)

	bus := sim.New(1)
	usb := host.New(bus)
	for _, d := range drivers {
		if err := usb.RegisterDriver(d); err != nil {
			t.Fatalf("RegisterDriver: %v", err)
		}
	}
	if err := usb.Start(netdev.WithRegistry(t.Context(), netdev.NewRegistry())); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { usb.Stop() })
	g := sim.NewDevice(hal.SpeedHigh, sim.Descriptors{Device: raw, Configs: [][]byte{b.Bytes()}}, fn)
	if err := bus.Attach(1, g); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	dev, err := usb.WaitDevice(ctx)
	if err != nil {
		t.Fatalf("WaitDevice: %v", err)
	}
	return dev
}

func TestSelectAltSetting(t *testing.T) {
	idle := altSpec{subClass: cdcncm.SubclassNCM}
	op := altSpec{subClass: cdcncm.SubclassNCM, ncm: true}
	ecm := altSpec{subClass: cdcncm.SubclassECM, ncm: true}

	tests := []struct {
		name    string
		alts    []altSpec
		want    uint8
		wantErr bool
	}{
		{name: "idle only", alts: []altSpec{idle}, wantErr: true},
		{name: "idle then operational", alts: []altSpec{idle, op}, want: 1},
		{name: "operational first", alts: []altSpec{op, idle}, want: 0},
		{name: "lowest of several", alts: []altSpec{idle, idle, op, op}, want: 2},
		{name: "wrong subclass", alts: []altSpec{idle, ecm}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := enumerate(t, VendorApple, tt.alts)
			intf := dev.Interface(0)
			got, err := SelectAltSetting(intf)
			if tt.wantErr {
				if !errors.Is(err, ErrNoMatchingAltsetting) || !errors.Is(err, pkg.ErrNoDevice) {
					t.Fatalf("err = %v, want ErrNoMatchingAltsetting", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SelectAltSetting: %v", err)
			}
			if got != tt.want {
				t.Errorf("alt = %d, want %d", got, tt.want)
			}
			if intf.Current().AlternateSetting != 0 {
				t.Error("selection changed the current altsetting")
			}
		})
	}
}

// =============================================================================
// Bind Scenarios
// =============================================================================

func TestBind_NoNCMAltsetting(t *testing.T) {
	f := &fakeFraming{}
	f.install(t)

	r := newRig(t, idevsim.Options{NCMOnly: true, Layout: idevsim.LayoutIdleOnly},
		func(*host.Device) uint8 { return idevsim.ConfigNCM }, NewDriver())
	dev := r.wait(t)

	if drv := dev.Interface(idevsim.InterfaceNCMControl).Driver(); drv != nil {
		t.Errorf("control interface bound to %s", drv.Name())
	}
	if binds, _, _ := f.calls(); len(binds) != 0 {
		t.Errorf("framing bind called %d times", len(binds))
	}
	if n := len(r.reg.Devices()); n != 0 {
		t.Errorf("%d netdevs registered", n)
	}

	err := Bind(&usbnet.Device{}, dev.Interface(idevsim.InterfaceNCMControl))
	if !errors.Is(err, ErrNoMatchingAltsetting) {
		t.Errorf("Bind = %v, want ErrNoMatchingAltsetting", err)
	}
}

func TestBind_SelectsOperationalAltsetting(t *testing.T) {
	f := &fakeFraming{}
	f.install(t)

	r := newRig(t, idevsim.Options{NCMOnly: true, Layout: idevsim.LayoutIdleThenNCM}, nil, NewDriver())
	dev := r.wait(t)
	d := usbnetOf(t, dev)

	binds, _, _ := f.calls()
	if len(binds) != 1 {
		t.Fatalf("framing bind called %d times, want 1", len(binds))
	}
	want := bindCall{alt: 1, dataAlt: cdcncm.DataAltSettingNCM, flags: cdcncm.FlagNoNotificationEndpoint}
	if binds[0] != want {
		t.Errorf("bind call = %+v, want %+v", binds[0], want)
	}
	if got := r.phone.Gadget().AltSetting(idevsim.InterfaceNCMControl); got != 1 {
		t.Errorf("device control altsetting = %d, want 1", got)
	}
	if _, ok := d.Net().Ops().(netdevOps); !ok {
		t.Errorf("ops = %T, want netdevOps", d.Net().Ops())
	}
	if r.reg.Get(d.Net().Name()) == nil {
		t.Error("netdev not registered")
	}
	if d.Net().Carrier() {
		t.Error("carrier on before open")
	}
}

func TestBind_CurrentAltsettingKept(t *testing.T) {
	f := &fakeFraming{}
	f.install(t)

	r := newRig(t, idevsim.Options{NCMOnly: true}, nil, NewDriver())
	usbnetOf(t, r.wait(t))

	binds, _, _ := f.calls()
	if len(binds) != 1 || binds[0].alt != 0 {
		t.Errorf("bind calls = %+v, want one with altsetting 0", binds)
	}
}

func TestBind_AltSettingFailure(t *testing.T) {
	f := &fakeFraming{}
	f.install(t)

	idle := altSpec{subClass: cdcncm.SubclassNCM}
	op := altSpec{subClass: cdcncm.SubclassNCM, ncm: true}
	dev := enumerateWith(t, VendorApple, []altSpec{idle, op}, stallingSetInterface{}, NewDriver())
	intf := dev.Interface(0)

	if drv := intf.Driver(); drv != nil {
		t.Errorf("interface bound to %s", drv.Name())
	}
	if binds, _, _ := f.calls(); len(binds) != 0 {
		t.Errorf("framing bind called %d times after SET_INTERFACE failed", len(binds))
	}
	if got := intf.Current().AlternateSetting; got != 0 {
		t.Errorf("current altsetting = %d, want 0", got)
	}
}

func TestBind_FramingFailure(t *testing.T) {
	errSetup := errors.New("endpoint allocation failed")
	f := &fakeFraming{bindErr: errSetup}
	f.install(t)

	r := newRig(t, idevsim.Options{NCMOnly: true}, nil, NewDriver())
	dev := r.wait(t)

	if dev.Interface(idevsim.InterfaceNCMControl).Driver() != nil {
		t.Error("control interface bound after failed setup")
	}
	if n := len(r.reg.Devices()); n != 0 {
		t.Errorf("%d netdevs registered", n)
	}

	// The current altsetting is already operational, so Bind reaches the
	// framing call without touching the usbnet device.
	if err := Bind(&usbnet.Device{}, dev.Interface(idevsim.InterfaceNCMControl)); err != errSetup {
		t.Errorf("Bind = %v, want the framing error unchanged", err)
	}
}

func TestMatch_OtherVendor(t *testing.T) {
	f := &fakeFraming{}
	f.install(t)

	r := newRig(t, idevsim.Options{NCMOnly: true, VendorID: 0x1234},
		func(*host.Device) uint8 { return idevsim.ConfigNCM }, NewDriver())
	dev := r.wait(t)
	intf := dev.Interface(idevsim.InterfaceNCMControl)

	if id := host.MatchID(DeviceIDs, intf); id != nil {
		t.Errorf("matched %+v", id)
	}
	if intf.Driver() != nil {
		t.Error("interface claimed")
	}
	if binds, _, _ := f.calls(); len(binds) != 0 {
		t.Errorf("framing bind called %d times", len(binds))
	}
}

// =============================================================================
// Link Bootstrap
// =============================================================================

func TestOpen_RaisesCarrier(t *testing.T) {
	f := &fakeFraming{}
	f.install(t)

	r := newRig(t, idevsim.Options{NCMOnly: true}, nil, NewDriver())
	nd := usbnetOf(t, r.wait(t)).Net()

	if err := nd.Up(); err != nil {
		t.Fatalf("Up: %v", err)
	}
	t.Cleanup(func() { nd.Down() })

	_, opens, links := f.calls()
	if opens != 1 {
		t.Errorf("open called %d times", opens)
	}
	if len(links) != 1 || links[0] != [2]bool{true, false} {
		t.Errorf("link changes = %v, want one (up, no reset)", links)
	}
	if !nd.Carrier() {
		t.Error("carrier off after open")
	}
}

func TestOpen_FailureStillRaisesCarrier(t *testing.T) {
	errAlloc := errors.New("transfer allocation failed")
	f := &fakeFraming{openErr: errAlloc}
	f.install(t)

	r := newRig(t, idevsim.Options{NCMOnly: true}, nil, NewDriver())
	nd := usbnetOf(t, r.wait(t)).Net()

	if err := nd.Up(); err != errAlloc {
		t.Fatalf("Up = %v, want the open error unchanged", err)
	}
	_, opens, links := f.calls()
	if opens != 1 || len(links) != 1 || links[0] != [2]bool{true, false} {
		t.Errorf("opens=%d links=%v", opens, links)
	}
	if !nd.Carrier() {
		t.Error("carrier not raised")
	}
	if nd.IsUp() {
		t.Error("interface up after failed open")
	}
}

func TestOpen_EachOpenSignalsOnce(t *testing.T) {
	f := &fakeFraming{}
	f.install(t)

	r := newRig(t, idevsim.Options{NCMOnly: true}, nil, NewDriver())
	nd := usbnetOf(t, r.wait(t)).Net()

	for range 3 {
		if err := nd.Up(); err != nil {
			t.Fatalf("Up: %v", err)
		}
		if err := nd.Down(); err != nil {
			t.Fatalf("Down: %v", err)
		}
	}
	if _, opens, links := f.calls(); opens != 3 || len(links) != 3 {
		t.Errorf("opens=%d links=%d, want 3 and 3", opens, len(links))
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestUnplug(t *testing.T) {
	r := newRig(t, idevsim.Options{NCMOnly: true}, nil, NewDriver())
	dev := r.wait(t)
	d := usbnetOf(t, dev)
	name := d.Net().Name()

	if err := r.phone.Unplug(); err != nil {
		t.Fatalf("Unplug: %v", err)
	}
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	if _, err := r.usb.WaitDisconnect(ctx); err != nil {
		t.Fatalf("WaitDisconnect: %v", err)
	}
	if r.reg.Get(name) != nil {
		t.Errorf("%s still registered", name)
	}
	if cdcncm.StateOf(d) != nil {
		t.Error("NCM state survived unbind")
	}
	if dev.Interface(idevsim.InterfaceNCMData).Driver() != nil {
		t.Error("data interface still claimed")
	}
}

func TestPowerPolicy(t *testing.T) {
	r := newRig(t, idevsim.Options{NCMOnly: true, Echo: true}, nil, NewDriver())
	dev := r.wait(t)
	d := usbnetOf(t, dev)
	nd := d.Net()

	rx := make(chan []byte, 4)
	nd.SetRxHandler(func(_ *netdev.Device, f []byte) { rx <- slices.Clone(f) })
	if err := nd.Up(); err != nil {
		t.Fatalf("Up: %v", err)
	}
	t.Cleanup(func() { nd.Down() })

	if dev.LPMAllowed() {
		t.Error("LPM allowed")
	}
	if err := dev.Autosuspend(t.Context()); err != nil {
		t.Fatalf("Autosuspend: %v", err)
	}
	if !d.Suspended() {
		t.Error("usbnet device not suspended")
	}
	if err := dev.Resume(t.Context(), true); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if d.Suspended() {
		t.Error("usbnet device still suspended")
	}

	// Traffic flows again after resume.
	frame := make([]byte, 98)
	copy(frame, nd.HardwareAddr())
	copy(frame[6:], net.HardwareAddr{0x02, 0x11, 0x22, 0x33, 0x44, 0x55})
	frame[12], frame[13] = 0x08, 0x00
	if err := nd.Xmit(frame); err != nil {
		t.Fatalf("Xmit after resume: %v", err)
	}
	select {
	case got := <-rx:
		if !bytes.Equal(got[12:], frame[12:]) {
			t.Error("echo payload differs")
		}
	case <-time.After(time.Second):
		t.Fatal("no rx after resume")
	}
}
