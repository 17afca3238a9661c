package idevsim

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/ardnew/idevncm/host"
	"github.com/ardnew/idevncm/host/hal"
	"github.com/ardnew/idevncm/host/hal/sim"
	"github.com/ardnew/idevncm/host/net/cdcncm"
	"github.com/ardnew/idevncm/host/net/usbnet"
	"github.com/ardnew/idevncm/netdev"
	"github.com/ardnew/idevncm/pkg"
)

// Identity of the simulated device.
const (
	VendorApple = 0x05AC
	ProductID   = 0x12A8
)

// Apple vendor requests, device recipient.
const (
	RequestGetMode = 0x45
	RequestSetMode = 0x52
)

// Modes accepted by the set-mode request.
const (
	ModeInitial = 1
	ModeValeria = 2
	ModeCDCNCM  = 3
)

// Configuration values.
const (
	ConfigUSBMux = 1
	ConfigNCM    = 5
)

// Interface numbers and endpoints of the NCM configuration.
const (
	InterfaceUSBMux     = 0
	InterfaceNCMControl = 1
	InterfaceNCMData    = 2

	EndpointMuxIn   = 0x81
	EndpointMuxOut  = 0x02
	EndpointDataIn  = 0x83
	EndpointDataOut = 0x04
)

// String descriptor indexes.
const (
	stringManufacturer = 1
	stringProduct      = 2
	stringSerial       = 3
	stringMAC          = 4
	stringControl      = 5
	stringData         = 6
)

// ControlLayout selects the altsettings of the NCM control interface.
type ControlLayout int

const (
	// LayoutNCM has a single NCM altsetting.
	LayoutNCM ControlLayout = iota
	// LayoutIdleThenNCM has an idle altsetting 0 and NCM altsetting 1.
	LayoutIdleThenNCM
	// LayoutIdleOnly has only an idle altsetting.
	LayoutIdleOnly
)

// Options configure a Phone. The zero value is a well-behaved device.
type Options struct {
	VendorID       uint16
	Serial         string
	MAC            net.HardwareAddr
	Params         *cdcncm.NTBParameters
	Capabilities   uint8
	MaxSegmentSize uint16
	Speed          hal.Speed

	// NCMOnly skips the usbmux stage and enumerates in NCM mode.
	NCMOnly bool

	// Echo returns every frame the host sends, addresses swapped.
	Echo bool

	Layout ControlLayout

	// Faults.
	NoUnion            bool
	BadMAC             bool
	StallNTBParameters bool
}

// DefaultParams are the NTB parameters reported unless Options.Params is set.
var DefaultParams = cdcncm.NTBParameters{
	FormatsSupported: cdcncm.FormatNTB16,
	InMaxSize:        16384,
	InDivisor:        4,
	InAlignment:      4,
	OutMaxSize:       16384,
	OutDivisor:       4,
	OutAlignment:     4,
	OutMaxDatagrams:  16,
}

// Phone is a simulated iDevice. It starts in usbmux mode and re-enumerates
// with the NCM configuration after the set-mode request.
type Phone struct {
	opts Options

	mu      sync.Mutex
	bus     *sim.HostHAL
	port    int
	gadget  *sim.Device
	mode    uint8
	filter  uint16
	inSize  uint32
	dgram   uint16
	reqs    []hal.SetupPacket
	txSeq   uint16

	toHost   chan []byte
	fromHost chan []byte
}

// New returns a Phone with opts applied over the defaults.
func New(opts Options) *Phone {
	if opts.VendorID == 0 {
		opts.VendorID = VendorApple
	}
	if opts.Serial == "" {
		opts.Serial = "00008110-000A1D2E3C45801E"
	}
	if opts.MAC == nil {
		opts.MAC = net.HardwareAddr{0x2A, 0x8E, 0x1C, 0x5F, 0x00, 0x02}
	}
	if opts.Params == nil {
		p := DefaultParams
		opts.Params = &p
	}
	if opts.Capabilities == 0 {
		opts.Capabilities = cdcncm.CapMaxDatagramSize
	}
	if opts.MaxSegmentSize == 0 {
		opts.MaxSegmentSize = netdev.EthFrameLen
	}
	if opts.Speed == hal.SpeedUnknown {
		opts.Speed = hal.SpeedHigh
	}
	p := &Phone{
		opts:     opts,
		mode:     ModeInitial,
		toHost:   make(chan []byte, 64),
		fromHost: make(chan []byte, 64),
	}
	if opts.NCMOnly {
		p.mode = ModeCDCNCM
	}
	return p
}

// Plug attaches the phone to port n of bus.
func (p *Phone) Plug(bus *sim.HostHAL, n int) error {
	p.mu.Lock()
	p.bus, p.port = bus, n
	p.gadget = p.newGadgetLocked()
	g := p.gadget
	p.mu.Unlock()
	return bus.Attach(n, g)
}

// Unplug detaches the phone.
func (p *Phone) Unplug() error {
	p.mu.Lock()
	bus, n := p.bus, p.port
	p.gadget = nil
	p.mu.Unlock()
	if bus == nil {
		return pkg.ErrNoDevice
	}
	return bus.Detach(n)
}

// Gadget returns the device currently on the bus.
func (p *Phone) Gadget() *sim.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gadget
}

// Mode returns the current USB mode.
func (p *Phone) Mode() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// DataAltSetting returns the current altsetting of the NCM data interface.
func (p *Phone) DataAltSetting() uint8 {
	g := p.Gadget()
	if g == nil {
		return 0
	}
	return g.AltSetting(InterfaceNCMData)
}

// PacketFilter returns the last Ethernet packet filter the host set.
func (p *Phone) PacketFilter() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filter
}

// NTBInputSize returns the NTB input size the host set.
func (p *Phone) NTBInputSize() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inSize
}

// MaxDatagramSize returns the max datagram size in effect.
func (p *Phone) MaxDatagramSize() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dgram
}

// Requests returns the class and vendor requests seen so far.
func (p *Phone) Requests() []hal.SetupPacket {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]hal.SetupPacket(nil), p.reqs...)
}

// Send queues frame for delivery to the host.
func (p *Phone) Send(frame []byte) {
	p.toHost <- append([]byte(nil), frame...)
}

// Received returns frames the host sent. Without Echo every frame lands
// here.
func (p *Phone) Received() <-chan []byte {
	return p.fromHost
}

func (p *Phone) newGadgetLocked() *sim.Device {
	dd := host.DeviceDescriptor{
		USBVersion:        0x0200,
		MaxPacketSize0:    64,
		VendorID:          p.opts.VendorID,
		ProductID:         ProductID,
		DeviceVersion:     0x1704,
		ManufacturerIndex: stringManufacturer,
		ProductIndex:      stringProduct,
		SerialNumberIndex: stringSerial,
	}

	configs := [][]byte{usbmuxConfig()}
	if p.mode == ModeCDCNCM {
		configs = append(configs, p.ncmConfig())
	}
	dd.NumConfigurations = uint8(len(configs))
	device, _ := dd.AppendBinary(nil)

	mac := strings.ToUpper(fmt.Sprintf("%x", []byte(p.opts.MAC)))
	if p.opts.BadMAC {
		mac = "not-a-mac"
	}
	desc := sim.Descriptors{
		Device:  device,
		Configs: configs,
		Strings: map[uint8][]byte{
			0:                  host.EncodeLangIDs(host.LangIDUSEnglish),
			stringManufacturer: host.EncodeString("Apple Inc."),
			stringProduct:      host.EncodeString("iPhone"),
			stringSerial:       host.EncodeString(p.opts.Serial),
			stringMAC:          host.EncodeString(mac),
			stringControl:      host.EncodeString("NCM Control"),
			stringData:         host.EncodeString("NCM Data"),
		},
	}
	p.dgram = p.opts.MaxSegmentSize
	fn := &function{p: p}
	fn.dev = sim.NewDevice(p.opts.Speed, desc, fn)
	return fn.dev
}

func usbmuxConfig() []byte {
	return host.NewConfigBuilder(ConfigUSBMux, 0xE0, 250).
		Interface(InterfaceUSBMux, 0, 2, host.ClassVendorSpec, 0xFE, 0x02).
		Endpoint(EndpointMuxIn, host.EndpointTypeBulk, 512, 0).
		Endpoint(EndpointMuxOut, host.EndpointTypeBulk, 512, 0).
		Bytes()
}

func (p *Phone) ncmConfig() []byte {
	header, _ := (&cdcncm.HeaderDescriptor{CDCVersion: 0x0110}).AppendBinary(nil)
	union, _ := (&cdcncm.UnionDescriptor{
		Control:      InterfaceNCMControl,
		Subordinates: []uint8{InterfaceNCMData},
	}).AppendBinary(nil)
	eth, _ := (&cdcncm.EthernetDescriptor{
		MACAddress:     stringMAC,
		MaxSegmentSize: p.opts.MaxSegmentSize,
	}).AppendBinary(nil)
	ncm, _ := (&cdcncm.NCMDescriptor{
		NCMVersion:   0x0100,
		Capabilities: p.opts.Capabilities,
	}).AppendBinary(nil)

	control := func(b *host.ConfigBuilder, alt uint8, operational bool) {
		b.Interface(InterfaceNCMControl, alt, 0, host.ClassComm, cdcncm.SubclassNCM, cdcncm.ProtocolNone).
			Raw(header...)
		if !p.opts.NoUnion {
			b.Raw(union...)
		}
		b.Raw(eth...)
		if operational {
			b.Raw(ncm...)
		}
	}

	b := host.NewConfigBuilder(ConfigNCM, 0xE0, 250).
		Interface(InterfaceUSBMux, 0, 2, host.ClassVendorSpec, 0xFE, 0x02).
		Endpoint(EndpointMuxIn, host.EndpointTypeBulk, 512, 0).
		Endpoint(EndpointMuxOut, host.EndpointTypeBulk, 512, 0)
	switch p.opts.Layout {
	case LayoutIdleThenNCM:
		control(b, 0, false)
		control(b, 1, true)
	case LayoutIdleOnly:
		control(b, 0, false)
	default:
		control(b, 0, true)
	}
	return b.
		Interface(InterfaceNCMData, 0, 0, host.ClassCDCData, 0x00, cdcncm.ProtocolNTB).
		Interface(InterfaceNCMData, cdcncm.DataAltSettingNCM, 2, host.ClassCDCData, 0x00, cdcncm.ProtocolNTB).
		Endpoint(EndpointDataIn, host.EndpointTypeBulk, 512, 0).
		Endpoint(EndpointDataOut, host.EndpointTypeBulk, 512, 0).
		Bytes()
}

// switchMode re-enumerates the phone in mode. It runs after the set-mode
// request completes, like the real device dropping off the bus.
func (p *Phone) switchMode(mode uint8) {
	p.mu.Lock()
	if p.mode == mode || p.bus == nil {
		p.mu.Unlock()
		return
	}
	p.mode = mode
	p.gadget = p.newGadgetLocked()
	bus, n, g := p.bus, p.port, p.gadget
	p.mu.Unlock()

	if err := bus.Reattach(n, g); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "idevsim: reattach failed", "port", n, "error", err)
	}
}

// function is the class behavior of the phone.
type function struct {
	p   *Phone
	dev *sim.Device
}

func (f *function) Configured(value uint8) error { return nil }

func (f *function) SetInterface(intf, alt uint8) error { return nil }

func (f *function) dataActive() bool {
	return f.dev.AltSetting(InterfaceNCMData) == cdcncm.DataAltSettingNCM
}

func (f *function) Request(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	p := f.p
	p.mu.Lock()
	p.reqs = append(p.reqs, *setup)
	p.mu.Unlock()

	if setup.Kind() == host.RequestTypeVendor {
		return f.vendorRequest(setup, data)
	}
	if uint8(setup.Index) != InterfaceNCMControl {
		return 0, pkg.ErrStall
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch setup.Request {
	case cdcncm.RequestGetNTBParameters:
		if p.opts.StallNTBParameters {
			return 0, pkg.ErrStall
		}
		b, _ := p.opts.Params.AppendBinary(nil)
		return copy(data, b), nil
	case cdcncm.RequestSetNTBInputSize:
		if len(data) < 4 {
			return 0, pkg.ErrStall
		}
		p.inSize = binary.LittleEndian.Uint32(data)
		return len(data), nil
	case cdcncm.RequestGetMaxDatagramSize:
		if len(data) < 2 {
			return 0, pkg.ErrStall
		}
		binary.LittleEndian.PutUint16(data, p.dgram)
		return 2, nil
	case cdcncm.RequestSetMaxDatagramSize:
		if len(data) < 2 {
			return 0, pkg.ErrStall
		}
		p.dgram = binary.LittleEndian.Uint16(data)
		return 2, nil
	case cdcncm.RequestSetNTBFormat, cdcncm.RequestSetCRCMode:
		return 0, nil
	case usbnet.RequestSetEthernetPacketFilter:
		p.filter = setup.Value
		return 0, nil
	}
	return 0, pkg.ErrStall
}

func (f *function) vendorRequest(setup *hal.SetupPacket, data []byte) (int, error) {
	p := f.p
	switch setup.Request {
	case RequestGetMode:
		if len(data) < 4 {
			return 0, pkg.ErrStall
		}
		resp := []byte{3, 3, 3, 0}
		if p.Mode() != ModeInitial {
			resp[0] = 5
		}
		return copy(data, resp), nil

	case RequestSetMode:
		mode := uint8(setup.Index)
		if mode < ModeInitial || mode > ModeCDCNCM || len(data) < 1 {
			return 0, pkg.ErrStall
		}
		data[0] = 0
		go p.switchMode(mode)
		return 1, nil
	}
	return 0, pkg.ErrStall
}

func (f *function) Transfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	p := f.p
	switch endpoint {
	case EndpointDataOut:
		if !f.dataActive() {
			return 0, pkg.ErrStall
		}
		return len(data), p.receiveNTB(ctx, data)

	case EndpointDataIn:
		if !f.dataActive() {
			return 0, pkg.ErrStall
		}
		return p.sendNTB(ctx, data)

	case EndpointMuxOut:
		return len(data), nil

	case EndpointMuxIn:
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return 0, pkg.ErrStall
}

func (p *Phone) receiveNTB(ctx context.Context, ntb []byte) error {
	var frames [][]byte
	_, err := cdcncm.ParseNTB16(ntb, 0, func(_ uint16, d []byte) {
		frames = append(frames, bytes.Clone(d))
	})
	if err != nil {
		return pkg.ErrProtocol
	}
	for _, fr := range frames {
		out, dst := fr, p.fromHost
		if p.opts.Echo {
			out, dst = echo(fr), p.toHost
		}
		select {
		case dst <- out:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// sendNTB blocks for at least one frame and packs whatever else is queued
// and fits into one NTB.
func (p *Phone) sendNTB(ctx context.Context, buf []byte) (int, error) {
	var frames [][]byte
	select {
	case fr := <-p.toHost:
		frames = append(frames, fr)
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	size := func(fs [][]byte) int { return len(cdcncm.AppendNTB16(nil, 0, fs...)) }
more:
	for len(frames) < int(p.opts.Params.OutMaxDatagrams) {
		select {
		case fr := <-p.toHost:
			if size(append(frames, fr)) > len(buf) {
				p.toHost <- fr
				break more
			}
			frames = append(frames, fr)
		default:
			break more
		}
	}

	p.mu.Lock()
	seq := p.txSeq
	p.txSeq++
	p.mu.Unlock()

	ntb := cdcncm.AppendNTB16(nil, seq, frames...)
	if len(ntb) > len(buf) {
		return 0, pkg.ErrOverrun
	}
	return copy(buf, ntb), nil
}

// echo swaps the Ethernet addresses of frame.
func echo(frame []byte) []byte {
	out := bytes.Clone(frame)
	if len(out) >= netdev.EthHeaderLen {
		copy(out[0:6], frame[6:12])
		copy(out[6:12], frame[0:6])
	}
	return out
}
