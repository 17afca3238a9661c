package cdcncm

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ardnew/idevncm/host"
	"github.com/ardnew/idevncm/host/hal"
	"github.com/ardnew/idevncm/host/net/usbnet"
	"github.com/ardnew/idevncm/netdev"
	"github.com/ardnew/idevncm/pkg"
)

// Bind errors.
var (
	ErrNoUnion           = errors.New("cdc_ncm: missing union descriptor")
	ErrNoEthernet        = errors.New("cdc_ncm: missing ethernet descriptor")
	ErrNoDataInterface   = errors.New("cdc_ncm: data interface not found")
	ErrNoEndpoints       = errors.New("cdc_ncm: failed to collect endpoints")
	ErrBadMACAddress     = errors.New("cdc_ncm: bad MAC address string")
	ErrUnsupportedFormat = errors.New("cdc_ncm: NTB16 not supported")
	ErrBadNTB            = errors.New("cdc_ncm: malformed NTB")
	ErrDatagramTooLarge  = errors.New("cdc_ncm: datagram exceeds NTB")
)

// State is the per-device CDC-NCM state kept as usbnet driver data.
type State struct {
	Control *host.Interface
	Data    *host.Interface
	Func    Functional
	Params  NTBParameters
	Flags   BindFlags

	// RxMax and TxMax are the negotiated NTB sizes.
	RxMax, TxMax int

	// MaxDatagramSize is the largest datagram including the Ethernet header.
	MaxDatagramSize int

	TxMaxDatagrams int
	TxModulus      int
	TxRemainder    int
	TxNDPModulus   int

	minTxPkt  int
	maxPacket int

	mu        sync.Mutex
	txFrames  [][]byte
	txEnd     int
	txBytes   int
	txSeq     uint16
	txTimer   *time.Timer
	rxSeq     uint16
	rxSeqSeen bool
	dlBitRate uint32
	ulBitRate uint32
}

// StateOf returns the CDC-NCM state of dev, or nil before BindCommon.
func StateOf(dev *usbnet.Device) *State {
	s, _ := dev.DriverPriv().(*State)
	return s
}

// Speed reports the last downlink and uplink bit rates the device announced.
func (s *State) Speed() (down, up uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dlBitRate, s.ulBitRate
}

func controlContext(dev *usbnet.Device) (context.Context, context.CancelFunc) {
	return context.WithTimeout(dev.Context(), usbnet.ControlTimeout)
}

// BindCommon sets up an NCM function whose communications interface is
// intf: it claims the data interface named by the union descriptor,
// negotiates NTB sizes, selects dataAlt on the data interface, collects the
// endpoints and reads the hardware address. On error nothing stays claimed.
func BindCommon(dev *usbnet.Device, intf *host.Interface, dataAlt uint8, flags BindFlags) error {
	udev := dev.USBDevice()

	fn, err := ParseFunctional(intf.Current())
	if err != nil {
		return err
	}
	if fn.Union == nil {
		return ErrNoUnion
	}
	if fn.Ethernet == nil {
		return ErrNoEthernet
	}

	data := udev.Interface(fn.Union.Subordinates[0])
	if data == nil || data == intf {
		return fmt.Errorf("interface %d: %w", fn.Union.Subordinates[0], ErrNoDataInterface)
	}

	s := &State{Control: intf, Data: data, Func: fn, Flags: flags}

	if err := udev.ClaimInterface(data, intf.Driver()); err != nil {
		pkg.LogDebug(pkg.ComponentNCM, "failed to claim data interface", "interface", data.String(), "error", err)
		return err
	}
	fail := func(err error) error {
		udev.ReleaseInterface(data)
		return err
	}

	// Some functions only reset their data path on an altsetting change.
	ctx, cancel := controlContext(dev)
	if err := data.SetAltSetting(ctx, dataAlt); err != nil {
		pkg.LogDebug(pkg.ComponentNCM, "data altsetting toggle failed", "error", err)
	}
	err = data.SetAltSetting(ctx, 0)
	cancel()
	if err != nil {
		pkg.LogDebug(pkg.ComponentNCM, "set interface failed", "interface", data.String(), "error", err)
		return fail(err)
	}

	if err := s.init(dev); err != nil {
		return fail(err)
	}

	ctx, cancel = controlContext(dev)
	err = data.SetAltSetting(ctx, dataAlt)
	cancel()
	if err != nil {
		pkg.LogDebug(pkg.ComponentNCM, "set data altsetting failed", "alt", dataAlt, "error", err)
		return fail(err)
	}

	findEndpoints(dev, data.Current())
	findEndpoints(dev, intf.Current())
	if dev.In == 0 || dev.Out == 0 || (dev.Status == 0 && flags&FlagNoNotificationEndpoint == 0) {
		return fail(ErrNoEndpoints)
	}

	mac, err := readMACAddress(dev, fn.Ethernet.MACAddress)
	if err != nil {
		pkg.LogDebug(pkg.ComponentNCM, "failed to get mac address", "error", err)
		return fail(err)
	}
	dev.Net().SetHardwareAddr(mac, netdev.AddrPermanent)

	s.setup(dev)
	dev.SetDriverPriv(s)

	pkg.LogInfo(pkg.ComponentNCM, "bound",
		"control", intf.Number(), "data", data.Number(),
		"rx_max", s.RxMax, "tx_max", s.TxMax,
		"max_datagram", s.MaxDatagramSize, "hwaddr", mac.String())
	return nil
}

// init reads the NTB parameters and programs the NTB format, CRC mode and
// input size.
func (s *State) init(dev *usbnet.Device) error {
	ifno := uint16(s.Control.Number())
	caps := s.capabilities()

	var buf [NTBParametersSize]byte
	n, err := dev.Control(&hal.SetupPacket{
		RequestType: host.RequestTypeIn | host.RequestTypeClass | host.RequestTypeInterface,
		Request:     RequestGetNTBParameters,
		Index:       ifno,
		Length:      NTBParametersSize,
	}, buf[:])
	if err != nil {
		pkg.LogDebug(pkg.ComponentNCM, "failed GET_NTB_PARAMETERS", "error", err)
		return err
	}
	if err := s.Params.UnmarshalBinary(buf[:n]); err != nil {
		return err
	}
	if s.Params.FormatsSupported&FormatNTB16 == 0 {
		return ErrUnsupportedFormat
	}

	out := uint8(host.RequestTypeOut | host.RequestTypeClass | host.RequestTypeInterface)
	if caps&CapCRCMode != 0 {
		if _, err := dev.Control(&hal.SetupPacket{RequestType: out, Request: RequestSetCRCMode, Index: ifno}, nil); err != nil {
			pkg.LogDebug(pkg.ComponentNCM, "failed SET_CRC_MODE", "error", err)
			return err
		}
	}
	if s.Params.FormatsSupported&FormatNTB32 != 0 {
		if _, err := dev.Control(&hal.SetupPacket{
			RequestType: out, Request: RequestSetNTBFormat, Value: SetFormatNTB16, Index: ifno,
		}, nil); err != nil {
			pkg.LogDebug(pkg.ComponentNCM, "failed SET_NTB_FORMAT", "error", err)
			return err
		}
	}

	s.RxMax = clamp(NTBDefaultSize, NTBMinInSize, min(NTBMaxRxSize, int(s.Params.InMaxSize)))
	size := binary.LittleEndian.AppendUint32(nil, uint32(s.RxMax))
	if caps&CapNTBInputSize8 != 0 {
		size = append(size, 0, 0, 0, 0)
	}
	if _, err := dev.Control(&hal.SetupPacket{
		RequestType: out, Request: RequestSetNTBInputSize, Index: ifno, Length: uint16(len(size)),
	}, size); err != nil {
		pkg.LogDebug(pkg.ComponentNCM, "failed SET_NTB_INPUT_SIZE", "error", err)
		return err
	}
	return nil
}

// setup derives the transmit framing from the NTB parameters and sizes the
// usbnet buffers. Endpoints must be known.
func (s *State) setup(dev *usbnet.Device) {
	p := &s.Params
	s.maxPacket = dev.MaxPacket
	if s.maxPacket == 0 {
		if ep := s.Data.Current().Endpoint(dev.Out); ep != nil {
			s.maxPacket = ep.MaxPacket()
		}
	}

	s.TxMax = clamp(NTBDefaultSize, NTBMinOutSize, min(NTBMaxTxSize, int(p.OutMaxSize)))
	if s.TxMax != int(p.OutMaxSize) && s.maxPacket > 0 && s.TxMax%s.maxPacket == 0 {
		// Keep a short packet possible without padding past TxMax.
		s.TxMax++
	}

	s.TxMaxDatagrams = int(p.OutMaxDatagrams)
	if s.TxMaxDatagrams == 0 || s.TxMaxDatagrams > MaxDatagramsPerNTB {
		s.TxMaxDatagrams = MaxDatagramsPerNTB
	}

	s.TxModulus = int(p.OutDivisor)
	if s.TxModulus < MinAlignment || s.TxModulus > s.TxMax || !powerOfTwo(s.TxModulus) {
		s.TxModulus = MinAlignment
	}
	s.TxRemainder = int(p.OutPayloadRemainder)
	if s.TxRemainder >= s.TxModulus {
		s.TxRemainder = 0
	}
	s.TxNDPModulus = int(p.OutAlignment)
	if s.TxNDPModulus < MinAlignment || s.TxNDPModulus > s.TxMax || !powerOfTwo(s.TxNDPModulus) {
		s.TxNDPModulus = MinAlignment
	}
	s.minTxPkt = max(s.TxMax-3*s.maxPacket, 0)

	dev.RxURBSize = s.RxMax
	dev.HardMTU = s.TxMax
	if s.Func.Ethernet != nil && s.Func.Ethernet.MaxSegmentSize > 0 {
		s.MaxDatagramSize = int(s.Func.Ethernet.MaxSegmentSize)
	} else {
		s.MaxDatagramSize = netdev.EthFrameLen
	}
	s.MaxDatagramSize = min(s.MaxDatagramSize, MaxDatagramSize)
	dev.Net().SetMTULimits(netdev.EthMinMTU, s.MaxDatagramSize-netdev.EthHeaderLen)
	s.setDatagramSize(dev, s.MaxDatagramSize)
}

// setDatagramSize tells the device the largest datagram it may send and
// clamps the interface MTU to it.
func (s *State) setDatagramSize(dev *usbnet.Device, size int) {
	s.MaxDatagramSize = clamp(size, netdev.EthHeaderLen+netdev.EthMinMTU, MaxDatagramSize)

	if s.capabilities()&CapMaxDatagramSize != 0 {
		ifno := uint16(s.Control.Number())
		var cur [2]byte
		n, err := dev.Control(&hal.SetupPacket{
			RequestType: host.RequestTypeIn | host.RequestTypeClass | host.RequestTypeInterface,
			Request:     RequestGetMaxDatagramSize,
			Index:       ifno,
			Length:      2,
		}, cur[:])
		switch {
		case err != nil || n != 2:
			pkg.LogDebug(pkg.ComponentNCM, "GET_MAX_DATAGRAM_SIZE failed", "error", err)
		case int(binary.LittleEndian.Uint16(cur[:])) != s.MaxDatagramSize:
			binary.LittleEndian.PutUint16(cur[:], uint16(s.MaxDatagramSize))
			if _, err := dev.Control(&hal.SetupPacket{
				RequestType: host.RequestTypeOut | host.RequestTypeClass | host.RequestTypeInterface,
				Request:     RequestSetMaxDatagramSize,
				Index:       ifno,
				Length:      2,
			}, cur[:]); err != nil {
				pkg.LogDebug(pkg.ComponentNCM, "SET_MAX_DATAGRAM_SIZE failed", "error", err)
			}
		}
	}

	nd := dev.Net()
	if limit := s.MaxDatagramSize - netdev.EthHeaderLen; nd.MTU() > limit {
		nd.SetMTU(limit)
	}
}

func (s *State) capabilities() uint8 {
	if s.Func.NCM == nil {
		return 0
	}
	return s.Func.NCM.Capabilities
}

// findEndpoints fills the usbnet endpoints that are still unset from alt.
func findEndpoints(dev *usbnet.Device, alt *host.AltSetting) {
	for _, ep := range alt.Endpoints {
		switch {
		case ep.IsBulk() && ep.IsIn() && dev.In == 0:
			dev.In = ep.EndpointAddress
		case ep.IsBulk() && ep.IsOut() && dev.Out == 0:
			dev.Out = ep.EndpointAddress
			dev.MaxPacket = ep.MaxPacket()
		case ep.IsInterrupt() && ep.IsIn() && dev.Status == 0:
			dev.Status = ep.EndpointAddress
			dev.StatusInterval = ep.Interval
		}
	}
}

// readMACAddress reads the hardware address from string descriptor index,
// twelve hex digits.
func readMACAddress(dev *usbnet.Device, index uint8) (net.HardwareAddr, error) {
	ctx, cancel := controlContext(dev)
	defer cancel()
	str, err := dev.USBDevice().ReadString(ctx, index)
	if err != nil {
		return nil, err
	}
	return ParseMACString(str)
}

// ParseMACString decodes a hardware address written as twelve hex digits.
func ParseMACString(s string) (net.HardwareAddr, error) {
	s = strings.TrimSpace(s)
	if len(s) != 2*netdev.EthAlen {
		return nil, fmt.Errorf("%q: %w", s, ErrBadMACAddress)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", s, ErrBadMACAddress)
	}
	return net.HardwareAddr(b), nil
}

// Unbind releases the data interface and stops the transmit timer.
func Unbind(dev *usbnet.Device, intf *host.Interface) {
	s := StateOf(dev)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.txTimer != nil {
		s.txTimer.Stop()
		s.txTimer = nil
	}
	s.txFrames = nil
	s.mu.Unlock()

	if s.Data != nil && s.Data != intf {
		dev.USBDevice().ReleaseInterface(s.Data)
	}
	dev.SetDriverPriv(nil)
	pkg.LogDebug(pkg.ComponentNCM, "unbound", "interface", intf.String())
}

// Status handles a notification from the interrupt endpoint.
func Status(dev *usbnet.Device, data []byte) {
	if len(data) < NotificationHeaderSize {
		pkg.LogDebug(pkg.ComponentNCM, "short notification", "len", len(data))
		return
	}
	value := binary.LittleEndian.Uint16(data[2:])

	switch data[1] {
	case NotificationNetworkConnection:
		link := value != 0
		pkg.LogInfo(pkg.ComponentNCM, "network connection", "netdev", dev.Net().Name(), "connected", link)
		dev.LinkChange(link, false)

	case NotificationSpeedChange:
		if len(data) < NotificationHeaderSize+8 {
			pkg.LogDebug(pkg.ComponentNCM, "short speed change", "len", len(data))
			return
		}
		down := binary.LittleEndian.Uint32(data[8:])
		up := binary.LittleEndian.Uint32(data[12:])
		if s := StateOf(dev); s != nil {
			s.mu.Lock()
			s.dlBitRate, s.ulBitRate = down, up
			s.mu.Unlock()
		}
		pkg.LogInfo(pkg.ComponentNCM, "speed change", "netdev", dev.Net().Name(),
			"downlink", down, "uplink", up)

	default:
		pkg.LogDebug(pkg.ComponentNCM, "unexpected notification", "type", data[1])
	}
}

// ChangeMTU sets the interface MTU and the device's max datagram size.
func ChangeMTU(dev *usbnet.Device, mtu int) error {
	s := StateOf(dev)
	if s == nil {
		return pkg.ErrNotConfigured
	}
	dev.Net().SetMTU(mtu)
	s.setDatagramSize(dev, mtu+netdev.EthHeaderLen)
	return nil
}

// NetdevOps is the CDC-NCM operation table: the usbnet defaults with the
// NCM MTU change.
type NetdevOps struct {
	*usbnet.Device
}

// ChangeMTU implements netdev.Ops.
func (o NetdevOps) ChangeMTU(mtu int) error {
	return ChangeMTU(o.Device, mtu)
}

var _ netdev.Ops = NetdevOps{}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func powerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
