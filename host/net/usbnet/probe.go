package usbnet

import (
	"context"
	"fmt"

	"github.com/ardnew/idevncm/host"
	"github.com/ardnew/idevncm/netdev"
	"github.com/ardnew/idevncm/pkg"
)

// Probe binds a network device to intf. id.DriverInfo must hold the
// minidriver's *DriverInfo. The network device is registered with the
// registry carried by ctx (see netdev.WithRegistry).
func Probe(ctx context.Context, intf *host.Interface, id *host.DeviceID) error {
	info, _ := id.DriverInfo.(*DriverInfo)
	if info == nil {
		return fmt.Errorf("%s: no driver info: %w", intf, pkg.ErrNoDevice)
	}

	udev := intf.Device()
	nd := netdev.New("usb%d", nil)
	d := &Device{
		info:      info,
		udev:      udev,
		intf:      intf,
		net:       nd,
		rxPending: make(map[uint64]struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if q, ok := ctx.Value(queueKey{}).(queueLens); ok {
		d.fixed = q
	}

	nd.SetOps(d)
	nd.SetDescription(info.Description)
	nd.SetHardwareAddr(netdev.RandomEtherAddr(), netdev.AddrRandom)
	d.HardMTU = nd.MTU() + nd.HardHeaderLen()
	intf.SetDriverData(d)

	fail := func(err error) error {
		intf.SetDriverData(nil)
		d.cancel()
		return err
	}

	var err error
	if info.Bind != nil {
		err = info.Bind(d, intf)
		if err == nil {
			d.applyNaming()
		}
	} else {
		err = GetEndpoints(d, intf)
	}
	if err != nil {
		pkg.LogDebug(pkg.ComponentUSBNet, "bind failed", "interface", intf.String(), "error", err)
		return fail(err)
	}

	if d.In == 0 || d.Out == 0 {
		if info.Unbind != nil {
			info.Unbind(d, intf)
		}
		return fail(fmt.Errorf("%s: %w", intf, ErrNoEndpoints))
	}
	if d.MaxPacket == 0 {
		d.MaxPacket = d.endpointMaxPacket(d.Out)
	}
	if d.RxURBSize == 0 {
		d.RxURBSize = d.HardMTU
	}

	// With FlagLinkIntr the device reports carrier; until then it is off.
	nd.SetCarrier(info.Flags&FlagLinkIntr == 0)

	if err := netdev.RegistryFrom(ctx).Register(nd); err != nil {
		if info.Unbind != nil {
			info.Unbind(d, intf)
		}
		return fail(err)
	}

	pkg.LogInfo(pkg.ComponentUSBNet, "register",
		"netdev", nd.Name(),
		"device", udev.String(),
		"driver", info.Description,
		"hwaddr", nd.HardwareAddr().String())
	return nil
}

// applyNaming picks the interface name template and clamps the MTU after
// a successful bind.
func (d *Device) applyNaming() {
	nd, flags := d.net, d.info.Flags

	name := "usb%d"
	// eth%d unless the link is known to be two-host.
	if flags&FlagEther != 0 &&
		(flags&FlagPointToPoint == 0 || !netdev.IsLocalEtherAddr(nd.HardwareAddr())) {
		name = "eth%d"
	}
	if flags&FlagWLAN != 0 {
		name = "wlan%d"
	}
	if flags&FlagWWAN != 0 {
		name = "wwan%d"
	}
	_ = nd.SetName(name)

	if flags&FlagNoARP != 0 {
		nd.SetFlags(netdev.FlagNoARP)
	}

	// The peer may not take a full Ethernet MTU.
	if limit := d.HardMTU - nd.HardHeaderLen(); nd.MTU() > limit {
		nd.SetMTU(limit)
	}
}

// Disconnect unregisters the network device bound to intf and unbinds the
// minidriver.
func Disconnect(intf *host.Interface) {
	d, _ := intf.DriverData().(*Device)
	if d == nil {
		return
	}

	name := d.net.Name()
	if reg := d.net.Registry(); reg != nil {
		if err := reg.Unregister(d.net); err != nil {
			pkg.LogDebug(pkg.ComponentUSBNet, "unregister failed", "netdev", name, "error", err)
		}
	}
	d.stopIO()
	d.cancel()
	d.wg.Wait()

	if d.info.Unbind != nil {
		d.info.Unbind(d, intf)
	}
	intf.SetDriverData(nil)

	pkg.LogInfo(pkg.ComponentUSBNet, "unregister",
		"netdev", name, "device", d.udev.String(), "driver", d.info.Description)
}

// GetEndpoints finds the altsetting of intf with a bulk IN/OUT pair and an
// optional interrupt IN endpoint, selects it unless FlagNoSetInt is set,
// and records the endpoints on d.
func GetEndpoints(d *Device, intf *host.Interface) error {
	for _, alt := range intf.AltSettings() {
		var in, out, status *host.EndpointDescriptor
		for i := range alt.Endpoints {
			ep := &alt.Endpoints[i]
			switch {
			case ep.IsBulk() && ep.IsIn() && in == nil:
				in = ep
			case ep.IsBulk() && ep.IsOut() && out == nil:
				out = ep
			case ep.IsInterrupt() && ep.IsIn() && status == nil:
				status = ep
			}
		}
		if in == nil || out == nil {
			continue
		}

		if alt.AlternateSetting != intf.Current().AlternateSetting && d.info.Flags&FlagNoSetInt == 0 {
			ctx, cancel := context.WithTimeout(d.ctx, ControlTimeout)
			err := intf.SetAltSetting(ctx, alt.AlternateSetting)
			cancel()
			if err != nil {
				return err
			}
		}

		d.In, d.Out = in.EndpointAddress, out.EndpointAddress
		d.MaxPacket = out.MaxPacket()
		if status != nil {
			d.Status, d.StatusInterval = status.EndpointAddress, status.Interval
		}
		return nil
	}
	return fmt.Errorf("%s: %w", intf, ErrNoEndpoints)
}

// endpointMaxPacket looks up the max packet size of ep in the current
// altsettings of the device's interfaces.
func (d *Device) endpointMaxPacket(ep uint8) int {
	for _, intf := range d.udev.Interfaces() {
		if desc := intf.Current().Endpoint(ep); desc != nil {
			return desc.MaxPacket()
		}
	}
	return 0
}
