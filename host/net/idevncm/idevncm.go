package idevncm

import (
	"context"
	"fmt"

	"github.com/ardnew/idevncm/host"
	"github.com/ardnew/idevncm/host/net/cdcncm"
	"github.com/ardnew/idevncm/host/net/usbnet"
	"github.com/ardnew/idevncm/pkg"
)

// DriverName is the name the driver registers under.
const DriverName = "idevice_debug_ncm"

// VendorApple is Apple's USB vendor ID.
const VendorApple = 0x05AC

// ErrNoMatchingAltsetting is returned by Bind when no altsetting of the
// communications interface runs NCM.
var ErrNoMatchingAltsetting = fmt.Errorf("no NCM altsetting: %w", pkg.ErrNoDevice)

// Info describes the iDevice debug NCM function to usbnet.
var Info = usbnet.DriverInfo{
	Description: "iDevice Debug NCM",
	Flags: usbnet.FlagPointToPoint | usbnet.FlagNoSetInt | usbnet.FlagMultiPacket |
		usbnet.FlagLinkIntr | usbnet.FlagEther,
	Bind:        Bind,
	Unbind:      Unbind,
	ManagePower: usbnet.ManagePower,
	RxFixup:     cdcncm.RxFixup,
	TxFixup:     cdcncm.TxFixup,
	SetRxMode:   usbnet.CDCUpdateFilter,
}

// DeviceIDs matches the CDC NCM communications interface of Apple devices.
var DeviceIDs = []host.DeviceID{
	{
		Match:             host.MatchVendorAndInterfaceInfo,
		VendorID:          VendorApple,
		InterfaceClass:    host.ClassComm,
		InterfaceSubClass: cdcncm.SubclassNCM,
		InterfaceProtocol: cdcncm.ProtocolNone,
		DriverInfo:        &Info,
	},
	{},
}

// framing is the CDC-NCM and usbnet surface Bind and Open rely on.
type framing struct {
	bindCommon func(dev *usbnet.Device, intf *host.Interface, dataAlt uint8, flags cdcncm.BindFlags) error
	open       func(dev *usbnet.Device) error
	linkChange func(dev *usbnet.Device, link, needReset bool)
}

var ncm = framing{
	bindCommon: cdcncm.BindCommon,
	open:       (*usbnet.Device).Open,
	linkChange: (*usbnet.Device).LinkChange,
}

// isNCM reports whether alt runs the communications interface in NCM
// operational mode.
func isNCM(alt *host.AltSetting) bool {
	return alt.InterfaceClass == host.ClassComm &&
		alt.InterfaceSubClass == cdcncm.SubclassNCM &&
		alt.InterfaceProtocol == cdcncm.ProtocolNone &&
		alt.ClassDescriptor(cdcncm.SubtypeNCM) != nil
}

// SelectAltSetting returns the lowest altsetting of intf that runs NCM.
// Altsettings without an NCM functional descriptor are idle.
func SelectAltSetting(intf *host.Interface) (uint8, error) {
	found := false
	var best uint8
	for _, alt := range intf.AltSettings() {
		if !isNCM(&alt) {
			continue
		}
		if !found || alt.AlternateSetting < best {
			best, found = alt.AlternateSetting, true
		}
	}
	if !found {
		return 0, fmt.Errorf("%s: %w", intf, ErrNoMatchingAltsetting)
	}
	return best, nil
}

// Bind selects the NCM altsetting, binds the CDC-NCM function and installs
// the operation table.
//
// It fails with ErrNoMatchingAltsetting when no altsetting declares NCM
// mode, and with the SET_INTERFACE error when the chosen altsetting cannot
// be selected; the CDC-NCM setup is not attempted in either case. Errors
// from that setup are returned unchanged.
func Bind(dev *usbnet.Device, intf *host.Interface) error {
	alt, err := SelectAltSetting(intf)
	if err != nil {
		pkg.LogDebug(pkg.ComponentDriver, "no NCM altsetting", "interface", intf.String())
		return err
	}

	if intf.Current().AlternateSetting != alt {
		ctx, cancel := context.WithTimeout(dev.Context(), usbnet.ControlTimeout)
		err := intf.SetAltSetting(ctx, alt)
		cancel()
		if err != nil {
			pkg.LogDebug(pkg.ComponentDriver, "set altsetting failed",
				"interface", intf.String(), "alt", alt, "error", err)
			return err
		}
	}

	if err := ncm.bindCommon(dev, intf, cdcncm.DataAltSettingNCM, cdcncm.FlagNoNotificationEndpoint); err != nil {
		return err
	}

	dev.Net().SetOps(netdevOps{cdcncm.NetdevOps{Device: dev}})
	return nil
}

// Unbind undoes Bind.
func Unbind(dev *usbnet.Device, intf *host.Interface) {
	cdcncm.Unbind(dev, intf)
}

// netdevOps is the CDC-NCM operation table with Open replaced.
type netdevOps struct {
	cdcncm.NetdevOps
}

// Open starts the interface and reports carrier at once: the function has
// no notification endpoint to announce the link.
func (o netdevOps) Open() error {
	err := ncm.open(o.Device)
	ncm.linkChange(o.Device, true, false)
	return err
}

// Driver is the host driver for iDevice debug NCM functions.
type Driver struct{}

// NewDriver returns the driver.
func NewDriver() *Driver {
	return &Driver{}
}

// Name implements host.Driver.
func (*Driver) Name() string { return DriverName }

// IDTable implements host.Driver.
func (*Driver) IDTable() []host.DeviceID { return DeviceIDs }

// Probe implements host.Driver.
func (*Driver) Probe(ctx context.Context, intf *host.Interface, id *host.DeviceID) error {
	return usbnet.Probe(ctx, intf, id)
}

// Disconnect implements host.Driver.
func (*Driver) Disconnect(intf *host.Interface) { usbnet.Disconnect(intf) }

// Suspend implements host.PowerManager.
func (*Driver) Suspend(intf *host.Interface) error { return usbnet.Suspend(intf) }

// Resume implements host.PowerManager.
func (*Driver) Resume(intf *host.Interface) error { return usbnet.Resume(intf) }

// ResetResume implements host.PowerManager.
func (*Driver) ResetResume(intf *host.Interface) error { return usbnet.Resume(intf) }

// SupportsAutosuspend implements host.PolicyProvider.
func (*Driver) SupportsAutosuspend() bool { return true }

// DisableHubInitiatedLPM implements host.PolicyProvider.
func (*Driver) DisableHubInitiatedLPM() bool { return true }

var (
	_ host.Driver         = (*Driver)(nil)
	_ host.PowerManager   = (*Driver)(nil)
	_ host.PolicyProvider = (*Driver)(nil)
)

