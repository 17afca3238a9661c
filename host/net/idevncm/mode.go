package idevncm

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/idevncm/host"
	"github.com/ardnew/idevncm/host/hal"
	"github.com/ardnew/idevncm/pkg"
)

// Mode is an Apple USB mode. Devices only expose their NCM configurations
// in one of the NCM modes.
type Mode uint8

// USB modes.
const (
	ModeInitial      Mode = 1
	ModeValeria      Mode = 2
	ModeCDCNCM       Mode = 3
	ModeUSBEthCDCNCM Mode = 4
	ModeCDCNCMDirect Mode = 5
)

func (m Mode) String() string {
	switch m {
	case ModeInitial:
		return "initial"
	case ModeValeria:
		return "valeria"
	case ModeCDCNCM:
		return "cdc-ncm"
	case ModeUSBEthCDCNCM:
		return "usb-eth+cdc-ncm"
	case ModeCDCNCMDirect:
		return "cdc-ncm-direct"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// Vendor requests of the mode switch.
const (
	requestGetMode = 0x45
	requestSetMode = 0x52
)

// ErrUnknownMode is returned when the device answers GET_MODE with a
// response that names no known mode.
var ErrUnknownMode = errors.New("unknown usb mode")

var (
	respInitial = []byte{3, 3, 3, 0}
	respNCM     = []byte{5, 3, 3, 0}
)

// GetMode reads the current USB mode of dev.
func GetMode(ctx context.Context, dev *host.Device) (Mode, error) {
	var buf [4]byte
	n, err := dev.ControlTransfer(ctx, &hal.SetupPacket{
		RequestType: host.RequestTypeIn | host.RequestTypeVendor | host.RequestTypeDevice,
		Request:     requestGetMode,
		Length:      uint16(len(buf)),
	}, buf[:])
	if err != nil {
		return 0, err
	}
	switch resp := buf[:n]; {
	case bytes.Equal(resp, respInitial):
		return ModeInitial, nil
	case bytes.Equal(resp, respNCM):
		return ModeCDCNCM, nil
	default:
		return 0, fmt.Errorf("%w: % x", ErrUnknownMode, resp)
	}
}

// SwitchMode asks dev to re-enumerate in mode. On success the device drops
// off the bus and comes back with the configurations of the new mode.
func SwitchMode(ctx context.Context, dev *host.Device, mode Mode) error {
	var status [1]byte
	_, err := dev.ControlTransfer(ctx, &hal.SetupPacket{
		RequestType: host.RequestTypeIn | host.RequestTypeVendor | host.RequestTypeDevice,
		Request:     requestSetMode,
		Index:       uint16(mode),
		Length:      uint16(len(status)),
	}, status[:])
	if err != nil {
		return fmt.Errorf("set mode %s: %w", mode, err)
	}
	if status[0] != 0 {
		return fmt.Errorf("set mode %s: status %d: %w", mode, status[0], pkg.ErrProtocol)
	}
	pkg.LogInfo(pkg.ComponentDriver, "mode switch requested", "device", dev.String(), "mode", mode.String())
	return nil
}

// ChooseConfiguration prefers the configuration of an Apple device that
// carries an NCM communications interface and falls back to the first.
func ChooseConfiguration(dev *host.Device) uint8 {
	if dev.VendorID() == VendorApple {
		for _, cfg := range dev.Configs() {
			for i := range cfg.AltSettings {
				if isNCM(&cfg.AltSettings[i]) {
					return cfg.ConfigurationValue
				}
			}
		}
	}
	return host.FirstConfiguration(dev)
}
