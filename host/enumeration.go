package host

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ardnew/idevncm/host/hal"
	"github.com/ardnew/idevncm/pkg"
)

// Enumeration errors.
var (
	ErrEnumerationFailed = errors.New("enumeration failed")
	ErrNoAddress         = errors.New("no address available")
)

// ConfigurationChooser picks the configuration to activate on a freshly
// enumerated device. It returns a bConfigurationValue, or 0 to leave the
// device unconfigured.
type ConfigurationChooser func(dev *Device) uint8

// FirstConfiguration chooses the configuration at index 0.
func FirstConfiguration(dev *Device) uint8 {
	if cfgs := dev.Configs(); len(cfgs) > 0 {
		return cfgs[0].ConfigurationValue
	}
	return 0
}

// enumerateDevice performs the USB enumeration sequence for a new device.
func (h *Host) enumerateDevice(port int) (*Device, error) {
	pkg.LogDebug(pkg.ComponentHost, "starting enumeration", "port", port)

	speed := h.hal.PortSpeed(port)

	if err := h.hal.ResetPort(port); err != nil {
		return nil, err
	}

	dev := newDevice(h, port, 0, speed)

	// The first 8 bytes carry bMaxPacketSize0.
	var head [8]byte
	n, err := h.readDescriptor(h.ctx, 0, DescriptorTypeDevice, 0, 0, head[:])
	if err != nil {
		return nil, err
	}
	if n < len(head) {
		return nil, fmt.Errorf("%w: short device descriptor (%d bytes)", ErrEnumerationFailed, n)
	}
	pkg.LogDebug(pkg.ComponentHost, "got max packet size", "size", head[7])

	address := h.allocateAddress()
	if address == 0 {
		return nil, ErrNoAddress
	}
	if err := h.hal.SetDeviceAddress(h.ctx, hal.DeviceAddress(address)); err != nil {
		h.releaseAddress(address)
		return nil, err
	}
	dev.address = address
	dev.state = DeviceStateAddress
	pkg.LogDebug(pkg.ComponentHost, "assigned address", "address", address)

	if err := h.readDescriptors(dev); err != nil {
		h.releaseAddress(address)
		return nil, err
	}

	h.readStringDescriptors(dev)

	h.mutex.RLock()
	choose := h.chooser
	h.mutex.RUnlock()
	if value := choose(dev); value > 0 {
		if err := dev.SetConfiguration(h.ctx, value); err != nil {
			h.releaseAddress(address)
			return nil, err
		}
		pkg.LogDebug(pkg.ComponentHost, "configuration selected",
			"address", address, "config", value,
			"interfaces", len(dev.Interfaces()))
	}

	return dev, nil
}

// readDescriptor issues GET_DESCRIPTOR to addr into buf.
func (h *Host) readDescriptor(ctx context.Context, addr uint8, descType, index uint8, langID uint16, buf []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(index),
		Index:       langID,
		Length:      uint16(len(buf)),
	}
	return h.hal.ControlTransfer(ctx, hal.DeviceAddress(addr), &setup, buf)
}

// readDescriptors reads the device descriptor and every configuration.
func (h *Host) readDescriptors(dev *Device) error {
	var buf [DeviceDescriptorSize]byte
	n, err := h.readDescriptor(h.ctx, dev.address, DescriptorTypeDevice, 0, 0, buf[:])
	if err != nil {
		return err
	}
	if !ParseDeviceDescriptor(buf[:n], &dev.descriptor) {
		return fmt.Errorf("%w: bad device descriptor", ErrEnumerationFailed)
	}

	pkg.LogDebug(pkg.ComponentHost, "device descriptor",
		"vendorID", dev.descriptor.VendorID,
		"productID", dev.descriptor.ProductID,
		"class", dev.descriptor.DeviceClass,
		"configurations", dev.descriptor.NumConfigurations)

	count := min(int(dev.descriptor.NumConfigurations), MaxConfigurationsPerDevice)
	for i := range count {
		var head [ConfigurationDescriptorSize]byte
		n, err := h.readDescriptor(h.ctx, dev.address, DescriptorTypeConfiguration, uint8(i), 0, head[:])
		if err != nil {
			return fmt.Errorf("config %d header: %w", i, err)
		}
		if n < ConfigurationDescriptorSize {
			return fmt.Errorf("%w: short config %d header", ErrEnumerationFailed, i)
		}

		total := min(int(binary.LittleEndian.Uint16(head[2:])), MaxDescriptorSize)
		full := make([]byte, total)
		n, err = h.readDescriptor(h.ctx, dev.address, DescriptorTypeConfiguration, uint8(i), 0, full)
		if err != nil {
			return fmt.Errorf("config %d: %w", i, err)
		}

		cfg, err := ParseConfig(full[:n])
		if err != nil {
			return fmt.Errorf("config %d: %w", i, err)
		}
		dev.configs = append(dev.configs, cfg)

		pkg.LogDebug(pkg.ComponentHost, "configuration descriptor",
			"index", i,
			"numInterfaces", cfg.NumInterfaces,
			"configValue", cfg.ConfigurationValue)
	}
	return nil
}

// readStringDescriptors caches the manufacturer, product and serial strings.
// Failures are not fatal.
func (h *Host) readStringDescriptors(dev *Device) {
	for _, idx := range []uint8{
		dev.descriptor.ManufacturerIndex,
		dev.descriptor.ProductIndex,
		dev.descriptor.SerialNumberIndex,
	} {
		if idx == 0 {
			continue
		}
		s, err := dev.ReadString(h.ctx, idx)
		if err != nil {
			pkg.LogDebug(pkg.ComponentHost, "string descriptor read failed",
				"index", idx, "error", err)
			continue
		}
		pkg.LogDebug(pkg.ComponentHost, "string descriptor", "index", idx, "value", s)
	}
}
