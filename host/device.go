package host

import (
	"context"
	"fmt"
	"sync"
	"unicode/utf16"

	"github.com/ardnew/idevncm/host/hal"
	"github.com/ardnew/idevncm/pkg"
)

// Device represents a connected USB device from the host's perspective.
type Device struct {
	host    *Host
	address uint8
	port    int
	speed   hal.Speed

	descriptor DeviceDescriptor

	// Every configuration the device reports, in index order.
	configs []*Config

	// State
	mutex      sync.RWMutex
	state      DeviceState
	active     *Config
	interfaces []*Interface
	strings    map[uint8]string
}

// newDevice creates a new device instance.
func newDevice(host *Host, port int, address uint8, speed hal.Speed) *Device {
	return &Device{
		host:    host,
		address: address,
		port:    port,
		speed:   speed,
		state:   DeviceStateDefault,
		strings: make(map[uint8]string),
	}
}

// Host returns the host the device is attached to.
func (d *Device) Host() *Host {
	return d.host
}

// Address returns the device address.
func (d *Device) Address() uint8 {
	return d.address
}

// Port returns the port number the device is connected to.
func (d *Device) Port() int {
	return d.port
}

// Speed returns the device speed.
func (d *Device) Speed() hal.Speed {
	return d.speed
}

// VendorID returns the device vendor ID.
func (d *Device) VendorID() uint16 {
	return d.descriptor.VendorID
}

// ProductID returns the device product ID.
func (d *Device) ProductID() uint16 {
	return d.descriptor.ProductID
}

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor {
	return d.descriptor
}

// Configs returns every configuration read during enumeration.
func (d *Device) Configs() []*Config {
	return d.configs
}

// Config returns the configuration with bConfigurationValue value, or nil.
func (d *Device) Config(value uint8) *Config {
	for _, c := range d.configs {
		if c.ConfigurationValue == value {
			return c
		}
	}
	return nil
}

// ActiveConfig returns the active configuration, or nil when unconfigured.
func (d *Device) ActiveConfig() *Config {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.active
}

// Interfaces returns the interfaces of the active configuration.
func (d *Device) Interfaces() []*Interface {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.interfaces
}

// Interface returns interface num of the active configuration, or nil.
func (d *Device) Interface(num uint8) *Interface {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	for _, intf := range d.interfaces {
		if intf.number == num {
			return intf
		}
	}
	return nil
}

// GetString returns a cached string descriptor.
func (d *Device) GetString(index uint8) string {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.strings[index]
}

// Manufacturer returns the manufacturer string.
func (d *Device) Manufacturer() string {
	return d.GetString(d.descriptor.ManufacturerIndex)
}

// Product returns the product string.
func (d *Device) Product() string {
	return d.GetString(d.descriptor.ProductIndex)
}

// SerialNumber returns the serial number string.
func (d *Device) SerialNumber() string {
	return d.GetString(d.descriptor.SerialNumberIndex)
}

// State returns the current device state.
func (d *Device) State() DeviceState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

func (d *Device) setState(s DeviceState) {
	d.mutex.Lock()
	d.state = s
	d.mutex.Unlock()
}

// SetConfiguration activates configuration value and rebuilds the interface
// list. A value of 0 unconfigures the device. Drivers bound to the previous
// configuration must already be unbound.
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	var cfg *Config
	if value != 0 {
		if cfg = d.Config(value); cfg == nil {
			return fmt.Errorf("configuration %d: %w", value, pkg.ErrInvalidParameter)
		}
	}

	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}
	if _, err := d.ControlTransfer(ctx, &setup, nil); err != nil {
		return err
	}

	var intfs []*Interface
	if cfg != nil {
		for _, num := range cfg.InterfaceNumbers() {
			intfs = append(intfs, newInterface(d, num, cfg.AltSettingsOf(num)))
		}
	}

	d.mutex.Lock()
	d.active = cfg
	d.interfaces = intfs
	if cfg != nil {
		d.state = DeviceStateConfigured
	} else {
		d.state = DeviceStateAddress
	}
	d.mutex.Unlock()

	return nil
}

// GetConfiguration returns the active configuration value.
func (d *Device) GetConfiguration() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if d.active == nil {
		return 0
	}
	return d.active.ConfigurationValue
}

// ClaimInterface binds intf to driver d without probing it. Drivers use it
// for the secondary interfaces of a function (for example a CDC data
// interface). The claim is dropped by ReleaseInterface or on disconnect.
func (d *Device) ClaimInterface(intf *Interface, drv Driver) error {
	if err := intf.bind(drv, false); err != nil {
		return fmt.Errorf("claim interface %d: %w", intf.number, err)
	}
	if err := d.host.hal.ClaimInterface(hal.DeviceAddress(d.address), intf.number); err != nil {
		intf.unbind()
		return fmt.Errorf("claim interface %d: %w", intf.number, err)
	}
	pkg.LogDebug(pkg.ComponentHost, "interface claimed",
		"address", d.address, "interface", intf.number, "driver", drv.Name())
	return nil
}

// ReleaseInterface drops a claim taken with ClaimInterface.
func (d *Device) ReleaseInterface(intf *Interface) {
	if drv, _ := intf.unbind(); drv == nil {
		return
	}
	if err := d.host.hal.ReleaseInterface(hal.DeviceAddress(d.address), intf.number); err != nil {
		pkg.LogDebug(pkg.ComponentHost, "release interface failed",
			"address", d.address, "interface", intf.number, "error", err)
	}
}

// ControlTransfer performs a control transfer to the device.
func (d *Device) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	return d.host.hal.ControlTransfer(ctx, hal.DeviceAddress(d.address), setup, data)
}

// BulkTransfer performs a bulk transfer.
func (d *Device) BulkTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	return d.host.hal.BulkTransfer(ctx, hal.DeviceAddress(d.address), endpoint, data)
}

// GetDescriptor performs a GET_DESCRIPTOR request.
func (d *Device) GetDescriptor(ctx context.Context, descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(descIndex),
		Index:       langID,
		Length:      uint16(len(data)),
	}

	return d.ControlTransfer(ctx, &setup, data)
}

// ReadString reads string descriptor index in US English and caches it.
func (d *Device) ReadString(ctx context.Context, index uint8) (string, error) {
	if index == 0 {
		return "", pkg.ErrInvalidParameter
	}
	if s := d.GetString(index); s != "" {
		return s, nil
	}

	var buf [255]byte
	n, err := d.GetDescriptor(ctx, DescriptorTypeString, index, LangIDUSEnglish, buf[:])
	if err != nil {
		return "", err
	}
	if n < 2 || buf[1] != DescriptorTypeString {
		return "", fmt.Errorf("string %d: %w", index, pkg.ErrDescriptorTooShort)
	}
	length := min(int(buf[0]), n)

	units := make([]uint16, 0, (length-2)/2)
	for i := 2; i+1 < length; i += 2 {
		units = append(units, uint16(buf[i])|uint16(buf[i+1])<<8)
	}
	s := string(utf16.Decode(units))

	d.mutex.Lock()
	d.strings[index] = s
	d.mutex.Unlock()
	return s, nil
}

// ClearFeature performs a CLEAR_FEATURE request.
func (d *Device) ClearFeature(ctx context.Context, feature uint16) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestClearFeature,
		Value:       feature,
	}

	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

// SetFeature performs a SET_FEATURE request.
func (d *Device) SetFeature(ctx context.Context, feature uint16) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetFeature,
		Value:       feature,
	}

	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

// ClearEndpointHalt clears the halt condition on an endpoint.
func (d *Device) ClearEndpointHalt(ctx context.Context, endpoint uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       uint16(endpoint),
	}

	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

func (d *Device) String() string {
	return fmt.Sprintf("%d-%d", d.port, d.address)
}
