package host

import (
	"encoding/binary"
	"fmt"
)

// Device states as defined in USB 2.0 specification.
const (
	DeviceStateDetached   DeviceState = 0 // Device is not connected
	DeviceStateAttached   DeviceState = 1 // Device is attached but not addressed
	DeviceStateDefault    DeviceState = 2 // Device has been reset, at address 0
	DeviceStateAddress    DeviceState = 3 // Device has been assigned an address
	DeviceStateConfigured DeviceState = 4 // Device is configured
	DeviceStateSuspended  DeviceState = 5 // Device is in suspend mode
)

// DeviceState represents USB device state (from host perspective).
type DeviceState uint8

// String returns a human-readable state description.
func (s DeviceState) String() string {
	switch s {
	case DeviceStateDetached:
		return "Detached"
	case DeviceStateAttached:
		return "Attached"
	case DeviceStateDefault:
		return "Default"
	case DeviceStateAddress:
		return "Address"
	case DeviceStateConfigured:
		return "Configured"
	case DeviceStateSuspended:
		return "Suspended"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

// Maximum limits.
const (
	// MaxDevices is the maximum number of devices on the bus.
	MaxDevices = 16

	// MaxConfigurationsPerDevice is the maximum configurations read per device.
	// Apple devices expose up to six once switched into NCM mode.
	MaxConfigurationsPerDevice = 8

	// MaxDescriptorSize is the maximum size for descriptor buffers.
	MaxDescriptorSize = 1024
)

// Endpoint transfer types.
const (
	EndpointTypeControl     = 0x00 // Control transfer
	EndpointTypeIsochronous = 0x01 // Isochronous transfer
	EndpointTypeBulk        = 0x02 // Bulk transfer
	EndpointTypeInterrupt   = 0x03 // Interrupt transfer
)

// EndpointDirectionIn marks a device-to-host endpoint address.
const EndpointDirectionIn = 0x80

// Descriptor types.
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
	DescriptorTypeCSInterface   = 0x24 // Class-specific interface
	DescriptorTypeCSEndpoint    = 0x25 // Class-specific endpoint
)

// Interface and device class codes used by the network drivers.
const (
	ClassPerInterface = 0x00
	ClassComm         = 0x02 // Communications (CDC control)
	ClassCDCData      = 0x0A // CDC data
	ClassVendorSpec   = 0xFF
)

// Standard request codes.
const (
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestGetDescriptor    = 0x06
	RequestSetConfiguration = 0x09
	RequestSetInterface     = 0x0B
)

// Standard feature selectors.
const (
	FeatureEndpointHalt       = 0x00
	FeatureDeviceRemoteWakeup = 0x01
)

// Request types (bmRequestType).
const (
	RequestTypeOut       = 0x00 // Host to device
	RequestTypeIn        = 0x80 // Device to host
	RequestTypeStandard  = 0x00 // Standard request
	RequestTypeClass     = 0x20 // Class-specific request
	RequestTypeVendor    = 0x40 // Vendor-specific request
	RequestTypeDevice    = 0x00 // Recipient: device
	RequestTypeInterface = 0x01 // Recipient: interface
	RequestTypeEndpoint  = 0x02 // Recipient: endpoint
)

// LangIDUSEnglish is the default language ID.
const LangIDUSEnglish = 0x0409

// DeviceDescriptor represents a USB device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// DeviceDescriptorSize is the size of a device descriptor.
const DeviceDescriptorSize = 18

// ParseDeviceDescriptor parses device descriptor from data.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) bool {
	if len(data) < DeviceDescriptorSize || data[1] != DescriptorTypeDevice {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.USBVersion = binary.LittleEndian.Uint16(data[2:])
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = binary.LittleEndian.Uint16(data[8:])
	out.ProductID = binary.LittleEndian.Uint16(data[10:])
	out.DeviceVersion = binary.LittleEndian.Uint16(data[12:])
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return true
}

// ConfigurationDescriptor represents a USB configuration descriptor.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// ConfigurationDescriptorSize is the size of a configuration descriptor header.
const ConfigurationDescriptorSize = 9

// ParseConfigurationDescriptor parses configuration descriptor from data.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) bool {
	if len(data) < ConfigurationDescriptorSize || data[1] != DescriptorTypeConfiguration {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.TotalLength = binary.LittleEndian.Uint16(data[2:])
	out.NumInterfaces = data[4]
	out.ConfigurationValue = data[5]
	out.ConfigurationIndex = data[6]
	out.Attributes = data[7]
	out.MaxPower = data[8]
	return true
}

// RemoteWakeup reports whether the configuration supports remote wakeup.
func (c *ConfigurationDescriptor) RemoteWakeup() bool {
	return c.Attributes&0x20 != 0
}

// InterfaceDescriptor represents a USB interface descriptor.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// InterfaceDescriptorSize is the size of an interface descriptor.
const InterfaceDescriptorSize = 9

// ParseInterfaceDescriptor parses interface descriptor from data.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) bool {
	if len(data) < InterfaceDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.InterfaceNumber = data[2]
	out.AlternateSetting = data[3]
	out.NumEndpoints = data[4]
	out.InterfaceClass = data[5]
	out.InterfaceSubClass = data[6]
	out.InterfaceProtocol = data[7]
	out.InterfaceIndex = data[8]
	return true
}

// EndpointDescriptor represents a USB endpoint descriptor.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// EndpointDescriptorSize is the size of an endpoint descriptor.
const EndpointDescriptorSize = 7

// ParseEndpointDescriptor parses endpoint descriptor from data.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) bool {
	if len(data) < EndpointDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.EndpointAddress = data[2]
	out.Attributes = data[3]
	out.MaxPacketSize = binary.LittleEndian.Uint16(data[4:])
	out.Interval = data[6]
	return true
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.EndpointAddress & 0x0F
}

// IsIn returns true if this is an IN endpoint.
func (e *EndpointDescriptor) IsIn() bool {
	return e.EndpointAddress&EndpointDirectionIn != 0
}

// IsOut returns true if this is an OUT endpoint.
func (e *EndpointDescriptor) IsOut() bool {
	return !e.IsIn()
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() uint8 {
	return e.Attributes & 0x03
}

// IsBulk returns true if this is a bulk endpoint.
func (e *EndpointDescriptor) IsBulk() bool {
	return e.TransferType() == EndpointTypeBulk
}

// IsInterrupt returns true if this is an interrupt endpoint.
func (e *EndpointDescriptor) IsInterrupt() bool {
	return e.TransferType() == EndpointTypeInterrupt
}

// MaxPacket returns the packet size without the high-bandwidth multiplier bits.
func (e *EndpointDescriptor) MaxPacket() int {
	return int(e.MaxPacketSize & 0x07FF)
}
