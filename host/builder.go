package host

import (
	"encoding/binary"
	"unicode/utf16"
)

// AppendBinary appends the wire form of the device descriptor to b.
func (d *DeviceDescriptor) AppendBinary(b []byte) ([]byte, error) {
	b = append(b, DeviceDescriptorSize, DescriptorTypeDevice)
	b = binary.LittleEndian.AppendUint16(b, d.USBVersion)
	b = append(b, d.DeviceClass, d.DeviceSubClass, d.DeviceProtocol, d.MaxPacketSize0)
	b = binary.LittleEndian.AppendUint16(b, d.VendorID)
	b = binary.LittleEndian.AppendUint16(b, d.ProductID)
	b = binary.LittleEndian.AppendUint16(b, d.DeviceVersion)
	b = append(b, d.ManufacturerIndex, d.ProductIndex, d.SerialNumberIndex, d.NumConfigurations)
	return b, nil
}

// ConfigBuilder assembles a configuration descriptor tree in descriptor
// order. Simulated devices use it to describe themselves.
type ConfigBuilder struct {
	value      uint8
	attributes uint8
	maxPower   uint8
	body       []byte
	numbers    map[uint8]bool
}

// NewConfigBuilder starts a configuration with bConfigurationValue value.
// Bit 7 of attributes is always set.
func NewConfigBuilder(value, attributes, maxPower uint8) *ConfigBuilder {
	return &ConfigBuilder{
		value:      value,
		attributes: attributes | 0x80,
		maxPower:   maxPower,
		numbers:    make(map[uint8]bool),
	}
}

// Interface appends an interface descriptor.
func (b *ConfigBuilder) Interface(number, alt, numEndpoints, class, subClass, protocol uint8) *ConfigBuilder {
	b.numbers[number] = true
	b.body = append(b.body, InterfaceDescriptorSize, DescriptorTypeInterface,
		number, alt, numEndpoints, class, subClass, protocol, 0)
	return b
}

// Class appends a class-specific interface descriptor with the given
// subtype and payload.
func (b *ConfigBuilder) Class(subtype uint8, payload ...byte) *ConfigBuilder {
	b.body = append(b.body, byte(3+len(payload)), DescriptorTypeCSInterface, subtype)
	b.body = append(b.body, payload...)
	return b
}

// Raw appends an already encoded descriptor.
func (b *ConfigBuilder) Raw(desc ...byte) *ConfigBuilder {
	b.body = append(b.body, desc...)
	return b
}

// Endpoint appends an endpoint descriptor.
func (b *ConfigBuilder) Endpoint(address, attributes uint8, maxPacket uint16, interval uint8) *ConfigBuilder {
	b.body = append(b.body, EndpointDescriptorSize, DescriptorTypeEndpoint, address, attributes)
	b.body = binary.LittleEndian.AppendUint16(b.body, maxPacket)
	b.body = append(b.body, interval)
	return b
}

// Bytes returns the complete descriptor with wTotalLength and
// bNumInterfaces filled in.
func (b *ConfigBuilder) Bytes() []byte {
	out := make([]byte, 0, ConfigurationDescriptorSize+len(b.body))
	out = append(out, ConfigurationDescriptorSize, DescriptorTypeConfiguration)
	out = binary.LittleEndian.AppendUint16(out, uint16(ConfigurationDescriptorSize+len(b.body)))
	out = append(out, byte(len(b.numbers)), b.value, 0, b.attributes, b.maxPower)
	return append(out, b.body...)
}

// EncodeString returns s as a string descriptor. Strings longer than a
// descriptor can carry are truncated.
func EncodeString(s string) []byte {
	units := utf16.Encode([]rune(s))
	units = units[:min(len(units), 126)]
	out := make([]byte, 2, 2+2*len(units))
	out[0] = byte(2 + 2*len(units))
	out[1] = DescriptorTypeString
	for _, u := range units {
		out = binary.LittleEndian.AppendUint16(out, u)
	}
	return out
}

// EncodeLangIDs returns the string descriptor zero listing langIDs.
func EncodeLangIDs(langIDs ...uint16) []byte {
	out := []byte{byte(2 + 2*len(langIDs)), DescriptorTypeString}
	for _, id := range langIDs {
		out = binary.LittleEndian.AppendUint16(out, id)
	}
	return out
}
