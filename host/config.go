package host

import (
	"errors"
	"fmt"

	"github.com/ardnew/idevncm/pkg"
)

// ErrBadConfigDescriptor is returned when a configuration descriptor tree
// cannot be parsed.
var ErrBadConfigDescriptor = errors.New("malformed configuration descriptor")

// AltSetting is one alternate setting of an interface: its interface
// descriptor, endpoints, and the descriptors that sit between the interface
// descriptor and its first endpoint (class-specific functional descriptors).
type AltSetting struct {
	InterfaceDescriptor
	Endpoints []EndpointDescriptor
	Extra     [][]byte
}

// Endpoint returns the endpoint with the given address, or nil.
func (a *AltSetting) Endpoint(address uint8) *EndpointDescriptor {
	for i := range a.Endpoints {
		if a.Endpoints[i].EndpointAddress == address {
			return &a.Endpoints[i]
		}
	}
	return nil
}

// ClassDescriptor returns the first class-specific interface descriptor
// with the given subtype (byte 2), or nil.
func (a *AltSetting) ClassDescriptor(subtype uint8) []byte {
	for _, d := range a.Extra {
		if len(d) >= 3 && d[1] == DescriptorTypeCSInterface && d[2] == subtype {
			return d
		}
	}
	return nil
}

// Config is a parsed configuration descriptor tree.
type Config struct {
	ConfigurationDescriptor

	// AltSettings lists every interface descriptor in descriptor order.
	AltSettings []AltSetting

	raw []byte
}

// ParseConfig parses a complete configuration descriptor (header plus all
// interface, endpoint, and class-specific descriptors).
func ParseConfig(data []byte) (*Config, error) {
	c := &Config{}
	if !ParseConfigurationDescriptor(data, &c.ConfigurationDescriptor) {
		return nil, fmt.Errorf("%w: header", ErrBadConfigDescriptor)
	}
	total := int(c.TotalLength)
	if total > len(data) {
		return nil, fmt.Errorf("%w: wTotalLength %d exceeds %d bytes read: %w",
			ErrBadConfigDescriptor, total, len(data), pkg.ErrDescriptorTooShort)
	}
	c.raw = append([]byte(nil), data[:total]...)

	var cur *AltSetting
	for off := int(c.Length); off < total; {
		if off+2 > total {
			return nil, fmt.Errorf("%w: truncated at offset %d", ErrBadConfigDescriptor, off)
		}
		length := int(c.raw[off])
		if length < 2 || off+length > total {
			return nil, fmt.Errorf("%w: bad bLength %d at offset %d", ErrBadConfigDescriptor, length, off)
		}
		desc := c.raw[off : off+length]

		switch desc[1] {
		case DescriptorTypeInterface:
			var alt AltSetting
			if !ParseInterfaceDescriptor(desc, &alt.InterfaceDescriptor) {
				return nil, fmt.Errorf("%w: short interface descriptor", ErrBadConfigDescriptor)
			}
			c.AltSettings = append(c.AltSettings, alt)
			cur = &c.AltSettings[len(c.AltSettings)-1]

		case DescriptorTypeEndpoint:
			var ep EndpointDescriptor
			if cur != nil && ParseEndpointDescriptor(desc, &ep) {
				cur.Endpoints = append(cur.Endpoints, ep)
			}

		default:
			// Descriptors trailing an endpoint belong to that endpoint and
			// are not kept.
			if cur != nil && len(cur.Endpoints) == 0 {
				cur.Extra = append(cur.Extra, desc)
			}
		}
		off += length
	}
	return c, nil
}

// Raw returns the configuration descriptor bytes as read from the device.
func (c *Config) Raw() []byte {
	return c.raw
}

// InterfaceNumbers returns the distinct interface numbers in descriptor order.
func (c *Config) InterfaceNumbers() []uint8 {
	var nums []uint8
	seen := make(map[uint8]bool)
	for i := range c.AltSettings {
		n := c.AltSettings[i].InterfaceNumber
		if !seen[n] {
			seen[n] = true
			nums = append(nums, n)
		}
	}
	return nums
}

// AltSettingsOf returns the alternate settings of interface num.
func (c *Config) AltSettingsOf(num uint8) []AltSetting {
	var alts []AltSetting
	for i := range c.AltSettings {
		if c.AltSettings[i].InterfaceNumber == num {
			alts = append(alts, c.AltSettings[i])
		}
	}
	return alts
}
