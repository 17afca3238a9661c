package cdcncm

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/idevncm/host"
	"github.com/ardnew/idevncm/pkg"
)

// Functional descriptor sizes.
const (
	HeaderDescriptorSize   = 5
	UnionDescriptorMinSize = 5
	EthernetDescriptorSize = 13
	NCMDescriptorSize      = 6
)

// HeaderDescriptor is the CDC Header Functional Descriptor.
type HeaderDescriptor struct {
	CDCVersion uint16 // bcdCDC
}

// AppendBinary appends the encoded descriptor to b.
func (d *HeaderDescriptor) AppendBinary(b []byte) ([]byte, error) {
	b = append(b, HeaderDescriptorSize, host.DescriptorTypeCSInterface, SubtypeHeader)
	return binary.LittleEndian.AppendUint16(b, d.CDCVersion), nil
}

// UnionDescriptor is the Union Functional Descriptor.
type UnionDescriptor struct {
	Control      uint8   // bControlInterface
	Subordinates []uint8 // bSubordinateInterface0..N
}

// AppendBinary appends the encoded descriptor to b.
func (d *UnionDescriptor) AppendBinary(b []byte) ([]byte, error) {
	if len(d.Subordinates) == 0 {
		return b, fmt.Errorf("union without subordinate: %w", pkg.ErrInvalidParameter)
	}
	b = append(b, byte(4+len(d.Subordinates)), host.DescriptorTypeCSInterface, SubtypeUnion, d.Control)
	return append(b, d.Subordinates...), nil
}

// EthernetDescriptor is the Ethernet Networking Functional Descriptor.
type EthernetDescriptor struct {
	MACAddress         uint8  // iMACAddress string index
	Statistics         uint32 // bmEthernetStatistics
	MaxSegmentSize     uint16 // wMaxSegmentSize
	NumberMCFilters    uint16 // wNumberMCFilters
	NumberPowerFilters uint8  // bNumberPowerFilters
}

// AppendBinary appends the encoded descriptor to b.
func (d *EthernetDescriptor) AppendBinary(b []byte) ([]byte, error) {
	b = append(b, EthernetDescriptorSize, host.DescriptorTypeCSInterface, SubtypeEthernet, d.MACAddress)
	b = binary.LittleEndian.AppendUint32(b, d.Statistics)
	b = binary.LittleEndian.AppendUint16(b, d.MaxSegmentSize)
	b = binary.LittleEndian.AppendUint16(b, d.NumberMCFilters)
	return append(b, d.NumberPowerFilters), nil
}

// NCMDescriptor is the NCM Functional Descriptor.
type NCMDescriptor struct {
	NCMVersion   uint16 // bcdNcmVersion
	Capabilities uint8  // bmNetworkCapabilities
}

// AppendBinary appends the encoded descriptor to b.
func (d *NCMDescriptor) AppendBinary(b []byte) ([]byte, error) {
	b = append(b, NCMDescriptorSize, host.DescriptorTypeCSInterface, SubtypeNCM)
	b = binary.LittleEndian.AppendUint16(b, d.NCMVersion)
	return append(b, d.Capabilities), nil
}

// Functional holds the functional descriptors of a communications
// interface altsetting. Absent descriptors are nil.
type Functional struct {
	Header   *HeaderDescriptor
	Union    *UnionDescriptor
	Ethernet *EthernetDescriptor
	NCM      *NCMDescriptor
}

// ParseFunctional reads the class-specific descriptors of alt. Unknown
// subtypes are skipped; only the first of each known subtype counts.
func ParseFunctional(alt *host.AltSetting) (Functional, error) {
	var f Functional
	for _, d := range alt.Extra {
		if len(d) < 3 || d[1] != host.DescriptorTypeCSInterface {
			continue
		}
		short := func(size int) error {
			if len(d) < size || int(d[0]) < size {
				return fmt.Errorf("functional descriptor %#02x: %d bytes: %w",
					d[2], len(d), pkg.ErrDescriptorTooShort)
			}
			return nil
		}

		switch d[2] {
		case SubtypeHeader:
			if f.Header != nil {
				continue
			}
			if err := short(HeaderDescriptorSize); err != nil {
				return f, err
			}
			f.Header = &HeaderDescriptor{CDCVersion: binary.LittleEndian.Uint16(d[3:])}

		case SubtypeUnion:
			if f.Union != nil {
				continue
			}
			if err := short(UnionDescriptorMinSize); err != nil {
				return f, err
			}
			n := min(int(d[0]), len(d))
			f.Union = &UnionDescriptor{
				Control:      d[3],
				Subordinates: append([]uint8(nil), d[4:n]...),
			}

		case SubtypeEthernet:
			if f.Ethernet != nil {
				continue
			}
			if err := short(EthernetDescriptorSize); err != nil {
				return f, err
			}
			f.Ethernet = &EthernetDescriptor{
				MACAddress:         d[3],
				Statistics:         binary.LittleEndian.Uint32(d[4:]),
				MaxSegmentSize:     binary.LittleEndian.Uint16(d[8:]),
				NumberMCFilters:    binary.LittleEndian.Uint16(d[10:]),
				NumberPowerFilters: d[12],
			}

		case SubtypeNCM:
			if f.NCM != nil {
				continue
			}
			if err := short(NCMDescriptorSize); err != nil {
				return f, err
			}
			f.NCM = &NCMDescriptor{
				NCMVersion:   binary.LittleEndian.Uint16(d[3:]),
				Capabilities: d[5],
			}
		}
	}
	return f, nil
}

// NTBParameters is the GET_NTB_PARAMETERS response.
type NTBParameters struct {
	Length              uint16
	FormatsSupported    uint16
	InMaxSize           uint32
	InDivisor           uint16
	InPayloadRemainder  uint16
	InAlignment         uint16
	OutMaxSize          uint32
	OutDivisor          uint16
	OutPayloadRemainder uint16
	OutAlignment        uint16
	OutMaxDatagrams     uint16
}

// UnmarshalBinary decodes the little-endian wire form.
func (p *NTBParameters) UnmarshalBinary(b []byte) error {
	if len(b) < NTBParametersSize {
		return fmt.Errorf("ntb parameters: %d bytes: %w", len(b), pkg.ErrDescriptorTooShort)
	}
	le := binary.LittleEndian
	*p = NTBParameters{
		Length:              le.Uint16(b[0:]),
		FormatsSupported:    le.Uint16(b[2:]),
		InMaxSize:           le.Uint32(b[4:]),
		InDivisor:           le.Uint16(b[8:]),
		InPayloadRemainder:  le.Uint16(b[10:]),
		InAlignment:         le.Uint16(b[12:]),
		OutMaxSize:          le.Uint32(b[16:]),
		OutDivisor:          le.Uint16(b[20:]),
		OutPayloadRemainder: le.Uint16(b[22:]),
		OutAlignment:        le.Uint16(b[24:]),
		OutMaxDatagrams:     le.Uint16(b[26:]),
	}
	return nil
}

// AppendBinary appends the wire form to b.
func (p *NTBParameters) AppendBinary(b []byte) ([]byte, error) {
	le := binary.LittleEndian
	b = le.AppendUint16(b, NTBParametersSize)
	b = le.AppendUint16(b, p.FormatsSupported)
	b = le.AppendUint32(b, p.InMaxSize)
	b = le.AppendUint16(b, p.InDivisor)
	b = le.AppendUint16(b, p.InPayloadRemainder)
	b = le.AppendUint16(b, p.InAlignment)
	b = le.AppendUint16(b, 0)
	b = le.AppendUint32(b, p.OutMaxSize)
	b = le.AppendUint16(b, p.OutDivisor)
	b = le.AppendUint16(b, p.OutPayloadRemainder)
	b = le.AppendUint16(b, p.OutAlignment)
	return le.AppendUint16(b, p.OutMaxDatagrams), nil
}
