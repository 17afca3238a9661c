package sim

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/ardnew/idevncm/host/hal"
	"github.com/ardnew/idevncm/pkg"
)

// Standard request codes answered by Device.
const (
	reqGetStatus        = 0x00
	reqClearFeature     = 0x01
	reqSetFeature       = 0x03
	reqGetDescriptor    = 0x06
	reqGetConfiguration = 0x08
	reqSetConfiguration = 0x09
	reqGetInterface     = 0x0A
	reqSetInterface     = 0x0B
)

const (
	descDevice        = 0x01
	descConfiguration = 0x02
	descString        = 0x03

	featureEndpointHalt = 0x00
	featureRemoteWakeup = 0x01

	kindStandard = 0x00

	recipientDevice   = 0x00
	recipientEndpoint = 0x02
)

// Descriptors is the descriptor set a Device serves.
type Descriptors struct {
	Device []byte

	// Configs holds complete configuration descriptors in index order.
	Configs [][]byte

	// Strings maps a string index to its encoded descriptor. Index 0 is
	// the language ID list.
	Strings map[uint8][]byte
}

// Function supplies the class-level behavior of a Device.
type Function interface {
	// Configured is called after SET_CONFIGURATION, and with 0 on reset.
	Configured(value uint8) error

	// SetInterface is called after SET_INTERFACE.
	SetInterface(intf, alt uint8) error

	// Request handles class and vendor requests.
	Request(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error)

	// Transfer handles data transfers on non-control endpoints.
	Transfer(ctx context.Context, endpoint uint8, data []byte) (int, error)
}

// Device is a Gadget that answers standard requests from a descriptor set
// and hands everything else to a Function.
type Device struct {
	speed hal.Speed
	desc  Descriptors
	fn    Function

	mu           sync.Mutex
	config       uint8
	alts         map[uint8]uint8
	remoteWakeup bool
	halted       map[uint8]bool
	suspended    bool
}

// NewDevice creates a device serving desc at speed.
func NewDevice(speed hal.Speed, desc Descriptors, fn Function) *Device {
	return &Device{
		speed:  speed,
		desc:   desc,
		fn:     fn,
		alts:   make(map[uint8]uint8),
		halted: make(map[uint8]bool),
	}
}

// Speed returns the device speed.
func (d *Device) Speed() hal.Speed {
	return d.speed
}

// Reset returns the device to the default state.
func (d *Device) Reset() {
	d.mu.Lock()
	d.config = 0
	clear(d.alts)
	clear(d.halted)
	d.remoteWakeup = false
	d.suspended = false
	d.mu.Unlock()

	if err := d.fn.Configured(0); err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "function reset failed", "error", err)
	}
}

// Configuration returns the active configuration value.
func (d *Device) Configuration() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// AltSetting returns the selected alternate setting of intf.
func (d *Device) AltSetting(intf uint8) uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alts[intf]
}

// RemoteWakeupEnabled reports whether the host armed remote wakeup.
func (d *Device) RemoteWakeupEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteWakeup
}

// Suspended reports whether the bus is suspended.
func (d *Device) Suspended() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suspended
}

// Suspend records bus suspend.
func (d *Device) Suspend() {
	d.mu.Lock()
	d.suspended = true
	d.mu.Unlock()
}

// Resume records bus resume.
func (d *Device) Resume() {
	d.mu.Lock()
	d.suspended = false
	d.mu.Unlock()
}

// Halt stalls endpoint until the host clears the halt.
func (d *Device) Halt(endpoint uint8) {
	d.mu.Lock()
	d.halted[endpoint] = true
	d.mu.Unlock()
}

// Halted reports whether endpoint is stalled.
func (d *Device) Halted(endpoint uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted[endpoint]
}

// Control handles a control request.
func (d *Device) Control(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	if setup.Kind() != kindStandard {
		return d.fn.Request(ctx, setup, data)
	}

	switch setup.Request {
	case reqGetDescriptor:
		return d.getDescriptor(setup, data)

	case reqGetStatus:
		if len(data) < 2 {
			return 0, pkg.ErrBufferTooSmall
		}
		var status uint16
		d.mu.Lock()
		switch setup.Recipient() {
		case recipientDevice:
			if d.remoteWakeup {
				status |= 1 << 1
			}
		case recipientEndpoint:
			if d.halted[uint8(setup.Index)] {
				status |= 1
			}
		}
		d.mu.Unlock()
		binary.LittleEndian.PutUint16(data, status)
		return 2, nil

	case reqSetFeature, reqClearFeature:
		on := setup.Request == reqSetFeature
		d.mu.Lock()
		defer d.mu.Unlock()
		switch {
		case setup.Recipient() == recipientDevice && setup.Value == featureRemoteWakeup:
			d.remoteWakeup = on
		case setup.Recipient() == recipientEndpoint && setup.Value == featureEndpointHalt:
			d.halted[uint8(setup.Index)] = on
		default:
			return 0, pkg.ErrStall
		}
		return 0, nil

	case reqGetConfiguration:
		if len(data) < 1 {
			return 0, pkg.ErrBufferTooSmall
		}
		data[0] = d.Configuration()
		return 1, nil

	case reqSetConfiguration:
		value := uint8(setup.Value)
		if value != 0 && d.configByValue(value) == nil {
			return 0, pkg.ErrStall
		}
		d.mu.Lock()
		d.config = value
		clear(d.alts)
		clear(d.halted)
		d.mu.Unlock()
		return 0, d.fn.Configured(value)

	case reqGetInterface:
		if len(data) < 1 {
			return 0, pkg.ErrBufferTooSmall
		}
		data[0] = d.AltSetting(uint8(setup.Index))
		return 1, nil

	case reqSetInterface:
		intf, alt := uint8(setup.Index), uint8(setup.Value)
		if !d.hasAltSetting(intf, alt) {
			return 0, pkg.ErrStall
		}
		d.mu.Lock()
		d.alts[intf] = alt
		d.mu.Unlock()
		return 0, d.fn.SetInterface(intf, alt)
	}
	return 0, pkg.ErrStall
}

// Transfer handles a data transfer.
func (d *Device) Transfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	d.mu.Lock()
	halted, configured := d.halted[endpoint], d.config != 0
	d.mu.Unlock()
	if halted {
		return 0, pkg.ErrStall
	}
	if !configured {
		return 0, pkg.ErrNotConfigured
	}
	return d.fn.Transfer(ctx, endpoint, data)
}

func (d *Device) getDescriptor(setup *hal.SetupPacket, data []byte) (int, error) {
	index := uint8(setup.Value)
	var src []byte
	switch uint8(setup.Value >> 8) {
	case descDevice:
		src = d.desc.Device
	case descConfiguration:
		if int(index) >= len(d.desc.Configs) {
			return 0, pkg.ErrStall
		}
		src = d.desc.Configs[index]
	case descString:
		src = d.desc.Strings[index]
	}
	if src == nil {
		return 0, pkg.ErrStall
	}
	return copy(data, src), nil
}

func (d *Device) configByValue(value uint8) []byte {
	for _, c := range d.desc.Configs {
		if len(c) > 5 && c[5] == value {
			return c
		}
	}
	return nil
}

// hasAltSetting scans the active configuration for an interface
// descriptor numbered intf with bAlternateSetting alt.
func (d *Device) hasAltSetting(intf, alt uint8) bool {
	cfg := d.configByValue(d.Configuration())
	for off := 0; off+1 < len(cfg); {
		length := int(cfg[off])
		if length < 2 || off+length > len(cfg) {
			return false
		}
		if cfg[off+1] == 0x04 && length >= 4 && cfg[off+2] == intf && cfg[off+3] == alt {
			return true
		}
		off += length
	}
	return false
}

var (
	_ Gadget    = (*Device)(nil)
	_ Suspender = (*Device)(nil)
)
