package host

import (
	"context"
	"errors"
)

// Driver errors.
var (
	ErrDriverExists   = errors.New("driver already registered")
	ErrDriverNotFound = errors.New("driver not registered")
	ErrAlreadyClaimed = errors.New("interface already claimed")
)

// MatchFlags selects which fields of a [DeviceID] take part in matching.
type MatchFlags uint16

// Match flags.
const (
	MatchVendor MatchFlags = 1 << iota
	MatchProduct
	MatchDeviceClass
	MatchDeviceSubClass
	MatchDeviceProtocol
	MatchInterfaceClass
	MatchInterfaceSubClass
	MatchInterfaceProtocol
	MatchInterfaceNumber
)

// MatchVendorAndInterfaceInfo matches a vendor ID together with an
// interface class triple.
const MatchVendorAndInterfaceInfo = MatchVendor | MatchInterfaceClass |
	MatchInterfaceSubClass | MatchInterfaceProtocol

// DeviceID is one entry of a driver's match table. A table ends at the
// first zero entry.
type DeviceID struct {
	Match MatchFlags

	VendorID  uint16
	ProductID uint16

	DeviceClass    uint8
	DeviceSubClass uint8
	DeviceProtocol uint8

	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceNumber   uint8

	// DriverInfo is opaque per-entry data handed to Probe.
	DriverInfo any
}

// IsZero reports whether id is the table terminator.
func (id *DeviceID) IsZero() bool {
	return id.Match == 0 && id.VendorID == 0 && id.ProductID == 0 &&
		id.DeviceClass == 0 && id.InterfaceClass == 0 && id.DriverInfo == nil
}

// Matches reports whether intf, in its current alternate setting, satisfies
// every field selected by id.Match.
func (id *DeviceID) Matches(intf *Interface) bool {
	dev := intf.Device()
	desc := dev.Descriptor()

	if id.Match&MatchVendor != 0 && id.VendorID != desc.VendorID {
		return false
	}
	if id.Match&MatchProduct != 0 && id.ProductID != desc.ProductID {
		return false
	}
	if id.Match&MatchDeviceClass != 0 && id.DeviceClass != desc.DeviceClass {
		return false
	}
	if id.Match&MatchDeviceSubClass != 0 && id.DeviceSubClass != desc.DeviceSubClass {
		return false
	}
	if id.Match&MatchDeviceProtocol != 0 && id.DeviceProtocol != desc.DeviceProtocol {
		return false
	}

	// Interface fields of a vendor-specific device only count when the
	// entry also pins the vendor.
	if desc.DeviceClass == ClassVendorSpec && id.Match&MatchVendor == 0 &&
		id.Match&(MatchInterfaceClass|MatchInterfaceSubClass|MatchInterfaceProtocol|MatchInterfaceNumber) != 0 {
		return false
	}

	alt := intf.Current()
	if id.Match&MatchInterfaceClass != 0 && id.InterfaceClass != alt.InterfaceClass {
		return false
	}
	if id.Match&MatchInterfaceSubClass != 0 && id.InterfaceSubClass != alt.InterfaceSubClass {
		return false
	}
	if id.Match&MatchInterfaceProtocol != 0 && id.InterfaceProtocol != alt.InterfaceProtocol {
		return false
	}
	if id.Match&MatchInterfaceNumber != 0 && id.InterfaceNumber != alt.InterfaceNumber {
		return false
	}
	return true
}

// MatchID returns the first entry of table matching intf, or nil. The scan
// stops at the zero terminator.
func MatchID(table []DeviceID, intf *Interface) *DeviceID {
	for i := range table {
		if table[i].IsZero() {
			break
		}
		if table[i].Matches(intf) {
			return &table[i]
		}
	}
	return nil
}

// Driver binds to matching interfaces of enumerated devices.
//
// Probe and Disconnect for the same interface are never called
// concurrently. Disconnect is called exactly once for every successful
// Probe, when the device goes away or the driver is deregistered.
type Driver interface {
	Name() string
	IDTable() []DeviceID
	Probe(ctx context.Context, intf *Interface, id *DeviceID) error
	Disconnect(intf *Interface)
}

// PowerManager is implemented by drivers that take part in device suspend.
type PowerManager interface {
	Suspend(intf *Interface) error
	Resume(intf *Interface) error
	ResetResume(intf *Interface) error
}

// PolicyProvider is implemented by drivers that declare static power policy.
type PolicyProvider interface {
	SupportsAutosuspend() bool
	DisableHubInitiatedLPM() bool
}
