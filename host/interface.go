package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/idevncm/host/hal"
	"github.com/ardnew/idevncm/pkg"
)

// Interface is one interface of the active configuration, with all of its
// alternate settings. Drivers bind to interfaces, not devices.
type Interface struct {
	dev    *Device
	number uint8
	alts   []AltSetting

	mu                sync.RWMutex
	cur               int
	driver            Driver
	probed            bool
	data              any
	needsRemoteWakeup bool
}

func newInterface(dev *Device, number uint8, alts []AltSetting) *Interface {
	return &Interface{dev: dev, number: number, alts: alts}
}

// Device returns the device owning the interface.
func (i *Interface) Device() *Device {
	return i.dev
}

// Number returns bInterfaceNumber.
func (i *Interface) Number() uint8 {
	return i.number
}

// AltSettings returns every alternate setting of the interface.
// The returned slice references internal storage; do not modify.
func (i *Interface) AltSettings() []AltSetting {
	return i.alts
}

// AltSetting returns the alternate setting numbered alt, or nil.
func (i *Interface) AltSetting(alt uint8) *AltSetting {
	for k := range i.alts {
		if i.alts[k].AlternateSetting == alt {
			return &i.alts[k]
		}
	}
	return nil
}

// Current returns the active alternate setting.
func (i *Interface) Current() *AltSetting {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return &i.alts[i.cur]
}

// SetAltSetting selects alternate setting alt with SET_INTERFACE.
func (i *Interface) SetAltSetting(ctx context.Context, alt uint8) error {
	idx := -1
	for k := range i.alts {
		if i.alts[k].AlternateSetting == alt {
			idx = k
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("interface %d has no altsetting %d: %w", i.number, alt, pkg.ErrInvalidParameter)
	}

	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeInterface,
		Request:     RequestSetInterface,
		Value:       uint16(alt),
		Index:       uint16(i.number),
	}
	_, err := i.dev.ControlTransfer(ctx, &setup, nil)
	// Single-setting interfaces may stall SET_INTERFACE.
	if err != nil && !(len(i.alts) == 1 && errors.Is(err, pkg.ErrStall)) {
		return fmt.Errorf("set interface %d altsetting %d: %w", i.number, alt, err)
	}

	i.mu.Lock()
	i.cur = idx
	i.mu.Unlock()

	pkg.LogDebug(pkg.ComponentHost, "altsetting selected",
		"address", i.dev.Address(), "interface", i.number, "alt", alt)
	return nil
}

// Driver returns the driver bound to the interface, or nil.
func (i *Interface) Driver() Driver {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.driver
}

// DriverData returns the driver's private data for the interface.
func (i *Interface) DriverData() any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.data
}

// SetDriverData stores driver private data on the interface.
func (i *Interface) SetDriverData(v any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.data = v
}

// SetNeedsRemoteWakeup records whether the bound driver wants remote wakeup
// armed while the device is suspended.
func (i *Interface) SetNeedsRemoteWakeup(on bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.needsRemoteWakeup = on
}

// NeedsRemoteWakeup reports the value set by SetNeedsRemoteWakeup.
func (i *Interface) NeedsRemoteWakeup() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.needsRemoteWakeup
}

func (i *Interface) String() string {
	return fmt.Sprintf("%d-%d:%d", i.dev.Port(), i.dev.Address(), i.number)
}

// bind attaches d without calling Probe. Returns ErrAlreadyClaimed if
// another driver holds the interface.
func (i *Interface) bind(d Driver, probed bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.driver != nil {
		return ErrAlreadyClaimed
	}
	i.driver = d
	i.probed = probed
	return nil
}

// unbind detaches the driver and clears its private data.
func (i *Interface) unbind() (d Driver, probed bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	d, probed = i.driver, i.probed
	i.driver = nil
	i.probed = false
	i.data = nil
	i.needsRemoteWakeup = false
	return d, probed
}

func (i *Interface) isProbed() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.probed
}
