package usbnet

import (
	"github.com/ardnew/idevncm/host"
	"github.com/ardnew/idevncm/pkg"
)

// Suspend quiesces the device bound to intf. It refuses with pkg.ErrBusy
// while a transmission is in flight. Nested suspends are counted.
func Suspend(intf *host.Interface) error {
	d, _ := intf.DriverData().(*Device)
	if d == nil {
		return nil
	}

	d.mu.Lock()
	if d.suspended > 0 {
		d.suspended++
		d.mu.Unlock()
		return nil
	}
	if d.txBusy {
		d.mu.Unlock()
		return pkg.ErrBusy
	}
	d.suspended++
	d.cancelRxLocked()
	if d.statusBusy && d.tm != nil {
		_ = d.tm.Cancel(d.statusID)
	}
	d.mu.Unlock()

	d.net.Detach()
	pkg.LogDebug(pkg.ComponentUSBNet, "suspended", "netdev", d.net.Name())
	return nil
}

// Resume restarts the device bound to intf after the last nested Suspend.
func Resume(intf *host.Interface) error {
	d, _ := intf.DriverData().(*Device)
	if d == nil {
		return nil
	}

	d.mu.Lock()
	if d.suspended == 0 {
		d.mu.Unlock()
		return nil
	}
	d.suspended--
	if d.suspended > 0 {
		d.mu.Unlock()
		return nil
	}
	d.kickStatusLocked()
	d.kickRxLocked()
	d.kickTxLocked()
	d.mu.Unlock()

	d.net.Attach()
	pkg.LogDebug(pkg.ComponentUSBNet, "resumed", "netdev", d.net.Name())
	return nil
}

// ManagePower asks for remote wakeup while the interface is open.
func ManagePower(d *Device, on bool) error {
	d.intf.SetNeedsRemoteWakeup(on)
	return nil
}
