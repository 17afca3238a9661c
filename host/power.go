package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/idevncm/host/hal"
	"github.com/ardnew/idevncm/pkg"
)

// Suspend suspends the device. Every probed interface whose driver
// implements [PowerManager] is suspended first, in interface order; if any
// refuses, interfaces already suspended are resumed and the error returned.
func (d *Device) Suspend(ctx context.Context) error {
	d.host.bindMu.Lock()
	defer d.host.bindMu.Unlock()

	if d.State() == DeviceStateSuspended {
		return nil
	}

	var done []*Interface
	undo := func() {
		for i := len(done) - 1; i >= 0; i-- {
			if pm, ok := done[i].Driver().(PowerManager); ok {
				_ = pm.Resume(done[i])
			}
		}
	}

	wakeup := false
	for _, intf := range d.Interfaces() {
		if !intf.isProbed() {
			continue
		}
		wakeup = wakeup || intf.NeedsRemoteWakeup()
		pm, ok := intf.Driver().(PowerManager)
		if !ok {
			continue
		}
		if err := pm.Suspend(intf); err != nil {
			undo()
			return fmt.Errorf("suspend interface %d: %w", intf.number, err)
		}
		done = append(done, intf)
	}

	if cfg := d.ActiveConfig(); wakeup && cfg != nil && cfg.RemoteWakeup() {
		if err := d.SetFeature(ctx, FeatureDeviceRemoteWakeup); err != nil {
			undo()
			return fmt.Errorf("arm remote wakeup: %w", err)
		}
	}

	if ps, ok := d.host.hal.(hal.PortSuspender); ok {
		if err := ps.SuspendPort(d.port); err != nil {
			undo()
			return fmt.Errorf("suspend port %d: %w", d.port, err)
		}
	}

	d.setState(DeviceStateSuspended)
	pkg.LogDebug(pkg.ComponentHost, "device suspended", "address", d.address)
	return nil
}

// Resume resumes a suspended device. With reset set, drivers are resumed
// through ResetResume, as after a bus reset that lost device state.
func (d *Device) Resume(ctx context.Context, reset bool) error {
	d.host.bindMu.Lock()
	defer d.host.bindMu.Unlock()

	if d.State() != DeviceStateSuspended {
		return nil
	}

	if ps, ok := d.host.hal.(hal.PortSuspender); ok {
		if err := ps.ResumePort(d.port); err != nil {
			return fmt.Errorf("resume port %d: %w", d.port, err)
		}
	}
	d.setState(DeviceStateConfigured)

	var errs []error
	wakeup := false
	for _, intf := range d.Interfaces() {
		if !intf.isProbed() {
			continue
		}
		wakeup = wakeup || intf.NeedsRemoteWakeup()
		pm, ok := intf.Driver().(PowerManager)
		if !ok {
			continue
		}
		var err error
		if reset {
			err = pm.ResetResume(intf)
		} else {
			err = pm.Resume(intf)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("resume interface %d: %w", intf.number, err))
		}
	}

	if cfg := d.ActiveConfig(); wakeup && cfg != nil && cfg.RemoteWakeup() {
		if err := d.ClearFeature(ctx, FeatureDeviceRemoteWakeup); err != nil {
			pkg.LogDebug(pkg.ComponentHost, "disarm remote wakeup failed", "error", err)
		}
	}

	pkg.LogDebug(pkg.ComponentHost, "device resumed", "address", d.address, "reset", reset)
	return errors.Join(errs...)
}

// Autosuspend suspends the device only if every driver bound to it
// declares autosuspend support.
func (d *Device) Autosuspend(ctx context.Context) error {
	for _, intf := range d.Interfaces() {
		if !intf.isProbed() {
			continue
		}
		pp, ok := intf.Driver().(PolicyProvider)
		if !ok || !pp.SupportsAutosuspend() {
			return fmt.Errorf("autosuspend interface %d (%s): %w",
				intf.number, intf.Driver().Name(), pkg.ErrNotSupported)
		}
	}
	return d.Suspend(ctx)
}

// LPMAllowed reports whether hub-initiated link power management may be
// enabled for the device. Any bound driver can veto it.
func (d *Device) LPMAllowed() bool {
	for _, intf := range d.Interfaces() {
		drv := intf.Driver()
		if drv == nil {
			continue
		}
		if pp, ok := drv.(PolicyProvider); ok && pp.DisableHubInitiatedLPM() {
			return false
		}
	}
	return true
}
