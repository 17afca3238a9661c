package host

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/ardnew/idevncm/pkg"
)

// powerDriver adds suspend support and power policy to testDriver.
type powerDriver struct {
	*testDriver

	suspendErr  error
	autosuspend bool
	disableLPM  bool
	wakeup      bool

	mu     sync.Mutex
	events []string
}

func (d *powerDriver) Probe(ctx context.Context, intf *Interface, id *DeviceID) error {
	if err := d.testDriver.Probe(ctx, intf, id); err != nil {
		return err
	}
	intf.SetNeedsRemoteWakeup(d.wakeup)
	return nil
}

func (d *powerDriver) record(ev string) {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
}

func (d *powerDriver) log() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.events)
}

func (d *powerDriver) Suspend(intf *Interface) error {
	if d.suspendErr != nil {
		return d.suspendErr
	}
	d.record("suspend")
	return nil
}

func (d *powerDriver) Resume(intf *Interface) error {
	d.record("resume")
	return nil
}

func (d *powerDriver) ResetResume(intf *Interface) error {
	d.record("reset-resume")
	return nil
}

func (d *powerDriver) SupportsAutosuspend() bool    { return d.autosuspend }
func (d *powerDriver) DisableHubInitiatedLPM() bool { return d.disableLPM }

var (
	_ PowerManager   = (*powerDriver)(nil)
	_ PolicyProvider = (*powerDriver)(nil)
)

func TestDevice_SuspendResume(t *testing.T) {
	mock := newMockHAL()
	drv := &powerDriver{testDriver: &testDriver{name: "ncm", table: ncmTable()}, wakeup: true}
	h := startHost(t, mock, chooseValue(5), drv)
	dev := connect(t, h, mock, 1)

	if err := dev.Suspend(t.Context()); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if dev.State() != DeviceStateSuspended {
		t.Errorf("State() = %v, want Suspended", dev.State())
	}
	// The config advertises remote wakeup and the driver asked for it.
	sets := mock.requestsFor(RequestSetFeature)
	if len(sets) != 1 || sets[0].Value != FeatureDeviceRemoteWakeup {
		t.Errorf("SET_FEATURE requests = %+v, want remote wakeup", sets)
	}

	// Suspending twice is a no-op.
	if err := dev.Suspend(t.Context()); err != nil {
		t.Errorf("second Suspend: %v", err)
	}

	if err := dev.Resume(t.Context(), true); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if dev.State() != DeviceStateConfigured {
		t.Errorf("State() = %v, want Configured", dev.State())
	}
	if got := drv.log(); !slices.Equal(got, []string{"suspend", "reset-resume"}) {
		t.Errorf("events = %v", got)
	}
	if clr := mock.requestsFor(RequestClearFeature); len(clr) != 1 {
		t.Errorf("CLEAR_FEATURE requests = %d, want 1", len(clr))
	}
	if mock.suspended != 1 || mock.resumed != 1 {
		t.Errorf("port suspend/resume = %d/%d, want 1/1", mock.suspended, mock.resumed)
	}
}

func TestDevice_SuspendNoWakeup(t *testing.T) {
	mock := newMockHAL()
	drv := &powerDriver{testDriver: &testDriver{name: "ncm", table: ncmTable()}}
	h := startHost(t, mock, chooseValue(5), drv)
	dev := connect(t, h, mock, 1)

	if err := dev.Suspend(t.Context()); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if sets := mock.requestsFor(RequestSetFeature); len(sets) != 0 {
		t.Errorf("remote wakeup armed without a request: %+v", sets)
	}
	if err := dev.Resume(t.Context(), false); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := drv.log(); !slices.Equal(got, []string{"suspend", "resume"}) {
		t.Errorf("events = %v", got)
	}
}

func TestDevice_SuspendRefused(t *testing.T) {
	mock := newMockHAL()
	mux := &powerDriver{testDriver: &testDriver{name: "mux", table: muxTable()}}
	ncm := &powerDriver{
		testDriver: &testDriver{name: "ncm", table: ncmTable()},
		suspendErr: pkg.ErrBusy,
	}
	h := startHost(t, mock, chooseValue(5), mux, ncm)
	dev := connect(t, h, mock, 1)

	err := dev.Suspend(t.Context())
	if !errors.Is(err, pkg.ErrBusy) {
		t.Fatalf("Suspend = %v, want ErrBusy", err)
	}
	if dev.State() != DeviceStateConfigured {
		t.Errorf("State() = %v, want Configured", dev.State())
	}
	// Interface 0 was suspended first and must be resumed again.
	if got := mux.log(); !slices.Equal(got, []string{"suspend", "resume"}) {
		t.Errorf("mux events = %v, want [suspend resume]", got)
	}
	if mock.suspended != 0 {
		t.Error("port suspended despite driver refusal")
	}
}

func TestDevice_Autosuspend(t *testing.T) {
	tests := []struct {
		name        string
		autosuspend bool
		wantErr     error
	}{
		{"Supported", true, nil},
		{"Unsupported", false, pkg.ErrNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockHAL()
			drv := &powerDriver{
				testDriver:  &testDriver{name: "ncm", table: ncmTable()},
				autosuspend: tt.autosuspend,
			}
			h := startHost(t, mock, chooseValue(5), drv)
			dev := connect(t, h, mock, 1)

			err := dev.Autosuspend(t.Context())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Autosuspend = %v, want %v", err, tt.wantErr)
			}
			if suspended := dev.State() == DeviceStateSuspended; suspended != (tt.wantErr == nil) {
				t.Errorf("suspended = %v", suspended)
			}
		})
	}
}

func TestDevice_AutosuspendPlainDriver(t *testing.T) {
	mock := newMockHAL()
	h := startHost(t, mock, chooseValue(5), &testDriver{name: "plain", table: ncmTable()})
	dev := connect(t, h, mock, 1)

	if err := dev.Autosuspend(t.Context()); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("Autosuspend = %v, want ErrNotSupported", err)
	}
}

func TestDevice_LPMAllowed(t *testing.T) {
	mock := newMockHAL()
	drv := &powerDriver{testDriver: &testDriver{name: "ncm", table: ncmTable()}, disableLPM: true}
	h := startHost(t, mock, chooseValue(5))
	dev := connect(t, h, mock, 1)

	if !dev.LPMAllowed() {
		t.Error("LPMAllowed() = false with no drivers bound")
	}
	if err := h.RegisterDriver(drv); err != nil {
		t.Fatalf("RegisterDriver: %v", err)
	}
	if dev.LPMAllowed() {
		t.Error("LPMAllowed() = true with a vetoing driver bound")
	}
}
