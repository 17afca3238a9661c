package libusb

import (
	"context"
	"testing"

	"github.com/efficientgo/core/errors"
	"github.com/efficientgo/core/testutil"
	"github.com/google/gousb"

	"github.com/ardnew/idevncm/host/hal"
	"github.com/ardnew/idevncm/pkg"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{gousb.ErrorPipe, pkg.ErrStall},
		{gousb.TransferStall, pkg.ErrStall},
		{gousb.ErrorNoDevice, pkg.ErrNoDevice},
		{gousb.TransferNoDevice, pkg.ErrNoDevice},
		{gousb.ErrorTimeout, pkg.ErrTimeout},
		{gousb.TransferTimedOut, pkg.ErrTimeout},
		{gousb.TransferCancelled, pkg.ErrCancelled},
		{context.Canceled, pkg.ErrCancelled},
		{gousb.ErrorOverflow, pkg.ErrOverrun},
		{gousb.ErrorBusy, pkg.ErrBusy},
		{gousb.ErrorNotSupported, pkg.ErrNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			err := mapError(tt.err, "read endpoint %#02x", 0x83)
			testutil.Assert(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}

	err := mapError(gousb.ErrorAccess, "claim interface %d", 1)
	testutil.Assert(t, errors.Is(err, gousb.ErrorAccess), "unmapped error lost its cause: %v", err)
}

func TestSpeedOf(t *testing.T) {
	testutil.Equals(t, hal.SpeedLow, speedOf(gousb.SpeedLow))
	testutil.Equals(t, hal.SpeedFull, speedOf(gousb.SpeedFull))
	testutil.Equals(t, hal.SpeedHigh, speedOf(gousb.SpeedHigh))
	testutil.Equals(t, hal.SpeedSuper, speedOf(gousb.SpeedSuper))
	testutil.Equals(t, hal.SpeedUnknown, speedOf(gousb.SpeedUnknown))
}

func TestWantVendor(t *testing.T) {
	testutil.Assert(t, wantVendor(nil, 0x1234), "empty filter must accept everything")
	testutil.Assert(t, wantVendor([]uint16{0x05AC}, 0x05AC), "listed vendor rejected")
	testutil.Assert(t, !wantVendor([]uint16{0x05AC}, 0x1234), "unlisted vendor accepted")
}

func TestAddressing(t *testing.T) {
	h := New(Options{})
	a := &conn{port: 1, speed: hal.SpeedHigh}
	b := &conn{port: 2, speed: hal.SpeedFull}
	h.ports[0], h.ports[1] = a, b

	_, err := h.byAddress(0)
	testutil.Assert(t, errors.Is(err, pkg.ErrNoDevice), "address 0 resolved with no reset pending")

	testutil.Ok(t, h.ResetPort(2))
	c, err := h.byAddress(0)
	testutil.Ok(t, err)
	testutil.Equals(t, b, c)

	testutil.Ok(t, h.SetDeviceAddress(t.Context(), 7))
	c, err = h.byAddress(7)
	testutil.Ok(t, err)
	testutil.Equals(t, b, c)
	_, err = h.byAddress(0)
	testutil.Assert(t, errors.Is(err, pkg.ErrNoDevice), "address 0 still resolves after SET_ADDRESS")

	err = h.SetDeviceAddress(t.Context(), 8)
	testutil.Assert(t, errors.Is(err, pkg.ErrNoDevice), "SetDeviceAddress without reset: %v", err)

	err = h.ResetPort(3)
	testutil.Assert(t, errors.Is(err, pkg.ErrNoDevice), "reset of empty port: %v", err)
	err = h.ResetPort(MaxDevices + 1)
	testutil.Assert(t, errors.Is(err, pkg.ErrInvalidParameter), "reset of bad port: %v", err)
}

func TestPortStatus(t *testing.T) {
	h := New(Options{})
	h.ports[4] = &conn{port: 5, speed: hal.SpeedHigh}

	st, err := h.GetPortStatus(5)
	testutil.Ok(t, err)
	testutil.Equals(t, hal.PortStatus{Connected: true, Enabled: true, PowerOn: true, Speed: hal.SpeedHigh}, st)
	testutil.Equals(t, hal.SpeedHigh, h.PortSpeed(5))

	st, err = h.GetPortStatus(1)
	testutil.Ok(t, err)
	testutil.Assert(t, !st.Connected, "empty port reports a device")
	testutil.Equals(t, hal.SpeedUnknown, h.PortSpeed(1))

	_, err = h.GetPortStatus(0)
	testutil.Assert(t, errors.Is(err, pkg.ErrInvalidParameter), "port 0: %v", err)
}

func TestUnsupported(t *testing.T) {
	h := New(Options{})
	testutil.Equals(t, MaxDevices, h.NumPorts())
	testutil.Equals(t, DefaultScanInterval, h.opts.ScanInterval)
	testutil.Equals(t, DefaultTransferTimeout, h.opts.TransferTimeout)

	_, err := h.IsochronousTransfer(t.Context(), 1, 0x81, nil)
	testutil.Assert(t, errors.Is(err, pkg.ErrNotSupported), "isochronous: %v", err)
	testutil.Assert(t, errors.Is(h.Start(), pkg.ErrNotConfigured), "start before init")
}
