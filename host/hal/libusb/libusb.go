package libusb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/google/gousb"

	"github.com/ardnew/idevncm/host/hal"
	"github.com/ardnew/idevncm/pkg"
)

// MaxDevices is the number of virtual root hub ports. Every opened device
// occupies one port.
const MaxDevices = 16

// Default timings.
const (
	DefaultScanInterval    = time.Second
	DefaultTransferTimeout = 5 * time.Second
)

// Standard requests the HAL emulates instead of forwarding.
const (
	requestSetAddress       = 0x05
	requestSetConfiguration = 0x09
	requestSetInterface     = 0x0B
)

// Options configures a HostHAL.
type Options struct {
	// VendorIDs limits the devices the HAL opens. Empty opens every device
	// the process has access to.
	VendorIDs []uint16

	// ScanInterval is the period of the bus rescan that detects arrivals
	// and removals.
	ScanInterval time.Duration

	// TransferTimeout bounds control transfers whose context carries no
	// deadline.
	TransferTimeout time.Duration

	// Debug is the libusb debug level (0-4).
	Debug int
}

type busKey struct {
	bus, address int
}

// conn is an opened device occupying one port.
type conn struct {
	key   busKey
	port  int
	addr  hal.DeviceAddress
	speed hal.Speed
	dev   *gousb.Device

	mu     sync.Mutex
	cfg    *gousb.Config
	intfs  map[uint8]*gousb.Interface
	alts   map[uint8]uint8
	in     map[uint8]*gousb.InEndpoint
	out    map[uint8]*gousb.OutEndpoint
	closed bool
}

// HostHAL implements hal.HostHAL on top of libusb. The operating system
// has already enumerated every device, so port reset and address
// assignment are bookkeeping only, and configuration and altsetting
// changes go through libusb.
type HostHAL struct {
	opts Options

	mu        sync.Mutex
	usb       *gousb.Context
	ports     [MaxDevices]*conn
	resetting int
	running   bool

	connectCh    chan int
	disconnectCh chan int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a libusb HAL. Call Init before use.
func New(opts Options) *HostHAL {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = DefaultScanInterval
	}
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = DefaultTransferTimeout
	}
	return &HostHAL{
		opts:         opts,
		connectCh:    make(chan int, MaxDevices),
		disconnectCh: make(chan int, MaxDevices),
	}
}

// =============================================================================
// Lifecycle Methods
// =============================================================================

// Init opens the libusb context.
func (h *HostHAL) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.usb != nil {
		return pkg.ErrBusy
	}
	h.usb = gousb.NewContext()
	if h.opts.Debug > 0 {
		h.usb.Debug(h.opts.Debug)
	}
	h.ctx, h.cancel = context.WithCancel(ctx)

	pkg.LogDebug(pkg.ComponentHAL, "libusb host HAL initialized", "vendors", len(h.opts.VendorIDs))
	return nil
}

// Start begins scanning the bus.
func (h *HostHAL) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.usb == nil {
		return pkg.ErrNotConfigured
	}
	if h.running {
		return pkg.ErrAlreadyRunning
	}
	h.running = true

	h.wg.Add(1)
	go h.scanLoop()

	pkg.LogDebug(pkg.ComponentHAL, "libusb host HAL started", "interval", h.opts.ScanInterval)
	return nil
}

// Stop ends bus scanning.
func (h *HostHAL) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
	return nil
}

// Close closes every opened device and the libusb context.
func (h *HostHAL) Close() error {
	h.Stop()

	h.mu.Lock()
	defer h.mu.Unlock()

	for i, c := range h.ports {
		if c != nil {
			c.close()
			h.ports[i] = nil
		}
	}
	if h.usb == nil {
		return nil
	}
	err := h.usb.Close()
	h.usb = nil
	if err != nil {
		return errors.Wrap(err, "close libusb context")
	}
	return nil
}

// =============================================================================
// Port Operations
// =============================================================================

// NumPorts returns the number of virtual ports.
func (h *HostHAL) NumPorts() int {
	return MaxDevices
}

func (h *HostHAL) byPort(port int) (*conn, error) {
	if port < 1 || port > MaxDevices {
		return nil, pkg.ErrInvalidParameter
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c := h.ports[port-1]; c != nil {
		return c, nil
	}
	return nil, pkg.ErrNoDevice
}

// GetPortStatus returns the status of a port.
func (h *HostHAL) GetPortStatus(port int) (hal.PortStatus, error) {
	c, err := h.byPort(port)
	if errors.Is(err, pkg.ErrNoDevice) {
		return hal.PortStatus{PowerOn: true}, nil
	}
	if err != nil {
		return hal.PortStatus{}, err
	}
	return hal.PortStatus{
		Connected: true,
		Enabled:   true,
		PowerOn:   true,
		Speed:     c.speed,
	}, nil
}

// PortSpeed returns the speed of the device on port.
func (h *HostHAL) PortSpeed(port int) hal.Speed {
	c, err := h.byPort(port)
	if err != nil {
		return hal.SpeedUnknown
	}
	return c.speed
}

// ResetPort marks the device on port as the target of address 0 until
// SetDeviceAddress. The device itself is not reset.
func (h *HostHAL) ResetPort(port int) error {
	c, err := h.byPort(port)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.resetting = port
	c.addr = 0
	h.mu.Unlock()
	return nil
}

// EnablePort is a no-op.
func (h *HostHAL) EnablePort(int, bool) error {
	return nil
}

// SetDeviceAddress gives the device being enumerated its bus address.
func (h *HostHAL) SetDeviceAddress(_ context.Context, addr hal.DeviceAddress) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.resetting == 0 || h.ports[h.resetting-1] == nil {
		return pkg.ErrNoDevice
	}
	h.ports[h.resetting-1].addr = addr
	h.resetting = 0
	return nil
}

func (h *HostHAL) byAddress(addr hal.DeviceAddress) (*conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if addr == 0 {
		if h.resetting != 0 && h.ports[h.resetting-1] != nil {
			return h.ports[h.resetting-1], nil
		}
		return nil, pkg.ErrNoDevice
	}
	for _, c := range h.ports {
		if c != nil && c.addr == addr {
			return c, nil
		}
	}
	return nil, pkg.ErrNoDevice
}

// =============================================================================
// Transfers
// =============================================================================

// ControlTransfer performs a control transfer. SET_CONFIGURATION and
// SET_INTERFACE are carried out through libusb so that its view of the
// claimed interfaces stays consistent.
func (h *HostHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	c, err := h.byAddress(addr)
	if err != nil {
		return 0, err
	}

	if setup.Kind() == 0 && !setup.IsIn() {
		switch setup.Request {
		case requestSetAddress:
			return 0, nil
		case requestSetConfiguration:
			return 0, c.setConfig(int(setup.Value & 0xFF))
		case requestSetInterface:
			return 0, c.setAlt(uint8(setup.Index), uint8(setup.Value))
		}
	}

	timeout := h.opts.TransferTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = max(time.Until(dl), time.Millisecond)
	}
	buf := data[:min(len(data), int(setup.Length))]
	c.mu.Lock()
	c.dev.ControlTimeout = timeout
	n, err := c.dev.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, buf)
	c.mu.Unlock()
	if err != nil {
		return n, mapError(err, "control request %#02x", setup.Request)
	}
	return n, nil
}

// BulkTransfer reads from or writes to a bulk endpoint of a claimed
// interface.
func (h *HostHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	c, err := h.byAddress(addr)
	if err != nil {
		return 0, err
	}
	var n int
	if endpoint&0x80 != 0 {
		ep, err := c.inEndpoint(endpoint)
		if err != nil {
			return 0, err
		}
		n, err = ep.ReadContext(ctx, data)
		if err != nil {
			return n, mapError(err, "read endpoint %#02x", endpoint)
		}
		return n, nil
	}
	ep, err := c.outEndpoint(endpoint)
	if err != nil {
		return 0, err
	}
	n, err = ep.WriteContext(ctx, data)
	if err != nil {
		return n, mapError(err, "write endpoint %#02x", endpoint)
	}
	return n, nil
}

// InterruptTransfer shares the bulk path; libusb picks the transfer type
// from the endpoint descriptor.
func (h *HostHAL) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return h.BulkTransfer(ctx, addr, endpoint, data)
}

// IsochronousTransfer is not supported.
func (h *HostHAL) IsochronousTransfer(context.Context, hal.DeviceAddress, uint8, []byte) (int, error) {
	return 0, pkg.ErrNotSupported
}

// ClaimInterface claims iface at its current altsetting. libusb detaches
// any kernel driver first.
func (h *HostHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	c, err := h.byAddress(addr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.intfs[iface]; ok {
		return nil
	}
	return c.claimLocked(iface, c.alts[iface])
}

// ReleaseInterface releases iface.
func (h *HostHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	c, err := h.byAddress(addr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(iface)
	return nil
}

// =============================================================================
// Connection Events
// =============================================================================

// WaitForConnection blocks until a device is opened on some port.
func (h *HostHAL) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.ctx.Done():
		return 0, pkg.ErrCancelled
	case port := <-h.connectCh:
		return port, nil
	}
}

// WaitForDisconnection blocks until a device leaves the bus.
func (h *HostHAL) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.ctx.Done():
		return 0, pkg.ErrCancelled
	case port := <-h.disconnectCh:
		return port, nil
	}
}

func (h *HostHAL) scanLoop() {
	defer h.wg.Done()

	t := time.NewTicker(h.opts.ScanInterval)
	defer t.Stop()
	for {
		h.scan()
		select {
		case <-h.ctx.Done():
			return
		case <-t.C:
		}
	}
}

// scan opens devices that appeared since the last pass and drops the ones
// that are gone.
func (h *HostHAL) scan() {
	h.mu.Lock()
	usb := h.usb
	tracked := make(map[busKey]bool)
	for _, c := range h.ports {
		if c != nil {
			tracked[c.key] = true
		}
	}
	h.mu.Unlock()
	if usb == nil {
		return
	}

	seen := make(map[busKey]bool)
	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		k := busKey{desc.Bus, desc.Address}
		if !wantVendor(h.opts.VendorIDs, uint16(desc.Vendor)) {
			return false
		}
		seen[k] = true
		return !tracked[k]
	})
	if err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "open devices", "error", err, "opened", len(devs))
	}

	for k := range tracked {
		if !seen[k] {
			h.remove(k)
		}
	}
	for _, d := range devs {
		h.add(d)
	}
}

func (h *HostHAL) add(d *gousb.Device) {
	if err := d.SetAutoDetach(true); err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "auto detach unavailable", "device", d.String(), "error", err)
	}

	h.mu.Lock()
	port := 0
	for i, c := range h.ports {
		if c == nil {
			port = i + 1
			break
		}
	}
	if port == 0 {
		h.mu.Unlock()
		pkg.LogWarn(pkg.ComponentHAL, "no free port", "device", d.String())
		d.Close()
		return
	}
	c := &conn{
		key:   busKey{d.Desc.Bus, d.Desc.Address},
		port:  port,
		speed: speedOf(d.Desc.Speed),
		dev:   d,
		intfs: make(map[uint8]*gousb.Interface),
		alts:  make(map[uint8]uint8),
		in:    make(map[uint8]*gousb.InEndpoint),
		out:   make(map[uint8]*gousb.OutEndpoint),
	}
	h.ports[port-1] = c
	h.mu.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "device connected",
		"port", port,
		"bus", c.key.bus,
		"dev", c.key.address,
		"vid", fmt.Sprintf("0x%04x", uint16(d.Desc.Vendor)),
		"pid", fmt.Sprintf("0x%04x", uint16(d.Desc.Product)))

	select {
	case h.connectCh <- port:
	default:
		pkg.LogWarn(pkg.ComponentHAL, "connection event dropped", "port", port)
	}
}

func (h *HostHAL) remove(k busKey) {
	h.mu.Lock()
	var c *conn
	for i, p := range h.ports {
		if p != nil && p.key == k {
			c = p
			h.ports[i] = nil
			break
		}
	}
	if c != nil && h.resetting == c.port {
		h.resetting = 0
	}
	h.mu.Unlock()
	if c == nil {
		return
	}

	c.close()
	pkg.LogDebug(pkg.ComponentHAL, "device disconnected", "port", c.port)

	select {
	case h.disconnectCh <- c.port:
	default:
		pkg.LogWarn(pkg.ComponentHAL, "disconnection event dropped", "port", c.port)
	}
}

// =============================================================================
// Device Connection
// =============================================================================

func (c *conn) setConfig(value int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for iface := range c.intfs {
		c.releaseLocked(iface)
	}
	clear(c.alts)
	if c.cfg != nil {
		c.cfg.Close()
		c.cfg = nil
	}
	if value == 0 {
		return nil
	}
	cfg, err := c.dev.Config(value)
	if err != nil {
		return mapError(err, "set configuration %d", value)
	}
	c.cfg = cfg
	return nil
}

func (c *conn) setAlt(iface, alt uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.alts[iface] = alt
	if _, ok := c.intfs[iface]; !ok {
		return nil
	}
	c.releaseLocked(iface)
	return c.claimLocked(iface, alt)
}

func (c *conn) claimLocked(iface, alt uint8) error {
	if c.cfg == nil {
		return pkg.ErrNotConfigured
	}
	intf, err := c.cfg.Interface(int(iface), int(alt))
	if err != nil {
		return mapError(err, "claim interface %d alt %d", iface, alt)
	}
	c.intfs[iface] = intf
	return nil
}

func (c *conn) releaseLocked(iface uint8) {
	intf, ok := c.intfs[iface]
	if !ok {
		return
	}
	for ep := range intf.Setting.Endpoints {
		delete(c.in, uint8(ep))
		delete(c.out, uint8(ep))
	}
	intf.Close()
	delete(c.intfs, iface)
}

// owner finds the claimed interface whose current setting carries ep.
func (c *conn) owner(ep uint8) (*gousb.Interface, error) {
	for _, intf := range c.intfs {
		if _, ok := intf.Setting.Endpoints[gousb.EndpointAddress(ep)]; ok {
			return intf, nil
		}
	}
	return nil, errors.Wrapf(pkg.ErrInvalidEndpoint, "endpoint %#02x not on a claimed interface", ep)
}

func (c *conn) inEndpoint(ep uint8) (*gousb.InEndpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if in, ok := c.in[ep]; ok {
		return in, nil
	}
	intf, err := c.owner(ep)
	if err != nil {
		return nil, err
	}
	in, err := intf.InEndpoint(int(ep & 0x0F))
	if err != nil {
		return nil, mapError(err, "open endpoint %#02x", ep)
	}
	c.in[ep] = in
	return in, nil
}

func (c *conn) outEndpoint(ep uint8) (*gousb.OutEndpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if out, ok := c.out[ep]; ok {
		return out, nil
	}
	intf, err := c.owner(ep)
	if err != nil {
		return nil, err
	}
	out, err := intf.OutEndpoint(int(ep & 0x0F))
	if err != nil {
		return nil, mapError(err, "open endpoint %#02x", ep)
	}
	c.out[ep] = out
	return out, nil
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for iface := range c.intfs {
		c.releaseLocked(iface)
	}
	if c.cfg != nil {
		c.cfg.Close()
	}
	c.dev.Close()
}

// =============================================================================
// Helpers
// =============================================================================

func wantVendor(ids []uint16, vid uint16) bool {
	if len(ids) == 0 {
		return true
	}
	for _, id := range ids {
		if id == vid {
			return true
		}
	}
	return false
}

func speedOf(s gousb.Speed) hal.Speed {
	switch s {
	case gousb.SpeedLow:
		return hal.SpeedLow
	case gousb.SpeedFull:
		return hal.SpeedFull
	case gousb.SpeedHigh:
		return hal.SpeedHigh
	case gousb.SpeedSuper:
		return hal.SpeedSuper
	default:
		return hal.SpeedUnknown
	}
}

// mapError translates libusb errors into the module's sentinel errors.
func mapError(err error, format string, args ...any) error {
	var sentinel error
	switch {
	case errors.Is(err, gousb.ErrorPipe), errors.Is(err, gousb.TransferStall):
		sentinel = pkg.ErrStall
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.TransferNoDevice):
		sentinel = pkg.ErrNoDevice
	case errors.Is(err, gousb.ErrorTimeout), errors.Is(err, gousb.TransferTimedOut):
		sentinel = pkg.ErrTimeout
	case errors.Is(err, gousb.TransferCancelled), errors.Is(err, context.Canceled):
		sentinel = pkg.ErrCancelled
	case errors.Is(err, gousb.ErrorOverflow), errors.Is(err, gousb.TransferOverflow):
		sentinel = pkg.ErrOverrun
	case errors.Is(err, gousb.ErrorBusy):
		sentinel = pkg.ErrBusy
	case errors.Is(err, gousb.ErrorNotSupported):
		sentinel = pkg.ErrNotSupported
	default:
		return errors.Wrapf(err, format, args...)
	}
	return errors.Wrapf(sentinel, format+": %v", append(args, err)...)
}

var _ hal.HostHAL = (*HostHAL)(nil)
