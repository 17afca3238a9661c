package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/idevncm/host/hal"
	"github.com/ardnew/idevncm/pkg"
)

// Errors.
var (
	ErrNoPort      = errors.New("no such port")
	ErrPortBusy    = errors.New("port already has a gadget attached")
	ErrNotAttached = errors.New("no gadget attached")
)

// Gadget is the device side of a simulated port.
type Gadget interface {
	// Speed returns the speed the gadget signals on attach.
	Speed() hal.Speed

	// Reset returns the gadget to its default state after a bus reset.
	Reset()

	// Control handles a request on the default control pipe. Requests
	// that should stall return pkg.ErrStall.
	Control(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error)

	// Transfer handles a bulk or interrupt transfer on endpoint. IN
	// transfers block until data is ready or ctx ends.
	Transfer(ctx context.Context, endpoint uint8, data []byte) (int, error)
}

// Suspender is implemented by gadgets that observe bus suspend.
type Suspender interface {
	Suspend()
	Resume()
}

// event is one hotplug notification.
type event struct {
	port    int
	connect bool
}

type port struct {
	gadget    Gadget
	address   hal.DeviceAddress
	enabled   bool
	suspended bool
	claimed   map[uint8]bool
}

// HostHAL implements hal.HostHAL over in-process gadgets. Hotplug events
// are delivered in the order Attach and Detach were called: a connect is
// not handed out before the disconnect queued ahead of it was taken.
type HostHAL struct {
	mu    sync.RWMutex
	ports []port // index 0 is port 1

	// Port reset most recently, answering at address 0.
	defaultPort int

	queue        chan event
	connectCh    chan int
	disconnectCh chan int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a simulated root hub with numPorts ports.
func New(numPorts int) *HostHAL {
	return &HostHAL{
		ports:        make([]port, max(numPorts, 1)),
		queue:        make(chan event, 64),
		connectCh:    make(chan int),
		disconnectCh: make(chan int),
	}
}

// Init initializes the HAL.
func (h *HostHAL) Init(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)
	pkg.LogDebug(pkg.ComponentHAL, "simulated HAL initialized", "ports", len(h.ports))
	return nil
}

// Start starts delivering hotplug events, including any queued before
// Start.
func (h *HostHAL) Start() error {
	if h.ctx == nil {
		return pkg.ErrNotConfigured
	}
	h.wg.Add(1)
	go h.dispatch()
	return nil
}

// Stop stops event delivery.
func (h *HostHAL) Stop() error {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	return nil
}

// Close releases the HAL.
func (h *HostHAL) Close() error {
	return h.Stop()
}

// NumPorts returns the number of root hub ports.
func (h *HostHAL) NumPorts() int {
	return len(h.ports)
}

func (h *HostHAL) port(n int) (*port, error) {
	if n < 1 || n > len(h.ports) {
		return nil, fmt.Errorf("port %d: %w", n, ErrNoPort)
	}
	return &h.ports[n-1], nil
}

// Attach connects g to port n.
func (h *HostHAL) Attach(n int, g Gadget) error {
	h.mu.Lock()
	p, err := h.port(n)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if p.gadget != nil {
		h.mu.Unlock()
		return fmt.Errorf("port %d: %w", n, ErrPortBusy)
	}
	*p = port{gadget: g, claimed: make(map[uint8]bool)}
	h.mu.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "gadget attached", "port", n, "speed", g.Speed())
	h.queue <- event{port: n, connect: true}
	return nil
}

// Detach disconnects the gadget on port n.
func (h *HostHAL) Detach(n int) error {
	h.mu.Lock()
	p, err := h.port(n)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if p.gadget == nil {
		h.mu.Unlock()
		return fmt.Errorf("port %d: %w", n, ErrNotAttached)
	}
	*p = port{}
	if h.defaultPort == n {
		h.defaultPort = 0
	}
	h.mu.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "gadget detached", "port", n)
	h.queue <- event{port: n}
	return nil
}

// Reattach detaches the gadget on port n and attaches g in its place,
// as a device does when it re-enumerates with new descriptors.
func (h *HostHAL) Reattach(n int, g Gadget) error {
	if err := h.Detach(n); err != nil {
		return err
	}
	return h.Attach(n, g)
}

// Gadget returns the gadget attached to port n, or nil.
func (h *HostHAL) Gadget(n int) Gadget {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, err := h.port(n)
	if err != nil {
		return nil
	}
	return p.gadget
}

func (h *HostHAL) dispatch() {
	defer h.wg.Done()
	for {
		var ev event
		select {
		case <-h.ctx.Done():
			return
		case ev = <-h.queue:
		}

		ch := h.disconnectCh
		if ev.connect {
			ch = h.connectCh
		}
		select {
		case <-h.ctx.Done():
			return
		case ch <- ev.port:
		}
	}
}

// GetPortStatus returns the status of a port.
func (h *HostHAL) GetPortStatus(n int) (hal.PortStatus, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, err := h.port(n)
	if err != nil {
		return hal.PortStatus{}, err
	}
	st := hal.PortStatus{
		PowerOn:   true,
		Connected: p.gadget != nil,
		Enabled:   p.enabled,
		Suspended: p.suspended,
	}
	if p.gadget != nil {
		st.Speed = p.gadget.Speed()
	}
	return st, nil
}

// PortSpeed returns the speed of the gadget on port n.
func (h *HostHAL) PortSpeed(n int) hal.Speed {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, err := h.port(n)
	if err != nil || p.gadget == nil {
		return hal.SpeedUnknown
	}
	return p.gadget.Speed()
}

// ResetPort resets port n. Its gadget answers at address 0 until
// SetDeviceAddress.
func (h *HostHAL) ResetPort(n int) error {
	h.mu.Lock()
	p, err := h.port(n)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if p.gadget == nil {
		h.mu.Unlock()
		return fmt.Errorf("reset port %d: %w", n, pkg.ErrNoDevice)
	}
	g := p.gadget
	p.address = 0
	p.enabled = true
	p.suspended = false
	clear(p.claimed)
	h.defaultPort = n
	h.mu.Unlock()

	g.Reset()
	return nil
}

// EnablePort enables or disables port n.
func (h *HostHAL) EnablePort(n int, enable bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, err := h.port(n)
	if err != nil {
		return err
	}
	p.enabled = enable
	return nil
}

// SuspendPort suspends port n.
func (h *HostHAL) SuspendPort(n int) error {
	return h.setSuspended(n, true)
}

// ResumePort resumes port n.
func (h *HostHAL) ResumePort(n int) error {
	return h.setSuspended(n, false)
}

func (h *HostHAL) setSuspended(n int, on bool) error {
	h.mu.Lock()
	p, err := h.port(n)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if p.gadget == nil {
		h.mu.Unlock()
		return pkg.ErrNoDevice
	}
	p.suspended = on
	g := p.gadget
	h.mu.Unlock()

	if s, ok := g.(Suspender); ok {
		if on {
			s.Suspend()
		} else {
			s.Resume()
		}
	}
	return nil
}

// lookup returns the gadget answering at addr.
func (h *HostHAL) lookup(addr hal.DeviceAddress) (Gadget, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if addr == 0 {
		if h.defaultPort == 0 {
			return nil, pkg.ErrNoDevice
		}
		p := &h.ports[h.defaultPort-1]
		if p.gadget == nil || p.address != 0 {
			return nil, pkg.ErrNoDevice
		}
		return p.gadget, nil
	}

	for i := range h.ports {
		p := &h.ports[i]
		if p.gadget == nil || p.address != addr {
			continue
		}
		if p.suspended {
			return nil, fmt.Errorf("port %d suspended: %w", i+1, pkg.ErrInvalidState)
		}
		return p.gadget, nil
	}
	return nil, pkg.ErrNoDevice
}

// ControlTransfer performs a control transfer.
func (h *HostHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	if setup.Request == 0x05 && setup.RequestType == 0x00 {
		return 0, h.SetDeviceAddress(ctx, hal.DeviceAddress(setup.Value))
	}
	g, err := h.lookup(addr)
	if err != nil {
		return 0, err
	}
	return g.Control(ctx, setup, data)
}

// BulkTransfer performs a bulk transfer.
func (h *HostHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	g, err := h.lookup(addr)
	if err != nil {
		return 0, err
	}
	return g.Transfer(ctx, endpoint, data)
}

// InterruptTransfer performs an interrupt transfer.
func (h *HostHAL) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	g, err := h.lookup(addr)
	if err != nil {
		return 0, err
	}
	return g.Transfer(ctx, endpoint, data)
}

// IsochronousTransfer is not simulated.
func (h *HostHAL) IsochronousTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return 0, pkg.ErrNotSupported
}

// SetDeviceAddress moves the gadget answering at address 0 to newAddr.
func (h *HostHAL) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.defaultPort == 0 {
		return pkg.ErrNoDevice
	}
	p := &h.ports[h.defaultPort-1]
	if p.gadget == nil || p.address != 0 {
		return pkg.ErrNoDevice
	}
	p.address = newAddr
	h.defaultPort = 0
	return nil
}

func (h *HostHAL) portAt(addr hal.DeviceAddress) *port {
	for i := range h.ports {
		if h.ports[i].gadget != nil && h.ports[i].address == addr {
			return &h.ports[i]
		}
	}
	return nil
}

// ClaimInterface claims an interface for exclusive use.
func (h *HostHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.portAt(addr)
	if p == nil {
		return pkg.ErrNoDevice
	}
	if p.claimed[iface] {
		return fmt.Errorf("interface %d: %w", iface, pkg.ErrBusy)
	}
	p.claimed[iface] = true
	return nil
}

// ReleaseInterface releases a claimed interface.
func (h *HostHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.portAt(addr)
	if p == nil {
		return pkg.ErrNoDevice
	}
	delete(p.claimed, iface)
	return nil
}

// WaitForConnection waits for a gadget to attach.
func (h *HostHAL) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case n := <-h.connectCh:
		return n, nil
	}
}

// WaitForDisconnection waits for a gadget to detach.
func (h *HostHAL) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case n := <-h.disconnectCh:
		return n, nil
	}
}

var (
	_ hal.HostHAL       = (*HostHAL)(nil)
	_ hal.PortSuspender = (*HostHAL)(nil)
)
