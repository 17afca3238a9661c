package host

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/ardnew/idevncm/host/hal"
	"github.com/ardnew/idevncm/pkg"
)

// Host manages the USB host controller, connected devices and the drivers
// bound to their interfaces.
type Host struct {
	hal hal.HostHAL

	// Connected devices (indexed by address - 1)
	devices     [MaxDevices]*Device
	deviceCount int

	// Next available address, and addresses handed out
	nextAddress uint8
	inUse       [MaxDevices]bool

	// Registered drivers, in registration order
	drivers []Driver
	chooser ConfigurationChooser

	// State
	running bool
	mutex   sync.RWMutex

	// bindMu serializes probe, disconnect and power transitions.
	bindMu sync.Mutex

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Event channels
	deviceConnected    chan *Device
	deviceDisconnected chan *Device

	// Callbacks
	onDeviceConnect    func(*Device)
	onDeviceDisconnect func(*Device)
}

// New creates a new USB host.
func New(h hal.HostHAL) *Host {
	return &Host{
		hal:                h,
		nextAddress:        1,
		chooser:            FirstConfiguration,
		deviceConnected:    make(chan *Device, MaxDevices),
		deviceDisconnected: make(chan *Device, MaxDevices),
	}
}

// HAL returns the host controller abstraction.
func (h *Host) HAL() hal.HostHAL {
	return h.hal
}

// Start starts the host controller. Values carried by ctx are visible to
// driver Probe calls.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	if h.running {
		h.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mutex.Unlock()

	if err := h.hal.Init(h.ctx); err != nil {
		return err
	}

	if err := h.hal.Start(); err != nil {
		return err
	}

	h.mutex.Lock()
	h.running = true
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "host started", "ports", h.hal.NumPorts())

	h.wg.Add(2)
	go h.monitorConnections()
	go h.monitorDisconnections()

	return nil
}

// Stop disconnects every driver, forgets all devices and stops the host
// controller.
func (h *Host) Stop() error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}
	h.running = false
	h.mutex.Unlock()

	for _, dev := range h.Devices() {
		h.removeDevice(dev)
	}

	h.cancel()
	h.wg.Wait()

	if err := h.hal.Stop(); err != nil {
		return err
	}

	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return nil
}

// IsRunning returns true if the host is running.
func (h *Host) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// SetConfigurationChooser replaces the policy used to pick a configuration
// for newly enumerated devices. A nil chooser restores FirstConfiguration.
func (h *Host) SetConfigurationChooser(fn ConfigurationChooser) {
	if fn == nil {
		fn = FirstConfiguration
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.chooser = fn
}

// RegisterDriver adds d to the driver list and offers it every unbound
// interface of the devices already present.
func (h *Host) RegisterDriver(d Driver) error {
	h.mutex.Lock()
	for _, have := range h.drivers {
		if have.Name() == d.Name() {
			h.mutex.Unlock()
			return ErrDriverExists
		}
	}
	h.drivers = append(h.drivers, d)
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "driver registered", "driver", d.Name())

	for _, dev := range h.Devices() {
		h.bindInterfaces(dev)
	}
	return nil
}

// DeregisterDriver disconnects d from every interface it is bound to and
// removes it from the driver list.
func (h *Host) DeregisterDriver(d Driver) error {
	h.mutex.Lock()
	idx := slices.Index(h.drivers, d)
	if idx < 0 {
		h.mutex.Unlock()
		return ErrDriverNotFound
	}
	h.drivers = slices.Delete(h.drivers, idx, idx+1)
	h.mutex.Unlock()

	for _, dev := range h.Devices() {
		h.unbindInterfaces(dev, d)
	}
	return nil
}

// Drivers returns the registered drivers.
func (h *Host) Drivers() []Driver {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return slices.Clone(h.drivers)
}

// Devices returns all connected devices.
func (h *Host) Devices() []*Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	result := make([]*Device, 0, h.deviceCount)
	for i := range MaxDevices {
		if h.devices[i] != nil {
			result = append(result, h.devices[i])
		}
	}
	return result
}

// GetDevice returns the device at the given address.
func (h *Host) GetDevice(address uint8) *Device {
	if address == 0 || address > MaxDevices {
		return nil
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.devices[address-1]
}

// WaitDevice blocks until a device connects and is enumerated.
func (h *Host) WaitDevice(ctx context.Context) (*Device, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.ctx.Done():
		return nil, pkg.ErrCancelled
	case dev := <-h.deviceConnected:
		return dev, nil
	}
}

// WaitDisconnect blocks until a device is removed.
func (h *Host) WaitDisconnect(ctx context.Context) (*Device, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.ctx.Done():
		return nil, pkg.ErrCancelled
	case dev := <-h.deviceDisconnected:
		return dev, nil
	}
}

// SetOnDeviceConnect sets the callback for device connection. It runs after
// drivers have been offered the device's interfaces.
func (h *Host) SetOnDeviceConnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceConnect = cb
}

// SetOnDeviceDisconnect sets the callback for device disconnection. It runs
// after every driver has been disconnected.
func (h *Host) SetOnDeviceDisconnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceDisconnect = cb
}

// monitorConnections enumerates devices as they connect.
func (h *Host) monitorConnections() {
	defer h.wg.Done()
	for {
		port, err := h.hal.WaitForConnection(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentHost, "error waiting for connection",
				"error", err)
			continue
		}

		pkg.LogInfo(pkg.ComponentHost, "device connected", "port", port)

		// A port reports a new connection only after the old one left.
		for _, stale := range h.Devices() {
			if stale.port == port {
				h.removeDevice(stale)
			}
		}

		dev, err := h.enumerateDevice(port)
		if err != nil {
			pkg.LogWarn(pkg.ComponentHost, "enumeration failed",
				"port", port,
				"error", err)
			continue
		}

		h.mutex.Lock()
		h.devices[dev.address-1] = dev
		h.deviceCount++
		cb := h.onDeviceConnect
		h.mutex.Unlock()

		pkg.LogInfo(pkg.ComponentHost, "device enumerated",
			"address", dev.address,
			"vendor", dev.descriptor.VendorID,
			"product", dev.descriptor.ProductID)

		h.bindInterfaces(dev)

		select {
		case h.deviceConnected <- dev:
		default:
		}

		if cb != nil {
			cb(dev)
		}
	}
}

// monitorDisconnections removes devices as their ports report disconnect.
func (h *Host) monitorDisconnections() {
	defer h.wg.Done()
	for {
		port, err := h.hal.WaitForDisconnection(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentHost, "error waiting for disconnection",
				"error", err)
			continue
		}

		for _, dev := range h.Devices() {
			if dev.port == port {
				h.removeDevice(dev)
			}
		}
	}
}

// removeDevice disconnects drivers, forgets dev and notifies listeners.
func (h *Host) removeDevice(dev *Device) {
	// Both monitors may race to remove the same device; the first one to
	// clear the slot owns the teardown.
	h.mutex.Lock()
	if dev.address == 0 || dev.address > MaxDevices || h.devices[dev.address-1] != dev {
		h.mutex.Unlock()
		return
	}
	h.devices[dev.address-1] = nil
	h.deviceCount--
	dev.setState(DeviceStateDetached)
	h.mutex.Unlock()

	h.unbindInterfaces(dev, nil)

	h.mutex.Lock()
	h.inUse[dev.address-1] = false
	cb := h.onDeviceDisconnect
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "device disconnected",
		"port", dev.port,
		"address", dev.address)

	select {
	case h.deviceDisconnected <- dev:
	default:
	}

	if cb != nil {
		cb(dev)
	}
}

// bindInterfaces offers every unbound interface of dev to the registered
// drivers in registration order. The first driver whose table matches and
// whose Probe succeeds keeps the interface.
func (h *Host) bindInterfaces(dev *Device) {
	h.bindMu.Lock()
	defer h.bindMu.Unlock()

	drivers := h.Drivers()
	for _, intf := range dev.Interfaces() {
		for _, drv := range drivers {
			if intf.Driver() != nil {
				break
			}
			id := MatchID(drv.IDTable(), intf)
			if id == nil {
				continue
			}
			if err := h.probe(drv, intf, id); err != nil {
				if errors.Is(err, pkg.ErrNoDevice) {
					pkg.LogDebug(pkg.ComponentHost, "driver declined interface",
						"driver", drv.Name(), "interface", intf.String(), "error", err)
				} else {
					pkg.LogWarn(pkg.ComponentHost, "probe failed",
						"driver", drv.Name(), "interface", intf.String(), "error", err)
				}
				continue
			}
			pkg.LogInfo(pkg.ComponentHost, "driver bound",
				"driver", drv.Name(), "interface", intf.String())
		}
	}
}

func (h *Host) probe(drv Driver, intf *Interface, id *DeviceID) error {
	if err := intf.bind(drv, true); err != nil {
		return err
	}
	addr := hal.DeviceAddress(intf.dev.address)
	if err := h.hal.ClaimInterface(addr, intf.number); err != nil {
		intf.unbind()
		return err
	}
	if err := drv.Probe(h.ctx, intf, id); err != nil {
		intf.unbind()
		_ = h.hal.ReleaseInterface(addr, intf.number)
		return err
	}
	return nil
}

// unbindInterfaces disconnects drv (or every driver when drv is nil) from
// the interfaces of dev, last interface first. Interfaces claimed without
// a probe are released without a Disconnect call.
func (h *Host) unbindInterfaces(dev *Device, drv Driver) {
	h.bindMu.Lock()
	defer h.bindMu.Unlock()

	intfs := dev.Interfaces()
	for i := len(intfs) - 1; i >= 0; i-- {
		intf := intfs[i]
		bound := intf.Driver()
		if bound == nil || (drv != nil && bound != drv) {
			continue
		}
		if intf.isProbed() {
			bound.Disconnect(intf)
			pkg.LogInfo(pkg.ComponentHost, "driver unbound",
				"driver", bound.Name(), "interface", intf.String())
		}
		dev.ReleaseInterface(intf)
	}
}

// allocateAddress allocates a new device address.
func (h *Host) allocateAddress() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for range MaxDevices {
		addr := h.nextAddress
		h.nextAddress++
		if h.nextAddress > MaxDevices {
			h.nextAddress = 1
		}

		if !h.inUse[addr-1] {
			h.inUse[addr-1] = true
			return addr
		}
	}
	return 0
}

// releaseAddress returns addr to the pool.
func (h *Host) releaseAddress(addr uint8) {
	if addr == 0 || addr > MaxDevices {
		return
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.inUse[addr-1] = false
}

// NumPorts returns the number of root hub ports.
func (h *Host) NumPorts() int {
	return h.hal.NumPorts()
}

// GetPortStatus returns the status of a port.
func (h *Host) GetPortStatus(port int) (hal.PortStatus, error) {
	return h.hal.GetPortStatus(port)
}
