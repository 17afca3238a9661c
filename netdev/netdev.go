package netdev

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/idevncm/pkg"
)

// Errors.
var (
	ErrDown         = errors.New("network device is down")
	ErrNoCarrier    = errors.New("no carrier")
	ErrNotPresent   = errors.New("network device not present")
	ErrAddrNotAvail = errors.New("address not available")
	ErrInvalidMTU   = errors.New("MTU out of range")
	ErrBadFrame     = errors.New("bad frame length")
)

// Flags are interface flags.
type Flags uint32

// Interface flags.
const (
	FlagUp Flags = 1 << iota
	FlagBroadcast
	FlagPointToPoint
	FlagNoARP
	FlagPromisc
	FlagAllMulti
	FlagMulticast
)

var flagNames = []string{"UP", "BROADCAST", "POINTOPOINT", "NOARP", "PROMISC", "ALLMULTI", "MULTICAST"}

func (f Flags) String() string {
	var parts []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// AddrAssignType records where the hardware address came from.
type AddrAssignType uint8

// Address assignment types.
const (
	AddrPermanent AddrAssignType = iota // read from the hardware
	AddrRandom                          // generated
	AddrSet                             // set by the administrator
)

// DefaultWatchdogTimeout is how long the transmit queue may stay stopped
// before Ops.TxTimeout is called.
const DefaultWatchdogTimeout = 5 * time.Second

// Ops is the operation table a driver installs on a Device.
type Ops interface {
	// Open brings the link up. It is called by Device.Up.
	Open() error
	// Stop brings the link down. It is called by Device.Down.
	Stop() error
	// StartXmit queues one frame for transmission.
	StartXmit(frame []byte) error
	// TxTimeout is called when the transmit queue stalls.
	TxTimeout()
	// SetRxMode pushes the receive filter to the hardware.
	SetRxMode()
	// GetStats64 fills in interface statistics.
	GetStats64(s *Stats)
	// ChangeMTU applies a new MTU that already passed the bounds check.
	ChangeMTU(mtu int) error
	// SetMACAddress changes the hardware address.
	SetMACAddress(addr net.HardwareAddr) error
	// ValidateAddr checks the hardware address before the device opens.
	ValidateAddr() error
}

// Stats are interface statistics.
type Stats struct {
	RxPackets      uint64
	TxPackets      uint64
	RxBytes        uint64
	TxBytes        uint64
	RxErrors       uint64
	TxErrors       uint64
	RxDropped      uint64
	TxDropped      uint64
	Multicast      uint64
	RxLengthErrors uint64
	RxFrameErrors  uint64
	RxOverErrors   uint64
	TxTimeouts     uint64
}

// Counters are the lock-free statistics a driver updates from its
// completion paths.
type Counters struct {
	RxPackets      atomic.Uint64
	TxPackets      atomic.Uint64
	RxBytes        atomic.Uint64
	TxBytes        atomic.Uint64
	RxErrors       atomic.Uint64
	TxErrors       atomic.Uint64
	RxDropped      atomic.Uint64
	TxDropped      atomic.Uint64
	Multicast      atomic.Uint64
	RxLengthErrors atomic.Uint64
	RxFrameErrors  atomic.Uint64
	RxOverErrors   atomic.Uint64
	TxTimeouts     atomic.Uint64
}

// AddRx records received packets.
func (c *Counters) AddRx(packets, bytes int) {
	c.RxPackets.Add(uint64(packets))
	c.RxBytes.Add(uint64(bytes))
}

// AddTx records transmitted packets.
func (c *Counters) AddTx(packets, bytes int) {
	c.TxPackets.Add(uint64(packets))
	c.TxBytes.Add(uint64(bytes))
}

// Snapshot copies the counters into s.
func (c *Counters) Snapshot(s *Stats) {
	s.RxPackets = c.RxPackets.Load()
	s.TxPackets = c.TxPackets.Load()
	s.RxBytes = c.RxBytes.Load()
	s.TxBytes = c.TxBytes.Load()
	s.RxErrors = c.RxErrors.Load()
	s.TxErrors = c.TxErrors.Load()
	s.RxDropped = c.RxDropped.Load()
	s.TxDropped = c.TxDropped.Load()
	s.Multicast = c.Multicast.Load()
	s.RxLengthErrors = c.RxLengthErrors.Load()
	s.RxFrameErrors = c.RxFrameErrors.Load()
	s.RxOverErrors = c.RxOverErrors.Load()
	s.TxTimeouts = c.TxTimeouts.Load()
}

// RxHandler receives frames delivered by the driver. It runs on the
// driver's completion goroutine and must not retain frame.
type RxHandler func(d *Device, frame []byte)

// Device is a virtual network interface backed by a driver.
type Device struct {
	// Counters are updated by the driver.
	Counters Counters

	mu          sync.RWMutex
	name        string
	description string
	ops         Ops
	registry    *Registry

	flags          Flags
	carrier        bool
	present        bool
	mtu            int
	minMTU         int
	maxMTU         int
	hardHeaderLen  int
	hwaddr         net.HardwareAddr
	addrAssign     AddrAssignType
	liveAddrChange bool
	multicast      []net.HardwareAddr
	rx             RxHandler

	txStopped bool
	watchdog  *time.Timer
	watchTime time.Duration
}

// New creates an unregistered device. The name may be a template with a
// single %d, resolved by Registry.Register.
func New(name string, ops Ops) *Device {
	d := &Device{
		name:      name,
		ops:       ops,
		present:   true,
		watchTime: DefaultWatchdogTimeout,
	}
	EtherSetup(d)
	return d
}

// Name returns the interface name.
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

// SetName replaces the name or name template. Registered devices keep
// their name.
func (d *Device) SetName(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.registry != nil {
		return pkg.ErrBusy
	}
	d.name = name
	return nil
}

// Description returns the driver description.
func (d *Device) Description() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.description
}

// SetDescription sets the driver description.
func (d *Device) SetDescription(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.description = s
}

// Ops returns the installed operation table.
func (d *Device) Ops() Ops {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ops
}

// SetOps replaces the operation table.
func (d *Device) SetOps(ops Ops) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = ops
}

// Registry returns the registry the device is registered with, or nil.
func (d *Device) Registry() *Registry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.registry
}

// Flags returns the interface flags.
func (d *Device) Flags() Flags {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.flags
}

// SetFlags sets f in the interface flags. FlagUp is managed by Up and Down
// and ignored here.
func (d *Device) SetFlags(f Flags) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flags |= f &^ FlagUp
}

// ClearFlags clears f from the interface flags, except FlagUp.
func (d *Device) ClearFlags(f Flags) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flags &^= f &^ FlagUp
}

// IsUp reports whether the interface is administratively up.
func (d *Device) IsUp() bool {
	return d.Flags()&FlagUp != 0
}

// IsRunning reports whether the interface is up, present and has carrier.
func (d *Device) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.flags&FlagUp != 0 && d.present && d.carrier
}

// MTU returns the current MTU.
func (d *Device) MTU() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mtu
}

// SetMTU stores mtu without bounds checks or driver involvement. Drivers
// call it from their ChangeMTU operation and during setup.
func (d *Device) SetMTU(mtu int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mtu = mtu
}

// MTULimits returns the accepted MTU range.
func (d *Device) MTULimits() (minMTU, maxMTU int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.minMTU, d.maxMTU
}

// SetMTULimits sets the accepted MTU range.
func (d *Device) SetMTULimits(minMTU, maxMTU int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.minMTU, d.maxMTU = minMTU, maxMTU
}

// HardHeaderLen returns the link-layer header length.
func (d *Device) HardHeaderLen() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hardHeaderLen
}

// HardwareAddr returns a copy of the hardware address.
func (d *Device) HardwareAddr() net.HardwareAddr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.hwaddr)
}

// AddrAssignType returns where the hardware address came from.
func (d *Device) AddrAssignType() AddrAssignType {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.addrAssign
}

// SetHardwareAddr stores addr without validation.
func (d *Device) SetHardwareAddr(addr net.HardwareAddr, how AddrAssignType) {
	d.mu.Lock()
	d.hwaddr = slices.Clone(addr)
	d.addrAssign = how
	d.mu.Unlock()
	d.emit(EventAddress)
}

// SetLiveAddrChange allows SetMACAddress while the interface is up.
func (d *Device) SetLiveAddrChange(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.liveAddrChange = on
}

// SetWatchdogTimeout changes how long the transmit queue may stay stopped.
func (d *Device) SetWatchdogTimeout(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watchTime = t
}

// SetRxHandler installs the receiver for frames delivered with Receive.
func (d *Device) SetRxHandler(h RxHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rx = h
}

// Carrier reports the carrier state.
func (d *Device) Carrier() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.carrier
}

// SetCarrier sets the carrier state. Watchers see only changes.
func (d *Device) SetCarrier(on bool) {
	d.mu.Lock()
	if d.carrier == on {
		d.mu.Unlock()
		return
	}
	d.carrier = on
	d.mu.Unlock()

	pkg.LogDebug(pkg.ComponentNetdev, "carrier changed", "netdev", d.Name(), "carrier", on)
	if on {
		d.emit(EventCarrierOn)
	} else {
		d.emit(EventCarrierOff)
	}
}

// Present reports whether the device is attached.
func (d *Device) Present() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.present
}

// Detach marks the device absent and stops the transmit queue, as during
// suspend.
func (d *Device) Detach() {
	d.mu.Lock()
	d.present = false
	d.mu.Unlock()
	d.StopQueue()
}

// Attach marks the device present again and wakes the transmit queue if
// the interface is up.
func (d *Device) Attach() {
	d.mu.Lock()
	d.present = true
	up := d.flags&FlagUp != 0
	d.mu.Unlock()
	if up {
		d.WakeQueue()
	}
}

// Up opens the interface: it validates the address, calls Ops.Open, marks
// the interface up and programs the receive filter. An Open failure leaves
// the interface down.
func (d *Device) Up() error {
	d.mu.RLock()
	up, present, ops := d.flags&FlagUp != 0, d.present, d.ops
	d.mu.RUnlock()
	if up {
		return nil
	}
	if !present {
		return ErrNotPresent
	}
	if ops != nil {
		if err := ops.ValidateAddr(); err != nil {
			return err
		}
		if err := ops.Open(); err != nil {
			pkg.LogDebug(pkg.ComponentNetdev, "open failed", "netdev", d.Name(), "error", err)
			return err
		}
	}

	d.mu.Lock()
	d.flags |= FlagUp
	d.txStopped = false
	d.mu.Unlock()

	pkg.LogInfo(pkg.ComponentNetdev, "interface up", "netdev", d.Name())
	d.emit(EventUp)
	if ops != nil {
		ops.SetRxMode()
	}
	return nil
}

// Down closes the interface. The interface is down afterwards even if
// Ops.Stop fails.
func (d *Device) Down() error {
	d.mu.Lock()
	if d.flags&FlagUp == 0 {
		d.mu.Unlock()
		return nil
	}
	ops := d.ops
	d.txStopped = true
	d.stopWatchdogLocked()
	d.mu.Unlock()

	var err error
	if ops != nil {
		err = ops.Stop()
	}

	d.mu.Lock()
	d.flags &^= FlagUp
	d.mu.Unlock()

	pkg.LogInfo(pkg.ComponentNetdev, "interface down", "netdev", d.Name())
	d.emit(EventDown)
	return err
}

// Xmit hands frame to the driver.
func (d *Device) Xmit(frame []byte) error {
	d.mu.RLock()
	up, carrier, present, stopped := d.flags&FlagUp != 0, d.carrier, d.present, d.txStopped
	limit, minLen := d.mtu+d.hardHeaderLen, d.hardHeaderLen
	ops := d.ops
	d.mu.RUnlock()

	switch {
	case !up:
		return ErrDown
	case !present:
		return ErrNotPresent
	case !carrier:
		return ErrNoCarrier
	case stopped:
		return pkg.ErrBusy
	case len(frame) < minLen || len(frame) > limit:
		d.Counters.TxDropped.Add(1)
		return fmt.Errorf("%w: %d bytes", ErrBadFrame, len(frame))
	case ops == nil:
		return pkg.ErrNotSupported
	}
	return ops.StartXmit(frame)
}

// Receive delivers frame to the installed RxHandler. Frames arriving while
// the interface is down, or with no handler installed, are dropped.
func (d *Device) Receive(frame []byte) bool {
	d.mu.RLock()
	up, rx := d.flags&FlagUp != 0, d.rx
	d.mu.RUnlock()
	if !up || rx == nil {
		d.Counters.RxDropped.Add(1)
		return false
	}
	rx(d, frame)
	return true
}

// StopQueue stops the transmit queue and arms the watchdog.
func (d *Device) StopQueue() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.txStopped {
		return
	}
	d.txStopped = true
	if d.flags&FlagUp == 0 || d.watchTime <= 0 {
		return
	}
	d.watchdog = time.AfterFunc(d.watchTime, d.watchdogFired)
}

// WakeQueue restarts the transmit queue.
func (d *Device) WakeQueue() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txStopped = false
	d.stopWatchdogLocked()
}

// QueueStopped reports whether the transmit queue is stopped.
func (d *Device) QueueStopped() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.txStopped
}

func (d *Device) stopWatchdogLocked() {
	if d.watchdog != nil {
		d.watchdog.Stop()
		d.watchdog = nil
	}
}

func (d *Device) watchdogFired() {
	d.mu.Lock()
	fire := d.txStopped && d.present && d.carrier && d.flags&FlagUp != 0
	ops := d.ops
	if fire && d.watchTime > 0 {
		d.watchdog = time.AfterFunc(d.watchTime, d.watchdogFired)
	} else {
		d.watchdog = nil
	}
	d.mu.Unlock()

	if !fire || ops == nil {
		return
	}
	d.Counters.TxTimeouts.Add(1)
	pkg.LogWarn(pkg.ComponentNetdev, "transmit queue timed out", "netdev", d.Name())
	ops.TxTimeout()
}

// ChangeMTU validates mtu against the device limits and applies it through
// Ops.ChangeMTU.
func (d *Device) ChangeMTU(mtu int) error {
	d.mu.RLock()
	minMTU, maxMTU, cur, ops := d.minMTU, d.maxMTU, d.mtu, d.ops
	d.mu.RUnlock()

	if mtu == cur {
		return nil
	}
	if mtu < minMTU || (maxMTU > 0 && mtu > maxMTU) {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidMTU, mtu, minMTU, maxMTU)
	}
	if ops == nil {
		d.SetMTU(mtu)
	} else if err := ops.ChangeMTU(mtu); err != nil {
		return err
	}
	d.emit(EventMTU)
	return nil
}

// SetMACAddress changes the hardware address through Ops.SetMACAddress.
func (d *Device) SetMACAddress(addr net.HardwareAddr) error {
	ops := d.Ops()
	if ops == nil {
		return EthMACAddr(d, addr)
	}
	return ops.SetMACAddress(addr)
}

// Promisc reports whether promiscuous mode is on.
func (d *Device) Promisc() bool {
	return d.Flags()&FlagPromisc != 0
}

// SetPromisc switches promiscuous mode and refreshes the receive filter.
func (d *Device) SetPromisc(on bool) {
	d.setRxFlag(FlagPromisc, on)
}

// SetAllMulti switches all-multicast mode and refreshes the receive filter.
func (d *Device) SetAllMulti(on bool) {
	d.setRxFlag(FlagAllMulti, on)
}

func (d *Device) setRxFlag(f Flags, on bool) {
	d.mu.Lock()
	if on {
		d.flags |= f
	} else {
		d.flags &^= f
	}
	d.mu.Unlock()
	d.refreshRxMode()
}

// AddMulticast subscribes to a multicast address.
func (d *Device) AddMulticast(addr net.HardwareAddr) error {
	if !IsMulticastEtherAddr(addr) {
		return ErrAddrNotAvail
	}
	d.mu.Lock()
	for _, a := range d.multicast {
		if slices.Equal(a, addr) {
			d.mu.Unlock()
			return nil
		}
	}
	d.multicast = append(d.multicast, slices.Clone(addr))
	d.mu.Unlock()
	d.refreshRxMode()
	return nil
}

// DelMulticast unsubscribes from a multicast address.
func (d *Device) DelMulticast(addr net.HardwareAddr) {
	d.mu.Lock()
	d.multicast = slices.DeleteFunc(d.multicast, func(a net.HardwareAddr) bool {
		return slices.Equal(a, addr)
	})
	d.mu.Unlock()
	d.refreshRxMode()
}

// Multicast returns the subscribed multicast addresses.
func (d *Device) Multicast() []net.HardwareAddr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.multicast)
}

func (d *Device) refreshRxMode() {
	d.mu.RLock()
	up, ops := d.flags&FlagUp != 0, d.ops
	d.mu.RUnlock()
	if up && ops != nil {
		ops.SetRxMode()
	}
}

// Stats returns the interface statistics.
func (d *Device) Stats() Stats {
	var s Stats
	if ops := d.Ops(); ops != nil {
		ops.GetStats64(&s)
	} else {
		d.Counters.Snapshot(&s)
	}
	return s
}

// GetTStats64 fills s from the device counters. Drivers without
// statistics of their own use it as their GetStats64.
func GetTStats64(d *Device, s *Stats) {
	d.Counters.Snapshot(s)
}

func (d *Device) emit(t EventType) {
	if r := d.Registry(); r != nil {
		r.notify(Event{Type: t, Device: d})
	}
}

func (d *Device) String() string {
	return d.Name()
}
