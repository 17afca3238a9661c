package usbnet

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ardnew/idevncm/host"
	"github.com/ardnew/idevncm/host/hal"
	"github.com/ardnew/idevncm/netdev"
)

// Errors.
var (
	// ErrMTUAlignment is returned by ChangeMTU when the resulting frame
	// size is a multiple of the bulk packet size.
	ErrMTUAlignment = errors.New("frame size is a multiple of the packet size")

	// ErrNoEndpoints is returned when no usable bulk pair is found.
	ErrNoEndpoints = errors.New("no bulk endpoints")
)

// ControlTimeout bounds the control requests issued by drivers.
const ControlTimeout = 5 * time.Second

const (
	// maxQueueMemory is the byte budget of each transfer queue at high
	// speed.
	maxQueueMemory = 60 * 1518

	// maxQueueLen caps computed queue lengths.
	maxQueueLen = 64

	// rxErrorDelay throttles resubmission after unexpected rx errors.
	rxErrorDelay = 10 * time.Millisecond
)

// Flags describe driver capabilities.
type Flags uint32

// Driver capability flags.
const (
	// FlagPointToPoint marks a link that always talks to a single peer.
	FlagPointToPoint Flags = 1 << iota
	// FlagNoSetInt means the data interface must not be switched to the
	// altsetting holding the bulk endpoints by the generic code.
	FlagNoSetInt
	// FlagMultiPacket means the fixups handle several frames per transfer.
	FlagMultiPacket
	// FlagLinkIntr means carrier is reported by the device; the interface
	// starts without carrier.
	FlagLinkIntr
	// FlagEther marks Ethernet framing.
	FlagEther
	// FlagWLAN names the interface wlan%d.
	FlagWLAN
	// FlagWWAN names the interface wwan%d.
	FlagWWAN
	// FlagNoARP marks a link that cannot do ARP.
	FlagNoARP
	// FlagSendZLP terminates transfers that end on a packet boundary with a
	// zero-length packet.
	FlagSendZLP
)

// TxFrame is the output of a TxFixup.
type TxFrame struct {
	// Data is the transfer payload. Nil means nothing is ready to send.
	Data []byte

	// Packets and Bytes count the frames and payload bytes carried by Data.
	Packets int
	Bytes   int
}

// DriverInfo describes a minidriver. Every hook is optional.
type DriverInfo struct {
	Description string
	Flags       Flags

	// Bind sets up the device: endpoints, hardware address, framing state.
	Bind func(dev *Device, intf *host.Interface) error
	// Unbind undoes Bind.
	Unbind func(dev *Device, intf *host.Interface)

	// Reset runs on every open.
	Reset func(dev *Device) error
	// Stop runs on every close, before transfers are cancelled.
	Stop func(dev *Device) error
	// CheckConnect reports whether the peer is present.
	CheckConnect func(dev *Device) error
	// ManagePower requests or releases remote wakeup.
	ManagePower func(dev *Device, on bool) error

	// Status handles a notification from the interrupt endpoint.
	Status func(dev *Device, data []byte)
	// LinkReset runs after the link comes up with a reset request.
	LinkReset func(dev *Device) error

	// RxFixup unpacks a received transfer and hands each frame to
	// Device.Deliver.
	RxFixup func(dev *Device, data []byte) error
	// TxFixup packs frame for transmission. A nil frame flushes whatever
	// the fixup holds back.
	TxFixup func(dev *Device, frame []byte) (TxFrame, error)

	// SetRxMode programs the receive filter.
	SetRxMode func(dev *Device)
}

type queueKey struct{}

type queueLens struct{ rx, tx int }

// WithQueueLengths returns a context that makes Probe use fixed transfer
// queue lengths instead of computing them from the link speed.
func WithQueueLengths(ctx context.Context, rx, tx int) context.Context {
	return context.WithValue(ctx, queueKey{}, queueLens{rx: rx, tx: tx})
}

// Device is a USB network adapter bound to one interface. It implements
// netdev.Ops and is the default operation table of its network device.
type Device struct {
	// In, Out and Status are the endpoint addresses; zero means absent.
	In, Out, Status uint8

	// StatusInterval is the polling interval of the status endpoint.
	StatusInterval uint8

	// MaxPacket is the max packet size of the bulk OUT endpoint.
	MaxPacket int

	// HardMTU is the largest frame including the link header.
	HardMTU int

	// RxURBSize is the buffer size of each rx transfer.
	RxURBSize int

	// RxQueueLen and TxQueueLen bound the transfers in flight.
	RxQueueLen, TxQueueLen int

	info *DriverInfo
	udev *host.Device
	intf *host.Interface
	net  *netdev.Device
	priv any

	ctx    context.Context
	cancel context.CancelFunc
	fixed  queueLens

	mu          sync.Mutex
	tm          *host.TransferManager
	runCtx      context.Context
	runCancel   context.CancelFunc
	running     bool
	suspended   int
	rxPending   map[uint64]struct{}
	rxHalt      bool
	txq         []txItem
	txBusy      bool
	txID        uint64
	txHalt      bool
	statusBusy  bool
	statusID    uint64
	rxTimer     *time.Timer
	statusTimer *time.Timer

	wg sync.WaitGroup
}

type txItem struct {
	data    []byte
	packets int
	bytes   int
}

// Info returns the driver description.
func (d *Device) Info() *DriverInfo { return d.info }

// USBDevice returns the USB device.
func (d *Device) USBDevice() *host.Device { return d.udev }

// Interface returns the probed interface.
func (d *Device) Interface() *host.Interface { return d.intf }

// Net returns the network device.
func (d *Device) Net() *netdev.Device { return d.net }

// Context returns a context that lives until the device is disconnected.
func (d *Device) Context() context.Context { return d.ctx }

// DriverPriv returns the minidriver's private state.
func (d *Device) DriverPriv() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.priv
}

// SetDriverPriv stores the minidriver's private state.
func (d *Device) SetDriverPriv(v any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.priv = v
}

// Running reports whether the interface is open.
func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Suspended reports whether the device is suspended.
func (d *Device) Suspended() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suspended > 0
}

// Control issues a control request bounded by ControlTimeout.
func (d *Device) Control(setup *hal.SetupPacket, data []byte) (int, error) {
	ctx, cancel := context.WithTimeout(d.ctx, ControlTimeout)
	defer cancel()
	return d.udev.ControlTransfer(ctx, setup, data)
}

// updateQueueLens sizes the transfer queues from the link speed.
func (d *Device) updateQueueLens() {
	if d.fixed.rx > 0 && d.fixed.tx > 0 {
		d.RxQueueLen, d.TxQueueLen = d.fixed.rx, d.fixed.tx
		return
	}

	mem := 0
	switch d.udev.Speed() {
	case hal.SpeedHigh:
		mem = maxQueueMemory
	case hal.SpeedSuper:
		mem = 5 * maxQueueMemory
	}
	if mem == 0 || d.RxURBSize == 0 || d.HardMTU == 0 {
		d.RxQueueLen, d.TxQueueLen = 4, 4
		return
	}
	d.RxQueueLen = min(max(mem/d.RxURBSize, 1), maxQueueLen)
	d.TxQueueLen = min(max(mem/d.HardMTU, 1), maxQueueLen)
}

var _ netdev.Ops = (*Device)(nil)
