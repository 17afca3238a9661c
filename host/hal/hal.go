package hal

import (
	"context"
	"encoding/binary"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants.
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
	SpeedSuper                // SuperSpeed (5 Gbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	case SpeedSuper:
		return "Super Speed"
	default:
		return "Unknown"
	}
}

// BitsPerSecond returns the nominal signalling rate, or 0 if unknown.
func (s Speed) BitsPerSecond() uint64 {
	switch s {
	case SpeedLow:
		return 1_500_000
	case SpeedFull:
		return 12_000_000
	case SpeedHigh:
		return 480_000_000
	case SpeedSuper:
		return 5_000_000_000
	default:
		return 0
	}
}

// PortStatus represents the status of a host port.
type PortStatus struct {
	Connected     bool  // Device is connected
	Enabled       bool  // Port is enabled
	Suspended     bool  // Port is suspended
	OverCurrent   bool  // Over-current condition detected
	Reset         bool  // Port is being reset
	PowerOn       bool  // Port has power applied
	Speed         Speed // Connected device speed
	ConnectChange bool  // Connection status has changed
	EnableChange  bool  // Enable status has changed
	ResetChange   bool  // Reset has completed
}

// SetupPacket represents a USB SETUP packet in the HAL layer.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:])
	out.Index = binary.LittleEndian.Uint16(data[4:])
	out.Length = binary.LittleEndian.Uint16(data[6:])
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:], s.Value)
	binary.LittleEndian.PutUint16(buf[4:], s.Index)
	binary.LittleEndian.PutUint16(buf[6:], s.Length)
	return SetupPacketSize
}

// IsIn reports whether the data stage flows device-to-host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&0x80 != 0
}

// Kind returns the request type bits (standard, class, vendor).
func (s *SetupPacket) Kind() uint8 {
	return s.RequestType & 0x60
}

// Recipient returns the recipient bits (device, interface, endpoint, other).
func (s *SetupPacket) Recipient() uint8 {
	return s.RequestType & 0x1F
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// String returns the transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// DeviceAddress represents a USB device address (1-127).
type DeviceAddress uint8

// HostHAL defines the Hardware Abstraction Layer interface for USB host stacks.
//
// The HAL provides the low-level operations needed by the host stack to
// communicate with a USB host controller, whether real hardware reached
// through the operating system or an in-memory bus used for testing.
//
// All methods should be safe for concurrent use where applicable. In
// particular bulk transfers on different endpoints of the same device may be
// in flight at the same time.
type HostHAL interface {
	// Initialization and Lifecycle

	// Init initializes the USB host controller.
	// The context can be used to cancel initialization.
	Init(ctx context.Context) error

	// Start enables the host controller and applies power to ports.
	// After Start returns, the controller should be ready to detect devices.
	Start() error

	// Stop disables the host controller and removes power from ports.
	Stop() error

	// Close releases all resources associated with the HAL.
	// After Close returns, the HAL should not be used.
	Close() error

	// Port Operations

	// NumPorts returns the number of root hub ports.
	NumPorts() int

	// GetPortStatus returns the status of a port (1-indexed).
	GetPortStatus(port int) (PortStatus, error)

	// PortSpeed returns the connection speed of a device on the given port.
	PortSpeed(port int) Speed

	// ResetPort initiates a port reset (1-indexed).
	// After reset completes, the device will be at address 0.
	ResetPort(port int) error

	// EnablePort enables or disables a port.
	EnablePort(port int, enable bool) error

	// Control Transfers

	// ControlTransfer performs a control transfer to a device.
	// For OUT transfers, data contains the data to send.
	// For IN transfers, data is filled with received data.
	// Returns the number of bytes transferred in the data phase.
	//
	// Standard requests that change device state (SET_ADDRESS,
	// SET_CONFIGURATION, SET_INTERFACE) are issued through this method too;
	// a HAL that cannot forward them verbatim must emulate them.
	ControlTransfer(ctx context.Context, addr DeviceAddress, setup *SetupPacket, data []byte) (int, error)

	// Data Transfers

	// BulkTransfer performs a bulk transfer to/from an endpoint.
	// Returns the number of bytes transferred.
	BulkTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// InterruptTransfer performs an interrupt transfer to/from an endpoint.
	// Returns the number of bytes transferred.
	InterruptTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// IsochronousTransfer performs an isochronous transfer.
	// Returns the number of bytes transferred.
	IsochronousTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// Device Management

	// SetDeviceAddress assigns an address to a device at address 0.
	// This is called after port reset during enumeration.
	SetDeviceAddress(ctx context.Context, newAddr DeviceAddress) error

	// Interface Management

	// ClaimInterface claims exclusive access to an interface on a device.
	// For HALs that require kernel driver detachment (e.g., libusb on
	// Linux), this should detach any existing driver before claiming.
	ClaimInterface(addr DeviceAddress, iface uint8) error

	// ReleaseInterface releases a previously claimed interface.
	ReleaseInterface(addr DeviceAddress, iface uint8) error

	// Connection Events

	// WaitForConnection blocks until a device connects or context is cancelled.
	// Returns the port number (1-indexed) where the device connected.
	WaitForConnection(ctx context.Context) (int, error)

	// WaitForDisconnection blocks until a device disconnects or context is cancelled.
	// Returns the port number (1-indexed) where the device disconnected.
	WaitForDisconnection(ctx context.Context) (int, error)
}

// PortSuspender is implemented by HALs that can place a port into and out
// of the USB suspend state. The host stack uses it for selective suspend
// when every driver bound to the device agrees.
type PortSuspender interface {
	SuspendPort(port int) error
	ResumePort(port int) error
}
