// Package hal defines the Hardware Abstraction Layer interface for USB host stacks.
//
// The HAL sits between the host stack and whatever actually moves bytes on
// the bus. The host stack implements the USB protocol logic (enumeration,
// descriptor parsing, driver binding) and leaves the HAL to handle port
// management and raw transfers.
//
// # Implementations
//
//   - [github.com/ardnew/idevncm/host/hal/libusb] drives real devices
//     through libusb.
//   - [github.com/ardnew/idevncm/host/hal/sim] is an in-memory root hub
//     with descriptor-driven gadgets, used by tests and the daemon's
//     simulation backend.
//
// # Optional capabilities
//
// A HAL may also implement [PortSuspender]. The host stack checks for it
// with a type assertion and skips port power management when it is absent.
//
// # Example
//
//	type MyHostHAL struct {
//	    // Platform-specific fields
//	}
//
//	func (h *MyHostHAL) Init(ctx context.Context) error {
//	    // Initialize USB host controller
//	    return nil
//	}
//
//	// ... implement remaining HostHAL methods
package hal
