// Package libusb provides a USB host HAL backed by libusb through
// github.com/google/gousb.
//
// The operating system enumerates devices before this HAL sees them, so
// each opened device is presented on its own virtual root hub port. Port
// reset and SET_ADDRESS only update bookkeeping; SET_CONFIGURATION and
// SET_INTERFACE are performed with libusb calls, and claiming an interface
// detaches any kernel driver bound to it.
//
// Arrivals and removals are found by rescanning the bus periodically, which
// also picks up an Apple device that re-enumerates after a mode switch.
//
// # Requirements
//
// Building needs cgo and the libusb-1.0 headers. At run time the process
// needs read/write access to the device nodes under /dev/bus/usb, which
// usually means root or a udev rule for the vendor.
package libusb
