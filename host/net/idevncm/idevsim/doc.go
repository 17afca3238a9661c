// Package idevsim simulates an Apple device on a sim.HostHAL bus.
//
// A [Phone] enumerates in usbmux mode with a single vendor interface. The
// set-mode vendor request makes it drop off the bus and come back with an
// extra configuration holding the debug NCM function: a communications
// interface without notification endpoint and a data interface whose
// altsetting 1 carries a bulk pair. Frames sent by the host are parsed
// from NTB16 blocks and, with Options.Echo, returned with the Ethernet
// addresses swapped.
//
// Options also inject faults used by driver tests.
package idevsim
