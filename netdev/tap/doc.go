// Package tap connects a netdev.Device to the host network stack.
//
// On Linux, Open creates a TAP interface through /dev/net/tun. A Bridge
// copies Ethernet frames in both directions between such a port and a
// device: frames the driver receives are written to the port, and frames
// read from the port are transmitted by the driver.
package tap
