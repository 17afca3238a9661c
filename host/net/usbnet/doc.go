// Package usbnet is the generic layer under USB network minidrivers.
//
// A minidriver describes itself with a [DriverInfo]: capability [Flags]
// plus optional hooks for bind, framing, status and power. [Probe] builds a
// [Device] for the matched interface, runs the bind hook, names and
// registers the network device, and [Disconnect] undoes it.
//
// While the interface is open, bulk IN transfers are kept posted through a
// per-device host.TransferManager, but only while the link has carrier.
// Completed buffers go through the minidriver's RxFixup, which hands frames
// to [Device.Deliver]. Outgoing frames pass through TxFixup and leave in
// order, one transfer at a time.
//
// [Device] implements netdev.Ops, so it is the default operation table of
// the network device. Minidrivers override single operations by wrapping
// it.
package usbnet
