// Package netdev models the network interfaces that USB network drivers
// expose.
//
// A [Device] carries the interface state a driver manipulates: name,
// MTU and its limits, hardware address, flags, carrier and the transmit
// queue. The driver supplies an [Ops] table; [Device.Up], [Device.Down],
// [Device.Xmit], [Device.ChangeMTU] and [Device.SetMACAddress] dispatch
// through it. Received frames are pushed with [Device.Receive] to the
// installed [RxHandler].
//
// A [Registry] assigns names from templates such as "usb%d" and reports
// [Event] values to its watchers. [Collector] exports per-device
// statistics to Prometheus.
//
// Ethernet helpers ([EthMACAddr], [EthValidateAddr], [EtherSetup]) provide
// the default address and MTU handling for Ethernet-framed drivers.
package netdev
