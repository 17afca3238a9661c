// Package sim provides an in-process [hal.HostHAL] for tests and demos.
//
// Each root port can hold one [Gadget]. [Device] is a Gadget that answers
// the standard requests from a descriptor set and passes class and vendor
// requests, and data transfers, to a [Function]:
//
//	h := sim.New(1)
//	dev := sim.NewDevice(hal.SpeedHigh, sim.Descriptors{
//	    Device:  deviceDescriptor,
//	    Configs: [][]byte{configDescriptor},
//	}, fn)
//	h.Attach(1, dev)
//
//	usb := host.New(h)
//	usb.Start(ctx)
//
// A gadget that changes its descriptors re-enumerates with [HostHAL.Reattach].
// Hotplug events reach the host in the order they were raised.
package sim
