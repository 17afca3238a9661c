// Package host implements the USB host side used by the network drivers:
// enumeration, configuration selection, interface binding and power
// management.
//
// It is platform-agnostic and reaches hardware only through the
// [hal.HostHAL] interface defined in the github.com/ardnew/idevncm/host/hal
// package. A simulated controller lives in host/hal/sim and a libusb-backed
// one in host/hal/libusb.
//
// # Architecture
//
//   - Host watches root ports, enumerates devices and binds drivers
//   - Device is an enumerated device with every configuration it reports
//   - Interface is one interface of the active configuration, with its
//     alternate settings; drivers bind here
//   - TransferManager runs asynchronous transfers on a worker pool
//
// # Driver Binding
//
// A [Driver] publishes a table of [DeviceID] entries. After a device is
// configured, every interface without a driver is offered to the
// registered drivers in registration order; the first whose table matches
// the interface's current alternate setting and whose Probe succeeds keeps
// it. A Probe failing with [pkg.ErrNoDevice] is a quiet decline.
//
// Drivers spanning several interfaces (a CDC control interface and its
// data interface) probe the primary one and take the others with
// [Device.ClaimInterface]. Disconnect is called only for probed interfaces.
//
// # Power
//
// Drivers implementing [PowerManager] take part in [Device.Suspend] and
// [Device.Resume]. [PolicyProvider] declares whether a driver tolerates
// autosuspend and whether hub-initiated link power management must stay
// off.
//
// # Example
//
//	h := host.New(sim.New(1))
//	h.SetConfigurationChooser(idevncm.ChooseConfiguration)
//	h.RegisterDriver(idevncm.NewDriver())
//	h.Start(ctx)
//
//	dev, err := h.WaitDevice(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(dev.Product(), dev.GetConfiguration())
package host
