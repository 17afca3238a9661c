package main

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/idevncm/host"
	"github.com/ardnew/idevncm/host/hal"
	"github.com/ardnew/idevncm/host/hal/libusb"
	"github.com/ardnew/idevncm/host/hal/sim"
	"github.com/ardnew/idevncm/host/net/idevncm"
	"github.com/ardnew/idevncm/host/net/idevncm/idevsim"
	"github.com/ardnew/idevncm/host/net/usbnet"
	"github.com/ardnew/idevncm/netdev"
	"github.com/ardnew/idevncm/netdev/tap"
	"github.com/ardnew/idevncm/pkg/usbid"
)

// tapPort is the host side of a bridged interface.
type tapPort interface {
	io.ReadWriteCloser
	Name() string
	SetUp(up bool) error
	SetMTU(mtu int) error
	SetHardwareAddr(addr net.HardwareAddr) error
}

func openTap(name string) (tapPort, error) {
	t, err := tap.Open(name)
	if err != nil {
		return nil, err
	}
	return t, nil
}

type daemon struct {
	cfg     *Config
	logger  log.Logger
	hal     hal.HostHAL
	usb     *host.Host
	reg     *netdev.Registry
	stats   *netdev.Collector
	metrics *metrics
	ids     *usbid.Names

	// Set for the sim backend.
	bus   *sim.HostHAL
	phone *idevsim.Phone

	openTap func(name string) (tapPort, error)
	events  chan netdev.Event

	mu      sync.Mutex
	bridges map[*netdev.Device]context.CancelFunc
	wg      sync.WaitGroup
}

func newDaemon(cfg *Config, logger log.Logger, r prometheus.Registerer) (*daemon, error) {
	d := &daemon{
		cfg:     cfg,
		logger:  logger,
		reg:     netdev.NewRegistry(),
		metrics: newMetrics(r),
		ids:     usbid.New(),
		openTap: openTap,
		events:  make(chan netdev.Event, 64),
		bridges: make(map[*netdev.Device]context.CancelFunc),
	}
	d.stats = netdev.NewCollector(d.reg, r)

	switch cfg.Backend {
	case backendLibUSB:
		d.hal = libusb.New(libusb.Options{
			VendorIDs:    cfg.Vendors,
			ScanInterval: cfg.PollInterval,
		})
	case backendSim:
		d.bus = sim.New(1)
		d.phone = idevsim.New(idevsim.Options{Echo: true})
		d.hal = d.bus
	default:
		return nil, errors.Newf("backend %q unknown", cfg.Backend)
	}

	d.usb = host.New(d.hal)
	d.usb.SetConfigurationChooser(idevncm.ChooseConfiguration)
	if err := d.usb.RegisterDriver(idevncm.NewDriver()); err != nil {
		return nil, errors.Wrap(err, "failed to register driver")
	}
	return d, nil
}

// run starts the USB host and handles devices and interfaces until ctx is
// done.
func (d *daemon) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cancelWatch := d.reg.Watch(func(ev netdev.Event) {
		switch ev.Type {
		case netdev.EventRegistered, netdev.EventUnregistered:
		default:
			return
		}
		select {
		case d.events <- ev:
		default:
			level.Warn(d.logger).Log("msg", "netdev event dropped", "netdev", ev.Device.Name(), "event", ev.Type.String())
		}
	})
	defer cancelWatch()

	hostCtx := usbnet.WithQueueLengths(netdev.WithRegistry(ctx, d.reg), d.cfg.RxQueue, d.cfg.TxQueue)
	if err := d.usb.Start(hostCtx); err != nil {
		d.hal.Close()
		return errors.Wrap(err, "failed to start USB host")
	}
	defer func() {
		cancel()
		d.shutdown()
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.watchNetdevs(ctx)
	}()

	if d.phone != nil {
		if err := d.phone.Plug(d.bus, 1); err != nil {
			return errors.Wrap(err, "failed to attach simulated device")
		}
	}

	level.Info(d.logger).Log("msg", "waiting for devices", "backend", d.cfg.Backend)
	for {
		dev, err := d.usb.WaitDevice(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "waiting for devices")
		}
		d.handleDevice(ctx, dev)
	}
}

func (d *daemon) shutdown() {
	d.mu.Lock()
	for nd, cancel := range d.bridges {
		cancel()
		delete(d.bridges, nd)
	}
	d.mu.Unlock()

	if err := d.usb.Stop(); err != nil {
		level.Warn(d.logger).Log("msg", "failed to stop USB host", "err", err)
	}
	d.wg.Wait()
	if err := d.hal.Close(); err != nil {
		level.Warn(d.logger).Log("msg", "failed to close backend", "err", err)
	}
	d.stats.Close()
}

// handleDevice counts a newly enumerated device and switches an Apple
// device still in its initial mode into CDC-NCM mode. The device then
// re-enumerates and is handled again.
func (d *daemon) handleDevice(ctx context.Context, dev *host.Device) {
	bound := false
	for _, intf := range dev.Interfaces() {
		if intf.Driver() != nil {
			bound = true
		}
	}
	d.metrics.devices.WithLabelValues(strconv.FormatBool(bound)).Inc()
	level.Info(d.logger).Log("msg", "device enumerated", "device", dev.String(),
		"id", d.ids.Describe(dev.VendorID(), dev.ProductID()),
		"manufacturer", dev.Manufacturer(), "product", dev.Product(),
		"serial", dev.SerialNumber(), "bound", bound)

	if bound || !d.cfg.ModeSwitch || dev.VendorID() != idevncm.VendorApple {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, usbnet.ControlTimeout)
	defer cancel()

	mode, err := idevncm.GetMode(cctx, dev)
	if err != nil {
		level.Debug(d.logger).Log("msg", "mode query failed", "device", dev.String(), "err", err)
		return
	}
	if mode != idevncm.ModeInitial {
		level.Debug(d.logger).Log("msg", "device not in initial mode", "device", dev.String(), "mode", mode.String())
		return
	}
	if err := idevncm.SwitchMode(cctx, dev, idevncm.ModeCDCNCM); err != nil {
		d.metrics.modeSwitches.WithLabelValues("error").Inc()
		level.Warn(d.logger).Log("msg", "mode switch failed", "device", dev.String(), "err", err)
		return
	}
	d.metrics.modeSwitches.WithLabelValues("ok").Inc()
	level.Info(d.logger).Log("msg", "switched to NCM mode", "device", dev.String())
}

func (d *daemon) watchNetdevs(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			switch ev.Type {
			case netdev.EventRegistered:
				d.setupNetdev(ctx, ev.Device)
			case netdev.EventUnregistered:
				d.stopBridge(ev.Device)
			}
		}
	}
}

// setupNetdev applies the netdev section to a new interface.
func (d *daemon) setupNetdev(ctx context.Context, nd *netdev.Device) {
	logger := log.With(d.logger, "netdev", nd.Name(), "driver", nd.Description())
	level.Info(logger).Log("msg", "interface registered", "mac", nd.HardwareAddr().String(), "mtu", nd.MTU())

	nc := d.cfg.Netdev
	if nc.MTU > 0 {
		if err := nd.ChangeMTU(nc.MTU); err != nil {
			level.Warn(logger).Log("msg", "failed to set MTU", "mtu", nc.MTU, "err", err)
		}
	}
	if nc.Up {
		if err := nd.Up(); err != nil {
			level.Warn(logger).Log("msg", "failed to bring interface up", "err", err)
			return
		}
	}
	if nc.TAP == "" {
		return
	}

	port, err := d.openTap(nc.TAP)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open TAP", "tap", nc.TAP, "err", err)
		return
	}
	if err := configureTap(port, nd); err != nil {
		level.Error(logger).Log("msg", "failed to configure TAP", "tap", port.Name(), "err", err)
		port.Close()
		return
	}

	bctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.bridges[nd] = cancel
	d.mu.Unlock()
	d.metrics.bridges.Inc()

	b := tap.NewBridge(port, nd)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.metrics.bridges.Dec()
		level.Info(logger).Log("msg", "bridging", "tap", port.Name())
		if err := b.Run(bctx); err != nil {
			level.Warn(logger).Log("msg", "bridge failed", "tap", port.Name(), "err", err)
		}
	}()
}

func configureTap(port tapPort, nd *netdev.Device) error {
	if err := port.SetHardwareAddr(nd.HardwareAddr()); err != nil {
		return err
	}
	if err := port.SetMTU(nd.MTU()); err != nil {
		return err
	}
	return port.SetUp(true)
}

func (d *daemon) stopBridge(nd *netdev.Device) {
	d.mu.Lock()
	cancel, ok := d.bridges[nd]
	delete(d.bridges, nd)
	d.mu.Unlock()
	if ok {
		cancel()
		level.Info(d.logger).Log("msg", "interface removed", "netdev", nd.Name())
	}
}
