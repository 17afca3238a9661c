package usbnet

import (
	"context"
	"errors"
	"time"

	"github.com/ardnew/idevncm/host"
	"github.com/ardnew/idevncm/host/hal"
	"github.com/ardnew/idevncm/pkg"
)

// Open starts the data path. It is the generic netdev open.
func (d *Device) Open() error {
	if d.Suspended() {
		return pkg.ErrInvalidState
	}
	if d.info.Reset != nil {
		if err := d.info.Reset(d); err != nil {
			pkg.LogInfo(pkg.ComponentUSBNet, "open reset failed", "netdev", d.net.Name(), "error", err)
			return err
		}
	}
	if d.info.CheckConnect != nil {
		if err := d.info.CheckConnect(d); err != nil {
			pkg.LogDebug(pkg.ComponentUSBNet, "can't open; no peer", "netdev", d.net.Name(), "error", err)
			return err
		}
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.updateQueueLens()
	tm := host.NewTransferManager(d.udev.Host(), d.RxQueueLen+2)
	runCtx, runCancel := context.WithCancel(d.ctx)
	if err := tm.Start(runCtx); err != nil {
		d.mu.Unlock()
		runCancel()
		return err
	}
	d.tm, d.runCtx, d.runCancel = tm, runCtx, runCancel
	d.running = true
	d.rxHalt, d.txHalt = false, false
	d.kickStatusLocked()
	d.mu.Unlock()

	if d.info.ManagePower != nil {
		if err := d.info.ManagePower(d, true); err != nil {
			pkg.LogDebug(pkg.ComponentUSBNet, "manage power failed", "error", err)
		}
	}

	d.net.WakeQueue()

	d.mu.Lock()
	d.kickRxLocked()
	d.mu.Unlock()

	pkg.LogDebug(pkg.ComponentUSBNet, "open",
		"netdev", d.net.Name(),
		"rx_qlen", d.RxQueueLen, "tx_qlen", d.TxQueueLen,
		"rx_urb_size", d.RxURBSize, "hard_mtu", d.HardMTU)
	return nil
}

// Stop halts the data path. It is the generic netdev stop.
func (d *Device) Stop() error {
	d.net.StopQueue()

	var err error
	if d.info.Stop != nil {
		err = d.info.Stop(d)
	}
	d.stopIO()

	if d.info.ManagePower != nil {
		if perr := d.info.ManagePower(d, false); perr != nil {
			pkg.LogDebug(pkg.ComponentUSBNet, "manage power failed", "error", perr)
		}
	}
	pkg.LogDebug(pkg.ComponentUSBNet, "stop", "netdev", d.net.Name(), "stats", d.net.Stats())
	return err
}

// stopIO cancels every transfer and drops queued frames.
func (d *Device) stopIO() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	tm, cancel := d.tm, d.runCancel
	dropped := d.dropTxQueueLocked()
	stopTimer(&d.rxTimer)
	stopTimer(&d.statusTimer)
	d.mu.Unlock()

	cancel()
	// Callbacks of cancelled transfers run before Stop returns.
	_ = tm.Stop()
	d.net.Counters.TxDropped.Add(uint64(dropped))

	d.mu.Lock()
	d.tm = nil
	clear(d.rxPending)
	d.txBusy, d.statusBusy = false, false
	d.mu.Unlock()
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// LinkChange reports a link state change. With needReset the carrier
// stays off until the minidriver's LinkReset completes.
func (d *Device) LinkChange(link, needReset bool) {
	if link && !needReset {
		d.net.SetCarrier(true)
	} else {
		d.net.SetCarrier(false)
	}

	d.mu.Lock()
	if d.net.Carrier() {
		d.kickRxLocked()
	} else {
		d.cancelRxLocked()
	}
	d.mu.Unlock()

	if link && needReset {
		d.deferLinkReset()
	}
}

func (d *Device) deferLinkReset() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if d.info.LinkReset != nil {
			if err := d.info.LinkReset(d); err != nil {
				pkg.LogInfo(pkg.ComponentUSBNet, "link reset failed", "netdev", d.net.Name(), "error", err)
				return
			}
		}
		d.LinkChange(true, false)
	}()
}

// Deliver hands one received frame to the network stack.
func (d *Device) Deliver(frame []byte) {
	if len(frame) < d.net.HardHeaderLen() {
		d.net.Counters.RxLengthErrors.Add(1)
		d.net.Counters.RxErrors.Add(1)
		return
	}
	d.net.Counters.AddRx(1, len(frame))
	d.net.Receive(frame)
}

// kickRxLocked fills the rx queue. Rx transfers are only posted while the
// interface is open with carrier.
func (d *Device) kickRxLocked() {
	if !d.running || d.suspended > 0 || d.rxHalt || d.rxTimer != nil || d.In == 0 || !d.net.Carrier() {
		return
	}
	for len(d.rxPending) < d.RxQueueLen {
		t := &host.Transfer{
			Address:  d.udev.Address(),
			Endpoint: d.In,
			Type:     hal.TransferBulk,
			Data:     make([]byte, d.RxURBSize),
			Context:  d.runCtx,
			Callback: d.rxComplete,
		}
		id, err := d.tm.Submit(t)
		if err != nil {
			pkg.LogDebug(pkg.ComponentUSBNet, "rx submit failed", "error", err)
			return
		}
		d.rxPending[id] = struct{}{}
	}
}

func (d *Device) cancelRxLocked() {
	if d.tm == nil {
		return
	}
	for id := range d.rxPending {
		_ = d.tm.Cancel(id)
	}
}

func (d *Device) rxComplete(t *host.Transfer, n int, err error) {
	d.mu.Lock()
	delete(d.rxPending, t.ID())
	running := d.running
	d.mu.Unlock()

	retry := true
	switch {
	case err == nil:
		if running && n > 0 {
			d.rxProcess(t.Data[:n])
		}
	case errors.Is(err, pkg.ErrCancelled):
		// Suspend and carrier loss cancel in-flight transfers; a Resume
		// that raced ahead of this completion found the queue still full.
	case errors.Is(err, pkg.ErrNoDevice):
		retry = false
	case errors.Is(err, pkg.ErrTimeout), errors.Is(err, pkg.ErrNAK):
		// no data
	case errors.Is(err, pkg.ErrStall):
		d.net.Counters.RxErrors.Add(1)
		d.mu.Lock()
		d.rxHalt = true
		d.mu.Unlock()
		d.clearHalt(d.In)
		retry = false
	case errors.Is(err, pkg.ErrOverrun):
		d.net.Counters.RxOverErrors.Add(1)
		d.net.Counters.RxErrors.Add(1)
	default:
		d.net.Counters.RxErrors.Add(1)
		pkg.LogDebug(pkg.ComponentUSBNet, "rx error", "netdev", d.net.Name(), "error", err)
		d.mu.Lock()
		if d.running && d.rxTimer == nil {
			d.rxTimer = time.AfterFunc(rxErrorDelay, func() {
				d.mu.Lock()
				d.rxTimer = nil
				d.kickRxLocked()
				d.mu.Unlock()
			})
		}
		d.mu.Unlock()
		retry = false
	}

	if retry {
		d.mu.Lock()
		d.kickRxLocked()
		d.mu.Unlock()
	}
}

func (d *Device) rxProcess(data []byte) {
	if d.info.RxFixup == nil {
		d.Deliver(data)
		return
	}
	if err := d.info.RxFixup(d, data); err != nil {
		d.net.Counters.RxErrors.Add(1)
		pkg.LogDebug(pkg.ComponentUSBNet, "rx fixup failed", "netdev", d.net.Name(), "error", err)
	}
}

// enqueueTx queues one transfer payload. A payload ending on a packet
// boundary gets a zero-length packet with FlagSendZLP, or a pad byte when
// the minidriver does not frame multiple packets itself.
func (d *Device) enqueueTx(data []byte, packets, bytes int) error {
	zlp := false
	if d.MaxPacket > 0 && len(data)%d.MaxPacket == 0 {
		switch {
		case d.info.Flags&FlagSendZLP != 0:
			zlp = true
		case d.info.Flags&FlagMultiPacket == 0:
			padded := make([]byte, len(data)+1)
			copy(padded, data)
			data = padded
		}
	}

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		d.net.Counters.TxDropped.Add(uint64(packets))
		return pkg.ErrNotRunning
	}
	d.txq = append(d.txq, txItem{data: data, packets: packets, bytes: bytes})
	if zlp {
		d.txq = append(d.txq, txItem{data: []byte{}})
	}
	full := len(d.txq) >= d.TxQueueLen
	d.kickTxLocked()
	d.mu.Unlock()

	if full {
		d.net.StopQueue()
	}
	return nil
}

// kickTxLocked submits the head of the tx queue. One tx transfer is in
// flight at a time so frames leave in order.
func (d *Device) kickTxLocked() {
	if !d.running || d.txBusy || d.txHalt || d.suspended > 0 || len(d.txq) == 0 {
		return
	}
	item := d.txq[0]
	d.txq = d.txq[1:]

	t := &host.Transfer{
		Address:  d.udev.Address(),
		Endpoint: d.Out,
		Type:     hal.TransferBulk,
		Data:     item.data,
		Context:  d.runCtx,
		Callback: func(t *host.Transfer, n int, err error) {
			d.txComplete(item, n, err)
		},
	}
	id, err := d.tm.Submit(t)
	if err != nil {
		d.net.Counters.TxErrors.Add(uint64(max(item.packets, 1)))
		pkg.LogDebug(pkg.ComponentUSBNet, "tx submit failed", "error", err)
		return
	}
	d.txBusy, d.txID = true, id
}

func (d *Device) txComplete(item txItem, n int, err error) {
	c := &d.net.Counters
	switch {
	case err == nil:
		if item.packets > 0 {
			c.AddTx(item.packets, item.bytes)
		}
	case errors.Is(err, pkg.ErrCancelled), errors.Is(err, pkg.ErrNoDevice):
		c.TxDropped.Add(uint64(item.packets))
	case errors.Is(err, pkg.ErrStall):
		c.TxErrors.Add(uint64(max(item.packets, 1)))
		d.mu.Lock()
		d.txHalt = true
		d.mu.Unlock()
		d.clearHalt(d.Out)
	default:
		c.TxErrors.Add(uint64(max(item.packets, 1)))
		pkg.LogDebug(pkg.ComponentUSBNet, "tx error", "netdev", d.net.Name(), "error", err)
	}

	d.mu.Lock()
	d.txBusy = false
	wake := d.running && d.suspended == 0 && len(d.txq) < d.TxQueueLen
	d.kickTxLocked()
	d.mu.Unlock()

	if wake && d.net.QueueStopped() && d.net.IsUp() {
		d.net.WakeQueue()
	}
}

func (d *Device) dropTxQueueLocked() int {
	dropped := 0
	for _, item := range d.txq {
		dropped += item.packets
	}
	d.txq = nil
	return dropped
}

// FlushTx sends whatever the TxFixup holds back.
func (d *Device) FlushTx() {
	if !d.Running() || d.info.TxFixup == nil {
		return
	}
	f, err := d.info.TxFixup(d, nil)
	if err != nil {
		d.net.Counters.TxErrors.Add(1)
		return
	}
	if f.Data != nil {
		_ = d.enqueueTx(f.Data, f.Packets, f.Bytes)
	}
}

// clearHalt clears a stalled endpoint in the background and restarts the
// queue that stalled.
func (d *Device) clearHalt(ep uint8) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(d.ctx, ControlTimeout)
		err := d.udev.ClearEndpointHalt(ctx, ep)
		cancel()
		if err != nil {
			pkg.LogWarn(pkg.ComponentUSBNet, "can't clear halt", "netdev", d.net.Name(),
				"endpoint", ep, "error", err)
			return
		}
		pkg.LogDebug(pkg.ComponentUSBNet, "halt cleared", "netdev", d.net.Name(), "endpoint", ep)

		d.mu.Lock()
		defer d.mu.Unlock()
		if ep == d.In {
			d.rxHalt = false
			d.kickRxLocked()
		} else {
			d.txHalt = false
			d.kickTxLocked()
		}
	}()
}

// kickStatusLocked posts the status endpoint poll.
func (d *Device) kickStatusLocked() {
	if !d.running || d.Status == 0 || d.statusBusy || d.statusTimer != nil || d.suspended > 0 {
		return
	}
	size := 16
	for _, intf := range d.udev.Interfaces() {
		if ep := intf.Current().Endpoint(d.Status); ep != nil {
			size = ep.MaxPacket()
			break
		}
	}
	t := &host.Transfer{
		Address:  d.udev.Address(),
		Endpoint: d.Status,
		Type:     hal.TransferInterrupt,
		Data:     make([]byte, size),
		Context:  d.runCtx,
		Callback: d.statusComplete,
	}
	id, err := d.tm.Submit(t)
	if err != nil {
		pkg.LogDebug(pkg.ComponentUSBNet, "status submit failed", "error", err)
		return
	}
	d.statusBusy, d.statusID = true, id
}

func (d *Device) statusComplete(t *host.Transfer, n int, err error) {
	d.mu.Lock()
	d.statusBusy = false
	d.mu.Unlock()

	switch {
	case err == nil:
		if n > 0 && d.info.Status != nil {
			d.info.Status(d, t.Data[:n])
		}
	case errors.Is(err, pkg.ErrCancelled):
	case errors.Is(err, pkg.ErrNoDevice):
		return
	case errors.Is(err, pkg.ErrTimeout), errors.Is(err, pkg.ErrNAK):
	default:
		pkg.LogDebug(pkg.ComponentUSBNet, "status error", "netdev", d.net.Name(), "error", err)
		interval := time.Duration(max(d.StatusInterval, 1)) * time.Millisecond
		d.mu.Lock()
		if d.running && d.statusTimer == nil {
			d.statusTimer = time.AfterFunc(interval, func() {
				d.mu.Lock()
				d.statusTimer = nil
				d.kickStatusLocked()
				d.mu.Unlock()
			})
		}
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	d.kickStatusLocked()
	d.mu.Unlock()
}
