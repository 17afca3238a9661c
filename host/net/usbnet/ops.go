package usbnet

import (
	"fmt"
	"net"

	"github.com/ardnew/idevncm/host"
	"github.com/ardnew/idevncm/host/hal"
	"github.com/ardnew/idevncm/netdev"
	"github.com/ardnew/idevncm/pkg"
)

// CDC SET_ETHERNET_PACKET_FILTER request and its filter bits.
const (
	RequestSetEthernetPacketFilter = 0x43

	PacketTypePromiscuous  = 1 << 0
	PacketTypeAllMulticast = 1 << 1
	PacketTypeDirected     = 1 << 2
	PacketTypeBroadcast    = 1 << 3
	PacketTypeMulticast    = 1 << 4
)

// StartXmit queues frame for transmission, passing it through the
// minidriver's TxFixup when there is one.
func (d *Device) StartXmit(frame []byte) error {
	data, packets, bytes := frame, 1, len(frame)
	if d.info.TxFixup != nil {
		f, err := d.info.TxFixup(d, frame)
		if err != nil {
			d.net.Counters.TxDropped.Add(1)
			return err
		}
		if f.Data == nil {
			// Held back for aggregation.
			return nil
		}
		data, packets, bytes = f.Data, f.Packets, f.Bytes
	}
	return d.enqueueTx(data, packets, bytes)
}

// TxTimeout aborts the transfer in flight and drops the tx queue.
func (d *Device) TxTimeout() {
	d.mu.Lock()
	dropped := d.dropTxQueueLocked()
	busy, id, tm := d.txBusy, d.txID, d.tm
	d.mu.Unlock()

	if busy && tm != nil {
		_ = tm.Cancel(id)
	}
	d.net.Counters.TxDropped.Add(uint64(dropped))
	pkg.LogWarn(pkg.ComponentUSBNet, "tx timeout", "netdev", d.net.Name(), "dropped", dropped)
	d.net.WakeQueue()
}

// SetRxMode runs the minidriver's receive filter hook.
func (d *Device) SetRxMode() {
	if d.info.SetRxMode != nil {
		d.info.SetRxMode(d)
	}
}

// GetStats64 reports the device counters.
func (d *Device) GetStats64(s *netdev.Stats) {
	netdev.GetTStats64(d.net, s)
}

// ChangeMTU is the generic MTU change. A frame size that is a multiple of
// the bulk packet size is refused with ErrMTUAlignment.
func (d *Device) ChangeMTU(mtu int) error {
	llMTU := mtu + d.net.HardHeaderLen()
	if d.MaxPacket > 0 && llMTU%d.MaxPacket == 0 {
		return fmt.Errorf("mtu %d: %w", mtu, ErrMTUAlignment)
	}

	d.mu.Lock()
	oldHardMTU := d.HardMTU
	d.HardMTU = llMTU
	if d.RxURBSize == oldHardMTU {
		d.RxURBSize = d.HardMTU
		// Buffers posted with the old size are replaced as they complete.
	}
	d.mu.Unlock()

	d.net.SetMTU(mtu)
	return nil
}

// SetMACAddress is the Ethernet address change.
func (d *Device) SetMACAddress(addr net.HardwareAddr) error {
	return netdev.EthMACAddr(d.net, addr)
}

// ValidateAddr is the Ethernet address check.
func (d *Device) ValidateAddr() error {
	return netdev.EthValidateAddr(d.net)
}

// CDCUpdateFilter programs the CDC Ethernet packet filter from the
// interface flags and multicast list.
func CDCUpdateFilter(d *Device) {
	filter := uint16(PacketTypeDirected | PacketTypeBroadcast)
	if d.net.Promisc() {
		pkg.LogInfo(pkg.ComponentUSBNet, "promiscuous mode enabled", "netdev", d.net.Name())
		filter |= PacketTypePromiscuous
	}
	if len(d.net.Multicast()) > 0 || d.net.Flags()&netdev.FlagAllMulti != 0 {
		filter |= PacketTypeAllMulticast
	}

	setup := hal.SetupPacket{
		RequestType: host.RequestTypeOut | host.RequestTypeClass | host.RequestTypeInterface,
		Request:     RequestSetEthernetPacketFilter,
		Value:       filter,
		Index:       uint16(d.intf.Number()),
	}
	if _, err := d.Control(&setup, nil); err != nil {
		pkg.LogDebug(pkg.ComponentUSBNet, "set packet filter failed",
			"netdev", d.net.Name(), "filter", filter, "error", err)
	}
}
