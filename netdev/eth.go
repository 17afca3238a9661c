package netdev

import (
	"crypto/rand"
	"encoding/binary"
	"net"

	"github.com/ardnew/idevncm/pkg"
)

// Ethernet sizes.
const (
	EthAlen      = 6
	EthHeaderLen = 14
	EthDataLen   = 1500
	EthFrameLen  = EthHeaderLen + EthDataLen
	EthMinMTU    = 68
	EthMaxMTU    = 0xFFFF
)

// EtherSetup applies Ethernet defaults to d.
func EtherSetup(d *Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mtu = EthDataLen
	d.minMTU = EthMinMTU
	d.maxMTU = EthDataLen
	d.hardHeaderLen = EthHeaderLen
	d.flags |= FlagBroadcast | FlagMulticast
}

// IsZeroEtherAddr reports whether addr is all zeroes.
func IsZeroEtherAddr(addr net.HardwareAddr) bool {
	for _, b := range addr {
		if b != 0 {
			return false
		}
	}
	return true
}

// IsMulticastEtherAddr reports whether addr has the group bit set.
func IsMulticastEtherAddr(addr net.HardwareAddr) bool {
	return len(addr) == EthAlen && addr[0]&0x01 != 0
}

// IsBroadcastEtherAddr reports whether addr is ff:ff:ff:ff:ff:ff.
func IsBroadcastEtherAddr(addr net.HardwareAddr) bool {
	if len(addr) != EthAlen {
		return false
	}
	for _, b := range addr {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// IsLocalEtherAddr reports whether addr is locally administered.
func IsLocalEtherAddr(addr net.HardwareAddr) bool {
	return len(addr) == EthAlen && addr[0]&0x02 != 0
}

// IsValidEtherAddr reports whether addr is a usable unicast address.
func IsValidEtherAddr(addr net.HardwareAddr) bool {
	return len(addr) == EthAlen && !IsMulticastEtherAddr(addr) && !IsZeroEtherAddr(addr)
}

// RandomEtherAddr returns a locally administered unicast address.
func RandomEtherAddr() net.HardwareAddr {
	addr := make(net.HardwareAddr, EthAlen)
	_, _ = rand.Read(addr)
	addr[0] &^= 0x01
	addr[0] |= 0x02
	return addr
}

// EthMACAddr is the Ethernet SetMACAddress operation. It refuses to change
// the address of a running interface unless live changes are allowed.
func EthMACAddr(d *Device, addr net.HardwareAddr) error {
	d.mu.RLock()
	busy := d.flags&FlagUp != 0 && !d.liveAddrChange
	d.mu.RUnlock()
	if busy {
		return pkg.ErrBusy
	}
	if !IsValidEtherAddr(addr) {
		return ErrAddrNotAvail
	}
	d.SetHardwareAddr(addr, AddrSet)
	return nil
}

// EthValidateAddr is the Ethernet ValidateAddr operation.
func EthValidateAddr(d *Device) error {
	if !IsValidEtherAddr(d.HardwareAddr()) {
		return ErrAddrNotAvail
	}
	return nil
}

// EthHeader is a view of an Ethernet frame header.
type EthHeader []byte

// Dst returns the destination address.
func (h EthHeader) Dst() net.HardwareAddr { return net.HardwareAddr(h[0:6]) }

// Src returns the source address.
func (h EthHeader) Src() net.HardwareAddr { return net.HardwareAddr(h[6:12]) }

// Type returns the EtherType.
func (h EthHeader) Type() uint16 { return binary.BigEndian.Uint16(h[12:14]) }
