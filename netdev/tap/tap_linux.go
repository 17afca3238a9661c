//go:build linux

package tap

import (
	"net"
	"os"
	"unsafe"

	"github.com/efficientgo/core/errors"
	"golang.org/x/sys/unix"
)

const cloneDevice = "/dev/net/tun"

// Tap is a kernel TAP interface.
type Tap struct {
	*os.File
	name string
}

// Open creates or attaches to the TAP interface name. An empty name or a
// template such as "idev%d" lets the kernel pick one.
func Open(name string) (*Tap, error) {
	fd, err := unix.Open(cloneDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", cloneDevice)
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "interface name %q", name)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "TUNSETIFF %q", name)
	}
	// Non-blocking mode puts the descriptor on the runtime poller, so Close
	// interrupts a pending Read.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "set non-blocking")
	}
	return &Tap{File: os.NewFile(uintptr(fd), cloneDevice), name: ifr.Name()}, nil
}

// Name returns the interface name the kernel assigned.
func (t *Tap) Name() string {
	return t.name
}

// SetUp raises or lowers the interface.
func (t *Tap) SetUp(up bool) error {
	return withSocket(func(s int) error {
		ifr, err := unix.NewIfreq(t.name)
		if err != nil {
			return err
		}
		if err := unix.IoctlIfreq(s, unix.SIOCGIFFLAGS, ifr); err != nil {
			return errors.Wrap(err, "SIOCGIFFLAGS")
		}
		flags := ifr.Uint16()
		if up {
			flags |= unix.IFF_UP
		} else {
			flags &^= unix.IFF_UP
		}
		ifr.SetUint16(flags)
		if err := unix.IoctlIfreq(s, unix.SIOCSIFFLAGS, ifr); err != nil {
			return errors.Wrap(err, "SIOCSIFFLAGS")
		}
		return nil
	})
}

// SetMTU sets the interface MTU.
func (t *Tap) SetMTU(mtu int) error {
	return withSocket(func(s int) error {
		ifr, err := unix.NewIfreq(t.name)
		if err != nil {
			return err
		}
		ifr.SetUint32(uint32(mtu))
		if err := unix.IoctlIfreq(s, unix.SIOCSIFMTU, ifr); err != nil {
			return errors.Wrap(err, "SIOCSIFMTU")
		}
		return nil
	})
}

// ifreqHwaddr mirrors struct ifreq with an ifr_hwaddr member.
type ifreqHwaddr struct {
	name   [unix.IFNAMSIZ]byte
	family uint16
	data   [14]byte
	_      [8]byte
}

// SetHardwareAddr sets the interface MAC address.
func (t *Tap) SetHardwareAddr(addr net.HardwareAddr) error {
	if len(addr) != 6 {
		return errors.Newf("hardware address %s: want 6 bytes", addr)
	}
	return withSocket(func(s int) error {
		var req ifreqHwaddr
		copy(req.name[:unix.IFNAMSIZ-1], t.name)
		req.family = unix.ARPHRD_ETHER
		copy(req.data[:], addr)
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(s), unix.SIOCSIFHWADDR, uintptr(unsafe.Pointer(&req)))
		if errno != 0 {
			return errors.Wrap(errno, "SIOCSIFHWADDR")
		}
		return nil
	})
}

func withSocket(fn func(s int) error) error {
	s, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return errors.Wrap(err, "control socket")
	}
	defer unix.Close(s)
	return fn(s)
}
