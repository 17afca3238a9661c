//go:build !linux

package tap

import (
	"net"
	"os"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/idevncm/pkg"
)

// Tap is a kernel TAP interface. It is only available on Linux.
type Tap struct {
	*os.File
	name string
}

// Open reports pkg.ErrNotSupported.
func Open(name string) (*Tap, error) {
	return nil, errors.Wrapf(pkg.ErrNotSupported, "tap %q", name)
}

func (t *Tap) Name() string                           { return t.name }
func (t *Tap) SetUp(bool) error                       { return pkg.ErrNotSupported }
func (t *Tap) SetMTU(int) error                       { return pkg.ErrNotSupported }
func (t *Tap) SetHardwareAddr(net.HardwareAddr) error { return pkg.ErrNotSupported }
