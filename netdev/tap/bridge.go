package tap

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/ardnew/idevncm/netdev"
	"github.com/ardnew/idevncm/pkg"
)

// Bridge forwards frames between a port and a network device.
type Bridge struct {
	port io.ReadWriteCloser
	dev  *netdev.Device

	mu      sync.Mutex
	written int
	dropped int
}

// NewBridge returns a bridge between port and dev. The bridge owns port
// and closes it when Run returns.
func NewBridge(port io.ReadWriteCloser, dev *netdev.Device) *Bridge {
	return &Bridge{port: port, dev: dev}
}

// Run forwards frames until ctx is done or the port fails. It returns nil
// when stopped through ctx.
func (b *Bridge) Run(ctx context.Context) error {
	b.dev.SetRxHandler(b.deliver)
	defer b.dev.SetRxHandler(nil)

	stop := context.AfterFunc(ctx, func() { b.port.Close() })
	defer func() {
		if stop() {
			b.port.Close()
		}
	}()

	pkg.LogInfo(pkg.ComponentNetdev, "bridge started", "netdev", b.dev.Name())
	buf := make([]byte, netdev.EthHeaderLen+netdev.EthMaxMTU)
	for {
		n, err := b.port.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF) {
				pkg.LogInfo(pkg.ComponentNetdev, "bridge stopped", "netdev", b.dev.Name())
				return nil
			}
			return err
		}
		if n == 0 {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		if err := b.dev.Xmit(frame); err != nil {
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
			pkg.LogDebug(pkg.ComponentNetdev, "bridge transmit dropped", "netdev", b.dev.Name(), "len", n, "error", err)
		}
	}
}

func (b *Bridge) deliver(d *netdev.Device, frame []byte) {
	if _, err := b.port.Write(frame); err != nil {
		d.Counters.RxDropped.Add(1)
		pkg.LogDebug(pkg.ComponentNetdev, "bridge write failed", "netdev", d.Name(), "error", err)
		return
	}
	b.mu.Lock()
	b.written++
	b.mu.Unlock()
}

// Stats returns the number of frames written to the port and the number
// of port frames the device refused.
func (b *Bridge) Stats() (written, dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written, b.dropped
}
