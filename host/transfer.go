package host

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ardnew/idevncm/host/hal"
	"github.com/ardnew/idevncm/pkg"
)

// Transfer represents a USB transfer request.
type Transfer struct {
	// Device address
	Address uint8

	// Endpoint address (0x00-0x0F for OUT, 0x80-0x8F for IN)
	Endpoint uint8

	// Transfer type
	Type hal.TransferType

	// Data buffer (for all transfers)
	Data []byte

	// Setup packet (for control transfers only)
	Setup *hal.SetupPacket

	// Callback runs on a worker goroutine when the transfer completes.
	Callback func(*Transfer, int, error)

	// Context for cancellation
	Context context.Context

	// Internal state
	id        uint64
	completed atomic.Bool
	done      chan struct{}
	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
	result    int
	err       error
}

// ID returns the identifier assigned by Submit.
func (t *Transfer) ID() uint64 {
	return t.id
}

// IsComplete returns true if the transfer has completed.
func (t *Transfer) IsComplete() bool {
	return t.completed.Load()
}

// Result returns the transfer result.
func (t *Transfer) Result() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Wait blocks until the transfer completes or ctx is done.
func (t *Transfer) Wait(ctx context.Context) (int, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// TransferManager runs asynchronous transfers on a pool of workers. It may
// be started again after Stop.
type TransferManager struct {
	host *Host

	// Pending transfers (by ID)
	pending   map[uint64]*Transfer
	pendingMu sync.Mutex
	idle      *sync.Cond

	// Next transfer ID
	nextID atomic.Uint64

	// Worker pool
	workers int
	jobs    chan *Transfer
	wg      sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewTransferManager creates a new transfer manager.
func NewTransferManager(host *Host, workers int) *TransferManager {
	if workers < 1 {
		workers = 1
	}
	tm := &TransferManager{
		host:    host,
		pending: make(map[uint64]*Transfer),
		workers: workers,
	}
	tm.idle = sync.NewCond(&tm.pendingMu)
	return tm
}

// Start starts the worker pool.
func (tm *TransferManager) Start(ctx context.Context) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.running {
		return pkg.ErrAlreadyRunning
	}

	tm.ctx, tm.cancel = context.WithCancel(ctx)
	// At most one queued job per worker is outstanding when callers keep
	// no more transfers in flight than there are workers.
	tm.jobs = make(chan *Transfer, tm.workers)
	tm.running = true

	tm.wg.Add(tm.workers)
	for i := range tm.workers {
		go tm.worker(i, tm.jobs)
	}
	return nil
}

// Stop cancels every in-flight transfer and waits for the workers to exit.
// Callbacks of cancelled transfers run before Stop returns.
func (tm *TransferManager) Stop() error {
	tm.mu.RLock()
	running, cancel := tm.running, tm.cancel
	tm.mu.RUnlock()
	if !running {
		return nil
	}
	cancel()

	tm.mu.Lock()
	if !tm.running {
		tm.mu.Unlock()
		return nil
	}
	tm.running = false
	close(tm.jobs)
	tm.mu.Unlock()

	tm.wg.Wait()
	return nil
}

// IsRunning reports whether the pool accepts transfers.
func (tm *TransferManager) IsRunning() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.running
}

// Submit submits a transfer for execution.
func (tm *TransferManager) Submit(t *Transfer) (uint64, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if !tm.running {
		return 0, pkg.ErrNotRunning
	}
	if tm.ctx.Err() != nil {
		return 0, pkg.ErrCancelled
	}

	t.id = tm.nextID.Add(1)
	t.done = make(chan struct{})
	t.completed.Store(false)

	tm.pendingMu.Lock()
	tm.pending[t.id] = t
	tm.pendingMu.Unlock()

	select {
	case tm.jobs <- t:
		return t.id, nil
	case <-tm.ctx.Done():
		tm.forget(t)
		return 0, pkg.ErrCancelled
	}
}

// Cancel aborts a pending or in-flight transfer. Its callback still runs,
// with pkg.ErrCancelled.
func (tm *TransferManager) Cancel(id uint64) error {
	tm.pendingMu.Lock()
	t, ok := tm.pending[id]
	tm.pendingMu.Unlock()
	if !ok {
		return nil
	}

	t.mu.Lock()
	t.cancelled = true
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()
	return nil
}

// worker processes transfers.
func (tm *TransferManager) worker(id int, jobs <-chan *Transfer) {
	defer tm.wg.Done()
	pkg.LogDebug(pkg.ComponentTransfer, "transfer worker started", "id", id)

	for t := range jobs {
		tm.executeTransfer(t)
	}

	pkg.LogDebug(pkg.ComponentTransfer, "transfer worker stopped", "id", id)
}

// executeTransfer executes a single transfer.
func (tm *TransferManager) executeTransfer(t *Transfer) {
	ctx, cancel := context.WithCancel(tm.ctx)
	defer cancel()
	if t.Context != nil {
		stop := context.AfterFunc(t.Context, cancel)
		defer stop()
	}

	t.mu.Lock()
	cancelled := t.cancelled
	t.cancel = cancel
	t.mu.Unlock()

	var n int
	var err error

	switch {
	case cancelled || ctx.Err() != nil:
		err = pkg.ErrCancelled

	case t.Type == hal.TransferControl:
		if t.Setup == nil {
			err = pkg.ErrInvalidParameter
		} else {
			n, err = tm.host.hal.ControlTransfer(ctx, hal.DeviceAddress(t.Address), t.Setup, t.Data)
		}

	case t.Type == hal.TransferBulk:
		n, err = tm.host.hal.BulkTransfer(ctx, hal.DeviceAddress(t.Address), t.Endpoint, t.Data)

	case t.Type == hal.TransferInterrupt:
		n, err = tm.host.hal.InterruptTransfer(ctx, hal.DeviceAddress(t.Address), t.Endpoint, t.Data)

	case t.Type == hal.TransferIsochronous:
		n, err = tm.host.hal.IsochronousTransfer(ctx, hal.DeviceAddress(t.Address), t.Endpoint, t.Data)

	default:
		err = pkg.ErrInvalidParameter
	}

	// A transfer aborted by its context reports cancellation regardless of
	// how the HAL phrased it.
	if err != nil && ctx.Err() != nil {
		err = pkg.ErrCancelled
	}

	t.mu.Lock()
	t.result = n
	t.err = err
	t.cancel = nil
	t.mu.Unlock()

	tm.completeTransfer(t)
}

// completeTransfer handles transfer completion.
func (tm *TransferManager) completeTransfer(t *Transfer) {
	t.completed.Store(true)
	close(t.done)

	if t.Callback != nil {
		t.Callback(t, t.result, t.err)
	}

	tm.forget(t)
}

func (tm *TransferManager) forget(t *Transfer) {
	tm.pendingMu.Lock()
	delete(tm.pending, t.id)
	if len(tm.pending) == 0 {
		tm.idle.Broadcast()
	}
	tm.pendingMu.Unlock()
}

// PendingCount returns the number of pending transfers.
func (tm *TransferManager) PendingCount() int {
	tm.pendingMu.Lock()
	defer tm.pendingMu.Unlock()
	return len(tm.pending)
}

// WaitAll waits for all pending transfers to complete.
func (tm *TransferManager) WaitAll(ctx context.Context) error {
	// Wake the condition wait when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		tm.pendingMu.Lock()
		tm.idle.Broadcast()
		tm.pendingMu.Unlock()
	})
	defer stop()

	tm.pendingMu.Lock()
	defer tm.pendingMu.Unlock()
	for len(tm.pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		tm.idle.Wait()
	}
	return nil
}
