package host

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ardnew/idevncm/host/hal"
	"github.com/ardnew/idevncm/pkg"
)

func startManager(t *testing.T, m *mockHAL, workers int) *TransferManager {
	t.Helper()
	tm := NewTransferManager(New(m), workers)
	if err := tm.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { tm.Stop() })
	return tm
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	t.Cleanup(cancel)
	return ctx
}

// blockingBulk parks bulk transfers until their context ends.
func blockingBulk(started chan<- struct{}) func(context.Context, uint8, []byte) (int, error) {
	return func(ctx context.Context, ep uint8, data []byte) (int, error) {
		started <- struct{}{}
		<-ctx.Done()
		return 0, pkg.ErrTimeout
	}
}

func TestTransferManager_Submit(t *testing.T) {
	mock := newMockHAL()
	mock.bulkFn = func(ctx context.Context, ep uint8, data []byte) (int, error) {
		if ep != 0x83 {
			return 0, pkg.ErrInvalidEndpoint
		}
		return copy(data, "NCMH"), nil
	}
	tm := startManager(t, mock, 2)

	var called atomic.Int32
	tr := &Transfer{
		Address:  1,
		Endpoint: 0x83,
		Type:     hal.TransferBulk,
		Data:     make([]byte, 16),
		Callback: func(tr *Transfer, n int, err error) {
			called.Add(1)
		},
	}
	id, err := tm.Submit(tr)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id == 0 || tr.ID() != id {
		t.Errorf("ID() = %d, Submit returned %d", tr.ID(), id)
	}

	n, err := tr.Wait(waitCtx(t))
	if err != nil || n != 4 {
		t.Fatalf("Wait = %d, %v; want 4, nil", n, err)
	}
	if string(tr.Data[:n]) != "NCMH" {
		t.Errorf("data = %q", tr.Data[:n])
	}
	if !tr.IsComplete() {
		t.Error("IsComplete() = false after Wait")
	}
	if err := tm.WaitAll(waitCtx(t)); err != nil {
		t.Fatalf("WaitAll: %v", err)
	}
	if called.Load() != 1 {
		t.Errorf("callback ran %d times, want 1", called.Load())
	}
	if tm.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", tm.PendingCount())
	}
}

func TestTransferManager_InvalidTransfers(t *testing.T) {
	tm := startManager(t, newMockHAL(), 1)

	tests := []struct {
		name string
		tr   *Transfer
		want error
	}{
		{"ControlWithoutSetup", &Transfer{Type: hal.TransferControl}, pkg.ErrInvalidParameter},
		{"UnknownType", &Transfer{Type: hal.TransferType(9)}, pkg.ErrInvalidParameter},
		{"Isochronous", &Transfer{Type: hal.TransferIsochronous}, pkg.ErrNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tm.Submit(tt.tr); err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if _, err := tt.tr.Wait(waitCtx(t)); !errors.Is(err, tt.want) {
				t.Errorf("Wait = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTransferManager_NotRunning(t *testing.T) {
	tm := NewTransferManager(New(newMockHAL()), 1)
	if tm.IsRunning() {
		t.Error("IsRunning() = true before Start")
	}
	if _, err := tm.Submit(&Transfer{Type: hal.TransferBulk}); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("Submit = %v, want ErrNotRunning", err)
	}
	if err := tm.Stop(); err != nil {
		t.Errorf("Stop before Start = %v", err)
	}
}

func TestTransferManager_StopCancels(t *testing.T) {
	mock := newMockHAL()
	started := make(chan struct{}, 1)
	mock.bulkFn = blockingBulk(started)

	tm := NewTransferManager(New(mock), 2)
	if err := tm.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var got atomic.Value
	tr := &Transfer{
		Type:     hal.TransferBulk,
		Endpoint: 0x83,
		Data:     make([]byte, 512),
		Callback: func(_ *Transfer, _ int, err error) { got.Store(err) },
	}
	if _, err := tm.Submit(tr); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	if err := tm.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Callbacks have run by the time Stop returns.
	if err, _ := got.Load().(error); !errors.Is(err, pkg.ErrCancelled) {
		t.Errorf("callback error = %v, want ErrCancelled", err)
	}
	if tm.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}

	// The pool can be started again.
	mock.bulkFn = nil
	if err := tm.Start(t.Context()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer tm.Stop()
	again := &Transfer{Type: hal.TransferBulk, Endpoint: 0x04, Data: []byte{1, 2, 3}}
	if _, err := tm.Submit(again); err != nil {
		t.Fatalf("Submit after restart: %v", err)
	}
	if n, err := again.Wait(waitCtx(t)); err != nil || n != 3 {
		t.Errorf("Wait = %d, %v; want 3, nil", n, err)
	}
}

func TestTransferManager_Cancel(t *testing.T) {
	mock := newMockHAL()
	started := make(chan struct{}, 1)
	mock.bulkFn = blockingBulk(started)
	tm := startManager(t, mock, 1)

	tr := &Transfer{Type: hal.TransferBulk, Endpoint: 0x83, Data: make([]byte, 64)}
	id, err := tm.Submit(tr)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	if err := tm.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := tr.Wait(waitCtx(t)); !errors.Is(err, pkg.ErrCancelled) {
		t.Errorf("Wait = %v, want ErrCancelled", err)
	}
	// Unknown IDs are ignored.
	if err := tm.Cancel(id + 100); err != nil {
		t.Errorf("Cancel(unknown) = %v", err)
	}
}

func TestTransferManager_TransferContext(t *testing.T) {
	mock := newMockHAL()
	started := make(chan struct{}, 1)
	mock.bulkFn = blockingBulk(started)
	tm := startManager(t, mock, 1)

	ctx, cancel := context.WithCancel(t.Context())
	tr := &Transfer{Type: hal.TransferBulk, Endpoint: 0x83, Data: make([]byte, 64), Context: ctx}
	if _, err := tm.Submit(tr); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	cancel()

	if _, err := tr.Wait(waitCtx(t)); !errors.Is(err, pkg.ErrCancelled) {
		t.Errorf("Wait = %v, want ErrCancelled", err)
	}
}

func BenchmarkTransfer_IsComplete(b *testing.B) {
	tr := &Transfer{}
	tr.completed.Store(true)

	b.ReportAllocs()
	for b.Loop() {
		_ = tr.IsComplete()
	}
}
