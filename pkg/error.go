package pkg

import "errors"

// USB protocol errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrNAK indicates a NAK response (device busy).
	ErrNAK = errors.New("NAK received")

	// ErrTimeout indicates a transfer timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrOverrun indicates a data overrun condition.
	ErrOverrun = errors.New("data overrun")

	// ErrProtocol indicates a protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrNoDevice indicates the device is not present, or that an interface
	// cannot be driven by the driver probing it.
	ErrNoDevice = errors.New("device not present")

	// ErrNotConfigured indicates the device is not configured.
	ErrNotConfigured = errors.New("device not configured")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidState indicates an invalid device state for the operation.
	ErrInvalidState = errors.New("invalid device state")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrBusy indicates the resource is busy.
	ErrBusy = errors.New("resource busy")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrAlreadyRunning indicates the stack is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the stack is not running.
	ErrNotRunning = errors.New("not running")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNoResources indicates insufficient resources (e.g., pending transfer slots).
	ErrNoResources = errors.New("no resources available")
)
