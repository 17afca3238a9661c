// Package pkg provides shared utilities for the idevncm driver stack.
//
// This package contains common functionality used by the USB host core, the
// network adapter layers and the daemon, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - A [slog.Handler] that forwards into a go-kit logger
//   - Sentinel error types for USB protocol errors
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with per-component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentUSBNet, "link up", "netdev", "usb0")
//
// Daemons that already log through go-kit route library records into the
// same stream:
//
//	pkg.SetLogger(slog.New(pkg.NewKitHandler(logger, nil)))
//
// # Errors
//
// Common USB errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrNoDevice) {
//	    // Interface cannot be driven
//	}
package pkg
