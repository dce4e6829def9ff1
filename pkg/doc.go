// Package pkg provides shared utilities for the aapbridge packages.
//
// This package contains common functionality used across the transport,
// framing and dispatch layers, including:
//
//   - Structured logging via [go.uber.org/zap]
//   - Sentinel errors and the [ErrorCode] taxonomy reported to host applications
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps zap with a component field:
//
//	pkg.SetLogLevel(zapcore.DebugLevel)
//	pkg.LogInfo(pkg.ComponentTransport, "reading started", "slots", 4)
//
// # Errors
//
// Common errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrNoDevice) {
//	    // Reopen the device
//	}
//
// Errors surfaced to the host carry an [ErrorCode]:
//
//	if pkg.CodeOf(err).Fatal() {
//	    // Read loop has stopped
//	}
package pkg
