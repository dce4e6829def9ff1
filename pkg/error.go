package pkg

import (
	"errors"
	"fmt"
)

// USB and bridge errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrTimeout indicates a transfer timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrOverrun indicates a data overrun condition.
	ErrOverrun = errors.New("data overrun")

	// ErrProtocol indicates a protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrEndpointNotFound indicates the active configuration lacks a bulk IN
	// or bulk OUT endpoint.
	ErrEndpointNotFound = errors.New("bulk endpoint not found")

	// ErrDeviceNotOpen indicates an operation that requires an open device.
	ErrDeviceNotOpen = errors.New("device not open")

	// ErrAlreadyOpen indicates the transport already holds a device.
	ErrAlreadyOpen = errors.New("device already open")

	// ErrAlreadyRunning indicates the component is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the component is not running.
	ErrNotRunning = errors.New("not running")

	// ErrDispatcherStopped indicates a dispatch after shutdown began.
	ErrDispatcherStopped = errors.New("dispatcher stopped")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNoResources indicates insufficient resources (e.g., transfer slots).
	ErrNoResources = errors.New("no resources available")

	// ErrTransfersPending indicates reads from a stopped session are still
	// held by the device. The device must be reopened.
	ErrTransfersPending = errors.New("transfers still pending")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrNotFound indicates a lookup miss.
	ErrNotFound = errors.New("not found")
)

// ErrorCode classifies failures reported to the host application.
type ErrorCode int

// Error codes.
const (
	CodeDeviceOpenFailure  ErrorCode = iota + 1 // Endpoint discovery or claim failed
	CodeTransferFailure                         // A single transfer completed with an error
	CodeDeviceDisconnected                      // Device went away; read loop stopped
	CodeFrameCorruption                         // Invalid header; recovered by resync
	CodeQueueOverflow                           // Class queue full; oldest entry dropped
	CodeWriteTimeout                            // Bulk OUT did not complete in time
	CodeWriteFailure                            // Bulk OUT failed
)

// String returns a string representation of the error code.
func (c ErrorCode) String() string {
	switch c {
	case CodeDeviceOpenFailure:
		return "device-open-failure"
	case CodeTransferFailure:
		return "transfer-failure"
	case CodeDeviceDisconnected:
		return "device-disconnected"
	case CodeFrameCorruption:
		return "frame-corruption"
	case CodeQueueOverflow:
		return "queue-overflow"
	case CodeWriteTimeout:
		return "write-timeout"
	case CodeWriteFailure:
		return "write-failure"
	default:
		return "unknown"
	}
}

// Fatal reports whether the code ends the read pipeline.
func (c ErrorCode) Fatal() bool {
	return c == CodeDeviceOpenFailure || c == CodeDeviceDisconnected
}

// Error carries an ErrorCode alongside the failing operation.
type Error struct {
	Code ErrorCode
	Op   string
	Err  error
}

// NewError returns an *Error for op with the given code and cause.
func NewError(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the ErrorCode carried by err, or 0 if err has none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// TransferStatus represents the completion status of a USB transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess   TransferStatus = iota // Transfer completed successfully
	TransferStatusError                           // Transfer failed with error
	TransferStatusStall                           // Endpoint stalled
	TransferStatusTimeout                         // Transfer timed out
	TransferStatusCancelled                       // Transfer was cancelled
	TransferStatusOverrun                         // Data overrun
	TransferStatusNoDevice                        // Device disappeared
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusError:
		return "error"
	case TransferStatusStall:
		return "stall"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusOverrun:
		return "overrun"
	case TransferStatusNoDevice:
		return "no-device"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusOverrun:
		return ErrOverrun
	case TransferStatusNoDevice:
		return ErrNoDevice
	default:
		return ErrProtocol
	}
}
