package hal

import (
	"time"

	"github.com/ardnew/aapbridge/pkg"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
	SpeedSuper                // SuperSpeed (5 Gbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	case SpeedSuper:
		return "SuperSpeed"
	default:
		return "Unknown"
	}
}

// SetupPacket represents a USB SETUP packet in the HAL layer.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// Completion reports the outcome of an asynchronous transfer.
type Completion struct {
	Slot   int                // Slot passed to Submit
	Status pkg.TransferStatus // Outcome
	N      int                // Bytes transferred
	Err    error              // Underlying error for non-success statuses
}

// CompletionFunc handles a completed transfer.
type CompletionFunc func(Completion)

// Device is a USB device opened for bulk I/O.
//
// Submit, Discard and HandleEvents are called from the transport's event
// goroutine and from StopReading; Wake and BulkTransfer may be called from
// any goroutine.
type Device interface {
	// ConfigDescriptor returns the full active configuration descriptor,
	// including its interface and endpoint descriptors.
	ConfigDescriptor() ([]byte, error)

	// ClaimInterface claims exclusive access to an interface, detaching
	// any kernel driver first.
	ClaimInterface(iface uint8) error

	// ReleaseInterface releases a previously claimed interface.
	ReleaseInterface(iface uint8) error

	// Submit queues an asynchronous bulk transfer for slot on endpoint.
	// buf must stay valid until done has run.
	Submit(slot int, endpoint uint8, buf []byte, done CompletionFunc) error

	// Discard cancels the transfer in flight on slot, if any.
	Discard(slot int) error

	// HandleEvents waits up to timeout for completions and runs their
	// callbacks on the calling goroutine.
	HandleEvents(timeout time.Duration) error

	// Wake interrupts a blocked HandleEvents.
	Wake() error

	// BulkTransfer performs a synchronous bulk transfer and returns the
	// number of bytes transferred.
	BulkTransfer(endpoint uint8, data []byte, timeout time.Duration) (int, error)

	// Close releases the device. Pending transfers are discarded.
	Close() error
}
