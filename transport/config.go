package transport

import (
	"fmt"
	"time"

	"github.com/ardnew/aapbridge/frame"
	"github.com/ardnew/aapbridge/pkg"
)

// Defaults.
const (
	DefaultSlots        = 4
	DefaultSlotSize     = 16 * 1024
	DefaultRingSize     = 512 * 1024
	DefaultWriteTimeout = time.Second
	DefaultEventTimeout = 100 * time.Millisecond
	DefaultDrainTimeout = time.Second
)

// MaxSlots bounds the read pool.
const MaxSlots = 64

// Config sizes the read pool and sets transfer timeouts.
type Config struct {
	Slots    int // concurrent bulk IN transfers
	SlotSize int // bytes per transfer buffer
	RingSize int // ring capacity; holds RingSize-1 bytes

	WriteTimeout time.Duration // bulk OUT timeout
	EventTimeout time.Duration // bound on one wait for completions
	DrainTimeout time.Duration // how long StopReading waits for cancellations

	// MaxFrameLength rejects frames declaring a longer body.
	MaxFrameLength int

	// RawMode skips framing and dispatches every completion's bytes on
	// channel.Raw.
	RawMode bool

	// ClaimInterface claims the interface owning the bulk IN endpoint
	// on Open. Disable when the platform already holds the claim.
	ClaimInterface bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Slots:          DefaultSlots,
		SlotSize:       DefaultSlotSize,
		RingSize:       DefaultRingSize,
		WriteTimeout:   DefaultWriteTimeout,
		EventTimeout:   DefaultEventTimeout,
		DrainTimeout:   DefaultDrainTimeout,
		MaxFrameLength: frame.MaxBodyLength,
		ClaimInterface: true,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Slots < 1 || c.Slots > MaxSlots:
		return fmt.Errorf("slots %d not in [1, %d]: %w", c.Slots, MaxSlots, pkg.ErrInvalidParameter)
	case c.SlotSize < 1:
		return fmt.Errorf("slot size %d: %w", c.SlotSize, pkg.ErrInvalidParameter)
	case c.RingSize <= frame.HeaderSize:
		return fmt.Errorf("ring size %d: %w", c.RingSize, pkg.ErrInvalidParameter)
	case c.WriteTimeout <= 0:
		return fmt.Errorf("write timeout %v: %w", c.WriteTimeout, pkg.ErrInvalidParameter)
	case c.EventTimeout <= 0:
		return fmt.Errorf("event timeout %v: %w", c.EventTimeout, pkg.ErrInvalidParameter)
	case c.DrainTimeout <= 0:
		return fmt.Errorf("drain timeout %v: %w", c.DrainTimeout, pkg.ErrInvalidParameter)
	case c.MaxFrameLength < 0 || c.MaxFrameLength > frame.MaxBodyLength:
		return fmt.Errorf("max frame length %d: %w", c.MaxFrameLength, pkg.ErrInvalidParameter)
	}
	return nil
}
