// Package transport moves bytes between a USB accessory and the dispatcher.
//
// A Transport keeps a fixed pool of bulk IN transfers in flight. One event
// goroutine services their completions: received bytes go into a ring, the
// framer cuts the ring into frames and each frame is handed to the
// dispatcher, all on that goroutine. Writes are synchronous bulk OUT
// transfers issued from the caller's goroutine.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/ardnew/aapbridge/channel"
	"github.com/ardnew/aapbridge/dispatch"
	"github.com/ardnew/aapbridge/frame"
	"github.com/ardnew/aapbridge/host/hal"
	"github.com/ardnew/aapbridge/pkg"
	"github.com/ardnew/aapbridge/ring"
)

// ErrorHandler receives transport failures. It runs on the event goroutine
// or the writer's goroutine and must not block.
type ErrorHandler func(code pkg.ErrorCode, msg string)

// Transport is the USB side of a connection.
type Transport struct {
	cfg    Config
	disp   *dispatch.Dispatcher
	ring   *ring.Ring
	framer *frame.Framer

	mu      sync.Mutex
	dev     hal.Device
	eps     hal.BulkEndpoints
	claimed bool
	onError ErrorHandler

	// Read side; slot states are guarded by slotMu.
	slotMu   sync.Mutex
	reading  bool
	sess     *readSession
	stale    *readSession // stopped with transfers still held by the device
	stopping atomic.Bool
	gone     atomic.Bool
	done     chan struct{}

	stats counters
}

// New creates a transport that feeds d.
func New(cfg Config, d *dispatch.Dispatcher) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("nil dispatcher: %w", pkg.ErrInvalidParameter)
	}
	r, err := ring.New(cfg.RingSize)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		cfg:  cfg,
		disp: d,
		ring: r,
	}
	t.framer = frame.New(r, t.emit, frame.WithMaxLength(cfg.MaxFrameLength))
	return t, nil
}

// SetErrorHandler registers the failure callback. A nil handler discards
// reports.
func (t *Transport) SetErrorHandler(h ErrorHandler) {
	t.mu.Lock()
	t.onError = h
	t.mu.Unlock()
}

func (t *Transport) report(code pkg.ErrorCode, msg string) {
	t.mu.Lock()
	h := t.onError
	t.mu.Unlock()

	if code.Fatal() {
		pkg.LogError(pkg.ComponentTransport, msg, "code", code.String())
	} else {
		pkg.LogWarn(pkg.ComponentTransport, msg, "code", code.String())
	}
	if h != nil {
		h(code, msg)
	}
}

// Open discovers the first bulk IN and bulk OUT endpoints of the active
// configuration and claims their interface. Failures are reported with
// CodeDeviceOpenFailure and returned as a *pkg.Error.
func (t *Transport) Open(dev hal.Device) error {
	if dev == nil {
		return pkg.ErrInvalidParameter
	}

	t.mu.Lock()
	if t.dev != nil {
		t.mu.Unlock()
		return pkg.ErrAlreadyOpen
	}
	eps, err := t.openLocked(dev)
	t.mu.Unlock()

	if err != nil {
		var e *pkg.Error
		if errors.As(err, &e) {
			t.report(e.Code, e.Error())
		}
		return err
	}
	pkg.LogInfo(pkg.ComponentTransport, "device opened", "endpoints", eps.String())
	return nil
}

func (t *Transport) openLocked(dev hal.Device) (hal.BulkEndpoints, error) {
	var eps hal.BulkEndpoints

	raw, err := dev.ConfigDescriptor()
	if err != nil {
		return eps, pkg.NewError(pkg.CodeDeviceOpenFailure, "config descriptor", err)
	}
	cfg, err := hal.ParseConfiguration(raw)
	if err != nil {
		return eps, pkg.NewError(pkg.CodeDeviceOpenFailure, "parse configuration", err)
	}
	if eps, err = hal.FindBulkEndpoints(&cfg); err != nil {
		return eps, pkg.NewError(pkg.CodeDeviceOpenFailure, "find endpoints", err)
	}
	if t.cfg.ClaimInterface {
		if err := dev.ClaimInterface(eps.Interface); err != nil {
			return eps, pkg.NewError(pkg.CodeDeviceOpenFailure,
				fmt.Sprintf("claim interface %d", eps.Interface), err)
		}
		t.claimed = true
	}

	t.dev = dev
	t.eps = eps
	return eps, nil
}

// IsOpen reports whether a device is held.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dev != nil
}

// Endpoints returns the endpoints found by Open.
func (t *Transport) Endpoints() hal.BulkEndpoints {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eps
}

func (t *Transport) device() (hal.Device, hal.BulkEndpoints) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dev, t.eps
}

// Close stops reading, releases the interface and closes the device.
func (t *Transport) Close() error {
	var result *multierror.Error
	result = multierror.Append(result, t.StopReading())

	t.mu.Lock()
	dev, eps, claimed := t.dev, t.eps, t.claimed
	t.dev = nil
	t.eps = hal.BulkEndpoints{}
	t.claimed = false
	t.mu.Unlock()

	// Closing the device reaps whatever a stopped session left behind.
	t.slotMu.Lock()
	t.stale = nil
	t.slotMu.Unlock()

	if dev == nil {
		return result.ErrorOrNil()
	}
	if claimed && !t.gone.Load() {
		if err := dev.ReleaseInterface(eps.Interface); err != nil {
			result = multierror.Append(result, fmt.Errorf("release interface %d: %w", eps.Interface, err))
		}
	}
	result = multierror.Append(result, dev.Close())

	pkg.LogInfo(pkg.ComponentTransport, "device closed")
	return result.ErrorOrNil()
}

// Write sends data on the bulk OUT endpoint and returns the number of bytes
// transferred. A timeout is not an error: it returns the partial count,
// which may be zero, and reports CodeWriteTimeout. Other failures return a
// *pkg.Error with CodeWriteFailure.
func (t *Transport) Write(data []byte) (int, error) {
	dev, eps := t.device()
	if dev == nil {
		return 0, pkg.ErrDeviceNotOpen
	}

	n, err := dev.BulkTransfer(eps.Out, data, t.cfg.WriteTimeout)
	switch {
	case err == nil:
		t.stats.writes.Add(1)
		t.stats.bytesWritten.Add(uint64(n))
		return n, nil

	case errors.Is(err, pkg.ErrTimeout):
		t.stats.writeTimeouts.Add(1)
		t.stats.bytesWritten.Add(uint64(n))
		t.report(pkg.CodeWriteTimeout,
			fmt.Sprintf("write timed out after %v: %d of %d bytes", t.cfg.WriteTimeout, n, len(data)))
		return n, nil

	default:
		t.stats.writeErrors.Add(1)
		e := pkg.NewError(pkg.CodeWriteFailure, "write", err)
		t.report(e.Code, e.Error())
		return n, e
	}
}

// Stats returns a snapshot of the transport, framer and dispatcher
// counters.
func (t *Transport) Stats() Stats {
	s := t.stats.snapshot()
	s.Framer = t.framer.Stats()
	s.Dispatch = t.disp.Stats()
	return s
}

// emit hands a complete frame to the dispatcher. Runs on the event
// goroutine.
func (t *Transport) emit(ch channel.ID, msg []byte) {
	if err := t.disp.Dispatch(ch, msg); err != nil && pkg.DebugEnabled() {
		pkg.LogDebug(pkg.ComponentTransport, "frame not dispatched", "channel", ch.String(), "error", err)
	}
}
