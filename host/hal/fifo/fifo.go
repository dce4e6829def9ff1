package fifo

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ardnew/aapbridge/host/hal"
	"github.com/ardnew/aapbridge/pkg"
)

// Default endpoint addresses of the synthetic configuration.
const (
	DefaultInEndpoint  = 0x81
	DefaultOutEndpoint = 0x01
)

// MaxSlots is the maximum number of concurrent reads.
const MaxSlots = 64

const maxPacketSize = 512 // High Speed bulk

// FIFO file names (inside a device directory).
const (
	fifoHostToDevice = "host_to_device"
	fifoDeviceToHost = "device_to_host"
)

// Errors.
var (
	ErrFIFOCreate = errors.New("failed to create FIFO")
	ErrFIFOOpen   = errors.New("failed to open FIFO")
)

// request is one submitted read.
type request struct {
	slot      int
	buf       []byte
	done      hal.CompletionFunc
	cancelled bool
	reading   bool
}

// completion pairs a result with its continuation.
type completion struct {
	c    hal.Completion
	done hal.CompletionFunc
}

// Option configures a Device.
type Option func(*Device)

// WithEndpoints sets the bulk endpoint addresses reported in the
// configuration descriptor.
func WithEndpoints(in, out uint8) Option {
	return func(d *Device) {
		d.in = in | hal.EndpointDirectionIn
		d.out = out &^ hal.EndpointDirectionIn
	}
}

// WithName sets the name used in log messages.
func WithName(name string) Option {
	return func(d *Device) {
		d.name = name
	}
}

// Device implements hal.Device over a byte stream. Bulk IN transfers read
// from r and bulk OUT transfers write to w. End of stream reports the
// device as disconnected.
type Device struct {
	name string
	r    io.Reader
	w    io.Writer
	in   uint8
	out  uint8

	reqs        chan *request
	completions chan completion
	wake        chan struct{}
	stop        chan struct{}
	wg          sync.WaitGroup

	mu      sync.Mutex
	slots   [MaxSlots]*request
	claimed uint32
	closed  bool
	gone    bool

	wmu sync.Mutex // Serializes writes
}

// Ensure Device implements hal.Device.
var _ hal.Device = (*Device)(nil)

// New returns a Device reading bulk IN data from r and writing bulk OUT
// data to w. A nil w discards writes.
//
// If r implements io.Closer, Close closes it. Close waits for a blocked
// Read to return, so r should be closable or never block indefinitely.
func New(r io.Reader, w io.Writer, opts ...Option) *Device {
	if w == nil {
		w = io.Discard
	}
	d := &Device{
		name:        "fifo",
		r:           r,
		w:           w,
		in:          DefaultInEndpoint,
		out:         DefaultOutEndpoint,
		reqs:        make(chan *request, MaxSlots),
		completions: make(chan completion, MaxSlots),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.wg.Add(1)
	go d.readLoop()

	pkg.LogDebug(pkg.ComponentHAL, "fifo device created", "name", d.name)
	return d
}

// Open returns a Device reading from the file at inPath. If outPath is not
// empty, writes are appended to it.
func Open(inPath, outPath string, opts ...Option) (*Device, error) {
	r, err := os.Open(inPath)
	if err != nil {
		return nil, pkg.NewError(pkg.CodeDeviceOpenFailure, "open "+inPath, err)
	}
	var w io.Writer
	if outPath != "" {
		f, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			r.Close()
			return nil, pkg.NewError(pkg.CodeDeviceOpenFailure, "open "+outPath, err)
		}
		w = f
	}
	return New(r, w, append([]Option{WithName(inPath)}, opts...)...), nil
}

// =============================================================================
// Descriptors
// =============================================================================

// ConfigDescriptor returns a single-interface vendor configuration with one
// bulk IN and one bulk OUT endpoint.
func (d *Device) ConfigDescriptor() ([]byte, error) {
	cfg := hal.Configuration{
		ConfigurationDescriptor: hal.ConfigurationDescriptor{
			ConfigurationValue: 1,
			Attributes:         0x80,
			MaxPower:           250,
		},
		Interfaces: []hal.Interface{{
			InterfaceDescriptor: hal.InterfaceDescriptor{
				InterfaceClass:    0xFF,
				InterfaceSubClass: 0xFF,
			},
			Endpoints: []hal.EndpointDescriptor{
				{EndpointAddress: d.in, Attributes: uint8(hal.TransferBulk), MaxPacketSize: maxPacketSize},
				{EndpointAddress: d.out, Attributes: uint8(hal.TransferBulk), MaxPacketSize: maxPacketSize},
			},
		}},
	}
	return hal.AppendConfiguration(nil, &cfg), nil
}

// ClaimInterface records a claim on iface. Only interface 0 exists.
func (d *Device) ClaimInterface(iface uint8) error {
	if iface != 0 {
		return pkg.ErrInvalidParameter
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return pkg.ErrDeviceNotOpen
	}
	d.claimed |= 1 << iface
	return nil
}

// ReleaseInterface drops a claim on iface.
func (d *Device) ReleaseInterface(iface uint8) error {
	if iface != 0 {
		return pkg.ErrInvalidParameter
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.claimed &^= 1 << iface
	return nil
}

// Claimed reports whether iface is claimed.
func (d *Device) Claimed(iface uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return iface < 32 && d.claimed&(1<<iface) != 0
}

// =============================================================================
// Asynchronous Transfers
// =============================================================================

// Submit queues a read into buf. Reads are served in submission order.
func (d *Device) Submit(slot int, endpoint uint8, buf []byte, done hal.CompletionFunc) error {
	if slot < 0 || slot >= MaxSlots || done == nil {
		return pkg.ErrInvalidParameter
	}
	if endpoint != d.in {
		return pkg.ErrInvalidEndpoint
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.closed:
		return pkg.ErrDeviceNotOpen
	case d.gone:
		return pkg.ErrNoDevice
	case d.slots[slot] != nil:
		return pkg.ErrNoResources
	}

	req := &request{slot: slot, buf: buf, done: done}
	d.slots[slot] = req
	// Never blocks: at most MaxSlots requests are outstanding.
	d.reqs <- req
	return nil
}

// Discard cancels the read on slot. A read that has not started completes
// as cancelled; one in progress is interrupted if r supports read
// deadlines.
func (d *Device) Discard(slot int) error {
	if slot < 0 || slot >= MaxSlots {
		return pkg.ErrInvalidParameter
	}

	d.mu.Lock()
	req := d.slots[slot]
	if req == nil {
		d.mu.Unlock()
		return nil
	}
	req.cancelled = true
	reading := req.reading
	d.mu.Unlock()

	if reading {
		if dl, ok := d.r.(interface{ SetReadDeadline(time.Time) error }); ok {
			dl.SetReadDeadline(time.Now())
		}
	}
	return nil
}

// HandleEvents waits up to timeout for a completion, then runs every
// completion that is ready. It returns pkg.ErrNoDevice once end of stream
// has been delivered.
func (d *Device) HandleEvents(timeout time.Duration) error {
	d.mu.Lock()
	closed, gone := d.closed, d.gone
	d.mu.Unlock()
	if closed {
		return pkg.ErrDeviceNotOpen
	}
	if gone {
		return pkg.ErrNoDevice
	}

	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case c := <-d.completions:
		d.run(c)
	case <-d.wake:
		return nil
	case <-expired:
		return nil
	case <-d.stop:
		return pkg.ErrDeviceNotOpen
	}

drain:
	for {
		select {
		case c := <-d.completions:
			d.run(c)
		default:
			break drain
		}
	}

	d.mu.Lock()
	gone = d.gone
	d.mu.Unlock()
	if gone {
		return pkg.ErrNoDevice
	}
	return nil
}

// run frees the slot and invokes the continuation, which may resubmit.
func (d *Device) run(c completion) {
	d.mu.Lock()
	d.slots[c.c.Slot] = nil
	if c.c.Status == pkg.TransferStatusNoDevice {
		if !d.gone {
			pkg.LogInfo(pkg.ComponentHAL, "fifo device reached end of stream", "name", d.name)
		}
		d.gone = true
	}
	d.mu.Unlock()

	c.done(c.c)
}

// Wake interrupts a blocked HandleEvents.
func (d *Device) Wake() error {
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// readLoop serves submitted reads one at a time.
func (d *Device) readLoop() {
	defer d.wg.Done()

	for {
		var req *request
		select {
		case <-d.stop:
			return
		case req = <-d.reqs:
		}

		d.mu.Lock()
		if req.cancelled {
			d.mu.Unlock()
			d.post(req, pkg.TransferStatusCancelled, 0, pkg.ErrCancelled)
			continue
		}
		req.reading = true
		d.mu.Unlock()

		n, err := d.r.Read(req.buf)

		d.mu.Lock()
		req.reading = false
		cancelled := req.cancelled
		d.mu.Unlock()

		switch {
		case cancelled:
			if dl, ok := d.r.(interface{ SetReadDeadline(time.Time) error }); ok {
				dl.SetReadDeadline(time.Time{})
			}
			d.post(req, pkg.TransferStatusCancelled, n, pkg.ErrCancelled)
		case n > 0:
			// Data first; a trailing error resurfaces on the next Read.
			d.post(req, pkg.TransferStatusSuccess, n, nil)
		case err == nil:
			d.post(req, pkg.TransferStatusSuccess, 0, nil)
		case errors.Is(err, os.ErrDeadlineExceeded):
			d.post(req, pkg.TransferStatusTimeout, 0, pkg.ErrTimeout)
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed), errors.Is(err, io.ErrClosedPipe):
			d.post(req, pkg.TransferStatusNoDevice, 0, pkg.ErrNoDevice)
		default:
			d.post(req, pkg.TransferStatusError, 0, err)
		}
	}
}

// post queues a completion. Never blocks: completions cannot outnumber
// outstanding requests.
func (d *Device) post(req *request, status pkg.TransferStatus, n int, err error) {
	d.completions <- completion{
		c: hal.Completion{
			Slot:   req.slot,
			Status: status,
			N:      n,
			Err:    err,
		},
		done: req.done,
	}
}

// =============================================================================
// Synchronous Transfers
// =============================================================================

// BulkTransfer writes data to w. When w supports write deadlines, timeout
// bounds the write and a timeout reports the partial count with
// pkg.ErrTimeout.
func (d *Device) BulkTransfer(endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	if endpoint != d.out {
		return 0, pkg.ErrInvalidEndpoint
	}

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return 0, pkg.ErrDeviceNotOpen
	}

	d.wmu.Lock()
	defer d.wmu.Unlock()

	dl, hasDeadline := d.w.(interface{ SetWriteDeadline(time.Time) error })
	if hasDeadline && timeout > 0 {
		if dl.SetWriteDeadline(time.Now().Add(timeout)) != nil {
			hasDeadline = false
		} else {
			defer dl.SetWriteDeadline(time.Time{})
		}
	}

	n, err := d.w.Write(data)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return n, pkg.ErrTimeout
	case errors.Is(err, os.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return n, pkg.ErrNoDevice
	default:
		return n, err
	}
}

// =============================================================================
// Teardown
// =============================================================================

// Close stops the reader and closes the underlying streams. Pending reads
// are dropped without running their continuations.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	close(d.stop)

	var result *multierror.Error
	if c, ok := d.r.(io.Closer); ok {
		result = multierror.Append(result, c.Close())
	}
	d.wg.Wait()
	if c, ok := d.w.(io.Closer); ok {
		// r and w may be the same stream.
		if err := c.Close(); !errors.Is(err, os.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}

	pkg.LogDebug(pkg.ComponentHAL, "fifo device closed", "name", d.name)
	return result.ErrorOrNil()
}
