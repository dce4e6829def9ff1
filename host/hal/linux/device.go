//go:build linux

package linux

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/ardnew/aapbridge/host/hal"
	"github.com/ardnew/aapbridge/pkg"
)

// =============================================================================
// URB Slot Management
// =============================================================================

// urbSlot holds one asynchronous transfer. The urb and the caller's buffer
// stay pinned while the kernel owns them.
type urbSlot struct {
	urb      urb                // The URB structure
	buf      []byte             // Caller-owned data buffer
	done     hal.CompletionFunc // Completion continuation
	inFlight bool               // Submitted and not yet reaped
	pinner   runtime.Pinner
}

// =============================================================================
// Device
// =============================================================================

// Device is a USB device opened through usbfs.
type Device struct {
	path  string
	fd    int
	owned bool // fd was opened by Open and is closed by Close
	poll  *poller

	descOnce sync.Once
	desc     []byte
	descErr  error

	mu          sync.Mutex
	slots       [MaxSlots]urbSlot
	claimedMask uint32 // Bitmask of claimed interfaces
	detachMask  uint32 // Interfaces whose kernel driver we detached
	closed      bool
	gone        bool // Device reported ENODEV or HUP
}

// Ensure Device implements hal.Device.
var _ hal.Device = (*Device)(nil)

// Open opens the usbfs node at path, e.g. /dev/bus/usb/001/004.
func Open(path string) (*Device, error) {
	fd, err := openDevice(path)
	if err != nil {
		return nil, pkg.NewError(pkg.CodeDeviceOpenFailure, "open "+path, err)
	}
	d, err := newDevice(fd, path, true)
	if err != nil {
		closeDevice(fd)
		return nil, err
	}
	return d, nil
}

// Wrap adopts a usbfs file descriptor opened elsewhere, such as one handed
// over by a platform USB manager. Close does not close fd.
func Wrap(fd int, path string) (*Device, error) {
	if fd < 0 {
		return nil, pkg.ErrInvalidParameter
	}
	return newDevice(fd, path, false)
}

func newDevice(fd int, path string, owned bool) (*Device, error) {
	p, err := newPoller()
	if err != nil {
		return nil, pkg.NewError(pkg.CodeDeviceOpenFailure, "poller", err)
	}
	d := &Device{
		path:  path,
		fd:    fd,
		owned: owned,
		poll:  p,
	}
	// usbfs signals reapable URBs as writable.
	if err := p.addFD(fd, unix.EPOLLOUT, d.onEvents); err != nil {
		p.close()
		return nil, pkg.NewError(pkg.CodeDeviceOpenFailure, "poller", err)
	}
	pkg.LogDebug(pkg.ComponentHAL, "device opened", "path", path, "fd", fd, "owned", owned)
	return d, nil
}

// Path returns the device node path.
func (d *Device) Path() string {
	return d.path
}

// FD returns the underlying file descriptor.
func (d *Device) FD() int {
	return d.fd
}

// =============================================================================
// Descriptors
// =============================================================================

// ConfigDescriptor returns the active configuration descriptor. If the
// device does not answer GET_CONFIGURATION, the first configuration is used.
func (d *Device) ConfigDescriptor() ([]byte, error) {
	d.descOnce.Do(func() {
		d.desc, d.descErr = readDescriptors(d.fd)
	})
	if d.descErr != nil {
		return nil, mapErrno(d.descErr)
	}

	active, err := getConfiguration(d.fd)
	if err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "get configuration failed", "path", d.path, "error", err)
		active = 0
	}
	return selectConfiguration(d.desc, active)
}

// selectConfiguration finds the configuration with bConfigurationValue
// active in a usbfs descriptor blob. An active value of 0, or one that
// matches nothing, selects the first configuration.
func selectConfiguration(blob []byte, active uint8) ([]byte, error) {
	var dev hal.DeviceDescriptor
	if !hal.ParseDeviceDescriptor(blob, &dev) {
		return nil, pkg.ErrDescriptorTooShort
	}
	if dev.DescriptorType != hal.DescriptorTypeDevice {
		return nil, pkg.ErrDescriptorTypeMismatch
	}

	var first []byte
	rest := blob[dev.Length:]
	for i := 0; i < int(dev.NumConfigurations) && len(rest) > 0; i++ {
		var cfg hal.ConfigurationDescriptor
		if !hal.ParseConfigurationDescriptor(rest, &cfg) {
			return nil, pkg.ErrDescriptorTooShort
		}
		if cfg.DescriptorType != hal.DescriptorTypeConfiguration {
			return nil, pkg.ErrDescriptorTypeMismatch
		}
		total := int(cfg.TotalLength)
		if total < hal.ConfigurationDescriptorSize || total > len(rest) {
			return nil, pkg.ErrDescriptorTooShort
		}
		if first == nil {
			first = rest[:total]
		}
		if active != 0 && cfg.ConfigurationValue == active {
			return rest[:total], nil
		}
		rest = rest[total:]
	}
	if first == nil {
		return nil, pkg.ErrNotFound
	}
	return first, nil
}

// =============================================================================
// Interface Claiming
// =============================================================================

// ClaimInterface detaches any kernel driver from iface and claims it.
func (d *Device) ClaimInterface(iface uint8) error {
	if iface >= MaxInterfacesPerDevice {
		return pkg.ErrInvalidParameter
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return pkg.ErrDeviceNotOpen
	}

	mask := uint32(1) << iface
	if d.claimedMask&mask != 0 {
		return nil
	}

	detached, err := disconnectDriver(d.fd, iface)
	if err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "driver detach failed", "interface", iface, "error", err)
	}
	if detached {
		d.detachMask |= mask
	}
	if err := claimInterface(d.fd, iface); err != nil {
		return mapErrno(err)
	}

	d.claimedMask |= mask
	pkg.LogDebug(pkg.ComponentHAL, "interface claimed", "path", d.path, "interface", iface)
	return nil
}

// ReleaseInterface releases a previously claimed interface.
func (d *Device) ReleaseInterface(iface uint8) error {
	if iface >= MaxInterfacesPerDevice {
		return pkg.ErrInvalidParameter
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.releaseLocked(iface)
}

func (d *Device) releaseLocked(iface uint8) error {
	mask := uint32(1) << iface
	if d.claimedMask&mask == 0 {
		return nil
	}
	d.claimedMask &^= mask
	reattach := d.detachMask&mask != 0
	d.detachMask &^= mask
	if d.gone {
		return nil
	}
	if err := releaseInterface(d.fd, iface); err != nil {
		return mapErrno(err)
	}
	if reattach {
		if err := connectDriver(d.fd, iface); err != nil {
			pkg.LogDebug(pkg.ComponentHAL, "driver reattach failed", "interface", iface, "error", err)
		}
	}
	return nil
}

// =============================================================================
// Asynchronous Transfers
// =============================================================================

// Submit queues a bulk URB for slot.
func (d *Device) Submit(slot int, endpoint uint8, buf []byte, done hal.CompletionFunc) error {
	if slot < 0 || slot >= MaxSlots || done == nil {
		return pkg.ErrInvalidParameter
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.closed:
		return pkg.ErrDeviceNotOpen
	case d.gone:
		return pkg.ErrNoDevice
	}

	s := &d.slots[slot]
	if s.inFlight {
		return pkg.ErrNoResources
	}

	initBulkURB(&s.urb, endpoint, buf, slot)
	s.pinner.Pin(&s.urb)
	if len(buf) > 0 {
		s.pinner.Pin(&buf[0])
	}

	if err := submitURB(d.fd, &s.urb); err != nil {
		s.pinner.Unpin()
		if isNoDevice(err) {
			d.gone = true
		}
		return mapErrno(err)
	}

	s.buf = buf
	s.done = done
	s.inFlight = true
	return nil
}

// Discard cancels the URB in flight on slot. The cancellation completes
// through HandleEvents with a cancelled status.
func (d *Device) Discard(slot int) error {
	if slot < 0 || slot >= MaxSlots {
		return pkg.ErrInvalidParameter
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	s := &d.slots[slot]
	if !s.inFlight || d.gone {
		return nil
	}
	err := discardURB(d.fd, &s.urb)
	if errors.Is(err, unix.EINVAL) {
		// Already completed; waiting to be reaped.
		return nil
	}
	return mapErrno(err)
}

// HandleEvents waits up to timeout for URB completions and runs their
// continuations. It returns pkg.ErrNoDevice once the device is gone.
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

	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	if _, err := d.poll.pollOnce(ms); err != nil {
		return err
	}

	d.mu.Lock()
	gone = d.gone
	d.mu.Unlock()
	if gone {
		return pkg.ErrNoDevice
	}
	return nil
}

// Wake interrupts a blocked HandleEvents.
func (d *Device) Wake() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	return d.poll.wake()
}

// onEvents runs on the HandleEvents goroutine for each readiness event on
// the device fd.
func (d *Device) onEvents(events uint32) {
	d.reapAll()
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		d.disconnect()
	}
}

// reapAll reaps every completed URB and runs its continuation.
func (d *Device) reapAll() {
	for {
		u, err := reapURBNDelay(d.fd)
		if err != nil {
			if isNoDevice(err) {
				d.disconnect()
			} else if !isAgain(err) {
				pkg.LogWarn(pkg.ComponentHAL, "reap failed", "path", d.path, "error", err)
			}
			return
		}
		d.complete(u)
	}
}

// complete releases the slot owning u and runs its continuation without
// holding the device lock, so the continuation may resubmit.
func (d *Device) complete(u *urb) {
	slot := int(u.userContext)
	if slot < 0 || slot >= MaxSlots {
		return
	}

	d.mu.Lock()
	s := &d.slots[slot]
	if !s.inFlight || u != &s.urb {
		d.mu.Unlock()
		return
	}
	c := hal.Completion{
		Slot:   slot,
		Status: urbStatus(u.status),
		N:      int(u.actualLength),
	}
	if c.Status != pkg.TransferStatusSuccess {
		c.Err = c.Status.Error()
	}
	if c.Status == pkg.TransferStatusNoDevice {
		d.gone = true
	}
	done := s.done
	s.inFlight = false
	s.done = nil
	s.buf = nil
	s.pinner.Unpin()
	d.mu.Unlock()

	done(c)
}

// disconnect marks the device gone and fails every URB still in flight.
// The kernel has already torn them down, so none will be reaped.
func (d *Device) disconnect() {
	d.mu.Lock()
	if !d.gone {
		pkg.LogInfo(pkg.ComponentHAL, "device disconnected", "path", d.path)
	}
	d.gone = true

	var pending []hal.Completion
	var funcs []hal.CompletionFunc
	for i := range d.slots {
		s := &d.slots[i]
		if !s.inFlight {
			continue
		}
		pending = append(pending, hal.Completion{
			Slot:   i,
			Status: pkg.TransferStatusNoDevice,
			Err:    pkg.ErrNoDevice,
		})
		funcs = append(funcs, s.done)
		s.inFlight = false
		s.done = nil
		s.buf = nil
		s.pinner.Unpin()
	}
	d.mu.Unlock()

	for i, c := range pending {
		funcs[i](c)
	}
}

// =============================================================================
// Synchronous Transfers
// =============================================================================

// BulkTransfer performs a synchronous bulk transfer. A timeout reports
// pkg.ErrTimeout; usbfs does not expose the partial count in that case.
func (d *Device) BulkTransfer(endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	d.mu.Lock()
	closed, gone := d.closed, d.gone
	d.mu.Unlock()
	switch {
	case closed:
		return 0, pkg.ErrDeviceNotOpen
	case gone:
		return 0, pkg.ErrNoDevice
	}

	ms := uint32(0)
	if timeout > 0 {
		ms = uint32(timeout.Milliseconds())
		if ms == 0 {
			ms = 1
		}
	}

	n, err := doBulkTransfer(d.fd, endpoint, data, ms)
	if err != nil {
		return 0, mapErrno(err)
	}
	return n, nil
}

// =============================================================================
// Teardown
// =============================================================================

// Close discards pending URBs, releases claimed interfaces and closes the
// device. Continuations of discarded URBs are not run.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true

	for i := range d.slots {
		s := &d.slots[i]
		if !s.inFlight {
			continue
		}
		if !d.gone {
			discardURB(d.fd, &s.urb)
		}
	}
	d.mu.Unlock()

	// Reap the discards so the kernel drops its references to slot memory.
	if !d.gone {
		for {
			u, err := reapURBNDelay(d.fd)
			if err != nil {
				break
			}
			d.mu.Lock()
			if slot := int(u.userContext); slot >= 0 && slot < MaxSlots {
				s := &d.slots[slot]
				s.inFlight = false
				s.done = nil
				s.buf = nil
				s.pinner.Unpin()
			}
			d.mu.Unlock()
		}
	}

	var result *multierror.Error
	d.mu.Lock()
	for i := uint8(0); i < MaxInterfacesPerDevice; i++ {
		result = multierror.Append(result, d.releaseLocked(i))
	}
	d.mu.Unlock()

	d.poll.delFD(d.fd)
	result = multierror.Append(result, d.poll.close())
	if d.owned {
		result = multierror.Append(result, closeDevice(d.fd))
	}

	// Closing the fd tears down anything the reap loop missed.
	d.mu.Lock()
	for i := range d.slots {
		d.slots[i].inFlight = false
		d.slots[i].done = nil
		d.slots[i].buf = nil
		d.slots[i].pinner.Unpin()
	}
	d.mu.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "device closed", "path", d.path)
	return result.ErrorOrNil()
}
