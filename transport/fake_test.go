package transport

import (
	"sync"
	"time"

	"github.com/ardnew/aapbridge/host/hal"
	"github.com/ardnew/aapbridge/pkg"
)

// fakeDevice is an in-memory hal.Device. Tests complete pending reads with
// deliver, fail and disconnect; completions run on the HandleEvents caller.
type fakeDevice struct {
	mu       sync.Mutex
	desc     []byte
	claimErr error
	claimed  map[uint8]bool
	released []uint8
	pending  map[int]*fakeRequest
	closed   bool
	gone     bool

	// holdDiscard makes Discard a no-op: cancelled reads never complete.
	holdDiscard bool

	// Submit fails with submitErr once submits reaches failAfter.
	submitErr error
	failAfter int
	submits   int

	write func(data []byte) (int, error)

	events chan func()
	wake   chan struct{}
}

type fakeRequest struct {
	slot int
	ep   uint8
	buf  []byte
	done hal.CompletionFunc
}

func newFakeDevice() *fakeDevice {
	cfg := hal.Configuration{
		ConfigurationDescriptor: hal.ConfigurationDescriptor{ConfigurationValue: 1},
		Interfaces: []hal.Interface{{
			InterfaceDescriptor: hal.InterfaceDescriptor{InterfaceNumber: 0, InterfaceClass: 0xFF},
			Endpoints: []hal.EndpointDescriptor{
				{EndpointAddress: 0x81, Attributes: uint8(hal.TransferBulk), MaxPacketSize: 512},
				{EndpointAddress: 0x01, Attributes: uint8(hal.TransferBulk), MaxPacketSize: 512},
			},
		}},
	}
	return &fakeDevice{
		desc:    hal.AppendConfiguration(nil, &cfg),
		claimed: make(map[uint8]bool),
		pending: make(map[int]*fakeRequest),
		events:  make(chan func(), 256),
		wake:    make(chan struct{}, 1),
	}
}

func (f *fakeDevice) ConfigDescriptor() ([]byte, error) {
	return f.desc, nil
}

func (f *fakeDevice) ClaimInterface(iface uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return f.claimErr
	}
	f.claimed[iface] = true
	return nil
}

func (f *fakeDevice) ReleaseInterface(iface uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claimed, iface)
	f.released = append(f.released, iface)
	return nil
}

func (f *fakeDevice) Submit(slot int, ep uint8, buf []byte, done hal.CompletionFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.closed:
		return pkg.ErrDeviceNotOpen
	case f.gone:
		return pkg.ErrNoDevice
	case f.pending[slot] != nil:
		return pkg.ErrNoResources
	case f.submitErr != nil && f.submits >= f.failAfter:
		return f.submitErr
	}
	f.submits++
	f.pending[slot] = &fakeRequest{slot: slot, ep: ep, buf: buf, done: done}
	return nil
}

func (f *fakeDevice) Discard(slot int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req := f.pending[slot]
	if req == nil || f.holdDiscard {
		return nil
	}
	delete(f.pending, slot)
	f.post(req, pkg.TransferStatusCancelled, 0)
	return nil
}

// post queues req's completion. f.mu must be held.
func (f *fakeDevice) post(req *fakeRequest, status pkg.TransferStatus, n int) {
	c := hal.Completion{Slot: req.slot, Status: status, N: n, Err: status.Error()}
	f.events <- func() { req.done(c) }
}

func (f *fakeDevice) HandleEvents(timeout time.Duration) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return pkg.ErrDeviceNotOpen
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case fn := <-f.events:
		fn()
	case <-f.wake:
		return nil
	case <-timer.C:
		return nil
	}
	for {
		select {
		case fn := <-f.events:
			fn()
		default:
			f.mu.Lock()
			gone := f.gone
			f.mu.Unlock()
			if gone {
				return pkg.ErrNoDevice
			}
			return nil
		}
	}
}

func (f *fakeDevice) Wake() error {
	select {
	case f.wake <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeDevice) BulkTransfer(ep uint8, data []byte, timeout time.Duration) (int, error) {
	if f.write != nil {
		return f.write(data)
	}
	return len(data), nil
}

func (f *fakeDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// take removes and returns the lowest pending slot, or nil.
func (f *fakeDevice) take() *fakeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var req *fakeRequest
	for _, r := range f.pending {
		if req == nil || r.slot < req.slot {
			req = r
		}
	}
	if req != nil {
		delete(f.pending, req.slot)
	}
	return req
}

// complete waits for a pending read and completes it with data and status.
func (f *fakeDevice) complete(data []byte, status pkg.TransferStatus) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if req := f.take(); req != nil {
			n := copy(req.buf, data)
			f.mu.Lock()
			f.post(req, status, n)
			f.mu.Unlock()
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func (f *fakeDevice) deliver(data []byte) bool {
	return f.complete(data, pkg.TransferStatusSuccess)
}

// disconnect fails every pending read with NoDevice.
func (f *fakeDevice) disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gone = true
	for slot, req := range f.pending {
		delete(f.pending, slot)
		f.post(req, pkg.TransferStatusNoDevice, 0)
	}
}

func (f *fakeDevice) setHoldDiscard(hold bool) {
	f.mu.Lock()
	f.holdDiscard = hold
	f.mu.Unlock()
}

func (f *fakeDevice) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *fakeDevice) isClaimed(iface uint8) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimed[iface]
}
