package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/ardnew/aapbridge/channel"
	"github.com/ardnew/aapbridge/host/hal"
	"github.com/ardnew/aapbridge/pkg"
)

type slotState uint8

const (
	slotIdle slotState = iota
	slotSubmitted
)

type slot struct {
	buf   []byte
	state slotState
}

// readSession holds what the event goroutine needs for one
// StartReading/StopReading cycle. Each submitted transfer completes into
// the session that submitted it.
type readSession struct {
	dev      hal.Device
	in       uint8
	slots    []slot
	complete hal.CompletionFunc
	deadline time.Time // drain deadline, set by StopReading
}

func (t *Transport) newSession(dev hal.Device, in uint8) *readSession {
	sess := &readSession{dev: dev, in: in, slots: make([]slot, t.cfg.Slots)}
	for i := range sess.slots {
		sess.slots[i].buf = make([]byte, t.cfg.SlotSize)
	}
	sess.complete = func(c hal.Completion) { t.onComplete(sess, c) }
	return sess
}

// submitted returns the number of slots the device still holds. t.slotMu
// must be held.
func (s *readSession) submitted() int {
	n := 0
	for i := range s.slots {
		if s.slots[i].state == slotSubmitted {
			n++
		}
	}
	return n
}

// StartReading submits the read pool and starts the event goroutine. If an
// earlier StopReading timed out, the reads it left with the device are
// reaped first; when they do not finish within the drain timeout the
// returned error wraps pkg.ErrTransfersPending and the device must be
// reopened.
func (t *Transport) StartReading() error {
	dev, eps := t.device()
	if dev == nil {
		return pkg.ErrDeviceNotOpen
	}
	if err := t.reapStale(); err != nil {
		return pkg.NewError(pkg.CodeTransferFailure, "start reading", err)
	}

	t.slotMu.Lock()
	if t.reading {
		t.slotMu.Unlock()
		return pkg.ErrAlreadyRunning
	}

	t.ring.Reset()
	t.framer.Reset()

	t.stopping.Store(false)
	t.gone.Store(false)
	t.reading = true
	sess := t.newSession(dev, eps.In)
	t.sess = sess
	done := make(chan struct{})
	t.done = done

	var err error
	for i := range sess.slots {
		if err = t.submitLocked(sess, i); err != nil {
			err = fmt.Errorf("submit slot %d: %w", i, err)
			break
		}
	}
	t.slotMu.Unlock()

	go t.eventLoop(sess, done)

	if err != nil {
		t.StopReading()
		return pkg.NewError(pkg.CodeTransferFailure, "start reading", err)
	}

	pkg.LogInfo(pkg.ComponentTransport, "reading started",
		"slots", t.cfg.Slots, "slotSize", t.cfg.SlotSize, "raw", t.cfg.RawMode)
	return nil
}

// IsReading reports whether the read pool is active. It turns false after
// StopReading or once the device disconnects.
func (t *Transport) IsReading() bool {
	t.slotMu.Lock()
	defer t.slotMu.Unlock()
	return t.reading && !t.gone.Load()
}

// StopReading cancels every in-flight transfer and waits, up to the drain
// timeout, for their completions. Calling it when not reading is a no-op.
// Transfers still held by the device after the timeout keep their slots
// until the next StartReading reaps them.
func (t *Transport) StopReading() error {
	t.slotMu.Lock()
	if !t.reading {
		t.slotMu.Unlock()
		return nil
	}
	if !t.stopping.CompareAndSwap(false, true) {
		// Another caller is stopping; wait with it.
		done := t.done
		t.slotMu.Unlock()
		<-done
		return nil
	}
	sess, done := t.sess, t.done
	sess.deadline = time.Now().Add(t.cfg.DrainTimeout)
	t.discardLocked(sess)
	t.slotMu.Unlock()

	if err := sess.dev.Wake(); err != nil && pkg.DebugEnabled() {
		pkg.LogDebug(pkg.ComponentTransport, "wake failed", "error", err)
	}
	<-done

	t.slotMu.Lock()
	t.reading = false
	t.sess = nil
	pending := sess.submitted()
	if pending > 0 {
		t.stale = sess
	}
	t.slotMu.Unlock()

	t.ring.Reset()
	t.framer.Reset()

	if pending > 0 {
		pkg.LogWarn(pkg.ComponentTransport, "reading stopped with transfers pending",
			"inFlight", pending)
		return nil
	}
	pkg.LogInfo(pkg.ComponentTransport, "reading stopped")
	return nil
}

// discardLocked cancels every submitted slot of sess. t.slotMu must be held.
func (t *Transport) discardLocked(sess *readSession) {
	for i := range sess.slots {
		if sess.slots[i].state != slotSubmitted {
			continue
		}
		if err := sess.dev.Discard(i); err != nil && pkg.DebugEnabled() {
			pkg.LogDebug(pkg.ComponentTransport, "discard failed", "slot", i, "error", err)
		}
	}
}

// reapStale services completions for the session left behind by a timed
// out StopReading until the device returns its slots or the drain timeout
// passes.
func (t *Transport) reapStale() error {
	t.slotMu.Lock()
	sess := t.stale
	if sess == nil || t.reading {
		t.slotMu.Unlock()
		return nil
	}
	t.discardLocked(sess)
	t.slotMu.Unlock()

	deadline := time.Now().Add(t.cfg.DrainTimeout)
	for {
		n := t.inFlight(sess)
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%d reads from a stopped session, reopen the device: %w",
				n, pkg.ErrTransfersPending)
		}
		if err := sess.dev.HandleEvents(t.cfg.EventTimeout); err != nil {
			return fmt.Errorf("reap stopped session: %w", err)
		}
	}

	t.slotMu.Lock()
	if t.stale == sess {
		t.stale = nil
	}
	t.slotMu.Unlock()
	pkg.LogInfo(pkg.ComponentTransport, "stale transfers reaped")
	return nil
}

// submitLocked submits slot i of sess. t.slotMu must be held.
func (t *Transport) submitLocked(sess *readSession, i int) error {
	s := &sess.slots[i]
	if err := sess.dev.Submit(i, sess.in, s.buf, sess.complete); err != nil {
		return err
	}
	s.state = slotSubmitted
	return nil
}

// resubmit returns slot i to the device unless reading is winding down.
func (t *Transport) resubmit(sess *readSession, i int) {
	t.slotMu.Lock()
	sess.slots[i].state = slotIdle
	if t.stopping.Load() || t.gone.Load() {
		t.slotMu.Unlock()
		return
	}
	err := t.submitLocked(sess, i)
	t.slotMu.Unlock()

	if err == nil {
		t.stats.resubmits.Add(1)
		return
	}
	t.submitFailed(i, err)
}

// retryIdle resubmits slots left idle by an earlier failed resubmit.
func (t *Transport) retryIdle(sess *readSession) {
	for i := range sess.slots {
		t.slotMu.Lock()
		if sess.slots[i].state != slotIdle || t.stopping.Load() || t.gone.Load() {
			t.slotMu.Unlock()
			continue
		}
		err := t.submitLocked(sess, i)
		t.slotMu.Unlock()

		if err != nil {
			t.submitFailed(i, err)
			return
		}
		t.stats.resubmits.Add(1)
	}
}

func (t *Transport) submitFailed(i int, err error) {
	if errors.Is(err, pkg.ErrNoDevice) {
		t.disconnected(err)
		return
	}
	t.stats.transferErrors.Add(1)
	t.report(pkg.CodeTransferFailure, fmt.Sprintf("resubmit slot %d: %v", i, err))
}

func (t *Transport) setIdle(sess *readSession, i int) {
	t.slotMu.Lock()
	sess.slots[i].state = slotIdle
	t.slotMu.Unlock()
}

// inFlight returns the number of submitted slots of sess.
func (t *Transport) inFlight(sess *readSession) int {
	t.slotMu.Lock()
	defer t.slotMu.Unlock()
	return sess.submitted()
}

// disconnected stops the read pipeline after the device goes away. Only the
// first call reports.
func (t *Transport) disconnected(cause error) {
	if !t.gone.CompareAndSwap(false, true) {
		return
	}
	e := pkg.NewError(pkg.CodeDeviceDisconnected, "read", cause)
	t.report(e.Code, e.Error())
}

// onComplete runs on the event goroutine for every bulk IN completion of
// sess. Completions of a stopped session only release their slot.
func (t *Transport) onComplete(sess *readSession, c hal.Completion) {
	if c.Slot < 0 || c.Slot >= len(sess.slots) {
		return
	}
	t.slotMu.Lock()
	current := sess == t.sess
	t.slotMu.Unlock()
	if !current {
		t.setIdle(sess, c.Slot)
		return
	}

	switch c.Status {
	case pkg.TransferStatusSuccess:
		t.stats.completions.Add(1)
		if c.N > 0 {
			t.stats.bytesRead.Add(uint64(c.N))
			t.consume(sess.slots[c.Slot].buf[:c.N])
		}
		t.resubmit(sess, c.Slot)

	case pkg.TransferStatusCancelled:
		t.setIdle(sess, c.Slot)

	case pkg.TransferStatusNoDevice:
		t.setIdle(sess, c.Slot)
		t.disconnected(c.Err)

	default:
		t.stats.completions.Add(1)
		t.stats.transferErrors.Add(1)
		err := c.Err
		if err == nil {
			err = c.Status.Error()
		}
		t.report(pkg.CodeTransferFailure,
			fmt.Sprintf("bulk in slot %d: %s: %v", c.Slot, c.Status, err))
		t.resubmit(sess, c.Slot)
	}
}

// consume feeds received bytes through the ring and framer. In raw mode
// the bytes bypass both. Corrupt headers and queue drops are recovered
// downstream and only show up in Stats.
func (t *Transport) consume(data []byte) {
	if t.cfg.RawMode {
		t.emit(channel.Raw, data)
		return
	}

	// Pump empties the ring, so every pass writes at least one byte.
	for len(data) > 0 {
		n := t.ring.Write(data)
		data = data[n:]
		t.framer.Pump()
	}
}

// eventLoop services completions until reading stops, the drain deadline
// passes or the device goes away.
func (t *Transport) eventLoop(sess *readSession, done chan struct{}) {
	defer close(done)

	for {
		if t.gone.Load() {
			t.idleAll(sess)
			return
		}
		if t.stopping.Load() {
			if t.inFlight(sess) == 0 {
				return
			}
			t.slotMu.Lock()
			deadline := sess.deadline
			t.slotMu.Unlock()
			if time.Now().After(deadline) {
				pkg.LogWarn(pkg.ComponentTransport, "drain timed out",
					"inFlight", t.inFlight(sess), "timeout", t.cfg.DrainTimeout)
				return
			}
		} else {
			t.retryIdle(sess)
		}

		err := sess.dev.HandleEvents(t.cfg.EventTimeout)
		switch {
		case err == nil:
		case errors.Is(err, pkg.ErrNoDevice):
			t.disconnected(err)
		case errors.Is(err, pkg.ErrDeviceNotOpen):
			t.idleAll(sess)
			return
		default:
			t.disconnected(fmt.Errorf("handle events: %w", err))
		}
	}
}

func (t *Transport) idleAll(sess *readSession) {
	t.slotMu.Lock()
	for i := range sess.slots {
		sess.slots[i].state = slotIdle
	}
	t.slotMu.Unlock()
}
