// Package frame reconstructs length-prefixed messages from a byte stream.
//
// A [Framer] consumes bytes from a [ring.Ring] and emits each complete frame
// (header and body together) to a callback. Headers that lack the encrypted
// flag, or declare a body longer than the configured limit, are rejected and
// the framer slides its 4-byte header window forward one byte at a time until
// a valid header lines up again.
//
// The framer is driven from the goroutine that writes the ring. It holds no
// locks; only its statistics may be read concurrently.
package frame

import (
	"sync/atomic"

	"github.com/ardnew/aapbridge/channel"
	"github.com/ardnew/aapbridge/pkg"
	"github.com/ardnew/aapbridge/ring"
)

// EmitFunc receives a complete frame. msg includes the header and is only
// valid for the duration of the call.
type EmitFunc func(ch channel.ID, msg []byte)

// Stats is a snapshot of framer counters.
type Stats struct {
	Frames      uint64 // complete frames emitted
	Rejected    uint64 // times alignment was lost
	ResyncBytes uint64 // bytes discarded while resynchronizing
}

// Framer is a stateful stream parser.
type Framer struct {
	src       *ring.Ring
	emit      EmitFunc
	maxLength int

	awaitingHeader bool
	hdr            [HeaderSize]byte
	hdrPos         int
	cur            Header
	resyncing      bool

	msg     []byte // scratch holding header+body of the frame in progress
	bodyPos int

	frames   atomic.Uint64
	rejected atomic.Uint64
	resync   atomic.Uint64
}

// Option configures a Framer.
type Option func(*Framer)

// WithMaxLength rejects headers declaring a body longer than n bytes.
// Values outside [0, MaxBodyLength] are clamped.
func WithMaxLength(n int) Option {
	return func(f *Framer) {
		f.maxLength = max(0, min(n, MaxBodyLength))
	}
}

// New returns a framer reading from src and emitting to emit.
func New(src *ring.Ring, emit EmitFunc, opts ...Option) *Framer {
	f := &Framer{
		src:            src,
		emit:           emit,
		maxLength:      MaxBodyLength,
		awaitingHeader: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Pump parses as many frames as the ring currently holds and returns the
// number emitted. A partial frame stays buffered until the next call.
func (f *Framer) Pump() int {
	emitted := 0
	for {
		if f.awaitingHeader {
			f.hdrPos += f.src.Read(f.hdr[f.hdrPos:])
			if f.hdrPos < HeaderSize {
				return emitted
			}
			ParseHeader(f.hdr[:], &f.cur)
			if !f.cur.Valid(f.maxLength) {
				f.slide()
				continue
			}
			f.begin()
		}

		body := f.msg[HeaderSize:]
		f.bodyPos += f.src.Read(body[f.bodyPos:])
		if f.bodyPos < len(body) {
			return emitted
		}

		f.emit(f.cur.Channel, f.msg)
		f.frames.Add(1)
		emitted++
		f.awaitingHeader = true
		f.hdrPos = 0
	}
}

// slide drops the first byte of the header window.
func (f *Framer) slide() {
	if !f.resyncing {
		f.resyncing = true
		f.rejected.Add(1)
		if pkg.DebugEnabled() {
			pkg.LogDebug(pkg.ComponentFramer, "header rejected, resynchronizing",
				"channel", uint8(f.cur.Channel),
				"flags", f.cur.Flags,
				"length", f.cur.Length)
		}
	}
	f.resync.Add(1)
	copy(f.hdr[:], f.hdr[1:])
	f.hdrPos = HeaderSize - 1
}

// begin sizes the scratch buffer for the current header.
func (f *Framer) begin() {
	n := HeaderSize + int(f.cur.Length)
	if cap(f.msg) < n {
		f.msg = make([]byte, n)
	}
	f.msg = f.msg[:n]
	copy(f.msg, f.hdr[:])
	f.bodyPos = 0
	f.awaitingHeader = false
	f.resyncing = false
}

// Reset discards any partial frame.
func (f *Framer) Reset() {
	f.awaitingHeader = true
	f.resyncing = false
	f.hdrPos = 0
	f.bodyPos = 0
}

// Stats returns a snapshot of the framer counters.
func (f *Framer) Stats() Stats {
	return Stats{
		Frames:      f.frames.Load(),
		Rejected:    f.rejected.Load(),
		ResyncBytes: f.resync.Load(),
	}
}
