package transport

import (
	"sync/atomic"

	"github.com/ardnew/aapbridge/dispatch"
	"github.com/ardnew/aapbridge/frame"
)

// Stats is a snapshot of transport counters together with the framer and
// dispatcher it feeds.
type Stats struct {
	Completions    uint64 // bulk IN completions handled
	BytesRead      uint64 // bytes received on bulk IN
	TransferErrors uint64 // completions or resubmits that failed
	Resubmits      uint64 // slots resubmitted after a completion
	Writes         uint64 // successful bulk OUT transfers
	BytesWritten   uint64 // bytes sent on bulk OUT
	WriteTimeouts  uint64 // bulk OUT transfers that timed out
	WriteErrors    uint64 // bulk OUT transfers that failed

	Framer   frame.Stats
	Dispatch dispatch.Stats
}

type counters struct {
	completions    atomic.Uint64
	bytesRead      atomic.Uint64
	transferErrors atomic.Uint64
	resubmits      atomic.Uint64
	writes         atomic.Uint64
	bytesWritten   atomic.Uint64
	writeTimeouts  atomic.Uint64
	writeErrors    atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Completions:    c.completions.Load(),
		BytesRead:      c.bytesRead.Load(),
		TransferErrors: c.transferErrors.Load(),
		Resubmits:      c.resubmits.Load(),
		Writes:         c.writes.Load(),
		BytesWritten:   c.bytesWritten.Load(),
		WriteTimeouts:  c.writeTimeouts.Load(),
		WriteErrors:    c.writeErrors.Load(),
	}
}
