// Package dispatch routes framed messages into per-class bounded queues and
// delivers them from one dedicated worker goroutine per class.
//
// A full queue drops its oldest entry so the freshest audio and video
// survive. Order within a channel is preserved; there is no ordering across
// classes.
package dispatch

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/ardnew/aapbridge/channel"
	"github.com/ardnew/aapbridge/pkg"
)

// Default queue capacities.
const (
	DefaultHighCapacity   = 64 // ~100ms of audio
	DefaultMediumCapacity = 16
	DefaultNormalCapacity = 32
)

// Handler receives a delivered message. data is owned by the handler.
type Handler func(ch channel.ID, data []byte)

// Config sizes the queues and selects scheduling hints.
type Config struct {
	// Capacity is indexed by channel.Class.
	Capacity [channel.NumClasses]int

	// Realtime requests SCHED_FIFO for the High worker, falling back to
	// an elevated nice value.
	Realtime bool
}

// DefaultConfig returns the default queue sizes with realtime enabled.
func DefaultConfig() Config {
	return Config{
		Capacity: [channel.NumClasses]int{
			channel.High:   DefaultHighCapacity,
			channel.Medium: DefaultMediumCapacity,
			channel.Normal: DefaultNormalCapacity,
		},
		Realtime: true,
	}
}

// ClassStats holds the counters of one class.
type ClassStats struct {
	Dispatched uint64 // messages handed to the handler
	Dropped    uint64 // messages evicted by drop-oldest
	Depth      int    // messages waiting
}

// Stats is a snapshot of every class.
type Stats struct {
	Classes [channel.NumClasses]ClassStats
}

// Class returns the counters of c.
func (s Stats) Class(c channel.Class) ClassStats {
	if !c.Valid() {
		return ClassStats{}
	}
	return s.Classes[c]
}

// Totals returns dispatched and dropped summed over all classes.
func (s Stats) Totals() (dispatched, dropped uint64) {
	for _, c := range s.Classes {
		dispatched += c.Dispatched
		dropped += c.Dropped
	}
	return dispatched, dropped
}

var workerNames = [channel.NumClasses]string{
	channel.High:   "aap-audio",
	channel.Medium: "aap-video",
	channel.Normal: "aap-control",
}

// Dispatcher owns the class queues and their workers.
type Dispatcher struct {
	queues   [channel.NumClasses]*queue
	realtime bool

	mu       sync.Mutex
	handlers [channel.NumClasses]Handler
	running  bool
	stopped  bool

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a dispatcher. Queues accept messages immediately; workers
// begin delivering after Start.
func New(cfg Config) (*Dispatcher, error) {
	d := &Dispatcher{realtime: cfg.Realtime}
	for _, c := range channel.Classes {
		n := cfg.Capacity[c]
		if n <= 0 {
			return nil, fmt.Errorf("%s queue capacity %d: %w", c, n, pkg.ErrInvalidParameter)
		}
		d.queues[c] = newQueue(n)
	}
	return d, nil
}

// SetHandler registers the delivery callback for class c. A nil handler
// discards that class's messages.
func (d *Dispatcher) SetHandler(c channel.Class, h Handler) {
	if !c.Valid() {
		return
	}
	d.mu.Lock()
	d.handlers[c] = h
	d.mu.Unlock()
}

func (d *Dispatcher) handler(c channel.Class) Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[c]
}

// Dispatch copies data and queues it on the class of ch.
// Returns ErrDispatcherStopped after Stop.
func (d *Dispatcher) Dispatch(ch channel.ID, data []byte) error {
	c := ch.Class()
	dropped, ok := d.queues[c].push(Message{
		Channel: ch,
		Data:    append([]byte(nil), data...),
	})
	if !ok {
		return pkg.ErrDispatcherStopped
	}
	if dropped && pkg.DebugEnabled() {
		pkg.LogDebug(pkg.ComponentDispatch, "queue full, dropped oldest",
			"class", c.String(), "channel", ch.String())
	}
	return nil
}

// Start launches one worker per class.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return pkg.ErrDispatcherStopped
	}
	if d.running {
		return pkg.ErrAlreadyRunning
	}
	d.running = true

	for _, c := range channel.Classes {
		d.wg.Add(1)
		go d.worker(c)
	}

	pkg.LogDebug(pkg.ComponentDispatch, "dispatcher started", "realtime", d.realtime)
	return nil
}

// Stop rejects further dispatches, lets workers drain their queues and
// waits for them to exit. It is safe to call more than once and from any
// goroutine.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	d.stopOnce.Do(func() {
		for _, q := range d.queues {
			q.shutdown()
		}
	})
	d.wg.Wait()
}

// Stats returns a snapshot of per-class counters.
func (d *Dispatcher) Stats() Stats {
	var s Stats
	for _, c := range channel.Classes {
		cs := &s.Classes[c]
		cs.Dispatched, cs.Dropped, cs.Depth, _ = d.queues[c].snapshot()
	}
	return s
}

func (d *Dispatcher) worker(c channel.Class) {
	defer d.wg.Done()

	// Hints apply per OS thread. The thread is never unlocked, so it exits
	// with the worker.
	runtime.LockOSThread()
	_ = setThreadName(workerNames[c])
	if c == channel.High && d.realtime {
		mode, err := setRealtime()
		if err != nil {
			pkg.LogDebug(pkg.ComponentDispatch, "realtime scheduling unavailable", "error", err)
		} else {
			pkg.LogDebug(pkg.ComponentDispatch, "realtime scheduling applied", "mode", mode)
		}
	}

	pkg.LogDebug(pkg.ComponentDispatch, "worker started", "class", c.String())
	q := d.queues[c]
	for {
		m, ok := q.pop()
		if !ok {
			break
		}
		if h := d.handler(c); h != nil {
			h(m.Channel, m.Data)
		}
		q.delivered()
	}
	pkg.LogDebug(pkg.ComponentDispatch, "worker stopped", "class", c.String())
}
