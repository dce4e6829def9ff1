package bridge

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/ardnew/aapbridge/channel"
	"github.com/ardnew/aapbridge/dispatch"
	"github.com/ardnew/aapbridge/host/hal"
	"github.com/ardnew/aapbridge/pkg"
	"github.com/ardnew/aapbridge/transport"
)

// DefaultErrorBuffer is the capacity of the Errors channel.
const DefaultErrorBuffer = 16

// Message is a delivered framed message. Data is owned by the receiver.
type Message struct {
	Channel channel.ID
	Data    []byte
}

// Event is an error report from the transport.
type Event struct {
	Code    pkg.ErrorCode
	Message string
}

func (e Event) Error() string {
	return e.Code.String() + ": " + e.Message
}

// Options configures a Connection.
type Options struct {
	Transport transport.Config
	Dispatch  dispatch.Config

	// Buffer is the capacity of each class channel. Zero makes the
	// channels unbuffered.
	Buffer int

	// ErrorBuffer is the capacity of the Errors channel. Events that do
	// not fit are logged and dropped.
	ErrorBuffer int
}

// DefaultOptions returns the default transport and dispatcher settings.
func DefaultOptions() Options {
	return Options{
		Transport:   transport.DefaultConfig(),
		Dispatch:    dispatch.DefaultConfig(),
		ErrorBuffer: DefaultErrorBuffer,
	}
}

// Connection is one open accessory link.
type Connection struct {
	tr   *transport.Transport
	disp *dispatch.Dispatcher

	out  [channel.NumClasses]chan Message
	errs chan Event

	// done unblocks class workers waiting on an undrained channel.
	done chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool

	errMu     sync.Mutex
	errClosed bool
}

// Open builds a connection on dev and claims its bulk endpoints. dev is
// closed when the connection is; on error the caller keeps it.
func Open(dev hal.Device, opts Options) (*Connection, error) {
	if opts.Buffer < 0 || opts.ErrorBuffer < 0 {
		return nil, fmt.Errorf("negative buffer: %w", pkg.ErrInvalidParameter)
	}

	disp, err := dispatch.New(opts.Dispatch)
	if err != nil {
		return nil, err
	}
	tr, err := transport.New(opts.Transport, disp)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		tr:   tr,
		disp: disp,
		errs: make(chan Event, opts.ErrorBuffer),
		done: make(chan struct{}),
	}
	for _, cl := range channel.Classes {
		c.out[cl] = make(chan Message, opts.Buffer)
		disp.SetHandler(cl, c.deliver(cl))
	}
	tr.SetErrorHandler(c.report)

	if err := tr.Open(dev); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) deliver(cl channel.Class) dispatch.Handler {
	out := c.out[cl]
	return func(ch channel.ID, data []byte) {
		select {
		case out <- Message{Channel: ch, Data: data}:
		case <-c.done:
		}
	}
}

func (c *Connection) report(code pkg.ErrorCode, msg string) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.errClosed {
		return
	}
	select {
	case c.errs <- Event{Code: code, Message: msg}:
	default:
		pkg.LogWarn(pkg.ComponentBridge, "error event dropped", "code", code.String(), "message", msg)
	}
}

// High returns audio messages.
func (c *Connection) High() <-chan Message { return c.out[channel.High] }

// Medium returns video messages.
func (c *Connection) Medium() <-chan Message { return c.out[channel.Medium] }

// Normal returns messages on every other channel, including channel.Raw.
func (c *Connection) Normal() <-chan Message { return c.out[channel.Normal] }

// Class returns the channel for cl, or nil if cl is not a class.
func (c *Connection) Class(cl channel.Class) <-chan Message {
	if !cl.Valid() {
		return nil
	}
	return c.out[cl]
}

// Errors returns transport error events.
func (c *Connection) Errors() <-chan Event { return c.errs }

// StartReading starts the class workers on first use, then the read pool.
func (c *Connection) StartReading() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return pkg.ErrDeviceNotOpen
	}
	if !c.started {
		if err := c.disp.Start(); err != nil {
			return err
		}
		c.started = true
	}
	return c.tr.StartReading()
}

// StopReading stops the read pool. Class workers keep draining what was
// already queued.
func (c *Connection) StopReading() error {
	return c.tr.StopReading()
}

// IsOpen reports whether the device is held.
func (c *Connection) IsOpen() bool {
	return c.tr.IsOpen()
}

// IsReading reports whether the read pool is active.
func (c *Connection) IsReading() bool {
	return c.tr.IsReading()
}

// Write sends data to the device and returns the number of bytes
// transferred, or -1 on failure. A timeout returns the partial count.
func (c *Connection) Write(data []byte) int {
	n, err := c.tr.Write(data)
	if err != nil {
		return -1
	}
	return n
}

// Stats returns the transport, framer and dispatcher counters.
func (c *Connection) Stats() transport.Stats {
	return c.tr.Stats()
}

// Close stops reading, releases the device and stops the class workers.
// The class and error channels are closed once the workers exit.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var result *multierror.Error
	if err := c.tr.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	close(c.done)
	c.disp.Stop()
	for _, out := range c.out {
		close(out)
	}

	c.errMu.Lock()
	c.errClosed = true
	close(c.errs)
	c.errMu.Unlock()

	return result.ErrorOrNil()
}
