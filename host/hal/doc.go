// Package hal defines the device abstraction the transport drives.
//
// A [Device] exposes exactly what a multiplexed bulk link needs: the active
// configuration descriptor, interface claiming, asynchronous bulk transfers
// with per-slot completion callbacks, an event pump that runs those
// callbacks, and a synchronous bulk path for writes.
//
// # Completion Model
//
// Transfers are identified by a caller-chosen slot index. [Device.Submit]
// queues a transfer for a slot; its [CompletionFunc] runs later, from inside
// [Device.HandleEvents], on the goroutine that called HandleEvents. A slot
// has at most one transfer in flight. [Device.Discard] cancels a slot's
// transfer and the cancellation is still delivered as a completion with
// [pkg.TransferStatusCancelled].
//
// # Implementations
//
// The usbfs implementation lives in [github.com/ardnew/aapbridge/host/hal/linux].
// A reader/writer backed implementation for replay and testing is available
// in [github.com/ardnew/aapbridge/host/hal/fifo].
package hal
