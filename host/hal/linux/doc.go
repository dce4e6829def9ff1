// Package linux implements hal.Device on the Linux usbfs interface.
//
// Device nodes live under /dev/bus/usb/ and are found through sysfs
// (/sys/bus/usb/devices/). Everything is done with raw ioctls through
// golang.org/x/sys/unix; there is no cgo and no libusb.
//
// # Requirements
//
// The process needs read/write access to the device node. That usually
// means running as root or installing a udev rule for the accessory ids
// (vendor 18d1, products 2d00 through 2d05).
//
// # Architecture
//
// Bulk reads are asynchronous:
//   - URBs are submitted via USBDEVFS_SUBMITURB, one per caller slot
//   - usbfs reports reapable URBs as EPOLLOUT on the device descriptor
//   - Completed URBs are reaped via USBDEVFS_REAPURBNDELAY and their
//     continuations run on the goroutine calling HandleEvents
//   - An eventfd lets Wake interrupt a blocked HandleEvents
//
// Each URB and its buffer are pinned with runtime.Pinner while the kernel
// owns them. Bulk writes use the synchronous USBDEVFS_BULK ioctl.
//
// A file descriptor handed over by a platform USB manager can be adopted
// with Wrap; Open opens a node by path. Monitor and WaitAccessory watch
// netlink uevents for a phone switching into accessory mode.
package linux
