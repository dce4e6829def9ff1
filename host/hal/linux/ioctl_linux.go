//go:build linux

package linux

import "unsafe"

// ioctl number layout:
//
//	bits 0-7:   command number (nr)
//	bits 8-15:  ioctl type (type)
//	bits 16+:   argument size (width is per-architecture)
//	top bits:   direction
const (
	iocNRBits   = 8
	iocTypeBits = 8

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

// ioc constructs an ioctl number from direction, type, number, and size.
func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

// ior constructs a read ioctl number.
func ior(typ, nr, size uintptr) uintptr {
	return ioc(iocRead, typ, nr, size)
}

// iow constructs a write ioctl number.
func iow(typ, nr, size uintptr) uintptr {
	return ioc(iocWrite, typ, nr, size)
}

// iowr constructs a read/write ioctl number.
func iowr(typ, nr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, typ, nr, size)
}

// io constructs an ioctl number with no data transfer.
func io(typ, nr uintptr) uintptr {
	return ioc(iocNone, typ, nr, 0)
}

// usbdevfs ioctl type character.
const usbdevfsType = 'U'

// usbdevfs ioctl command numbers.
const (
	ioctlControl          = 0
	ioctlBulk             = 2
	ioctlSubmitURB        = 10
	ioctlDiscardURB       = 11
	ioctlReapURBNDelay    = 13
	ioctlClaimInterface   = 15
	ioctlReleaseInterface = 16
	ioctlIoctl            = 18
	ioctlDisconnect       = 22
	ioctlConnect          = 23
)

// Argument sizes follow the kernel structs mirrored in usbfs.go, so the
// numbers are right for both 32- and 64-bit pointers.
var (
	sizeofCtrlTransfer = unsafe.Sizeof(ctrlTransfer{})
	sizeofBulkTransfer = unsafe.Sizeof(bulkTransfer{})
	sizeofURB          = unsafe.Sizeof(urb{})
	sizeofIoctl        = unsafe.Sizeof(usbIoctl{})
	sizeofUint         = unsafe.Sizeof(uint32(0))
	sizeofPointer      = unsafe.Sizeof(uintptr(0))
)

// Usbdevfs ioctl numbers.
var (
	ioctlUsbdevfsControl          = iowr(usbdevfsType, ioctlControl, sizeofCtrlTransfer)
	ioctlUsbdevfsBulk             = iowr(usbdevfsType, ioctlBulk, sizeofBulkTransfer)
	ioctlUsbdevfsSubmitURB        = ior(usbdevfsType, ioctlSubmitURB, sizeofURB)
	ioctlUsbdevfsDiscardURB       = io(usbdevfsType, ioctlDiscardURB)
	ioctlUsbdevfsReapURBNDelay    = iow(usbdevfsType, ioctlReapURBNDelay, sizeofPointer)
	ioctlUsbdevfsClaimInterface   = ior(usbdevfsType, ioctlClaimInterface, sizeofUint)
	ioctlUsbdevfsReleaseInterface = ior(usbdevfsType, ioctlReleaseInterface, sizeofUint)
	ioctlUsbdevfsIoctl            = iowr(usbdevfsType, ioctlIoctl, sizeofIoctl)
	ioctlUsbdevfsDisconnect       = io(usbdevfsType, ioctlDisconnect)
	ioctlUsbdevfsConnect          = io(usbdevfsType, ioctlConnect)
)
