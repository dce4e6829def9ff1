//go:build linux

package linux

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/aapbridge/host/hal"
	"github.com/ardnew/aapbridge/pkg"
)

// =============================================================================
// URB (USB Request Block) Structures
// =============================================================================

// urb represents a USB Request Block for async I/O.
// This must match the kernel's struct usbdevfs_urb layout. The trailing
// iso_frame_desc flexible array is omitted; bulk URBs never carry it and a
// zero-size trailing field would pad the Go struct past the kernel size.
type urb struct {
	typ          uint8   // URB type (control, bulk, interrupt, iso)
	endpoint     uint8   // Endpoint address
	status       int32   // URB status after completion
	flags        uint32  // URB flags
	buffer       uintptr // Pointer to data buffer
	bufferLength int32   // Length of data buffer
	actualLength int32   // Actual bytes transferred
	startFrame   int32   // Start frame for ISO transfers
	streamID     uint32  // Stream ID for USB 3.0 bulk streams
	errorCount   int32   // Error count for ISO transfers
	signr        uint32  // Signal number for async notification
	userContext  uintptr // Slot index
}

// ctrlTransfer represents a control transfer request.
// This must match the kernel's struct usbdevfs_ctrltransfer layout.
type ctrlTransfer struct {
	requestType uint8   // bmRequestType
	request     uint8   // bRequest
	value       uint16  // wValue
	index       uint16  // wIndex
	length      uint16  // wLength
	timeout     uint32  // Timeout in milliseconds
	data        uintptr // Data buffer pointer
}

// bulkTransfer represents a bulk transfer request.
// This must match the kernel's struct usbdevfs_bulktransfer layout.
type bulkTransfer struct {
	endpoint uint32  // Endpoint address
	length   uint32  // Data length
	timeout  uint32  // Timeout in milliseconds
	data     uintptr // Data buffer pointer
}

// usbIoctl wraps a driver ioctl aimed at one interface.
// This must match the kernel's struct usbdevfs_ioctl layout.
type usbIoctl struct {
	ifno      int32   // Interface number
	ioctlCode int32   // Driver ioctl code
	data      uintptr // Argument pointer
}

// =============================================================================
// Raw Syscall Wrappers
// =============================================================================

// openDevice opens a USB device file for read/write access.
func openDevice(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
}

// closeDevice closes a device file descriptor.
func closeDevice(fd int) error {
	return unix.Close(fd)
}

// ioctlRaw performs a raw ioctl syscall.
func ioctlRaw(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// ioctlRetval performs an ioctl syscall and returns the result value.
func ioctlRetval(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

// readDescriptors reads the cached descriptor blob of a usbfs node: the
// device descriptor followed by every configuration descriptor.
func readDescriptors(fd int) ([]byte, error) {
	buf := make([]byte, MaxDescriptorsSize)
	n, err := unix.Pread(fd, buf, 0)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// =============================================================================
// USBDEVFS Operations
// =============================================================================

// getConfigurationSetup is the standard GET_CONFIGURATION request.
var getConfigurationSetup = hal.SetupPacket{
	RequestType: hal.RequestTypeIn | hal.RequestTypeStandard | hal.RequestTypeDevice,
	Request:     hal.RequestGetConfiguration,
	Length:      1,
}

// newCtrlTransfer fills a control request from setup. The data pointer is
// left for the caller. data must hold setup.Length bytes.
func newCtrlTransfer(setup *hal.SetupPacket, data []byte, timeout uint32) (ctrlTransfer, error) {
	if len(data) < int(setup.Length) {
		return ctrlTransfer{}, fmt.Errorf("setup length %d exceeds buffer %d: %w",
			setup.Length, len(data), pkg.ErrInvalidParameter)
	}
	return ctrlTransfer{
		requestType: setup.RequestType,
		request:     setup.Request,
		value:       setup.Value,
		index:       setup.Index,
		length:      setup.Length,
		timeout:     timeout,
	}, nil
}

// doControlTransfer performs a synchronous control transfer.
func doControlTransfer(fd int, setup *hal.SetupPacket, data []byte, timeout uint32) (int, error) {
	ctrl, err := newCtrlTransfer(setup, data, timeout)
	if err != nil {
		return 0, err
	}
	if pkg.DebugEnabled() {
		var raw [hal.SetupPacketSize]byte
		setup.MarshalTo(raw[:])
		pkg.LogDebug(pkg.ComponentHAL, "control transfer", "fd", fd, "setup", fmt.Sprintf("%x", raw))
	}

	if ctrl.length > 0 {
		ctrl.data = uintptr(unsafe.Pointer(&data[0]))
	}
	n, err := ioctlRetval(fd, ioctlUsbdevfsControl, unsafe.Pointer(&ctrl))
	runtime.KeepAlive(data)
	return n, err
}

// doBulkTransfer performs a synchronous bulk transfer.
func doBulkTransfer(fd int, endpoint uint8, data []byte, timeout uint32) (int, error) {
	bulk := bulkTransfer{
		endpoint: uint32(endpoint),
		length:   uint32(len(data)),
		timeout:  timeout,
	}
	if len(data) > 0 {
		bulk.data = uintptr(unsafe.Pointer(&data[0]))
	}

	n, err := ioctlRetval(fd, ioctlUsbdevfsBulk, unsafe.Pointer(&bulk))
	runtime.KeepAlive(data)
	return n, err
}

// claimInterface claims exclusive access to an interface.
func claimInterface(fd int, iface uint8) error {
	ifaceNum := uint32(iface)
	return ioctlRaw(fd, ioctlUsbdevfsClaimInterface, unsafe.Pointer(&ifaceNum))
}

// releaseInterface releases a previously claimed interface.
func releaseInterface(fd int, iface uint8) error {
	ifaceNum := uint32(iface)
	return ioctlRaw(fd, ioctlUsbdevfsReleaseInterface, unsafe.Pointer(&ifaceNum))
}

// disconnectDriver detaches the kernel driver bound to an interface and
// reports whether one was bound.
func disconnectDriver(fd int, iface uint8) (bool, error) {
	cmd := usbIoctl{
		ifno:      int32(iface),
		ioctlCode: int32(ioctlUsbdevfsDisconnect),
	}
	err := ioctlRaw(fd, ioctlUsbdevfsIoctl, unsafe.Pointer(&cmd))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.ENODATA):
		return false, nil
	default:
		return false, err
	}
}

// connectDriver reattaches the kernel driver to an interface.
func connectDriver(fd int, iface uint8) error {
	cmd := usbIoctl{
		ifno:      int32(iface),
		ioctlCode: int32(ioctlUsbdevfsConnect),
	}
	return ioctlRaw(fd, ioctlUsbdevfsIoctl, unsafe.Pointer(&cmd))
}

// getConfiguration asks the device for its active configuration value.
func getConfiguration(fd int) (uint8, error) {
	var value [1]byte
	n, err := doControlTransfer(fd, &getConfigurationSetup, value[:], DefaultControlTimeout)
	if err != nil {
		return 0, err
	}
	if n != 1 {
		return 0, pkg.ErrProtocol
	}
	return value[0], nil
}

// =============================================================================
// Async URB Operations
// =============================================================================

// submitURB submits a URB for asynchronous processing.
func submitURB(fd int, u *urb) error {
	return ioctlRaw(fd, ioctlUsbdevfsSubmitURB, unsafe.Pointer(u))
}

// reapURBNDelay retrieves a completed URB without blocking.
// Returns EAGAIN if no URB is available.
func reapURBNDelay(fd int) (*urb, error) {
	var urbPtr *urb
	err := ioctlRaw(fd, ioctlUsbdevfsReapURBNDelay, unsafe.Pointer(&urbPtr))
	if err != nil {
		return nil, err
	}
	return urbPtr, nil
}

// discardURB cancels a pending URB.
func discardURB(fd int, u *urb) error {
	return ioctlRaw(fd, ioctlUsbdevfsDiscardURB, unsafe.Pointer(u))
}

// =============================================================================
// URB Helpers
// =============================================================================

// initBulkURB initializes a URB for a bulk transfer.
func initBulkURB(u *urb, endpoint uint8, data []byte, slot int) {
	*u = urb{
		typ:          URBTypeBulk,
		endpoint:     endpoint,
		bufferLength: int32(len(data)),
		userContext:  uintptr(slot),
	}
	if len(data) > 0 {
		u.buffer = uintptr(unsafe.Pointer(&data[0]))
	}
}

// =============================================================================
// Error Helpers
// =============================================================================

// urbStatus maps a completed URB's status field to a transfer status.
func urbStatus(status int32) pkg.TransferStatus {
	if status == 0 {
		return pkg.TransferStatusSuccess
	}
	switch unix.Errno(-status) {
	case unix.ENOENT, unix.ECONNRESET:
		return pkg.TransferStatusCancelled
	case unix.ENODEV, unix.ESHUTDOWN:
		return pkg.TransferStatusNoDevice
	case unix.EPIPE:
		return pkg.TransferStatusStall
	case unix.EOVERFLOW:
		return pkg.TransferStatusOverrun
	case unix.ETIMEDOUT:
		return pkg.TransferStatusTimeout
	default:
		return pkg.TransferStatusError
	}
}

// mapErrno converts a synchronous usbfs error into a package error.
func mapErrno(err error) error {
	switch {
	case err == nil:
		return nil
	case isNoDevice(err):
		return pkg.ErrNoDevice
	case isPipe(err):
		return pkg.ErrStall
	case errors.Is(err, unix.ETIMEDOUT):
		return pkg.ErrTimeout
	default:
		return err
	}
}

// isNoDevice returns true if the error indicates the device was disconnected.
func isNoDevice(err error) bool {
	return errors.Is(err, unix.ENODEV) || errors.Is(err, unix.ESHUTDOWN)
}

// isAgain returns true if the error indicates try again (EAGAIN/EWOULDBLOCK).
func isAgain(err error) bool {
	return errors.Is(err, unix.EAGAIN)
}

// isPipe returns true if the error indicates a stall (EPIPE).
func isPipe(err error) bool {
	return errors.Is(err, unix.EPIPE)
}
