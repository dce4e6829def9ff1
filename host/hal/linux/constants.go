package linux

// =============================================================================
// Device and Endpoint Limits
// =============================================================================

// MaxSlots is the maximum number of concurrent asynchronous transfers.
const MaxSlots = 64

// MaxInterfacesPerDevice is the maximum number of interfaces per device.
const MaxInterfacesPerDevice = 32

// MaxDescriptorsSize bounds the raw descriptor blob read from a usbfs node.
const MaxDescriptorsSize = 64 * 1024

// DefaultControlTimeout is the timeout for descriptor and configuration requests.
const DefaultControlTimeout = 1000 // milliseconds

// =============================================================================
// System Paths
// =============================================================================

// SysfsUSBPath is the base path for USB devices in sysfs.
const SysfsUSBPath = "/sys/bus/usb/devices"

// DevfsUSBPath is the base path for USB device nodes.
const DevfsUSBPath = "/dev/bus/usb"

// DevfsPathMaxLen is the maximum length of a devfs path.
const DevfsPathMaxLen = 64

// =============================================================================
// Accessory Identification
// =============================================================================

// AccessoryVendorID is the vendor id a phone reports in accessory mode.
const AccessoryVendorID = 0x18D1

// Accessory mode product ids.
const (
	AccessoryProductFirst = 0x2D00 // accessory
	AccessoryProductLast  = 0x2D05 // accessory + audio + adb
)

// =============================================================================
// URB Type Constants
// =============================================================================

// URB transfer types for USBDEVFS_SUBMITURB.
const (
	URBTypeISO       = 0 // Isochronous
	URBTypeInterrupt = 1 // Interrupt
	URBTypeControl   = 2 // Control
	URBTypeBulk      = 3 // Bulk
)

// URB flags.
const (
	URBShortNotOK       = 0x01 // Short read is an error
	URBISOAsap          = 0x02 // Schedule ISO transfer ASAP
	URBBulkContinuation = 0x04 // Bulk continuation of a split transfer
	URBZeroPacket       = 0x40 // Send zero-length packet at end
	URBNoInterrupt      = 0x80 // Don't generate interrupt on completion
)

// =============================================================================
// Polling Constants
// =============================================================================

// MaxEpollEvents is the maximum events to retrieve per epoll_wait call.
const MaxEpollEvents = 8
