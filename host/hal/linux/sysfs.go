//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ardnew/aapbridge/host/hal"
	"github.com/ardnew/aapbridge/pkg"
)

// =============================================================================
// USB Device Information
// =============================================================================

// DeviceInfo describes a USB device discovered via sysfs.
type DeviceInfo struct {
	Path      string    // Node in /dev/bus/usb
	SysfsPath string    // Directory in /sys/bus/usb/devices
	Bus       uint8     // Bus number
	Dev       uint8     // Device number
	VendorID  uint16    // USB Vendor ID
	ProductID uint16    // USB Product ID
	Speed     hal.Speed // Device speed

	Manufacturer string
	Product      string
	Serial       string
}

// IsAccessory reports whether the device enumerated in accessory mode.
func (d *DeviceInfo) IsAccessory() bool {
	return d.VendorID == AccessoryVendorID &&
		d.ProductID >= AccessoryProductFirst &&
		d.ProductID <= AccessoryProductLast
}

// String returns "BBB/DDD vvvv:pppp".
func (d DeviceInfo) String() string {
	return fmt.Sprintf("%03d/%03d %04x:%04x", d.Bus, d.Dev, d.VendorID, d.ProductID)
}

// =============================================================================
// Sysfs Parsing
// =============================================================================

// Scan lists USB devices under SysfsUSBPath.
func Scan() ([]DeviceInfo, error) {
	return ScanDir(SysfsUSBPath)
}

// ScanDir lists USB devices under a sysfs devices directory.
func ScanDir(root string) ([]DeviceInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var devices []DeviceInfo

	for _, entry := range entries {
		name := entry.Name()

		// USB devices have names like "1-1", "1-1.2", etc.
		// Skip root hubs (usb1) and interfaces (1-1:1.0).
		if strings.HasPrefix(name, "usb") {
			continue
		}
		if strings.Contains(name, ":") {
			continue
		}

		info, err := parseUSBDevice(filepath.Join(root, name))
		if err != nil {
			continue // Skip devices we can't parse
		}

		devices = append(devices, info)
	}

	return devices, nil
}

// FindAccessory returns the first device in accessory mode, or
// pkg.ErrNotFound.
func FindAccessory() (DeviceInfo, error) {
	return FindAccessoryDir(SysfsUSBPath)
}

// FindAccessoryDir is FindAccessory against a sysfs devices directory.
func FindAccessoryDir(root string) (DeviceInfo, error) {
	devices, err := ScanDir(root)
	if err != nil {
		return DeviceInfo{}, err
	}
	for _, dev := range devices {
		if dev.IsAccessory() {
			return dev, nil
		}
	}
	return DeviceInfo{}, pkg.ErrNotFound
}

// parseUSBDevice parses USB device information from sysfs.
func parseUSBDevice(sysfsPath string) (DeviceInfo, error) {
	info := DeviceInfo{
		SysfsPath: sysfsPath,
	}

	busNum, err := readSysfsUint8(filepath.Join(sysfsPath, "busnum"))
	if err != nil {
		return info, err
	}
	info.Bus = busNum

	devNum, err := readSysfsUint8(filepath.Join(sysfsPath, "devnum"))
	if err != nil {
		return info, err
	}
	info.Dev = devNum

	info.Path = formatDevfsPath(info.Bus, info.Dev)

	if v, err := readSysfsHexUint16(filepath.Join(sysfsPath, "idVendor")); err == nil {
		info.VendorID = v
	}
	if v, err := readSysfsHexUint16(filepath.Join(sysfsPath, "idProduct")); err == nil {
		info.ProductID = v
	}
	if s, err := readSysfsString(filepath.Join(sysfsPath, "speed")); err == nil {
		info.Speed = parseSpeed(s)
	}

	// String attributes are absent when the device has no string descriptors.
	info.Manufacturer, _ = readSysfsString(filepath.Join(sysfsPath, "manufacturer"))
	info.Product, _ = readSysfsString(filepath.Join(sysfsPath, "product"))
	info.Serial, _ = readSysfsString(filepath.Join(sysfsPath, "serial"))

	return info, nil
}

// =============================================================================
// Sysfs Read Helpers
// =============================================================================

// readSysfsString reads a string from a sysfs attribute file.
func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readSysfsUint8 reads an unsigned decimal uint8 from a sysfs attribute file.
func readSysfsUint8(path string) (uint8, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, err
	}
	return uint8(v), nil
}

// readSysfsHexUint16 reads a hexadecimal uint16 from a sysfs attribute file.
func readSysfsHexUint16(path string) (uint16, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// =============================================================================
// Path Helpers
// =============================================================================

// formatDevfsPath constructs a /dev/bus/usb path from bus and device numbers.
func formatDevfsPath(busNum, devNum uint8) string {
	// Path format: /dev/bus/usb/BBB/DDD where BBB and DDD are zero-padded
	var buf [DevfsPathMaxLen]byte
	n := copy(buf[:], DevfsUSBPath)
	buf[n] = '/'
	n++
	n += formatPadded(buf[n:], busNum, 3)
	buf[n] = '/'
	n++
	n += formatPadded(buf[n:], devNum, 3)
	return string(buf[:n])
}

// formatPadded formats a number with zero-padding to a fixed width.
func formatPadded(buf []byte, val uint8, width int) int {
	s := strconv.FormatUint(uint64(val), 10)

	padding := width - len(s)
	for i := 0; i < padding && i < len(buf); i++ {
		buf[i] = '0'
	}

	copy(buf[padding:], s)
	return width
}

// =============================================================================
// Speed Parsing
// =============================================================================

// parseSpeed converts a sysfs speed string to a hal.Speed value.
func parseSpeed(s string) hal.Speed {
	switch s {
	case "1.5":
		return hal.SpeedLow
	case "12":
		return hal.SpeedFull
	case "480":
		return hal.SpeedHigh
	case "5000", "10000", "20000":
		return hal.SpeedSuper
	default:
		return hal.SpeedUnknown
	}
}
