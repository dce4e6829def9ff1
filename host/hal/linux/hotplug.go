//go:build linux

package linux

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ardnew/aapbridge/pkg"
)

// Netlink uevent parameters.
const (
	netlinkKObjectUEvent = 15   // NETLINK_KOBJECT_UEVENT
	ueventBufferSize     = 8192 // Largest uevent datagram read
	hotplugPollMillis    = 100  // Context check interval
)

// =============================================================================
// UEvent Types
// =============================================================================

// Action is a kernel uevent action.
type Action uint8

// Uevent actions.
const (
	ActionUnknown Action = iota
	ActionAdd
	ActionRemove
	ActionChange
	ActionBind
	ActionUnbind
)

// String returns the action keyword.
func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionRemove:
		return "remove"
	case ActionChange:
		return "change"
	case ActionBind:
		return "bind"
	case ActionUnbind:
		return "unbind"
	default:
		return "unknown"
	}
}

func parseAction(s string) Action {
	switch s {
	case "add":
		return ActionAdd
	case "remove":
		return ActionRemove
	case "change":
		return ActionChange
	case "bind":
		return ActionBind
	case "unbind":
		return ActionUnbind
	default:
		return ActionUnknown
	}
}

// uevent represents a parsed netlink uevent.
type uevent struct {
	action    Action
	devpath   string // DEVPATH value
	subsystem string // SUBSYSTEM value
	devtype   string // DEVTYPE value
	busnum    string // BUSNUM value
	devnum    string // DEVNUM value
	product   string // PRODUCT value: vid/pid/bcdDevice in hex
}

// Event is a USB device arrival or departure.
type Event struct {
	Action Action
	Device DeviceInfo
}

// =============================================================================
// Hotplug Monitor
// =============================================================================

// Monitor receives kernel USB device uevents.
type Monitor struct {
	fd  int
	buf [ueventBufferSize]byte
}

// NewMonitor opens a netlink socket bound to the kernel uevent group.
func NewMonitor() (*Monitor, error) {
	fd, err := unix.Socket(
		unix.AF_NETLINK,
		unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK,
		netlinkKObjectUEvent,
	)
	if err != nil {
		return nil, err
	}

	addr := unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: 1, // Kernel broadcast group
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Monitor{fd: fd}, nil
}

// Close closes the netlink socket.
func (m *Monitor) Close() error {
	return unix.Close(m.fd)
}

// Next blocks until a USB device is added or removed, or ctx is done.
func (m *Monitor) Next(ctx context.Context) (Event, error) {
	fds := []unix.PollFd{{Fd: int32(m.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}

		n, err := unix.Read(m.fd, m.buf[:])
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) {
				return Event{}, err
			}
			if _, err := unix.Poll(fds, hotplugPollMillis); err != nil && !errors.Is(err, unix.EINTR) {
				return Event{}, err
			}
			continue
		}

		if ev, ok := deviceEvent(parseUEvent(m.buf[:n])); ok {
			return ev, nil
		}
	}
}

// deviceEvent filters a uevent down to USB device add/remove events.
func deviceEvent(evt uevent) (Event, bool) {
	if evt.subsystem != "usb" || evt.devtype != "usb_device" {
		return Event{}, false
	}
	if evt.action != ActionAdd && evt.action != ActionRemove {
		return Event{}, false
	}

	info := DeviceInfo{
		SysfsPath: filepath.Join(SysfsUSBPath, filepath.Base(evt.devpath)),
	}
	if v, err := strconv.ParseUint(evt.busnum, 10, 8); err == nil {
		info.Bus = uint8(v)
	}
	if v, err := strconv.ParseUint(evt.devnum, 10, 8); err == nil {
		info.Dev = uint8(v)
	}
	if info.Bus != 0 && info.Dev != 0 {
		info.Path = formatDevfsPath(info.Bus, info.Dev)
	}
	info.VendorID, info.ProductID = parseProduct(evt.product)

	return Event{Action: evt.action, Device: info}, true
}

// WaitAccessory returns the first device in accessory mode, waiting for
// one to be plugged in if none is present.
func WaitAccessory(ctx context.Context) (DeviceInfo, error) {
	m, err := NewMonitor()
	if err != nil {
		return DeviceInfo{}, err
	}
	defer m.Close()

	// Subscribe before scanning so an arrival between the two is not lost.
	if dev, err := FindAccessory(); err == nil {
		return dev, nil
	}

	pkg.LogInfo(pkg.ComponentHAL, "waiting for accessory")
	for {
		ev, err := m.Next(ctx)
		if err != nil {
			return DeviceInfo{}, err
		}
		if ev.Action == ActionAdd && ev.Device.IsAccessory() {
			if full, err := parseUSBDevice(ev.Device.SysfsPath); err == nil {
				return full, nil
			}
			return ev.Device, nil
		}
		pkg.LogDebug(pkg.ComponentHAL, "ignoring usb event", "action", ev.Action, "device", ev.Device)
	}
}

// =============================================================================
// UEvent Parsing
// =============================================================================

// parseUEvent parses a netlink uevent message.
func parseUEvent(data []byte) uevent {
	evt := uevent{}

	for _, line := range bytes.Split(data, []byte{0}) {
		if len(line) == 0 {
			continue
		}

		s := string(line)

		idx := strings.IndexByte(s, '=')
		if idx < 0 {
			// Header line: action@devpath
			if at := strings.IndexByte(s, '@'); at > 0 {
				evt.action = parseAction(s[:at])
				evt.devpath = s[at+1:]
			}
			continue
		}

		key := s[:idx]
		value := s[idx+1:]

		switch key {
		case "ACTION":
			evt.action = parseAction(value)
		case "DEVPATH":
			evt.devpath = value
		case "SUBSYSTEM":
			evt.subsystem = value
		case "DEVTYPE":
			evt.devtype = value
		case "BUSNUM":
			evt.busnum = value
		case "DEVNUM":
			evt.devnum = value
		case "PRODUCT":
			evt.product = value
		}
	}

	return evt
}

// parseProduct parses a PRODUCT value such as "18d1/2d01/100".
func parseProduct(s string) (vid, pid uint16) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 {
		return 0, 0
	}
	v, err1 := strconv.ParseUint(parts[0], 16, 16)
	p, err2 := strconv.ParseUint(parts[1], 16, 16)
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return uint16(v), uint16(p)
}
