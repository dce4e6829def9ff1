//go:build linux

package dispatch

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// realtimeNice is the fallback niceness when SCHED_FIFO is refused.
const realtimeNice = -19

// setThreadName names the calling OS thread. Names are truncated to the
// kernel limit of 15 bytes.
func setThreadName(name string) error {
	if len(name) > 15 {
		name = name[:15]
	}
	p, err := unix.BytePtrFromString(name)
	if err != nil {
		return err
	}
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(p)), 0, 0, 0)
}

// setRealtime moves the calling OS thread to SCHED_FIFO at the maximum
// priority, or failing that lowers its niceness.
func setRealtime() (string, error) {
	prio, err := schedGetPriorityMax(unix.SCHED_FIFO)
	if err == nil {
		attr := unix.SchedAttr{
			Size:     unix.SizeofSchedAttr,
			Policy:   unix.SCHED_FIFO,
			Priority: uint32(prio),
		}
		if err = unix.SchedSetAttr(0, &attr, 0); err == nil {
			return "fifo", nil
		}
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), realtimeNice); err != nil {
		return "", err
	}
	return "nice", nil
}

func schedGetPriorityMax(policy int) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_SCHED_GET_PRIORITY_MAX, uintptr(policy), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}
