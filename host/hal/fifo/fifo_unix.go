//go:build unix

package fifo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// OpenDir opens the named pipes device_to_host and host_to_device in dir,
// creating dir and the pipes if needed. A producer writes the device's bulk
// IN stream into device_to_host and reads bulk OUT data from
// host_to_device.
//
// Both pipes are opened read/write so that opening never blocks waiting for
// the peer, and the stream does not end when a producer disconnects.
func OpenDir(dir string, opts ...Option) (*Device, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFIFOCreate, err)
	}

	in := filepath.Join(dir, fifoDeviceToHost)
	out := filepath.Join(dir, fifoHostToDevice)
	for _, path := range []string{in, out} {
		if err := mkfifo(path); err != nil {
			return nil, err
		}
	}

	r, err := os.OpenFile(in, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFIFOOpen, err)
	}
	w, err := os.OpenFile(out, os.O_RDWR, 0)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%w: %v", ErrFIFOOpen, err)
	}

	return New(r, w, append([]Option{WithName(dir)}, opts...)...), nil
}

// mkfifo creates a named pipe at path unless one already exists.
func mkfifo(path string) error {
	err := unix.Mkfifo(path, 0o600)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("%w: %s: %v", ErrFIFOCreate, path, err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFIFOCreate, err)
	}
	if fi.Mode()&os.ModeNamedPipe == 0 {
		return fmt.Errorf("%w: %s exists and is not a FIFO", ErrFIFOCreate, path)
	}
	return nil
}
